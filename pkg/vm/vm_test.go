package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PostHog/hogtrace/pkg/bytecode"
	"github.com/PostHog/hogtrace/pkg/value"
)

// mockDispatcher resolves a fixed variable table and records stores.
type mockDispatcher struct {
	DefaultOps
	vars   map[string]value.Value
	stored map[string]value.Value
	attrs  map[string]value.Value
	calls  []string
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{
		vars: map[string]value.Value{
			"arg0":     value.Int(150),
			"arg1":     value.String("test@example.com"),
			"arg2":     value.Bool(true),
			"half":     value.Float(0.5),
			"test_var": value.Int(42),
		},
		stored: make(map[string]value.Value),
		attrs: map[string]value.Value{
			"email": value.String("user@example.com"),
		},
	}
}

func (d *mockDispatcher) LoadVariable(name string) (value.Value, error) {
	if v, ok := d.stored[name]; ok {
		return v, nil
	}
	if v, ok := d.vars[name]; ok {
		return v, nil
	}
	return value.None, fmt.Errorf("unknown variable: %s", name)
}

func (d *mockDispatcher) StoreVariable(name string, v value.Value) error {
	d.stored[name] = v
	return nil
}

func (d *mockDispatcher) GetAttribute(obj value.Value, name string) (value.Value, error) {
	if v, ok := d.attrs[name]; ok {
		return v, nil
	}
	return value.None, fmt.Errorf("no attribute %s", name)
}

func (d *mockDispatcher) SetAttribute(obj value.Value, name string, v value.Value) error {
	d.attrs[name] = v
	return nil
}

func (d *mockDispatcher) GetItem(obj, key value.Value) (value.Value, error) {
	return value.None, nil
}

func (d *mockDispatcher) CallFunction(name string, args []value.Value) (value.Value, error) {
	d.calls = append(d.calls, name)
	switch name {
	case "test_func":
		return value.Int(100), nil
	case "count_args":
		return value.Int(int64(len(args))), nil
	default:
		return value.None, fmt.Errorf("unknown function: %s", name)
	}
}

// asm builds bytecode from (opcode, operand...) groups for readable tests.
func asm(parts ...any) []byte {
	var code []byte
	for _, p := range parts {
		switch v := p.(type) {
		case bytecode.Opcode:
			code = append(code, byte(v))
		case uint16:
			code = append(code, byte(v), byte(v>>8))
		case int:
			code = append(code, byte(v))
		}
	}
	return code
}

func poolOf(constants ...bytecode.Constant) *bytecode.ConstantPool {
	return bytecode.PoolFromConstants(constants)
}

func TestPushConstAndAdd(t *testing.T) {
	pool := poolOf(bytecode.IntConst(42), bytecode.IntConst(8))
	code := asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpAdd,
	)

	ex := New(pool, newMockDispatcher())
	result, err := ex.Execute(code)
	require.NoError(t, err)

	i, err := result.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(50), i)
	assert.Equal(t, 0, ex.StackDepth())
}

func TestComparisonPushesBool(t *testing.T) {
	pool := poolOf(bytecode.IntConst(10), bytecode.IntConst(20))
	code := asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpLt,
	)

	result, err := New(pool, newMockDispatcher()).Execute(code)
	require.NoError(t, err)
	b, err := result.AsBool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestLoadVar(t *testing.T) {
	pool := poolOf(bytecode.Identifier("test_var"))
	result, err := New(pool, newMockDispatcher()).Execute(asm(bytecode.OpLoadVar, uint16(0)))
	require.NoError(t, err)
	i, _ := result.AsInt()
	assert.Equal(t, int64(42), i)
}

func TestLoadVarUnknownIsDispatcherError(t *testing.T) {
	pool := poolOf(bytecode.Identifier("nope"))
	_, err := New(pool, newMockDispatcher()).Execute(asm(bytecode.OpLoadVar, uint16(0)))
	require.Error(t, err)
	// Dispatcher errors pass through verbatim, not wrapped in *Error.
	_, isVMError := err.(*Error)
	assert.False(t, isVMError)
	assert.Contains(t, err.Error(), "unknown variable")
}

func TestStoreVarThenLoad(t *testing.T) {
	pool := poolOf(bytecode.IntConst(7), bytecode.Identifier("x"))
	disp := newMockDispatcher()

	code := asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpStoreVar, uint16(1),
		bytecode.OpLoadVar, uint16(1),
	)
	result, err := New(pool, disp).Execute(code)
	require.NoError(t, err)
	i, _ := result.AsInt()
	assert.Equal(t, int64(7), i)
}

func TestLogicalOpsCoerceTruthiness(t *testing.T) {
	pool := poolOf(bytecode.IntConst(5), bytecode.StringConst(""))

	// 5 && "" -> false
	result, err := New(pool, newMockDispatcher()).Execute(asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpAnd,
	))
	require.NoError(t, err)
	b, _ := result.AsBool()
	assert.False(t, b)

	// 5 || "" -> true
	result, err = New(pool, newMockDispatcher()).Execute(asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpOr,
	))
	require.NoError(t, err)
	b, _ = result.AsBool()
	assert.True(t, b)
}

func TestNotDoubleNegationMatchesTruthiness(t *testing.T) {
	values := []bytecode.Constant{
		bytecode.IntConst(0),
		bytecode.IntConst(9),
		bytecode.StringConst(""),
		bytecode.StringConst("x"),
		bytecode.BoolConst(true),
		bytecode.NoneConst(),
	}

	for _, c := range values {
		pool := poolOf(c)
		v, err := pool.ValueAt(0)
		require.NoError(t, err)

		result, err := New(pool, newMockDispatcher()).Execute(asm(
			bytecode.OpPushConst, uint16(0),
			bytecode.OpNot,
			bytecode.OpNot,
		))
		require.NoError(t, err)
		b, _ := result.AsBool()
		assert.Equal(t, v.IsTruthy(), b, "double negation of %s", c)
	}
}

func TestGetAttr(t *testing.T) {
	pool := poolOf(bytecode.Identifier("arg0"), bytecode.FieldName("email"))
	result, err := New(pool, newMockDispatcher()).Execute(asm(
		bytecode.OpLoadVar, uint16(0),
		bytecode.OpGetAttr, uint16(1),
	))
	require.NoError(t, err)
	s, _ := result.AsString()
	assert.Equal(t, "user@example.com", s)
}

func TestSetAttrConsumesBoth(t *testing.T) {
	pool := poolOf(
		bytecode.Identifier("arg0"),
		bytecode.IntConst(9),
		bytecode.FieldName("score"),
	)
	disp := newMockDispatcher()

	ex := New(pool, disp)
	result, err := ex.Execute(asm(
		bytecode.OpLoadVar, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpSetAttr, uint16(2),
	))
	require.NoError(t, err)
	assert.True(t, result.IsNone())
	assert.Equal(t, 0, ex.StackDepth())

	stored, ok := disp.attrs["score"]
	require.True(t, ok)
	i, _ := stored.AsInt()
	assert.Equal(t, int64(9), i)
}

func TestCallFuncPopsArgs(t *testing.T) {
	pool := poolOf(
		bytecode.IntConst(1),
		bytecode.IntConst(2),
		bytecode.FunctionName("count_args"),
	)
	ex := New(pool, newMockDispatcher())
	result, err := ex.Execute(asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpCallFunc, uint16(2), 2,
	))
	require.NoError(t, err)
	i, _ := result.AsInt()
	assert.Equal(t, int64(2), i)
	assert.Equal(t, 0, ex.StackDepth())
}

func TestCallFuncArgUnderflow(t *testing.T) {
	pool := poolOf(bytecode.FunctionName("count_args"))
	_, err := New(pool, newMockDispatcher()).Execute(asm(
		bytecode.OpCallFunc, uint16(0), 3,
	))
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, StackUnderflow, verr.Kind)
}

func TestEmptyBytecodeYieldsNone(t *testing.T) {
	result, err := New(poolOf(), newMockDispatcher()).Execute(nil)
	require.NoError(t, err)
	assert.True(t, result.IsNone())
}

func TestDupRefused(t *testing.T) {
	_, err := New(poolOf(), newMockDispatcher()).Execute(asm(bytecode.OpDup))
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, InvalidOpcode, verr.Kind)
}

func TestInvalidOpcodeByte(t *testing.T) {
	_, err := New(poolOf(), newMockDispatcher()).Execute([]byte{0xEE})
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, InvalidOpcode, verr.Kind)
}

func TestTruncatedOperand(t *testing.T) {
	cases := [][]byte{
		{byte(bytecode.OpPushConst)},
		{byte(bytecode.OpPushConst), 0x01},
		{byte(bytecode.OpLoadVar), 0x00},
		{byte(bytecode.OpCallFunc), 0x00, 0x00},
	}
	for _, code := range cases {
		_, err := New(poolOf(bytecode.IntConst(1)), newMockDispatcher()).Execute(code)
		require.Error(t, err, "code % x", code)
		verr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, TruncatedBytecode, verr.Kind)
	}
}

func TestStackUnderflow(t *testing.T) {
	cases := [][]byte{
		{byte(bytecode.OpPop)},
		{byte(bytecode.OpAdd)},
		{byte(bytecode.OpNot)},
		{byte(bytecode.OpGetItem)},
	}
	for _, code := range cases {
		_, err := New(poolOf(), newMockDispatcher()).Execute(code)
		require.Error(t, err)
		verr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, StackUnderflow, verr.Kind)
	}
}

func TestPushConstOutOfBounds(t *testing.T) {
	_, err := New(poolOf(), newMockDispatcher()).Execute(asm(
		bytecode.OpPushConst, uint16(9),
	))
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, OutOfBoundsConstant, verr.Kind)
}

func TestPushConstRejectsNameConstants(t *testing.T) {
	pool := poolOf(bytecode.Identifier("args"))
	_, err := New(pool, newMockDispatcher()).Execute(asm(
		bytecode.OpPushConst, uint16(0),
	))
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, OutOfBoundsConstant, verr.Kind)
}

func TestDivisionByZeroAborts(t *testing.T) {
	pool := poolOf(bytecode.IntConst(10), bytecode.IntConst(0))
	_, err := New(pool, newMockDispatcher()).Execute(asm(
		bytecode.OpPushConst, uint16(0),
		bytecode.OpPushConst, uint16(1),
		bytecode.OpDiv,
	))
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, DivisionByZero, verr.Kind)
}

// TestArithmeticExpression runs the lowering of (42 + 8) * 2 - 10 / 2
// and expects Int(95) on top of the stack.
func TestArithmeticExpression(t *testing.T) {
	pool := poolOf(
		bytecode.IntConst(42),
		bytecode.IntConst(8),
		bytecode.IntConst(2),
		bytecode.IntConst(10),
	)
	code := asm(
		bytecode.OpPushConst, uint16(0), // 42
		bytecode.OpPushConst, uint16(1), // 8
		bytecode.OpAdd, // 50
		bytecode.OpPushConst, uint16(2), // 2
		bytecode.OpMul, // 100
		bytecode.OpPushConst, uint16(3), // 10
		bytecode.OpPushConst, uint16(2), // 2
		bytecode.OpDiv, // 5
		bytecode.OpSub, // 95
	)

	result, err := New(pool, newMockDispatcher()).Execute(code)
	require.NoError(t, err)
	i, err := result.AsInt()
	require.NoError(t, err)
	assert.Equal(t, int64(95), i)
}
