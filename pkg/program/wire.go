package program

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/PostHog/hogtrace/pkg/bytecode"
)

// Wire format.
//
// Programs serialize as protobuf messages built directly with protowire,
// so programs compiled by any implementation that agrees on the schema
// execute anywhere. The schema:
//
//	Program       { 1: version u32, 2: ConstantPool, 3: repeated Probe,
//	                4: sampling float }
//	ConstantPool  { 1: repeated Constant }
//	Constant      { oneof value:
//	                  1: int i64       2: float double   3: string
//	                  4: bool          5: none (empty)   6: identifier
//	                  7: field_name    8: function_name }
//	Probe         { 1: id string, 2: Spec, 3: predicate bytes,
//	                4: body bytes }
//	Spec          { oneof spec: 1: FnSpec }
//	FnSpec        { 1: function_specifier string, 2: target enum }
//
// Encoding is deterministic: fields are appended in ascending field-number
// order and scalar fields at their proto3 zero value are omitted (one-of
// variants are always emitted). Decoding skips unknown fields, so newer
// programs with additional fields still load.

// Program field numbers.
const (
	fieldProgramVersion  = 1
	fieldProgramPool     = 2
	fieldProgramProbes   = 3
	fieldProgramSampling = 4
)

// Constant one-of field numbers.
const (
	fieldConstInt      = 1
	fieldConstFloat    = 2
	fieldConstString   = 3
	fieldConstBool     = 4
	fieldConstNone     = 5
	fieldConstIdent    = 6
	fieldConstField    = 7
	fieldConstFunction = 8
)

// Probe field numbers.
const (
	fieldProbeID        = 1
	fieldProbeSpec      = 2
	fieldProbePredicate = 3
	fieldProbeBody      = 4
)

const (
	fieldSpecFn = 1

	fieldFnSpecifier = 1
	fieldFnTarget    = 2
)

const fieldPoolConstant = 1

// Marshal serializes the program. Two calls on the same program produce
// byte-identical output.
func Marshal(p *Program) ([]byte, error) {
	var buf []byte

	if p.Version != 0 {
		buf = protowire.AppendTag(buf, fieldProgramVersion, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Version))
	}

	pool, err := marshalPool(p.ConstantPool)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, fieldProgramPool, protowire.BytesType)
	buf = protowire.AppendBytes(buf, pool)

	for i := range p.Probes {
		probe, err := marshalProbe(&p.Probes[i])
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, fieldProgramProbes, protowire.BytesType)
		buf = protowire.AppendBytes(buf, probe)
	}

	if p.Sampling != 0 {
		buf = protowire.AppendTag(buf, fieldProgramSampling, protowire.Fixed32Type)
		buf = protowire.AppendFixed32(buf, math.Float32bits(p.Sampling))
	}

	return buf, nil
}

func marshalPool(pool *bytecode.ConstantPool) ([]byte, error) {
	var buf []byte
	if pool == nil {
		return buf, nil
	}
	for _, c := range pool.Constants() {
		cb, err := marshalConstant(c)
		if err != nil {
			return nil, err
		}
		buf = protowire.AppendTag(buf, fieldPoolConstant, protowire.BytesType)
		buf = protowire.AppendBytes(buf, cb)
	}
	return buf, nil
}

// marshalConstant encodes a constant. One-of variants are emitted even at
// their zero value; a constant with no variant would be undecodable.
func marshalConstant(c bytecode.Constant) ([]byte, error) {
	var buf []byte
	switch c.Kind {
	case bytecode.ConstInt:
		buf = protowire.AppendTag(buf, fieldConstInt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(c.Int))
	case bytecode.ConstFloat:
		buf = protowire.AppendTag(buf, fieldConstFloat, protowire.Fixed64Type)
		buf = protowire.AppendFixed64(buf, math.Float64bits(c.Float))
	case bytecode.ConstString:
		buf = protowire.AppendTag(buf, fieldConstString, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Str)
	case bytecode.ConstBool:
		buf = protowire.AppendTag(buf, fieldConstBool, protowire.VarintType)
		if c.Bool {
			buf = protowire.AppendVarint(buf, 1)
		} else {
			buf = protowire.AppendVarint(buf, 0)
		}
	case bytecode.ConstNone:
		buf = protowire.AppendTag(buf, fieldConstNone, protowire.BytesType)
		buf = protowire.AppendBytes(buf, nil)
	case bytecode.ConstIdentifier:
		buf = protowire.AppendTag(buf, fieldConstIdent, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Str)
	case bytecode.ConstFieldName:
		buf = protowire.AppendTag(buf, fieldConstField, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Str)
	case bytecode.ConstFunctionName:
		buf = protowire.AppendTag(buf, fieldConstFunction, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Str)
	default:
		return nil, fmt.Errorf("cannot encode constant of kind %d", c.Kind)
	}
	return buf, nil
}

func marshalProbe(p *Probe) ([]byte, error) {
	var buf []byte

	if p.ID != "" {
		buf = protowire.AppendTag(buf, fieldProbeID, protowire.BytesType)
		buf = protowire.AppendString(buf, p.ID)
	}

	spec, err := marshalSpec(p.Spec)
	if err != nil {
		return nil, err
	}
	buf = protowire.AppendTag(buf, fieldProbeSpec, protowire.BytesType)
	buf = protowire.AppendBytes(buf, spec)

	if len(p.Predicate) > 0 {
		buf = protowire.AppendTag(buf, fieldProbePredicate, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Predicate)
	}
	if len(p.Body) > 0 {
		buf = protowire.AppendTag(buf, fieldProbeBody, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Body)
	}

	return buf, nil
}

func marshalSpec(s Spec) ([]byte, error) {
	if s.Fn == nil {
		return nil, fmt.Errorf("probe spec has no variant")
	}

	var fn []byte
	if s.Fn.Specifier != "" {
		fn = protowire.AppendTag(fn, fieldFnSpecifier, protowire.BytesType)
		fn = protowire.AppendString(fn, s.Fn.Specifier)
	}
	if s.Fn.Target != 0 {
		fn = protowire.AppendTag(fn, fieldFnTarget, protowire.VarintType)
		fn = protowire.AppendVarint(fn, uint64(s.Fn.Target))
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldSpecFn, protowire.BytesType)
	buf = protowire.AppendBytes(buf, fn)
	return buf, nil
}

// Unmarshal decodes a serialized program, skipping unknown fields.
// Programs with an unsupported version are rejected.
func Unmarshal(data []byte) (*Program, error) {
	p := &Program{ConstantPool: bytecode.NewConstantPool()}
	sawPool := false

	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldProgramVersion:
			p.Version = uint32(u)
		case fieldProgramPool:
			pool, err := unmarshalPool(v)
			if err != nil {
				return err
			}
			p.ConstantPool = pool
			sawPool = true
		case fieldProgramProbes:
			probe, err := unmarshalProbe(v)
			if err != nil {
				return err
			}
			p.Probes = append(p.Probes, probe)
		case fieldProgramSampling:
			p.Sampling = math.Float32frombits(uint32(u))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if p.Version != Version {
		return nil, fmt.Errorf("unsupported program version: %d (expected %d)", p.Version, Version)
	}
	if !sawPool {
		return nil, fmt.Errorf("program is missing its constant pool")
	}
	return p, nil
}

func unmarshalPool(data []byte) (*bytecode.ConstantPool, error) {
	var constants []bytecode.Constant
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num != fieldPoolConstant {
			return nil
		}
		c, err := unmarshalConstant(v)
		if err != nil {
			return err
		}
		constants = append(constants, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(constants) > bytecode.MaxPoolSize {
		return nil, fmt.Errorf("constant pool overflow: %d constants", len(constants))
	}
	return bytecode.PoolFromConstants(constants), nil
}

func unmarshalConstant(data []byte) (bytecode.Constant, error) {
	var c bytecode.Constant
	seen := false

	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldConstInt:
			c = bytecode.IntConst(int64(u))
		case fieldConstFloat:
			c = bytecode.FloatConst(math.Float64frombits(u))
		case fieldConstString:
			c = bytecode.StringConst(string(v))
		case fieldConstBool:
			c = bytecode.BoolConst(u != 0)
		case fieldConstNone:
			c = bytecode.NoneConst()
		case fieldConstIdent:
			c = bytecode.Identifier(string(v))
		case fieldConstField:
			c = bytecode.FieldName(string(v))
		case fieldConstFunction:
			c = bytecode.FunctionName(string(v))
		default:
			return nil
		}
		seen = true
		return nil
	})
	if err != nil {
		return bytecode.Constant{}, err
	}
	if !seen {
		return bytecode.Constant{}, fmt.Errorf("constant has no value")
	}
	return c, nil
}

func unmarshalProbe(data []byte) (Probe, error) {
	var p Probe
	sawSpec := false

	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch num {
		case fieldProbeID:
			p.ID = string(v)
		case fieldProbeSpec:
			spec, err := unmarshalSpec(v)
			if err != nil {
				return err
			}
			p.Spec = spec
			sawSpec = true
		case fieldProbePredicate:
			p.Predicate = append([]byte(nil), v...)
		case fieldProbeBody:
			p.Body = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Probe{}, err
	}
	if !sawSpec {
		return Probe{}, fmt.Errorf("probe %q is missing its spec", p.ID)
	}
	return p, nil
}

func unmarshalSpec(data []byte) (Spec, error) {
	var spec Spec
	err := eachField(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		if num != fieldSpecFn {
			return nil
		}
		fn := &FnSpec{}
		err := eachField(v, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
			switch num {
			case fieldFnSpecifier:
				fn.Specifier = string(v)
			case fieldFnTarget:
				switch FnTarget(u) {
				case TargetEntry, TargetExit:
					fn.Target = FnTarget(u)
				default:
					return fmt.Errorf("invalid probe target value: %d", u)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		spec.Fn = fn
		return nil
	})
	if err != nil {
		return Spec{}, err
	}
	if spec.Fn == nil {
		return Spec{}, fmt.Errorf("probe spec has no variant")
	}
	return spec, nil
}

// eachField walks the top-level fields of a message, invoking fn with the
// field number, wire type and the decoded payload: bytes fields pass the
// value slice, varint/fixed fields pass the integer. Unknown wire types
// are skipped, matching protobuf unknown-field semantics.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			u, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.Fixed32Type:
			u, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := fn(num, typ, nil, uint64(u)); err != nil {
				return err
			}
		case protowire.Fixed64Type:
			u, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
		default:
			// Unknown wire type (e.g. groups): skip the whole field.
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}
