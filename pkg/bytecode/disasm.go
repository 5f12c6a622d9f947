package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders bytecode as a human-readable listing, one
// instruction per line, with pool operands resolved against the given
// constant pool:
//
//	0000  LOAD_VAR   2  ; Identifier("arg0")
//	0003  PUSH_CONST 3  ; Int(100)
//	0006  GT
//
// Malformed bytecode does not abort the listing; the offending bytes are
// annotated and scanning stops.
func Disassemble(code []byte, pool *ConstantPool) string {
	var b strings.Builder

	i := 0
	for i < len(code) {
		fmt.Fprintf(&b, "%04d  ", i)

		op, err := DecodeOpcode(code[i])
		if err != nil {
			fmt.Fprintf(&b, "??? (0x%02x)\n", code[i])
			break
		}
		i++

		switch op.OperandSize() {
		case 0:
			b.WriteString(op.String())
		case 2:
			idx, err := ReadU16(code, i)
			if err != nil {
				fmt.Fprintf(&b, "%s <truncated operand>\n", op)
				return b.String()
			}
			i += 2
			fmt.Fprintf(&b, "%-10s %d", op, idx)
			writeConstComment(&b, pool, idx)
		case 3:
			idx, err := ReadU16(code, i)
			if err != nil {
				fmt.Fprintf(&b, "%s <truncated operand>\n", op)
				return b.String()
			}
			argc, err := ReadU8(code, i+2)
			if err != nil {
				fmt.Fprintf(&b, "%s <truncated operand>\n", op)
				return b.String()
			}
			i += 3
			fmt.Fprintf(&b, "%-10s %d, %d", op, idx, argc)
			writeConstComment(&b, pool, idx)
		}
		b.WriteByte('\n')
	}

	return b.String()
}

func writeConstComment(b *strings.Builder, pool *ConstantPool, idx uint16) {
	if pool == nil {
		return
	}
	if c, err := pool.Get(idx); err == nil {
		fmt.Fprintf(b, "  ; %s", c)
	} else {
		fmt.Fprintf(b, "  ; <out of bounds>")
	}
}
