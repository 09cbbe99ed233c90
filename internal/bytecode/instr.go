package bytecode

import (
	"fmt"

	"fortio.org/safecast"
)

// Typed operand indexes into module-local tables.
type (
	LocalIndex       uint8
	CodeOffset       uint16
	ConstIndex       uint16
	StructDefIndex   uint16
	StructInstIndex  uint16
	FieldHandleIndex uint16
	FieldInstIndex   uint16
	SignatureIndex   uint16
	FuncHandleIndex  uint16
	FuncInstIndex    uint16
)

// Instr is a decoded instruction. Which fields are meaningful depends on
// Op.Operand().
type Instr struct {
	Op      Opcode
	Index   uint16 // local slot, pool/handle index or branch target
	Count   uint64 // element count for VecPack / VecUnpack
	Literal string // immediate of LdU8..LdU256, as written
}

// Make builds an instruction with a single index operand (or none).
func Make(op Opcode, index uint16) Instr {
	return Instr{Op: op, Index: index}
}

// MakeVec builds VecPack/VecUnpack.
func MakeVec(op Opcode, sig SignatureIndex, count uint64) Instr {
	return Instr{Op: op, Index: uint16(sig), Count: count}
}

// MakeLoad builds an integer literal load.
func MakeLoad(op Opcode, literal string) Instr {
	return Instr{Op: op, Literal: literal}
}

// Local returns the slot operand. Index values wider than a local slot are
// rejected rather than truncated.
func (i Instr) Local() (LocalIndex, error) {
	n, err := safecast.Conv[uint8](i.Index)
	if err != nil {
		return 0, fmt.Errorf("%s: local %d does not fit a slot index: %w", i.Op, i.Index, err)
	}
	return LocalIndex(n), nil
}

func (i Instr) Offset() CodeOffset            { return CodeOffset(i.Index) }
func (i Instr) Const() ConstIndex             { return ConstIndex(i.Index) }
func (i Instr) StructDef() StructDefIndex     { return StructDefIndex(i.Index) }
func (i Instr) StructInst() StructInstIndex   { return StructInstIndex(i.Index) }
func (i Instr) FieldHandle() FieldHandleIndex { return FieldHandleIndex(i.Index) }
func (i Instr) FieldInst() FieldInstIndex     { return FieldInstIndex(i.Index) }
func (i Instr) Signature() SignatureIndex     { return SignatureIndex(i.Index) }
func (i Instr) FuncHandle() FuncHandleIndex   { return FuncHandleIndex(i.Index) }
func (i Instr) FuncInst() FuncInstIndex       { return FuncInstIndex(i.Index) }

// String renders the instruction with raw numeric operands.
func (i Instr) String() string {
	switch i.Op.Operand() {
	case OperandNone:
		return i.Op.String()
	case OperandLiteral:
		return fmt.Sprintf("%s %s", i.Op, i.Literal)
	case OperandLocal:
		return fmt.Sprintf("%s %d", i.Op, i.Index)
	case OperandOffset:
		return fmt.Sprintf("%s @%d", i.Op, i.Index)
	case OperandConst:
		return fmt.Sprintf("%s const#%d", i.Op, i.Index)
	case OperandStructDef:
		return fmt.Sprintf("%s struct#%d", i.Op, i.Index)
	case OperandStructInst:
		return fmt.Sprintf("%s struct_inst#%d", i.Op, i.Index)
	case OperandFieldHandle:
		return fmt.Sprintf("%s field#%d", i.Op, i.Index)
	case OperandFieldInst:
		return fmt.Sprintf("%s field_inst#%d", i.Op, i.Index)
	case OperandSignature:
		return fmt.Sprintf("%s sig#%d", i.Op, i.Index)
	case OperandSignatureCount:
		return fmt.Sprintf("%s sig#%d %d", i.Op, i.Index, i.Count)
	case OperandFuncHandle:
		return fmt.Sprintf("%s fn#%d", i.Op, i.Index)
	case OperandFuncInst:
		return fmt.Sprintf("%s fn_inst#%d", i.Op, i.Index)
	default:
		return fmt.Sprintf("<?instr:%d>", i.Op)
	}
}
