package bytecode

import (
	"fmt"
	"strings"
)

// Opcode enumerates every instruction of the bytecode.
// The set is closed: tables indexed by Opcode must cover [0, NumOpcodes).
type Opcode uint8

const (
	OpPop Opcode = iota
	OpRet
	OpBrTrue
	OpBrFalse
	OpBranch
	OpLdU8
	OpLdU16
	OpLdU32
	OpLdU64
	OpLdU128
	OpLdU256
	OpCastU8
	OpCastU16
	OpCastU32
	OpCastU64
	OpCastU128
	OpCastU256
	OpLdConst
	OpLdTrue
	OpLdFalse
	OpCopyLoc
	OpMoveLoc
	OpStLoc
	OpCall
	OpCallGeneric
	OpPack
	OpPackGeneric
	OpUnpack
	OpUnpackGeneric
	OpReadRef
	OpWriteRef
	OpFreezeRef
	OpMutBorrowLoc
	OpImmBorrowLoc
	OpMutBorrowField
	OpMutBorrowFieldGeneric
	OpImmBorrowField
	OpImmBorrowFieldGeneric
	OpMutBorrowGlobal
	OpMutBorrowGlobalGeneric
	OpImmBorrowGlobal
	OpImmBorrowGlobalGeneric
	OpAdd
	OpSub
	OpMul
	OpMod
	OpDiv
	OpBitOr
	OpBitAnd
	OpXor
	OpOr
	OpAnd
	OpNot
	OpEq
	OpNeq
	OpLt
	OpGt
	OpLe
	OpGe
	OpAbort
	OpNop
	OpExists
	OpExistsGeneric
	OpMoveFrom
	OpMoveFromGeneric
	OpMoveTo
	OpMoveToGeneric
	OpShl
	OpShr
	OpVecPack
	OpVecLen
	OpVecImmBorrow
	OpVecMutBorrow
	OpVecPushBack
	OpVecPopBack
	OpVecUnpack
	OpVecSwap

	// NumOpcodes is the size of the opcode space.
	NumOpcodes
)

// OperandKind describes what the Index/Count/Literal fields of an Instr mean.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandLiteral
	OperandLocal
	OperandOffset
	OperandConst
	OperandStructDef
	OperandStructInst
	OperandFieldHandle
	OperandFieldInst
	OperandSignature
	OperandSignatureCount
	OperandFuncHandle
	OperandFuncInst
)

type opcodeInfo struct {
	name    string
	operand OperandKind
}

var opcodes = [NumOpcodes]opcodeInfo{
	OpPop:                    {"Pop", OperandNone},
	OpRet:                    {"Ret", OperandNone},
	OpBrTrue:                 {"BrTrue", OperandOffset},
	OpBrFalse:                {"BrFalse", OperandOffset},
	OpBranch:                 {"Branch", OperandOffset},
	OpLdU8:                   {"LdU8", OperandLiteral},
	OpLdU16:                  {"LdU16", OperandLiteral},
	OpLdU32:                  {"LdU32", OperandLiteral},
	OpLdU64:                  {"LdU64", OperandLiteral},
	OpLdU128:                 {"LdU128", OperandLiteral},
	OpLdU256:                 {"LdU256", OperandLiteral},
	OpCastU8:                 {"CastU8", OperandNone},
	OpCastU16:                {"CastU16", OperandNone},
	OpCastU32:                {"CastU32", OperandNone},
	OpCastU64:                {"CastU64", OperandNone},
	OpCastU128:               {"CastU128", OperandNone},
	OpCastU256:               {"CastU256", OperandNone},
	OpLdConst:                {"LdConst", OperandConst},
	OpLdTrue:                 {"LdTrue", OperandNone},
	OpLdFalse:                {"LdFalse", OperandNone},
	OpCopyLoc:                {"CopyLoc", OperandLocal},
	OpMoveLoc:                {"MoveLoc", OperandLocal},
	OpStLoc:                  {"StLoc", OperandLocal},
	OpCall:                   {"Call", OperandFuncHandle},
	OpCallGeneric:            {"CallGeneric", OperandFuncInst},
	OpPack:                   {"Pack", OperandStructDef},
	OpPackGeneric:            {"PackGeneric", OperandStructInst},
	OpUnpack:                 {"Unpack", OperandStructDef},
	OpUnpackGeneric:          {"UnpackGeneric", OperandStructInst},
	OpReadRef:                {"ReadRef", OperandNone},
	OpWriteRef:               {"WriteRef", OperandNone},
	OpFreezeRef:              {"FreezeRef", OperandNone},
	OpMutBorrowLoc:           {"MutBorrowLoc", OperandLocal},
	OpImmBorrowLoc:           {"ImmBorrowLoc", OperandLocal},
	OpMutBorrowField:         {"MutBorrowField", OperandFieldHandle},
	OpMutBorrowFieldGeneric:  {"MutBorrowFieldGeneric", OperandFieldInst},
	OpImmBorrowField:         {"ImmBorrowField", OperandFieldHandle},
	OpImmBorrowFieldGeneric:  {"ImmBorrowFieldGeneric", OperandFieldInst},
	OpMutBorrowGlobal:        {"MutBorrowGlobal", OperandStructDef},
	OpMutBorrowGlobalGeneric: {"MutBorrowGlobalGeneric", OperandStructInst},
	OpImmBorrowGlobal:        {"ImmBorrowGlobal", OperandStructDef},
	OpImmBorrowGlobalGeneric: {"ImmBorrowGlobalGeneric", OperandStructInst},
	OpAdd:                    {"Add", OperandNone},
	OpSub:                    {"Sub", OperandNone},
	OpMul:                    {"Mul", OperandNone},
	OpMod:                    {"Mod", OperandNone},
	OpDiv:                    {"Div", OperandNone},
	OpBitOr:                  {"BitOr", OperandNone},
	OpBitAnd:                 {"BitAnd", OperandNone},
	OpXor:                    {"Xor", OperandNone},
	OpOr:                     {"Or", OperandNone},
	OpAnd:                    {"And", OperandNone},
	OpNot:                    {"Not", OperandNone},
	OpEq:                     {"Eq", OperandNone},
	OpNeq:                    {"Neq", OperandNone},
	OpLt:                     {"Lt", OperandNone},
	OpGt:                     {"Gt", OperandNone},
	OpLe:                     {"Le", OperandNone},
	OpGe:                     {"Ge", OperandNone},
	OpAbort:                  {"Abort", OperandNone},
	OpNop:                    {"Nop", OperandNone},
	OpExists:                 {"Exists", OperandStructDef},
	OpExistsGeneric:          {"ExistsGeneric", OperandStructInst},
	OpMoveFrom:               {"MoveFrom", OperandStructDef},
	OpMoveFromGeneric:        {"MoveFromGeneric", OperandStructInst},
	OpMoveTo:                 {"MoveTo", OperandStructDef},
	OpMoveToGeneric:          {"MoveToGeneric", OperandStructInst},
	OpShl:                    {"Shl", OperandNone},
	OpShr:                    {"Shr", OperandNone},
	OpVecPack:                {"VecPack", OperandSignatureCount},
	OpVecLen:                 {"VecLen", OperandSignature},
	OpVecImmBorrow:           {"VecImmBorrow", OperandSignature},
	OpVecMutBorrow:           {"VecMutBorrow", OperandSignature},
	OpVecPushBack:            {"VecPushBack", OperandSignature},
	OpVecPopBack:             {"VecPopBack", OperandSignature},
	OpVecUnpack:              {"VecUnpack", OperandSignatureCount},
	OpVecSwap:                {"VecSwap", OperandSignature},
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, NumOpcodes)
	for op := range NumOpcodes {
		m[strings.ToLower(opcodes[op].name)] = op
	}
	return m
}()

func (op Opcode) String() string {
	if op >= NumOpcodes {
		return fmt.Sprintf("Opcode(%d)", op)
	}
	return opcodes[op].name
}

// Operand returns the operand layout of op.
func (op Opcode) Operand() OperandKind {
	if op >= NumOpcodes {
		return OperandNone
	}
	return opcodes[op].operand
}

// ParseOpcode resolves a mnemonic case-insensitively.
func ParseOpcode(name string) (Opcode, error) {
	op, ok := opcodeByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unknown opcode %q", name)
	}
	return op, nil
}

// IsControlFlow reports whether op may transfer control out of the
// straight-line instruction sequence of the current frame.
func (op Opcode) IsControlFlow() bool {
	switch op {
	case OpBranch, OpBrTrue, OpBrFalse, OpRet, OpCall, OpCallGeneric, OpAbort:
		return true
	}
	return false
}

// IsGeneric reports whether op takes an instantiation operand resolved with ty_args.
func (op Opcode) IsGeneric() bool {
	switch op.Operand() {
	case OperandStructInst, OperandFieldInst, OperandFuncInst:
		return true
	}
	return false
}
