package bytecode

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// ErrCallArity is returned by StackEffect for call instructions; their arity
// comes from the callee signature, not from the instruction.
var ErrCallArity = errors.New("call arity depends on the callee signature")

// FieldCounter answers the struct arities StackEffect needs for Pack/Unpack.
type FieldCounter interface {
	FieldCount(idx StructDefIndex) (uint16, error)
	FieldInstantiationCount(idx StructInstIndex) (uint16, error)
}

// StackEffect returns how many values op consumes from and produces onto
// the operand stack. It is derived from the instruction set alone and is
// independent of the type-level transition rules.
func StackEffect(i Instr, fc FieldCounter) (pop, push int, err error) {
	switch i.Op {
	case OpNop, OpBranch, OpRet:
		return 0, 0, nil
	case OpPop, OpBrTrue, OpBrFalse, OpStLoc, OpAbort:
		return 1, 0, nil
	case OpLdU8, OpLdU16, OpLdU32, OpLdU64, OpLdU128, OpLdU256,
		OpLdConst, OpLdTrue, OpLdFalse,
		OpCopyLoc, OpMoveLoc, OpMutBorrowLoc, OpImmBorrowLoc:
		return 0, 1, nil
	case OpCastU8, OpCastU16, OpCastU32, OpCastU64, OpCastU128, OpCastU256,
		OpReadRef, OpFreezeRef, OpNot,
		OpMutBorrowField, OpMutBorrowFieldGeneric, OpImmBorrowField, OpImmBorrowFieldGeneric,
		OpMutBorrowGlobal, OpMutBorrowGlobalGeneric, OpImmBorrowGlobal, OpImmBorrowGlobalGeneric,
		OpExists, OpExistsGeneric, OpMoveFrom, OpMoveFromGeneric,
		OpVecLen, OpVecPopBack:
		return 1, 1, nil
	case OpAdd, OpSub, OpMul, OpMod, OpDiv, OpBitOr, OpBitAnd, OpXor, OpOr, OpAnd,
		OpEq, OpNeq, OpLt, OpGt, OpLe, OpGe, OpShl, OpShr,
		OpVecImmBorrow, OpVecMutBorrow:
		return 2, 1, nil
	case OpWriteRef, OpMoveTo, OpMoveToGeneric, OpVecPushBack:
		return 2, 0, nil
	case OpVecSwap:
		return 3, 0, nil
	case OpPack, OpUnpack:
		n, err := fc.FieldCount(i.StructDef())
		if err != nil {
			return 0, 0, err
		}
		if i.Op == OpPack {
			return int(n), 1, nil
		}
		return 1, int(n), nil
	case OpPackGeneric, OpUnpackGeneric:
		n, err := fc.FieldInstantiationCount(i.StructInst())
		if err != nil {
			return 0, 0, err
		}
		if i.Op == OpPackGeneric {
			return int(n), 1, nil
		}
		return 1, int(n), nil
	case OpVecPack, OpVecUnpack:
		n, err := safecast.Conv[int](i.Count)
		if err != nil {
			return 0, 0, fmt.Errorf("%s count overflow: %w", i.Op, err)
		}
		if i.Op == OpVecPack {
			return n, 1, nil
		}
		return 1, n, nil
	case OpCall, OpCallGeneric:
		return 0, 0, ErrCallArity
	default:
		return 0, 0, fmt.Errorf("no stack effect for %s", i.Op)
	}
}
