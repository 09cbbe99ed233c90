package paranoid

import (
	"fmt"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// preExecution runs the checks that must happen before the real instruction.
//
// Most checks are deferred to postExecution so that gas is charged for the
// real operation first. StLoc and Ret stay here because they inspect local
// slot validity, which the real operation changes.
func preExecution(fr *Frame, instr bytecode.Instr) error {
	st, res := fr.Stack, fr.Resolver
	switch instr.Op {
	// Calls are checked by the call-boundary hooks.
	case bytecode.OpCall, bytecode.OpCallGeneric:
	case bytecode.OpBranch:
	case bytecode.OpBrTrue, bytecode.OpBrFalse:
		if _, err := st.popEq(types.Bool, res); err != nil {
			return err
		}
	case bytecode.OpRet:
		for idx, ty := range fr.LocalTypes {
			invalid, err := fr.Locals.IsInvalid(idx)
			if err != nil {
				return classify(err)
			}
			if !invalid {
				if err := requireAbility(res, ty, types.AbilityDrop); err != nil {
					return err
				}
			}
		}
	case bytecode.OpAbort:
		if _, err := st.Pop(); err != nil {
			return err
		}
	case bytecode.OpStLoc:
		ty, err := fr.localType(instr)
		if err != nil {
			return err
		}
		if _, err := st.popEq(ty, res); err != nil {
			return err
		}
		slot, _ := instr.Local() // range checked by localType
		invalid, err := fr.Locals.IsInvalid(int(slot))
		if err != nil {
			return classify(err)
		}
		if !invalid {
			if err := requireAbility(res, ty, types.AbilityDrop); err != nil {
				return err
			}
		}
	case bytecode.OpPop,
		bytecode.OpLdU8, bytecode.OpLdU16, bytecode.OpLdU32, bytecode.OpLdU64, bytecode.OpLdU128, bytecode.OpLdU256,
		bytecode.OpLdTrue, bytecode.OpLdFalse, bytecode.OpLdConst,
		bytecode.OpCopyLoc, bytecode.OpMoveLoc, bytecode.OpMutBorrowLoc, bytecode.OpImmBorrowLoc,
		bytecode.OpImmBorrowField, bytecode.OpMutBorrowField, bytecode.OpImmBorrowFieldGeneric, bytecode.OpMutBorrowFieldGeneric,
		bytecode.OpPack, bytecode.OpPackGeneric, bytecode.OpUnpack, bytecode.OpUnpackGeneric,
		bytecode.OpReadRef, bytecode.OpWriteRef, bytecode.OpFreezeRef,
		bytecode.OpCastU8, bytecode.OpCastU16, bytecode.OpCastU32, bytecode.OpCastU64, bytecode.OpCastU128, bytecode.OpCastU256,
		bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpMod, bytecode.OpDiv,
		bytecode.OpBitOr, bytecode.OpBitAnd, bytecode.OpXor, bytecode.OpOr, bytecode.OpAnd,
		bytecode.OpShl, bytecode.OpShr,
		bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe, bytecode.OpEq, bytecode.OpNeq,
		bytecode.OpMutBorrowGlobal, bytecode.OpImmBorrowGlobal, bytecode.OpMutBorrowGlobalGeneric, bytecode.OpImmBorrowGlobalGeneric,
		bytecode.OpExists, bytecode.OpExistsGeneric,
		bytecode.OpMoveTo, bytecode.OpMoveToGeneric, bytecode.OpMoveFrom, bytecode.OpMoveFromGeneric,
		bytecode.OpNop, bytecode.OpNot,
		bytecode.OpVecPack, bytecode.OpVecLen, bytecode.OpVecImmBorrow, bytecode.OpVecMutBorrow,
		bytecode.OpVecPushBack, bytecode.OpVecPopBack, bytecode.OpVecUnpack, bytecode.OpVecSwap:
		// checked after execution
	default:
		return &CheckError{
			Code:     CodeMalformedControlFlow,
			Message:  fmt.Sprintf("pre-execution table has no rule for %s", instr.Op),
			Location: Location{Offset: -1},
			cause:    errUnhandledOpcode,
		}
	}
	return nil
}
