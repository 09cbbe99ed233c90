package paranoid

import (
	"fmt"

	"fortio.org/safecast"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// postExecution applies the symbolic effect of an instruction that
// completed locally. Together with preExecution it forms the full type
// stack transition of each opcode.
func postExecution(fr *Frame, instr bytecode.Instr) error {
	st, res, tyArgs := fr.Stack, fr.Resolver, fr.TyArgs
	switch instr.Op {
	// A not-taken conditional branch already popped its condition.
	case bytecode.OpBrTrue, bytecode.OpBrFalse:
	case bytecode.OpBranch, bytecode.OpRet, bytecode.OpCall, bytecode.OpCallGeneric, bytecode.OpAbort:
		// The interpreter leaves its loop for all of these; getting here
		// means it failed to short-circuit.
		return newError(CodeMalformedControlFlow, "control flow instruction %s reached the post-execution table", instr.Op)
	case bytecode.OpPop:
		ty, err := st.Pop()
		if err != nil {
			return err
		}
		return requireAbility(res, ty, types.AbilityDrop)

	case bytecode.OpLdU8:
		st.Push(types.U8)
	case bytecode.OpLdU16:
		st.Push(types.U16)
	case bytecode.OpLdU32:
		st.Push(types.U32)
	case bytecode.OpLdU64:
		st.Push(types.U64)
	case bytecode.OpLdU128:
		st.Push(types.U128)
	case bytecode.OpLdU256:
		st.Push(types.U256)
	case bytecode.OpLdTrue, bytecode.OpLdFalse:
		st.Push(types.Bool)
	case bytecode.OpLdConst:
		ty, err := res.ConstantType(instr.Const())
		if err != nil {
			return classify(err)
		}
		st.Push(ty)

	case bytecode.OpCopyLoc:
		ty, err := fr.localType(instr)
		if err != nil {
			return err
		}
		if err := requireAbility(res, ty, types.AbilityCopy); err != nil {
			return err
		}
		st.Push(ty)
	case bytecode.OpMoveLoc:
		ty, err := fr.localType(instr)
		if err != nil {
			return err
		}
		st.Push(ty)
	case bytecode.OpStLoc:
		// fully handled before execution
	case bytecode.OpMutBorrowLoc, bytecode.OpImmBorrowLoc:
		ty, err := fr.localType(instr)
		if err != nil {
			return err
		}
		st.Push(types.MakeReference(ty, instr.Op == bytecode.OpMutBorrowLoc))

	case bytecode.OpImmBorrowField, bytecode.OpMutBorrowField:
		owner, err := res.FieldHandleToStruct(instr.FieldHandle())
		if err != nil {
			return classify(err)
		}
		field, err := res.FieldType(instr.FieldHandle())
		if err != nil {
			return classify(err)
		}
		return borrowField(st, res, owner, field, instr.Op == bytecode.OpMutBorrowField)
	case bytecode.OpImmBorrowFieldGeneric, bytecode.OpMutBorrowFieldGeneric:
		owner, err := res.FieldInstantiationToStruct(instr.FieldInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		field, err := res.InstantiateGenericField(instr.FieldInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		return borrowField(st, res, owner, field, instr.Op == bytecode.OpMutBorrowFieldGeneric)

	case bytecode.OpPack:
		count, err := res.FieldCount(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		fields, err := res.StructFields(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		output, err := res.StructType(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		return packStruct(st, res, output, fields, count)
	case bytecode.OpPackGeneric:
		count, err := res.FieldInstantiationCount(instr.StructInst())
		if err != nil {
			return classify(err)
		}
		fields, err := res.InstantiateGenericStructFields(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		output, err := res.InstantiateGenericType(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		return packStruct(st, res, output, fields, count)
	case bytecode.OpUnpack:
		output, err := res.StructType(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		fields, err := res.StructFields(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		return unpackStruct(st, res, output, fields)
	case bytecode.OpUnpackGeneric:
		output, err := res.InstantiateGenericType(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		fields, err := res.InstantiateGenericStructFields(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		return unpackStruct(st, res, output, fields)

	case bytecode.OpReadRef:
		ref, err := st.Pop()
		if err != nil {
			return err
		}
		if !ref.IsReference() {
			return newError(CodeTypeMismatch, "ReadRef expects a reference, got %s", ref)
		}
		inner := ref.Inner()
		if err := requireAbility(res, inner, types.AbilityCopy); err != nil {
			return err
		}
		st.Push(inner)
	case bytecode.OpWriteRef:
		ref, err := st.Pop()
		if err != nil {
			return err
		}
		val, err := st.Pop()
		if err != nil {
			return err
		}
		if ref.Kind != types.KindMutableReference {
			return newError(CodeTypeMismatch, "WriteRef expects a mutable reference, got %s", ref)
		}
		inner := ref.Inner()
		if !inner.Equal(val) {
			return newError(CodeTypeMismatch, "WriteRef writes %s through %s", val, ref)
		}
		return requireAbility(res, inner, types.AbilityDrop)
	case bytecode.OpFreezeRef:
		ref, err := st.Pop()
		if err != nil {
			return err
		}
		if ref.Kind != types.KindMutableReference {
			return newError(CodeTypeMismatch, "FreezeRef expects a mutable reference, got %s", ref)
		}
		st.Push(types.MakeReference(ref.Inner(), false))

	case bytecode.OpCastU8:
		return castTo(st, types.U8)
	case bytecode.OpCastU16:
		return castTo(st, types.U16)
	case bytecode.OpCastU32:
		return castTo(st, types.U32)
	case bytecode.OpCastU64:
		return castTo(st, types.U64)
	case bytecode.OpCastU128:
		return castTo(st, types.U128)
	case bytecode.OpCastU256:
		return castTo(st, types.U256)

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpMod, bytecode.OpDiv,
		bytecode.OpBitOr, bytecode.OpBitAnd, bytecode.OpXor, bytecode.OpOr, bytecode.OpAnd:
		lhs, err := popPair(st, res)
		if err != nil {
			return err
		}
		st.Push(lhs)
	case bytecode.OpShl, bytecode.OpShr:
		if _, err := st.Pop(); err != nil {
			return err
		}
		val, err := st.Pop()
		if err != nil {
			return err
		}
		st.Push(val)
	case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		if _, err := popPair(st, res); err != nil {
			return err
		}
		st.Push(types.Bool)
	case bytecode.OpEq, bytecode.OpNeq:
		lhs, err := popPair(st, res)
		if err != nil {
			return err
		}
		if err := requireAbility(res, lhs, types.AbilityDrop); err != nil {
			return err
		}
		st.Push(types.Bool)

	case bytecode.OpMutBorrowGlobal, bytecode.OpImmBorrowGlobal:
		ty, err := res.StructType(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		return borrowGlobal(st, res, ty, instr.Op == bytecode.OpMutBorrowGlobal)
	case bytecode.OpMutBorrowGlobalGeneric, bytecode.OpImmBorrowGlobalGeneric:
		ty, err := res.InstantiateGenericType(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		return borrowGlobal(st, res, ty, instr.Op == bytecode.OpMutBorrowGlobalGeneric)
	case bytecode.OpExists, bytecode.OpExistsGeneric:
		if _, err := st.popEq(types.Address, res); err != nil {
			return err
		}
		st.Push(types.Bool)
	case bytecode.OpMoveTo:
		ty, err := res.StructType(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		return moveTo(st, res, ty)
	case bytecode.OpMoveToGeneric:
		ty, err := res.InstantiateGenericType(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		return moveTo(st, res, ty)
	case bytecode.OpMoveFrom:
		ty, err := res.StructType(instr.StructDef())
		if err != nil {
			return classify(err)
		}
		return moveFrom(st, res, ty)
	case bytecode.OpMoveFromGeneric:
		ty, err := res.InstantiateGenericType(instr.StructInst(), tyArgs)
		if err != nil {
			return classify(err)
		}
		return moveFrom(st, res, ty)

	case bytecode.OpNop:
	case bytecode.OpNot:
		if _, err := st.popEq(types.Bool, res); err != nil {
			return err
		}
		st.Push(types.Bool)

	case bytecode.OpVecPack:
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		n, err := safecast.Conv[int](instr.Count)
		if err != nil {
			return newError(CodeArgCountMismatch, "VecPack count %d: %v", instr.Count, err)
		}
		popped, err := st.PopN(n)
		if err != nil {
			return err
		}
		for _, ty := range popped {
			if !ty.Equal(elem) {
				return typeMismatch(elem, ty, res)
			}
		}
		st.Push(types.MakeVector(elem))
	case bytecode.OpVecLen:
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		if err := popVecRef(st, elem, false); err != nil {
			return err
		}
		st.Push(types.U64)
	case bytecode.OpVecImmBorrow, bytecode.OpVecMutBorrow:
		mut := instr.Op == bytecode.OpVecMutBorrow
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		if _, err := st.popEq(types.U64, res); err != nil {
			return err
		}
		ref, err := st.Pop()
		if err != nil {
			return err
		}
		inner, err := ref.CheckVecRef(elem, mut)
		if err != nil {
			return classify(err)
		}
		st.Push(types.MakeReference(inner, mut))
	case bytecode.OpVecPushBack:
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		if _, err := st.popEq(elem, res); err != nil {
			return err
		}
		return popVecRef(st, elem, true)
	case bytecode.OpVecPopBack:
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		ref, err := st.Pop()
		if err != nil {
			return err
		}
		inner, err := ref.CheckVecRef(elem, true)
		if err != nil {
			return classify(err)
		}
		st.Push(inner)
	case bytecode.OpVecUnpack:
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		vec, err := st.Pop()
		if err != nil {
			return err
		}
		if vec.Kind != types.KindVector {
			return newError(CodeTypeMismatch, "VecUnpack expects a vector, got %s", vec)
		}
		if err := vec.Inner().CheckEq(elem); err != nil {
			return classify(err)
		}
		for range instr.Count {
			st.Push(vec.Inner())
		}
	case bytecode.OpVecSwap:
		elem, err := res.InstantiateSingleType(instr.Signature(), tyArgs)
		if err != nil {
			return classify(err)
		}
		if _, err := st.popEq(types.U64, res); err != nil {
			return err
		}
		if _, err := st.popEq(types.U64, res); err != nil {
			return err
		}
		return popVecRef(st, elem, true)

	default:
		return &CheckError{
			Code:     CodeMalformedControlFlow,
			Message:  fmt.Sprintf("post-execution table has no rule for %s", instr.Op),
			Location: Location{Offset: -1},
			cause:    errUnhandledOpcode,
		}
	}
	return nil
}

func castTo(st *TypeStack, target types.Type) error {
	if _, err := st.Pop(); err != nil {
		return err
	}
	st.Push(target)
	return nil
}

// popPair pops two operands that must be structurally equal and returns the
// first one popped.
func popPair(st *TypeStack, res Resolver) (types.Type, error) {
	lhs, err := st.Pop()
	if err != nil {
		return types.Type{}, err
	}
	rhs, err := st.Pop()
	if err != nil {
		return types.Type{}, err
	}
	if !lhs.Equal(rhs) {
		return types.Type{}, typeMismatch(rhs, lhs, res)
	}
	return lhs, nil
}

func popVecRef(st *TypeStack, elem types.Type, mut bool) error {
	ref, err := st.Pop()
	if err != nil {
		return err
	}
	if _, err := ref.CheckVecRef(elem, mut); err != nil {
		return classify(err)
	}
	return nil
}

func borrowField(st *TypeStack, res Resolver, owner, field types.Type, mut bool) error {
	top, err := st.Pop()
	if err != nil {
		return err
	}
	if mut {
		if want := types.MakeReference(owner, true); !top.Equal(want) {
			return typeMismatch(want, top, res)
		}
	} else if err := top.CheckRefEq(owner); err != nil {
		return classify(err)
	}
	st.Push(types.MakeReference(field, mut))
	return nil
}

// fieldAbilities is the set every field of a struct with abilities a must
// provide. A key struct needs store (never key) on its fields; the other
// abilities pass through unchanged.
func fieldAbilities(a types.AbilitySet) types.AbilitySet {
	if a.HasKey() {
		return a.Remove(types.AbilityKey).Union(types.Singleton(types.AbilityStore))
	}
	return a
}

func packStruct(st *TypeStack, res Resolver, output types.Type, fields []types.Type, count uint16) error {
	abilities, err := res.Abilities(output)
	if err != nil {
		return classify(err)
	}
	expected := fieldAbilities(abilities)
	if int(count) != len(fields) {
		return newError(CodeArgCountMismatch, "struct declares %d fields, instruction packs %d", len(fields), count)
	}
	popped, err := st.PopN(int(count))
	if err != nil {
		return err
	}
	// popped is topmost first, i.e. the last declared field first.
	for i, ty := range popped {
		want := fields[len(fields)-1-i]
		have, err := res.Abilities(ty)
		if err != nil {
			return classify(err)
		}
		if !expected.IsSubset(have) {
			n, _ := res.(types.StructNamer)
			return newError(CodeAbilityViolation, "field of type %s has %s, struct %s requires %s",
				types.Format(ty, n), have, types.Format(output, n), expected)
		}
		if !ty.Equal(want) {
			return typeMismatch(want, ty, res)
		}
	}
	st.Push(output)
	return nil
}

func unpackStruct(st *TypeStack, res Resolver, output types.Type, fields []types.Type) error {
	if _, err := st.popEq(output, res); err != nil {
		return err
	}
	for _, ty := range fields {
		st.Push(ty)
	}
	return nil
}

func borrowGlobal(st *TypeStack, res Resolver, ty types.Type, mut bool) error {
	if _, err := st.popEq(types.Address, res); err != nil {
		return err
	}
	if err := requireAbility(res, ty, types.AbilityKey); err != nil {
		return err
	}
	st.Push(types.MakeReference(ty, mut))
	return nil
}

func moveTo(st *TypeStack, res Resolver, resource types.Type) error {
	ty, err := st.Pop()
	if err != nil {
		return err
	}
	if _, err := st.popEq(types.MakeReference(types.Signer, false), res); err != nil {
		return err
	}
	if !ty.Equal(resource) {
		return typeMismatch(resource, ty, res)
	}
	return requireAbility(res, ty, types.AbilityKey)
}

func moveFrom(st *TypeStack, res Resolver, ty types.Type) error {
	if _, err := st.popEq(types.Address, res); err != nil {
		return err
	}
	if err := requireAbility(res, ty, types.AbilityKey); err != nil {
		return err
	}
	st.Push(ty)
	return nil
}
