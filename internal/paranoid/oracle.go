package paranoid

import (
	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// Resolver is the read-only view of loaded module metadata for one function
// under one link context. Implementations must be safe for concurrent reads
// and must report malformed handles as errors rather than panicking.
type Resolver interface {
	Subst(ty types.Type, tyArgs []types.Type) (types.Type, error)
	Abilities(ty types.Type) (types.AbilitySet, error)
	ConstantType(idx bytecode.ConstIndex) (types.Type, error)

	StructType(idx bytecode.StructDefIndex) (types.Type, error)
	StructFields(idx bytecode.StructDefIndex) ([]types.Type, error)
	FieldCount(idx bytecode.StructDefIndex) (uint16, error)

	InstantiateGenericType(idx bytecode.StructInstIndex, tyArgs []types.Type) (types.Type, error)
	InstantiateGenericStructFields(idx bytecode.StructInstIndex, tyArgs []types.Type) ([]types.Type, error)
	FieldInstantiationCount(idx bytecode.StructInstIndex) (uint16, error)

	FieldHandleToStruct(idx bytecode.FieldHandleIndex) (types.Type, error)
	FieldType(idx bytecode.FieldHandleIndex) (types.Type, error)
	FieldInstantiationToStruct(idx bytecode.FieldInstIndex, tyArgs []types.Type) (types.Type, error)
	InstantiateGenericField(idx bytecode.FieldInstIndex, tyArgs []types.Type) (types.Type, error)

	InstantiateSingleType(idx bytecode.SignatureIndex, tyArgs []types.Type) (types.Type, error)
}

// Function is the loader-owned, immutable descriptor of a callable.
type Function interface {
	Name() string
	// ModuleID reports the owning module; ok is false for functions with no
	// module identity (e.g. scripts).
	ModuleID() (id types.ModuleID, ok bool)
	IsNative() bool
	IsFriendOrPrivate() bool
	ArgCount() int
	TypeParamCount() int
	ParameterTypes() []types.Type
	ReturnTypes() []types.Type
	// LocalTypes lists every local slot in declaration order, parameters first.
	LocalTypes() []types.Type
}

// Locals exposes the validity of a frame's local slots.
type Locals interface {
	IsInvalid(idx int) (bool, error)
}

// LinkContext yields the address used to resolve handles for the function
// about to run.
type LinkContext interface {
	LinkContext() types.AccountAddress
}

// Loader derives a Resolver for fn under a link context.
type Loader interface {
	Resolver(fn Function, link types.AccountAddress) (Resolver, error)
}

// OperandStack is the interpreter's real value stack for the current frame;
// only its depth is consulted.
type OperandStack interface {
	Len() int
}

// InstrRet tells the post-execution hook how the real instruction completed.
type InstrRet uint8

const (
	// InstrOk means the instruction completed locally; the post phase runs.
	InstrOk InstrRet = iota
	// InstrBranch means control jumped to another offset.
	InstrBranch
	// InstrCall means control entered a callee frame.
	InstrCall
	// InstrReturn means the frame returned.
	InstrReturn
	// InstrAbort means execution aborted.
	InstrAbort
)

func (r InstrRet) String() string {
	switch r {
	case InstrOk:
		return "ok"
	case InstrBranch:
		return "branch"
	case InstrCall:
		return "call"
	case InstrReturn:
		return "return"
	case InstrAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Frame is the per-instruction view of the executing frame handed to the
// instruction hooks.
type Frame struct {
	Function   Function
	Offset     int
	Stack      *TypeStack
	Values     OperandStack // nil disables the depth cross-check
	LocalTypes []types.Type
	Locals     Locals
	TyArgs     []types.Type
	Resolver   Resolver
}

func (fr *Frame) validate() error {
	switch {
	case fr.Stack == nil:
		return newError(CodeResolutionFailure, "frame has no type stack")
	case fr.Resolver == nil:
		return newError(CodeResolutionFailure, "frame has no resolver")
	case fr.Locals == nil:
		return newError(CodeResolutionFailure, "frame has no locals")
	}
	return nil
}

func (fr *Frame) checkBalance() error {
	if fr.Values == nil {
		return nil
	}
	return fr.Stack.CheckBalance(fr.Values.Len())
}

func (fr *Frame) localType(instr bytecode.Instr) (types.Type, error) {
	idx, err := instr.Local()
	if err != nil {
		return types.Type{}, newError(CodeResolutionFailure, "%v", err)
	}
	if int(idx) >= len(fr.LocalTypes) {
		return types.Type{}, newError(CodeResolutionFailure, "local %d out of range (%d locals)", idx, len(fr.LocalTypes))
	}
	return fr.LocalTypes[idx], nil
}

func requireAbility(res Resolver, ty types.Type, a types.Ability) error {
	set, err := res.Abilities(ty)
	if err != nil {
		return classify(err)
	}
	if !set.Has(a) {
		return abilityViolation(ty, a.String(), res)
	}
	return nil
}
