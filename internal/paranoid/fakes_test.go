package paranoid

import (
	"fmt"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

type fakeStruct struct {
	name      string
	abilities types.AbilitySet
	phantoms  []bool
	fields    []types.Type
}

type fieldRef struct {
	def   bytecode.StructDefIndex
	field int
}

type structInst struct {
	def  bytecode.StructDefIndex
	args []types.Type
}

type fieldInstRef struct {
	inst  bytecode.StructInstIndex
	field int
}

// fakeResolver is a table-driven Resolver. Struct definition i has
// StructID i+1.
type fakeResolver struct {
	structs      []fakeStruct
	consts       []types.Type
	fieldHandles []fieldRef
	structInsts  []structInst
	fieldInsts   []fieldInstRef
	sigs         []types.Type
}

const (
	defCoin bytecode.StructDefIndex = iota // Coin {value: u64} has store, key
	defPair                                // Pair {a: u64, b: bool} has copy, drop
	defBox                                 // Box<T> {v: T} has copy, drop, store
	defHolder                              // Holder {inner: Plain} has store, key
	defPlain                               // Plain {x: u8} has copy, drop
	defBadge                               // Badge {x: u8} has key
	defVault                               // Vault {inner: Badge} has store, key
	defStash                               // Stash {x: u8} has store
	defLocker                              // Locker {inner: Stash} has store, key
)

func structOf(def bytecode.StructDefIndex, args ...types.Type) types.Type {
	return types.MakeStruct(types.StructID(def)+1, args...)
}

func newFakeResolver() *fakeResolver {
	t0 := types.MakeTyParam(0)
	return &fakeResolver{
		structs: []fakeStruct{
			defCoin:   {name: "Coin", abilities: types.NewAbilitySet(types.AbilityStore, types.AbilityKey), fields: []types.Type{types.U64}},
			defPair:   {name: "Pair", abilities: types.NewAbilitySet(types.AbilityCopy, types.AbilityDrop), fields: []types.Type{types.U64, types.Bool}},
			defBox:    {name: "Box", abilities: types.NewAbilitySet(types.AbilityCopy, types.AbilityDrop, types.AbilityStore), phantoms: []bool{false}, fields: []types.Type{t0}},
			defHolder: {name: "Holder", abilities: types.NewAbilitySet(types.AbilityStore, types.AbilityKey), fields: []types.Type{structOf(defPlain)}},
			defPlain:  {name: "Plain", abilities: types.NewAbilitySet(types.AbilityCopy, types.AbilityDrop), fields: []types.Type{types.U8}},
			defBadge:  {name: "Badge", abilities: types.NewAbilitySet(types.AbilityKey), fields: []types.Type{types.U8}},
			defVault:  {name: "Vault", abilities: types.NewAbilitySet(types.AbilityStore, types.AbilityKey), fields: []types.Type{structOf(defBadge)}},
			defStash:  {name: "Stash", abilities: types.NewAbilitySet(types.AbilityStore), fields: []types.Type{types.U8}},
			defLocker: {name: "Locker", abilities: types.NewAbilitySet(types.AbilityStore, types.AbilityKey), fields: []types.Type{structOf(defStash)}},
		},
		consts:       []types.Type{types.U64, types.MakeVector(types.U8)},
		fieldHandles: []fieldRef{{defCoin, 0}, {defPair, 1}},
		structInsts:  []structInst{{defBox, []types.Type{t0}}, {defBox, []types.Type{types.U64}}},
		fieldInsts:   []fieldInstRef{{0, 0}},
		sigs:         []types.Type{types.U64, t0},
	}
}

func (r *fakeResolver) def(idx bytecode.StructDefIndex) (fakeStruct, error) {
	if int(idx) >= len(r.structs) {
		return fakeStruct{}, fmt.Errorf("struct def %d out of range", idx)
	}
	return r.structs[idx], nil
}

func (r *fakeResolver) inst(idx bytecode.StructInstIndex, tyArgs []types.Type) (structInst, error) {
	if int(idx) >= len(r.structInsts) {
		return structInst{}, fmt.Errorf("struct inst %d out of range", idx)
	}
	si := r.structInsts[idx]
	args, err := types.SubstAll(si.args, tyArgs)
	if err != nil {
		return structInst{}, err
	}
	return structInst{def: si.def, args: args}, nil
}

func (r *fakeResolver) StructAbilities(id types.StructID) (types.AbilitySet, []bool, error) {
	s, err := r.def(bytecode.StructDefIndex(id - 1))
	if err != nil {
		return 0, nil, err
	}
	return s.abilities, s.phantoms, nil
}

func (r *fakeResolver) StructName(id types.StructID) string {
	s, err := r.def(bytecode.StructDefIndex(id - 1))
	if err != nil {
		return fmt.Sprintf("struct#%d", id)
	}
	return s.name
}

func (r *fakeResolver) FieldInstantiationCount(idx bytecode.StructInstIndex) (uint16, error) {
	if int(idx) >= len(r.structInsts) {
		return 0, fmt.Errorf("struct inst %d out of range", idx)
	}
	return r.FieldCount(r.structInsts[idx].def)
}

func (r *fakeResolver) Subst(ty types.Type, tyArgs []types.Type) (types.Type, error) {
	return ty.Subst(tyArgs)
}

func (r *fakeResolver) Abilities(ty types.Type) (types.AbilitySet, error) {
	return types.AbilitiesOf(ty, r)
}

func (r *fakeResolver) ConstantType(idx bytecode.ConstIndex) (types.Type, error) {
	if int(idx) >= len(r.consts) {
		return types.Type{}, fmt.Errorf("constant %d out of range", idx)
	}
	return r.consts[idx], nil
}

func (r *fakeResolver) StructType(idx bytecode.StructDefIndex) (types.Type, error) {
	if _, err := r.def(idx); err != nil {
		return types.Type{}, err
	}
	return structOf(idx), nil
}

func (r *fakeResolver) StructFields(idx bytecode.StructDefIndex) ([]types.Type, error) {
	s, err := r.def(idx)
	if err != nil {
		return nil, err
	}
	return s.fields, nil
}

func (r *fakeResolver) FieldCount(idx bytecode.StructDefIndex) (uint16, error) {
	s, err := r.def(idx)
	if err != nil {
		return 0, err
	}
	return uint16(len(s.fields)), nil
}

func (r *fakeResolver) InstantiateGenericType(idx bytecode.StructInstIndex, tyArgs []types.Type) (types.Type, error) {
	si, err := r.inst(idx, tyArgs)
	if err != nil {
		return types.Type{}, err
	}
	return structOf(si.def, si.args...), nil
}

func (r *fakeResolver) InstantiateGenericStructFields(idx bytecode.StructInstIndex, tyArgs []types.Type) ([]types.Type, error) {
	si, err := r.inst(idx, tyArgs)
	if err != nil {
		return nil, err
	}
	return types.SubstAll(r.structs[si.def].fields, si.args)
}

func (r *fakeResolver) FieldHandleToStruct(idx bytecode.FieldHandleIndex) (types.Type, error) {
	if int(idx) >= len(r.fieldHandles) {
		return types.Type{}, fmt.Errorf("field handle %d out of range", idx)
	}
	return r.StructType(r.fieldHandles[idx].def)
}

func (r *fakeResolver) FieldType(idx bytecode.FieldHandleIndex) (types.Type, error) {
	if int(idx) >= len(r.fieldHandles) {
		return types.Type{}, fmt.Errorf("field handle %d out of range", idx)
	}
	fh := r.fieldHandles[idx]
	return r.structs[fh.def].fields[fh.field], nil
}

func (r *fakeResolver) FieldInstantiationToStruct(idx bytecode.FieldInstIndex, tyArgs []types.Type) (types.Type, error) {
	if int(idx) >= len(r.fieldInsts) {
		return types.Type{}, fmt.Errorf("field inst %d out of range", idx)
	}
	return r.InstantiateGenericType(r.fieldInsts[idx].inst, tyArgs)
}

func (r *fakeResolver) InstantiateGenericField(idx bytecode.FieldInstIndex, tyArgs []types.Type) (types.Type, error) {
	if int(idx) >= len(r.fieldInsts) {
		return types.Type{}, fmt.Errorf("field inst %d out of range", idx)
	}
	fi := r.fieldInsts[idx]
	fields, err := r.InstantiateGenericStructFields(fi.inst, tyArgs)
	if err != nil {
		return types.Type{}, err
	}
	return fields[fi.field], nil
}

func (r *fakeResolver) InstantiateSingleType(idx bytecode.SignatureIndex, tyArgs []types.Type) (types.Type, error) {
	if int(idx) >= len(r.sigs) {
		return types.Type{}, fmt.Errorf("signature %d out of range", idx)
	}
	return r.sigs[idx].Subst(tyArgs)
}

type fakeFn struct {
	name     string
	module   *types.ModuleID
	native   bool
	private  bool
	argCount int
	tparams  int
	params   []types.Type
	returns  []types.Type
	locals   []types.Type // params first
}

func (f *fakeFn) Name() string { return f.name }
func (f *fakeFn) ModuleID() (types.ModuleID, bool) {
	if f.module == nil {
		return types.ModuleID{}, false
	}
	return *f.module, true
}
func (f *fakeFn) IsNative() bool               { return f.native }
func (f *fakeFn) IsFriendOrPrivate() bool      { return f.private }
func (f *fakeFn) ArgCount() int                { return f.argCount }
func (f *fakeFn) TypeParamCount() int          { return f.tparams }
func (f *fakeFn) ParameterTypes() []types.Type { return f.params }
func (f *fakeFn) ReturnTypes() []types.Type    { return f.returns }
func (f *fakeFn) LocalTypes() []types.Type     { return f.locals }

func moduleAt(addr, name string) *types.ModuleID {
	return &types.ModuleID{Address: types.MustParseAddress(addr), Name: name}
}

// bytecodeFn declares a bytecode function whose locals are params + extra.
func bytecodeFn(name string, mod *types.ModuleID, params, returns []types.Type, extra ...types.Type) *fakeFn {
	locals := append(append([]types.Type{}, params...), extra...)
	return &fakeFn{name: name, module: mod, argCount: len(params), params: params, returns: returns, locals: locals}
}

func nativeFn(name string, mod *types.ModuleID, params, returns []types.Type) *fakeFn {
	return &fakeFn{name: name, module: mod, native: true, argCount: len(params), params: params, returns: returns}
}

type fakeLocals []bool // true = valid

func (l fakeLocals) IsInvalid(idx int) (bool, error) {
	if idx < 0 || idx >= len(l) {
		return false, fmt.Errorf("local %d out of range", idx)
	}
	return !l[idx], nil
}

type depth int

func (d *depth) Len() int { return int(*d) }

type fakeLoader struct {
	res Resolver
	err error
}

func (l fakeLoader) Resolver(Function, types.AccountAddress) (Resolver, error) {
	return l.res, l.err
}

// newFrame builds a frame over fn with every local valid and no depth
// cross-check.
func newFrame(res *fakeResolver, locals []types.Type, tyArgs []types.Type) *Frame {
	valid := make(fakeLocals, len(locals))
	for i := range valid {
		valid[i] = true
	}
	return &Frame{
		Function:   bytecodeFn("f", moduleAt("0xA", "M"), nil, nil, locals...),
		Stack:      NewTypeStack(),
		LocalTypes: locals,
		Locals:     valid,
		TyArgs:     tyArgs,
		Resolver:   res,
	}
}

// run executes instrs as a straight line, pre then post, and returns the
// first failure.
func run(c *Checker, fr *Frame, instrs ...bytecode.Instr) error {
	for i, instr := range instrs {
		fr.Offset = i
		if err := c.PreHookInstr(fr, instr); err != nil {
			return err
		}
		if err := c.PostHookInstr(fr, instr, InstrOk); err != nil {
			return err
		}
	}
	return nil
}
