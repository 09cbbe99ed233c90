package loader

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"

	"movecheck/internal/bytecode"
	"movecheck/internal/paranoid"
	"movecheck/internal/types"
)

type resolverKey struct {
	module types.ModuleID
	link   types.AccountAddress
}

// Registry owns every loaded module. It is safe for concurrent use. Load
// serializes on a mutex and publishes a new immutable snapshot; queries read
// the current snapshot without locking.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	// resolverKey -> *Resolver
	resolvers sync.Map
}

// snapshot is the published module set. It is never mutated once stored.
type snapshot struct {
	structs   []*StructDef // StructID-1 -> definition
	modules   map[types.ModuleID]*Module
	order     []*Module
	addresses map[types.AccountAddress]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		modules:   make(map[types.ModuleID]*Module),
		addresses: make(map[types.AccountAddress]bool),
	})
	return r
}

func (r *Registry) current() *snapshot { return r.snap.Load() }

// LoadFiles decodes and loads manifests from disk as one batch.
func (r *Registry) LoadFiles(paths ...string) ([]*Module, error) {
	manifests := make([]*Manifest, 0, len(paths))
	for _, p := range paths {
		m, err := DecodeManifestFile(p)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return r.Load(manifests...)
}

// Load registers a batch of manifests. Modules in one batch may refer to
// each other's structs in any order. Either the whole batch is registered
// or none of it.
func (r *Registry) Load(manifests ...*Manifest) ([]*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := &batch{base: r.current(), staged: make(map[types.ModuleID]*Module)}
	for _, m := range manifests {
		if err := b.declare(m); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Path, err)
		}
	}
	for i, m := range manifests {
		if err := b.defineStructs(b.mods[i], m); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Path, err)
		}
	}
	for i, m := range manifests {
		if err := b.defineModule(b.mods[i], m); err != nil {
			return nil, fmt.Errorf("%s: %w", m.Path, err)
		}
	}

	r.snap.Store(b.publish())
	return b.mods, nil
}

// Modules lists loaded modules in load order.
func (r *Registry) Modules() []*Module {
	order := r.current().order
	out := make([]*Module, len(order))
	copy(out, order)
	return out
}

// Module looks up a loaded module.
func (r *Registry) Module(id types.ModuleID) (*Module, bool) {
	m, ok := r.current().modules[id]
	return m, ok
}

// Function looks up a function by its qualified name 0xA::M::f.
func (r *Registry) Function(qualified string) (*Function, error) {
	p, err := newTypeParser(qualified, &typeScope{})
	if err != nil {
		return nil, err
	}
	fnPath, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	if err := p.done(); err != nil {
		return nil, err
	}
	if !fnPath.qualified {
		return nil, fmt.Errorf("function %q must be fully qualified (0xADDR::Module::name)", qualified)
	}
	return r.lookupFunction(fnPath)
}

func (r *Registry) lookupFunction(p path) (*Function, error) {
	mod, ok := r.Module(p.module)
	if !ok {
		return nil, fmt.Errorf("module %s is not loaded", p.module)
	}
	fn, ok := mod.Function(p.name)
	if !ok {
		return nil, fmt.Errorf("module %s has no function %s", p.module, p.name)
	}
	return fn, nil
}

// Resolver derives the metadata view for fn under link. It implements
// paranoid.Loader. The link must name an address with at least one loaded
// module; resolvers are cached per module and link.
func (r *Registry) Resolver(fn paranoid.Function, link types.AccountAddress) (paranoid.Resolver, error) {
	return r.resolverFor(fn, link)
}

func (r *Registry) resolverFor(fn paranoid.Function, link types.AccountAddress) (*Resolver, error) {
	if fn == nil {
		return nil, errors.New("no function to resolve")
	}
	id, ok := fn.ModuleID()
	if !ok {
		return nil, fmt.Errorf("%s has no module to resolve handles in", fn.Name())
	}
	key := resolverKey{module: id, link: link}
	if res, ok := r.resolvers.Load(key); ok {
		return res.(*Resolver), nil
	}

	snap := r.current()
	mod, ok := snap.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %s is not loaded", id)
	}
	if !snap.addresses[link] {
		return nil, fmt.Errorf("link context %s has no published modules", link)
	}
	res, _ := r.resolvers.LoadOrStore(key, &Resolver{reg: r, mod: mod, link: link})
	return res.(*Resolver), nil
}

// ResolveCall resolves the callee of a Call or CallGeneric executed by
// caller and returns the callee's type arguments, substituted through the
// caller's own tyArgs.
func (r *Registry) ResolveCall(caller *Function, instr bytecode.Instr, tyArgs []types.Type) (*Function, []types.Type, error) {
	mod := caller.module
	switch instr.Op {
	case bytecode.OpCall:
		idx := instr.FuncHandle()
		if int(idx) >= len(mod.funcHandles) {
			return nil, nil, fmt.Errorf("%s: function handle %d out of range", mod.ID, idx)
		}
		callee, err := r.lookupFunction(mod.funcHandles[idx])
		if err != nil {
			return nil, nil, err
		}
		if callee.TypeParamCount() > 0 {
			return nil, nil, fmt.Errorf("%s is generic and needs CallGeneric", callee.QualifiedName())
		}
		return callee, nil, nil
	case bytecode.OpCallGeneric:
		fi, err := mod.funcInst(instr.FuncInst())
		if err != nil {
			return nil, nil, err
		}
		callee, err := r.lookupFunction(mod.funcHandles[fi.handle])
		if err != nil {
			return nil, nil, err
		}
		if len(fi.args) != callee.TypeParamCount() {
			return nil, nil, fmt.Errorf("%s takes %d type arguments, got %d", callee.QualifiedName(), callee.TypeParamCount(), len(fi.args))
		}
		args, err := types.SubstAll(fi.args, tyArgs)
		if err != nil {
			return nil, nil, err
		}
		return callee, args, nil
	default:
		return nil, nil, fmt.Errorf("%s is not a call", instr.Op)
	}
}

// StructName renders a struct fully qualified.
func (r *Registry) StructName(id types.StructID) string {
	def, err := r.structByID(id)
	if err != nil {
		return fmt.Sprintf("struct#%d", id)
	}
	return def.QualifiedName()
}

// StructAbilities implements types.StructAbilityTable over every loaded module.
func (r *Registry) StructAbilities(id types.StructID) (types.AbilitySet, []bool, error) {
	def, err := r.structByID(id)
	if err != nil {
		return types.EmptyAbilities, nil, err
	}
	return def.Abilities, def.phantoms(), nil
}

func (r *Registry) structByID(id types.StructID) (*StructDef, error) {
	structs := r.current().structs
	if id == 0 || int(id) > len(structs) {
		return nil, fmt.Errorf("unknown struct#%d", id)
	}
	return structs[id-1], nil
}

// batch stages one Load call on top of the current snapshot so that a
// failing manifest leaves the registry untouched.
type batch struct {
	base    *snapshot
	staged  map[types.ModuleID]*Module
	mods    []*Module
	structs []*StructDef
}

// publish builds the snapshot that adds the staged modules to base.
func (b *batch) publish() *snapshot {
	next := &snapshot{
		structs:   append(append(make([]*StructDef, 0, len(b.base.structs)+len(b.structs)), b.base.structs...), b.structs...),
		modules:   maps.Clone(b.base.modules),
		order:     append(append(make([]*Module, 0, len(b.base.order)+len(b.mods)), b.base.order...), b.mods...),
		addresses: maps.Clone(b.base.addresses),
	}
	for _, mod := range b.mods {
		next.modules[mod.ID] = mod
		next.addresses[mod.ID.Address] = true
	}
	return next
}

func (b *batch) nextStructID() (types.StructID, error) {
	n, err := safecast.Conv[uint32](len(b.base.structs) + len(b.structs) + 1)
	if err != nil {
		return 0, fmt.Errorf("too many structs: %w", err)
	}
	return types.StructID(n), nil
}

func (b *batch) lookupStruct(id types.ModuleID, name string) (*StructDef, bool) {
	mod, ok := b.staged[id]
	if !ok {
		mod, ok = b.base.modules[id]
	}
	if !ok {
		return nil, false
	}
	for _, s := range mod.Structs {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// declare registers the module identity and struct shells.
func (b *batch) declare(m *Manifest) error {
	addr, err := types.ParseAddress(m.Module.Address)
	if err != nil {
		return err
	}
	id := types.ModuleID{Address: addr, Name: m.Module.Name}
	if _, dup := b.base.modules[id]; dup {
		return fmt.Errorf("module %s is already loaded", id)
	}
	if _, dup := b.staged[id]; dup {
		return fmt.Errorf("module %s is declared twice", id)
	}
	mod := &Module{ID: id, Path: m.Path}

	seen := make(map[string]bool, len(m.Structs))
	for _, decl := range m.Structs {
		if seen[decl.Name] {
			return fmt.Errorf("duplicate struct %s", decl.Name)
		}
		seen[decl.Name] = true
		abilities := types.EmptyAbilities
		for _, a := range decl.Abilities {
			ab, err := types.ParseAbility(a)
			if err != nil {
				return fmt.Errorf("struct %s: %w", decl.Name, err)
			}
			abilities = abilities.Add(ab)
		}
		params := make([]TypeParam, len(decl.TypeParams))
		for i, tp := range decl.TypeParams {
			params[i] = TypeParam(tp)
		}
		sid, err := b.nextStructID()
		if err != nil {
			return err
		}
		def := &StructDef{ID: sid, Module: id, Name: decl.Name, Abilities: abilities, TypeParams: params}
		mod.Structs = append(mod.Structs, def)
		b.structs = append(b.structs, def)
	}

	b.staged[id] = mod
	b.mods = append(b.mods, mod)
	return nil
}

func (b *batch) defineStructs(mod *Module, m *Manifest) error {
	for i, decl := range m.Structs {
		def := mod.Structs[i]
		params := make([]string, len(def.TypeParams))
		for j, tp := range def.TypeParams {
			params[j] = tp.Name
		}
		scope := &typeScope{self: mod.ID, params: params, structs: b.lookupStruct}
		seen := make(map[string]bool, len(decl.Fields))
		for _, f := range decl.Fields {
			if seen[f.Name] {
				return fmt.Errorf("struct %s: duplicate field %s", def.Name, f.Name)
			}
			seen[f.Name] = true
			ty, err := parseTypeString(f.Type, scope)
			if err != nil {
				return fmt.Errorf("struct %s field %s: %w", def.Name, f.Name, err)
			}
			if ty.IsReference() {
				return fmt.Errorf("struct %s field %s: fields cannot hold references", def.Name, f.Name)
			}
			def.Fields = append(def.Fields, Field{Name: f.Name, Type: ty})
		}
	}
	return nil
}

func (b *batch) defineModule(mod *Module, m *Manifest) error {
	plain := &typeScope{self: mod.ID, structs: b.lookupStruct}
	for i, c := range m.Constants {
		ty, err := parseTypeString(c.Type, plain)
		if err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
		k := Constant{Type: ty, Value: c.Value}
		if err := checkConstant(k); err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
		mod.Constants = append(mod.Constants, k)
	}

	seen := make(map[string]bool, len(m.Functions))
	for _, decl := range m.Functions {
		if seen[decl.Name] {
			return fmt.Errorf("duplicate function %s", decl.Name)
		}
		seen[decl.Name] = true
		fn, err := declareFunction(mod, decl, b.lookupStruct)
		if err != nil {
			return fmt.Errorf("function %s: %w", decl.Name, err)
		}
		mod.Functions = append(mod.Functions, fn)
	}

	asm := newAssembler(mod, b.lookupStruct)
	for i, decl := range m.Functions {
		fn := mod.Functions[i]
		if fn.native {
			continue
		}
		if err := asm.assemble(fn, decl.Code); err != nil {
			return err
		}
	}
	return nil
}

func declareFunction(mod *Module, decl FunctionDecl, lookup func(types.ModuleID, string) (*StructDef, bool)) (*Function, error) {
	vis, err := parseVisibility(decl.Visibility)
	if err != nil {
		return nil, err
	}
	fn := &Function{
		module:     mod,
		name:       decl.Name,
		visibility: vis,
		entry:      decl.Entry,
		native:     decl.Native,
		typeParams: decl.TypeParams,
	}
	scope := &typeScope{self: mod.ID, params: decl.TypeParams, structs: lookup}
	if fn.params, err = parseTypeList(decl.Params, scope); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if fn.returns, err = parseTypeList(decl.Returns, scope); err != nil {
		return nil, fmt.Errorf("returns: %w", err)
	}
	extra, err := parseTypeList(decl.Locals, scope)
	if err != nil {
		return nil, fmt.Errorf("locals: %w", err)
	}
	if _, err := safecast.Conv[uint8](len(decl.Params) + len(decl.Locals)); err != nil {
		return nil, fmt.Errorf("too many locals: %w", err)
	}

	switch {
	case decl.Native && (len(decl.Code) > 0 || len(extra) > 0):
		return nil, errors.New("native functions have no code or extra locals")
	case !decl.Native && len(decl.Code) == 0:
		return nil, errors.New("missing code")
	}
	fn.locals = append(append([]types.Type(nil), fn.params...), extra...)
	return fn, nil
}

// ParseType parses a type expression outside any module. Structs must be
// fully qualified and type parameters are not allowed.
func (r *Registry) ParseType(src string) (types.Type, error) {
	modules := r.current().modules
	scope := &typeScope{structs: func(id types.ModuleID, name string) (*StructDef, bool) {
		mod, ok := modules[id]
		if !ok {
			return nil, false
		}
		for _, s := range mod.Structs {
			if s.Name == name {
				return s, true
			}
		}
		return nil, false
	}}
	ty, err := parseTypeString(src, scope)
	if err != nil {
		return types.Type{}, err
	}
	if ty.HasTyParams() {
		return types.Type{}, fmt.Errorf("%q: type parameters are not allowed here", src)
	}
	return ty, nil
}
