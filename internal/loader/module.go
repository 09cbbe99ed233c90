package loader

import (
	"fmt"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// TypeParam is a declared struct type parameter.
type TypeParam struct {
	Name    string
	Phantom bool
}

// Field is a declared struct field. Its type may mention the struct's own
// type parameters.
type Field struct {
	Name string
	Type types.Type
}

// StructDef is a loaded struct declaration.
type StructDef struct {
	ID         types.StructID
	Module     types.ModuleID
	Name       string
	Abilities  types.AbilitySet
	TypeParams []TypeParam
	Fields     []Field
}

// QualifiedName renders 0xa::M::Name.
func (s *StructDef) QualifiedName() string {
	return s.Module.String() + "::" + s.Name
}

func (s *StructDef) phantoms() []bool {
	if len(s.TypeParams) == 0 {
		return nil
	}
	out := make([]bool, len(s.TypeParams))
	for i, tp := range s.TypeParams {
		out[i] = tp.Phantom
	}
	return out
}

func (s *StructDef) fieldTypes() []types.Type {
	out := make([]types.Type, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Type
	}
	return out
}

func (s *StructDef) fieldIndex(name string) (int, bool) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Constant is an entry of the constant pool.
type Constant struct {
	Type  types.Type
	Value string
}

type structInst struct {
	def  bytecode.StructDefIndex
	args []types.Type // in terms of the using function's type parameters
}

type fieldHandle struct {
	owner bytecode.StructDefIndex
	field int
}

type fieldInst struct {
	owner bytecode.StructInstIndex
	field int
}

type funcInst struct {
	handle bytecode.FuncHandleIndex
	args   []types.Type
}

// Module is a loaded module with its handle tables. It is immutable once
// registered.
type Module struct {
	ID        types.ModuleID
	Path      string
	Structs   []*StructDef // declared here, in declaration order
	Constants []Constant
	Functions []*Function

	structDefs   []*StructDef // StructDefIndex -> definition (may be foreign)
	structInsts  []structInst
	fieldHandles []fieldHandle
	fieldInsts   []fieldInst
	signatures   []types.Type
	funcHandles  []path // FuncHandleIndex -> callee, resolved at call time
	funcInsts    []funcInst
}

// Function looks up a function declared in m.
func (m *Module) Function(name string) (*Function, bool) {
	for _, fn := range m.Functions {
		if fn.name == name {
			return fn, true
		}
	}
	return nil, false
}

// CalleePath returns the callee named by a Call operand.
func (m *Module) CalleePath(idx bytecode.FuncHandleIndex) (string, error) {
	if int(idx) >= len(m.funcHandles) {
		return "", fmt.Errorf("%s: function handle %d out of range", m.ID, idx)
	}
	return m.funcHandles[idx].String(), nil
}

func (m *Module) structDef(idx bytecode.StructDefIndex) (*StructDef, error) {
	if int(idx) >= len(m.structDefs) {
		return nil, fmt.Errorf("%s: struct handle %d out of range", m.ID, idx)
	}
	return m.structDefs[idx], nil
}

func (m *Module) structInst(idx bytecode.StructInstIndex) (structInst, *StructDef, error) {
	if int(idx) >= len(m.structInsts) {
		return structInst{}, nil, fmt.Errorf("%s: struct instantiation %d out of range", m.ID, idx)
	}
	si := m.structInsts[idx]
	def, err := m.structDef(si.def)
	return si, def, err
}

func (m *Module) fieldHandle(idx bytecode.FieldHandleIndex) (fieldHandle, *StructDef, error) {
	if int(idx) >= len(m.fieldHandles) {
		return fieldHandle{}, nil, fmt.Errorf("%s: field handle %d out of range", m.ID, idx)
	}
	fh := m.fieldHandles[idx]
	def, err := m.structDef(fh.owner)
	return fh, def, err
}

func (m *Module) fieldInst(idx bytecode.FieldInstIndex) (fieldInst, error) {
	if int(idx) >= len(m.fieldInsts) {
		return fieldInst{}, fmt.Errorf("%s: field instantiation %d out of range", m.ID, idx)
	}
	return m.fieldInsts[idx], nil
}

func (m *Module) signature(idx bytecode.SignatureIndex) (types.Type, error) {
	if int(idx) >= len(m.signatures) {
		return types.Type{}, fmt.Errorf("%s: signature %d out of range", m.ID, idx)
	}
	return m.signatures[idx], nil
}

func (m *Module) funcInst(idx bytecode.FuncInstIndex) (funcInst, error) {
	if int(idx) >= len(m.funcInsts) {
		return funcInst{}, fmt.Errorf("%s: function instantiation %d out of range", m.ID, idx)
	}
	return m.funcInsts[idx], nil
}

// Visibility of a function to callers outside its module.
type Visibility uint8

const (
	VisibilityPrivate Visibility = iota
	VisibilityFriend
	VisibilityPublic
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPublic:
		return "public"
	case VisibilityFriend:
		return "friend"
	default:
		return "private"
	}
}

func parseVisibility(s string) (Visibility, error) {
	switch s {
	case "", "private":
		return VisibilityPrivate, nil
	case "friend":
		return VisibilityFriend, nil
	case "public":
		return VisibilityPublic, nil
	default:
		return 0, fmt.Errorf("invalid visibility %q (expected: public|friend|private)", s)
	}
}

// Function is a loaded function descriptor. It implements paranoid.Function.
type Function struct {
	module     *Module
	name       string
	visibility Visibility
	entry      bool
	native     bool
	typeParams []string
	params     []types.Type
	returns    []types.Type
	locals     []types.Type // params first
	code       []bytecode.Instr
	source     []string
}

func (f *Function) Name() string { return f.name }

func (f *Function) ModuleID() (types.ModuleID, bool) {
	if f.module == nil {
		return types.ModuleID{}, false
	}
	return f.module.ID, true
}

func (f *Function) IsNative() bool               { return f.native }
func (f *Function) IsFriendOrPrivate() bool      { return f.visibility != VisibilityPublic }
func (f *Function) ArgCount() int                { return len(f.params) }
func (f *Function) TypeParamCount() int          { return len(f.typeParams) }
func (f *Function) ParameterTypes() []types.Type { return f.params }
func (f *Function) ReturnTypes() []types.Type    { return f.returns }
func (f *Function) LocalTypes() []types.Type     { return f.locals }

// Module returns the declaring module.
func (f *Function) Module() *Module { return f.module }

// Visibility returns the declared visibility.
func (f *Function) Visibility() Visibility { return f.visibility }

// IsEntry reports whether the function may start a transaction.
func (f *Function) IsEntry() bool { return f.entry }

// Code returns the assembled body; empty for natives.
func (f *Function) Code() []bytecode.Instr { return f.code }

// Source returns the textual instruction at offset, as written in the manifest.
func (f *Function) Source(offset int) string {
	if offset < 0 || offset >= len(f.source) {
		return ""
	}
	return f.source[offset]
}

// QualifiedName renders 0xa::M::f.
func (f *Function) QualifiedName() string {
	return f.module.ID.String() + "::" + f.name
}
