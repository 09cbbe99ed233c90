package loader

import (
	"fmt"

	"fortio.org/safecast"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// Resolver answers metadata queries for one module under one link context.
// It implements paranoid.Resolver, types.StructAbilityTable,
// types.StructNamer and bytecode.FieldCounter.
type Resolver struct {
	reg  *Registry
	mod  *Module
	link types.AccountAddress
}

// Module returns the module whose handle tables the resolver reads.
func (r *Resolver) Module() *Module { return r.mod }

// Link returns the link context the resolver was derived for.
func (r *Resolver) Link() types.AccountAddress { return r.link }

func (r *Resolver) Subst(ty types.Type, tyArgs []types.Type) (types.Type, error) {
	return ty.Subst(tyArgs)
}

func (r *Resolver) Abilities(ty types.Type) (types.AbilitySet, error) {
	return types.AbilitiesOf(ty, r)
}

func (r *Resolver) StructAbilities(id types.StructID) (types.AbilitySet, []bool, error) {
	def, err := r.reg.structByID(id)
	if err != nil {
		return types.EmptyAbilities, nil, err
	}
	return def.Abilities, def.phantoms(), nil
}

// StructName renders structs of the resolver's own module by their short
// name and everything else fully qualified.
func (r *Resolver) StructName(id types.StructID) string {
	def, err := r.reg.structByID(id)
	if err != nil {
		return fmt.Sprintf("struct#%d", id)
	}
	if def.Module == r.mod.ID {
		return def.Name
	}
	return def.QualifiedName()
}

func (r *Resolver) ConstantType(idx bytecode.ConstIndex) (types.Type, error) {
	if int(idx) >= len(r.mod.Constants) {
		return types.Type{}, fmt.Errorf("%s: constant %d out of range", r.mod.ID, idx)
	}
	return r.mod.Constants[idx].Type, nil
}

func (r *Resolver) plainStruct(idx bytecode.StructDefIndex) (*StructDef, error) {
	def, err := r.mod.structDef(idx)
	if err != nil {
		return nil, err
	}
	if len(def.TypeParams) > 0 {
		return nil, fmt.Errorf("%s is generic and needs an instantiation", def.QualifiedName())
	}
	return def, nil
}

func (r *Resolver) StructType(idx bytecode.StructDefIndex) (types.Type, error) {
	def, err := r.plainStruct(idx)
	if err != nil {
		return types.Type{}, err
	}
	return types.MakeStruct(def.ID), nil
}

func (r *Resolver) StructFields(idx bytecode.StructDefIndex) ([]types.Type, error) {
	def, err := r.plainStruct(idx)
	if err != nil {
		return nil, err
	}
	return def.fieldTypes(), nil
}

func (r *Resolver) FieldCount(idx bytecode.StructDefIndex) (uint16, error) {
	def, err := r.mod.structDef(idx)
	if err != nil {
		return 0, err
	}
	return safecast.Conv[uint16](len(def.Fields))
}

// instArgs substitutes the instantiation's arguments with the running
// function's type arguments.
func (r *Resolver) instArgs(idx bytecode.StructInstIndex, tyArgs []types.Type) (*StructDef, []types.Type, error) {
	si, def, err := r.mod.structInst(idx)
	if err != nil {
		return nil, nil, err
	}
	args, err := types.SubstAll(si.args, tyArgs)
	if err != nil {
		return nil, nil, err
	}
	return def, args, nil
}

func (r *Resolver) InstantiateGenericType(idx bytecode.StructInstIndex, tyArgs []types.Type) (types.Type, error) {
	def, args, err := r.instArgs(idx, tyArgs)
	if err != nil {
		return types.Type{}, err
	}
	return types.MakeStruct(def.ID, args...), nil
}

func (r *Resolver) InstantiateGenericStructFields(idx bytecode.StructInstIndex, tyArgs []types.Type) ([]types.Type, error) {
	def, args, err := r.instArgs(idx, tyArgs)
	if err != nil {
		return nil, err
	}
	return types.SubstAll(def.fieldTypes(), args)
}

func (r *Resolver) FieldInstantiationCount(idx bytecode.StructInstIndex) (uint16, error) {
	_, def, err := r.mod.structInst(idx)
	if err != nil {
		return 0, err
	}
	return safecast.Conv[uint16](len(def.Fields))
}

func (r *Resolver) FieldHandleToStruct(idx bytecode.FieldHandleIndex) (types.Type, error) {
	fh, _, err := r.mod.fieldHandle(idx)
	if err != nil {
		return types.Type{}, err
	}
	return r.StructType(fh.owner)
}

func (r *Resolver) FieldType(idx bytecode.FieldHandleIndex) (types.Type, error) {
	fh, def, err := r.mod.fieldHandle(idx)
	if err != nil {
		return types.Type{}, err
	}
	return def.Fields[fh.field].Type, nil
}

func (r *Resolver) FieldInstantiationToStruct(idx bytecode.FieldInstIndex, tyArgs []types.Type) (types.Type, error) {
	fi, err := r.mod.fieldInst(idx)
	if err != nil {
		return types.Type{}, err
	}
	return r.InstantiateGenericType(fi.owner, tyArgs)
}

func (r *Resolver) InstantiateGenericField(idx bytecode.FieldInstIndex, tyArgs []types.Type) (types.Type, error) {
	fi, err := r.mod.fieldInst(idx)
	if err != nil {
		return types.Type{}, err
	}
	def, args, err := r.instArgs(fi.owner, tyArgs)
	if err != nil {
		return types.Type{}, err
	}
	return def.Fields[fi.field].Type.Subst(args)
}

func (r *Resolver) InstantiateSingleType(idx bytecode.SignatureIndex, tyArgs []types.Type) (types.Type, error) {
	sig, err := r.mod.signature(idx)
	if err != nil {
		return types.Type{}, err
	}
	return sig.Subst(tyArgs)
}
