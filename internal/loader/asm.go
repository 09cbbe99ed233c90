package loader

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"fortio.org/safecast"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// assembler interns operands into a module's handle tables while turning
// textual instructions into bytecode.
type assembler struct {
	mod       *Module
	lookup    func(mod types.ModuleID, name string) (*StructDef, bool)
	defIdx    map[types.StructID]bytecode.StructDefIndex
	instIdx   map[string]bytecode.StructInstIndex
	fieldIdx  map[fieldHandle]bytecode.FieldHandleIndex
	fInstIdx  map[fieldInst]bytecode.FieldInstIndex
	sigIdx    map[string]bytecode.SignatureIndex
	fnIdx     map[string]bytecode.FuncHandleIndex
	fnInstIdx map[string]bytecode.FuncInstIndex
}

func newAssembler(mod *Module, lookup func(types.ModuleID, string) (*StructDef, bool)) *assembler {
	return &assembler{
		mod:       mod,
		lookup:    lookup,
		defIdx:    make(map[types.StructID]bytecode.StructDefIndex),
		instIdx:   make(map[string]bytecode.StructInstIndex),
		fieldIdx:  make(map[fieldHandle]bytecode.FieldHandleIndex),
		fInstIdx:  make(map[fieldInst]bytecode.FieldInstIndex),
		sigIdx:    make(map[string]bytecode.SignatureIndex),
		fnIdx:     make(map[string]bytecode.FuncHandleIndex),
		fnInstIdx: make(map[string]bytecode.FuncInstIndex),
	}
}

func tableIndex(n int, what string) (uint16, error) {
	idx, err := safecast.Conv[uint16](n)
	if err != nil {
		return 0, fmt.Errorf("too many %s: %w", what, err)
	}
	return idx, nil
}

func (a *assembler) internDef(def *StructDef) (bytecode.StructDefIndex, error) {
	if idx, ok := a.defIdx[def.ID]; ok {
		return idx, nil
	}
	n, err := tableIndex(len(a.mod.structDefs), "struct handles")
	if err != nil {
		return 0, err
	}
	idx := bytecode.StructDefIndex(n)
	a.mod.structDefs = append(a.mod.structDefs, def)
	a.defIdx[def.ID] = idx
	return idx, nil
}

func (a *assembler) internInst(def *StructDef, args []types.Type) (bytecode.StructInstIndex, error) {
	key := types.MakeStruct(def.ID, args...).String()
	if idx, ok := a.instIdx[key]; ok {
		return idx, nil
	}
	d, err := a.internDef(def)
	if err != nil {
		return 0, err
	}
	n, err := tableIndex(len(a.mod.structInsts), "struct instantiations")
	if err != nil {
		return 0, err
	}
	idx := bytecode.StructInstIndex(n)
	a.mod.structInsts = append(a.mod.structInsts, structInst{def: d, args: args})
	a.instIdx[key] = idx
	return idx, nil
}

func (a *assembler) internField(def *StructDef, field int) (bytecode.FieldHandleIndex, error) {
	d, err := a.internDef(def)
	if err != nil {
		return 0, err
	}
	fh := fieldHandle{owner: d, field: field}
	if idx, ok := a.fieldIdx[fh]; ok {
		return idx, nil
	}
	n, err := tableIndex(len(a.mod.fieldHandles), "field handles")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FieldHandleIndex(n)
	a.mod.fieldHandles = append(a.mod.fieldHandles, fh)
	a.fieldIdx[fh] = idx
	return idx, nil
}

func (a *assembler) internFieldInst(def *StructDef, args []types.Type, field int) (bytecode.FieldInstIndex, error) {
	si, err := a.internInst(def, args)
	if err != nil {
		return 0, err
	}
	fi := fieldInst{owner: si, field: field}
	if idx, ok := a.fInstIdx[fi]; ok {
		return idx, nil
	}
	n, err := tableIndex(len(a.mod.fieldInsts), "field instantiations")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FieldInstIndex(n)
	a.mod.fieldInsts = append(a.mod.fieldInsts, fi)
	a.fInstIdx[fi] = idx
	return idx, nil
}

func (a *assembler) internSig(ty types.Type) (bytecode.SignatureIndex, error) {
	key := ty.String()
	if idx, ok := a.sigIdx[key]; ok {
		return idx, nil
	}
	n, err := tableIndex(len(a.mod.signatures), "signatures")
	if err != nil {
		return 0, err
	}
	idx := bytecode.SignatureIndex(n)
	a.mod.signatures = append(a.mod.signatures, ty)
	a.sigIdx[key] = idx
	return idx, nil
}

func (a *assembler) internFunc(p path) (bytecode.FuncHandleIndex, error) {
	key := p.String()
	if !p.qualified {
		key = a.mod.ID.String() + "::" + p.name
		p = path{module: a.mod.ID, name: p.name, qualified: true}
	}
	if idx, ok := a.fnIdx[key]; ok {
		return idx, nil
	}
	n, err := tableIndex(len(a.mod.funcHandles), "function handles")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FuncHandleIndex(n)
	a.mod.funcHandles = append(a.mod.funcHandles, p)
	a.fnIdx[key] = idx
	return idx, nil
}

func (a *assembler) internFuncInst(p path, args []types.Type) (bytecode.FuncInstIndex, error) {
	h, err := a.internFunc(p)
	if err != nil {
		return 0, err
	}
	parts := make([]string, len(args))
	for i, t := range args {
		parts[i] = t.String()
	}
	key := fmt.Sprintf("%d<%s>", h, strings.Join(parts, ","))
	if idx, ok := a.fnInstIdx[key]; ok {
		return idx, nil
	}
	n, err := tableIndex(len(a.mod.funcInsts), "function instantiations")
	if err != nil {
		return 0, err
	}
	idx := bytecode.FuncInstIndex(n)
	a.mod.funcInsts = append(a.mod.funcInsts, funcInst{handle: h, args: args})
	a.fnInstIdx[key] = idx
	return idx, nil
}

// assemble translates fn's textual code.
func (a *assembler) assemble(fn *Function, lines []string) error {
	scope := &typeScope{self: a.mod.ID, params: fn.typeParams, structs: a.lookup}
	code := make([]bytecode.Instr, 0, len(lines))
	for pc, line := range lines {
		instr, err := a.assembleLine(strings.TrimSpace(line), scope, fn)
		if err != nil {
			return fmt.Errorf("%s@%d %q: %w", fn.name, pc, line, err)
		}
		code = append(code, instr)
	}
	// Branch targets are checked once the code length is known.
	for pc, instr := range code {
		if instr.Op.Operand() == bytecode.OperandOffset && int(instr.Offset()) >= len(code) {
			return fmt.Errorf("%s@%d: branch target %d outside code of length %d", fn.name, pc, instr.Offset(), len(code))
		}
	}
	fn.code = code
	fn.source = lines
	return nil
}

func (a *assembler) assembleLine(line string, scope *typeScope, fn *Function) (bytecode.Instr, error) {
	mnemonic, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	op, err := bytecode.ParseOpcode(mnemonic)
	if err != nil {
		return bytecode.Instr{}, err
	}

	switch op.Operand() {
	case bytecode.OperandNone:
		if rest != "" {
			return bytecode.Instr{}, fmt.Errorf("%s takes no operand", op)
		}
		return bytecode.Make(op, 0), nil

	case bytecode.OperandLiteral:
		if err := checkLiteral(op, rest); err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.MakeLoad(op, rest), nil

	case bytecode.OperandLocal:
		n, err := parseIndex[uint8](rest)
		if err != nil {
			return bytecode.Instr{}, err
		}
		if int(n) >= len(fn.locals) {
			return bytecode.Instr{}, fmt.Errorf("local %d out of range (%d locals)", n, len(fn.locals))
		}
		return bytecode.Make(op, uint16(n)), nil

	case bytecode.OperandOffset:
		n, err := parseIndex[uint16](rest)
		if err != nil {
			return bytecode.Instr{}, err
		}
		return bytecode.Make(op, n), nil

	case bytecode.OperandConst:
		n, err := parseIndex[uint16](rest)
		if err != nil {
			return bytecode.Instr{}, err
		}
		if int(n) >= len(a.mod.Constants) {
			return bytecode.Instr{}, fmt.Errorf("constant %d out of range (%d constants)", n, len(a.mod.Constants))
		}
		return bytecode.Make(op, n), nil

	case bytecode.OperandStructDef, bytecode.OperandStructInst:
		def, args, err := parseStructOperand(rest, scope)
		if err != nil {
			return bytecode.Instr{}, err
		}
		if op.Operand() == bytecode.OperandStructDef {
			if len(def.TypeParams) > 0 {
				return bytecode.Instr{}, fmt.Errorf("%s is generic, use %sGeneric", def.Name, op)
			}
			idx, err := a.internDef(def)
			return bytecode.Make(op, uint16(idx)), err
		}
		if len(def.TypeParams) == 0 {
			return bytecode.Instr{}, fmt.Errorf("%s is not generic", def.Name)
		}
		idx, err := a.internInst(def, args)
		return bytecode.Make(op, uint16(idx)), err

	case bytecode.OperandFieldHandle, bytecode.OperandFieldInst:
		dot := strings.LastIndex(rest, ".")
		if dot < 0 {
			return bytecode.Instr{}, fmt.Errorf("field operand %q must look like Struct.field", rest)
		}
		def, args, err := parseStructOperand(rest[:dot], scope)
		if err != nil {
			return bytecode.Instr{}, err
		}
		fieldName := strings.TrimSpace(rest[dot+1:])
		field, ok := def.fieldIndex(fieldName)
		if !ok {
			return bytecode.Instr{}, fmt.Errorf("%s has no field %q", def.Name, fieldName)
		}
		if op.Operand() == bytecode.OperandFieldHandle {
			if len(def.TypeParams) > 0 {
				return bytecode.Instr{}, fmt.Errorf("%s is generic, use %sGeneric", def.Name, op)
			}
			idx, err := a.internField(def, field)
			return bytecode.Make(op, uint16(idx)), err
		}
		if len(def.TypeParams) == 0 {
			return bytecode.Instr{}, fmt.Errorf("%s is not generic", def.Name)
		}
		idx, err := a.internFieldInst(def, args, field)
		return bytecode.Make(op, uint16(idx)), err

	case bytecode.OperandSignature:
		ty, err := parseTypeString(rest, scope)
		if err != nil {
			return bytecode.Instr{}, err
		}
		idx, err := a.internSig(ty)
		return bytecode.Make(op, uint16(idx)), err

	case bytecode.OperandSignatureCount:
		cut := strings.LastIndexByte(rest, ' ')
		if cut < 0 {
			return bytecode.Instr{}, fmt.Errorf("%s needs an element type and a count", op)
		}
		count, err := strconv.ParseUint(strings.TrimSpace(rest[cut+1:]), 10, 64)
		if err != nil {
			return bytecode.Instr{}, fmt.Errorf("count: %w", err)
		}
		ty, err := parseTypeString(rest[:cut], scope)
		if err != nil {
			return bytecode.Instr{}, err
		}
		idx, err := a.internSig(ty)
		return bytecode.MakeVec(op, idx, count), err

	case bytecode.OperandFuncHandle, bytecode.OperandFuncInst:
		p, err := newTypeParser(rest, scope)
		if err != nil {
			return bytecode.Instr{}, err
		}
		callee, err := p.parsePath()
		if err != nil {
			return bytecode.Instr{}, err
		}
		args, err := p.parseTypeArgs()
		if err != nil {
			return bytecode.Instr{}, err
		}
		if err := p.done(); err != nil {
			return bytecode.Instr{}, err
		}
		if op.Operand() == bytecode.OperandFuncHandle {
			if len(args) > 0 {
				return bytecode.Instr{}, fmt.Errorf("type arguments need %sGeneric", op)
			}
			idx, err := a.internFunc(callee)
			return bytecode.Make(op, uint16(idx)), err
		}
		if len(args) == 0 {
			return bytecode.Instr{}, fmt.Errorf("%s needs type arguments", op)
		}
		idx, err := a.internFuncInst(callee, args)
		return bytecode.Make(op, uint16(idx)), err
	}
	return bytecode.Instr{}, fmt.Errorf("%s: unsupported operand kind", op)
}

func parseStructOperand(src string, scope *typeScope) (*StructDef, []types.Type, error) {
	p, err := newTypeParser(src, scope)
	if err != nil {
		return nil, nil, err
	}
	def, args, err := p.parseStructRef()
	if err != nil {
		return nil, nil, err
	}
	return def, args, p.done()
}

func parseIndex[T uint8 | uint16](s string) (T, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("index %q: %w", s, err)
	}
	v, err := safecast.Conv[T](n)
	if err != nil {
		return 0, fmt.Errorf("index %q: %w", s, err)
	}
	return v, nil
}

var literalBits = map[bytecode.Opcode]int{
	bytecode.OpLdU8:   8,
	bytecode.OpLdU16:  16,
	bytecode.OpLdU32:  32,
	bytecode.OpLdU64:  64,
	bytecode.OpLdU128: 128,
	bytecode.OpLdU256: 256,
}

func checkLiteral(op bytecode.Opcode, lit string) error {
	bits, ok := literalBits[op]
	if !ok {
		return fmt.Errorf("%s is not a literal load", op)
	}
	return checkUint(lit, bits)
}

func checkUint(lit string, bits int) error {
	v, ok := new(big.Int).SetString(strings.ReplaceAll(lit, "_", ""), 0)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid unsigned literal %q", lit)
	}
	if v.BitLen() > bits {
		return fmt.Errorf("literal %s overflows u%d", lit, bits)
	}
	return nil
}

// checkConstant validates scalar constant values against their type.
func checkConstant(c Constant) error {
	switch c.Type.Kind {
	case types.KindU8:
		return checkUint(c.Value, 8)
	case types.KindU16:
		return checkUint(c.Value, 16)
	case types.KindU32:
		return checkUint(c.Value, 32)
	case types.KindU64:
		return checkUint(c.Value, 64)
	case types.KindU128:
		return checkUint(c.Value, 128)
	case types.KindU256:
		return checkUint(c.Value, 256)
	case types.KindBool:
		if _, err := strconv.ParseBool(c.Value); err != nil {
			return fmt.Errorf("invalid bool %q", c.Value)
		}
	case types.KindAddress:
		_, err := types.ParseAddress(c.Value)
		return err
	case types.KindSigner, types.KindReference, types.KindMutableReference, types.KindStruct, types.KindTyParam:
		return fmt.Errorf("constants cannot have type %s", c.Type)
	}
	return nil
}
