package loader

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"movecheck/internal/bytecode"
	"movecheck/internal/types"
)

// localNamer prints structs of one module by their short name.
type localNamer struct {
	reg *Registry
	mod *Module
}

func (n localNamer) StructName(id types.StructID) string {
	def, err := n.reg.structByID(id)
	if err != nil {
		return fmt.Sprintf("struct#%d", id)
	}
	if def.Module == n.mod.ID {
		return def.Name
	}
	return def.QualifiedName()
}

// Disasm writes a listing of m: its structs, constants and functions with
// every operand resolved through the module's handle tables.
func (r *Registry) Disasm(w io.Writer, m *Module) error {
	bw := bufio.NewWriter(w)
	n := localNamer{reg: r, mod: m}
	format := func(t types.Type) string { return types.Format(t, n) }

	fmt.Fprintf(bw, "module %s\n", m.ID)
	for _, s := range m.Structs {
		fmt.Fprintf(bw, "\nstruct %s%s has %s {\n", s.Name, structParams(s), s.Abilities)
		for _, f := range s.Fields {
			fmt.Fprintf(bw, "    %s: %s\n", f.Name, formatWithParams(f.Type, n, paramNames(s)))
		}
		bw.WriteString("}\n")
	}
	if len(m.Constants) > 0 {
		bw.WriteString("\nconstants:\n")
		for i, c := range m.Constants {
			fmt.Fprintf(bw, "    [%d] %s = %s\n", i, format(c.Type), c.Value)
		}
	}
	for _, fn := range m.Functions {
		bw.WriteString("\n")
		bw.WriteString(signature(fn, n))
		if fn.native {
			bw.WriteString(";\n")
			continue
		}
		bw.WriteString(" {\n")
		for i := len(fn.params); i < len(fn.locals); i++ {
			fmt.Fprintf(bw, "    local %d: %s\n", i, formatWithParams(fn.locals[i], n, fn.typeParams))
		}
		for pc, instr := range fn.code {
			fmt.Fprintf(bw, "    %3d: %s\n", pc, r.formatInstr(m, fn, instr, n))
		}
		bw.WriteString("}\n")
	}
	return bw.Flush()
}

func structParams(s *StructDef) string {
	if len(s.TypeParams) == 0 {
		return ""
	}
	parts := make([]string, len(s.TypeParams))
	for i, tp := range s.TypeParams {
		if tp.Phantom {
			parts[i] = "phantom " + tp.Name
		} else {
			parts[i] = tp.Name
		}
	}
	return "<" + strings.Join(parts, ", ") + ">"
}

func paramNames(s *StructDef) []string {
	out := make([]string, len(s.TypeParams))
	for i, tp := range s.TypeParams {
		out[i] = tp.Name
	}
	return out
}

// formatWithParams prints type parameters by their declared names.
func formatWithParams(t types.Type, n types.StructNamer, params []string) string {
	out := types.Format(t, n)
	for i := len(params) - 1; i >= 0; i-- {
		out = strings.ReplaceAll(out, fmt.Sprintf("T%d", i), params[i])
	}
	return out
}

func signature(fn *Function, n types.StructNamer) string {
	var sb strings.Builder
	if fn.visibility != VisibilityPrivate {
		sb.WriteString(fn.visibility.String())
		sb.WriteString(" ")
	}
	if fn.entry {
		sb.WriteString("entry ")
	}
	if fn.native {
		sb.WriteString("native ")
	}
	sb.WriteString("fun ")
	sb.WriteString(fn.name)
	if len(fn.typeParams) > 0 {
		sb.WriteString("<" + strings.Join(fn.typeParams, ", ") + ">")
	}
	list := func(tys []types.Type) string {
		parts := make([]string, len(tys))
		for i, t := range tys {
			parts[i] = formatWithParams(t, n, fn.typeParams)
		}
		return strings.Join(parts, ", ")
	}
	sb.WriteString("(" + list(fn.params) + ")")
	switch len(fn.returns) {
	case 0:
	case 1:
		sb.WriteString(": " + list(fn.returns))
	default:
		sb.WriteString(": (" + list(fn.returns) + ")")
	}
	return sb.String()
}

func (r *Registry) formatInstr(m *Module, fn *Function, instr bytecode.Instr, n types.StructNamer) string {
	ty := func(t types.Type) string { return formatWithParams(t, n, fn.typeParams) }
	args := func(tys []types.Type) string {
		parts := make([]string, len(tys))
		for i, t := range tys {
			parts[i] = ty(t)
		}
		return "<" + strings.Join(parts, ", ") + ">"
	}

	op := instr.Op
	switch op.Operand() {
	case bytecode.OperandStructDef:
		if def, err := m.structDef(instr.StructDef()); err == nil {
			return fmt.Sprintf("%s %s", op, n.StructName(def.ID))
		}
	case bytecode.OperandStructInst:
		if si, def, err := m.structInst(instr.StructInst()); err == nil {
			return fmt.Sprintf("%s %s%s", op, n.StructName(def.ID), args(si.args))
		}
	case bytecode.OperandFieldHandle:
		if fh, def, err := m.fieldHandle(instr.FieldHandle()); err == nil {
			return fmt.Sprintf("%s %s.%s", op, n.StructName(def.ID), def.Fields[fh.field].Name)
		}
	case bytecode.OperandFieldInst:
		if fi, err := m.fieldInst(instr.FieldInst()); err == nil {
			if si, def, err := m.structInst(fi.owner); err == nil {
				return fmt.Sprintf("%s %s%s.%s", op, n.StructName(def.ID), args(si.args), def.Fields[fi.field].Name)
			}
		}
	case bytecode.OperandSignature:
		if sig, err := m.signature(instr.Signature()); err == nil {
			return fmt.Sprintf("%s %s", op, ty(sig))
		}
	case bytecode.OperandSignatureCount:
		if sig, err := m.signature(instr.Signature()); err == nil {
			return fmt.Sprintf("%s %s %d", op, ty(sig), instr.Count)
		}
	case bytecode.OperandFuncHandle:
		if p, err := m.CalleePath(instr.FuncHandle()); err == nil {
			return fmt.Sprintf("%s %s", op, p)
		}
	case bytecode.OperandFuncInst:
		if fi, err := m.funcInst(instr.FuncInst()); err == nil {
			return fmt.Sprintf("%s %s%s", op, m.funcHandles[fi.handle], args(fi.args))
		}
	case bytecode.OperandConst:
		if int(instr.Const()) < len(m.Constants) {
			c := m.Constants[instr.Const()]
			return fmt.Sprintf("%s %d (%s = %s)", op, instr.Index, ty(c.Type), c.Value)
		}
	case bytecode.OperandLocal:
		return fmt.Sprintf("%s %d", op, instr.Index)
	case bytecode.OperandOffset:
		return fmt.Sprintf("%s %d", op, instr.Index)
	}
	return instr.String()
}
