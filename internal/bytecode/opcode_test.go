package bytecode

import (
	"errors"
	"testing"
)

type fixedCounts struct{ def, inst uint16 }

func (f fixedCounts) FieldCount(StructDefIndex) (uint16, error)               { return f.def, nil }
func (f fixedCounts) FieldInstantiationCount(StructInstIndex) (uint16, error) { return f.inst, nil }

func TestOpcodeTableIsComplete(t *testing.T) {
	seen := make(map[string]Opcode)
	for op := range NumOpcodes {
		name := opcodes[op].name
		if name == "" {
			t.Fatalf("opcode %d has no table entry", op)
		}
		if prev, dup := seen[name]; dup {
			t.Fatalf("opcode name %q used by %d and %d", name, prev, op)
		}
		seen[name] = op
		parsed, err := ParseOpcode(name)
		if err != nil || parsed != op {
			t.Fatalf("ParseOpcode(%q) = %v, %v", name, parsed, err)
		}
	}
}

func TestStackEffectCoversAllOpcodes(t *testing.T) {
	fc := fixedCounts{def: 3, inst: 2}
	for op := range NumOpcodes {
		_, _, err := StackEffect(Instr{Op: op, Count: 4}, fc)
		if op == OpCall || op == OpCallGeneric {
			if !errors.Is(err, ErrCallArity) {
				t.Fatalf("%s: expected ErrCallArity, got %v", op, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", op, err)
		}
	}
}

func TestStackEffectCounts(t *testing.T) {
	fc := fixedCounts{def: 3, inst: 2}
	tests := []struct {
		instr     Instr
		pop, push int
	}{
		{Make(OpPack, 0), 3, 1},
		{Make(OpUnpack, 0), 1, 3},
		{Make(OpPackGeneric, 0), 2, 1},
		{MakeVec(OpVecPack, 0, 5), 5, 1},
		{MakeVec(OpVecUnpack, 0, 5), 1, 5},
		{Make(OpVecSwap, 0), 3, 0},
		{Make(OpAdd, 0), 2, 1},
		{Make(OpStLoc, 1), 1, 0},
	}
	for _, tt := range tests {
		pop, push, err := StackEffect(tt.instr, fc)
		if err != nil {
			t.Fatalf("%s: %v", tt.instr, err)
		}
		if pop != tt.pop || push != tt.push {
			t.Fatalf("%s: expected %d/%d, got %d/%d", tt.instr, tt.pop, tt.push, pop, push)
		}
	}
}

func TestControlFlowClassification(t *testing.T) {
	for _, op := range []Opcode{OpBranch, OpBrTrue, OpBrFalse, OpRet, OpCall, OpCallGeneric, OpAbort} {
		if !op.IsControlFlow() {
			t.Fatalf("%s must be control flow", op)
		}
	}
	if OpPop.IsControlFlow() || OpStLoc.IsControlFlow() {
		t.Fatalf("straight-line opcodes misclassified")
	}
}

func TestInstrString(t *testing.T) {
	if got := MakeVec(OpVecPack, 2, 3).String(); got != "VecPack sig#2 3" {
		t.Fatalf("unexpected rendering %q", got)
	}
	if got := MakeLoad(OpLdU64, "42").String(); got != "LdU64 42" {
		t.Fatalf("unexpected rendering %q", got)
	}
}

func TestLocalRejectsWideIndex(t *testing.T) {
	if idx, err := Make(OpCopyLoc, 255).Local(); err != nil || idx != 255 {
		t.Fatalf("Local() = %d, %v", idx, err)
	}
	if idx, err := Make(OpCopyLoc, 256).Local(); err == nil {
		t.Fatalf("slot 256 read as %d", idx)
	}
}
