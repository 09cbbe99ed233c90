package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"movecheck/internal/bytecode"
	"movecheck/internal/loader"
	"movecheck/internal/paranoid"
	"movecheck/internal/types"
)

// DefaultMaxSteps bounds a replay when neither the scenario nor the caller
// sets a limit.
const DefaultMaxSteps = 100_000

// MaxCallDepth mirrors the interpreter's call stack limit.
const MaxCallDepth = 1024

// MaxOperandStack mirrors the interpreter's operand stack limit. It bounds
// each frame's depth, and so the shadow type stack the checker grows with it.
const MaxOperandStack = 1024

// Outcome classifies how a replay ended.
type Outcome uint8

const (
	// OutcomeReturned means the entry function returned.
	OutcomeReturned Outcome = iota
	// OutcomeAborted means an Abort instruction executed.
	OutcomeAborted
	// OutcomeCheckFailed means the paranoid checker rejected the execution.
	OutcomeCheckFailed
	// OutcomeFault means the modeled interpreter itself could not proceed:
	// unresolvable callee, value stack underflow, invalid local access.
	OutcomeFault
	// OutcomeStepLimit means max_steps instructions ran without finishing.
	OutcomeStepLimit
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReturned:
		return "ok"
	case OutcomeAborted:
		return "abort"
	case OutcomeCheckFailed:
		return "check-failed"
	case OutcomeFault:
		return "fault"
	case OutcomeStepLimit:
		return "limit"
	default:
		return fmt.Sprintf("Outcome(%d)", o)
	}
}

// Fault is an error of the modeled interpreter rather than of the checker.
type Fault struct {
	Function string
	Offset   int
	Message  string
}

func (f *Fault) Error() string {
	if f.Function == "" {
		return "interpreter fault: " + f.Message
	}
	return fmt.Sprintf("interpreter fault at %s@%d: %s", f.Function, f.Offset, f.Message)
}

var errStepLimit = errors.New("step limit reached")

// Result reports one replay.
type Result struct {
	Outcome  Outcome
	Err      error // *paranoid.CheckError, *Fault or the step-limit error
	Steps    int
	Calls    int
	Duration time.Duration
}

// Matches reports whether r satisfies want.
func (r Result) Matches(want Expectation) bool {
	if r.Outcome != want.Outcome {
		return false
	}
	if want.Outcome != OutcomeCheckFailed {
		return true
	}
	ce, ok := paranoid.AsCheckError(r.Err)
	return ok && ce.Code == want.Code
}

// depth models the real operand stack: only its height is tracked.
type depth struct{ n int }

func (d *depth) Len() int { return d.n }

// slots records which locals hold a value.
type slots []bool

func (s slots) IsInvalid(idx int) (bool, error) {
	if idx < 0 || idx >= len(s) {
		return false, fmt.Errorf("local %d out of range (%d locals)", idx, len(s))
	}
	return !s[idx], nil
}

type frame struct {
	fn       *loader.Function
	tyArgs   []types.Type
	res      paranoid.Resolver
	pc       int
	stack    *paranoid.TypeStack
	values   depth
	locals   slots
	localTys []types.Type
}

func (f *frame) view() *paranoid.Frame {
	return &paranoid.Frame{
		Function:   f.fn,
		Offset:     f.pc,
		Stack:      f.stack,
		Values:     &f.values,
		LocalTypes: f.localTys,
		Locals:     f.locals,
		TyArgs:     f.tyArgs,
		Resolver:   f.res,
	}
}

// Machine replays one entry function against a registry.
type Machine struct {
	reg      *loader.Registry
	checker  *paranoid.Checker
	link     types.AccountAddress
	branches []bool
	maxSteps int

	frames []*frame
	steps  int
	calls  int
}

// NewMachine prepares a replay. branches supplies the conditions of the
// BrTrue/BrFalse instructions executed, in order; once exhausted every
// condition is false.
func NewMachine(reg *loader.Registry, checker *paranoid.Checker, link types.AccountAddress, branches []bool, maxSteps int) *Machine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Machine{reg: reg, checker: checker, link: link, branches: branches, maxSteps: maxSteps}
}

// Run executes entry with tyArgs until it returns, aborts or fails.
func (m *Machine) Run(ctx context.Context, entry *loader.Function, tyArgs []types.Type) Result {
	start := time.Now()
	err := m.run(ctx, entry, tyArgs)
	res := Result{Steps: m.steps, Calls: m.calls, Duration: time.Since(start), Err: err}

	var fault *Fault
	switch {
	case err == nil:
		res.Outcome = OutcomeReturned
	case errors.Is(err, errAborted):
		res.Outcome, res.Err = OutcomeAborted, nil
	case errors.Is(err, errStepLimit):
		res.Outcome = OutcomeStepLimit
	case errors.As(err, &fault):
		res.Outcome = OutcomeFault
	default:
		if _, ok := paranoid.AsCheckError(err); ok {
			res.Outcome = OutcomeCheckFailed
		} else {
			res.Outcome = OutcomeFault
		}
	}
	return res
}

var errAborted = errors.New("aborted")

func (m *Machine) run(ctx context.Context, entry *loader.Function, tyArgs []types.Type) error {
	if len(tyArgs) != entry.TypeParamCount() {
		return &Fault{Function: entry.QualifiedName(), Offset: -1,
			Message: fmt.Sprintf("entry takes %d type arguments, got %d", entry.TypeParamCount(), len(tyArgs))}
	}
	// Native entry points are fully handled by the entry hook.
	if err := m.checker.PreHookEntrypoint(paranoid.NewTypeStack(), entry, tyArgs, m.link); err != nil || entry.IsNative() {
		return err
	}

	res, err := m.reg.Resolver(entry, m.link)
	if err != nil {
		return &Fault{Function: entry.QualifiedName(), Offset: -1, Message: err.Error()}
	}
	localTys, err := types.SubstAll(entry.LocalTypes(), tyArgs)
	if err != nil {
		return &Fault{Function: entry.QualifiedName(), Offset: -1, Message: err.Error()}
	}
	m.push(entry, tyArgs, res, localTys)

	for {
		if m.steps >= m.maxSteps {
			return errStepLimit
		}
		if m.steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		m.steps++
		done, err := m.step()
		if err != nil || done {
			return err
		}
	}
}

func (m *Machine) push(fn *loader.Function, tyArgs []types.Type, res paranoid.Resolver, localTys []types.Type) {
	locals := make(slots, len(localTys))
	for i := 0; i < fn.ArgCount() && i < len(locals); i++ {
		locals[i] = true
	}
	m.frames = append(m.frames, &frame{
		fn:       fn,
		tyArgs:   tyArgs,
		res:      res,
		stack:    paranoid.NewTypeStack(),
		locals:   locals,
		localTys: localTys,
	})
}

func (m *Machine) top() *frame { return m.frames[len(m.frames)-1] }

func (f *frame) fault(format string, args ...any) *Fault {
	return &Fault{Function: f.fn.QualifiedName(), Offset: f.pc, Message: fmt.Sprintf(format, args...)}
}

// step executes one instruction of the top frame. done is true once the
// entry frame returned.
func (m *Machine) step() (done bool, err error) {
	f := m.top()
	code := f.fn.Code()
	if f.pc < 0 || f.pc >= len(code) {
		return false, f.fault("pc %d outside code of length %d", f.pc, len(code))
	}
	instr := code[f.pc]

	if err := m.checker.PreHookInstr(f.view(), instr); err != nil {
		return false, err
	}
	ret, err := m.execute(f, instr)
	if err != nil {
		return false, err
	}
	switch ret {
	case paranoid.InstrOk:
		if err := m.checker.PostHookInstr(f.view(), instr, ret); err != nil {
			return false, err
		}
		f.pc++
	case paranoid.InstrReturn:
		return m.ret(f)
	case paranoid.InstrAbort:
		return false, errAborted
	}
	return false, nil
}

// execute applies the real effect of instr on the depth and locals model
// and reports how control continues. Branch targets are applied here; call
// frames are pushed here.
func (m *Machine) execute(f *frame, instr bytecode.Instr) (paranoid.InstrRet, error) {
	switch instr.Op {
	case bytecode.OpBranch:
		f.pc = int(instr.Offset())
		return paranoid.InstrBranch, nil
	case bytecode.OpBrTrue, bytecode.OpBrFalse:
		if err := m.adjust(f, 1, 0); err != nil {
			return 0, err
		}
		cond := m.nextBranch()
		if cond == (instr.Op == bytecode.OpBrTrue) {
			f.pc = int(instr.Offset())
			return paranoid.InstrBranch, nil
		}
		return paranoid.InstrOk, nil
	case bytecode.OpRet:
		return paranoid.InstrReturn, nil
	case bytecode.OpAbort:
		if err := m.adjust(f, 1, 0); err != nil {
			return 0, err
		}
		return paranoid.InstrAbort, nil
	case bytecode.OpCall, bytecode.OpCallGeneric:
		return paranoid.InstrCall, m.call(f, instr)
	}

	switch instr.Op {
	case bytecode.OpMoveLoc, bytecode.OpCopyLoc, bytecode.OpMutBorrowLoc, bytecode.OpImmBorrowLoc, bytecode.OpStLoc:
		slot, err := instr.Local()
		if err != nil {
			return 0, f.fault("%v", err)
		}
		if err := f.touchLocal(instr.Op, int(slot)); err != nil {
			return 0, err
		}
	}

	pop, push, err := bytecode.StackEffect(instr, f.res)
	if err != nil {
		return 0, f.fault("%v", err)
	}
	return paranoid.InstrOk, m.adjust(f, pop, push)
}

// touchLocal applies a local-slot instruction to the validity model.
func (f *frame) touchLocal(op bytecode.Opcode, idx int) error {
	switch op {
	case bytecode.OpMoveLoc, bytecode.OpCopyLoc, bytecode.OpMutBorrowLoc, bytecode.OpImmBorrowLoc:
		if idx >= len(f.locals) || !f.locals[idx] {
			return f.fault("%s of invalid local %d", op, idx)
		}
		if op == bytecode.OpMoveLoc {
			f.locals[idx] = false
		}
	case bytecode.OpStLoc:
		if idx >= len(f.locals) {
			return f.fault("store to missing local %d", idx)
		}
		f.locals[idx] = true
	}
	return nil
}

func (m *Machine) adjust(f *frame, pop, push int) error {
	if f.values.n < pop {
		return f.fault("operand stack underflow: need %d values, have %d", pop, f.values.n)
	}
	if n := f.values.n - pop + push; n > MaxOperandStack {
		return f.fault("operand stack overflow: %d values exceed the limit of %d", n, MaxOperandStack)
	}
	f.values.n += push - pop
	return nil
}

func (m *Machine) nextBranch() bool {
	if len(m.branches) == 0 {
		return false
	}
	cond := m.branches[0]
	m.branches = m.branches[1:]
	return cond
}

func (m *Machine) call(f *frame, instr bytecode.Instr) error {
	callee, tyArgs, err := m.reg.ResolveCall(f.fn, instr, f.tyArgs)
	if err != nil {
		return f.fault("%v", err)
	}
	m.calls++
	localTys, err := m.checker.PreHookFn(f.stack, f.fn, callee, tyArgs, m.link)
	if err != nil {
		return err
	}
	if callee.IsNative() {
		if err := m.adjust(f, callee.ArgCount(), len(callee.ReturnTypes())); err != nil {
			return err
		}
		m.checker.PostHookFn(callee)
		f.pc++
		return nil
	}

	if len(m.frames) >= MaxCallDepth {
		return f.fault("call stack overflow (%d frames)", len(m.frames))
	}
	if err := m.adjust(f, callee.ArgCount(), 0); err != nil {
		return err
	}
	res, err := m.reg.Resolver(callee, m.link)
	if err != nil {
		return f.fault("%v", err)
	}
	m.push(callee, tyArgs, res, localTys)
	return nil
}

// ret pops the returning frame and hands its values to the caller. The
// entry frame's returns are checked against a scratch stack.
func (m *Machine) ret(f *frame) (bool, error) {
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == 0 {
		return true, m.checker.ReturnToCaller(f.stack, paranoid.NewTypeStack(), f.fn, f.tyArgs, m.link)
	}
	caller := m.top()
	if err := m.checker.ReturnToCaller(f.stack, caller.stack, f.fn, f.tyArgs, m.link); err != nil {
		return false, err
	}
	n := len(f.fn.ReturnTypes())
	if f.values.n < n {
		return false, f.fault("returning %d values from a stack of %d", n, f.values.n)
	}
	if err := m.adjust(caller, 0, n); err != nil {
		return false, err
	}
	m.checker.PostHookFn(f.fn)
	caller.pc++
	return false, nil
}
