package paranoid

import (
	"errors"
	"time"

	"movecheck/internal/bytecode"
	"movecheck/internal/incident"
	"movecheck/internal/trace"
	"movecheck/internal/types"
)

// Checker exposes the hooks an interpreter calls at function entry, at each
// call boundary and around each instruction. A Checker holds no per-execution
// state; the type stacks it operates on belong to the caller.
type Checker struct {
	loader Loader
	tracer trace.Tracer
	parent uint64
	sink   incident.Sink
}

// Option configures a Checker.
type Option func(*Checker)

// WithTracer routes checker events to t under the span parent.
func WithTracer(t trace.Tracer, parent uint64) Option {
	return func(c *Checker) {
		if t != nil {
			c.tracer = t
		}
		c.parent = parent
	}
}

// WithIncidentSink reports every failure to s.
func WithIncidentSink(s incident.Sink) Option {
	return func(c *Checker) { c.sink = s }
}

// New creates a Checker that derives resolvers from loader.
func New(loader Loader, opts ...Option) *Checker {
	c := &Checker{loader: loader, tracer: trace.Nop}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QualifiedName renders fn as 0xa::M::f, or the bare name when fn has no
// module identity.
func QualifiedName(fn Function) string {
	if fn == nil {
		return ""
	}
	if id, ok := fn.ModuleID(); ok {
		return id.String() + "::" + fn.Name()
	}
	return fn.Name()
}

func (c *Checker) resolver(fn Function, link LinkContext) (Resolver, error) {
	if c.loader == nil {
		return nil, newError(CodeResolutionFailure, "no loader configured")
	}
	if link == nil {
		return nil, newError(CodeResolutionFailure, "no link context for %s", QualifiedName(fn))
	}
	res, err := c.loader.Resolver(fn, link.LinkContext())
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// PreHookEntrypoint checks the entry function of a transaction. Only native
// entry points are modeled: their parameters are pushed and validated and
// their returns pushed. Bytecode entry points get their locals from the
// interpreter and need nothing here.
func (c *Checker) PreHookEntrypoint(stack *TypeStack, fn Function, tyArgs []types.Type, link LinkContext) error {
	if !fn.IsNative() {
		return nil
	}
	span := trace.Begin(c.tracer, trace.ScopeCall, "entry "+QualifiedName(fn), c.parent)
	loc := Location{Function: QualifiedName(fn), Offset: -1}

	res, err := c.resolver(fn, link)
	if err == nil {
		err = pushParameterTypes(stack, fn, tyArgs, res)
	}
	if err == nil {
		err = checkParameterTypes(stack, fn, tyArgs, res)
	}
	if err == nil {
		err = pushReturnTypes(stack, fn, tyArgs)
	}
	if err != nil {
		err = c.fail(incident.PhaseEntry, err, loc, stack, tyArgs, res)
		span.End(codeDetail(err))
		return err
	}
	span.End("ok")
	return nil
}

// PreHookFn checks a call from caller into callee before the callee runs.
// For a native callee the arguments are validated and the return types
// pushed, since no frame is created for it. For a bytecode callee the
// arguments are validated against its leading locals and the full,
// substituted local type vector is returned for the new frame; nothing is
// pushed.
func (c *Checker) PreHookFn(stack *TypeStack, caller, callee Function, tyArgs []types.Type, link LinkContext) ([]types.Type, error) {
	span := trace.Begin(c.tracer, trace.ScopeCall, "call "+QualifiedName(callee), c.parent)
	loc := Location{Function: QualifiedName(callee), Offset: -1}

	var res Resolver
	locals, err := func() ([]types.Type, error) {
		if err := checkFriendOrPrivateCall(caller, callee); err != nil {
			return nil, err
		}
		var err error
		if res, err = c.resolver(callee, link); err != nil {
			return nil, err
		}
		if callee.IsNative() {
			if err := checkParameterTypes(stack, callee, tyArgs, res); err != nil {
				return nil, err
			}
			return nil, pushReturnTypes(stack, callee, tyArgs)
		}
		if err := checkLocalTypes(stack, callee, tyArgs, res); err != nil {
			return nil, err
		}
		return localTypes(callee, tyArgs, res)
	}()
	if err != nil {
		err = c.fail(incident.PhaseCall, err, loc, stack, tyArgs, res)
		span.End(codeDetail(err))
		return nil, err
	}
	span.End("ok")
	return locals, nil
}

// PostHookFn runs after a call completes. Return values are validated by
// ReturnToCaller, so there is nothing left to check here; the hook stays so
// interpreters have a stable place to call.
func (c *Checker) PostHookFn(fn Function) {
	trace.Point(c.tracer, trace.ScopeCall, "returned "+QualifiedName(fn), "", c.parent)
}

// ReturnToCaller moves the return values of a bytecode function from its
// frame's stack onto the caller's stack. The callee stack must hold exactly
// the declared returns.
func (c *Checker) ReturnToCaller(callee, caller *TypeStack, fn Function, tyArgs []types.Type, link LinkContext) error {
	loc := Location{Function: QualifiedName(fn), Offset: -1}
	res, err := c.resolver(fn, link)
	if err == nil {
		err = transferReturns(callee, caller, fn, tyArgs, res)
	}
	if err != nil {
		return c.fail(incident.PhaseReturn, err, loc, callee, tyArgs, res)
	}
	return nil
}

// PreHookInstr runs before the interpreter executes instr.
func (c *Checker) PreHookInstr(fr *Frame, instr bytecode.Instr) error {
	if c.tracer.Enabled() {
		trace.Point(c.tracer, trace.ScopeInstr, "pre", instr.String(), c.parent)
	}
	err := fr.validate()
	if err == nil {
		err = fr.checkBalance()
	}
	if err == nil {
		err = preExecution(fr, instr)
	}
	if err != nil {
		return c.failInstr(incident.PhasePre, err, fr, instr)
	}
	return nil
}

// PostHookInstr runs after the interpreter executed instr. Only an
// instruction that completed locally is checked; control transfers are
// covered by the call hooks and by the next frame's pre hook.
func (c *Checker) PostHookInstr(fr *Frame, instr bytecode.Instr, ret InstrRet) error {
	if ret != InstrOk {
		return nil
	}
	if c.tracer.Enabled() {
		trace.Point(c.tracer, trace.ScopeInstr, "post", instr.String(), c.parent)
	}
	err := fr.validate()
	if err == nil {
		err = postExecution(fr, instr)
	}
	if err == nil {
		err = fr.checkBalance()
	}
	if err != nil {
		return c.failInstr(incident.PhasePost, err, fr, instr)
	}
	return nil
}

func (c *Checker) failInstr(phase incident.Phase, err error, fr *Frame, instr bytecode.Instr) error {
	loc := Location{Function: QualifiedName(fr.Function), Offset: fr.Offset, Instr: instr.String()}
	return c.fail(phase, err, loc, fr.Stack, fr.TyArgs, fr.Resolver)
}

// fail classifies err, pins its location and reports it.
func (c *Checker) fail(phase incident.Phase, err error, loc Location, stack *TypeStack, tyArgs []types.Type, res Resolver) error {
	err = withLocation(classify(err), loc)
	ce, _ := AsCheckError(err)

	if c.tracer.Enabled() {
		trace.Fail(c.tracer, trace.ScopeCall, string(phase), ce.Error(), c.parent, map[string]string{
			"code": ce.Code.String(),
		})
	}
	if c.sink != nil {
		namer, _ := res.(types.StructNamer)
		in := &incident.Incident{
			Time:     time.Now(),
			Phase:    phase,
			Code:     int(ce.Code),
			CodeName: ce.Code.Name(),
			Message:  ce.Message,
			Function: ce.Location.Function,
			Offset:   ce.Location.Offset,
			Instr:    ce.Location.Instr,
			TyArgs:   formatTypes(tyArgs, namer),
		}
		if stack != nil {
			in.Stack = formatTypes(stack.Snapshot(), namer)
		}
		c.sink.Report(in)
	}
	return err
}

func formatTypes(tys []types.Type, namer types.StructNamer) []string {
	if len(tys) == 0 {
		return nil
	}
	out := make([]string, len(tys))
	for i, ty := range tys {
		out[i] = types.Format(ty, namer)
	}
	return out
}

func codeDetail(err error) string {
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce.Code.String()
	}
	return "error"
}
