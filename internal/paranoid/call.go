package paranoid

import (
	"movecheck/internal/types"
)

func pushParameterTypes(st *TypeStack, fn Function, tyArgs []types.Type, res Resolver) error {
	for _, ty := range fn.ParameterTypes() {
		if len(tyArgs) > 0 {
			s, err := res.Subst(ty, tyArgs)
			if err != nil {
				return classify(err)
			}
			ty = s
		}
		st.Push(ty)
	}
	return nil
}

// checkParameterTypes pops the arguments and validates them against the
// declared parameters, last parameter first.
func checkParameterTypes(st *TypeStack, fn Function, tyArgs []types.Type, res Resolver) error {
	params := fn.ParameterTypes()
	n := fn.ArgCount()
	if n != len(params) {
		return newError(CodeArgCountMismatch, "%s declares %d parameters but takes %d arguments", fn.Name(), len(params), n)
	}
	for i := range n {
		expected, err := res.Subst(params[n-i-1], tyArgs)
		if err != nil {
			return classify(err)
		}
		if _, err := st.popEq(expected, res); err != nil {
			return err
		}
	}
	return nil
}

func pushReturnTypes(st *TypeStack, fn Function, tyArgs []types.Type) error {
	for _, ty := range fn.ReturnTypes() {
		s, err := ty.Subst(tyArgs)
		if err != nil {
			return classify(err)
		}
		st.Push(s)
	}
	return nil
}

// checkFriendOrPrivateCall enforces that a friend or private callee is only
// reached from the module address that declares it.
func checkFriendOrPrivateCall(caller, callee Function) error {
	if !callee.IsFriendOrPrivate() {
		return nil
	}
	var (
		callerID types.ModuleID
		callerOK bool
	)
	if caller != nil {
		callerID, callerOK = caller.ModuleID()
	}
	calleeID, calleeOK := callee.ModuleID()
	if !callerOK || !calleeOK {
		callerName := "<none>"
		if caller != nil {
			callerName = caller.Name()
		}
		return newError(CodeVisibilityViolation, "private/friend function invocation error, caller: %s, callee: %s", callerName, callee.Name())
	}
	if callerID.Address != calleeID.Address {
		return newError(CodeVisibilityViolation, "private/friend function invocation error, caller: %s::%s, callee: %s::%s",
			callerID, caller.Name(), calleeID, callee.Name())
	}
	return nil
}

// checkLocalTypes pops the callee's arguments and validates them against the
// first ArgCount declared local slots.
func checkLocalTypes(st *TypeStack, fn Function, tyArgs []types.Type, res Resolver) error {
	locals := fn.LocalTypes()
	n := fn.ArgCount()
	if n > len(locals) {
		return newError(CodeArgCountMismatch, "%s takes %d arguments but has %d locals", fn.Name(), n, len(locals))
	}
	generic := len(tyArgs) > 0
	for i := range n {
		expected := locals[n-i-1]
		if generic {
			s, err := res.Subst(expected, tyArgs)
			if err != nil {
				return classify(err)
			}
			expected = s
		}
		if _, err := st.popEq(expected, res); err != nil {
			return err
		}
	}
	return nil
}

func localTypes(fn Function, tyArgs []types.Type, res Resolver) ([]types.Type, error) {
	locals := fn.LocalTypes()
	if len(tyArgs) == 0 {
		out := make([]types.Type, len(locals))
		copy(out, locals)
		return out, nil
	}
	out := make([]types.Type, len(locals))
	for i, ty := range locals {
		s, err := res.Subst(ty, tyArgs)
		if err != nil {
			return nil, classify(err)
		}
		out[i] = s
	}
	return out, nil
}

// transferReturns moves the callee's return values onto the caller's stack.
func transferReturns(callee, caller *TypeStack, fn Function, tyArgs []types.Type, res Resolver) error {
	rets := fn.ReturnTypes()
	popped, err := callee.PopN(len(rets))
	if err != nil {
		return err
	}
	for i, ty := range popped {
		expected, err := rets[len(rets)-i-1].Subst(tyArgs)
		if err != nil {
			return classify(err)
		}
		if !ty.Equal(expected) {
			return typeMismatch(expected, ty, res)
		}
	}
	if callee.Len() != 0 {
		return newError(CodeStackImbalance, "%s returned with %d values left on its stack", fn.Name(), callee.Len())
	}
	for i := len(popped) - 1; i >= 0; i-- {
		caller.Push(popped[i])
	}
	return nil
}
