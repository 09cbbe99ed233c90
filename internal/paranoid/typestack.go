package paranoid

import (
	"movecheck/internal/types"
)

// TypeStack mirrors the operand stack of one frame, tracking only types.
// It is not safe for concurrent use and is never shared across frames.
type TypeStack struct {
	tys []types.Type
}

// NewTypeStack creates an empty stack.
func NewTypeStack() *TypeStack {
	return &TypeStack{tys: make([]types.Type, 0, 16)}
}

// Len returns the number of tracked types.
func (s *TypeStack) Len() int { return len(s.tys) }

// Push appends ty on top.
func (s *TypeStack) Push(ty types.Type) {
	s.tys = append(s.tys, ty)
}

// Pop removes the top type.
func (s *TypeStack) Pop() (types.Type, error) {
	n := len(s.tys)
	if n == 0 {
		return types.Type{}, newError(CodeStackImbalance, "pop from empty type stack")
	}
	ty := s.tys[n-1]
	s.tys[n-1] = types.Type{}
	s.tys = s.tys[:n-1]
	return ty, nil
}

// PopN removes count types, returned topmost first.
func (s *TypeStack) PopN(count int) ([]types.Type, error) {
	n := len(s.tys)
	if count < 0 || count > n {
		return nil, newError(CodeStackImbalance, "pop %d types from a stack of %d", count, n)
	}
	out := make([]types.Type, count)
	for i := range count {
		out[i] = s.tys[n-1-i]
		s.tys[n-1-i] = types.Type{}
	}
	s.tys = s.tys[:n-count]
	return out, nil
}

// CheckBalance fails unless the tracked depth equals expected, the depth of
// the real value stack.
func (s *TypeStack) CheckBalance(expected int) error {
	if len(s.tys) != expected {
		return newError(CodeStackImbalance, "type stack depth %d, value stack depth %d", len(s.tys), expected)
	}
	return nil
}

// Snapshot copies the stack bottom-to-top.
func (s *TypeStack) Snapshot() []types.Type {
	out := make([]types.Type, len(s.tys))
	copy(out, s.tys)
	return out
}

// popEq pops one type and checks it against expected.
func (s *TypeStack) popEq(expected types.Type, res any) (types.Type, error) {
	ty, err := s.Pop()
	if err != nil {
		return types.Type{}, err
	}
	if !ty.Equal(expected) {
		return types.Type{}, typeMismatch(expected, ty, res)
	}
	return ty, nil
}
