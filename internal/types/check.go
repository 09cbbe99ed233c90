package types

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
)

// MismatchError reports a failed structural or reference-compatibility check.
type MismatchError struct {
	Expected string
	Got      Type
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Got)
}

func mismatch(expected string, got Type) error {
	return &MismatchError{Expected: expected, Got: got}
}

// ErrTyParamOutOfRange is returned by Subst when a type parameter index has
// no corresponding type argument.
var ErrTyParamOutOfRange = errors.New("type parameter index out of range")

// CheckEq fails unless t is structurally equal to expected.
func (t Type) CheckEq(expected Type) error {
	if !t.Equal(expected) {
		return mismatch(expected.String(), t)
	}
	return nil
}

// CheckRefEq fails unless t is a reference (of either mutability) to expected.
func (t Type) CheckRefEq(expected Type) error {
	if !t.IsReference() || t.Elem == nil {
		return mismatch("&"+expected.String(), t)
	}
	if !t.Elem.Equal(expected) {
		return mismatch("&"+expected.String(), t)
	}
	return nil
}

// CheckVecRef validates t as &mut vector<elem>, or &vector<elem> when isMut
// is false, and returns the element type.
func (t Type) CheckVecRef(elem Type, isMut bool) (Type, error) {
	want := "&mut vector<" + elem.String() + ">"
	if !isMut {
		want = "&vector<" + elem.String() + ">"
	}
	switch t.Kind {
	case KindMutableReference:
	case KindReference:
		if isMut {
			return Type{}, mismatch(want, t)
		}
	default:
		return Type{}, mismatch(want, t)
	}
	vec := t.Inner()
	if vec.Kind != KindVector || vec.Elem == nil {
		return Type{}, mismatch(want, t)
	}
	if !vec.Elem.Equal(elem) {
		return Type{}, mismatch(want, t)
	}
	return *vec.Elem, nil
}

// Subst replaces type parameters with the matching entries of tyArgs.
func (t Type) Subst(tyArgs []Type) (Type, error) {
	switch t.Kind {
	case KindTyParam:
		n, err := safecast.Conv[uint16](len(tyArgs))
		if err != nil {
			return Type{}, fmt.Errorf("len(tyArgs) overflow: %w", err)
		}
		if t.Param >= n {
			return Type{}, fmt.Errorf("%w: T%d with %d type arguments", ErrTyParamOutOfRange, t.Param, n)
		}
		return tyArgs[t.Param], nil
	case KindVector, KindReference, KindMutableReference:
		if t.Elem == nil {
			return t, nil
		}
		inner, err := t.Elem.Subst(tyArgs)
		if err != nil {
			return Type{}, err
		}
		return Type{Kind: t.Kind, Elem: &inner}, nil
	case KindStruct:
		if len(t.Args) == 0 {
			return t, nil
		}
		args := make([]Type, len(t.Args))
		for i, a := range t.Args {
			s, err := a.Subst(tyArgs)
			if err != nil {
				return Type{}, err
			}
			args[i] = s
		}
		return Type{Kind: KindStruct, Struct: t.Struct, Args: args}, nil
	default:
		return t, nil
	}
}

// SubstAll substitutes every element of tys; an empty tyArgs returns tys as-is.
func SubstAll(tys []Type, tyArgs []Type) ([]Type, error) {
	if len(tyArgs) == 0 {
		return tys, nil
	}
	out := make([]Type, len(tys))
	for i, ty := range tys {
		s, err := ty.Subst(tyArgs)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
