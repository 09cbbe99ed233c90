package types

import (
	"fmt"
	"strings"
)

// StructID identifies a loaded struct declaration inside a loader registry.
type StructID uint32

// Kind enumerates all supported kinds of runtime types.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindU8
	KindU16
	KindU32
	KindU64
	KindU128
	KindU256
	KindAddress
	KindSigner
	KindVector
	KindStruct
	KindReference
	KindMutableReference
	KindTyParam
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindBool:
		return "bool"
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindU128:
		return "u128"
	case KindU256:
		return "u256"
	case KindAddress:
		return "address"
	case KindSigner:
		return "signer"
	case KindVector:
		return "vector"
	case KindStruct:
		return "struct"
	case KindReference:
		return "reference"
	case KindMutableReference:
		return "mut_reference"
	case KindTyParam:
		return "ty_param"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// IsInteger reports whether the kind is one of the unsigned integer scalars.
func (k Kind) IsInteger() bool {
	return k >= KindU8 && k <= KindU256
}

// Type is an immutable descriptor of a runtime type. Recursive edges are
// held behind pointers and must never be mutated after construction; values
// can therefore be copied freely.
type Type struct {
	Kind   Kind
	Elem   *Type    // vector element or reference pointee
	Struct StructID // for KindStruct
	Args   []Type   // struct instantiation arguments
	Param  uint16   // for KindTyParam
}

// Primitive descriptors.
var (
	Bool    = Type{Kind: KindBool}
	U8      = Type{Kind: KindU8}
	U16     = Type{Kind: KindU16}
	U32     = Type{Kind: KindU32}
	U64     = Type{Kind: KindU64}
	U128    = Type{Kind: KindU128}
	U256    = Type{Kind: KindU256}
	Address = Type{Kind: KindAddress}
	Signer  = Type{Kind: KindSigner}
)

// Descriptor helpers ---------------------------------------------------------

// MakeVector describes vector<elem>.
func MakeVector(elem Type) Type {
	return Type{Kind: KindVector, Elem: &elem}
}

// MakeReference describes &T or &mut T depending on the mutable flag.
func MakeReference(elem Type, mutable bool) Type {
	if mutable {
		return Type{Kind: KindMutableReference, Elem: &elem}
	}
	return Type{Kind: KindReference, Elem: &elem}
}

// MakeStruct describes a (possibly instantiated) struct type.
func MakeStruct(id StructID, args ...Type) Type {
	if len(args) == 0 {
		args = nil
	}
	return Type{Kind: KindStruct, Struct: id, Args: args}
}

// MakeTyParam describes the idx-th type parameter of the enclosing declaration.
func MakeTyParam(idx uint16) Type {
	return Type{Kind: KindTyParam, Param: idx}
}

// IsReference reports whether t is &T or &mut T.
func (t Type) IsReference() bool {
	return t.Kind == KindReference || t.Kind == KindMutableReference
}

// Inner returns the element/pointee of a vector or reference. The zero Type
// is returned for other kinds.
func (t Type) Inner() Type {
	if t.Elem == nil {
		return Type{}
	}
	return *t.Elem
}

// Equal performs structural comparison.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindVector, KindReference, KindMutableReference:
		if t.Elem == nil || o.Elem == nil {
			return t.Elem == o.Elem
		}
		return t.Elem.Equal(*o.Elem)
	case KindStruct:
		if t.Struct != o.Struct || len(t.Args) != len(o.Args) {
			return false
		}
		for i := range t.Args {
			if !t.Args[i].Equal(o.Args[i]) {
				return false
			}
		}
		return true
	case KindTyParam:
		return t.Param == o.Param
	default:
		return true
	}
}

// HasTyParams reports whether any type parameter occurs inside t.
func (t Type) HasTyParams() bool {
	switch t.Kind {
	case KindTyParam:
		return true
	case KindVector, KindReference, KindMutableReference:
		return t.Elem != nil && t.Elem.HasTyParams()
	case KindStruct:
		for _, a := range t.Args {
			if a.HasTyParams() {
				return true
			}
		}
	}
	return false
}

func (t Type) String() string {
	var sb strings.Builder
	t.write(&sb, nil)
	return sb.String()
}

// StructNamer renders struct identities; loaders implement it to produce
// qualified names in diagnostics.
type StructNamer interface {
	StructName(id StructID) string
}

// Format renders t using names from n (nil falls back to struct#N).
func Format(t Type, n StructNamer) string {
	var sb strings.Builder
	t.write(&sb, n)
	return sb.String()
}

func (t Type) write(sb *strings.Builder, n StructNamer) {
	switch t.Kind {
	case KindVector:
		sb.WriteString("vector<")
		t.Inner().write(sb, n)
		sb.WriteString(">")
	case KindReference:
		sb.WriteString("&")
		t.Inner().write(sb, n)
	case KindMutableReference:
		sb.WriteString("&mut ")
		t.Inner().write(sb, n)
	case KindStruct:
		if n != nil {
			sb.WriteString(n.StructName(t.Struct))
		} else {
			fmt.Fprintf(sb, "struct#%d", t.Struct)
		}
		if len(t.Args) > 0 {
			sb.WriteString("<")
			for i, a := range t.Args {
				if i > 0 {
					sb.WriteString(", ")
				}
				a.write(sb, n)
			}
			sb.WriteString(">")
		}
	case KindTyParam:
		fmt.Fprintf(sb, "T%d", t.Param)
	default:
		sb.WriteString(t.Kind.String())
	}
}
