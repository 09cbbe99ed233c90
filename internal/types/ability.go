package types

import (
	"fmt"
	"strings"
)

// Ability is a single substructural capability of a type.
type Ability uint8

const (
	AbilityCopy  Ability = 0x1
	AbilityDrop  Ability = 0x2
	AbilityStore Ability = 0x4
	AbilityKey   Ability = 0x8
)

func (a Ability) String() string {
	switch a {
	case AbilityCopy:
		return "copy"
	case AbilityDrop:
		return "drop"
	case AbilityStore:
		return "store"
	case AbilityKey:
		return "key"
	default:
		return fmt.Sprintf("Ability(%d)", a)
	}
}

// ParseAbility converts a manifest keyword into an Ability.
func ParseAbility(s string) (Ability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "copy":
		return AbilityCopy, nil
	case "drop":
		return AbilityDrop, nil
	case "store":
		return AbilityStore, nil
	case "key":
		return AbilityKey, nil
	default:
		return 0, fmt.Errorf("invalid ability: %q (expected: copy|drop|store|key)", s)
	}
}

// requirement is the ability a type argument must have for a generic struct
// instantiation to keep a.
func (a Ability) requirement() Ability {
	if a == AbilityKey {
		return AbilityStore
	}
	return a
}

var allAbilities = [...]Ability{AbilityCopy, AbilityDrop, AbilityStore, AbilityKey}

// AbilitySet is a bitset over {Copy, Drop, Store, Key}.
type AbilitySet uint8

const (
	EmptyAbilities AbilitySet = 0
	AllAbilities   AbilitySet = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore | AbilityKey)

	primitiveAbilities = AbilitySet(AbilityCopy | AbilityDrop | AbilityStore)
	referenceAbilities = AbilitySet(AbilityCopy | AbilityDrop)
	signerAbilities    = AbilitySet(AbilityDrop)
	vectorAbilities    = primitiveAbilities
)

// Singleton returns a set holding only a.
func Singleton(a Ability) AbilitySet { return AbilitySet(a) }

// NewAbilitySet builds a set from the listed abilities.
func NewAbilitySet(abilities ...Ability) AbilitySet {
	var s AbilitySet
	for _, a := range abilities {
		s |= AbilitySet(a)
	}
	return s
}

func (s AbilitySet) Has(a Ability) bool { return s&AbilitySet(a) != 0 }
func (s AbilitySet) HasCopy() bool      { return s.Has(AbilityCopy) }
func (s AbilitySet) HasDrop() bool      { return s.Has(AbilityDrop) }
func (s AbilitySet) HasStore() bool     { return s.Has(AbilityStore) }
func (s AbilitySet) HasKey() bool       { return s.Has(AbilityKey) }

// Add returns s with a included.
func (s AbilitySet) Add(a Ability) AbilitySet { return s | AbilitySet(a) }

// Remove returns s without a.
func (s AbilitySet) Remove(a Ability) AbilitySet { return s &^ AbilitySet(a) }

// Union returns s ∪ o.
func (s AbilitySet) Union(o AbilitySet) AbilitySet { return s | o }

// Intersect returns s ∩ o.
func (s AbilitySet) Intersect(o AbilitySet) AbilitySet { return s & o }

// IsSubset reports whether every ability of s is also in o.
func (s AbilitySet) IsSubset(o AbilitySet) bool { return s&o == s }

func (s AbilitySet) String() string {
	if s == EmptyAbilities {
		return "{}"
	}
	parts := make([]string, 0, len(allAbilities))
	for _, a := range allAbilities {
		if s.Has(a) {
			parts = append(parts, a.String())
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// StructAbilityTable exposes declared struct abilities to the universal
// ability rules. Phantom flags are indexed by type parameter position.
type StructAbilityTable interface {
	StructAbilities(id StructID) (declared AbilitySet, phantoms []bool, err error)
}

// AbilitiesOf computes the ability set of a fully substituted type.
func AbilitiesOf(t Type, tab StructAbilityTable) (AbilitySet, error) {
	switch t.Kind {
	case KindBool, KindU8, KindU16, KindU32, KindU64, KindU128, KindU256, KindAddress:
		return primitiveAbilities, nil
	case KindSigner:
		return signerAbilities, nil
	case KindReference, KindMutableReference:
		return referenceAbilities, nil
	case KindVector:
		if t.Elem == nil {
			return EmptyAbilities, fmt.Errorf("vector without element type")
		}
		elem, err := AbilitiesOf(*t.Elem, tab)
		if err != nil {
			return EmptyAbilities, err
		}
		return vectorAbilities.Intersect(elem), nil
	case KindStruct:
		if tab == nil {
			return EmptyAbilities, fmt.Errorf("no struct table to resolve struct#%d", t.Struct)
		}
		declared, phantoms, err := tab.StructAbilities(t.Struct)
		if err != nil {
			return EmptyAbilities, err
		}
		argSets := make([]AbilitySet, len(t.Args))
		for i, arg := range t.Args {
			if i < len(phantoms) && phantoms[i] {
				continue
			}
			argSets[i], err = AbilitiesOf(arg, tab)
			if err != nil {
				return EmptyAbilities, err
			}
		}
		return polymorphicAbilities(declared, phantoms, argSets), nil
	case KindTyParam:
		return EmptyAbilities, fmt.Errorf("abilities of unsubstituted type parameter T%d", t.Param)
	default:
		return EmptyAbilities, fmt.Errorf("abilities of %s type", t.Kind)
	}
}

// polymorphicAbilities keeps a declared ability only when every non-phantom
// argument satisfies its requirement.
func polymorphicAbilities(declared AbilitySet, phantoms []bool, args []AbilitySet) AbilitySet {
	out := declared
	for _, a := range allAbilities {
		if !declared.Has(a) {
			continue
		}
		req := a.requirement()
		for i, arg := range args {
			if i < len(phantoms) && phantoms[i] {
				continue
			}
			if !arg.Has(req) {
				out = out.Remove(a)
				break
			}
		}
	}
	return out
}
