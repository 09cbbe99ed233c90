package paranoid

import (
	"errors"
	"fmt"
	"strings"

	"movecheck/internal/types"
)

// Code identifies the class of a paranoid check failure.
type Code int

// Stable failure codes - do not change values.
const (
	CodeStackImbalance       Code = 4001 // PTC4001: tracked depth disagrees with expected arity
	CodeTypeMismatch         Code = 4002 // PTC4002: structural or reference equality failed
	CodeAbilityViolation     Code = 4003 // PTC4003: copy/drop/key or field ability requirement failed
	CodeArgCountMismatch     Code = 4004 // PTC4004: declared count disagrees with operand count
	CodeVisibilityViolation  Code = 4005 // PTC4005: friend/private callee from another module
	CodeMalformedControlFlow Code = 4006 // PTC4006: control transfer reached the post-execution table
	CodeResolutionFailure    Code = 4007 // PTC4007: oracle lookup failed for a handle or type
)

var codeNames = map[Code]string{
	CodeStackImbalance:       "StackImbalance",
	CodeTypeMismatch:         "TypeMismatch",
	CodeAbilityViolation:     "AbilityViolation",
	CodeArgCountMismatch:     "ArgCountMismatch",
	CodeVisibilityViolation:  "VisibilityViolation",
	CodeMalformedControlFlow: "MalformedControlFlow",
	CodeResolutionFailure:    "ResolutionFailure",
}

// String returns the code as "PTC4001" format.
func (c Code) String() string {
	return fmt.Sprintf("PTC%d", c)
}

// Name returns the taxonomy name, e.g. "TypeMismatch".
func (c Code) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Unknown"
}

// ParseCode accepts either the taxonomy name or the PTC form.
func ParseCode(s string) (Code, error) {
	s = strings.TrimSpace(s)
	for c, n := range codeNames {
		if strings.EqualFold(s, n) || strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown check code %q", s)
}

// StatusCode is the VM status reported for every paranoid failure.
type StatusCode uint64

// StatusUnknownInvariantViolation marks internal invariant violations, as
// opposed to aborts raised by the executed program itself.
const StatusUnknownInvariantViolation StatusCode = 2000

// Location pinpoints where a check failed.
type Location struct {
	Function string
	Offset   int // -1 when the failure is not tied to an instruction
	Instr    string
}

func (l Location) String() string {
	if l.Function == "" {
		return "<undefined>"
	}
	if l.Offset < 0 {
		return l.Function
	}
	return fmt.Sprintf("%s@%d [%s]", l.Function, l.Offset, l.Instr)
}

// CheckError represents a failed paranoid check. All codes are fatal to the
// current transaction.
type CheckError struct {
	Code     Code
	Message  string
	Location Location
	cause    error
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	if e.Location.Function == "" {
		return fmt.Sprintf("paranoid %s (%s): %s", e.Code, e.Code.Name(), e.Message)
	}
	return fmt.Sprintf("paranoid %s (%s): %s at %s", e.Code, e.Code.Name(), e.Message, e.Location)
}

// Unwrap exposes the underlying oracle or type error, if any.
func (e *CheckError) Unwrap() error { return e.cause }

// Is matches any *CheckError with the same code, so the Err* sentinels work
// with errors.Is.
func (e *CheckError) Is(target error) bool {
	var t *CheckError
	if !errors.As(target, &t) {
		return false
	}
	return t == e || (t.Message == "" && t.Code == e.Code)
}

// Status reports the VM status class of the failure.
func (e *CheckError) Status() StatusCode { return StatusUnknownInvariantViolation }

// Sentinels for errors.Is.
var (
	ErrStackImbalance       = &CheckError{Code: CodeStackImbalance}
	ErrTypeMismatch         = &CheckError{Code: CodeTypeMismatch}
	ErrAbilityViolation     = &CheckError{Code: CodeAbilityViolation}
	ErrArgCountMismatch     = &CheckError{Code: CodeArgCountMismatch}
	ErrVisibilityViolation  = &CheckError{Code: CodeVisibilityViolation}
	ErrMalformedControlFlow = &CheckError{Code: CodeMalformedControlFlow}
	ErrResolutionFailure    = &CheckError{Code: CodeResolutionFailure}
)

var errUnhandledOpcode = errors.New("unhandled opcode")

func newError(code Code, format string, args ...any) *CheckError {
	return &CheckError{Code: code, Message: fmt.Sprintf(format, args...), Location: Location{Offset: -1}}
}

// AsCheckError extracts the *CheckError from err.
func AsCheckError(err error) (*CheckError, bool) {
	var ce *CheckError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classify maps errors from the types package and the oracle into the
// failure taxonomy. Existing *CheckError values pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsCheckError(err); ok {
		return err
	}
	var mm *types.MismatchError
	if errors.As(err, &mm) {
		return &CheckError{Code: CodeTypeMismatch, Message: mm.Error(), Location: Location{Offset: -1}, cause: err}
	}
	return &CheckError{Code: CodeResolutionFailure, Message: err.Error(), Location: Location{Offset: -1}, cause: err}
}

// withLocation fills the location of a *CheckError that has none yet.
func withLocation(err error, loc Location) error {
	ce, ok := AsCheckError(err)
	if !ok || ce.Location.Function != "" {
		return err
	}
	ce.Location = loc
	return err
}

func typeMismatch(expected, got types.Type, res any) *CheckError {
	n, _ := res.(types.StructNamer)
	return newError(CodeTypeMismatch, "expected %s, got %s", types.Format(expected, n), types.Format(got, n))
}

func abilityViolation(ty types.Type, want string, res any) *CheckError {
	n, _ := res.(types.StructNamer)
	return newError(CodeAbilityViolation, "%s lacks %s", types.Format(ty, n), want)
}
