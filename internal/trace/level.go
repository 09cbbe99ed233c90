package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	// LevelOff disables tracing.
	LevelOff    Level = iota
	LevelError        // only check failures
	LevelPhase        // driver + scenario boundaries
	LevelDetail       // call frames
	LevelDebug        // everything including every instruction hook
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelPhase:
		return "phase"
	case LevelDetail:
		return "detail"
	case LevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "phase":
		return LevelPhase, nil
	case "detail":
		return LevelDetail, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelOff, fmt.Errorf("invalid trace level: %q (expected: off|error|phase|detail|debug)", s)
	}
}

// shouldEmit reports whether spans and points of scope pass this level.
func (l Level) shouldEmit(scope Scope) bool {
	switch l {
	case LevelOff, LevelError:
		return false // errors go through Fail
	case LevelPhase:
		return scope <= ScopeScenario
	case LevelDetail:
		return scope <= ScopeCall
	case LevelDebug:
		return true
	}
	return false
}

// admits reports whether an event of this kind and scope passes the level.
func (l Level) admits(ev *Event) bool {
	switch ev.Kind {
	case KindHeartbeat, KindError:
		return l > LevelOff
	default:
		return l.shouldEmit(ev.Scope)
	}
}
