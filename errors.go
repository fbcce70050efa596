// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/agnivade/levenshtein"
)

var (
	ErrUnknownIdentifier = errors.New("bridge: unknown identifier")
	ErrUnknownKind       = errors.New("bridge: unknown value kind")
	ErrUnknownRequest    = errors.New("bridge: unknown request kind")
	ErrMissingField      = errors.New("bridge: missing request field")
	ErrNotInstance       = errors.New("bridge: object is not an instance")
	ErrNotCollection     = errors.New("bridge: object is not a list or dict")
	ErrNotEventSource    = errors.New("bridge: object does not fire events")
	ErrNoAttribute       = errors.New("bridge: no such attribute")
	ErrNoMethod          = errors.New("bridge: no such method")
	ErrNoEvent           = errors.New("bridge: no such event")
	ErrNoKey             = errors.New("bridge: no such key")
	ErrIndexOutOfRange   = errors.New("bridge: index out of range")
	ErrReadOnly          = errors.New("bridge: collection is read-only")
	ErrNoIdentity        = errors.New("bridge: value has no stable identity")
	ErrPending           = errors.New("bridge: promise still pending")
	ErrNilFailure        = errors.New("bridge: promise failed without an error")
)

// PanicError carries a recovered panic and the stack of the goroutine that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Format prints the recovered stack for %+v.
func (e *PanicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "panic: %v\n%s", e.Value, e.Stack)
		return
	}
	fmt.Fprint(s, e.Error())
}

// noSuchName builds a lookup error and suggests the closest public name, if any is close enough.
func noSuchName(sentinel error, typeName, name string, candidates []string) error {
	if hint := closest(name, candidates); hint != "" {
		return fmt.Errorf("%w: %s has no %q (did you mean %q?)", sentinel, typeName, name, hint)
	}
	return fmt.Errorf("%w: %s has no %q", sentinel, typeName, name)
}

func closest(name string, candidates []string) string {
	best, bestDist := "", -1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(name, c)
		if bestDist < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == "" || bestDist > max(2, len(name)/3) {
		return ""
	}
	return best
}
