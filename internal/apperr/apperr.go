// Package apperr defines the error taxonomy shared by every treehouse component.
// Components return *Error values (or wrap one); only the ipc edge turns them into strings.
package apperr

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.Method".
type Op string

// Kind categorizes an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindExternal
	KindCrash
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	case KindCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Sentinel causes for the conditions callers branch on.
var (
	ErrAlreadyRunning     = errors.New("agent is already running")
	ErrDirtyWorkingTree   = errors.New("Working directory is not clean. Please commit or stash changes before merging.")
	ErrCheckoutFailed     = errors.New("checkout failed")
	ErrGitCommandFailed   = errors.New("git command failed")
	ErrDuplicateWorkspace = errors.New("workspace already exists")
)

// Error is the structured error type.
type Error struct {
	Op      Op
	Kind    Kind
	Err     error
	Context string
}

func (e *Error) Error() string {
	if e.Context != "" {
		if e.Err == nil {
			return e.Context
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Err)
	}
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. Arguments may be an Op, a Kind, a string (context) or an error.
func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	// Inherit the kind of a wrapped error when none was given.
	if e.Kind == KindUnknown {
		e.Kind = KindOf(e.Err)
	}
	return e
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the outermost kind found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// OpOf returns the outermost op recorded in err's chain.
func OpOf(err error) Op {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

func Validation(op Op, format string, args ...any) error {
	return E(op, KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(op Op, what, id string) error {
	return E(op, KindNotFound, fmt.Sprintf("%s not found: %s", what, id))
}

func Conflict(op Op, cause error, context string) error {
	if context == "" {
		return E(op, KindConflict, cause)
	}
	return E(op, KindConflict, context, cause)
}

func External(op Op, cause error) error {
	return E(op, KindExternal, cause)
}
