package playbook

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can render a sensible state
// without parsing messages.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindPersistence       Kind = "persistence"
	KindInvalidTransition Kind = "invalid_transition"
	KindConflict          Kind = "conflict"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrNotFound          = errors.New("playbook: not found")
	ErrValidation        = errors.New("playbook: validation failed")
	ErrPersistence       = errors.New("playbook: persistence failed")
	ErrInvalidTransition = errors.New("playbook: invalid status transition")
	ErrConflict          = errors.New("playbook: revision conflict")
)

// Error is the structured failure returned by the catalog, resolver and
// manager packages.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match any error of that kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrPersistence:
		return e.Kind == KindPersistence
	case ErrInvalidTransition:
		return e.Kind == KindInvalidTransition
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return false
}

// KindOf reports the kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrConflict):
		return KindConflict
	}
	return ""
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(op string, from, to Status) *Error {
	return &Error{Kind: KindInvalidTransition, Op: op, Message: fmt.Sprintf("%s -> %s is not allowed", from, to)}
}

func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a store failure. Typed failures reported by the store
// keep their kind so callers can tell a stale write or a missing record from
// an outage.
func Persistence(op string, err error) *Error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindPersistence
	}
	return &Error{Kind: kind, Op: op, Message: "execution store", Err: err}
}

// ErrorBody is the JSON rendering of an Error at HTTP boundaries.
type ErrorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Body renders err for a response. Foreign errors carry no kind.
func Body(err error) ErrorBody {
	var perr *Error
	if errors.As(err, &perr) {
		msg := perr.Message
		if perr.Err != nil {
			if msg == "" {
				msg = perr.Err.Error()
			} else {
				msg += ": " + perr.Err.Error()
			}
		}
		return ErrorBody{Kind: perr.Kind, Message: msg}
	}
	return ErrorBody{Kind: KindOf(err), Message: err.Error()}
}

// FromBody rebuilds a typed error received from a remote service.
func FromBody(op string, body ErrorBody) *Error {
	kind := body.Kind
	switch kind {
	case KindNotFound, KindValidation, KindPersistence, KindInvalidTransition, KindConflict:
	default:
		kind = KindPersistence
	}
	return &Error{Kind: kind, Op: op, Message: body.Message}
}
