package node

import (
	"errors"
	"fmt"
)

// Kind classifies a node call outcome. Upper layers branch on the kind
// and never see transport errors directly.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindTransient
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	default:
		return "protocol"
	}
}

// Error is a tagged node API failure.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("node %s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("node %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func newError(kind Kind, op string, status int, msg string) *Error {
	return &Error{Kind: kind, Op: op, Status: status, Msg: msg}
}

// IsNotFound reports whether err is a not-found node error.
func IsNotFound(err error) bool {
	var ne *Error
	return errors.As(err, &ne) && ne.Kind == KindNotFound
}

// IsTransient reports whether err is a transient node error.
func IsTransient(err error) bool {
	var ne *Error
	return errors.As(err, &ne) && ne.Kind == KindTransient
}
