package gateway

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrConfig    = errors.New("gateway misconfigured")
	ErrProtocol  = errors.New("gateway protocol error")
	ErrTransport = errors.New("gateway unreachable")
)

// Error is returned by every adapter operation.
type Error struct {
	Kind     error
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func configError(provider, op string, format string, args ...interface{}) error {
	return &Error{Kind: ErrConfig, Provider: provider, Op: op, Err: fmt.Errorf(format, args...)}
}

func protocolError(provider, op string, format string, args ...interface{}) error {
	return &Error{Kind: ErrProtocol, Provider: provider, Op: op, Err: fmt.Errorf(format, args...)}
}

func transportError(provider, op string, err error) error {
	return &Error{Kind: ErrTransport, Provider: provider, Op: op, Err: err}
}
