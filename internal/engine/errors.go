package engine

import (
	"context"
	"errors"

	lua "github.com/yuin/gopher-lua"
)

// Kind classifies interpreter failures.
type Kind string

const (
	KindCompile Kind = "compile"
	KindRuntime Kind = "runtime"
	KindTimeout Kind = "timeout"
	KindIO      Kind = "io"
)

// Error is returned by every fallible Engine call.
type Error struct {
	Kind  Kind
	Op    string // bind, invoke, exec, exec_file
	Entry string // entry name or chunk name
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func wrapErr(ctx context.Context, op, entry string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindRuntime
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case lua.ApiErrorSyntax:
			kind = KindCompile
		case lua.ApiErrorFile:
			kind = KindIO
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Entry: entry, Msg: err.Error(), Cause: err}
}
