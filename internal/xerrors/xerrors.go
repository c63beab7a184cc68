// Package xerrors adds call-site information to errors. Wrap records a
// single PC; New, Newf, WithStack and EnsureTrace record a stack. The
// logger renders both.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

// stacked carries a captured stack.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// wrapped adds context and the caller PC.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// stackAt captures the stack starting at the caller of the exported
// function. runtime.Callers, stackAt and the exported function are skipped.
func stackAt() []uintptr {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

func pcAt() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stackAt()}
}

func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stackAt()}
}

// WithStack attaches the current stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackAt()}
}

// EnsureTrace attaches a stack only when err has none yet.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stackAt()}
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: pcAt()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: pcAt()}
}
