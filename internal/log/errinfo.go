package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

type hasPC interface {
	PC() uintptr
}

type hasStack interface {
	StackPCs() []uintptr
}

func callerPCs(skip int) []uintptr {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

// internalFrame reports frames that never belong in a rendered stack.
func internalFrame(fn string, skipXerrors bool) bool {
	switch {
	case strings.HasPrefix(fn, "runtime."),
		strings.HasPrefix(fn, "log/slog."),
		strings.Contains(fn, "/internal/log."):
		return true
	case skipXerrors && strings.Contains(fn, "/internal/xerrors."):
		return true
	}
	return false
}

// renderPCs writes func/file:line pairs, dropping leading logger frames
// and stopping at the runtime.
func renderPCs(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		if !started && !internalFrame(fr.Function, false) {
			started = true
		}
		if started && fr.Function != "" {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func errorChain(err error) []string {
	out := make([]string, 0, 8)
	var prev string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			if s := e.Error(); s != prev {
				out = append(out, s)
				prev = s
			}
		}
	}
	return out
}

func chainLinks(err error, max int) []map[string]any {
	links := make([]map[string]any, 0, 8)
	depth := 0
	for e := err; e != nil && (max <= 0 || depth < max); e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := errorFrame(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
		depth++
	}
	return links
}

// errorFrame prefers the single PC from Wrap/New, then the first
// external frame of a captured stack.
func errorFrame(e error) (fn, file string, line int, ok bool) {
	if hp, isPC := e.(hasPC); isPC {
		return frameFromPC(hp.PC())
	}
	if hs, isStack := e.(hasStack); isStack {
		return firstExtFrame(hs.StackPCs())
	}
	return "", "", 0, false
}

func frameFromPC(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

func firstExtFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	if len(pcs) == 0 {
		return "", "", 0, false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !internalFrame(fr.Function, true) {
			return fr.Function, fr.File, fr.Line, true
		}
		if !more {
			return "", "", 0, false
		}
	}
}

// classifyTypes returns the first non-wrapper type in the chain and the
// type of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		t := reflect.TypeOf(e)
		u := t
		for u.Kind() == reflect.Ptr {
			u = u.Elem()
		}
		if strings.Contains(u.PkgPath(), "/internal/xerrors") {
			continue
		}
		if u.PkgPath() == "fmt" && u.Name() == "wrapError" {
			continue
		}
		surface = t.String()
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
