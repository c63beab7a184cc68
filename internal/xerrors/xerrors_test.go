package xerrors

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
)

func frameFunc(pc uintptr) string {
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function
}

func TestNew(t *testing.T) {
	err := New("directory unreachable")
	if err.Error() != "directory unreachable" {
		t.Fatalf("Error() = %q", err.Error())
	}
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("New should capture a stack")
	}
	if fn := frameFunc(hs.StackPCs()[0]); !strings.HasSuffix(fn, "TestNew") {
		t.Fatalf("first frame = %q, want the caller", fn)
	}
}

func TestNewf(t *testing.T) {
	err := Newf("content origin returned %d", 502)
	if err.Error() != "content origin returned 502" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil || Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("wrapping nil should return nil")
	}

	err := Wrapf(context.DeadlineExceeded, "lookup share %s", "DOC-1")
	if err.Error() != "lookup share DOC-1: context deadline exceeded" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Wrap should preserve the chain")
	}
	hp, ok := err.(interface{ PC() uintptr })
	if !ok {
		t.Fatal("Wrap should expose PC")
	}
	if fn := frameFunc(hp.PC()); !strings.HasSuffix(fn, "TestWrap") {
		t.Fatalf("PC frame = %q, want the caller", fn)
	}
}

func TestWithStack(t *testing.T) {
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	base := errors.New("boom")
	err := WithStack(base)
	if !errors.Is(err, base) || err.Error() != "boom" {
		t.Fatalf("WithStack = %v", err)
	}
}

func TestEnsureTrace(t *testing.T) {
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}

	plain := errors.New("plain")
	traced := EnsureTrace(plain)
	if traced == plain {
		t.Fatal("EnsureTrace should add a stack to a plain error")
	}

	if again := EnsureTrace(traced); again != traced {
		t.Fatal("EnsureTrace should not stack twice")
	}

	wrappedNew := Wrap(New("inner"), "outer")
	if EnsureTrace(wrappedNew) != wrappedNew {
		t.Fatal("stack anywhere in the chain counts")
	}
}

func TestWrapperMarker(t *testing.T) {
	type marker interface{ IsXerrorsWrapper() }
	for _, err := range []error{New("a"), Wrap(errors.New("b"), "c"), WithStack(errors.New("d"))} {
		if _, ok := err.(marker); !ok {
			t.Errorf("%T should mark itself as a wrapper", err)
		}
	}
}
