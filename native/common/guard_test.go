package common

import (
	"errors"
	"testing"
)

type stubPauses map[string]bool

func (s stubPauses) IsPaused(module, action string) bool {
	return s[module+"/"+action]
}

func TestGuardModuleAndAction(t *testing.T) {
	if err := Guard(nil, "lending", "mint"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	view := stubPauses{"lending/borrow": true}
	if err := Guard(view, "lending", "mint"); err != nil {
		t.Fatalf("mint should pass: %v", err)
	}
	if err := Guard(view, "lending", "borrow"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused for borrow, got %v", err)
	}
	view["lending/"] = true
	if err := Guard(view, "lending", "mint"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected module-wide pause, got %v", err)
	}
}

func TestReentrancyGuard(t *testing.T) {
	var g ReentrancyGuard
	if err := g.Enter(); err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if err := g.Enter(); !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	g.Exit()
	if g.Entered() {
		t.Fatalf("guard still held after exit")
	}
	if err := g.Enter(); err != nil {
		t.Fatalf("re-enter after exit: %v", err)
	}
}
