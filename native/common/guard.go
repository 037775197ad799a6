package common

import "errors"

var (
	ErrModulePaused = errors.New("module paused")
	ErrReentrant    = errors.New("reentrant call")
)

// PauseView exposes the pause switches a module consults before mutating
// state. Action may be empty to ask about the module as a whole.
type PauseView interface {
	IsPaused(module, action string) bool
}

// Guard returns ErrModulePaused when either the whole module or the given
// action is halted.
func Guard(p PauseView, module, action string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module, "") {
		return ErrModulePaused
	}
	if action != "" && p.IsPaused(module, action) {
		return ErrModulePaused
	}
	return nil
}

// ReentrancyGuard rejects a second entry before the first one exits. The
// zero value is ready to use. It is not safe for concurrent use; callers that
// share it across goroutines serialise access themselves.
type ReentrancyGuard struct {
	entered bool
}

// Enter marks the guard as held.
func (g *ReentrancyGuard) Enter() error {
	if g.entered {
		return ErrReentrant
	}
	g.entered = true
	return nil
}

// Exit releases the guard.
func (g *ReentrancyGuard) Exit() {
	g.entered = false
}

// Entered reports whether an action is in progress.
func (g *ReentrancyGuard) Entered() bool {
	return g.entered
}
