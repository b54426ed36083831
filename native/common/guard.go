package common

import "errors"

// ErrModulePaused is returned by every engine entry point while the module's
// pause switch is set.
var ErrModulePaused = errors.New("module paused")

// PauseView is the read side of the administrative pause switchboard.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused. A nil view or empty
// module name means pausing is not wired and the call proceeds.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
