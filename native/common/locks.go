package common

import (
	"errors"
	"sync"

	"stratum/crypto"
)

// ErrPositionBusy is returned when an operation re-enters a position that is
// already mid-mutation. External venues (router, oracle feeds) may hand
// control back into the core before returning, so every public entry point
// holds the position lock for its full duration.
var ErrPositionBusy = errors.New("position busy")

// PositionLocks tracks per-address busy flags. Acquire marks the position as
// in-flight and Release clears it on exit.
type PositionLocks struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewPositionLocks() *PositionLocks {
	return &PositionLocks{busy: make(map[string]struct{})}
}

// Acquire marks the position busy. It fails with ErrPositionBusy when the
// position is already held.
func (l *PositionLocks) Acquire(addr crypto.Address) error {
	if l == nil {
		return nil
	}
	key := string(addr.Bytes())
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.busy[key]; held {
		return ErrPositionBusy
	}
	l.busy[key] = struct{}{}
	return nil
}

// Release clears the busy flag. Releasing an unheld position is a no-op.
func (l *PositionLocks) Release(addr crypto.Address) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.busy, string(addr.Bytes()))
	l.mu.Unlock()
}
