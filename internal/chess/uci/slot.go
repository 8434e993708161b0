package uci

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Slot owns the "current engine". Replacing it retires the previous session
// before the next one is spawned, so at most one engine process is alive per
// slot.
type Slot struct {
	cfg Config
	log *zap.Logger

	// replaceMu serialises Replace and Close; mu guards current.
	replaceMu sync.Mutex
	mu        sync.Mutex
	current   *Session
	closed    bool
}

func NewSlot(cfg Config) *Slot {
	cfg = cfg.withDefaults()
	return &Slot{cfg: cfg, log: cfg.Logger}
}

// Current returns the live session, or nil when the slot is empty.
func (sl *Slot) Current() *Session {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.current
}

// Replace quits the current session, waits up to the quit grace window for
// it to exit, then spawns and initializes an engine at path. On failure the
// slot is left empty.
func (sl *Slot) Replace(ctx context.Context, path string) (*Session, error) {
	sl.replaceMu.Lock()
	defer sl.replaceMu.Unlock()

	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return nil, fmt.Errorf("engine slot closed")
	}
	prev := sl.current
	sl.current = nil
	sl.mu.Unlock()

	if prev != nil {
		sl.retire(ctx, prev)
	}

	session := NewSession(path, sl.cfg)
	if err := session.Initialize(ctx); err != nil {
		return nil, err
	}

	sl.mu.Lock()
	sl.current = session
	sl.mu.Unlock()
	sl.log.Info("uci_slot_replaced", zap.String("engine", path), zap.String("name", session.Info().Name))
	return session, nil
}

// Close retires the current session. Later calls and later Replace calls
// are rejected or ignored.
func (sl *Slot) Close(ctx context.Context) error {
	sl.replaceMu.Lock()
	defer sl.replaceMu.Unlock()

	sl.mu.Lock()
	if sl.closed {
		sl.mu.Unlock()
		return nil
	}
	sl.closed = true
	prev := sl.current
	sl.current = nil
	sl.mu.Unlock()

	if prev == nil {
		return nil
	}
	if !sl.retire(ctx, prev) {
		return fmt.Errorf("engine %s did not exit", prev.Path())
	}
	return nil
}

// retire quits s and waits for the process to go away. The wait is bounded
// by twice the grace window: one for the engine to honour quit and one for
// the forced kill to land.
func (sl *Slot) retire(ctx context.Context, s *Session) bool {
	s.Quit()
	timer := time.NewTimer(2 * sl.cfg.QuitGrace)
	defer timer.Stop()
	select {
	case <-s.Exited():
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	sl.log.Warn("uci_slot_retire_incomplete", zap.String("engine", s.Path()))
	return false
}
