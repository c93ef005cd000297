// Package proactive implements the Proactive Loop (spec §4.9): a 1-second
// ticker that watches every configured character's idle time against a
// relationship-level-scaled threshold and fires a push-chat trigger when a
// character has gone quiet long enough.
//
// The threshold table is supplied by the caller (internal/app merges
// [config.DefaultIdleThresholdSeconds] with any per-deployment override) so
// this package stays free of a config.Config import.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cheshiremew/lumina/internal/character"
)

// defaultTickInterval matches the teacher's global ticker cadence used
// throughout the original proactive manager: checked every second, cheap
// enough that per-character state reads dominate the cost.
const defaultTickInterval = time.Second

// defaultDrainTimeout bounds how long Stop waits for in-flight triggers.
const defaultDrainTimeout = 5 * time.Second

// Trigger fires a push conversation for characterID. reason is always
// "idle_timeout" today but is passed through so callers can log or route on
// it without the Loop knowing about conversation internals.
type Trigger func(ctx context.Context, characterID string, reason string) error

// CharacterHandle pairs a character ID with its Character State manager.
// A nil State is tolerated and simply never fires (e.g. a character with no
// configured DataDir).
type CharacterHandle struct {
	ID    string
	State *character.Manager
}

// Option configures a Loop.
type Option func(*Loop)

// WithTickInterval overrides the default 1-second tick cadence. Mainly
// useful in tests, which want to shrink it well below a second.
func WithTickInterval(d time.Duration) Option {
	return func(l *Loop) { l.tickInterval = d }
}

// Loop runs the idle-detection ticker over a fixed set of characters.
type Loop struct {
	characters []CharacterHandle
	thresholds map[int]int
	trigger    Trigger

	tickInterval time.Duration
	drainTimeout time.Duration

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New constructs a Loop. thresholds maps relationship level to the number of
// idle seconds that must elapse before a push chat fires for a character at
// that level; a level absent from the map never fires.
func New(characters []CharacterHandle, thresholds map[int]int, trigger Trigger, opts ...Option) *Loop {
	l := &Loop{
		characters:   characters,
		thresholds:   thresholds,
		trigger:      trigger,
		tickInterval: defaultTickInterval,
		drainTimeout: defaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start begins the ticker loop in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop(ctx)
	}()
}

// Stop halts the ticker and waits up to drainTimeout for any in-flight
// triggers to finish. Safe to call multiple times.
func (l *Loop) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)

		waitDone := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(waitDone)
		}()

		select {
		case <-waitDone:
		case <-time.After(l.drainTimeout):
			err = fmt.Errorf("proactive: timed out waiting for in-flight triggers to drain")
		}
	})
	return err
}

func (l *Loop) loop(ctx context.Context) {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case now := <-ticker.C:
			for _, h := range l.characters {
				l.checkOne(ctx, now, h)
			}
		}
	}
}

// checkOne evaluates one character's idle time against its threshold and,
// if crossed, fires the trigger on a detached goroutine so a slow push chat
// never stalls the tick for every other character.
func (l *Loop) checkOne(ctx context.Context, now time.Time, h CharacterHandle) {
	if h.State == nil {
		return
	}
	profile := h.State.Profile()
	if profile.State.PendingInteraction != nil {
		return // already in flight, acts as the idle-trigger's mutex
	}
	if profile.State.LastInteraction.IsZero() {
		return // never interacted with yet
	}

	threshold, ok := l.thresholds[profile.Relationship.Level]
	if !ok {
		return
	}
	idle := now.Sub(profile.State.LastInteraction)
	if idle < time.Duration(threshold)*time.Second {
		return
	}

	if err := h.State.SetPendingInteraction("idle_timeout"); err != nil {
		slog.Warn("proactive: failed to set pending interaction", "character_id", h.ID, "error", err)
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			if err := h.State.ClearPendingInteraction(); err != nil {
				slog.Warn("proactive: failed to clear pending interaction", "character_id", h.ID, "error", err)
			}
		}()

		if err := l.trigger(ctx, h.ID, "idle_timeout"); err != nil {
			slog.Warn("proactive: trigger failed", "character_id", h.ID, "error", err)
		}
	}()
}
