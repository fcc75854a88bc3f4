// Package reveal paces on-screen text growth independently of network
// delivery. Each message gets a small state machine whose displayed content
// is always a prefix of the authoritative content, advanced one character
// per tick while the message is still streaming.
package reveal

import (
	"sync"
	"time"

	"github.com/fogfish/opts"
)

// DefaultInterval is the target cadence between revealed characters.
const DefaultInterval = 15 * time.Millisecond

// Clock abstracts the timer primitive so the engine is testable without
// real time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock is the production time source.
var WallClock Clock = wallClock{}

type state struct {
	authoritative string
	displayed     []rune
	lastLen       int
	cancel        chan struct{}
}

// Engine tracks reveal state per message id. All methods are safe for
// concurrent use; at most one reveal loop runs per message at any time,
// serialized by cancel-then-restart.
type Engine struct {
	mu       sync.Mutex
	states   map[string]*state
	clock    Clock
	interval time.Duration
}

var (
	// WithClock overrides the time source.
	WithClock = opts.ForName[Engine, Clock]("clock")
	// WithInterval overrides the reveal cadence.
	WithInterval = opts.ForName[Engine, time.Duration]("interval")
)

// New builds an engine.
func New(options ...opts.Option[Engine]) *Engine {
	e := &Engine{
		states:   make(map[string]*state),
		clock:    WallClock,
		interval: DefaultInterval,
	}
	if err := opts.Apply(e, options); err != nil {
		panic(err)
	}
	return e
}

// Observe applies one authoritative-content update for a message. Rules:
// user messages and settled messages snap immediately; shrinking content is
// a hard reset; growth while streaming reveals the appended suffix one
// character per tick.
func (e *Engine) Observe(id, role, content string, streaming bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[id]
	if !ok {
		st = &state{}
		e.states[id] = st
	}

	if role == "user" {
		e.cancelLoop(st)
		st.authoritative = content
		st.displayed = []rune(content)
		st.lastLen = len(content)
		return
	}

	if len(content) < st.lastLen {
		// A fresh message replaced a stale one.
		e.cancelLoop(st)
		st.authoritative = content
		st.displayed = []rune(content)
		st.lastLen = len(content)
		return
	}

	grew := len(content) > st.lastLen
	st.authoritative = content
	st.lastLen = len(content)

	if !streaming {
		e.cancelLoop(st)
		st.displayed = []rune(content)
		return
	}

	if grew {
		e.cancelLoop(st)
		st.cancel = make(chan struct{})
		go e.run(id, st.cancel)
	}
}

// Displayed returns what should currently be on screen for a message.
func (e *Engine) Displayed(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[id]; ok {
		return string(st.displayed)
	}
	return ""
}

// Unmount drops a message's state and cancels its reveal loop. Mandatory
// on teardown so no loop outlives its view.
func (e *Engine) Unmount(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[id]; ok {
		e.cancelLoop(st)
		delete(e.states, id)
	}
}

// Shutdown unmounts every message.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range e.states {
		e.cancelLoop(st)
		delete(e.states, id)
	}
}

// cancelLoop must be called with the mutex held.
func (e *Engine) cancelLoop(st *state) {
	if st.cancel != nil {
		close(st.cancel)
		st.cancel = nil
	}
}

// run is the reveal loop for one message. It exits when it catches up with
// the authoritative content or when cancelled.
func (e *Engine) run(id string, cancel <-chan struct{}) {
	last := e.clock.Now()
	for {
		select {
		case <-cancel:
			return
		case <-e.clock.After(e.interval):
		}

		// A tick that fired early is a no-op; elapsed time is checked,
		// not assumed.
		now := e.clock.Now()
		if now.Sub(last) < e.interval {
			continue
		}
		last = now

		e.mu.Lock()
		st, ok := e.states[id]
		if !ok || st.cancel == nil || (<-chan struct{})(st.cancel) != cancel {
			e.mu.Unlock()
			return
		}
		auth := []rune(st.authoritative)
		if len(st.displayed) < len(auth) {
			st.displayed = auth[:len(st.displayed)+1]
		}
		caughtUp := len(st.displayed) >= len(auth)
		if caughtUp {
			st.cancel = nil
		}
		e.mu.Unlock()

		if caughtUp {
			return
		}
	}
}
