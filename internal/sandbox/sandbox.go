// Package sandbox defines a reusable execution environment and the lifecycle
// state machine it moves through between the pool and the dispatcher.
package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// State is a sandbox lifecycle state.
type State string

// Lifecycle states.
const (
	StateCold       State = "cold"
	StateWarming    State = "warming"
	StateIdle       State = "idle"
	StateBusy       State = "busy"
	StateDraining   State = "draining"
	StateTerminated State = "terminated"
)

// ErrInvalidTransition is returned when a state change is not permitted.
var ErrInvalidTransition = errors.New("invalid sandbox state transition")

// validTransitions maps each state to the set of states it may move to.
var validTransitions = map[State]map[State]bool{
	StateCold: {
		StateWarming:  true,
		StateBusy:     true,
		StateDraining: true,
	},
	StateWarming: {
		StateIdle:     true,
		StateDraining: true,
	},
	StateIdle: {
		StateBusy:     true,
		StateDraining: true,
	},
	StateBusy: {
		StateIdle:     true,
		StateDraining: true,
	},
	StateDraining: {
		StateTerminated: true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	return validTransitions[from][to]
}

// Key groups interchangeable sandboxes.
type Key struct {
	Route    string `json:"route"`
	Language string `json:"language"`
	Backend  string `json:"backend"`
}

func (k Key) String() string {
	return k.Route + "/" + k.Language + "@" + k.Backend
}

// Sandbox is one execution unit plus the bookkeeping the pool needs. It is
// owned by exactly one pool or one invocation at a time.
type Sandbox struct {
	ID      string
	Key     Key
	Backend backend.Backend
	Unit    backend.Unit
	Created time.Time

	mu       sync.Mutex
	state    State
	language string
	digest   string
	lastUsed time.Time
	uses     int
}

// New wraps a freshly created unit in a Cold sandbox.
func New(key Key, b backend.Backend, u backend.Unit, now time.Time) *Sandbox {
	return &Sandbox{
		ID:       model.NewID(),
		Key:      key,
		Backend:  b,
		Unit:     u,
		Created:  now,
		state:    StateCold,
		lastUsed: now,
	}
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the sandbox to state to, or returns ErrInvalidTransition.
func (s *Sandbox) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ValidTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s (sandbox %s)", ErrInvalidTransition, s.state, to, s.ID)
	}
	if to == StateBusy {
		s.uses++
	}
	s.state = to
	return nil
}

// Loaded reports whether the sandbox already holds code for language with
// the given digest.
func (s *Sandbox) Loaded(language, digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest != "" && s.language == language && s.digest == digest
}

// MarkLoaded records the code now installed in the unit.
func (s *Sandbox) MarkLoaded(language, digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language, s.digest = language, digest
}

// Touch records a use at t.
func (s *Sandbox) Touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = t
}

// LastUsed returns the time of the most recent use.
func (s *Sandbox) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Uses returns how many times the sandbox has entered Busy.
func (s *Sandbox) Uses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uses
}
