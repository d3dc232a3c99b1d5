// Package fake provides an in-memory Backend for tests. It records every
// call, detects concurrent use of a unit and lets tests inject failures and
// delays per operation.
package fake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/model"
)

// Unit is a fake execution unit.
type Unit struct {
	id     string
	owner  *Backend
	active atomic.Int32

	mu        sync.Mutex
	spec      *backend.LoadSpec
	loads     int
	runs      int
	destroyed bool
}

func (u *Unit) ID() string { return u.id }

// Loads reports how many times code was loaded into the unit.
func (u *Unit) Loads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loads
}

// Runs reports how many times the unit executed.
func (u *Unit) Runs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.runs
}

// Spec returns the last loaded spec, or nil.
func (u *Unit) Spec() *backend.LoadSpec {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.spec
}

// RunFunc computes the result of one execution.
type RunFunc func(ctx context.Context, u *Unit, payload []byte) (backend.RawResult, error)

// Backend is a fake backend. The hook fields may be set before use and must
// not be changed while the backend is in use.
type Backend struct {
	name  string
	langs []string

	// CreateErr, when set, is called before each Create; a non-nil return
	// fails the create.
	CreateErr func(n int) error
	// LoadErr works like CreateErr for Load.
	LoadErr func(n int) error
	// Exec replaces the default echo behavior of Run.
	Exec RunFunc
	// CreateDelay is slept (honoring ctx) inside Create.
	CreateDelay time.Duration

	mu    sync.Mutex
	units map[string]*Unit
	seq   int

	creates    atomic.Int64
	loadCalls  atomic.Int64
	runCalls   atomic.Int64
	destroys   atomic.Int64
	resets     atomic.Int64
	live       atomic.Int64
	maxLive    atomic.Int64
	overlapped atomic.Bool
}

// New creates a fake backend named name supporting the given languages. With
// no languages it supports python and node.
func New(name string, languages ...string) *Backend {
	if len(languages) == 0 {
		languages = []string{model.LanguagePython, model.LanguageNode}
	}
	return &Backend{
		name:  name,
		langs: languages,
		units: make(map[string]*Unit),
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               b.name,
		Isolation:          "none",
		SupportedLanguages: b.langs,
	}
}

func (b *Backend) Create(ctx context.Context) (backend.Unit, error) {
	n := int(b.creates.Add(1))
	if b.CreateDelay > 0 {
		select {
		case <-time.After(b.CreateDelay):
		case <-ctx.Done():
			return nil, backend.Fault(b.name, backend.OpCreate, ctx.Err())
		}
	}
	if b.CreateErr != nil {
		if err := b.CreateErr(n); err != nil {
			return nil, backend.Fault(b.name, backend.OpCreate, err)
		}
	}

	b.mu.Lock()
	b.seq++
	u := &Unit{id: fmt.Sprintf("%s-%d", b.name, b.seq), owner: b}
	b.units[u.id] = u
	b.mu.Unlock()

	live := b.live.Add(1)
	for {
		prev := b.maxLive.Load()
		if live <= prev || b.maxLive.CompareAndSwap(prev, live) {
			break
		}
	}
	return u, nil
}

func (b *Backend) unit(u backend.Unit) (*Unit, error) {
	fu, ok := u.(*Unit)
	if !ok || fu.owner != b {
		return nil, fmt.Errorf("unit %v does not belong to backend %s", u, b.name)
	}
	fu.mu.Lock()
	destroyed := fu.destroyed
	fu.mu.Unlock()
	if destroyed {
		return nil, fmt.Errorf("unit %s was destroyed", fu.id)
	}
	return fu, nil
}

func (b *Backend) Load(_ context.Context, u backend.Unit, spec backend.LoadSpec) error {
	n := int(b.loadCalls.Add(1))
	fu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.name, backend.OpLoad, err)
	}
	if b.LoadErr != nil {
		if err := b.LoadErr(n); err != nil {
			return backend.Fault(b.name, backend.OpLoad, err)
		}
	}
	fu.mu.Lock()
	fu.spec = &spec
	fu.loads++
	fu.mu.Unlock()
	return nil
}

func (b *Backend) Run(ctx context.Context, u backend.Unit, payload []byte) (backend.RawResult, error) {
	b.runCalls.Add(1)
	fu, err := b.unit(u)
	if err != nil {
		return backend.RawResult{}, backend.Fault(b.name, backend.OpRun, err)
	}
	if fu.active.Add(1) > 1 {
		b.overlapped.Store(true)
	}
	defer fu.active.Add(-1)

	fu.mu.Lock()
	fu.runs++
	fu.mu.Unlock()

	start := time.Now()
	run := b.Exec
	if run == nil {
		run = Echo
	}
	res, err := run(ctx, fu, payload)
	res.Duration = time.Since(start)
	return res, err
}

func (b *Backend) Reset(_ context.Context, u backend.Unit) error {
	b.resets.Add(1)
	_, err := b.unit(u)
	return backend.Fault(b.name, backend.OpReset, err)
}

func (b *Backend) Destroy(_ context.Context, u backend.Unit) error {
	fu, ok := u.(*Unit)
	if !ok || fu.owner != b {
		return backend.Fault(b.name, backend.OpDestroy, errors.New("foreign unit"))
	}
	fu.mu.Lock()
	already := fu.destroyed
	fu.destroyed = true
	fu.mu.Unlock()
	if already {
		return nil
	}

	b.mu.Lock()
	delete(b.units, fu.id)
	b.mu.Unlock()
	b.destroys.Add(1)
	b.live.Add(-1)
	return nil
}

// Creates returns the number of Create calls.
func (b *Backend) Creates() int { return int(b.creates.Load()) }

// LoadCalls returns the number of Load calls.
func (b *Backend) LoadCalls() int { return int(b.loadCalls.Load()) }

// RunCalls returns the number of Run calls.
func (b *Backend) RunCalls() int { return int(b.runCalls.Load()) }

// Destroys returns the number of units destroyed.
func (b *Backend) Destroys() int { return int(b.destroys.Load()) }

// Resets returns the number of Reset calls.
func (b *Backend) Resets() int { return int(b.resets.Load()) }

// Live returns the number of units created and not yet destroyed.
func (b *Backend) Live() int { return int(b.live.Load()) }

// MaxLive returns the highest number of simultaneously live units.
func (b *Backend) MaxLive() int { return int(b.maxLive.Load()) }

// Overlapped reports whether any unit ever ran two executions at once.
func (b *Backend) Overlapped() bool { return b.overlapped.Load() }

// Echo returns the payload as the harness result. For wasm specs the payload
// is written to stdout as-is.
func Echo(_ context.Context, u *Unit, payload []byte) (backend.RawResult, error) {
	if spec := u.Spec(); spec != nil && spec.Language == model.LanguageWasm {
		return backend.RawResult{Stdout: payload}, nil
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	out, err := language.EncodeResult(json.RawMessage(payload))
	if err != nil {
		return backend.RawResult{}, err
	}
	return backend.RawResult{Stdout: out}, nil
}

// Sleep returns a RunFunc that blocks for d, then echoes. When ctx ends
// first it reports a timeout the way a real backend does after killing the
// execution.
func Sleep(d time.Duration) RunFunc {
	return func(ctx context.Context, u *Unit, payload []byte) (backend.RawResult, error) {
		select {
		case <-time.After(d):
			return Echo(ctx, u, payload)
		case <-ctx.Done():
			return backend.RawResult{}, backend.TimedOut(ctx.Err())
		}
	}
}

// Raise returns a RunFunc whose code raises an error with message.
func Raise(message string) RunFunc {
	return func(context.Context, *Unit, []byte) (backend.RawResult, error) {
		return backend.RawResult{Stdout: language.EncodeError(message), ExitCode: 1}, nil
	}
}

// Crash returns a RunFunc whose process dies without producing a result.
func Crash(code int, stderr string) RunFunc {
	return func(context.Context, *Unit, []byte) (backend.RawResult, error) {
		return backend.RawResult{Stderr: []byte(stderr), ExitCode: code}, nil
	}
}

var (
	_ backend.Backend  = (*Backend)(nil)
	_ backend.Resetter = (*Backend)(nil)
)
