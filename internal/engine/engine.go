package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/sandbox"
)

// Phases of one invocation, logged at debug level.
const (
	phaseQueued    = "queued"
	phaseAcquiring = "acquiring"
	phaseLoading   = "loading"
	phaseRunning   = "running"
	phaseCompleted = "completed"
	phaseTimedOut  = "timed_out"
	phaseFailed    = "failed"
	phaseErrored   = "errored"
	phaseReleased  = "released"
)

// Invocation is one request to run code. It is never persisted.
type Invocation struct {
	Route    string
	Language string
	Code     string
	Payload  json.RawMessage
	Timeout  time.Duration
	Backend  string
}

// InvocationFor builds an Invocation of f with payload.
func InvocationFor(f model.Function, payload json.RawMessage) Invocation {
	return Invocation{
		Route:    f.Route,
		Language: f.Language,
		Code:     f.Code,
		Payload:  payload,
		Timeout:  f.Timeout(),
		Backend:  f.Backend,
	}
}

// Pool is the part of the sandbox pool the engine uses.
type Pool interface {
	Acquire(ctx context.Context, key sandbox.Key) (*sandbox.Sandbox, error)
	AcquireFresh(ctx context.Context, key sandbox.Key) (*sandbox.Sandbox, error)
	Release(ctx context.Context, sb *sandbox.Sandbox, healthy bool)
	Register(key sandbox.Key, spec backend.LoadSpec)
}

// Engine dispatches invocations onto pooled sandboxes.
type Engine struct {
	pool   Pool
	logger *slog.Logger
	broker *LogBroker
}

// New creates an execution engine.
func New(p Pool, logger *slog.Logger) *Engine {
	return &Engine{
		pool:   p,
		logger: logger,
		broker: NewLogBroker(),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Warm registers inv's code with the pool so its key is pre-warmed ahead
// of the first invocation. It fails when the code cannot be prepared.
func (e *Engine) Warm(inv Invocation) error {
	rt, err := language.Lookup(inv.Language)
	if err != nil {
		return err
	}
	spec, err := rt.Prepare(inv.Code)
	if err != nil {
		return err
	}
	e.pool.Register(sandbox.Key{Route: inv.Route, Language: inv.Language, Backend: inv.Backend}, spec)
	return nil
}

// Invoke runs inv and returns its outcome. It never panics.
//
// Two clocks bound an invocation. Waiting for a sandbox, including a cold
// backend Create, is bounded by ctx and the pool's AcquireTimeout. The
// invocation timeout starts once a sandbox is held and covers Load and Run,
// so time spent queued behind other invocations is not charged to the
// function. Invoke returns within AcquireTimeout plus the timeout, doubled
// when a backend fault is retried, unless a backend Create ignores ctx.
func (e *Engine) Invoke(ctx context.Context, inv Invocation) Envelope {
	start := time.Now()
	id := model.NewID()
	log := e.logger.With("invocation_id", id, "route", inv.Route, "backend", inv.Backend)
	log.Debug("invocation phase", "phase", phaseQueued)

	env := e.invoke(ctx, id, log, inv)
	env.InvocationID = id
	env.Backend = inv.Backend
	env.DurationMS = time.Since(start).Milliseconds()

	outcome := outcomeOK
	if !env.Success {
		outcome = string(env.Kind)
	}
	invocationsTotal.WithLabelValues(inv.Backend, outcome).Inc()
	invocationDuration.WithLabelValues(inv.Backend).Observe(time.Since(start).Seconds())
	if env.Cold {
		coldStartsTotal.WithLabelValues(inv.Backend).Inc()
	}
	log.Debug("invocation phase", "phase", phaseReleased, "duration_ms", env.DurationMS)
	return env
}

func (e *Engine) invoke(ctx context.Context, id string, log *slog.Logger, inv Invocation) Envelope {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTimeoutS * time.Second
	}
	payload := inv.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	rt, err := language.Lookup(inv.Language)
	if err != nil {
		return failed(ctx, &language.ExecutionError{Message: err.Error()}, timeout)
	}
	spec, err := rt.Prepare(inv.Code)
	if err != nil {
		return failed(ctx, &language.ExecutionError{Message: err.Error()}, timeout)
	}

	key := sandbox.Key{Route: inv.Route, Language: inv.Language, Backend: inv.Backend}
	e.pool.Register(key, spec)

	l, err := e.acquire(ctx, log, key, spec, timeout, false)
	if err != nil && backend.IsFault(err) && ctx.Err() == nil {
		retriesTotal.WithLabelValues(inv.Backend).Inc()
		log.Warn("retrying on a fresh sandbox after backend fault", "error", err)
		l, err = e.acquire(ctx, log, key, spec, timeout, true)
	}
	if err != nil {
		log.Debug("invocation phase", "phase", phaseErrored, "error", err)
		env := failed(ctx, err, timeout)
		env.Cold = l.cold
		return env
	}
	defer l.cancel()
	sb, cold, runCtx := l.sb, l.cold, l.ctx

	log.Debug("invocation phase", "phase", phaseRunning, "sandbox_id", sb.ID)
	run := func(ctx context.Context, payload []byte) (backend.RawResult, error) {
		return sb.Backend.Run(ctx, sb.Unit, payload)
	}
	out, _, err := language.Invoke(runCtx, rt, run, payload)
	e.publish(inv.Route, id, sb.ID, out.Logs)

	e.pool.Release(context.WithoutCancel(ctx), sb, err == nil)

	if err != nil {
		env := failed(ctx, err, timeout)
		env.SandboxID = sb.ID
		env.Cold = cold
		env.Logs = out.Logs
		phase := phaseFailed
		switch env.Kind {
		case KindTimedOut:
			phase = phaseTimedOut
		case KindBackendFault:
			phase = phaseErrored
		}
		log.Debug("invocation phase", "phase", phase, "sandbox_id", sb.ID, "error", err)
		return env
	}

	log.Debug("invocation phase", "phase", phaseCompleted, "sandbox_id", sb.ID)
	return Envelope{
		Success:   true,
		Result:    out.Result,
		SandboxID: sb.ID,
		Cold:      cold,
		Logs:      out.Logs,
	}
}

// lease is a held sandbox and the deadline its invocation runs under.
type lease struct {
	sb     *sandbox.Sandbox
	cold   bool
	ctx    context.Context
	cancel context.CancelFunc
}

// acquire obtains a sandbox for key holding spec's code, loading it when
// needed. The returned lease's context expires timeout after the sandbox was
// obtained. On error only cold is meaningful.
func (e *Engine) acquire(ctx context.Context, log *slog.Logger, key sandbox.Key, spec backend.LoadSpec, timeout time.Duration, fresh bool) (lease, error) {
	log.Debug("invocation phase", "phase", phaseAcquiring, "fresh", fresh)
	get := e.pool.Acquire
	if fresh {
		get = e.pool.AcquireFresh
	}
	sb, err := get(ctx, key)
	if err != nil {
		return lease{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	if sb.Loaded(spec.Language, spec.Digest) {
		return lease{sb: sb, ctx: runCtx, cancel: cancel}, nil
	}

	log.Debug("invocation phase", "phase", phaseLoading, "sandbox_id", sb.ID)
	if err := sb.Backend.Load(runCtx, sb.Unit, spec); err != nil {
		cancel()
		e.pool.Release(context.WithoutCancel(ctx), sb, false)
		var ee *language.ExecutionError
		if errors.As(err, &ee) {
			return lease{cold: true}, ee
		}
		if runCtx.Err() != nil {
			return lease{cold: true}, backend.TimedOut(err)
		}
		return lease{cold: true}, backend.Fault(sb.Backend.Name(), backend.OpLoad, err)
	}
	sb.MarkLoaded(spec.Language, spec.Digest)
	return lease{sb: sb, cold: true, ctx: runCtx, cancel: cancel}, nil
}

func (e *Engine) publish(route, invocationID, sandboxID string, lines []string) {
	if len(lines) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, l := range lines {
		e.broker.Publish(route, LogLine{
			Time:         now,
			InvocationID: invocationID,
			SandboxID:    sandboxID,
			Text:         l,
		})
	}
}

// failed builds the envelope for err. Timeouts caused by the caller going
// away are reported as cancellations.
func failed(ctx context.Context, err error, timeout time.Duration) Envelope {
	kind := Classify(err)
	msg := err.Error()
	if kind == KindTimedOut {
		if errors.Is(ctx.Err(), context.Canceled) {
			msg = "invocation canceled"
		} else {
			msg = fmt.Sprintf("function timed out after %s", timeout)
		}
	}
	return Envelope{
		Success: false,
		Error:   msg,
		Kind:    kind,
	}
}
