package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/backend/fake"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
)

const echoCode = "def handler(event):\n    return event\n"

func newTestEngine(t *testing.T, cfg pool.Config, fb *fake.Backend) (*Engine, *pool.Manager) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := backend.NewRegistry()
	reg.Register(fb)
	mgr := pool.New(cfg, reg, logger)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return New(mgr, logger), mgr
}

func invocation(route, code string, timeout time.Duration) Invocation {
	return Invocation{
		Route:    route,
		Language: model.LanguagePython,
		Code:     code,
		Payload:  json.RawMessage(`{"a":1,"b":2}`),
		Timeout:  timeout,
		Backend:  "fake",
	}
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := retriesTotal.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestInvokeSuccessThenWarmReuse(t *testing.T) {
	fb := fake.New("fake")
	e, _ := newTestEngine(t, pool.Config{Capacity: 2}, fb)
	ctx := context.Background()

	first := e.Invoke(ctx, invocation("echo", echoCode, time.Second))
	if !first.Success {
		t.Fatalf("first invocation failed: %+v", first)
	}
	if string(first.Result) != `{"a":1,"b":2}` {
		t.Errorf("Result = %s", first.Result)
	}
	if !first.Cold {
		t.Error("first invocation should be cold")
	}
	if first.Backend != "fake" || first.SandboxID == "" || first.InvocationID == "" {
		t.Errorf("envelope metadata missing: %+v", first)
	}

	second := e.Invoke(ctx, invocation("echo", echoCode, time.Second))
	if !second.Success || second.Cold {
		t.Errorf("second invocation = %+v, want warm success", second)
	}
	if second.SandboxID != first.SandboxID {
		t.Errorf("warm invocation used sandbox %s, want %s", second.SandboxID, first.SandboxID)
	}
	if fb.Creates() != 1 || fb.LoadCalls() != 1 {
		t.Errorf("Creates() = %d, LoadCalls() = %d, want 1 and 1", fb.Creates(), fb.LoadCalls())
	}
}

func TestInvokeDefaultsPayload(t *testing.T) {
	fb := fake.New("fake")
	e, _ := newTestEngine(t, pool.Config{}, fb)

	inv := invocation("echo", echoCode, time.Second)
	inv.Payload = nil
	env := e.Invoke(context.Background(), inv)
	if !env.Success || string(env.Result) != "{}" {
		t.Errorf("envelope = %+v, want result {}", env)
	}
}

func TestInvokeCodeChangeReloads(t *testing.T) {
	fb := fake.New("fake")
	e, _ := newTestEngine(t, pool.Config{Capacity: 1}, fb)
	ctx := context.Background()

	e.Invoke(ctx, invocation("echo", echoCode, time.Second))
	env := e.Invoke(ctx, invocation("echo", echoCode+"# v2\n", time.Second))
	if !env.Success || !env.Cold {
		t.Errorf("envelope = %+v, want cold success after code change", env)
	}
	if fb.LoadCalls() != 2 {
		t.Errorf("LoadCalls() = %d, want 2", fb.LoadCalls())
	}
}

// A function that never returns is stopped at its timeout and its sandbox is
// not reused.
func TestInvokeTimeout(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = fake.Sleep(time.Hour)
	e, mgr := newTestEngine(t, pool.Config{Capacity: 1}, fb)

	start := time.Now()
	env := e.Invoke(context.Background(), invocation("loop", "while True: pass", 100*time.Millisecond))
	elapsed := time.Since(start)

	if env.Success || env.Kind != KindTimedOut {
		t.Fatalf("envelope = %+v, want TimedOut", env)
	}
	if !strings.Contains(env.Error, "timed out") {
		t.Errorf("Error = %q", env.Error)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("Invoke returned after %s, want about 100ms", elapsed)
	}
	if fb.Destroys() != 1 || fb.Live() != 0 {
		t.Errorf("Destroys() = %d, Live() = %d, want timed out sandbox destroyed", fb.Destroys(), fb.Live())
	}
	for _, st := range mgr.Stats() {
		if st.Idle != 0 {
			t.Errorf("timed out sandbox returned to idle: %+v", st)
		}
	}
	if fb.Creates() != 1 {
		t.Errorf("timeout was retried: Creates() = %d", fb.Creates())
	}
}

// With capacity 1, two concurrent invocations share the single sandbox one
// after the other.
func TestInvokeConcurrentAtCapacityOne(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = fake.Sleep(50 * time.Millisecond)
	e, _ := newTestEngine(t, pool.Config{Capacity: 1, AcquireTimeout: 5 * time.Second}, fb)

	var wg sync.WaitGroup
	envs := make([]Envelope, 2)
	for i := range envs {
		wg.Go(func() {
			envs[i] = e.Invoke(context.Background(), invocation("echo", echoCode, time.Second))
		})
	}
	wg.Wait()

	for i, env := range envs {
		if !env.Success {
			t.Errorf("invocation %d failed: %+v", i, env)
		}
	}
	if fb.MaxLive() != 1 {
		t.Errorf("MaxLive() = %d, want 1", fb.MaxLive())
	}
	if fb.Overlapped() {
		t.Error("executions overlapped on one sandbox")
	}
}

// Queueing for the only sandbox does not eat into the function's timeout.
func TestInvokeQueuedTimeNotChargedToTimeout(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = fake.Sleep(300 * time.Millisecond)
	e, _ := newTestEngine(t, pool.Config{Capacity: 1, AcquireTimeout: 5 * time.Second}, fb)

	var wg sync.WaitGroup
	envs := make([]Envelope, 2)
	for i := range envs {
		wg.Go(func() {
			envs[i] = e.Invoke(context.Background(), invocation("slow", echoCode, 500*time.Millisecond))
		})
	}
	wg.Wait()

	for i, env := range envs {
		if !env.Success {
			t.Errorf("invocation %d = %+v, want success", i, env)
		}
	}
	if fb.Creates() != 1 || fb.Destroys() != 0 {
		t.Errorf("Creates() = %d, Destroys() = %d, want one sandbox reused and kept", fb.Creates(), fb.Destroys())
	}
}

// A raised error fails only its own invocation.
func TestInvokeRaisedErrorIsolated(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = func(ctx context.Context, u *fake.Unit, payload []byte) (backend.RawResult, error) {
		if strings.Contains(string(u.Spec().Files[language.PythonHandlerFile]), "raise") {
			return fake.Raise("ValueError: bad input")(ctx, u, payload)
		}
		return fake.Echo(ctx, u, payload)
	}
	e, _ := newTestEngine(t, pool.Config{Capacity: 2}, fb)
	ctx := context.Background()

	bad := e.Invoke(ctx, invocation("bad", "def handler(e):\n    raise ValueError('bad input')\n", time.Second))
	if bad.Success || bad.Kind != KindExecutionFailure {
		t.Fatalf("envelope = %+v, want ExecutionFailure", bad)
	}
	if bad.Error != "ValueError: bad input" {
		t.Errorf("Error = %q", bad.Error)
	}

	good := e.Invoke(ctx, invocation("good", echoCode, time.Second))
	if !good.Success {
		t.Errorf("unrelated route failed: %+v", good)
	}
	if good.SandboxID == bad.SandboxID {
		t.Error("routes shared a sandbox")
	}
	if fb.Destroys() != 1 {
		t.Errorf("Destroys() = %d, want only the failed sandbox destroyed", fb.Destroys())
	}
}

func TestInvokeCrash(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = fake.Crash(139, "Segmentation fault")
	e, _ := newTestEngine(t, pool.Config{}, fb)

	env := e.Invoke(context.Background(), invocation("crash", echoCode, time.Second))
	if env.Kind != KindExecutionFailure {
		t.Fatalf("envelope = %+v, want ExecutionFailure", env)
	}
	if !strings.Contains(env.Error, "Segmentation fault") {
		t.Errorf("Error = %q", env.Error)
	}
	if fb.Live() != 0 {
		t.Errorf("crashed sandbox still live")
	}
}

func TestInvokeRetriesCreateFaultOnce(t *testing.T) {
	fb := fake.New("fake")
	fb.CreateErr = func(n int) error {
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	}
	e, _ := newTestEngine(t, pool.Config{}, fb)
	before := counterValue(t, "fake")

	env := e.Invoke(context.Background(), invocation("echo", echoCode, time.Second))
	if !env.Success {
		t.Fatalf("envelope = %+v, want success after retry", env)
	}
	if fb.Creates() != 2 {
		t.Errorf("Creates() = %d, want 2", fb.Creates())
	}
	if got := counterValue(t, "fake") - before; got != 1 {
		t.Errorf("retry counter increased by %v, want 1", got)
	}
}

func TestInvokeRetriesLoadFaultOnce(t *testing.T) {
	fb := fake.New("fake")
	fb.LoadErr = func(n int) error {
		if n == 1 {
			return errors.New("copy failed")
		}
		return nil
	}
	e, _ := newTestEngine(t, pool.Config{Capacity: 1}, fb)

	env := e.Invoke(context.Background(), invocation("echo", echoCode, time.Second))
	if !env.Success {
		t.Fatalf("envelope = %+v, want success after retry", env)
	}
	if fb.Destroys() != 1 {
		t.Errorf("Destroys() = %d, want the failed sandbox destroyed", fb.Destroys())
	}
}

func TestInvokeLoadRejectedCodeIsNotRetried(t *testing.T) {
	fb := fake.New("fake")
	fb.LoadErr = func(int) error { return &language.ExecutionError{Message: "invalid module"} }
	e, _ := newTestEngine(t, pool.Config{Capacity: 1}, fb)

	env := e.Invoke(context.Background(), invocation("echo", echoCode, time.Second))
	if env.Kind != KindExecutionFailure {
		t.Fatalf("envelope = %+v, want ExecutionFailure", env)
	}
	if fb.LoadCalls() != 1 {
		t.Errorf("LoadCalls() = %d, want no retry", fb.LoadCalls())
	}
}

func TestInvokeBackendFaultAfterRetry(t *testing.T) {
	fb := fake.New("fake")
	fb.CreateErr = func(int) error { return errors.New("daemon down") }
	e, _ := newTestEngine(t, pool.Config{}, fb)

	env := e.Invoke(context.Background(), invocation("echo", echoCode, time.Second))
	if env.Kind != KindBackendFault {
		t.Fatalf("envelope = %+v, want BackendFault", env)
	}
	if fb.Creates() != 2 {
		t.Errorf("Creates() = %d, want exactly one retry", fb.Creates())
	}
}

func TestInvokeResourceExhausted(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = fake.Sleep(500 * time.Millisecond)
	e, _ := newTestEngine(t, pool.Config{Capacity: 1, AcquireTimeout: 50 * time.Millisecond}, fb)
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan Envelope, 1)
	go func() {
		close(started)
		done <- e.Invoke(ctx, invocation("slow", echoCode, time.Second))
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	env := e.Invoke(ctx, invocation("slow", echoCode, time.Second))
	if env.Kind != KindResourceExhausted {
		t.Errorf("envelope = %+v, want ResourceExhausted", env)
	}
	if first := <-done; !first.Success {
		t.Errorf("holder invocation failed: %+v", first)
	}
}

func TestInvokeCallerCancel(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = fake.Sleep(time.Hour)
	e, _ := newTestEngine(t, pool.Config{}, fb)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	env := e.Invoke(ctx, invocation("loop", echoCode, 5*time.Second))
	if env.Kind != KindTimedOut || env.Error != "invocation canceled" {
		t.Errorf("envelope = %+v, want canceled TimedOut", env)
	}
	if fb.Live() != 0 {
		t.Error("canceled sandbox was not destroyed")
	}
}

func TestInvokeUnknownLanguage(t *testing.T) {
	fb := fake.New("fake")
	e, _ := newTestEngine(t, pool.Config{}, fb)

	inv := invocation("echo", echoCode, time.Second)
	inv.Language = "cobol"
	env := e.Invoke(context.Background(), inv)
	if env.Kind != KindExecutionFailure {
		t.Errorf("envelope = %+v, want ExecutionFailure", env)
	}
	if fb.Creates() != 0 {
		t.Error("sandbox created for unknown language")
	}
}

func TestInvokePublishesLogs(t *testing.T) {
	fb := fake.New("fake")
	fb.Exec = func(ctx context.Context, u *fake.Unit, payload []byte) (backend.RawResult, error) {
		res, err := fake.Echo(ctx, u, payload)
		res.Stdout = append([]byte("computing\n"), res.Stdout...)
		return res, err
	}
	e, _ := newTestEngine(t, pool.Config{}, fb)

	ch, unsub := e.Broker().Subscribe("echo")
	defer unsub()

	env := e.Invoke(context.Background(), invocation("echo", echoCode, time.Second))
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	select {
	case l := <-ch:
		if l.Text != "computing" || l.InvocationID != env.InvocationID {
			t.Errorf("log line = %+v", l)
		}
	case <-time.After(time.Second):
		t.Fatal("no log line published")
	}
}

func TestInvocationFor(t *testing.T) {
	f := model.Function{Route: "add", Language: "node", Code: "x", TimeoutS: 7, Backend: "docker"}
	inv := InvocationFor(f, json.RawMessage(`{}`))
	if inv.Timeout != 7*time.Second || inv.Route != "add" || inv.Backend != "docker" {
		t.Errorf("InvocationFor = %+v", inv)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", pool.ErrResourceExhausted), KindResourceExhausted},
		{pool.ErrClosed, KindResourceExhausted},
		{backend.TimedOut(context.DeadlineExceeded), KindTimedOut},
		{context.Canceled, KindTimedOut},
		{backend.Fault("docker", backend.OpLoad, context.DeadlineExceeded), KindTimedOut},
		{&language.ExecutionError{Message: "boom"}, KindExecutionFailure},
		{backend.Fault("docker", backend.OpCreate, errors.New("no daemon")), KindBackendFault},
		{errors.New("unknown"), KindBackendFault},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestWarmRegistersKeyForPrewarm(t *testing.T) {
	fb := fake.New("fake")
	e, mgr := newTestEngine(t, pool.Config{Capacity: 2, PreWarm: 1}, fb)

	if err := e.Warm(invocation("warm", echoCode, time.Second)); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	stats := mgr.Stats()
	if len(stats) != 1 || stats[0].Key.Route != "warm" || stats[0].Target != 1 {
		t.Errorf("Stats = %+v, want one key for route warm with target 1", stats)
	}
	if fb.Creates() != 0 {
		t.Errorf("Creates = %d, want 0 before the pool maintains", fb.Creates())
	}
}

func TestWarmRejectsUnknownLanguage(t *testing.T) {
	e, _ := newTestEngine(t, pool.Config{Capacity: 1}, fake.New("fake"))
	inv := invocation("warm", echoCode, time.Second)
	inv.Language = "cobol"
	if err := e.Warm(inv); err == nil {
		t.Error("expected error for unknown language")
	}
}
