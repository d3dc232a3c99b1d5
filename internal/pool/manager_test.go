package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/backend/fake"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/sandbox"
)

var testKey = sandbox.Key{Route: "add", Language: "python", Backend: "fake"}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fake.Backend) {
	t.Helper()
	fb := fake.New("fake")
	reg := backend.NewRegistry()
	reg.Register(fb)
	m := New(cfg, reg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, fb
}

func testSpec(t *testing.T) backend.LoadSpec {
	t.Helper()
	spec, err := language.Python{}.Prepare("def handler(event):\n    return event\n")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return spec
}

func TestAcquireReusesMostRecentlyUsed(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 2})
	ctx := context.Background()

	a, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	b, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	if a.State() != sandbox.StateBusy {
		t.Errorf("acquired sandbox state = %s, want busy", a.State())
	}

	m.Release(ctx, a, true)
	m.Release(ctx, b, true)

	got, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got != b {
		t.Errorf("Acquire returned %s, want most recently released %s", got.ID, b.ID)
	}
	if fb.Creates() != 2 {
		t.Errorf("Creates() = %d, want 2", fb.Creates())
	}
	if fb.Resets() != 2 {
		t.Errorf("Resets() = %d, want 2", fb.Resets())
	}
}

func TestUnhealthyReleaseDestroys(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 1})
	ctx := context.Background()

	sb, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(ctx, sb, false)

	if sb.State() != sandbox.StateTerminated {
		t.Errorf("state = %s, want terminated", sb.State())
	}
	if fb.Destroys() != 1 || fb.Live() != 0 {
		t.Errorf("Destroys() = %d, Live() = %d", fb.Destroys(), fb.Live())
	}

	next, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire after destroy: %v", err)
	}
	if next == sb {
		t.Error("destroyed sandbox was handed out again")
	}
}

func TestAcquireExhausted(t *testing.T) {
	m, _ := newTestManager(t, Config{Capacity: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	held, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(ctx, held, true)

	start := time.Now()
	_, err = m.Acquire(ctx, testKey)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("error = %v, want ErrResourceExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond || elapsed > time.Second {
		t.Errorf("Acquire returned after %s, want about 50ms", elapsed)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	held, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *sandbox.Sandbox, 1)
	go func() {
		sb, err := m.Acquire(ctx, testKey)
		if err != nil {
			t.Errorf("waiting Acquire: %v", err)
		}
		got <- sb
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release(ctx, held, true)

	select {
	case sb := <-got:
		if sb != held {
			t.Error("waiter did not receive the released sandbox")
		}
		m.Release(ctx, sb, true)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
	if fb.Creates() != 1 {
		t.Errorf("Creates() = %d, want 1", fb.Creates())
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	m, _ := newTestManager(t, Config{Capacity: 1, AcquireTimeout: time.Minute})

	held, err := m.Acquire(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(context.Background(), held, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, testKey)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestCreateFaultFreesSlot(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 1})
	fb.CreateErr = func(n int) error {
		if n == 1 {
			return errors.New("daemon down")
		}
		return nil
	}
	ctx := context.Background()

	_, err := m.Acquire(ctx, testKey)
	if !backend.IsFault(err) {
		t.Fatalf("error = %v, want FaultError", err)
	}

	sb, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire after fault: %v", err)
	}
	m.Release(ctx, sb, true)
}

func TestAcquireUnknownBackend(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.Acquire(context.Background(), sandbox.Key{Route: "x", Language: "python", Backend: "missing"})
	if !backend.IsFault(err) {
		t.Errorf("error = %v, want FaultError", err)
	}
}

func TestAcquireFreshSkipsIdle(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 1})
	ctx := context.Background()

	first, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(ctx, first, true)

	fresh, err := m.AcquireFresh(ctx, testKey)
	if err != nil {
		t.Fatalf("AcquireFresh: %v", err)
	}
	if fresh == first {
		t.Error("AcquireFresh reused an idle sandbox")
	}
	if first.State() != sandbox.StateTerminated {
		t.Errorf("idle sandbox at full capacity state = %s, want terminated", first.State())
	}
	if fb.Live() != 1 {
		t.Errorf("Live() = %d, want 1", fb.Live())
	}
	m.Release(ctx, fresh, true)
}

func TestConcurrentAcquireExclusiveOwnership(t *testing.T) {
	const (
		capacity   = 3
		workers    = 32
		iterations = 25
	)
	m, fb := newTestManager(t, Config{Capacity: capacity, AcquireTimeout: 10 * time.Second})
	ctx := context.Background()

	var (
		owners     sync.Map
		violations atomic.Int64
		wg         sync.WaitGroup
	)
	for w := range workers {
		wg.Go(func() {
			for i := range iterations {
				sb, err := m.Acquire(ctx, testKey)
				if err != nil {
					t.Errorf("worker %d: Acquire: %v", w, err)
					return
				}
				if _, loaded := owners.LoadOrStore(sb, w); loaded {
					violations.Add(1)
				}
				if _, err := fb.Run(ctx, sb.Unit, []byte(`{}`)); err != nil {
					t.Errorf("worker %d: Run: %v", w, err)
				}
				owners.Delete(sb)
				m.Release(ctx, sb, i%7 != 0)
			}
		})
	}
	wg.Wait()

	if violations.Load() != 0 {
		t.Errorf("%d sandboxes were held by two callers at once", violations.Load())
	}
	if fb.Overlapped() {
		t.Error("a unit ran two executions concurrently")
	}
	if fb.MaxLive() > capacity {
		t.Errorf("MaxLive() = %d, exceeds capacity %d", fb.MaxLive(), capacity)
	}
	for _, st := range m.Stats() {
		if st.Busy != 0 || st.Live != st.Idle {
			t.Errorf("after quiescence stats = %+v", st)
		}
	}
}

func TestPreWarmAndEvictConverge(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 4, PreWarm: 2, IdleTTL: time.Minute})
	now := time.Now()
	var mu sync.Mutex
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	ctx := context.Background()

	spec := testSpec(t)
	m.Register(testKey, spec)
	if err := m.PreWarm(ctx, testKey, 2); err != nil {
		t.Fatalf("PreWarm: %v", err)
	}
	if st := m.Stats()[0]; st.Idle != 2 || st.Live != 2 {
		t.Fatalf("after pre-warm stats = %+v", st)
	}
	if fb.LoadCalls() != 2 {
		t.Errorf("LoadCalls() = %d, want 2", fb.LoadCalls())
	}

	var held []*sandbox.Sandbox
	for range 4 {
		sb, err := m.Acquire(ctx, testKey)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		held = append(held, sb)
	}
	if !held[0].Loaded(spec.Language, spec.Digest) || !held[1].Loaded(spec.Language, spec.Digest) {
		t.Error("pre-warmed sandboxes were not handed out first")
	}
	for _, sb := range held {
		m.Release(ctx, sb, true)
	}
	if st := m.Stats()[0]; st.Idle != 4 {
		t.Fatalf("after release stats = %+v", st)
	}

	if n := m.EvictIdle(testKey, time.Minute); n != 0 {
		t.Errorf("EvictIdle before ttl destroyed %d", n)
	}
	advance(2 * time.Minute)
	if n := m.EvictIdle(testKey, time.Minute); n != 2 {
		t.Errorf("EvictIdle destroyed %d, want 2", n)
	}
	if st := m.Stats()[0]; st.Idle != 2 || st.Live != 2 {
		t.Errorf("after eviction stats = %+v, want idle converged to target 2", st)
	}

	advance(time.Hour)
	if n := m.EvictIdle(testKey, time.Minute); n != 0 {
		t.Errorf("EvictIdle went below the pre-warm target, destroyed %d", n)
	}
}

func TestMaintainRestoresTarget(t *testing.T) {
	m, _ := newTestManager(t, Config{Capacity: 3, PreWarm: 2})
	ctx := context.Background()
	m.Register(testKey, testSpec(t))

	m.Maintain(ctx)
	if st := m.Stats()[0]; st.Idle != 2 {
		t.Fatalf("after maintain stats = %+v", st)
	}

	sb, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Release(ctx, sb, false)

	m.Maintain(ctx)
	if st := m.Stats()[0]; st.Idle != 2 {
		t.Errorf("maintain did not refill the target: %+v", st)
	}
}

func TestPreWarmWithoutTemplate(t *testing.T) {
	m, fb := newTestManager(t, Config{})
	if err := m.PreWarm(context.Background(), testKey, 3); err != nil {
		t.Fatalf("PreWarm: %v", err)
	}
	if fb.Creates() != 0 {
		t.Errorf("PreWarm without a template created %d sandboxes", fb.Creates())
	}
}

func TestGlobalLimitReclaimsOtherKey(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 2, GlobalLimit: 1, AcquireTimeout: time.Second})
	ctx := context.Background()
	other := sandbox.Key{Route: "other", Language: "python", Backend: "fake"}

	a, err := m.Acquire(ctx, other)
	if err != nil {
		t.Fatalf("Acquire other: %v", err)
	}
	m.Release(ctx, a, true)

	b, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire under global limit: %v", err)
	}
	if a.State() != sandbox.StateTerminated {
		t.Errorf("idle sandbox of other key state = %s, want terminated", a.State())
	}
	if fb.MaxLive() != 1 {
		t.Errorf("MaxLive() = %d, want 1", fb.MaxLive())
	}
	m.Release(ctx, b, true)
}

func TestDrain(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 2})
	ctx := context.Background()

	idle, _ := m.Acquire(ctx, testKey)
	busy, _ := m.Acquire(ctx, testKey)
	m.Release(ctx, idle, true)

	if n := m.Drain(ctx, testKey.Route); n != 1 {
		t.Errorf("Drain destroyed %d, want 1", n)
	}
	if st := m.Stats(); len(st) != 1 || st[0].Live != 1 || st[0].Busy != 1 || st[0].Idle != 0 {
		t.Errorf("after drain stats = %+v, want only the busy sandbox live", st)
	}

	m.Release(ctx, busy, true)
	if busy.State() != sandbox.StateTerminated {
		t.Errorf("busy sandbox released after drain state = %s, want terminated", busy.State())
	}
	if fb.Live() != 0 {
		t.Errorf("Live() = %d, want 0", fb.Live())
	}
	if len(m.Stats()) != 0 {
		t.Errorf("drained key still reported once empty: %+v", m.Stats())
	}
}

func TestDrainKeepsBusySandboxesAgainstCapacity(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 1, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	old, err := m.Acquire(ctx, testKey)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m.Drain(ctx, testKey.Route)

	if _, err := m.Acquire(ctx, testKey); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Acquire while the pre-drain sandbox is busy: err = %v, want ErrResourceExhausted", err)
	}
	if fb.MaxLive() != 1 {
		t.Errorf("MaxLive() = %d, exceeds capacity 1", fb.MaxLive())
	}

	got := make(chan *sandbox.Sandbox, 1)
	go func() {
		sb, err := m.Acquire(ctx, testKey)
		if err != nil {
			t.Errorf("Acquire after release: %v", err)
		}
		got <- sb
	}()
	time.Sleep(20 * time.Millisecond)
	m.Release(ctx, old, true)

	sb := <-got
	if sb == nil {
		return
	}
	if sb == old || old.State() != sandbox.StateTerminated {
		t.Errorf("pre-drain sandbox was reused (state %s)", old.State())
	}
	if fb.MaxLive() != 1 {
		t.Errorf("MaxLive() = %d, exceeds capacity 1", fb.MaxLive())
	}
	m.Release(ctx, sb, true)
	if sb.State() != sandbox.StateIdle {
		t.Errorf("post-drain sandbox state = %s, want idle", sb.State())
	}
}

func TestClose(t *testing.T) {
	m, fb := newTestManager(t, Config{Capacity: 1})
	ctx := context.Background()

	sb, _ := m.Acquire(ctx, testKey)
	m.Release(ctx, sb, true)

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fb.Live() != 0 {
		t.Errorf("Live() = %d after close", fb.Live())
	}
	if _, err := m.Acquire(ctx, testKey); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after close error = %v, want ErrClosed", err)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	m, _ := newTestManager(t, Config{MaintainInterval: 10 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	_ = m.Close(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
