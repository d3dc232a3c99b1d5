package pool

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/sandbox"
)

// drainParallelism bounds concurrent Destroy calls while draining.
const drainParallelism = 8

// Backends resolves backend selectors. *backend.Registry implements it.
type Backends interface {
	Get(name string) (backend.Backend, error)
}

// KeyStats is a snapshot of one key's pool.
type KeyStats struct {
	Key      sandbox.Key `json:"key"`
	Idle     int         `json:"idle"`
	Busy     int         `json:"busy"`
	Warming  int         `json:"warming"`
	Live     int         `json:"live"`
	Target   int         `json:"target"`
	Capacity int         `json:"capacity"`
}

// notifier is a broadcast signal. The channel returned by wait is closed by
// the next notify.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}

// keyPool holds the sandboxes of one key. live counts every sandbox that
// holds or has reserved a capacity slot: idle, busy and warming. A keyPool
// is never removed from the manager while any of them exist.
type keyPool struct {
	key  sandbox.Key
	wake *notifier

	mu       sync.Mutex
	idle     []*sandbox.Sandbox // most recently used last
	live     int
	busy     int
	warming  int
	template *backend.LoadSpec
	target   int

	// gen is bumped by Drain. Sandboxes born in an older generation are
	// destroyed instead of returning to idle.
	gen  int
	born map[*sandbox.Sandbox]int
}

// Manager owns every pooled sandbox.
type Manager struct {
	cfg      Config
	backends Backends
	logger   *slog.Logger
	global   *semaphore.Weighted
	freed    *notifier
	now      func() time.Time

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	runWG     sync.WaitGroup

	mu     sync.Mutex
	keys   map[sandbox.Key]*keyPool
	owners map[*sandbox.Sandbox]*keyPool
}

// New creates a pool manager. Zero fields in cfg take their defaults.
func New(cfg Config, backends Backends, logger *slog.Logger) *Manager {
	cfg = cfg.normalize()
	return &Manager{
		cfg:      cfg,
		backends: backends,
		logger:   logger,
		global:   semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		freed:    newNotifier(),
		now:      time.Now,
		stop:     make(chan struct{}),
		keys:     make(map[sandbox.Key]*keyPool),
		owners:   make(map[*sandbox.Sandbox]*keyPool),
	}
}

// Config returns the effective pool policy.
func (m *Manager) Config() Config {
	return m.cfg
}

// pool returns the key's pool, creating it if needed.
func (m *Manager) pool(key sandbox.Key) *keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.keys[key]
	if !ok {
		kp = &keyPool{key: key, wake: newNotifier(), born: make(map[*sandbox.Sandbox]int)}
		m.keys[key] = kp
	}
	return kp
}

func (m *Manager) lookup(key sandbox.Key) *keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key]
}

func (m *Manager) snapshot() []*keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*keyPool, 0, len(m.keys))
	for _, kp := range m.keys {
		pools = append(pools, kp)
	}
	return pools
}

// Register records spec as the code used to pre-warm key. Calling it again
// replaces the template; sandboxes already holding older code are reloaded
// when next used.
func (m *Manager) Register(key sandbox.Key, spec backend.LoadSpec) {
	if m.closed.Load() {
		return
	}
	kp := m.pool(key)
	kp.mu.Lock()
	defer kp.mu.Unlock()
	kp.template = &spec
	kp.target = m.cfg.PreWarm
}

// Acquire hands out a sandbox for key for exclusive use, preferring the most
// recently used idle one. The caller must pass it back to Release.
func (m *Manager) Acquire(ctx context.Context, key sandbox.Key) (*sandbox.Sandbox, error) {
	return m.acquire(ctx, key, true)
}

// AcquireFresh is Acquire without reuse: it always creates a new sandbox.
func (m *Manager) AcquireFresh(ctx context.Context, key sandbox.Key) (*sandbox.Sandbox, error) {
	return m.acquire(ctx, key, false)
}

func (m *Manager) acquire(ctx context.Context, key sandbox.Key, reuse bool) (*sandbox.Sandbox, error) {
	start := time.Now()
	b, err := m.backends.Get(key.Backend)
	if err != nil {
		return nil, backend.Fault(key.Backend, backend.OpCreate, err)
	}

	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		if m.closed.Load() {
			return nil, ErrClosed
		}
		freed := m.freed.wait()
		kp := m.pool(key)

		kp.mu.Lock()
		if reuse && len(kp.idle) > 0 {
			sb := kp.idle[len(kp.idle)-1]
			kp.idle = kp.idle[:len(kp.idle)-1]
			kp.busy++
			kp.mu.Unlock()

			if err := sb.Transition(sandbox.StateBusy); err != nil {
				m.logger.Error("idle sandbox in unexpected state", "sandbox_id", sb.ID, "error", err)
				m.release(ctx, kp, sb, false)
				continue
			}
			sb.Touch(m.now())
			acquireWait.WithLabelValues(key.Backend, "warm").Observe(time.Since(start).Seconds())
			return sb, nil
		}

		wake := kp.wake.wait()
		if kp.live < m.cfg.Capacity {
			if m.global.TryAcquire(1) {
				kp.live++
				kp.busy++
				gen := kp.gen
				kp.mu.Unlock()

				sb, err := m.create(ctx, kp, b, gen, "invoke")
				if err != nil {
					kp.mu.Lock()
					kp.live--
					kp.busy--
					kp.wake.notify()
					kp.mu.Unlock()
					m.releaseGlobal()
					acquireWait.WithLabelValues(key.Backend, "failed").Observe(time.Since(start).Seconds())
					return nil, err
				}
				if err := sb.Transition(sandbox.StateBusy); err != nil {
					m.release(ctx, kp, sb, false)
					return nil, err
				}
				acquireWait.WithLabelValues(key.Backend, "cold").Observe(time.Since(start).Seconds())
				return sb, nil
			}
			kp.mu.Unlock()
			if m.reclaim(ctx, key, reuse) {
				continue
			}
		} else if !reuse && len(kp.idle) > 0 {
			// A fresh sandbox is needed but the key is full: give up the
			// oldest idle slot.
			sb := kp.idle[0]
			kp.idle = kp.idle[1:]
			kp.mu.Unlock()
			m.destroy(ctx, kp, sb, reasonReclaimed)
			continue
		} else {
			kp.mu.Unlock()
		}

		select {
		case <-wake:
		case <-freed:
		case <-ctx.Done():
			acquireWait.WithLabelValues(key.Backend, "canceled").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-timer.C:
			acquireWait.WithLabelValues(key.Backend, "exhausted").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %s after %s", ErrResourceExhausted, key, m.cfg.AcquireTimeout)
		}
	}
}

// create provisions a unit for kp in generation gen. The caller has already
// reserved the key slot and a global slot.
func (m *Manager) create(ctx context.Context, kp *keyPool, b backend.Backend, gen int, purpose string) (*sandbox.Sandbox, error) {
	u, err := b.Create(ctx)
	if err != nil {
		return nil, backend.Fault(b.Name(), backend.OpCreate, err)
	}
	sb := sandbox.New(kp.key, b, u, m.now())

	m.mu.Lock()
	m.owners[sb] = kp
	m.mu.Unlock()
	kp.mu.Lock()
	kp.born[sb] = gen
	kp.mu.Unlock()

	liveSandboxes.Inc()
	sandboxesCreated.WithLabelValues(b.Name(), purpose).Inc()
	m.logger.Debug("sandbox created", "sandbox_id", sb.ID, "key", kp.key.String(), "purpose", purpose)
	return sb, nil
}

func (m *Manager) releaseGlobal() {
	m.global.Release(1)
	m.freed.notify()
}

// Release returns a sandbox obtained from Acquire. A healthy sandbox is reset
// and pushed back onto its idle stack unless the stack is full or the key was
// drained after the sandbox was created; an unhealthy one is always
// destroyed.
func (m *Manager) Release(ctx context.Context, sb *sandbox.Sandbox, healthy bool) {
	m.mu.Lock()
	kp := m.owners[sb]
	m.mu.Unlock()
	if kp == nil {
		m.logger.Warn("release of unknown sandbox", "sandbox_id", sb.ID)
		return
	}
	m.release(ctx, kp, sb, healthy)
}

func (m *Manager) release(ctx context.Context, kp *keyPool, sb *sandbox.Sandbox, healthy bool) {
	if healthy {
		if r, ok := sb.Backend.(backend.Resetter); ok {
			if err := r.Reset(ctx, sb.Unit); err != nil {
				m.logger.Warn("sandbox reset failed", "sandbox_id", sb.ID, "error", err)
				healthy = false
			}
		}
	}

	reason := reasonUnhealthy
	kp.mu.Lock()
	kp.busy--
	if healthy {
		switch {
		case kp.born[sb] != kp.gen || m.closed.Load():
			reason = reasonDrained
		case len(kp.idle) >= m.cfg.IdleCap:
			reason = reasonOverflow
		default:
			if err := sb.Transition(sandbox.StateIdle); err != nil {
				m.logger.Error("cannot return sandbox to idle", "sandbox_id", sb.ID, "error", err)
				break
			}
			sb.Touch(m.now())
			kp.idle = append(kp.idle, sb)
			kp.wake.notify()
			kp.mu.Unlock()
			return
		}
	}
	kp.mu.Unlock()

	m.destroy(ctx, kp, sb, reason)
}

// destroy terminates a sandbox that is no longer on any idle stack and frees
// its key and global slots.
func (m *Manager) destroy(ctx context.Context, kp *keyPool, sb *sandbox.Sandbox, reason string) {
	_ = sb.Transition(sandbox.StateDraining)

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := sb.Backend.Destroy(dctx, sb.Unit); err != nil {
		m.logger.Warn("sandbox destroy failed", "sandbox_id", sb.ID, "key", kp.key.String(), "error", err)
	}
	if err := sb.Transition(sandbox.StateTerminated); err != nil {
		m.logger.Error("sandbox terminate", "sandbox_id", sb.ID, "error", err)
	}

	m.mu.Lock()
	delete(m.owners, sb)
	m.mu.Unlock()

	kp.mu.Lock()
	delete(kp.born, sb)
	kp.live--
	kp.wake.notify()
	kp.mu.Unlock()
	m.releaseGlobal()

	liveSandboxes.Dec()
	sandboxesDestroyed.WithLabelValues(kp.key.Backend, reason).Inc()
	m.logger.Debug("sandbox destroyed", "sandbox_id", sb.ID, "key", kp.key.String(), "reason", reason)
}

// reclaim destroys the least recently used idle sandbox of another key to
// free a global slot. With skipSelf set, key's own idle sandboxes are not
// considered. It reports whether a sandbox was destroyed.
func (m *Manager) reclaim(ctx context.Context, key sandbox.Key, skipSelf bool) bool {
	var (
		victimPool *keyPool
		oldest     time.Time
	)
	for _, kp := range m.snapshot() {
		if skipSelf && kp.key == key {
			continue
		}
		kp.mu.Lock()
		if len(kp.idle) > 0 {
			if t := kp.idle[0].LastUsed(); victimPool == nil || t.Before(oldest) {
				victimPool, oldest = kp, t
			}
		}
		kp.mu.Unlock()
	}
	if victimPool == nil {
		return false
	}

	victimPool.mu.Lock()
	if len(victimPool.idle) == 0 {
		victimPool.mu.Unlock()
		return false
	}
	sb := victimPool.idle[0]
	victimPool.idle = victimPool.idle[1:]
	victimPool.mu.Unlock()

	m.destroy(ctx, victimPool, sb, reasonReclaimed)
	return true
}

// PreWarm creates and loads sandboxes from key's registered template until
// idle plus warming sandboxes reach target, bounded by capacity, the idle
// cap and the global limit. Keys without a template are left alone.
func (m *Manager) PreWarm(ctx context.Context, key sandbox.Key, target int) error {
	if m.closed.Load() {
		return ErrClosed
	}
	kp := m.lookup(key)
	if kp == nil {
		return nil
	}
	b, err := m.backends.Get(key.Backend)
	if err != nil {
		return backend.Fault(key.Backend, backend.OpCreate, err)
	}

	kp.mu.Lock()
	tmpl := kp.template
	if tmpl == nil {
		kp.mu.Unlock()
		return nil
	}
	target = min(target, m.cfg.IdleCap)
	n := min(target-len(kp.idle)-kp.warming, m.cfg.Capacity-kp.live)
	if n <= 0 {
		kp.mu.Unlock()
		return nil
	}
	kp.live += n
	kp.warming += n
	gen := kp.gen
	kp.mu.Unlock()

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			return m.warmOne(ctx, kp, b, gen, *tmpl)
		})
	}
	return g.Wait()
}

// warmOne fills one reserved warming slot of kp.
func (m *Manager) warmOne(ctx context.Context, kp *keyPool, b backend.Backend, gen int, spec backend.LoadSpec) error {
	unreserve := func() {
		kp.mu.Lock()
		kp.live--
		kp.warming--
		kp.wake.notify()
		kp.mu.Unlock()
	}

	if !m.global.TryAcquire(1) {
		unreserve()
		return nil
	}
	sb, err := m.create(ctx, kp, b, gen, "prewarm")
	if err != nil {
		unreserve()
		m.releaseGlobal()
		return err
	}

	_ = sb.Transition(sandbox.StateWarming)
	if err := b.Load(ctx, sb.Unit, spec); err != nil {
		kp.mu.Lock()
		kp.warming--
		kp.mu.Unlock()
		m.destroy(ctx, kp, sb, reasonFailed)
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}
	sb.MarkLoaded(spec.Language, spec.Digest)

	kp.mu.Lock()
	kp.warming--
	if gen != kp.gen || m.closed.Load() || len(kp.idle) >= m.cfg.IdleCap {
		kp.mu.Unlock()
		m.destroy(ctx, kp, sb, reasonOverflow)
		return nil
	}
	_ = sb.Transition(sandbox.StateIdle)
	sb.Touch(m.now())
	kp.idle = append(kp.idle, sb)
	kp.wake.notify()
	kp.mu.Unlock()
	return nil
}

// EvictIdle destroys idle sandboxes of key unused for longer than ttl,
// oldest first, never taking the idle count below the pre-warm target. It
// returns the number destroyed.
func (m *Manager) EvictIdle(key sandbox.Key, ttl time.Duration) int {
	kp := m.lookup(key)
	if kp == nil {
		return 0
	}

	kp.mu.Lock()
	now := m.now()
	excess := len(kp.idle) - kp.target
	n := 0
	for n < excess && now.Sub(kp.idle[n].LastUsed()) > ttl {
		n++
	}
	victims := slices.Clone(kp.idle[:max(n, 0)])
	kp.idle = slices.Delete(kp.idle, 0, max(n, 0))
	kp.mu.Unlock()

	for _, sb := range victims {
		m.destroy(context.Background(), kp, sb, reasonEvicted)
	}
	return len(victims)
}

// Drain destroys the idle sandboxes of every key for route and stops
// pre-warming them. Sandboxes busy or warming at the time keep their
// capacity slots until they are destroyed on release. It returns the number
// of sandboxes destroyed.
func (m *Manager) Drain(ctx context.Context, route string) int {
	var pools []*keyPool
	for _, kp := range m.snapshot() {
		if kp.key.Route == route {
			pools = append(pools, kp)
		}
	}
	return m.drain(ctx, pools)
}

func (m *Manager) drain(ctx context.Context, pools []*keyPool) int {
	type victim struct {
		kp *keyPool
		sb *sandbox.Sandbox
	}
	var victims []victim
	for _, kp := range pools {
		kp.mu.Lock()
		kp.gen++
		kp.template = nil
		for _, sb := range kp.idle {
			victims = append(victims, victim{kp, sb})
		}
		kp.idle = nil
		kp.wake.notify()
		kp.mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(drainParallelism)
	for _, v := range victims {
		g.Go(func() error {
			m.destroy(ctx, v.kp, v.sb, reasonDrained)
			return nil
		})
	}
	_ = g.Wait()
	return len(victims)
}

// Maintain runs one eviction and pre-warm pass over every tracked key.
func (m *Manager) Maintain(ctx context.Context) {
	for _, kp := range m.snapshot() {
		kp.mu.Lock()
		tracked := kp.template != nil
		target := kp.target
		kp.mu.Unlock()
		if !tracked {
			continue
		}

		if n := m.EvictIdle(kp.key, m.cfg.IdleTTL); n > 0 {
			m.logger.Debug("evicted idle sandboxes", "key", kp.key.String(), "count", n)
		}
		if err := m.PreWarm(ctx, kp.key, target); err != nil {
			m.logger.Warn("pre-warm failed", "key", kp.key.String(), "error", err)
		}
	}
}

// Run performs maintenance every MaintainInterval until ctx is done or the
// manager is closed.
func (m *Manager) Run(ctx context.Context) {
	m.runWG.Add(1)
	defer m.runWG.Done()

	ticker := time.NewTicker(m.cfg.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Maintain(ctx)
		}
	}
}

// Close stops maintenance and destroys every idle sandbox. Sandboxes still
// in use are destroyed when released, and blocked Acquire calls return
// ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
	})

	m.drain(ctx, m.snapshot())
	m.freed.notify()

	done := make(chan struct{})
	go func() {
		m.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of every tracked key, sorted by key.
func (m *Manager) Stats() []KeyStats {
	pools := m.snapshot()
	stats := make([]KeyStats, 0, len(pools))
	for _, kp := range pools {
		kp.mu.Lock()
		if kp.template == nil && kp.live == 0 {
			// Drained or never registered, and empty.
			kp.mu.Unlock()
			continue
		}
		stats = append(stats, KeyStats{
			Key:      kp.key,
			Idle:     len(kp.idle),
			Busy:     kp.busy,
			Warming:  kp.warming,
			Live:     kp.live,
			Target:   kp.target,
			Capacity: m.cfg.Capacity,
		})
		kp.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Key.String() < stats[j].Key.String()
	})
	return stats
}
