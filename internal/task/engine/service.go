package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"habitbot/internal/eventbus"
	rtsup "habitbot/internal/runtime/supervisor"
	"habitbot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// DropReason labels tasks that were accepted by the caller but never ran.
type DropReason string

const (
	DropQueueFull DropReason = "queue_full"
	DropStale     DropReason = "stale_queue_delay"
)

// Service runs tasks on a fixed worker pool fed by a bounded queue.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	run *pool // nil when stopped

	inFlight atomic.Int32

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	drops map[DropReason]*dropCounter
}

// pool is one started generation of workers.
type pool struct {
	queue    chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{} // non-nil once stopping
}

type dropCounter struct {
	n        atomic.Uint64
	lastWarn atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
		drops: map[DropReason]*dropCounter{
			DropQueueFull: {},
			DropStale:     {},
		},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running pool is rebuilt when its worker count or
// queue size changed, or stopped when the engine was disabled.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.run != nil && s.run.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}
	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is idempotent and waits for a pending stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if cur := s.run; cur != nil {
		pending := cur.stopDone
		s.mu.Unlock()
		if pending == nil {
			return
		}
		select {
		case <-pending:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.run != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	p := &pool{
		queue:  make(chan queuedTask, cfg.QueueSize),
		stopCh: make(chan struct{}),
		sup: rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
			rtsup.WithCancelOnError(false),
		),
	}
	s.run = p
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p.stopCh, p.queue, i)
			select {
			case <-p.stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, 250*time.Millisecond, 5*time.Second)
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels workers and waits for them until ctx expires. Queued tasks
// are discarded.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	done := p.stopDone
	if done == nil {
		done = make(chan struct{})
		p.stopDone = done
		close(p.stopCh)
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.mu.Lock()
			if s.run == p {
				s.run = nil
			}
			s.mu.Unlock()
			s.inFlight.Store(0)
			close(done)
		}()
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t without blocking. A full queue drops the task; an
// overlapping run under OverlapSkipIfRunning returns ErrOverlapSkip.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	p := s.run
	stopping := p != nil && p.stopDone != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg), state: t.State}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.state == nil {
		qt.state = s.stateFor(t.Key, t.Name)
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		qt.track = true
		if !qt.state.tryAcquire() {
			s.bus.Publish(eventbus.Event{Type: eventbus.TaskSkipped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"}})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	select {
	case p.queue <- qt:
		return nil
	default:
		if qt.track {
			qt.state.release()
		}
		s.drop(now, t, DropQueueFull, 0, logx.Int("queue_cap", cap(p.queue)))
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	p := s.run
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		RetryMax:       cfg.RetryMax,
		Dropped:        make(map[DropReason]uint64, len(s.drops)),
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.queue), cap(p.queue)
	}
	for reason, c := range s.drops {
		snap.Dropped[reason] = c.n.Load()
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key, name string) *RunState {
	key = strings.TrimSpace(key)
	if key == "" {
		key = name
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// drop counts and publishes a task that will never run. Warnings are
// throttled per reason.
func (s *Service) drop(now time.Time, t Task, reason DropReason, queueDelay time.Duration, fields ...logx.Field) {
	c := s.drops[reason]
	total := c.n.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskDropped, Time: now, Data: TaskEvent{
		ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: string(reason),
	}})

	prev := c.lastWarn.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if !c.lastWarn.CompareAndSwap(prev, now.UnixNano()) {
		return
	}
	base := []logx.Field{
		logx.String("task", t.Name),
		logx.String("id", t.ID),
		logx.String("reason", string(reason)),
		logx.Uint64("dropped_total", total),
	}
	if queueDelay > 0 {
		base = append(base, logx.Duration("queue_delay", queueDelay))
	}
	s.log.Warn("task dropped", append(base, fields...)...)
}
