// Package supervisor keeps perception adapters alive. Each adapter runs in
// its own goroutine; a panic, an exit or a missed heartbeat restarts it
// after a backoff, and an adapter that keeps failing is disabled on its own
// while the others continue.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/perception"
)

var (
	// ErrHandleRevoked is returned to an adapter instance that was replaced.
	ErrHandleRevoked = errors.New("adapter handle revoked")
	// ErrStale marks an adapter that stopped sending heartbeats.
	ErrStale = errors.New("adapter heartbeat stale")
	// ErrDuplicateAdapter is returned by Add for a name already registered.
	ErrDuplicateAdapter = errors.New("duplicate adapter")
)

// Config bounds restarts. MaxRestarts is the number of consecutive
// restarts allowed before an adapter is disabled; a run lasting
// HealthyAfter resets the count.
type Config struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	MaxRestarts   int           `yaml:"max_restarts"`
	HealthyAfter  time.Duration `yaml:"healthy_after"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Second,
		StaleAfter:    2 * time.Minute,
		BaseBackoff:   time.Second,
		MaxBackoff:    time.Minute,
		MaxRestarts:   5,
		HealthyAfter:  5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseBackoff)
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	if c.HealthyAfter <= 0 {
		c.HealthyAfter = d.HealthyAfter
	}
	return c
}

// Backoff returns the wait before restart n (1-based).
func (c Config) Backoff(n int) time.Duration {
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	return min(d, c.MaxBackoff)
}

// Emitter admits candidates. *perception.Intake implements it.
type Emitter interface {
	Submit(ctx context.Context, c perception.Candidate) (perception.Admission, error)
}

// Alerter is told when an adapter is disabled.
type Alerter interface {
	AdapterFailed(ctx context.Context, name string, restarts int, cause error)
}

// LogAlerter reports disabled adapters at ERROR level.
type LogAlerter struct {
	Logger *slog.Logger
}

// AdapterFailed implements Alerter.
func (a LogAlerter) AdapterFailed(ctx context.Context, name string, restarts int, cause error) {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	l.ErrorContext(ctx, "perception adapter disabled", "adapter", name, "restarts", restarts, "error", cause)
}

// State is an adapter's supervision state.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateBackoff  State = "backoff"
	StateDisabled State = "disabled"
	StateStopped  State = "stopped"
)

// AdapterStatus is a point-in-time view of one adapter.
type AdapterStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	Emitted   int       `json:"emitted"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastBeat  time.Time `json:"last_beat,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type supervised struct {
	adapter perception.Adapter

	// guarded by Supervisor.mu
	gen       uint64
	state     State
	restarts  int
	emitted   int
	startedAt time.Time
	lastBeat  time.Time
	lastErr   string
}

// Supervisor runs adapters.
type Supervisor struct {
	cfg     Config
	intake  Emitter
	audit   audit.Recorder
	alerter Alerter
	clock   func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	adapters map[string]*supervised
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock sets the clock used for heartbeats.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// WithAlerter replaces the default log alerter.
func WithAlerter(a Alerter) Option {
	return func(s *Supervisor) { s.alerter = a }
}

// New creates a supervisor that sends every emitted candidate to intake.
func New(intake Emitter, recorder audit.Recorder, cfg Config, opts ...Option) *Supervisor {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		intake:   intake,
		audit:    recorder,
		clock:    time.Now,
		logger:   slog.Default().With("component", "supervisor"),
		adapters: make(map[string]*supervised),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.alerter == nil {
		s.alerter = LogAlerter{Logger: s.logger}
	}
	return s
}

// Add registers an adapter. It must be called before Run.
func (s *Supervisor) Add(a perception.Adapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := a.Name()
	if name == "" {
		return errors.New("adapter name is required")
	}
	if _, ok := s.adapters[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, name)
	}
	s.adapters[name] = &supervised{adapter: a, state: StatePending}
	return nil
}

// Run supervises every registered adapter until ctx is done or all of them
// are disabled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*supervised, 0, len(s.adapters))
	for _, sa := range s.adapters {
		all = append(all, sa)
	}
	s.mu.Unlock()
	if len(all) == 0 {
		return errors.New("no adapters registered")
	}

	var wg sync.WaitGroup
	for _, sa := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.supervise(ctx, sa)
		}()
	}
	wg.Wait()
	return nil
}

// Status returns every adapter's state, sorted by name.
func (s *Supervisor) Status() []AdapterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AdapterStatus, 0, len(s.adapters))
	for name, sa := range s.adapters {
		out = append(out, AdapterStatus{
			Name:      name,
			State:     sa.state,
			Restarts:  sa.restarts,
			Emitted:   sa.emitted,
			StartedAt: sa.startedAt,
			LastBeat:  sa.lastBeat,
			LastError: sa.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) supervise(ctx context.Context, sa *supervised) {
	name := sa.adapter.Name()
	logger := s.logger.With("adapter", name)
	consecutive := 0

	for {
		started, h := s.start(sa)
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.runOnce(runCtx, sa.adapter, h) }()

		cause := s.watch(ctx, sa, done)
		cancel()
		if ctx.Err() != nil {
			s.setState(sa, StateStopped, nil)
			return
		}

		if s.clock().Sub(started) >= s.cfg.HealthyAfter {
			consecutive = 0
		}
		consecutive++

		if consecutive > s.cfg.MaxRestarts {
			s.setState(sa, StateDisabled, cause)
			s.audit.Record(ctx, audit.Entry{
				EventType: audit.EventAdapterFailed,
				Outcome:   string(StateDisabled),
				Level:     audit.LevelError,
				Inputs:    map[string]any{"adapter": name, "restarts": consecutive - 1},
				Error:     cause.Error(),
			})
			s.alerter.AdapterFailed(ctx, name, consecutive-1, cause)
			return
		}

		delay := s.cfg.Backoff(consecutive)
		s.setState(sa, StateBackoff, cause)
		logger.WarnContext(ctx, "restarting perception adapter", "attempt", consecutive, "delay", delay, "error", cause)
		s.audit.Record(ctx, audit.Entry{
			EventType: audit.EventAdapterRestarted,
			Outcome:   "restarting",
			Level:     audit.LevelWarn,
			Inputs:    map[string]any{"adapter": name, "restart": consecutive, "delay_seconds": delay.Seconds()},
			Error:     cause.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(sa, StateStopped, nil)
			return
		case <-timer.C:
		}
	}
}

// watch waits for the adapter to exit or go stale and returns why it stopped.
func (s *Supervisor) watch(ctx context.Context, sa *supervised, done <-chan error) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err == nil {
				return errors.New("adapter exited")
			}
			return err
		case <-ticker.C:
			s.mu.Lock()
			last := sa.lastBeat
			s.mu.Unlock()
			if age := s.clock().Sub(last); age > s.cfg.StaleAfter {
				// The old instance is cancelled and its handle revoked; it is
				// not waited for, so a wedged adapter cannot block the restart.
				return fmt.Errorf("%w: last beat %s ago", ErrStale, age.Round(time.Millisecond))
			}
		}
	}
}

// runOnce runs the adapter and converts a panic into an error.
func (s *Supervisor) runOnce(ctx context.Context, a perception.Adapter, h *handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return a.Run(ctx, h)
}

func (s *Supervisor) start(sa *supervised) (time.Time, *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if sa.state != StatePending {
		sa.restarts++
	}
	sa.gen++
	sa.state = StateRunning
	sa.startedAt = now
	sa.lastBeat = now
	return now, &handle{s: s, sa: sa, gen: sa.gen}
}

func (s *Supervisor) setState(sa *supervised, st State, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa.state = st
	if cause != nil {
		sa.lastErr = cause.Error()
	}
	// Whatever instance was running can no longer emit.
	sa.gen++
}

type handle struct {
	s   *Supervisor
	sa  *supervised
	gen uint64
}

// current must be called with s.mu held.
func (h *handle) current() bool {
	return h.sa.gen == h.gen
}

// Beat implements perception.Handle.
func (h *handle) Beat() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.current() {
		h.sa.lastBeat = h.s.clock()
	}
}

// Emit implements perception.Handle. Emitting counts as a heartbeat.
func (h *handle) Emit(ctx context.Context, c perception.Candidate) (perception.Admission, error) {
	h.s.mu.Lock()
	if !h.current() {
		h.s.mu.Unlock()
		return perception.Admission{}, ErrHandleRevoked
	}
	h.sa.lastBeat = h.s.clock()
	h.s.mu.Unlock()

	adm, err := h.s.intake.Submit(ctx, c)
	if err != nil {
		return adm, err
	}
	h.s.mu.Lock()
	h.sa.emitted++
	h.s.mu.Unlock()
	return adm, nil
}
