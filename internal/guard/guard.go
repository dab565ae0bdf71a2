// Package guard owns the lifecycle of the active bucket.Service. It brings
// the store online lazily, coalesces concurrent initialization into a single
// attempt per connection epoch, and drops the handle when the backing
// connection goes away.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lockbox/lockbox/internal/bucket"
	"github.com/lockbox/lockbox/internal/connstate"
	apperr "github.com/lockbox/lockbox/internal/errors"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metrics"
)

// State is the guard's lifecycle state.
type State int

const (
	Absent State = iota
	Initializing
	Ready
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// errEpochChanged marks an initialization overtaken by a connection event.
var errEpochChanged = errors.New("connection changed during initialization")

// Config wires a Guard to its collaborators.
type Config struct {
	// Open builds a Service over the current connection. The guard probes it
	// before publishing.
	Open func(ctx context.Context) (*bucket.Service, error)
	// Ping checks the backing connection for the watchdog. When nil the
	// watchdog probes the ready handle and otherwise retries initialization
	// every interval.
	Ping func(ctx context.Context) error
	// Hub receives the watchdog's events. When nil events go straight to
	// Observe.
	Hub           *connstate.Hub
	RetryInterval time.Duration
	ProbeTimeout  time.Duration
	Logger        *slog.Logger
}

// Status is a point-in-time view of the guard for health reporting.
type Status struct {
	State     string    `json:"state"`
	Epoch     uint64    `json:"epoch"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
}

// Guard publishes at most one ready Service at a time.
type Guard struct {
	cfg    Config
	logger *slog.Logger
	flight singleflight.Group

	mu       sync.Mutex
	state    State
	epoch    uint64
	handle   *bucket.Service
	failed   bool
	lastErr  error
	attempts int
	since    time.Time
}

// New creates a Guard in the Absent state.
func New(cfg Config) (*Guard, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("guard: Open is required")
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		cfg:    cfg,
		logger: logging.Component(logger, "guard"),
		since:  time.Now(),
	}
	metrics.StoreState.Set(float64(Absent))
	return g, nil
}

// Handle returns the ready Service, initializing it if necessary. Callers
// arriving while an attempt is in flight share its outcome. After a failed
// attempt, Handle fails fast with StoreUnavailable until the next
// connection event.
func (g *Guard) Handle(ctx context.Context) (*bucket.Service, error) {
	g.mu.Lock()
	if g.state == Ready && g.handle != nil {
		h := g.handle
		g.mu.Unlock()
		return h, nil
	}
	if g.failed {
		err := g.lastErr
		g.mu.Unlock()
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	epoch := g.epoch
	g.mu.Unlock()

	ch := g.flight.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		return g.initialize(epoch)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*bucket.Service), nil
	}
}

func (g *Guard) initialize(epoch uint64) (*bucket.Service, error) {
	g.mu.Lock()
	switch {
	case g.epoch != epoch:
		g.mu.Unlock()
		return nil, apperr.ErrStoreUnavailable.Wrap(errEpochChanged)
	case g.state == Ready && g.handle != nil:
		h := g.handle
		g.mu.Unlock()
		return h, nil
	case g.failed:
		err := g.lastErr
		g.mu.Unlock()
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	g.setState(Initializing)
	g.attempts++
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ProbeTimeout)
	defer cancel()
	svc, err := g.cfg.Open(ctx)
	if err == nil {
		if err = svc.Probe(ctx); err != nil {
			svc.Invalidate()
			svc = nil
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.epoch != epoch {
		if svc != nil {
			svc.Invalidate()
		}
		metrics.StoreInitAttemptsTotal.WithLabelValues("stale").Inc()
		g.logger.Info("Discarding initialization from previous epoch", "epoch", epoch, "current", g.epoch)
		return nil, apperr.ErrStoreUnavailable.Wrap(errEpochChanged)
	}
	if err != nil {
		g.failed = true
		g.lastErr = err
		g.setState(Absent)
		metrics.StoreInitAttemptsTotal.WithLabelValues("failure").Inc()
		g.logger.Warn("Object store initialization failed", "epoch", epoch, "error", err)
		return nil, apperr.ErrStoreUnavailable.Wrap(err)
	}
	g.handle = svc
	g.failed = false
	g.lastErr = nil
	g.setState(Ready)
	metrics.StoreInitAttemptsTotal.WithLabelValues("success").Inc()
	g.logger.Info("Object store ready", "epoch", epoch)
	return svc, nil
}

// Observe reacts to a connection event. Connected starts a new epoch and
// warms the store in the background unless a handle is already ready.
// Disconnected starts a new epoch and drops the handle so in-flight work
// fails fast.
func (g *Guard) Observe(ev connstate.Event) {
	switch ev {
	case connstate.Connected:
		g.mu.Lock()
		if g.state == Ready {
			g.mu.Unlock()
			return
		}
		g.advance()
		epoch := g.epoch
		g.mu.Unlock()
		g.logger.Info("Backing store connected", "epoch", epoch)
		go func() {
			if _, err := g.Handle(context.Background()); err != nil {
				g.logger.Debug("Warm initialization failed", "epoch", epoch, "error", err)
			}
		}()
	case connstate.Disconnected:
		g.mu.Lock()
		g.advance()
		epoch := g.epoch
		g.mu.Unlock()
		g.logger.Warn("Backing store disconnected", "epoch", epoch)
	}
}

// advance starts a new epoch. Callers hold g.mu.
func (g *Guard) advance() {
	g.epoch++
	g.failed = false
	g.lastErr = nil
	if g.handle != nil {
		g.handle.Invalidate()
		g.handle = nil
	}
	g.setState(Absent)
	metrics.StoreEpoch.Set(float64(g.epoch))
}

func (g *Guard) setState(s State) {
	if g.state != s {
		g.since = time.Now()
	}
	g.state = s
	metrics.StoreState.Set(float64(s))
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Epoch returns the current connection epoch.
func (g *Guard) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Status reports state, epoch and the last initialization error.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{
		State:    g.state.String(),
		Epoch:    g.epoch,
		Attempts: g.attempts,
		Since:    g.since,
	}
	if g.lastErr != nil {
		st.LastError = g.lastErr.Error()
	}
	return st
}

// Run is the reconnect watchdog. Every RetryInterval it pings the backing
// store: a failed ping while Ready publishes Disconnected, a successful one
// while Absent publishes Connected. It returns when ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Guard) tick(ctx context.Context) {
	g.mu.Lock()
	state, handle := g.state, g.handle
	g.mu.Unlock()
	if state == Initializing {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()
	err := g.ping(pctx, handle)

	switch {
	case state == Ready && err != nil:
		g.logger.Warn("Watchdog ping failed", "error", err)
		g.publish(connstate.Disconnected)
	case state == Absent && err == nil:
		g.logger.Debug("Watchdog ping succeeded, reconnecting")
		g.publish(connstate.Connected)
	}
}

func (g *Guard) ping(ctx context.Context, handle *bucket.Service) error {
	if g.cfg.Ping != nil {
		return g.cfg.Ping(ctx)
	}
	if handle != nil {
		return handle.Probe(ctx)
	}
	return nil
}

func (g *Guard) publish(ev connstate.Event) {
	if g.cfg.Hub != nil {
		g.cfg.Hub.Publish(ev)
		return
	}
	g.Observe(ev)
}
