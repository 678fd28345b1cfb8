package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/stacklok/pos-sync/internal/config"
	syncengine "github.com/stacklok/pos-sync/internal/sync"
)

// ErrAlreadyStarted is returned by Start on a coordinator that was already
// started. A coordinator runs its loop at most once.
var ErrAlreadyStarted = errors.New("coordinator already started")

// maxJitterFraction bounds the random offset applied to every interval
const maxJitterFraction = 0.1

// Coordinator schedules sync cycles on a slave
type Coordinator interface {
	// Start runs the startup cycle when enabled, then one cycle per interval.
	// Blocks until the context is cancelled or Stop is called. A second call
	// returns ErrAlreadyStarted.
	Start(ctx context.Context) error

	// Stop cancels the loop and waits for a running cycle to finish
	Stop() error
}

// Recoverer decides on and runs full resyncs
type Recoverer interface {
	NeedsRecovery(ctx context.Context) (bool, string)
	PerformRecovery(ctx context.Context) bool
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	controller syncengine.Controller
	recoverer  Recoverer
	config     *config.Config

	interval time.Duration
	jitter   bool

	mu         sync.Mutex
	started    bool
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithInterval overrides the configured interval
func WithInterval(d time.Duration) Option {
	return func(c *defaultCoordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithoutJitter disables the random offset on the interval
func WithoutJitter() Option {
	return func(c *defaultCoordinator) {
		c.jitter = false
	}
}

// New creates a new coordinator. recoverer may be nil, in which case no
// recovery checks are made.
func New(
	controller syncengine.Controller,
	recoverer Recoverer,
	cfg *config.Config,
	opts ...Option,
) Coordinator {
	c := &defaultCoordinator{
		controller: controller,
		recoverer:  recoverer,
		config:     cfg,
		interval:   getSyncInterval(cfg),
		jitter:     true,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// nextInterval returns the interval with up to ±10% jitter, so that slaves
// started together do not hit the master at the same moment
func (c *defaultCoordinator) nextInterval() time.Duration {
	if !c.jitter {
		return c.interval
	}
	span := int64(float64(c.interval) * maxJitterFraction)
	if span <= 0 {
		return c.interval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	offset := time.Duration(rand.Int64N(2*span) - span)
	return c.interval + offset
}

// Start begins background sync coordination
func (c *defaultCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		close(c.done)
		slog.Info("Background sync coordinator shutting down")
	}()

	if !c.config.Enabled || !c.config.IsSlave() {
		slog.Info("Scheduled sync disabled",
			"role", c.config.Role,
			"enabled", c.config.Enabled)
		<-coordCtx.Done()
		return nil
	}

	interval := c.nextInterval()
	slog.Info("Starting background sync coordinator",
		"base_interval", c.interval,
		"actual_interval", interval,
		"startup_sync", c.config.StartupSync)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if c.config.StartupSync {
		c.runScheduledCycle(coordCtx, "startup")
	}

	for {
		select {
		case <-ticker.C:
			c.runScheduledCycle(coordCtx, "interval")
			ticker.Reset(c.nextInterval())
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		<-c.done
	}
	return nil
}
