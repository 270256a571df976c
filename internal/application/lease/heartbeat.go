package lease

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatConfig tunes the background renewal loop.
type HeartbeatConfig struct {
	// PollInterval is how often the lease is inspected.
	PollInterval time.Duration
	// RenewBuffer is how long before expiry a renewal is attempted.
	RenewBuffer time.Duration
	// MaxFailures is the number of consecutive renewal failures after
	// which the heartbeat stops and signals expiry instead of retrying
	// forever. Prevents believing exclusivity is held after prolonged
	// unreachability.
	MaxFailures int
	// BackoffBase and BackoffCap bound the exponential backoff between
	// failed attempts.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RenewTimeout bounds each renewal call.
	RenewTimeout time.Duration
}

func (c HeartbeatConfig) normalized() HeartbeatConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RenewBuffer <= 0 {
		c.RenewBuffer = 30 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.RenewTimeout <= 0 {
		c.RenewTimeout = 10 * time.Second
	}
	return c
}

// Heartbeat renews the managed lease in the background. It runs as an
// independent goroutine mutating the same lease value the foreground
// reads; the manager's mutex serializes that access.
type Heartbeat struct {
	mgr    *Manager
	cfg    HeartbeatConfig
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	expired chan struct{}
}

// NewHeartbeat creates a heartbeat bound to one manager.
func NewHeartbeat(mgr *Manager, cfg HeartbeatConfig, logger zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		mgr:     mgr,
		cfg:     cfg.normalized(),
		logger:  logger.With().Str("service", "lease-heartbeat").Logger(),
		expired: make(chan struct{}),
	}
}

// Expired is closed when the heartbeat gives up on renewal. The channel
// belongs to the current lease: a later Start hands out a fresh one.
func (h *Heartbeat) Expired() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expired
}

// Start launches the renewal loop. Starting an already running
// heartbeat is a no-op; starting after a give-up runs a fresh loop with
// a fresh expiry channel.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	select {
	case <-h.expired:
		// the previous loop gave up; its closed channel must not make
		// the new lease look expired
		h.expired = make(chan struct{})
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.expired, h.done)
}

// Stop terminates the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// finish releases the run slot so a later Acquire can start a new loop.
func (h *Heartbeat) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.done = nil
}

func (h *Heartbeat) run(ctx context.Context, expired, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, ok := h.mgr.Current()
		if !ok {
			continue
		}
		now := h.mgr.now().UTC()
		if current.Remaining(now) > h.cfg.RenewBuffer {
			continue
		}

		renewCtx, cancel := context.WithTimeout(ctx, h.cfg.RenewTimeout)
		err := h.mgr.Renew(renewCtx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		h.logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("lease renewal failed")
		if failures >= h.cfg.MaxFailures {
			h.logger.Error().
				Str("session_id", current.SessionID).
				Msg("renewal abandoned, signaling lease expiry")
			h.mgr.clearExpired(current.SessionID)
			h.finish()
			close(expired)
			return
		}

		backoff := h.cfg.BackoffBase << (failures - 1)
		if backoff > h.cfg.BackoffCap {
			backoff = h.cfg.BackoffCap
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
