// Package mode implements the system-wide health state machine: a single
// owner polling adapter health and broadcasting immutable mode-change
// events, instead of mutable flags read ad hoc by every component.
package mode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/source"
)

// HealthSource exposes the adapter chain to poll. The resolver satisfies
// this.
type HealthSource interface {
	Adapters() []source.Adapter
}

// Publisher broadcasts mode changes on the reserved system topic.
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// Recorder appends mode transitions to the ledger.
type Recorder interface {
	Append(ctx context.Context, eventType model.EventType, payload any) (model.LedgerEvent, error)
}

// Controller owns the process-wide mode. Components read it through
// Current (the resolver to suppress API attempts, agents to raise their
// confidence thresholds); only the controller ever changes it.
type Controller struct {
	src       HealthSource
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	interval  time.Duration
	probeTime time.Duration

	mu      sync.RWMutex
	current model.Mode
}

// NewController creates a controller starting in normal mode.
// publisher and recorder may be nil in tests.
func NewController(src HealthSource, publisher Publisher, recorder Recorder, interval time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Controller{
		src:       src,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
		interval:  interval,
		probeTime: 3 * time.Second,
		current:   model.ModeNormal,
	}
}

// Current returns the mode. Safe for concurrent use; hand this method to
// the resolver and the ledger as their ModeFunc.
func (c *Controller) Current() model.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Start polls adapter health until ctx is cancelled. Blocking; run it in
// a goroutine.
func (c *Controller) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// Poll probes every adapter once and applies the resulting mode.
// Exported so tests and the app startup path can force a health pass.
func (c *Controller) Poll(ctx context.Context) {
	adapters := c.src.Adapters()
	if len(adapters) == 0 {
		return
	}

	healthy := 0
	for _, a := range adapters {
		probeCtx, cancel := context.WithTimeout(ctx, c.probeTime)
		err := a.Healthy(probeCtx)
		cancel()
		if err != nil {
			c.logger.Debug("mode: adapter unhealthy", "adapter", a.Name(), "tier", a.Tier(), "error", err)
			continue
		}
		healthy++
	}

	c.apply(ctx, healthy, len(adapters))
}

// apply derives the mode from the healthy fraction and broadcasts a
// transition if it changed.
func (c *Controller) apply(ctx context.Context, healthy, total int) {
	frac := float64(healthy) / float64(total)
	next := model.ModeDegraded
	switch {
	case frac >= 0.8:
		next = model.ModeNormal
	case frac >= 0.5:
		next = model.ModePartial
	}

	c.mu.Lock()
	prev := c.current
	if next == prev {
		c.mu.Unlock()
		return
	}
	c.current = next
	c.mu.Unlock()

	change := model.ModeChange{
		From:         prev,
		To:           next,
		HealthyTiers: healthy,
		TotalTiers:   total,
		At:           time.Now().UTC(),
	}
	c.logger.Warn("mode transition", "from", prev, "to", next, "healthy", healthy, "total", total)

	if c.recorder != nil {
		if _, err := c.recorder.Append(ctx, model.EventModeChanged, change); err != nil {
			c.logger.Error("mode: record transition failed", "error", err)
		}
	}
	if c.publisher != nil {
		msg, err := model.NewMessage(model.TopicModeChanges, "mode-controller", change)
		if err == nil {
			err = c.publisher.Publish(ctx, msg)
		}
		if err != nil {
			c.logger.Error("mode: broadcast failed", "error", err)
		}
	}
}
