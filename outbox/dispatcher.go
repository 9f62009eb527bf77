package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-ledger/metrics"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// Repository is the persistence side of the outbox.
type Repository interface {
	// ClaimPending moves up to limit PENDING or FAILED events (and PROCESSING
	// events last touched before staleBefore) to PROCESSING, increments their
	// attempt counter and returns them oldest first.
	ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkInvalid(ctx context.Context, id uuid.UUID, reason string) error
}

// Publisher delivers one event. Returning an error wrapping ErrUndeliverable
// marks the event INVALID immediately; any other error is retried.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Mux routes events to publishers by event type.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Publisher
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Publisher)}
}

// Handle registers p for eventType, replacing any previous registration.
func (m *Mux) Handle(eventType string, p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = p
}

func (m *Mux) Publish(ctx context.Context, e Event) error {
	m.mu.RLock()
	p, ok := m.handlers[e.EventType]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for %q", ErrUndeliverable, e.EventType)
	}
	return p.Publish(ctx, e)
}

// =============================================================================
// DISPATCHER
// =============================================================================

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	Interval          time.Duration
	BatchSize         int
	MaxAttempts       int
	ProcessingTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:          time.Second,
		BatchSize:         100,
		MaxAttempts:       5,
		ProcessingTimeout: time.Minute,
	}
}

func (c *DispatcherConfig) normalize() {
	d := DefaultDispatcherConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
}

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Processed int
	Published int
	Failed    int
	Invalid   int
}

// Dispatcher claims pending events and hands them to a Publisher.
type Dispatcher struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	cfg       DispatcherConfig

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil logger is replaced by a no-op.
func NewDispatcher(repo Repository, publisher Publisher, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.normalize()
	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		logger:    logger.Named("outbox"),
		cfg:       cfg,
	}
}

// Start begins the dispatch loop in the background.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.wg.Add(1)

	go d.run(ctx)

	d.logger.Info("dispatcher started", zap.Duration("interval", d.cfg.Interval))
}

// Stop stops the loop and waits for the in-flight cycle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	close(d.stop)
	d.wg.Wait()
	d.running = false
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	// Run immediately on start
	d.cycle(ctx)

	for {
		select {
		case <-ticker.C:
			d.cycle(ctx)
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) cycle(ctx context.Context) {
	res, err := d.DispatchOnce(ctx)
	if err != nil {
		d.logger.Warn("dispatch cycle failed", zap.Error(err))
		return
	}
	if res.Processed > 0 {
		d.logger.Debug("dispatch cycle",
			zap.Int("processed", res.Processed),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed),
			zap.Int("invalid", res.Invalid))
	}
}

// DispatchOnce runs one claim/publish cycle.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	staleBefore := time.Now().UTC().Add(-d.cfg.ProcessingTimeout)
	events, err := d.repo.ClaimPending(ctx, d.cfg.BatchSize, staleBefore)
	if err != nil {
		return res, fmt.Errorf("claim pending events: %w", err)
	}

	for _, e := range events {
		res.Processed++
		log := d.logger.With(
			zap.String("event_id", e.ID.String()),
			zap.String("event_type", e.EventType),
			zap.Int("attempt", e.Attempts))

		pubErr := d.publisher.Publish(ctx, e)
		switch {
		case pubErr == nil:
			if err := d.repo.MarkPublished(ctx, e.ID, time.Now().UTC()); err != nil {
				log.Warn("mark published failed", zap.Error(err))
			}
			res.Published++
			metrics.RecordOutboxDispatch("published")

		case errors.Is(pubErr, ErrUndeliverable) || e.Attempts >= d.cfg.MaxAttempts:
			if err := d.repo.MarkInvalid(ctx, e.ID, pubErr.Error()); err != nil {
				log.Warn("mark invalid failed", zap.Error(err))
			}
			res.Invalid++
			metrics.RecordOutboxDispatch("invalid")
			log.Warn("event dropped", zap.Error(pubErr))

		default:
			if err := d.repo.MarkFailed(ctx, e.ID, pubErr.Error()); err != nil {
				log.Warn("mark failed failed", zap.Error(err))
			}
			res.Failed++
			metrics.RecordOutboxDispatch("failed")
			log.Debug("event delivery failed, will retry", zap.Error(pubErr))
		}
	}

	return res, nil
}
