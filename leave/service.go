package leave

import (
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/lock"
	"github.com/warp/leave-ledger/metrics"
)

// Config tunes the engine.
type Config struct {
	// TxRetryAttempts is how many times an operation runs when it loses a
	// race on a ledger row. 1 disables retries.
	TxRetryAttempts int
	RetryBackoff    time.Duration
	// CarryOverWorkers bounds the parallel per-pair carry-over transactions.
	CarryOverWorkers int
}

func DefaultConfig() Config {
	return Config{
		TxRetryAttempts:  3,
		RetryBackoff:     10 * time.Millisecond,
		CarryOverWorkers: 8,
	}
}

// Service is the leave engine. Every exported operation takes the caller's
// identity, runs its mutation in one transaction and returns the committed
// state.
type Service struct {
	store  Store
	locker Locker
	logger *zap.Logger
	now    func() time.Time
	cfg    Config
}

type Option func(*Service)

// WithLocker sets the processing lock used by the carry-over batch.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the wall clock used for "today" and timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithConfig(cfg Config) Option { return func(s *Service) { s.cfg = cfg } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: lock.NewLocal(),
		logger: zap.NewNop(),
		now:    time.Now,
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.TxRetryAttempts < 1 {
		s.cfg.TxRetryAttempts = 1
	}
	if s.cfg.CarryOverWorkers < 1 {
		s.cfg.CarryOverWorkers = 1
	}
	s.logger = s.logger.Named("leave")
	return s
}

// Store exposes the underlying store for read-only wiring (outbox, API).
func (s *Service) Store() Store { return s.store }

func (s *Service) today() generic.TimePoint {
	return generic.Today(s.now())
}

// observe logs and counts a failed operation. Invariant violations are
// logged at error level with their own class so they can be alerted on.
func (s *Service) observe(op string, err error) {
	class := generic.Class(err)
	metrics.RecordOperationError(op, class)

	switch {
	case generic.IsDefect(err):
		metrics.RecordInvariantViolation(op)
		s.logger.Error("invariant violation, transaction aborted",
			zap.String("operation", op),
			zap.String("class", class),
			zap.Error(err))
	case generic.IsClientError(err), generic.IsRetryable(err):
		s.logger.Debug("operation rejected",
			zap.String("operation", op),
			zap.String("class", class),
			zap.Error(err))
	default:
		s.logger.Error("operation failed",
			zap.String("operation", op),
			zap.String("class", class),
			zap.Error(err))
	}
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func requireApprover(c Caller) error {
	if !c.IsApprover() {
		return forbidden("only hr or admin callers may perform this operation")
	}
	return nil
}

// requireSelfOrApprover allows employees to act on their own records only.
func requireSelfOrApprover(c Caller, employeeID EmployeeID) error {
	if c.IsApprover() || EmployeeID(c.ID) == employeeID {
		return nil
	}
	return forbidden("employees may only access their own records")
}

func forbidden(reason string) error {
	return &forbiddenError{reason: reason}
}

type forbiddenError struct{ reason string }

func (e *forbiddenError) Error() string { return "forbidden: " + e.reason }
func (e *forbiddenError) Unwrap() error { return generic.ErrForbidden }
