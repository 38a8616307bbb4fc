package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	auditdomain "github.com/smallbiznis/rastro/internal/audit/domain"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	ledgerdomain "github.com/smallbiznis/rastro/internal/ledger/domain"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	obslogger "github.com/smallbiznis/rastro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rastro/internal/observability/metrics"
	"github.com/smallbiznis/rastro/internal/ticketcounter/domain"
	"github.com/smallbiznis/rastro/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Config     *config.TicketingConfigHolder
	Repo       domain.Repository
	Ledger     ledgerdomain.Reader
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        *config.TicketingConfigHolder
	repo       domain.Repository
	ledger     ledgerdomain.Reader
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ticketcounter.service"),
		clock:      p.Clock,
		cfg:        p.Config,
		repo:       p.Repo,
		ledger:     p.Ledger,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer("rastro/ticketcounter"),
	}
}

type allocation struct {
	next      int64
	current   int64
	ledgerMax int64
	since     time.Time
	mode      string
}

func (s *Service) AllocateTicket(ctx context.Context, locationID int64) (int64, error) {
	start := time.Now()
	promMetrics := obsmetrics.TicketCounter()
	if locationID <= 0 {
		promMetrics.ObserveAllocation(obsmetrics.AllocationResultInvalid, "", time.Since(start))
		return 0, domain.ErrInvalidLocation
	}

	ctx = obscontext.WithLocationID(ctx, fmt.Sprint(locationID))
	ctx, span := s.tracer.Start(ctx, "ticketcounter.allocate",
		trace.WithAttributes(attribute.Int64("location.id", locationID)),
	)
	defer span.End()

	cfg := s.cfg.Get()
	policy := domain.NewEpochPolicy(cfg)

	var result allocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)
		return repo.WithLockTimeout(ctx, cfg.LockTimeout, func() error {
			now := s.clock.Now().UTC()
			counter, err := s.lockOrCreate(ctx, repo, locationID, policy, now)
			if err != nil {
				return err
			}

			result.current = counter.CurrentValue
			if counter.ManualResetActive {
				result.mode = obsmetrics.AllocationModeManualEpoch
				result.next = counter.CurrentValue + 1
			} else {
				result.mode = obsmetrics.AllocationModeReconcile
				result.since = policy.ReconcileSince(counter, now)
				result.ledgerMax, err = s.ledger.WithTrx(tx).MaxTicketSince(ctx, locationID, result.since)
				if err != nil {
					return err
				}
				result.next = max(counter.CurrentValue, result.ledgerMax) + 1
			}

			if result.next <= result.current || result.next <= result.ledgerMax {
				return fmt.Errorf("%w: next=%d current=%d ledger_max=%d",
					domain.ErrInvariantViolation, result.next, result.current, result.ledgerMax)
			}

			return repo.SaveValue(ctx, locationID, result.next, now)
		})
	})
	if err != nil {
		err = classifyError(err)
		s.recordAllocationFailure(ctx, span, locationID, result, err, time.Since(start))
		return 0, err
	}

	promMetrics.ObserveAllocation(obsmetrics.AllocationResultOK, result.mode, time.Since(start))
	s.obsMetrics.RecordTicketAllocated(ctx, result.mode)
	if gap := result.ledgerMax - result.current; gap > 0 {
		promMetrics.ObserveDriftHealed(gap)
		s.obsMetrics.RecordDriftHealed(ctx, policy.Kind)
		obslogger.WithContext(ctx, s.log).Warn("ticketcounter.drift.healed",
			zap.Int64("location_id", locationID),
			zap.Int64("stored_value", result.current),
			zap.Int64("ledger_max", result.ledgerMax),
			zap.Time("reconcile_since", result.since),
		)
	}

	span.SetAttributes(
		attribute.Int64("ticket.number", result.next),
		attribute.String("ticket.mode", result.mode),
	)
	return result.next, nil
}

// lockOrCreate takes the row lock, creating the counter on first use. Concurrent
// first callers race on the insert and all end up locking the same row.
func (s *Service) lockOrCreate(ctx context.Context, repo domain.Repository, locationID int64, policy domain.EpochPolicy, now time.Time) (*domain.LocationCounter, error) {
	lockStart := time.Now()
	defer func() {
		wait := time.Since(lockStart)
		obsmetrics.TicketCounter().ObserveLockWait(wait)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceLocationCounters, wait)
	}()

	counter, err := repo.LockForUpdate(ctx, locationID)
	if err != nil {
		return nil, err
	}
	if counter != nil {
		return counter, nil
	}

	if err := repo.CreateIfAbsent(ctx, &domain.LocationCounter{
		LocationID:        locationID,
		CurrentValue:      0,
		EpochStartedAt:    policy.InitialEpoch(now),
		ManualResetActive: false,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		return nil, err
	}

	counter, err = repo.LockForUpdate(ctx, locationID)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("location counter %d missing after create", locationID)
	}
	return counter, nil
}

func (s *Service) recordAllocationFailure(ctx context.Context, span trace.Span, locationID int64, result allocation, err error, elapsed time.Duration) {
	reason := failureReason(err)
	obsmetrics.TicketCounter().ObserveAllocation(reason, result.mode, elapsed)
	s.obsMetrics.RecordAllocationError(ctx, reason)

	span.RecordError(err)
	span.SetStatus(codes.Error, reason)

	log := obslogger.WithContext(ctx, s.log)
	fields := []zap.Field{
		zap.Int64("location_id", locationID),
		zap.String("reason", reason),
		zap.Bool("retryable", errors.Is(err, domain.ErrAllocationContention)),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, domain.ErrInvariantViolation):
		log.Error("ticketcounter.allocate.invariant_violation", append(fields,
			zap.Int64("stored_value", result.current),
			zap.Int64("ledger_max", result.ledgerMax),
			zap.Int64("computed_next", result.next),
		)...)
		if s.auditSvc != nil {
			auditErr := s.auditSvc.Record(context.WithoutCancel(ctx), nil, auditdomain.Entry{
				LocationID: locationID,
				Action:     auditdomain.ActionInvariantViolation,
				ActorType:  string(auditdomain.ActorTypeSystem),
				ActorID:    "allocator",
				Metadata: map[string]any{
					"stored_value":  result.current,
					"ledger_max":    result.ledgerMax,
					"computed_next": result.next,
					"mode":          result.mode,
				},
			})
			if auditErr != nil {
				log.Warn("ticketcounter.audit.failed", zap.Error(auditErr))
			}
		}
	case errors.Is(err, domain.ErrAllocationContention):
		log.Warn("ticketcounter.allocate.contention", fields...)
	case errors.Is(err, context.Canceled):
		log.Info("ticketcounter.allocate.canceled", fields...)
	default:
		log.Error("ticketcounter.allocate.failed", fields...)
	}
}

func (s *Service) ResetCounter(ctx context.Context, req domain.ResetCounterRequest) error {
	if req.LocationID <= 0 {
		return domain.ErrInvalidLocation
	}

	ctx = obscontext.WithLocationID(ctx, fmt.Sprint(req.LocationID))
	ctx, span := s.tracer.Start(ctx, "ticketcounter.reset",
		trace.WithAttributes(attribute.Int64("location.id", req.LocationID)),
	)
	defer span.End()

	cfg := s.cfg.Get()
	policy := domain.NewEpochPolicy(cfg)
	actorType, actorID := resolveActor(ctx, req.ActorID)

	var previous domain.LocationCounter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)
		return repo.WithLockTimeout(ctx, cfg.LockTimeout, func() error {
			now := s.clock.Now().UTC()
			counter, err := s.lockOrCreate(ctx, repo, req.LocationID, policy, now)
			if err != nil {
				return err
			}
			previous = *counter

			if err := repo.Reset(ctx, req.LocationID, now); err != nil {
				return err
			}

			if s.auditSvc == nil {
				return nil
			}
			metadata := map[string]any{
				"previous_value":            previous.CurrentValue,
				"previous_epoch_started_at": previous.EpochStartedAt.UTC().Format(time.RFC3339),
				"previous_manual_reset":     previous.ManualResetActive,
			}
			if reason := strings.TrimSpace(req.Reason); reason != "" {
				metadata["reason"] = reason
			}
			return s.auditSvc.Record(ctx, tx, auditdomain.Entry{
				LocationID: req.LocationID,
				Action:     auditdomain.ActionCounterReset,
				ActorType:  actorType,
				ActorID:    actorID,
				Metadata:   metadata,
			})
		})
	})
	if err != nil {
		err = classifyError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, failureReason(err))
		obslogger.WithContext(ctx, s.log).Error("ticketcounter.reset.failed",
			zap.Int64("location_id", req.LocationID),
			zap.Error(err),
		)
		return err
	}

	obsmetrics.TicketCounter().IncReset()
	s.obsMetrics.RecordCounterReset(ctx, actorType)
	obslogger.WithContext(ctx, s.log).Info("ticketcounter.reset",
		zap.Int64("location_id", req.LocationID),
		zap.Int64("previous_value", previous.CurrentValue),
		zap.String("actor_type", actorType),
		zap.String("actor_id", actorID),
	)
	return nil
}

// ClearManualResetFlags walks manually reset rows in batches. Each batch commits on
// its own, so a failure returns what was cleared so far and a rerun picks up the rest.
func (s *Service) ClearManualResetFlags(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ticketcounter.clear_manual_reset")
	defer span.End()

	cfg := s.cfg.Get()
	batchSize := cfg.ClearBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	cutoff := s.clock.Now().UTC()
	log := obslogger.WithContext(ctx, s.log)

	var cleared int64
	for {
		if err := ctx.Err(); err != nil {
			return cleared, s.clearFailed(ctx, span, cleared, err)
		}

		ids, err := s.repo.ListManualReset(ctx, cutoff, batchSize)
		if err != nil {
			return cleared, s.clearFailed(ctx, span, cleared, err)
		}
		if len(ids) == 0 {
			break
		}

		var batchCleared int64
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			repo := s.repo.WithTrx(tx)
			return repo.WithLockTimeout(ctx, cfg.LockTimeout, func() error {
				n, err := s.clearBatch(ctx, tx, repo, ids, cutoff)
				batchCleared = n
				return err
			})
		})
		if err != nil {
			return cleared, s.clearFailed(ctx, span, cleared, err)
		}

		cleared += batchCleared
		log.Debug("ticketcounter.clear.batch",
			zap.Int("selected", len(ids)),
			zap.Int64("cleared", batchCleared),
		)
		// A batch emptied by concurrent clears is still followed by the next one.
		if len(ids) < batchSize {
			break
		}
	}

	obsmetrics.TicketCounter().AddFlagsCleared(cleared)
	s.obsMetrics.RecordFlagsCleared(ctx, cleared)
	span.SetAttributes(attribute.Int64("cleared", cleared))
	log.Info("ticketcounter.clear.finished",
		zap.Int64("cleared", cleared),
		zap.Time("cutoff", cutoff),
	)
	return cleared, nil
}

// clearBatch re-reads the selected rows under lock, so the flags it drops and the
// audit entries it writes cover the same rows even when another clear got there first.
func (s *Service) clearBatch(ctx context.Context, tx *gorm.DB, repo domain.Repository, selected []int64, cutoff time.Time) (int64, error) {
	locked, err := repo.LockManualReset(ctx, selected, cutoff)
	if err != nil || len(locked) == 0 {
		return 0, err
	}

	n, err := repo.ClearManualReset(ctx, locked, cutoff, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n != int64(len(locked)) {
		return 0, fmt.Errorf("cleared %d of %d locked counters", n, len(locked))
	}
	if s.auditSvc == nil {
		return n, nil
	}

	entries := make([]auditdomain.Entry, 0, len(locked))
	for _, id := range locked {
		entries = append(entries, auditdomain.Entry{
			LocationID: id,
			Action:     auditdomain.ActionManualResetCleared,
			ActorType:  string(auditdomain.ActorTypeSystem),
			ActorID:    "epoch_clear",
			Metadata:   map[string]any{"cutoff": cutoff.Format(time.RFC3339)},
		})
	}
	if err := s.auditSvc.Record(ctx, tx, entries...); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Service) clearFailed(ctx context.Context, span trace.Span, cleared int64, err error) error {
	err = classifyError(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, failureReason(err))
	obsmetrics.TicketCounter().AddFlagsCleared(cleared)
	obslogger.WithContext(ctx, s.log).Error("ticketcounter.clear.failed",
		zap.Int64("cleared", cleared),
		zap.Error(err),
	)
	return err
}

func (s *Service) GetCounter(ctx context.Context, locationID int64) (domain.CounterResponse, error) {
	if locationID <= 0 {
		return domain.CounterResponse{}, domain.ErrInvalidLocation
	}

	policy := domain.NewEpochPolicy(s.cfg.Get())
	counter, err := s.repo.Get(ctx, locationID)
	if err != nil {
		return domain.CounterResponse{}, classifyError(err)
	}

	resp := domain.CounterResponse{
		LocationID:  locationID,
		State:       domain.StateOf(counter),
		EpochPolicy: policy.Kind,
	}
	if counter == nil {
		return resp, nil
	}

	epoch := counter.EpochStartedAt.UTC()
	updated := counter.UpdatedAt.UTC()
	resp.CurrentValue = counter.CurrentValue
	resp.ManualResetActive = counter.ManualResetActive
	resp.EpochStartedAt = &epoch
	resp.UpdatedAt = &updated
	if !counter.ManualResetActive {
		since := policy.ReconcileSince(counter, s.clock.Now().UTC())
		resp.ReconcileSince = &since
	}
	return resp, nil
}

// classifyError maps storage errors onto the allocator taxonomy.
func classifyError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, domain.ErrInvalidLocation),
		errors.Is(err, domain.ErrAllocationContention),
		errors.Is(err, domain.ErrStorageUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case db.IsLockContention(err):
		return fmt.Errorf("%w: %w", domain.ErrAllocationContention, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, err)
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvariantViolation):
		return obsmetrics.AllocationResultInvariant
	case errors.Is(err, domain.ErrAllocationContention):
		return obsmetrics.AllocationResultContention
	case errors.Is(err, domain.ErrInvalidLocation):
		return obsmetrics.AllocationResultInvalid
	case errors.Is(err, context.Canceled):
		return obsmetrics.AllocationResultCanceled
	default:
		return obsmetrics.AllocationResultStorage
	}
}

func resolveActor(ctx context.Context, actorID string) (string, string) {
	actorID = strings.TrimSpace(actorID)
	ctxType, ctxID := obscontext.ActorFromContext(ctx)
	if actorID != "" {
		if ctxType == "" {
			ctxType = string(auditdomain.ActorTypeOperator)
		}
		return ctxType, actorID
	}
	if ctxType != "" {
		return ctxType, ctxID
	}
	return string(auditdomain.ActorTypeOperator), ""
}
