package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	auditdomain "github.com/smallbiznis/rastro/internal/audit/domain"
	auditrepo "github.com/smallbiznis/rastro/internal/audit/repository"
	auditservice "github.com/smallbiznis/rastro/internal/audit/service"
	"github.com/smallbiznis/rastro/internal/clock"
	"github.com/smallbiznis/rastro/internal/config"
	ledgerdomain "github.com/smallbiznis/rastro/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/rastro/internal/ledger/repository"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	obsmetrics "github.com/smallbiznis/rastro/internal/observability/metrics"
	"github.com/smallbiznis/rastro/internal/ticketcounter/domain"
	"github.com/smallbiznis/rastro/internal/ticketcounter/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	svc   domain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	cfg   *config.TicketingConfigHolder
	next  int64
}

func newTestEnv(t *testing.T, policy string) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, policy, nil)
}

// newTestEnvWithRepo lets a test wrap the counter repository; wrap may be nil.
func newTestEnvWithRepo(t *testing.T, policy string, wrap func(domain.Repository) domain.Repository) *testEnv {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, conn.AutoMigrate(
		&domain.LocationCounter{},
		&ledgerdomain.TicketRecord{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	holder := config.NewStaticTicketingConfig(config.TicketingConfig{
		EpochPolicy:    policy,
		Timezone:       "UTC",
		LockTimeout:    time.Second,
		ClearBatchSize: 2,
	})

	audit := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: fake,
	})

	repo := repository.Provide(conn)
	if wrap != nil {
		repo = wrap(repo)
	}
	svc := NewService(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		Clock:    fake,
		Config:   holder,
		Repo:     repo,
		Ledger:   ledgerrepo.Provide(conn),
		AuditSvc: audit,
	})
	return &testEnv{svc: svc, db: conn, clock: fake, cfg: holder}
}

func (e *testEnv) commitTicket(t *testing.T, locationID, ticket int64, at time.Time) {
	t.Helper()
	e.next++
	require.NoError(t, e.db.Create(&ledgerdomain.TicketRecord{
		ID:           e.next,
		LocationID:   locationID,
		GuideID:      1000 + e.next,
		TicketNumber: ticket,
		CreatedAt:    at.UTC(),
	}).Error)
}

func (e *testEnv) seedCounter(t *testing.T, counter domain.LocationCounter) {
	t.Helper()
	now := e.clock.Now()
	counter.CreatedAt = now
	counter.UpdatedAt = now
	require.NoError(t, e.db.Create(&counter).Error)
}

func (e *testEnv) loadCounter(t *testing.T, locationID int64) domain.LocationCounter {
	t.Helper()
	var counter domain.LocationCounter
	require.NoError(t, e.db.Where("location_id = ?", locationID).Take(&counter).Error)
	return counter
}

func TestAllocateTicketStartsAtOneAndIncrements(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := env.svc.AllocateTicket(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		env.commitTicket(t, 3, got, env.clock.Now())
		env.clock.Advance(time.Minute)
	}

	counter := env.loadCounter(t, 3)
	assert.Equal(t, int64(5), counter.CurrentValue)
	assert.False(t, counter.ManualResetActive)
	assert.True(t, counter.EpochStartedAt.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestAllocateTicketRejectsInvalidLocation(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)

	for _, id := range []int64{0, -4} {
		_, err := env.svc.AllocateTicket(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrInvalidLocation)
	}

	var count int64
	require.NoError(t, env.db.Model(&domain.LocationCounter{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAllocateTicketConcurrentCallersGetDistinctNumbers(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	const callers = 60

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[int64]int, callers)
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			n, err := env.svc.AllocateTicket(context.Background(), 9)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers[n]++
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, numbers, callers)
	for n := int64(1); n <= callers; n++ {
		assert.Equal(t, 1, numbers[n], "ticket %d", n)
	}
	assert.Equal(t, int64(callers), env.loadCounter(t, 9).CurrentValue)
}

func TestAllocateTicketHealsFromLedger(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     4,
		CurrentValue:   5,
		EpochStartedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	env.commitTicket(t, 4, 42, env.clock.Now().Add(-time.Hour))

	got, err := env.svc.AllocateTicket(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(43), got)
	assert.Equal(t, int64(43), env.loadCounter(t, 4).CurrentValue)
}

func TestAllocateTicketIgnoresLedgerBeforeCurrentMonth(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     4,
		CurrentValue:   0,
		EpochStartedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	env.commitTicket(t, 4, 310, time.Date(2026, 2, 27, 18, 0, 0, 0, time.UTC))

	got, err := env.svc.AllocateTicket(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "last month's tickets are outside the window")
}

func TestAllocateTicketStoredValueWinsOverSmallerLedger(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     6,
		CurrentValue:   20,
		EpochStartedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	env.commitTicket(t, 6, 11, env.clock.Now())

	got, err := env.svc.AllocateTicket(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, int64(21), got)
}

func TestAllocateTicketManualEpochIgnoresLedger(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:        8,
		CurrentValue:      2,
		EpochStartedAt:    env.clock.Now().Add(-time.Hour),
		ManualResetActive: true,
	})
	env.commitTicket(t, 8, 500, env.clock.Now().Add(-30*time.Minute))

	got, err := env.svc.AllocateTicket(context.Background(), 8)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestResetCounterStartsANewManualEpoch(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := obscontext.WithRequestID(context.Background(), "req-reset")

	for i := 0; i < 3; i++ {
		n, err := env.svc.AllocateTicket(ctx, 2)
		require.NoError(t, err)
		env.commitTicket(t, 2, n, env.clock.Now())
	}

	env.clock.Advance(time.Minute)
	require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{
		LocationID: 2,
		ActorID:    "ops-7",
		Reason:     "new shift",
	}))

	counter := env.loadCounter(t, 2)
	assert.Zero(t, counter.CurrentValue)
	assert.True(t, counter.ManualResetActive)
	assert.True(t, counter.EpochStartedAt.Equal(env.clock.Now()))

	env.clock.Advance(time.Minute)
	got, err := env.svc.AllocateTicket(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "the reset epoch ignores the three committed tickets")

	var logs []auditdomain.AuditLog
	require.NoError(t, env.db.Where("location_id = ?", 2).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, auditdomain.ActionCounterReset, logs[0].Action)
	assert.Equal(t, string(auditdomain.ActorTypeOperator), logs[0].ActorType)
	require.NotNil(t, logs[0].ActorID)
	assert.Equal(t, "ops-7", *logs[0].ActorID)
	// JSONMap scans numbers as json.Number.
	assert.Equal(t, json.Number("3"), logs[0].Metadata["previous_value"])
	assert.Equal(t, "new shift", logs[0].Metadata["reason"])
	assert.Equal(t, "req-reset", logs[0].Metadata["request_id"])
}

func TestResetCounterCreatesMissingCounter(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)

	require.NoError(t, env.svc.ResetCounter(context.Background(), domain.ResetCounterRequest{LocationID: 12}))

	counter := env.loadCounter(t, 12)
	assert.Zero(t, counter.CurrentValue)
	assert.True(t, counter.ManualResetActive)
}

func TestResetCounterRejectsInvalidLocation(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	err := env.svc.ResetCounter(context.Background(), domain.ResetCounterRequest{LocationID: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidLocation)
}

func TestClearManualResetFlagsResumesReconciliation(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := context.Background()

	first, err := env.svc.AllocateTicket(ctx, 5)
	require.NoError(t, err)
	env.commitTicket(t, 5, first, env.clock.Now())
	second, err := env.svc.AllocateTicket(ctx, 5)
	require.NoError(t, err)
	env.commitTicket(t, 5, second, env.clock.Now())
	assert.Equal(t, []int64{1, 2}, []int64{first, second})

	env.clock.Advance(time.Minute)
	require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: 5, ActorID: "ops"}))

	env.clock.Advance(time.Minute)
	afterReset, err := env.svc.AllocateTicket(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), afterReset)
	env.commitTicket(t, 5, afterReset, env.clock.Now())

	env.clock.Advance(time.Hour)
	cleared, err := env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.False(t, env.loadCounter(t, 5).ManualResetActive)

	next, err := env.svc.AllocateTicket(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next, "the window starts at the reset so older tickets stay ignored")

	var clearedLogs int64
	require.NoError(t, env.db.Model(&auditdomain.AuditLog{}).
		Where("action = ?", auditdomain.ActionManualResetCleared).
		Count(&clearedLogs).Error)
	assert.Equal(t, int64(1), clearedLogs)
}

func TestClearManualResetFlagsHealsDriftAfterClear(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := context.Background()

	require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: 7}))
	env.clock.Advance(time.Minute)
	// A ticket committed by another writer after the reset.
	env.commitTicket(t, 7, 9, env.clock.Now())

	env.clock.Advance(time.Minute)
	_, err := env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)

	got, err := env.svc.AllocateTicket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)
}

func TestClearManualResetFlagsProcessesInBatches(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: id}))
	}
	env.clock.Advance(time.Minute)

	cleared, err := env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cleared)

	var active int64
	require.NoError(t, env.db.Model(&domain.LocationCounter{}).
		Where("manual_reset_active = ?", true).
		Count(&active).Error)
	assert.Zero(t, active)

	cleared, err = env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared, "a second run finds nothing")
}

func TestClearManualResetFlagsKeepsResetsNewerThanCutoff(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := context.Background()

	require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: 1}))
	env.seedCounter(t, domain.LocationCounter{
		LocationID:        2,
		EpochStartedAt:    env.clock.Now().Add(time.Second),
		ManualResetActive: true,
	})

	cleared, err := env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.False(t, env.loadCounter(t, 1).ManualResetActive)
	assert.True(t, env.loadCounter(t, 2).ManualResetActive, "resets after the job started survive")
}

func TestClearManualResetFlagsHonoursCancellation(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	require.NoError(t, env.svc.ResetCounter(context.Background(), domain.ResetCounterRequest{LocationID: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cleared, err := env.svc.ClearManualResetFlags(ctx)
	assert.Zero(t, cleared)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, env.loadCounter(t, 1).ManualResetActive)
}

func TestSinceResetPolicyReconcilesAcrossMonths(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicySinceReset)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     3,
		CurrentValue:   1,
		EpochStartedAt: time.Unix(0, 0).UTC(),
	})
	env.commitTicket(t, 3, 77, time.Date(2025, 11, 2, 9, 0, 0, 0, time.UTC))

	got, err := env.svc.AllocateTicket(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(78), got)
}

func TestGetCounterReportsState(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx := context.Background()

	resp, err := env.svc.GetCounter(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, domain.CounterStateFresh, resp.State)
	assert.Zero(t, resp.CurrentValue)
	assert.Nil(t, resp.EpochStartedAt)

	_, err = env.svc.AllocateTicket(ctx, 11)
	require.NoError(t, err)
	resp, err = env.svc.GetCounter(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, domain.CounterStateReconciling, resp.State)
	assert.Equal(t, int64(1), resp.CurrentValue)
	assert.Equal(t, config.EpochPolicyCalendarMonth, resp.EpochPolicy)
	require.NotNil(t, resp.ReconcileSince)
	assert.True(t, resp.ReconcileSince.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: 11}))
	resp, err = env.svc.GetCounter(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, domain.CounterStateManualEpoch, resp.State)
	assert.True(t, resp.ManualResetActive)
	assert.Nil(t, resp.ReconcileSince)

	_, err = env.svc.GetCounter(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidLocation)
}

func TestAllocateTicketClassifiesStorageFailure(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	require.NoError(t, env.db.Migrator().DropTable(&domain.LocationCounter{}))

	_, err := env.svc.AllocateTicket(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, domain.ErrAllocationContention))
}

func TestAllocateTicketClassifiesLedgerFailure(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	require.NoError(t, env.db.Migrator().DropTable(&ledgerdomain.TicketRecord{}))

	_, err := env.svc.AllocateTicket(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.ErrorIs(t, err, ledgerdomain.ErrLedgerUnavailable)

	var count int64
	require.NoError(t, env.db.Model(&domain.LocationCounter{}).Where("current_value > 0").Count(&count).Error)
	assert.Zero(t, count, "the failed transaction leaves no partial advance")
}

// staleListRepo serves preset batches from ListManualReset before falling through,
// standing in for rows another clear handled between the select and the update.
type staleListRepo struct {
	domain.Repository
	mu      sync.Mutex
	batches [][]int64
}

func (r *staleListRepo) ListManualReset(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	if len(r.batches) > 0 {
		batch := r.batches[0]
		r.batches = r.batches[1:]
		r.mu.Unlock()
		return batch, nil
	}
	r.mu.Unlock()
	return r.Repository.ListManualReset(ctx, cutoff, limit)
}

func countAudit(t *testing.T, conn *gorm.DB, action string, locationID int64) int64 {
	t.Helper()
	var n int64
	stmt := conn.Model(&auditdomain.AuditLog{}).Where("action = ?", action)
	if locationID > 0 {
		stmt = stmt.Where("location_id = ?", locationID)
	}
	require.NoError(t, stmt.Count(&n).Error)
	return n
}

func TestAllocateTicketInvariantViolationRollsBackAndAudits(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     13,
		CurrentValue:   math.MaxInt64,
		EpochStartedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	_, err := env.svc.AllocateTicket(context.Background(), 13)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.False(t, errors.Is(err, domain.ErrStorageUnavailable))

	assert.Equal(t, int64(math.MaxInt64), env.loadCounter(t, 13).CurrentValue, "the counter is left untouched")
	assert.Equal(t, int64(1), countAudit(t, env.db, auditdomain.ActionInvariantViolation, 13))
}

func TestAllocateTicketInvariantAuditCarriesRequest(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     14,
		CurrentValue:   math.MaxInt64,
		EpochStartedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	_, err := env.svc.AllocateTicket(obscontext.WithRequestID(context.Background(), "req-overflow"), 14)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	var row auditdomain.AuditLog
	require.NoError(t, env.db.Where("action = ? AND location_id = ?", auditdomain.ActionInvariantViolation, 14).Take(&row).Error)
	assert.Equal(t, "req-overflow", row.Metadata["request_id"])
	assert.Equal(t, string(auditdomain.ActorTypeSystem), row.ActorType)
}

func TestAllocateTicketCanceledContext(t *testing.T) {
	env := newTestEnv(t, config.EpochPolicyCalendarMonth)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.svc.AllocateTicket(ctx, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, domain.ErrStorageUnavailable))
	assert.Equal(t, obsmetrics.AllocationResultCanceled, failureReason(err))
}

func TestFailureReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{err: fmt.Errorf("%w: next=1", domain.ErrInvariantViolation), want: obsmetrics.AllocationResultInvariant},
		{err: domain.ErrAllocationContention, want: obsmetrics.AllocationResultContention},
		{err: domain.ErrInvalidLocation, want: obsmetrics.AllocationResultInvalid},
		{err: fmt.Errorf("begin: %w", context.Canceled), want: obsmetrics.AllocationResultCanceled},
		{err: domain.ErrStorageUnavailable, want: obsmetrics.AllocationResultStorage},
		{err: errors.New("broken pipe"), want: obsmetrics.AllocationResultStorage},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, failureReason(tc.err), tc.err.Error())
	}
}

func TestClearManualResetFlagsAuditsOnlyRowsItCleared(t *testing.T) {
	stale := &staleListRepo{}
	env := newTestEnvWithRepo(t, config.EpochPolicyCalendarMonth, func(r domain.Repository) domain.Repository {
		stale.Repository = r
		return stale
	})
	ctx := context.Background()

	require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: 21}))
	env.seedCounter(t, domain.LocationCounter{
		LocationID:     22,
		EpochStartedAt: env.clock.Now().Add(-time.Hour),
	})
	env.clock.Advance(time.Minute)
	// 22 was selected but is no longer flagged by the time the batch runs.
	stale.batches = [][]int64{{21, 22}}

	cleared, err := env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.Equal(t, int64(1), countAudit(t, env.db, auditdomain.ActionManualResetCleared, 21))
	assert.Zero(t, countAudit(t, env.db, auditdomain.ActionManualResetCleared, 22))
}

func TestClearManualResetFlagsContinuesPastAnEmptiedBatch(t *testing.T) {
	stale := &staleListRepo{}
	env := newTestEnvWithRepo(t, config.EpochPolicyCalendarMonth, func(r domain.Repository) domain.Repository {
		stale.Repository = r
		return stale
	})
	ctx := context.Background()

	for id := int64(31); id <= 33; id++ {
		require.NoError(t, env.svc.ResetCounter(ctx, domain.ResetCounterRequest{LocationID: id}))
	}
	env.clock.Advance(time.Minute)
	// A full batch of rows that were cleared elsewhere comes back first.
	stale.batches = [][]int64{{90, 91}}

	cleared, err := env.svc.ClearManualResetFlags(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cleared)
	assert.Equal(t, int64(3), countAudit(t, env.db, auditdomain.ActionManualResetCleared, 0))

	var active int64
	require.NoError(t, env.db.Model(&domain.LocationCounter{}).Where("manual_reset_active = ?", true).Count(&active).Error)
	assert.Zero(t, active)
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "lock timeout", err: &pgconn.PgError{Code: "55P03"}, want: domain.ErrAllocationContention},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: domain.ErrAllocationContention},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: domain.ErrAllocationContention},
		{name: "deadline", err: context.DeadlineExceeded, want: domain.ErrAllocationContention},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: domain.ErrStorageUnavailable},
		{name: "invariant", err: domain.ErrInvariantViolation, want: domain.ErrInvariantViolation},
		{name: "canceled", err: context.Canceled, want: context.Canceled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
