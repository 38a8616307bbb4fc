package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "mysql_lock_wait",
			err:  fmt.Errorf("clear batch: %w", &mysql.MySQLError{Number: 1205}),
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "deadlock",
			err:  &pgconn.PgError{Code: "40P01"},
			want: SchedulerJobReasonDeadlock,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerialization,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(errors.New("database is locked")); got != SchedulerErrorTypeContention {
		t.Fatalf("expected contention, got %q", got)
	}
	if got := ClassifySchedulerErrorType(gorm.ErrInvalidTransaction); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db, got %q", got)
	}
	if !IsSchedulerErrorRetryable(&pgconn.PgError{Code: "55P03"}) {
		t.Fatalf("expected lock timeout to be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "rastro",
		Environment: "test",
	})

	metrics.AddBatchProcessed("clear_manual_reset", "location_counters", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("clear_manual_reset", "location_counters"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestTicketCounterMetricsDriftHealed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newTicketCounterMetrics(registry, Config{ServiceName: "rastro", Environment: "test"})

	m.ObserveDriftHealed(0)
	m.ObserveDriftHealed(37)
	m.ObserveAllocation(AllocationResultOK, AllocationModeReconcile, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.driftHealed); got != 1 {
		t.Fatalf("expected one healed allocation, got %v", got)
	}
	if got := testutil.ToFloat64(m.allocations.WithLabelValues(AllocationResultOK, AllocationModeReconcile)); got != 1 {
		t.Fatalf("expected one ok allocation, got %v", got)
	}
}
