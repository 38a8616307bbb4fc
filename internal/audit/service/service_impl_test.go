package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/rastro/internal/audit/domain"
	"github.com/smallbiznis/rastro/internal/audit/repository"
	"github.com/smallbiznis/rastro/internal/clock"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (auditdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: fake,
	})
	return svc, db, fake
}

func TestRecordResolvesActorFromContext(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := obscontext.WithActor(context.Background(), "operator", "maria")
	ctx = obscontext.WithRequestID(ctx, "req-1")

	err := svc.Record(ctx, nil, auditdomain.Entry{
		LocationID: 4,
		Action:     auditdomain.ActionCounterReset,
		Metadata:   map[string]any{"previous_value": 17},
	})
	require.NoError(t, err)

	var row auditdomain.AuditLog
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, "operator", row.ActorType)
	require.NotNil(t, row.ActorID)
	assert.Equal(t, "maria", *row.ActorID)
	assert.Equal(t, "req-1", row.Metadata["request_id"])
}

func TestRecordRejectsInvalidEntries(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.Record(context.Background(), nil, auditdomain.Entry{LocationID: 1})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)

	err = svc.Record(context.Background(), nil, auditdomain.Entry{Action: auditdomain.ActionCounterReset})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidLocation)
}

func TestRecordRollsBackWithCallerTransaction(t *testing.T) {
	svc, db, _ := newTestService(t)

	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.Record(context.Background(), tx, auditdomain.Entry{
			LocationID: 2,
			Action:     auditdomain.ActionCounterReset,
		}))
		return assert.AnError
	})

	var count int64
	require.NoError(t, db.Model(&auditdomain.AuditLog{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, nil, auditdomain.Entry{
			LocationID: 9,
			Action:     auditdomain.ActionManualResetCleared,
			ActorType:  string(auditdomain.ActorTypeSystem),
			ActorID:    "scheduler",
		}))
		fake.Advance(time.Minute)
	}
	require.NoError(t, svc.Record(ctx, nil, auditdomain.Entry{LocationID: 10, Action: auditdomain.ActionCounterReset}))

	req := auditdomain.ListAuditLogRequest{LocationID: 9}
	req.PageSize = 3
	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 3)
	assert.True(t, first.HasMore)
	assert.True(t, first.AuditLogs[0].CreatedAt.After(first.AuditLogs[2].CreatedAt))

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 2)
	assert.False(t, second.HasMore)
	assert.Empty(t, second.NextPageToken)
}

func TestListRejectsBadToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := auditdomain.ListAuditLogRequest{LocationID: 1}
	req.PageToken = "not-base64!"

	_, err := svc.List(context.Background(), req)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func TestListFiltersByActorAndAction(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	entries := []auditdomain.Entry{
		{LocationID: 3, Action: auditdomain.ActionCounterReset, ActorType: string(auditdomain.ActorTypeOperator), ActorID: "ana"},
		{LocationID: 3, Action: auditdomain.ActionCounterReset, ActorType: string(auditdomain.ActorTypeOperator), ActorID: "luis"},
		{LocationID: 3, Action: auditdomain.ActionManualResetCleared, ActorType: string(auditdomain.ActorTypeSystem), ActorID: "scheduler"},
	}
	for _, entry := range entries {
		require.NoError(t, svc.Record(ctx, nil, entry))
		fake.Advance(time.Second)
	}

	byActor, err := svc.List(ctx, auditdomain.ListAuditLogRequest{LocationID: 3, ActorID: " ana "})
	require.NoError(t, err)
	require.Len(t, byActor.AuditLogs, 1)
	require.NotNil(t, byActor.AuditLogs[0].ActorID)
	assert.Equal(t, "ana", *byActor.AuditLogs[0].ActorID)

	byAction, err := svc.List(ctx, auditdomain.ListAuditLogRequest{LocationID: 3, Action: auditdomain.ActionCounterReset})
	require.NoError(t, err)
	assert.Len(t, byAction.AuditLogs, 2)
	assert.False(t, byAction.HasMore)
}
