package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rastro/internal/audit/domain"
	"github.com/smallbiznis/rastro/internal/clock"
	obscontext "github.com/smallbiznis/rastro/internal/observability/context"
	"github.com/smallbiznis/rastro/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
	clock clock.Clock
}

func NewService(p Params) auditdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) Record(ctx context.Context, conn *gorm.DB, entries ...auditdomain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if conn == nil {
		conn = s.db
	}

	now := s.clock.Now().UTC()
	requestID := obscontext.RequestIDFromContext(ctx)
	rows := make([]*auditdomain.AuditLog, 0, len(entries))
	for _, entry := range entries {
		action := strings.TrimSpace(entry.Action)
		if action == "" {
			return auditdomain.ErrInvalidAction
		}
		if entry.LocationID <= 0 {
			return auditdomain.ErrInvalidLocation
		}

		actorType, actorID := s.resolveActor(ctx, entry.ActorType, entry.ActorID)
		payload := map[string]any{}
		for key, value := range entry.Metadata {
			if key == "" {
				continue
			}
			payload[key] = value
		}
		if requestID != "" {
			payload["request_id"] = requestID
		}

		rows = append(rows, &auditdomain.AuditLog{
			ID:         s.genID.Generate(),
			LocationID: entry.LocationID,
			Action:     action,
			ActorType:  actorType,
			ActorID:    actorID,
			Metadata:   datatypes.JSONMap(payload),
			CreatedAt:  now,
		})
	}

	if err := s.repo.Insert(ctx, conn, rows); err != nil {
		s.log.Warn("audit.write_failed", zap.String("action", rows[0].Action), zap.Int("count", len(rows)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.LocationID <= 0 {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidLocation
	}
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{
			ID:        id,
			CreatedAt: createdAt.UTC(),
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		LocationID: req.LocationID,
		Action:     req.Action,
		ActorID:    strings.TrimSpace(req.ActorID),
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *auditdomain.AuditLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}
	if pageInfo != nil && !pageInfo.HasMore {
		pageInfo.NextPageToken = ""
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) resolveActor(ctx context.Context, actorType string, actorID string) (string, *string) {
	actorType = strings.TrimSpace(actorType)
	actorID = strings.TrimSpace(actorID)
	if actorType == "" {
		if ctxType, ctxID := obscontext.ActorFromContext(ctx); ctxType != "" {
			actorType = ctxType
			if actorID == "" {
				actorID = ctxID
			}
		}
	}
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	if actorID == "" {
		return actorType, nil
	}
	return actorType, &actorID
}
