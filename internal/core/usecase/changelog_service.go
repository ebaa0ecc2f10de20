package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

// ChangeLogService reads the change log.
type ChangeLogService struct {
	repo  ports.ChangeLogReader
	perms *PermissionService
}

func NewChangeLogService(repo ports.ChangeLogReader, perms *PermissionService) *ChangeLogService {
	return &ChangeLogService{repo: repo, perms: perms}
}

// History returns every change of one object ordered by creation time,
// newest first.
func (s *ChangeLogService) History(ctx context.Context, instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error) {
	if err := domain.ValidateModelKind(model); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, instanceID, model, modelID)
}

// VisibleHistory is History filtered to what viewerID may see.
func (s *ChangeLogService) VisibleHistory(ctx context.Context, viewerID, instanceID int64, model domain.ModelKind, modelID int64) ([]domain.ChangeRecord, error) {
	history, err := s.History(ctx, instanceID, model, modelID)
	if err != nil {
		return nil, err
	}
	return s.visible(ctx, viewerID, instanceID, history)
}

// AuditPage is one page of the activity feed. NextAfter is the cursor for
// the following page and zero once the feed is exhausted.
type AuditPage struct {
	Items     []domain.ChangeRecord
	NextAfter int64
}

// ListAudits pages through the instance activity feed, newest first.
// Filtering by visibility happens after the page is read, so a page may
// hold fewer than Limit records, even none, while NextAfter is still set.
func (s *ChangeLogService) ListAudits(ctx context.Context, viewerID int64, filter domain.ChangeFilter) (AuditPage, error) {
	if filter.Model != "" {
		if err := domain.ValidateModelKind(filter.Model); err != nil {
			return AuditPage{}, err
		}
	}
	if filter.Action != 0 && !filter.Action.Valid() {
		return AuditPage{}, domain.FieldError("action", fmt.Sprintf("invalid action %d", filter.Action))
	}
	filter.Limit = domain.ClampLimit(filter.Limit)
	raw, err := s.repo.ListChanges(ctx, filter)
	if err != nil {
		return AuditPage{}, fmt.Errorf("list changes: %w", err)
	}
	items, err := s.visible(ctx, viewerID, filter.InstanceID, raw)
	if err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{Items: items}
	if len(raw) == filter.Limit {
		page.NextAfter = raw[len(raw)-1].ID
	}
	return page, nil
}

func (s *ChangeLogService) visible(ctx context.Context, viewerID, instanceID int64, items []domain.ChangeRecord) ([]domain.ChangeRecord, error) {
	viewer, err := s.perms.Viewer(ctx, instanceID, viewerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChangeRecord, 0, len(items))
	for _, c := range items {
		if c.AwaitsModeration() && !viewer.Admin && c.UserID != viewerID {
			continue
		}
		level, err := s.perms.Level(ctx, viewer, c.Model, c.Field)
		if err != nil {
			return nil, err
		}
		if !level.CanRead() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
