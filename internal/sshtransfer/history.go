package sshtransfer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/termctl/internal/database"
)

type HistoryResult struct {
	Records  []database.TransferRecord `json:"records"`
	Total    int64                     `json:"total"`
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
}

// History pages through persisted transfer records, newest first. An
// endpointID of 0 lists every endpoint.
func (e *Engine) History(ctx context.Context, endpointID uint, page, pageSize int) (*HistoryResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}
	res := &HistoryResult{Page: page, PageSize: pageSize, Records: []database.TransferRecord{}}
	if e.db == nil {
		return res, nil
	}

	scoped := func() *gorm.DB {
		tx := e.db.WithContext(ctx).Model(&database.TransferRecord{})
		if endpointID != 0 {
			tx = tx.Where("endpoint_id = ?", endpointID)
		}
		return tx
	}
	if err := scoped().Count(&res.Total).Error; err != nil {
		return nil, fmt.Errorf("count transfers: %w", err)
	}
	err := scoped().Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&res.Records).Error
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return res, nil
}

// Cleanup forgets terminal jobs that finished more than days ago and deletes
// their persisted records. days <= 0 uses RetentionDays. Returns the number
// of records deleted.
func (e *Engine) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = e.cfg.RetentionDays
	}
	cutoff := e.nowFn().AddDate(0, 0, -days)

	e.mu.Lock()
	forgotten := 0
	for id, t := range e.tasks {
		j := t.snapshot()
		if IsTerminal(j.Status) && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(e.tasks, id)
			forgotten++
		}
	}
	e.mu.Unlock()

	var purged int64
	if e.db != nil {
		res := e.db.WithContext(ctx).
			Where("status IN ? AND created_at < ?", []string{StatusCompleted, StatusFailed, StatusCancelled}, cutoff).
			Delete(&database.TransferRecord{})
		if res.Error != nil {
			return 0, fmt.Errorf("purge transfer records: %w", res.Error)
		}
		purged = res.RowsAffected
	}
	e.logger.Info("transfer cleanup", zap.Int("jobs", forgotten), zap.Int64("records", purged), zap.Int("days", days))
	return purged, nil
}
