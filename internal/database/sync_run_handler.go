package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"prefixsync/internal/domain"
	"prefixsync/internal/syncer"
)

// History stores one SyncRun row per finished cycle.
type History struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewHistory(db *gorm.DB, logger *log.Logger) *History {
	if logger == nil {
		logger = log.Default()
	}
	return &History{DB: db, Logger: logger.WithPrefix("history")}
}

// Report implements syncer.Reporter. Busy results are not recorded since no
// cycle actually ran.
func (h *History) Report(ctx context.Context, res *syncer.Result) {
	if res == nil || res.Status == syncer.StatusBusy {
		return
	}
	if err := h.Save(ctx, res); err != nil {
		h.Logger.Error("Failed to record sync run", "base", res.BaseName, "error", err)
	}
}

func (h *History) Save(ctx context.Context, res *syncer.Result) error {
	if h.DB == nil {
		return errors.New("database: connection was not configured")
	}
	run := SyncRunFromResult(res)
	if err := h.DB.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("sync history: insert: %w", err)
	}
	return nil
}

// Recent returns the newest runs for base, newest first.
func (h *History) Recent(ctx context.Context, base string, limit int) ([]domain.SyncRun, error) {
	if h.DB == nil {
		return nil, errors.New("database: connection was not configured")
	}
	if limit <= 0 {
		limit = 20
	}

	var runs []domain.SyncRun
	err := h.DB.WithContext(ctx).
		Where("base_name = ?", base).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("sync history: query: %w", err)
	}
	return runs, nil
}

func SyncRunFromResult(res *syncer.Result) domain.SyncRun {
	run := domain.SyncRun{
		BaseName:        res.BaseName,
		Status:          string(res.Status),
		DryRun:          res.DryRun,
		TargetPrefixes:  res.TargetTotal,
		CurrentPrefixes: res.CurrentTotal,
		Additions:       res.Additions(),
		Removals:        res.Removals(),
		SnapshotPath:    res.SnapshotPath,
		AppliedChunks:   domain.StringList(res.AppliedIDs()),
		FailedChunks:    domain.StringList(res.FailedIDs()),
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}
	if res.Verdict != nil {
		run.RemovalRatio = res.Verdict.RemovalRatio
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
	}
	return run
}
