package domain

import "time"

// SyncRun records the outcome of one reconciliation cycle.
type SyncRun struct {
	ID              uint       `gorm:"primaryKey;autoIncrement"`
	BaseName        string     `gorm:"size:255;not null;index:idx_sync_run_base_started,priority:1"`
	Status          string     `gorm:"size:32;not null"`
	DryRun          bool       `gorm:"not null;default:false"`
	TargetPrefixes  int        `gorm:"not null;default:0"`
	CurrentPrefixes int        `gorm:"not null;default:0"`
	Additions       int        `gorm:"not null;default:0"`
	Removals        int        `gorm:"not null;default:0"`
	RemovalRatio    float64    `gorm:"not null;default:0"`
	SnapshotPath    string     `gorm:"size:1024"`
	AppliedChunks   StringList `gorm:"type:text"`
	FailedChunks    StringList `gorm:"type:text"`
	Error           string     `gorm:"type:text"`
	StartedAt       time.Time  `gorm:"not null;index:idx_sync_run_base_started,priority:2"`
	FinishedAt      time.Time  `gorm:"not null"`
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
}
