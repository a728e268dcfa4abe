// Package db provides the SQLite models and schema management for the
// deployment history.
package db

import (
	"time"

	"github.com/google/uuid"
)

type MigrationModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"not null;uniqueIndex"`
	AppliedAt time.Time `gorm:"not null"`
}

func (MigrationModel) TableName() string {
	return "migrations"
}

type HistoryModel struct {
	ID          uuid.UUID `gorm:"type:char(36);primaryKey"`
	Target      string    `gorm:"not null;index:idx_history_target_created,priority:1;check:target <> ''"`
	Tag         string    `gorm:"not null;check:tag <> ''"`
	Requester   string    `gorm:"not null"`
	Args        string    `gorm:"not null;default:''"`                // extra args as entered by the requester
	Forced      bool      `gorm:"not null;default:false"`             // check phase was skipped
	State       string    `gorm:"not null;check:state <> ''"`         // done, error, aborted
	CancelledBy *string   `gorm:"type:varchar(64)"`                   // set for aborted deployments
	Error       *string   `gorm:"type:text"`                          // terminal error message
	Output      string    `gorm:"type:text"`                          // combined provisioning output
	CreatedAt   time.Time `gorm:"index:idx_history_target_created,priority:2"`
	FinishedAt  time.Time `gorm:"not null"`
}

func (HistoryModel) TableName() string {
	return "deployment_history"
}
