package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	JobWeeklyPayouts  = "weekly_payouts"
	JobRetryTransfers = "retry_transfers"
	JobReconcile      = "reconcile_transfers"
)

type PayoutJobRun struct {
	ID         uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	Job        string         `gorm:"size:40;not null;index" json:"job"`
	Trigger    string         `gorm:"size:20;not null" json:"trigger"`
	Success    bool           `gorm:"not null" json:"success"`
	ErrorCount int            `gorm:"not null;default:0" json:"error_count"`
	Summary    datatypes.JSON `json:"summary"`
	StartedAt  time.Time      `gorm:"not null;index" json:"started_at"`
	FinishedAt time.Time      `gorm:"not null" json:"finished_at"`
}

func (r *PayoutJobRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
