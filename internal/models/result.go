package models

import (
	"time"

	"gorm.io/datatypes"
)

// Result status values. They are stored as plain strings so operators can
// query the table directly.
const (
	StatusPending = "PENDING"
	StatusSending = "SENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Result is one produced agent answer awaiting (or done with) delivery.
type Result struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_status_created,priority:2" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	AnalysisType    string         `gorm:"size:64" json:"analysis_type"`
	Title           string         `gorm:"size:256" json:"title"`
	Summary         string         `gorm:"type:text" json:"summary"`
	DetailedResults datatypes.JSON `json:"detailed_results,omitempty"`
	Status          string         `gorm:"size:16;not null;default:PENDING;index:idx_status_created,priority:1" json:"status"`
	SentAt          *time.Time     `json:"sent_at,omitempty"`
	SourceJob       string         `gorm:"size:128" json:"source_job"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	ClaimedBy       string         `gorm:"size:64" json:"claimed_by,omitempty"`
	Channel         string         `gorm:"size:32" json:"channel,omitempty"`
	Error           string         `gorm:"type:text" json:"error,omitempty"`
}

// IsTerminal reports whether status is SENT or FAILED.
func IsTerminal(status string) bool {
	return status == StatusSent || status == StatusFailed
}

// ValidStatus reports whether s is one of the known status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}
