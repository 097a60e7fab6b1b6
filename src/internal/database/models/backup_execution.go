package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TriggerKind records what started an execution
type TriggerKind string

const (
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// BackupExecution is one historical run of a job
type BackupExecution struct {
	ID          uuid.UUID       `gorm:"type:char(36);primary_key" json:"id"`
	JobID       uuid.UUID       `gorm:"type:char(36);not null;index" json:"job_id"`
	LabID       uuid.UUID       `gorm:"type:char(36);not null;index" json:"lab_id"`
	Status      JobStatus       `gorm:"type:varchar(50);not null" json:"status"`
	TriggeredBy TriggerKind     `gorm:"type:varchar(20);not null" json:"triggered_by"`
	StartedAt   time.Time       `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	Progress    Progress        `gorm:"serializer:json" json:"progress"`
	Logs        []LogEntry      `gorm:"serializer:json" json:"logs,omitempty"`
	Error       *ExecutionError `gorm:"serializer:json" json:"error,omitempty"`
	Result      *Result         `gorm:"serializer:json" json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BeforeCreate hook to set UUID
func (e *BackupExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// ArtifactStatus tracks whether an artifact still exists in storage
type ArtifactStatus string

const (
	ArtifactStored ArtifactStatus = "stored"
	ArtifactPruned ArtifactStatus = "pruned"
)

// BackupArtifact is a stored backup file subject to retention pruning
type BackupArtifact struct {
	ID          uuid.UUID      `gorm:"type:char(36);primary_key" json:"id"`
	JobID       uuid.UUID      `gorm:"type:char(36);not null;index" json:"job_id"`
	LabID       uuid.UUID      `gorm:"type:char(36);not null;index" json:"lab_id"`
	ExecutionID uuid.UUID      `gorm:"type:char(36);not null" json:"execution_id"`
	FilePath    string         `gorm:"type:varchar(500);not null" json:"file_path"`
	Size        int64          `gorm:"not null" json:"size"`
	Checksum    string         `gorm:"type:varchar(128)" json:"checksum,omitempty"`
	Status      ArtifactStatus `gorm:"type:varchar(20);not null;default:'stored'" json:"status"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

// BeforeCreate hook to set UUID
func (a *BackupArtifact) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
