package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the lifecycle state of a backup job
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// JobType determines what the external executor backs up
type JobType string

const (
	JobTypeFull         JobType = "full"
	JobTypeIncremental  JobType = "incremental"
	JobTypeDifferential JobType = "differential"
	JobTypeDatabase     JobType = "database"
	JobTypeFiles        JobType = "files"
)

// Frequency is the recurrence rule kind for a schedule
type Frequency string

const (
	FrequencyManual  Frequency = "manual"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

// DependencyRelation describes the ordering side of a dependency edge
type DependencyRelation string

const (
	// RelationBefore means the referenced job must complete before this one starts
	RelationBefore DependencyRelation = "before"
	// RelationAfter means this job must complete before the referenced job starts
	RelationAfter DependencyRelation = "after"
)

// UnmetPolicy controls what happens when a prerequisite is not satisfied at dispatch
type UnmetPolicy string

const (
	UnmetWait UnmetPolicy = "wait"
	UnmetSkip UnmetPolicy = "skip"
	UnmetFail UnmetPolicy = "fail"
)

// Schedule defines when a job becomes due
type Schedule struct {
	Frequency  Frequency  `json:"frequency"`
	TimeOfDay  string     `json:"time_of_day,omitempty"` // "15:04"
	DayOfWeek  int        `json:"day_of_week,omitempty"` // 0 = Sunday
	DayOfMonth int        `json:"day_of_month,omitempty"`
	CronExpr   string     `json:"cron_expr,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// IsRecurring returns true if the schedule produces future runs on its own
func (s Schedule) IsRecurring() bool {
	return s.Enabled && s.Frequency != FrequencyManual
}

// BackupSource is one database or file path included in a job
type BackupSource struct {
	Kind string `json:"kind"` // database, path
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// RetentionPolicy controls how many historical artifacts are kept
type RetentionPolicy struct {
	KeepDaily   int `json:"keep_daily,omitempty"`
	KeepWeekly  int `json:"keep_weekly,omitempty"`
	KeepMonthly int `json:"keep_monthly,omitempty"`
	KeepYearly  int `json:"keep_yearly,omitempty"`
	Days        int `json:"days,omitempty"`
	MaxBackups  int `json:"max_backups,omitempty"`
}

// Destination describes where backup artifacts are written
type Destination struct {
	Type          string          `json:"type"` // local, s3, azure, gcp, ftp, sftp
	Path          string          `json:"path,omitempty"`
	Bucket        string          `json:"bucket,omitempty"`
	Region        string          `json:"region,omitempty"`
	Container     string          `json:"container,omitempty"`
	Account       string          `json:"account,omitempty"`
	Host          string          `json:"host,omitempty"`
	Port          int             `json:"port,omitempty"`
	Username      string          `json:"username,omitempty"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	Retention     RetentionPolicy `json:"retention"`
}

// CompressionConfig is validated by the core, applied by the executor
type CompressionConfig struct {
	Enabled   bool   `json:"enabled"`
	Algorithm string `json:"algorithm,omitempty"` // gzip, zstd, lz4
	Level     int    `json:"level,omitempty"`
}

// EncryptionConfig is validated by the core, applied by the executor
type EncryptionConfig struct {
	Enabled   bool   `json:"enabled"`
	Algorithm string `json:"algorithm,omitempty"` // aes-256-gcm, chacha20-poly1305
	KeyRef    string `json:"key_ref,omitempty"`
}

// JobDependency is an ordering edge to another job in the same lab
type JobDependency struct {
	JobID    uuid.UUID          `json:"job_id"`
	Relation DependencyRelation `json:"relation"`
}

// DependencyOptions holds per-job dispatch gating settings
type DependencyOptions struct {
	OnUnmet          UnmetPolicy `json:"on_unmet,omitempty"`
	FreshnessWindowS int64       `json:"freshness_window_s,omitempty"`
}

// NotificationConfig holds per-outcome recipient toggles
type NotificationConfig struct {
	OnSuccess  bool     `json:"on_success"`
	OnFailure  bool     `json:"on_failure"`
	OnWarning  bool     `json:"on_warning"`
	Recipients []string `json:"recipients,omitempty"`
}

// Progress tracks a running execution; percentage never decreases
type Progress struct {
	Percentage     float64 `json:"percentage"`
	CurrentStep    string  `json:"current_step,omitempty"`
	TotalSteps     int     `json:"total_steps,omitempty"`
	CompletedSteps int     `json:"completed_steps,omitempty"`
	BytesProcessed int64   `json:"bytes_processed"`
	BytesTotal     int64   `json:"bytes_total,omitempty"`
}

// LogEntry is one append-only execution log line
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionError is the structured failure recorded on an execution
type ExecutionError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Transient bool      `json:"transient"`
	Timestamp time.Time `json:"timestamp"`
}

// Execution is the current or most recent run of a job
type Execution struct {
	ID              uuid.UUID       `json:"id,omitempty"`
	Status          JobStatus       `json:"status,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationMS      int64           `json:"duration_ms,omitempty"`
	Progress        Progress        `json:"progress"`
	Logs            []LogEntry      `json:"logs,omitempty"`
	Error           *ExecutionError `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
}

// VerificationStatus is the outcome of the post-backup integrity check
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationSkipped VerificationStatus = "skipped"
)

// BackupFile describes the artifact produced by a run
type BackupFile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// BackupStats counts what a run backed up
type BackupStats struct {
	Files       int64 `json:"files"`
	Collections int64 `json:"collections"`
	Documents   int64 `json:"documents"`
	Bytes       int64 `json:"bytes"`
}

// Verification records the integrity check on a result
type Verification struct {
	Status        VerificationStatus `json:"status"`
	ChecksumMatch bool               `json:"checksum_match"`
	VerifiedAt    *time.Time         `json:"verified_at,omitempty"`
}

// Result is the outcome of the most recent successful run
type Result struct {
	File         *BackupFile  `json:"file,omitempty"`
	Stats        BackupStats  `json:"stats"`
	Verification Verification `json:"verification"`
}

// BackupJob is a named, schedulable backup configuration scoped to a lab
type BackupJob struct {
	ID               uuid.UUID          `gorm:"type:char(36);primary_key" json:"id"`
	LabID            uuid.UUID          `gorm:"type:char(36);not null;index" json:"lab_id"`
	Name             string             `gorm:"type:varchar(255);not null" json:"name"`
	Description      string             `gorm:"type:varchar(1000)" json:"description,omitempty"`
	Tags             []string           `gorm:"serializer:json" json:"tags,omitempty"`
	Type             JobType            `gorm:"type:varchar(50);not null" json:"type"`
	Status           JobStatus          `gorm:"type:varchar(50);not null;index" json:"status"`
	MaxExecutionSecs int64              `gorm:"default:3600" json:"max_execution_secs"`
	Schedule         Schedule           `gorm:"serializer:json" json:"schedule"`
	NextRunAt        *time.Time         `gorm:"index" json:"-"` // denormalized Schedule.NextRun for due queries
	Sources          []BackupSource     `gorm:"serializer:json" json:"sources,omitempty"`
	Destination      Destination        `gorm:"serializer:json" json:"destination"`
	Compression      CompressionConfig  `gorm:"serializer:json" json:"compression"`
	Encryption       EncryptionConfig   `gorm:"serializer:json" json:"encryption"`
	Dependencies     []JobDependency    `gorm:"serializer:json" json:"dependencies,omitempty"`
	DependencyOpts   DependencyOptions  `gorm:"serializer:json" json:"dependency_opts"`
	Notifications    NotificationConfig `gorm:"serializer:json" json:"notifications"`
	Execution        Execution          `gorm:"serializer:json" json:"execution"`
	CancelRequested  bool               `gorm:"not null;default:false" json:"-"` // stop signal readable across replicas
	Result           *Result            `gorm:"serializer:json" json:"result,omitempty"`
	CreatedBy        *uuid.UUID         `gorm:"type:char(36)" json:"created_by,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	DeletedAt        gorm.DeletedAt     `gorm:"index" json:"-"`
}

// BeforeCreate hook to set UUID
func (j *BackupJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// IsRunning returns true while an execution holds the claim
func (j *BackupJob) IsRunning() bool {
	return j.Status == JobStatusRunning
}

// IsTerminal returns true for statuses with no pending transition
func (j *BackupJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TotalSize sums the recorded source sizes
func (j *BackupJob) TotalSize() int64 {
	var total int64
	for _, s := range j.Sources {
		total += s.Size
	}
	return total
}

// MaxExecutionTime returns the watchdog limit as a duration
func (j *BackupJob) MaxExecutionTime() time.Duration {
	return time.Duration(j.MaxExecutionSecs) * time.Second
}

// StatusColor maps a status to a display color
func StatusColor(status JobStatus) string {
	switch status {
	case JobStatusScheduled:
		return "blue"
	case JobStatusRunning:
		return "yellow"
	case JobStatusCompleted:
		return "green"
	case JobStatusFailed:
		return "red"
	case JobStatusCancelled:
		return "gray"
	case JobStatusPaused:
		return "orange"
	}
	return "gray"
}

// HumanReadableSize returns size in human readable format
func HumanReadableSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
