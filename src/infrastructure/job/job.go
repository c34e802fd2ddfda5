package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// Type names the kind of work a job performs.
type Type string

const (
	TypeSyncCatalog            Type = "sync_catalog"
	TypeApplyWholesalePrices   Type = "apply_wholesale_prices"
	TypeRefreshPriceReferences Type = "refresh_price_references"
)

func (t Type) Valid() bool {
	switch t {
	case TypeSyncCatalog, TypeApplyWholesalePrices, TypeRefreshPriceReferences:
		return true
	}
	return false
}

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
	JobStatusPartial JobStatus = "partial"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusPartial
}

// Active reports whether the job still blocks a new job of the same type.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// LogStatus is the outcome recorded on a log entry.
type LogStatus string

const (
	LogStatusOK    LogStatus = "ok"
	LogStatusError LogStatus = "error"
)

var (
	ErrActiveJobExists   = errors.New("an active job of this type already exists for the account")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrUnknownJobType    = errors.New("unknown job type")
)

// Job represents a background job and its progress counters.
type Job struct {
	ID        string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AccountID string         `gorm:"not null;index;type:varchar(64)" json:"account_id"`
	Type      Type           `gorm:"not null;type:varchar(64)" json:"type"`
	Status    JobStatus      `gorm:"not null;type:varchar(16);index" json:"status"`
	Total     int            `gorm:"not null;default:0" json:"total"`
	Processed int            `gorm:"not null;default:0" json:"processed"`
	OK        int            `gorm:"not null;default:0;column:ok" json:"ok"`
	Errors    int            `gorm:"not null;default:0;column:errors" json:"errors"`
	Params    datatypes.JSON `json:"params,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// LogEntry is one append-only line of a job's log. Entries without an item
// describe the job as a whole.
type LogEntry struct {
	ID               int64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	JobID            string         `gorm:"not null;type:varchar(36);index:idx_job_logs_job_created,priority:1" json:"job_id"`
	ItemID           *string        `gorm:"type:varchar(64)" json:"item_id,omitempty"`
	VariationID      *int64         `json:"variation_id,omitempty"`
	Status           LogStatus      `gorm:"not null;type:varchar(8)" json:"status"`
	Message          *string        `json:"message,omitempty"`
	ResponseSnapshot datatypes.JSON `json:"response_snapshot,omitempty"`
	CreatedAt        time.Time      `gorm:"index:idx_job_logs_job_created,priority:2" json:"created_at"`
}

func (LogEntry) TableName() string { return "job_logs" }

// Counters is a snapshot of a job's progress.
type Counters struct {
	Total     int
	Processed int
	OK        int
	Errors    int
}

// FinalStatus maps finished counters to the terminal status: no errors is a
// success, all errors is a failure, anything else is partial.
func FinalStatus(total, errors int) JobStatus {
	switch {
	case errors == 0:
		return JobStatusSuccess
	case errors >= total:
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}

// JobRepository defines the interface for job persistence
type JobRepository interface {
	Create(ctx context.Context, accountID string, jobType Type, params json.RawMessage) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	FindActive(ctx context.Context, accountID string, jobType Type) (*Job, error)
	MarkRunning(ctx context.Context, id string, total int) (*Job, error)
	SaveProgress(ctx context.Context, id string, c Counters, entry *LogEntry) error
	Finish(ctx context.Context, id string, c Counters) (*Job, error)
	Fail(ctx context.Context, id string, entry *LogEntry) (*Job, error)
	AppendLog(ctx context.Context, entry *LogEntry) error
	RecentLogs(ctx context.Context, id string, limit int) ([]LogEntry, error)
	ListStale(ctx context.Context, before time.Time) ([]Job, error)
}
