package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const activeJobIndex = "idx_jobs_one_active"

type PostgresJobRepository struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewPostgresJobRepository(db *gorm.DB) (*PostgresJobRepository, error) {
	node, err := snowflake.NewNode(1) // Node number 1 for job logs
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &PostgresJobRepository{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates the job tables and the index allowing a single active job
// per account and type.
func (r *PostgresJobRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&Job{}, &LogEntry{}); err != nil {
		return fmt.Errorf("failed to migrate job tables: %w", err)
	}
	stmt := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON jobs (account_id, type) WHERE status IN ('%s', '%s')",
		activeJobIndex, JobStatusQueued, JobStatusRunning,
	)
	if err := r.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create active job index: %w", err)
	}
	return nil
}

// Create inserts a queued job. When another job of the same type is still
// active for the account, that job is returned with ErrActiveJobExists.
func (r *PostgresJobRepository) Create(ctx context.Context, accountID string, jobType Type, params json.RawMessage) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      jobType,
		Status:    JobStatusQueued,
	}
	if len(params) > 0 {
		job.Params = datatypes.JSON(params)
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
		active, findErr := r.FindActive(ctx, accountID, jobType)
		if findErr != nil {
			return nil, findErr
		}
		if active == nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
		return active, ErrActiveJobExists
	}

	return job, nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	result := r.db.WithContext(ctx).Where("id = ?", id).First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &job, nil
}

func (r *PostgresJobRepository) FindActive(ctx context.Context, accountID string, jobType Type) (*Job, error) {
	var job Job
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND type = ? AND status IN ?", accountID, jobType, []JobStatus{JobStatusQueued, JobStatusRunning}).
		Order("created_at DESC").
		First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active job: %w", result.Error)
	}
	return &job, nil
}

// MarkRunning moves a queued job to running with its total fixed.
func (r *PostgresJobRepository) MarkRunning(ctx context.Context, id string, total int) (*Job, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     JobStatusRunning,
			"total":      total,
			"processed":  0,
			"ok":         0,
			"errors":     0,
			"started_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, r.transitionError(ctx, id, JobStatusRunning)
	}
	return r.Get(ctx, id)
}

// SaveProgress stores the counters and, when given, a log entry in one transaction.
func (r *PostgresJobRepository) SaveProgress(ctx context.Context, id string, c Counters, entry *LogEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Job{}).
			Where("id = ? AND status = ?", id, JobStatusRunning).
			Updates(map[string]interface{}{
				"processed": c.Processed,
				"ok":        c.OK,
				"errors":    c.Errors,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to save job progress: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		if entry != nil {
			return r.insertLog(tx, id, entry)
		}
		return nil
	})
}

// Finish writes the final counters and the terminal status derived from them.
func (r *PostgresJobRepository) Finish(ctx context.Context, id string, c Counters) (*Job, error) {
	status := FinalStatus(c.Total, c.Errors)
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusRunning).
		Updates(map[string]interface{}{
			"status":    status,
			"processed": c.Processed,
			"ok":        c.OK,
			"errors":    c.Errors,
			"ended_at":  time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, r.transitionError(ctx, id, status)
	}
	return r.Get(ctx, id)
}

// Fail moves a queued or running job straight to failed and appends entry.
func (r *PostgresJobRepository) Fail(ctx context.Context, id string, entry *LogEntry) (*Job, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", id, []JobStatus{JobStatusQueued, JobStatusRunning}).
			Updates(map[string]interface{}{
				"status":   JobStatusFailed,
				"ended_at": time.Now(),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to fail job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return r.insertLog(tx, id, entry)
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, r.transitionError(ctx, id, JobStatusFailed)
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *PostgresJobRepository) AppendLog(ctx context.Context, entry *LogEntry) error {
	return r.insertLog(r.db.WithContext(ctx), entry.JobID, entry)
}

// RecentLogs returns up to limit entries, newest first.
func (r *PostgresJobRepository) RecentLogs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	var logs []LogEntry
	result := r.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list job logs: %w", result.Error)
	}
	return logs, nil
}

// ListStale returns running jobs that have not been touched since before.
func (r *PostgresJobRepository) ListStale(ctx context.Context, before time.Time) ([]Job, error) {
	var jobs []Job
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", JobStatusRunning, before).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", result.Error)
	}
	return jobs, nil
}

func (r *PostgresJobRepository) insertLog(tx *gorm.DB, jobID string, entry *LogEntry) error {
	entry.ID = r.snowflake.Generate().Int64()
	entry.JobID = jobID
	if entry.Status == "" {
		entry.Status = LogStatusError
	}
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}
	return nil
}

func (r *PostgresJobRepository) transitionError(ctx context.Context, id string, to JobStatus) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
