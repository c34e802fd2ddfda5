package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wholesync/src/log"
	"wholesync/src/telemetry"
)

// Topic is where job messages are published.
const Topic = "jobs"

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

// Task runs one job type. It moves the job to running with Start and closes
// it with Finish. A returned error fails the job with the error text as the
// reason.
type Task interface {
	Run(ctx context.Context, job *Job) error
}

type JobService struct {
	publisher message.Publisher
	repo      JobRepository
	logger    watermill.LoggerAdapter
	metrics   *telemetry.Metrics
	tracer    trace.Tracer

	mu    sync.RWMutex
	tasks map[Type]Task
}

type JobMessage struct {
	JobID string `json:"job_id"`
	Type  Type   `json:"type"`
}

type Option func(*JobService)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *JobService) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *JobService) { s.tracer = t }
}

func NewJobService(
	publisher message.Publisher,
	repo JobRepository,
	logger watermill.LoggerAdapter,
	opts ...Option,
) *JobService {
	s := &JobService{
		publisher: publisher,
		repo:      repo,
		logger:    logger,
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.Tracer(nil),
		tasks:     make(map[Type]Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTask binds a task to a job type.
func (s *JobService) RegisterTask(jobType Type, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[jobType] = task
}

// EnqueueJob creates a queued job and publishes it. If the account already
// has an active job of this type, that job is returned with ErrActiveJobExists
// and nothing is published.
func (s *JobService) EnqueueJob(ctx context.Context, accountID string, jobType Type, params json.RawMessage) (*Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	job, err := s.repo.Create(ctx, accountID, jobType, params)
	if errors.Is(err, ErrActiveJobExists) {
		return job, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	msgPayload, err := json.Marshal(JobMessage{JobID: job.ID, Type: job.Type})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), msgPayload)
	if err := s.publisher.Publish(Topic, msg); err != nil {
		// Never leave an unpublished job queued.
		if _, failErr := s.Fail(ctx, job.ID, "failed to dispatch job", nil); failErr != nil {
			s.logger.Error("Failed to mark undispatched job as failed", failErr, watermill.LogFields{"job_id": job.ID})
		}
		return nil, fmt.Errorf("failed to publish job message: %w", err)
	}

	s.logger.Info("Job enqueued", watermill.LogFields{
		"job_id":     job.ID,
		"account_id": accountID,
		"type":       jobType,
	})
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// GetWithRecentLogs returns the job with its newest log entries first.
func (s *JobService) GetWithRecentLogs(ctx context.Context, id string, limit int) (*Job, []LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	logs, err := s.repo.RecentLogs(ctx, id, limit)
	if err != nil {
		return nil, nil, err
	}
	return job, logs, nil
}

// Start fixes the job's total, moves it to running and returns the tracker
// that records its outcomes.
func (s *JobService) Start(ctx context.Context, job *Job, total int) (*Tracker, error) {
	running, err := s.repo.MarkRunning(ctx, job.ID, total)
	if err != nil {
		return nil, err
	}
	*job = *running
	s.metrics.JobStarted(ctx, string(job.Type))
	return newTracker(s.repo, running, s.metrics, log.WithName("job")), nil
}

// Finish closes a running job with the status its counters call for.
func (s *JobService) Finish(ctx context.Context, t *Tracker) (*Job, error) {
	t.mu.Lock()
	c := t.counters
	t.mu.Unlock()

	job, err := s.repo.Finish(ctx, t.job.ID, c)
	if err != nil {
		return nil, err
	}
	s.metrics.JobFinished(ctx, string(job.Type), string(job.Status))
	s.logger.Info("Job finished", watermill.LogFields{
		"job_id":    job.ID,
		"status":    job.Status,
		"total":     job.Total,
		"ok":        job.OK,
		"errors":    job.Errors,
		"processed": job.Processed,
	})
	return job, nil
}

// Fail ends a queued or running job as failed with a single job-level entry.
func (s *JobService) Fail(ctx context.Context, jobID, reason string, snapshot json.RawMessage) (*Job, error) {
	entry := &LogEntry{Status: LogStatusError, Message: &reason}
	if len(snapshot) > 0 {
		entry.ResponseSnapshot = []byte(snapshot)
	}

	job, err := s.repo.Fail(ctx, jobID, entry)
	if err != nil {
		return nil, err
	}
	s.metrics.JobFinished(ctx, string(job.Type), string(job.Status))
	s.logger.Info("Job failed", watermill.LogFields{"job_id": jobID, "reason": reason})
	return job, nil
}

// LogItemError appends an uncounted error entry for an item, used for units
// rejected before the job starts running.
func (s *JobService) LogItemError(ctx context.Context, jobID, itemID string, variationID *int64, message string) error {
	return s.repo.AppendLog(ctx, &LogEntry{
		JobID:       jobID,
		ItemID:      &itemID,
		VariationID: variationID,
		Status:      LogStatusError,
		Message:     &message,
	})
}

// ProcessJobMessage processes a job message from the queue
func (s *JobService) ProcessJobMessage(msg *message.Message) error {
	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		s.logger.Error("Dropping malformed job message", err, watermill.LogFields{"message_uuid": msg.UUID})
		return nil
	}

	ctx := msg.Context()

	job, err := s.repo.Get(ctx, jobMsg.JobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		s.logger.Error("Dropping message for unknown job", ErrJobNotFound, watermill.LogFields{"job_id": jobMsg.JobID})
		return nil
	}
	if job.Status != JobStatusQueued {
		s.logger.Info("Skipping redelivered job", watermill.LogFields{"job_id": job.ID, "status": job.Status})
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "job."+string(job.Type), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.account_id", job.AccountID),
	))
	defer span.End()

	if err := s.processJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Job aborted", err, watermill.LogFields{"job_id": job.ID})

		var snapshot json.RawMessage
		var withSnapshot interface{ Snapshot() json.RawMessage }
		if errors.As(err, &withSnapshot) {
			snapshot = withSnapshot.Snapshot()
		}

		current, getErr := s.repo.Get(ctx, job.ID)
		if getErr == nil && current != nil && current.Status.Active() {
			if _, failErr := s.Fail(ctx, job.ID, err.Error(), snapshot); failErr != nil {
				s.logger.Error("Failed to update job status to failed", failErr, watermill.LogFields{"job_id": job.ID})
			}
		}
	}

	return nil
}

// processJob handles different types of jobs
func (s *JobService) processJob(ctx context.Context, job *Job) error {
	s.mu.RLock()
	task, ok := s.tasks[job.Type]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	return task.Run(ctx, job)
}

// ReapStale fails running jobs that have made no progress for olderThan,
// which happens when the worker running them died.
func (s *JobService) ReapStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.repo.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, j := range stale {
		reason := fmt.Sprintf("job orphaned: no progress since %s", j.UpdatedAt.UTC().Format(time.RFC3339))
		if _, err := s.Fail(ctx, j.ID, reason, nil); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}
