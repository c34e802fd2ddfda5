package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"wholesync/src/telemetry"
)

// Outcome is the result of processing one unit of a running job.
type Outcome struct {
	ItemID      string
	VariationID *int64
	Err         error
	// Message overrides the log message; on failure it defaults to Err.Error().
	Message  string
	Snapshot json.RawMessage
	Took     time.Duration
}

// Tracker accumulates outcomes for a running job. Calls are serialized, so
// each counter update and its log entry land together and counters never
// move backwards.
type Tracker struct {
	mu       sync.Mutex
	repo     JobRepository
	job      Job
	counters Counters
	metrics  *telemetry.Metrics
	logger   logr.Logger
}

func newTracker(repo JobRepository, job *Job, metrics *telemetry.Metrics, logger logr.Logger) *Tracker {
	return &Tracker{
		repo:     repo,
		job:      *job,
		counters: Counters{Total: job.Total},
		metrics:  metrics,
		logger:   logger.WithValues("job_id", job.ID, "job_type", job.Type),
	}
}

// Counters returns a snapshot of the progress so far.
func (t *Tracker) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Record counts o and appends its log entry. Storage failures are logged and
// do not stop the job.
func (t *Tracker) Record(ctx context.Context, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counters.Processed >= t.counters.Total {
		t.logger.Error(fmt.Errorf("processed would exceed total %d", t.counters.Total), "outcome dropped", "item_id", o.ItemID)
		return
	}

	entry := &LogEntry{Status: LogStatusOK}
	if o.ItemID != "" {
		itemID := o.ItemID
		entry.ItemID = &itemID
	}
	entry.VariationID = o.VariationID
	if len(o.Snapshot) > 0 {
		entry.ResponseSnapshot = []byte(o.Snapshot)
	}

	t.counters.Processed++
	if o.Err != nil {
		t.counters.Errors++
		entry.Status = LogStatusError
	} else {
		t.counters.OK++
	}

	msg := o.Message
	if msg == "" && o.Err != nil {
		msg = o.Err.Error()
	}
	if msg != "" {
		entry.Message = &msg
	}

	if err := t.repo.SaveProgress(ctx, t.job.ID, t.counters, entry); err != nil {
		t.logger.Error(err, "failed to save job progress", "item_id", o.ItemID)
	}
	t.metrics.ItemRecorded(ctx, string(t.job.Type), string(entry.Status), o.Took)
}

// Note appends a job-level error entry without touching the counters.
func (t *Tracker) Note(ctx context.Context, message string, snapshot json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &LogEntry{JobID: t.job.ID, Status: LogStatusError, Message: &message}
	if len(snapshot) > 0 {
		entry.ResponseSnapshot = []byte(snapshot)
	}
	if err := t.repo.AppendLog(ctx, entry); err != nil {
		t.logger.Error(err, "failed to append job note")
	}
}
