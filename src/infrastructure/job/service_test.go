package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wholesync/src/infrastructure/job"
	"wholesync/src/storage/storagetest"
)

type fixture struct {
	db     *gorm.DB
	repo   *job.PostgresJobRepository
	pubSub *gochannel.GoChannel
	svc    *job.JobService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := storagetest.Open(t)
	repo, err := job.NewPostgresJobRepository(db)
	require.NoError(t, err)

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	return &fixture{
		db:     db,
		repo:   repo,
		pubSub: pubSub,
		svc:    job.NewJobService(pubSub, repo, watermill.NopLogger{}),
	}
}

func (f *fixture) deliver(t *testing.T, j *job.Job) {
	t.Helper()
	payload, err := json.Marshal(job.JobMessage{JobID: j.ID, Type: j.Type})
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJobMessage(message.NewMessage(watermill.NewUUID(), payload)))
}

type taskFunc func(ctx context.Context, j *job.Job) error

func (f taskFunc) Run(ctx context.Context, j *job.Job) error { return f(ctx, j) }

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error { return nil }

type snapshotErr struct{}

func (snapshotErr) Error() string { return "remote said no" }
func (snapshotErr) Snapshot() json.RawMessage { return json.RawMessage(`{"status":418}`) }

func TestEnqueueJob_OneActivePerAccountAndType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	assert.Equal(t, job.JobStatusQueued, first.Status)

	again, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	assert.ErrorIs(t, err, job.ErrActiveJobExists)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	otherAccount, err := f.svc.EnqueueJob(ctx, "acc-2", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, otherAccount.ID)

	_, err = f.svc.Fail(ctx, first.ID, "stop", nil)
	require.NoError(t, err)

	next, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err, "a terminal job no longer blocks")
	assert.NotEqual(t, first.ID, next.ID)
}

func TestEnqueueJob_UnknownType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.EnqueueJob(context.Background(), "acc", job.Type("export_csv"), nil)
	assert.ErrorIs(t, err, job.ErrUnknownJobType)
}

func TestEnqueueJob_Publishes(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := f.pubSub.Subscribe(ctx, job.Topic)
	require.NoError(t, err)

	params := json.RawMessage(`{"scope":"item","item_id":"MLB1"}`)
	queued, err := f.svc.EnqueueJob(ctx, "acc", job.TypeRefreshPriceReferences, params)
	require.NoError(t, err)
	assert.JSONEq(t, string(params), string(queued.Params))

	select {
	case msg := <-messages:
		msg.Ack()
		var payload job.JobMessage
		require.NoError(t, json.Unmarshal(msg.Payload, &payload))
		assert.Equal(t, queued.ID, payload.JobID)
		assert.Equal(t, job.TypeRefreshPriceReferences, payload.Type)
	case <-ctx.Done():
		t.Fatal("no job message published")
	}
}

func TestEnqueueJob_PublishFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	svc := job.NewJobService(failingPublisher{}, f.repo, watermill.NopLogger{})
	ctx := context.Background()

	_, err := svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.Error(t, err)

	var jobs []job.Job
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.JobStatusFailed, jobs[0].Status)

	_, err = svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	assert.NotErrorIs(t, err, job.ErrActiveJobExists)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeApplyWholesalePrices, nil)
	require.NoError(t, err)

	tracker, err := f.svc.Start(ctx, j, 3)
	require.NoError(t, err)
	assert.Equal(t, job.JobStatusRunning, j.Status)
	require.NotNil(t, j.StartedAt)

	tracker.Record(ctx, job.Outcome{ItemID: "MLB1"})
	tracker.Record(ctx, job.Outcome{ItemID: "MLB2", Err: errors.New("rejected"), Snapshot: json.RawMessage(`{"status":400}`)})

	mid, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, mid.Processed)
	assert.Equal(t, 1, mid.OK)
	assert.Equal(t, 1, mid.Errors)

	tracker.Record(ctx, job.Outcome{ItemID: "MLB3"})

	done, err := f.svc.Finish(ctx, tracker)
	require.NoError(t, err)
	assert.Equal(t, job.JobStatusPartial, done.Status)
	assert.Equal(t, 3, done.Processed)
	require.NotNil(t, done.EndedAt)

	_, err = f.svc.Finish(ctx, tracker)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	_, err = f.svc.Fail(ctx, j.ID, "late", nil)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	_, logs, err := f.svc.GetWithRecentLogs(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "MLB3", *logs[0].ItemID, "newest first")
	assert.Equal(t, "MLB1", *logs[2].ItemID)
	assert.Equal(t, job.LogStatusError, logs[1].Status)
	assert.Equal(t, "rejected", *logs[1].Message)
	assert.JSONEq(t, `{"status":400}`, string(logs[1].ResponseSnapshot))
}

func TestStart_OnlyFromQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, j, 1)
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, j, 1)
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	_, err = f.svc.Start(ctx, &job.Job{ID: "nope"}, 1)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestTracker_NeverExceedsTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	tracker, err := f.svc.Start(ctx, j, 1)
	require.NoError(t, err)

	tracker.Record(ctx, job.Outcome{ItemID: "MLB1"})
	tracker.Record(ctx, job.Outcome{ItemID: "MLB2"})

	c := tracker.Counters()
	assert.Equal(t, 1, c.Processed)
	assert.Equal(t, 1, c.OK)

	stored, err := f.svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Processed)
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 40

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	tracker, err := f.svc.Start(ctx, j, n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := job.Outcome{ItemID: fmt.Sprintf("MLB%d", i)}
			if i%4 == 0 {
				o.Err = errors.New("boom")
			}
			tracker.Record(ctx, o)
		}(i)
	}
	wg.Wait()

	done, err := f.svc.Finish(ctx, tracker)
	require.NoError(t, err)
	assert.Equal(t, n, done.Processed)
	assert.Equal(t, n/4, done.Errors)
	assert.Equal(t, done.Processed, done.OK+done.Errors)
	assert.Equal(t, job.JobStatusPartial, done.Status)

	_, logs, err := f.svc.GetWithRecentLogs(ctx, j.ID, job.MaxLogLimit)
	require.NoError(t, err)
	assert.Len(t, logs, n)
}

func TestTracker_NoteLeavesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	tracker, err := f.svc.Start(ctx, j, 1)
	require.NoError(t, err)

	tracker.Note(ctx, "heads up", nil)
	assert.Zero(t, tracker.Counters().Processed)

	_, logs, err := f.svc.GetWithRecentLogs(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].ItemID)
	assert.Equal(t, job.LogStatusError, logs[0].Status)
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		total, errors int
		want          job.JobStatus
	}{
		{0, 0, job.JobStatusSuccess},
		{5, 0, job.JobStatusSuccess},
		{5, 5, job.JobStatusFailed},
		{5, 1, job.JobStatusPartial},
		{5, 4, job.JobStatusPartial},
		{1, 1, job.JobStatusFailed},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.errors, tt.total), func(t *testing.T) {
			assert.Equal(t, tt.want, job.FinalStatus(tt.total, tt.errors))
		})
	}
}

func TestFail_FromQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)

	failed, err := f.svc.Fail(ctx, j.ID, "account not found", json.RawMessage(`{"why":"gone"}`))
	require.NoError(t, err)
	assert.Equal(t, job.JobStatusFailed, failed.Status)
	assert.Zero(t, failed.Total)
	assert.Zero(t, failed.Processed)
	assert.Nil(t, failed.StartedAt)
	assert.NotNil(t, failed.EndedAt)

	_, logs, err := f.svc.GetWithRecentLogs(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "account not found", *logs[0].Message)
	assert.JSONEq(t, `{"why":"gone"}`, string(logs[0].ResponseSnapshot))
}

func TestGetWithRecentLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.GetWithRecentLogs(ctx, "missing", 10)
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	tracker, err := f.svc.Start(ctx, j, 10)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		tracker.Record(ctx, job.Outcome{ItemID: fmt.Sprintf("MLB%02d", i)})
	}

	_, logs, err := f.svc.GetWithRecentLogs(ctx, j.ID, 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "MLB09", *logs[0].ItemID)
	assert.Equal(t, "MLB07", *logs[2].ItemID)
}

func TestProcessJobMessage(t *testing.T) {
	t.Run("runs the registered task", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.svc.RegisterTask(job.TypeSyncCatalog, taskFunc(func(ctx context.Context, j *job.Job) error {
			tracker, err := f.svc.Start(ctx, j, 1)
			if err != nil {
				return err
			}
			tracker.Record(ctx, job.Outcome{ItemID: "MLB1"})
			_, err = f.svc.Finish(ctx, tracker)
			return err
		}))

		j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
		require.NoError(t, err)
		f.deliver(t, j)

		done, err := f.svc.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.JobStatusSuccess, done.Status)
	})

	t.Run("redelivery is skipped", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		runs := 0
		f.svc.RegisterTask(job.TypeSyncCatalog, taskFunc(func(ctx context.Context, j *job.Job) error {
			runs++
			tracker, err := f.svc.Start(ctx, j, 0)
			if err != nil {
				return err
			}
			_, err = f.svc.Finish(ctx, tracker)
			return err
		}))

		j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
		require.NoError(t, err)
		f.deliver(t, j)
		f.deliver(t, j)
		assert.Equal(t, 1, runs)
	})

	t.Run("task error fails the job", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		f.svc.RegisterTask(job.TypeSyncCatalog, taskFunc(func(ctx context.Context, j *job.Job) error {
			return fmt.Errorf("listing: %w", snapshotErr{})
		}))

		j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
		require.NoError(t, err)
		f.deliver(t, j)

		done, logs, err := f.svc.GetWithRecentLogs(ctx, j.ID, 10)
		require.NoError(t, err)
		assert.Equal(t, job.JobStatusFailed, done.Status)
		require.Len(t, logs, 1)
		assert.Equal(t, "listing: remote said no", *logs[0].Message)
		assert.JSONEq(t, `{"status":418}`, string(logs[0].ResponseSnapshot))
	})

	t.Run("unregistered type fails the job", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		j, err := f.svc.EnqueueJob(ctx, "acc", job.TypeApplyWholesalePrices, nil)
		require.NoError(t, err)
		f.deliver(t, j)

		done, err := f.svc.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, job.JobStatusFailed, done.Status)
	})

	t.Run("malformed and unknown messages are dropped", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, f.svc.ProcessJobMessage(message.NewMessage(watermill.NewUUID(), []byte("{"))))
		f.deliver(t, &job.Job{ID: "missing", Type: job.TypeSyncCatalog})
	})
}

func TestReapStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.svc.EnqueueJob(ctx, "acc", job.TypeSyncCatalog, nil)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, stale, 5)
	require.NoError(t, err)

	fresh, err := f.svc.EnqueueJob(ctx, "acc", job.TypeApplyWholesalePrices, nil)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, fresh, 5)
	require.NoError(t, err)

	queued, err := f.svc.EnqueueJob(ctx, "acc", job.TypeRefreshPriceReferences, nil)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&job.Job{}).Where("id IN ?", []string{stale.ID, queued.ID}).UpdateColumn("updated_at", past).Error)

	reaped, err := f.svc.ReapStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, logs, err := f.svc.GetWithRecentLogs(ctx, stale.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, job.JobStatusFailed, got.Status)
	require.Len(t, logs, 1)
	assert.Contains(t, *logs[0].Message, "job orphaned: no progress since")

	for _, id := range []string{fresh.ID, queued.ID} {
		j, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, j.Status.Active())
	}
}
