package jobctrl

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/integrations/mercadolivre/mercadolivretest"
	"wholesync/src/infrastructure/job"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
	"wholesync/src/storage/postgres/draftctrl"
	"wholesync/src/storage/postgres/pricereferencectrl"
	"wholesync/src/storage/storagetest"
	"wholesync/src/token"
)

const testAccount = "acc-1"

type testEnv struct {
	server     *mercadolivretest.Server
	jobs       *job.JobService
	accounts   *accountctrl.AccountService
	catalog    *catalogctrl.CatalogService
	drafts     *draftctrl.DraftService
	references *pricereferencectrl.PriceReferenceService
	client     *mercadolivre.Client
	tokens     *token.Supplier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db := storagetest.Open(t)
	server := mercadolivretest.NewServer()
	t.Cleanup(server.Close)

	repo, err := job.NewPostgresJobRepository(db)
	require.NoError(t, err)

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	httpClient := mercadolivre.NewHTTPClient(server.Client(), mercadolivre.HTTPClientConfig{
		Timeout:             2 * time.Second,
		RateLimitWait:       time.Millisecond,
		MaxRateLimitRetries: 5,
		TransportStep:       time.Millisecond,
	}, nil)

	accounts := accountctrl.NewAccountService(db)
	require.NoError(t, accounts.Save(ctx, &accountctrl.Account{ID: testAccount, SellerID: "123456", Nickname: "seller"}))
	require.NoError(t, accounts.SaveToken(ctx, testAccount, "access", "refresh", time.Now().Add(time.Hour)))

	drafts, err := draftctrl.NewDraftService(db)
	require.NoError(t, err)

	refresher := mercadolivre.NewTokenRefresher(server.URL, "client", "secret", server.Client())

	return &testEnv{
		server:     server,
		jobs:       job.NewJobService(pubSub, repo, watermill.NopLogger{}),
		accounts:   accounts,
		catalog:    catalogctrl.NewCatalogService(db),
		drafts:     drafts,
		references: pricereferencectrl.NewPriceReferenceService(db),
		client:     mercadolivre.NewClient(httpClient, server.URL),
		tokens:     token.NewSupplier(refresher, accounts),
	}
}

// run enqueues a job of jobType, delivers its message and returns the job
// as stored afterwards.
func (e *testEnv) run(t *testing.T, jobType job.Type, task job.Task, params json.RawMessage) *job.Job {
	t.Helper()
	return e.runFor(t, testAccount, jobType, task, params)
}

func (e *testEnv) runFor(t *testing.T, accountID string, jobType job.Type, task job.Task, params json.RawMessage) *job.Job {
	t.Helper()
	ctx := context.Background()

	e.jobs.RegisterTask(jobType, task)
	queued, err := e.jobs.EnqueueJob(ctx, accountID, jobType, params)
	require.NoError(t, err)

	payload, err := json.Marshal(job.JobMessage{JobID: queued.ID, Type: jobType})
	require.NoError(t, err)
	require.NoError(t, e.jobs.ProcessJobMessage(message.NewMessage(watermill.NewUUID(), payload)))

	done, err := e.jobs.Get(ctx, queued.ID)
	require.NoError(t, err)
	return done
}

func (e *testEnv) logs(t *testing.T, jobID string) []job.LogEntry {
	t.Helper()
	_, logs, err := e.jobs.GetWithRecentLogs(context.Background(), jobID, job.MaxLogLimit)
	require.NoError(t, err)
	return logs
}

func (e *testEnv) seedItem(t *testing.T, itemID string, hasVariations bool, price string) {
	t.Helper()
	require.NoError(t, e.catalog.UpsertItem(context.Background(), &catalogctrl.Item{
		AccountID:     testAccount,
		ItemID:        itemID,
		Title:         "Item " + itemID,
		SiteID:        "MLB",
		Price:         decimal.RequireFromString(price),
		HasVariations: hasVariations,
	}))
}

// requireCounterLaw checks the relations every finished job must satisfy.
func requireCounterLaw(t *testing.T, j *job.Job) {
	t.Helper()
	require.Equal(t, j.Processed, j.OK+j.Errors, "processed = ok + errors")
	require.LessOrEqual(t, j.Processed, j.Total)
	if j.Status.Terminal() && j.StartedAt != nil {
		require.Equal(t, j.Total, j.Processed)
		require.Equal(t, job.FinalStatus(j.Total, j.Errors), j.Status)
	}
}

func entriesFor(logs []job.LogEntry, itemID string) []job.LogEntry {
	var out []job.LogEntry
	for _, l := range logs {
		if l.ItemID != nil && *l.ItemID == itemID {
			out = append(out, l)
		}
	}
	return out
}

func jobLevel(logs []job.LogEntry) []job.LogEntry {
	var out []job.LogEntry
	for _, l := range logs {
		if l.ItemID == nil {
			out = append(out, l)
		}
	}
	return out
}

func logMessage(l job.LogEntry) string {
	if l.Message == nil {
		return ""
	}
	return *l.Message
}

func containsMessage(logs []job.LogEntry, substr string) bool {
	for _, l := range logs {
		if strings.Contains(logMessage(l), substr) {
			return true
		}
	}
	return false
}

func int64p(v int64) *int64 { return &v }
