package cmd

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/infrastructure/job"
	"wholesync/src/log"
	"wholesync/src/storage/postgres"
	"wholesync/src/storage/postgres/accountctrl"
	"wholesync/src/storage/postgres/catalogctrl"
	"wholesync/src/storage/postgres/draftctrl"
	"wholesync/src/storage/postgres/pricereferencectrl"
	"wholesync/src/telemetry"
	"wholesync/src/token"
)

// services is everything the commands build on top of the database and the queue.
type services struct {
	db         *gorm.DB
	jobs       *job.JobService
	jobRepo    *job.PostgresJobRepository
	accounts   *accountctrl.AccountService
	catalog    *catalogctrl.CatalogService
	drafts     *draftctrl.DraftService
	references *pricereferencectrl.PriceReferenceService
	client     *mercadolivre.Client
	tokens     *token.Supplier
}

func openDatabase() (*gorm.DB, func(), error) {
	db, err := postgres.Open(postgresConfig())
	if err != nil {
		return nil, nil, err
	}

	// Get underlying *sql.DB for cleanup
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func watermillLogger() watermill.LoggerAdapter {
	return log.NewWatermillAdapter(log.WithName("watermill"))
}

func newPublisher(logger watermill.LoggerAdapter) (message.Publisher, error) {
	publisher, err := amqp.NewPublisher(amqp.NewDurableQueueConfig(viper.GetString("amqp.url")), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp publisher: %w", err)
	}
	return publisher, nil
}

func newServices(db *gorm.DB, publisher message.Publisher, logger watermill.LoggerAdapter) (*services, error) {
	metrics := telemetry.NewMetrics(otel.GetMeterProvider())

	jobRepo, err := job.NewPostgresJobRepository(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job repository: %w", err)
	}
	jobs := job.NewJobService(publisher, jobRepo, logger,
		job.WithMetrics(metrics),
		job.WithTracer(telemetry.Tracer(otel.GetTracerProvider())),
	)

	drafts, err := draftctrl.NewDraftService(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize draft service: %w", err)
	}

	accounts := accountctrl.NewAccountService(db)
	baseURL := viper.GetString("mercadolivre.base_url")
	httpClient := mercadolivre.NewHTTPClient(nil, httpClientConfig(), metrics)
	refresher := mercadolivre.NewTokenRefresher(
		baseURL,
		viper.GetString("mercadolivre.client_id"),
		viper.GetString("mercadolivre.client_secret"),
		nil,
	)

	return &services{
		db:         db,
		jobs:       jobs,
		jobRepo:    jobRepo,
		accounts:   accounts,
		catalog:    catalogctrl.NewCatalogService(db),
		drafts:     drafts,
		references: pricereferencectrl.NewPriceReferenceService(db),
		client:     mercadolivre.NewClient(httpClient, baseURL),
		tokens:     token.NewSupplier(refresher, accounts),
	}, nil
}
