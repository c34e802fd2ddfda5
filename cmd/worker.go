package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wholesync/src/infrastructure/job"
	"wholesync/src/jobctrl"
	"wholesync/src/log"
	"wholesync/src/storage/minioctrl"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background job worker",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := watermillLogger()

	db, closeDB, err := openDatabase()
	if err != nil {
		return err
	}
	defer closeDB()

	// Initialize AMQP publisher
	amqpPublisher, err := newPublisher(logger)
	if err != nil {
		return err
	}
	defer amqpPublisher.Close()

	// Initialize AMQP subscriber
	subscriberConfig := amqp.NewDurableQueueConfig(viper.GetString("amqp.url"))
	subscriberConfig.Consume.NoRequeueOnNack = true
	amqpSubscriber, err := amqp.NewSubscriber(subscriberConfig, logger)
	if err != nil {
		return err
	}
	defer amqpSubscriber.Close()

	svc, err := newServices(db, amqpPublisher, logger)
	if err != nil {
		return err
	}

	syncOpts := []jobctrl.SyncOption{jobctrl.WithSyncConcurrency(viper.GetInt("jobs.sync_concurrency"))}
	if viper.GetBool("minio.enabled") {
		minioService, err := minioctrl.NewMinioService(
			viper.GetString("minio.endpoint"),
			viper.GetString("minio.access_key"),
			viper.GetString("minio.secret_key"),
			viper.GetBool("minio.use_ssl"),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize minio service: %v", err)
		}
		archive, err := minioctrl.NewItemArchive(ctx, minioService, viper.GetString("minio.raw_bucket"))
		if err != nil {
			return fmt.Errorf("failed to prepare raw item archive: %v", err)
		}
		syncOpts = append(syncOpts, jobctrl.WithArchive(archive))
	}

	svc.jobs.RegisterTask(job.TypeSyncCatalog,
		jobctrl.NewSyncTask(svc.jobs, svc.accounts, svc.tokens, svc.client, svc.catalog, syncOpts...))
	svc.jobs.RegisterTask(job.TypeApplyWholesalePrices,
		jobctrl.NewApplyTask(svc.jobs, svc.accounts, svc.tokens, svc.client, svc.catalog, svc.drafts,
			viper.GetInt("jobs.apply_concurrency")))
	svc.jobs.RegisterTask(job.TypeRefreshPriceReferences,
		jobctrl.NewPriceReferenceTask(svc.jobs, svc.accounts, svc.tokens, svc.client, svc.catalog, svc.references,
			viper.GetInt("jobs.reference_concurrency")))

	// Initialize router
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return err
	}

	// Add middleware
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: time.Second,
			Logger:          logger,
		}.Middleware,
	)

	// Add handler for processing jobs
	router.AddNoPublisherHandler(
		"job_processor",
		job.Topic,
		amqpSubscriber,
		svc.jobs.ProcessJobMessage,
	)

	go reapStaleJobs(ctx, svc.jobs, viper.GetDuration("jobs.reap_interval"), viper.GetDuration("jobs.stale_after"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- router.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down worker")
	if err := router.Close(); err != nil {
		log.Error(err, "router close failed")
	}
	<-errCh
	log.Info("Router stopped")
	return nil
}

// reapStaleJobs fails running jobs whose worker went away, until ctx ends.
func reapStaleJobs(ctx context.Context, jobs *job.JobService, interval, staleAfter time.Duration) {
	logger := log.WithName("reaper")
	if interval <= 0 || staleAfter <= 0 {
		logger.Info("stale job reaping disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.ReapStale(ctx, staleAfter)
			if err != nil {
				logger.Error(err, "failed to reap stale jobs")
				continue
			}
			if n > 0 {
				logger.Info("failed orphaned jobs", "count", n)
			}
		}
	}
}
