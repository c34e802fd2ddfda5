package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	httpHdlr "wholesync/handler/http"
	"wholesync/src/cache"
	"wholesync/src/infrastructure/integrations/mercadolivre"
	"wholesync/src/jobctrl"
	"wholesync/src/log"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `The serve command starts an HTTP server to enqueue jobs, poll their progress, edit drafts and simulate fees.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := watermillLogger()

	db, closeDB, err := openDatabase()
	if err != nil {
		return err
	}
	defer closeDB()

	publisher, err := newPublisher(logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	svc, err := newServices(db, publisher, logger)
	if err != nil {
		return err
	}

	feeCache := cache.NewTTL[decimal.Decimal](viper.GetDuration("fees.cache_ttl"), viper.GetInt("fees.cache_size"))
	defer feeCache.Close()

	handler := httpHdlr.NewHandler(httpHdlr.Deps{
		Jobs:       svc.jobs,
		Accounts:   svc.accounts,
		Tokens:     svc.tokens,
		Catalog:    svc.catalog,
		Drafts:     svc.drafts,
		References: svc.references,
		Fees:       mercadolivre.NewFeeService(svc.client, feeCache),
		Syncer:     jobctrl.NewSyncTask(svc.jobs, svc.accounts, svc.tokens, svc.client, svc.catalog),
	})

	// Setup gin router
	r := gin.New()
	r.Use(gin.Recovery())
	handler.RegisterRoutes(r)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info("Shutting down server")

	timeout := viper.GetDuration("server.shutdown_timeout")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	log.Info("Server exited")
	return nil
}
