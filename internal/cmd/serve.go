package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/keyaudit/internal/observability"
	"github.com/3leaps/keyaudit/internal/server"
	"github.com/3leaps/keyaudit/internal/server/handlers"
	"github.com/3leaps/keyaudit/pkg/jobregistry"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Run the HTTP server that accepts credential and file submissions and
reports job status.

Endpoints:
  POST /api/v1/jobs/credentials   submit a typed credential triple
  POST /api/v1/jobs/files         submit files (multipart, field "files")
  GET  /api/v1/jobs/{id}          poll a job
  GET  /health, /health/live, /health/ready, /health/startup, /version`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override server.host")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "Override server.port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	logger := observability.CLILogger

	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort >= 0 {
		port = servePort
	}

	ctrl, store, err := newController(cfg, logger)
	if err != nil {
		return err
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	hm.RegisterChecker("job_store", handlers.JobStoreChecker{Dir: store.RootDir()})

	srv := server.New(host, port,
		server.WithJobs(ctrl),
		server.WithLogger(logger),
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.MaxAge > 0 {
		go runRetention(ctx, store, cfg.Retention.MaxAge, cfg.Retention.Interval, logger)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		ctrl.Close()
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Jobs still running at shutdown were cancelled", zap.Error(err))
	}
	if err := <-errCh; err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// runRetention prunes terminal job records older than maxAge every interval
// until ctx is done.
func runRetention(ctx context.Context, store *jobregistry.FileStore, maxAge, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pruneOnce(store, maxAge, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(store *jobregistry.FileStore, maxAge time.Duration, logger *zap.Logger) int {
	n, err := store.Prune(time.Now().UTC().Add(-maxAge))
	if err != nil {
		logger.Warn("Job retention sweep failed", zap.Error(err))
	}
	if n > 0 {
		logger.Info("Pruned job records", zap.Int("deleted", n), zap.Duration("max_age", maxAge))
	}
	return n
}

type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}
