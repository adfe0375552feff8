// Package servecmder provides the serve command: it wires the pool core
// together and runs the admin HTTP server until interrupted.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/switchboard/pkg/admin"
	"github.com/papercomputeco/switchboard/pkg/cloudpass"
	"github.com/papercomputeco/switchboard/pkg/config"
	"github.com/papercomputeco/switchboard/pkg/events"
	"github.com/papercomputeco/switchboard/pkg/events/kafka"
	"github.com/papercomputeco/switchboard/pkg/machineid"
	"github.com/papercomputeco/switchboard/pkg/pool"
	"github.com/papercomputeco/switchboard/pkg/refresh"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the credential pool and admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(configPath, debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func runServe(configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is unactionable

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close() //nolint:errcheck // closing on the way out

	store, err := pool.Open(&pool.StoreConfig{
		Path:             cfg.Pool.CredentialsFile,
		Logger:           logger,
		DefaultMachineID: cfg.Pool.MachineID,
		MachineIDFn:      machineid.Derive,
		OnEvent: func(kind string, cred *pool.Credential) {
			ev, err := events.NewEvent(kind, cred.Status())
			if err != nil {
				return
			}
			if err := publisher.Publish(context.Background(), ev); err != nil {
				logger.Warn("publishing pool event", zap.String("kind", kind), zap.Error(err))
			}
		},
	})
	if err != nil {
		return err
	}
	defer store.Close()

	reporter := pool.NewReporter(store, cfg.Thresholds(), logger)

	coordinator := refresh.NewCoordinator(&refresh.Config{
		Store:           store,
		Reporter:        reporter,
		Logger:          logger,
		OIDCEndpoint:    cfg.Upstream.OIDCEndpoint,
		UsageEndpoint:   cfg.Upstream.UsageEndpoint,
		DefaultProxyURL: cfg.Upstream.ProxyURL,
	})
	store.SetValidator(coordinator)

	selector, err := pool.NewSelector(store, cfg.Pool.LoadBalancingMode, cfg.Pool.CloudPassCredentialID)
	if err != nil {
		return err
	}

	cloudPass := cloudpass.NewWorker(&cloudpass.Config{
		Store:        store,
		Refresher:    coordinator,
		Logger:       logger,
		CredentialID: cfg.Pool.CloudPassCredentialID,
		Interval:     cfg.CloudPassInterval(),
	})
	if err := cloudPass.Start(); err != nil {
		return err
	}
	defer cloudPass.Stop()

	if cfg.Pool.WatchFile {
		watcher, err := pool.NewWatcher(store, logger)
		if err != nil {
			logger.Warn("pool file watching disabled", zap.Error(err))
		} else {
			defer watcher.Close() //nolint:errcheck // closing on the way out
		}
	}

	facade := admin.NewFacade(&admin.Config{
		Store:     store,
		Selector:  selector,
		Reporter:  reporter,
		Refresher: coordinator,
		CloudPass: cloudPass,
		Logger:    logger,
	})

	app := admin.NewApp(&admin.ServerConfig{
		Facade: facade,
		Logger: logger,
		APIKey: cfg.Admin.APIKey,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Listen(addr)
	}()

	logger.Info("switchboard running",
		zap.String("addr", addr),
		zap.String("credentialsFile", cfg.Pool.CredentialsFile),
		zap.String("mode", cfg.Pool.LoadBalancingMode),
		zap.Bool("adminEnabled", cfg.Admin.APIKey != ""))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("admin server: %w", err)
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}

	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	if len(cfg.Events.Brokers) == 0 {
		return events.NewNopPublisher(), nil
	}
	pub, err := kafka.NewPublisher(kafka.Config{
		Brokers:  cfg.Events.Brokers,
		Topic:    cfg.Events.Topic,
		ClientID: cfg.Events.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("building event publisher: %w", err)
	}
	return pub, nil
}
