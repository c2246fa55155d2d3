package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dtroode/userdir-server/internal/api/http/router"
	httpserver "github.com/dtroode/userdir-server/internal/api/http/server"
	"github.com/dtroode/userdir-server/internal/config"
	"github.com/dtroode/userdir-server/internal/health"
	"github.com/dtroode/userdir-server/internal/logger"
	"github.com/dtroode/userdir-server/internal/model"
	"github.com/dtroode/userdir-server/internal/repository/dynamo"
	"github.com/dtroode/userdir-server/internal/repository/memory"
	"github.com/dtroode/userdir-server/internal/repository/postgres"
	"github.com/dtroode/userdir-server/internal/server"
	"github.com/dtroode/userdir-server/internal/service"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	userStore, closeStore, err := openUserStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize storage", "driver", cfg.Store.Driver, "error", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()
	logger.Info("storage initialized", "driver", cfg.Store.Driver)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checker := health.New(userStore, registry)

	userService := service.NewUser(userStore, logger)
	r := router.New(userService, checker.Handler(), registry, logger)
	httpServer := httpserver.NewHTTPServer(r.Register(), fmt.Sprintf(":%s", cfg.HTTP.Port))

	sl := server.NewSecurityLayer(cfg.HTTP)

	var wg sync.WaitGroup
	wg.Add(1)
	go func(s model.Server) {
		defer wg.Done()
		logger.Info("Starting server on", "address", s.Address(), "https", cfg.HTTP.EnableHTTPS)
		if err := s.Start(sl); err != nil {
			logger.Error("failed to start server", "error", err)
			stop()
		}
	}(httpServer)

	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")
	checker.StartShutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err, "address", httpServer.Address())
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}

// openUserStore connects the configured store driver. The returned func
// releases its resources.
func openUserStore(ctx context.Context, cfg *config.Config) (model.UserStore, func() error, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewUserRepository(db), db.Close, nil
	case config.DriverDynamoDB:
		client, err := dynamo.NewClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		return dynamo.NewUserRepository(client, cfg.DynamoDB), func() error { return nil }, nil
	case config.DriverMemory:
		return memory.NewUserRepository(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
