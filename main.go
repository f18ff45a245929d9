// Command dirigent runs the task orchestration engine: an HTTP API in front
// of a local inference backend, with a persisted persona library, workflow
// memory, and conversation sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dirigent-run/dirigent/internal/bus"
	"github.com/dirigent-run/dirigent/internal/config"
	"github.com/dirigent-run/dirigent/internal/db"
	"github.com/dirigent-run/dirigent/internal/health"
	"github.com/dirigent-run/dirigent/internal/httpapi"
	"github.com/dirigent-run/dirigent/internal/inference"
	"github.com/dirigent-run/dirigent/internal/learning"
	"github.com/dirigent-run/dirigent/internal/memory"
	"github.com/dirigent-run/dirigent/internal/orchestrator"
	"github.com/dirigent-run/dirigent/internal/personas"
	"github.com/dirigent-run/dirigent/internal/session"
	"github.com/dirigent-run/dirigent/internal/tracing"
	"github.com/dirigent-run/dirigent/internal/tracker"
)

const (
	exitOK     = 0
	exitInit   = 1
	exitBind   = 2
	exitSignal = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("dirigent", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitInit
	}

	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dirigent:", err)
		return exitInit
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dirigent:", err)
		return exitInit
	}
	defer logger.Sync()

	logger.Info("dirigent starting",
		zap.String("backend", cfg.Inference.Host),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("addr", cfg.HTTP.Addr()),
	)

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("tracing init failed", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Error("create data directory", zap.String("dir", cfg.Storage.DataDir), zap.Error(err))
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := inference.NewClient(cfg.Inference, logger)
	if cfg.Inference.StrictStartup {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Inference.ConnectTimeout)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Error("inference backend unreachable at startup",
				zap.String("host", cfg.Inference.Host),
				zap.Error(err),
			)
			return exitInit
		}
	}
	selector := inference.NewSelector(cfg.Inference.ModelsFile, client, logger)

	store, err := personas.NewStore(cfg.Storage.PersonaFile, logger)
	if err != nil {
		logger.Error("open persona library", zap.Error(err))
		return exitInit
	}
	mem, err := memory.NewStore(cfg.Storage.MemoryDir, cfg.Storage.RetainRecords, logger)
	if err != nil {
		logger.Error("open workflow memory", zap.Error(err))
		return exitInit
	}
	defer mem.Close()
	sessions, err := session.NewManager(cfg.Session, cfg.Storage.ConversationDir, logger)
	if err != nil {
		logger.Error("open session store", zap.Error(err))
		return exitInit
	}
	defer sessions.Close()

	var dbc *db.Client
	if cfg.Storage.DatabasePath != "" {
		dbc, err = db.NewClient(cfg.Storage.DatabasePath, logger)
		if err != nil {
			logger.Error("open workflow database", zap.String("path", cfg.Storage.DatabasePath), zap.Error(err))
			return exitInit
		}
		defer dbc.Close()
	}

	events := bus.New(bus.DefaultQueueSize, logger)
	defer events.Close()

	watcher, err := personas.NewWatcher(store, events, logger)
	if err != nil {
		logger.Warn("persona library watcher disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	track := tracker.New(logger)
	optimizer := learning.NewOptimizer(logger)

	eng, err := orchestrator.New(orchestrator.Environment{
		Inference: client,
		Models:    selector,
		Personas:  store,
		Generator: personas.NewGenerator(client, logger),
		Tracker:   track,
		Bus:       events,
		Evaluator: learning.NewEvaluator(logger),
		Optimizer: optimizer,
		Memory:    mem,
		Sessions:  sessions,
		DB:        dbc,
		Logger:    logger,
	}, cfg.Orchestrator, cfg.Personality)
	if err != nil {
		logger.Error("build orchestrator", zap.Error(err))
		return exitInit
	}

	hm := health.NewManager(logger)
	_ = hm.Register(health.NewBackendChecker(client))
	_ = hm.Register(health.NewDiskChecker(cfg.Storage.DataDir))

	srv, err := httpapi.New(cfg, httpapi.Deps{
		Engine:    eng,
		Inference: client,
		Models:    selector,
		Health:    hm,
		Personas:  store,
		Tracker:   track,
		Bus:       events,
		Memory:    mem,
		Sessions:  sessions,
		Optimizer: optimizer,
		DB:        dbc,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("build http server", zap.Error(err))
		return exitInit
	}

	if err := srv.Listen(); err != nil {
		logger.Error("bind http listener", zap.String("addr", cfg.HTTP.Addr()), zap.Error(err))
		return exitBind
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
		shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		<-errCh
		return exitSignal
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
			return exitInit
		}
		return exitOK
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
