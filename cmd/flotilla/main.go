package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tidewater-labs/flotilla/internal/capability"
	"github.com/tidewater-labs/flotilla/internal/engine"
	"github.com/tidewater-labs/flotilla/internal/loader"
	"github.com/tidewater-labs/flotilla/internal/logging"
	"github.com/tidewater-labs/flotilla/internal/runctx"
	"github.com/tidewater-labs/flotilla/internal/store"
	"github.com/tidewater-labs/flotilla/internal/streaming"
	"github.com/tidewater-labs/flotilla/pkg/mcp"
	"github.com/tidewater-labs/flotilla/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe()
	case "run":
		err = cmdRun(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "version":
		fmt.Println("flotilla " + version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

const version = "0.1.0"

func usage() {
	fmt.Fprintln(os.Stderr, `usage: flotilla <command>

commands:
  serve             start the MCP stdio server
  run <file>        execute a workflow definition file
  validate <file>   validate a workflow definition file
  version           print version`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// bootstrap builds the shared pieces every command needs.
func bootstrap(cfg Config, logger *slog.Logger) (*engine.Engine, *store.LibSQLStore, *loader.Loader, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}

	rt, err := buildRouter(cfg)
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	registry := capability.NewRegistry()
	registerBuiltins(registry)

	grace, _ := time.ParseDuration(cfg.CancelGrace)
	eng, err := engine.New(engine.Config{
		Registry:    registry,
		Router:      rt,
		Logger:      logger,
		PoolSize:    cfg.PoolSize,
		CancelGrace: grace,
		CheckpointFn: func(ctx context.Context, cp *runctx.Checkpoint) error {
			data, err := cp.Encode()
			if err != nil {
				return err
			}
			return st.SaveCheckpoint(ctx, cp.RunID, data)
		},
	})
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}

	ld, err := loader.New()
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	return eng, st, ld, nil
}

// registerBuiltins adds the capabilities available out of the box. Embedding
// applications register their own domain capabilities on top.
func registerBuiltins(r *capability.Registry) {
	_ = r.RegisterSingleton(capability.Func{
		CapType: "echo",
		Fn: func(ctx context.Context, req capability.Request) (*capability.Response, error) {
			return &capability.Response{Data: req.Inputs}, nil
		},
	})
}

func cmdServe() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	eng, st, ld, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := mcp.NewFlotillaServer(mcp.FlotillaServerDeps{
		Engine: eng,
		Store:  st,
		Loader: ld,
		Hub:    streaming.NewMemoryHub(),
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	trig, err := buildTrigger(cfg, &scheduledRunner{eng: eng, st: st, logger: logger}, ld, logger)
	if err != nil {
		return err
	}
	if trig != nil {
		if err := trig.Start(ctx); err != nil {
			return err
		}
		defer trig.Stop()
		if err := trig.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-schedule recovery failed", "error", err)
		}
		logger.Info("schedules registered", "count", len(cfg.Schedules))
	}

	logger.Info("flotilla MCP server starting", "db", cfg.DBPath, "pool_size", cfg.PoolSize)
	return srv.Serve(ctx)
}

func cmdRun(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("run: workflow file required")
	}
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	eng, st, ld, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	def, err := ld.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The event log references the run row, so the record exists before the
	// first event is appended.
	runID := uuid.New().String()
	now := time.Now().UTC()
	if err := st.CreateRun(ctx, &store.Run{
		ID:        runID,
		Workflow:  def.Name,
		Status:    schema.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return err
	}

	recorder := store.NewRecorder(st, logger)
	result, err := eng.Run(ctx, def, engine.RunOptions{
		RunID:     runID,
		Subscribe: recorder.Handler(context.Background()),
	})
	if err != nil {
		return err
	}

	outputs, _ := json.Marshal(result.Outputs)
	status := result.Status
	if err := st.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &status,
		Outputs:     outputs,
		StartedAt:   &result.StartedAt,
		CompletedAt: &result.FinishedAt,
	}); err != nil {
		logger.Warn("failed to persist run result", "run_id", runID, "error", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if result.Status != schema.RunStatusSucceeded && result.Status != schema.RunStatusPartial {
		os.Exit(1)
	}
	return nil
}

func cmdValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("validate: workflow file required")
	}
	ld, err := loader.New()
	if err != nil {
		return err
	}
	def, err := ld.LoadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d steps\n", len(def.Steps))
	return nil
}
