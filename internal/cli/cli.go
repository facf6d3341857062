// ============================================================================
// ClaimQueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   claimqueue                     # Root command
//   ├── run                        # Start the claim engine + gRPC/HTTP servers
//   ├── claim                      # Submit a claim to a running server
//   ├── status                     # Queue depths of a running server
//   ├── pause / resume             # Stop / restart dispatching
//   ├── purge                      # Drop retained outcomes
//   ├── task cancel|complete <id>  # Task mutations through the task's lane
//   ├── journal verify|dump        # Inspect the write-ahead journal offline
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --addr                     # gRPC address for client commands
//
// run Command:
//   1. Load config, configure slog
//   2. Open the store (memory or mysql) and load the seed file
//   3. Create and start the Engine (recovers from snapshot + journal)
//   4. Serve gRPC and HTTP (+ /metrics) under one errgroup
//   5. SIGINT / SIGTERM → graceful shutdown, final snapshot
//
// Examples:
//   ./claimqueue run -c configs/default.yaml
//   ./claimqueue claim --task t1 --user u1 --account a1 --wait 5s
//   ./claimqueue journal dump --path data/claims.wal
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/claimqueue/internal/api"
	"github.com/ChuLiYu/claimqueue/internal/engine"
	"github.com/ChuLiYu/claimqueue/internal/events"
	"github.com/ChuLiYu/claimqueue/internal/metrics"
	"github.com/ChuLiYu/claimqueue/internal/server"
	"github.com/ChuLiYu/claimqueue/internal/store"
	"github.com/ChuLiYu/claimqueue/internal/store/gormstore"
	"github.com/ChuLiYu/claimqueue/internal/store/memstore"
)

var (
	configFile string
	serverAddr string
)

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "claimqueue",
		Short: "ClaimQueue: a concurrency-safe task claim admission engine",
		Long: `ClaimQueue admits claims against fixed-capacity tasks:
- Per-task FIFO lanes with row-level locking
- Idempotent submission keyed by (task, user)
- Write-ahead journal + snapshot recovery
- gRPC / HTTP APIs, Prometheus metrics, Kafka outcome events`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051", "gRPC address of a running server")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildClaimCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPauseCommand())
	rootCmd.AddCommand(buildResumeCommand())
	rootCmd.AddCommand(buildPurgeCommand())
	rootCmd.AddCommand(buildTaskCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the claim engine with gRPC and HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			setupLogging(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
			if err != nil {
				return fmt.Errorf("failed to listen on grpc port %d: %w", cfg.GRPC.Port, err)
			}
			httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.Port))
			if err != nil {
				grpcLis.Close()
				return fmt.Errorf("failed to listen on http port %d: %w", cfg.HTTP.Port, err)
			}
			return serve(ctx, cfg, grpcLis, httpLis)
		},
	}
}

// serve 啟動引擎與兩個服務，ctx 結束時優雅關閉
func serve(ctx context.Context, cfg *Config, grpcLis, httpLis net.Listener) error {
	log := slog.Default()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var opts []engine.Option
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, engine.WithMetrics(metrics.NewCollector(reg)))
		metricsHandler = metrics.Handler(reg)
	}

	var pub events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		pub = events.NewKafkaPublisher(cfg.Events.Kafka)
	}
	defer pub.Close()
	opts = append(opts, engine.WithPublisher(pub))

	eng, err := engine.New(cfg.engineConfig(), st, opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		_ = eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	grpcSrv := server.NewServer(eng)
	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Handler:           api.NewRouter(api.NewAPI(eng, cfg.Engine.AwaitTimeout), metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		log.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Received shutdown signal, stopping gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		return nil
	})

	log.Info("System started successfully")
	err = g.Wait()
	if stopErr := eng.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	log.Info("System stopped")
	return err
}

// openStore 依 driver 建立 store 並載入種子資料
func openStore(ctx context.Context, cfg StoreConfig) (store.Store, func(), error) {
	var seed *Seed
	if cfg.SeedFile != "" {
		s, err := loadSeed(cfg.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		seed = s
	}

	switch cfg.Driver {
	case "mysql":
		gs, err := gormstore.Open(cfg.MySQL)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := gs.Close(); err != nil {
				slog.Default().Warn("failed to close mysql", "error", err)
			}
		}
		if cfg.AutoMigrate {
			if err := gs.AutoMigrate(); err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("failed to migrate: %w", err)
			}
		}
		if seed != nil {
			if err := seedGorm(ctx, gs, seed); err != nil {
				closeFn()
				return nil, nil, err
			}
		}
		return gs, closeFn, nil

	default:
		ms := memstore.New()
		if seed != nil {
			seedMemory(ms, seed)
		}
		return ms, func() {}, nil
	}
}

func seedMemory(ms *memstore.Store, seed *Seed) {
	for _, t := range seed.Tasks {
		ms.PutTask(t)
	}
	for _, u := range seed.Users {
		ms.PutUser(u)
	}
	for _, a := range seed.BuyerAccounts {
		ms.PutBuyerAccount(a)
	}
}

func seedGorm(ctx context.Context, gs *gormstore.Store, seed *Seed) error {
	for _, t := range seed.Tasks {
		if err := gs.PutTask(ctx, t); err != nil {
			return fmt.Errorf("failed to seed task %s: %w", t.ID, err)
		}
	}
	for _, u := range seed.Users {
		if err := gs.PutUser(ctx, u); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", u.ID, err)
		}
	}
	for _, a := range seed.BuyerAccounts {
		if err := gs.PutBuyerAccount(ctx, a); err != nil {
			return fmt.Errorf("failed to seed buyer account %s: %w", a.ID, err)
		}
	}
	return nil
}
