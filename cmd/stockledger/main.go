package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/auth"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/jobs"
)

const usage = `usage: stockledger [serve]
       stockledger jobs trigger <name>
       stockledger jobs stats
       stockledger token -sub <subject> [-roles a,b] [-ttl 12h]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "jobs":
		err = runJobs(cfg, args)
	case "token":
		err = runToken(cfg, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(cfg *app.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	services, err := app.BuildServices(ctx, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	defer services.Close()

	authService, err := auth.NewService(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	var movements inventory.MovementService = services.Engine
	if cfg.DemoMode {
		logger.Warn("demo mode enabled; movements are validated but never applied")
		movements = inventory.NewDemoApplier(services.Engine, services.Engine, logger)
	}
	inventoryHandler := inventory.NewHandler(logger, movements, services.Availability, services.Broker)
	inventoryHandler.ObserveSubscribers(metrics.AddSubscribers)

	var jobHandler *jobs.Handler
	if services.Redis != nil {
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Auth:              authService,
		InventoryHandler:  inventoryHandler,
		MasterDataHandler: masterdata.NewHandler(logger, services.Directory),
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store", cfg.StoreDriver),
			slog.String("idempotency", cfg.IdempotencyBackend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func runJobs(cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New(usage)
		}
		info, err := c.Trigger(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	case "stats":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		scheduled, err := c.ListScheduled(ctx, 10)
		if err != nil {
			return err
		}
		for _, task := range scheduled {
			fmt.Printf("  %s %s at %s\n", task.ID, task.Type, task.NextProcessAt.Format(time.RFC3339))
		}
	default:
		return errors.New(usage)
	}
	return nil
}

func runToken(cfg *app.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	var req cli.TokenRequest
	fs.StringVar(&req.Subject, "sub", "", "token subject")
	fs.StringVar(&req.Name, "name", "", "display name")
	fs.StringVar(&req.Roles, "roles", "", "comma separated roles")
	fs.DurationVar(&req.TTL, "ttl", 12*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc, err := auth.NewService(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}
	token, err := cli.IssueToken(svc, req)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
