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

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/tipledger/tipledger/internal/app"
	"github.com/tipledger/tipledger/internal/config"
	"github.com/tipledger/tipledger/internal/leases"
	leasepg "github.com/tipledger/tipledger/internal/leases/postgres"
	"github.com/tipledger/tipledger/internal/queue"
	"github.com/tipledger/tipledger/internal/tasks"
)

func main() {
	var (
		envFile      = flag.String("env-file", "", "optional .env file loaded before the environment")
		maxLineBytes = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		scanOnStart  = flag.Bool("scan-on-start", true, "run one deposit scan before the schedule starts")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err == nil {
		err = cfg.ValidateWorker()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *maxLineBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes must be > 0")
		os.Exit(2)
	}
	var schedule cron.Schedule
	if cfg.Worker.ScanSchedule != "" {
		schedule, err = cron.ParseStandard(cfg.Worker.ScanSchedule)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: parse %sWORKER_SCAN_SCHEDULE: %v\n", config.Prefix, err)
			os.Exit(2)
		}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("init", "err", err)
		os.Exit(2)
	}
	defer a.Close()

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        cfg.Queue.Driver,
		Brokers:       cfg.Queue.Brokers,
		Group:         cfg.Queue.Group,
		Topics:        []string{cfg.Queue.Topic},
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	worker, err := tasks.NewWorker(consumer, tasks.WorkerConfig{
		Handlers:       a.Handlers(),
		HandlerTimeout: cfg.Worker.HandlerTimeout,
		Requeue:        a.Producer,
		Metrics:        a.Metrics,
		Logger:         log,
	})
	if err != nil {
		log.Error("init task worker", "err", err)
		os.Exit(2)
	}

	leaseStore, err := leasepg.New(a.Pool)
	if err == nil {
		err = leaseStore.EnsureSchema(ctx)
	}
	if err != nil {
		log.Error("init lease store", "err", err)
		os.Exit(2)
	}
	host, _ := os.Hostname()
	owner := host + "/" + uuid.NewString()
	scanLease, err := leases.NewExclusive(leaseStore, "deposit-scan", owner, cfg.Worker.HandlerTimeout, log)
	if err != nil {
		log.Error("init scan lease", "err", err)
		os.Exit(2)
	}

	scan := func() {
		var credited, redispatched int
		ran, err := scanLease.Run(ctx, func(ctx context.Context) error {
			var scanErr, redispatchErr error
			credited, scanErr = a.Core.ScanDeposits(ctx)
			redispatched, redispatchErr = a.Core.Redispatch(ctx)
			return errors.Join(scanErr, redispatchErr)
		})
		switch {
		case err != nil:
			log.Error("deposit scan", "credited", credited, "redispatched", redispatched, "err", err)
		case ran:
			log.Info("deposit scan", "credited", credited, "redispatched", redispatched)
		}
	}

	var sched *cron.Cron
	if schedule != nil {
		// SkipIfStillRunning keeps scans from overlapping when one outlives its interval.
		sched = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		sched.Schedule(schedule, cron.FuncJob(scan))
		if *scanOnStart {
			go scan()
		}
		sched.Start()
	}

	metricsSrv := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           a.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "err", err)
		}
	}()

	log.Info("tipledger-worker started",
		"chainID", cfg.Chain.ChainID,
		"token", cfg.Chain.Token,
		"custodian", cfg.Chain.Custodian,
		"queueDriver", cfg.Queue.Driver,
		"topic", cfg.Queue.Topic,
		"scanSchedule", cfg.Worker.ScanSchedule,
		"handlerTimeout", cfg.Worker.HandlerTimeout.String(),
		"owner", owner,
	)

	runErr := worker.Run(ctx)

	if sched != nil {
		<-sched.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("worker stopped", "err", runErr)
		a.Close()
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}
