package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"media-orchestrator/api/rest/routes"
	"media-orchestrator/config"
	"media-orchestrator/core/clock"
	"media-orchestrator/core/estimator"
	"media-orchestrator/core/events"
	"media-orchestrator/core/lifecycle"
	"media-orchestrator/core/models"
	"media-orchestrator/core/monitoring"
	"media-orchestrator/core/placement"
	"media-orchestrator/core/pricing"
	"media-orchestrator/core/repository"
	"media-orchestrator/core/scheduler"
	"media-orchestrator/providers"
	"media-orchestrator/providers/aws"
	"media-orchestrator/providers/local"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	clk := clock.New()

	// Persistence
	var store repository.Store
	if cfg.DatabaseURL != "" {
		store, err = repository.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to database")
		}
		logger.Info("database connected")
	} else {
		store = repository.NewMemoryStore()
		logger.Warn("no DATABASE_URL set, using in-memory store")
	}
	defer store.Close()

	// Providers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := providers.NewRegistry()
	if cfg.AWSEnabled {
		awsClient, err := aws.NewClient(ctx, "aws", cfg.AWSRegion, cfg.AWSSpot)
		if err != nil {
			logger.WithError(err).Fatal("failed to initialize AWS provider")
		}
		registry.Register(awsClient)
	}
	if len(cfg.LocalPool) > 0 {
		slots := make([]local.Slot, 0, len(cfg.LocalPool))
		for _, s := range cfg.LocalPool {
			slots = append(slots, local.Slot{
				Class: providers.InstanceClass{
					Name:          s.Class,
					VRAMGB:        s.VRAMGB,
					ComputeTFLOPS: s.ComputeTFLOPS,
				},
				Count:         s.Count,
				HourlyRateUSD: s.HourlyRateUSD,
			})
		}
		registry.Register(local.New("local", slots, clk))
	}
	if len(registry.All()) == 0 {
		logger.Fatal("no providers configured")
	}

	// Core components
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	bus := events.NewBus(logger)

	// Persist the event log from the bus.
	eventCh, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range eventCh {
			if err := store.AppendEvent(ev); err != nil {
				logger.WithError(err).Error("failed to persist event")
			}
		}
	}()

	cache := pricing.NewCache(cfg.PricingMaxAge, clk)
	est := estimator.New(cfg.EstimateMargin, 0, clk)
	placer := placement.NewEngine(registry, cache, placement.Config{
		QuoteTimeout:              cfg.ProviderCallTimeout,
		UrgencyWaitFactor:         cfg.UrgencyWaitFactor,
		LocalitySizeThresholdGB:   cfg.LocalitySizeThresholdGB,
		LocalityPenaltyUSDPerHour: cfg.LocalityPenaltyUSDPerHour,
	}, logger)

	lcm := lifecycle.NewManager(registry, store, bus, clk, logger, lifecycle.Config{
		PollBackoffBase:  cfg.PollBackoffBase,
		PollBackoffMax:   cfg.PollBackoffMax,
		RetryLimit:       cfg.RetryLimit,
		ProvisionTimeout: cfg.ProvisionTimeout,
		CallTimeout:      cfg.ProviderCallTimeout,
		ImageRef:         cfg.ImageRef,
		RegionHint:       cfg.AWSRegion,
	})

	monitor := monitoring.NewBudgetMonitor(lcm, clk, logger, monitoring.Config{
		SampleInterval: cfg.BudgetSampleInterval,
		SoftFraction:   cfg.BudgetSoftFraction,
	}, metrics)
	go monitor.Start(ctx)

	sched := scheduler.NewScheduler(store, est, placer, lcm, monitor, bus, clk, logger, metrics, nil, scheduler.Config{
		AutoConfirm:        cfg.AutoConfirm,
		DeviationThreshold: cfg.DeviationThreshold,
		BudgetPolicy:       models.BudgetPolicy(cfg.BudgetPolicy),
		DispatchInterval:   cfg.DispatchInterval,
	})
	go sched.Start(ctx)
	defer sched.Stop()

	// HTTP surface
	r := mux.NewRouter()
	routes.SetupRoutes(r, store, sched, monitor)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		logger.WithField("port", cfg.ServerPort).Info("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Fatal("server forced to shutdown")
	}
	cancel()
	logger.Info("server exited")
}
