package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/cache"
	"github.com/ab000641/air-quality-monitor/internal/config"
	db "github.com/ab000641/air-quality-monitor/internal/db"
	httpapi "github.com/ab000641/air-quality-monitor/internal/httpapi"
	"github.com/ab000641/air-quality-monitor/internal/metrics"
	"github.com/ab000641/air-quality-monitor/internal/migrate"
	airquality "github.com/ab000641/air-quality-monitor/internal/modules/airquality"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/fetcher"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/repository"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/scheduler"
	"github.com/ab000641/air-quality-monitor/internal/modules/airquality/service"
	aqviews "github.com/ab000641/air-quality-monitor/internal/modules/airquality/views"
	"github.com/ab000641/air-quality-monitor/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"sqlLog", cfg.SQLLog,
		"ingestEnabled", cfg.IngestEnabled,
		"epaBaseURL", cfg.EPABaseURL,
		"fetchInterval", cfg.FetchInterval.String(),
		"mqttBroker", cfg.MQTTBroker,
		"redisAddr", cfg.RedisAddr,
		"influxURL", cfg.InfluxURL,
	)
	dbConn, err := db.Open(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(dbConn)
		if closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(ctx, dbConn); err != nil {
		return err
	}
	slog.Info("database ready")

	if err := aqviews.LoadTemplates(); err != nil {
		return err
	}

	repo := repository.NewRepository(dbConn)

	snapshotCache, err := cache.New(ctx, cache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, TTL: cfg.CacheTTL})
	if err != nil {
		slog.Warn("snapshot cache unavailable (continuing uncached)", "error", err)
		snapshotCache = cache.Noop()
	}
	defer func() { _ = snapshotCache.Close() }()

	var observers []scheduler.Observer

	recorder, err := metrics.New(ctx, metrics.Config{URL: cfg.InfluxURL, Token: cfg.InfluxToken, Org: cfg.InfluxOrg, Bucket: cfg.InfluxBucket})
	if err != nil {
		slog.Warn("cycle metrics unavailable (continuing without metrics)", "error", err)
	} else {
		defer recorder.Close()
		observers = append(observers, airquality.NewMetricsObserver(recorder, slog.Default()))
	}

	var mqttClient *mqtt.Client
	if cfg.MQTTBroker != "" {
		mqttClient, err = mqtt.NewClient(mqtt.Config{
			Broker:      cfg.MQTTBroker,
			Port:        cfg.MQTTPort,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, slog.Default())
		if err != nil {
			return err
		}
		observers = append(observers, airquality.NewPublishObserver(mqttClient, slog.Default()))
	}

	var sched *scheduler.Scheduler
	var cycles service.CycleSource
	if cfg.IngestEnabled {
		f := fetcher.New(fetcher.Config{
			BaseURL:   cfg.EPABaseURL,
			APIKey:    cfg.EPAAPIKey,
			PageLimit: cfg.EPAPageLimit,
		}, slog.Default())
		sched = scheduler.New(f, repo, scheduler.Config{
			Interval:       cfg.FetchInterval,
			MaxAttempts:    cfg.MaxAttempts,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
			CycleTimeout:   cfg.CycleTimeout,
		}, slog.Default(), observers...)
		cycles = sched

		bootCtx, bootCancel := context.WithTimeout(ctx, cfg.CycleTimeout)
		if _, err := sched.BootstrapStations(bootCtx); err != nil {
			slog.Warn("station catalog bootstrap failed (stations will be created from readings)", "error", err)
		}
		bootCancel()
	} else {
		slog.Info("ingestion disabled, serving stored snapshot only")
	}

	if mqttClient != nil {
		if sched != nil {
			if err := mqttClient.SubscribeTrigger(func(mqtt.TriggerRequest) { go sched.Trigger() }); err != nil {
				slog.Warn("mqtt trigger subscription failed", "error", err)
			}
		}
		// mqtt is optional; a failed connect only logs.
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		err = mqttClient.Connect(connectCtx)
		connectCancel()
		if err != nil {
			slog.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
		}
	}

	facade := service.NewService(repo, snapshotCache, cycles)
	var deps []httpapi.Dependency
	if mqttClient != nil {
		deps = append(deps, httpapi.Dependency{Name: "mqtt", Check: func(context.Context) error {
			if !mqttClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}
	mux := httpapi.NewMux(dbConn, deps...)
	airquality.RegisterFeature(mux, facade)

	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	srv := httpapi.NewServer(cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if sched != nil {
			sched.Stop()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sched != nil {
		slog.Info("ingestion stopping")
		sched.Stop()
	}

	if mqttClient != nil {
		slog.Info("mqtt disconnecting")
		mqttClient.Disconnect()
	}

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}
