package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/cepro/fleetsim/config"
	dataplatform "github.com/cepro/fleetsim/data_platform"
	"github.com/cepro/fleetsim/device"
	"github.com/cepro/fleetsim/energy"
	"github.com/cepro/fleetsim/history"
	"github.com/cepro/fleetsim/influxdb"
	"github.com/cepro/fleetsim/repository"
	"github.com/cepro/fleetsim/simulator"
	"github.com/cepro/fleetsim/statestore"
	"github.com/cepro/fleetsim/supabase"
)

const (
	compactionInterval = time.Hour
	summaryInterval    = 5 * time.Minute
)

func main() {

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	slog.Info("Starting fleet simulator...")

	// secrets such as INFLUXDB_TOKEN and SUPABASE_ANON_KEY come from the
	// environment, optionally via a .env file
	_ = godotenv.Load()

	configPath := os.Getenv("FLEETSIM_CONFIG")
	if configPath == "" {
		configPath = "fleetsim.json"
	}
	cfg, err := config.Read(configPath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("No config file found, using defaults", "path", configPath)
		cfg = config.Default()
	} else if err != nil {
		slog.Error("Failed to read config", "path", configPath, "error", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		return
	}

	location, err := cfg.TimeLocation()
	if err != nil {
		slog.Error("Failed to load time location", "error", err)
		return
	}
	retention := cfg.Retention.Policy()

	engineCfg, err := cfg.Simulation.EngineConfig(location)
	if err != nil {
		slog.Error("Failed to build simulation config", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	repo, err := repository.New(cfg.Storage.SQLitePath, location, retention)
	if err != nil {
		slog.Error("Failed to open repository", "path", cfg.Storage.SQLitePath, "error", err)
		return
	}

	// the sample log and its compaction may live in sqlite alongside the
	// device rows, or in influxdb
	var (
		samples   history.Store
		compactor history.Compactor
		influx    *influxdb.Store
	)
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		samples, compactor = repo, repo
	case config.BackendInfluxDB:
		influx, err = influxdb.New(
			cfg.Storage.Influx.Url,
			os.Getenv("INFLUXDB_TOKEN"),
			cfg.Storage.Influx.Org,
			influxdb.TierBuckets{
				Raw:     cfg.Storage.Influx.Buckets.Raw,
				Hourly:  cfg.Storage.Influx.Buckets.Hourly,
				Daily:   cfg.Storage.Influx.Buckets.Daily,
				Monthly: cfg.Storage.Influx.Buckets.Monthly,
			},
			location,
			retention,
		)
		if err != nil {
			slog.Error("Failed to connect influxdb", "error", err)
			return
		}
		if err := influx.EnsureBuckets(ctx); err != nil {
			slog.Error("Failed to provision influxdb buckets", "error", err)
			return
		}
		samples, compactor = influx, influx
	}

	states := statestore.New()
	registry := device.NewRegistry(repo, states)

	if err := seedFleet(ctx, registry, cfg.Fleet); err != nil {
		slog.Error("Failed to seed fleet", "error", err)
		return
	}

	latest, err := samples.LatestSamples(ctx)
	if err != nil {
		slog.Error("Failed to load latest samples", "error", err)
		return
	}
	if err := registry.WarmStates(ctx, latest); err != nil {
		slog.Error("Failed to warm device states", "error", err)
		return
	}

	engine, err := simulator.New(engineCfg, registry, states, samples)
	if err != nil {
		slog.Error("Failed to create simulation engine", "error", err)
		return
	}
	ticker := time.NewTicker(engineCfg.TickPeriod)
	go engine.Run(ctx, ticker.C)

	go runCompaction(ctx, compactor)
	go runSummaries(ctx, energy.NewAggregator(registry, states))

	if cfg.DataPlatform.Enabled {
		// the uploader drains the sqlite sample log, so it has nothing to
		// read on other backends
		if cfg.Storage.Backend != config.BackendSQLite {
			slog.Warn("Data platform upload needs the sqlite backend, skipping")
		} else {
			client, err := supabase.New(
				cfg.DataPlatform.Supabase.Url,
				os.Getenv("SUPABASE_ANON_KEY"),
				os.Getenv("SUPABASE_USER_KEY"),
				cfg.DataPlatform.Supabase.Schema,
			)
			if err != nil {
				slog.Error("Failed to create supabase client", "error", err)
				return
			}
			uploader := dataplatform.New(
				repo,
				client,
				cfg.DataPlatform.Supabase.Table,
				time.Duration(cfg.DataPlatform.UploadIntervalSecs)*time.Second,
				cfg.DataPlatform.ChunkSize,
			)
			go uploader.Run(ctx)
		}
	}

	// wait for a ctrl-c interrupt before exiting
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan

	// cancel any open go-routines and give them up to 100ms to gracefully shutdown
	cancel()
	ticker.Stop()
	time.Sleep(time.Millisecond * 100)
	if influx != nil {
		influx.Close()
	}

	slog.Info("Exiting")
	os.Exit(0)
}

// seedFleet registers any configured devices that don't exist yet. Devices
// are matched by name, so restarting over an existing database doesn't
// duplicate the fleet.
func seedFleet(ctx context.Context, registry *device.Registry, fleet []config.SeedDeviceConfig) error {
	existing, err := registry.List(ctx, device.Filter{})
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, d := range existing {
		known[d.Name] = true
	}

	for _, seed := range fleet {
		if known[seed.Name] {
			continue
		}
		_, err := registry.Register(ctx, device.RegisterDevice{
			Name:        seed.Name,
			Description: seed.Description,
			Type:        seed.Type,
			Properties:  seed.Properties,
		})
		if err != nil {
			return fmt.Errorf("register %q: %w", seed.Name, err)
		}
	}
	return nil
}

// runCompaction folds aged telemetry into coarser tiers, once at startup to
// catch up after downtime and then on every interval.
func runCompaction(ctx context.Context, compactor history.Compactor) {
	compact := func(now time.Time) {
		report, err := compactor.Compact(ctx, now.UTC())
		if err != nil {
			slog.Error("Compaction failed", "error", err)
			return
		}
		if report.RawToHourly+report.HourlyToDaily+report.DailyToMonthly == 0 {
			return
		}
		slog.Info("Compacted telemetry history",
			"raw_to_hourly", report.RawToHourly,
			"hourly_to_daily", report.HourlyToDaily,
			"daily_to_monthly", report.DailyToMonthly)
	}

	compact(time.Now())

	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			compact(now)
		}
	}
}

// runSummaries periodically logs the fleet's power flows and storage levels.
func runSummaries(ctx context.Context, aggregator *energy.Aggregator) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := aggregator.Summarize(ctx)
			if err != nil {
				slog.Error("Failed to summarize fleet", "error", err)
				continue
			}
			slog.Info("Fleet energy summary",
				"produced_watts", summary.TotalProducedWatts,
				"consumed_watts", summary.TotalConsumedWatts,
				"net_watts", summary.NetWatts,
				"active_devices", summary.ActiveDevices)
			for _, storage := range summary.Storage {
				slog.Info("Storage status",
					"name", storage.Name,
					"charge_percent", storage.ChargePercent,
					"mode", storage.Mode)
			}
		}
	}
}
