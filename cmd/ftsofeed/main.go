// Command ftsofeed runs the FTSO-side feed value provider: it ingests
// exchange trade streams, computes weighted-median consensus prices, and
// serves them through a cache-backed integration layer and a read-only ops
// HTTP server. Adapted from cryptorun's cobra root + zerolog ConsoleWriter
// init pattern and monitor_main.go's signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/binance"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/coinbase"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/kraken"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapter/mock"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/aggsvc"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/circuit"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/consensus"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/datamanager"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feederr"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/integration"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/obsmetrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/opsserver"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/pricecache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/recovery"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/warmer"
)

const (
	appName = "ftsofeed"
	version = "v0.1.0"

	exitClean           = 0
	exitInitFailure     = 1
	exitConfigError     = 2
	exitShutdownTimeout = 3
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "FTSO feed value provider",
		Version: version,
	}

	var configPath, weightsPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feed value provider, serving consensus prices until signalled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, weightsPath)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "config/ftsofeed.yaml", "path to runtime config")
	serveCmd.Flags().StringVar(&weightsPath, "weights", "config/weights.yaml", "path to source weight table")

	healthcheckCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Query a running instance's /healthz endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(configPath)
		},
	}
	healthcheckCmd.Flags().StringVar(&configPath, "config", "config/ftsofeed.yaml", "path to runtime config")

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run an offline end-to-end self-test with mock sources (no network)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest()
		},
	}

	rootCmd.AddCommand(serveCmd, healthcheckCmd, selftestCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitInitFailure)
	}
}

// system bundles every wired component so shutdown can unwind them in
// reverse construction order.
type system struct {
	cfg     *config.Config
	breakers *circuit.Manager
	dm      *datamanager.Manager
	rec     *recovery.Manager
	aggSvc  *aggsvc.Service
	cache   *pricecache.Cache
	warm    *warmer.Warmer
	integ   *integration.Service
	metrics *obsmetrics.Registry
	ops     *opsserver.Server

	cancel context.CancelFunc
}

func runServe(configPath, weightsPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error().Err(err).Str("path", configPath).Msg("ftsofeed: invalid config")
			os.Exit(exitConfigError)
		}
		log.Warn().Err(err).Str("path", configPath).Msg("ftsofeed: falling back to default config")
		cfg = config.Default()
	}

	weightTable := consensus.NewWeightTable()
	if wcfg, err := config.LoadWeightsConfig(weightsPath); err != nil {
		log.Warn().Err(err).Str("path", weightsPath).Msg("ftsofeed: using baseline weight table")
	} else {
		wcfg.Apply(weightTable)
	}

	sys, err := buildSystem(cfg, weightTable)
	if err != nil {
		log.Error().Err(err).Msg("ftsofeed: initialization failed")
		os.Exit(exitInitFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sys.cancel = cancel

	if err := sys.start(ctx); err != nil {
		log.Error().Err(err).Msg("ftsofeed: startup failed")
		os.Exit(exitInitFailure)
	}
	sys.integ.MarkInitialized()
	log.Info().Msg("ftsofeed: initialized")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("ftsofeed: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := sys.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ftsofeed: shutdown did not complete cleanly")
		os.Exit(exitShutdownTimeout)
	}
	log.Info().Msg("ftsofeed: clean shutdown")
	os.Exit(exitClean)
	return nil
}

func buildSystem(cfg *config.Config, weightTable *consensus.WeightTable) (*system, error) {
	reg := prometheus.NewRegistry()
	metrics := obsmetrics.NewRegistry(reg)

	breakers := circuit.NewManager(circuit.DefaultConfig)

	cache := pricecache.New(pricecache.Config{
		MaxEntries:      cfg.Cache.MaxEntries,
		ShardCount:      pricecache.DefaultConfig.ShardCount,
		TTL:             pricecache.DefaultConfig.TTL,
		ServeFreshness:  time.Duration(cfg.Cache.RealtimeTTLMS) * time.Millisecond,
		WarmFreshness:   pricecache.DefaultConfig.WarmFreshness,
		ResizeThreshold: pricecache.DefaultConfig.ResizeThreshold,
		ResizeFactor:    pricecache.DefaultConfig.ResizeFactor,
		MaxResizeFactor: pricecache.DefaultConfig.MaxResizeFactor,
	})

	agg := consensus.New(consensus.Config{
		MaxStaleness:         cfg.Aggregation.MaxStaleness(),
		MinSources:           consensus.DefaultConfig.MinSources,
		DecayLambda:          consensus.DefaultConfig.DecayLambda,
		OutlierThreshold:     consensus.DefaultConfig.OutlierThreshold,
		ResultCacheTTL:       consensus.DefaultConfig.ResultCacheTTL,
		WeightUpdateInterval: consensus.DefaultConfig.WeightUpdateInterval,
	}, weightTable)

	var aggSvc *aggsvc.Service
	warm := warmer.New(warmer.Config{
		AggressiveWorkers:        cfg.Warmer.WorkerPoolSize,
		AggressiveInterval:       time.Duration(cfg.Warmer.AggressiveIntervalMS) * time.Millisecond,
		AggressiveWindow:         warmer.DefaultConfig.AggressiveWindow,
		AggressiveMinCount:       warmer.DefaultConfig.AggressiveMinCount,
		PredictiveWorkers:        cfg.Warmer.WorkerPoolSize,
		PredictiveInterval:       time.Duration(cfg.Warmer.PredictiveIntervalMS) * time.Millisecond,
		PredictiveHorizon:        warmer.DefaultConfig.PredictiveHorizon,
		MaintenanceWorkers:       cfg.Warmer.WorkerPoolSize,
		MaintenanceInterval:      time.Duration(cfg.Warmer.MaintenanceIntervalMS) * time.Millisecond,
		MaintenanceWindow:        warmer.DefaultConfig.MaintenanceWindow,
		IdleEviction:             warmer.DefaultConfig.IdleEviction,
		WarmFreshness:            warmer.DefaultConfig.WarmFreshness,
		FetchTimeout:             warmer.DefaultConfig.FetchTimeout,
		ImmediateWarmMinCount:    warmer.DefaultConfig.ImmediateWarmMinCount,
		ImmediateWarmMaxInterval: warmer.DefaultConfig.ImmediateWarmMaxInterval,
	}, cache, func(_ context.Context, id feed.ID) (feed.AggregatedPrice, error) {
		price, ok := aggSvc.GetAggregatedPrice(id, time.Now())
		if !ok {
			return feed.AggregatedPrice{}, feederr.ErrNoValidData.WithFeed(id.Name)
		}
		return price, nil
	})

	aggSvc = aggsvc.New(aggsvc.Config{
		ResultCacheTTL: time.Duration(cfg.Aggregation.ResultCacheTTLMS) * time.Millisecond,
		BatchTick:      cfg.Aggregation.BatchTick(),
		MaxStaleness:   cfg.Aggregation.MaxStaleness(),
	}, agg, warm)

	dm := datamanager.New(aggSvc, breakers, nil)

	rec := recovery.New(recovery.DefaultConfig)
	dm.OnFailover(func(sourceName, reason string) {
		rec.HandleSourceDisconnect(context.Background(), sourceName, reason)
	})

	integ := integration.New(integration.Config{
		ServeFreshness: time.Duration(cfg.Cache.RealtimeTTLMS) * time.Millisecond,
		VolumeWindow:   integration.DefaultConfig.VolumeWindow,
	}, cache, aggSvc, dm, metrics)

	ops := opsserver.New(opsserver.Config{
		Host:         cfg.Ops.Host,
		Port:         cfg.Ops.Port,
		ReadTimeout:  opsserver.DefaultConfig.ReadTimeout,
		WriteTimeout: opsserver.DefaultConfig.WriteTimeout,
		IdleTimeout:  opsserver.DefaultConfig.IdleTimeout,
	}, func() any { return integ.GetSystemHealth() })

	return &system{
		cfg:      cfg,
		breakers: breakers,
		dm:       dm,
		rec:      rec,
		aggSvc:   aggSvc,
		cache:    cache,
		warm:     warm,
		integ:    integ,
		metrics:  metrics,
		ops:      ops,
	}, nil
}

// registry maps configured source names to adapter constructors; unknown
// configured names are skipped with a warning rather than failing startup.
var registry = func() *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register("binance", binance.New)
	r.Register("coinbase", coinbase.New)
	r.Register("kraken", kraken.New)
	return r
}()

func (s *system) start(ctx context.Context) error {
	go s.aggSvc.Run(ctx)
	go s.warm.Run(ctx)
	go s.mirrorCircuitEvents(ctx)

	for name, srcCfg := range s.cfg.Sources {
		if !srcCfg.Enabled {
			continue
		}
		a, ok := registry.Build(name)
		if !ok {
			log.Warn().Str("source", name).Msg("ftsofeed: no adapter registered for configured source, skipping")
			continue
		}
		s.breakers.AddSource(name, circuit.Config{
			FailureThreshold: srcCfg.Circuit.FailureThreshold,
			SuccessThreshold: srcCfg.Circuit.SuccessThreshold,
			OpenTimeout:      time.Duration(srcCfg.Circuit.OpenTimeoutMS) * time.Millisecond,
			CallTimeout:      circuit.DefaultConfig.CallTimeout,
		})
		if err := s.dm.AddDataSource(ctx, name, a); err != nil {
			log.Error().Err(err).Str("source", name).Msg("ftsofeed: failed to connect source")
			continue
		}
	}

	go func() {
		if err := s.ops.Start(); err != nil {
			log.Error().Err(err).Msg("ftsofeed: ops server stopped")
		}
	}()

	return nil
}

func (s *system) mirrorCircuitEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.breakers.Events():
			s.metrics.RecordCircuitState(t.Source, int(t.To))
		}
	}
}

func (s *system) shutdown(ctx context.Context) error {
	s.cancel()
	if err := s.ops.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	s.dm.Shutdown(ctx)
	s.rec.Shutdown()
	s.aggSvc.Shutdown()
	return nil
}

func runHealthcheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	addr := fmt.Sprintf("http://%s:%d/healthz", cfg.Ops.Host, cfg.Ops.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		return fmt.Errorf("healthcheck %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck %s: unexpected status %s", addr, resp.Status)
	}
	fmt.Printf("%s ok\n", addr)
	return nil
}

// runSelftest exercises the wired pipeline end to end using mock adapters,
// requiring no network access.
func runSelftest() error {
	cfg := config.Default()
	weightTable := consensus.NewWeightTable()

	sys, err := buildSystem(cfg, weightTable)
	if err != nil {
		return fmt.Errorf("build system: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go sys.aggSvc.Run(ctx)

	m1 := mock.New("binance").(*mock.Adapter)
	m2 := mock.New("coinbase").(*mock.Adapter)

	if err := sys.dm.AddDataSource(ctx, "binance", m1); err != nil {
		return fmt.Errorf("add mock source binance: %w", err)
	}
	if err := sys.dm.AddDataSource(ctx, "coinbase", m2); err != nil {
		return fmt.Errorf("add mock source coinbase: %w", err)
	}

	m1.Push("BTC/USDT", 60000, 1.5)
	m2.Push("BTC/USD", 60010, 2.0)

	time.Sleep(250 * time.Millisecond)

	id, err := feed.NewID(feed.Crypto, "BTC/USD")
	if err != nil {
		return fmt.Errorf("build feed id: %w", err)
	}

	price, err := sys.integ.GetValue(ctx, id)
	if err != nil {
		return fmt.Errorf("selftest: no consensus price produced: %w", err)
	}

	fmt.Printf("selftest ok: %s = %.2f (%d sources, confidence %.2f)\n",
		price.Symbol, price.Price, len(price.Sources), price.Confidence)

	sys.dm.Shutdown(ctx)
	sys.aggSvc.Shutdown()
	return nil
}
