package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proxy-checker-api/internal/aggregator"
	"github.com/proxy-checker-api/internal/api"
	"github.com/proxy-checker-api/internal/checker"
	"github.com/proxy-checker-api/internal/config"
	"github.com/proxy-checker-api/internal/dnsbl"
	"github.com/proxy-checker-api/internal/geoip"
	"github.com/proxy-checker-api/internal/judge"
	"github.com/proxy-checker-api/internal/metrics"
	"github.com/proxy-checker-api/internal/pool"
	"github.com/proxy-checker-api/internal/proxytype"
	"github.com/proxy-checker-api/internal/server"
	"github.com/proxy-checker-api/internal/snapshot"
	"github.com/proxy-checker-api/internal/storage"
	"github.com/proxy-checker-api/internal/validator"
	log "github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("config", "config.json", "path to config.json")
	flag.Parse()
	subcommand := "serve"
	if flag.NArg() > 0 {
		subcommand = flag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.Infof("Starting proxy gateway v%s (GOMAXPROCS=%d, mode=%s)", version, numCPU, subcommand)

	deps := wire(cfg)
	defer deps.judgeStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthyByScheme := deps.judges.Initialize(ctx)
	log.Infof("judge registry initialized: %v", healthyByScheme)
	if err := deps.validator.CapturePublicIP(ctx); err != nil {
		log.Warnf("could not capture public IP for anonymity classification: %v", err)
	}
	go deps.judges.RunRefreshLoop(ctx)

	switch subcommand {
	case "grab":
		runGrabCycle(ctx, deps)
	case "find":
		runGrabCycle(ctx, deps)
		runGatewayLoop(ctx, cfg, deps)
	case "check":
		if flag.NArg() < 2 {
			log.Fatal("usage: proxygate check <host:port>")
		}
		runSingleCheck(ctx, deps, flag.Arg(1))
	default: // "serve"
		go runConfigWatchLoop(ctx, cfg, *configPath, deps)
		go runAggregationLoop(ctx, deps, cfg.Aggregator.IntervalSeconds)
		go runMaintenanceLoop(ctx, deps.pool)
		runGatewayLoop(ctx, cfg, deps)
	}
}

// runConfigWatchLoop polls the config file's mtime and hot-reloads
// scalar tunables in place when it changes. No fsnotify dependency is
// present in the pack, so this mirrors the teacher's own polling style
// rather than reaching for one. cfg.Reload() alone only refreshes the
// value every collaborator read once at wire() time, so each reload is
// followed by pushing a fresh snapshot into the pool, validator, and
// gateway server explicitly.
func runConfigWatchLoop(ctx context.Context, cfg *config.Config, path string, deps *dependencies) {
	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			if err := cfg.Reload(); err != nil {
				log.Warnf("config reload failed: %v", err)
				continue
			}
			if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
				log.SetLevel(level)
			}
			applyConfigSnapshot(cfg, deps)
			log.Info("config reloaded from disk")
		}
	}
}

// applyConfigSnapshot pushes the just-reloaded scalar tunables into
// every collaborator that captured its own value copy at wire() time.
func applyConfigSnapshot(cfg *config.Config, deps *dependencies) {
	deps.pool.UpdateConfig(pool.EvictionConfig{
		MaxAvgRTMs:          cfg.Pool.MaxAvgResponseTimeMs,
		MinSamples:          cfg.Pool.MinSamples,
		PerProxyConcurrency: cfg.Pool.PerProxyConcurrency,
	})

	protocols := make([]proxytype.Protocol, 0, len(cfg.Validator.Protocols))
	for _, proto := range cfg.Validator.Protocols {
		protocols = append(protocols, proxytype.Protocol(proto))
	}
	deps.validator.UpdateConfig(validator.Config{
		MaxTries:               cfg.Validator.MaxTries,
		AttemptTimeout:         time.Duration(cfg.Validator.AttemptTimeoutMs) * time.Millisecond,
		MaxConcurrentChecks:    cfg.Validator.MaxConcurrentChecks,
		MaxAvgResponseTimeMs:   cfg.Validator.MaxAvgResponseTimeMs,
		MinSamplesForFiltering: cfg.Validator.MinSamplesForFiltering,
		Protocols:              protocols,
		DNSBLEnabled:           cfg.DNSBL.Enabled,
	})

	deps.gateway.UpdateConfig(server.Config{
		MaxTries:                 cfg.Server.MaxTries,
		ClientHandshakeTimeout:   time.Duration(cfg.Server.ClientHandshakeTimeoutMs) * time.Millisecond,
		UpstreamHandshakeTimeout: time.Duration(cfg.Server.UpstreamHandshakeTimeoutMs) * time.Millisecond,
		BridgeIdleTimeout:        time.Duration(cfg.Server.BridgeIdleTimeoutMs) * time.Millisecond,
		MaxConnections:           cfg.Server.MaxConnections,
	})
}

// dependencies bundles every wired collaborator; built once in wire().
type dependencies struct {
	metrics      *metrics.Collector
	judgeStore   storage.Storage
	judgePersist *snapshot.Manager
	judges       *judge.Registry
	geo          geoip.Lookup
	dnsblCheck   *dnsbl.Checker
	pool         *pool.Pool
	validator    *validator.Validator
	aggregator   *aggregator.Aggregator
	apiServer    *api.Server
	gateway      *server.Server
}

func wire(cfg *config.Config) *dependencies {
	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace)

	judgeStore, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize judge storage: %v", err)
	}

	judges := judge.New(time.Duration(cfg.Judges.RefreshIntervalSeconds) * time.Second)
	judges.SetMetrics(metricsCollector)
	for _, src := range cfg.Judges.Sources {
		if err := judges.AddJudge(src.URL, judge.Scheme(src.Scheme)); err != nil {
			log.Warnf("skipping invalid judge %q: %v", src.URL, err)
		}
	}

	judgePersist := snapshot.NewManager(judges, judgeStore, cfg.Storage.PersistIntervalSeconds)
	if err := judgePersist.RestoreFromStorage(); err != nil {
		log.Warnf("failed to restore judge state: %v (starting fresh)", err)
	}

	geo := geoip.Open(cfg.GeoIP.DatabasePath)

	var dnsblChecker *dnsbl.Checker
	if cfg.DNSBL.Enabled {
		dnsblChecker = dnsbl.New(cfg.DNSBL.Zones, cfg.DNSBL.Threshold)
	}

	p := pool.New(pool.EvictionConfig{
		MaxAvgRTMs:          cfg.Pool.MaxAvgResponseTimeMs,
		MinSamples:          cfg.Pool.MinSamples,
		PerProxyConcurrency: cfg.Pool.PerProxyConcurrency,
	})
	p.SetMetrics(metricsCollector)

	protocols := make([]proxytype.Protocol, 0, len(cfg.Validator.Protocols))
	for _, proto := range cfg.Validator.Protocols {
		protocols = append(protocols, proxytype.Protocol(proto))
	}
	v := validator.New(judges, geo, dnsblChecker, validator.Config{
		MaxTries:               cfg.Validator.MaxTries,
		AttemptTimeout:         time.Duration(cfg.Validator.AttemptTimeoutMs) * time.Millisecond,
		MaxConcurrentChecks:    cfg.Validator.MaxConcurrentChecks,
		MaxAvgResponseTimeMs:   cfg.Validator.MaxAvgResponseTimeMs,
		MinSamplesForFiltering: cfg.Validator.MinSamplesForFiltering,
		Protocols:              protocols,
		DNSBLEnabled:           cfg.DNSBL.Enabled,
	})
	v.SetMetrics(metricsCollector)

	agg := aggregator.NewAggregator(cfg.Aggregator, metricsCollector)

	apiServer := api.NewServer(cfg, p, judges, metricsCollector, agg, v)

	gw := server.New(p, server.Config{
		MaxTries:                 cfg.Server.MaxTries,
		ClientHandshakeTimeout:   time.Duration(cfg.Server.ClientHandshakeTimeoutMs) * time.Millisecond,
		UpstreamHandshakeTimeout: time.Duration(cfg.Server.UpstreamHandshakeTimeoutMs) * time.Millisecond,
		BridgeIdleTimeout:        time.Duration(cfg.Server.BridgeIdleTimeoutMs) * time.Millisecond,
		MaxConnections:           cfg.Server.MaxConnections,
	})
	gw.SetMetrics(metricsCollector)

	return &dependencies{
		metrics:      metricsCollector,
		judgeStore:   judgeStore,
		judgePersist: judgePersist,
		judges:       judges,
		geo:          geo,
		dnsblCheck:   dnsblChecker,
		pool:         p,
		validator:    v,
		aggregator:   agg,
		apiServer:    apiServer,
		gateway:      gw,
	}
}

// runGatewayLoop starts the REST API and the multi-protocol TCP gateway
// and blocks until an interrupt signal arrives.
func runGatewayLoop(ctx context.Context, cfg *config.Config, deps *dependencies) {
	gwCtx, cancelGW := context.WithCancel(ctx)
	defer cancelGW()

	go func() {
		if err := deps.gateway.Serve(gwCtx, cfg.Server.ListenAddr); err != nil {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	go func() {
		if err := deps.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	log.Infof("Gateway listening on %s, API on %s", cfg.Server.ListenAddr, cfg.API.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gracefully...")
	cancelGW()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := deps.apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}
	deps.judgePersist.Close()
	log.Info("Shutdown complete")
}

func runMaintenanceLoop(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := p.MaintenanceSweep(); evicted > 0 {
				log.Infof("maintenance sweep evicted %d proxies", evicted)
			}
		}
	}
}

func runAggregationLoop(ctx context.Context, deps *dependencies, intervalSeconds int) {
	runGrabCycle(ctx, deps)

	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runGrabCycle(ctx, deps)
		}
	}
}

// runGrabCycle implements the full pipeline: grab candidate addresses,
// cheaply filter dead ones, validate the survivors, and admit whatever
// passes into the pool.
func runGrabCycle(ctx context.Context, deps *dependencies) {
	start := time.Now()

	candidates, sourceStats, err := deps.aggregator.Aggregate(ctx)
	if err != nil {
		log.Errorf("aggregation failed: %v", err)
		return
	}
	log.Infof("aggregated %d unique candidates from %d sources", len(candidates), len(sourceStats))

	if len(candidates) == 0 {
		return
	}

	addresses := make([]string, len(candidates))
	for i, c := range candidates {
		addresses[i] = c.Address
	}
	filtered := checker.FastConnectFilter(ctx, addresses, 3000, 2000)
	reachable := make(map[string]bool, len(filtered))
	for _, addr := range filtered {
		reachable[addr] = true
	}

	var mu sync.Mutex
	admitted := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, candidate := range candidates {
		if !reachable[candidate.Address] {
			continue
		}
		host, portStr, err := net.SplitHostPort(candidate.Address)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}

		g.Go(func() error {
			key := proxytype.Key{Host: host, Port: port}
			result := deps.validator.Validate(gctx, key)
			if !result.Admitted {
				return nil
			}
			deps.pool.AdmitWithRuntimes(key, result.Protocols, result.Anonymity, result.Country, result.RuntimesMs)
			mu.Lock()
			admitted++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	deps.metrics.SetPoolSize(deps.pool.Len())
	log.Infof("grab cycle complete: %d candidates, %d reachable, %d admitted, took %v",
		len(candidates), len(filtered), admitted, time.Since(start))
}

// runSingleCheck validates one candidate address and prints its outcome,
// for the `proxygate check host:port` CLI mode.
func runSingleCheck(ctx context.Context, deps *dependencies, address string) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		log.Fatalf("invalid address %q: %v", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("invalid port in %q: %v", address, err)
	}

	result := deps.validator.Validate(ctx, proxytype.Key{Host: host, Port: port})
	log.WithFields(log.Fields{
		"host":      host,
		"port":      port,
		"protocols": result.Protocols,
		"anonymity": result.Anonymity.String(),
		"country":   result.Country,
		"admitted":  result.Admitted,
	}).Info("check complete")

	if !result.Admitted {
		os.Exit(1)
	}
}
