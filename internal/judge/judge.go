// Package judge maintains the ranked set of external judge endpoints
// used to classify upstream proxies during validation.
package judge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/proxy-checker-api/internal/metrics"
)

// Scheme is the judge transport: the validator picks the judge matching
// the protocol it is probing.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeSMTP  Scheme = "smtp"
)

const (
	consecutiveFailuresUnhealthy = 3
	emaAlpha                     = 0.3
	defaultProbeTimeout          = 2 * time.Second
)

// Judge is one external endpoint. All mutable fields are guarded by mu;
// EMA updates must be atomic w.r.t. Best() reads (§5).
type Judge struct {
	URL    string
	Scheme Scheme
	Host   string

	mu                  sync.Mutex
	observedLatencyMs   float64
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	lastProbeEpochMs    int64
	lastSuccessEpochMs  int64
	healthy             bool
}

func newJudge(rawURL string, scheme Scheme) (*Judge, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse judge url %q: %w", rawURL, err)
	}
	return &Judge{
		URL:     rawURL,
		Scheme:  scheme,
		Host:    u.Host,
		healthy: true, // optimistic until first probe proves otherwise
	}, nil
}

// HealthScore implements spec §3: min(10, 1000/latency_ms) * (success/(success+failure+1)).
func (j *Judge) HealthScore() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.healthScoreLocked()
}

func (j *Judge) healthScoreLocked() float64 {
	if j.observedLatencyMs <= 0 {
		return 0
	}
	timeScore := 1000.0 / j.observedLatencyMs
	if timeScore > 10 {
		timeScore = 10
	}
	reliability := float64(j.successCount) / float64(j.successCount+j.failureCount+1)
	return timeScore * reliability
}

func (j *Judge) recordOutcome(success bool, elapsedMs int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.lastProbeEpochMs = time.Now().UnixMilli()

	if success {
		j.successCount++
		j.consecutiveFailures = 0
		j.lastSuccessEpochMs = j.lastProbeEpochMs
		j.healthy = true // recovery requires exactly one successful probe
		if j.observedLatencyMs == 0 {
			j.observedLatencyMs = float64(elapsedMs)
		} else {
			j.observedLatencyMs = emaAlpha*float64(elapsedMs) + (1-emaAlpha)*j.observedLatencyMs
		}
		return
	}

	j.failureCount++
	j.consecutiveFailures++
	if j.consecutiveFailures >= consecutiveFailuresUnhealthy {
		j.healthy = false
	}
}

func (j *Judge) isHealthy() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.healthy
}

func (j *Judge) lastSuccess() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSuccessEpochMs
}

// EchoResult is the parsed body of a judge's response: the perceived
// client IP and the set of proxy-indicator header names it echoed back.
type EchoResult struct {
	ClientIP        string
	ProxyIndicators map[string]int
}

// proxyIndicatorPatterns is the §4.1 "proxy-indicator set": any header
// name containing one of these substrings.
var proxyIndicatorPatterns = []string{"via", "forwarded", "proxy-connection", "x-forwarded-for", "x-real-ip"}

// ParseEcho scans a judge response body for header-name patterns and IP
// literals, per §4.1 and §6 ("parser scans the body for header-name
// patterns"). It does not inspect content-type.
func ParseEcho(body string) EchoResult {
	res := EchoResult{ProxyIndicators: make(map[string]int)}
	lower := strings.ToLower(body)

	for _, pattern := range proxyIndicatorPatterns {
		if count := strings.Count(lower, pattern); count > 0 {
			res.ProxyIndicators[pattern] = count
		}
	}

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		lowerLine := strings.ToLower(line)
		if strings.Contains(lowerLine, "client-ip") || strings.Contains(lowerLine, "your-ip") || strings.Contains(lowerLine, "origin") {
			if idx := strings.LastIndexAny(line, " :\t"); idx >= 0 && idx+1 < len(line) {
				candidate := strings.TrimSpace(line[idx+1:])
				if ip := net.ParseIP(strings.Trim(candidate, ",;\"")); ip != nil {
					res.ClientIP = ip.String()
				}
			}
		}
	}
	return res
}

// Registry owns every judge, grouped by scheme, and probes them itself
// (probeOne) through its own small HTTP client.
type Registry struct {
	mu     sync.RWMutex
	byType map[Scheme][]*Judge

	refreshInterval time.Duration
	probeTimeout    time.Duration
	httpClient      *http.Client
	metrics         *metrics.Collector

	stopCh chan struct{}
}

func New(refreshInterval time.Duration) *Registry {
	if refreshInterval <= 0 {
		refreshInterval = 5 * time.Minute
	}
	return &Registry{
		byType:          make(map[Scheme][]*Judge),
		refreshInterval: refreshInterval,
		probeTimeout:    defaultProbeTimeout,
		httpClient:      &http.Client{Timeout: defaultProbeTimeout},
		stopCh:          make(chan struct{}),
	}
}

// SetMetrics attaches the collector used to publish each judge's health
// score after every probe round. Optional: a registry without one simply
// skips metric emission.
func (r *Registry) SetMetrics(m *metrics.Collector) {
	r.metrics = m
}

// AddJudge registers a judge URL under the given scheme before Initialize
// is called.
func (r *Registry) AddJudge(rawURL string, scheme Scheme) error {
	j, err := newJudge(rawURL, scheme)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.byType[scheme] = append(r.byType[scheme], j)
	r.mu.Unlock()
	return nil
}

// Initialize probes all configured judges in parallel with the
// registry's per-probe timeout and returns the healthy count per scheme.
func (r *Registry) Initialize(ctx context.Context) map[Scheme]int {
	return r.probeAll(ctx)
}

// Refresh re-probes every judge; intended to run on refreshInterval via
// Registry.RunRefreshLoop.
func (r *Registry) Refresh(ctx context.Context) map[Scheme]int {
	return r.probeAll(ctx)
}

func (r *Registry) probeAll(ctx context.Context) map[Scheme]int {
	r.mu.RLock()
	all := make([]*Judge, 0)
	for _, list := range r.byType {
		all = append(all, list...)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range all {
		j := j
		g.Go(func() error {
			r.probeOne(gctx, j)
			return nil
		})
	}
	_ = g.Wait()

	healthy := make(map[Scheme]int)
	r.mu.RLock()
	for scheme, list := range r.byType {
		count := 0
		for _, j := range list {
			if j.isHealthy() {
				count++
			}
			if r.metrics != nil {
				r.metrics.SetJudgeHealthScore(j.URL, string(scheme), j.HealthScore())
			}
		}
		healthy[scheme] = count
	}
	r.mu.RUnlock()
	return healthy
}

// probeOne issues a single GET against the judge and records the
// outcome. A timeout is itself a failure (§4.1 failure semantics); no
// retries within one probe.
func (r *Registry) probeOne(ctx context.Context, j *Judge) {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, j.URL, nil)
	if err != nil {
		j.recordOutcome(false, 0)
		return
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		j.recordOutcome(false, 0)
		log.WithFields(log.Fields{"kind": "timeout", "host": j.Host, "cause": err}).Debug("judge probe failed")
		return
	}
	defer resp.Body.Close()

	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		j.recordOutcome(false, elapsed)
		return
	}

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024)); err != nil {
		j.recordOutcome(false, elapsed)
		return
	}

	j.recordOutcome(true, elapsed)
}

// Best returns the currently highest-scoring healthy judge for a scheme.
// Ties break by most-recent success time (P5, §4.1).
func (r *Registry) Best(scheme Scheme) (*Judge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Judge
	var bestScore float64
	var bestLastSuccess int64

	for _, j := range r.byType[scheme] {
		if !j.isHealthy() {
			continue
		}
		score := j.HealthScore()
		lastSuccess := j.lastSuccess()
		if best == nil || score > bestScore || (score == bestScore && lastSuccess > bestLastSuccess) {
			best = j
			bestScore = score
			bestLastSuccess = lastSuccess
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Report lets a caller outside the probe loop (e.g. the Validator, which
// reuses a judge as the probe target) update a judge's health from an
// observed outcome.
func (r *Registry) Report(j *Judge, success bool, elapsedMs int64) {
	j.recordOutcome(success, elapsedMs)
}

// RunRefreshLoop re-probes all judges on the configured interval until
// the context is canceled.
func (r *Registry) RunRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := r.Refresh(ctx)
			log.WithFields(log.Fields{"healthy": healthy}).Info("judge registry refreshed")
		}
	}
}

// PersistedState is one judge's durable health snapshot, used to seed a
// fresh registry without waiting through the unhealthy-after-3-failures
// ramp again on restart.
type PersistedState struct {
	URL                 string  `json:"url"`
	Scheme              string  `json:"scheme"`
	ObservedLatencyMs   float64 `json:"observed_latency_ms"`
	SuccessCount        int64   `json:"success_count"`
	FailureCount        int64   `json:"failure_count"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastProbeEpochMs    int64   `json:"last_probe_epoch_ms"`
	LastSuccessEpochMs  int64   `json:"last_success_epoch_ms"`
	Healthy             bool    `json:"healthy"`
}

// Export snapshots every judge's health state for persistence.
func (r *Registry) Export() []PersistedState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PersistedState, 0)
	for scheme, list := range r.byType {
		for _, j := range list {
			j.mu.Lock()
			out = append(out, PersistedState{
				URL:                 j.URL,
				Scheme:              string(scheme),
				ObservedLatencyMs:   j.observedLatencyMs,
				SuccessCount:        j.successCount,
				FailureCount:        j.failureCount,
				ConsecutiveFailures: j.consecutiveFailures,
				LastProbeEpochMs:    j.lastProbeEpochMs,
				LastSuccessEpochMs:  j.lastSuccessEpochMs,
				Healthy:             j.healthy,
			})
			j.mu.Unlock()
		}
	}
	return out
}

// Restore seeds a previously-registered judge (matched by URL) with a
// persisted health state. Judges not yet added via AddJudge are skipped;
// callers should AddJudge everything from config before restoring.
func (r *Registry) Restore(states []PersistedState) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byURL := make(map[string]*Judge)
	for _, list := range r.byType {
		for _, j := range list {
			byURL[j.URL] = j
		}
	}

	for _, s := range states {
		j, ok := byURL[s.URL]
		if !ok {
			continue
		}
		j.mu.Lock()
		j.observedLatencyMs = s.ObservedLatencyMs
		j.successCount = s.SuccessCount
		j.failureCount = s.FailureCount
		j.consecutiveFailures = s.ConsecutiveFailures
		j.lastProbeEpochMs = s.LastProbeEpochMs
		j.lastSuccessEpochMs = s.LastSuccessEpochMs
		j.healthy = s.Healthy
		j.mu.Unlock()
	}
}

// Stats summarizes registry state for the monitoring API.
type Stats struct {
	TotalJudges   int            `json:"total_judges"`
	HealthyByType map[string]int `json:"healthy_by_scheme"`
}

func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{HealthyByType: make(map[string]int)}
	for scheme, list := range r.byType {
		stats.TotalJudges += len(list)
		healthy := 0
		for _, j := range list {
			if j.isHealthy() {
				healthy++
			}
		}
		stats.HealthyByType[string(scheme)] = healthy
	}
	return stats
}
