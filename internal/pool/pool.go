// Package pool owns the authoritative in-memory set of validated
// upstream proxies: admission, concurrency-safe selection, outcome
// accounting, and eviction.
package pool

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/proxy-checker-api/internal/metrics"
	"github.com/proxy-checker-api/internal/proxytype"
)

// Outcome is reported back to the pool by release() after a session
// finishes with a selected record.
type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Handle is the short-lived reference a caller holds between select and
// release; it never outlives one client session (ownership rule in
// spec §3).
type Handle struct {
	key proxytype.Key
}

func (h Handle) Key() proxytype.Key { return h.key }

// EvictionConfig carries the scalar tunables eviction and selection
// consult. It is read as a value (atomic snapshot, not a pointer into
// live config) once per select/maintenance pass per design note §9.
type EvictionConfig struct {
	MaxAvgRTMs          float64
	MinSamples          int
	PerProxyConcurrency int
}

// Pool is the single owner of every proxy record. Mutations (admit,
// release, evict) take mu exclusively; the critical section never
// performs I/O (§5).
type Pool struct {
	mu      sync.RWMutex
	records map[proxytype.Key]*proxytype.Record
	metrics *metrics.Collector

	cfg atomic.Value // stores EvictionConfig
}

func New(cfg EvictionConfig) *Pool {
	p := &Pool{records: make(map[proxytype.Key]*proxytype.Record)}
	p.cfg.Store(cfg)
	return p
}

// SetMetrics attaches the collector eviction events are published to.
// Optional: a pool without one simply skips metric emission.
func (p *Pool) SetMetrics(m *metrics.Collector) {
	p.metrics = m
}

// UpdateConfig hot-swaps the scalar tunables (max_avg_response_time_ms,
// min_requests_for_filtering, per_proxy_concurrency); existing records
// keep their already-allocated semaphore capacity, since changing it
// live would require reallocating every record's channel.
func (p *Pool) UpdateConfig(cfg EvictionConfig) {
	p.cfg.Store(cfg)
}

func (p *Pool) config() EvictionConfig {
	return p.cfg.Load().(EvictionConfig)
}

// Admit inserts a freshly validated candidate, or merges into an
// existing record at the same (host,port): the protocol sets are merged
// and anonymity and country are overwritten. The existing record's stats
// and runtimes are kept as they are; re-admission does not reset them.
func (p *Pool) Admit(key proxytype.Key, protocols []proxytype.Protocol, anonymity proxytype.Anonymity, country string) {
	if len(protocols) == 0 {
		return // admission invariant (b): never admit without a confirmed protocol
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.records[key]; ok {
		existing.MergeProtocols(protocols)
		existing.SetAnonymity(anonymity)
		existing.SetCountry(country)
		existing.SetState(proxytype.Ready)
		return
	}

	rec := proxytype.NewRecord(key, protocols, country, p.config().PerProxyConcurrency)
	rec.SetAnonymity(anonymity)
	p.records[key] = rec
}

// AdmitWithRuntimes is Admit plus seeding the initial runtime samples
// collected during validation, so a freshly admitted record is
// immediately eligible for latency-based filtering decisions.
func (p *Pool) AdmitWithRuntimes(key proxytype.Key, protocols []proxytype.Protocol, anonymity proxytype.Anonymity, country string, runtimesMs []int64) {
	p.Admit(key, protocols, anonymity, country)
	p.mu.RLock()
	rec := p.records[key]
	p.mu.RUnlock()
	if rec == nil {
		return
	}
	for _, ms := range runtimesMs {
		rec.PushRuntime(ms)
	}
}

// Select implements the §4.3 selection algorithm: filter by protocol,
// country, anonymity, and (sample-gated) latency, then pick the lowest
// recent_failure_rate, breaking ties by lowest avg_runtime and then by
// least-recently-used. Never blocks: a record saturated on
// per_proxy_concurrency is simply skipped, and is retried with
// TryAcquire so a losing candidate doesn't hold a slot.
func (p *Pool) Select(req proxytype.Requirements) (Handle, bool) {
	cfg := p.config()

	p.mu.RLock()
	candidates := make([]*proxytype.Record, 0, len(p.records))
	for _, rec := range p.records {
		if rec.State() == proxytype.Evicted {
			continue
		}
		if !rec.HasProtocol(req.Protocol) {
			continue
		}
		if !countryAllowed(rec.Country(), req.CountriesInclude, req.CountriesExclude) {
			continue
		}
		if rec.Anonymity() < req.MinAnonymity {
			continue
		}
		maxRT := req.MaxAvgRTMs
		if maxRT == 0 {
			maxRT = cfg.MaxAvgRTMs
		}
		minSamples := req.MinSamples
		if minSamples == 0 {
			minSamples = cfg.MinSamples
		}
		if maxRT > 0 {
			if avg, enough := rec.AvgRuntime(minSamples); enough && avg > maxRT {
				continue
			}
		}
		candidates = append(candidates, rec)
	}
	p.mu.RUnlock()

	var best *proxytype.Record
	var bestFailRate, bestAvgRT float64
	var bestLastUsed int64 = -1

	for _, rec := range candidates {
		if !rec.TryAcquire() {
			continue
		}
		stats := rec.StatsSnapshot()
		failRate := stats.RecentFailureRate()
		avgRT, _ := rec.AvgRuntime(0)

		if best == nil ||
			failRate < bestFailRate ||
			(failRate == bestFailRate && avgRT < bestAvgRT) ||
			(failRate == bestFailRate && avgRT == bestAvgRT && stats.LastUsedEpochMs < bestLastUsed) {
			if best != nil {
				best.Release()
			}
			best = rec
			bestFailRate = failRate
			bestAvgRT = avgRT
			bestLastUsed = stats.LastUsedEpochMs
			continue
		}
		rec.Release()
	}

	if best == nil {
		return Handle{}, false
	}
	return Handle{key: best.Key}, true
}

// countryAllowed applies the include/exclude filters; an empty include
// list means "any country is allowed".
func countryAllowed(country string, include, exclude []string) bool {
	for _, c := range exclude {
		if c == country {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, c := range include {
		if c == country {
			return true
		}
	}
	return false
}

// Release records the outcome of a completed checkout, releases the
// per-proxy concurrency slot, and triggers the eviction check. Infallible
// by contract: a handle for an already-evicted record is simply a no-op.
func (p *Pool) Release(h Handle, outcome Outcome, elapsedMs int64, cause string) {
	p.mu.RLock()
	rec, ok := p.records[h.key]
	p.mu.RUnlock()
	if !ok {
		return
	}

	rec.Release()
	now := proxytype.NowMs()

	switch outcome {
	case Success:
		rec.RecordSuccess(now)
		rec.PushRuntime(elapsedMs)
	case Failure:
		rec.RecordFailure(now, cause)
	}

	if cause, evict := p.evictionCause(rec); evict {
		p.evictOne(h.key, cause)
	}
}

// evictionCause applies the §4.3 eviction policy and names which clause
// condemned the record, for the eviction-count metric's "cause" label.
func (p *Pool) evictionCause(rec *proxytype.Record) (string, bool) {
	cfg := p.config()
	stats := rec.StatsSnapshot()

	if stats.ConsecutiveFailures() >= 5 {
		return "consecutive_failures", true
	}
	if avg, enough := rec.AvgRuntime(cfg.MinSamples); enough && cfg.MaxAvgRTMs > 0 && avg > cfg.MaxAvgRTMs {
		return "latency", true
	}
	if stats.RequestsTotal >= 20 && stats.SuccessRate() < 0.1 {
		return "success_rate", true
	}
	return "", false
}

func (p *Pool) evictOne(key proxytype.Key, cause string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.records[key]; ok {
		rec.SetState(proxytype.Evicted)
		delete(p.records, key)
		if p.metrics != nil {
			p.metrics.RecordEviction(cause)
		}
		log.WithFields(log.Fields{"host": key.Host, "port": key.Port, "cause": cause}).Info("proxy evicted")
	}
}

// Evict removes every record matching pred — used by the periodic
// maintenance task to sweep slow/dead members in bulk, independent of
// the per-release check in Release. pred returns the eviction cause and
// whether the record should be evicted.
func (p *Pool) Evict(pred func(*proxytype.Record) (string, bool)) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for key, rec := range p.records {
		if cause, evict := pred(rec); evict {
			rec.SetState(proxytype.Evicted)
			delete(p.records, key)
			if p.metrics != nil {
				p.metrics.RecordEviction(cause)
			}
			evicted++
		}
	}
	return evicted
}

// MaintenanceSweep evicts every record the eviction policy currently
// condemns; intended to run on a ticker (§4.3 "periodic maintenance
// task").
func (p *Pool) MaintenanceSweep() int {
	return p.Evict(p.evictionCause)
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

func (p *Pool) Get(key proxytype.Key) (*proxytype.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[key]
	return rec, ok
}

// Snapshot returns a point-in-time copy of all records. Never holds the
// lock while the caller reads
// individual records' fields (each Record has its own lock).
func (p *Pool) Snapshot() []*proxytype.Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*proxytype.Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	return out
}
