package pool

import (
	"testing"

	"github.com/proxy-checker-api/internal/proxytype"
)

func testConfig() EvictionConfig {
	return EvictionConfig{MaxAvgRTMs: 8000, MinSamples: 5, PerProxyConcurrency: 16}
}

func TestAdmit_UniqueKeyAndProtocolMerge(t *testing.T) {
	p := New(testConfig())
	key := proxytype.Key{Host: "1.2.3.4", Port: 8080}

	p.Admit(key, []proxytype.Protocol{proxytype.HTTP}, proxytype.High, "US")
	p.Admit(key, []proxytype.Protocol{proxytype.SOCKS5}, proxytype.High, "US")

	if p.Len() != 1 {
		t.Fatalf("expected 1 record after re-admit, got %d", p.Len())
	}
	rec, ok := p.Get(key)
	if !ok {
		t.Fatal("record missing after admit")
	}
	if !rec.HasProtocol(proxytype.HTTP) || !rec.HasProtocol(proxytype.SOCKS5) {
		t.Fatal("expected protocol sets to merge across re-admission")
	}
}

func TestAdmit_RejectsEmptyProtocolSet(t *testing.T) {
	p := New(testConfig())
	key := proxytype.Key{Host: "1.2.3.4", Port: 8080}
	p.Admit(key, nil, proxytype.High, "US")
	if p.Len() != 0 {
		t.Fatal("admission invariant violated: record admitted with no confirmed protocol")
	}
}

func TestSelect_FiltersByProtocolCountryAndAnonymity(t *testing.T) {
	p := New(testConfig())
	p.Admit(proxytype.Key{Host: "a", Port: 1}, []proxytype.Protocol{proxytype.HTTP}, proxytype.Transparent, "US")
	p.Admit(proxytype.Key{Host: "b", Port: 1}, []proxytype.Protocol{proxytype.SOCKS5}, proxytype.High, "FR")

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.SOCKS4}); ok {
		t.Fatal("select returned a record for an unrequested protocol")
	}

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP, MinAnonymity: proxytype.High}); ok {
		t.Fatal("select returned a record below the required anonymity")
	}

	h, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP, CountriesInclude: []string{"US"}})
	if !ok || h.Key().Host != "a" {
		t.Fatal("select did not honor country include filter")
	}

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.SOCKS5, MinAnonymity: proxytype.Transparent, CountriesExclude: []string{"FR"}}); ok {
		t.Fatal("select returned a record excluded by country")
	}
}

// P1: requests_failed <= requests_total always.
func TestP1_FailedNeverExceedsTotal(t *testing.T) {
	p := New(testConfig())
	key := proxytype.Key{Host: "a", Port: 1}
	p.Admit(key, []proxytype.Protocol{proxytype.HTTP}, proxytype.High, "--")

	for i := 0; i < 10; i++ {
		h, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP})
		if !ok {
			break
		}
		if i%3 == 0 {
			p.Release(h, Success, 50, "")
		} else {
			p.Release(h, Failure, 0, "timeout")
		}
	}

	rec, ok := p.Get(key)
	if !ok {
		return // may have been evicted, which is fine
	}
	stats := rec.StatsSnapshot()
	if stats.RequestsFailed > stats.RequestsTotal {
		t.Fatalf("requests_failed (%d) exceeded requests_total (%d)", stats.RequestsFailed, stats.RequestsTotal)
	}
}

// P4: after 5 consecutive failures with no intervening success, select
// never returns that record again.
func TestP4_FiveConsecutiveFailuresEvicts(t *testing.T) {
	p := New(testConfig())
	key := proxytype.Key{Host: "flaky", Port: 1}
	p.Admit(key, []proxytype.Protocol{proxytype.HTTP}, proxytype.High, "--")

	for i := 0; i < 5; i++ {
		h, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP})
		if !ok {
			t.Fatalf("select failed before 5 failures recorded (iteration %d)", i)
		}
		p.Release(h, Failure, 0, "refused")
	}

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP}); ok {
		t.Fatal("select returned a record after 5 consecutive failures")
	}
	if p.Len() != 0 {
		t.Fatal("record with 5 consecutive failures was not evicted")
	}
}

// Boundary: runtimes cap at N=50, FIFO.
func TestRuntimesCap(t *testing.T) {
	var r proxytype.Runtimes
	for i := 0; i < 60; i++ {
		r.Push(int64(i))
	}
	if r.Len() != 50 {
		t.Fatalf("expected 50 samples retained, got %d", r.Len())
	}
}

// Boundary: per_proxy_concurrency+1 checkouts yields no selection rather
// than blocking.
func TestPerProxyConcurrencyCapSkipsSaturatedRecord(t *testing.T) {
	cfg := testConfig()
	cfg.PerProxyConcurrency = 1
	p := New(cfg)
	key := proxytype.Key{Host: "a", Port: 1}
	p.Admit(key, []proxytype.Protocol{proxytype.HTTP}, proxytype.High, "--")

	h1, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP})
	if !ok {
		t.Fatal("expected first checkout to succeed")
	}

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP}); ok {
		t.Fatal("select should have skipped the saturated record rather than returning it again")
	}

	p.Release(h1, Success, 10, "")

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP}); !ok {
		t.Fatal("expected select to succeed once the slot was released")
	}
}

// Boundary: empty pool returns no selection.
func TestSelect_EmptyPool(t *testing.T) {
	p := New(testConfig())
	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP}); ok {
		t.Fatal("expected no selection from an empty pool")
	}
}

// Scenario 5: slow eviction.
func TestSlowEvictionOnMaintenanceSweep(t *testing.T) {
	cfg := testConfig()
	p := New(cfg)
	key := proxytype.Key{Host: "slow", Port: 1}
	p.Admit(key, []proxytype.Protocol{proxytype.HTTP}, proxytype.High, "--")
	rec, _ := p.Get(key)
	for _, ms := range []int64{9000, 9500, 9200, 9100, 9300} {
		rec.PushRuntime(ms)
	}

	if _, ok := p.Select(proxytype.Requirements{Protocol: proxytype.HTTP}); ok {
		t.Fatal("record exceeding max_avg_rt_ms should be excluded from selection")
	}

	evicted := p.MaintenanceSweep()
	if evicted != 1 {
		t.Fatalf("expected maintenance sweep to evict 1 record, evicted %d", evicted)
	}
}
