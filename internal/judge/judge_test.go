package judge

import "testing"

func TestHealthScore(t *testing.T) {
	j := &Judge{}
	j.observedLatencyMs = 100 // min(10, 1000/100) = 10
	j.successCount = 9
	j.failureCount = 0 // 9/(9+0+1) = 0.9
	got := j.HealthScore()
	want := 9.0
	if got != want {
		t.Fatalf("HealthScore() = %v, want %v", got, want)
	}
}

func TestHealthScore_LatencyCapsAtTen(t *testing.T) {
	j := &Judge{}
	j.observedLatencyMs = 10 // 1000/10 = 100, capped to 10
	j.successCount = 1
	j.failureCount = 0
	got := j.HealthScore()
	want := 10.0 * (1.0 / 2.0)
	if got != want {
		t.Fatalf("HealthScore() = %v, want %v", got, want)
	}
}

// P5: best() never returns a judge with zero successes and >= three
// consecutive failures.
func TestP5_UnhealthyJudgeExcludedFromBest(t *testing.T) {
	r := New(0)
	j, err := newJudge("http://judge.example/echo", SchemeHTTP)
	if err != nil {
		t.Fatal(err)
	}
	r.byType[SchemeHTTP] = []*Judge{j}

	for i := 0; i < 3; i++ {
		j.recordOutcome(false, 0)
	}

	if _, ok := r.Best(SchemeHTTP); ok {
		t.Fatal("Best returned a judge with 3 consecutive failures and no successes")
	}
}

func TestRecovery_OneSuccessRestoresHealth(t *testing.T) {
	j := &Judge{healthy: true}
	for i := 0; i < 3; i++ {
		j.recordOutcome(false, 0)
	}
	if j.isHealthy() {
		t.Fatal("expected judge to be unhealthy after 3 consecutive failures")
	}
	j.recordOutcome(true, 100)
	if !j.isHealthy() {
		t.Fatal("expected a single success to restore health")
	}
}

func TestBest_TieBreaksByMostRecentSuccess(t *testing.T) {
	r := New(0)
	a, _ := newJudge("http://a.example", SchemeHTTP)
	b, _ := newJudge("http://b.example", SchemeHTTP)
	r.byType[SchemeHTTP] = []*Judge{a, b}

	// Equal health score, but b succeeded more recently.
	a.observedLatencyMs, a.successCount, a.lastSuccessEpochMs = 100, 9, 1000
	b.observedLatencyMs, b.successCount, b.lastSuccessEpochMs = 100, 9, 2000

	best, ok := r.Best(SchemeHTTP)
	if !ok || best != b {
		t.Fatal("expected tie to break in favor of the judge with the more recent success")
	}
}

func TestParseEcho_DetectsProxyIndicators(t *testing.T) {
	body := "X-Forwarded-For: 203.0.113.5\r\nVia: 1.1 proxy.local\r\n"
	res := ParseEcho(body)
	if len(res.ProxyIndicators) == 0 {
		t.Fatal("expected proxy-indicator headers to be detected")
	}
}

func TestParseEcho_NoIndicatorsOnPlainEcho(t *testing.T) {
	body := "Your-Ip: 203.0.113.5\r\nUser-Agent: test\r\n"
	res := ParseEcho(body)
	if len(res.ProxyIndicators) != 0 {
		t.Fatalf("expected no proxy indicators, got %v", res.ProxyIndicators)
	}
}
