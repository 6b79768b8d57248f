// Package validator probes a candidate upstream through each configured
// protocol, using the judge registry as the probe target, and produces
// the protocol set, anonymity level, country, and seed runtimes a pool
// admission decision needs.
package validator

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/proxy-checker-api/internal/dnsbl"
	"github.com/proxy-checker-api/internal/geoip"
	"github.com/proxy-checker-api/internal/judge"
	"github.com/proxy-checker-api/internal/metrics"
	"github.com/proxy-checker-api/internal/negotiator"
	"github.com/proxy-checker-api/internal/proxytype"
)

// Config carries the validator's scalar tunables (§4.2 contract).
type Config struct {
	MaxTries              int
	AttemptTimeout        time.Duration
	MaxConcurrentChecks   int
	MaxAvgResponseTimeMs  float64
	MinSamplesForFiltering int
	Protocols             []proxytype.Protocol // enabled client-side protocol handlers to probe
	DNSBLEnabled          bool
}

func DefaultConfig() Config {
	return Config{
		MaxTries:               3,
		AttemptTimeout:         8 * time.Second,
		MaxConcurrentChecks:    5000,
		MaxAvgResponseTimeMs:   8000,
		MinSamplesForFiltering: 5,
		Protocols:              []proxytype.Protocol{proxytype.HTTP, proxytype.HTTPS, proxytype.SOCKS4, proxytype.SOCKS5},
	}
}

// Result is the outcome of validating a single candidate.
type Result struct {
	Key        proxytype.Key
	Protocols  []proxytype.Protocol
	Anonymity  proxytype.Anonymity
	Country    string
	RuntimesMs []int64
	Admitted   bool
	BlockedBy  string // "admission-blocked" cause, if Admitted is false due to DNSBL
}

// Validator drives protocol probes against candidates.
type Validator struct {
	judges  *judge.Registry
	geo     geoip.Lookup
	dnsbl   *dnsbl.Checker
	cfg     atomic.Value // Config
	metrics *metrics.Collector

	sem      chan struct{}
	publicIP string
}

func New(judges *judge.Registry, geo geoip.Lookup, dnsblChecker *dnsbl.Checker, cfg Config) *Validator {
	v := &Validator{
		judges: judges,
		geo:    geo,
		dnsbl:  dnsblChecker,
		sem:    make(chan struct{}, cfg.MaxConcurrentChecks),
	}
	v.cfg.Store(cfg)
	return v
}

// SetMetrics attaches the collector each probe's outcome is published to.
// Optional: a validator without one simply skips metric emission.
func (v *Validator) SetMetrics(m *metrics.Collector) {
	v.metrics = m
}

// UpdateConfig hot-swaps the scalar tunables (max_tries,
// attempt_timeout_ms, max_avg_response_time_ms,
// min_requests_for_filtering); the concurrency semaphore keeps its
// already-allocated capacity, since resizing it live would require
// replacing the channel out from under in-flight probes.
func (v *Validator) UpdateConfig(cfg Config) {
	v.cfg.Store(cfg)
}

func (v *Validator) config() Config {
	return v.cfg.Load().(Config)
}

// CapturePublicIP fetches the validator's own public IP once at startup
// via the best HTTP judge, per §4.2 anonymity derivation.
func (v *Validator) CapturePublicIP(ctx context.Context) error {
	j, ok := v.judges.Best(judge.SchemeHTTP)
	if !ok {
		return fmt.Errorf("validator: no healthy http judge available to capture public ip")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: v.config().AttemptTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return err
	}
	echo := judge.ParseEcho(string(body))
	if echo.ClientIP == "" {
		return fmt.Errorf("validator: could not parse public ip from judge echo")
	}
	v.publicIP = echo.ClientIP
	return nil
}

// Validate implements the §4.2 contract: attempts each configured
// protocol up to MaxTries times, at AttemptTimeout per attempt.
func (v *Validator) Validate(ctx context.Context, key proxytype.Key) Result {
	v.sem <- struct{}{}
	defer func() { <-v.sem }()

	cfg := v.config()
	result := Result{Key: key}
	var anonymitySet bool

	for _, proto := range cfg.Protocols {
		elapsed, echo, ok := v.probeWithRetries(ctx, key, proto)
		if v.metrics != nil {
			v.metrics.RecordCheck(string(proto), ok, float64(elapsed)/1000.0)
		}
		if !ok {
			continue
		}
		result.Protocols = append(result.Protocols, proto)
		result.RuntimesMs = append(result.RuntimesMs, elapsed)

		if !anonymitySet && (proto == proxytype.HTTP || proto == proxytype.HTTPS) {
			result.Anonymity = v.classifyAnonymity(echo)
			anonymitySet = true
		}
	}

	if len(result.Protocols) == 0 {
		return result // discarded without ever entering the pool
	}

	result.Country = v.geo.Country(key.Host)

	if cfg.DNSBLEnabled && v.dnsbl != nil && v.dnsbl.IsMalicious(ctx, key.Host) {
		result.Admitted = false
		result.BlockedBy = "admission-blocked"
		log.WithFields(log.Fields{"kind": "admission-blocked", "host": key.Host}).Info("candidate rejected by dnsbl")
		return result
	}

	mean, enough := meanOf(result.RuntimesMs)
	if !enough || mean <= cfg.MaxAvgResponseTimeMs || len(result.RuntimesMs) < cfg.MinSamplesForFiltering {
		result.Admitted = true
	}
	return result
}

func meanOf(samples []int64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples)), true
}

func (v *Validator) classifyAnonymity(echo judge.EchoResult) proxytype.Anonymity {
	if echo.ClientIP != "" && echo.ClientIP == v.publicIP {
		return proxytype.Transparent
	}
	if len(echo.ProxyIndicators) > 0 {
		return proxytype.Anonymous
	}
	return proxytype.High
}

func (v *Validator) probeWithRetries(ctx context.Context, key proxytype.Key, proto proxytype.Protocol) (elapsedMs int64, echo judge.EchoResult, ok bool) {
	cfg := v.config()
	for attempt := 0; attempt < cfg.MaxTries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		elapsedMs, echo, ok = v.probeOnce(attemptCtx, key, proto)
		cancel()
		if ok {
			return elapsedMs, echo, true
		}
	}
	return 0, judge.EchoResult{}, false
}

func (v *Validator) probeOnce(ctx context.Context, key proxytype.Key, proto proxytype.Protocol) (int64, judge.EchoResult, bool) {
	switch proto {
	case proxytype.HTTP:
		return v.probeHTTP(ctx, key)
	case proxytype.HTTPS:
		return v.probeHTTPS(ctx, key)
	case proxytype.SOCKS4:
		return v.probeSocks(ctx, key, negotiator.KindSocks4)
	case proxytype.SOCKS5:
		return v.probeSocks(ctx, key, negotiator.KindSocks5)
	case proxytype.Connect80:
		return v.probeConnectOnly(ctx, key, 80, negotiator.KindConnect80)
	case proxytype.Connect25:
		return v.probeConnectOnly(ctx, key, 25, negotiator.KindConnect25)
	default:
		return 0, judge.EchoResult{}, false
	}
}

func (v *Validator) dialCandidate(ctx context.Context, key proxytype.Key) (net.Conn, error) {
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(key.Host, strconv.Itoa(key.Port)))
}

// probeHTTP: open TCP, send a GET for the best HTTP judge with the
// candidate acting as an HTTP proxy, parse echoed request.
func (v *Validator) probeHTTP(ctx context.Context, key proxytype.Key) (int64, judge.EchoResult, bool) {
	j, ok := v.judges.Best(judge.SchemeHTTP)
	if !ok {
		return 0, judge.EchoResult{}, false
	}

	start := time.Now()
	conn, err := v.dialCandidate(ctx, key)
	if err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, j.URL, nil)
	if err != nil {
		return 0, judge.EchoResult{}, false
	}
	if err := req.Write(conn); err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.judges.Report(j, false, elapsed)
		return 0, judge.EchoResult{}, false
	}

	v.judges.Report(j, true, elapsed)
	return elapsed, judge.ParseEcho(string(body)), true
}

// probeHTTPS: CONNECT to judge:443, TLS handshake, GET, success on 2xx.
func (v *Validator) probeHTTPS(ctx context.Context, key proxytype.Key) (int64, judge.EchoResult, bool) {
	j, ok := v.judges.Best(judge.SchemeHTTPS)
	if !ok {
		j, ok = v.judges.Best(judge.SchemeHTTP)
	}
	if !ok {
		return 0, judge.EchoResult{}, false
	}

	start := time.Now()
	conn, err := v.dialCandidate(ctx, key)
	if err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	defer conn.Close()

	if err := negotiator.Negotiate(conn, negotiator.KindHTTPSConnect, j.Host, 443, nil, v.config().AttemptTimeout); err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: j.Host, InsecureSkipVerify: true})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}

	req, err := http.NewRequest(http.MethodGet, j.URL, nil)
	if err != nil {
		return 0, judge.EchoResult{}, false
	}
	if err := req.Write(tlsConn); err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	if err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.judges.Report(j, false, elapsed)
		return 0, judge.EchoResult{}, false
	}
	v.judges.Report(j, true, elapsed)
	return elapsed, judge.ParseEcho(string(body)), true
}

// probeSocks: SOCKS4/5 handshake to judge's host:port, then an HTTP
// request over the established tunnel.
func (v *Validator) probeSocks(ctx context.Context, key proxytype.Key, kind negotiator.Kind) (int64, judge.EchoResult, bool) {
	j, ok := v.judges.Best(judge.SchemeHTTP)
	if !ok {
		return 0, judge.EchoResult{}, false
	}
	host, portStr, err := net.SplitHostPort(j.Host)
	if err != nil {
		host, portStr = j.Host, "80"
	}
	port, _ := strconv.Atoi(portStr)
	if port == 0 {
		port = 80
	}
	if kind == negotiator.KindSocks4 {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		if err != nil || len(ips) == 0 {
			return 0, judge.EchoResult{}, false
		}
		host = ips[0].String()
	}

	start := time.Now()
	conn, err := v.dialCandidate(ctx, key)
	if err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	defer conn.Close()

	if err := negotiator.Negotiate(conn, kind, host, port, nil, v.config().AttemptTimeout); err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}

	req, err := http.NewRequest(http.MethodGet, j.URL, nil)
	if err != nil {
		return 0, judge.EchoResult{}, false
	}
	req.URL.Scheme, req.URL.Host = "", "" // origin-form once tunneled
	req.Host = j.Host
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", requestPath(j.URL), j.Host)

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		v.judges.Report(j, false, 0)
		return 0, judge.EchoResult{}, false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.judges.Report(j, false, elapsed)
		return 0, judge.EchoResult{}, false
	}
	v.judges.Report(j, true, elapsed)
	return elapsed, judge.ParseEcho(string(body)), true
}

func requestPath(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return "/"
	}
	rest := rawURL[idx+3:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return rest[slash:]
	}
	return "/"
}

// probeConnectOnly attempts a CONNECT to a fixed target on the given
// port; success = 200 reply (§4.2 CONNECT:25 / CONNECT:80).
func (v *Validator) probeConnectOnly(ctx context.Context, key proxytype.Key, targetPort int, kind negotiator.Kind) (int64, judge.EchoResult, bool) {
	j, ok := v.judges.Best(judge.SchemeHTTP)
	if !ok {
		return 0, judge.EchoResult{}, false
	}
	host, _, err := net.SplitHostPort(j.Host)
	if err != nil {
		host = j.Host
	}

	start := time.Now()
	conn, err := v.dialCandidate(ctx, key)
	if err != nil {
		return 0, judge.EchoResult{}, false
	}
	defer conn.Close()

	if err := negotiator.Negotiate(conn, kind, host, targetPort, nil, v.config().AttemptTimeout); err != nil {
		return 0, judge.EchoResult{}, false
	}
	return time.Since(start).Milliseconds(), judge.EchoResult{}, true
}
