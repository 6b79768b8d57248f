package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/proxy-checker-api/internal/pool"
	"github.com/proxy-checker-api/internal/proxytype"
)

// fakeSocks5Upstream accepts one connection, performs the upstream side
// of a SOCKS5 handshake, and reports success.
func fakeSocks5Upstream(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 3)
		conn.Read(buf)
		conn.Write([]byte{0x05, 0x00})
		req := make([]byte, 10)
		conn.Read(req)
		conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	return ln
}

func TestSelectAndConnect_SucceedsAgainstFakeUpstream(t *testing.T) {
	ln := fakeSocks5Upstream(t)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	p := pool.New(pool.EvictionConfig{MaxAvgRTMs: 8000, MinSamples: 5, PerProxyConcurrency: 16})
	key := proxytype.Key{Host: "127.0.0.1", Port: addr.Port}
	p.Admit(key, []proxytype.Protocol{proxytype.SOCKS5}, proxytype.High, "--")

	srv := New(p, DefaultConfig())
	upConn, err := srv.selectAndConnect(context.Background(), proxytype.SOCKS5, "93.184.216.34", 80, DefaultConfig())
	if err != nil {
		t.Fatalf("expected successful upstream negotiation, got %v", err)
	}
	upConn.Close()

	rec, _ := p.Get(key)
	stats := rec.StatsSnapshot()
	if stats.RequestsTotal != 1 || stats.RequestsFailed != 0 {
		t.Fatalf("expected one recorded success, got %+v", stats)
	}
}

func TestSelectAndConnect_NoEligibleProxyReturnsError(t *testing.T) {
	p := pool.New(pool.EvictionConfig{MaxAvgRTMs: 8000, MinSamples: 5, PerProxyConcurrency: 16})
	srv := New(p, DefaultConfig())

	_, err := srv.selectAndConnect(context.Background(), proxytype.HTTP, "example.com", 80, DefaultConfig())
	if err != errNoEligibleProxy {
		t.Fatalf("expected errNoEligibleProxy, got %v", err)
	}
}

// Retry, over SOCKS5: a flaky upstream closes the connection during the
// handshake, and selectAndConnect retries until the healthy one succeeds.
func TestSelectAndConnect_RetriesPastFlakyUpstream(t *testing.T) {
	flaky, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer flaky.Close()
	go func() {
		conn, err := flaky.Accept()
		if err != nil {
			return
		}
		conn.Close() // immediate close = handshake failure
	}()

	good := fakeSocks5Upstream(t)
	defer good.Close()

	p := pool.New(pool.EvictionConfig{MaxAvgRTMs: 8000, MinSamples: 5, PerProxyConcurrency: 16})
	flakyAddr := flaky.Addr().(*net.TCPAddr)
	goodAddr := good.Addr().(*net.TCPAddr)
	p.Admit(proxytype.Key{Host: "127.0.0.1", Port: flakyAddr.Port}, []proxytype.Protocol{proxytype.SOCKS5}, proxytype.High, "--")
	p.Admit(proxytype.Key{Host: "127.0.0.1", Port: goodAddr.Port}, []proxytype.Protocol{proxytype.SOCKS5}, proxytype.High, "--")

	cfg := DefaultConfig()
	cfg.MaxTries = 5
	cfg.UpstreamHandshakeTimeout = 2 * time.Second
	srv := New(p, cfg)

	upConn, err := srv.selectAndConnect(context.Background(), proxytype.SOCKS5, "93.184.216.34", 80, cfg)
	if err != nil {
		t.Fatalf("expected retry to succeed against the healthy upstream, got %v", err)
	}
	upConn.Close()
}
