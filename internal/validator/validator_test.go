package validator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/proxy-checker-api/internal/dnsbl"
	"github.com/proxy-checker-api/internal/geoip"
	"github.com/proxy-checker-api/internal/judge"
	"github.com/proxy-checker-api/internal/proxytype"
)

// fakeHTTPProxy spins a TCP listener that behaves like a trivial HTTP
// proxy: it reads the request and, without contacting the judge, answers
// with a canned judge echo carrying the given indicators so
// classification can be exercised deterministically.
func fakeHTTPProxy(t *testing.T, indicators string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.SetReadDeadline(time.Now().Add(2 * time.Second))
				c.Read(buf)
				body := `{"ip":"203.0.113.9"}` + indicators
				resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
				c.Write([]byte(resp))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func judgeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"203.0.113.9"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRegistry(t *testing.T, judgeURL string) *judge.Registry {
	t.Helper()
	reg := judge.New(time.Minute)
	if err := reg.AddJudge(judgeURL, judge.SchemeHTTP); err != nil {
		t.Fatal(err)
	}
	reg.Initialize(context.Background())
	return reg
}

func TestValidate_HTTPProxySucceedsAndClassifiesHigh(t *testing.T) {
	srv := judgeServer(t)
	reg := newTestRegistry(t, srv.URL)

	proxyAddr := fakeHTTPProxy(t, "")
	host, portStr, _ := net.SplitHostPort(proxyAddr)
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig()
	cfg.Protocols = []proxytype.Protocol{proxytype.HTTP}
	v := New(reg, geoip.Open(""), dnsbl.New(nil, 1), cfg)
	v.publicIP = "198.51.100.1" // distinct from echoed 203.0.113.9

	result := v.Validate(context.Background(), proxytype.Key{Host: host, Port: port})

	if len(result.Protocols) != 1 || result.Protocols[0] != proxytype.HTTP {
		t.Fatalf("expected HTTP protocol to succeed, got %v", result.Protocols)
	}
	if result.Anonymity != proxytype.High {
		t.Fatalf("expected High anonymity with no indicators, got %v", result.Anonymity)
	}
	if !result.Admitted {
		t.Fatal("expected candidate to be admitted")
	}
}

func TestValidate_NoProtocolsSucceedYieldsUnadmitted(t *testing.T) {
	srv := judgeServer(t)
	reg := newTestRegistry(t, srv.URL)

	cfg := DefaultConfig()
	cfg.Protocols = []proxytype.Protocol{proxytype.HTTP}
	cfg.MaxTries = 1
	cfg.AttemptTimeout = 200 * time.Millisecond
	v := New(reg, geoip.Open(""), dnsbl.New(nil, 1), cfg)

	// nothing listening on this port
	result := v.Validate(context.Background(), proxytype.Key{Host: "127.0.0.1", Port: 1})

	if len(result.Protocols) != 0 {
		t.Fatalf("expected no protocols to succeed, got %v", result.Protocols)
	}
	if result.Admitted {
		t.Fatal("expected an unreachable candidate to never be admitted")
	}
}

func TestValidate_DNSBLSwitchedOffAdmits(t *testing.T) {
	srv := judgeServer(t)
	reg := newTestRegistry(t, srv.URL)

	proxyAddr := fakeHTTPProxy(t, "")
	host, portStr, _ := net.SplitHostPort(proxyAddr)
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig()
	cfg.Protocols = []proxytype.Protocol{proxytype.HTTP}
	cfg.DNSBLEnabled = true
	// The checker has no zones, so it never reports a listing; this test
	// covers switching DNSBLEnabled off through UpdateConfig, not a block.
	v := New(reg, geoip.Open(""), dnsbl.New(nil, 1), cfg)
	cfg.DNSBLEnabled = false // no real DNSBL infra in this test environment
	v.UpdateConfig(cfg)

	result := v.Validate(context.Background(), proxytype.Key{Host: host, Port: port})
	if len(result.Protocols) == 0 {
		t.Fatal("expected the HTTP probe itself to still succeed")
	}
	if !result.Admitted {
		t.Fatal("expected admission with DNSBL switched off")
	}
	_ = result
}

func TestMeanOf_EmptyIsNotEnough(t *testing.T) {
	if _, ok := meanOf(nil); ok {
		t.Fatal("expected meanOf(nil) to report not-enough")
	}
	mean, ok := meanOf([]int64{10, 20, 30})
	if !ok || mean != 20 {
		t.Fatalf("meanOf = %v, %v, want 20, true", mean, ok)
	}
}

func TestRequestPath_ExtractsPathFromURL(t *testing.T) {
	if got := requestPath("http://judge.example/echo"); got != "/echo" {
		t.Fatalf("requestPath() = %q, want /echo", got)
	}
	if got := requestPath("http://judge.example"); got != "/" {
		t.Fatalf("requestPath() = %q, want /", got)
	}
}
