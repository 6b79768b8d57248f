// Package server accepts client connections, dispatches by detected
// client protocol, selects an upstream from the pool, drives the
// upstream handshake via the negotiator package, and bridges the two
// sockets bidirectionally.
package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/proxy-checker-api/internal/metrics"
	"github.com/proxy-checker-api/internal/negotiator"
	"github.com/proxy-checker-api/internal/pool"
	"github.com/proxy-checker-api/internal/proxytype"
)

// Config is the set of hot-reloadable scalar tunables read once per
// session at the start of dispatch (design note §9), never per I/O op.
type Config struct {
	MaxTries                 int
	ClientHandshakeTimeout   time.Duration
	UpstreamHandshakeTimeout time.Duration
	BridgeIdleTimeout        time.Duration
	MaxConnections           int
}

func DefaultConfig() Config {
	return Config{
		MaxTries:                 3,
		ClientHandshakeTimeout:   30 * time.Second,
		UpstreamHandshakeTimeout: 10 * time.Second,
		BridgeIdleTimeout:        60 * time.Second,
		MaxConnections:           10000,
	}
}

// Server is the single listener; it holds no per-session state beyond
// the accept loop's connection counter.
type Server struct {
	pool    *pool.Pool
	metrics *metrics.Collector
	cfg     atomic.Value // Config

	listener  net.Listener
	activeSem chan struct{}

	wg sync.WaitGroup
}

func New(p *pool.Pool, cfg Config) *Server {
	s := &Server{pool: p}
	s.cfg.Store(cfg)
	s.activeSem = make(chan struct{}, cfg.MaxConnections)
	return s
}

// SetMetrics attaches the collector bridge session/byte counts are
// published to. Optional: a server without one simply skips emission.
func (s *Server) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// UpdateConfig hot-swaps the scalar tunables (max_tries, the handshake
// and bridge-idle timeouts); a changed MaxConnections has no effect,
// since activeSem's capacity is fixed once in New.
func (s *Server) UpdateConfig(cfg Config) {
	s.cfg.Store(cfg)
}

func (s *Server) config() Config {
	return s.cfg.Load().(Config)
}

// Serve binds addr and runs the accept loop until ctx is canceled. It
// then closes the listener and waits, with no time limit of its own, for
// all in-flight sessions to end. Sessions do not watch ctx: a bridged
// session ends only on EOF, an I/O error or its bridge-idle timeout.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind listener: %w", err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.WithFields(log.Fields{"addr": addr}).Info("proxy server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				log.WithFields(log.Fields{"kind": "protocol", "cause": err}).Warn("accept failed")
				continue
			}
		}

		select {
		case s.activeSem <- struct{}{}:
		default:
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.activeSem }()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	start := time.Now()
	defer conn.Close()

	cfg := s.config()
	_ = conn.SetReadDeadline(time.Now().Add(cfg.ClientHandshakeTimeout))

	reader := bufio.NewReader(conn)
	first, err := reader.Peek(1)
	if err != nil {
		return
	}

	switch DetectFamily(first[0]) {
	case FamilySocks4:
		s.handleSocks4(ctx, conn, reader, cfg, start)
	case FamilySocks5:
		s.handleSocks5(ctx, conn, reader, cfg, start)
	case FamilyHTTP:
		s.handleHTTP(ctx, conn, reader, cfg, start)
	default:
		log.WithFields(log.Fields{"kind": "protocol", "cause": "unrecognized client protocol byte"}).Debug("rejecting connection")
	}
}

// dialUpstream opens a fresh TCP connection to the selected pool
// record's address.
func dialUpstream(ctx context.Context, key proxytype.Key, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(key.Host, strconv.Itoa(key.Port)))
}

func negotiatorKindFor(p proxytype.Protocol) negotiator.Kind {
	switch p {
	case proxytype.HTTP:
		return negotiator.KindHTTP
	case proxytype.HTTPS:
		return negotiator.KindHTTPSConnect
	case proxytype.SOCKS4:
		return negotiator.KindSocks4
	case proxytype.SOCKS5:
		return negotiator.KindSocks5
	case proxytype.Connect25:
		return negotiator.KindConnect25
	case proxytype.Connect80:
		return negotiator.KindConnect80
	default:
		return negotiator.KindHTTP
	}
}

// selectAndConnect runs the §4.5 selection & retry loop: up to
// cfg.MaxTries, select from the pool, dial, negotiate; failures are
// recorded and retried silently.
func (s *Server) selectAndConnect(ctx context.Context, required proxytype.Protocol, targetHost string, targetPort int, cfg Config) (net.Conn, error) {
	kind := negotiatorKindFor(required)

	for attempt := 0; attempt < cfg.MaxTries; attempt++ {
		handle, ok := s.pool.Select(proxytype.Requirements{Protocol: required})
		if !ok {
			return nil, errNoEligibleProxy
		}

		upConn, err := dialUpstream(ctx, handle.Key(), cfg.UpstreamHandshakeTimeout)
		if err != nil {
			s.pool.Release(handle, pool.Failure, 0, err.Error())
			continue
		}

		attemptStart := time.Now()
		if err := negotiator.Negotiate(upConn, kind, targetHost, targetPort, nil, cfg.UpstreamHandshakeTimeout); err != nil {
			upConn.Close()
			s.pool.Release(handle, pool.Failure, 0, err.Error())
			log.WithFields(log.Fields{"kind": "transient_network", "host": handle.Key().Host, "cause": err}).Debug("upstream handshake failed, retrying")
			continue
		}

		s.pool.Release(handle, pool.Success, time.Since(attemptStart).Milliseconds(), "")
		return upConn, nil
	}

	return nil, errNoEligibleProxy
}

var errNoEligibleProxy = errors.New("server: no eligible upstream proxy")

func (s *Server) handleSocks5(ctx context.Context, conn net.Conn, reader *bufio.Reader, cfg Config, start time.Time) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(reader, methods); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil { // no-auth only
		return
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(reader, req); err != nil {
		return
	}
	if req[1] != 0x01 { // only CONNECT is supported
		writeSocks5Reply(conn, 0x07)
		return
	}
	targetHost, err := readSocksAddress(reader, req[3])
	if err != nil {
		writeSocks5Reply(conn, 0x08)
		return
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(reader, portBuf); err != nil {
		return
	}
	targetPort := int(binary.BigEndian.Uint16(portBuf))

	required := proxytype.SOCKS5
	upConn, err := s.selectAndConnect(ctx, required, targetHost, targetPort, cfg)
	if err != nil {
		writeSocks5Reply(conn, 0x03) // unreachable: no eligible upstream
		return
	}

	if err := writeSocks5Reply(conn, 0x00); err != nil {
		upConn.Close()
		return
	}
	s.bridge(conn, upConn, cfg.BridgeIdleTimeout, start)
}

func (s *Server) handleSocks4(ctx context.Context, conn net.Conn, reader *bufio.Reader, cfg Config, start time.Time) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(reader, header); err != nil {
		return
	}
	if header[1] != 0x01 { // only CONNECT is supported
		writeSocks4Reply(conn, 0x5B, header[2:4], header[4:8])
		return
	}
	dstPort := append([]byte{}, header[2:4]...)
	dstIP := append([]byte{}, header[4:8]...)

	if _, err := reader.ReadString('\x00'); err != nil {
		writeSocks4Reply(conn, 0x5B, dstPort, dstIP)
		return
	}

	targetHost := net.IP(dstIP).String()
	if dstIP[0] == 0 && dstIP[1] == 0 && dstIP[2] == 0 && dstIP[3] != 0 {
		domain, err := reader.ReadString('\x00')
		if err != nil {
			writeSocks4Reply(conn, 0x5B, dstPort, dstIP)
			return
		}
		targetHost = strings.TrimSuffix(domain, "\x00")
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", targetHost)
		if err != nil || len(ips) == 0 {
			writeSocks4Reply(conn, 0x5B, dstPort, dstIP)
			return
		}
		targetHost = ips[0].String()
	}
	targetPort := int(binary.BigEndian.Uint16(dstPort))

	upConn, err := s.selectAndConnect(ctx, proxytype.SOCKS4, targetHost, targetPort, cfg)
	if err != nil {
		writeSocks4Reply(conn, 0x5B, dstPort, dstIP)
		return
	}

	if err := writeSocks4Reply(conn, 0x5A, dstPort, dstIP); err != nil {
		upConn.Close()
		return
	}
	s.bridge(conn, upConn, cfg.BridgeIdleTimeout, start)
}

func (s *Server) handleHTTP(ctx context.Context, conn net.Conn, reader *bufio.Reader, cfg Config, start time.Time) {
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}

	if strings.EqualFold(req.Method, http.MethodConnect) {
		s.handleConnectMethod(ctx, conn, req, cfg, start)
		return
	}
	s.handlePlainHTTP(ctx, conn, req, cfg, start)
}

func (s *Server) handleConnectMethod(ctx context.Context, conn net.Conn, req *http.Request, cfg Config, start time.Time) {
	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, portStr = req.Host, "443"
	}
	port, _ := strconv.Atoi(portStr)

	required := requiredProtocolForConnect(port)
	upConn, err := s.selectAndConnect(ctx, required, host, port, cfg)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		upConn.Close()
		return
	}
	s.bridge(conn, upConn, cfg.BridgeIdleTimeout, start)
}

// handlePlainHTTP proxies one non-CONNECT HTTP request. Per design note
// §9 (open question on pipelining), no upstream is reused across
// requests: the client connection is closed after this one response, so
// every request arrives on a new connection and gets its own selection.
func (s *Server) handlePlainHTTP(ctx context.Context, conn net.Conn, req *http.Request, cfg Config, start time.Time) {
	host := req.Host
	if h := req.URL.Host; h != "" {
		host = h
	}
	hostOnly, portStr, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly, portStr = host, "80"
	}
	port, _ := strconv.Atoi(portStr)

	upConn, err := s.selectAndConnect(ctx, proxytype.HTTP, hostOnly, port, cfg)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway)
		return
	}
	defer upConn.Close()

	if !req.URL.IsAbs() {
		req.URL = &url.URL{Scheme: "http", Host: req.Host, Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	}
	if err := req.Write(upConn); err != nil {
		return
	}

	upReader := bufio.NewReader(upConn)
	resp, err := http.ReadResponse(upReader, req)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	resp.Write(conn)

	elapsed := time.Since(start).Milliseconds()
	log.WithFields(log.Fields{"elapsed_ms": elapsed}).Debug("http request proxied")
}

func writeHTTPError(conn net.Conn, status int) {
	body := http.StatusText(status)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

// bridge runs the two independent byte pumps (§4.5 step 5). Either pump
// ending — EOF, read/write error — closes both sides.
func (s *Server) bridge(client, upstream net.Conn, idleTimeout time.Duration, sessionStart time.Time) {
	defer client.Close()
	defer upstream.Close()

	if s.metrics != nil {
		s.metrics.IncBridgeSessions()
		defer s.metrics.DecBridgeSessions()
	}

	errCh := make(chan error, 2)
	pump := func(dst, src net.Conn, direction string) {
		buf := make([]byte, 32*1024)
		for {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
			n, err := src.Read(buf)
			if n > 0 {
				if s.metrics != nil {
					s.metrics.RecordBridgeBytes(direction, int64(n))
				}
				if _, werr := dst.Write(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}

	go pump(upstream, client, "upstream")
	go pump(client, upstream, "downstream")
	<-errCh

	elapsed := time.Since(sessionStart).Milliseconds()
	log.WithFields(log.Fields{"elapsed_ms": elapsed}).Debug("bridge session ended")
}

func readSocksAddress(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case 0x01:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case 0x03:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return "", err
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return string(buf), nil
	case 0x04:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	default:
		return "", fmt.Errorf("unsupported address type 0x%02x", atyp)
	}
}

func writeSocks5Reply(conn net.Conn, rep byte) error {
	resp := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(resp)
	return err
}

func writeSocks4Reply(conn net.Conn, status byte, port, ip []byte) error {
	resp := []byte{0x00, status}
	resp = append(resp, port...)
	resp = append(resp, ip...)
	_, err := conn.Write(resp)
	return err
}
