package checker

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestFastConnectFilter_KeepsOnlyReachableAddresses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addrs := []string{ln.Addr().String(), "127.0.0.1:1"}
	got := FastConnectFilter(context.Background(), addrs, 500, 4)

	if len(got) != 1 || got[0] != ln.Addr().String() {
		t.Fatalf("FastConnectFilter() = %v, want only %v", got, ln.Addr().String())
	}
}

func TestFastConnectFilter_EmptyInput(t *testing.T) {
	if got := FastConnectFilter(context.Background(), nil, 500, 4); len(got) != 0 {
		t.Fatalf("expected empty result for empty input, got %v", got)
	}
}

func TestTestTCPConnection_TimesOutOnUnreachable(t *testing.T) {
	if testTCPConnection("192.0.2.1:9", 200*time.Millisecond) {
		t.Fatal("expected an unreachable TEST-NET-1 address to fail to connect")
	}
}
