package aggregator

import (
	"strings"
	"testing"
)

func TestParseProxies_ExtractsAddressesAndProtocols(t *testing.T) {
	input := "192.0.2.1:8080\nsocks5://192.0.2.2:1080\n# comment\nsocks4://192.0.2.3:1081\n\n"
	proxies, err := parseProxies(strings.NewReader(input), "http")
	if err != nil {
		t.Fatal(err)
	}
	if len(proxies) != 3 {
		t.Fatalf("got %d proxies, want 3", len(proxies))
	}
	if proxies[0].Protocol != "http" || proxies[0].Address != "192.0.2.1:8080" {
		t.Errorf("proxies[0] = %+v", proxies[0])
	}
	if proxies[1].Protocol != "socks5" {
		t.Errorf("proxies[1].Protocol = %q, want socks5", proxies[1].Protocol)
	}
	if proxies[2].Protocol != "socks4" {
		t.Errorf("proxies[2].Protocol = %q, want socks4", proxies[2].Protocol)
	}
}

func TestDeduplicateProxies_DropsExactDuplicates(t *testing.T) {
	in := []ProxyWithProtocol{
		{Address: "192.0.2.1:8080", Protocol: "http"},
		{Address: "192.0.2.1:8080", Protocol: "http"},
		{Address: "192.0.2.1:8080", Protocol: "socks5"},
	}
	out := deduplicateProxies(in)
	if len(out) != 2 {
		t.Fatalf("deduplicateProxies() len = %d, want 2", len(out))
	}
}
