package geoip

import "testing"

func TestOpen_EmptyPathAlwaysReturnsPlaceholder(t *testing.T) {
	l := Open("")
	if got := l.Country("8.8.8.8"); got != "--" {
		t.Fatalf("expected \"--\" with no database configured, got %q", got)
	}
}

func TestCountry_InvalidIPReturnsPlaceholder(t *testing.T) {
	l := Open("")
	if got := l.Country("not-an-ip"); got != "--" {
		t.Fatalf("expected \"--\" for invalid IP, got %q", got)
	}
}
