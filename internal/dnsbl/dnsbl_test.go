package dnsbl

import (
	"context"
	"testing"
)

func TestReverseOctets(t *testing.T) {
	got, err := reverseOctets("198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	if got != "7.100.51.198" {
		t.Fatalf("reverseOctets() = %q, want %q", got, "7.100.51.198")
	}
}

func TestReverseOctets_RejectsNonIPv4(t *testing.T) {
	if _, err := reverseOctets("not-an-ip"); err == nil {
		t.Fatal("expected an error for a non-IPv4 input")
	}
}

func TestIsMalicious_NoZonesNeverBlocks(t *testing.T) {
	c := New(nil, 1)
	if c.IsMalicious(context.Background(), "198.51.100.7") {
		t.Fatal("expected no zones configured to never flag a candidate")
	}
}

func TestNew_ThresholdFloorsAtOne(t *testing.T) {
	c := New([]string{"zone.example"}, 0)
	if c.threshold != 1 {
		t.Fatalf("expected threshold to floor at 1, got %d", c.threshold)
	}
}
