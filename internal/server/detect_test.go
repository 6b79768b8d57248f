package server

import "testing"

// R3: client-protocol detection.
func TestDetectFamily(t *testing.T) {
	cases := map[byte]ClientFamily{
		0x04: FamilySocks4,
		0x05: FamilySocks5,
		'G':  FamilyHTTP,
		'C':  FamilyHTTP,
		'P':  FamilyHTTP,
		0x00: FamilyUnknown,
	}
	for b, want := range cases {
		if got := DetectFamily(b); got != want {
			t.Fatalf("DetectFamily(0x%02x) = %v, want %v", b, got, want)
		}
	}
}
