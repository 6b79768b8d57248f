package server

import "github.com/proxy-checker-api/internal/proxytype"

// ClientFamily is the detected client-side protocol family (§4.5 step 1).
type ClientFamily int

const (
	FamilyUnknown ClientFamily = iota
	FamilySocks4
	FamilySocks5
	FamilyHTTP
)

// DetectFamily inspects the first byte of a client connection per §4.5:
// 0x04 -> SOCKS4, 0x05 -> SOCKS5, printable ASCII -> HTTP (R3).
func DetectFamily(first byte) ClientFamily {
	switch {
	case first == 0x04:
		return FamilySocks4
	case first == 0x05:
		return FamilySocks5
	case first >= 0x20 && first < 0x7f:
		return FamilyHTTP
	default:
		return FamilyUnknown
	}
}

// requiredProtocolForConnect maps the target port of a client CONNECT onto
// the upstream protocol the pool must select for (§4.5 "Selection protocol
// requirement"); ports other than 443, 80 and 25 map to HTTPS.
func requiredProtocolForConnect(port int) proxytype.Protocol {
	switch port {
	case 443:
		return proxytype.HTTPS
	case 80:
		return proxytype.Connect80
	case 25:
		return proxytype.Connect25
	default:
		return proxytype.HTTPS
	}
}
