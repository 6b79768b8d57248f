// Package geoip resolves a candidate's host to an ISO-3166 country code
// using a local MaxMind-format database. It is the external GeoIP
// collaborator named in the system's scope.
package geoip

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	log "github.com/sirupsen/logrus"
)

// Lookup is the external GeoIP interface: lookup(ip) -> Option<country_code>.
type Lookup interface {
	Country(ip string) string
}

// reader wraps a maxminddb-backed geoip2.Reader. A missing database
// file or a lookup miss both resolve to "--", never an error — country
// is cosmetic, not load-bearing for admission.
type reader struct {
	mu sync.RWMutex
	db *geoip2.Reader
}

// Open loads a GeoLite2-Country (or City) database from path. If the
// path is empty, the returned Lookup always reports "--" — GeoIP is an
// optional enrichment, not a hard dependency for running the gateway.
func Open(path string) Lookup {
	if path == "" {
		return &reader{}
	}
	db, err := geoip2.Open(path)
	if err != nil {
		log.WithFields(log.Fields{"kind": "configuration", "cause": err}).Warn("geoip database unavailable, country lookups will return \"--\"")
		return &reader{}
	}
	return &reader{db: db}
}

func (r *reader) Country(ipStr string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return "--"
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "--"
	}
	record, err := r.db.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "--"
	}
	return record.Country.IsoCode
}

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
