// Package geoip resolves ISO-3166 country codes for IP addresses using a
// MaxMind-format country database.
package geoip

import (
	"fmt"
	"net"
	"net/netip"

	geoip2 "github.com/oschwald/geoip2-golang"
)

// Resolver wraps a MaxMind country database reader.
type Resolver struct {
	reader *geoip2.Reader
}

// Open opens the MaxMind .mmdb file at path.
func Open(path string) (*Resolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: opening database %q: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

// Close releases the underlying database file.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// ISOCode returns the ISO-3166 alpha-2 country code for ip, or false if
// the address is unknown to the database (or the resolver is nil, which
// a caller may use to make GeoIP optional at startup).
func (r *Resolver) ISOCode(ip netip.Addr) (string, bool) {
	if r == nil || r.reader == nil {
		return "", false
	}

	record, err := r.reader.Country(net.IP(ip.AsSlice()))
	if err != nil || record == nil {
		return "", false
	}

	code := record.Country.IsoCode
	if code == "" {
		return "", false
	}
	return code, true
}
