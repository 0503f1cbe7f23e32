package geo

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnresolvable is returned when an IP has no country mapping
var ErrUnresolvable = errors.New("ip address has no country")

// Resolver maps an IP address to an ISO country code
type Resolver interface {
	CountryOf(ip string) (string, error)
	Close() error
}

// GeoIPResolver resolves countries from a MaxMind GeoLite2/GeoIP2 database
type GeoIPResolver struct {
	reader *geoip2.Reader
}

// OpenGeoIP opens a country or city mmdb file
func OpenGeoIP(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &GeoIPResolver{reader: reader}, nil
}

// CountryOf implements Resolver
func (r *GeoIPResolver) CountryOf(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: invalid ip %q", ErrUnresolvable, ip)
	}
	record, err := r.reader.Country(parsed)
	if err != nil {
		return "", err
	}
	if record.Country.IsoCode == "" {
		return "", ErrUnresolvable
	}
	return record.Country.IsoCode, nil
}

// Close implements Resolver
func (r *GeoIPResolver) Close() error {
	return r.reader.Close()
}

// StaticResolver maps fixed IPs to countries; used when no database is configured
type StaticResolver map[string]string

// CountryOf implements Resolver
func (s StaticResolver) CountryOf(ip string) (string, error) {
	if c, ok := s[ip]; ok {
		return c, nil
	}
	return "", ErrUnresolvable
}

// Close implements Resolver
func (StaticResolver) Close() error { return nil }
