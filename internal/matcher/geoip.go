package matcher

import (
	"fmt"
	_ "embed"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// defaultMMDB is the embedded MaxMind-format country database used by
// GeoIp.CreateDefault. The committed file is a minimal, empty-tree
// MaxMind DB (valid metadata, zero nodes) so CreateDefault always
// opens successfully and Contains always reports no match; operators
// building dcompass for production replace it with a real
// GeoLite2-Country.mmdb at this path at build time, or call FromPath
// with their own database. CreateDefault keeps the same embed-then-open
// pattern other pack members (AdguardTeam-AdGuardDNS) use for their
// bundled databases.
//
//go:embed geolite2country.mmdb
var defaultMMDB []byte

// GeoIp wraps an opened MaxMind database handle (§3, §4.2). Reads are
// safe for concurrent use; the handle is never mutated after Open.
type GeoIp struct {
	reader *geoip2.Reader
}

// FromPath opens a MaxMind .mmdb file from disk.
func FromPath(path string) (*GeoIp, error) {
	// #nosec G304 -- path comes from trusted configuration/script source.
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("matcher: open geoip database %s: %w", path, err)
	}
	return &GeoIp{reader: r}, nil
}

// CreateDefault opens the database embedded in the binary.
func CreateDefault() (*GeoIp, error) {
	r, err := geoip2.FromBytes(defaultMMDB)
	if err != nil {
		return nil, fmt.Errorf("matcher: open embedded geoip database: %w", err)
	}
	return &GeoIp{reader: r}, nil
}

// Contains reports whether the database resolves ip to country code cc
// (case-insensitive, 2-letter ISO code) per §4.2.
func (g *GeoIp) Contains(ip, cc string) bool {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	rec, err := g.reader.Country(addr)
	if err != nil {
		return false
	}
	return strings.EqualFold(rec.Country.IsoCode, strings.TrimSpace(cc))
}

// Close releases the underlying mmap'd database file.
func (g *GeoIp) Close() error {
	return g.reader.Close()
}
