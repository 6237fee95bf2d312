package enrich

import (
	"fmt"
	"net"

	"argus/core"
	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// geoRecord is the subset of the MaxMind city schema we decode.
type geoRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// GeoIPResolver answers geolocation queries from an offline MaxMind database.
// Private, loopback and link-local addresses never hit the database; they get
// a fixed stub record instead.
type GeoIPResolver struct {
	reader *maxminddb.Reader
	logger *zap.SugaredLogger
}

// NewGeoIPResolver opens the database at path. A missing database is an
// error; callers running in graceful startup mode construct a disabled
// resolver with NewDisabledGeoIPResolver instead.
func NewGeoIPResolver(path string, logger *zap.SugaredLogger) (*GeoIPResolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	logger.Infow("GeoIP database loaded", "path", path, "build_epoch", reader.Metadata.BuildEpoch)
	return &GeoIPResolver{reader: reader, logger: logger}, nil
}

// NewDisabledGeoIPResolver returns a resolver whose lookups always miss.
func NewDisabledGeoIPResolver(logger *zap.SugaredLogger) *GeoIPResolver {
	return &GeoIPResolver{logger: logger}
}

// Lookup resolves one IP. A nil result with nil error means the address is
// simply not in the database; only infrastructure problems return an error.
func (g *GeoIPResolver) Lookup(ipStr string) (*core.GeoIPInfo, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %q", ipStr)
	}

	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return &core.GeoIPInfo{
			Country:     "Private/Local",
			CountryCode: "XX",
			City:        "Private/Local",
			IsPrivate:   true,
		}, nil
	}

	if g.reader == nil {
		return nil, nil
	}

	var rec geoRecord
	if err := g.reader.Lookup(ip, &rec); err != nil {
		return nil, fmt.Errorf("geoip lookup for %s: %w", ipStr, err)
	}
	if rec.Country.ISOCode == "" && rec.City.Names == nil {
		return nil, nil
	}

	return &core.GeoIPInfo{
		Country:     rec.Country.Names["en"],
		CountryCode: rec.Country.ISOCode,
		City:        rec.City.Names["en"],
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
	}, nil
}

// Close releases the database reader.
func (g *GeoIPResolver) Close() error {
	if g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
