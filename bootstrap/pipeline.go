package bootstrap

import (
	"fmt"

	"argus/config"
	"argus/core"
	"argus/enrich"
	"argus/normalize"
	"go.uber.org/zap"
)

// InitNormalizer builds the pattern library and normalizer. A custom pattern
// file extends the builtins; a broken pattern file is fatal even in graceful
// mode because it means silent misclassification, not degraded service.
func InitNormalizer(cfg *config.Config, sugar *zap.SugaredLogger) (*normalize.Normalizer, error) {
	var (
		patterns *normalize.PatternLibrary
		err      error
	)
	if cfg.Normalizer.PatternFile != "" {
		patterns, err = normalize.NewPatternLibraryFromFile(cfg.Normalizer.PatternFile, cfg.RegexTimeout(), sugar)
	} else {
		patterns, err = normalize.NewPatternLibrary(cfg.RegexTimeout(), sugar)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern library: %w", err)
	}
	sugar.Infow("Pattern library loaded", "patterns", patterns.Len())
	return normalize.NewNormalizer(patterns, cfg.Normalizer.MaxPayloadBytes, sugar), nil
}

// InitEnricher wires the enrichment dimensions. Each dimension degrades
// independently: a missing GeoIP database or threat feed disables that
// dimension in graceful mode instead of stopping startup.
func InitEnricher(cfg *config.Config, cache *core.RedisCache, sugar *zap.SugaredLogger) (*enrich.Enricher, *enrich.ThreatIntel, error) {
	var geo enrich.GeoLookup
	if cfg.Enricher.GeoIP.Enabled {
		resolver, err := enrich.NewGeoIPResolver(cfg.Enricher.GeoIP.DBPath, sugar)
		if err != nil {
			if !cfg.IsGracefulMode() {
				return nil, nil, fmt.Errorf("failed to open GeoIP database: %w", err)
			}
			sugar.Warnw("GeoIP database unavailable, geolocation disabled", "error", err)
			resolver = enrich.NewDisabledGeoIPResolver(sugar)
		}
		geo = resolver
	}

	var dns enrich.ReverseLookup
	if cfg.Enricher.DNS.Enabled {
		dns = enrich.NewDNSResolver(
			cfg.Enricher.DNS.Timeout, cfg.Enricher.DNS.CacheSize, cfg.Enricher.DNS.CacheTTL, sugar)
	}

	var threat *enrich.ThreatIntel
	var indicators enrich.IndicatorSet
	if cfg.Enricher.Threat.Enabled {
		t, err := enrich.NewThreatIntel(cfg.Enricher.Threat.FeedFile, sugar)
		if err != nil {
			if !cfg.IsGracefulMode() {
				return nil, nil, fmt.Errorf("failed to load threat feed: %w", err)
			}
			sugar.Warnw("Threat feed unavailable, threat tagging disabled", "error", err)
		} else {
			threat = t
			indicators = t
			if cfg.Enricher.Threat.ReloadInterval > 0 {
				t.StartReloader(cfg.Enricher.Threat.ReloadInterval)
			}
		}
	}

	enricher := enrich.NewEnricher(geo, dns, indicators, cache, cfg.Enricher.LookupTimeout, sugar)
	return enricher, threat, nil
}
