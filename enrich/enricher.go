package enrich

import (
	"context"
	"net"
	"sort"
	"time"

	"argus/core"
	"argus/metrics"
	"go.uber.org/zap"
)

// maxEnrichedIPs caps how many address fields of one event get lookups, so a
// hostile payload stuffed with IPs cannot fan out unbounded work.
const maxEnrichedIPs = 8

// GeoLookup resolves an IP to geolocation data.
type GeoLookup interface {
	Lookup(ip string) (*core.GeoIPInfo, error)
}

// ReverseLookup resolves an IP to its PTR name, empty when there is none.
type ReverseLookup interface {
	Reverse(ctx context.Context, ip string) string
}

// IndicatorSet answers threat-intel membership queries.
type IndicatorSet interface {
	Contains(ip string) bool
}

// Enricher attaches geolocation, reverse-DNS and threat-intel context to
// canonical events. Enrichment is strictly additive: a failed or timed-out
// lookup leaves its annotation absent and never fails the event.
type Enricher struct {
	geo     GeoLookup
	dns     ReverseLookup
	threat  IndicatorSet
	cache   *core.RedisCache
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewEnricher wires an enricher. Any of geo, dns, threat or cache may be nil
// to disable that dimension.
func NewEnricher(geo GeoLookup, dns ReverseLookup, threat IndicatorSet, cache *core.RedisCache, timeout time.Duration, logger *zap.SugaredLogger) *Enricher {
	return &Enricher{
		geo:     geo,
		dns:     dns,
		threat:  threat,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
	}
}

// ipLookupResult carries the enrichment of one address field.
type ipLookupResult struct {
	field     string
	geo       *core.GeoIPInfo
	hostname  string
	malicious bool
}

// Enrich wraps an event with its enrichment. Lookups for distinct address
// fields run concurrently under a shared deadline.
func (e *Enricher) Enrich(ctx context.Context, ev *core.Event) *core.EnrichedEvent {
	enriched := core.NewEnrichedEvent(*ev)
	enriched.Metadata = ev.Fields

	targets := e.collectIPs(ev)
	if len(targets) == 0 {
		return enriched
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	results := make(chan ipLookupResult, len(targets))
	for field, ip := range targets {
		go func(field, ip string) {
			results <- e.enrichIP(lookupCtx, field, ip)
		}(field, ip)
	}

	for range targets {
		select {
		case res := <-results:
			e.apply(enriched, res)
		case <-lookupCtx.Done():
			// Late results are dropped; absence of an annotation is the
			// documented timeout outcome.
			e.logger.Debugw("Enrichment deadline hit, remaining lookups dropped",
				"event_id", enriched.EventID)
			return enriched
		}
	}
	return enriched
}

func (e *Enricher) apply(enriched *core.EnrichedEvent, res ipLookupResult) {
	if res.geo != nil {
		if enriched.Enrichment.GeoIP == nil {
			enriched.Enrichment.GeoIP = map[string]*core.GeoIPInfo{}
		}
		enriched.Enrichment.GeoIP[res.field] = res.geo
	}
	if res.hostname != "" {
		if enriched.Enrichment.Hostnames == nil {
			enriched.Enrichment.Hostnames = map[string]string{}
		}
		enriched.Enrichment.Hostnames[res.field] = res.hostname
	}
	if res.malicious && !enriched.HasThreatTag(TagMaliciousIP) {
		enriched.Enrichment.ThreatTags = append(enriched.Enrichment.ThreatTags, TagMaliciousIP)
	}
}

// enrichIP runs the three lookup dimensions for one address.
func (e *Enricher) enrichIP(ctx context.Context, field, ip string) ipLookupResult {
	res := ipLookupResult{field: field}

	if e.geo != nil {
		if cached, ok := e.cachedGeo(ctx, ip); ok {
			res.geo = cached
			metrics.EnrichmentLookups.WithLabelValues("geoip", "cache_hit").Inc()
		} else {
			info, err := e.geo.Lookup(ip)
			switch {
			case err != nil:
				metrics.EnrichmentLookups.WithLabelValues("geoip", "error").Inc()
				e.logger.Warnw("GeoIP lookup failed", "ip", ip, "error", err)
			case info != nil:
				metrics.EnrichmentLookups.WithLabelValues("geoip", "hit").Inc()
				res.geo = info
				e.storeGeo(ctx, ip, info)
			default:
				metrics.EnrichmentLookups.WithLabelValues("geoip", "miss").Inc()
			}
		}
	}

	if e.dns != nil {
		res.hostname = e.dns.Reverse(ctx, ip)
		if res.hostname != "" {
			metrics.EnrichmentLookups.WithLabelValues("dns", "hit").Inc()
		} else {
			metrics.EnrichmentLookups.WithLabelValues("dns", "miss").Inc()
		}
	}

	if e.threat != nil {
		res.malicious = e.threat.Contains(ip)
		if res.malicious {
			metrics.EnrichmentLookups.WithLabelValues("threat", "hit").Inc()
		} else {
			metrics.EnrichmentLookups.WithLabelValues("threat", "miss").Inc()
		}
	}

	return res
}

func (e *Enricher) cachedGeo(ctx context.Context, ip string) (*core.GeoIPInfo, bool) {
	if e.cache == nil {
		return nil, false
	}
	var info core.GeoIPInfo
	found, err := e.cache.Get(ctx, core.GetGeoCacheKey(ip), &info)
	if err != nil || !found {
		return nil, false
	}
	return &info, true
}

func (e *Enricher) storeGeo(ctx context.Context, ip string, info *core.GeoIPInfo) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, core.GetGeoCacheKey(ip), info, 24*time.Hour); err != nil {
		e.logger.Debugw("GeoIP cache write failed", "ip", ip, "error", err)
	}
}

// collectIPs maps field names to the valid IPs they carry. Every field whose
// string value parses as an address literal is a target, capped at
// maxEnrichedIPs in field-name order so the selection is deterministic.
func (e *Enricher) collectIPs(ev *core.Event) map[string]string {
	names := make([]string, 0, len(ev.Fields))
	for name := range ev.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := map[string]string{}
	for _, field := range names {
		ip, ok := ev.Fields[field].(string)
		if !ok || net.ParseIP(ip) == nil {
			continue
		}
		targets[field] = ip
		if len(targets) >= maxEnrichedIPs {
			break
		}
	}
	return targets
}
