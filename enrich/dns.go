package enrich

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// DNSResolver performs time-boxed reverse lookups with an expiring in-process
// cache. Misses are cached too: an address with no PTR record should not be
// re-resolved for every event it appears in.
type DNSResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
	cache    *expirable.LRU[string, string]
	logger   *zap.SugaredLogger
}

// NewDNSResolver builds a resolver with the given per-lookup timeout.
func NewDNSResolver(timeout time.Duration, cacheSize int, cacheTTL time.Duration, logger *zap.SugaredLogger) *DNSResolver {
	return &DNSResolver{
		resolver: net.DefaultResolver,
		timeout:  timeout,
		cache:    expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
		logger:   logger,
	}
}

// Reverse resolves the PTR name for an IP. An empty result means no name,
// which is a normal outcome and carries no error.
func (d *DNSResolver) Reverse(ctx context.Context, ip string) string {
	if name, ok := d.cache.Get(ip); ok {
		return name
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	names, err := d.resolver.LookupAddr(lookupCtx, ip)
	if err != nil || len(names) == 0 {
		d.cache.Add(ip, "")
		return ""
	}

	name := strings.TrimSuffix(names[0], ".")
	d.cache.Add(ip, name)
	return name
}
