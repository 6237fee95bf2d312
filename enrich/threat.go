package enrich

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TagMaliciousIP marks an event whose address fields hit the threat feed.
const TagMaliciousIP = "malicious_ip"

// ThreatIntel is an in-memory indicator set loaded from a feed file, one IP
// per line with '#' comments. The set is swapped atomically on reload so
// lookups never observe a half-loaded feed.
type ThreatIntel struct {
	mu     sync.RWMutex
	ips    map[string]struct{}
	path   string
	logger *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewThreatIntel loads the feed file at path. An empty path yields an empty
// set, which tags nothing.
func NewThreatIntel(path string, logger *zap.SugaredLogger) (*ThreatIntel, error) {
	ti := &ThreatIntel{
		ips:    map[string]struct{}{},
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if path != "" {
		if err := ti.Reload(); err != nil {
			return nil, err
		}
	}
	return ti, nil
}

// NewThreatIntelFromSet builds a set directly, for tests and embedded feeds.
func NewThreatIntelFromSet(ips []string, logger *zap.SugaredLogger) *ThreatIntel {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	return &ThreatIntel{ips: set, logger: logger, stopCh: make(chan struct{})}
}

// Reload re-reads the feed file and swaps the indicator set.
func (t *ThreatIntel) Reload() error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("failed to open threat feed %s: %w", t.path, err)
	}
	defer f.Close()

	set := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if net.ParseIP(line) == nil {
			skipped++
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read threat feed %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.ips = set
	t.mu.Unlock()

	t.logger.Infow("Threat feed loaded", "path", t.path, "indicators", len(set), "skipped", skipped)
	return nil
}

// StartReloader periodically reloads the feed until Stop is called. Reload
// failures keep the previous set.
func (t *ThreatIntel) StartReloader(interval time.Duration) {
	if t.path == "" || interval <= 0 {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				if err := t.Reload(); err != nil {
					t.logger.Warnw("Threat feed reload failed, keeping previous set", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the reloader goroutine.
func (t *ThreatIntel) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// Contains reports whether the IP is a known indicator.
func (t *ThreatIntel) Contains(ip string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ips[ip]
	return ok
}

// Size returns the indicator count.
func (t *ThreatIntel) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ips)
}
