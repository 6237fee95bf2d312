package normalize

import (
	"os"
	"strings"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	lib, err := NewPatternLibrary(500*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, err)
	return NewNormalizer(lib, 1<<20, zap.NewNop().Sugar())
}

func rawEvent(payload string) core.RawEvent {
	return core.RawEvent{
		ID:         "raw-1",
		ReceivedAt: time.Date(2025, 7, 6, 12, 40, 0, 0, time.UTC),
		Source:     "syslog",
		Host:       "collector-1",
		Payload:    payload,
	}
}

func TestNormalize_SSHFailedPassword(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent("Jul  6 12:34:56 host sshd: Failed password for root from 10.0.0.5"))
	require.Nil(t, q)
	require.NotNil(t, ev)

	assert.Equal(t, "ssh_login_failed", ev.EventType)
	assert.Equal(t, "root", ev.Fields["user"])
	assert.Equal(t, "10.0.0.5", ev.Fields["src_ip"])
	assert.Equal(t, "host", ev.Host, "pattern host overrides transport host")
	assert.Equal(t, time.Date(2025, 7, 6, 12, 34, 56, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "raw-1", ev.RawID)
}

func TestNormalize_SSHWithPID(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent("Jul  6 12:34:56 web-1 sshd[4321]: Accepted password for alice from 192.168.1.10"))
	require.Nil(t, q)

	assert.Equal(t, "ssh_login_success", ev.EventType)
	assert.Equal(t, "alice", ev.Fields["user"])
	assert.Equal(t, "192.168.1.10", ev.Fields["src_ip"])
}

func TestNormalize_ApacheAccess(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent(`203.0.113.9 - - [06/Jul/2025:12:34:56 +0000] "GET /admin HTTP/1.1" 404 512`))
	require.Nil(t, q)

	assert.Equal(t, "web_access", ev.EventType)
	assert.Equal(t, "203.0.113.9", ev.Fields["src_ip"])
	assert.Equal(t, "GET", ev.Fields["method"])
	assert.Equal(t, "/admin", ev.Fields["url"])
	assert.Equal(t, "404", ev.Fields["status"])
	assert.Equal(t, time.Date(2025, 7, 6, 12, 34, 56, 0, time.UTC), ev.Timestamp)
}

func TestNormalize_GenericSyslog(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent("Jul  6 12:00:00 db-1 cron[99]: job finished"))
	require.Nil(t, q)

	assert.Equal(t, "syslog", ev.EventType)
	assert.Equal(t, "db-1", ev.Host)
}

func TestNormalize_JSONPayload(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent(`{"event_type":"login","timestamp":"2025-07-06T10:00:00Z","user":"bob","Source_IP":"10.1.2.3","status":200}`))
	require.Nil(t, q)

	assert.Equal(t, "login", ev.EventType)
	assert.Equal(t, time.Date(2025, 7, 6, 10, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, "bob", ev.Fields["user"])
	assert.Equal(t, "10.1.2.3", ev.Fields["src_ip"], "aliases fold for JSON keys too")
	assert.Equal(t, float64(200), ev.Fields["status"])
	assert.NotContains(t, ev.Fields, "event_type")
}

func TestNormalize_JSONWithoutEventType(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent(`{"user":"bob"}`))
	require.Nil(t, q)
	assert.Equal(t, "json_event", ev.EventType)
	// No timestamp in the payload: receipt time wins.
	assert.Equal(t, time.Date(2025, 7, 6, 12, 40, 0, 0, time.UTC), ev.Timestamp)
}

func TestNormalize_UnknownFallback(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent("completely unstructured noise"))
	require.Nil(t, q)

	assert.Equal(t, core.EventTypeUnknown, ev.EventType)
	assert.Equal(t, "completely unstructured noise", ev.Fields["raw"])
	assert.Equal(t, time.Date(2025, 7, 6, 12, 40, 0, 0, time.UTC), ev.Timestamp)
}

func TestNormalize_MalformedJSONFallsThrough(t *testing.T) {
	n := newTestNormalizer(t)

	// Starts like JSON but does not parse: treated as unstructured text.
	ev, q := n.Normalize(rawEvent(`{"broken": `))
	require.Nil(t, q)
	assert.Equal(t, core.EventTypeUnknown, ev.EventType)
}

func TestNormalize_OversizedPayloadQuarantined(t *testing.T) {
	lib, err := NewPatternLibrary(500*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, err)
	n := NewNormalizer(lib, 64, zap.NewNop().Sugar())

	ev, q := n.Normalize(rawEvent(strings.Repeat("x", 65)))
	assert.Nil(t, ev)
	require.NotNil(t, q)
	assert.Equal(t, core.QuarantineReasonOversized, q.Reason)
	assert.Equal(t, core.QuarantineStatusPending, q.Status)
}

func TestNormalize_InvalidUTF8Quarantined(t *testing.T) {
	n := newTestNormalizer(t)

	ev, q := n.Normalize(rawEvent("bad \xff\xfe bytes"))
	assert.Nil(t, ev)
	require.NotNil(t, q)
	assert.Equal(t, core.QuarantineReasonDecode, q.Reason)
}

func TestNormalize_Deterministic(t *testing.T) {
	n := newTestNormalizer(t)
	raw := rawEvent("Jul  6 12:34:56 host sshd: Failed password for root from 10.0.0.5")

	a, _ := n.Normalize(raw)
	b, _ := n.Normalize(raw)
	assert.Equal(t, a, b, "same raw event must normalize identically")
}

func TestParseTimestamp_Fallbacks(t *testing.T) {
	received := time.Date(2025, 7, 6, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		ParseTimestamp("2025-03-01T09:30:00Z", received))
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		ParseTimestamp("2025-03-01 09:30:00", received))
	assert.Equal(t, time.Date(2025, 7, 6, 12, 34, 56, 0, time.UTC),
		ParseTimestamp("Jul  6 12:34:56", received))
	assert.Equal(t, received, ParseTimestamp("not a timestamp", received))
	assert.Equal(t, received, ParseTimestamp("", received))
}

func TestParseTimestamp_SyslogYearRollover(t *testing.T) {
	// Logged Dec 31, received Jan 1: the inferred year must be last year.
	received := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	ts := ParseTimestamp("Dec 31 23:59:58", received)
	assert.Equal(t, time.Date(2025, 12, 31, 23, 59, 58, 0, time.UTC), ts)
}

func TestPatternLibraryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/patterns.yaml"
	content := `
- name: nginx_error
  pattern: '(?<timestamp>\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}) \[error\] (?<message>.*)'
  event_type: nginx_error
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lib, err := NewPatternLibraryFromFile(path, 500*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, len(builtinPatterns)+1, lib.Len())

	m, err := lib.Match("2025/07/06 12:00:00 [error] upstream timed out")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "nginx_error", m.EventType)
}

func TestPatternLibraryFromFile_BadPattern(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/patterns.yaml"
	require.NoError(t, os.WriteFile(path, []byte("- name: broken\n  pattern: '('\n  event_type: x\n"), 0o644))

	_, err := NewPatternLibraryFromFile(path, 500*time.Millisecond, zap.NewNop().Sugar())
	assert.Error(t, err)
}
