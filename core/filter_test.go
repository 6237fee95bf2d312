package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sshEvent(user, srcIP string) *Event {
	return &Event{
		RawID:     "raw-1",
		Source:    "auth",
		Host:      "web-1",
		EventType: "ssh_login_failed",
		Message:   "Failed password for " + user + " from " + srcIP,
		Fields: map[string]interface{}{
			"user":   user,
			"src_ip": srcIP,
		},
	}
}

func TestCompileFilter_Equality(t *testing.T) {
	f, err := CompileFilter(`event_type = "ssh_login_failed"`)
	require.NoError(t, err)

	assert.True(t, f.Match(sshEvent("root", "10.0.0.5")))

	other := sshEvent("root", "10.0.0.5")
	other.EventType = "web_access"
	assert.False(t, f.Match(other))
}

func TestCompileFilter_Inequality(t *testing.T) {
	f, err := CompileFilter(`source != "syslog"`)
	require.NoError(t, err)

	assert.True(t, f.Match(sshEvent("root", "10.0.0.5")))

	ev := sshEvent("root", "10.0.0.5")
	ev.Source = "syslog"
	assert.False(t, f.Match(ev))
}

func TestCompileFilter_Membership(t *testing.T) {
	f, err := CompileFilter(`fields.user in ("root", "admin")`)
	require.NoError(t, err)

	assert.True(t, f.Match(sshEvent("root", "10.0.0.5")))
	assert.True(t, f.Match(sshEvent("admin", "10.0.0.5")))
	assert.False(t, f.Match(sshEvent("alice", "10.0.0.5")))
}

func TestCompileFilter_NotIn(t *testing.T) {
	f, err := CompileFilter(`fields.user not in ("root", "admin")`)
	require.NoError(t, err)

	assert.False(t, f.Match(sshEvent("root", "10.0.0.5")))
	assert.True(t, f.Match(sshEvent("alice", "10.0.0.5")))
}

func TestCompileFilter_AndBindsTighterThanOr(t *testing.T) {
	// Parses as: a or (b and c), not (a or b) and c.
	f, err := CompileFilter(`event_type = "web_access" or event_type = "ssh_login_failed" and fields.user = "root"`)
	require.NoError(t, err)

	assert.True(t, f.Match(sshEvent("root", "10.0.0.5")))
	assert.False(t, f.Match(sshEvent("alice", "10.0.0.5")))

	web := sshEvent("alice", "10.0.0.5")
	web.EventType = "web_access"
	assert.True(t, f.Match(web))
}

func TestCompileFilter_Parentheses(t *testing.T) {
	f, err := CompileFilter(`(source = "auth" or source = "syslog") and fields.src_ip = "10.0.0.5"`)
	require.NoError(t, err)

	assert.True(t, f.Match(sshEvent("root", "10.0.0.5")))
	assert.False(t, f.Match(sshEvent("root", "192.168.1.1")))

	ev := sshEvent("root", "10.0.0.5")
	ev.Source = "firewall"
	assert.False(t, f.Match(ev))
}

func TestCompileFilter_NumericComparison(t *testing.T) {
	f, err := CompileFilter(`fields.status = 404`)
	require.NoError(t, err)

	ev := sshEvent("root", "10.0.0.5")
	ev.Fields["status"] = float64(404)
	assert.True(t, f.Match(ev))

	// Parsed payloads frequently carry numbers as strings.
	ev.Fields["status"] = "404"
	assert.True(t, f.Match(ev))

	ev.Fields["status"] = 200
	assert.False(t, f.Match(ev))
}

func TestCompileFilter_AbsentFieldNeverMatches(t *testing.T) {
	eq, err := CompileFilter(`fields.missing = "x"`)
	require.NoError(t, err)
	assert.False(t, eq.Match(sshEvent("root", "10.0.0.5")))

	// != on an absent field is also false: absence is not a value.
	ne, err := CompileFilter(`fields.missing != "x"`)
	require.NoError(t, err)
	assert.False(t, ne.Match(sshEvent("root", "10.0.0.5")))
}

func TestCompileFilter_Errors(t *testing.T) {
	cases := []string{
		``,
		`event_type =`,
		`event_type "ssh_login_failed"`,
		`fields.user in "root"`,
		`(source = "auth"`,
		`event_type = "x" and`,
		`fields.user not ("root")`,
		`event_type ! "x"`,
	}
	for _, expr := range cases {
		_, err := CompileFilter(expr)
		assert.Error(t, err, "expression %q should not compile", expr)
	}
}

func TestCompileFilter_KeywordsCaseInsensitive(t *testing.T) {
	f, err := CompileFilter(`event_type = "ssh_login_failed" AND fields.user IN ("root")`)
	require.NoError(t, err)
	assert.True(t, f.Match(sshEvent("root", "10.0.0.5")))
}
