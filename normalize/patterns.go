package normalize

import (
	"fmt"
	"os"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Pattern is one compiled extraction pattern. Named capture groups become
// event fields; a group named "timestamp" additionally feeds the timestamp
// parser and a group named "host" overrides the transport-level host.
type Pattern struct {
	Name      string
	EventType string
	re        *regexp2.Regexp
}

// PatternConfig is the YAML shape of a pattern definition.
type PatternConfig struct {
	Name      string `yaml:"name"`
	Pattern   string `yaml:"pattern"`
	EventType string `yaml:"event_type"`
}

// builtinPatterns cover the log formats the pipeline handles out of the box.
// Order matters: first match wins.
var builtinPatterns = []PatternConfig{
	{
		Name:      "ssh_failed",
		Pattern:   `(?<timestamp>\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(?<host>\S+)\s+sshd(?:\[\d+\])?:\s+Failed password for (?:invalid user )?(?<user>\S+) from (?<src_ip>\d+\.\d+\.\d+\.\d+)`,
		EventType: "ssh_login_failed",
	},
	{
		Name:      "ssh_success",
		Pattern:   `(?<timestamp>\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(?<host>\S+)\s+sshd(?:\[\d+\])?:\s+Accepted password for (?<user>\S+) from (?<src_ip>\d+\.\d+\.\d+\.\d+)`,
		EventType: "ssh_login_success",
	},
	{
		Name:      "apache_access",
		Pattern:   `(?<src_ip>\d+\.\d+\.\d+\.\d+)\s+-\s+-\s+\[(?<timestamp>[^\]]+)\]\s+"(?<method>\S+)\s+(?<url>\S+)\s+HTTP/[^"]+"\s+(?<status>\d+)\s+(?<size>\d+)`,
		EventType: "web_access",
	},
	{
		Name:      "syslog_generic",
		Pattern:   `(?<timestamp>\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(?<host>\S+)\s+(?<process>[^:\s]+):\s+(?<message>.*)`,
		EventType: "syslog",
	},
}

// PatternLibrary holds the ordered set of compiled patterns.
type PatternLibrary struct {
	patterns []*Pattern
	logger   *zap.SugaredLogger
}

// NewPatternLibrary compiles the builtin patterns. matchTimeout bounds each
// regex evaluation so a pathological payload cannot stall a worker.
func NewPatternLibrary(matchTimeout time.Duration, logger *zap.SugaredLogger) (*PatternLibrary, error) {
	lib := &PatternLibrary{logger: logger}
	if err := lib.add(builtinPatterns, matchTimeout); err != nil {
		return nil, err
	}
	return lib, nil
}

// NewPatternLibraryFromFile compiles patterns from a YAML file, appended
// after the builtins so site patterns extend rather than replace them.
func NewPatternLibraryFromFile(path string, matchTimeout time.Duration, logger *zap.SugaredLogger) (*PatternLibrary, error) {
	lib, err := NewPatternLibrary(matchTimeout, logger)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file %s: %w", path, err)
	}

	var configs []PatternConfig
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file %s: %w", path, err)
	}

	if err := lib.add(configs, matchTimeout); err != nil {
		return nil, err
	}
	logger.Infow("Loaded pattern file", "path", path, "patterns", len(configs))
	return lib, nil
}

func (l *PatternLibrary) add(configs []PatternConfig, matchTimeout time.Duration) error {
	for _, pc := range configs {
		if pc.Name == "" || pc.Pattern == "" || pc.EventType == "" {
			return fmt.Errorf("pattern %q: name, pattern and event_type are all required", pc.Name)
		}
		re, err := regexp2.Compile(pc.Pattern, regexp2.RE2)
		if err != nil {
			return fmt.Errorf("pattern %q does not compile: %w", pc.Name, err)
		}
		re.MatchTimeout = matchTimeout
		l.patterns = append(l.patterns, &Pattern{
			Name:      pc.Name,
			EventType: pc.EventType,
			re:        re,
		})
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Len returns the number of compiled patterns.
func (l *PatternLibrary) Len() int {
	return len(l.patterns)
}

// MatchResult carries the extraction of the first matching pattern.
type MatchResult struct {
	PatternName string
	EventType   string
	Fields      map[string]string
}

// Match runs the payload through the patterns in order and returns the first
// match. The error is non-nil only when the pattern engine itself failed
// (match timeout), which the caller treats as a quarantine condition.
func (l *PatternLibrary) Match(payload string) (*MatchResult, error) {
	for _, p := range l.patterns {
		m, err := p.re.FindStringMatch(payload)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", p.Name, err)
		}
		if m == nil {
			continue
		}

		fields := make(map[string]string)
		for _, g := range m.Groups() {
			// Positional groups get numeric names; only named captures
			// become fields.
			if g.Name == "" || isDigits(g.Name) {
				continue
			}
			if len(g.Captures) > 0 {
				fields[g.Name] = g.Capture.String()
			}
		}
		return &MatchResult{
			PatternName: p.Name,
			EventType:   p.EventType,
			Fields:      fields,
		}, nil
	}
	return nil, nil
}
