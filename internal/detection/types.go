// Package detection implements the threat pattern engine: a registry of
// signatures, a bounded rolling event history, per-IP and per-user
// reputation tracking, and the detection core that turns normalized security
// events into scored threat alerts.
package detection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ThreatCategory classifies what a pattern detects.
type ThreatCategory string

const (
	CategoryBruteForce          ThreatCategory = "brute_force"
	CategoryLateralMovement     ThreatCategory = "lateral_movement"
	CategoryMalware             ThreatCategory = "malware"
	CategoryIntrusion           ThreatCategory = "intrusion"
	CategoryDataExfiltration    ThreatCategory = "data_exfiltration"
	CategoryPrivilegeEscalation ThreatCategory = "privilege_escalation"
	CategoryC2Communication     ThreatCategory = "c2_communication"
	CategoryAnomalousBehavior   ThreatCategory = "anomalous_behavior"
)

// Categories returns every known category in declaration order.
func Categories() []ThreatCategory {
	return []ThreatCategory{
		CategoryBruteForce,
		CategoryLateralMovement,
		CategoryMalware,
		CategoryIntrusion,
		CategoryDataExfiltration,
		CategoryPrivilegeEscalation,
		CategoryC2Communication,
		CategoryAnomalousBehavior,
	}
}

// Valid reports whether c is one of the known categories.
func (c ThreatCategory) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Severity is ordered most severe first: a lower value is more severe.
type Severity int

const (
	SeverityCritical Severity = 1
	SeverityHigh     Severity = 2
	SeverityMedium   Severity = 3
	SeverityLow      Severity = 4
	SeverityInfo     Severity = 5
)

var severityNames = map[Severity]string{
	SeverityCritical: "critical",
	SeverityHigh:     "high",
	SeverityMedium:   "medium",
	SeverityLow:      "low",
	SeverityInfo:     "info",
}

// ParseSeverity accepts a name ("high", "HIGH") or the numeric level ("2").
func ParseSeverity(s string) (Severity, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for sev, name := range severityNames {
		if s == name {
			return sev, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		sev := Severity(n)
		if sev.Valid() {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Valid reports whether s is within CRITICAL..INFO.
func (s Severity) Valid() bool {
	return s >= SeverityCritical && s <= SeverityInfo
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s <= other
}

// Weight is the base confidence contributed by a pattern of this severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.4
	case SeverityInfo:
		return 0.2
	default:
		return 0
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalJSON accepts both "high" and 2.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		sev := Severity(n)
		if !sev.Valid() {
			return fmt.Errorf("invalid severity %d", n)
		}
		*s = sev
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("severity must be a string or number: %w", err)
	}
	return s.UnmarshalText([]byte(str))
}

func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	return s.UnmarshalText([]byte(value.Value))
}

// SecurityEvent is a normalized log record. Optional fields are empty when
// the collector could not provide them.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	TargetIP  string    `json:"target_ip,omitempty"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	User      string    `json:"user,omitempty"`
	Process   string    `json:"process,omitempty"`
	RawLog    string    `json:"raw_log,omitempty"`
}

// Match records one matcher hit against an event message.
type Match struct {
	Matcher     string    `json:"matcher"`
	MatchedText string    `json:"matched_text"`
	Groups      []string  `json:"groups"`
	Timestamp   time.Time `json:"timestamp"`
}

// ThreatAlert is produced when a pattern fires. It is never mutated after
// the engine returns it.
type ThreatAlert struct {
	AlertID          string         `json:"alert_id"`
	Category         ThreatCategory `json:"category"`
	Severity         Severity       `json:"severity"`
	PatternName      string         `json:"pattern_name"`
	Description      string         `json:"description"`
	SourceEvent      SecurityEvent  `json:"source_event"`
	Matches          []Match        `json:"matches"`
	CreatedAt        time.Time      `json:"created_at"`
	Tags             []string       `json:"tags"`
	Confidence       float64        `json:"confidence"`
	MitigationAdvice []string       `json:"mitigation_advice"`
	MITRETechniques  []string       `json:"mitre_techniques,omitempty"`
}

// AlertID derives the identifier of an alert from the triggering event time
// and the pattern name, so re-running the same input yields the same IDs.
func AlertID(eventTime time.Time, patternName string) string {
	return fmt.Sprintf("threat_%d_%s", eventTime.Unix(), strings.ReplaceAll(patternName, " ", "_"))
}
