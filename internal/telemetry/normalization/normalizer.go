// Package normalization converts raw log records from collectors into the
// SecurityEvent shape the detection engine consumes.
package normalization

import (
	"encoding/json"
	"math"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/patternforge/internal/detection"
)

// Canonical SecurityEvent fields a record can be mapped onto.
const (
	FieldTimestamp = "timestamp"
	FieldSourceIP  = "source_ip"
	FieldTargetIP  = "target_ip"
	FieldEventType = "event_type"
	FieldMessage   = "message"
	FieldSeverity  = "severity"
	FieldUser      = "user"
	FieldProcess   = "process"
	FieldRawLog    = "raw_log"
)

// defaultAliases lists, per canonical field, the record keys tried in order.
var defaultAliases = map[string][]string{
	FieldTimestamp: {"timestamp", "@timestamp", "time", "ts"},
	FieldSourceIP:  {"source_ip", "src_ip", "src", "client_ip"},
	FieldTargetIP:  {"target_ip", "dest_ip", "dst_ip", "dest"},
	FieldEventType: {"event_type", "type", "action"},
	FieldMessage:   {"message", "msg", "log"},
	FieldSeverity:  {"severity", "level"},
	FieldUser:      {"user", "username", "user_name"},
	FieldProcess:   {"process", "process_name"},
	FieldRawLog:    {"raw_log", "_raw"},
}

var ipv4Pattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)

// timeLayouts are tried in order for string timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// NormalizerConfig holds configuration for normalization
type NormalizerConfig struct {
	// Aliases adds record keys to try before the built-in ones, keyed by
	// canonical field name.
	Aliases map[string][]string `yaml:"aliases"`
}

// Normalizer maps raw records onto SecurityEvents. Fields it cannot parse
// get best-effort defaults instead of failing the record.
type Normalizer struct {
	aliases map[string][]string
	now     func() time.Time
}

// NewNormalizer creates a new normalizer. now supplies the timestamp for
// records without a usable one; nil means time.Now.
func NewNormalizer(cfg NormalizerConfig, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	aliases := make(map[string][]string, len(defaultAliases))
	for field, keys := range defaultAliases {
		aliases[field] = append(append([]string(nil), cfg.Aliases[field]...), keys...)
	}
	return &Normalizer{aliases: aliases, now: now}
}

// FromRecord converts a decoded JSON log record.
func (n *Normalizer) FromRecord(rec map[string]any) detection.SecurityEvent {
	ev := detection.SecurityEvent{
		Timestamp: n.timestamp(rec),
		SourceIP:  n.str(rec, FieldSourceIP),
		TargetIP:  n.str(rec, FieldTargetIP),
		EventType: n.str(rec, FieldEventType),
		Message:   n.str(rec, FieldMessage),
		Severity:  strings.ToLower(n.str(rec, FieldSeverity)),
		User:      n.str(rec, FieldUser),
		Process:   n.str(rec, FieldProcess),
		RawLog:    n.str(rec, FieldRawLog),
	}
	if ev.SourceIP == "" {
		ev.SourceIP = ExtractIPv4(ev.Message)
	}
	if ev.EventType == "" {
		ev.EventType = detection.DefaultEventType
	}
	if ev.Severity == "" {
		ev.Severity = detection.DefaultEventSeverity
	}
	if ev.RawLog == "" {
		if raw, err := json.Marshal(rec); err == nil {
			ev.RawLog = string(raw)
		}
	}
	return ev
}

// FromLine converts an unstructured log line.
func (n *Normalizer) FromLine(line string) detection.SecurityEvent {
	return detection.SecurityEvent{
		Timestamp: n.now(),
		SourceIP:  ExtractIPv4(line),
		EventType: detection.DefaultEventType,
		Message:   line,
		Severity:  detection.DefaultEventSeverity,
		RawLog:    line,
	}
}

// HECEnvelope is the metadata Splunk HEC carries around an event payload.
type HECEnvelope struct {
	Time       float64
	Host       string
	Source     string
	SourceType string
	Event      any
	Fields     map[string]any
}

// FromHEC converts a Splunk HEC event. A string payload becomes the message;
// an object payload is treated as a record. HEC time and indexed fields fill
// gaps the payload leaves.
func (n *Normalizer) FromHEC(env HECEnvelope) detection.SecurityEvent {
	var ev detection.SecurityEvent
	switch payload := env.Event.(type) {
	case map[string]any:
		merged := make(map[string]any, len(payload)+len(env.Fields))
		for k, v := range env.Fields {
			merged[k] = v
		}
		for k, v := range payload {
			merged[k] = v
		}
		if _, ok := n.lookup(merged, FieldTimestamp); !ok && env.Time > 0 {
			merged[FieldTimestamp] = env.Time
		}
		ev = n.FromRecord(merged)
	case string:
		ev = n.FromLine(payload)
		if len(env.Fields) > 0 {
			fromFields := n.FromRecord(env.Fields)
			ev.User = fromFields.User
			ev.Process = fromFields.Process
			ev.TargetIP = fromFields.TargetIP
			if src := n.str(env.Fields, FieldSourceIP); src != "" {
				ev.SourceIP = src
			}
		}
		if env.Time > 0 {
			ev.Timestamp = unixTime(env.Time)
		}
	default:
		raw, _ := json.Marshal(payload)
		ev = n.FromLine(string(raw))
		if env.Time > 0 {
			ev.Timestamp = unixTime(env.Time)
		}
	}

	if ev.EventType == detection.DefaultEventType && env.SourceType != "" {
		ev.EventType = env.SourceType
	}
	if ev.Process == "" && env.Source != "" {
		ev.Process = env.Source
	}
	return ev
}

// ExtractIPv4 returns the first valid dotted-quad IPv4 address in text.
func ExtractIPv4(text string) string {
	for _, m := range ipv4Pattern.FindAllStringSubmatch(text, -1) {
		if addr, err := netip.ParseAddr(m[1]); err == nil && addr.Is4() {
			return m[1]
		}
	}
	return ""
}

func (n *Normalizer) lookup(rec map[string]any, field string) (any, bool) {
	for _, key := range n.aliases[field] {
		if v, ok := rec[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (n *Normalizer) str(rec map[string]any, field string) string {
	v, ok := n.lookup(rec, field)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return ""
	}
}

func (n *Normalizer) timestamp(rec map[string]any) time.Time {
	v, ok := n.lookup(rec, FieldTimestamp)
	if !ok {
		return n.now()
	}
	switch ts := v.(type) {
	case string:
		if t, ok := parseTime(ts); ok {
			return t
		}
	case float64:
		if ts > 0 {
			return unixTime(ts)
		}
	case int64:
		if ts > 0 {
			return unixTime(float64(ts))
		}
	case int:
		if ts > 0 {
			return unixTime(float64(ts))
		}
	case json.Number:
		if f, err := ts.Float64(); err == nil && f > 0 {
			return unixTime(f)
		}
	case time.Time:
		if !ts.IsZero() {
			return ts
		}
	}
	return n.now()
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return unixTime(f), true
	}
	return time.Time{}, false
}

// unixTime converts seconds, or milliseconds for values past year 33658,
// to UTC.
func unixTime(v float64) time.Time {
	if v > 1e12 {
		v /= 1000
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
