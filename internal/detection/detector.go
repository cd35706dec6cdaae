package detection

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/remediation"
)

// Defaults applied to events missing optional fields.
const (
	DefaultEventType     = "unknown"
	DefaultEventSeverity = "info"
)

// Confidence adjustments on top of the severity weight.
const (
	maliciousIPBoost   = 0.3
	suspiciousIPBoost  = 0.1
	anomalousUserBoost = 0.2
)

// MetricsRecorder receives detection metrics. Implementations must be cheap;
// they are called on the analysis path.
type MetricsRecorder interface {
	EventAnalyzed(elapsed time.Duration, alerts int)
	AlertRaised(category, severity string)
	PatternError(pattern string)
	StateSize(history, ips, users int)
}

// TechniqueMapper resolves the ATT&CK technique IDs for a category.
type TechniqueMapper interface {
	TechniquesFor(category string) []string
}

type nopMetrics struct{}

func (nopMetrics) EventAnalyzed(time.Duration, int) {}
func (nopMetrics) AlertRaised(string, string)       {}
func (nopMetrics) PatternError(string)              {}
func (nopMetrics) StateSize(int, int, int)          {}

// Detector is the detection core. It owns the history, the trackers and the
// counters and is not safe for concurrent use; Engine serializes access to
// one. The registry is shared and may be mutated concurrently.
type Detector struct {
	registry *Registry
	history  *History
	ips      *IPReputation
	users    *UserBehavior
	alertLog *ring[alertRecord]
	stats    counters

	logger     *zap.Logger
	clock      func() time.Time
	metrics    MetricsRecorder
	techniques TechniqueMapper
}

// NewDetector builds a detector from cfg, loading the built-in patterns and
// any configured pattern files.
func NewDetector(cfg Config, opts ...Option) (*Detector, error) {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()

	reg := NewRegistry(cfg.MatchTimeout)
	if cfg.LoadBuiltins {
		if err := LoadBuiltins(reg); err != nil {
			return nil, err
		}
	}
	for _, path := range cfg.PatternFiles {
		defs, err := LoadDefinitionsFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if _, err := reg.RegisterDefinition(def); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		o.logger.Info("Loaded pattern pack",
			zap.String("path", path),
			zap.Int("patterns", len(defs)),
		)
	}

	return &Detector{
		registry:   reg,
		history:    NewHistory(cfg.HistoryCapacity),
		ips:        NewIPReputation(cfg.IPReputation),
		users:      NewUserBehavior(cfg.UserBehavior, cfg.MaxIPsPerUser),
		alertLog:   newRing[alertRecord](cfg.AlertLogCapacity),
		stats:      counters{patternsMatched: make(map[string]int64)},
		logger:     o.logger,
		clock:      o.clock,
		metrics:    o.metrics,
		techniques: o.techniques,
	}, nil
}

// Registry returns the pattern registry.
func (d *Detector) Registry() *Registry { return d.registry }

// AddPattern compiles and registers a custom pattern. It is visible to the
// next analyzed event.
func (d *Detector) AddPattern(def PatternDefinition) (*ThreatPattern, error) {
	p, err := d.registry.RegisterDefinition(def)
	if err != nil {
		return nil, err
	}
	d.logger.Info("Registered custom pattern",
		zap.String("pattern", p.Name),
		zap.String("category", string(p.Category)),
		zap.String("severity", p.Severity.String()),
	)
	return p, nil
}

// Analyze runs every registered pattern against ev, in registration order,
// and returns the alerts raised. The event is recorded in the history and
// the trackers whether or not anything fires.
func (d *Detector) Analyze(ev SecurityEvent) []ThreatAlert {
	start := time.Now()
	ev = d.fillDefaults(ev)

	d.history.Append(ev)
	d.stats.totalEvents++

	ec := &evalContext{event: ev, reputation: d.ips.Lookup}
	var alerts []ThreatAlert
	for _, p := range d.registry.List() {
		alert, err := d.evaluate(p, ec)
		if err != nil {
			d.stats.patternErrors++
			d.metrics.PatternError(p.Name)
			d.logger.Warn("Pattern evaluation failed",
				zap.String("pattern", p.Name),
				zap.Error(err),
			)
			continue
		}
		if alert == nil {
			continue
		}
		alerts = append(alerts, *alert)
		d.stats.threatsDetected++
		d.stats.patternsMatched[p.Name]++
		d.alertLog.push(alertRecord{category: p.Category, severity: p.Severity, eventTime: ev.Timestamp})
		d.metrics.AlertRaised(string(p.Category), p.Severity.String())
	}

	if ev.SourceIP != "" {
		d.ips.RecordEvent(ev.SourceIP, ev.Timestamp)
		for _, a := range alerts {
			d.ips.RecordThreat(ev.SourceIP, a.Severity, 1)
		}
	}
	if ev.User != "" {
		d.users.RecordActivity(ev.User, ev.SourceIP, ev.Timestamp)
		for range alerts {
			d.users.RecordThreat(ev.User, 1)
		}
	}

	d.metrics.EventAnalyzed(time.Since(start), len(alerts))
	d.metrics.StateSize(d.history.Len(), d.ips.Len(), d.users.Len())
	return alerts
}

// AnalyzeBatch analyzes events in order and returns one alert list per event.
func (d *Detector) AnalyzeBatch(events []SecurityEvent) [][]ThreatAlert {
	out := make([][]ThreatAlert, len(events))
	for i, ev := range events {
		out[i] = d.Analyze(ev)
	}
	return out
}

func (d *Detector) fillDefaults(ev SecurityEvent) SecurityEvent {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.clock()
	}
	if ev.EventType == "" {
		ev.EventType = DefaultEventType
	}
	if ev.Severity == "" {
		ev.Severity = DefaultEventSeverity
	}
	return ev
}

// evaluate returns the alert raised by p for the event in ec, nil when p
// does not fire. A panic inside a pattern is reported as an error so the
// remaining patterns still run.
func (d *Detector) evaluate(p *ThreatPattern, ec *evalContext) (alert *ThreatAlert, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	matches, err := p.match(ec.event)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	ec.matches = matches

	for _, c := range p.Conditions {
		if c.mode() != gateRequired {
			continue
		}
		ok, err := c.evaluate(ec)
		if err != nil {
			return nil, fmt.Errorf("%s condition: %w", c.Kind(), err)
		}
		if !ok {
			return nil, nil
		}
	}

	fires, err := d.windowSatisfied(p, ec.event)
	if err != nil {
		return nil, err
	}
	if !fires {
		for _, c := range p.Conditions {
			if c.mode() != gateSufficient {
				continue
			}
			ok, err := c.evaluate(ec)
			if err != nil {
				return nil, fmt.Errorf("%s condition: %w", c.Kind(), err)
			}
			if ok {
				fires = true
				break
			}
		}
	}
	if !fires {
		return nil, nil
	}

	return d.newAlert(p, ec.event, matches), nil
}

// windowSatisfied counts the history events inside p's window that match p,
// the current event included, and compares the count with the threshold.
func (d *Detector) windowSatisfied(p *ThreatPattern, ev SecurityEvent) (bool, error) {
	if p.Window <= 0 {
		return p.Threshold <= 1, nil
	}

	scope := p.scope()
	var key string
	if scope != nil {
		key = scope.key(ev)
	}

	count := 0
	var scanErr error
	d.history.Scan(ev.Timestamp.Add(-p.Window), func(h SecurityEvent) bool {
		if scope != nil && scope.key(h) != key {
			return true
		}
		ok, err := p.matchesAny(h.Message)
		if err != nil {
			scanErr = err
			return false
		}
		if ok {
			count++
		}
		return count < p.Threshold
	})
	if scanErr != nil {
		return false, scanErr
	}
	return count >= p.Threshold, nil
}

func (d *Detector) newAlert(p *ThreatPattern, ev SecurityEvent, matches []Match) *ThreatAlert {
	alert := &ThreatAlert{
		AlertID:          AlertID(ev.Timestamp, p.Name),
		Category:         p.Category,
		Severity:         p.Severity,
		PatternName:      p.Name,
		Description:      p.Description,
		SourceEvent:      ev,
		Matches:          matches,
		CreatedAt:        d.clock(),
		Tags:             append([]string(nil), p.Tags...),
		Confidence:       d.confidence(p, ev),
		MitigationAdvice: remediation.AdviceFor(string(p.Category)),
	}
	if d.techniques != nil {
		alert.MITRETechniques = d.techniques.TechniquesFor(string(p.Category))
	}
	return alert
}

// confidence scores an alert from the pattern severity and what the trackers
// knew about the source IP and user before this event.
func (d *Detector) confidence(p *ThreatPattern, ev SecurityEvent) float64 {
	score := p.Severity.Weight()
	if ev.SourceIP != "" {
		if rec, ok := d.ips.Lookup(ev.SourceIP); ok {
			switch {
			case rec.Malicious:
				score += maliciousIPBoost
			case rec.Suspicious:
				score += suspiciousIPBoost
			}
		}
	}
	if ev.User != "" {
		if rec, ok := d.users.Lookup(ev.User); ok && rec.Anomalous {
			score += anomalousUserBoost
		}
	}
	return math.Max(0, math.Min(1, score))
}

// RecordFalsePositives adjusts the false positive counter reported by an
// analyst. The counter never goes below zero.
func (d *Detector) RecordFalsePositives(n int64) int64 {
	d.stats.falsePositives += n
	if d.stats.falsePositives < 0 {
		d.stats.falsePositives = 0
	}
	return d.stats.falsePositives
}

// Sweep drops tracker records older than their retention horizon.
func (d *Detector) Sweep(now time.Time) {
	ips := d.ips.Sweep(now)
	users := d.users.Sweep(now)
	if ips > 0 || users > 0 {
		d.logger.Debug("Swept stale tracker records",
			zap.Int("ips", ips),
			zap.Int("users", users),
		)
	}
	d.metrics.StateSize(d.history.Len(), d.ips.Len(), d.users.Len())
}

// Stats returns a snapshot of the counters.
func (d *Detector) Stats() DetectionStats {
	matched := make(map[string]int64, len(d.stats.patternsMatched))
	for name, n := range d.stats.patternsMatched {
		matched[name] = n
	}
	return DetectionStats{
		TotalEvents:     d.stats.totalEvents,
		ThreatsDetected: d.stats.threatsDetected,
		FalsePositives:  d.stats.falsePositives,
		PatternsMatched: matched,
		PatternErrors:   d.stats.patternErrors,
		TotalPatterns:   d.registry.Len(),
		HistorySize:     d.history.Len(),
		HistoryCapacity: d.history.Cap(),
		TrackedIPs:      d.ips.Len(),
		TrackedUsers:    d.users.Len(),
		IPEvictions:     d.ips.Evictions(),
		UserEvictions:   d.users.Evictions(),
		Timestamp:       d.clock(),
	}
}

// Summary aggregates events, alerts and tracker records seen within window
// of the current time.
func (d *Detector) Summary(window time.Duration) ThreatSummary {
	cutoff := d.clock().Add(-window)

	events := 0
	d.history.Scan(cutoff, func(SecurityEvent) bool {
		events++
		return true
	})

	threats := make(map[ThreatCategory]int)
	severities := make(map[string]int)
	d.alertLog.reverse(func(a alertRecord) bool {
		if a.eventTime.Before(cutoff) {
			return false
		}
		threats[a.category]++
		severities[a.severity.String()]++
		return true
	})

	return ThreatSummary{
		TimeWindow:     int64(window / time.Second),
		TotalEvents:    events,
		ThreatCounts:   threats,
		SeverityCounts: severities,
		IPReputation:   d.ips.Since(cutoff),
		UserBehavior:   d.users.Since(cutoff),
		DetectionStats: d.Stats(),
	}
}

// IPReputation returns the tracked record for ip.
func (d *Detector) IPReputation(ip string) (ReputationRecord, bool) {
	return d.ips.Lookup(ip)
}

// UserBehavior returns the tracked record for user.
func (d *Detector) UserBehavior(user string) (BehaviorSnapshot, bool) {
	return d.users.Lookup(user)
}

// History returns the stored events, oldest first.
func (d *Detector) History() []SecurityEvent {
	return d.history.Events()
}
