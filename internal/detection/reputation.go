package detection

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Default retention for the trackers.
const (
	DefaultMaxIPRecords   = 50000
	DefaultMaxUserRecords = 20000
	DefaultMaxIPsPerUser  = 256
	DefaultHorizon        = 24 * time.Hour

	// anomalousIPCount is the number of distinct source IPs above which a
	// user is flagged anomalous.
	anomalousIPCount = 5
)

// RetentionConfig bounds a tracker. Records beyond MaxEntries are evicted
// least recently updated first; records whose last_seen is older than
// Horizon are dropped by Sweep. A zero Horizon keeps records until evicted.
type RetentionConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	Horizon    time.Duration `yaml:"horizon"`
}

// ReputationRecord is the accumulated state for one source IP. The
// Malicious and Suspicious flags only ever go from false to true.
type ReputationRecord struct {
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	EventCount  int       `json:"event_count"`
	ThreatCount int       `json:"threat_count"`
	Malicious   bool      `json:"malicious"`
	Suspicious  bool      `json:"suspicious"`
}

// IPReputation tracks ReputationRecords keyed by IP.
type IPReputation struct {
	records   *lru.Cache[string, *ReputationRecord]
	horizon   time.Duration
	evictions int
}

// NewIPReputation creates a tracker with the given retention.
func NewIPReputation(cfg RetentionConfig) *IPReputation {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxIPRecords
	}
	t := &IPReputation{horizon: cfg.Horizon}
	// lru.NewWithEvict only fails for a non-positive size.
	t.records, _ = lru.NewWithEvict[string, *ReputationRecord](cfg.MaxEntries, func(string, *ReputationRecord) {
		t.evictions++
	})
	return t
}

func (t *IPReputation) upsert(ip string, ts time.Time) *ReputationRecord {
	if rec, ok := t.records.Get(ip); ok {
		return rec
	}
	rec := &ReputationRecord{FirstSeen: ts, LastSeen: ts}
	t.records.Add(ip, rec)
	return rec
}

// RecordEvent counts one event from ip seen at ts.
func (t *IPReputation) RecordEvent(ip string, ts time.Time) {
	if ip == "" {
		return
	}
	rec := t.upsert(ip, ts)
	rec.EventCount++
	if ts.After(rec.LastSeen) {
		rec.LastSeen = ts
	}
}

// RecordThreat adds count threats of the given severity to ip. CRITICAL and
// HIGH mark the IP malicious, MEDIUM marks it suspicious.
func (t *IPReputation) RecordThreat(ip string, sev Severity, count int) {
	if ip == "" || count <= 0 {
		return
	}
	rec := t.upsert(ip, time.Time{})
	rec.ThreatCount += count
	switch {
	case sev.AtLeast(SeverityHigh):
		rec.Malicious = true
	case sev == SeverityMedium:
		rec.Suspicious = true
	}
}

// Lookup returns a copy of the record for ip.
func (t *IPReputation) Lookup(ip string) (ReputationRecord, bool) {
	rec, ok := t.records.Peek(ip)
	if !ok {
		return ReputationRecord{}, false
	}
	return *rec, true
}

// Since returns copies of the records last seen at or after cutoff.
func (t *IPReputation) Since(cutoff time.Time) map[string]ReputationRecord {
	out := make(map[string]ReputationRecord)
	for _, ip := range t.records.Keys() {
		if rec, ok := t.records.Peek(ip); ok && !rec.LastSeen.Before(cutoff) {
			out[ip] = *rec
		}
	}
	return out
}

// Sweep drops records last seen before now minus the horizon.
func (t *IPReputation) Sweep(now time.Time) int {
	if t.horizon <= 0 {
		return 0
	}
	cutoff := now.Add(-t.horizon)
	removed := 0
	for _, ip := range t.records.Keys() {
		if rec, ok := t.records.Peek(ip); ok && rec.LastSeen.Before(cutoff) {
			t.records.Remove(ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IPs.
func (t *IPReputation) Len() int { return t.records.Len() }

// Evictions returns how many records were dropped by capacity or sweep.
func (t *IPReputation) Evictions() int { return t.evictions }

// BehaviorRecord is the accumulated state for one user.
type BehaviorRecord struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	LoginCount   int
	UniqueIPs    map[string]struct{}
	ThreatCount  int
	Anomalous    bool
	TypicalHours map[int]struct{}
}

// BehaviorSnapshot is the external view of a BehaviorRecord. The IP set is
// reported as a count only.
type BehaviorSnapshot struct {
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LoginCount   int       `json:"login_count"`
	UniqueIPs    int       `json:"unique_ips"`
	ThreatCount  int       `json:"threat_count"`
	Anomalous    bool      `json:"anomalous"`
	TypicalHours []int     `json:"typical_hours"`
}

func (r *BehaviorRecord) snapshot() BehaviorSnapshot {
	hours := make([]int, 0, len(r.TypicalHours))
	for h := range r.TypicalHours {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	return BehaviorSnapshot{
		FirstSeen:    r.FirstSeen,
		LastSeen:     r.LastSeen,
		LoginCount:   r.LoginCount,
		UniqueIPs:    len(r.UniqueIPs),
		ThreatCount:  r.ThreatCount,
		Anomalous:    r.Anomalous,
		TypicalHours: hours,
	}
}

// UserBehavior tracks BehaviorRecords keyed by user.
type UserBehavior struct {
	records       *lru.Cache[string, *BehaviorRecord]
	horizon       time.Duration
	maxIPsPerUser int
	evictions     int
}

// NewUserBehavior creates a tracker. maxIPsPerUser caps the stored IP set
// of each user; the anomaly rule only needs to see more than five.
func NewUserBehavior(cfg RetentionConfig, maxIPsPerUser int) *UserBehavior {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxUserRecords
	}
	if maxIPsPerUser <= anomalousIPCount {
		maxIPsPerUser = DefaultMaxIPsPerUser
	}
	t := &UserBehavior{horizon: cfg.Horizon, maxIPsPerUser: maxIPsPerUser}
	t.records, _ = lru.NewWithEvict[string, *BehaviorRecord](cfg.MaxEntries, func(string, *BehaviorRecord) {
		t.evictions++
	})
	return t
}

func (t *UserBehavior) upsert(user string, ts time.Time) *BehaviorRecord {
	if rec, ok := t.records.Get(user); ok {
		return rec
	}
	rec := &BehaviorRecord{
		FirstSeen:    ts,
		LastSeen:     ts,
		UniqueIPs:    make(map[string]struct{}),
		TypicalHours: make(map[int]struct{}),
	}
	t.records.Add(user, rec)
	return rec
}

// RecordActivity counts one event by user from ip at ts.
func (t *UserBehavior) RecordActivity(user, ip string, ts time.Time) {
	if user == "" {
		return
	}
	rec := t.upsert(user, ts)
	rec.LoginCount++
	if ts.After(rec.LastSeen) {
		rec.LastSeen = ts
	}
	if ip != "" && len(rec.UniqueIPs) < t.maxIPsPerUser {
		rec.UniqueIPs[ip] = struct{}{}
	}
	rec.TypicalHours[ts.Hour()] = struct{}{}
	if len(rec.UniqueIPs) > anomalousIPCount {
		rec.Anomalous = true
	}
}

// RecordThreat adds count threats to user and flags it anomalous.
func (t *UserBehavior) RecordThreat(user string, count int) {
	if user == "" || count <= 0 {
		return
	}
	rec := t.upsert(user, time.Time{})
	rec.ThreatCount += count
	if rec.ThreatCount > 0 {
		rec.Anomalous = true
	}
}

// Lookup returns a snapshot of the record for user.
func (t *UserBehavior) Lookup(user string) (BehaviorSnapshot, bool) {
	rec, ok := t.records.Peek(user)
	if !ok {
		return BehaviorSnapshot{}, false
	}
	return rec.snapshot(), true
}

// Since returns snapshots of the records last seen at or after cutoff.
func (t *UserBehavior) Since(cutoff time.Time) map[string]BehaviorSnapshot {
	out := make(map[string]BehaviorSnapshot)
	for _, user := range t.records.Keys() {
		if rec, ok := t.records.Peek(user); ok && !rec.LastSeen.Before(cutoff) {
			out[user] = rec.snapshot()
		}
	}
	return out
}

// Sweep drops records last seen before now minus the horizon.
func (t *UserBehavior) Sweep(now time.Time) int {
	if t.horizon <= 0 {
		return 0
	}
	cutoff := now.Add(-t.horizon)
	removed := 0
	for _, user := range t.records.Keys() {
		if rec, ok := t.records.Peek(user); ok && rec.LastSeen.Before(cutoff) {
			t.records.Remove(user)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (t *UserBehavior) Len() int { return t.records.Len() }

// Evictions returns how many records were dropped by capacity or sweep.
func (t *UserBehavior) Evictions() int { return t.evictions }
