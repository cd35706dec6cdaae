package detection

import "time"

// DetectionStats is a point-in-time copy of the engine counters.
type DetectionStats struct {
	TotalEvents     int64            `json:"total_events"`
	ThreatsDetected int64            `json:"threats_detected"`
	FalsePositives  int64            `json:"false_positives"`
	PatternsMatched map[string]int64 `json:"patterns_matched"`
	PatternErrors   int64            `json:"pattern_errors"`
	TotalPatterns   int              `json:"total_patterns"`
	HistorySize     int              `json:"history_size"`
	HistoryCapacity int              `json:"history_capacity"`
	TrackedIPs      int              `json:"tracked_ips"`
	TrackedUsers    int              `json:"tracked_users"`
	IPEvictions     int              `json:"ip_evictions"`
	UserEvictions   int              `json:"user_evictions"`
	Timestamp       time.Time        `json:"timestamp"`
}

// ThreatSummary aggregates recent activity over a trailing window.
type ThreatSummary struct {
	TimeWindow     int64                       `json:"time_window"`
	TotalEvents    int                         `json:"total_events"`
	ThreatCounts   map[ThreatCategory]int      `json:"threat_counts"`
	SeverityCounts map[string]int              `json:"severity_counts"`
	IPReputation   map[string]ReputationRecord `json:"ip_reputation"`
	UserBehavior   map[string]BehaviorSnapshot `json:"user_behavior"`
	DetectionStats DetectionStats              `json:"detection_stats"`
}

// alertRecord is what the alert log keeps of a raised alert.
type alertRecord struct {
	category  ThreatCategory
	severity  Severity
	eventTime time.Time
}

// counters are the mutable statistics owned by the detector.
type counters struct {
	totalEvents     int64
	threatsDetected int64
	falsePositives  int64
	patternErrors   int64
	patternsMatched map[string]int64
}
