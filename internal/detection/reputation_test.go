package detection

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPReputationFlags(t *testing.T) {
	tracker := NewIPReputation(RetentionConfig{})

	tracker.RecordEvent("192.0.2.1", baseTime)
	tracker.RecordThreat("192.0.2.1", SeverityMedium, 1)
	rec, ok := tracker.Lookup("192.0.2.1")
	require.True(t, ok)
	assert.True(t, rec.Suspicious)
	assert.False(t, rec.Malicious)

	tracker.RecordThreat("192.0.2.1", SeverityCritical, 2)
	tracker.RecordThreat("192.0.2.1", SeverityLow, 1)
	tracker.RecordThreat("192.0.2.1", SeverityInfo, 1)
	rec, _ = tracker.Lookup("192.0.2.1")
	assert.True(t, rec.Malicious)
	assert.True(t, rec.Suspicious)
	assert.Equal(t, 5, rec.ThreatCount)
	assert.Equal(t, 1, rec.EventCount)
}

func TestIPReputationLowSeverityLeavesFlags(t *testing.T) {
	tracker := NewIPReputation(RetentionConfig{})
	tracker.RecordEvent("192.0.2.1", baseTime)
	tracker.RecordThreat("192.0.2.1", SeverityLow, 1)

	rec, _ := tracker.Lookup("192.0.2.1")
	assert.False(t, rec.Malicious)
	assert.False(t, rec.Suspicious)
	assert.Equal(t, 1, rec.ThreatCount)
}

func TestIPReputationIgnoresEmptyIP(t *testing.T) {
	tracker := NewIPReputation(RetentionConfig{})
	tracker.RecordEvent("", baseTime)
	tracker.RecordThreat("", SeverityHigh, 1)
	assert.Zero(t, tracker.Len())
}

func TestIPReputationSeenTimes(t *testing.T) {
	tracker := NewIPReputation(RetentionConfig{})
	tracker.RecordEvent("192.0.2.1", baseTime.Add(time.Minute))
	tracker.RecordEvent("192.0.2.1", baseTime)
	tracker.RecordEvent("192.0.2.1", baseTime.Add(2*time.Minute))

	rec, _ := tracker.Lookup("192.0.2.1")
	assert.Equal(t, baseTime.Add(time.Minute), rec.FirstSeen)
	assert.Equal(t, baseTime.Add(2*time.Minute), rec.LastSeen)
	assert.Equal(t, 3, rec.EventCount)
}

func TestIPReputationLRUCap(t *testing.T) {
	tracker := NewIPReputation(RetentionConfig{MaxEntries: 3})
	for i := 1; i <= 5; i++ {
		tracker.RecordEvent(fmt.Sprintf("192.0.2.%d", i), baseTime)
	}

	assert.Equal(t, 3, tracker.Len())
	assert.Equal(t, 2, tracker.Evictions())
	_, ok := tracker.Lookup("192.0.2.1")
	assert.False(t, ok)
	_, ok = tracker.Lookup("192.0.2.5")
	assert.True(t, ok)
}

func TestIPReputationSinceAndSweep(t *testing.T) {
	tracker := NewIPReputation(RetentionConfig{Horizon: time.Hour})
	tracker.RecordEvent("192.0.2.1", baseTime)
	tracker.RecordEvent("192.0.2.2", baseTime.Add(30*time.Minute))

	since := tracker.Since(baseTime.Add(10 * time.Minute))
	assert.Len(t, since, 1)
	assert.Contains(t, since, "192.0.2.2")

	assert.Equal(t, 1, tracker.Sweep(baseTime.Add(80*time.Minute)))
	assert.Equal(t, 1, tracker.Len())

	noHorizon := NewIPReputation(RetentionConfig{})
	noHorizon.RecordEvent("192.0.2.1", baseTime)
	assert.Zero(t, noHorizon.Sweep(baseTime.Add(1000*time.Hour)))
}

func TestUserBehaviorAnomalyByIPCount(t *testing.T) {
	tracker := NewUserBehavior(RetentionConfig{}, 0)
	for i := 1; i <= 5; i++ {
		tracker.RecordActivity("alice", fmt.Sprintf("192.0.2.%d", i), baseTime)
	}
	rec, ok := tracker.Lookup("alice")
	require.True(t, ok)
	assert.False(t, rec.Anomalous)
	assert.Equal(t, 5, rec.UniqueIPs)

	tracker.RecordActivity("alice", "192.0.2.5", baseTime)
	rec, _ = tracker.Lookup("alice")
	assert.False(t, rec.Anomalous)

	tracker.RecordActivity("alice", "192.0.2.6", baseTime)
	rec, _ = tracker.Lookup("alice")
	assert.True(t, rec.Anomalous)
	assert.Equal(t, 7, rec.LoginCount)
}

func TestUserBehaviorAnomalyByThreat(t *testing.T) {
	tracker := NewUserBehavior(RetentionConfig{}, 0)
	tracker.RecordActivity("bob", "192.0.2.1", baseTime)
	tracker.RecordThreat("bob", 1)

	rec, _ := tracker.Lookup("bob")
	assert.True(t, rec.Anomalous)
	assert.Equal(t, 1, rec.ThreatCount)
}

func TestUserBehaviorCapsIPSet(t *testing.T) {
	tracker := NewUserBehavior(RetentionConfig{}, 8)
	for i := 0; i < 20; i++ {
		tracker.RecordActivity("carol", fmt.Sprintf("198.51.100.%d", i), baseTime)
	}
	rec, _ := tracker.Lookup("carol")
	assert.Equal(t, 8, rec.UniqueIPs)
	assert.True(t, rec.Anomalous)
}

func TestUserBehaviorTypicalHours(t *testing.T) {
	tracker := NewUserBehavior(RetentionConfig{}, 0)
	for _, h := range []int{23, 9, 9, 2} {
		tracker.RecordActivity("dave", "", time.Date(2024, 1, 1, h, 0, 0, 0, time.UTC))
	}
	rec, _ := tracker.Lookup("dave")
	assert.Equal(t, []int{2, 9, 23}, rec.TypicalHours)
	assert.Zero(t, rec.UniqueIPs)
}

func TestUserBehaviorSweep(t *testing.T) {
	tracker := NewUserBehavior(RetentionConfig{Horizon: time.Hour}, 0)
	tracker.RecordActivity("erin", "192.0.2.1", baseTime)
	tracker.RecordActivity("frank", "192.0.2.1", baseTime.Add(2*time.Hour))

	assert.Equal(t, 1, tracker.Sweep(baseTime.Add(2*time.Hour)))
	_, ok := tracker.Lookup("erin")
	assert.False(t, ok)
	assert.Equal(t, 1, tracker.Evictions())
	assert.Len(t, tracker.Since(baseTime), 1)
}
