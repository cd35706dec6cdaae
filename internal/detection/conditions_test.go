package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionSpecBuild(t *testing.T) {
	tests := []struct {
		name    string
		spec    ConditionSpec
		kind    ConditionKind
		wantErr bool
	}{
		{"reputation default flag", ConditionSpec{Type: ConditionReputationFlag}, ConditionReputationFlag, false},
		{"reputation suspicious", ConditionSpec{Type: ConditionReputationFlag, Flag: "Suspicious"}, ConditionReputationFlag, false},
		{"reputation unknown flag", ConditionSpec{Type: ConditionReputationFlag, Flag: "trusted"}, "", true},
		{"user list", ConditionSpec{Type: ConditionUserInList, Users: []string{"root"}}, ConditionUserInList, false},
		{"empty user list", ConditionSpec{Type: ConditionUserInList}, "", true},
		{"hours", ConditionSpec{Type: ConditionHourInSet, Hours: []int{0, 23}}, ConditionHourInSet, false},
		{"hour out of range", ConditionSpec{Type: ConditionHourInSet, Hours: []int{24}}, "", true},
		{"capture", ConditionSpec{Type: ConditionCaptureAtLeast, Group: 1, Min: 5}, ConditionCaptureAtLeast, false},
		{"capture group zero", ConditionSpec{Type: ConditionCaptureAtLeast, Min: 5}, "", true},
		{"correlation", ConditionSpec{Type: ConditionCorrelationKey, Field: FieldUser}, ConditionCorrelationKey, false},
		{"required hours", ConditionSpec{Type: ConditionHourInSet, Hours: []int{3}, Require: true}, ConditionHourInSet, false},
		{"required capture", ConditionSpec{Type: ConditionCaptureAtLeast, Group: 1, Require: true}, ConditionCaptureAtLeast, false},
		{"required correlation", ConditionSpec{Type: ConditionCorrelationKey, Field: FieldUser, Require: true}, "", true},
		{"unknown type", ConditionSpec{Type: "geo_fence"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := tt.spec.Build()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCondition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, c.Kind())
		})
	}
}

func TestReputationFlagCondition(t *testing.T) {
	records := map[string]ReputationRecord{
		"192.0.2.1": {Malicious: true},
		"192.0.2.2": {Suspicious: true},
	}
	lookup := func(ip string) (ReputationRecord, bool) {
		rec, ok := records[ip]
		return rec, ok
	}

	malicious := ReputationFlag{Flag: FlagMalicious}
	suspicious := ReputationFlag{Flag: FlagSuspicious}

	for ip, want := range map[string][2]bool{
		"192.0.2.1": {true, false},
		"192.0.2.2": {false, true},
		"192.0.2.3": {false, false},
		"":          {false, false},
	} {
		ec := &evalContext{event: SecurityEvent{SourceIP: ip}, reputation: lookup}
		got, err := malicious.evaluate(ec)
		require.NoError(t, err)
		assert.Equal(t, want[0], got, "malicious %q", ip)
		got, err = suspicious.evaluate(ec)
		require.NoError(t, err)
		assert.Equal(t, want[1], got, "suspicious %q", ip)
	}
}

func TestUserInListCondition(t *testing.T) {
	c, err := ConditionSpec{Type: ConditionUserInList, Users: []string{"Administrator", "root"}}.Build()
	require.NoError(t, err)

	for user, want := range map[string]bool{
		"administrator": true,
		"ROOT":          true,
		"alice":         false,
		"":              false,
	} {
		got, err := c.evaluate(&evalContext{event: SecurityEvent{User: user}})
		require.NoError(t, err)
		assert.Equal(t, want, got, user)
	}
	assert.Equal(t, []string{"Administrator", "root"}, c.Spec().Users)
}

func TestHourInSetCondition(t *testing.T) {
	c, err := ConditionSpec{Type: ConditionHourInSet, Hours: []int{22, 23, 0}}.Build()
	require.NoError(t, err)

	at := func(hour int) *evalContext {
		return &evalContext{event: SecurityEvent{Timestamp: time.Date(2024, 1, 1, hour, 30, 0, 0, time.UTC)}}
	}
	for hour, want := range map[int]bool{22: true, 0: true, 1: false, 12: false} {
		got, err := c.evaluate(at(hour))
		require.NoError(t, err)
		assert.Equal(t, want, got, "hour %d", hour)
	}
}

func TestRequiredCondition(t *testing.T) {
	plain, err := ConditionSpec{Type: ConditionReputationFlag}.Build()
	require.NoError(t, err)
	assert.Equal(t, gateSufficient, plain.mode())

	c, err := ConditionSpec{Type: ConditionReputationFlag, Require: true}.Build()
	require.NoError(t, err)
	assert.Equal(t, gateRequired, c.mode())
	assert.Equal(t, ConditionReputationFlag, c.Kind())
	assert.Equal(t, ConditionSpec{Type: ConditionReputationFlag, Flag: FlagMalicious, Require: true}, c.Spec())

	rebuilt, err := c.Spec().Build()
	require.NoError(t, err)
	assert.Equal(t, gateRequired, rebuilt.mode())
}

func TestCaptureAtLeastCondition(t *testing.T) {
	c := CaptureAtLeast{Group: 2, Min: 1000}

	ok, err := c.evaluate(&evalContext{matches: []Match{{Groups: []string{"file", "999"}}, {Groups: []string{"file", "1000"}}}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.evaluate(&evalContext{matches: []Match{{Groups: []string{"file", "10"}}}})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.evaluate(&evalContext{matches: []Match{{Groups: []string{"only-one"}}}})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.evaluate(&evalContext{matches: []Match{{Groups: []string{"file", "lots"}}}})
	assert.Error(t, err)
}

func TestCorrelationKeyValues(t *testing.T) {
	ev := SecurityEvent{SourceIP: "192.0.2.1", TargetIP: "192.0.2.9", User: "Alice", Process: "sshd", EventType: "auth"}
	for field, want := range map[string]string{
		FieldSourceIP:  "192.0.2.1",
		FieldTargetIP:  "192.0.2.9",
		FieldUser:      "alice",
		FieldProcess:   "sshd",
		FieldEventType: "auth",
	} {
		assert.Equal(t, want, CorrelationKey{Field: field}.key(ev), field)
	}
}
