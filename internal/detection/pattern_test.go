package detection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	def := PatternDefinition{
		Name:          "Exfil",
		Category:      CategoryDataExfiltration,
		Severity:      SeverityHigh,
		Description:   "Large transfer",
		Matchers:      []string{`upload: (.*) size (\d+)`},
		Conditions:    []ConditionSpec{{Type: ConditionCaptureAtLeast, Group: 2, Min: 100}},
		WindowSeconds: 300,
		Threshold:     1,
		Tags:          []string{"dlp"},
	}

	p, err := Compile(def, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, p.Window)
	require.Len(t, p.Matchers, 1)
	require.Len(t, p.Conditions, 1)
	assert.Equal(t, ConditionCaptureAtLeast, p.Conditions[0].Kind())
	assert.Equal(t, def, p.Definition())
}

func TestCompileRejects(t *testing.T) {
	valid := func() PatternDefinition {
		return PatternDefinition{
			Name:      "ok",
			Category:  CategoryMalware,
			Severity:  SeverityLow,
			Matchers:  []string{"evil"},
			Threshold: 1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*PatternDefinition)
		target error
		field  string
	}{
		{"zero threshold", func(d *PatternDefinition) { d.Threshold = 0 }, ErrInvalidThreshold, "threshold"},
		{"negative threshold", func(d *PatternDefinition) { d.Threshold = -3 }, ErrInvalidThreshold, "threshold"},
		{"bad regex", func(d *PatternDefinition) { d.Matchers = []string{"(unclosed"} }, ErrInvalidMatcher, "matchers[0]"},
		{"no matchers", func(d *PatternDefinition) { d.Matchers = nil }, ErrInvalidDefinition, "matchers"},
		{"empty name", func(d *PatternDefinition) { d.Name = "" }, ErrInvalidDefinition, "name"},
		{"unknown category", func(d *PatternDefinition) { d.Category = "phishing" }, ErrInvalidDefinition, "category"},
		{"missing severity", func(d *PatternDefinition) { d.Severity = 0 }, ErrInvalidDefinition, "severity"},
		{"negative window", func(d *PatternDefinition) { d.WindowSeconds = -1 }, ErrInvalidDefinition, "windowseconds"},
		{"window past a year", func(d *PatternDefinition) { d.WindowSeconds = MaxWindowSeconds + 1 }, ErrInvalidDefinition, "windowseconds"},
		{"overflowing window", func(d *PatternDefinition) { d.WindowSeconds = 20_000_000_000 }, ErrInvalidDefinition, "windowseconds"},
		{"bad condition", func(d *PatternDefinition) {
			d.Conditions = []ConditionSpec{{Type: ConditionCorrelationKey, Field: "hostname"}}
		}, ErrInvalidCondition, "conditions[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid()
			tt.mutate(&def)
			_, err := Compile(def, 0)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCompileAcceptsYearWindow(t *testing.T) {
	p, err := Compile(PatternDefinition{
		Name:          "Slow Burn",
		Category:      CategoryAnomalousBehavior,
		Severity:      SeverityLow,
		Matchers:      []string{"evil"},
		WindowSeconds: MaxWindowSeconds,
		Threshold:     1,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 365*24*time.Hour, p.Window)
}

func TestMatcherIsCaseInsensitive(t *testing.T) {
	m, err := compileMatcher(`failed password for .* from (\d+\.\d+\.\d+\.\d+)`, 0)
	require.NoError(t, err)

	hit, err := m.Find("FAILED PASSWORD for root from 10.1.2.3 port 22", baseTime)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "FAILED PASSWORD for root from 10.1.2.3", hit.MatchedText)
	assert.Equal(t, []string{"10.1.2.3"}, hit.Groups)
	assert.Equal(t, baseTime, hit.Timestamp)

	miss, err := m.Find("Accepted password for root", baseTime)
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestPatternMarshalJSON(t *testing.T) {
	p := MustCompile(PatternDefinition{
		Name:          "Night Login",
		Category:      CategoryAnomalousBehavior,
		Severity:      SeverityMedium,
		Matchers:      []string{"login"},
		Conditions:    []ConditionSpec{{Type: ConditionHourInSet, Hours: []int{23, 0}}},
		WindowSeconds: 60,
		Threshold:     2,
	})

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "Night Login",
		"category": "anomalous_behavior",
		"severity": "medium",
		"description": "",
		"matchers": ["login"],
		"conditions": [{"type": "hour_in_set", "hours": [23, 0]}],
		"window_seconds": 60,
		"threshold": 2
	}`, string(data))

	var def PatternDefinition
	require.NoError(t, json.Unmarshal(data, &def))
	assert.Equal(t, p.Definition(), def)
}

func TestSeverityParsing(t *testing.T) {
	for in, want := range map[string]Severity{
		"critical": SeverityCritical,
		"HIGH":     SeverityHigh,
		" Medium ": SeverityMedium,
		"4":        SeverityLow,
		"info":     SeverityInfo,
	} {
		got, err := ParseSeverity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSeverity("6")
	assert.Error(t, err)
	_, err = ParseSeverity("severe")
	assert.Error(t, err)

	var s Severity
	require.NoError(t, json.Unmarshal([]byte(`2`), &s))
	assert.Equal(t, SeverityHigh, s)
	require.NoError(t, json.Unmarshal([]byte(`"low"`), &s))
	assert.Equal(t, SeverityLow, s)
	assert.Error(t, json.Unmarshal([]byte(`0`), &s))
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.Greater(t, SeverityCritical.Weight(), SeverityInfo.Weight())
}

func TestAlertID(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "threat_1700000000_SSH_Brute_Force", AlertID(at, "SSH Brute Force"))
}
