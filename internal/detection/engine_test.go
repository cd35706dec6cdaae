package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, cfg Config, clock *fakeClock) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineSSHScenario(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e := newTestEngine(t, DefaultConfig(), clock)
	ctx := context.Background()

	var fired []ThreatAlert
	for i := 0; i < 5; i++ {
		alerts, err := e.Analyze(ctx, sshEvent(baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		if i < 4 {
			assert.Empty(t, alerts)
		}
		fired = append(fired, alerts...)
	}
	require.Len(t, fired, 1)

	rec, ok, err := e.IPReputation(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Malicious)
	assert.Equal(t, 5, rec.EventCount)
	assert.Equal(t, 1, rec.ThreatCount)
}

func TestEngineBatchMatchesSequential(t *testing.T) {
	events := make([]SecurityEvent, 0, 8)
	for i := 0; i < 8; i++ {
		events = append(events, sshEvent(baseTime.Add(time.Duration(i)*time.Second)))
	}
	ctx := context.Background()

	seq := newTestEngine(t, DefaultConfig(), &fakeClock{now: baseTime})
	var sequential [][]ThreatAlert
	for _, ev := range events {
		alerts, err := seq.Analyze(ctx, ev)
		require.NoError(t, err)
		sequential = append(sequential, alerts)
	}

	batch := newTestEngine(t, DefaultConfig(), &fakeClock{now: baseTime})
	perEvent, err := batch.AnalyzeBatch(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, sequential, perEvent)
}

func TestEngineConcurrentBatchesDoNotInterleave(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e := newTestEngine(t, Config{}, clock)
	def := failedLoginDef(300, 3)
	def.Conditions = []ConditionSpec{{Type: ConditionCorrelationKey, Field: FieldSourceIP}}
	_, err := e.AddCustomPattern(def)
	require.NoError(t, err)

	ctx := context.Background()
	const (
		callers   = 8
		batchSize = 25
	)
	results := make([][][]ThreatAlert, callers)
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			ip := fmt.Sprintf("192.0.2.%d", c+1)
			batch := make([]SecurityEvent, batchSize)
			for i := range batch {
				batch[i] = loginEvent(baseTime.Add(time.Duration(i)*time.Second), ip)
			}
			out, err := e.AnalyzeBatch(ctx, batch)
			assert.NoError(t, err)
			results[c] = out
		}(c)
	}
	wg.Wait()

	for _, out := range results {
		require.Len(t, out, batchSize)
		assert.Empty(t, out[0])
		assert.Empty(t, out[1])
		assert.Len(t, out[2], 1)
	}

	var history []SecurityEvent
	require.NoError(t, e.do(ctx, func(d *Detector) { history = d.History() }))
	require.Len(t, history, callers*batchSize)

	// Each batch occupies one contiguous run, in its own order.
	seen := make(map[string]bool)
	for run := 0; run < callers; run++ {
		chunk := history[run*batchSize : (run+1)*batchSize]
		ip := chunk[0].SourceIP
		assert.False(t, seen[ip], "batch from %s split", ip)
		seen[ip] = true
		for i, ev := range chunk {
			assert.Equal(t, ip, ev.SourceIP, "run %d position %d", run, i)
			assert.Equal(t, baseTime.Add(time.Duration(i)*time.Second), ev.Timestamp, "run %d position %d", run, i)
		}
	}
	assert.Len(t, seen, callers)
}

type panickingMetrics struct {
	nopMetrics
}

func (panickingMetrics) EventAnalyzed(time.Duration, int) { panic("metrics backend gone") }

func TestEnginePanicIsReturnedToCaller(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e, err := NewEngine(Config{}, WithLogger(zaptest.NewLogger(t)), WithClock(clock.Now), WithMetrics(panickingMetrics{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	ctx := context.Background()

	alerts, err := e.Analyze(ctx, loginEvent(baseTime, "192.0.2.1"))
	require.ErrorIs(t, err, ErrEnginePanic)
	assert.Contains(t, err.Error(), "metrics backend gone")
	assert.Nil(t, alerts)

	_, err = e.AnalyzeBatch(ctx, []SecurityEvent{loginEvent(baseTime, "192.0.2.1")})
	assert.ErrorIs(t, err, ErrEnginePanic)

	// The loop survives and later requests succeed.
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalEvents)

	err = e.do(ctx, func(*Detector) { panic("direct") })
	assert.ErrorIs(t, err, ErrEnginePanic)
	total, err := e.RecordFalsePositives(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestEngineAddAndListPatterns(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e := newTestEngine(t, DefaultConfig(), clock)

	before := len(e.ListPatterns())
	p, err := e.AddCustomPattern(failedLoginDef(60, 2))
	require.NoError(t, err)
	assert.Equal(t, "Failed Login Burst", p.Name)

	_, err = e.AddCustomPattern(failedLoginDef(60, 2))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ErrorIs(t, err, ErrDuplicatePattern)

	patterns := e.ListPatterns()
	require.Len(t, patterns, before+1)
	assert.Equal(t, "Failed Login Burst", patterns[len(patterns)-1].Name)
}

func TestEngineStatsAndSummary(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e := newTestEngine(t, DefaultConfig(), clock)
	ctx := context.Background()

	_, err := e.Analyze(ctx, SecurityEvent{Timestamp: baseTime, SourceIP: "10.0.0.9", Message: "union select * from users"})
	require.NoError(t, err)

	total, err := e.RecordFalsePositives(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.ThreatsDetected)
	assert.Equal(t, int64(1), stats.FalsePositives)
	assert.Equal(t, DefaultHistoryCapacity, stats.HistoryCapacity)
	assert.Equal(t, baseTime, stats.Timestamp)

	summary, err := e.Summary(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ThreatCounts[CategoryIntrusion])

	_, err = e.Summary(ctx, -time.Second)
	assert.Error(t, err)
}

func TestEngineClosed(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e, err := NewEngine(Config{}, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Analyze(context.Background(), sshEvent(baseTime))
	assert.True(t, errors.Is(err, ErrEngineClosed))
	_, err = e.Stats(context.Background())
	assert.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.AddCustomPattern(failedLoginDef(60, 2))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineCancelledContext(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	e := newTestEngine(t, Config{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context may still race the loop; either outcome is valid
	// but it must never hang.
	_, err := e.Analyze(ctx, sshEvent(baseTime))
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestEngineBadPatternFile(t *testing.T) {
	cfg := Config{PatternFiles: []string{"testdata/does-not-exist.yaml"}}
	_, err := NewEngine(cfg)
	assert.Error(t, err)
}
