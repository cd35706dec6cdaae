package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds detection engine settings.
type Config struct {
	HistoryCapacity  int             `yaml:"history_capacity"`
	MatchTimeout     time.Duration   `yaml:"match_timeout"`
	LoadBuiltins     bool            `yaml:"load_builtins"`
	PatternFiles     []string        `yaml:"pattern_files"`
	IPReputation     RetentionConfig `yaml:"ip_reputation"`
	UserBehavior     RetentionConfig `yaml:"user_behavior"`
	MaxIPsPerUser    int             `yaml:"max_ips_per_user"`
	SweepInterval    time.Duration   `yaml:"sweep_interval"`
	AlertLogCapacity int             `yaml:"alert_log_capacity"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: DefaultHistoryCapacity,
		MatchTimeout:    DefaultMatchTimeout,
		LoadBuiltins:    true,
		IPReputation: RetentionConfig{
			MaxEntries: DefaultMaxIPRecords,
			Horizon:    DefaultHorizon,
		},
		UserBehavior: RetentionConfig{
			MaxEntries: DefaultMaxUserRecords,
			Horizon:    DefaultHorizon,
		},
		MaxIPsPerUser:    DefaultMaxIPsPerUser,
		SweepInterval:    time.Minute,
		AlertLogCapacity: DefaultHistoryCapacity,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = def.HistoryCapacity
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = def.MatchTimeout
	}
	if c.MaxIPsPerUser <= 0 {
		c.MaxIPsPerUser = def.MaxIPsPerUser
	}
	if c.AlertLogCapacity <= 0 {
		c.AlertLogCapacity = def.AlertLogCapacity
	}
	return c
}

// Option configures a Detector or Engine.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	clock      func() time.Time
	metrics    MetricsRecorder
	techniques TechniqueMapper
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  zap.NewNop(),
		clock:   time.Now,
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now, used for missing event timestamps, alert
// creation times and summary windows.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTechniqueMapper attaches ATT&CK technique IDs to alerts.
func WithTechniqueMapper(m TechniqueMapper) Option {
	return func(o *options) {
		o.techniques = m
	}
}

type request struct {
	fn   func(*Detector)
	err  error
	done chan struct{}
}

// Engine serializes all analysis through a single goroutine that owns the
// Detector. Every method is safe for concurrent use. Pattern registration
// and listing go straight to the registry and do not wait for the loop.
type Engine struct {
	detector *Detector
	logger   *zap.Logger
	clock    func() time.Time
	sweep    time.Duration

	requests  chan *request
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewEngine builds a detector from cfg and starts the engine loop. Call
// Close to stop it.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	d, err := NewDetector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		detector: d,
		logger:   d.logger,
		clock:    d.clock,
		sweep:    cfg.SweepInterval,
		requests: make(chan *request),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.stopped)

	var tick <-chan time.Time
	if e.sweep > 0 {
		ticker := time.NewTicker(e.sweep)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.done:
			return
		case req := <-e.requests:
			e.exec(req)
		case <-tick:
			e.exec(&request{fn: func(d *Detector) { d.Sweep(e.clock()) }})
		}
	}
}

func (e *Engine) exec(req *request) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic in detection engine",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			req.err = fmt.Errorf("%w: %v", ErrEnginePanic, r)
		}
		if req.done != nil {
			close(req.done)
		}
	}()
	req.fn(e.detector)
}

// do runs fn on the engine goroutine and waits for it. Once accepted, fn
// runs to completion even if ctx is cancelled meanwhile. A panic in fn is
// returned as ErrEnginePanic; the engine keeps serving.
func (e *Engine) do(ctx context.Context, fn func(*Detector)) error {
	req := &request{fn: fn, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	case e.requests <- req:
	}
	<-req.done
	return req.err
}

// Analyze runs ev through every registered pattern.
func (e *Engine) Analyze(ctx context.Context, ev SecurityEvent) ([]ThreatAlert, error) {
	var alerts []ThreatAlert
	err := e.do(ctx, func(d *Detector) {
		alerts = d.Analyze(ev)
	})
	return alerts, err
}

// AnalyzeBatch analyzes events in order as one unit: no other caller's
// events are interleaved with the batch.
func (e *Engine) AnalyzeBatch(ctx context.Context, events []SecurityEvent) ([][]ThreatAlert, error) {
	var out [][]ThreatAlert
	err := e.do(ctx, func(d *Detector) {
		out = d.AnalyzeBatch(events)
	})
	return out, err
}

// AddCustomPattern compiles and registers def. The pattern applies from the
// next analyzed event. Validation failures are returned as *ValidationError.
func (e *Engine) AddCustomPattern(def PatternDefinition) (*ThreatPattern, error) {
	if e.closed() {
		return nil, ErrEngineClosed
	}
	return e.detector.AddPattern(def)
}

// ListPatterns returns the registered patterns in evaluation order.
func (e *Engine) ListPatterns() []*ThreatPattern {
	return e.detector.registry.List()
}

// Stats returns a snapshot of the detection counters.
func (e *Engine) Stats(ctx context.Context) (DetectionStats, error) {
	var stats DetectionStats
	err := e.do(ctx, func(d *Detector) {
		stats = d.Stats()
	})
	return stats, err
}

// Summary aggregates activity over the trailing window.
func (e *Engine) Summary(ctx context.Context, window time.Duration) (ThreatSummary, error) {
	if window < 0 {
		return ThreatSummary{}, fmt.Errorf("negative summary window %s", window)
	}
	var summary ThreatSummary
	err := e.do(ctx, func(d *Detector) {
		summary = d.Summary(window)
	})
	return summary, err
}

// RecordFalsePositives adds n analyst-confirmed false positives and returns
// the new total.
func (e *Engine) RecordFalsePositives(ctx context.Context, n int64) (int64, error) {
	var total int64
	err := e.do(ctx, func(d *Detector) {
		total = d.RecordFalsePositives(n)
	})
	return total, err
}

// IPReputation returns the tracked record for ip.
func (e *Engine) IPReputation(ctx context.Context, ip string) (ReputationRecord, bool, error) {
	var (
		rec ReputationRecord
		ok  bool
	)
	err := e.do(ctx, func(d *Detector) {
		rec, ok = d.IPReputation(ip)
	})
	return rec, ok, err
}

// UserBehavior returns the tracked record for user.
func (e *Engine) UserBehavior(ctx context.Context, user string) (BehaviorSnapshot, bool, error) {
	var (
		rec BehaviorSnapshot
		ok  bool
	)
	err := e.do(ctx, func(d *Detector) {
		rec, ok = d.UserBehavior(user)
	})
	return rec, ok, err
}

func (e *Engine) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Close stops the engine loop and waits for it to exit. Requests already
// accepted complete first.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	<-e.stopped
	return nil
}
