package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/detection"
)

// RedisStreamConfig configures the Redis stream sink.
type RedisStreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Stream  string `yaml:"stream"`
	// MaxLen trims the stream approximately to this many entries; 0 keeps
	// everything.
	MaxLen int64 `yaml:"max_len"`
}

// DefaultRedisStreamConfig returns sensible defaults.
func DefaultRedisStreamConfig() RedisStreamConfig {
	return RedisStreamConfig{
		Stream: "patternforge:alerts",
		MaxLen: 100000,
	}
}

// RedisStreamPublisher appends each alert to a Redis stream.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	config RedisStreamConfig
	logger *zap.Logger
}

// NewRedisStreamPublisher creates a stream publisher on an existing client.
// The caller owns the client.
func NewRedisStreamPublisher(client redis.UniversalClient, cfg RedisStreamConfig, logger *zap.Logger) *RedisStreamPublisher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultRedisStreamConfig().Stream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamPublisher{client: client, config: cfg, logger: logger}
}

// Publish writes the alerts in one pipeline.
func (p *RedisStreamPublisher) Publish(ctx context.Context, alerts []detection.ThreatAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, alert := range alerts {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("marshal alert %s: %w", alert.AlertID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.config.Stream,
			MaxLen: p.config.MaxLen,
			Approx: p.config.MaxLen > 0,
			Values: map[string]any{
				"id":         uuid.NewString(),
				"alert_id":   alert.AlertID,
				"category":   string(alert.Category),
				"severity":   alert.Severity.String(),
				"confidence": alert.Confidence,
				"created_at": alert.CreatedAt.UTC().Format(time.RFC3339Nano),
				"payload":    string(payload),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", p.config.Stream, err)
	}
	p.logger.Debug("Published alerts to Redis stream",
		zap.String("stream", p.config.Stream),
		zap.Int("alerts", len(alerts)),
	)
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (p *RedisStreamPublisher) Close() error { return nil }
