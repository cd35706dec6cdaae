package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/detection"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Name          string        `yaml:"name"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "patternforge.alerts",
		Name:          "patternforge",
		FlushTimeout:  2 * time.Second,
	}
}

// msgConn is the subset of *nats.Conn the publisher uses.
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// NATSPublisher publishes each alert on <prefix>.<category>.
type NATSPublisher struct {
	conn   msgConn
	config NATSConfig
	logger *zap.Logger
}

// ConnectNATS dials the configured server and returns a publisher owning
// the connection.
func ConnectNATS(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return newNATSPublisher(nc, cfg, logger), nil
}

func newNATSPublisher(conn msgConn, cfg NATSConfig, logger *zap.Logger) *NATSPublisher {
	def := DefaultNATSConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, config: cfg, logger: logger}
}

// Subject returns the subject an alert of category is published on.
func (p *NATSPublisher) Subject(category detection.ThreatCategory) string {
	return p.config.SubjectPrefix + "." + string(category)
}

// Publish sends every alert and flushes. Per-alert failures are joined.
func (p *NATSPublisher) Publish(ctx context.Context, alerts []detection.ThreatAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	var errs []error
	for _, alert := range alerts {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", alert.AlertID, err))
			continue
		}

		headers := nats.Header{}
		headers.Set("x-alert-id", alert.AlertID)
		headers.Set("x-severity", alert.Severity.String())
		headers.Set("x-category", string(alert.Category))
		headers.Set("x-pattern", alert.PatternName)

		msg := &nats.Msg{
			Subject: p.Subject(alert.Category),
			Data:    data,
			Header:  headers,
		}
		if err := p.conn.PublishMsg(msg); err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", alert.AlertID, err))
		}
	}

	if err := p.conn.FlushTimeout(p.config.FlushTimeout); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.logger.Debug("Published alerts to NATS",
		zap.String("prefix", p.config.SubjectPrefix),
		zap.Int("alerts", len(alerts)),
	)
	return nil
}

// Close closes the connection.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
