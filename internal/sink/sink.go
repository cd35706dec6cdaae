// Package sink fans raised threat alerts out to downstream consumers: Redis
// streams, NATS subjects, live WebSocket dashboards and Splunk HEC.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/detection"
)

// Publisher delivers alerts to one destination.
type Publisher interface {
	Publish(ctx context.Context, alerts []detection.ThreatAlert) error
	Close() error
}

// Fanout publishes to every publisher and joins their errors. A failing
// publisher does not stop delivery to the others.
type Fanout struct {
	mu         sync.RWMutex
	publishers []namedPublisher
	logger     *zap.Logger
}

type namedPublisher struct {
	name string
	pub  Publisher
}

// NewFanout creates an empty fan-out.
func NewFanout(logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{logger: logger}
}

// Add registers pub under name.
func (f *Fanout) Add(name string, pub Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers = append(f.publishers, namedPublisher{name: name, pub: pub})
}

// Len returns the number of registered publishers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.publishers)
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, alerts []detection.ThreatAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	f.mu.RLock()
	pubs := append([]namedPublisher(nil), f.publishers...)
	f.mu.RUnlock()

	var errs []error
	for _, p := range pubs {
		if err := p.pub.Publish(ctx, alerts); err != nil {
			f.logger.Warn("Alert sink publish failed",
				zap.String("sink", p.name),
				zap.Int("alerts", len(alerts)),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, p := range f.publishers {
		if err := p.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	f.publishers = nil
	return errors.Join(errs...)
}
