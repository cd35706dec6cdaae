// Package splunk provides bidirectional Splunk HEC integration.
// Receives events via HEC endpoint and sends threat alerts back to Splunk.
package splunk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/detection"
	"github.com/lvonguyen/patternforge/internal/telemetry/normalization"
)

// ErrBatchTooLarge is returned when a request carries more events than
// MaxBatchSize.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	TokenEnv     string        `yaml:"token_env"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxEventSize int           `yaml:"max_event_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Port:         8088,
		TokenEnv:     "SPLUNK_HEC_TOKEN_INBOUND",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Envelope returns the event in the shape the normalizer reads.
func (e HECEvent) Envelope() normalization.HECEnvelope {
	return normalization.HECEnvelope{
		Time:       e.Time,
		Host:       e.Host,
		Source:     e.Source,
		SourceType: e.SourceType,
		Event:      e.Event,
		Fields:     e.Fields,
	}
}

// ReceiverOption customizes a HECReceiver.
type ReceiverOption func(*HECReceiver)

// WithReceiverLogger sets the receiver logger.
func WithReceiverLogger(logger *zap.Logger) ReceiverOption {
	return func(r *HECReceiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, opts ...ReceiverOption) *HECReceiver {
	r := &HECReceiver{
		config:  config,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Routes registers the HEC endpoints on mux.
func (r *HECReceiver) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/services/collector/event", r.handleEvent)
	mux.HandleFunc("/services/collector/event/1.0", r.handleEvent)
	mux.HandleFunc("/services/collector/raw", r.handleRaw)
	mux.HandleFunc("/services/collector/health", r.handleHealth)
	mux.HandleFunc("/services/collector/health/1.0", r.handleHealth)
}

// Start begins listening for HEC events. It returns when ctx is cancelled
// and the server has shut down, or when the listener fails.
func (r *HECReceiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	r.Routes(mux)

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      mux,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("HEC receiver shutdown failed", zap.Error(err))
		}
	}()

	r.logger.Info("HEC receiver listening", zap.String("addr", r.server.Addr))

	var err error
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		err = r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHECError(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		writeHECError(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	// Parse events (may be a single JSON object or newline-delimited)
	events, err := r.parseEvents(body)
	if err != nil {
		writeHECError(w, http.StatusBadRequest, err.Error(), 6)
		return
	}

	r.process(w, req, events, len(body))
}

// handleRaw processes raw HEC endpoint requests. Each non-empty line of the
// body becomes one event carrying the query-string metadata.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHECError(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		writeHECError(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	q := req.URL.Query()
	var events []HECEvent
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if r.config.MaxBatchSize > 0 && len(events) >= r.config.MaxBatchSize {
			writeHECError(w, http.StatusBadRequest, ErrBatchTooLarge.Error(), 6)
			return
		}
		events = append(events, HECEvent{
			Event:      line,
			SourceType: q.Get("sourcetype"),
			Source:     q.Get("source"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
		})
	}
	if err := scanner.Err(); err != nil {
		writeHECError(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}
	if len(events) == 0 {
		writeHECError(w, http.StatusBadRequest, "No data", 5)
		return
	}

	r.process(w, req, events, len(body))
}

func (r *HECReceiver) process(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			r.logger.Warn("HEC events dropped", zap.Int("events", len(events)), zap.Error(err))
			writeHECError(w, http.StatusInternalServerError, "Error processing events", 8)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"text":"Success","code":0}`))
}

func (r *HECReceiver) readBody(req *http.Request) ([]byte, error) {
	limit := int64(r.config.MaxEventSize)
	if limit <= 0 {
		limit = int64(DefaultReceiverConfig().MaxEventSize)
	}
	return io.ReadAll(io.LimitReader(req.Body, limit))
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"text":"HEC is healthy","code":17}`))
}

// validateToken checks the HEC token. It fails closed when no token is
// configured and only accepts the Authorization header.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	return strings.TrimPrefix(auth, "Splunk ") == expectedToken
}

// parseEvents parses HEC event body (JSON or newline-delimited).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	// Try single JSON object first
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		if r.config.MaxBatchSize > 0 && len(events) >= r.config.MaxBatchSize {
			return nil, fmt.Errorf("%w (%d)", ErrBatchTooLarge, r.config.MaxBatchSize)
		}
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}

	return events, nil
}

func writeHECError(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

// ===========================================================================
// Engine handler - feeds received events through detection
// ===========================================================================

// Analyzer runs normalized events through detection.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, events []detection.SecurityEvent) ([][]detection.ThreatAlert, error)
}

// AlertPublisher forwards raised alerts.
type AlertPublisher interface {
	Publish(ctx context.Context, alerts []detection.ThreatAlert) error
}

// NewEngineHandler returns an EventHandler that normalizes HEC events,
// analyzes them as one batch and publishes any alerts. Publish failures are
// logged; the events have already been analyzed so the request succeeds.
func NewEngineHandler(engine Analyzer, normalizer *normalization.Normalizer, publisher AlertPublisher, logger *zap.Logger) EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, events []HECEvent) error {
		batch := make([]detection.SecurityEvent, len(events))
		for i, ev := range events {
			batch[i] = normalizer.FromHEC(ev.Envelope())
		}

		results, err := engine.AnalyzeBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("analyze batch: %w", err)
		}

		var alerts []detection.ThreatAlert
		for _, r := range results {
			alerts = append(alerts, r...)
		}
		if len(alerts) == 0 || publisher == nil {
			return nil
		}
		if err := publisher.Publish(ctx, alerts); err != nil {
			logger.Warn("Failed to publish HEC alerts", zap.Int("alerts", len(alerts)), zap.Error(err))
		}
		return nil
	}
}

// ===========================================================================
// HEC Sender - Sends threat alerts back to Splunk
// ===========================================================================

// HECSender sends events to Splunk via HEC.
type HECSender struct {
	config     SenderConfig
	httpClient *http.Client
	mu         sync.RWMutex
	stats      SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HECURL       string        `yaml:"hec_url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	Host         string        `yaml:"host"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:        "patternforge_alerts",
		SourceType:   "patternforge:alert",
		Source:       "patternforge",
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Second,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent   int64     `json:"events_sent"`
	EventsFailed int64     `json:"events_failed"`
	BytesSent    int64     `json:"bytes_sent"`
	LastSendAt   time.Time `json:"last_send_at"`
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}

	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}

	return &HECSender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Send sends a single alert to Splunk.
func (s *HECSender) Send(ctx context.Context, alert detection.ThreatAlert) error {
	return s.SendBatch(ctx, []detection.ThreatAlert{alert})
}

// Publish implements the alert sink contract.
func (s *HECSender) Publish(ctx context.Context, alerts []detection.ThreatAlert) error {
	return s.SendBatch(ctx, alerts)
}

// Close is a no-op; the HTTP client holds no resources worth releasing.
func (s *HECSender) Close() error { return nil }

// SendBatch sends multiple alerts to Splunk as newline-delimited HEC events.
func (s *HECSender) SendBatch(ctx context.Context, alerts []detection.ThreatAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, alert := range alerts {
		data, err := json.Marshal(HECEvent{
			Time:       float64(alert.SourceEvent.Timestamp.UnixMilli()) / 1000,
			Host:       s.config.Host,
			Source:     s.config.Source,
			SourceType: s.config.SourceType,
			Index:      s.config.Index,
			Event:      alert,
			Fields: map[string]any{
				"category":   string(alert.Category),
				"severity":   alert.Severity.String(),
				"pattern":    alert.PatternName,
				"confidence": alert.Confidence,
				"source_ip":  alert.SourceEvent.SourceIP,
			},
		})
		if err != nil {
			return fmt.Errorf("marshal alert %s: %w", alert.AlertID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	return s.sendWithRetry(ctx, buf.Bytes(), len(alerts))
}

// HECStatusError is a non-200 answer from the collector.
type HECStatusError struct {
	StatusCode int
	Body       string
}

func (e *HECStatusError) Error() string {
	return fmt.Sprintf("HEC returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a retry may succeed: throttling and server-side
// failures only.
func (e *HECStatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// sendWithRetry sends data with quadratic backoff between attempts. Transport
// errors, 429 and 5xx are retried; any other status fails at once.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte, count int) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * s.config.RetryBackoff
			select {
			case <-ctx.Done():
				s.recordFailure(count)
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.send(ctx, data, count)
		if err == nil {
			return nil
		}
		var statusErr *HECStatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			s.recordFailure(count)
			return err
		}
		lastErr = err
	}

	s.recordFailure(count)
	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

func (s *HECSender) recordFailure(count int) {
	s.mu.Lock()
	s.stats.EventsFailed += int64(count)
	s.mu.Unlock()
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte, count int) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Splunk "+os.Getenv(s.config.TokenEnv))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HECStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(count)
	s.stats.BytesSent += int64(len(data))
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()

	return nil
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}

	return nil
}
