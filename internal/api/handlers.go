package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/detection"
	"github.com/lvonguyen/patternforge/internal/mitre"
	"github.com/lvonguyen/patternforge/internal/remediation"
	"github.com/lvonguyen/patternforge/internal/telemetry/correlation"
)

// DefaultSummaryWindow is used when /summary has no window parameter.
const DefaultSummaryWindow = time.Hour

type batchRequest struct {
	Events []map[string]any `json:"events" validate:"required,min=1,max=1000"`
}

type falsePositiveRequest struct {
	Count int64 `json:"count" validate:"required,min=1,max=1000000"`
}

type analyzeResponse struct {
	Alerts []detection.ThreatAlert `json:"alerts"`
	Count  int                     `json:"count"`
}

type batchResponse struct {
	Results    [][]detection.ThreatAlert `json:"results"`
	Events     int                       `json:"events"`
	AlertCount int                       `json:"alert_count"`
	Chains     []correlation.AlertChain  `json:"chains,omitempty"`
}

type categoryInfo struct {
	Category         detection.ThreatCategory `json:"category"`
	MitigationAdvice []string                 `json:"mitigation_advice"`
	Techniques       []mitre.Mapping          `json:"techniques"`
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.deps.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	if _, err := s.deps.Engine.Stats(ctx); err != nil {
		checks["engine"] = err.Error()
		ready = false
	} else {
		checks["engine"] = "ok"
	}
	for name, ping := range s.deps.ReadyChecks {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// Event handlers

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.analyze")
	defer span.End()

	var record map[string]any
	if err := s.decode(w, r, &record); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(record) == 0 {
		writeError(w, http.StatusBadRequest, "event must not be empty")
		return
	}

	ev := s.deps.Normalizer.FromRecord(record)
	alerts, err := s.deps.Engine.Analyze(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.writeEngineError(w, err)
		return
	}
	span.SetAttributes(
		attribute.String("event.type", ev.EventType),
		attribute.Int("alerts", len(alerts)),
	)

	s.publish(ctx, alerts)
	if alerts == nil {
		alerts = []detection.ThreatAlert{}
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Alerts: alerts, Count: len(alerts)})
}

func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "api.analyze_batch")
	defer span.End()

	var req batchRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	events := make([]detection.SecurityEvent, len(req.Events))
	for i, rec := range req.Events {
		events[i] = s.deps.Normalizer.FromRecord(rec)
	}

	results, err := s.deps.Engine.AnalyzeBatch(ctx, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.writeEngineError(w, err)
		return
	}

	var all []detection.ThreatAlert
	for i, res := range results {
		if res == nil {
			results[i] = []detection.ThreatAlert{}
		}
		all = append(all, res...)
	}
	span.SetAttributes(
		attribute.Int("events", len(events)),
		attribute.Int("alerts", len(all)),
	)

	s.publish(ctx, all)
	writeJSON(w, http.StatusOK, batchResponse{
		Results:    results,
		Events:     len(events),
		AlertCount: len(all),
		Chains:     s.deps.Correlator.Correlate(all),
	})
}

// publish hands alerts to the sinks. Failures are logged and never fail the
// request; the alerts are already in the response.
func (s *Server) publish(ctx context.Context, alerts []detection.ThreatAlert) {
	if s.deps.Publisher == nil || len(alerts) == 0 {
		return
	}
	ctx, span := s.tracer.Start(ctx, "sink.publish")
	defer span.End()

	err := s.deps.Publisher.Publish(ctx, alerts)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SinkPublish(err)
	}
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("Failed to publish alerts", zap.Int("alerts", len(alerts)), zap.Error(err))
	}
}

// Pattern handlers

func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	patterns := s.deps.Engine.ListPatterns()
	defs := make([]detection.PatternDefinition, len(patterns))
	for i, p := range patterns {
		defs[i] = p.Definition()
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": defs, "count": len(defs)})
}

func (s *Server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "api.add_pattern")
	defer span.End()

	var def detection.PatternDefinition
	if err := s.decode(w, r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.deps.Engine.AddCustomPattern(def)
	if err != nil {
		span.RecordError(err)
		var verr *detection.ValidationError
		switch {
		case errors.Is(err, detection.ErrDuplicatePattern):
			writeError(w, http.StatusConflict, err.Error())
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeEngineError(w, err)
		}
		return
	}
	span.SetAttributes(attribute.String("pattern", p.Name))
	writeJSON(w, http.StatusCreated, p.Definition())
}

// Stats handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFalsePositives(w http.ResponseWriter, r *http.Request) {
	var req falsePositiveRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	total, err := s.deps.Engine.RecordFalsePositives(r.Context(), req.Count)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"false_positives": total})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window := DefaultSummaryWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "window must be a non-negative number of seconds")
			return
		}
		window = time.Duration(secs) * time.Second
	}

	summary, err := s.deps.Engine.Summary(r.Context(), window)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats := detection.Categories()
	out := make([]categoryInfo, len(cats))
	for i, c := range cats {
		mappings := s.deps.Attack.MapCategory(string(c))
		if mappings == nil {
			mappings = []mitre.Mapping{}
		}
		out[i] = categoryInfo{
			Category:         c,
			MitigationAdvice: remediation.AdviceFor(string(c)),
			Techniques:       mappings,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out, "count": len(out)})
}

// Reputation handlers

func (s *Server) handleIPReputation(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	rec, ok, err := s.deps.Engine.IPReputation(r.Context(), ip)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no reputation record for %s", ip))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUserBehavior(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	rec, ok, err := s.deps.Engine.UserBehavior(r.Context(), user)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no behavior record for %s", user))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Helpers

// decode reads a bounded JSON body, keeping numbers as json.Number so
// epoch timestamps survive intact.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, detection.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("Engine request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
