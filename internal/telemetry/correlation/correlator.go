// Package correlation groups alerts that share an entity into attack chains.
package correlation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/patternforge/internal/detection"
)

// AlertChain is a run of alerts against one entity with no gap longer than
// the correlation window.
type AlertChain struct {
	ID         string                     `json:"id"`
	Entity     string                     `json:"entity"`
	StartTime  time.Time                  `json:"start_time"`
	EndTime    time.Time                  `json:"end_time"`
	AlertIDs   []string                   `json:"alert_ids"`
	Categories []detection.ThreatCategory `json:"categories"`
	Severity   detection.Severity         `json:"severity"`
	RiskScore  float64                    `json:"risk_score"`
	Summary    string                     `json:"summary"`
	MITREChain []string                   `json:"mitre_chain"`
}

// CorrelatorConfig holds configuration for the correlator
type CorrelatorConfig struct {
	Window        time.Duration `yaml:"window"`
	MinAlerts     int           `yaml:"min_alerts"`
	RiskThreshold float64       `yaml:"risk_threshold"`
}

// DefaultCorrelatorConfig returns sensible defaults.
func DefaultCorrelatorConfig() CorrelatorConfig {
	return CorrelatorConfig{
		Window:        15 * time.Minute,
		MinAlerts:     2,
		RiskThreshold: 0,
	}
}

// Correlator correlates related alerts into attack chains
type Correlator struct {
	config CorrelatorConfig
}

// NewCorrelator creates a new correlator
func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	def := DefaultCorrelatorConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinAlerts < 1 {
		cfg.MinAlerts = def.MinAlerts
	}
	return &Correlator{config: cfg}
}

// Correlate builds chains from alerts. The result is ordered by chain start
// time, then entity.
func (c *Correlator) Correlate(alerts []detection.ThreatAlert) []AlertChain {
	if len(alerts) < c.config.MinAlerts {
		return nil
	}

	var chains []AlertChain
	for entity, group := range c.groupByEntity(alerts) {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].SourceEvent.Timestamp.Before(group[j].SourceEvent.Timestamp)
		})

		start := 0
		for i := 1; i <= len(group); i++ {
			if i < len(group) && group[i].SourceEvent.Timestamp.Sub(group[i-1].SourceEvent.Timestamp) <= c.config.Window {
				continue
			}
			if chain, ok := c.buildChain(entity, group[start:i]); ok {
				chains = append(chains, chain)
			}
			start = i
		}
	}

	sort.Slice(chains, func(i, j int) bool {
		if !chains[i].StartTime.Equal(chains[j].StartTime) {
			return chains[i].StartTime.Before(chains[j].StartTime)
		}
		return chains[i].Entity < chains[j].Entity
	})
	return chains
}

// groupByEntity keys alerts by user, falling back to source IP.
func (c *Correlator) groupByEntity(alerts []detection.ThreatAlert) map[string][]detection.ThreatAlert {
	byEntity := make(map[string][]detection.ThreatAlert)
	for _, a := range alerts {
		if entity := extractEntity(a.SourceEvent); entity != "" {
			byEntity[entity] = append(byEntity[entity], a)
		}
	}
	return byEntity
}

func extractEntity(ev detection.SecurityEvent) string {
	if ev.User != "" {
		return "user:" + strings.ToLower(ev.User)
	}
	if ev.SourceIP != "" {
		return "ip:" + ev.SourceIP
	}
	return ""
}

func (c *Correlator) buildChain(entity string, alerts []detection.ThreatAlert) (AlertChain, bool) {
	if len(alerts) < c.config.MinAlerts {
		return AlertChain{}, false
	}

	chain := AlertChain{
		Entity:    entity,
		StartTime: alerts[0].SourceEvent.Timestamp,
		EndTime:   alerts[len(alerts)-1].SourceEvent.Timestamp,
		Severity:  detection.SeverityInfo,
	}
	chain.ID = fmt.Sprintf("chain_%d_%s", chain.StartTime.Unix(), entity)

	seenCat := make(map[detection.ThreatCategory]bool)
	seenTech := make(map[string]bool)
	var total float64
	for _, a := range alerts {
		chain.AlertIDs = append(chain.AlertIDs, a.AlertID)
		total += a.Confidence
		if a.Severity.AtLeast(chain.Severity) {
			chain.Severity = a.Severity
		}
		if !seenCat[a.Category] {
			seenCat[a.Category] = true
			chain.Categories = append(chain.Categories, a.Category)
		}
		for _, t := range a.MITRETechniques {
			if !seenTech[t] {
				seenTech[t] = true
				chain.MITREChain = append(chain.MITREChain, t)
			}
		}
	}

	// Mean confidence, raised for chains spanning several categories.
	chain.RiskScore = total / float64(len(alerts))
	chain.RiskScore += 0.1 * float64(len(chain.Categories)-1)
	if chain.RiskScore > 1 {
		chain.RiskScore = 1
	}
	if chain.RiskScore < c.config.RiskThreshold {
		return AlertChain{}, false
	}

	chain.Summary = summarize(entity, alerts, chain.Categories)
	return chain, true
}

func summarize(entity string, alerts []detection.ThreatAlert, cats []detection.ThreatCategory) string {
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return fmt.Sprintf("%d alerts for %s across %s", len(alerts), entity, strings.Join(names, ", "))
}
