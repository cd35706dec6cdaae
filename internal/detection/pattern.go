package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"
)

// DefaultMatchTimeout bounds a single matcher evaluation so a pathological
// expression cannot stall the engine.
const DefaultMatchTimeout = 250 * time.Millisecond

var validate = validator.New()

// MaxWindowSeconds caps a pattern window at one year.
const MaxWindowSeconds = 365 * 24 * 60 * 60

// PatternDefinition is the data form of a threat pattern, as loaded from
// YAML packs or received over the API. WindowSeconds is capped at
// MaxWindowSeconds.
type PatternDefinition struct {
	Name          string          `yaml:"name" json:"name" validate:"required,max=200"`
	Category      ThreatCategory  `yaml:"category" json:"category" validate:"required,oneof=brute_force lateral_movement malware intrusion data_exfiltration privilege_escalation c2_communication anomalous_behavior"`
	Severity      Severity        `yaml:"severity" json:"severity" validate:"required,min=1,max=5"`
	Description   string          `yaml:"description" json:"description" validate:"max=2000"`
	Matchers      []string        `yaml:"matchers" json:"matchers" validate:"required,min=1,max=64,dive,required,max=4096"`
	Conditions    []ConditionSpec `yaml:"conditions,omitempty" json:"conditions,omitempty" validate:"max=16,dive"`
	WindowSeconds int             `yaml:"window_seconds" json:"window_seconds" validate:"min=0,max=31536000"`
	Threshold     int             `yaml:"threshold" json:"threshold"`
	Tags          []string        `yaml:"tags,omitempty" json:"tags,omitempty" validate:"max=50,dive,max=100"`
}

// Matcher is a compiled, case-insensitive text matcher.
type Matcher struct {
	expr string
	re   *regexp2.Regexp
}

func compileMatcher(expr string, timeout time.Duration) (*Matcher, error) {
	re, err := regexp2.Compile(expr, regexp2.IgnoreCase)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultMatchTimeout
	}
	re.MatchTimeout = timeout
	return &Matcher{expr: expr, re: re}, nil
}

// String returns the source expression.
func (m *Matcher) String() string { return m.expr }

// Find returns the first hit in text, or nil.
func (m *Matcher) Find(text string, ts time.Time) (*Match, error) {
	res, err := m.re.FindStringMatch(text)
	if err != nil {
		return nil, fmt.Errorf("matcher %q: %w", m.expr, err)
	}
	if res == nil {
		return nil, nil
	}
	groups := res.Groups()
	captured := make([]string, 0, len(groups))
	for _, g := range groups[1:] {
		captured = append(captured, g.String())
	}
	return &Match{
		Matcher:     m.expr,
		MatchedText: res.String(),
		Groups:      captured,
		Timestamp:   ts,
	}, nil
}

// MatchString reports whether text contains a hit.
func (m *Matcher) MatchString(text string) (bool, error) {
	ok, err := m.re.MatchString(text)
	if err != nil {
		return false, fmt.Errorf("matcher %q: %w", m.expr, err)
	}
	return ok, nil
}

// ThreatPattern is a compiled signature. Treat it as immutable; replace it
// wholesale instead of editing fields.
type ThreatPattern struct {
	Name        string
	Category    ThreatCategory
	Severity    Severity
	Description string
	Matchers    []*Matcher
	Conditions  []Condition
	Window      time.Duration
	Threshold   int
	Tags        []string
}

// Compile validates def and compiles its matchers and conditions.
func Compile(def PatternDefinition, matchTimeout time.Duration) (*ThreatPattern, error) {
	name := def.Name
	if def.Threshold < 1 {
		return nil, invalid(name, "threshold", ErrInvalidThreshold, "got %d", def.Threshold)
	}
	if err := validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, invalid(name, strings.ToLower(fe.Field()), ErrInvalidDefinition,
				"failed %q check", fe.Tag())
		}
		return nil, invalid(name, "", ErrInvalidDefinition, "%v", err)
	}

	p := &ThreatPattern{
		Name:        def.Name,
		Category:    def.Category,
		Severity:    def.Severity,
		Description: def.Description,
		Window:      time.Duration(def.WindowSeconds) * time.Second,
		Threshold:   def.Threshold,
		Tags:        append([]string(nil), def.Tags...),
	}

	for i, expr := range def.Matchers {
		m, err := compileMatcher(expr, matchTimeout)
		if err != nil {
			return nil, invalid(name, fmt.Sprintf("matchers[%d]", i), ErrInvalidMatcher, "%v", err)
		}
		p.Matchers = append(p.Matchers, m)
	}

	for i, spec := range def.Conditions {
		c, err := spec.Build()
		if err != nil {
			return nil, invalid(name, fmt.Sprintf("conditions[%d]", i), err, "")
		}
		p.Conditions = append(p.Conditions, c)
	}

	return p, nil
}

// MustCompile is Compile for definitions known to be valid.
func MustCompile(def PatternDefinition) *ThreatPattern {
	p, err := Compile(def, DefaultMatchTimeout)
	if err != nil {
		panic(err)
	}
	return p
}

// Definition converts the pattern back to its data form.
func (p *ThreatPattern) Definition() PatternDefinition {
	def := PatternDefinition{
		Name:          p.Name,
		Category:      p.Category,
		Severity:      p.Severity,
		Description:   p.Description,
		WindowSeconds: int(p.Window / time.Second),
		Threshold:     p.Threshold,
		Tags:          append([]string(nil), p.Tags...),
	}
	for _, m := range p.Matchers {
		def.Matchers = append(def.Matchers, m.String())
	}
	for _, c := range p.Conditions {
		def.Conditions = append(def.Conditions, c.Spec())
	}
	return def
}

func (p *ThreatPattern) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Definition())
}

// match runs every matcher against the message and collects the hits.
func (p *ThreatPattern) match(ev SecurityEvent) ([]Match, error) {
	var matches []Match
	for _, m := range p.Matchers {
		hit, err := m.Find(ev.Message, ev.Timestamp)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			matches = append(matches, *hit)
		}
	}
	return matches, nil
}

// matchesAny reports whether any matcher hits the message.
func (p *ThreatPattern) matchesAny(message string) (bool, error) {
	for _, m := range p.Matchers {
		ok, err := m.MatchString(message)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p *ThreatPattern) scope() *CorrelationKey {
	for _, c := range p.Conditions {
		if ck, ok := c.(CorrelationKey); ok {
			return &ck
		}
	}
	return nil
}
