package detection

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry holds the registered patterns in insertion order. Insertion order
// is the evaluation order, so alerts for one event come out in the order
// their patterns were registered.
type Registry struct {
	mu           sync.RWMutex
	patterns     []*ThreatPattern
	byName       map[string]*ThreatPattern
	matchTimeout time.Duration
}

// NewRegistry creates an empty registry. matchTimeout applies to matchers
// compiled through RegisterDefinition.
func NewRegistry(matchTimeout time.Duration) *Registry {
	if matchTimeout <= 0 {
		matchTimeout = DefaultMatchTimeout
	}
	return &Registry{
		byName:       make(map[string]*ThreatPattern),
		matchTimeout: matchTimeout,
	}
}

// Register adds a compiled pattern. It fails with a *ValidationError when
// the name is taken, there are no matchers, or the threshold is below 1.
func (r *Registry) Register(p *ThreatPattern) error {
	if p == nil {
		return invalid("", "", ErrInvalidDefinition, "nil pattern")
	}
	if p.Threshold < 1 {
		return invalid(p.Name, "threshold", ErrInvalidThreshold, "got %d", p.Threshold)
	}
	if p.Window < 0 {
		return invalid(p.Name, "window", ErrInvalidDefinition, "negative window %s", p.Window)
	}
	if len(p.Matchers) == 0 {
		return invalid(p.Name, "matchers", ErrInvalidDefinition, "at least one matcher is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name]; exists {
		return invalid(p.Name, "name", ErrDuplicatePattern, "")
	}
	r.patterns = append(r.patterns, p)
	r.byName[p.Name] = p
	return nil
}

// RegisterDefinition compiles def and registers it.
func (r *Registry) RegisterDefinition(def PatternDefinition) (*ThreatPattern, error) {
	p, err := Compile(def, r.matchTimeout)
	if err != nil {
		return nil, err
	}
	if err := r.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns a snapshot of the registered patterns in insertion order.
func (r *Registry) List() []*ThreatPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ThreatPattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

// Get returns the pattern registered under name.
func (r *Registry) Get(name string) (*ThreatPattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// Len returns the number of registered patterns.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}

// patternPack is the on-disk format of a pattern file.
type patternPack struct {
	Patterns []PatternDefinition `yaml:"patterns"`
}

// LoadDefinitions decodes a YAML pattern pack.
func LoadDefinitions(r io.Reader) ([]PatternDefinition, error) {
	var pack patternPack
	if err := yaml.NewDecoder(r).Decode(&pack); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse pattern pack: %w", err)
	}
	return pack.Patterns, nil
}

// LoadDefinitionsFile reads a YAML pattern pack from path.
func LoadDefinitionsFile(path string) ([]PatternDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern pack: %w", err)
	}
	defer f.Close()
	defs, err := LoadDefinitions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}
