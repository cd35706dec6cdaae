// Package mitre provides MITRE ATT&CK framework mapping for threat categories
package mitre

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// AttackFramework provides MITRE ATT&CK framework functionality
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
	categories map[string][]categoryMapping
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1110"
	Name    string   `json:"name"`    // e.g., "Brute Force"
	Tactics []string `json:"tactics"` // e.g., ["credential-access"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0006"
	Name      string `json:"name"`       // e.g., "Credential Access"
	ShortName string `json:"short_name"` // e.g., "credential-access"
	URL       string `json:"url"`
}

// Mapping represents a technique mapping for a threat category
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

type categoryMapping struct {
	technique  string
	tactic     string
	confidence float64
}

// NewAttackFramework creates a new MITRE ATT&CK framework instance
func NewAttackFramework(logger *zap.Logger) *AttackFramework {
	if logger == nil {
		logger = zap.NewNop()
	}
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
		categories: make(map[string][]categoryMapping),
		logger:     logger,
	}

	af.initializeCommonTechniques()
	af.initializeTactics()
	af.initializeCategories()

	return af
}

// MapCategory maps a threat category to ATT&CK techniques, strongest first.
func (af *AttackFramework) MapCategory(category string) []Mapping {
	af.mu.RLock()
	defer af.mu.RUnlock()

	entries, ok := af.categories[strings.ToLower(category)]
	if !ok {
		af.logger.Debug("No MITRE mapping for category",
			zap.String("category", category),
		)
		return []Mapping{}
	}

	mappings := make([]Mapping, 0, len(entries))
	for _, e := range entries {
		t := af.techniques[e.technique]
		ta := af.tactics[e.tactic]
		mappings = append(mappings, Mapping{
			TechniqueID:   t.ID,
			TechniqueName: t.Name,
			TacticID:      ta.ID,
			TacticName:    ta.Name,
			Confidence:    e.confidence,
			Evidence:      fmt.Sprintf("Threat category: %s", category),
		})
	}
	return mappings
}

// TechniquesFor returns the technique IDs mapped to category.
func (af *AttackFramework) TechniquesFor(category string) []string {
	mappings := af.MapCategory(category)
	ids := make([]string, 0, len(mappings))
	for _, m := range mappings {
		ids = append(ids, m.TechniqueID)
	}
	return ids
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	t, ok := af.techniques[strings.ToUpper(id)]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	af.mu.RLock()
	defer af.mu.RUnlock()
	if t, ok := af.tactics[strings.ToUpper(id)]; ok {
		return t, ok
	}
	t, ok := af.tactics[strings.ToLower(id)]
	return t, ok
}

// GetTechniquesByTactic returns all techniques for a given tactic, sorted by ID
func (af *AttackFramework) GetTechniquesByTactic(tacticID string) []*Technique {
	af.mu.RLock()
	defer af.mu.RUnlock()

	result := make([]*Technique, 0)
	tacticShortName := strings.ToLower(tacticID)
	if ta, ok := af.tactics[strings.ToUpper(tacticID)]; ok {
		tacticShortName = ta.ShortName
	}

	for _, t := range af.techniques {
		for _, tactic := range t.Tactics {
			if tactic == tacticShortName {
				result = append(result, t)
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (af *AttackFramework) initializeCommonTechniques() {
	af.mu.Lock()
	defer af.mu.Unlock()

	techniques := []*Technique{
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1110.001", Name: "Password Guessing", Tactics: []string{"credential-access"}},
		{ID: "T1021", Name: "Remote Services", Tactics: []string{"lateral-movement"}},
		{ID: "T1021.004", Name: "SSH", Tactics: []string{"lateral-movement"}},
		{ID: "T1046", Name: "Network Service Discovery", Tactics: []string{"discovery"}},
		{ID: "T1078", Name: "Valid Accounts", Tactics: []string{"defense-evasion", "persistence", "privilege-escalation", "initial-access"}},
		{ID: "T1204", Name: "User Execution", Tactics: []string{"execution"}},
		{ID: "T1059", Name: "Command and Scripting Interpreter", Tactics: []string{"execution"}},
		{ID: "T1059.007", Name: "JavaScript", Tactics: []string{"execution"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"initial-access"}},
		{ID: "T1041", Name: "Exfiltration Over C2 Channel", Tactics: []string{"exfiltration"}},
		{ID: "T1048", Name: "Exfiltration Over Alternative Protocol", Tactics: []string{"exfiltration"}},
		{ID: "T1068", Name: "Exploitation for Privilege Escalation", Tactics: []string{"privilege-escalation"}},
		{ID: "T1548", Name: "Abuse Elevation Control Mechanism", Tactics: []string{"privilege-escalation", "defense-evasion"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1568", Name: "Dynamic Resolution", Tactics: []string{"command-and-control"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	af.mu.Lock()
	defer af.mu.Unlock()

	tactics := []*Tactic{
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}

func (af *AttackFramework) initializeCategories() {
	af.mu.Lock()
	defer af.mu.Unlock()

	af.categories = map[string][]categoryMapping{
		"brute_force": {
			{technique: "T1110", tactic: "TA0006", confidence: 0.9},
			{technique: "T1110.001", tactic: "TA0006", confidence: 0.7},
		},
		"lateral_movement": {
			{technique: "T1021", tactic: "TA0008", confidence: 0.8},
			{technique: "T1078", tactic: "TA0004", confidence: 0.6},
			{technique: "T1046", tactic: "TA0007", confidence: 0.5},
		},
		"malware": {
			{technique: "T1204", tactic: "TA0002", confidence: 0.7},
			{technique: "T1059", tactic: "TA0002", confidence: 0.5},
		},
		"intrusion": {
			{technique: "T1190", tactic: "TA0001", confidence: 0.8},
			{technique: "T1059.007", tactic: "TA0002", confidence: 0.5},
		},
		"data_exfiltration": {
			{technique: "T1048", tactic: "TA0010", confidence: 0.7},
			{technique: "T1041", tactic: "TA0010", confidence: 0.6},
		},
		"privilege_escalation": {
			{technique: "T1068", tactic: "TA0004", confidence: 0.7},
			{technique: "T1548", tactic: "TA0004", confidence: 0.6},
		},
		"c2_communication": {
			{technique: "T1071", tactic: "TA0011", confidence: 0.8},
			{technique: "T1568", tactic: "TA0011", confidence: 0.5},
		},
		"anomalous_behavior": {
			{technique: "T1078", tactic: "TA0001", confidence: 0.5},
		},
	}
}

// ExportMappingsToJSON exports mappings to JSON format
func ExportMappingsToJSON(mappings []Mapping) ([]byte, error) {
	return json.MarshalIndent(mappings, "", "  ")
}
