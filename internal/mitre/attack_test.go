package mitre

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var allCategories = []string{
	"brute_force",
	"lateral_movement",
	"malware",
	"intrusion",
	"data_exfiltration",
	"privilege_escalation",
	"c2_communication",
	"anomalous_behavior",
}

func TestMapCategory(t *testing.T) {
	af := NewAttackFramework(zaptest.NewLogger(t))

	mappings := af.MapCategory("brute_force")
	require.NotEmpty(t, mappings)
	assert.Equal(t, "T1110", mappings[0].TechniqueID)
	assert.Equal(t, "Brute Force", mappings[0].TechniqueName)
	assert.Equal(t, "TA0006", mappings[0].TacticID)
	assert.Equal(t, "Credential Access", mappings[0].TacticName)
}

func TestEveryCategoryResolves(t *testing.T) {
	af := NewAttackFramework(nil)
	for _, c := range allCategories {
		mappings := af.MapCategory(c)
		require.NotEmpty(t, mappings, c)
		for _, m := range mappings {
			_, ok := af.GetTechnique(m.TechniqueID)
			assert.True(t, ok, "%s: unknown technique %s", c, m.TechniqueID)
			_, ok = af.GetTactic(m.TacticID)
			assert.True(t, ok, "%s: unknown tactic %s", c, m.TacticID)
			assert.Greater(t, m.Confidence, 0.0)
			assert.LessOrEqual(t, m.Confidence, 1.0)
		}
	}
}

func TestTechniquesFor(t *testing.T) {
	af := NewAttackFramework(nil)
	assert.Equal(t, []string{"T1071", "T1568"}, af.TechniquesFor("c2_communication"))
	assert.Empty(t, af.TechniquesFor("unknown"))
}

func TestGetTactic(t *testing.T) {
	af := NewAttackFramework(nil)

	byID, ok := af.GetTactic("ta0008")
	require.True(t, ok)
	byName, ok := af.GetTactic("lateral-movement")
	require.True(t, ok)
	assert.Same(t, byID, byName)
}

func TestGetTechniquesByTactic(t *testing.T) {
	af := NewAttackFramework(nil)

	techs := af.GetTechniquesByTactic("TA0011")
	require.Len(t, techs, 2)
	assert.Equal(t, "T1071", techs[0].ID)
	assert.Equal(t, "T1568", techs[1].ID)
}

func TestSubTechniqueURL(t *testing.T) {
	af := NewAttackFramework(nil)
	tech, ok := af.GetTechnique("t1110.001")
	require.True(t, ok)
	assert.Equal(t, "https://attack.mitre.org/techniques/T1110/001/", tech.URL)
}

func TestExportMappingsToJSON(t *testing.T) {
	af := NewAttackFramework(nil)
	data, err := ExportMappingsToJSON(af.MapCategory("malware"))
	require.NoError(t, err)

	var decoded []Mapping
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded, 2)
}
