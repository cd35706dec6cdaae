// Package remediation provides the mitigation guidance attached to threat
// alerts.
package remediation

import "sort"

// Action types used to classify a mitigation step.
const (
	ActionBlock       = "block"
	ActionIsolate     = "isolate"
	ActionReview      = "review"
	ActionHarden      = "harden"
	ActionMonitor     = "monitor"
	ActionInvestigate = "investigate"
)

// Step is one actionable mitigation.
type Step struct {
	Description string `json:"description"`
	ActionType  string `json:"action_type"`
	Reversible  bool   `json:"reversible"`
}

// playbook maps a threat category to its ordered mitigation steps. Categories
// without an entry get defaultSteps.
var playbook = map[string][]Step{
	"brute_force": {
		{Description: "Block source IP address", ActionType: ActionBlock, Reversible: true},
		{Description: "Implement rate limiting", ActionType: ActionHarden, Reversible: true},
		{Description: "Enable account lockout policies", ActionType: ActionHarden, Reversible: true},
		{Description: "Review authentication logs", ActionType: ActionReview},
	},
	"lateral_movement": {
		{Description: "Isolate affected systems", ActionType: ActionIsolate, Reversible: true},
		{Description: "Review user privileges", ActionType: ActionReview},
		{Description: "Audit network segmentation", ActionType: ActionReview},
		{Description: "Enable multi-factor authentication", ActionType: ActionHarden},
	},
	"malware": {
		{Description: "Isolate infected systems", ActionType: ActionIsolate, Reversible: true},
		{Description: "Run antivirus scans", ActionType: ActionInvestigate},
		{Description: "Review process logs", ActionType: ActionReview},
		{Description: "Update security signatures", ActionType: ActionHarden},
	},
	"intrusion": {
		{Description: "Block malicious IPs", ActionType: ActionBlock, Reversible: true},
		{Description: "Review firewall rules", ActionType: ActionReview},
		{Description: "Patch vulnerable systems", ActionType: ActionHarden},
		{Description: "Monitor for further activity", ActionType: ActionMonitor},
	},
	"data_exfiltration": {
		{Description: "Block data transfers", ActionType: ActionBlock, Reversible: true},
		{Description: "Review access logs", ActionType: ActionReview},
		{Description: "Enable DLP controls", ActionType: ActionHarden},
		{Description: "Audit data access permissions", ActionType: ActionReview},
	},
	"c2_communication": {
		{Description: "Block C2 server IPs", ActionType: ActionBlock, Reversible: true},
		{Description: "Review network traffic", ActionType: ActionReview},
		{Description: "Implement DNS filtering", ActionType: ActionHarden},
		{Description: "Monitor outbound connections", ActionType: ActionMonitor},
	},
	"anomalous_behavior": {
		{Description: "Review user activity", ActionType: ActionReview},
		{Description: "Verify legitimate access", ActionType: ActionInvestigate},
		{Description: "Monitor for further anomalies", ActionType: ActionMonitor},
		{Description: "Update behavior baselines", ActionType: ActionHarden},
	},
}

var defaultSteps = []Step{
	{Description: "Review security logs", ActionType: ActionReview},
	{Description: "Monitor system activity", ActionType: ActionMonitor},
}

// StepsFor returns the mitigation steps for category. The slice is a copy.
func StepsFor(category string) []Step {
	steps, ok := playbook[category]
	if !ok {
		steps = defaultSteps
	}
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// AdviceFor returns the mitigation descriptions for category in order.
func AdviceFor(category string) []string {
	steps, ok := playbook[category]
	if !ok {
		steps = defaultSteps
	}
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Description
	}
	return out
}

// HasPlaybook reports whether category has dedicated guidance rather than the
// generic fallback.
func HasPlaybook(category string) bool {
	_, ok := playbook[category]
	return ok
}

// Categories returns the categories with dedicated guidance, sorted.
func Categories() []string {
	out := make([]string, 0, len(playbook))
	for c := range playbook {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
