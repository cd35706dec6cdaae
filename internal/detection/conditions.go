package detection

import (
	"fmt"
	"strconv"
	"strings"
)

// ConditionKind tags a condition variant.
type ConditionKind string

const (
	ConditionReputationFlag ConditionKind = "reputation_flag"
	ConditionUserInList     ConditionKind = "user_in_list"
	ConditionHourInSet      ConditionKind = "hour_in_set"
	ConditionCaptureAtLeast ConditionKind = "capture_at_least"
	ConditionCorrelationKey ConditionKind = "correlation_key"
)

// Reputation flags understood by ReputationFlag.
const (
	FlagMalicious  = "malicious"
	FlagSuspicious = "suspicious"
)

// Correlation fields understood by CorrelationKey.
const (
	FieldSourceIP  = "source_ip"
	FieldTargetIP  = "target_ip"
	FieldUser      = "user"
	FieldProcess   = "process"
	FieldEventType = "event_type"
)

type gateMode int

const (
	// gateSufficient conditions can fire a matched pattern on their own,
	// even when the window threshold is not met.
	gateSufficient gateMode = iota
	// gateRequired conditions must all hold for a pattern to fire.
	gateRequired
	// gateScope conditions narrow which history events are counted.
	gateScope
)

// evalContext is what a condition can see while a pattern is evaluated.
type evalContext struct {
	event      SecurityEvent
	matches    []Match
	reputation func(ip string) (ReputationRecord, bool)
}

// Condition is extra gating logic attached to a pattern. The set of
// variants is closed; build them from a ConditionSpec.
type Condition interface {
	Kind() ConditionKind
	Spec() ConditionSpec
	mode() gateMode
	evaluate(ec *evalContext) (bool, error)
}

// ConditionSpec is the data form of a Condition, as found in pattern packs
// and API payloads.
type ConditionSpec struct {
	Type  ConditionKind `yaml:"type" json:"type" validate:"required,oneof=reputation_flag user_in_list hour_in_set capture_at_least correlation_key"`
	Flag  string        `yaml:"flag,omitempty" json:"flag,omitempty"`
	Users []string      `yaml:"users,omitempty" json:"users,omitempty" validate:"max=256,dive,max=256"`
	Hours []int         `yaml:"hours,omitempty" json:"hours,omitempty" validate:"max=24,dive,min=0,max=23"`
	Group int           `yaml:"group,omitempty" json:"group,omitempty" validate:"min=0"`
	Min   float64       `yaml:"min,omitempty" json:"min,omitempty"`
	Field string        `yaml:"field,omitempty" json:"field,omitempty"`

	// Require makes a condition that could fire a pattern on its own a gate
	// that must hold instead.
	Require bool `yaml:"require,omitempty" json:"require,omitempty"`
}

// Build turns the spec into its condition variant.
func (s ConditionSpec) Build() (Condition, error) {
	c, err := s.build()
	if err != nil || !s.Require {
		return c, err
	}
	switch c.mode() {
	case gateRequired:
		return c, nil
	case gateScope:
		return nil, fmt.Errorf("%w: %s cannot be required", ErrInvalidCondition, s.Type)
	}
	return Required{Condition: c}, nil
}

func (s ConditionSpec) build() (Condition, error) {
	switch s.Type {
	case ConditionReputationFlag:
		flag := strings.ToLower(s.Flag)
		if flag == "" {
			flag = FlagMalicious
		}
		if flag != FlagMalicious && flag != FlagSuspicious {
			return nil, fmt.Errorf("%w: unknown reputation flag %q", ErrInvalidCondition, s.Flag)
		}
		return ReputationFlag{Flag: flag}, nil
	case ConditionUserInList:
		if len(s.Users) == 0 {
			return nil, fmt.Errorf("%w: user_in_list needs at least one user", ErrInvalidCondition)
		}
		users := make(map[string]struct{}, len(s.Users))
		for _, u := range s.Users {
			users[strings.ToLower(u)] = struct{}{}
		}
		return UserInList{users: users, spec: s}, nil
	case ConditionHourInSet:
		if len(s.Hours) == 0 {
			return nil, fmt.Errorf("%w: hour_in_set needs at least one hour", ErrInvalidCondition)
		}
		var hours [24]bool
		for _, h := range s.Hours {
			if h < 0 || h > 23 {
				return nil, fmt.Errorf("%w: hour %d out of range", ErrInvalidCondition, h)
			}
			hours[h] = true
		}
		return HourInSet{hours: hours, spec: s}, nil
	case ConditionCaptureAtLeast:
		if s.Group < 1 {
			return nil, fmt.Errorf("%w: capture_at_least needs a capture group >= 1", ErrInvalidCondition)
		}
		return CaptureAtLeast{Group: s.Group, Min: s.Min}, nil
	case ConditionCorrelationKey:
		switch s.Field {
		case FieldSourceIP, FieldTargetIP, FieldUser, FieldProcess, FieldEventType:
			return CorrelationKey{Field: s.Field}, nil
		}
		return nil, fmt.Errorf("%w: unknown correlation field %q", ErrInvalidCondition, s.Field)
	default:
		return nil, fmt.Errorf("%w: unknown condition type %q", ErrInvalidCondition, s.Type)
	}
}

// Required wraps a condition so that it gates the pattern instead of
// firing it.
type Required struct {
	Condition
}

func (c Required) mode() gateMode { return gateRequired }

func (c Required) Spec() ConditionSpec {
	s := c.Condition.Spec()
	s.Require = true
	return s
}

// ReputationFlag fires when the event's source IP already carries the flag.
type ReputationFlag struct {
	Flag string
}

func (c ReputationFlag) Kind() ConditionKind { return ConditionReputationFlag }
func (c ReputationFlag) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionReputationFlag, Flag: c.Flag}
}
func (c ReputationFlag) mode() gateMode { return gateSufficient }

func (c ReputationFlag) evaluate(ec *evalContext) (bool, error) {
	if ec.event.SourceIP == "" || ec.reputation == nil {
		return false, nil
	}
	rec, ok := ec.reputation(ec.event.SourceIP)
	if !ok {
		return false, nil
	}
	if c.Flag == FlagSuspicious {
		return rec.Suspicious, nil
	}
	return rec.Malicious, nil
}

// UserInList fires when the event user is in the list, case-insensitively.
type UserInList struct {
	users map[string]struct{}
	spec  ConditionSpec
}

func (c UserInList) Kind() ConditionKind { return ConditionUserInList }
func (c UserInList) Spec() ConditionSpec { return c.spec }
func (c UserInList) mode() gateMode      { return gateSufficient }

func (c UserInList) evaluate(ec *evalContext) (bool, error) {
	if ec.event.User == "" {
		return false, nil
	}
	_, ok := c.users[strings.ToLower(ec.event.User)]
	return ok, nil
}

// HourInSet fires when the event hour of day is in the set.
type HourInSet struct {
	hours [24]bool
	spec  ConditionSpec
}

func (c HourInSet) Kind() ConditionKind { return ConditionHourInSet }
func (c HourInSet) Spec() ConditionSpec { return c.spec }
func (c HourInSet) mode() gateMode      { return gateSufficient }

func (c HourInSet) evaluate(ec *evalContext) (bool, error) {
	return c.hours[ec.event.Timestamp.Hour()], nil
}

// CaptureAtLeast requires a numeric capture group (1-based) of some match to
// reach Min, e.g. a transfer size in bytes.
type CaptureAtLeast struct {
	Group int
	Min   float64
}

func (c CaptureAtLeast) Kind() ConditionKind { return ConditionCaptureAtLeast }
func (c CaptureAtLeast) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionCaptureAtLeast, Group: c.Group, Min: c.Min}
}
func (c CaptureAtLeast) mode() gateMode { return gateRequired }

func (c CaptureAtLeast) evaluate(ec *evalContext) (bool, error) {
	var lastErr error
	for _, m := range ec.matches {
		if c.Group > len(m.Groups) || m.Groups[c.Group-1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m.Groups[c.Group-1], 64)
		if err != nil {
			lastErr = fmt.Errorf("capture group %d %q is not numeric", c.Group, m.Groups[c.Group-1])
			continue
		}
		if v >= c.Min {
			return true, nil
		}
	}
	return false, lastErr
}

// CorrelationKey restricts window counting to history events sharing the
// same value of Field as the triggering event.
type CorrelationKey struct {
	Field string
}

func (c CorrelationKey) Kind() ConditionKind { return ConditionCorrelationKey }
func (c CorrelationKey) Spec() ConditionSpec {
	return ConditionSpec{Type: ConditionCorrelationKey, Field: c.Field}
}
func (c CorrelationKey) mode() gateMode { return gateScope }

func (c CorrelationKey) evaluate(*evalContext) (bool, error) { return true, nil }

func (c CorrelationKey) key(ev SecurityEvent) string {
	switch c.Field {
	case FieldSourceIP:
		return ev.SourceIP
	case FieldTargetIP:
		return ev.TargetIP
	case FieldUser:
		return strings.ToLower(ev.User)
	case FieldProcess:
		return ev.Process
	case FieldEventType:
		return ev.EventType
	}
	return ""
}
