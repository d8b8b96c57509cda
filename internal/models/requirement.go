package models

import (
	"encoding/json"
	"fmt"
)

// RuleType selects how a requirement is checked
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleAllow     RuleType = "allow"
)

// ThresholdData requires a balance strictly greater than Threshold
type ThresholdData struct {
	Threshold string         `json:"threshold"` // unsigned decimal integer
	Source    ContractSource `json:"source"`
}

// AllowData lets listed addresses in unconditionally
type AllowData struct {
	Allow []string `json:"allow"`
}

// Requirement is one entry of a group's requirement list. Exactly one of
// Threshold or Allow is set for a well-formed rule; anything else is kept
// as-is and evaluates as invalid.
type Requirement struct {
	Rule      RuleType
	Threshold *ThresholdData
	Allow     *AllowData

	// Data is the raw payload of a rule that could not be decoded
	Data    json.RawMessage
	invalid string
}

// NewThresholdRequirement builds a threshold rule
func NewThresholdRequirement(threshold string, source ContractSource) Requirement {
	return Requirement{
		Rule:      RuleThreshold,
		Threshold: &ThresholdData{Threshold: threshold, Source: source},
	}
}

// NewAllowRequirement builds an allow-list rule
func NewAllowRequirement(addresses ...string) Requirement {
	return Requirement{
		Rule:  RuleAllow,
		Allow: &AllowData{Allow: addresses},
	}
}

// Invalid reports why the rule cannot be evaluated, or "" when it can
func (r Requirement) Invalid() string {
	if r.invalid != "" {
		return r.invalid
	}
	switch r.Rule {
	case RuleThreshold:
		if r.Threshold == nil {
			return "threshold rule without data"
		}
		if r.Threshold.Source == nil {
			return "threshold rule without source"
		}
		if err := r.Threshold.Source.Validate(); err != nil {
			return err.Error()
		}
		if !isDecimal(r.Threshold.Threshold) {
			return fmt.Sprintf("threshold %q is not an unsigned integer", r.Threshold.Threshold)
		}
	case RuleAllow:
		if r.Allow == nil {
			return "allow rule without data"
		}
	default:
		return fmt.Sprintf("unknown rule %q", r.Rule)
	}
	return ""
}

type requirementJSON struct {
	Rule RuleType        `json:"rule"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON writes the {"rule": ..., "data": ...} wire form
func (r Requirement) MarshalJSON() ([]byte, error) {
	out := requirementJSON{Rule: r.Rule, Data: r.Data}
	var (
		data []byte
		err  error
	)
	switch {
	case r.Rule == RuleThreshold && r.Threshold != nil:
		data, err = json.Marshal(r.Threshold)
	case r.Rule == RuleAllow && r.Allow != nil:
		data, err = json.Marshal(r.Allow)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s requirement: %w", r.Rule, err)
	}
	if data != nil {
		out.Data = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any rule. Rules that fail to decode are kept with
// their raw payload so they still show up (and fail) during evaluation.
func (r *Requirement) UnmarshalJSON(b []byte) error {
	var in requirementJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("failed to decode requirement: %w", err)
	}
	*r = Requirement{Rule: in.Rule}

	switch in.Rule {
	case RuleThreshold:
		var td ThresholdData
		if err := json.Unmarshal(in.Data, &td); err != nil {
			r.Data = in.Data
			r.invalid = err.Error()
			return nil
		}
		r.Threshold = &td
	case RuleAllow:
		var ad AllowData
		if err := json.Unmarshal(in.Data, &ad); err != nil {
			r.Data = in.Data
			r.invalid = err.Error()
			return nil
		}
		r.Allow = &ad
	default:
		r.Data = in.Data
	}
	return nil
}

// UnmarshalJSON resolves the source variant from its source_type
func (d *ThresholdData) UnmarshalJSON(b []byte) error {
	var in struct {
		Threshold string          `json:"threshold"`
		Source    json.RawMessage `json:"source"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	d.Threshold = in.Threshold
	if len(in.Source) == 0 {
		d.Source = nil
		return nil
	}
	src, err := DecodeSource(in.Source)
	if err != nil {
		return err
	}
	d.Source = src
	return nil
}
