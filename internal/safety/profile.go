// Package safety evaluates live telemetry snapshots against a tuning
// profile's per-parameter bounds. Evaluation is pure; callers decide what a
// breach means for their session or job.
package safety

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/calibworks/ecud/internal/model"
)

type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityOK:       0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Bounds describes acceptable values for one parameter. Warning and
// Critical are upper thresholds; Min/Max bound the plausible sensor range.
type Bounds struct {
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

type Profile struct {
	Name           string            `yaml:"name"`
	SupportsRevert bool              `yaml:"supports_revert"`
	Checks         map[string]Bounds `yaml:"checks"`
}

type Finding struct {
	Parameter string
	Value     float64
	Severity  Severity
	Detail    string
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read safety profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse safety profile: %w", err)
	}
	if len(p.Checks) == 0 {
		return Profile{}, fmt.Errorf("safety profile %q has no checks", p.Name)
	}
	return p, nil
}

// DefaultProfile covers the common gasoline turbo envelope. Used when no
// profile file is configured.
func DefaultProfile() Profile {
	return Profile{
		Name:           "default",
		SupportsRevert: true,
		Checks: map[string]Bounds{
			"rpm":     {Min: 0, Max: 9000, Warning: 7000, Critical: 8200},
			"boost":   {Min: -1, Max: 3.0, Warning: 1.8, Critical: 2.4},
			"afr":     {Min: 9, Max: 20, Warning: 16.5, Critical: 17.5},
			"knock":   {Min: 0, Max: 100, Warning: 4, Critical: 8},
			"coolant": {Min: -40, Max: 150, Warning: 110, Critical: 120},
			"iat":     {Min: -40, Max: 120, Warning: 70, Critical: 90},
		},
	}
}

// Check evaluates one snapshot against every bound in the profile and
// returns findings sorted most severe first.
func (p Profile) Check(snap model.SafetySnapshot) []Finding {
	values := map[string]float64{
		"rpm":     snap.RPM,
		"boost":   snap.Boost,
		"afr":     snap.AFR,
		"knock":   snap.Knock,
		"coolant": snap.Coolant,
		"iat":     snap.IAT,
	}
	findings := make([]Finding, 0, len(p.Checks))
	for param, bounds := range p.Checks {
		value, ok := values[param]
		if !ok {
			continue
		}
		findings = append(findings, evaluate(param, value, bounds))
	}
	sort.Slice(findings, func(i, j int) bool {
		if severityRank[findings[i].Severity] != severityRank[findings[j].Severity] {
			return severityRank[findings[i].Severity] > severityRank[findings[j].Severity]
		}
		return findings[i].Parameter < findings[j].Parameter
	})
	return findings
}

// Worst returns the most severe finding, or an ok finding when the
// snapshot is fully inside bounds.
func (p Profile) Worst(snap model.SafetySnapshot) Finding {
	findings := p.Check(snap)
	if len(findings) == 0 {
		return Finding{Severity: SeverityOK}
	}
	return findings[0]
}

func evaluate(param string, value float64, bounds Bounds) Finding {
	f := Finding{Parameter: param, Value: value, Severity: SeverityOK}
	switch {
	case value < bounds.Min || value > bounds.Max:
		f.Severity = SeverityCritical
		f.Detail = fmt.Sprintf("%s=%.2f outside sensor range [%.2f, %.2f]", param, value, bounds.Min, bounds.Max)
	case bounds.Critical != 0 && value >= bounds.Critical:
		f.Severity = SeverityCritical
		f.Detail = fmt.Sprintf("%s=%.2f at or above critical bound %.2f", param, value, bounds.Critical)
	case bounds.Warning != 0 && value >= bounds.Warning:
		f.Severity = SeverityWarning
		f.Detail = fmt.Sprintf("%s=%.2f at or above warning bound %.2f", param, value, bounds.Warning)
	}
	return f
}
