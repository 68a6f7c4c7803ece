package classifier

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// SupportedSchemaMajor is the rules schema major version this build reads.
const SupportedSchemaMajor = 1

// Risk factor names, in checklist order.
const (
	FactorRecipientTrust     = "recipient_trust"
	FactorContentSensitivity = "content_sensitivity"
	FactorReversibility      = "reversibility"
	FactorBlastRadius        = "blast_radius"
)

// Factors lists every risk factor.
var Factors = []string{FactorRecipientTrust, FactorContentSensitivity, FactorReversibility, FactorBlastRadius}

// ErrInvalidRules wraps every load-time rule error.
var ErrInvalidRules = errors.New("invalid rules")

// RiskProfile is the per-action-type baseline for each factor.
type RiskProfile struct {
	RecipientTrust     contracts.RiskLevel `yaml:"recipient_trust"`
	ContentSensitivity contracts.RiskLevel `yaml:"content_sensitivity"`
	Reversibility      contracts.RiskLevel `yaml:"reversibility"`
	BlastRadius        contracts.RiskLevel `yaml:"blast_radius"`
}

func (p RiskProfile) level(factor string) contracts.RiskLevel {
	switch factor {
	case FactorRecipientTrust:
		return p.RecipientTrust
	case FactorContentSensitivity:
		return p.ContentSensitivity
	case FactorReversibility:
		return p.Reversibility
	case FactorBlastRadius:
		return p.BlastRadius
	}
	return ""
}

// Exception forces approval for an otherwise auto-approved type when its
// CEL condition holds for the item.
type Exception struct {
	Name   string `yaml:"name"`
	When   string `yaml:"when"`
	Reason string `yaml:"reason"`

	program cel.Program
}

type riskSection struct {
	Default                  contracts.RiskLevel    `yaml:"default"`
	HighRiskRequiresApproval *bool                  `yaml:"high_risk_requires_approval"`
	Profiles                 map[string]RiskProfile `yaml:"profiles"`
}

type rulesFile struct {
	SchemaVersion   string                 `yaml:"schema_version"`
	ActionTypes     []string               `yaml:"action_types"`
	AutoApprove     []string               `yaml:"auto_approve"`
	RequireApproval []string               `yaml:"require_approval"`
	Exceptions      map[string][]Exception `yaml:"exceptions"`
	Checklists      map[string][]string    `yaml:"checklists"`
	Risk            riskSection            `yaml:"risk"`
}

// RuleSet is a loaded, validated rules file. It is never modified after
// Parse returns; reloading builds a new one.
type RuleSet struct {
	Version                  *semver.Version
	actionTypes              map[string]bool
	auto                     map[string]bool
	require                  map[string]bool
	exceptions               map[string][]Exception
	checklists               map[string][]string
	profiles                 map[string]RiskProfile
	defaultRisk              contracts.RiskLevel
	highRiskRequiresApproval bool
}

// LoadFile parses the rules file at path.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes and validates a rules document. Unknown fields, unknown
// action types, bad risk levels and uncompilable exceptions all fail.
func Parse(r io.Reader) (*RuleSet, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f rulesFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}

	if f.SchemaVersion == "" {
		return nil, fmt.Errorf("%w: schema_version is required", ErrInvalidRules)
	}
	v, err := semver.NewVersion(f.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: schema_version %q: %w", ErrInvalidRules, f.SchemaVersion, err)
	}
	if v.Major() != SupportedSchemaMajor {
		return nil, fmt.Errorf("%w: schema_version %s not supported (want %d.x)", ErrInvalidRules, v, SupportedSchemaMajor)
	}

	rs := &RuleSet{
		Version:                  v,
		actionTypes:              make(map[string]bool),
		auto:                     make(map[string]bool),
		require:                  make(map[string]bool),
		exceptions:               make(map[string][]Exception),
		checklists:               make(map[string][]string),
		profiles:                 make(map[string]RiskProfile),
		defaultRisk:              contracts.RiskMedium,
		highRiskRequiresApproval: true,
	}
	for _, t := range f.ActionTypes {
		if t == "" {
			return nil, fmt.Errorf("%w: empty action type", ErrInvalidRules)
		}
		rs.actionTypes[t] = true
	}
	known := func(section, t string) error {
		if !rs.actionTypes[t] {
			return fmt.Errorf("%w: %s references undeclared action type %q", ErrInvalidRules, section, t)
		}
		return nil
	}
	for _, t := range f.AutoApprove {
		if err := known("auto_approve", t); err != nil {
			return nil, err
		}
		rs.auto[t] = true
	}
	for _, t := range f.RequireApproval {
		if err := known("require_approval", t); err != nil {
			return nil, err
		}
		rs.require[t] = true
	}

	if f.Risk.Default != "" {
		if !f.Risk.Default.Valid() {
			return nil, fmt.Errorf("%w: risk.default %q", ErrInvalidRules, f.Risk.Default)
		}
		rs.defaultRisk = f.Risk.Default
	}
	if f.Risk.HighRiskRequiresApproval != nil {
		rs.highRiskRequiresApproval = *f.Risk.HighRiskRequiresApproval
	}
	for t, p := range f.Risk.Profiles {
		if err := known("risk.profiles", t); err != nil {
			return nil, err
		}
		for _, factor := range Factors {
			if l := p.level(factor); l != "" && !l.Valid() {
				return nil, fmt.Errorf("%w: risk.profiles.%s.%s %q", ErrInvalidRules, t, factor, l)
			}
		}
		rs.profiles[t] = p
	}
	for t, list := range f.Checklists {
		if err := known("checklists", t); err != nil {
			return nil, err
		}
		rs.checklists[t] = append([]string(nil), list...)
	}

	env, err := itemEnv()
	if err != nil {
		return nil, err
	}
	for t, list := range f.Exceptions {
		if err := known("exceptions", t); err != nil {
			return nil, err
		}
		compiled := make([]Exception, 0, len(list))
		for i, ex := range list {
			if ex.Name == "" {
				ex.Name = fmt.Sprintf("%s#%d", t, i)
			}
			prg, err := compileCondition(env, ex.When)
			if err != nil {
				return nil, fmt.Errorf("%w: exception %s: %w", ErrInvalidRules, ex.Name, err)
			}
			ex.program = prg
			compiled = append(compiled, ex)
		}
		rs.exceptions[t] = compiled
	}
	return rs, nil
}

// ActionTypes returns the declared action types in order.
func (rs *RuleSet) ActionTypes() []string {
	out := make([]string, 0, len(rs.actionTypes))
	for t := range rs.actionTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Conflicts returns the action types listed under both auto_approve and
// require_approval.
func (rs *RuleSet) Conflicts() []string {
	var out []string
	for t := range rs.auto {
		if rs.require[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func itemEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(cel.Variable("item", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("when is required")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}
