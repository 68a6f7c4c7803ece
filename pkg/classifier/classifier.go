// Package classifier decides whether an action item may run on its own or
// needs a human decision, and rates its risk.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
)

// Outcome is the classifier's verdict.
type Outcome string

const (
	AutoApprove     Outcome = "auto_approve"
	RequireApproval Outcome = "require_approval"
)

// Path records which rule produced the outcome.
type Path string

const (
	PathDirectRequire Path = "direct_require"
	PathDirectAuto    Path = "direct_auto"
	PathConflict      Path = "conflict"
	PathUnknown       Path = "unknown"
	PathException     Path = "exception"
	PathHighRisk      Path = "high_risk"
)

// MetadataRiskPrefix is the item metadata prefix that overrides a factor,
// e.g. "risk.blast_radius": "high".
const MetadataRiskPrefix = "risk."

// Decision is the result of Classify.
type Decision struct {
	Outcome     Outcome                `json:"outcome"`
	RiskLevel   contracts.RiskLevel    `json:"risk_level"`
	RiskFactors []contracts.RiskFactor `json:"risk_factors"`
	Path        Path                   `json:"path"`
	Checklist   []string               `json:"checklist,omitempty"`
	Exception   string                 `json:"exception,omitempty"`
}

// Approval builds the request that waits in PendingApproval.
func (d Decision) Approval(item contracts.ActionItem, now time.Time) *contracts.ApprovalRequest {
	return &contracts.ApprovalRequest{
		ID:            item.ID,
		ActionID:      item.ID,
		ActionType:    item.ActionType,
		RiskLevel:     d.RiskLevel,
		RiskFactors:   append([]contracts.RiskFactor(nil), d.RiskFactors...),
		Checklist:     append([]string(nil), d.Checklist...),
		RulePath:      string(d.Path),
		Status:        contracts.ApprovalPending,
		ExecutionPlan: item.Plan.Clone(),
		CreatedAt:     now.UTC(),
	}
}

// Classifier applies a RuleSet to items and records each decision.
type Classifier struct {
	audit  audit.Recorder
	logger *slog.Logger
}

// New creates a classifier. A nil recorder discards audit entries.
func New(recorder audit.Recorder) *Classifier {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Classifier{audit: recorder, logger: slog.Default().With("component", "classifier")}
}

// Classify decides the item's outcome under rules. Every ambiguity
// resolves to RequireApproval.
func (c *Classifier) Classify(ctx context.Context, item contracts.ActionItem, rules *RuleSet) Decision {
	d := Decision{}
	inAuto, inRequire := rules.auto[item.ActionType], rules.require[item.ActionType]
	switch {
	case inAuto && inRequire:
		d.Outcome, d.Path = RequireApproval, PathConflict
	case inRequire:
		d.Outcome, d.Path = RequireApproval, PathDirectRequire
	case inAuto:
		d.Outcome, d.Path = AutoApprove, PathDirectAuto
	default:
		d.Outcome, d.Path = RequireApproval, PathUnknown
	}

	d.RiskFactors = assessRisk(item, rules)
	levels := make([]contracts.RiskLevel, len(d.RiskFactors))
	for i, f := range d.RiskFactors {
		levels[i] = f.Level
	}
	d.RiskLevel = contracts.MaxRisk(levels...)

	if d.Outcome == AutoApprove {
		if ex, ok := c.matchException(ctx, item, rules); ok {
			d.Outcome, d.Path, d.Exception = RequireApproval, PathException, ex.Name
		}
	}
	if d.Outcome == AutoApprove && d.RiskLevel == contracts.RiskHigh && rules.highRiskRequiresApproval {
		d.Outcome, d.Path = RequireApproval, PathHighRisk
	}
	d.Checklist = checklist(item, rules, d)

	if d.Path == PathConflict {
		c.logger.WarnContext(ctx, "action type is both auto-approved and approval-required",
			"action_id", item.ID, "action_type", item.ActionType)
		c.audit.Record(ctx, audit.Entry{
			ActionID:  item.ID,
			EventType: audit.EventRuleConflict,
			Outcome:   string(RequireApproval),
			Level:     audit.LevelWarn,
			Inputs:    map[string]any{"action_type": item.ActionType},
		})
	}
	inputs := map[string]any{
		"action_type": item.ActionType,
		"rule_path":   string(d.Path),
		"risk_level":  string(d.RiskLevel),
		"rules":       rules.Version.String(),
	}
	if d.Exception != "" {
		inputs["exception"] = d.Exception
	}
	c.audit.Record(ctx, audit.Entry{
		ActionID:  item.ID,
		EventType: audit.EventClassification,
		Outcome:   string(d.Outcome),
		Inputs:    inputs,
	})
	return d
}

func (c *Classifier) matchException(ctx context.Context, item contracts.ActionItem, rules *RuleSet) (Exception, bool) {
	exs := rules.exceptions[item.ActionType]
	if len(exs) == 0 {
		return Exception{}, false
	}
	input := map[string]any{"item": celItem(item)}
	for _, ex := range exs {
		out, _, err := ex.program.ContextEval(ctx, input)
		if err != nil {
			// An exception that cannot be evaluated counts as matched.
			c.logger.WarnContext(ctx, "exception evaluation failed, requiring approval",
				"action_id", item.ID, "exception", ex.Name, "error", err)
			return ex, true
		}
		if hit, ok := out.Value().(bool); ok && hit {
			return ex, true
		}
	}
	return Exception{}, false
}

func celItem(item contracts.ActionItem) map[string]any {
	m := map[string]any{
		"id":          item.ID,
		"source_type": item.SourceType,
		"priority":    int64(item.Priority),
		"action_type": item.ActionType,
		"metadata":    nonNil(contracts.CloneParameters(item.Metadata)),
		"parameters":  map[string]any{},
		"operation":   "",
		"executor_id": "",
	}
	if item.Plan != nil {
		m["parameters"] = nonNil(contracts.CloneParameters(item.Plan.Parameters))
		m["operation"] = item.Plan.Operation
		m["executor_id"] = item.Plan.ExecutorID
	}
	return m
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func assessRisk(item contracts.ActionItem, rules *RuleSet) []contracts.RiskFactor {
	profile, hasProfile := rules.profiles[item.ActionType]
	out := make([]contracts.RiskFactor, 0, len(Factors))
	for _, name := range Factors {
		f := contracts.RiskFactor{Name: name, Level: rules.defaultRisk, Source: "default"}
		if hasProfile {
			if l := profile.level(name); l != "" {
				f.Level, f.Source = l, "profile"
			}
		}
		if raw, ok := item.Metadata[MetadataRiskPrefix+name]; ok {
			l := contracts.RiskLevel(strings.ToLower(fmt.Sprint(raw)))
			if !l.Valid() {
				l = contracts.RiskHigh
			}
			// Items may raise a factor, never lower it.
			if l.Rank() > f.Level.Rank() {
				f.Level, f.Source = l, "item"
			}
		}
		out = append(out, f)
	}
	return out
}

func checklist(item contracts.ActionItem, rules *RuleSet, d Decision) []string {
	out := append([]string(nil), rules.checklists[item.ActionType]...)
	for _, f := range d.RiskFactors {
		if f.Level == contracts.RiskHigh {
			out = append(out, fmt.Sprintf("Review %s: rated high (%s)", strings.ReplaceAll(f.Name, "_", " "), f.Source))
		}
	}
	switch d.Path {
	case PathConflict:
		out = append(out, "Action type is listed as both auto-approved and approval-required")
	case PathUnknown:
		out = append(out, fmt.Sprintf("Action type %q has no rule", item.ActionType))
	case PathException:
		reason := d.Exception
		for _, ex := range rules.exceptions[item.ActionType] {
			if ex.Name == d.Exception && ex.Reason != "" {
				reason = ex.Reason
			}
		}
		out = append(out, "Exception: "+reason)
	}
	return out
}
