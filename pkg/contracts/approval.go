package contracts

import "time"

// ApprovalStatus is the state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// RiskLevel is a qualitative risk signal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank orders risk levels; unknown levels rank as high.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether l is one of low, medium or high.
func (l RiskLevel) Valid() bool {
	return l == RiskLow || l == RiskMedium || l == RiskHigh
}

// MaxRisk returns the highest of the given levels, or low when none are given.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// RiskFactor is one line of the risk checklist.
type RiskFactor struct {
	Name   string    `json:"name"`
	Level  RiskLevel `json:"level"`
	Source string    `json:"source,omitempty"`
}

// ApprovalRequest wraps an item's plan and risk assessment while it waits
// for a human decision. Its ID is the action id.
type ApprovalRequest struct {
	ID            string         `json:"id"`
	ActionID      string         `json:"action_id"`
	ActionType    string         `json:"action_type"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	RiskFactors   []RiskFactor   `json:"risk_factors"`
	Checklist     []string       `json:"checklist,omitempty"`
	RulePath      string         `json:"rule_path,omitempty"`
	Status        ApprovalStatus `json:"status"`
	ExecutionPlan *ExecutionPlan `json:"execution_plan"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.RiskFactors = append([]RiskFactor(nil), r.RiskFactors...)
	c.Checklist = append([]string(nil), r.Checklist...)
	c.ExecutionPlan = r.ExecutionPlan.Clone()
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}
