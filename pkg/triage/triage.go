// Package triage moves new items out of Incoming: it validates them,
// classifies them and routes each to PendingApproval or Approved.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/classifier"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

// Rules supplies the rule set for each classification.
type Rules interface {
	Current() *classifier.RuleSet
}

// Result counts what one Pass did.
type Result struct {
	Triaged      int `json:"triaged"`
	Pending      int `json:"pending_approval"`
	AutoApproved int `json:"auto_approved"`
	Malformed    int `json:"malformed"`
	Skipped      int `json:"skipped"`
}

// Poller runs triage passes. Several pollers may share a store.
type Poller struct {
	store      items.Store
	classifier *classifier.Classifier
	rules      Rules
	audit      audit.Recorder
	obs        *observability.Provider
	clock      func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock sets the clock used for approval timestamps.
func WithClock(clock func() time.Time) Option {
	return func(p *Poller) { p.clock = clock }
}

// WithObservability records spans and transition metrics.
func WithObservability(obs *observability.Provider) Option {
	return func(p *Poller) { p.obs = obs }
}

// New creates a Poller.
func New(store items.Store, c *classifier.Classifier, rules Rules, recorder audit.Recorder, opts ...Option) *Poller {
	if recorder == nil {
		recorder = audit.Nop{}
	}
	p := &Poller{
		store:      store,
		classifier: c,
		rules:      rules,
		audit:      recorder,
		obs:        observability.Noop(),
		clock:      time.Now,
		logger:     slog.Default().With("component", "triage"),
		warned:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pass finishes items left in Triaged by an interrupted pass, then handles
// everything in Incoming.
func (p *Poller) Pass(ctx context.Context) (Result, error) {
	var res Result
	rules := p.rules.Current()
	if rules == nil {
		return res, errors.New("no rules loaded")
	}

	leftover, err := p.store.List(ctx, contracts.BucketTriaged)
	if err != nil {
		return res, fmt.Errorf("list triaged: %w", err)
	}
	for _, ref := range leftover {
		item, err := p.store.Read(ctx, ref.ID)
		if err != nil {
			p.logger.WarnContext(ctx, "cannot read triaged item", "action_id", ref.ID, "error", err)
			res.Skipped++
			continue
		}
		p.route(ctx, item, rules, &res)
	}

	incoming, err := p.store.List(ctx, contracts.BucketIncoming)
	if err != nil {
		return res, fmt.Errorf("list incoming: %w", err)
	}
	for _, ref := range incoming {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item, err := p.store.Read(ctx, ref.ID)
		if err == nil {
			err = item.Validate()
		}
		if err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				continue
			}
			res.Malformed++
			p.flagMalformed(ctx, ref.ID, err)
			continue
		}
		item, err = p.store.Transition(ctx, item.ID, contracts.BucketIncoming, contracts.BucketTriaged, contracts.Patch{})
		if err != nil {
			if errors.Is(err, contracts.ErrConflict) {
				res.Skipped++
				continue
			}
			p.logger.WarnContext(ctx, "triage move failed", "action_id", ref.ID, "error", err)
			res.Skipped++
			continue
		}
		p.obs.RecordTransition(ctx, string(contracts.BucketIncoming), string(contracts.BucketTriaged))
		res.Triaged++
		p.route(ctx, item, rules, &res)
	}
	return res, nil
}

func (p *Poller) route(ctx context.Context, item contracts.ActionItem, rules *classifier.RuleSet, res *Result) {
	ctx, finish := p.obs.TrackOperation(ctx, "triage.route", observability.ItemOperation(item.ID, item.ActionType)...)
	var err error
	defer func() { finish(err) }()

	d := p.classifier.Classify(ctx, item, rules)
	meta := map[string]any{
		"classification": map[string]any{
			"outcome":    string(d.Outcome),
			"path":       string(d.Path),
			"risk_level": string(d.RiskLevel),
			"rules":      rules.Version.String(),
		},
	}
	if d.Outcome == classifier.AutoApprove {
		_, err = p.store.Transition(ctx, item.ID, contracts.BucketTriaged, contracts.BucketApproved, contracts.Patch{Metadata: meta})
		if err == nil {
			p.obs.RecordTransition(ctx, string(contracts.BucketTriaged), string(contracts.BucketApproved))
			res.AutoApproved++
		}
	} else {
		req := d.Approval(item, p.clock())
		_, err = p.store.Transition(ctx, item.ID, contracts.BucketTriaged, contracts.BucketPendingApproval, contracts.Patch{Approval: req, Metadata: meta})
		if err == nil {
			p.obs.RecordTransition(ctx, string(contracts.BucketTriaged), string(contracts.BucketPendingApproval))
			res.Pending++
			p.audit.Record(ctx, audit.Entry{
				ActionID:  item.ID,
				EventType: audit.EventApprovalRequested,
				Outcome:   string(contracts.ApprovalPending),
				Inputs: map[string]any{
					"action_type":  item.ActionType,
					"risk_level":   string(d.RiskLevel),
					"risk_factors": d.RiskFactors,
					"rule_path":    string(d.Path),
				},
			})
		}
	}
	if err != nil {
		if errors.Is(err, contracts.ErrConflict) {
			// Another poller routed it first.
			err = nil
			res.Skipped++
			return
		}
		p.logger.WarnContext(ctx, "routing failed, item stays in Triaged", "action_id", item.ID, "error", err)
		res.Skipped++
	}
}

// flagMalformed warns once per item per process and leaves the item alone.
func (p *Poller) flagMalformed(ctx context.Context, id string, cause error) {
	p.mu.Lock()
	seen := p.warned[id]
	p.warned[id] = true
	p.mu.Unlock()
	if seen {
		return
	}
	p.logger.WarnContext(ctx, "malformed item left in Incoming", "action_id", id, "error", cause)
	p.audit.Record(ctx, audit.Entry{
		ActionID:  id,
		EventType: audit.EventMalformedItem,
		Outcome:   "skipped",
		Level:     audit.LevelWarn,
		Error:     cause.Error(),
	})
}

// Run calls Pass every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := p.Pass(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "triage pass failed", "error", err)
		} else if res.Triaged+res.Pending+res.AutoApproved > 0 {
			p.logger.InfoContext(ctx, "triage pass",
				"triaged", res.Triaged, "pending", res.Pending, "auto_approved", res.AutoApproved, "malformed", res.Malformed)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
