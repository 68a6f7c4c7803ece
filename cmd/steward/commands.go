package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/api"
	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/archive"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/dedup"
	"github.com/Mindburn-Labs/steward/pkg/executor"
	"github.com/Mindburn-Labs/steward/pkg/orchestrator"
	"github.com/Mindburn-Labs/steward/pkg/perception"
)

// The item commands open the same storage as the server. With a file
// audit log they must not run while a server holds it.

// runSubmitCmd implements `steward submit <file>`.
func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var source string
	cmd.StringVar(&source, "source", "cli", "Source name used when the file has none")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: steward submit [-source name] <file>")
		return 2
	}

	raw, err := os.ReadFile(cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var c perception.Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %s is not a candidate: %v\n", cmd.Arg(0), err)
		return 2
	}
	if c.Source == "" {
		c.Source = source
	}
	if c.Fingerprint == "" {
		c.Fingerprint = dedup.Fingerprint(raw)
	}

	cfg, logger, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer st.Close()

	adm, err := perception.NewIntake(st.dedup, st.items, st.audit).Submit(ctx, c)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s %s\n", adm.ItemID, adm.Verdict)
	return 0
}

// runListCmd implements `steward list <bucket>`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output full items as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: steward list [--json] <bucket>")
		return 2
	}
	bucket, ok := parseBucket(cmd.Arg(0))
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Error: unknown bucket %q\n", cmd.Arg(0))
		return 2
	}

	cfg, logger, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer st.Close()

	refs, err := st.items.List(ctx, bucket)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	list := make([]contracts.ActionItem, 0, len(refs))
	for _, ref := range refs {
		item, err := st.items.Read(ctx, ref.ID)
		if err != nil {
			logger.Warn("cannot read item", "action_id", ref.ID, "error", err)
			continue
		}
		list = append(list, item)
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(list)
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tATTEMPTS\tRECEIVED")
	for _, item := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", item.ID, item.ActionType, item.Priority, item.Attempts, item.ReceivedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func parseBucket(s string) (contracts.Bucket, bool) {
	for _, b := range contracts.Buckets {
		if strings.EqualFold(string(b), s) {
			return b, true
		}
	}
	return "", false
}

// runDecideCmd implements `steward decide <id> approve|reject [reason]`.
//
// Exit codes:
//
//	0 = decision applied
//	1 = decision refused (stale or unknown request)
//	2 = usage or runtime error
func runDecideCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("decide", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var by string
	cmd.StringVar(&by, "by", os.Getenv("USER"), "Who is deciding")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: steward decide [-by name] <id> approve|reject [reason]")
		return 2
	}
	var outcome contracts.ApprovalStatus
	switch strings.ToLower(cmd.Arg(1)) {
	case "approve", "approved":
		outcome = contracts.ApprovalApproved
	case "reject", "rejected":
		outcome = contracts.ApprovalRejected
	default:
		_, _ = fmt.Fprintf(stderr, "Error: outcome must be approve or reject, got %q\n", cmd.Arg(1))
		return 2
	}
	if by == "" {
		by = "cli"
	}

	cfg, logger, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer st.Close()

	req, err := approval.NewGate(st.items, st.audit).Decide(ctx, approval.Decision{
		RequestID: cmd.Arg(0),
		Outcome:   outcome,
		Reason:    strings.Join(cmd.Args()[2:], " "),
		DecidedBy: by,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, contracts.ErrStaleDecision) || errors.Is(err, contracts.ErrUnknownReference) {
			return 1
		}
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "%s %s\n", req.ActionID, req.Status)
	return 0
}

// runRecoverCmd implements `steward recover`.
func runRecoverCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("recover", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, logger, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	ctx := context.Background()
	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer st.Close()

	res, err := orchestrator.New(st.items, executor.NewRegistry(), st.audit, cfg.Orchestrator).Recover(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "recovered=%d abandoned=%d\n", res.Recovered, res.Abandoned)
	return 0
}

// runCompactCmd implements `steward compact`.
func runCompactCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("compact", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		retention  time.Duration
		jsonOutput bool
	)
	cmd.DurationVar(&retention, "retention", 0, "Override the configured retention horizon")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, _, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	if retention == 0 {
		retention = cfg.Audit.Retention
	}
	ctx := context.Background()
	store, err := archive.NewFromConfig(ctx, cfg.Archive)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	res, err := audit.Compact(ctx, cfg.Audit.Dir, store, retention, time.Now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: compaction failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if len(res.Removed) == 0 {
		_, _ = fmt.Fprintln(stdout, "Nothing past retention.")
		return 0
	}
	for _, m := range res.Archived {
		_, _ = fmt.Fprintf(stdout, "archived %s (%d entries) -> %s\n", m.Partition, m.Entries, m.ArchiveRef)
	}
	return 0
}

// runVerifyAuditCmd implements `steward verify-audit`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "", "Audit directory (defaults to the configured one)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		cfg, _, ok := loadConfig(stderr)
		if !ok {
			return 2
		}
		dir = cfg.Audit.Dir
	}

	report, err := audit.Verify(dir)
	if err != nil {
		if errors.Is(err, audit.ErrChainBroken) {
			_, _ = fmt.Fprintf(stdout, "%sFAIL%s %v\n", ColorBold+ColorRed, ColorReset, err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%sPASS%s %d entries in %d partitions (%d archived), head seq %d\n",
		ColorBold+ColorGreen, ColorReset, report.Entries, report.Partitions, report.Archived, report.LastSeq)
	return 0
}

// runTokenCmd implements `steward token`.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Who the token is for (REQUIRED)")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	cfg, _, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	auth := api.NewAuthenticator(cfg.JWTSecret)
	if auth == nil {
		_, _ = fmt.Fprintln(stderr, "Error: STEWARD_JWT_SECRET is not set")
		return 2
	}
	token, err := auth.Issue(subject, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
