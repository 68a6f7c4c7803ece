package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

var now = time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Gate, items.Store, *audit.MemorySink) {
	t.Helper()
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	g := NewGate(store, audit.NewLogger(sink)).WithClock(func() time.Time { return now })
	return g, store, sink
}

// pending drives an item to PendingApproval the way triage does.
func pending(t *testing.T, store items.Store, fp string, withRequest bool) string {
	t.Helper()
	ctx := context.Background()
	item := contracts.ActionItem{
		ID:         contracts.ItemID("test", fp),
		SourceType: "test",
		ReceivedAt: now.Add(-time.Hour),
		ActionType: "send_email",
		Plan:       &contracts.ExecutionPlan{ExecutorID: "mailer", Operation: "send"},
	}
	_, err := store.Create(ctx, item)
	require.NoError(t, err)
	_, err = store.Transition(ctx, item.ID, contracts.BucketIncoming, contracts.BucketTriaged, contracts.Patch{})
	require.NoError(t, err)
	patch := contracts.Patch{}
	if withRequest {
		patch.Approval = &contracts.ApprovalRequest{
			ID:            item.ID,
			ActionID:      item.ID,
			ActionType:    item.ActionType,
			RiskLevel:     contracts.RiskMedium,
			Status:        contracts.ApprovalPending,
			ExecutionPlan: item.Plan.Clone(),
			CreatedAt:     now.Add(-time.Minute),
		}
	}
	_, err = store.Transition(ctx, item.ID, contracts.BucketTriaged, contracts.BucketPendingApproval, patch)
	require.NoError(t, err)
	return item.ID
}

func TestPendingAndGet(t *testing.T) {
	g, store, _ := setup(t)
	id := pending(t, store, "a", true)
	pending(t, store, "orphan", false)

	reqs, err := g.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, id, reqs[0].ActionID)

	req, err := g.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, req.Status)

	_, err = g.Get(context.Background(), "sha256:nope")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestApprove(t *testing.T) {
	g, store, sink := setup(t)
	id := pending(t, store, "a", true)

	req, err := g.Decide(context.Background(), Decision{RequestID: id, Outcome: contracts.ApprovalApproved, DecidedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, req.Status)
	assert.Equal(t, "alice", req.DecidedBy)
	require.NotNil(t, req.DecidedAt)
	assert.Equal(t, now, *req.DecidedAt)

	item, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketApproved, item.Status)
	assert.Equal(t, contracts.ApprovalApproved, item.Approval.Status)
	assert.Nil(t, item.ProcessedAt)
	assert.Len(t, sink.ByType(audit.EventDecision), 1)
}

func TestRejectArchivesWithReason(t *testing.T) {
	g, store, _ := setup(t)
	id := pending(t, store, "a", true)

	_, err := g.Decide(context.Background(), Decision{RequestID: id, Outcome: contracts.ApprovalRejected, Reason: "wrong recipient"})
	require.NoError(t, err)

	item, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketRejected, item.Status)
	assert.Equal(t, "wrong recipient", item.Approval.Reason)
	assert.Equal(t, "wrong recipient", item.Metadata["rejection_reason"])
	require.NotNil(t, item.ProcessedAt)
}

func TestDuplicateDecisionIsStale(t *testing.T) {
	g, store, sink := setup(t)
	id := pending(t, store, "a", true)
	d := Decision{RequestID: id, Outcome: contracts.ApprovalApproved}

	_, err := g.Decide(context.Background(), d)
	require.NoError(t, err)
	before, err := store.Read(context.Background(), id)
	require.NoError(t, err)

	_, err = g.Decide(context.Background(), d)
	require.ErrorIs(t, err, contracts.ErrStaleDecision)
	_, err = g.Decide(context.Background(), Decision{RequestID: id, Outcome: contracts.ApprovalRejected})
	require.ErrorIs(t, err, contracts.ErrStaleDecision)

	after, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, contracts.BucketApproved, after.Status)

	stale := sink.ByType(audit.EventStaleDecision)
	require.Len(t, stale, 2)
	assert.Equal(t, audit.LevelInfo, stale[0].Level)
}

func TestUnknownRequestIsStale(t *testing.T) {
	g, _, sink := setup(t)
	_, err := g.Decide(context.Background(), Decision{RequestID: "sha256:ghost", Outcome: contracts.ApprovalApproved})
	require.ErrorIs(t, err, contracts.ErrStaleDecision)
	assert.Len(t, sink.ByType(audit.EventStaleDecision), 1)
}

func TestPendingWithoutRequestIsUnknownReference(t *testing.T) {
	g, store, sink := setup(t)
	id := pending(t, store, "orphan", false)

	_, err := g.Decide(context.Background(), Decision{RequestID: id, Outcome: contracts.ApprovalApproved})
	require.ErrorIs(t, err, contracts.ErrUnknownReference)

	item, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketPendingApproval, item.Status, "nothing is moved or deleted")
	warn := sink.ByType(audit.EventUnknownReference)
	require.Len(t, warn, 1)
	assert.Equal(t, audit.LevelWarn, warn[0].Level)
}

func TestInvalidOutcome(t *testing.T) {
	g, store, _ := setup(t)
	id := pending(t, store, "a", true)
	_, err := g.Decide(context.Background(), Decision{RequestID: id, Outcome: contracts.ApprovalPending})
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestConcurrentDecisionsResolveOnce(t *testing.T) {
	g, store, sink := setup(t)
	id := pending(t, store, "race", true)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		outcome := contracts.ApprovalApproved
		if i%2 == 1 {
			outcome = contracts.ApprovalRejected
		}
		go func() {
			defer wg.Done()
			_, err := g.Decide(context.Background(), Decision{RequestID: id, Outcome: outcome})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, contracts.ErrStaleDecision):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, stale)
	assert.Len(t, sink.ByType(audit.EventDecision), 1)
}

func TestAbort(t *testing.T) {
	g, store, sink := setup(t)
	id := pending(t, store, "a", true)
	_, err := g.Decide(context.Background(), Decision{RequestID: id, Outcome: contracts.ApprovalApproved})
	require.NoError(t, err)

	require.NoError(t, g.Abort(context.Background(), id, "changed my mind", "alice"))
	item, err := store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketRejected, item.Status)
	assert.Equal(t, "changed my mind", item.Metadata["abort_reason"])
	assert.Len(t, sink.ByType(audit.EventAbort), 1)

	err = g.Abort(context.Background(), id, "again", "alice")
	assert.ErrorIs(t, err, contracts.ErrStaleDecision)
}
