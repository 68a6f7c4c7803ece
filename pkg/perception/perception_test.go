package perception

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/dedup"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
)

func candidate(fp string) Candidate {
	return Candidate{
		Source:      "mail",
		Fingerprint: fp,
		Priority:    2,
		ActionType:  "send_email",
		Plan:        &contracts.ExecutionPlan{ExecutorID: "echo", Operation: "send"},
		Metadata:    map[string]any{"subject": "hi"},
	}
}

func newIntake(t *testing.T) (*Intake, items.Store, *audit.MemorySink) {
	t.Helper()
	store := items.NewMemoryStore()
	sink := audit.NewMemorySink()
	now := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	in := NewIntake(dedup.NewMemoryStore(), store, audit.NewLogger(sink), WithClock(func() time.Time { return now }))
	return in, store, sink
}

func TestSubmitAdmitsOnce(t *testing.T) {
	in, store, sink := newIntake(t)
	ctx := context.Background()

	adm, err := in.Submit(ctx, candidate("m-1"))
	require.NoError(t, err)
	assert.Equal(t, dedup.Accepted, adm.Verdict)
	assert.Equal(t, contracts.ItemID("mail", "m-1"), adm.ItemID)

	again, err := in.Submit(ctx, candidate("m-1"))
	require.NoError(t, err)
	assert.Equal(t, dedup.Duplicate, again.Verdict)
	assert.Equal(t, adm.ItemID, again.ItemID)

	refs, err := store.List(ctx, contracts.BucketIncoming)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	it, err := store.Read(ctx, adm.ItemID)
	require.NoError(t, err)
	assert.Equal(t, "mail", it.SourceType)
	assert.Equal(t, 2, it.Priority)
	assert.Equal(t, time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC), it.ReceivedAt)
	assert.Equal(t, "echo", it.Plan.ExecutorID)

	assert.Len(t, sink.ByType(audit.EventAdmission), 1)
}

type forgetful struct{}

func (forgetful) Admit(context.Context, string, string) (dedup.Verdict, error) {
	return dedup.Accepted, nil
}

func (forgetful) Forget(context.Context, string, string) error { return nil }

func TestSubmitFallsBackToItemStoreDuplicate(t *testing.T) {
	store := items.NewMemoryStore()
	in := NewIntake(forgetful{}, store, nil)

	_, err := in.Submit(context.Background(), candidate("m-2"))
	require.NoError(t, err)
	adm, err := in.Submit(context.Background(), candidate("m-2"))
	require.NoError(t, err)
	assert.Equal(t, dedup.Duplicate, adm.Verdict)
}

func TestSubmitRejectsIncompleteCandidate(t *testing.T) {
	in, _, _ := newIntake(t)
	_, err := in.Submit(context.Background(), Candidate{Source: "mail"})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
}

type broken struct{}

func (broken) Admit(context.Context, string, string) (dedup.Verdict, error) {
	return "", errors.New("redis: connection refused")
}

func (broken) Forget(context.Context, string, string) error {
	return errors.New("redis: connection refused")
}

func TestSubmitWithFailClosedDedup(t *testing.T) {
	store := items.NewMemoryStore()
	in := NewIntake(dedup.NewFailClosed(broken{}), store, nil)
	adm, err := in.Submit(context.Background(), candidate("m-3"))
	require.NoError(t, err)
	assert.Equal(t, dedup.Accepted, adm.Verdict)
}

// flakyCreate fails the first Create.
type flakyCreate struct {
	items.Store
	failed bool
}

func (f *flakyCreate) Create(ctx context.Context, item contracts.ActionItem) (contracts.ItemRef, error) {
	if !f.failed {
		f.failed = true
		return contracts.ItemRef{}, errors.New("disk full")
	}
	return f.Store.Create(ctx, item)
}

func TestSubmitRetriesAfterCreateFailure(t *testing.T) {
	store := &flakyCreate{Store: items.NewMemoryStore()}
	in := NewIntake(dedup.NewMemoryStore(), store, nil)
	ctx := context.Background()

	_, err := in.Submit(ctx, candidate("m-4"))
	require.ErrorContains(t, err, "disk full")

	adm, err := in.Submit(ctx, candidate("m-4"))
	require.NoError(t, err)
	assert.Equal(t, dedup.Accepted, adm.Verdict)

	it, err := store.Read(ctx, adm.ItemID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketIncoming, it.Status)

	again, err := in.Submit(ctx, candidate("m-4"))
	require.NoError(t, err)
	assert.Equal(t, dedup.Duplicate, again.Verdict)
}

func TestSubmitReportsUnreleasedRecord(t *testing.T) {
	store := &flakyCreate{Store: items.NewMemoryStore()}
	in := NewIntake(dedup.NewFailClosed(broken{}), store, nil)
	_, err := in.Submit(context.Background(), candidate("m-5"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "dedup forget")
}

type recordingHandle struct {
	mu    sync.Mutex
	in    *Intake
	beats int
	got   []Candidate
}

func (h *recordingHandle) Beat() {
	h.mu.Lock()
	h.beats++
	h.mu.Unlock()
}

func (h *recordingHandle) Emit(ctx context.Context, c Candidate) (Admission, error) {
	h.mu.Lock()
	h.got = append(h.got, c)
	h.mu.Unlock()
	return h.in.Submit(ctx, c)
}

func (h *recordingHandle) emitted() []Candidate {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Candidate(nil), h.got...)
}

func TestDirAdapter(t *testing.T) {
	dir := t.TempDir()
	in, store, _ := newIntake(t)
	h := &recordingHandle{in: in}

	body := []byte(`{"action_type":"archive_file","priority":1,"plan":{"executor_id":"echo","operation":"archive"}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), body, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	a := NewDirAdapter("drop", dir, time.Hour)
	assert.Equal(t, "drop", a.Name())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, h) }()

	require.Eventually(t, func() bool { return len(h.emitted()) == 1 }, 5*time.Second, 20*time.Millisecond)
	// Same content under another name is the same candidate.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".b.tmp"), body, 0o600))
	require.NoError(t, os.Rename(filepath.Join(dir, ".b.tmp"), filepath.Join(dir, "b.json")))
	require.Eventually(t, func() bool { return len(h.emitted()) == 2 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got := h.emitted()
	assert.Equal(t, "drop", got[0].Source)
	assert.Equal(t, dedup.Fingerprint(body), got[0].Fingerprint)
	assert.Equal(t, got[0].Fingerprint, got[1].Fingerprint)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[contracts.BucketIncoming])

	assert.FileExists(t, filepath.Join(dir, processedDir, "a.json"))
	assert.FileExists(t, filepath.Join(dir, rejectedDir, "broken.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	h.mu.Lock()
	assert.Positive(t, h.beats)
	h.mu.Unlock()
}
