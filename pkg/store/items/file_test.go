package items

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LayoutIsBucketDirectories(t *testing.T) {
	root := t.TempDir()
	s, err := OpenFileStore(root)
	require.NoError(t, err)

	item := newItem("layout", 0)
	_, err = s.Create(context.Background(), item)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(root, "Incoming", fileName(item.ID)))
	_, err = s.Transition(context.Background(), item.ID, contracts.BucketIncoming, contracts.BucketTriaged, contracts.Patch{})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(root, "Incoming", fileName(item.ID)))
	assert.FileExists(t, filepath.Join(root, "Triaged", fileName(item.ID)))

	id, ok := idFromFile(fileName(item.ID))
	require.True(t, ok)
	assert.Equal(t, item.ID, id)
}

func TestFileStore_RestartRepairsInterruptedMove(t *testing.T) {
	root := t.TempDir()
	s, err := OpenFileStore(root)
	require.NoError(t, err)
	item := newItem("crash", 0)
	_, err = s.Create(context.Background(), item)
	require.NoError(t, err)

	// Simulate a crash after the rename but before the rewrite.
	require.NoError(t, os.Rename(
		filepath.Join(root, "Incoming", fileName(item.ID)),
		filepath.Join(root, "Triaged", fileName(item.ID)),
	))
	require.NoError(t, os.WriteFile(filepath.Join(root, tmpDir, "item-leftover"), []byte("x"), 0o600))

	reopened, err := OpenFileStore(root)
	require.NoError(t, err)

	got, err := reopened.Read(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketTriaged, got.Status)
	assert.NoFileExists(t, filepath.Join(root, tmpDir, "item-leftover"))

	raw, err := os.ReadFile(filepath.Join(root, "Triaged", fileName(item.ID)))
	require.NoError(t, err)
	var onDisk contracts.ActionItem
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, contracts.BucketTriaged, onDisk.Status)

	_, err = reopened.Create(context.Background(), item)
	assert.ErrorIs(t, err, contracts.ErrDuplicateItem)
}

func TestFileStore_ListsMalformedFiles(t *testing.T) {
	root := t.TempDir()
	s, err := OpenFileStore(root)
	require.NoError(t, err)

	id := contracts.ItemID("drop", "broken")
	require.NoError(t, os.WriteFile(filepath.Join(root, "Incoming", fileName(id)), []byte("{not json"), 0o600))

	refs, err := s.List(context.Background(), contracts.BucketIncoming)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, id, refs[0].ID)

	_, err = s.Read(context.Background(), id)
	assert.ErrorIs(t, err, contracts.ErrMalformedItem)

	_, err = s.Transition(context.Background(), id, contracts.BucketIncoming, contracts.BucketTriaged, contracts.Patch{})
	assert.ErrorIs(t, err, contracts.ErrMalformedItem)
	assert.FileExists(t, filepath.Join(root, "Incoming", fileName(id)), "malformed item must stay where it is")
}

func TestFileStore_HandDroppedItemIsDuplicate(t *testing.T) {
	root := t.TempDir()
	_, err := OpenFileStore(root)
	require.NoError(t, err)

	item := newItem("hand", 0)
	item.Status = contracts.BucketIncoming
	data, err := json.Marshal(item)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "Incoming", fileName(item.ID)), data, 0o600))

	s, err := OpenFileStore(root)
	require.NoError(t, err)
	_, err = s.Create(context.Background(), item)
	assert.ErrorIs(t, err, contracts.ErrDuplicateItem)
	assert.FileExists(t, filepath.Join(root, idsDir, fileName(item.ID)))
}
