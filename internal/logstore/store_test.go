package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/message"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	store, err := New(t.TempDir(), log)
	require.NoError(t, err)
	return store
}

func TestAppendAndRead(t *testing.T) {
	store := newTestStore(t)

	for _, content := range []string{"one", "two", "three"} {
		err := store.Append("s1", message.New(message.TypeAssistant, "", content, nil))
		require.NoError(t, err)
	}

	records, total, hasMore, err := store.Read("s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.False(t, hasMore)
	require.Len(t, records, 3)
	assert.Equal(t, "one", records[0].Content)
	assert.Equal(t, "three", records[2].Content)
}

func TestReadPagination(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append("s1", message.New(message.TypeUser, "", "msg", nil)))
	}

	records, total, hasMore, err := store.Read("s1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.True(t, hasMore)
	assert.Len(t, records, 2)

	records, total, hasMore, err = store.Read("s1", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.False(t, hasMore)
	assert.Len(t, records, 2)

	records, _, hasMore, err = store.Read("s1", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, hasMore)
}

func TestReadMissingSession(t *testing.T) {
	store := newTestStore(t)
	_, _, _, err := store.Read("nope", 0, 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReadEmptySession(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(store.SessionDir("s1"), 0o755))

	records, total, hasMore, err := store.Read("s1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, total)
	assert.False(t, hasMore)
}

func TestMalformedLinesSkipped(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("s1", message.New(message.TypeUser, "", "good", nil)))

	path := filepath.Join(store.SessionDir("s1"), logFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append("s1", message.New(message.TypeUser, "", "after", nil)))

	records, total, _, err := store.Read("s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, records, 2)
	assert.Equal(t, "good", records[0].Content)
	assert.Equal(t, "after", records[1].Content)
}

func TestVerifyDigest(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("s1", message.New(message.TypeUser, "", "a", nil)))
	require.NoError(t, store.Append("s1", message.New(message.TypeAssistant, "", "b", nil)))

	ok, detail, err := store.Verify("s1")
	require.NoError(t, err)
	assert.True(t, ok, detail)

	// Tampering with a record breaks the chain but never the reads.
	path := filepath.Join(store.SessionDir("s1"), logFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10]++
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ok, detail, err = store.Verify("s1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, detail)
}

func TestDeleteRemovesDirectory(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("s1", message.New(message.TypeUser, "", "a", nil)))

	require.NoError(t, store.Delete("s1"))
	_, err := os.Stat(store.SessionDir("s1"))
	assert.True(t, os.IsNotExist(err))

	err = store.Delete("s1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStartupSweepsTrashedDirectories(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	dataDir := t.TempDir()

	// Simulate a directory a prior Delete had to move aside.
	leftover := filepath.Join(dataDir, "trash", "s1-12345")
	require.NoError(t, os.MkdirAll(leftover, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, logFileName), []byte("{}\n"), 0o644))

	_, err = New(dataDir, log)
	require.NoError(t, err)

	_, err = os.Stat(leftover)
	assert.True(t, os.IsNotExist(err))
}

func TestSessions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append("a", message.New(message.TypeUser, "", "x", nil)))
	require.NoError(t, store.Append("b", message.New(message.TypeUser, "", "y", nil)))

	ids, err := store.Sessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	env := message.New(message.TypeAssistant, "", "text", map[string]any{
		message.MetaContentBlocks: []message.ContentBlock{
			{Type: message.BlockToolUse, ID: "tu_1", Name: "Read", Input: map[string]any{"file_path": "x"}},
		},
	})
	require.NoError(t, store.Append("s1", env))

	records, _, _, err := store.Read("s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	blocks := message.BlocksFromMetadata(records[0].Metadata)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tu_1", blocks[0].ID)
	assert.Equal(t, "Read", blocks[0].Name)
}
