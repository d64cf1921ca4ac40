package chunkstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhub/ingestflow/internal/platform/apperror"
	"github.com/quillhub/ingestflow/internal/platform/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(logging.CreateAppLogger("test"))
}

func TestWriteReadAssemble_RoundTrips(t *testing.T) {
	store := New(t.TempDir(), testLogger())

	_, err := store.Prepare("file-1", "owner-1")
	require.NoError(t, err)

	chunks := [][]byte{[]byte("hello "), []byte("world")}
	for i, c := range chunks {
		_, err := store.Write("file-1", i, c)
		require.NoError(t, err)
	}

	indices, err := store.List("file-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indices)

	out := filepath.Join(t.TempDir(), "assembled.txt")
	result, err := store.Assemble("file-1", []int{0, 1}, out, int64(len("hello world")))
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), result.Size)
	assert.Equal(t, out, result.Path)
}

func TestWrite_IsIdempotentOnReplay(t *testing.T) {
	store := New(t.TempDir(), testLogger())
	_, err := store.Prepare("file-1", "owner-1")
	require.NoError(t, err)

	d1, err := store.Write("file-1", 0, []byte("payload"))
	require.NoError(t, err)
	d2, err := store.Write("file-1", 0, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	indices, err := store.List("file-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
}

func TestAssemble_SizeMismatchIsRejected(t *testing.T) {
	store := New(t.TempDir(), testLogger())
	_, err := store.Prepare("file-1", "owner-1")
	require.NoError(t, err)
	_, err = store.Write("file-1", 0, []byte("short"))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "assembled.txt")
	_, err = store.Assemble("file-1", []int{0}, out, 999)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.New(apperror.SizeMismatch, ""))
}

func TestSanitize_RejectsPathTraversalSegments(t *testing.T) {
	store := New(t.TempDir(), testLogger())
	_, err := store.Prepare("../../etc", "owner-1")
	require.Error(t, err)
}

func TestPurge_RemovesChunksAndOwnerEntry(t *testing.T) {
	store := New(t.TempDir(), testLogger())
	_, err := store.Prepare("file-1", "owner-1")
	require.NoError(t, err)
	_, err = store.Write("file-1", 0, []byte("data"))
	require.NoError(t, err)

	store.Purge("file-1")

	_, err = store.List("file-1")
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}
