package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/sheerbytes/peerdrop/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func persist(t *testing.T, s *Store, id, name string, data []byte, at time.Time) {
	t.Helper()
	err := s.Persist(context.Background(), id, data, transfer.Metadata{
		TransferID: id,
		FileName:   name,
		MimeType:   "text/plain",
		Size:       int64(len(data)),
		Sender:     "alice",
		Mode:       transport.Relayed,
		ReceivedAt: at,
	})
	require.NoError(t, err)
}

func TestStore_PersistAndGet(t *testing.T) {
	s := openTemp(t)
	persist(t, s, "t1", "hello.txt", []byte("hello"), time.Now())

	f, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), f.Data)
	assert.Equal(t, "hello.txt", f.FileName)
	assert.Equal(t, int64(5), f.Size)

	meta := f.Metadata()
	assert.Equal(t, "alice", meta.Sender)
	assert.Equal(t, transport.Relayed, meta.Mode)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PersistDuplicateFails(t *testing.T) {
	s := openTemp(t)
	persist(t, s, "t1", "a", []byte("a"), time.Now())
	err := s.Persist(context.Background(), "t1", []byte("b"), transfer.Metadata{FileName: "b"})
	assert.Error(t, err)
}

func TestStore_EmptyFile(t *testing.T) {
	s := openTemp(t)
	persist(t, s, "empty", "empty.bin", nil, time.Now())
	f, err := s.Get(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, f.Data)
	assert.Zero(t, f.Size)
}

func TestStore_ListNewestFirstWithoutData(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	persist(t, s, "old", "old.txt", []byte("old"), now.Add(-time.Hour))
	persist(t, s, "new", "new.txt", []byte("new"), now)

	files, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "new", files[0].TransferID)
	assert.Equal(t, "old", files[1].TransferID)
	assert.Nil(t, files[0].Data)
	assert.Equal(t, int64(3), files[0].Size)
}

func TestStore_Delete(t *testing.T) {
	s := openTemp(t)
	persist(t, s, "t1", "a", []byte("a"), time.Now())

	require.NoError(t, s.Delete(context.Background(), "t1"))
	_, err := s.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(context.Background(), "t1"), ErrNotFound)
}

func TestStore_ExportNeverOverwrites(t *testing.T) {
	s := openTemp(t)
	persist(t, s, "t1", "report.txt", []byte("first"), time.Now())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("mine"), 0o644))

	path, err := s.Export(context.Background(), "t1", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report (1).txt"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	mine, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(mine))
}

func TestStore_ExportStripsDirectories(t *testing.T) {
	s := openTemp(t)
	persist(t, s, "t1", "../../etc/passwd", []byte("x"), time.Now())
	persist(t, s, "t2", "..", []byte("y"), time.Now())
	dir := t.TempDir()

	path, err := s.Export(context.Background(), "t1", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), path)

	path, err = s.Export(context.Background(), "t2", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "t2"), path)
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a.txt", "a.txt"},
		{"dir/a.txt", "a.txt"},
		{`C:\Users\me\a.txt`, "a.txt"},
		{"", "id"},
		{"/", "id"},
		{"..", "id"},
	}
	for _, tt := range tests {
		if got := safeName(tt.in, "id"); got != tt.want {
			t.Errorf("safeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
