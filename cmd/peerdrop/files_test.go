package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/internal/store"
	"github.com/sheerbytes/peerdrop/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "files.db")
	st, err := store.Open(path, logging.Discard())
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Persist(context.Background(), "abc", []byte("hello"), transfer.Metadata{
		FileName:   "hello.txt",
		Sender:     "alice",
		ReceivedAt: time.Now(),
	}))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFilesCommands(t *testing.T) {
	db := seedStore(t)

	out, err := runCLI(t, "files", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "hello.txt")
	assert.Contains(t, out, "alice")

	dir := t.TempDir()
	out, err = runCLI(t, "files", "export", "abc", dir, "--db", db)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Contains(t, out, filepath.Join(dir, "hello.txt"))

	_, err = runCLI(t, "files", "delete", "abc", "--db", db)
	require.NoError(t, err)
	_, err = runCLI(t, "files", "export", "abc", dir, "--db", db)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidModeRejected(t *testing.T) {
	_, err := runCLI(t, "files", "list", "--mode", "smoke-signals", "--db", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestSendRequiresUsername(t *testing.T) {
	t.Setenv("PEERDROP_USERNAME", "")
	_, err := runCLI(t, "send", "bob", "file.txt", "--log-level", "error")
	assert.ErrorContains(t, err, "username is required")
}
