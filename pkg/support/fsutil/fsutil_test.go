// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.bin")
	assert.False(t, MustFileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.True(t, MustFileExists(path))
	assert.True(t, MustFileExists(dir))
}

func TestReplaceTildeInDir(t *testing.T) {
	dir, err := ReplaceTildeInDir("/tmp/_logs")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/_logs", dir)

	usr, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	dir, err = ReplaceTildeInDir("~/_logs/run")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "_logs/run"), dir)
}

func TestCopyFileAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "checkpoint.bin")
	dst := filepath.Join(dir, "checkpoint_best_loss.bin")
	require.NoError(t, os.WriteFile(src, []byte("first"), 0644))
	require.NoError(t, CopyFileAtomic(src, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	// Overwrites existing destination, and leaves no temporary files behind.
	require.NoError(t, os.WriteFile(src, []byte("second"), 0644))
	require.NoError(t, CopyFileAtomic(src, dst))
	got, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Missing source leaves the destination untouched.
	require.Error(t, CopyFileAtomic(filepath.Join(dir, "missing"), dst))
	got, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}
