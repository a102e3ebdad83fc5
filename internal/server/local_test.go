// Copyright 2024 The Htdeploy Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

func newLocalServer(t *testing.T) (Server, string) {
	t.Helper()
	root := t.TempDir()
	srv := NewLocal(root, 0644, 0755)
	require.NoError(t, srv.Connect(context.Background()))
	return srv, root
}

func writeLocal(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLocalWriteAndReadRoundTrip(t *testing.T) {
	srv, root := newLocalServer(t)
	ctx := context.Background()

	var percents []int
	src := writeLocal(t, "hello")
	require.NoError(t, srv.WriteFile(ctx, src, "/sub/a.txt", func(p int) { percents = append(percents, p) }))
	require.FileExists(t, filepath.Join(root, "sub", "a.txt"))

	last := 0
	for _, p := range percents {
		require.GreaterOrEqual(t, p, last)
		last = p
	}
	require.Equal(t, 100, last)

	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, srv.ReadFile(ctx, "/sub/a.txt", dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestLocalReadMissingIsNotFound(t *testing.T) {
	srv, _ := newLocalServer(t)
	err := srv.ReadFile(context.Background(), "/missing", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	require.True(t, htderrors.Is(err, htderrors.KindNotFound))
}

func TestLocalRenamePreservesExistingPermissions(t *testing.T) {
	srv, root := newLocalServer(t)
	ctx := context.Background()

	require.NoError(t, srv.WriteFile(ctx, writeLocal(t, "old"), "/a.txt", nil))
	require.NoError(t, os.Chmod(filepath.Join(root, "a.txt"), 0600))
	require.NoError(t, srv.WriteFile(ctx, writeLocal(t, "new"), "/a.txt.deploytmp", nil))

	require.NoError(t, srv.RenameFile(ctx, "/a.txt.deploytmp", "/a.txt"))

	info, err := os.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	got, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestLocalRemoveFileIsIdempotent(t *testing.T) {
	srv, _ := newLocalServer(t)
	require.NoError(t, srv.RemoveFile(context.Background(), "/never-existed"))
}

func TestLocalPurgeEmptiesDirectory(t *testing.T) {
	srv, root := newLocalServer(t)
	ctx := context.Background()

	require.NoError(t, srv.WriteFile(ctx, writeLocal(t, "1"), "/cache/a", nil))
	require.NoError(t, srv.WriteFile(ctx, writeLocal(t, "2"), "/cache/sub/b", nil))

	require.NoError(t, srv.Purge(ctx, "/cache", nil))

	entries, err := os.ReadDir(filepath.Join(root, "cache"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLocalPurgeMissingDirIsNoOp(t *testing.T) {
	srv, _ := newLocalServer(t)
	require.NoError(t, srv.Purge(context.Background(), "/gone", nil))
}
