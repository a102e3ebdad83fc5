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

package deploy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgrijalva-labs/htdeploy/internal/config"
	"github.com/dgrijalva-labs/htdeploy/internal/hashutil"
	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
	"github.com/dgrijalva-labs/htdeploy/internal/loggers"
	"github.com/dgrijalva-labs/htdeploy/internal/runner"
	"github.com/dgrijalva-labs/htdeploy/internal/server"
)

// memServer is an in-memory Server fake: a flat map keyed by
// remote-relative path. It is safe for concurrent use by the upload
// worker pool.
type memServer struct {
	mu       sync.Mutex
	files    map[string][]byte
	failOn   string // WriteFile to this rel path fails once
	failedOn bool
}

func newMemServer() *memServer {
	return &memServer{files: make(map[string][]byte)}
}

func (m *memServer) Connect(ctx context.Context) error { return nil }
func (m *memServer) Close() error                      { return nil }

func (m *memServer) ReadFile(ctx context.Context, remoteRel, localAbs string) error {
	m.mu.Lock()
	body, ok := m.files[remoteRel]
	m.mu.Unlock()
	if !ok {
		return htderrors.New(htderrors.KindNotFound, remoteRel, os.ErrNotExist)
	}
	return os.WriteFile(localAbs, body, 0644)
}

func (m *memServer) WriteFile(ctx context.Context, localAbs, remoteRel string, progress server.ProgressFunc) error {
	if m.failOn != "" && remoteRel == m.failOn && !m.failedOn {
		m.failedOn = true
		return htderrors.New(htderrors.KindTransport, remoteRel, os.ErrClosed)
	}
	body, err := os.ReadFile(localAbs)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.files[remoteRel] = body
	m.mu.Unlock()
	if progress != nil {
		progress(100)
	}
	return nil
}

func (m *memServer) RenameFile(ctx context.Context, oldRel, newRel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.files[oldRel]
	if !ok {
		return htderrors.New(htderrors.KindNotFound, oldRel, os.ErrNotExist)
	}
	m.files[newRel] = body
	delete(m.files, oldRel)
	return nil
}

func (m *memServer) RemoveFile(ctx context.Context, rel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, rel)
	return nil
}

func (m *memServer) CreateDir(ctx context.Context, rel string) error { return nil }
func (m *memServer) RemoveDir(ctx context.Context, rel string) error { return nil }
func (m *memServer) Purge(ctx context.Context, rel string, progress server.ProgressFunc) error {
	return nil
}
func (m *memServer) Chmod(ctx context.Context, rel string, mode uint32) error { return nil }
func (m *memServer) GetDir() string                                          { return "/" }
func (m *memServer) Execute(ctx context.Context, cmd string) (string, error) { return "", nil }

func (m *memServer) has(rel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[rel]
	return ok
}

func newTestSite(t *testing.T, localRoot string) *config.Site {
	t.Helper()
	return &config.Site{
		Name:          "test",
		LocalRoot:     localRoot,
		AllowDelete:   true,
		ManifestName:  ".htdeployment",
		UploadWorkers: 4,
		RetryAttempts: 1,
		TempDir:       t.TempDir(),
	}
}

func newTestLogger() *loggers.Logger {
	return loggers.New(os.Stdout, false, true)
}

func TestFirstDeployUploadsAndWritesManifest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.php"), []byte("A"), 0644))

	mem := newMemServer()
	d := New(newTestSite(t, root), func() (server.Server, error) { return mem, nil }, newTestLogger(), false)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Uploaded)
	require.True(t, mem.has("/index.php"))
	require.True(t, mem.has(".htdeployment"))
	require.False(t, mem.has("/index.php.deploytmp"))
	require.False(t, mem.has(".htdeployment.deploytmp"))
	require.False(t, mem.has(".htdeployment.running"))
}

func TestIncrementalRunIsANoOp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("Y"), 0644))

	mem := newMemServer()
	site := newTestSite(t, root)
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)
	_, err := d.Run(context.Background())
	require.NoError(t, err)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.Uploaded)
	require.Equal(t, 0, summary.Deleted)
}

func TestModifyAndDelete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("Y"), 0644))

	mem := newMemServer()
	site := newTestSite(t, root)
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)
	_, err := d.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X2"), 0644))
	require.NoError(t, os.Remove(filepath.Join(root, "b")))

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Uploaded)
	require.Equal(t, 1, summary.Deleted)
	require.False(t, mem.has("/b"))
}

func TestRollbackOnUploadFailureLeavesLiveStateUntouched(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("Y"), 0644))

	mem := newMemServer()
	mem.failOn = "/b.deploytmp"
	site := newTestSite(t, root)
	site.UploadWorkers = 1
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)

	_, err := d.Run(context.Background())
	require.Error(t, err)
	require.False(t, mem.has("/a"))
	require.False(t, mem.has("/b"))
	require.False(t, mem.has("/a.deploytmp"))
	require.False(t, mem.has("/b.deploytmp"))
	require.False(t, mem.has(".htdeployment"))
	require.False(t, mem.has(".htdeployment.running"))
}

func TestTestModeMakesNoChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))

	mem := newMemServer()
	site := newTestSite(t, root)
	site.TestMode = true
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.False(t, mem.has("/a"))
	require.False(t, mem.has(".htdeployment"))
}

func TestConcurrentLockAbortsWithoutTouchingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))

	mem := newMemServer()
	mem.files[".htdeployment.running"] = []byte(time.Now().UTC().Format(time.RFC3339))

	site := newTestSite(t, root)
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)

	_, err := d.Run(context.Background())
	require.Error(t, err)
	require.True(t, htderrors.Is(err, htderrors.KindConcurrentDeployment))
	require.False(t, mem.has("/a"))
}

func TestUploadRetriesTransientFailure(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))

	mem := newMemServer()
	mem.failOn = "/a.deploytmp"
	site := newTestSite(t, root)
	site.RetryAttempts = 2
	site.RetryBackoff = time.Millisecond
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Uploaded)
	require.True(t, mem.has("/a"))
}

func TestCrashRecoverySweepsStrayStagingFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))

	mem := newMemServer()
	site := newTestSite(t, root)
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)
	_, err := d.Run(context.Background())
	require.NoError(t, err)

	// A crashed earlier run left a staging file for an unchanged path.
	mem.files["/a.deploytmp"] = []byte("stale")
	require.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("Y"), 0644))

	_, err = d.Run(context.Background())
	require.NoError(t, err)
	require.False(t, mem.has("/a.deploytmp"))
	require.True(t, mem.has("/b"))
}

func TestEmptyDiffStillRunsLocalAfterJobs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))
	marker := filepath.Join(t.TempDir(), "after.marker")

	mem := newMemServer()
	site := newTestSite(t, root)
	site.AfterJobs = []runner.Job{{Kind: runner.KindLocalShell, Cmd: "touch " + marker}}
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)

	_, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(marker))

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.Uploaded)
	_, statErr := os.Stat(marker)
	require.NoError(t, statErr)
}

func TestDirectoryEntriesCarrySentinelAndAreRemovedWhenObsolete(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f"), []byte("X"), 0644))

	mem := newMemServer()
	site := newTestSite(t, root)
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), false)
	_, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(mem.files[".htdeployment"]), hashutil.DirSentinel+" /sub\n")

	require.NoError(t, os.RemoveAll(filepath.Join(root, "sub")))
	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Deleted)
	require.NotContains(t, string(mem.files[".htdeployment"]), "/sub")
}

func TestStaleLockIsBreakableWithExplicitFlag(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("X"), 0644))

	mem := newMemServer()
	mem.files[".htdeployment.running"] = []byte(time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339))

	site := newTestSite(t, root)
	site.LockBreakAge = time.Hour
	d := New(site, func() (server.Server, error) { return mem, nil }, newTestLogger(), true)

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Uploaded)
	require.False(t, mem.has(".htdeployment.running"))
}
