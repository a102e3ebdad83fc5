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
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/afero"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// ErrUnsupported is returned by Execute on drivers with no remote shell
// (FTP and FTPS).
var ErrUnsupported = htderrors.Newf(htderrors.KindTransport, "operation not supported by this driver")

// local is the Server backed by the local filesystem through afero.Fs.
type local struct {
	fs       afero.Fs
	root     string
	filePerm os.FileMode
	dirPerm  os.FileMode
}

// NewLocal constructs a Server that deploys into root on the local
// filesystem (the "file://" scheme).
func NewLocal(root string, filePerm, dirPerm os.FileMode) Server {
	if filePerm == 0 {
		filePerm = 0644
	}
	if dirPerm == 0 {
		dirPerm = 0755
	}
	return &local{fs: afero.NewOsFs(), root: root, filePerm: filePerm, dirPerm: dirPerm}
}

func (l *local) abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

func (l *local) Connect(ctx context.Context) error {
	return l.fs.MkdirAll(l.root, l.dirPerm)
}

func (l *local) Close() error { return nil }

func (l *local) ReadFile(ctx context.Context, remoteRel, localAbs string) error {
	src, err := l.fs.Open(l.abs(remoteRel))
	if err != nil {
		if os.IsNotExist(err) {
			return htderrors.New(htderrors.KindNotFound, remoteRel, err)
		}
		return htderrors.New(htderrors.KindTransport, remoteRel, err)
	}
	defer src.Close()

	dst, err := os.Create(localAbs)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, localAbs, err)
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (l *local) WriteFile(ctx context.Context, localAbs, remoteRel string, progress ProgressFunc) error {
	if err := l.CreateDir(ctx, path.Dir(remoteRel)); err != nil {
		return err
	}
	src, err := os.Open(localAbs)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, localAbs, err)
	}
	defer src.Close()
	info, _ := src.Stat()

	dst, err := l.fs.OpenFile(l.abs(remoteRel), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, l.filePerm)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, remoteRel, err)
	}
	defer dst.Close()

	var size int64
	if info != nil {
		size = info.Size()
	}
	_, err = CopyWithProgress(dst, src, size, progress)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, remoteRel, err)
	}
	return l.fs.Chmod(l.abs(remoteRel), l.filePerm)
}

func (l *local) RenameFile(ctx context.Context, oldRel, newRel string) error {
	var prevMode os.FileMode
	if info, err := l.fs.Stat(l.abs(newRel)); err == nil {
		prevMode = info.Mode()
	}
	if err := l.fs.Rename(l.abs(oldRel), l.abs(newRel)); err != nil {
		return htderrors.New(htderrors.KindTransport, oldRel+" -> "+newRel, err)
	}
	if prevMode != 0 {
		return l.fs.Chmod(l.abs(newRel), prevMode)
	}
	return nil
}

func (l *local) RemoveFile(ctx context.Context, rel string) error {
	err := l.fs.Remove(l.abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (l *local) CreateDir(ctx context.Context, rel string) error {
	if rel == "" || rel == "/" || rel == "." {
		return nil
	}
	if err := l.fs.MkdirAll(l.abs(rel), l.dirPerm); err != nil {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (l *local) RemoveDir(ctx context.Context, rel string) error {
	err := l.fs.Remove(l.abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

// Purge recursively empties rel, renaming children to unique names
// first so a failure mid-purge does not leave partial user-visible
// state.
func (l *local) Purge(ctx context.Context, rel string, progress ProgressFunc) error {
	entries, err := afero.ReadDir(l.fs, l.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	staged := make([]string, 0, len(entries))
	for _, e := range entries {
		staging := path.Join(rel, e.Name()+".deploytmp")
		if err := l.fs.Rename(l.abs(path.Join(rel, e.Name())), l.abs(staging)); err != nil {
			return htderrors.New(htderrors.KindTransport, rel, err)
		}
		staged = append(staged, staging)
	}

	for i, s := range staged {
		if err := l.fs.RemoveAll(l.abs(s)); err != nil {
			return htderrors.New(htderrors.KindTransport, s, err)
		}
		if progress != nil {
			progress(int((i + 1) * 100 / max(1, len(staged))))
		}
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (l *local) Chmod(ctx context.Context, rel string, mode uint32) error {
	// Best-effort; local filesystems may not honor every bit.
	_ = l.fs.Chmod(l.abs(rel), os.FileMode(mode))
	return nil
}

func (l *local) GetDir() string { return l.root }

func (l *local) Execute(ctx context.Context, cmd string) (string, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = l.root
	out, err := c.Output()
	if err != nil {
		return string(out), htderrors.New(htderrors.KindTransport, cmd, err)
	}
	return string(out), nil
}

// ParseOctal parses an octal permission string such as "0644" into a
// FileMode, returning 0 (meaning "unset") for an empty string.
func ParseOctal(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}
