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
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// FTPConfig holds everything an FTP/FTPS driver needs to dial and
// authenticate, decoded from an ftp:// or ftps:// remote URL.
type FTPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string // may be the STDIN sentinel, resolved by Prompt
	BaseDir     string
	PassiveMode bool
	TLS         bool // ftps://
	Prompt      PasswordPrompt
	Timeout     time.Duration
}

type ftpServer struct {
	cfg  FTPConfig
	conn *ftp.ServerConn
}

// NewFTP constructs an unconnected FTP/FTPS driver.
func NewFTP(cfg FTPConfig) Server {
	return &ftpServer{cfg: cfg}
}

func (s *ftpServer) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	opts := []ftp.DialOption{ftp.DialWithTimeout(s.cfg.Timeout), ftp.DialWithContext(ctx)}
	if s.cfg.TLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: s.cfg.Host}))
	}
	if !s.cfg.PassiveMode {
		// jlaffaye/ftp only speaks passive mode; disabling EPSV still
		// falls back to PASV rather than true active mode.
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return htderrors.New(htderrors.KindConnection, addr, err)
	}

	password := s.cfg.Password
	if password == "STDIN" {
		password, err = s.cfg.Prompt(fmt.Sprintf("Password for %s@%s: ", s.cfg.User, s.cfg.Host))
		if err != nil {
			return htderrors.New(htderrors.KindConnection, "password prompt", err)
		}
	}
	if err := conn.Login(s.cfg.User, password); err != nil {
		return htderrors.New(htderrors.KindConnection, "login", err)
	}
	s.conn = conn
	return nil
}

func (s *ftpServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Quit()
}

func (s *ftpServer) abs(rel string) string {
	return path.Join(s.cfg.BaseDir, rel)
}

func (s *ftpServer) ReadFile(ctx context.Context, remoteRel, localAbs string) error {
	r, err := s.conn.Retr(s.abs(remoteRel))
	if err != nil {
		return htderrors.New(htderrors.KindNotFound, remoteRel, err)
	}
	defer r.Close()
	f, err := os.Create(localAbs)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, localAbs, err)
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (s *ftpServer) WriteFile(ctx context.Context, localAbs, remoteRel string, progress ProgressFunc) error {
	if err := s.CreateDir(ctx, path.Dir(remoteRel)); err != nil {
		return err
	}
	f, err := os.Open(localAbs)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, localAbs, err)
	}
	defer f.Close()
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}

	var r io.Reader = f
	if progress != nil && size > 0 {
		pw := &progressReader{r: f, size: size, progress: progress}
		r = pw
	}
	if err := s.conn.Stor(s.abs(remoteRel), r); err != nil {
		return htderrors.New(htderrors.KindTransport, remoteRel, err)
	}
	return nil
}

func (s *ftpServer) RenameFile(ctx context.Context, oldRel, newRel string) error {
	if err := s.conn.Rename(s.abs(oldRel), s.abs(newRel)); err != nil {
		return htderrors.New(htderrors.KindTransport, oldRel+" -> "+newRel, err)
	}
	return nil
}

func (s *ftpServer) RemoveFile(ctx context.Context, rel string) error {
	if err := s.conn.Delete(s.abs(rel)); err != nil && !isNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *ftpServer) CreateDir(ctx context.Context, rel string) error {
	if rel == "" || rel == "/" || rel == "." {
		return nil
	}
	parts := strings.Split(strings.Trim(rel, "/"), "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		// MakeDir errors on an already-existing directory on many
		// servers; tolerate that to stay idempotent.
		_ = s.conn.MakeDir(s.abs(cur))
	}
	return nil
}

func (s *ftpServer) RemoveDir(ctx context.Context, rel string) error {
	if err := s.conn.RemoveDir(s.abs(rel)); err != nil && !isNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *ftpServer) Purge(ctx context.Context, rel string, progress ProgressFunc) error {
	entries, err := s.conn.List(s.abs(rel))
	if err != nil {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	type stagedEntry struct {
		rel   string
		isDir bool
	}
	staged := make([]stagedEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		staging := path.Join(rel, e.Name+".deploytmp")
		if err := s.conn.Rename(s.abs(path.Join(rel, e.Name)), s.abs(staging)); err != nil {
			return htderrors.New(htderrors.KindTransport, rel, err)
		}
		staged = append(staged, stagedEntry{rel: staging, isDir: e.Type == ftp.EntryTypeFolder})
	}
	for i, st := range staged {
		if st.isDir {
			if err := s.removeRecursive(st.rel); err != nil {
				return err
			}
		} else if err := s.conn.Delete(s.abs(st.rel)); err != nil && !isNotExist(err) {
			return htderrors.New(htderrors.KindTransport, st.rel, err)
		}
		if progress != nil {
			progress(int((i + 1) * 100 / max(1, len(staged))))
		}
	}
	return nil
}

func (s *ftpServer) removeRecursive(rel string) error {
	entries, err := s.conn.List(s.abs(rel))
	if err == nil && len(entries) > 0 {
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			if e.Type == ftp.EntryTypeFolder {
				if err := s.removeRecursive(path.Join(rel, e.Name)); err != nil {
					return err
				}
			} else {
				_ = s.conn.Delete(s.abs(path.Join(rel, e.Name)))
			}
		}
	}
	if err := s.conn.RemoveDir(s.abs(rel)); err != nil && !isNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *ftpServer) Chmod(ctx context.Context, rel string, mode uint32) error {
	// jlaffaye/ftp has no portable SITE CHMOD wrapper; permissions on
	// plain FTP are best-effort and a no-op here.
	return nil
}

func (s *ftpServer) GetDir() string { return s.cfg.BaseDir }

func (s *ftpServer) Execute(ctx context.Context, cmd string) (string, error) {
	return "", ErrUnsupported
}

func isNotExist(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such file") || strings.Contains(msg, "not found") || strings.Contains(msg, "550")
}
