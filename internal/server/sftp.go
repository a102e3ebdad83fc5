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
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// SFTPConfig holds everything the SFTP driver needs to dial and
// authenticate, decoded from a sftp:// remote URL.
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	Password       string // may be the STDIN sentinel
	PrivateKeyPath string
	BaseDir        string
	Prompt         PasswordPrompt
	Timeout        time.Duration
	HostKeyCB      ssh.HostKeyCallback // nil defaults to ssh.InsecureIgnoreHostKey for dev use
	FilePerm       os.FileMode         // 0 leaves the server default
	DirPerm        os.FileMode
}

type sftpServer struct {
	cfg    SFTPConfig
	client *sftp.Client
	conn   *ssh.Client
}

// NewSFTP constructs an unconnected SFTP driver.
func NewSFTP(cfg SFTPConfig) Server {
	return &sftpServer{cfg: cfg}
}

func (s *sftpServer) Connect(ctx context.Context) error {
	auths, err := s.authMethods()
	if err != nil {
		return htderrors.New(htderrors.KindConnection, "auth", err)
	}

	hostKeyCB := s.cfg.HostKeyCB
	if hostKeyCB == nil {
		hostKeyCB = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCB,
		Timeout:         s.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return htderrors.New(htderrors.KindConnection, addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return htderrors.New(htderrors.KindConnection, addr, err)
	}
	s.conn = ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(s.conn)
	if err != nil {
		return htderrors.New(htderrors.KindConnection, "sftp subsystem", err)
	}
	s.client = client
	return nil
}

func (s *sftpServer) authMethods() ([]ssh.AuthMethod, error) {
	if s.cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			// An encrypted key needs the STDIN passphrase sentinel.
			passphrase := s.cfg.Password
			if passphrase == "STDIN" || passphrase == "" {
				var perr error
				passphrase, perr = s.cfg.Prompt(fmt.Sprintf("Passphrase for %s: ", s.cfg.PrivateKeyPath))
				if perr != nil {
					return nil, perr
				}
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
			if err != nil {
				return nil, err
			}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := s.cfg.Password
	if password == "STDIN" {
		var err error
		password, err = s.cfg.Prompt(fmt.Sprintf("Password for %s@%s: ", s.cfg.User, s.cfg.Host))
		if err != nil {
			return nil, err
		}
	}
	return []ssh.AuthMethod{ssh.Password(password)}, nil
}

func (s *sftpServer) Close() error {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *sftpServer) abs(rel string) string {
	return path.Join(s.cfg.BaseDir, rel)
}

func (s *sftpServer) ReadFile(ctx context.Context, remoteRel, localAbs string) error {
	src, err := s.client.Open(s.abs(remoteRel))
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

func (s *sftpServer) WriteFile(ctx context.Context, localAbs, remoteRel string, progress ProgressFunc) error {
	if err := s.CreateDir(ctx, path.Dir(remoteRel)); err != nil {
		return err
	}
	f, err := os.Open(localAbs)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, localAbs, err)
	}
	defer f.Close()
	info, _ := f.Stat()

	dst, err := s.client.OpenFile(s.abs(remoteRel), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return htderrors.New(htderrors.KindTransport, remoteRel, err)
	}
	defer dst.Close()

	var size int64
	if info != nil {
		size = info.Size()
	}
	if _, err := CopyWithProgress(dst, f, size, progress); err != nil {
		return htderrors.New(htderrors.KindTransport, remoteRel, err)
	}
	if s.cfg.FilePerm != 0 {
		if err := s.client.Chmod(s.abs(remoteRel), s.cfg.FilePerm); err != nil {
			return htderrors.New(htderrors.KindTransport, remoteRel, err)
		}
	}
	return nil
}

func (s *sftpServer) RenameFile(ctx context.Context, oldRel, newRel string) error {
	var prevMode os.FileMode
	if info, err := s.client.Stat(s.abs(newRel)); err == nil {
		prevMode = info.Mode()
	}
	// PosixRename replaces newRel atomically when the server supports
	// the openssh-posix-rename extension; fall back to remove+rename
	// otherwise.
	err := s.client.PosixRename(s.abs(oldRel), s.abs(newRel))
	if err != nil {
		_ = s.client.Remove(s.abs(newRel))
		err = s.client.Rename(s.abs(oldRel), s.abs(newRel))
	}
	if err != nil {
		return htderrors.New(htderrors.KindTransport, oldRel+" -> "+newRel, err)
	}
	if prevMode != 0 {
		return s.client.Chmod(s.abs(newRel), prevMode)
	}
	return nil
}

func (s *sftpServer) RemoveFile(ctx context.Context, rel string) error {
	err := s.client.Remove(s.abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *sftpServer) CreateDir(ctx context.Context, rel string) error {
	if rel == "" || rel == "/" || rel == "." {
		return nil
	}
	if err := s.client.MkdirAll(s.abs(rel)); err != nil {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	if s.cfg.DirPerm != 0 {
		_ = s.client.Chmod(s.abs(rel), s.cfg.DirPerm)
	}
	return nil
}

func (s *sftpServer) RemoveDir(ctx context.Context, rel string) error {
	err := s.client.RemoveDirectory(s.abs(rel))
	if err != nil && !os.IsNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *sftpServer) Purge(ctx context.Context, rel string, progress ProgressFunc) error {
	entries, err := s.client.ReadDir(s.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	type stagedEntry struct {
		rel   string
		isDir bool
	}
	staged := make([]stagedEntry, 0, len(entries))
	for _, e := range entries {
		staging := path.Join(rel, e.Name()+".deploytmp")
		if err := s.client.Rename(s.abs(path.Join(rel, e.Name())), s.abs(staging)); err != nil {
			return htderrors.New(htderrors.KindTransport, rel, err)
		}
		staged = append(staged, stagedEntry{rel: staging, isDir: e.IsDir()})
	}
	for i, st := range staged {
		if st.isDir {
			if err := s.removeRecursive(st.rel); err != nil {
				return err
			}
		} else if err := s.client.Remove(s.abs(st.rel)); err != nil && !os.IsNotExist(err) {
			return htderrors.New(htderrors.KindTransport, st.rel, err)
		}
		if progress != nil {
			progress(int((i + 1) * 100 / max(1, len(staged))))
		}
	}
	return nil
}

func (s *sftpServer) removeRecursive(rel string) error {
	entries, err := s.client.ReadDir(s.abs(rel))
	if err == nil {
		for _, e := range entries {
			child := path.Join(rel, e.Name())
			if e.IsDir() {
				if err := s.removeRecursive(child); err != nil {
					return err
				}
			} else {
				_ = s.client.Remove(s.abs(child))
			}
		}
	}
	if err := s.client.RemoveDirectory(s.abs(rel)); err != nil && !os.IsNotExist(err) {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *sftpServer) Chmod(ctx context.Context, rel string, mode uint32) error {
	if err := s.client.Chmod(s.abs(rel), os.FileMode(mode)); err != nil {
		return htderrors.New(htderrors.KindTransport, rel, err)
	}
	return nil
}

func (s *sftpServer) GetDir() string { return s.cfg.BaseDir }

func (s *sftpServer) Execute(ctx context.Context, cmd string) (string, error) {
	session, err := s.conn.NewSession()
	if err != nil {
		return "", htderrors.New(htderrors.KindTransport, cmd, err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return string(out), htderrors.New(htderrors.KindTransport, cmd, err)
	}
	return string(out), nil
}
