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

// Package runner executes the hook jobs a Config attaches to the
// before, afterUpload, and after phases of a deployment.
package runner

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
	"github.com/dgrijalva-labs/htdeploy/internal/server"
)

// Kind identifies the flavor of a Job, matching the prefix parsed out
// of a config job string (local:, remote:, upload:, bare http(s) URL).
type Kind string

const (
	KindLocalShell  Kind = "local-shell"
	KindRemoteShell Kind = "remote-shell"
	KindHTTPGet     Kind = "http-get"
	KindUploadCopy  Kind = "upload-copy"
)

// Job is one hook action attached to a deployment phase.
type Job struct {
	Kind Kind
	Cmd  string // local-shell, remote-shell
	URL  string // http-get
	Src  string // upload-copy: path under localRoot
	Dst  string // upload-copy: remote-relative destination
}

// Result reports the outcome of running a Job.
type Result struct {
	OK     bool
	Output string
}

// Runner executes Jobs. The local shell runs with the process's
// environment and localRoot as its working directory; remote-shell
// delegates to the Server's Execute; http-get treats any 2xx as
// success; upload-copy delegates to the Server's WriteFile.
type Runner struct {
	LocalRoot  string
	Server     server.Server
	HTTPClient *http.Client
}

// New builds a Runner bound to one deployment's local root and
// connected Server session.
func New(localRoot string, srv server.Server) *Runner {
	return &Runner{
		LocalRoot:  localRoot,
		Server:     srv,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Run executes job and returns its Result, or an *htderrors.Error of
// Kind KindHook describing the failure.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	switch job.Kind {
	case KindLocalShell:
		return r.runLocalShell(ctx, job)
	case KindRemoteShell:
		return r.runRemoteShell(ctx, job)
	case KindHTTPGet:
		return r.runHTTPGet(ctx, job)
	case KindUploadCopy:
		return r.runUploadCopy(ctx, job)
	default:
		return Result{}, htderrors.Newf(htderrors.KindHook, "unknown job kind %q", job.Kind)
	}
}

func (r *Runner) runLocalShell(ctx context.Context, job Job) (Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", job.Cmd)
	cmd.Dir = r.LocalRoot
	cmd.Env = os.Environ()
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return Result{OK: false, Output: out.String()},
			htderrors.NewHookError(string(KindLocalShell), job.Cmd, out.String(), exitCode, 0, err)
	}
	return Result{OK: true, Output: out.String()}, nil
}

func (r *Runner) runRemoteShell(ctx context.Context, job Job) (Result, error) {
	out, err := r.Server.Execute(ctx, job.Cmd)
	if err != nil {
		return Result{OK: false, Output: out},
			htderrors.NewHookError(string(KindRemoteShell), job.Cmd, out, 0, 0, err)
	}
	return Result{OK: true, Output: out}, nil
}

func (r *Runner) runHTTPGet(ctx context.Context, job Job) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return Result{}, htderrors.NewHookError(string(KindHTTPGet), job.URL, "", 0, 0, err)
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return Result{}, htderrors.NewHookError(string(KindHTTPGet), job.URL, "", 0, 0, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{OK: false, Output: string(body)},
			htderrors.NewHookError(string(KindHTTPGet), job.URL, string(body), 0, resp.StatusCode, nil)
	}
	return Result{OK: true, Output: string(body)}, nil
}

func (r *Runner) runUploadCopy(ctx context.Context, job Job) (Result, error) {
	localAbs := filepath.Join(r.LocalRoot, filepath.FromSlash(job.Src))
	if err := r.Server.WriteFile(ctx, localAbs, job.Dst, nil); err != nil {
		return Result{OK: false}, htderrors.NewHookError(string(KindUploadCopy), job.Src+" -> "+job.Dst, "", 0, 0, err)
	}
	return Result{OK: true}, nil
}
