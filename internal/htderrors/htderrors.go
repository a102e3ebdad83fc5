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

// Package htderrors defines the error taxonomy shared by every phase of a
// deployment run. Each Kind maps to one of the process exit codes.
package htderrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for exit-code mapping and operator messaging.
type Kind string

const (
	KindConfig               Kind = "config"
	KindFilter               Kind = "filter"
	KindConnection           Kind = "connection"
	KindTransport            Kind = "transport"
	KindNotFound             Kind = "not_found"
	KindManifestParse        Kind = "manifest_parse"
	KindHook                 Kind = "hook"
	KindConcurrentDeployment Kind = "concurrent_deployment"
	KindFatalState           Kind = "fatal_state"
)

// Error is a typed, wrapped error that retains enough context to be
// reported to the operator and mapped to a process exit code.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "readFile /site/.htdeployment"
	err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New wraps cause as a typed Error of the given Kind, attributing it to op.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, err: errors.WithStack(cause)}
}

// Newf builds a typed Error from a format string, no wrapped cause.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: errors.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HookError carries the identity of the job that failed alongside its
// stderr/exit code or HTTP status.
type HookError struct {
	JobKind  string
	JobSpec  string
	Output   string
	ExitCode int
	Status   int
	err      error
}

func (e *HookError) Error() string {
	switch {
	case e.ExitCode != 0:
		return fmt.Sprintf("hook %s %q failed (exit %d): %s", e.JobKind, e.JobSpec, e.ExitCode, e.Output)
	case e.Status != 0:
		return fmt.Sprintf("hook %s %q failed (status %d): %s", e.JobKind, e.JobSpec, e.Status, e.Output)
	default:
		return fmt.Sprintf("hook %s %q failed: %v", e.JobKind, e.JobSpec, e.err)
	}
}

func (e *HookError) Unwrap() error { return e.err }

// NewHookError builds a HookError and also tags it with KindHook so Is
// still works against it via errors.As unwrapping.
func NewHookError(jobKind, jobSpec, output string, exitCode, status int, cause error) error {
	return New(KindHook, fmt.Sprintf("%s %s", jobKind, jobSpec), &HookError{
		JobKind:  jobKind,
		JobSpec:  jobSpec,
		Output:   output,
		ExitCode: exitCode,
		Status:   status,
		err:      cause,
	})
}

// ExitCode maps a Kind to the process exit code: 0 success, 1 generic
// failure, 2 configuration error, 3 concurrent-deployment lock.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindConfig, KindFilter:
			return 2
		case KindConcurrentDeployment:
			return 3
		}
	}
	return 1
}
