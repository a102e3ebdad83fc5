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

// Package config loads htdeploy site definitions from an INI-style
// file via gopkg.in/ini.v1 and decodes them into the values the
// deploy engine consumes.
package config

import (
	"time"

	"github.com/dgrijalva-labs/htdeploy/internal/runner"
)

// StdinSentinel marks a password/passphrase value that must be
// prompted for interactively rather than read from the file.
const StdinSentinel = "STDIN"

// DefaultManifestName is used when a site does not set deploymentFile.
const DefaultManifestName = ".htdeployment"

// DefaultUploadWorkers bounds the upload stage's worker pool when a
// site does not override it.
const DefaultUploadWorkers = 10

// DefaultLockBreakAge is how old a ".running" sentinel must be before
// --allow-lock-break will forcibly remove it.
const DefaultLockBreakAge = time.Hour

// RemoteURL is a decoded remote target: scheme, credentials, host,
// port, and base path.
type RemoteURL struct {
	Scheme   string // ftp, ftps, sftp, file
	User     string
	Password string // literal, or StdinSentinel
	Host     string
	Port     int
	Path     string
}

// Site is one [section] block: a complete, independent deployment
// target. A config file may declare several; they are processed in
// declaration order.
type Site struct {
	Name string

	Remote      RemoteURL
	PassiveMode bool

	LocalRoot   string
	TestMode    bool
	AllowDelete bool

	IgnorePatterns  []string
	IncludePatterns []string
	PreprocessMasks []string

	BeforeJobs      []runner.Job
	AfterUploadJobs []runner.Job
	AfterJobs       []runner.Job
	PurgePaths      []string

	ManifestName    string
	FilePermissions string // octal string, e.g. "0644"
	DirPermissions  string

	TempDir string

	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	UploadWorkers  int
	LockBreakAge   time.Duration
	Redeploy       bool
}

// withDefaults fills in the values a site inherits when unset.
func withDefaults(s *Site) *Site {
	if s.ManifestName == "" {
		s.ManifestName = DefaultManifestName
	}
	if s.UploadWorkers <= 0 {
		s.UploadWorkers = DefaultUploadWorkers
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 30 * time.Second
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = 3
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 2 * time.Second
	}
	if s.TempDir == "" {
		s.TempDir = defaultTempDir(s.Name)
	}
	if s.LockBreakAge <= 0 {
		s.LockBreakAge = DefaultLockBreakAge
	}
	return s
}
