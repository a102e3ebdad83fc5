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

// Package deploy implements the orchestrator that drives a Server and
// a Runner through scan, diff, staged upload, and atomic commit to
// bring a remote site's content in line with a local directory tree.
package deploy

import (
	"bytes"
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dgrijalva-labs/htdeploy/internal/config"
	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
	"github.com/dgrijalva-labs/htdeploy/internal/loggers"
	"github.com/dgrijalva-labs/htdeploy/internal/manifest"
	"github.com/dgrijalva-labs/htdeploy/internal/pathfilter"
	"github.com/dgrijalva-labs/htdeploy/internal/preprocess"
	"github.com/dgrijalva-labs/htdeploy/internal/runner"
	"github.com/dgrijalva-labs/htdeploy/internal/server"
)

// RunSummary reports what one deployment run actually did.
type RunSummary struct {
	Uploaded int
	Deleted  int
	Purged   int
	Skipped  int
	Warnings []error
}

// Deployer orchestrates one site's deployment over an abstract Server
// and Runner.
type Deployer struct {
	site           *config.Site
	dialer         server.Dialer
	log            *loggers.Logger
	allowLockBreak bool
}

// New builds a Deployer for site, dialing fresh Server sessions
// through dialer.
func New(site *config.Site, dialer server.Dialer, log *loggers.Logger, allowLockBreak bool) *Deployer {
	return &Deployer{site: site, dialer: dialer, log: log, allowLockBreak: allowLockBreak}
}

// Run executes the full deployment lifecycle for the Deployer's site.
func (d *Deployer) Run(ctx context.Context) (RunSummary, error) {
	srv, err := d.connectWithRetry(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	defer srv.Close()

	lockName := lockSentinelName(d.site.ManifestName)
	if err := acquireLock(ctx, srv, lockName, d.site.LockBreakAge, d.allowLockBreak); err != nil {
		return RunSummary{}, err
	}

	summary, runErr := d.runLocked(ctx, srv)
	if relErr := releaseLock(ctx, srv, lockName); relErr != nil && runErr == nil {
		d.log.Warn("failed to release deployment lock %s: %v", lockName, relErr)
	}
	return summary, runErr
}

func (d *Deployer) runLocked(ctx context.Context, srv server.Server) (RunSummary, error) {
	site := d.site

	d.log.Phase("Scanning local files")
	filter, err := pathfilter.New(site.IncludePatterns, site.IgnorePatterns)
	if err != nil {
		return RunSummary{}, err
	}
	pp := preprocess.New(site.TempDir, site.PreprocessMasks)
	defer func() {
		if err := pp.Cleanup(); err != nil {
			d.log.Warn("failed to clean preprocess temp dir %s: %v", site.TempDir, err)
		}
	}()
	localManifest, files, err := scanLocal(site.LocalRoot, filter, pp)
	if err != nil {
		return RunSummary{}, htderrors.New(htderrors.KindFatalState, "scan", err)
	}

	d.log.Phase("Reading remote manifest")
	remoteManifest, err := readRemoteManifest(ctx, srv, site.ManifestName)
	if err != nil {
		return RunSummary{}, err
	}

	diff := manifest.Compute(localManifest, remoteManifest, site.AllowDelete, site.Redeploy)
	d.log.Info("identified %d file(s) to upload, totaling %s, and %d file(s) to delete",
		len(diff.ToUpload), humanize.Bytes(uint64(totalSize(files, diff.ToUpload))), len(diff.ToDelete))

	run := runner.New(site.LocalRoot, srv)

	if site.TestMode {
		for _, p := range diff.ToUpload {
			d.log.Info("would upload %s", p)
		}
		for _, p := range diff.ToDelete {
			d.log.Info("would delete %s", p)
		}
		d.log.Phase("Test mode: running before-hooks only")
		if err := d.runLocalOnlyJobs(ctx, run, site.BeforeJobs); err != nil {
			return RunSummary{}, err
		}
		return RunSummary{Skipped: len(diff.ToUpload) + len(diff.ToDelete)}, nil
	}

	d.log.Phase("Running before hooks")
	if err := d.runJobs(ctx, run, site.BeforeJobs); err != nil {
		return RunSummary{}, err
	}

	if len(diff.ToUpload) == 0 && len(diff.ToDelete) == 0 && len(site.PurgePaths) == 0 {
		if err := d.runLocalOnlyJobs(ctx, run, site.AfterJobs); err != nil {
			return RunSummary{}, err
		}
		d.log.Summary(0, 0, 0, 0, nil)
		return RunSummary{}, nil
	}

	d.log.Phase("Uploading to staging")
	sweepStaleTemp(ctx, srv, localManifest, remoteManifest, site.ManifestName)

	toCreate, toUploadFiles := splitDirSentinels(localManifest, diff.ToUpload)
	for _, dir := range shortestPathFirst(toCreate) {
		if err := srv.CreateDir(ctx, dir); err != nil {
			return RunSummary{}, err
		}
	}

	staged, uploadErr := d.stagedUpload(ctx, files, toUploadFiles)
	if uploadErr != nil {
		d.rollback(ctx, srv, staged, "")
		return RunSummary{}, uploadErr
	}

	manifestStagingName := site.ManifestName + ".deploytmp"
	if err := uploadManifest(ctx, srv, localManifest, manifestStagingName); err != nil {
		d.rollback(ctx, srv, staged, "")
		return RunSummary{}, htderrors.New(htderrors.KindTransport, manifestStagingName, err)
	}

	d.log.Phase("Committing")
	if err := d.runJobs(ctx, run, site.AfterUploadJobs); err != nil {
		d.rollback(ctx, srv, staged, manifestStagingName)
		return RunSummary{}, err
	}

	for _, p := range shortestPathFirst(staged) {
		if err := srv.RenameFile(ctx, p+".deploytmp", p); err != nil {
			d.rollback(ctx, srv, staged, manifestStagingName)
			return RunSummary{}, err
		}
	}

	// Linearization point: once this rename returns, the new
	// deployment is live. Every failure from here on is a warning,
	// never a rollback.
	if err := srv.RenameFile(ctx, manifestStagingName, site.ManifestName); err != nil {
		d.rollback(ctx, srv, staged, manifestStagingName)
		return RunSummary{}, err
	}

	var warnings []error
	deleted := 0
	obsoleteDirs, obsoleteFiles := splitDirSentinels(remoteManifest, diff.ToDelete)
	for _, p := range obsoleteFiles {
		if err := srv.RemoveFile(ctx, p); err != nil {
			warnings = append(warnings, err)
			continue
		}
		deleted++
	}
	// Now-empty directories go bottom-up; one still holding files the
	// manifest no longer tracks is left in place.
	for _, p := range deepestPathFirst(obsoleteDirs) {
		if err := srv.RemoveDir(ctx, p); err != nil {
			d.log.Info("leaving non-empty directory %s: %v", p, err)
			continue
		}
		deleted++
	}

	purged := 0
	for _, dir := range site.PurgePaths {
		bar := d.log.FileBar("purge "+dir, 0)
		if err := srv.Purge(ctx, dir, bar); err != nil {
			warnings = append(warnings, err)
			continue
		}
		purged++
	}

	if err := d.runJobs(ctx, run, site.AfterJobs); err != nil {
		warnings = append(warnings, err)
	}

	summary := RunSummary{Uploaded: len(staged), Deleted: deleted, Purged: purged, Warnings: warnings}
	d.log.Summary(summary.Uploaded, summary.Deleted, summary.Purged, summary.Skipped, summary.Warnings)
	return summary, nil
}

// runJobs runs jobs in order, aborting on the first failure.
func (d *Deployer) runJobs(ctx context.Context, run *runner.Runner, jobs []runner.Job) error {
	for _, job := range jobs {
		if _, err := run.Run(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// runLocalOnlyJobs runs only the local-shell jobs of the list, matching
// the rule that local: jobs run unconditionally even when the rest of
// a run is short-circuited by test mode or an empty diff.
func (d *Deployer) runLocalOnlyJobs(ctx context.Context, run *runner.Runner, jobs []runner.Job) error {
	for _, job := range jobs {
		if job.Kind != runner.KindLocalShell {
			continue
		}
		if _, err := run.Run(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// stagedUpload uploads every path in toUpload to its staging name
// through a bounded worker pool. Driver sessions are not assumed safe
// for concurrent use, so each worker dials its own Server and owns it
// for the lifetime of the pool.
func (d *Deployer) stagedUpload(ctx context.Context, files map[string]localFile, toUpload []string) ([]string, error) {
	tasks := make([]localFile, 0, len(toUpload))
	for _, p := range toUpload {
		if lf, ok := files[p]; ok {
			tasks = append(tasks, lf)
		}
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	workers := d.site.UploadWorkers
	if workers <= 0 {
		workers = config.DefaultUploadWorkers
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var mu sync.Mutex
	var staged []string
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	aborted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	work := make(chan localFile)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv, err := d.dial(ctx)
			if err != nil {
				fail(err)
				for range work {
				}
				return
			}
			defer srv.Close()
			for lf := range work {
				if aborted() {
					continue
				}
				if err := d.uploadOne(ctx, srv, lf); err != nil {
					fail(err)
					continue
				}
				mu.Lock()
				staged = append(staged, lf.relPath)
				mu.Unlock()
			}
		}()
	}
	for _, lf := range tasks {
		work <- lf
	}
	close(work)
	wg.Wait()

	return staged, firstErr
}

// uploadOne transfers one file to its staging name, retrying transient
// failures with the site's backoff schedule.
func (d *Deployer) uploadOne(ctx context.Context, srv server.Server, lf localFile) error {
	attempts := d.site.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && d.site.RetryBackoff > 0 {
			select {
			case <-time.After(d.site.RetryBackoff << (i - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := srv.CreateDir(ctx, path.Dir(lf.relPath)); err != nil {
			lastErr = err
			continue
		}
		bar := d.log.FileBar(lf.relPath, lf.size)
		if err := srv.WriteFile(ctx, lf.absPath, lf.relPath+".deploytmp", bar); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// dial constructs and connects one fresh Server session.
func (d *Deployer) dial(ctx context.Context) (server.Server, error) {
	srv, err := d.dialer()
	if err != nil {
		return nil, err
	}
	if err := srv.Connect(ctx); err != nil {
		_ = srv.Close()
		return nil, err
	}
	return srv, nil
}

// sweepStaleTemp removes staging files a crashed earlier run may have
// left behind. With no directory-listing operation in the Server
// contract, the candidate set is every path either manifest knows
// about; RemoveFile on a missing path is free of side effects.
func sweepStaleTemp(ctx context.Context, srv server.Server, local, remote *manifest.Manifest, manifestName string) {
	seen := make(map[string]struct{})
	for _, p := range local.Paths() {
		seen[p] = struct{}{}
	}
	for _, p := range remote.Paths() {
		seen[p] = struct{}{}
	}
	for p := range seen {
		_ = srv.RemoveFile(ctx, p+".deploytmp")
	}
	_ = srv.RemoveFile(ctx, manifestName+".deploytmp")
}

// rollback deletes every staging artifact produced by a failed run,
// best-effort, leaving the prior live state and manifest untouched.
func (d *Deployer) rollback(ctx context.Context, srv server.Server, staged []string, manifestStagingName string) {
	for _, p := range staged {
		if err := srv.RemoveFile(ctx, p+".deploytmp"); err != nil {
			d.log.Warn("rollback: failed to remove staging file for %s: %v", p, err)
		}
	}
	if manifestStagingName != "" {
		if err := srv.RemoveFile(ctx, manifestStagingName); err != nil {
			d.log.Warn("rollback: failed to remove staged manifest %s: %v", manifestStagingName, err)
		}
	}
}

func (d *Deployer) connectWithRetry(ctx context.Context) (server.Server, error) {
	attempts := d.site.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := d.site.RetryBackoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		srv, err := d.dialer()
		if err != nil {
			lastErr = err
			continue
		}
		if err := srv.Connect(ctx); err != nil {
			lastErr = err
			if !htderrors.Is(err, htderrors.KindConnection) {
				return nil, err
			}
			if i < attempts-1 && backoff > 0 {
				select {
				case <-time.After(backoff << i):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}
		return srv, nil
	}
	return nil, htderrors.New(htderrors.KindConnection, "connect", lastErr)
}

func lockSentinelName(manifestName string) string {
	return manifestName + ".running"
}

func readRemoteManifest(ctx context.Context, srv server.Server, manifestName string) (*manifest.Manifest, error) {
	var body []byte
	err := withTempPath(func(localAbs string) error {
		if err := srv.ReadFile(ctx, manifestName, localAbs); err != nil {
			if htderrors.Is(err, htderrors.KindNotFound) {
				return nil
			}
			return err
		}
		b, readErr := os.ReadFile(localAbs)
		if readErr != nil {
			return readErr
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if body == nil {
		return manifest.New(), nil
	}
	m, err := manifest.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func uploadManifest(ctx context.Context, srv server.Server, m *manifest.Manifest, stagingName string) error {
	return withTempFile(m.Bytes(), func(localAbs string) error {
		return srv.WriteFile(ctx, localAbs, stagingName, nil)
	})
}
