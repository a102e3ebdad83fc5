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
	"strings"
	"time"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
	"github.com/dgrijalva-labs/htdeploy/internal/server"
)

// acquireLock creates the running-sentinel file, failing with
// KindConcurrentDeployment if one is already present. A sentinel older
// than lockBreakAge is forcibly removed first when allowBreak is set.
func acquireLock(ctx context.Context, srv server.Server, lockName string, lockBreakAge time.Duration, allowBreak bool) error {
	exists, staleAge, err := probeLock(ctx, srv, lockName)
	if err != nil {
		return err
	}
	if exists {
		if allowBreak && lockBreakAge > 0 && staleAge >= lockBreakAge {
			if err := srv.RemoveFile(ctx, lockName); err != nil {
				return htderrors.New(htderrors.KindConcurrentDeployment, lockName, err)
			}
		} else {
			return htderrors.Newf(htderrors.KindConcurrentDeployment, "deployment lock %q already present", lockName)
		}
	}
	return writeLock(ctx, srv, lockName)
}

// probeLock checks whether lockName exists and, if so, how old it is.
// Age detection relies on the lock file's own contents (an RFC3339
// timestamp written by writeLock) since not every driver exposes mtimes.
func probeLock(ctx context.Context, srv server.Server, lockName string) (exists bool, age time.Duration, err error) {
	tmp, rmErr := readLockBody(ctx, srv, lockName)
	if rmErr != nil {
		return false, 0, nil
	}
	ts, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(tmp))
	if parseErr != nil {
		return true, 0, nil
	}
	return true, time.Since(ts), nil
}

func writeLock(ctx context.Context, srv server.Server, lockName string) error {
	return writeRemoteBytes(ctx, srv, lockName, []byte(time.Now().UTC().Format(time.RFC3339)))
}

// releaseLock removes the running-sentinel. The caller logs a failure
// here as a warning when the run itself succeeded, and never escalates
// it further; a stale lock is recoverable via --allow-lock-break on the
// next run.
func releaseLock(ctx context.Context, srv server.Server, lockName string) error {
	return srv.RemoveFile(ctx, lockName)
}

// writeRemoteBytes uploads a small in-memory buffer directly to rel
// without staging, used for the lock sentinel which is not part of the
// manifest's atomicity guarantee.
func writeRemoteBytes(ctx context.Context, srv server.Server, rel string, body []byte) error {
	return withTempFile(body, func(localAbs string) error {
		return srv.WriteFile(ctx, localAbs, rel, nil)
	})
}

func readLockBody(ctx context.Context, srv server.Server, rel string) (string, error) {
	var out string
	err := withTempPath(func(localAbs string) error {
		if err := srv.ReadFile(ctx, rel, localAbs); err != nil {
			return err
		}
		b, err := os.ReadFile(localAbs)
		if err != nil {
			return err
		}
		out = string(b)
		return nil
	})
	return out, err
}
