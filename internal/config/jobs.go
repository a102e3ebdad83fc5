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

package config

import (
	"strings"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
	"github.com/dgrijalva-labs/htdeploy/internal/runner"
)

// ParseJob decodes one hook job string into a runner.Job by prefix:
// "local:", "remote:", "upload: srcRel dstRel", or a bare http(s) URL.
func ParseJob(raw string) (runner.Job, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(s, "local:"):
		return runner.Job{Kind: runner.KindLocalShell, Cmd: strings.TrimSpace(strings.TrimPrefix(s, "local:"))}, nil
	case strings.HasPrefix(s, "remote:"):
		return runner.Job{Kind: runner.KindRemoteShell, Cmd: strings.TrimSpace(strings.TrimPrefix(s, "remote:"))}, nil
	case strings.HasPrefix(s, "upload:"):
		fields := strings.Fields(strings.TrimPrefix(s, "upload:"))
		if len(fields) != 2 {
			return runner.Job{}, htderrors.Newf(htderrors.KindConfig, "upload job %q needs exactly srcRel and dstRel", raw)
		}
		return runner.Job{Kind: runner.KindUploadCopy, Src: fields[0], Dst: fields[1]}, nil
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return runner.Job{Kind: runner.KindHTTPGet, URL: s}, nil
	default:
		return runner.Job{}, htderrors.Newf(htderrors.KindConfig, "unrecognized job %q", raw)
	}
}

func parseJobs(raws []string) ([]runner.Job, error) {
	jobs := make([]runner.Job, 0, len(raws))
	for _, raw := range raws {
		j, err := ParseJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
