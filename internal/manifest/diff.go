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

package manifest

import "sort"

// Diff is the result of comparing a local manifest against the remote
// one.
type Diff struct {
	ToUpload []string
	ToDelete []string
}

// Compute implements Phase 3's diff rule:
//
//	toUpload = { p | local[p] != remote[p] or p not in remote }
//	toDelete = { p | p in remote and p not in local } (empty unless allowDelete)
//
// redeploy forces every local path into toUpload regardless of hash
// equality.
func Compute(local, remote *Manifest, allowDelete, redeploy bool) Diff {
	var d Diff
	for _, p := range local.Paths() {
		if redeploy {
			d.ToUpload = append(d.ToUpload, p)
			continue
		}
		if rh, ok := remote.Get(p); !ok || rh != mustGet(local, p) {
			d.ToUpload = append(d.ToUpload, p)
		}
	}
	if allowDelete {
		for _, p := range remote.Paths() {
			if _, ok := local.Get(p); !ok {
				d.ToDelete = append(d.ToDelete, p)
			}
		}
	}
	sort.Strings(d.ToUpload)
	sort.Strings(d.ToDelete)
	return d
}

func mustGet(m *Manifest, p string) string {
	h, _ := m.Get(p)
	return h
}
