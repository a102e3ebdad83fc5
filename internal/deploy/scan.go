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
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dgrijalva-labs/htdeploy/internal/hashutil"
	"github.com/dgrijalva-labs/htdeploy/internal/manifest"
	"github.com/dgrijalva-labs/htdeploy/internal/pathfilter"
	"github.com/dgrijalva-labs/htdeploy/internal/preprocess"
)

// localFile is one surviving path from the walk of localRoot, carrying
// the absolute path whose bytes are actually hashed and uploaded
// (either the original file, or its preprocessed materialization).
type localFile struct {
	relPath string
	absPath string // bytes to hash/upload: srcAbs or a preprocessed temp file
	size    int64
}

// scanLocal walks localRoot, keeping only paths the filter accepts,
// preprocessing matched files into tempDir, and hashing the bytes that
// will actually be uploaded. It returns the resulting manifest plus the
// per-path localFile records the upload stage consumes.
func scanLocal(localRoot string, filter *pathfilter.Filter, pp *preprocess.Preprocessor) (*manifest.Manifest, map[string]localFile, error) {
	m := manifest.New()
	files := make(map[string]localFile)

	err := filepath.WalkDir(localRoot, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if abs == localRoot {
			return nil
		}
		rel := toRelPath(localRoot, abs)

		if d.IsDir() {
			if !filter.MayDescend(rel) {
				return filepath.SkipDir
			}
			if !filter.Accepts(rel, true) {
				return nil
			}
			m.Set(rel, hashutil.DirSentinel)
			return nil
		}

		if !filter.Accepts(rel, false) {
			return nil
		}

		srcAbs := abs
		if pp != nil && pp.Matches(rel) {
			processed, err := pp.Process(rel, abs)
			if err != nil {
				return err
			}
			srcAbs = processed
		}

		info, err := os.Stat(srcAbs)
		if err != nil {
			return err
		}
		hash, err := hashFile(srcAbs)
		if err != nil {
			return err
		}
		m.Set(rel, hash)
		files[rel] = localFile{relPath: rel, absPath: srcAbs, size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return m, files, nil
}

func hashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hashutil.Reader(f)
}

// toRelPath converts an absolute path under root into the POSIX-style,
// "/"-rooted relPath the rest of the system uses.
func toRelPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		rel = abs
	}
	return "/" + filepath.ToSlash(rel)
}

// shortestPathFirst orders paths so a directory that became a file (or
// vice versa) during the commit rename dance is resolved consistently:
// shallower paths rename before their descendants.
func shortestPathFirst(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Slice(out, func(i, j int) bool {
		di, dj := depthOf(out[i]), depthOf(out[j])
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}

// deepestPathFirst is the removal-order counterpart: children before
// their parents, so emptied directories unwind bottom-up.
func deepestPathFirst(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Slice(out, func(i, j int) bool {
		di, dj := depthOf(out[i]), depthOf(out[j])
		if di != dj {
			return di > dj
		}
		return out[i] > out[j]
	})
	return out
}

// splitDirSentinels partitions paths into the directory entries m
// records with the sentinel hash and everything else.
func splitDirSentinels(m *manifest.Manifest, paths []string) (dirs, files []string) {
	for _, p := range paths {
		if h, _ := m.Get(p); h == hashutil.DirSentinel {
			dirs = append(dirs, p)
		} else {
			files = append(files, p)
		}
	}
	return dirs, files
}

func depthOf(relPath string) int {
	n := 0
	for _, r := range relPath {
		if r == '/' {
			n++
		}
	}
	return n
}

// totalSize sums the on-disk size of every path in rels, used to
// report a human-readable upload total before Phase 5 starts.
func totalSize(files map[string]localFile, rels []string) int64 {
	var sum int64
	for _, p := range rels {
		sum += files[p].size
	}
	return sum
}
