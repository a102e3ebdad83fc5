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

// Package manifest implements the remote-persisted mapping of
// relative paths to content hashes: the source of truth for "what is
// deployed".
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// Manifest is a mapping relPath -> hex hash. It keeps no order of its
// own; Serialize writes the entries sorted by relPath.
type Manifest struct {
	entries map[string]string
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{entries: make(map[string]string)}
}

// Set records the hash for relPath, overwriting any previous value.
func (m *Manifest) Set(relPath, hash string) {
	if m.entries == nil {
		m.entries = make(map[string]string)
	}
	m.entries[relPath] = hash
}

// Get returns the hash recorded for relPath, and whether it was present.
func (m *Manifest) Get(relPath string) (string, bool) {
	h, ok := m.entries[relPath]
	return h, ok
}

// Delete removes relPath from the manifest.
func (m *Manifest) Delete(relPath string) {
	delete(m.entries, relPath)
}

// Paths returns every recorded path, unsorted.
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.entries))
	for p := range m.entries {
		out = append(out, p)
	}
	return out
}

// Len reports the number of entries.
func (m *Manifest) Len() int { return len(m.entries) }

// Equal reports whether two manifests have identical entries.
func (m *Manifest) Equal(other *Manifest) bool {
	if len(m.entries) != len(other.entries) {
		return false
	}
	for p, h := range m.entries {
		if oh, ok := other.entries[p]; !ok || oh != h {
			return false
		}
	}
	return true
}

// Serialize writes the manifest as `<hash><SP><relPath><LF>` records
// sorted by relPath, UTF-8, no BOM.
func (m *Manifest) Serialize(w io.Writer) error {
	paths := m.Paths()
	sort.Strings(paths)
	bw := bufio.NewWriter(w)
	for _, p := range paths {
		if _, err := fmt.Fprintf(bw, "%s %s\n", m.entries[p], p); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Bytes returns the serialized form.
func (m *Manifest) Bytes() []byte {
	var buf bytes.Buffer
	// Serialize never fails writing to a bytes.Buffer.
	_ = m.Serialize(&buf)
	return buf.Bytes()
}

// Parse reads a manifest in the format produced by Serialize. It
// tolerates blank lines and CRLF line endings; any other malformed line
// aborts with a ManifestParseError.
func Parse(r io.Reader) (*Manifest, error) {
	m := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp <= 0 || sp == len(line)-1 {
			return nil, htderrors.New(htderrors.KindManifestParse,
				fmt.Sprintf("line %d", lineNo),
				fmt.Errorf("malformed manifest record %q", line))
		}
		hash := line[:sp]
		relPath := line[sp+1:]
		if !strings.HasPrefix(relPath, "/") {
			return nil, htderrors.New(htderrors.KindManifestParse,
				fmt.Sprintf("line %d", lineNo),
				fmt.Errorf("path %q is not rooted at /", relPath))
		}
		m.Set(relPath, hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, htderrors.New(htderrors.KindManifestParse, "scan", err)
	}
	return m, nil
}
