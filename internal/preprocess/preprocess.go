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

// Package preprocess materializes the byte stream that is both hashed
// and uploaded for each local file, applying a minify transform to
// paths selected by a preprocess mask and an identity copy to
// everything else.
package preprocess

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

// Preprocessor materializes preprocessed files under tempDir, mirroring
// each file's relPath, so the Hasher and the uploader consume the
// identical bytes.
type Preprocessor struct {
	tempDir string
	masks   []string
	m       *minify.M
}

// New builds a Preprocessor that writes into tempDir. masks are glob
// patterns matched against the base name, such as "*.js" and "*.css";
// any file not matched by a mask is copied unchanged.
func New(tempDir string, masks []string) *Preprocessor {
	m := minify.New()
	m.AddFunc("text/javascript", js.Minify)
	m.AddFunc("text/css", css.Minify)
	return &Preprocessor{tempDir: tempDir, masks: masks, m: m}
}

// Matches reports whether relPath is selected for transformation by
// any configured mask.
func (p *Preprocessor) Matches(relPath string) bool {
	base := filepath.Base(relPath)
	for _, mask := range p.masks {
		if ok, _ := filepath.Match(mask, base); ok {
			return true
		}
	}
	return false
}

// Process reads srcAbs, applies the transform selected for relPath (by
// extension, falling back to identity copy), and writes the result
// under tempDir mirroring relPath. It returns the absolute path of the
// materialized file.
func (p *Preprocessor) Process(relPath, srcAbs string) (string, error) {
	dstAbs := filepath.Join(p.tempDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0755); err != nil {
		return "", htderrors.New(htderrors.KindFatalState, relPath, err)
	}

	src, err := os.Open(srcAbs)
	if err != nil {
		return "", htderrors.New(htderrors.KindFatalState, relPath, err)
	}
	defer src.Close()

	dst, err := os.Create(dstAbs)
	if err != nil {
		return "", htderrors.New(htderrors.KindFatalState, relPath, err)
	}
	defer dst.Close()

	if !p.Matches(relPath) {
		if _, err := io.Copy(dst, src); err != nil {
			return "", htderrors.New(htderrors.KindFatalState, relPath, err)
		}
		return dstAbs, nil
	}

	mediaType := mediaTypeFor(relPath)
	if mediaType == "" {
		if _, err := io.Copy(dst, src); err != nil {
			return "", htderrors.New(htderrors.KindFatalState, relPath, err)
		}
		return dstAbs, nil
	}
	if err := p.m.Minify(mediaType, dst, src); err != nil {
		return "", htderrors.New(htderrors.KindFatalState, relPath, err)
	}
	return dstAbs, nil
}

// Cleanup removes the materialized temp tree. The run owns tempDir;
// files surviving a crash are swept by the next run's Cleanup.
func (p *Preprocessor) Cleanup() error {
	if p.tempDir == "" {
		return nil
	}
	return os.RemoveAll(p.tempDir)
}

func mediaTypeFor(relPath string) string {
	switch {
	case strings.HasSuffix(relPath, ".js"):
		return "text/javascript"
	case strings.HasSuffix(relPath, ".css"):
		return "text/css"
	default:
		return ""
	}
}
