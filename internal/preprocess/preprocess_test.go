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

package preprocess

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestMatchesHonorsConfiguredMasks(t *testing.T) {
	p := New(t.TempDir(), []string{"*.js", "*.css"})
	require.True(t, p.Matches("/assets/app.js"))
	require.True(t, p.Matches("/assets/app.css"))
	require.False(t, p.Matches("/index.php"))
}

func TestProcessCopiesUnmatchedFilesVerbatim(t *testing.T) {
	src := t.TempDir()
	srcAbs := writeFile(t, src, "index.php", "<?php echo 1; ?>")

	p := New(t.TempDir(), []string{"*.js"})
	out, err := p.Process("/index.php", srcAbs)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "<?php echo 1; ?>", string(got))
}

func TestProcessMinifiesMatchedJS(t *testing.T) {
	src := t.TempDir()
	srcAbs := writeFile(t, src, "app.js", "function  add(a,  b) {\n  return a + b;\n}\n")

	p := New(t.TempDir(), []string{"*.js"})
	out, err := p.Process("/assets/app.js", srcAbs)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NotEqual(t, "function  add(a,  b) {\n  return a + b;\n}\n", string(got))
	require.Less(t, len(got), len("function  add(a,  b) {\n  return a + b;\n}\n"))
}

func TestProcessMirrorsRelPathUnderTempDir(t *testing.T) {
	src := t.TempDir()
	srcAbs := writeFile(t, src, "a.txt", "x")

	tempDir := t.TempDir()
	p := New(tempDir, nil)
	out, err := p.Process("/nested/dir/a.txt", srcAbs)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tempDir, "nested", "dir", "a.txt"), out)
}
