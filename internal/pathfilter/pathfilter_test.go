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

package pathfilter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgrijalva-labs/htdeploy/internal/htderrors"
)

func TestAcceptsIgnoreDefaultsToAccept(t *testing.T) {
	f, err := New(nil, []string{"*.tmp", "!important.tmp"})
	require.NoError(t, err)

	require.True(t, f.Accepts("/index.php", false))
	require.False(t, f.Accepts("/cache/page.tmp", false))
	require.True(t, f.Accepts("/cache/important.tmp", false))
}

func TestAcceptsIncludeDefaultsToReject(t *testing.T) {
	f, err := New([]string{"*.css", "*.js"}, nil)
	require.NoError(t, err)

	require.True(t, f.Accepts("/assets/app.js", false))
	require.True(t, f.Accepts("/assets/sub/app.css", false))
	require.False(t, f.Accepts("/index.php", false))
}

func TestLastMatchWins(t *testing.T) {
	f, err := New(nil, []string{"/build", "!/build/keep.txt"})
	require.NoError(t, err)

	require.False(t, f.Accepts("/build/generated.js", false))
	require.True(t, f.Accepts("/build/keep.txt", false))
}

func TestAnchoredVsUnanchored(t *testing.T) {
	f, err := New(nil, []string{"/vendor"})
	require.NoError(t, err)

	require.False(t, f.Accepts("/vendor/lib.php", false))
	require.True(t, f.Accepts("/src/vendor/lib.php", false))
}

func TestDirOnlyPattern(t *testing.T) {
	f, err := New(nil, []string{"logs/"})
	require.NoError(t, err)

	require.False(t, f.Accepts("/var/logs", true))
	require.True(t, f.Accepts("/var/logs", false))
}

func TestAcceptsIsDeterministic(t *testing.T) {
	f, err := New([]string{"*.css"}, []string{"vendor"})
	require.NoError(t, err)

	first := f.Accepts("/assets/vendor/app.css", false)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, f.Accepts("/assets/vendor/app.css", false))
	}
}

func TestInvalidPatternIsFilterError(t *testing.T) {
	_, err := New(nil, []string{"[unterminated"})
	require.Error(t, err)
	require.True(t, htderrors.Is(err, htderrors.KindFilter))
}
