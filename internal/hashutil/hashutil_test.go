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

package hashutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesIsDeterministic(t *testing.T) {
	a := Bytes([]byte("hello world"))
	b := Bytes([]byte("hello world"))
	require.Equal(t, a, b)
	require.Len(t, a, 8)
}

func TestReaderMatchesBytes(t *testing.T) {
	content := []byte("package main\n")
	viaBytes := Bytes(content)
	viaReader, err := Reader(strings.NewReader(string(content)))
	require.NoError(t, err)
	require.Equal(t, viaBytes, viaReader)
}

func TestDifferentContentDifferentHash(t *testing.T) {
	require.NotEqual(t, Bytes([]byte("A")), Bytes([]byte("B")))
}
