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

// Package buildinfo carries the version identity stamped into the
// binary at link time via -ldflags.
package buildinfo

// These are set with -ldflags "-X ...=..." at build time; zero values
// fall back to "dev" so a plain `go build` still runs.
var (
	version    = ""
	commitHash = ""
	buildDate  = ""
)

// String formats the version line printed by `htdeploy version`.
func String() string {
	v := version
	if v == "" {
		v = "dev"
	}
	if commitHash == "" {
		return "htdeploy " + v
	}
	return "htdeploy " + v + "-" + commitHash + " (built " + orUnknown(buildDate) + ")"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
