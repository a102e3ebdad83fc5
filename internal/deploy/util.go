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

import "os"

// withTempFile materializes body at a scratch path, invokes fn with
// that path, and always removes it afterward. Used for small payloads
// (the lock sentinel, the serialized manifest) that a Server only
// knows how to send from a local file.
func withTempFile(body []byte, fn func(localAbs string) error) error {
	f, err := os.CreateTemp("", "htdeploy-*")
	if err != nil {
		return err
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fn(path)
}

// withTempPath reserves a scratch path (without writing to it) for fn
// to populate, e.g. via Server.ReadFile, and always removes it after.
func withTempPath(fn func(localAbs string) error) error {
	f, err := os.CreateTemp("", "htdeploy-*")
	if err != nil {
		return err
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)
	return fn(path)
}
