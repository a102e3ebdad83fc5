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

// Package hashutil computes the stable content fingerprint used by the
// manifest. It uses a deterministic hex digest; stdlib hash/crc32 is
// used rather than an ecosystem hashing library because the contract
// is purely "some stable hex digest", not a cryptographic or
// interoperability-sensitive format (see DESIGN.md).
package hashutil

import (
	"hash/crc32"
	"io"
)

// table is the polynomial used for every hash in a run. It must not
// change between runs sharing a manifest, or previously-recorded hashes
// become meaningless.
var table = crc32.MakeTable(crc32.IEEE)

// Bytes returns the hex-encoded CRC32 of b.
func Bytes(b []byte) string {
	sum := crc32.Checksum(b, table)
	return encodeHex(sum)
}

// Reader returns the hex-encoded CRC32 of everything read from r.
func Reader(r io.Reader) (string, error) {
	h := crc32.New(table)
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return encodeHex(h.Sum32()), nil
}

const hexDigits = "0123456789abcdef"

func encodeHex(v uint32) string {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// DirSentinel is the hash recorded for a manifest entry that exists only
// to force directory creation.
const DirSentinel = "00000000"
