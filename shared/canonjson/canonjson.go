// Copyright 2026 Credence
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package canonjson provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the SHA-256 helpers used for ledger content and chain
// hashing. Canonical form is UTF-8 with lexicographically sorted keys at
// every level, no insignificant whitespace, and no trailing newline; the
// same value canonicalizes to byte-identical output regardless of key
// insertion order.
package canonjson

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous_hash of the first event in a tenant chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Canonicalize returns the RFC 8785 canonical form of raw JSON.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Marshal serializes v with encoding/json (respecting struct tags) and then
// canonicalizes the result.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	return Canonicalize(intermediate)
}

// HashBytes computes the SHA-256 digest of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue returns the SHA-256 hex digest of the canonical form of v.
func HashValue(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashRaw returns the SHA-256 hex digest of the canonical form of raw JSON.
func HashRaw(raw json.RawMessage) (string, error) {
	b, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ChainHash links an event's content hash to its predecessor:
// SHA256(content_hash || previous_hash) over the two 64-char hex strings.
func ChainHash(contentHash, previousHash string) string {
	return HashBytes([]byte(contentHash + previousHash))
}

// ValidHex64 reports whether s is a 64-character lowercase hex string, the
// stored form of every ledger hash.
func ValidHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// NormalizeQuery lowercases and trims a retrieval query before hashing, so
// semantically identical queries share a cache key.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
