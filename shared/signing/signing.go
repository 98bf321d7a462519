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

// Package signing provides HMAC-SHA256 envelopes over canonical JSON.
// Signatures bind the canonical payload hash to a unix timestamp, and
// verification enforces a maximum age so captured envelopes cannot be
// replayed later.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"credence/platform/shared/canonjson"
)

// DefaultMaxAge bounds how old a verifiable envelope may be.
const DefaultMaxAge = 5 * time.Minute

var (
	// ErrSignatureMismatch means the recomputed HMAC differs from the
	// envelope's signature.
	ErrSignatureMismatch = errors.New("signing: signature mismatch")

	// ErrExpired means the envelope timestamp is older than max age.
	ErrExpired = errors.New("signing: envelope expired")

	// ErrPayloadMismatch means the presented payload does not hash to the
	// envelope's payload hash.
	ErrPayloadMismatch = errors.New("signing: payload hash mismatch")
)

// Envelope is a detached signature over one canonical payload.
type Envelope struct {
	PayloadHash string `json:"payload_hash"`
	Timestamp   int64  `json:"timestamp"`
	Signature   string `json:"signature"`
}

// Signer signs and verifies envelopes with a shared secret.
type Signer struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// New returns a Signer with DefaultMaxAge.
func New(key []byte) *Signer {
	return NewWithMaxAge(key, DefaultMaxAge)
}

// NewWithMaxAge returns a Signer with an explicit verification window.
func NewWithMaxAge(key []byte, maxAge time.Duration) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Signer{key: key, maxAge: maxAge, now: time.Now}
}

// Sign canonicalizes v, hashes it, and signs hash||timestamp.
func (s *Signer) Sign(v interface{}) (*Envelope, error) {
	payloadHash, err := canonjson.HashValue(v)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	ts := s.now().Unix()
	return &Envelope{
		PayloadHash: payloadHash,
		Timestamp:   ts,
		Signature:   s.compute(payloadHash, ts),
	}, nil
}

// SignBytes signs a precomputed raw body (already canonical, e.g. a CSV
// export) without JSON canonicalization.
func (s *Signer) SignBytes(body []byte) *Envelope {
	payloadHash := canonjson.HashBytes(body)
	ts := s.now().Unix()
	return &Envelope{
		PayloadHash: payloadHash,
		Timestamp:   ts,
		Signature:   s.compute(payloadHash, ts),
	}
}

// Verify accepts iff the signing key matches, the canonical payload matches
// the envelope hash, and now - timestamp <= maxAge.
func (s *Signer) Verify(v interface{}, env *Envelope) error {
	payloadHash, err := canonjson.HashValue(v)
	if err != nil {
		return fmt.Errorf("signing: %w", err)
	}
	return s.verifyHash(payloadHash, env)
}

// VerifyBytes is Verify for raw bodies signed with SignBytes.
func (s *Signer) VerifyBytes(body []byte, env *Envelope) error {
	return s.verifyHash(canonjson.HashBytes(body), env)
}

func (s *Signer) verifyHash(payloadHash string, env *Envelope) error {
	if payloadHash != env.PayloadHash {
		return ErrPayloadMismatch
	}
	if s.now().Sub(time.Unix(env.Timestamp, 0)) > s.maxAge {
		return ErrExpired
	}
	expected := s.compute(env.PayloadHash, env.Timestamp)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Header renders the envelope as a single header value
// (hash:timestamp:signature), the form carried on signed CSV exports.
func (e *Envelope) Header() string {
	return e.PayloadHash + ":" + strconv.FormatInt(e.Timestamp, 10) + ":" + e.Signature
}

// ParseHeader parses the Header form back into an envelope.
func ParseHeader(value string) (*Envelope, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 || !canonjson.ValidHex64(parts[0]) || parts[2] == "" {
		return nil, errors.New("signing: malformed signature header")
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, errors.New("signing: malformed signature header")
	}
	return &Envelope{PayloadHash: parts[0], Timestamp: ts, Signature: parts[2]}, nil
}

func (s *Signer) compute(payloadHash string, ts int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payloadHash + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
