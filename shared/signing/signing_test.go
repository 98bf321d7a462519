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

package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := New([]byte("export-signing-key"))

	payload := map[string]interface{}{"tenant_id": "t1", "event_type": "workflow_executed"}
	env, err := s.Sign(payload)
	require.NoError(t, err)

	// Key insertion order must not matter for verification.
	reordered := map[string]interface{}{"event_type": "workflow_executed", "tenant_id": "t1"}
	assert.NoError(t, s.Verify(reordered, env))
}

func TestVerifyRejectsPayloadMutation(t *testing.T) {
	s := New([]byte("export-signing-key"))

	env, err := s.Sign(map[string]interface{}{"amount": 10000})
	require.NoError(t, err)

	err = s.Verify(map[string]interface{}{"amount": 10001}, env)
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := New([]byte("key-a"))
	verifier := New([]byte("key-b"))

	env, err := signer.Sign(map[string]interface{}{"ok": true})
	require.NoError(t, err)

	err = verifier.Verify(map[string]interface{}{"ok": true}, env)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifyRejectsExpiredEnvelope(t *testing.T) {
	s := NewWithMaxAge([]byte("k"), time.Minute)

	env, err := s.Sign(map[string]interface{}{"x": 1})
	require.NoError(t, err)

	// Move the verifier clock past max age.
	s.now = func() time.Time { return time.Unix(env.Timestamp, 0).Add(2 * time.Minute) }
	err = s.Verify(map[string]interface{}{"x": 1}, env)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyAcceptsWithinMaxAge(t *testing.T) {
	s := NewWithMaxAge([]byte("k"), time.Minute)

	env, err := s.Sign(map[string]interface{}{"x": 1})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Unix(env.Timestamp, 0).Add(30 * time.Second) }
	assert.NoError(t, s.Verify(map[string]interface{}{"x": 1}, env))
}

func TestSignBytesVerifyBytes(t *testing.T) {
	s := New([]byte("csv-key"))
	body := []byte("id,tenant_id,event_type\nabc,t1,workflow_executed\n")

	env := s.SignBytes(body)
	assert.NoError(t, s.VerifyBytes(body, env))
	assert.ErrorIs(t, s.VerifyBytes(append(body, 'x'), env), ErrPayloadMismatch)
}

func TestEnvelopeHeaderRoundTrip(t *testing.T) {
	s := New([]byte("k"))
	env := s.SignBytes([]byte("hello"))

	parsed, err := ParseHeader(env.Header())
	require.NoError(t, err)
	assert.Equal(t, env.PayloadHash, parsed.PayloadHash)
	assert.Equal(t, env.Timestamp, parsed.Timestamp)
	assert.Equal(t, env.Signature, parsed.Signature)
}

func TestParseHeaderRejectsMalformedValues(t *testing.T) {
	tests := []string{
		"",
		"nothex:123:sig",
		"0000000000000000000000000000000000000000000000000000000000000000",
		"0000000000000000000000000000000000000000000000000000000000000000:notanumber:sig",
		"0000000000000000000000000000000000000000000000000000000000000000:123:",
	}
	for _, input := range tests {
		_, err := ParseHeader(input)
		assert.Error(t, err, "input %q", input)
	}
}
