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

package canonjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeKeyOrderIndependence(t *testing.T) {
	a := []byte(`{"b":1,"a":{"z":true,"y":null},"c":[3,2,1]}`)
	b := []byte(`{"c":[3,2,1],"a":{"y":null,"z":true},"b":1}`)

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, string(ca), string(cb), "canonical form must be byte-identical regardless of key order")
}

func TestCanonicalizeShape(t *testing.T) {
	out, err := Canonicalize([]byte(` { "z" : 1 , "a" : "x<y" } `))
	require.NoError(t, err)

	assert.Equal(t, `{"a":"x<y","z":1}`, string(out))
	assert.NotContains(t, string(out), "\n", "no trailing newline or embedded whitespace")
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"unterminated":`))
	assert.Error(t, err)
}

func TestHashValueEquality(t *testing.T) {
	x := map[string]interface{}{"amount": 10001, "deed": "D-1", "nested": map[string]interface{}{"k": "v"}}
	y := map[string]interface{}{"nested": map[string]interface{}{"k": "v"}, "deed": "D-1", "amount": 10001}

	hx, err := HashValue(x)
	require.NoError(t, err)
	hy, err := HashValue(y)
	require.NoError(t, err)

	assert.Equal(t, hx, hy)
	assert.True(t, ValidHex64(hx))

	z := map[string]interface{}{"amount": 10002}
	hz, err := HashValue(z)
	require.NoError(t, err)
	assert.NotEqual(t, hx, hz, "distinct values must not collide")
}

func TestHashRaw(t *testing.T) {
	h1, err := HashRaw(json.RawMessage(`{"event":"workflow_submitted","tenant":"t1"}`))
	require.NoError(t, err)
	h2, err := HashRaw(json.RawMessage(`{"tenant":"t1","event":"workflow_submitted"}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestChainHash(t *testing.T) {
	content := HashBytes([]byte("event-one"))
	chained := ChainHash(content, GenesisHash)

	// The chain hash is SHA256 over the 128-byte hex concatenation.
	assert.Equal(t, HashBytes([]byte(content+GenesisHash)), chained)
	assert.True(t, ValidHex64(chained))
	assert.NotEqual(t, chained, ChainHash(content, chained), "advancing the chain changes the hash")
}

func TestGenesisHash(t *testing.T) {
	assert.Len(t, GenesisHash, 64)
	assert.True(t, ValidHex64(GenesisHash))
	for _, r := range GenesisHash {
		assert.Equal(t, '0', r)
	}
}

func TestValidHex64(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"genesis", GenesisHash, true},
		{"real digest", HashBytes([]byte("x")), true},
		{"too short", "abc123", false},
		{"uppercase rejected", "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789"[:64], false},
		{"non-hex rune", "zz" + GenesisHash[2:], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidHex64(tt.input))
		})
	}
}

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "what is a lien?", NormalizeQuery("  What IS a Lien?  "))
	assert.Equal(t, NormalizeQuery("TITLE commitment"), NormalizeQuery("title COMMITMENT"))
}
