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

// Package redact provides the PII masking primitives applied to workflow
// payloads and responses before they are persisted, forwarded to workers,
// or written to the ledger.
//
// Masks: US SSN -> ***-**-<last4>; credit card -> [CC-**<last4>]
// (or [REDACTED-CC] when fewer than 8 digits survive cleaning);
// email -> [REDACTED-EMAIL]; US phone -> [REDACTED-PHONE].
//
// When a remote redaction service is configured, its response supersedes
// the local heuristics on success; on any failure the local heuristics
// apply silently.
package redact

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// PIIType classifies a masked match.
type PIIType string

const (
	TypeSSN        PIIType = "ssn"
	TypeCreditCard PIIType = "credit_card"
	TypeEmail      PIIType = "email"
	TypePhone      PIIType = "phone"
)

const (
	maskedEmail = "[REDACTED-EMAIL]"
	maskedPhone = "[REDACTED-PHONE]"
	maskedCC    = "[REDACTED-CC]"
)

// Redactor masks PII in free text. Implementations must be safe for
// concurrent use.
type Redactor interface {
	RedactText(ctx context.Context, text string) string
}

// maskPattern pairs a detection regex with a validator that rejects false
// positives and a mask that rewrites the match.
type maskPattern struct {
	Type     PIIType
	Pattern  *regexp.Regexp
	Validate func(match string) bool
	Mask     func(match string) string
}

// Local applies the in-process masking heuristics. Pattern order matters:
// card numbers are masked before SSNs so a 4-4-4-4 grouping is not split,
// and phones run last so already-masked digits are not re-matched.
type Local struct {
	patterns []*maskPattern
}

// NewLocal returns the local heuristic redactor.
func NewLocal() *Local {
	return &Local{
		patterns: []*maskPattern{
			{
				Type: TypeCreditCard,
				// Major card networks plus generic 4-4-4-4 groupings.
				Pattern:  regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12}|(?:2131|1800|35\d{3})\d{11})\b|\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`),
				Validate: validCreditCard,
				Mask:     MaskCreditCard,
			},
			{
				Type:     TypeSSN,
				Pattern:  regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`),
				Validate: validSSN,
				Mask:     MaskSSN,
			},
			{
				Type:     TypeEmail,
				Pattern:  regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`),
				Validate: func(string) bool { return true },
				Mask:     func(string) string { return maskedEmail },
			},
			{
				Type:     TypePhone,
				Pattern:  regexp.MustCompile(`(?:\+?1[-.\s])?\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`),
				Validate: validPhone,
				Mask:     func(string) string { return maskedPhone },
			},
		},
	}
}

// RedactText masks all recognized PII in text.
func (l *Local) RedactText(_ context.Context, text string) string {
	out := text
	for _, p := range l.patterns {
		out = p.Pattern.ReplaceAllStringFunc(out, func(match string) string {
			if !p.Validate(match) {
				return match
			}
			return p.Mask(match)
		})
	}
	return out
}

// RedactValue walks an opaque JSON value (map / slice / string leaves) and
// masks every string. Non-string leaves pass through untouched: HIL
// classification reads numeric amounts from the unredacted payload before
// this runs.
func RedactValue(ctx context.Context, r Redactor, v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return r.RedactText(ctx, t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = RedactValue(ctx, r, val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = RedactValue(ctx, r, val)
		}
		return out
	default:
		return v
	}
}

// RedactRaw masks string leaves of a raw JSON document.
func RedactRaw(ctx context.Context, r Redactor, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("redact: invalid payload JSON: %w", err)
	}
	out, err := json.Marshal(RedactValue(ctx, r, v))
	if err != nil {
		return nil, fmt.Errorf("redact: re-marshal payload: %w", err)
	}
	return out, nil
}

// MaskSSN rewrites an SSN match preserving the last four digits.
func MaskSSN(match string) string {
	digits := digitsOnly(match)
	if len(digits) < 4 {
		return "***-**-****"
	}
	return "***-**-" + digits[len(digits)-4:]
}

// MaskCreditCard rewrites a card match preserving the last four digits, or
// fully redacts when fewer than 8 digits survive cleaning.
func MaskCreditCard(match string) string {
	digits := digitsOnly(match)
	if len(digits) < 8 {
		return maskedCC
	}
	return "[CC-**" + digits[len(digits)-4:] + "]"
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func validSSN(match string) bool {
	digits := digitsOnly(match)
	if len(digits) != 9 {
		return false
	}
	area, _ := strconv.Atoi(digits[0:3])
	group, _ := strconv.Atoi(digits[3:5])
	serial, _ := strconv.Atoi(digits[5:9])
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

func validCreditCard(match string) bool {
	digits := digitsOnly(match)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return luhnCheck(digits)
}

func validPhone(match string) bool {
	digits := digitsOnly(match)
	switch len(digits) {
	case 10:
		return true
	case 11:
		return digits[0] == '1'
	default:
		return false
	}
}

// luhnCheck performs the Luhn algorithm check.
func luhnCheck(number string) bool {
	sum := 0
	alternate := false

	for i := len(number) - 1; i >= 0; i-- {
		digit, _ := strconv.Atoi(string(number[i]))

		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		alternate = !alternate
	}

	return sum%10 == 0
}
