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

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FastOCR is the cheap first tier. Implementations return the page text and
// a 0-100 confidence.
type FastOCR interface {
	ExtractText(ctx context.Context, imagePNG []byte) (*TierResult, error)
}

// TesseractCLI shells out to the tesseract binary with TSV output, which
// carries per-word confidences.
type TesseractCLI struct {
	binary string
}

// NewTesseractCLI builds the fast tier. TESSERACT_PATH overrides the binary.
func NewTesseractCLI() *TesseractCLI {
	binary := os.Getenv("TESSERACT_PATH")
	if binary == "" {
		binary = "tesseract"
	}
	return &TesseractCLI{binary: binary}
}

// ExtractText runs tesseract over the page and reports the mean word
// confidence.
func (t *TesseractCLI) ExtractText(ctx context.Context, imagePNG []byte) (*TierResult, error) {
	cmd := exec.CommandContext(ctx, t.binary, "stdin", "stdout", "tsv")
	cmd.Stdin = bytes.NewReader(imagePNG)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("tesseract failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	text, confidence, warnings := parseTesseractTSV(stdout.String())
	return &TierResult{
		Text:       text,
		Confidence: confidence,
		Tier:       TierTesseract,
		Warnings:   warnings,
	}, nil
}

// parseTesseractTSV reconstructs text from tesseract's TSV output and
// averages the word confidences. TSV rows are:
// level page block par line word left top width height conf text
// with words at level 5 and conf -1 on structural rows.
func parseTesseractTSV(tsv string) (string, float64, []string) {
	var words []string
	var confSum float64
	var confCount int

	var text strings.Builder
	lastLineKey := ""
	flushLine := func() {
		if len(words) > 0 {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(strings.Join(words, " "))
			words = words[:0]
		}
	}

	for _, line := range strings.Split(tsv, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 12 || fields[0] != "5" {
			continue
		}
		conf, err := strconv.ParseFloat(fields[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(fields[11])
		if word == "" {
			continue
		}

		lineKey := fields[1] + ":" + fields[2] + ":" + fields[3] + ":" + fields[4]
		if lineKey != lastLineKey {
			flushLine()
			lastLineKey = lineKey
		}
		words = append(words, word)
		confSum += conf
		confCount++
	}
	flushLine()

	if confCount == 0 {
		return "", 0, []string{"low_confidence"}
	}
	return text.String(), confSum / float64(confCount), nil
}
