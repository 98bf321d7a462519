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
	"path/filepath"
	"sort"
	"strings"
)

// IsPDF sniffs the 4-byte PDF magic.
func IsPDF(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "%PDF"
}

// PageRenderer turns a multi-page document into per-page images.
type PageRenderer interface {
	RenderPages(ctx context.Context, pdf []byte) ([][]byte, error)
}

// renderDPI is the rasterization resolution for scanned-document OCR.
const renderDPI = "300"

// PdftoppmRenderer shells out to pdftoppm to rasterize PDFs at 300 DPI.
type PdftoppmRenderer struct {
	binary string
}

// NewPdftoppmRenderer builds the renderer. PDFTOPPM_PATH overrides the
// binary.
func NewPdftoppmRenderer() *PdftoppmRenderer {
	binary := os.Getenv("PDFTOPPM_PATH")
	if binary == "" {
		binary = "pdftoppm"
	}
	return &PdftoppmRenderer{binary: binary}
}

// RenderPages writes the PDF to a scratch directory, rasterizes it, and
// returns the page PNGs in order. pdftoppm zero-pads page numbers, so the
// lexical sort is the page order.
func (r *PdftoppmRenderer) RenderPages(ctx context.Context, pdf []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "credence-ocr-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.binary, "-r", renderDPI, "-png", input, filepath.Join(dir, "page"))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("failed to list rendered pages: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}
	sort.Strings(matches)

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("failed to read rendered page: %w", err)
		}
		pages = append(pages, data)
	}
	return pages, nil
}
