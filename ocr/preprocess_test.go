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
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessProducesBinaryPNG(t *testing.T) {
	// A light page with a dark word-sized blob.
	src := image.NewGray(image.Rect(0, 0, 60, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 60; x++ {
			src.SetGray(x, y, color.Gray{Y: 220})
		}
	}
	for y := 18; y < 22; y++ {
		for x := 20; x < 40; x++ {
			src.SetGray(x, y, color.Gray{Y: 30})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	out, warnings, err := Preprocess(buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	bounds := decoded.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(decoded.At(x, y)).(color.Gray)
			if g.Y != 0 && g.Y != 255 {
				t.Fatalf("pixel (%d,%d) = %d, want 0 or 255", x, y, g.Y)
			}
		}
	}
}

func TestPreprocessRejectsGarbage(t *testing.T) {
	_, _, err := Preprocess([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestEstimateSkewBlankPage(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 50, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			blank.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	assert.Equal(t, 0.0, estimateSkew(blank))
}

func TestEstimateSkewHorizontalText(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 100, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	// Two straight text lines. Straight text must stay under the deskew
	// trigger.
	for _, row := range []int{20, 40} {
		for x := 5; x < 95; x++ {
			img.SetGray(x, row, color.Gray{Y: 0})
			img.SetGray(x, row+1, color.Gray{Y: 0})
		}
	}
	assert.LessOrEqual(t, math.Abs(estimateSkew(img)), deskewThresholdDegrees)
}

func TestEstimateSkewSlantedText(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 120, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 120; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	// A line descending at roughly 3 degrees.
	slope := math.Tan(3 * math.Pi / 180)
	for x := 0; x < 120; x++ {
		y := 30 + int(math.Round(float64(x)*slope))
		img.SetGray(x, y, color.Gray{Y: 0})
		img.SetGray(x, y+1, color.Gray{Y: 0})
	}

	angle := estimateSkew(img)
	assert.InDelta(t, -3.0, angle, 0.5)
}

func TestDenoiseRemovesIsolatedSpecks(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	img.SetGray(8, 8, color.Gray{Y: 0}) // speck
	for y := 2; y < 6; y++ {            // solid stroke
		for x := 2; x < 6; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}

	out := denoise(img)
	assert.Equal(t, uint8(255), out.GrayAt(8, 8).Y, "speck should be removed")
	assert.Equal(t, uint8(0), out.GrayAt(3, 3).Y, "stroke interior should survive")
}

func TestRotateZeroIsIdentity(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	img.SetGray(4, 7, color.Gray{Y: 0})

	out := rotate(img, 0)
	assert.Equal(t, uint8(0), out.GrayAt(4, 7).Y)
	assert.Equal(t, uint8(255), out.GrayAt(7, 4).Y)
}
