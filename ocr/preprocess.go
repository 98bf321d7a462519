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
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	_ "image/jpeg" // register JPEG decoding
)

// deskewThresholdDegrees is the minimum detected skew that triggers
// rotation. Smaller angles are left alone.
const deskewThresholdDegrees = 0.5

const (
	thresholdWindow = 15 // adaptive threshold neighborhood (odd)
	thresholdBias   = 10 // pixels this far below the local mean go black
)

// Preprocess normalizes a scanned page for OCR: grayscale, adaptive
// threshold, denoise, then deskew when the detected angle exceeds half a
// degree. Returns the processed page as PNG.
func Preprocess(data []byte) ([]byte, []string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var warnings []string
	gray := grayscale(img)
	bin := adaptiveThreshold(gray, thresholdWindow, thresholdBias)
	bin = denoise(bin)

	angle := estimateSkew(bin)
	if math.Abs(angle) > deskewThresholdDegrees {
		bin = rotate(bin, -angle)
		warnings = append(warnings, fmt.Sprintf("deskewed %.1f degrees", angle))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, bin); err != nil {
		return nil, nil, fmt.Errorf("failed to encode processed image: %w", err)
	}
	return buf.Bytes(), warnings, nil
}

func grayscale(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// adaptiveThreshold binarizes against the local mean: pixels more than bias
// below their neighborhood mean go black, the rest white. Local means come
// from an integral image, so the pass is linear in pixels.
func adaptiveThreshold(src *image.Gray, window, bias int) *image.Gray {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	integral := make([]uint64, (w+1)*(h+1))
	stride := w + 1
	for y := 0; y < h; y++ {
		var rowSum uint64
		for x := 0; x < w; x++ {
			rowSum += uint64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			integral[(y+1)*stride+x+1] = integral[y*stride+x+1] + rowSum
		}
	}

	half := window / 2
	out := image.NewGray(bounds)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := maxInt(x-half, 0), maxInt(y-half, 0)
			x1, y1 := minInt(x+half+1, w), minInt(y+half+1, h)
			area := uint64((x1 - x0) * (y1 - y0))
			sum := integral[y1*stride+x1] - integral[y0*stride+x1] - integral[y1*stride+x0] + integral[y0*stride+x0]
			mean := sum / area

			v := uint64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			if v+uint64(bias) < mean {
				out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 0})
			} else {
				out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// denoise applies a 3x3 majority filter. On a binarized page this removes
// isolated specks without eroding strokes.
func denoise(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if x == bounds.Min.X || y == bounds.Min.Y || x == bounds.Max.X-1 || y == bounds.Max.Y-1 {
				out.SetGray(x, y, src.GrayAt(x, y))
				continue
			}
			black := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if src.GrayAt(x+dx, y+dy).Y < 128 {
						black++
					}
				}
			}
			if black >= 5 {
				out.SetGray(x, y, color.Gray{Y: 0})
			} else {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// estimateSkew finds the text baseline angle in degrees using projection
// profiles: the rotation that concentrates black pixels into the fewest,
// densest rows maximizes the profile's variance.
func estimateSkew(src *image.Gray) float64 {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	// Sample every other pixel; precision beyond that does not change the
	// half-degree decision.
	type point struct{ x, y int }
	var points []point
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			if src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y < 128 {
				points = append(points, point{x, y})
			}
		}
	}
	if len(points) == 0 {
		return 0
	}

	bestAngle, bestScore := 0.0, -1.0
	for angle := -5.0; angle <= 5.0; angle += 0.25 {
		tan := math.Tan(angle * math.Pi / 180)
		rows := make([]int, h+int(math.Abs(tan)*float64(w))+2)
		for _, p := range points {
			row := p.y + int(float64(p.x)*tan)
			if row < 0 {
				row = 0
			}
			if row >= len(rows) {
				row = len(rows) - 1
			}
			rows[row]++
		}
		var score float64
		for _, c := range rows {
			score += float64(c) * float64(c)
		}
		if score > bestScore {
			bestScore = score
			bestAngle = angle
		}
	}
	return bestAngle
}

// rotate rotates around the image center by the given angle in degrees,
// nearest neighbor, white background.
func rotate(src *image.Gray, degrees float64) *image.Gray {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := image.NewGray(bounds)

	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx, cy := float64(w)/2, float64(h)/2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Inverse mapping: where did this output pixel come from?
			dx, dy := float64(x)-cx, float64(y)-cy
			sx := int(cos*dx + sin*dy + cx)
			sy := int(-sin*dx + cos*dy + cy)
			if sx >= 0 && sx < w && sy >= 0 && sy < h {
				out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, src.GrayAt(bounds.Min.X+sx, bounds.Min.Y+sy))
			} else {
				out.SetGray(bounds.Min.X+x, bounds.Min.Y+y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
