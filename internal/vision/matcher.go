// Package vision implements template matching over device screenshots.
//
// Matching uses zero-mean normalized cross-correlation on grayscale pixels,
// the same measure OpenCV calls TM_CCOEFF_NORMED. Confidence values fall in
// [-1, 1]; workflow authors choose the lower bound (typically 0.8).
//
// Match coordinates are the top-left corner of the needle within the
// haystack. Callers that tap use Center to get the tap point.
package vision

import (
	"errors"
	"image"
	"math"
	"sort"
)

// Match is one location where the needle was found in the haystack.
type Match struct {
	// X, Y is the top-left corner in haystack coordinates.
	X int `json:"x"`
	Y int `json:"y"`

	// Confidence is the normalized correlation in [-1, 1].
	Confidence float64 `json:"confidence"`
}

// ErrNeedleTooLarge is returned when the needle does not fit inside the
// haystack at any position.
var ErrNeedleTooLarge = errors.New("vision: needle larger than haystack")

// Center returns the tap point for a match of a needle with the given
// dimensions.
func (m Match) Center(needleW, needleH int) (int, int) {
	return m.X + needleW/2, m.Y + needleH/2
}

// grayPlane is a float64 grayscale plane used internally by the correlator.
type grayPlane struct {
	pix  []float64
	w, h int
}

func (p *grayPlane) at(x, y int) float64 { return p.pix[y*p.w+x] }

// toGray converts an image to a luma plane using the BT.601 weights.
func toGray(img image.Image) *grayPlane {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	p := &grayPlane{pix: make([]float64, w*h), w: w, h: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			// 16-bit channels from RGBA(); scale to [0,255].
			p.pix[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bb)) / 257.0
		}
	}
	return p
}

// integral builds summed-area tables of p and p² with a one-row/col zero
// border, so window sums are O(1).
func integral(p *grayPlane) (sum, sqSum []float64) {
	w, h := p.w, p.h
	sum = make([]float64, (w+1)*(h+1))
	sqSum = make([]float64, (w+1)*(h+1))
	stride := w + 1
	for y := 1; y <= h; y++ {
		for x := 1; x <= w; x++ {
			v := p.at(x-1, y-1)
			sum[y*stride+x] = v + sum[y*stride+x-1] + sum[(y-1)*stride+x] - sum[(y-1)*stride+x-1]
			sqSum[y*stride+x] = v*v + sqSum[y*stride+x-1] + sqSum[(y-1)*stride+x] - sqSum[(y-1)*stride+x-1]
		}
	}
	return sum, sqSum
}

func windowSums(sum []float64, stride, x, y, w, h int) float64 {
	return sum[(y+h)*stride+x+w] - sum[(y+h)*stride+x] - sum[y*stride+x+w] + sum[y*stride+x]
}

// correlate computes the TM_CCOEFF_NORMED response map. The result has
// dimensions (hayW-nW+1) x (hayH-nH+1).
func correlate(hay, needle *grayPlane) (*grayPlane, error) {
	if needle.w > hay.w || needle.h > hay.h {
		return nil, ErrNeedleTooLarge
	}

	nPix := float64(needle.w * needle.h)

	// Zero-mean needle and its energy.
	var tSum float64
	for _, v := range needle.pix {
		tSum += v
	}
	tMean := tSum / nPix
	tZero := make([]float64, len(needle.pix))
	var tEnergy float64
	for i, v := range needle.pix {
		d := v - tMean
		tZero[i] = d
		tEnergy += d * d
	}

	haySum, haySq := integral(hay)
	stride := hay.w + 1

	outW := hay.w - needle.w + 1
	outH := hay.h - needle.h + 1
	out := &grayPlane{pix: make([]float64, outW*outH), w: outW, h: outH}

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			wSum := windowSums(haySum, stride, ox, oy, needle.w, needle.h)
			wSq := windowSums(haySq, stride, ox, oy, needle.w, needle.h)
			wEnergy := wSq - wSum*wSum/nPix

			// Cross term Σ T'(x,y) * I(x+ox, y+oy). The window-mean term
			// drops out because ΣT' == 0.
			var cross float64
			for ty := 0; ty < needle.h; ty++ {
				hayRow := (oy+ty)*hay.w + ox
				tplRow := ty * needle.w
				for tx := 0; tx < needle.w; tx++ {
					cross += tZero[tplRow+tx] * hay.pix[hayRow+tx]
				}
			}

			denom := math.Sqrt(tEnergy * wEnergy)
			if denom < 1e-9 {
				// Flat needle or flat window carries no signal.
				out.pix[oy*outW+ox] = 0
				continue
			}
			out.pix[oy*outW+ox] = cross / denom
		}
	}
	return out, nil
}

// BestMatch returns the single highest-confidence location of needle in
// haystack, or ok=false when the peak is below threshold.
func BestMatch(haystack, needle image.Image, threshold float64) (Match, bool, error) {
	resp, err := correlate(toGray(haystack), toGray(needle))
	if err != nil {
		return Match{}, false, err
	}

	best := Match{Confidence: math.Inf(-1)}
	for y := 0; y < resp.h; y++ {
		for x := 0; x < resp.w; x++ {
			if c := resp.at(x, y); c > best.Confidence {
				best = Match{X: x, Y: y, Confidence: c}
			}
		}
	}
	if best.Confidence < threshold {
		return Match{}, false, nil
	}
	return best, true, nil
}

// MatchAll returns every location scoring at or above threshold, after
// non-maximum suppression with radius min(needleW, needleH)/2, ordered by
// descending confidence.
func MatchAll(haystack, needle image.Image, threshold float64) ([]Match, error) {
	resp, err := correlate(toGray(haystack), toGray(needle))
	if err != nil {
		return nil, err
	}

	nb := needle.Bounds()
	radius := nb.Dx()
	if nb.Dy() < radius {
		radius = nb.Dy()
	}
	radius /= 2

	var candidates []Match
	for y := 0; y < resp.h; y++ {
		for x := 0; x < resp.w; x++ {
			if c := resp.at(x, y); c >= threshold {
				candidates = append(candidates, Match{X: x, Y: y, Confidence: c})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	var kept []Match
	for _, cand := range candidates {
		suppressed := false
		for _, k := range kept {
			dx := cand.X - k.X
			dy := cand.Y - k.Y
			if dx*dx+dy*dy <= radius*radius {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept, nil
}
