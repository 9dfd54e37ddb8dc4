// Package clip recovers a semitransparent image from two opaque captures
// of the same scene, one composited over pure black and one over pure
// white. Per channel the compositing model is
//
//	observed = alpha*color + (1-alpha)*background
//
// so the black capture gives observed = alpha*color and the white capture
// gives observed = alpha*color + (1-alpha). Subtracting the two yields
// alpha, and dividing the black observation by alpha yields the original
// unpremultiplied color.
package clip

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/stat"
)

// Sample is one observed pixel under one background.
// Channels are normalized to [0, 1].
type Sample struct {
	R, G, B float64
}

// SampleFromColor converts any color.Color to a Sample, discarding alpha.
// Captures are expected to be opaque; 16-bit channel values are divided
// by 65535.
func SampleFromColor(c color.Color) Sample {
	r, g, b, _ := c.RGBA()
	return Sample{
		R: float64(r) / 65535,
		G: float64(g) / 65535,
		B: float64(b) / 65535,
	}
}

// Pixel is a recovered pixel: unpremultiplied color plus alpha, all in
// [0, 1]. The zero value is the fully-transparent sentinel: alpha zero
// with black placeholder channels. A fully transparent pixel has no
// meaningful color; the black placeholder is substituted explicitly for
// encoding, and Transparent reports the condition.
type Pixel struct {
	R, G, B, A float64
}

// Transparent reports whether p is the fully-transparent sentinel.
func (p Pixel) Transparent() bool {
	return p.A == 0
}

// CompositeOver flattens p onto an opaque background color.
func (p Pixel) CompositeOver(background Sample) Sample {
	om := 1 - p.A
	return Sample{
		R: p.A*p.R + om*background.R,
		G: p.A*p.G + om*background.G,
		B: p.A*p.B + om*background.B,
	}
}

// NRGBA converts p to 8-bit non-premultiplied RGBA.
func (p Pixel) NRGBA() color.NRGBA {
	return color.NRGBA{
		R: uint8(p.R*255 + 0.5),
		G: uint8(p.G*255 + 0.5),
		B: uint8(p.B*255 + 0.5),
		A: uint8(p.A*255 + 0.5),
	}
}

// RGBA implements color.Color (premultiplied 16-bit channels).
func (p Pixel) RGBA() (r, g, b, a uint32) {
	r = uint32(p.R*p.A*65535 + 0.5)
	g = uint32(p.G*p.A*65535 + 0.5)
	b = uint32(p.B*p.A*65535 + 0.5)
	a = uint32(p.A*65535 + 0.5)
	return
}

// AnomalyFlags records non-fatal per-pixel conditions. Anomalies are
// diagnostic only: reconstruction always produces a well-formed result.
type AnomalyFlags uint8

const (
	// AnomalyChannelDisagreement: the per-channel alpha estimates spread
	// beyond Options.Tolerance. Usually misaligned captures or background
	// contamination.
	AnomalyChannelDisagreement AnomalyFlags = 1 << iota
	// AnomalyOutOfRangeClamped: a raw alpha or color value fell outside
	// [0, 1] before clamping.
	AnomalyOutOfRangeClamped
)

// CombineMethod selects how the three per-channel alpha estimates are
// combined into one alpha.
type CombineMethod int

const (
	// CombineAverage takes the mean of the three estimates.
	CombineAverage CombineMethod = iota
	// CombineMedian takes the middle estimate, robust to a single
	// contaminated channel.
	CombineMedian
)

type Options struct {
	// Maximum allowed spread between the per-channel alpha estimates
	// before the pixel is flagged with AnomalyChannelDisagreement.
	// Ideal start: 0.02. Exact captures agree to well under 0.01;
	// 8-bit quantization alone costs up to ~0.008.
	Tolerance float64
	// Alpha at or below Epsilon is treated as fully transparent and takes
	// the sentinel branch instead of dividing, so input noise cannot blow
	// up into extreme color values.
	// Ideal start: 1e-4.
	Epsilon float64
	// How the three channel estimates are merged. CombineAverage is the
	// default; CombineMedian resists a single outlier channel.
	Combine CombineMethod
	// Cap on stored anomaly coordinates per kind. Counts stay exact
	// beyond the cap. Ideal start: 100.
	MaxAnomalySamples int
	// Number of goroutines for the image pass. Rows are split into
	// disjoint bands, so any value produces identical output. <= 1 runs
	// sequentially.
	Workers int
	// Progress, if non-nil, is called as rows complete. With Workers > 1
	// it may be called from multiple goroutines concurrently.
	Progress func(rowsDone, rowsTotal int)
}

func DefaultOptions() Options {
	return Options{
		Tolerance:         0.02,
		Epsilon:           1e-4,
		Combine:           CombineAverage,
		MaxAnomalySamples: 100,
		Workers:           1,
	}
}

// ErrCanceled is returned by Run when Cancel was called.
var ErrCanceled = errors.New("clip: reconstruction canceled")

// DimensionMismatchError reports black/white captures of different sizes.
// It is the only fatal per-image condition; no per-pixel work happens.
type DimensionMismatchError struct {
	Black, White image.Point
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("clip: dimension mismatch: black capture %dx%d, white capture %dx%d",
		e.Black.X, e.Black.Y, e.White.X, e.White.Y)
}

// ============ PIXEL RECONSTRUCTOR ============

// ReconstructPixel recovers (color, alpha) from one pixel observed over
// black and over white. It is pure and never fails: for any in-range
// inputs the result is finite and clamped to [0, 1], with non-fatal
// conditions reported in the returned flags.
func ReconstructPixel(black, white Sample, opt Options) (Pixel, AnomalyFlags) {
	// Fully transparent and fully opaque short-circuits.
	if black == (Sample{}) && white == (Sample{R: 1, G: 1, B: 1}) {
		return Pixel{}, 0
	}
	if black == white {
		return Pixel{R: black.R, G: black.G, B: black.B, A: 1}, 0
	}

	// white - black = 1 - alpha, per channel.
	est := [3]float64{
		1 - (white.R - black.R),
		1 - (white.G - black.G),
		1 - (white.B - black.B),
	}

	var flags AnomalyFlags
	lo, hi := est[0], est[0]
	for _, e := range est[1:] {
		lo = min(lo, e)
		hi = max(hi, e)
	}
	if hi-lo > opt.Tolerance {
		flags |= AnomalyChannelDisagreement
	}

	var alpha float64
	switch opt.Combine {
	case CombineMedian:
		sorted := est
		sort.Float64s(sorted[:])
		alpha = stat.Quantile(0.5, stat.Empirical, sorted[:], nil)
	default:
		alpha = stat.Mean(est[:], nil)
	}
	if alpha < -clampSlack || alpha > 1+clampSlack {
		flags |= AnomalyOutOfRangeClamped
	}
	if alpha <= opt.Epsilon {
		// Degenerate alpha: same sentinel branch as exact zero, so noise
		// is never divided up into extreme colors.
		return Pixel{}, flags
	}
	alpha = min(alpha, 1)

	p := Pixel{A: alpha}
	var clamped bool
	p.R, clamped = clamp01(black.R / alpha)
	if clamped {
		flags |= AnomalyOutOfRangeClamped
	}
	p.G, clamped = clamp01(black.G / alpha)
	if clamped {
		flags |= AnomalyOutOfRangeClamped
	}
	p.B, clamped = clamp01(black.B / alpha)
	if clamped {
		flags |= AnomalyOutOfRangeClamped
	}
	return p, flags
}

// clampSlack absorbs float rounding from the compositing arithmetic, so
// an excursion of a few ulps is clamped silently instead of being
// reported as an out-of-range anomaly.
const clampSlack = 1e-9

func clamp01(v float64) (float64, bool) {
	if v < 0 {
		return 0, v < -clampSlack
	}
	if v > 1 {
		return 1, v > 1+clampSlack
	}
	return v, false
}

// ============ ANOMALY REPORT ============

// Report summarizes the anomalies of one image pass. Counts are exact;
// the coordinate lists hold the first occurrences in row-major order,
// capped at Options.MaxAnomalySamples.
type Report struct {
	DisagreementCount int
	ClampCount        int
	DisagreementAt    []image.Point
	ClampAt           []image.Point
}

func (rep *Report) add(x, y int, flags AnomalyFlags, maxSamples int) {
	if flags&AnomalyChannelDisagreement != 0 {
		rep.DisagreementCount++
		if len(rep.DisagreementAt) < maxSamples {
			rep.DisagreementAt = append(rep.DisagreementAt, image.Point{X: x, Y: y})
		}
	}
	if flags&AnomalyOutOfRangeClamped != 0 {
		rep.ClampCount++
		if len(rep.ClampAt) < maxSamples {
			rep.ClampAt = append(rep.ClampAt, image.Point{X: x, Y: y})
		}
	}
}

// merge appends other, which must cover rows after rep's own.
func (rep *Report) merge(other Report, maxSamples int) {
	rep.DisagreementCount += other.DisagreementCount
	rep.ClampCount += other.ClampCount
	for _, pt := range other.DisagreementAt {
		if len(rep.DisagreementAt) >= maxSamples {
			break
		}
		rep.DisagreementAt = append(rep.DisagreementAt, pt)
	}
	for _, pt := range other.ClampAt {
		if len(rep.ClampAt) >= maxSamples {
			break
		}
		rep.ClampAt = append(rep.ClampAt, pt)
	}
}

// ============ IMAGE RECONSTRUCTOR ============

// Reconstructor applies ReconstructPixel across a pair of equal-sized
// captures and assembles the recovered image.
type Reconstructor struct {
	Black, White image.Image
	// Recovered image, valid after a successful Run. Non-premultiplied,
	// since recovered colors are unpremultiplied.
	Out *image.NRGBA
	// Anomaly summary of the last Run.
	Report Report

	blackPix, whitePix []float64 // interleaved RGB, len = W*H*3
	w, h               int
	canceled           atomic.Bool
}

func NewReconstructor(black, white image.Image) *Reconstructor {
	return &Reconstructor{Black: black, White: white}
}

// Cancel makes a concurrent or subsequent Run return ErrCanceled. The
// check is per row, so cancellation is coarse-grained.
func (r *Reconstructor) Cancel() {
	r.canceled.Store(true)
}

// Run reconstructs the whole image. It fails fast with
// *DimensionMismatchError when the captures differ in size, and with
// ErrCanceled after Cancel; every per-pixel condition is non-fatal and
// lands in Report instead. After Run returns nil, Out is fully populated.
func (r *Reconstructor) Run(opt Options) error {
	bb := r.Black.Bounds()
	wb := r.White.Bounds()
	if bb.Dx() != wb.Dx() || bb.Dy() != wb.Dy() {
		return &DimensionMismatchError{
			Black: image.Point{X: bb.Dx(), Y: bb.Dy()},
			White: image.Point{X: wb.Dx(), Y: wb.Dy()},
		}
	}
	if opt.MaxAnomalySamples < 0 {
		opt.MaxAnomalySamples = 0
	}
	workers := opt.Workers
	if workers < 1 {
		workers = 1
	}

	r.w, r.h = bb.Dx(), bb.Dy()
	r.blackPix = makePlanes(r.Black)
	r.whitePix = makePlanes(r.White)
	r.Out = image.NewNRGBA(image.Rect(0, 0, r.w, r.h))
	r.Report = Report{}

	if r.h == 0 || r.w == 0 {
		return nil
	}
	workers = min(workers, r.h)

	band := (r.h + workers - 1) / workers
	reports := make([]Report, workers)
	var rowsDone atomic.Int64
	var wg sync.WaitGroup
	for wi := 0; wi < workers; wi++ {
		y0 := wi * band
		y1 := min(y0+band, r.h)
		wg.Add(1)
		go func(wi, y0, y1 int) {
			defer wg.Done()
			r.runRows(y0, y1, opt, &reports[wi], &rowsDone)
		}(wi, y0, y1)
	}
	wg.Wait()

	if r.canceled.Load() {
		return ErrCanceled
	}
	for i := range reports {
		r.Report.merge(reports[i], opt.MaxAnomalySamples)
	}
	return nil
}

func (r *Reconstructor) runRows(y0, y1 int, opt Options, rep *Report, rowsDone *atomic.Int64) {
	for y := y0; y < y1; y++ {
		if r.canceled.Load() {
			return
		}
		for x := 0; x < r.w; x++ {
			off := (y*r.w + x) * 3
			black := Sample{R: r.blackPix[off], G: r.blackPix[off+1], B: r.blackPix[off+2]}
			white := Sample{R: r.whitePix[off], G: r.whitePix[off+1], B: r.whitePix[off+2]}
			p, flags := ReconstructPixel(black, white, opt)
			r.Out.SetNRGBA(x, y, p.NRGBA())
			if flags != 0 {
				rep.add(x, y, flags, opt.MaxAnomalySamples)
			}
		}
		done := rowsDone.Add(1)
		if opt.Progress != nil {
			opt.Progress(int(done), r.h)
		}
	}
}

func makePlanes(img image.Image) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]float64, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r16, g16, b16, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			off := (y*w + x) * 3
			pix[off] = float64(r16) / 65535
			pix[off+1] = float64(g16) / 65535
			pix[off+2] = float64(b16) / 65535
		}
	}
	return pix
}

// Reconstruct is the one-shot convenience wrapper around Reconstructor.
func Reconstruct(black, white image.Image, opt Options) (*image.NRGBA, Report, error) {
	r := NewReconstructor(black, white)
	if err := r.Run(opt); err != nil {
		return nil, Report{}, err
	}
	return r.Out, r.Report, nil
}
