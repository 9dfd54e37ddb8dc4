// Package utils holds the caller-side helpers around the clip core:
// capture loading and saving, background purity checks, and presentation
// helpers for the recovered image (previews, palettes).
package utils

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log"
	"math"
	"os"
	"slices"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
)

// ============ CAPTURE I/O ============

// ReadImage decodes an image file. PNG, BMP, GIF and JPEG are supported,
// matching the capture formats screenshot tools commonly produce.
func ReadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// SaveImage writes img as PNG. PNG is the only sensible output format
// here since the recovered image carries an alpha channel.
func SaveImage(img image.Image, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// ============ BACKGROUND VERIFICATION ============

// BorderDominantColor returns the dominant color of the 1-pixel-deep
// border ring of img. For a well-prepared capture the subject rarely
// touches the edge, so the ring is almost entirely background.
func BorderDominantColor(img image.Image) colorful.Color {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	ring := make([]color.Color, 0, 2*(w+h))
	for x := b.Min.X; x < b.Max.X; x++ {
		ring = append(ring, img.At(x, b.Min.Y), img.At(x, b.Max.Y-1))
	}
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		ring = append(ring, img.At(b.Min.X, y), img.At(b.Max.X-1, y))
	}
	return dominantOf(packPixels(ring))
}

// BackgroundDeviation measures how far img's border background sits from
// the expected background color, as a Lab distance. Pure captures score
// near 0; anything above ~0.1 suggests contamination or the wrong
// background.
func BackgroundDeviation(img image.Image, want colorful.Color) float64 {
	return BorderDominantColor(img).DistanceLab(want)
}

// VerifyCapturePair checks that the black capture really sits on pure
// black and the white capture on pure white, returning the two Lab
// deviations. The caller decides whether to warn; reconstruction itself
// never refuses contaminated input.
func VerifyCapturePair(black, white image.Image) (blackDev, whiteDev float64) {
	blackDev = BackgroundDeviation(black, colorful.Color{R: 0, G: 0, B: 0})
	whiteDev = BackgroundDeviation(white, colorful.Color{R: 1, G: 1, B: 1})
	return blackDev, whiteDev
}

func dominantOf(img image.Image) colorful.Color {
	candidates := dominantcolor.FindWeight(img, 8)
	if len(candidates) == 0 {
		return colorful.Color{R: 0.5, G: 0.5, B: 0.5}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Weight > best.Weight {
			best = c
		}
	}
	col, _ := colorful.MakeColor(best.RGBA)
	return col.Clamped()
}

// packPixels lays a pixel list out as a roughly square opaque image, so
// color-statistics code that wants an image.Image can run on an
// arbitrary subset of pixels. Spatial layout is irrelevant to it.
func packPixels(pix []color.Color) image.Image {
	if len(pix) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 1, 1))
	}
	side := int(math.Ceil(math.Sqrt(float64(len(pix)))))
	img := image.NewNRGBA(image.Rect(0, 0, side, side))
	for i, c := range pix {
		r, g, b, _ := c.RGBA()
		img.SetNRGBA(i%side, i/side, color.NRGBA{
			R: uint8(r >> 8),
			G: uint8(g >> 8),
			B: uint8(b >> 8),
			A: 255,
		})
	}
	// Fill the tail with the last pixel instead of skewing stats black.
	last := img.NRGBAAt((len(pix)-1)%side, (len(pix)-1)/side)
	for i := len(pix); i < side*side; i++ {
		img.SetNRGBA(i%side, i/side, last)
	}
	return img
}

// opaqueContent packs the pixels of img with nonzero alpha into a square
// image, so palette extraction on a recovered image is not polluted by
// the black placeholder of transparent pixels.
func opaqueContent(img image.Image) image.Image {
	b := img.Bounds()
	pix := make([]color.Color, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			if _, _, _, a := c.RGBA(); a > 0 {
				pix = append(pix, c)
			}
		}
	}
	return packPixels(pix)
}

// ============ RECOVERED PALETTE ============

type PaletteMethod int

const (
	PaletteMethodDominantColor PaletteMethod = iota
	PaletteMethodKMeans
)

func (m PaletteMethod) String() string {
	switch m {
	case PaletteMethodKMeans:
		return "kmeans"
	default:
		return "dominantcolor"
	}
}

type weightedColor struct {
	Col    colorful.Color
	Weight float64
}

// ExtractPalette summarizes the recovered image's opaque content as k
// representative colors. Fully transparent pixels are excluded in both
// methods.
func ExtractPalette(img image.Image, k int, method PaletteMethod) []colorful.Color {
	switch method {
	case PaletteMethodKMeans:
		p := ExtractKMeansPalette(img, k)
		if len(p) != 0 {
			return p
		}
		log.Println("palette warning: kmeans returned empty palette, falling back to dominantcolor")
		return ExtractDominantPalette(img, k)
	default:
		return ExtractDominantPalette(img, k)
	}
}

func ExtractDominantPalette(img image.Image, k int) []colorful.Color {
	if k <= 0 {
		return nil
	}

	nCandidates := max(24, k*8)
	candidates := dominantcolor.FindWeight(opaqueContent(img), nCandidates)
	if len(candidates) == 0 {
		// Last resort: avoid an empty palette on fully transparent input.
		candidates = append(candidates, dominantcolor.Color{
			RGBA:   color.RGBA{R: 128, G: 128, B: 128, A: 255},
			Weight: 1.0,
		})
	}

	weighted := make([]weightedColor, 0, len(candidates))
	for _, c := range candidates {
		col, _ := colorful.MakeColor(c.RGBA)
		w := c.Weight
		if w <= 0 {
			w = 1e-6
		}
		weighted = append(weighted, weightedColor{Col: col.Clamped(), Weight: w})
	}
	return selectDiverseWeightedColors(weighted, k)
}

func ExtractKMeansPalette(img image.Image, k int) []colorful.Color {
	if k <= 0 {
		return nil
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return nil
	}

	// Subsample to keep kmeans tractable on large images.
	maxSamples := 12000
	step := 1
	if width*height > maxSamples {
		step = int(math.Sqrt(float64(width*height)/float64(maxSamples))) + 1
	}

	dataset := make(clusters.Observations, 0, min(width*height, maxSamples))
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r16, g16, b16, a16 := img.At(x, y).RGBA()
			if a16 == 0 {
				continue
			}
			dataset = append(dataset, clusters.Coordinates{
				float64(r16) / 65535.0,
				float64(g16) / 65535.0,
				float64(b16) / 65535.0,
			})
		}
	}
	if len(dataset) == 0 {
		return nil
	}

	workK := min(max(k*4, k+2), len(dataset))
	if workK <= 0 {
		return nil
	}
	km := kmeans.New()
	cc, err := km.Partition(dataset, workK)
	if err != nil || len(cc) == 0 {
		return nil
	}

	// Sort by cluster population so dominant colors come first.
	slices.SortFunc(cc, func(a, b clusters.Cluster) int {
		return len(b.Observations) - len(a.Observations)
	})

	weighted := make([]weightedColor, 0, len(cc))
	for _, c := range cc {
		center := c.Center
		if len(center) < 3 {
			continue
		}
		col := colorful.Color{
			R: center[0],
			G: center[1],
			B: center[2],
		}.Clamped()
		w := float64(len(c.Observations))
		if w <= 0 {
			w = 1e-6
		}
		weighted = append(weighted, weightedColor{Col: col, Weight: w})
	}
	return selectDiverseWeightedColors(weighted, k)
}

// selectDiverseWeightedColors greedily picks k colors that balance
// weight against mutual Lab distance, seeding with the heaviest one.
func selectDiverseWeightedColors(cands []weightedColor, k int) []colorful.Color {
	if k <= 0 || len(cands) == 0 {
		return nil
	}
	type item struct {
		col colorful.Color
		lab [3]float64
		w   float64
	}
	items := make([]item, 0, len(cands))
	maxW := 0.0
	for _, c := range cands {
		col := c.Col.Clamped()
		l, a, b := col.Lab()
		w := c.Weight
		if w <= 0 {
			w = 1e-6
		}
		maxW = max(maxW, w)
		items = append(items, item{col: col, lab: [3]float64{l, a, b}, w: w})
	}
	if k > len(items) {
		k = len(items)
	}
	if maxW <= 0 {
		maxW = 1.0
	}

	selectedIdx := make([]int, 0, k)
	selected := make([]bool, len(items))

	// Seed with the strongest color to stay close to dominant tones.
	bestSeed := 0
	for i := 1; i < len(items); i++ {
		if items[i].w > items[bestSeed].w {
			bestSeed = i
		}
	}
	selectedIdx = append(selectedIdx, bestSeed)
	selected[bestSeed] = true

	for len(selectedIdx) < k {
		bestIdx := -1
		bestScore := -1.0
		for i := range items {
			if selected[i] {
				continue
			}
			minD2 := math.MaxFloat64
			for _, s := range selectedIdx {
				d0 := items[i].lab[0] - items[s].lab[0]
				d1 := items[i].lab[1] - items[s].lab[1]
				d2 := items[i].lab[2] - items[s].lab[2]
				minD2 = min(minD2, d0*d0+d1*d1+d2*d2)
			}
			normW := items[i].w / maxW
			score := math.Sqrt(minD2) * (0.55 + 0.45*math.Sqrt(normW))
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		selected[bestIdx] = true
		selectedIdx = append(selectedIdx, bestIdx)
	}

	out := make([]colorful.Color, 0, len(selectedIdx))
	for _, idx := range selectedIdx {
		out = append(out, items[idx].col)
	}
	return out
}

// SavePalette writes a horizontal palette strip PNG, one tile per color.
func SavePalette(palette []colorful.Color, tileSize int, filename string) error {
	if len(palette) == 0 {
		return fmt.Errorf("empty palette")
	}
	if tileSize <= 0 {
		tileSize = 64
	}

	w := tileSize * len(palette)
	h := tileSize
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	for i, c := range palette {
		r := uint8(max(0, min(255, c.R*255)))
		g := uint8(max(0, min(255, c.G*255)))
		b := uint8(max(0, min(255, c.B*255)))
		x0 := i * tileSize
		x1 := x0 + tileSize
		for y := 0; y < h; y++ {
			for x := x0; x < x1; x++ {
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}

	return SaveImage(img, filename)
}

// ============ PREVIEWS ============

// Thumbnail scales img down so its longer side is at most maxDim,
// preserving aspect ratio. Images already small enough are copied 1:1.
func Thumbnail(img image.Image, maxDim int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || w == 0 || h == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	tw, th := w, h
	if w >= h && w > maxDim {
		tw = maxDim
		th = max(1, h*maxDim/w)
	} else if h > w && h > maxDim {
		th = maxDim
		tw = max(1, w*maxDim/h)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, tw, th))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// CompositeOverCheckerboard flattens img onto the usual editor-style
// gray checkerboard so transparency stays visible in viewers without
// alpha support.
func CompositeOverCheckerboard(img image.Image, cell int) *image.RGBA {
	if cell <= 0 {
		cell = 8
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	light := color.RGBA{R: 204, G: 204, B: 204, A: 255}
	dark := color.RGBA{R: 153, G: 153, B: 153, A: 255}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if (x/cell+y/cell)%2 == 0 {
				dst.SetRGBA(x, y, light)
			} else {
				dst.SetRGBA(x, y, dark)
			}
		}
	}
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}
