package utils

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/lucasb-eyer/go-colorful"
)

// capture builds a w×h image filled with bg, with a centered square of
// subject color, mimicking a screenshot over a solid background.
func capture(w, h int, bg, subject color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, bg)
		}
	}
	for y := h / 4; y < 3*h/4; y++ {
		for x := w / 4; x < 3*w/4; x++ {
			img.SetNRGBA(x, y, subject)
		}
	}
	return img
}

func TestVerifyCapturePair(t *testing.T) {
	gray := color.NRGBA{R: 120, G: 120, B: 120, A: 255}
	black := capture(64, 64, color.NRGBA{A: 255}, gray)
	white := capture(64, 64, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, gray)

	blackDev, whiteDev := VerifyCapturePair(black, white)
	if blackDev > 0.05 {
		t.Errorf("pure black background deviation %v", blackDev)
	}
	if whiteDev > 0.05 {
		t.Errorf("pure white background deviation %v", whiteDev)
	}
}

func TestBackgroundDeviation_Contaminated(t *testing.T) {
	// Red background posing as a black capture must score high.
	red := capture(64, 64, color.NRGBA{R: 200, A: 255}, color.NRGBA{R: 120, G: 120, B: 120, A: 255})
	dev := BackgroundDeviation(red, colorful.Color{})
	if dev < 0.1 {
		t.Errorf("contaminated background deviation %v, want > 0.1", dev)
	}
}

func TestExtractKMeansPalette_TwoTones(t *testing.T) {
	// Two mildly noisy color fields; transparent filler must be ignored.
	rng := rand.New(rand.NewSource(1))
	img := image.NewNRGBA(image.Rect(0, 0, 60, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 60; x++ {
			n := uint8(rng.Intn(16))
			switch {
			case y < 20:
				img.SetNRGBA(x, y, color.NRGBA{R: 230 + n/4, G: 20 + n, B: 20 + n, A: 255})
			case y < 40:
				img.SetNRGBA(x, y, color.NRGBA{R: 20 + n, G: 20 + n, B: 230 + n/4, A: 255})
			default:
				img.SetNRGBA(x, y, color.NRGBA{})
			}
		}
	}

	palette := ExtractPalette(img, 2, PaletteMethodKMeans)
	if len(palette) != 2 {
		t.Fatalf("palette size %d, want 2", len(palette))
	}
	var gotRed, gotBlue bool
	for _, c := range palette {
		if c.R > 0.7 && c.B < 0.3 {
			gotRed = true
		}
		if c.B > 0.7 && c.R < 0.3 {
			gotBlue = true
		}
		if c.R < 0.2 && c.G < 0.2 && c.B < 0.2 {
			t.Errorf("palette picked up the transparent filler: %+v", c)
		}
	}
	if !gotRed || !gotBlue {
		t.Errorf("palette %+v missing the two tones", palette)
	}
}

func TestThumbnail(t *testing.T) {
	tests := []struct {
		name         string
		w, h, maxDim int
		wantW, wantH int
	}{
		{"wide", 100, 50, 10, 10, 5},
		{"tall", 40, 80, 20, 10, 20},
		{"already small", 8, 6, 16, 8, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h))
			got := Thumbnail(src, tt.maxDim)
			if b := got.Bounds(); b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("size %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestCompositeOverCheckerboard(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	// Left half opaque green, right half fully transparent.
	for y := 0; y < 16; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{G: 255, A: 255})
		}
	}

	out := CompositeOverCheckerboard(img, 4)
	if got := out.RGBAAt(2, 2); got.G != 255 || got.R != 0 {
		t.Errorf("opaque region = %+v", got)
	}
	// Transparent region must show the two checker grays.
	light := out.RGBAAt(9, 1)
	dark := out.RGBAAt(9, 5)
	if light.R != 204 || dark.R != 153 {
		t.Errorf("checker grays = %+v / %+v", light, dark)
	}
}
