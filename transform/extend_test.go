package transform

import (
	"image"
	"image/color"
	"testing"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

func TestExtendCanvas_GrowsToTargetHeight(t *testing.T) {
	// 200x300 shot, foreground rows [100, 199], default padding 5% of the
	// 100-row foreground = 5 rows each side → region rows [95, 204].
	src := productShot(200, 300, 100, 199)

	out, err := extendCanvas(src, core.ExtendCanvasParams{TargetHeight: 500, WhiteThreshold: -1})
	if err != nil {
		t.Fatalf("extendCanvas: %v", err)
	}
	b := out.Bounds()
	if b.Dx() != 200 || b.Dy() != 500 {
		t.Fatalf("got %dx%d, want 200x500", b.Dx(), b.Dy())
	}

	// Region height 110, extra 390 split 195/195: the foreground band sits
	// at rows [195+5, 195+5+99].
	r, g, bl, _ := out.At(100, 250).RGBA()
	if r>>8 > 100 && g>>8 > 100 && bl>>8 > 100 {
		t.Fatalf("foreground band missing at centre: %d %d %d", r>>8, g>>8, bl>>8)
	}
	// The stretched strips above and below come from backdrop rows: white.
	r, _, _, _ = out.At(100, 50).RGBA()
	if r>>8 < 200 {
		t.Fatalf("top strip not backdrop white: r=%d", r>>8)
	}
	r, _, _, _ = out.At(100, 450).RGBA()
	if r>>8 < 200 {
		t.Fatalf("bottom strip not backdrop white: r=%d", r>>8)
	}
}

func TestExtendCanvas_CenterCropWhenTallEnough(t *testing.T) {
	src := productShot(100, 400, 50, 349)

	// Foreground 300 rows, pad 15 each side → region 330 rows.  A target
	// below that centre-crops the region instead of extending.
	out, err := extendCanvas(src, core.ExtendCanvasParams{TargetHeight: 200, WhiteThreshold: -1})
	if err != nil {
		t.Fatalf("extendCanvas: %v", err)
	}
	b := out.Bounds()
	if b.Dx() != 100 || b.Dy() != 200 {
		t.Fatalf("got %dx%d, want 100x200", b.Dx(), b.Dy())
	}
	// The centre of the crop is foreground.
	r, _, _, _ := out.At(50, 100).RGBA()
	if r>>8 > 100 {
		t.Fatalf("centre not foreground: r=%d", r>>8)
	}
}

func TestExtendCanvas_WhiteFillWhenNoBackdropRows(t *testing.T) {
	// Foreground reaches both edges, so padding leaves no source rows on
	// either side; the strips fall back to white fill.
	src := solidImage(100, 100, color.RGBA{R: 30, G: 30, B: 30, A: 255})

	out, err := extendCanvas(src, core.ExtendCanvasParams{TargetHeight: 200, WhiteThreshold: 200})
	if err != nil {
		t.Fatalf("extendCanvas: %v", err)
	}
	b := out.Bounds()
	if b.Dy() != 200 {
		t.Fatalf("height = %d, want 200", b.Dy())
	}
	r, g, bl, _ := out.At(50, 10).RGBA()
	if r>>8 != 255 || g>>8 != 255 || bl>>8 != 255 {
		t.Fatalf("top fill not white: %d %d %d", r>>8, g>>8, bl>>8)
	}
	r, _, _, _ = out.At(50, 100).RGBA()
	if r>>8 > 100 {
		t.Fatalf("centre not foreground: r=%d", r>>8)
	}
}

func TestExtendCanvas_NoForeground(t *testing.T) {
	src := solidImage(100, 100, color.White)

	_, err := extendCanvas(src, core.ExtendCanvasParams{TargetHeight: 200, WhiteThreshold: -1})
	if !apperrors.IsClass(err, apperrors.ClassInvalidRequest) {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

func TestCenterSampleThreshold_Clamped(t *testing.T) {
	cases := []struct {
		name string
		gray uint8
		want int
	}{
		{name: "bright backdrop clamps high", gray: 255, want: 250},
		{name: "mid backdrop tracks mean minus cushion", gray: 230, want: 225},
		{name: "dark backdrop clamps low", gray: 120, want: 180},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := solidImage(200, 200, color.RGBA{R: tc.gray, G: tc.gray, B: tc.gray, A: 255})
			got := centerSampleThreshold(src, core.DefaultStripeHeight, core.DefaultStripeWidth)
			if got != tc.want {
				t.Fatalf("threshold = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFindForegroundBounds(t *testing.T) {
	src := productShot(50, 100, 20, 60)
	top, bot, found := findForegroundBounds(src, 200)
	if !found {
		t.Fatal("foreground not found")
	}
	if top != 20 || bot != 60 {
		t.Fatalf("bounds = [%d, %d], want [20, 60]", top, bot)
	}

	if _, _, found := findForegroundBounds(solidImage(50, 50, color.White), 200); found {
		t.Fatal("found foreground in pure backdrop")
	}
}

func TestFindForegroundBounds_NonZeroOrigin(t *testing.T) {
	base := productShot(50, 100, 20, 60)
	shifted := base.SubImage(image.Rect(0, 10, 50, 100)).(*image.RGBA)

	top, bot, found := findForegroundBounds(shifted, 200)
	if !found {
		t.Fatal("foreground not found")
	}
	if top != 10 || bot != 50 {
		t.Fatalf("bounds = [%d, %d], want [10, 50] relative to crop", top, bot)
	}
}
