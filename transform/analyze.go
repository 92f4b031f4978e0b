package transform

import (
	"image"

	"github.com/openlot/image-delivery/core"
)

// analyzeImage runs backdrop threshold detection and the foreground scan
// without producing pixels.  Callers use the report to choose parameters
// for a later extendCanvas request, or to reject shots with no detectable
// subject.
func analyzeImage(src image.Image, p core.AnalyzeParams) core.AnalysisReport {
	stripeH := p.StripeHeight
	if stripeH <= 0 {
		stripeH = core.DefaultStripeHeight
	}
	stripeW := p.StripeWidth
	if stripeW <= 0 {
		stripeW = core.DefaultStripeWidth
	}

	thr := centerSampleThreshold(src, stripeH, stripeW)
	top, bot, found := findForegroundBounds(src, thr)
	return core.AnalysisReport{
		WhiteThreshold:  thr,
		ForegroundTop:   top,
		ForegroundBot:   bot,
		ForegroundFound: found,
	}
}

// centerSampleThreshold samples brightness at the image's central top and
// bottom stripes and derives a backdrop cut-off that adapts to soft-box
// lighting variations: the darker stripe mean minus a 5-point cushion,
// clamped to [180, 250].
func centerSampleThreshold(src image.Image, stripeH, stripeW int) int {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	cx := w / 2
	half := stripeW
	if cx-1 < half {
		half = cx - 1
	}
	if w-cx-1 < half {
		half = w - cx - 1
	}
	if half < 1 {
		half = 1
	}
	sh := stripeH
	if h/10 < sh {
		sh = h / 10
	}
	if sh < 1 {
		sh = 1
	}

	topRect := image.Rect(b.Min.X+cx-half, b.Min.Y, b.Min.X+cx+half+1, b.Min.Y+sh)
	botRect := image.Rect(b.Min.X+cx-half, b.Max.Y-sh, b.Min.X+cx+half+1, b.Max.Y)

	mTop := meanGray(src, topRect)
	mBot := meanGray(src, botRect)

	m := mTop
	if mBot < m {
		m = mBot
	}
	thr := int(m - 5.0) // cushion below white
	if thr < 180 {
		thr = 180
	}
	if thr > 250 {
		thr = 250
	}
	return thr
}

// findForegroundBounds collapses rows against the threshold: a row belongs
// to the foreground when any pixel falls below the backdrop cut-off on any
// channel.  Returns the first and last such rows relative to the top.
func findForegroundBounds(src image.Image, whiteThr int) (top, bot int, found bool) {
	b := src.Bounds()
	top, bot = -1, -1
	thr := uint32(whiteThr) << 8 // compare in 16-bit channel space

	for y := b.Min.Y; y < b.Max.Y; y++ {
		rowHasFg := false
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			if r < thr || g < thr || bl < thr {
				rowHasFg = true
				break
			}
		}
		if rowHasFg {
			if top == -1 {
				top = y - b.Min.Y
			}
			bot = y - b.Min.Y
		}
	}
	return top, bot, top != -1
}

// meanGray computes the mean luma of rect using the standard BT.601 weights.
func meanGray(src image.Image, rect image.Rectangle) float64 {
	rect = rect.Intersect(src.Bounds())
	if rect.Empty() {
		return 255
	}
	var sum float64
	var n int
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			n++
		}
	}
	return sum / float64(n)
}
