package transform

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
)

// extendCanvas grows an image shot against a near-white backdrop to the
// target height.  The foreground is located by row-scanning against a
// white threshold (auto-derived from centre stripe samples unless set),
// padded, and kept intact; the remaining top/bottom backdrop rows are
// stretched to fill the new space so lighting gradients continue instead
// of cutting to flat colour.  If the padded foreground region is already
// taller than the target, the result is a centre crop of that region.
func extendCanvas(src image.Image, p core.ExtendCanvasParams) (image.Image, error) {
	const op = "transform.extend_canvas"

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	thr := p.WhiteThreshold
	if thr < 0 || thr > 255 {
		thr = centerSampleThreshold(src, core.DefaultStripeHeight, core.DefaultStripeWidth)
	}

	fgTop, fgBot, found := findForegroundBounds(src, thr)
	if !found {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op, apperrors.ErrForegroundNotFound)
	}

	padPct := p.PaddingPct
	if padPct == 0 {
		padPct = core.DefaultExtendPadding
	}
	fgH := fgBot - fgTop + 1
	pad := int(float64(fgH)*padPct + 0.5)
	cropTop := max(0, fgTop-pad)
	cropBot := min(h-1, fgBot+pad)

	region := cropRows(src, cropTop, cropBot+1)
	regionH := cropBot - cropTop + 1

	// Already tall enough: centre crop and return.
	if p.TargetHeight <= regionH {
		yOff := (regionH - p.TargetHeight) / 2
		return cropRows(region, yOff, yOff+p.TargetHeight), nil
	}

	extra := p.TargetHeight - regionH
	topH := extra / 2
	botH := extra - topH

	var topSrc, botSrc image.Image
	if cropTop > 0 {
		topSrc = cropRows(src, 0, cropTop)
	}
	if cropBot+1 < h {
		botSrc = cropRows(src, cropBot+1, h)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, p.TargetHeight))
	y := 0
	y += drawStrip(canvas, topSrc, y, topH, w)
	draw.Draw(canvas, image.Rect(0, y, w, y+regionH), region, region.Bounds().Min, draw.Src)
	y += regionH
	drawStrip(canvas, botSrc, y, botH, w)

	return canvas, nil
}

// drawStrip stretches src to (w, stripH) at row y, or fills with white
// when there are no source rows on that side.  Returns stripH.
func drawStrip(dst *image.RGBA, src image.Image, y, stripH, w int) int {
	if stripH <= 0 {
		return 0
	}
	rect := image.Rect(0, y, w, y+stripH)
	if src == nil {
		draw.Draw(dst, rect, image.NewUniform(color.White), image.Point{}, draw.Src)
		return stripH
	}
	xdraw.BiLinear.Scale(dst, rect, src, src.Bounds(), xdraw.Src, nil)
	return stripH
}

// cropRows returns the horizontal band [y0, y1) of src as a new image.
func cropRows(src image.Image, y0, y1 int) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), y1-y0))
	draw.Draw(out, out.Bounds(), src, image.Pt(b.Min.X, b.Min.Y+y0), draw.Src)
	return out
}
