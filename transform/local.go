package transform

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/utils"
)

// Local is the pure-Go Transformer.  It supports the full operation set
// and requires no native dependency, so it is always available as the
// baseline backend.  Safe for concurrent use.
type Local struct {
	reg     *Registry
	quality int
}

// NewLocal creates a Local transformer backed by reg.  quality applies to
// lossy output encoding; 0 uses the codec default.
func NewLocal(reg *Registry, quality int) *Local {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Local{reg: reg, quality: quality}
}

// Supports reports local capability for op.
func (l *Local) Supports(op core.Operation) bool {
	switch op {
	case core.OpResize, core.OpCrop, core.OpExtendCanvas, core.OpGenerateMatte, core.OpAnalyze:
		return true
	}
	return false
}

// Apply decodes src, runs the operation, and re-encodes the result in the
// source format (WebP re-encodes as PNG).
func (l *Local) Apply(ctx context.Context, op core.Operation, params core.Params, src []byte) (*core.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassCanceled, "transform.apply", err)
	}

	img, format, err := l.reg.DecodeBytes(src)
	if err != nil {
		return nil, err
	}

	var out image.Image
	switch p := params.(type) {
	case core.ResizeParams:
		out, err = resizeImage(img, p)
	case core.CropParams:
		out, err = cropImage(img, p)
	case core.ExtendCanvasParams:
		out, err = extendCanvas(img, p)
	case core.MatteParams:
		out, err = generateMatte(img, p)
	case core.AnalyzeParams:
		report := analyzeImage(img, p)
		b := img.Bounds()
		return &core.Artifact{
			Format:   format,
			Width:    b.Dx(),
			Height:   b.Dy(),
			Backend:  "local",
			Analysis: &report,
		}, nil
	default:
		return nil, apperrors.New(apperrors.ClassInvalidRequest, "transform.apply",
			fmt.Errorf("%w: %s", apperrors.ErrUnsupportedOperation, op))
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassCanceled, "transform.apply", err)
	}

	data, outFormat, err := l.reg.EncodeImage(out, format, l.quality)
	if err != nil {
		return nil, err
	}
	b := out.Bounds()
	return &core.Artifact{
		Bytes:   data,
		Format:  outFormat,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Backend: "local",
	}, nil
}

// ── resize ────────────────────────────────────────────────────────────────────

func resizeImage(src image.Image, p core.ResizeParams) (image.Image, error) {
	srcB := src.Bounds()
	dstW, dstH := utils.ScaleDimensions(srcB.Dx(), srcB.Dy(), p.Width, p.Height)
	if dstW <= 0 || dstH <= 0 {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, "transform.resize", apperrors.ErrInvalidDimensions)
	}
	if dstW == srcB.Dx() && dstH == srcB.Dy() {
		return src, nil // nothing to do
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, srcB, xdraw.Over, nil)
	return dst, nil
}

// ── crop ──────────────────────────────────────────────────────────────────────

// cropImage extracts the rectangle, applies the optional scale factor, and
// (when canvas dimensions are set) centres the result on a black canvas,
// shrinking to fit when the scaled crop exceeds the canvas.
func cropImage(src image.Image, p core.CropParams) (image.Image, error) {
	const op = "transform.crop"
	rect := image.Rect(p.X, p.Y, p.X+p.Width, p.Y+p.Height)
	if !rect.In(src.Bounds()) {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("crop rect %v exceeds image bounds %v", rect, src.Bounds()))
	}

	cropped := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	draw.Draw(cropped, cropped.Bounds(), src, rect.Min, draw.Src)

	var scaled image.Image = cropped
	if p.Scale > 0 && p.Scale != 1.0 {
		sw := int(float64(p.Width) * p.Scale)
		sh := int(float64(p.Height) * p.Scale)
		if sw < 1 || sh < 1 {
			return nil, apperrors.New(apperrors.ClassInvalidRequest, op, apperrors.ErrInvalidDimensions)
		}
		dst := image.NewRGBA(image.Rect(0, 0, sw, sh))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), cropped, cropped.Bounds(), xdraw.Src, nil)
		scaled = dst
	}

	if p.CanvasWidth == 0 && p.CanvasHeight == 0 {
		return scaled, nil
	}

	sb := scaled.Bounds()
	fitW, fitH := sb.Dx(), sb.Dy()
	if fitW > p.CanvasWidth || fitH > p.CanvasHeight {
		fitW, fitH = utils.FitDimensions(fitW, fitH, p.CanvasWidth, p.CanvasHeight)
		dst := image.NewRGBA(image.Rect(0, 0, fitW, fitH))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), scaled, sb, xdraw.Src, nil)
		scaled = dst
	}

	canvas := image.NewRGBA(image.Rect(0, 0, p.CanvasWidth, p.CanvasHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	xOff := (p.CanvasWidth - fitW) / 2
	yOff := (p.CanvasHeight - fitH) / 2
	draw.Draw(canvas, image.Rect(xOff, yOff, xOff+fitW, yOff+fitH), scaled, scaled.Bounds().Min, draw.Src)
	return canvas, nil
}

// ── matte ─────────────────────────────────────────────────────────────────────

// generateMatte aspect-fits the image into the canvas minus padding and
// centres it over the background colour.
func generateMatte(src image.Image, p core.MatteParams) (image.Image, error) {
	const op = "transform.matte"

	padX := int(float64(p.Width) * p.PaddingPct / 100.0)
	padY := int(float64(p.Height) * p.PaddingPct / 100.0)
	contentW := p.Width - 2*padX
	contentH := p.Height - 2*padY
	if contentW <= 0 || contentH <= 0 {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("padding too large for canvas %dx%d", p.Width, p.Height))
	}

	sb := src.Bounds()
	targetW, targetH := utils.FitDimensions(sb.Dx(), sb.Dy(), contentW, contentH)

	resized := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	xdraw.BiLinear.Scale(resized, resized.Bounds(), src, sb, xdraw.Src, nil)

	bg := p.Background
	if bg == "" {
		bg = core.DefaultMatteBackground
	}
	bgColor, err := parseHexColor(bg)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op, err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(bgColor), image.Point{}, draw.Src)

	xOff := (p.Width - targetW) / 2
	yOff := (p.Height - targetH) / 2
	draw.Draw(canvas, image.Rect(xOff, yOff, xOff+targetW, yOff+targetH), resized, image.Point{}, draw.Src)
	return canvas, nil
}

func parseHexColor(s string) (color.RGBA, error) {
	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex colour %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex colour %q", s)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}
