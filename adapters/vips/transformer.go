//go:build cgo

// Package vips provides a libvips-backed Transformer.  On hosts where the
// native library is present it replaces the pure-Go path for the pixel-heavy
// operations; anything it does not implement falls through to the configured
// fallback.
package vips

import (
	"context"
	"fmt"
	"runtime"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/utils"
)

// BackendConfig configures the libvips runtime.
type BackendConfig struct {
	DefaultQuality int
	MaxCacheSize   int
	MaxWorkers     int
	ReportLeaks    bool
}

// Backend owns the libvips process-wide state.  Safe for concurrent use.
// Call Shutdown once at process exit.
type Backend struct {
	cfg BackendConfig
}

// NewBackend initialises libvips and returns a ready Backend.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 85
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	govips.Startup(&govips.Config{
		ConcurrencyLevel: cfg.MaxWorkers,
		MaxCacheSize:     cfg.MaxCacheSize,
		ReportLeaks:      cfg.ReportLeaks,
		CollectStats:     true,
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases all libvips resources.
func (b *Backend) Shutdown() { govips.Shutdown() }

// Transformer adapts the Backend to the executor's Transformer contract.
// Operations libvips does not cover route to Fallback when one is set.
type Transformer struct {
	backend  *Backend
	fallback core.Transformer
}

// NewTransformer creates a Transformer.  fallback may be nil.
func NewTransformer(b *Backend, fallback core.Transformer) *Transformer {
	return &Transformer{backend: b, fallback: fallback}
}

func (t *Transformer) Supports(op core.Operation) bool {
	switch op {
	case core.OpResize, core.OpCrop, core.OpGenerateMatte:
		return true
	}
	if t.fallback != nil {
		return t.fallback.Supports(op)
	}
	return false
}

func (t *Transformer) Apply(ctx context.Context, op core.Operation, params core.Params, src []byte) (*core.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ClassCanceled, "vips.apply", err)
	}
	if len(src) == 0 {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, "vips.apply", apperrors.ErrEmptyInput)
	}

	switch p := params.(type) {
	case core.ResizeParams:
		return t.resize(src, p)
	case core.CropParams:
		return t.crop(src, p)
	case core.MatteParams:
		return t.matte(src, p)
	}

	if t.fallback != nil && t.fallback.Supports(op) {
		return t.fallback.Apply(ctx, op, params, src)
	}
	return nil, apperrors.New(apperrors.ClassWorkerFailure, "vips.apply",
		fmt.Errorf("%w: %s", apperrors.ErrUnsupportedOperation, op))
}

func (t *Transformer) resize(src []byte, p core.ResizeParams) (*core.Artifact, error) {
	ref, err := govips.NewImageFromBuffer(src)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, "vips.resize", err)
	}
	defer ref.Close()

	dstW, dstH := utils.ScaleDimensions(ref.Width(), ref.Height(), p.Width, p.Height)
	if dstW != ref.Width() || dstH != ref.Height() {
		scale := float64(dstW) / float64(ref.Width())
		if err := ref.Resize(scale, govips.KernelLanczos3); err != nil {
			return nil, apperrors.New(apperrors.ClassWorkerFailure, "vips.resize", err)
		}
	}
	return t.export(ref, "vips.resize")
}

func (t *Transformer) crop(src []byte, p core.CropParams) (*core.Artifact, error) {
	const op = "vips.crop"

	ref, err := govips.NewImageFromBuffer(src)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
	}
	defer ref.Close()

	if p.X+p.Width > ref.Width() || p.Y+p.Height > ref.Height() {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("crop region %dx%d+%d+%d exceeds image %dx%d",
				p.Width, p.Height, p.X, p.Y, ref.Width(), ref.Height()))
	}
	if err := ref.ExtractArea(p.X, p.Y, p.Width, p.Height); err != nil {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
	}

	scale := p.Scale
	if scale == 0 {
		scale = 1
	}
	if scale != 1 {
		if err := ref.Resize(scale, govips.KernelLanczos3); err != nil {
			return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
		}
	}

	if p.CanvasWidth > 0 && p.CanvasHeight > 0 {
		w, h := ref.Width(), ref.Height()
		if w > p.CanvasWidth || h > p.CanvasHeight {
			w, h = utils.FitDimensions(w, h, p.CanvasWidth, p.CanvasHeight)
			if err := ref.Thumbnail(w, h, govips.InterestingNone); err != nil {
				return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
			}
		}
		left := (p.CanvasWidth - ref.Width()) / 2
		top := (p.CanvasHeight - ref.Height()) / 2
		if err := ref.EmbedBackground(left, top, p.CanvasWidth, p.CanvasHeight, &govips.Color{}); err != nil {
			return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
		}
	}
	return t.export(ref, op)
}

func (t *Transformer) matte(src []byte, p core.MatteParams) (*core.Artifact, error) {
	const op = "vips.matte"

	ref, err := govips.NewImageFromBuffer(src)
	if err != nil {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
	}
	defer ref.Close()

	padX := int(float64(p.Width) * p.PaddingPct / 100)
	padY := int(float64(p.Height) * p.PaddingPct / 100)
	innerW := p.Width - 2*padX
	innerH := p.Height - 2*padY
	if innerW < 1 || innerH < 1 {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("padding %.1f%% leaves no room inside %dx%d", p.PaddingPct, p.Width, p.Height))
	}

	fitW, fitH := utils.FitDimensions(ref.Width(), ref.Height(), innerW, innerH)
	if err := ref.Thumbnail(fitW, fitH, govips.InterestingNone); err != nil {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
	}

	bg := p.Background
	if bg == "" {
		bg = core.DefaultMatteBackground
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(bg, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return nil, apperrors.New(apperrors.ClassInvalidRequest, op,
			fmt.Errorf("background %q is not #RRGGBB", bg))
	}
	left := (p.Width - ref.Width()) / 2
	top := (p.Height - ref.Height()) / 2
	if err := ref.EmbedBackground(left, top, p.Width, p.Height, &govips.Color{R: r, G: g, B: b}); err != nil {
		return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
	}
	return t.export(ref, op)
}

func (t *Transformer) export(ref *govips.ImageRef, op string) (*core.Artifact, error) {
	artifact := &core.Artifact{
		Width:   ref.Width(),
		Height:  ref.Height(),
		Backend: "vips",
	}
	switch ref.Format() {
	case govips.ImageTypeJPEG:
		ep := govips.NewJpegExportParams()
		ep.Quality = t.backend.cfg.DefaultQuality
		buf, _, err := ref.ExportJpeg(ep)
		if err != nil {
			return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
		}
		artifact.Bytes, artifact.Format = buf, core.FormatJPEG
	case govips.ImageTypeWEBP:
		ep := govips.NewWebpExportParams()
		ep.Quality = t.backend.cfg.DefaultQuality
		buf, _, err := ref.ExportWebp(ep)
		if err != nil {
			return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
		}
		artifact.Bytes, artifact.Format = buf, core.FormatWebP
	default:
		buf, _, err := ref.ExportPng(govips.NewPngExportParams())
		if err != nil {
			return nil, apperrors.New(apperrors.ClassWorkerFailure, op, err)
		}
		artifact.Bytes, artifact.Format = buf, core.FormatPNG
	}
	return artifact, nil
}

var _ core.Transformer = (*Transformer)(nil)
