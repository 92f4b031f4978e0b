// Package transform implements the local execution backend: decoding,
// encoding, and the bounded set of pixel operations.
package transform

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/webp"

	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/utils"
)

// Codec decodes and encodes one image format.
type Codec interface {
	Decode(r io.Reader) (image.Image, error)
	// Encode writes img; quality applies to lossy formats, 0 means the
	// codec default.
	Encode(w io.Writer, img image.Image, quality int) error
}

// Registry maps formats to codecs.  Thread-safe.
type Registry struct {
	mu     sync.RWMutex
	codecs map[core.Format]Codec
}

// NewRegistry returns a Registry with the built-in JPEG, PNG, and WebP
// codecs registered.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[core.Format]Codec)}
	r.Register(core.FormatJPEG, jpegCodec{})
	r.Register(core.FormatPNG, pngCodec{})
	r.Register(core.FormatWebP, webpCodec{})
	return r
}

// Register installs (or replaces) the codec for a format.
func (r *Registry) Register(f core.Format, c Codec) {
	r.mu.Lock()
	r.codecs[f] = c
	r.mu.Unlock()
}

// CodecFor looks up the codec for a format.
func (r *Registry) CodecFor(f core.Format) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[f]
	r.mu.RUnlock()
	return c, ok
}

// DecodeBytes sniffs the format of data and decodes it.
func (r *Registry) DecodeBytes(data []byte) (image.Image, core.Format, error) {
	const op = "transform.decode"
	if len(data) == 0 {
		return nil, core.FormatUnknown, apperrors.New(apperrors.ClassInvalidRequest, op, apperrors.ErrEmptyInput)
	}
	format := core.Format(utils.DetectFormat(data))
	c, ok := r.CodecFor(format)
	if !ok {
		return nil, format, apperrors.New(apperrors.ClassInvalidRequest, op, apperrors.ErrUnsupportedFormat)
	}
	img, err := c.Decode(utils.BytesReader(data))
	if err != nil {
		return nil, format, apperrors.Wrap(apperrors.ClassInvalidRequest, op, err)
	}
	return img, format, nil
}

// EncodeImage serialises img in the given format.  WebP output falls back
// to PNG (the local backend has no WebP encoder; the remote backend may
// return real WebP — functional equivalence, not bit parity).
func (r *Registry) EncodeImage(img image.Image, format core.Format, quality int) ([]byte, core.Format, error) {
	const op = "transform.encode"
	if format == core.FormatWebP || format == core.FormatUnknown {
		format = core.FormatPNG
	}
	c, ok := r.CodecFor(format)
	if !ok {
		return nil, format, apperrors.New(apperrors.ClassInternal, op, apperrors.ErrUnsupportedFormat)
	}
	var buf bytes.Buffer
	if err := c.Encode(&buf, img, quality); err != nil {
		return nil, format, apperrors.Wrap(apperrors.ClassInternal, op, err)
	}
	return buf.Bytes(), format, nil
}

// ── built-in codecs ───────────────────────────────────────────────────────────

type jpegCodec struct{}

func (jpegCodec) Decode(r io.Reader) (image.Image, error) { return jpeg.Decode(r) }

func (jpegCodec) Encode(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

type pngCodec struct{}

func (pngCodec) Decode(r io.Reader) (image.Image, error) { return png.Decode(r) }

func (pngCodec) Encode(w io.Writer, img image.Image, _ int) error {
	return png.Encode(w, img)
}

// webpCodec decodes only; EncodeImage redirects WebP output to PNG.
type webpCodec struct{}

func (webpCodec) Decode(r io.Reader) (image.Image, error) { return webp.Decode(r) }

func (webpCodec) Encode(_ io.Writer, _ image.Image, _ int) error {
	return apperrors.New(apperrors.ClassInternal, "transform.encode.webp", apperrors.ErrUnsupportedFormat)
}
