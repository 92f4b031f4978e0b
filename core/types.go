package core

import (
	"context"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatUnknown Format = "unknown"
)

// Operation names a parametric transform from the bounded operation set.
type Operation string

const (
	OpResize        Operation = "resize"
	OpCrop          Operation = "crop"
	OpExtendCanvas  Operation = "extendCanvas"
	OpGenerateMatte Operation = "generateMatte"
	OpAnalyze       Operation = "analyze"
)

// Priority orders scheduling within the worker pool and gateway.  It never
// affects correctness, only which queued work runs first and which is shed
// under load.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityHover
	PriorityViewport
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityViewport:
		return "viewport"
	case PriorityHover:
		return "hover"
	default:
		return "background"
	}
}

// ImageReference is an opaque identifier plus a delivery-variant tag.
// Immutable; two references are equal iff both fields are equal.
type ImageReference struct {
	ID      string
	Variant string // "thumbnail", "large", ... or "" for the original
}

// Key returns a stable cache-key form of the reference.
func (r ImageReference) Key() string {
	if r.Variant == "" {
		return r.ID
	}
	return r.ID + "@" + r.Variant
}

// Params is the sealed union of per-operation parameter sets.  The worker
// receive loop and the local transformer type-switch on the concrete type
// rather than branching on string fields.
type Params interface {
	Operation() Operation
}

// ResizeParams scales to the given dimensions.  One axis may be 0 to
// preserve aspect ratio.
type ResizeParams struct {
	Width  int `json:"width" validate:"gte=0"`
	Height int `json:"height" validate:"gte=0"`
}

func (ResizeParams) Operation() Operation { return OpResize }

// CropParams extracts a rectangle, optionally scales it, and optionally
// centres the result on a fixed canvas (black fill), shrinking to fit when
// the scaled crop exceeds the canvas.
type CropParams struct {
	X      int     `json:"x" validate:"gte=0"`
	Y      int     `json:"y" validate:"gte=0"`
	Width  int     `json:"width" validate:"gt=0"`
	Height int     `json:"height" validate:"gt=0"`
	Scale  float64 `json:"scale,omitempty" validate:"gte=0"` // 0 = 1.0
	// Output canvas; both 0 means the bare (scaled) crop is returned.
	CanvasWidth  int `json:"canvasWidth,omitempty" validate:"gte=0"`
	CanvasHeight int `json:"canvasHeight,omitempty" validate:"gte=0"`
}

func (CropParams) Operation() Operation { return OpCrop }

// ExtendCanvasParams grows an image vertically to TargetHeight by locating
// the foreground against a near-white backdrop and stretching the remaining
// top/bottom backdrop rows into the new space.
type ExtendCanvasParams struct {
	TargetHeight int     `json:"targetHeight" validate:"gt=0"`
	PaddingPct   float64 `json:"paddingPct" validate:"gte=0,lt=1"`
	// WhiteThreshold in [0,255] sets the backdrop cut-off manually;
	// -1 derives it from centre top/bottom stripe samples.
	WhiteThreshold int `json:"whiteThreshold" validate:"gte=-1,lte=255"`
}

func (ExtendCanvasParams) Operation() Operation { return OpExtendCanvas }

// MatteParams aspect-fits the image onto a coloured canvas with a padding
// margin, centred.
type MatteParams struct {
	Width      int     `json:"width" validate:"gt=0"`
	Height     int     `json:"height" validate:"gt=0"`
	PaddingPct float64 `json:"paddingPct" validate:"gte=0,lt=50"` // percent of each canvas axis
	Background string  `json:"background" validate:"omitempty,hexcolor"`
}

func (MatteParams) Operation() Operation { return OpGenerateMatte }

// AnalyzeParams runs backdrop threshold detection and foreground bounds
// without producing pixels.
type AnalyzeParams struct {
	StripeHeight int `json:"stripeHeight,omitempty" validate:"gte=0"` // default 20
	StripeWidth  int `json:"stripeWidth,omitempty" validate:"gte=0"`  // default 40
}

func (AnalyzeParams) Operation() Operation { return OpAnalyze }

// TransformRequest describes one unit of work for the executor.
type TransformRequest struct {
	Source   ImageReference
	Op       Operation
	Params   Params
	Priority Priority
}

// AnalysisReport carries the outcome of the analyze operation.
type AnalysisReport struct {
	WhiteThreshold  int  `json:"whiteThreshold"`
	ForegroundTop   int  `json:"foregroundTop"`
	ForegroundBot   int  `json:"foregroundBot"`
	ForegroundFound bool `json:"foregroundFound"`
}

// Artifact is a computed result: an in-memory buffer and/or a URL handle,
// plus output metadata.
type Artifact struct {
	Bytes  []byte
	URL    string
	Format Format
	Width  int
	Height int
	// Backend records which execution path produced the artifact
	// ("local", "vips", "remote").  Outputs are functionally equivalent
	// across backends, not bit-identical.
	Backend  string
	Analysis *AnalysisReport
}

// SourcePayload is what a Fetcher resolves an ImageReference into: raw
// bytes, a fetchable URL, or both.
type SourcePayload struct {
	Bytes       []byte
	URL         string
	ContentType string
}

// Fetcher resolves opaque image references to retrievable bytes or a URL.
// It is the single contract toward the surrounding record-management
// application; this module does not know how references map to storage.
type Fetcher interface {
	Fetch(ctx context.Context, ref ImageReference) (*SourcePayload, error)
}

// ArtifactStore persists computed artifacts keyed by fingerprint so results
// survive process restarts.  Get returns ErrNotStored-classified errors for
// absent keys.
type ArtifactStore interface {
	Put(ctx context.Context, fingerprint string, artifact *Artifact) error
	Get(ctx context.Context, fingerprint string) (*Artifact, error)
	Delete(ctx context.Context, fingerprint string) error
}

// Transformer executes operations on in-memory source bytes.  Supports
// reports local capability so the executor can route unsupported
// operations to the remote path.
type Transformer interface {
	Supports(op Operation) bool
	Apply(ctx context.Context, op Operation, params Params, src []byte) (*Artifact, error)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}

// MetricsCollector receives observations from the cache, pool, and gateway.
type MetricsCollector interface {
	RecordCacheHit(key string)
	RecordCacheMiss(key string)
	RecordJobDuration(op Operation, d time.Duration)
	RecordGatewayCall(op Operation)
	RecordWorkerRespawn()
	RecordError(op Operation, class string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RecordCacheHit(string)                     {}
func (NopMetrics) RecordCacheMiss(string)                    {}
func (NopMetrics) RecordJobDuration(Operation, time.Duration) {}
func (NopMetrics) RecordGatewayCall(Operation)               {}
func (NopMetrics) RecordWorkerRespawn()                      {}
func (NopMetrics) RecordError(Operation, string)             {}
