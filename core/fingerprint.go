package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint returns a stable, order-independent cache key for the
// request: operation and parameters are flattened to sorted key=value
// pairs and hashed, so semantically equal requests always collide and a
// parameter reordering in calling code never causes a spurious miss.
// Priority is deliberately excluded — it affects scheduling, not the
// result.
func (r TransformRequest) Fingerprint() string {
	pairs := []string{
		"op=" + string(r.Op),
		"src=" + r.Source.Key(),
	}
	pairs = append(pairs, paramPairs(r.Params)...)
	sort.Strings(pairs)

	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return string(r.Op) + "/" + hex.EncodeToString(sum[:])
}

// FetchFingerprint is the cache key for an untransformed variant fetch.
func FetchFingerprint(ref ImageReference) string {
	sum := sha256.Sum256([]byte(ref.Key()))
	return "fetch/" + hex.EncodeToString(sum[:])
}

func paramPairs(p Params) []string {
	switch v := p.(type) {
	case ResizeParams:
		return []string{
			fmt.Sprintf("w=%d", v.Width),
			fmt.Sprintf("h=%d", v.Height),
		}
	case CropParams:
		scale := v.Scale
		if scale == 0 {
			scale = 1.0
		}
		return []string{
			fmt.Sprintf("x=%d", v.X),
			fmt.Sprintf("y=%d", v.Y),
			fmt.Sprintf("w=%d", v.Width),
			fmt.Sprintf("h=%d", v.Height),
			fmt.Sprintf("scale=%g", scale),
			fmt.Sprintf("cw=%d", v.CanvasWidth),
			fmt.Sprintf("ch=%d", v.CanvasHeight),
		}
	case ExtendCanvasParams:
		pad := v.PaddingPct
		if pad == 0 {
			pad = DefaultExtendPadding
		}
		return []string{
			fmt.Sprintf("th=%d", v.TargetHeight),
			fmt.Sprintf("pad=%g", pad),
			fmt.Sprintf("thr=%d", v.WhiteThreshold),
		}
	case MatteParams:
		bg := v.Background
		if bg == "" {
			bg = DefaultMatteBackground
		}
		return []string{
			fmt.Sprintf("w=%d", v.Width),
			fmt.Sprintf("h=%d", v.Height),
			fmt.Sprintf("pad=%g", v.PaddingPct),
			"bg=" + strings.ToLower(bg),
		}
	case AnalyzeParams:
		sh, sw := v.StripeHeight, v.StripeWidth
		if sh == 0 {
			sh = DefaultStripeHeight
		}
		if sw == 0 {
			sw = DefaultStripeWidth
		}
		return []string{
			fmt.Sprintf("sh=%d", sh),
			fmt.Sprintf("sw=%d", sw),
		}
	case nil:
		return nil
	default:
		// Unknown params never silently alias a known fingerprint.
		return []string{fmt.Sprintf("raw=%+v", v)}
	}
}

// Normalisation defaults shared by fingerprinting and the transform
// implementations, so a request with an explicit default fingerprints
// identically to one that omitted the field.
const (
	DefaultExtendPadding   = 0.05
	DefaultMatteBackground = "#000000"
	DefaultStripeHeight    = 20
	DefaultStripeWidth     = 40
)
