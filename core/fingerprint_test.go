package core

import (
	"strings"
	"testing"
)

func TestFingerprint_StableAcrossPriority(t *testing.T) {
	base := TransformRequest{
		Source:   ImageReference{ID: "img-1", Variant: "large"},
		Op:       OpResize,
		Params:   ResizeParams{Width: 100, Height: 50},
		Priority: PriorityBackground,
	}
	urgent := base
	urgent.Priority = PriorityImmediate

	if base.Fingerprint() != urgent.Fingerprint() {
		t.Fatal("priority changed the fingerprint")
	}
}

func TestFingerprint_DistinguishesParams(t *testing.T) {
	a := TransformRequest{
		Source: ImageReference{ID: "img-1"},
		Op:     OpResize,
		Params: ResizeParams{Width: 100},
	}
	b := a
	b.Params = ResizeParams{Width: 200}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different widths collided")
	}

	c := a
	c.Source = ImageReference{ID: "img-2"}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("different sources collided")
	}

	d := a
	d.Op = OpCrop
	d.Params = CropParams{X: 0, Y: 0, Width: 100, Height: 100}
	if a.Fingerprint() == d.Fingerprint() {
		t.Fatal("different operations collided")
	}
}

func TestFingerprint_NormalisesDefaults(t *testing.T) {
	implicit := TransformRequest{
		Source: ImageReference{ID: "img-1"},
		Op:     OpGenerateMatte,
		Params: MatteParams{Width: 100, Height: 100},
	}
	explicit := implicit
	explicit.Params = MatteParams{Width: 100, Height: 100, Background: DefaultMatteBackground}

	if implicit.Fingerprint() != explicit.Fingerprint() {
		t.Fatal("explicit default background changed the fingerprint")
	}

	implicitPad := TransformRequest{
		Source: ImageReference{ID: "img-1"},
		Op:     OpExtendCanvas,
		Params: ExtendCanvasParams{TargetHeight: 500, WhiteThreshold: -1},
	}
	explicitPad := implicitPad
	explicitPad.Params = ExtendCanvasParams{TargetHeight: 500, PaddingPct: DefaultExtendPadding, WhiteThreshold: -1}

	if implicitPad.Fingerprint() != explicitPad.Fingerprint() {
		t.Fatal("explicit default padding changed the fingerprint")
	}
}

func TestFingerprint_PrefixedByOperation(t *testing.T) {
	req := TransformRequest{
		Source: ImageReference{ID: "img-1"},
		Op:     OpAnalyze,
		Params: AnalyzeParams{},
	}
	if !strings.HasPrefix(req.Fingerprint(), "analyze/") {
		t.Fatalf("fingerprint %q lacks operation prefix", req.Fingerprint())
	}
}

func TestFetchFingerprint(t *testing.T) {
	a := FetchFingerprint(ImageReference{ID: "img-1", Variant: "thumbnail"})
	b := FetchFingerprint(ImageReference{ID: "img-1", Variant: "large"})
	if a == b {
		t.Fatal("variants collided")
	}
	if !strings.HasPrefix(a, "fetch/") {
		t.Fatalf("fetch fingerprint %q lacks prefix", a)
	}
}

func TestImageReference_Key(t *testing.T) {
	if got := (ImageReference{ID: "x"}).Key(); got != "x" {
		t.Fatalf("key = %q", got)
	}
	if got := (ImageReference{ID: "x", Variant: "thumb"}).Key(); got != "x@thumb" {
		t.Fatalf("key = %q", got)
	}
}
