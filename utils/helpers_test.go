package utils

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.White)

	var jpegBuf, pngBuf bytes.Buffer
	if err := jpeg.Encode(&jpegBuf, img, nil); err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegBuf.Bytes(), formatJPEG},
		{"png", pngBuf.Bytes(), formatPNG},
		{"webp header", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), formatWebP},
		{"garbage", []byte("not an image at all"), formatUnknown},
		{"too short", []byte{0xFF}, formatUnknown},
		{"empty", nil, formatUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectFormat(tc.data); got != tc.want {
				t.Fatalf("DetectFormat = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestScaleDimensions(t *testing.T) {
	cases := []struct {
		srcW, srcH, tW, tH int
		wantW, wantH       int
	}{
		{800, 600, 400, 0, 400, 300},
		{800, 600, 0, 300, 400, 300},
		{800, 600, 200, 100, 200, 100},
		{800, 600, 0, 0, 800, 600},
	}
	for _, tc := range cases {
		w, h := ScaleDimensions(tc.srcW, tc.srcH, tc.tW, tc.tH)
		if w != tc.wantW || h != tc.wantH {
			t.Errorf("ScaleDimensions(%d,%d,%d,%d) = (%d,%d), want (%d,%d)",
				tc.srcW, tc.srcH, tc.tW, tc.tH, w, h, tc.wantW, tc.wantH)
		}
	}
}

func TestFitDimensions(t *testing.T) {
	cases := []struct {
		srcW, srcH, boxW, boxH int
		wantW, wantH           int
	}{
		{100, 50, 200, 200, 200, 100},  // wide image limited by width
		{50, 100, 200, 200, 100, 200},  // tall image limited by height
		{100, 100, 50, 80, 50, 50},     // square into portrait box
		{1000, 1, 10, 10, 10, 1},       // extreme ratio clamps to >= 1
	}
	for _, tc := range cases {
		w, h := FitDimensions(tc.srcW, tc.srcH, tc.boxW, tc.boxH)
		if w != tc.wantW || h != tc.wantH {
			t.Errorf("FitDimensions(%d,%d,%d,%d) = (%d,%d), want (%d,%d)",
				tc.srcW, tc.srcH, tc.boxW, tc.boxH, w, h, tc.wantW, tc.wantH)
		}
		if w > tc.boxW || h > tc.boxH {
			t.Errorf("FitDimensions(%d,%d,%d,%d) = (%d,%d) exceeds box",
				tc.srcW, tc.srcH, tc.boxW, tc.boxH, w, h)
		}
	}
}

func TestCloneBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	clone := CloneBytes(src)
	src[0] = 9
	if clone[0] != 1 {
		t.Fatal("clone shares backing array")
	}
}
