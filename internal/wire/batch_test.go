package wire

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"github.com/zsiec/multiview/media"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDecodeBatchMultiCamera(t *testing.T) {
	t.Parallel()

	data := EncodeBatch([]EncodedFrame{
		RGBAFrame("A", 10, solidRGBA(2, 2, color.RGBA{R: 255, A: 255})),
		RGBAFrame("B", 11, solidRGBA(3, 1, color.RGBA{G: 255, A: 255})),
	})

	pool := media.NewPool()
	b, err := DecodeBatch(data, pool)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	defer b.Release()

	if len(b.Frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(b.Frames))
	}
	if b.MaxFrameNumber != 11 {
		t.Errorf("MaxFrameNumber = %d, want 11", b.MaxFrameNumber)
	}
	if ids := b.SortedCameraIDs(); len(ids) != 2 || ids[0] != "A" || ids[1] != "B" {
		t.Errorf("CameraIDs = %v, want [A B]", ids)
	}
	if _, ok := b.FrameNumbers[10]; !ok {
		t.Error("FrameNumbers missing 10")
	}
	if got := b.Frames[1].Bitmap.Bounds(); got != image.Rect(0, 0, 3, 1) {
		t.Errorf("frame B bounds = %v, want 3x1", got)
	}
	if got := b.Frames[0].Bitmap.Image().RGBAAt(1, 1); got.R != 255 {
		t.Errorf("frame A pixel = %v, want red", got)
	}
	if pool.Outstanding() != 2 {
		t.Errorf("Outstanding = %d, want 2", pool.Outstanding())
	}
}

func TestDecodeBatchDoesNotRetainInput(t *testing.T) {
	t.Parallel()

	data := EncodeBatch([]EncodedFrame{
		RGBAFrame("A", 1, solidRGBA(1, 1, color.RGBA{R: 7, A: 255})),
	})
	pool := media.NewPool()
	b, err := DecodeBatch(data, pool)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	defer b.Release()

	for i := range data {
		data[i] = 0
	}
	if got := b.Frames[0].Bitmap.Image().RGBAAt(0, 0); got.R != 7 {
		t.Errorf("pixel R = %d after clearing input, want 7", got.R)
	}
	if b.Frames[0].CameraID != "A" {
		t.Errorf("CameraID = %q after clearing input, want A", b.Frames[0].CameraID)
	}
}

func TestDecodeBatchEmpty(t *testing.T) {
	t.Parallel()

	_, err := DecodeBatch(EncodeBatch(nil), media.NewPool())
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("err = %v, want ErrEmptyBatch", err)
	}
}

func TestDecodeBatchJPEG(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, solidRGBA(16, 8, color.RGBA{B: 200, A: 255}), nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	data := EncodeBatch([]EncodedFrame{{
		CameraID: "cam", FrameNumber: 5, Width: 16, Height: 8,
		Format: FormatJPEG, Payload: buf.Bytes(),
	}})

	b, err := DecodeBatch(data, media.NewPool())
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	defer b.Release()
	if got := b.Frames[0].Bitmap.Bounds(); got != image.Rect(0, 0, 16, 8) {
		t.Errorf("bounds = %v, want 16x8", got)
	}
	if got := b.Frames[0].Bitmap.Image().RGBAAt(4, 4); got.B < 150 {
		t.Errorf("pixel = %v, want mostly blue", got)
	}
}

func TestDecodeBatchErrorsReleaseBitmaps(t *testing.T) {
	t.Parallel()

	good := RGBAFrame("A", 1, solidRGBA(2, 2, color.RGBA{A: 255}))
	bad := EncodedFrame{CameraID: "B", FrameNumber: 2, Width: 2, Height: 2, Format: FormatRGBA, Payload: []byte{1, 2, 3}}

	pool := media.NewPool()
	_, err := DecodeBatch(EncodeBatch([]EncodedFrame{good, bad}), pool)
	if !errors.Is(err, ErrPixelSize) {
		t.Fatalf("err = %v, want ErrPixelSize", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d after failed decode, want 0", pool.Outstanding())
	}
}

func TestDecodeBatchMalformed(t *testing.T) {
	t.Parallel()

	valid := EncodeBatch([]EncodedFrame{RGBAFrame("A", 1, solidRGBA(1, 1, color.RGBA{A: 255}))})

	var small bytes.Buffer
	if err := jpeg.Encode(&small, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	huge := patchJPEGSize(t, small.Bytes(), 20000, 20000)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty input", nil, io.ErrUnexpectedEOF},
		{"wrong kind", []byte{0x02, 0x00}, ErrUnknownKind},
		{"truncated", valid[:len(valid)-2], io.ErrUnexpectedEOF},
		{"trailing", append(append([]byte{}, valid...), 0xFF), ErrTrailingData},
		{"unknown format", EncodeBatch([]EncodedFrame{{CameraID: "A", Width: 1, Height: 1, Format: 9, Payload: []byte{0, 0, 0, 0}}}), ErrUnknownFormat},
		{"too large", EncodeBatch([]EncodedFrame{{CameraID: "A", Width: MaxDimension + 1, Height: 1}}), ErrFrameTooLarge},
		{"jpeg header too large", EncodeBatch([]EncodedFrame{{CameraID: "A", Width: 8, Height: 8, Format: FormatJPEG, Payload: huge}}), ErrFrameTooLarge},
		{"jpeg size mismatch", EncodeBatch([]EncodedFrame{{CameraID: "A", Width: 16, Height: 8, Format: FormatJPEG, Payload: small.Bytes()}}), ErrPixelSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := media.NewPool()
			_, err := DecodeBatch(tt.data, pool)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if pool.Outstanding() != 0 {
				t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
			}
		})
	}
}

func TestDecodeBatchParseErrorField(t *testing.T) {
	t.Parallel()

	data := []byte{KindFrameBatch, 0x01, 0x05, 'a'}
	_, err := DecodeBatch(data, media.NewPool())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if pe.Field != "camera id" {
		t.Errorf("Field = %q, want %q", pe.Field, "camera id")
	}
}

func TestBatchRelease(t *testing.T) {
	t.Parallel()

	pool := media.NewPool()
	b, err := DecodeBatch(EncodeBatch([]EncodedFrame{
		RGBAFrame("A", 1, solidRGBA(1, 1, color.RGBA{})),
	}), pool)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	b.Release()
	b.Release()
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestPixelFormatString(t *testing.T) {
	t.Parallel()

	if FormatRGBA.String() != "rgba" || FormatJPEG.String() != "jpeg" {
		t.Error("unexpected format names")
	}
	if PixelFormat(7).String() != "format(7)" {
		t.Errorf("String = %q", PixelFormat(7).String())
	}
}

func FuzzDecodeBatch(f *testing.F) {
	f.Add(EncodeBatch([]EncodedFrame{RGBAFrame("A", 1, solidRGBA(1, 1, color.RGBA{}))}))
	f.Add([]byte{KindFrameBatch, 0x00})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		pool := media.NewPool()
		b, err := DecodeBatch(data, pool)
		if err == nil {
			b.Release()
		}
		if pool.Outstanding() != 0 {
			t.Fatalf("Outstanding = %d, want 0", pool.Outstanding())
		}
	})
}

func BenchmarkDecodeBatch(b *testing.B) {
	frames := make([]EncodedFrame, 0, 4)
	for _, id := range []string{"cam0", "cam1", "cam2", "cam3"} {
		frames = append(frames, RGBAFrame(id, 1, solidRGBA(640, 480, color.RGBA{A: 255})))
	}
	data := EncodeBatch(frames)
	pool := media.NewPool()

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch, err := DecodeBatch(data, pool)
		if err != nil {
			b.Fatal(err)
		}
		batch.Release()
	}
}

// patchJPEGSize rewrites the height and width in the first SOF0 segment.
func patchJPEGSize(t *testing.T, data []byte, w, h int) []byte {
	t.Helper()
	out := append([]byte(nil), data...)
	for i := 2; i+8 < len(out); {
		if out[i] != 0xFF {
			t.Fatalf("bad marker at %d", i)
		}
		marker := out[i+1]
		if marker == 0xC0 {
			out[i+5], out[i+6] = byte(h>>8), byte(h)
			out[i+7], out[i+8] = byte(w>>8), byte(w)
			return out
		}
		i += 2 + (int(out[i+2])<<8 | int(out[i+3]))
	}
	t.Fatal("no SOF0 segment")
	return nil
}
