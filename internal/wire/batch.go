package wire

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sort"

	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/image/draw"

	"github.com/zsiec/multiview/media"
)

// KindFrameBatch is the leading byte of a binary frame batch.
const KindFrameBatch byte = 0x01

// MaxDimension bounds frame width and height so a corrupt header cannot
// request an enormous allocation.
const MaxDimension = 8192

// PixelFormat identifies how a frame's payload is encoded.
type PixelFormat byte

const (
	FormatRGBA PixelFormat = 0
	FormatJPEG PixelFormat = 1
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatJPEG:
		return "jpeg"
	default:
		return fmt.Sprintf("format(%d)", byte(f))
	}
}

// Batch is one decoded binary message. It owns the bitmaps in Frames
// until they are handed off or released.
type Batch struct {
	Frames         []media.Frame
	CameraIDs      map[string]struct{}
	FrameNumbers   map[uint64]struct{}
	MaxFrameNumber uint64
}

// SortedCameraIDs returns the batch's camera ids in lexical order.
func (b *Batch) SortedCameraIDs() []string {
	ids := make([]string, 0, len(b.CameraIDs))
	for id := range b.CameraIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Release closes every bitmap still owned by the batch. It is used when
// a batch is abandoned before dispatch.
func (b *Batch) Release() {
	for i := range b.Frames {
		if bm := b.Frames[i].Bitmap; bm != nil {
			bm.Close()
			b.Frames[i].Bitmap = nil
		}
	}
}

// DecodeBatch parses a binary frame batch. Pixel data is copied into
// bitmaps drawn from pool, so data may be reused as soon as DecodeBatch
// returns. A batch with zero frames returns ErrEmptyBatch. On any other
// error no bitmaps remain outstanding.
func DecodeBatch(data []byte, pool *media.Pool) (*Batch, error) {
	r := newBufReader(data)

	kind, err := r.readByte()
	if err != nil {
		return nil, &ParseError{Field: "kind", Err: err}
	}
	if kind != KindFrameBatch {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, kind)
	}

	count, err := r.readVarint()
	if err != nil {
		return nil, &ParseError{Field: "frame count", Err: err}
	}
	if count == 0 {
		if r.remaining() != 0 {
			return nil, ErrTrailingData
		}
		return nil, ErrEmptyBatch
	}
	// every frame needs at least six header bytes
	if count > uint64(r.remaining()/6+1) {
		return nil, &ParseError{Field: "frame count", Err: fmt.Errorf("%d frames in %d bytes", count, r.remaining())}
	}

	b := &Batch{
		Frames:       make([]media.Frame, 0, count),
		CameraIDs:    make(map[string]struct{}),
		FrameNumbers: make(map[uint64]struct{}),
	}
	for i := uint64(0); i < count; i++ {
		f, err := decodeFrame(r, pool)
		if err != nil {
			b.Release()
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		b.Frames = append(b.Frames, f)
		b.CameraIDs[f.CameraID] = struct{}{}
		b.FrameNumbers[f.FrameNumber] = struct{}{}
		if f.FrameNumber > b.MaxFrameNumber {
			b.MaxFrameNumber = f.FrameNumber
		}
	}
	if r.remaining() != 0 {
		b.Release()
		return nil, ErrTrailingData
	}
	return b, nil
}

func decodeFrame(r *bufReader, pool *media.Pool) (media.Frame, error) {
	id, err := r.readVarIntBytes()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "camera id", Err: err}
	}
	num, err := r.readVarint()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "frame number", Err: err}
	}
	w, err := r.readVarint()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "width", Err: err}
	}
	h, err := r.readVarint()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "height", Err: err}
	}
	if w > MaxDimension || h > MaxDimension {
		return media.Frame{}, fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, w, h)
	}
	format, err := r.readByte()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "pixel format", Err: err}
	}
	payload, err := r.readVarIntBytes()
	if err != nil {
		return media.Frame{}, &ParseError{Field: "payload", Err: err}
	}

	bm, err := decodePixels(PixelFormat(format), int(w), int(h), payload, pool)
	if err != nil {
		return media.Frame{}, err
	}
	return media.Frame{
		CameraID:    string(id),
		FrameNumber: num,
		Bitmap:      bm,
	}, nil
}

func decodePixels(format PixelFormat, w, h int, payload []byte, pool *media.Pool) (*media.Bitmap, error) {
	switch format {
	case FormatRGBA:
		if len(payload) != w*h*4 {
			return nil, fmt.Errorf("%w: got %d bytes for %dx%d", ErrPixelSize, len(payload), w, h)
		}
		bm := pool.Get(w, h)
		copy(bm.Image().Pix, payload)
		return bm, nil
	case FormatJPEG:
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(payload))
		if err != nil {
			return nil, &ParseError{Field: "jpeg header", Err: err}
		}
		if cfg.Width > MaxDimension || cfg.Height > MaxDimension {
			return nil, fmt.Errorf("%w: jpeg %dx%d", ErrFrameTooLarge, cfg.Width, cfg.Height)
		}
		if cfg.Width != w || cfg.Height != h {
			return nil, fmt.Errorf("%w: jpeg is %dx%d, frame declares %dx%d", ErrPixelSize, cfg.Width, cfg.Height, w, h)
		}
		img, err := jpeg.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, &ParseError{Field: "jpeg payload", Err: err}
		}
		r := img.Bounds()
		bm := pool.Get(r.Dx(), r.Dy())
		draw.Draw(bm.Image(), bm.Bounds(), img, r.Min, draw.Src)
		return bm, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFormat, byte(format))
	}
}

// EncodedFrame is one frame as it appears on the wire.
type EncodedFrame struct {
	CameraID    string
	FrameNumber uint64
	Width       int
	Height      int
	Format      PixelFormat
	Payload     []byte
}

// RGBAFrame builds an EncodedFrame carrying raw pixels from img.
func RGBAFrame(cameraID string, frameNumber uint64, img *image.RGBA) EncodedFrame {
	r := img.Bounds()
	pix := make([]byte, 0, r.Dx()*r.Dy()*4)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		o := img.PixOffset(r.Min.X, y)
		pix = append(pix, img.Pix[o:o+r.Dx()*4]...)
	}
	return EncodedFrame{
		CameraID:    cameraID,
		FrameNumber: frameNumber,
		Width:       r.Dx(),
		Height:      r.Dy(),
		Format:      FormatRGBA,
		Payload:     pix,
	}
}

// AppendBatch serializes frames as a binary batch appended to buf.
func AppendBatch(buf []byte, frames []EncodedFrame) []byte {
	buf = append(buf, KindFrameBatch)
	buf = quicvarint.Append(buf, uint64(len(frames)))
	for _, f := range frames {
		buf = appendVarIntBytes(buf, []byte(f.CameraID))
		buf = quicvarint.Append(buf, f.FrameNumber)
		buf = quicvarint.Append(buf, uint64(f.Width))
		buf = quicvarint.Append(buf, uint64(f.Height))
		buf = append(buf, byte(f.Format))
		buf = appendVarIntBytes(buf, f.Payload)
	}
	return buf
}

// EncodeBatch serializes frames as a binary batch.
func EncodeBatch(frames []EncodedFrame) []byte {
	return AppendBatch(nil, frames)
}
