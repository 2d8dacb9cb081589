package service

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
)

type fakeModel struct {
	width, height int
	scores        []float32
	err           error

	calls  atomic.Int32
	closed atomic.Bool
	last   atomic.Pointer[Tensor]
}

func newFakeModel(scores ...float32) *fakeModel {
	return &fakeModel{width: 8, height: 8, scores: scores}
}

func (m *fakeModel) InputSize() (int, int) { return m.width, m.height }
func (m *fakeModel) OutputSize() int       { return len(m.scores) }

func (m *fakeModel) Infer(input Tensor) ([]float32, error) {
	m.calls.Add(1)
	m.last.Store(&input)
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float32, len(m.scores))
	copy(out, m.scores)
	return out, nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func solidImage(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func pngBase64(t *testing.T, img image.Image) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString(encodePNG(t, img))
}

// pngHeader returns a grayscale PNG signature and IHDR chunk declaring
// width x height, with no image data.
func pngHeader(width, height uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, width)
	chunk = binary.BigEndian.AppendUint32(chunk, height)
	chunk = append(chunk, 8, 0, 0, 0, 0)

	binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}
