package service

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"
	"unicode"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

func Sigmoid(x float32) float32 {
	if x > 50 {
		x = 50
	} else if x < -50 {
		x = -50
	}
	return 1 / (1 + float32(math.Exp(float64(-x))))
}

// Softmax returns a new slice; the input is left untouched.
func Softmax(scores []float32) []float32 {
	out := make([]float32, len(scores))
	if len(scores) == 0 {
		return out
	}
	maxV := scores[0]
	for _, v := range scores[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float64
	for i, v := range scores {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// Argmax returns the index of the largest score. Ties go to the lowest
// index. It returns -1 for an empty slice.
func Argmax(scores []float32) int {
	if len(scores) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// DecodeBase64 accepts standard base64 with or without padding, an optional
// data URL prefix and embedded whitespace.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return nil, errors.New("malformed data url")
		}
		s = s[i+1:]
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
	}
	if len(b) == 0 {
		return nil, errors.New("empty image data")
	}
	return b, nil
}

// DefaultMaxPixels matches Pillow's decompression bomb limit.
const DefaultMaxPixels = 178_956_970

// DecodeImage decodes any registered format: JPEG, PNG, GIF, WebP, AVIF.
// Images declaring more than maxPixels pixels are rejected from their header
// before any pixel buffer is allocated. maxPixels <= 0 disables the check.
func DecodeImage(data []byte, maxPixels int64) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("image is %dx%d, exceeds limit of %d pixels", cfg.Width, cfg.Height, maxPixels)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

var filters = map[string]imaging.ResampleFilter{
	"nearest":    imaging.NearestNeighbor,
	"box":        imaging.Box,
	"linear":     imaging.Linear,
	"catmullrom": imaging.CatmullRom,
	"lanczos":    imaging.Lanczos,
}

func ParseFilter(name string) (imaging.ResampleFilter, error) {
	f, ok := filters[strings.ToLower(name)]
	if !ok {
		return imaging.ResampleFilter{}, fmt.Errorf("unknown resize filter %q", name)
	}
	return f, nil
}

// Preprocess converts img to RGB, resizes it to width x height ignoring the
// aspect ratio and returns the raw channel values in HWC order. Values stay
// in [0,255]; rescaling is part of the model graph.
func Preprocess(img image.Image, width, height int, filter imaging.ResampleFilter) (Tensor, error) {
	if width <= 0 || height <= 0 {
		return Tensor{}, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Tensor{}, errors.New("empty image")
	}

	// drop alpha before resampling so transparent pixels keep their colour
	rgb := imaging.Clone(img)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}
	resized := imaging.Resize(rgb, width, height, filter)

	out := make([]float32, width*height*Channels)
	j := 0
	for y := 0; y < height; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < width; x++ {
			p := row[x*4 : x*4+3]
			out[j] = float32(p[0])
			out[j+1] = float32(p[1])
			out[j+2] = float32(p[2])
			j += Channels
		}
	}
	return Tensor{Data: out, Height: height, Width: width}, nil
}
