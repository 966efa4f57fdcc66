package modality

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
)

// Previews renders presentation-only PNG previews, base64 encoded.
// Image arrays give one RGB preview; flux cutouts give one grayscale
// preview per band. Other modalities have no preview.
func Previews(m Modality, a Array) ([]string, error) {
	switch m {
	case Image:
		img, err := rgbImage(a)
		if err != nil {
			return nil, err
		}
		s, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case FluxCutout:
		if len(a.Shape) != 3 {
			return nil, fmt.Errorf("flux cutout preview needs rank 3, got %v", a.Shape)
		}
		out := make([]string, 0, a.Shape[2])
		for band := 0; band < a.Shape[2]; band++ {
			s, err := encodePNG(bandImage(a, band))
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, nil
	}
}

func rgbImage(a Array) (image.Image, error) {
	if len(a.Shape) != 3 || a.Shape[2] != 3 {
		return nil, fmt.Errorf("rgb preview needs HxWx3, got %v", a.Shape)
	}
	h, w := a.Shape[0], a.Shape[1]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(a.Data[i]),
				G: toByte(a.Data[i+1]),
				B: toByte(a.Data[i+2]),
				A: 255,
			})
		}
	}
	return img, nil
}

// bandImage min-max normalises one channel of an HxWxC array.
func bandImage(a Array, band int) image.Image {
	h, w, c := a.Shape[0], a.Shape[1], a.Shape[2]
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for i := band; i < len(a.Data); i += c {
		v := a.Data[i]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := a.Data[(y*w+x)*c+band]
			var g float32
			if span > 0 {
				g = (v - lo) / span
			}
			img.SetGray(x, y, color.Gray{Y: toByte(g)})
		}
	}
	return img
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0 || math.IsNaN(float64(v)):
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode preview: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
