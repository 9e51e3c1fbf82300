package model

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// DefaultMaxPixels bounds the decoded image area when no limit is configured.
// It keeps the float32 tensor of one image under 300 MiB.
const DefaultMaxPixels int64 = 25_000_000

// Decode converts a JPEG request body into a model input tensor. The image is
// forced to RGB and kept at its native resolution. contentType must be
// exactly ContentTypeJPEG.
func Decode(body []byte, contentType string) (*Input, error) {
	return DecodeWithLimit(body, contentType, DefaultMaxPixels)
}

// DecodeWithLimit is Decode with a caller-chosen pixel budget. The JPEG
// header is checked against maxPixels before any pixel data is decoded.
func DecodeWithLimit(body []byte, contentType string, maxPixels int64) (*Input, error) {
	if contentType != ContentTypeJPEG {
		return nil, &UnsupportedMediaError{MediaType: contentType}
	}
	if len(body) == 0 {
		return nil, &DecodeError{Err: errors.New("empty request body")}
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, maxPixels)}
	}

	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	return toTensor(img), nil
}

// toTensor lays the pixels out as three planes R, G, B.
func toTensor(img image.Image) *Input {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			pixelIndex := y*width + x
			data[pixelIndex] = float32(c.R) / 255.0
			data[plane+pixelIndex] = float32(c.G) / 255.0
			data[2*plane+pixelIndex] = float32(c.B) / 255.0
		}
	}

	return &Input{
		Data:     data,
		Channels: 3,
		Height:   height,
		Width:    width,
	}
}
