package stream

import (
	"fmt"
	"image"
	"time"
)

// PixelFormat is the byte layout of a decoded frame
type PixelFormat int

const (
	FormatRGBA PixelFormat = iota
	FormatBGRA
	FormatRGB
	FormatBGR
)

// BytesPerPixel returns the pixel size for the format
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGB, FormatBGR:
		return 3
	default:
		return 4
	}
}

func (f PixelFormat) String() string {
	switch f {
	case FormatRGBA:
		return "rgba"
	case FormatBGRA:
		return "bgra"
	case FormatRGB:
		return "rgb"
	case FormatBGR:
		return "bgr"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// RawFrame is a decoded frame held in memory owned by the consumer.
// Decoders reuse their buffers, so a RawFrame is always built by copying.
type RawFrame struct {
	Pix      []byte
	Width    int
	Height   int
	Stride   int
	Format   PixelFormat
	Captured time.Time
}

// NewRawFrame copies pix into a new frame. pix may be a decoder-owned buffer;
// it is not retained.
func NewRawFrame(pix []byte, width, height, stride int, format PixelFormat) (*RawFrame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	rowBytes := width * format.BytesPerPixel()
	if stride < rowBytes {
		return nil, fmt.Errorf("stride %d shorter than row %d", stride, rowBytes)
	}
	if need := stride*(height-1) + rowBytes; len(pix) < need {
		return nil, fmt.Errorf("buffer too small: have %d bytes, need %d", len(pix), need)
	}

	owned := make([]byte, stride*(height-1)+rowBytes)
	copy(owned, pix)

	return &RawFrame{
		Pix:      owned,
		Width:    width,
		Height:   height,
		Stride:   stride,
		Format:   format,
		Captured: time.Now(),
	}, nil
}

// Clone returns a deep copy
func (f *RawFrame) Clone() *RawFrame {
	c := *f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// RGBA converts the frame into a newly allocated RGBA image
func (f *RawFrame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	bpp := f.Format.BytesPerPixel()

	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Stride : y*f.Stride+f.Width*bpp]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]

		if f.Format == FormatRGBA {
			copy(dst, src)
			continue
		}
		for x := 0; x < f.Width; x++ {
			s := src[x*bpp : x*bpp+bpp]
			d := dst[x*4 : x*4+4]
			switch f.Format {
			case FormatBGRA:
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
			case FormatRGB:
				d[0], d[1], d[2], d[3] = s[0], s[1], s[2], 0xff
			case FormatBGR:
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], 0xff
			}
		}
	}
	return img
}
