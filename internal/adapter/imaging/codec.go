// Package imaging implements the image codec and metadata-extraction
// ports. Decoding and scaling run in-process; EXIF extraction shells out
// to exiftool so a crash on hostile input cannot take the worker down.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"time"

	"github.com/gabriel-vasile/mimetype"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/iconicxs/relicxs-workers/internal/config"
	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// Codec implements domain.ImageCodec. A fixed-size semaphore bounds
// concurrent decodes; every operation runs under the configured budget.
type Codec struct {
	sem          chan struct{}
	timeout      time.Duration
	maxPixels    int64
	maxDimension int
}

// NewCodec builds a Codec from the pipeline guard configuration.
func NewCodec(cfg config.Config) *Codec {
	n := cfg.CodecConcurrency
	if n <= 0 {
		n = 3
	}
	return &Codec{
		sem:          make(chan struct{}, n),
		timeout:      cfg.SharpTimeout(),
		maxPixels:    cfg.SharpMaxPixels,
		maxDimension: cfg.SharpMaxDimension,
	}
}

// run executes fn on a worker slot under the codec budget. CPU-bound
// image work cannot be interrupted mid-encode, so on timeout the result
// is discarded and the slot released when fn eventually returns.
func (c *Codec) run(ctx domain.Context, op string, fn func() error) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("op=codec.%s: %w", op, ctx.Err())
	}
	done := make(chan error, 1)
	go func() {
		defer func() { <-c.sem }()
		done <- fn()
	}()
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("op=codec.%s: %w", op, domain.NewTimeoutError("CODEC_TIMEOUT", fmt.Sprintf("%s exceeded %s", op, c.timeout)))
	case <-ctx.Done():
		return fmt.Errorf("op=codec.%s: %w", op, ctx.Err())
	}
}

func (c *Codec) decode(data []byte) (image.Image, string, error) {
	cfgImg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", domain.NewUnsupportedMediaError("UNDECODABLE_IMAGE", "image header not decodable: "+err.Error())
	}
	if c.maxDimension > 0 && (cfgImg.Width > c.maxDimension || cfgImg.Height > c.maxDimension) {
		return nil, "", domain.NewResourceError("DIMENSION_LIMIT", fmt.Sprintf("%dx%d exceeds codec dimension limit %d", cfgImg.Width, cfgImg.Height, c.maxDimension))
	}
	if c.maxPixels > 0 && int64(cfgImg.Width)*int64(cfgImg.Height) > c.maxPixels {
		return nil, "", domain.NewResourceError("PIXEL_LIMIT", fmt.Sprintf("%dx%d exceeds codec pixel limit %d", cfgImg.Width, cfgImg.Height, c.maxPixels))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", domain.NewUnsupportedMediaError("UNDECODABLE_IMAGE", "image not decodable: "+err.Error())
	}
	if format == "jpeg" {
		img = applyOrientation(img, jpegOrientation(data))
	}
	return img, format, nil
}

func colorSpaceOf(img image.Image) string {
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		return "gray"
	case color.CMYKModel:
		return "cmyk"
	default:
		return "srgb"
	}
}

func bitDepthOf(img image.Image) int {
	switch img.ColorModel() {
	case color.Gray16Model, color.RGBA64Model, color.NRGBA64Model:
		return 16
	default:
		return 8
	}
}

// Probe decodes the header and reports dimensions, depth and MIME type.
func (c *Codec) Probe(ctx domain.Context, data []byte) (domain.ImageInfo, error) {
	var info domain.ImageInfo
	err := c.run(ctx, "probe", func() error {
		img, _, err := c.decode(data)
		if err != nil {
			return err
		}
		b := img.Bounds()
		info = domain.ImageInfo{
			Width:      b.Dx(),
			Height:     b.Dy(),
			BitDepth:   bitDepthOf(img),
			ColorSpace: colorSpaceOf(img),
			MIMEType:   mimetype.Detect(data).String(),
		}
		return nil
	})
	return info, err
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	// JPEG has no alpha; composite onto white first.
	b := img.Bounds()
	rgb := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgb, rgb.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(rgb, rgb.Bounds(), img, b.Min, draw.Over)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: quality}); err != nil {
		return nil, domain.NewSerializationError("jpeg encode", err)
	}
	return buf.Bytes(), nil
}

// ResizeWidth scales to at most maxWidth wide, never upscaling, and
// encodes JPEG at the given quality.
func (c *Codec) ResizeWidth(ctx domain.Context, data []byte, maxWidth, quality int) ([]byte, domain.ImageInfo, error) {
	var out []byte
	var info domain.ImageInfo
	err := c.run(ctx, "resize", func() error {
		img, _, err := c.decode(data)
		if err != nil {
			return err
		}
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxWidth {
			h = int(float64(h) * float64(maxWidth) / float64(w))
			if h < 1 {
				h = 1
			}
			w = maxWidth
			dst := image.NewRGBA(image.Rect(0, 0, w, h))
			xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
			img = dst
		}
		out, err = encodeJPEG(img, quality)
		if err != nil {
			return err
		}
		info = domain.ImageInfo{Width: w, Height: h, BitDepth: 8, ColorSpace: "srgb", MIMEType: "image/jpeg"}
		return nil
	})
	return out, info, err
}

// Letterbox fits the image into a w×h white canvas, preserving aspect
// ratio, and encodes JPEG at the given quality.
func (c *Codec) Letterbox(ctx domain.Context, data []byte, w, h, quality int) ([]byte, domain.ImageInfo, error) {
	var out []byte
	var info domain.ImageInfo
	err := c.run(ctx, "letterbox", func() error {
		img, _, err := c.decode(data)
		if err != nil {
			return err
		}
		b := img.Bounds()
		sw, sh := float64(b.Dx()), float64(b.Dy())
		scale := float64(w) / sw
		if s := float64(h) / sh; s < scale {
			scale = s
		}
		if scale > 1 {
			scale = 1
		}
		fw, fh := int(sw*scale), int(sh*scale)
		if fw < 1 {
			fw = 1
		}
		if fh < 1 {
			fh = 1
		}
		canvas := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
		x0 := (w - fw) / 2
		y0 := (h - fh) / 2
		xdraw.CatmullRom.Scale(canvas, image.Rect(x0, y0, x0+fw, y0+fh), img, b, xdraw.Over, nil)
		out, err = encodeJPEG(canvas, quality)
		if err != nil {
			return err
		}
		info = domain.ImageInfo{Width: w, Height: h, BitDepth: 8, ColorSpace: "srgb", MIMEType: "image/jpeg"}
		return nil
	})
	return out, info, err
}

// EncodeJPEG re-encodes at the given quality without resizing.
func (c *Codec) EncodeJPEG(ctx domain.Context, data []byte, quality int) ([]byte, error) {
	var out []byte
	err := c.run(ctx, "encode", func() error {
		img, _, err := c.decode(data)
		if err != nil {
			return err
		}
		out, err = encodeJPEG(img, quality)
		return err
	})
	return out, err
}
