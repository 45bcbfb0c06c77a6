// Package thumbnail compresses a representative photo resource into a small
// JPEG preview for the chronological feed. Decoding is delegated to the
// stock image codecs (jpeg, png, gif, webp); scaling uses Catmull-Rom
// resampling.
package thumbnail

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/filenfoto/filenfoto/internal/fferrors"
)

const (
	defaultMaxDimension = 512
	defaultQuality      = 80
)

// Compressor scales images down to a bounded long edge and re-encodes them
// as JPEG. Safe for concurrent use.
type Compressor struct {
	maxDimension int
	quality      int
}

// New creates a compressor. Non-positive arguments select the defaults
// (512px long edge, JPEG quality 80).
func New(maxDimension, quality int) *Compressor {
	if maxDimension <= 0 {
		maxDimension = defaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	return &Compressor{maxDimension: maxDimension, quality: quality}
}

// Compress decodes srcPath, scales it to fit the long-edge bound without
// upscaling, and writes a JPEG to destPath.
func (c *Compressor) Compress(ctx context.Context, srcPath, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return fferrors.NewValidationError(fferrors.CodeInvalidFile,
			fmt.Sprintf("cannot decode %s as an image: %v", srcPath, err))
	}

	scaled := c.scale(src)

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, scaled, &jpeg.Options{Quality: c.quality}); err != nil {
		out.Close()
		os.Remove(destPath)
		return err
	}
	return out.Close()
}

// scale fits the image inside a maxDimension square, preserving aspect
// ratio. Images already inside the bound pass through untouched.
func (c *Compressor) scale(src image.Image) image.Image {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= c.maxDimension && h <= c.maxDimension {
		return src
	}

	outW, outH := c.maxDimension, c.maxDimension
	if w > h {
		outH = h * c.maxDimension / w
	} else {
		outW = w * c.maxDimension / h
	}
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
