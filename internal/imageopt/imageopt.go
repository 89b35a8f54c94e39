// Package imageopt shrinks uploaded photos before analysis. Phone cameras
// produce multi-megabyte images; the backends only need a few hundred pixels
// per side, and smaller payloads cut upload time and cost.
package imageopt

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// Decoders for the formats users upload.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Options bounds the output image.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// Result describes an optimisation.
type Result struct {
	Data          []byte
	Width         int
	Height        int
	OriginalBytes int
}

// Optimize decodes data, scales it to fit within MaxWidth x MaxHeight while
// keeping the aspect ratio, and re-encodes it as JPEG. Images already within
// bounds are re-encoded without scaling. Transparent areas become white.
func Optimize(data []byte, opts Options) (Result, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("decoding image: %w", err)
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	sb := src.Bounds()
	w, h := fit(sb.Dx(), sb.Dy(), opts.MaxWidth, opts.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return Result{}, fmt.Errorf("encoding jpeg: %w", err)
	}
	return Result{Data: buf.Bytes(), Width: w, Height: h, OriginalBytes: len(data)}, nil
}

// fit returns the largest size within maxW x maxH with the aspect ratio of
// w x h, never upscaling. A bound <= 0 is ignored.
func fit(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	nw, nh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
