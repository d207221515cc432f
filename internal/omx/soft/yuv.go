package soft

import (
	"image"
	"image/color"

	"github.com/lanikai/ilpipe/internal/omx"
)

// planar420 returns an image view over a planar 4:2:0 frame laid out with the
// stride and slice height of f.
func planar420(buf []byte, f omx.Format) (*image.YCbCr, bool) {
	ysize := f.Stride * f.SliceHeight
	csize := (f.Stride / 2) * (f.SliceHeight / 2)
	if f.Width <= 0 || f.Height <= 0 || len(buf) < ysize+2*csize {
		return nil, false
	}
	return &image.YCbCr{
		Y:              buf[:ysize],
		Cb:             buf[ysize : ysize+csize],
		Cr:             buf[ysize+csize : ysize+2*csize],
		YStride:        f.Stride,
		CStride:        f.Stride / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}, true
}

// writePlanar420 stores img into dst, which must already be laid out for
// img's bounds. Chroma is point-sampled at even coordinates.
func writePlanar420(dst *image.YCbCr, img image.Image) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := (w+1)/2, (h+1)/2

	switch src := img.(type) {
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			off := src.YOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Y[y*dst.YStride:y*dst.YStride+w], src.Y[off:])
		}
		for cy := 0; cy < ch; cy++ {
			for cx := 0; cx < cw; cx++ {
				i := src.COffset(b.Min.X+2*cx, b.Min.Y+2*cy)
				j := cy*dst.CStride + cx
				dst.Cb[j] = src.Cb[i]
				dst.Cr[j] = src.Cr[i]
			}
		}

	case *image.Gray:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Y[y*dst.YStride:y*dst.YStride+w], src.Pix[off:])
		}
		for cy := 0; cy < ch; cy++ {
			row := cy * dst.CStride
			for cx := 0; cx < cw; cx++ {
				dst.Cb[row+cx] = 128
				dst.Cr[row+cx] = 128
			}
		}

	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.YCbCrModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.YCbCr)
				dst.Y[y*dst.YStride+x] = c.Y
				if x%2 == 0 && y%2 == 0 {
					j := (y/2)*dst.CStride + x/2
					dst.Cb[j] = c.Cb
					dst.Cr[j] = c.Cr
				}
			}
		}
	}
}

// A writer over a fixed buffer that fails instead of growing.
type fixedWriter struct {
	buf      []byte
	n        int
	overflow bool
}

func (w *fixedWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		w.overflow = true
		return 0, omx.ErrorOverflow
	}
	w.n += copy(w.buf[w.n:], p)
	return len(p), nil
}
