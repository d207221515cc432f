// Copyright 2019 Lanikai Labs. All rights reserved.

// Package color converts between raw YUV frame layouts.
package color

import (
	"image"
)

// YUYV is a packed 4:2:2 image: Y0 U Y1 V for every pair of pixels.
type YUYV struct {
	Packed []uint8
	Rect   image.Rectangle
	Stride int
}

// NewYUYV allocates and returns a YUYV image
func NewYUYV(r image.Rectangle) *YUYV {
	return &YUYV{
		Packed: make([]byte, 2*r.Dx()*r.Dy()),
		Rect:   r,
		Stride: 2 * r.Dx(),
	}
}

// WrapYUYV returns a YUYV image over an existing frame, or nil if the frame
// is too short.
func WrapYUYV(buf []byte, r image.Rectangle, stride int) *YUYV {
	if stride < 2*r.Dx() || len(buf) < stride*(r.Dy()-1)+2*r.Dx() {
		return nil
	}
	return &YUYV{Packed: buf, Rect: r, Stride: stride}
}

// YUYVToYUV420P converts YUYV (i.e. YUY2) packed to YUV420 planar format.
// Chroma is taken from the even rows. dst must cover src.Rect.
func YUYVToYUV420P(dst *image.YCbCr, src *YUYV) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		row := src.Packed[y*src.Stride:]
		luma := dst.Y[y*dst.YStride:]
		for x := 0; x+1 < w; x += 2 {
			luma[x] = row[2*x]
			luma[x+1] = row[2*x+2]
		}
		if w%2 == 1 {
			luma[w-1] = row[2*(w-1)]
		}
		if y%2 != 0 {
			continue
		}
		cb := dst.Cb[(y/2)*dst.CStride:]
		cr := dst.Cr[(y/2)*dst.CStride:]
		for cx := 0; cx < (w+1)/2; cx++ {
			cb[cx] = row[4*cx+1]
			cr[cx] = row[4*cx+3]
		}
	}
}
