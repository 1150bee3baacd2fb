// Package convert implements the pixel converter: a pure,
// allocation-free function that copies a device-native buffer into a
// dense row-major destination array, handling the encoding pairs the
// device and the requested output format may disagree on.
//
// The stride-aware row-copy shape is grounded on the pooled,
// stride-accounted buffer copies in vladimirvivien/go4vl's frame
// capture loop (copy(poolBuf, d.buffers[idx][:bytesUsed])) and on
// cloudwego-gopkg/gridbuf's strided read/write buffers over a flat
// byte slice — this package borrows that shape without importing
// gridbuf, since gridbuf is a single fixed-element-size buffer and the
// converter must stay polymorphic over the encoding pair.
package convert

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/xerror"
)

// Convert copies width x height pixels from src (laid out with
// srcStride bytes per row, which may exceed width*bytes-per-pixel due
// to padding) into dst (dense row-major, no padding), converting from
// srcEnc to dstEnc. dst must already be sized for
// width*height*dstEnc.BytesPerPixel().
//
// Convert performs no allocation and touches no global state. It
// returns a *xerror.Error with KindEncodingMismatch if the (srcEnc,
// dstEnc) pair is not one of the supported conversions.
func Convert(dst []byte, dstEnc device.Encoding, src []byte, srcEnc device.Encoding, width, height, srcStride int) error {
	if width <= 0 || height <= 0 {
		return xerror.New("Convert", xerror.KindBadValue, fmt.Errorf("non-positive dimensions %dx%d", width, height))
	}

	srcBpp := srcEnc.BytesPerPixel()
	dstBpp := dstEnc.BytesPerPixel()
	if srcBpp == 0 || dstBpp == 0 {
		// Bayer variants carry no intrinsic element width distinct from
		// their storage depth; same-encoding passthrough is still valid.
		if srcEnc == dstEnc {
			srcBpp, dstBpp = 1, 1
		}
	}

	if srcStride < width*srcBpp {
		return xerror.New("Convert", xerror.KindBadValue, fmt.Errorf("stride %d shorter than row width %d*%d", srcStride, width, srcBpp))
	}
	if len(src) < srcStride*height {
		return xerror.New("Convert", xerror.KindBadValue, fmt.Errorf("source buffer too short for %d rows of stride %d", height, srcStride))
	}
	if len(dst) < width*height*dstBpp {
		return xerror.New("Convert", xerror.KindBadValue, fmt.Errorf("destination buffer too short for %dx%d at %d bytes/px", width, height, dstBpp))
	}

	switch {
	case srcEnc == dstEnc:
		copyRows(dst, src, width, height, srcStride, srcBpp)
		return nil
	case srcEnc == device.EncodingMono8 && dstEnc == device.EncodingMono16:
		widen8to16(dst, src, width, height, srcStride)
		return nil
	case srcEnc == device.EncodingMono16 && dstEnc == device.EncodingMono8:
		narrow16to8(dst, src, width, height, srcStride)
		return nil
	case srcEnc == device.EncodingMono8 && dstEnc == device.EncodingFloat32:
		normalize8toFloat32(dst, src, width, height, srcStride)
		return nil
	case srcEnc == device.EncodingMono16 && dstEnc == device.EncodingFloat32:
		normalize16toFloat32(dst, src, width, height, srcStride)
		return nil
	default:
		return xerror.New("Convert", xerror.KindEncodingMismatch,
			fmt.Errorf("unsupported conversion %s -> %s", srcEnc, dstEnc))
	}
}

// copyRows handles the same-encoding case: strip source padding row by
// row into a dense destination.
func copyRows(dst, src []byte, width, height, srcStride, bpp int) {
	rowBytes := width * bpp
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride : y*srcStride+rowBytes]
		dstRow := dst[y*rowBytes : (y+1)*rowBytes]
		copy(dstRow, srcRow)
	}
}

func widen8to16(dst, src []byte, width, height, srcStride int) {
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride : y*srcStride+width]
		dstRow := dst[y*width*2 : (y+1)*width*2]
		for x := 0; x < width; x++ {
			v := uint16(srcRow[x])
			binary.LittleEndian.PutUint16(dstRow[x*2:], v<<8|v)
		}
	}
}

func narrow16to8(dst, src []byte, width, height, srcStride int) {
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride : y*srcStride+width*2]
		dstRow := dst[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			v := binary.LittleEndian.Uint16(srcRow[x*2:])
			dstRow[x] = byte(v >> 8)
		}
	}
}

func normalize8toFloat32(dst, src []byte, width, height, srcStride int) {
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride : y*srcStride+width]
		dstRow := dst[y*width*4 : (y+1)*width*4]
		for x := 0; x < width; x++ {
			f := float32(srcRow[x]) / 255.0
			binary.LittleEndian.PutUint32(dstRow[x*4:], math.Float32bits(f))
		}
	}
}

func normalize16toFloat32(dst, src []byte, width, height, srcStride int) {
	for y := 0; y < height; y++ {
		srcRow := src[y*srcStride : y*srcStride+width*2]
		dstRow := dst[y*width*4 : (y+1)*width*4]
		for x := 0; x < width; x++ {
			v := binary.LittleEndian.Uint16(srcRow[x*2:])
			f := float32(v) / 65535.0
			binary.LittleEndian.PutUint32(dstRow[x*4:], math.Float32bits(f))
		}
	}
}
