package convert

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/xerror"
)

func TestConvertStripsPadding(t *testing.T) {
	// 2x2 image, stride 3 (one byte of row padding).
	src := []byte{1, 2, 0xff, 3, 4, 0xff}
	dst := make([]byte, 4)

	err := Convert(dst, device.EncodingMono8, src, device.EncodingMono8, 2, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, dst)
}

func TestConvertRejectsShortStride(t *testing.T) {
	src := make([]byte, 4)
	dst := make([]byte, 4)

	err := Convert(dst, device.EncodingMono8, src, device.EncodingMono8, 2, 2, 1)
	require.Error(t, err)
	require.Equal(t, xerror.KindBadValue, xerror.KindOf(err))
}

func TestConvertWidensMono8ToMono16(t *testing.T) {
	src := []byte{0x00, 0x80, 0xff}
	dst := make([]byte, 6)

	err := Convert(dst, device.EncodingMono16, src, device.EncodingMono8, 3, 1, 3)
	require.NoError(t, err)

	require.Equal(t, []byte{0x00, 0x00}, dst[0:2])
	require.Equal(t, []byte{0x80, 0x80}, dst[2:4])
	require.Equal(t, []byte{0xff, 0xff}, dst[4:6])
}

func TestConvertNarrowsMono16ToMono8(t *testing.T) {
	src := []byte{0x34, 0x12, 0xff, 0xff}
	dst := make([]byte, 2)

	err := Convert(dst, device.EncodingMono8, src, device.EncodingMono16, 2, 1, 4)
	require.NoError(t, err)
	require.Equal(t, byte(0x12), dst[0])
	require.Equal(t, byte(0xff), dst[1])
}

func TestConvertNormalizesMono8ToFloat32(t *testing.T) {
	src := []byte{0xff}
	dst := make([]byte, 4)

	err := Convert(dst, device.EncodingFloat32, src, device.EncodingMono8, 1, 1, 1)
	require.NoError(t, err)

	bits := uint32(dst[0]) | uint32(dst[1])<<8 | uint32(dst[2])<<16 | uint32(dst[3])<<24
	require.Equal(t, float32(1.0), math.Float32frombits(bits))
}

func TestConvertRejectsUnsupportedPair(t *testing.T) {
	src := make([]byte, 8)
	dst := make([]byte, 4)

	err := Convert(dst, device.EncodingRawBayerRGGB8, src, device.EncodingMono16, 2, 2, 4)
	require.Error(t, err)
	require.Equal(t, xerror.KindEncodingMismatch, xerror.KindOf(err))
}

func TestConvertSameEncodingBayerPassthrough(t *testing.T) {
	src := []byte{9, 9, 9, 9}
	dst := make([]byte, 4)

	err := Convert(dst, device.EncodingRawBayerRGGB8, src, device.EncodingRawBayerRGGB8, 2, 2, 2)
	require.NoError(t, err)
	require.Equal(t, src, dst)
}
