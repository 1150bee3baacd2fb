// Package device defines the vendor-agnostic camera capability the rest
// of camerad is built against. It is the Go analogue of the abstract
// "Device" capability from the design: a concrete implementation (a
// vendor SDK binding) is deliberately out of scope for this repository —
// see simdevice for the in-memory stand-in used by tests and by camerad
// when its configuration sets "simulate: true".
//
// The interface shape is grounded on the capability sets exposed by
// yerden-go-snf's Handle/Ring (OpenHandle/Start/Stop, Recv with a
// distinguished timeout) and controlplane/internal/ffi's Agent
// (attach/detach plus a push-then-readback configuration handle).
package device

import (
	"context"
	"errors"
	"time"

	"github.com/camerad/camerad/internal/xerror"
)

// ErrTimeout is returned by WaitBuffer when no frame arrived within the
// requested timeout. It is distinct from any other error value so
// callers can use errors.Is(err, device.ErrTimeout) instead of parsing
// messages, mirroring yerden-go-snf's EAGAIN-vs-error distinction.
var ErrTimeout = errors.New("device: wait_buffer timeout")

// Encoding is the pixel encoding of a buffer, either as produced by the
// device or as requested in a Config.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingMono8
	EncodingMono16
	EncodingMono32
	EncodingFloat32
	EncodingFloat64
	EncodingRawBayerRGGB8
	EncodingRawBayerBGGR8
	EncodingRawBayerGRBG8
	EncodingRawBayerGBRG8
)

func (e Encoding) String() string {
	switch e {
	case EncodingMono8:
		return "MONO8"
	case EncodingMono16:
		return "MONO16"
	case EncodingMono32:
		return "MONO32"
	case EncodingFloat32:
		return "FLOAT32"
	case EncodingFloat64:
		return "FLOAT64"
	case EncodingRawBayerRGGB8:
		return "RAW-BAYER-RGGB8"
	case EncodingRawBayerBGGR8:
		return "RAW-BAYER-BGGR8"
	case EncodingRawBayerGRBG8:
		return "RAW-BAYER-GRBG8"
	case EncodingRawBayerGBRG8:
		return "RAW-BAYER-GBRG8"
	default:
		return "UNKNOWN"
	}
}

// BytesPerPixel returns the element size of the encoding, or 0 for
// encodings (Bayer variants) whose element size depends on bit depth
// and must be read from BitDepth instead.
func (e Encoding) BytesPerPixel() int {
	switch e {
	case EncodingMono8:
		return 1
	case EncodingMono16:
		return 2
	case EncodingMono32, EncodingFloat32:
		return 4
	case EncodingFloat64:
		return 8
	default:
		return 0
	}
}

// Roi is a region of interest in sensor pixel coordinates.
type Roi struct {
	Xoff   int
	Yoff   int
	Width  int
	Height int
}

// Binning is the horizontal/vertical pixel-binning factor.
type Binning struct {
	X int
	Y int
}

// LinkParams are optional per-link transfer parameters. A zero value in
// either field means "auto", letting the device pick its own default.
type LinkParams struct {
	Channels int
	Bitrate  uint64
}

// Config is the requested (or, once read back, authoritative) operating
// point of the device. SetConfiguration returns the record the hardware
// actually applied, and the reconciler carries that returned record
// forward after every write instead of the requested one.
type Config struct {
	Roi          Roi
	Binning      Binning
	ExposureTime float64 // seconds
	FrameRate    float64 // Hz
	BitDepth     int
	Encoding     Encoding
	Link         LinkParams
}

// Geometry is the immutable sensor extent, read once at Open.
type Geometry struct {
	Width  int
	Height int
}

// Buffer is one device-native frame as handed back from WaitBuffer. Data
// is a view over device-owned (or device-pooled) memory: it is only
// valid until the matching QueueBuffer call, exactly as with SNF's
// zero-copy Recv.
type Buffer struct {
	Data   []byte
	Stride int // bytes per row; may exceed Width*BytesPerPixel due to padding
}

// Device is the capability camerad's Worker drives. All methods may
// block briefly except WaitBuffer, which blocks up to the supplied
// timeout and is the Worker's primary suspension point while acquiring.
//
// Implementations must return *xerror.Error values so callers can branch
// on xerror.KindOf(err) without inspecting message text.
type Device interface {
	// Open opens the device at the given index and reads its sensor
	// geometry and initial configuration.
	Open(ctx context.Context, index int) error
	// Close releases the device. Acquisition must already be stopped.
	Close() error

	// GetConfiguration reads the device's current, authoritative
	// configuration.
	GetConfiguration() (Config, error)
	// SetConfiguration applies cfg and returns what was actually
	// applied (which may differ due to hardware coercion, e.g.
	// ROI alignment rounding). Fails with KindBadValue/KindOutOfRange
	// if a field is rejected outright; partial application is allowed.
	SetConfiguration(cfg Config) (Config, error)

	// StartAcquisition begins streaming with nbufs device-owned
	// buffers in flight. Fails with KindInvalidState if the device is
	// not quiescent.
	StartAcquisition(nbufs int) error
	// StopAcquisition halts streaming. Idempotent from a quiescent
	// device.
	StopAcquisition() error

	// WaitBuffer blocks for at most timeout for the next frame. It
	// returns ErrTimeout (wrapped in *xerror.Error with KindTimeout)
	// distinctly from any other failure.
	WaitBuffer(timeout time.Duration) (Buffer, error)
	// QueueBuffer returns a previously dequeued buffer to the device
	// for reuse. Must be called exactly once per successful
	// WaitBuffer, regardless of whether the frame was published.
	QueueBuffer(buf Buffer) error

	// SensorGeometry returns the immutable sensor extent.
	SensorGeometry() Geometry
	// UpdateTemperature polls and returns the current sensor
	// temperature in degrees Celsius.
	UpdateTemperature() (float64, error)
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || xerror.KindOf(err) == xerror.KindTimeout
}
