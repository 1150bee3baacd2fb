// Package simdevice is an in-memory stand-in for a real camera SDK
// binding. It implements device.Device by synthesizing frames on a
// ticker paced by the configured frame rate, with the same coercion and
// error-kind behavior a real vendor device is expected to exhibit. It
// exists so camerad's worker, ring, and controller can be built and
// tested without the vendor SDK that is out of scope for this
// repository (see device.Device's package doc).
package simdevice

import (
	"context"
	"sync"
	"time"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/xerror"
)

// defaultSensor is the simulated sensor extent.
const (
	defaultSensorWidth  = 2048
	defaultSensorHeight = 2048
	alignment           = 4 // ROI offsets/extents are coerced to this boundary
	minFrameInterval    = time.Microsecond
)

// Device is a synthetic device.Device. The zero value is not usable;
// construct with New.
type Device struct {
	mu sync.Mutex

	geometry device.Geometry
	cfg      device.Config

	acquiring bool
	nbufs     int
	frames    uint64 // frames synthesized so far, for deterministic fill

	nextDue time.Time
}

// New returns a closed simulated device with the default sensor extent.
func New() *Device {
	return &Device{
		geometry: device.Geometry{Width: defaultSensorWidth, Height: defaultSensorHeight},
	}
}

func (d *Device) Open(ctx context.Context, index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cfg = device.Config{
		Roi:          device.Roi{Xoff: 0, Yoff: 0, Width: d.geometry.Width, Height: d.geometry.Height},
		Binning:      device.Binning{X: 1, Y: 1},
		ExposureTime: 0.01,
		FrameRate:    30,
		BitDepth:     8,
		Encoding:     device.EncodingMono8,
	}
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return xerror.New("Close", xerror.KindInvalidState, nil)
	}
	return nil
}

func (d *Device) GetConfiguration() (device.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.cfg, nil
}

func align(v int) int {
	return v - (v % alignment)
}

func validateConfig(cfg device.Config, geom device.Geometry) error {
	switch {
	case cfg.Roi.Xoff < 0 || cfg.Roi.Yoff < 0:
		return xerror.New("SetConfiguration", xerror.KindBadRoi, nil)
	case cfg.Roi.Width < 1 || cfg.Roi.Height < 1:
		return xerror.New("SetConfiguration", xerror.KindBadRoi, nil)
	case cfg.Roi.Xoff+cfg.Roi.Width > geom.Width:
		return xerror.New("SetConfiguration", xerror.KindBadRoi, nil)
	case cfg.Roi.Yoff+cfg.Roi.Height > geom.Height:
		return xerror.New("SetConfiguration", xerror.KindBadRoi, nil)
	case cfg.Binning.X < 1 || cfg.Binning.Y < 1:
		return xerror.New("SetConfiguration", xerror.KindOutOfRange, nil)
	case cfg.ExposureTime < 0:
		return xerror.New("SetConfiguration", xerror.KindOutOfRange, nil)
	case cfg.FrameRate <= 0:
		return xerror.New("SetConfiguration", xerror.KindOutOfRange, nil)
	case cfg.BitDepth != 8 && cfg.BitDepth != 16 && cfg.BitDepth != 32 && cfg.BitDepth != 64:
		return xerror.New("SetConfiguration", xerror.KindBadDepth, nil)
	case cfg.Link.Channels < 0:
		return xerror.New("SetConfiguration", xerror.KindBadChannels, nil)
	}
	return nil
}

// SetConfiguration coerces ROI fields to the sensor's alignment boundary
// the way real hardware rounds to a DMA-friendly stride, then stores
// the coerced record as authoritative.
func (d *Device) SetConfiguration(cfg device.Config) (device.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return d.cfg, xerror.New("SetConfiguration", xerror.KindInvalidState, nil)
	}

	if err := validateConfig(cfg, d.geometry); err != nil {
		return d.cfg, err
	}

	coerced := cfg
	coerced.Roi.Xoff = align(cfg.Roi.Xoff)
	coerced.Roi.Yoff = align(cfg.Roi.Yoff)
	coerced.Roi.Width = align(cfg.Roi.Width)
	coerced.Roi.Height = align(cfg.Roi.Height)
	if coerced.Roi.Width == 0 {
		coerced.Roi.Width = alignment
	}
	if coerced.Roi.Height == 0 {
		coerced.Roi.Height = alignment
	}

	d.cfg = coerced
	return d.cfg, nil
}

func (d *Device) StartAcquisition(nbufs int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.acquiring {
		return xerror.New("StartAcquisition", xerror.KindInvalidState, nil)
	}
	if nbufs < 1 {
		return xerror.New("StartAcquisition", xerror.KindBadValue, nil)
	}

	interval := minFrameInterval
	if d.cfg.FrameRate > 0 {
		if iv := time.Duration(float64(time.Second) / d.cfg.FrameRate); iv > interval {
			interval = iv
		}
	}

	d.acquiring = true
	d.nbufs = nbufs
	d.nextDue = time.Now().Add(interval)
	return nil
}

func (d *Device) StopAcquisition() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.acquiring = false
	return nil
}

// WaitBuffer blocks until the next synthetic frame is due or timeout
// elapses, whichever comes first.
func (d *Device) WaitBuffer(timeout time.Duration) (device.Buffer, error) {
	d.mu.Lock()
	if !d.acquiring {
		d.mu.Unlock()
		return device.Buffer{}, xerror.New("WaitBuffer", xerror.KindInvalidState, nil)
	}
	cfg := d.cfg
	interval := time.Duration(0)
	if cfg.FrameRate > 0 {
		interval = time.Duration(float64(time.Second) / cfg.FrameRate)
	}
	if interval < minFrameInterval {
		interval = minFrameInterval
	}
	wait := time.Until(d.nextDue)
	d.mu.Unlock()

	if wait > timeout {
		time.Sleep(timeout)
		return device.Buffer{}, xerror.Wrap("WaitBuffer", xerror.KindTimeout, device.ErrTimeout)
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.acquiring {
		return device.Buffer{}, xerror.New("WaitBuffer", xerror.KindInvalidState, nil)
	}

	d.nextDue = d.nextDue.Add(interval)
	if d.nextDue.Before(time.Now()) {
		d.nextDue = time.Now().Add(interval)
	}

	bpp := cfg.Encoding.BytesPerPixel()
	if bpp == 0 {
		bpp = cfg.BitDepth / 8
	}
	stride := cfg.Roi.Width * bpp
	buf := make([]byte, stride*cfg.Roi.Height)
	fillSynthetic(buf, d.frames)
	d.frames++

	return device.Buffer{Data: buf, Stride: stride}, nil
}

// fillSynthetic writes a deterministic, frame-dependent pattern so
// tests can assert on frame identity without floating randomness.
func fillSynthetic(buf []byte, frame uint64) {
	seed := byte(frame)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}

func (d *Device) QueueBuffer(buf device.Buffer) error {
	// Synthetic buffers are heap-allocated per WaitBuffer call; nothing
	// to return to the device.
	return nil
}

func (d *Device) SensorGeometry() device.Geometry {
	return d.geometry
}

func (d *Device) UpdateTemperature() (float64, error) {
	return -20.0, nil
}

var _ device.Device = (*Device)(nil)
