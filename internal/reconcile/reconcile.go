// Package reconcile implements the configuration reconciler (C6): it
// applies a user-supplied device.Config to a device.Device while the
// Worker mutex is held and the device is quiescent, one field group at
// a time, refreshing the authoritative mirror after each write so a
// failure partway through leaves the mirror consistent with whatever
// was actually applied.
//
// The validate-then-apply-in-dependency-order shape, and "stop and
// return the partially applied mirror on failure," are grounded on
// modules/pdump/controlplane/service.go's updateModuleConfig: validate
// the target, lock, mutate one field of the stored config, push to the
// agent, then read the config back — generalized here from a
// single-field push to the decrease/ROI/increase ordering C6 requires
// because camerad's fields are mutually constraining (exposure vs.
// frame rate, ROI vs. frame rate, link bitrate vs. frame rate) in a way
// pdump's independent per-field knobs are not.
package reconcile

import (
	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/xerror"
)

// Apply validates want against dev's sensor geometry, then applies it
// field-group by field-group in an
// order that never asks the device to pass through a combination it
// would reject transiently: reductions first (bit depth, exposure,
// frame rate, link bitrate, each only if decreasing), then the ROI
// change, then increases of the same fields.
//
// Apply must be called with the device already quiescent and with
// whatever external mutex serializes configuration changes already
// held (the Worker mutex, in camerad's case).
//
// On success it returns the device's final authoritative
// configuration. On failure it returns the error from the first
// rejected write together with the mirror as it stood after the last
// successful write.
func Apply(dev device.Device, want device.Config) (device.Config, error) {
	current, err := dev.GetConfiguration()
	if err != nil {
		return current, xerror.Wrap("Apply", xerror.KindDeviceError, err)
	}

	geom := dev.SensorGeometry()
	if err := validate(want, geom); err != nil {
		return current, err
	}

	steps := buildSteps(current, want)
	for _, step := range steps {
		candidate := current
		step.mutate(&candidate)

		applied, err := dev.SetConfiguration(candidate)
		if err != nil {
			return current, err
		}
		current = applied
	}

	return current, nil
}

// validate fails fast on any field that is malformed independent of
// the device's current state, mirroring the device's own validation so
// Apply can reject bad requests without ever touching the hardware.
func validate(cfg device.Config, geom device.Geometry) error {
	switch {
	case cfg.Roi.Width < 1 || cfg.Roi.Height < 1:
		return xerror.New("Apply", xerror.KindBadRoi, nil)
	case cfg.Roi.Xoff < 0 || cfg.Roi.Yoff < 0:
		return xerror.New("Apply", xerror.KindBadRoi, nil)
	case cfg.Roi.Xoff+cfg.Roi.Width > geom.Width || cfg.Roi.Yoff+cfg.Roi.Height > geom.Height:
		return xerror.New("Apply", xerror.KindBadRoi, nil)
	case cfg.Binning.X < 1 || cfg.Binning.Y < 1:
		return xerror.New("Apply", xerror.KindOutOfRange, nil)
	case cfg.ExposureTime < 0:
		return xerror.New("Apply", xerror.KindOutOfRange, nil)
	case cfg.FrameRate <= 0:
		return xerror.New("Apply", xerror.KindOutOfRange, nil)
	case cfg.BitDepth != 8 && cfg.BitDepth != 16 && cfg.BitDepth != 32 && cfg.BitDepth != 64:
		return xerror.New("Apply", xerror.KindBadDepth, nil)
	case cfg.Link.Channels < 0:
		return xerror.New("Apply", xerror.KindBadChannels, nil)
	}
	return nil
}

// step is one incremental mutation applied on top of the
// previously-applied configuration.
type step struct {
	name   string
	mutate func(cfg *device.Config)
}

// buildSteps lays out the reduce-then-increase plan: bit depth,
// exposure, frame rate, and link bitrate are each applied in a
// reducing step before the ROI change and in an increasing step after
// it, so the device is never asked to run a wider ROI at a frame rate
// or exposure it cannot yet sustain, nor a higher bitrate before the
// link parameters that bound it are in place.
func buildSteps(current, want device.Config) []step {
	var reduce, increase []step

	addNumeric := func(name string, from, to float64, set func(cfg *device.Config, v float64)) {
		if to == from {
			return
		}
		s := step{name: name, mutate: func(cfg *device.Config) { set(cfg, to) }}
		if to < from {
			reduce = append(reduce, s)
		} else {
			increase = append(increase, s)
		}
	}

	addNumeric("bit_depth", float64(current.BitDepth), float64(want.BitDepth), func(cfg *device.Config, v float64) {
		cfg.BitDepth = int(v)
		cfg.Encoding = want.Encoding
	})
	addNumeric("exposure", current.ExposureTime, want.ExposureTime, func(cfg *device.Config, v float64) {
		cfg.ExposureTime = v
	})
	addNumeric("frame_rate", current.FrameRate, want.FrameRate, func(cfg *device.Config, v float64) {
		cfg.FrameRate = v
	})
	addNumeric("link_bitrate", float64(current.Link.Bitrate), float64(want.Link.Bitrate), func(cfg *device.Config, v float64) {
		cfg.Link.Bitrate = uint64(v)
	})

	var steps []step
	steps = append(steps, reduce...)

	if want.Encoding != current.Encoding && want.BitDepth == current.BitDepth {
		steps = append(steps, step{
			name:   "encoding",
			mutate: func(cfg *device.Config) { cfg.Encoding = want.Encoding },
		})
	}

	if want.Roi != current.Roi || want.Binning != current.Binning {
		steps = append(steps, step{
			name: "roi",
			mutate: func(cfg *device.Config) {
				cfg.Roi = want.Roi
				cfg.Binning = want.Binning
			},
		})
	}
	if want.Link.Channels != current.Link.Channels {
		steps = append(steps, step{
			name: "link_channels",
			mutate: func(cfg *device.Config) {
				cfg.Link.Channels = want.Link.Channels
			},
		})
	}

	steps = append(steps, increase...)

	return steps
}
