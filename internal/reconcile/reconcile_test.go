package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/device/simdevice"
	"github.com/camerad/camerad/internal/xerror"
)

func openedDevice(t *testing.T) *simdevice.Device {
	t.Helper()
	d := simdevice.New()
	require.NoError(t, d.Open(context.Background(), 0))
	return d
}

func TestApplyAppliesAllFields(t *testing.T) {
	d := openedDevice(t)

	current, err := d.GetConfiguration()
	require.NoError(t, err)

	want := current
	want.Roi = device.Roi{Xoff: 0, Yoff: 0, Width: 256, Height: 128}
	want.FrameRate = 60
	want.ExposureTime = 0.02

	applied, err := Apply(d, want)
	require.NoError(t, err)
	require.Equal(t, want.Roi, applied.Roi)
	require.Equal(t, want.FrameRate, applied.FrameRate)
	require.Equal(t, want.ExposureTime, applied.ExposureTime)
}

func TestApplyRejectsBadRoiWithoutTouchingDevice(t *testing.T) {
	d := openedDevice(t)
	before, err := d.GetConfiguration()
	require.NoError(t, err)

	want := before
	geom := d.SensorGeometry()
	want.Roi.Width = geom.Width + 1

	_, err = Apply(d, want)
	require.Error(t, err)
	require.Equal(t, xerror.KindBadRoi, xerror.KindOf(err))

	after, err := d.GetConfiguration()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestApplyReducesFrameRateBeforeWideningRoi(t *testing.T) {
	d := openedDevice(t)
	current, err := d.GetConfiguration()
	require.NoError(t, err)
	current.FrameRate = 200
	current.Roi = device.Roi{Xoff: 0, Yoff: 0, Width: 256, Height: 128}
	applied, err := d.SetConfiguration(current)
	require.NoError(t, err)
	require.Equal(t, 200.0, applied.FrameRate)

	want := applied
	want.FrameRate = 50
	want.Roi = device.Roi{Xoff: 0, Yoff: 0, Width: 512, Height: 256}

	final, err := Apply(d, want)
	require.NoError(t, err)
	require.Equal(t, want.FrameRate, final.FrameRate)
	require.Equal(t, want.Roi, final.Roi)
}

func TestApplyRejectedWhileAcquiringLeavesMirrorIntact(t *testing.T) {
	d := openedDevice(t)
	require.NoError(t, d.StartAcquisition(4))

	before, err := d.GetConfiguration()
	require.NoError(t, err)

	want := before
	want.FrameRate = before.FrameRate + 1

	_, err = Apply(d, want)
	require.Error(t, err)
	require.Equal(t, xerror.KindInvalidState, xerror.KindOf(err))

	after, err := d.GetConfiguration()
	require.NoError(t, err)
	require.Equal(t, before, after)
}
