package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/device/simdevice"
	"github.com/camerad/camerad/internal/ring"
)

func newTestWorker(t *testing.T) (*Worker, *ring.Ring) {
	t.Helper()

	d := simdevice.New()
	require.NoError(t, d.Open(context.Background(), 0))

	geom := d.SensorGeometry()
	r := ring.Create(geom, 2, 4, 0, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { ring.Destroy(r) })

	cfg, err := d.GetConfiguration()
	require.NoError(t, err)
	cfg.Roi = device.Roi{Xoff: 0, Yoff: 0, Width: 16, Height: 8}
	cfg.FrameRate = 2000
	cfg.Encoding = device.EncodingMono8
	applied, err := d.SetConfiguration(cfg)
	require.NoError(t, err)

	r.Lock()
	r.SetConfig(applied)
	r.Unlock()

	w := New(d, r, zaptest.NewLogger(t).Sugar())
	return w, r
}

func runAsync(t *testing.T, w *Worker) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run() }()
	return done
}

func waitState(t *testing.T, w *Worker, want ring.State, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		w.Lock()
		defer w.Unlock()
		return w.StateLocked() == want
	}, timeout, time.Millisecond)
}

func TestStartQuitReachesDone(t *testing.T) {
	w, _ := newTestWorker(t)
	done := runAsync(t, w)

	require.NoError(t, w.RequestStart(4))
	waitState(t, w, ring.StateAcquiring, time.Second)

	w.RequestExit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not reach DONE in time")
	}

	w.Lock()
	defer w.Unlock()
	require.Equal(t, ring.StateDone, w.StateLocked())
}

func TestPublishesFramesWhileAcquiring(t *testing.T) {
	w, r := newTestWorker(t)
	done := runAsync(t, w)

	require.NoError(t, w.RequestStart(4))

	require.Eventually(t, func() bool {
		return r.MostRecentCounter() >= 3
	}, 2*time.Second, time.Millisecond)

	w.RequestStop()
	waitState(t, w, ring.StateSleeping, 2*time.Second)

	w.RequestExit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not reach DONE in time")
	}

	f, ok := r.ReadLatest()
	require.True(t, ok)
	require.Equal(t, 16, f.Width)
	require.Equal(t, 8, f.Height)
}

func TestAbortReturnsToSleeping(t *testing.T) {
	w, _ := newTestWorker(t)
	done := runAsync(t, w)

	require.NoError(t, w.RequestStart(4))
	w.RequestAbort()

	select {
	case err := <-done:
		t.Fatalf("worker exited unexpectedly: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	waitState(t, w, ring.StateSleeping, time.Second)

	w.RequestExit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not reach DONE in time")
	}
}

func TestRequestStartRejectsBufferCountChangeWhileRunning(t *testing.T) {
	w, _ := newTestWorker(t)
	done := runAsync(t, w)

	require.NoError(t, w.RequestStart(4))
	waitState(t, w, ring.StateAcquiring, time.Second)

	err := w.RequestStart(8)
	require.Error(t, err)

	w.RequestExit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not reach DONE in time")
	}
}
