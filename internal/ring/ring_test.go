package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/xerror"
)

func testGeometry() device.Geometry {
	return device.Geometry{Width: 64, Height: 32}
}

func publishMarked(t *testing.T, r *Ring, mark byte) uint64 {
	t.Helper()

	r.Lock()
	slot, err := r.FetchNextSlot()
	r.Unlock()
	require.NoError(t, err)

	slot.EnsureShape(8, 4, device.EncodingMono8)
	for i := range slot.data {
		slot.data[i] = mark
	}
	return r.Publish(slot, time.Now())
}

func TestPublishCountersStrictlyIncrease(t *testing.T) {
	r := Create(testGeometry(), 4, 8, 0, zaptest.NewLogger(t).Sugar())
	defer Destroy(r)

	var last uint64
	for i := 0; i < 10; i++ {
		c := publishMarked(t, r, byte(i))
		require.Greater(t, c, last)
		last = c
	}
}

func TestReaderSeesConsistentBytesNeverTorn(t *testing.T) {
	r := Create(testGeometry(), 2, 4, 0, zaptest.NewLogger(t).Sugar())
	defer Destroy(r)

	const frames = 200
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < frames; i++ {
			publishMarked(t, r, byte(i))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			f, ok := r.ReadLatest()
			if !ok {
				continue
			}
			mark := f.Data[0]
			for _, b := range f.Data {
				require.Equal(t, mark, b, "torn frame: mixed bytes within one published slot")
			}
		}
	}()

	wg.Wait()

	last, ok := r.ReadLatest()
	require.True(t, ok)
	require.Equal(t, uint64(frames), last.Counter)
}

func TestFetchNextSlotGrowsThenFails(t *testing.T) {
	r := Create(testGeometry(), 1, 2, 0, zaptest.NewLogger(t).Sugar())
	defer Destroy(r)

	r.Lock()
	s1, err := r.FetchNextSlot()
	require.NoError(t, err)
	// s1 stays locked, simulating a reader holding it.

	s2, err := r.FetchNextSlot()
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
	// ring grew to hard maximum (2); s2 stays locked too.

	_, err = r.FetchNextSlot()
	r.Unlock()
	require.Error(t, err)
	require.Equal(t, xerror.KindNoMemory, xerror.KindOf(err))

	s1.Unlock()
	s2.Unlock()
}

func TestAttachByID(t *testing.T) {
	r := Create(testGeometry(), 2, 4, 0, zaptest.NewLogger(t).Sugar())
	defer Destroy(r)

	got, err := Attach(r.ID())
	require.NoError(t, err)
	require.Same(t, r, got)

	_, err = Attach(r.ID() + 99999)
	require.Error(t, err)
}

func TestEnsureShapeReusesPreSizedBuffer(t *testing.T) {
	r := Create(testGeometry(), 1, 2, 64, zaptest.NewLogger(t).Sugar())
	defer Destroy(r)

	r.Lock()
	slot, err := r.FetchNextSlot()
	r.Unlock()
	require.NoError(t, err)
	defer slot.Unlock()

	preSized := slot.Data()
	require.NotNil(t, preSized)

	slot.EnsureShape(8, 4, device.EncodingMono8)
	require.Len(t, slot.Data(), 32)
	require.Same(t, &preSized[0], &slot.Data()[0])
}
