// Package ring implements the process-wide frame ring: a fixed-capacity
// (growable up to a hard maximum) sequence of image slots, each
// independently lockable, with a monotonically increasing publish
// counter. One Worker goroutine publishes; any number of reader
// goroutines attach by the ring's integer identifier and observe
// published frames through the lock → read-counter → lock-slot →
// unlock-ring → read-data → unlock-slot protocol from the design.
//
// The slot/worker-area split and the double-check read protocol are
// grounded on modules/pdump/controlplane/ring.go's ringBuffer/workerArea
// pair, adapted from an atomics-only SPSC byte ring to a
// mutex-per-slot ring of whole frames: camerad's readers must never
// observe a torn row, which atomics over a shared byte stream cannot
// guarantee but a slot-held mutex can.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/cache/mempool"
	"go.uber.org/zap"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/xerror"
)

// State is the run state exposed to ring readers via the "state" query.
type State int

const (
	StateSleeping State = iota
	StateStarting
	StateAcquiring
	StateStopping
	StateAborting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSleeping:
		return "SLEEPING"
	case StateStarting:
		return "STARTING"
	case StateAcquiring:
		return "ACQUIRING"
	case StateStopping:
		return "STOPPING"
	case StateAborting:
		return "ABORTING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Slot is one storage cell in the ring. Its data buffer is mutable only
// by whichever goroutine currently holds mu — the Worker while filling
// it, a reader while copying it out.
type Slot struct {
	mu sync.Mutex

	id       int
	width    int
	height   int
	encoding device.Encoding
	data     []byte
	pooled   bool // data came from mempool and must be Freed on resize/destroy

	counter uint64 // set only while mu is held
	tsSec   int64
	tsNsec  int64
}

// Lock acquires the slot's lock. Callers must pair with Unlock.
func (s *Slot) Lock() { s.mu.Lock() }

// Unlock releases the slot's lock.
func (s *Slot) Unlock() { s.mu.Unlock() }

// TryLock attempts to acquire the slot's lock without blocking,
// reporting whether it succeeded. fetch_next_slot uses this to find a
// slot no reader currently holds.
func (s *Slot) TryLock() bool { return s.mu.TryLock() }

// EnsureShape reallocates the slot's buffer if it does not already
// match width/height/encoding, freeing any previously pooled buffer. A
// slot pre-sized to the ring's slot-size hint (see Create) is reused
// in place, without a mempool round trip, as long as it already has
// enough capacity for the new shape. Callers must hold the slot's
// lock.
func (s *Slot) EnsureShape(width, height int, encoding device.Encoding) {
	if s.width == width && s.height == height && s.encoding == encoding && s.data != nil {
		return
	}

	bpp := encoding.BytesPerPixel()
	if bpp == 0 {
		bpp = 1
	}
	size := width * height * bpp

	if s.data != nil && cap(s.data) >= size {
		s.data = s.data[:size]
		s.width = width
		s.height = height
		s.encoding = encoding
		return
	}

	if s.pooled && s.data != nil {
		mempool.Free(s.data)
	}
	s.data = mempool.Malloc(size)
	s.pooled = true
	s.width = width
	s.height = height
	s.encoding = encoding
}

// Data returns the slot's current backing buffer for in-place writes
// by the Worker. Callers must hold the slot's lock.
func (s *Slot) Data() []byte { return s.data }

// Frame is an immutable snapshot of a slot's published content, safe to
// use after the slot's lock is released.
type Frame struct {
	Counter  uint64
	Width    int
	Height   int
	Encoding device.Encoding
	Data     []byte
	Time     time.Time
}

// Snapshot copies the slot's current content into a Frame. Callers must
// hold the slot's lock.
func (s *Slot) Snapshot() Frame {
	data := make([]byte, len(s.data))
	copy(data, s.data)
	return Frame{
		Counter:  s.counter,
		Width:    s.width,
		Height:   s.height,
		Encoding: s.encoding,
		Data:     data,
		Time:     time.Unix(s.tsSec, s.tsNsec),
	}
}

// Ring is one server instance's process-wide frame ring.
type Ring struct {
	mu sync.Mutex // guards everything below except mostRecent/mostRecentIdx

	id          int
	geometry    device.Geometry
	config      device.Config
	state       State
	baseCap     int
	maxCap      int
	slots       []*Slot
	lastFetched int // round-robin cursor for fetchNextSlotLocked

	// mostRecent/mostRecentIdx are updated by Publish, which runs
	// with only the slot lock held — they are the one
	// piece of ring metadata deliberately kept outside the ring mutex so
	// the lock order Worker mutex -> Ring lock -> Slot lock is never
	// acquired in reverse. Single-writer (the Worker goroutine), so a
	// plain atomic store/load is sufficient.
	mostRecent    atomic.Uint64
	mostRecentIdx atomic.Int64

	log *zap.SugaredLogger
}

var (
	registryMu sync.Mutex
	registry   = map[int]*Ring{}
	nextID     = 1
)

// Create allocates a new ring with the given base and hard-maximum
// capacity and publishes it under a fresh integer identifier, the
// analogue of a client-attachable shared-memory id (the "shmid"
// query). slotSizeHint, in bytes, pre-sizes each base slot's backing
// buffer via mempool so the first few EnsureShape calls at the
// device's actual geometry/encoding reuse pooled memory instead of
// allocating; 0 skips pre-sizing and leaves slots to allocate lazily.
func Create(geometry device.Geometry, baseCap, maxCap int, slotSizeHint int, log *zap.SugaredLogger) *Ring {
	registryMu.Lock()
	defer registryMu.Unlock()

	id := nextID
	nextID++

	r := &Ring{
		id:       id,
		geometry: geometry,
		baseCap:  baseCap,
		maxCap:   maxCap,
		slots:    make([]*Slot, 0, baseCap),
		log:      log,
	}
	r.mostRecentIdx.Store(-1)

	for i := 0; i < baseCap; i++ {
		s := &Slot{id: i}
		if slotSizeHint > 0 {
			s.data = mempool.Malloc(slotSizeHint)
			s.pooled = true
		}
		r.slots = append(r.slots, s)
	}

	registry[id] = r
	return r
}

// Attach looks up a ring by the identifier obtained from the "shmid"
// query, standing in for an external reader process mapping the same
// shared-memory segment.
func Attach(id int) (*Ring, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	r, ok := registry[id]
	if !ok {
		return nil, xerror.New("Attach", xerror.KindInvalidState, fmt.Errorf("no ring with id %d", id))
	}
	return r, nil
}

// Destroy removes the ring from the attach registry. Called once at
// server shutdown.
func Destroy(r *Ring) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, r.id)
}

// ID returns the ring's stable attach identifier.
func (r *Ring) ID() int { return r.id }

// Geometry returns the immutable sensor extent.
func (r *Ring) Geometry() device.Geometry { return r.geometry }

// Lock acquires the ring lock, guarding config, state, and slot
// identities.
func (r *Ring) Lock() { r.mu.Lock() }

// Unlock releases the ring lock.
func (r *Ring) Unlock() { r.mu.Unlock() }

// SetConfig publishes a new configuration mirror. Callers must hold the
// ring lock and must only call this while acquisition is quiescent.
func (r *Ring) SetConfig(cfg device.Config) {
	r.config = cfg
}

// Config returns the published configuration mirror. Callers must hold
// the ring lock.
func (r *Ring) Config() device.Config {
	return r.config
}

// SetState updates the exposed run state. Callers must hold the ring
// lock.
func (r *Ring) SetState(s State) {
	r.state = s
}

// StateValue returns the exposed run state. Callers must hold the ring
// lock.
func (r *Ring) StateValue() State {
	return r.state
}

// FetchNextSlot returns the oldest slot not currently held by a reader,
// already locked for the caller, growing the ring up to maxCap if every
// existing slot is held. Callers must hold the ring lock; the returned
// slot remains locked until the caller unlocks it (normally via
// Publish).
func (r *Ring) FetchNextSlot() (*Slot, error) {
	n := len(r.slots)
	for i := 0; i < n; i++ {
		idx := (r.lastFetched + 1 + i) % n
		if r.slots[idx].TryLock() {
			r.lastFetched = idx
			return r.slots[idx], nil
		}
	}

	if len(r.slots) >= r.maxCap {
		return nil, xerror.New("FetchNextSlot", xerror.KindNoMemory,
			fmt.Errorf("all %d slots held by readers, ring at hard maximum %d", len(r.slots), r.maxCap))
	}

	s := &Slot{id: len(r.slots)}
	s.Lock()
	r.slots = append(r.slots, s)
	r.lastFetched = len(r.slots) - 1
	return s, nil
}

// Publish stamps slot with the next monotonic counter and the given
// timestamp, then unlocks it. Callers must already hold the slot's
// lock (typically from FetchNextSlot) and must not hold the ring lock
// (see the mostRecent field doc).
func (r *Ring) Publish(s *Slot, ts time.Time) uint64 {
	counter := r.mostRecent.Add(1)
	s.counter = counter
	s.tsSec = ts.Unix()
	s.tsNsec = int64(ts.Nanosecond())

	r.mostRecentIdx.Store(int64(s.id))
	s.Unlock()

	return counter
}

// MostRecentCounter returns the most recently published counter. Safe
// to call without the ring lock.
func (r *Ring) MostRecentCounter() uint64 {
	return r.mostRecent.Load()
}

// ReadLatest implements the reader's double-check protocol: lock ring,
// note the most recent slot, lock that slot, unlock ring, snapshot,
// unlock slot.
func (r *Ring) ReadLatest() (Frame, bool) {
	r.Lock()
	idx := r.mostRecentIdx.Load()
	if idx < 0 || int(idx) >= len(r.slots) {
		r.Unlock()
		return Frame{}, false
	}
	slot := r.slots[idx]
	slot.Lock()
	r.Unlock()

	f := slot.Snapshot()
	slot.Unlock()
	return f, true
}
