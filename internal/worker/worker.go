// Package worker implements the acquisition state machine: the single
// long-running goroutine that drives a device.Device through
// start/acquire/stop cycles, converting and publishing each frame
// through the ring.
//
// The mutex-plus-condition-variable command handoff and the
// release-lock-around-long-calls discipline are grounded on
// coordinator/coordinator.go's errgroup-supervised Run loop, adapted
// from channel-driven supervision to a sync.Cond: the Controller must
// be able to both set a pending command AND synchronously read back
// state (queries) without a response-channel round trip, which a plain
// mutex plus condition variable gives for free and a channel-based
// redesign would not.
package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camerad/camerad/internal/convert"
	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/ring"
	"github.com/camerad/camerad/internal/xerror"
)

// Command is the Worker's pending action, set by the Controller and
// observed by the Worker at well-defined points.
type Command int

const (
	CommandNone Command = iota
	CommandStart
	CommandStop
	CommandAbort
	CommandExit
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandStop:
		return "STOP"
	case CommandAbort:
		return "ABORT"
	case CommandExit:
		return "EXIT"
	default:
		return "NONE"
	}
}

const defaultFrameTimeout = 100 * time.Millisecond

// Worker drives dev through the acquisition state machine, publishing
// frames into r. The zero value is not usable; construct with New.
type Worker struct {
	mu   sync.Mutex
	cond *sync.Cond

	dev device.Device
	r   *ring.Ring
	log *zap.SugaredLogger

	command Command
	state   ring.State
	nbufs   int
	timeout time.Duration

	frames   uint64
	timeouts uint64

	lastErr error // most recent non-fatal error, returned (and cleared) by LastErrorLocked
}

// New returns a Worker in state SLEEPING with no pending command.
func New(dev device.Device, r *ring.Ring, log *zap.SugaredLogger) *Worker {
	w := &Worker{
		dev:     dev,
		r:       r,
		log:     log,
		state:   ring.StateSleeping,
		nbufs:   4,
		timeout: defaultFrameTimeout,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Lock acquires the Worker mutex. Exposed so the Controller (C5) and
// the configuration reconciler (C6) can read/mutate command, state,
// buffer count, and timeout under the same lock the Worker itself
// uses, per the design's "Worker mutex guards: command, state, buffer
// count, timeout, counters."
func (w *Worker) Lock() { w.mu.Lock() }

// Unlock releases the Worker mutex.
func (w *Worker) Unlock() { w.mu.Unlock() }

// StateLocked returns the current state. Callers must hold the lock.
func (w *Worker) StateLocked() ring.State { return w.state }

// CommandLocked returns the pending command. Callers must hold the lock.
func (w *Worker) CommandLocked() Command { return w.command }

// NbufsLocked returns the configured buffer count. Callers must hold
// the lock.
func (w *Worker) NbufsLocked() int { return w.nbufs }

// TimeoutLocked returns the configured frame timeout. Callers must
// hold the lock.
func (w *Worker) TimeoutLocked() time.Duration { return w.timeout }

// SetTimeoutLocked changes the frame timeout. Callers must hold the
// lock.
func (w *Worker) SetTimeoutLocked(d time.Duration) { w.timeout = d }

// CountersLocked returns the frames-published and timeouts-observed
// counters. Callers must hold the lock.
func (w *Worker) CountersLocked() (frames, timeouts uint64) {
	return w.frames, w.timeouts
}

// LastErrorLocked returns (and clears) the most recent non-fatal
// error recorded by the Worker, for surfacing to the next client
// request that cares about it. Callers must hold the lock.
func (w *Worker) LastErrorLocked() error {
	err := w.lastErr
	w.lastErr = nil
	return err
}

// ExpectedStateLocked computes the state the Worker is heading toward
// given its current state and pending command, per the Controller's
// expected-state rule: EXIT pending -> DONE; STARTING/ACQUIRING with
// STOP pending -> STOPPING; STARTING/ACQUIRING with ABORT pending ->
// ABORTING; otherwise the current state. Callers must hold the lock.
func (w *Worker) ExpectedStateLocked() ring.State {
	if w.command == CommandExit {
		return ring.StateDone
	}
	if w.state == ring.StateStarting || w.state == ring.StateAcquiring {
		switch w.command {
		case CommandStop:
			return ring.StateStopping
		case CommandAbort:
			return ring.StateAborting
		}
	}
	return w.state
}

// RequestStart schedules a START command with the given buffer count.
// Fails if nbufs is being changed while the Worker is not SLEEPING
// (buffer count is immutable while acquiring, per the design).
func (w *Worker) RequestStart(nbufs int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if nbufs < 1 {
		return xerror.New("RequestStart", xerror.KindBadValue, nil)
	}
	if w.state != ring.StateSleeping && nbufs != w.nbufs {
		return xerror.New("RequestStart", xerror.KindInvalidState, nil)
	}
	if w.command == CommandExit {
		return xerror.New("RequestStart", xerror.KindInvalidState, nil)
	}

	w.nbufs = nbufs
	w.command = CommandStart
	w.cond.Broadcast()
	return nil
}

// RequestStop schedules a STOP command.
func (w *Worker) RequestStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.command == CommandExit {
		return
	}
	w.command = CommandStop
	w.cond.Broadcast()
}

// RequestAbort schedules an ABORT command.
func (w *Worker) RequestAbort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.command == CommandExit {
		return
	}
	w.command = CommandAbort
	w.cond.Broadcast()
}

// RequestExit schedules an EXIT command. EXIT is the only irreversible
// command; once set it is never overwritten by a later command.
func (w *Worker) RequestExit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.command = CommandExit
	w.cond.Broadcast()
}

// observeCommandLocked reads and clears the pending command, collapsing
// a redundant START observed while already STARTING/ACQUIRING to NONE.
// Callers must hold the lock.
func (w *Worker) observeCommandLocked() Command {
	cmd := w.command
	if cmd == CommandStart && (w.state == ring.StateStarting || w.state == ring.StateAcquiring) {
		cmd = CommandNone
	}
	w.command = CommandNone
	return cmd
}

// setStateLocked updates state and mirrors it into the ring so readers
// can observe it via the "state" query without touching the Worker
// mutex. Callers must hold the Worker lock.
func (w *Worker) setStateLocked(s ring.State) {
	w.state = s
	w.r.Lock()
	w.r.SetState(s)
	w.r.Unlock()
}

// Run executes the Worker's continuous loop until it observes EXIT,
// draining to SLEEPING and then DONE. It returns nil on a clean EXIT or
// the first fatal device error encountered.
func (w *Worker) Run() error {
	for {
		w.mu.Lock()
		for w.state == ring.StateSleeping && w.command == CommandNone {
			w.cond.Wait()
		}
		state := w.state
		// While ACQUIRING the pending command is left in place for
		// runAcquireStep to observe after its device call.
		var cmd Command
		if state == ring.StateSleeping {
			cmd = w.observeCommandLocked()
		}
		w.mu.Unlock()

		switch state {
		case ring.StateSleeping:
			switch cmd {
			case CommandExit:
				w.mu.Lock()
				w.setStateLocked(ring.StateDone)
				w.mu.Unlock()
				w.log.Info("worker reached DONE from SLEEPING")
				return nil
			case CommandStart:
				done, err := w.runStarting()
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			// STOP/ABORT/NONE observed while SLEEPING: nothing to do.

		case ring.StateAcquiring:
			done, err := w.runAcquireStep()
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		default:
			// Not reachable: every other state is handled synchronously
			// within runStarting/runAcquireStep/quiesce before Run ever
			// observes it again.
		}
	}
}

// runStarting handles the SLEEPING --{START}--> STARTING transition,
// including the case where STOP/ABORT/EXIT is observed before the
// device start call returns (in which case the device is stopped
// again without ever entering ACQUIRING). Returns done=true if the
// Worker has reached DONE.
func (w *Worker) runStarting() (done bool, err error) {
	w.mu.Lock()
	w.setStateLocked(ring.StateStarting)
	nbufs := w.nbufs
	w.mu.Unlock()

	w.log.Infow("starting acquisition", "nbufs", nbufs)
	if startErr := w.dev.StartAcquisition(nbufs); startErr != nil {
		return false, w.fatal("StartAcquisition", startErr)
	}

	w.mu.Lock()
	cmd := w.observeCommandLocked()
	if cmd != CommandStop && cmd != CommandAbort && cmd != CommandExit {
		w.setStateLocked(ring.StateAcquiring)
		w.mu.Unlock()
		return false, nil
	}
	abort := cmd == CommandAbort
	if abort {
		w.setStateLocked(ring.StateAborting)
	} else {
		w.setStateLocked(ring.StateStopping)
	}
	w.mu.Unlock()

	if stopErr := w.dev.StopAcquisition(); stopErr != nil {
		return false, w.fatal("StopAcquisition", stopErr)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if cmd == CommandExit {
		w.setStateLocked(ring.StateDone)
		return true, nil
	}
	w.setStateLocked(ring.StateSleeping)
	return false, nil
}

// runAcquireStep executes one iteration of the ACQUIRING loop: a single
// wait_buffer call and, depending on what it returns and what command
// is pending, a publish, a discard, or a transition out of ACQUIRING.
func (w *Worker) runAcquireStep() (done bool, err error) {
	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()

	buf, waitErr := w.dev.WaitBuffer(timeout)
	ts := time.Now()

	if waitErr != nil {
		if !device.IsTimeout(waitErr) {
			return false, w.fatal("WaitBuffer", waitErr)
		}

		w.mu.Lock()
		w.timeouts++
		cmd := w.observeCommandLocked()
		w.mu.Unlock()

		return w.applyAcquiringCommand(cmd, false, device.Buffer{}, ts)
	}

	w.mu.Lock()
	w.frames++
	cmd := w.observeCommandLocked()
	w.mu.Unlock()

	return w.applyAcquiringCommand(cmd, true, buf, ts)
}

// applyAcquiringCommand processes (or discards) a dequeued buffer and
// transitions out of ACQUIRING if cmd requires it. haveBuffer is false
// when this call originated from a WaitBuffer timeout, in which case
// buf is unused.
func (w *Worker) applyAcquiringCommand(cmd Command, haveBuffer bool, buf device.Buffer, ts time.Time) (done bool, err error) {
	switch cmd {
	case CommandAbort:
		// ABORT discards the most recently dequeued buffer: requeue it
		// unconverted and unpublished.
		if haveBuffer {
			if qerr := w.dev.QueueBuffer(buf); qerr != nil {
				return false, w.fatal("QueueBuffer", qerr)
			}
		}
		return w.quiesce(ring.StateAborting, false)

	case CommandStop, CommandExit:
		// STOP (and EXIT, which drains gracefully) publish the buffer
		// already in hand before quiescing.
		if haveBuffer {
			w.processBuffer(buf, ts)
			if qerr := w.dev.QueueBuffer(buf); qerr != nil {
				return false, w.fatal("QueueBuffer", qerr)
			}
		}
		return w.quiesce(ring.StateStopping, cmd == CommandExit)

	default:
		if haveBuffer {
			w.processBuffer(buf, ts)
			if qerr := w.dev.QueueBuffer(buf); qerr != nil {
				return false, w.fatal("QueueBuffer", qerr)
			}
		}
		return false, nil
	}
}

// quiesce stops the device and transitions to SLEEPING (or, if exit is
// set, through SLEEPING to DONE).
func (w *Worker) quiesce(transitional ring.State, exit bool) (done bool, err error) {
	w.mu.Lock()
	w.setStateLocked(transitional)
	w.mu.Unlock()

	if stopErr := w.dev.StopAcquisition(); stopErr != nil {
		return false, w.fatal("StopAcquisition", stopErr)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if exit {
		w.setStateLocked(ring.StateDone)
		return true, nil
	}
	w.setStateLocked(ring.StateSleeping)
	return false, nil
}

// processBuffer converts buf into a fresh ring slot and publishes it.
// A converter failure (encoding mismatch between the device buffer and
// the current configuration mirror) is logged and the frame is
// dropped; the caller still requeues the device buffer regardless.
//
// A fetch_next_slot failure is fatal per the design, but since it
// occurs inside a user processing callback (the Worker mutex is not
// held here), it is reported by stopping subsequent acquisition
// through RequestAbort rather than by returning an error straight out
// of Run — matching "allocation failure in fetch_next_slot is fatal"
// while keeping the lock-order rule (Worker mutex never reacquired
// while the ring/slot locks are held) intact.
func (w *Worker) processBuffer(buf device.Buffer, ts time.Time) {
	w.r.Lock()
	cfg := w.r.Config()
	slot, err := w.r.FetchNextSlot()
	w.r.Unlock()
	if err != nil {
		w.log.Errorw("fetch_next_slot failed, aborting acquisition", "error", err)
		w.mu.Lock()
		w.lastErr = err
		w.mu.Unlock()
		w.RequestAbort()
		return
	}

	width, height := cfg.Roi.Width, cfg.Roi.Height
	slot.EnsureShape(width, height, cfg.Encoding)
	if err := convert.Convert(slot.Data(), cfg.Encoding, buf.Data, cfg.Encoding, width, height, buf.Stride); err != nil {
		w.log.Warnw("converter rejected frame, dropping", "error", err)
		slot.Unlock()
		return
	}
	w.r.Publish(slot, ts)
}

// fatal records a fatal device error and returns it for Run to
// propagate, stopping the Worker and (by contract) the server.
func (w *Worker) fatal(fn string, err error) error {
	wrapped := xerror.Wrap(fn, xerror.KindDeviceError, err)
	w.log.Errorw("fatal worker error, shutting down", "func", fn, "error", wrapped)
	return wrapped
}
