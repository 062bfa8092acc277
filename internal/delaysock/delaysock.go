//go:build unix

package delaysock

//
// DelaySocket state machine
//

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"github.com/sockdelay/sockdelay/internal/model"
	"github.com/sockdelay/sockdelay/internal/runtimex"
	"golang.org/x/sys/unix"
)

// readWindow bounds how many bytes a socket moves per readiness cycle.
const readWindow = 64 * 1024

// socketState is the lifecycle state of a DelaySocket. Transitions are
// monotonic: readWrite -> eofFlushWrites -> closed, or readWrite -> closed.
type socketState int

const (
	// stateReadWrite is the initial state: the socket reads from its
	// descriptor and flushes matured chunks to it.
	stateReadWrite = socketState(iota)

	// stateEofFlushWrites means the local read side saw end-of-stream:
	// no further reads, keep draining the queue until empty.
	stateEofFlushWrites

	// stateClosed is terminal: the descriptor is shut down and the
	// socket is about to leave the poller.
	stateClosed
)

// String implements fmt.Stringer.
func (s socketState) String() string {
	switch s {
	case stateReadWrite:
		return "readWrite"
	case stateEofFlushWrites:
		return "eofFlushWrites"
	case stateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// DelaySocket reads from its own descriptor, delays what it read, and
// forwards it to its twin for delivery.
//
// Only the fdpoll dispatch goroutine may touch a DelaySocket after it
// has been registered.
type DelaySocket struct {
	// delay is the artificial delay applied to every chunk. Immutable.
	delay time.Duration

	// fd is the descriptor this socket owns.
	fd int

	// logger is the logger to use.
	logger model.Logger

	// queue holds chunks produced by the twin awaiting delivery to
	// this socket's descriptor. Enqueue order equals eligibility order
	// because the delay is constant. Growth is unbounded: a slow
	// consumer costs memory on the producer side.
	queue []*chunk

	// state is the current lifecycle state.
	state socketState

	// twin is the paired socket on the opposite leg. Set once at
	// pairing time, cleared once at EOF or error, never reassigned.
	twin *DelaySocket
}

// newDelaySocket creates a DelaySocket owning fd.
func newDelaySocket(fd int, delay time.Duration, logger model.Logger) *DelaySocket {
	return &DelaySocket{
		delay:  delay,
		fd:     fd,
		logger: model.ValidLoggerOrDefault(logger),
		state:  stateReadWrite,
	}
}

// setTwin wires the paired socket.
func (s *DelaySocket) setTwin(twin *DelaySocket) {
	s.twin = twin
}

// Fd implements fdpoll.Pollable.
func (s *DelaySocket) Fd() int {
	return s.fd
}

// Interest implements fdpoll.Pollable. We always want readability
// while reading is still possible, want writability once the head
// chunk has matured, and ask the poller to wake us no later than the
// head chunk's deadline so delivery is not at the mercy of the
// poller's default timeout.
//
// A matured head needs no timed wakeup: writability itself wakes the
// loop. Asking for a zero wake there would turn a full send buffer
// into a busy-poll until the peer drains.
func (s *DelaySocket) Interest(now time.Time) (int16, time.Duration) {
	var events int16
	if s.state == stateReadWrite {
		events |= fdpoll.Readable
	}
	wake := fdpoll.NoWakeHint
	if len(s.queue) > 0 {
		if remaining := s.queue[0].remaining(now); remaining > 0 {
			wake = remaining
		} else {
			events |= fdpoll.Writable
		}
	}
	return events, wake
}

// Ready implements fdpoll.Pollable. This is one full cycle of the
// state machine: maybe read and forward to the twin, maybe deliver the
// matured head chunk, maybe finish an end-of-stream drain, and let a
// poll-level error override whatever happened above.
func (s *DelaySocket) Ready(now time.Time, revents int16) fdpoll.Disposition {
	if s.state == stateReadWrite && revents&fdpoll.Readable != 0 {
		s.maybeRead(now)
	}

	if len(s.queue) > 0 {
		s.maybeDeliverHead(now)
	}

	// Checked after delivery so that draining the last chunk and
	// finishing the end-of-stream flush happen in the same cycle:
	// a drained socket declares no further interest and would
	// otherwise never be called again.
	if len(s.queue) == 0 && s.state == stateEofFlushWrites {
		s.changeState(now, stateClosed)
	}

	if revents&fdpoll.ErrorEvents != 0 {
		s.logger.Debugf("delaysock: #%d error events: %d", s.fd, revents)
		s.changeState(now, stateClosed)
	}

	if s.state == stateClosed {
		return fdpoll.DispositionClose
	}
	return fdpoll.DispositionContinue
}

// maybeRead performs one bounded non-blocking read and forwards what
// it read to the twin's queue, stamped now + delay.
func (s *DelaySocket) maybeRead(now time.Time) {
	buf := make([]byte, readWindow)
	count, err := readIgnoringEINTR(s.fd, buf)
	switch {
	case count == 0 && err == nil:
		// Orderly end-of-stream.
		s.changeState(now, stateEofFlushWrites)
	case count > 0:
		runtimex.Assert(s.twin != nil, "delaysock: read data with no twin to forward to")
		s.logger.Debugf("delaysock: #%d read %d bytes, twin queue: %d",
			s.fd, count, len(s.twin.queue))
		ck := newChunk(now, s.delay)
		ck.append(buf[:count])
		s.twin.push(ck)
	case isWouldBlock(err):
		// Spurious readiness; retry on the next cycle.
	default:
		s.logger.Debugf("delaysock: #%d read error: %s", s.fd, err.Error())
		s.changeState(now, stateClosed)
	}
}

// maybeDeliverHead attempts one non-blocking write of the head chunk
// to our own descriptor, if the head has matured. Only the head is
// ever inspected: the queue is time-ordered by construction.
func (s *DelaySocket) maybeDeliverHead(now time.Time) {
	head := s.queue[0]
	if head.remaining(now) > 0 {
		return // not yet eligible
	}
	if head.isClose() {
		s.logger.Debugf("delaysock: #%d handling delayed close", s.fd)
		s.changeState(now, stateClosed)
		return
	}
	count, err := writeIgnoringEINTR(s.fd, head.data)
	if err != nil {
		if isWouldBlock(err) {
			s.logger.Debugf("delaysock: #%d full - waiting for write", s.fd)
			return
		}
		s.logger.Debugf("delaysock: #%d failed onwards write of %d bytes, queue: %d, error: %s",
			s.fd, len(head.data), len(s.queue), err.Error())
		s.changeState(now, stateClosed)
		return
	}
	s.logger.Debugf("delaysock: #%d written onwards %d of %d bytes, queue: %d",
		s.fd, count, len(head.data), len(s.queue))
	head.data = head.data[count:]
	if len(head.data) == 0 {
		s.queue = s.queue[1:]
	}
}

// changeState applies a state transition and its side effects. The
// twin learns about EOF and errors here, through a sentinel chunk
// subject to the usual delay, and the twin reference is cleared so the
// twin is never notified twice.
func (s *DelaySocket) changeState(now time.Time, newState socketState) {
	switch newState {
	case stateEofFlushWrites:
		runtimex.Assert(s.state == stateReadWrite, "delaysock: eofFlushWrites from wrong state")
		runtimex.Assert(s.twin != nil, "delaysock: eofFlushWrites with no twin")
		s.twin.pushClose(now)
		s.twin = nil
	case stateClosed:
		if s.twin != nil && s.state == stateReadWrite {
			s.twin.pushClose(now)
		}
		s.twin = nil
		_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	default:
		runtimex.Assert(false, "delaysock: invalid state transition")
	}
	s.logger.Debugf("delaysock: #%d changed to state %s", s.fd, newState)
	s.state = newState
}

// push appends a chunk produced by the twin to our delivery queue.
func (s *DelaySocket) push(ck *chunk) {
	s.queue = append(s.queue, ck)
}

// pushClose appends the close sentinel, stamped with the usual delay.
func (s *DelaySocket) pushClose(now time.Time) {
	s.push(newChunk(now, s.delay))
}

// Close implements fdpoll.Pollable.
func (s *DelaySocket) Close() error {
	return unix.Close(s.fd)
}

// DumpState implements fdpoll.StateDumper. Read-only: reports the
// queue depth and, per queued chunk, the remaining time to eligibility
// and the byte length.
func (s *DelaySocket) DumpState(w io.Writer, now time.Time) {
	fmt.Fprintf(w, "\tfd: %d\n\tqueue: %d\n", s.fd, len(s.queue))
	for _, ck := range s.queue {
		fmt.Fprintf(w, "\t\tin: %dms - %d bytes\n",
			ck.remaining(now).Milliseconds(), len(ck.data))
	}
}

// readIgnoringEINTR is read(2) retrying on EINTR.
func readIgnoringEINTR(fd int, buf []byte) (int, error) {
	for {
		count, err := unix.Read(fd, buf)
		if err != nil && errors.Is(err, unix.EINTR) {
			continue
		}
		return count, err
	}
}

// writeIgnoringEINTR is write(2) retrying on EINTR.
func writeIgnoringEINTR(fd int, buf []byte) (int, error) {
	for {
		count, err := unix.Write(fd, buf)
		if err != nil && errors.Is(err, unix.EINTR) {
			continue
		}
		return count, err
	}
}

// isWouldBlock tells whether err is the would-block condition, which
// is not an error: the operation just retries on a later cycle.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
