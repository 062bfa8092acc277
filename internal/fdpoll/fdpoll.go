//go:build unix

// Package fdpoll implements a readiness poller for file descriptors.
//
// A Poller owns a single dispatch goroutine that waits for descriptor
// readiness using poll(2) and invokes the callbacks of every registered
// Pollable. All callbacks run on the dispatch goroutine, so a Pollable
// never needs locking for state the callbacks mutate.
//
// Waiting is expressed only through interest flags and a maximum wake
// hint: no callback is allowed to block.
package fdpoll

import (
	"io"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// Readable and Writable are the readiness events a Pollable may
// declare interest in. They alias the poll(2) event bits.
const (
	Readable = int16(unix.POLLIN)
	Writable = int16(unix.POLLOUT)
)

// ErrorEvents are the poll(2) events reported regardless of declared
// interest and indicating an error, hangup, or invalid descriptor.
const ErrorEvents = int16(unix.POLLERR | unix.POLLHUP | unix.POLLNVAL)

// NoWakeHint tells the poller that a Pollable does not need any timed
// wakeup beyond descriptor readiness.
const NoWakeHint = time.Duration(math.MaxInt64)

// Disposition tells the poller what to do with a Pollable after a
// readiness callback.
type Disposition int

const (
	// DispositionContinue keeps the Pollable registered.
	DispositionContinue = Disposition(iota)

	// DispositionClose removes the Pollable from the poller and
	// closes it. The Pollable will not be called again.
	DispositionClose
)

// Pollable is a descriptor-backed entity managed by a Poller.
type Pollable interface {
	// Fd returns the descriptor to wait on.
	Fd() int

	// Interest returns the events the Pollable currently cares about
	// and the maximum time the poller may sleep before polling again.
	// Return NoWakeHint when no timed wakeup is needed. The poller
	// calls Interest once per cycle before blocking.
	Interest(now time.Time) (events int16, wake time.Duration)

	// Ready handles the readiness events reported by poll(2). The
	// poller only calls Ready when revents is nonzero.
	Ready(now time.Time, revents int16) Disposition

	// Close releases the descriptor. The poller calls Close exactly
	// once, after Ready returns DispositionClose or when the poller
	// stops with the Pollable still registered.
	Close() error
}

// StateDumper is an optional interface for pollables that can
// describe their internal state for diagnostics.
type StateDumper interface {
	DumpState(w io.Writer, now time.Time)
}
