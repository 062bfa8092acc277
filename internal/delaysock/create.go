//go:build unix

package delaysock

//
// Pairing factory
//
// Terminology, seen from the caller:
//
//     physical descriptor - the real endpoint being delay-wrapped;
//     internal descriptor - the hidden leg of the socketpair;
//     delayed descriptor  - the leg we hand back to the caller, which
//                           looks like the physical endpoint but is
//                           delayed in both directions.
//

import (
	"fmt"
	"time"

	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"github.com/sockdelay/sockdelay/internal/model"
	"golang.org/x/sys/unix"
)

// Create splices a delay pairing onto physicalFd and returns the
// delayed descriptor.
//
// The delay applies identically in both directions and must not be
// negative. Create takes ownership of physicalFd, also on failure, and
// makes it non-blocking; the returned descriptor is owned by the
// caller. The poller is started if not running already.
//
// Bytes written to the delayed descriptor reach physicalFd no sooner
// than delay after being read off the internal leg, and symmetrically
// in the reverse direction, order preserved. Closing either end
// eventually closes the other.
func Create(poller *fdpoll.Poller, delay time.Duration, physicalFd int, logger model.Logger) (int, error) {
	if delay < 0 {
		_ = unix.Close(physicalFd)
		return -1, fmt.Errorf("delaysock: negative delay: %s", delay)
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		_ = unix.Close(physicalFd)
		return -1, fmt.Errorf("delaysock: socketpair: %w", err)
	}
	internalFd, delayedFd := pair[0], pair[1]
	for _, fd := range []int{internalFd, delayedFd, physicalFd} {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(internalFd)
			_ = unix.Close(delayedFd)
			_ = unix.Close(physicalFd)
			return -1, fmt.Errorf("delaysock: set nonblock: %w", err)
		}
		unix.CloseOnExec(fd)
	}
	if err := poller.Start(); err != nil {
		_ = unix.Close(internalFd)
		_ = unix.Close(delayedFd)
		_ = unix.Close(physicalFd)
		return -1, err
	}

	physical := newDelaySocket(physicalFd, delay, logger)
	internal := newDelaySocket(internalFd, delay, logger)
	physical.setTwin(internal)
	internal.setTwin(physical)
	poller.Register(physical)
	poller.Register(internal)
	return delayedFd, nil
}
