//go:build unix

package delaysock

//
// net.Conn convenience layer
//

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"github.com/sockdelay/sockdelay/internal/model"
	"golang.org/x/sys/unix"
)

// filer is any conn that can hand out a duplicated *os.File for its
// descriptor. *net.TCPConn and *net.UnixConn both qualify.
type filer interface {
	File() (*os.File, error)
}

// WrapConn splices a delay pairing onto conn and returns the delayed
// leg as a net.Conn. WrapConn takes ownership of conn and closes it:
// the caller must use the returned conn instead.
//
// The returned conn is a *net.UnixConn, so CloseWrite half-close works
// and propagates through the pairing as an orderly end-of-stream.
func WrapConn(poller *fdpoll.Poller, delay time.Duration, conn net.Conn, logger model.Logger) (net.Conn, error) {
	fc, ok := conn.(filer)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("delaysock: conn of type %T cannot be delay-wrapped", conn)
	}
	file, err := fc.File()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("delaysock: cannot duplicate descriptor: %w", err)
	}
	// Take a descriptor we own outright: file's finalizer would
	// otherwise close it behind the pairing's back.
	physicalFd, err := unix.Dup(int(file.Fd()))
	file.Close()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("delaysock: dup: %w", err)
	}
	delayedFd, err := Create(poller, delay, physicalFd, logger)
	if err != nil {
		return nil, err
	}
	return FileConn(delayedFd)
}

// FileConn wraps an owned descriptor, such as the one Create returns,
// into a net.Conn. Ownership of fd transfers to this function: the
// caller must only use the returned conn.
func FileConn(fd int) (net.Conn, error) {
	file := os.NewFile(uintptr(fd), "delayed")
	defer file.Close() // net.FileConn duplicates the descriptor
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("delaysock: fileconn: %w", err)
	}
	return conn, nil
}
