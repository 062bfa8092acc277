//go:build unix

package fdpoll

//
// Poller dispatch loop
//

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sockdelay/sockdelay/internal/model"
	"golang.org/x/sys/unix"
)

// defaultMaxWait is how long a poll cycle may sleep when no Pollable
// asks for an earlier wakeup.
const defaultMaxWait = 5 * time.Second

// loopFunc is a callback running on the dispatch goroutine with access
// to the full set of registered pollables.
type loopFunc func(now time.Time, pollables []Pollable)

// Poller waits for descriptor readiness on a dedicated goroutine and
// dispatches callbacks to registered pollables.
//
// The zero value is not usable; construct with NewPoller.
type Poller struct {
	// logger is the logger to use.
	logger model.Logger

	// name identifies this poller in logs and dumps.
	name string

	// mu protects the fields below.
	mu sync.Mutex

	// adds contains pollables registered but not yet adopted
	// by the dispatch goroutine.
	adds []Pollable

	// funcs contains callbacks awaiting the dispatch goroutine.
	funcs []loopFunc

	// running tells whether the dispatch goroutine is alive.
	running bool

	// stopping tells the dispatch goroutine to wind down.
	stopping bool

	// done is closed when the dispatch goroutine exits.
	done chan struct{}

	// wakeR and wakeW are the wakeup pipe ends.
	wakeR, wakeW int
}

// NewPoller creates a new Poller with the given name. The logger may
// be nil, in which case we discard log messages.
func NewPoller(name string, logger model.Logger) *Poller {
	return &Poller{
		name:   name,
		logger: model.ValidLoggerOrDefault(logger),
		wakeR:  -1,
		wakeW:  -1,
	}
}

// Start launches the dispatch goroutine. Calling Start on a running
// poller is a no-op, so a factory may unconditionally call Start
// before registering sockets.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	var pipefd [2]int
	if err := unix.Pipe(pipefd[:]); err != nil {
		return fmt.Errorf("fdpoll: cannot create wakeup pipe: %w", err)
	}
	for _, fd := range pipefd {
		_ = unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}
	p.wakeR, p.wakeW = pipefd[0], pipefd[1]
	p.running = true
	p.stopping = false
	p.done = make(chan struct{})
	go p.loop(p.done)
	p.logger.Debugf("fdpoll: %s: started", p.name)
	return nil
}

// IsRunning tells whether the dispatch goroutine is alive.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stop winds down the dispatch goroutine and closes every pollable
// still registered. Stop blocks until the goroutine has exited and is
// a no-op if the poller is not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	done := p.done
	p.mu.Unlock()
	p.wake()
	<-done
}

// Register adds a pollable to the poller. The pollable's callbacks
// start firing on the next dispatch cycle. The poller owns the
// pollable's descriptor from now on and closes it on removal.
func (p *Poller) Register(pollable Pollable) {
	p.mu.Lock()
	p.adds = append(p.adds, pollable)
	p.mu.Unlock()
	p.wake()
	p.logger.Debugf("fdpoll: %s: registered #%d", p.name, pollable.Fd())
}

// DumpState writes a diagnostic description of every registered
// pollable. The dump runs on the dispatch goroutine, so it observes a
// consistent snapshot. DumpState is a no-op when the poller was never
// started (or has been stopped).
func (p *Poller) DumpState(w io.Writer) {
	done := make(chan struct{})
	scheduled := p.runOnLoop(func(now time.Time, pollables []Pollable) {
		defer close(done)
		fmt.Fprintf(w, "%s poll:\n", p.name)
		for _, pollable := range pollables {
			if dumper, ok := pollable.(StateDumper); ok {
				dumper.DumpState(w, now)
				continue
			}
			fmt.Fprintf(w, "\tfd: %d\n", pollable.Fd())
		}
	})
	if !scheduled {
		return
	}
	<-done
}

// runOnLoop schedules fn on the dispatch goroutine. It returns false,
// without scheduling anything, when the poller is not running.
func (p *Poller) runOnLoop(fn loopFunc) bool {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return false
	}
	p.funcs = append(p.funcs, fn)
	p.mu.Unlock()
	p.wake()
	return true
}

// wake interrupts a poll cycle blocked in poll(2).
func (p *Poller) wake() {
	p.mu.Lock()
	fd := p.wakeW
	p.mu.Unlock()
	if fd >= 0 {
		_, _ = unix.Write(fd, []byte{0})
	}
}

// loop is the dispatch goroutine body.
func (p *Poller) loop(done chan struct{}) {
	defer close(done)
	var pollables []Pollable
	for {
		now := time.Now()

		// Adopt new pollables and run scheduled callbacks.
		p.mu.Lock()
		adds, funcs, stopping := p.adds, p.funcs, p.stopping
		p.adds, p.funcs = nil, nil
		p.mu.Unlock()
		pollables = append(pollables, adds...)
		for _, fn := range funcs {
			fn(now, pollables)
		}

		if stopping {
			p.shutdown(pollables)
			return
		}

		// Collect interest and compute the poll timeout.
		maxWait := defaultMaxWait
		pfds := make([]unix.PollFd, 0, len(pollables)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(p.wakeR), Events: Readable})
		for _, pollable := range pollables {
			events, wake := pollable.Interest(now)
			if wake < maxWait {
				maxWait = wake
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(pollable.Fd()), Events: events})
		}
		if maxWait < 0 {
			maxWait = 0
		}
		// Round up: truncating a sub-millisecond hint to zero would
		// make poll(2) return immediately cycle after cycle.
		timeout := int((maxWait + time.Millisecond - 1) / time.Millisecond)

		if _, err := unix.Poll(pfds, timeout); err != nil {
			if !errors.Is(err, unix.EINTR) {
				p.logger.Warnf("fdpoll: %s: poll: %s", p.name, err.Error())
			}
			continue
		}
		now = time.Now()

		if pfds[0].Revents != 0 {
			p.drainWakeups()
		}

		// Dispatch readiness and drop closed pollables.
		keep := pollables[:0]
		for idx, pollable := range pollables {
			revents := pfds[idx+1].Revents
			if revents == 0 {
				keep = append(keep, pollable)
				continue
			}
			if pollable.Ready(now, revents) == DispositionClose {
				p.logger.Debugf("fdpoll: %s: removing #%d", p.name, pollable.Fd())
				_ = pollable.Close()
				continue
			}
			keep = append(keep, pollable)
		}
		pollables = keep
	}
}

// drainWakeups consumes pending wakeup bytes.
func (p *Poller) drainWakeups() {
	var buf [128]byte
	for {
		if count, err := unix.Read(p.wakeR, buf[:]); count <= 0 || err != nil {
			return
		}
	}
}

// shutdown closes every pollable and the wakeup pipe, then marks the
// poller as not running.
func (p *Poller) shutdown(pollables []Pollable) {
	for _, pollable := range pollables {
		p.logger.Debugf("fdpoll: %s: closing #%d at shutdown", p.name, pollable.Fd())
		_ = pollable.Close()
	}
	p.mu.Lock()
	for _, pollable := range p.adds {
		_ = pollable.Close()
	}
	p.adds = nil
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	p.wakeR, p.wakeW = -1, -1
	p.running = false
	p.mu.Unlock()
	p.logger.Debugf("fdpoll: %s: stopped", p.name)
}
