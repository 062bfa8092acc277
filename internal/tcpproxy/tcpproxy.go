//go:build unix

// Package tcpproxy implements a TCP proxy that injects a fixed
// latency on the upstream leg of every connection.
//
// The proxy accepts downstream connections, dials a configured
// upstream, splices a delay pairing onto the upstream conn, and then
// forwards bytes both ways. The proxy is byte-transparent: whatever
// flows in flows out unmodified except for timing.
package tcpproxy

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sockdelay/sockdelay/internal/delaysock"
	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"github.com/sockdelay/sockdelay/internal/model"
)

// Proxy is a delay-injecting TCP proxy. Construct with NewProxy.
type Proxy struct {
	// delay is the one-way delay injected in each direction.
	delay time.Duration

	// dial is the dialing function, overridable for testing.
	dial func(network, address string) (net.Conn, error)

	// logger is the logger to use.
	logger model.Logger

	// poller is the engine running the delay pairings.
	poller *fdpoll.Poller

	// upstream is the address every connection is forwarded to.
	upstream string
}

// NewProxy creates a new Proxy forwarding to the given upstream
// address with the given one-way delay in each direction.
func NewProxy(poller *fdpoll.Poller, delay time.Duration, upstream string, logger model.Logger) *Proxy {
	return &Proxy{
		delay:    delay,
		dial:     net.Dial,
		logger:   model.ValidLoggerOrDefault(logger),
		poller:   poller,
		upstream: upstream,
	}
}

// Start starts the proxy at the given address and returns the
// listener, which the caller closes to stop accepting.
func (p *Proxy) Start(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	go p.serve(listener)
	return listener, nil
}

// serve accepts and handles connections until the listener closes.
func (p *Proxy) serve(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			p.logger.Debugf("tcpproxy: accept: %s", err.Error())
			return
		}
		go p.handle(conn)
	}
}

// closeWriter is a conn that supports write half-close.
type closeWriter interface {
	CloseWrite() error
}

// handle forwards a single downstream connection through a delay
// pairing to the upstream.
func (p *Proxy) handle(downstream net.Conn) {
	metricConnectionsCount.Inc()
	metricConnectionsOpen.Inc()
	defer metricConnectionsOpen.Dec()
	defer downstream.Close()

	upstream, err := p.dial("tcp", p.upstream)
	if err != nil {
		p.logger.Warnf("tcpproxy: cannot dial upstream: %s", err.Error())
		return
	}
	delayed, err := delaysock.WrapConn(p.poller, p.delay, upstream, p.logger)
	if err != nil {
		p.logger.Warnf("tcpproxy: cannot delay-wrap upstream: %s", err.Error())
		return
	}
	defer delayed.Close()
	p.logger.Debugf("tcpproxy: %s <=> %s with %s each way",
		downstream.RemoteAddr(), p.upstream, p.delay)

	var wg sync.WaitGroup
	wg.Add(2)
	go p.forward(&wg, delayed, downstream, "up")
	go p.forward(&wg, downstream, delayed, "down")
	wg.Wait()
}

// forward copies bytes from src to dst until EOF or error, then
// propagates a write half-close so the other direction can finish.
func (p *Proxy) forward(wg *sync.WaitGroup, dst, src net.Conn, direction string) {
	defer wg.Done()
	count, _ := io.Copy(dst, src)
	metricBytesForwarded.WithLabelValues(direction).Add(float64(count))
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	dst.Close()
}
