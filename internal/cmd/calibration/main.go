//go:build unix

// Command calibration measures the latency actually achieved by a
// delay pairing on this system, so you can judge how much scheduling
// noise to expect on top of the configured delay.
package main

import (
	"io"
	"net"
	"time"

	"github.com/apex/log"
	"github.com/montanaflynn/stats"
	"github.com/sockdelay/sockdelay/internal/delaysock"
	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"github.com/sockdelay/sockdelay/internal/runtimex"
	"golang.org/x/sys/unix"
)

const (
	// delay is the configured one-way delay.
	delay = 100 * time.Millisecond

	// samples is the number of round trips to measure.
	samples = 50
)

// newSocketpair returns a connected nonblocking socketpair.
func newSocketpair() (int, int) {
	pair := runtimex.Try1(unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0))
	return pair[0], pair[1]
}

// runEchoServer echoes every byte back on the given conn.
func runEchoServer(conn net.Conn) {
	_, _ = io.Copy(conn, conn)
	conn.Close()
}

func main() {
	serverEnd, physicalFd := newSocketpair()
	poller := fdpoll.NewPoller("delay", log.Log)
	defer poller.Stop()
	delayedFd := runtimex.Try1(delaysock.Create(poller, delay, physicalFd, log.Log))
	client := runtimex.Try1(delaysock.FileConn(delayedFd))
	defer client.Close()
	server := runtimex.Try1(delaysock.FileConn(serverEnd))
	go runEchoServer(server)

	log.Infof("measuring %d round trips with a %s one-way delay", samples, delay)
	var rtts []float64
	buf := make([]byte, 16)
	for idx := 0; idx < samples; idx++ {
		begin := time.Now()
		_ = runtimex.Try1(client.Write([]byte("calibration-ping")))
		for total := 0; total < len(buf); {
			count := runtimex.Try1(client.Read(buf[total:]))
			total += count
		}
		rtts = append(rtts, float64(time.Since(begin).Milliseconds()))
	}

	// A round trip crosses the delayed leg twice.
	expected := float64((2 * delay).Milliseconds())
	log.Infof("expected rtt: %f ms", expected)
	log.Infof("min: %f ms", runtimex.Try1(stats.Min(rtts)))
	log.Infof("median: %f ms", runtimex.Try1(stats.Median(rtts)))
	log.Infof("p90: %f ms", runtimex.Try1(stats.Percentile(rtts, 90)))
	log.Infof("max: %f ms", runtimex.Try1(stats.Max(rtts)))
	log.Infof("overhead at median: %f ms", runtimex.Try1(stats.Median(rtts))-expected)
}
