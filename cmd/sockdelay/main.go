//go:build unix

// Command sockdelay is a transparent latency-injection TCP proxy: it
// accepts connections, forwards them to a fixed upstream, and delays
// the bytes by a fixed amount in each direction.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"github.com/sockdelay/sockdelay/internal/tcpproxy"
)

var (
	app = kingpin.New("sockdelay", "Transparent latency-injection TCP proxy.")

	delayFlag = app.Flag(
		"delay", "One-way delay injected in each direction").Default("100ms").Duration()

	listenFlag = app.Flag(
		"listen", "Address where to accept client connections").Default("127.0.0.1:7070").String()

	metricsFlag = app.Flag(
		"metrics", "Optional address where to serve Prometheus metrics").String()

	upstreamFlag = app.Flag(
		"upstream", "Address where to forward connections").Required().String()

	verboseFlag = app.Flag(
		"verbose", "Enable verbose log output").Short('v').Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	log.SetHandler(cli.Default)
	if *verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	poller := fdpoll.NewPoller("delay", log.Log)
	proxy := tcpproxy.NewProxy(poller, *delayFlag, *upstreamFlag, log.Log)
	listener, err := proxy.Start(*listenFlag)
	if err != nil {
		log.WithError(err).Fatal("cannot start the proxy")
	}
	defer listener.Close()
	log.Infof("listening on %s, forwarding to %s with %s each way",
		listener.Addr().String(), *upstreamFlag, *delayFlag)

	if *metricsFlag != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(*metricsFlag, nil)
			log.WithError(err).Warn("metrics server exited")
		}()
		log.Infof("serving metrics at http://%s/metrics", *metricsFlag)
	}

	// SIGUSR1 dumps the state of every delay pairing.
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigch {
		if sig == syscall.SIGUSR1 {
			poller.DumpState(os.Stderr)
			continue
		}
		log.Infof("got %s, exiting", sig)
		break
	}
	poller.Stop()
}
