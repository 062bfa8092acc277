//go:build unix

// Command wsconnect is an interactive WebSocket client for manually
// driving a WebSocket-based protocol during debugging. It reads lines
// from the standard input and sends each line as a text message, while
// printing every incoming message.
//
// With --delay, the underlying TCP connection is routed through a
// delay pairing, so protocol timing can be inspected under latency.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/pborman/getopt/v2"
	"github.com/sockdelay/sockdelay/internal/delaysock"
	"github.com/sockdelay/sockdelay/internal/fdpoll"
)

// Options contains the options you can set from the CLI.
type Options struct {
	Delay   time.Duration
	Verbose bool
}

var globalOptions Options

func init() {
	getopt.FlagLong(
		&globalOptions.Delay, "delay", 'd',
		"Route the connection through a delay pairing with the given one-way delay", "DURATION",
	)
	getopt.FlagLong(
		&globalOptions.Verbose, "verbose", 'v', "Increase verbosity",
	)
}

// newDialer creates the websocket dialer, possibly delay-wrapping the
// underlying TCP connection.
func newDialer(poller *fdpoll.Poller) *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
			if err != nil || globalOptions.Delay <= 0 {
				return conn, err
			}
			return delaysock.WrapConn(poller, globalOptions.Delay, conn, log.Log)
		},
	}
}

// printIncoming prints every message until the connection dies.
func printIncoming(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("read loop done")
			return
		}
		fmt.Printf("< [%d] %s\n", kind, string(data))
	}
}

func main() {
	getopt.SetParameters("URL")
	getopt.Parse()
	if globalOptions.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	args := getopt.Args()
	if len(args) != 1 {
		getopt.Usage()
		os.Exit(1)
	}

	poller := fdpoll.NewPoller("delay", log.Log)
	defer poller.Stop()
	conn, _, err := newDialer(poller).DialContext(context.Background(), args[0], http.Header{})
	if err != nil {
		log.WithError(err).Fatal("cannot connect")
	}
	defer conn.Close()
	log.Infof("connected to %s", args[0])

	done := make(chan struct{})
	go printIncoming(conn, done)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "exit" {
			break
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			log.WithError(err).Fatal("cannot send message")
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteMessage(websocket.CloseMessage, msg)
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
