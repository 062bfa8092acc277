// Package delaysock implements a transparent, symmetric latency-injection
// proxy spliced onto an existing byte-stream socket.
//
// Create builds a pairing of two DelaySockets over a fresh socketpair(2):
// the "physical" socket wraps the descriptor being protected and the
// "internal" socket wraps the hidden leg of the pair. Each socket reads
// from its own descriptor, stamps what it read with a delivery deadline,
// and queues it on its twin; once the deadline matures the twin writes the
// bytes to its own descriptor. The caller talks to the remaining leg of
// the socketpair and observes the real endpoint through a fixed artificial
// delay, in both directions, with byte order preserved.
//
// Closing either end eventually closes the other: end-of-stream and fatal
// errors travel to the twin as a zero-length sentinel chunk subject to the
// same delay as ordinary data.
//
// All socket state is owned by the fdpoll dispatch goroutine; nothing in
// this package blocks.
package delaysock
