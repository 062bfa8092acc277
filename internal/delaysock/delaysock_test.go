//go:build unix

package delaysock

//
// Deterministic state machine tests: we drive Ready and Interest by
// hand with synthetic clock values, so no test here needs to sleep.
//

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sockdelay/sockdelay/internal/fdpoll"
	"golang.org/x/sys/unix"
)

// newSocketpair returns a connected nonblocking socketpair.
func newSocketpair(t *testing.T) (int, int) {
	t.Helper()
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, fd := range pair {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatal(err)
		}
	}
	return pair[0], pair[1]
}

// testPairing is a hand-wired pairing driven directly by tests.
type testPairing struct {
	// sockA and sockB are the twins.
	sockA, sockB *DelaySocket

	// feedA is the test-held peer of sockA's descriptor: bytes
	// written here are what sockA reads.
	feedA int

	// drainB is the test-held peer of sockB's descriptor: bytes
	// sockB delivers show up here.
	drainB int
}

// newTestPairing wires two DelaySockets as twins over two socketpairs.
func newTestPairing(t *testing.T, delay time.Duration) *testPairing {
	t.Helper()
	feedA, fdA := newSocketpair(t)
	fdB, drainB := newSocketpair(t)
	sockA := newDelaySocket(fdA, delay, nil)
	sockB := newDelaySocket(fdB, delay, nil)
	sockA.setTwin(sockB)
	sockB.setTwin(sockA)
	tp := &testPairing{sockA: sockA, sockB: sockB, feedA: feedA, drainB: drainB}
	t.Cleanup(func() {
		for _, fd := range []int{tp.feedA, sockA.fd, sockB.fd, tp.drainB} {
			if fd >= 0 {
				unix.Close(fd)
			}
		}
	})
	return tp
}

// drain reads whatever is currently available on drainB.
func (tp *testPairing) drain(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, readWindow)
	count, err := unix.Read(tp.drainB, buf)
	if err != nil {
		if isWouldBlock(err) {
			return nil
		}
		t.Fatal(err)
	}
	return buf[:count]
}

func TestReadForwardsToTwinQueue(t *testing.T) {
	tp := newTestPairing(t, 100*time.Millisecond)
	if _, err := unix.Write(tp.feedA, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if disp := tp.sockA.Ready(now, fdpoll.Readable); disp != fdpoll.DispositionContinue {
		t.Fatal("unexpected disposition", disp)
	}
	if len(tp.sockB.queue) != 1 {
		t.Fatal("expected one chunk on the twin queue, got", len(tp.sockB.queue))
	}
	ck := tp.sockB.queue[0]
	if diff := cmp.Diff([]byte("hello"), ck.data); diff != "" {
		t.Fatal(diff)
	}
	if !ck.sendTime.Equal(now.Add(100 * time.Millisecond)) {
		t.Fatal("unexpected chunk deadline", ck.sendTime)
	}
}

func TestHeadIsNotDeliveredBeforeDeadline(t *testing.T) {
	tp := newTestPairing(t, 100*time.Millisecond)
	if _, err := unix.Write(tp.feedA, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	tp.sockA.Ready(now, fdpoll.Readable)

	// Not yet eligible: nothing must reach the destination.
	tp.sockB.Ready(now.Add(50*time.Millisecond), fdpoll.Writable)
	if data := tp.drain(t); data != nil {
		t.Fatal("delivered too early:", string(data))
	}
	if len(tp.sockB.queue) != 1 {
		t.Fatal("the chunk should still be queued")
	}

	// Eligible now: the bytes must come out unchanged.
	tp.sockB.Ready(now.Add(100*time.Millisecond), fdpoll.Writable)
	if diff := cmp.Diff([]byte("hello"), tp.drain(t)); diff != "" {
		t.Fatal(diff)
	}
	if len(tp.sockB.queue) != 0 {
		t.Fatal("the chunk should have been popped")
	}
}

func TestChunksAreDeliveredInOrder(t *testing.T) {
	tp := newTestPairing(t, 10*time.Millisecond)
	now := time.Now()
	for _, piece := range []string{"foo", "bar", "baz"} {
		if _, err := unix.Write(tp.feedA, []byte(piece)); err != nil {
			t.Fatal(err)
		}
		tp.sockA.Ready(now, fdpoll.Readable)
		now = now.Add(time.Millisecond)
	}
	if len(tp.sockB.queue) != 3 {
		t.Fatal("expected three chunks, got", len(tp.sockB.queue))
	}
	var delivered []byte
	deadline := now.Add(time.Second)
	for cycles := 0; len(tp.sockB.queue) > 0 && cycles < 16; cycles++ {
		tp.sockB.Ready(deadline, fdpoll.Writable)
		delivered = append(delivered, tp.drain(t)...)
	}
	if diff := cmp.Diff([]byte("foobarbaz"), delivered); diff != "" {
		t.Fatal(diff)
	}
}

func TestReadWouldBlockIsNotAnError(t *testing.T) {
	tp := newTestPairing(t, 10*time.Millisecond)
	// Claim readability without any bytes available.
	if disp := tp.sockA.Ready(time.Now(), fdpoll.Readable); disp != fdpoll.DispositionContinue {
		t.Fatal("unexpected disposition", disp)
	}
	if tp.sockA.state != stateReadWrite {
		t.Fatal("unexpected state", tp.sockA.state)
	}
	if len(tp.sockB.queue) != 0 {
		t.Fatal("nothing should have been forwarded")
	}
}

func TestEofPushesSentinelAndFlushes(t *testing.T) {
	tp := newTestPairing(t, 50*time.Millisecond)
	now := time.Now()

	// Queue some data ahead of the end-of-stream.
	if _, err := unix.Write(tp.feedA, []byte("tail")); err != nil {
		t.Fatal(err)
	}
	tp.sockA.Ready(now, fdpoll.Readable)

	// EOF on the read side. With an empty local queue the drain is
	// trivially over, so the same cycle reaches closed.
	if err := unix.Close(tp.feedA); err != nil {
		t.Fatal(err)
	}
	tp.feedA = -1
	if disp := tp.sockA.Ready(now, fdpoll.Readable); disp != fdpoll.DispositionClose {
		t.Fatal("expected the close disposition")
	}
	if tp.sockA.state != stateClosed {
		t.Fatal("unexpected state", tp.sockA.state)
	}
	if tp.sockA.twin != nil {
		t.Fatal("the twin reference should be cleared")
	}
	if len(tp.sockB.queue) != 2 {
		t.Fatal("expected data plus sentinel, got", len(tp.sockB.queue))
	}
	if !tp.sockB.queue[1].isClose() {
		t.Fatal("the trailing chunk should be the sentinel")
	}

	// The twin delivers the data, then honors the delayed close.
	mature := now.Add(time.Second)
	tp.sockB.Ready(mature, fdpoll.Writable)
	if diff := cmp.Diff([]byte("tail"), tp.drain(t)); diff != "" {
		t.Fatal(diff)
	}
	if disp := tp.sockB.Ready(mature, fdpoll.Writable); disp != fdpoll.DispositionClose {
		t.Fatal("expected the close disposition")
	}

	// The destination observes end-of-stream after the shutdown.
	buf := make([]byte, 16)
	if count, err := unix.Read(tp.drainB, buf); count != 0 || err != nil {
		t.Fatal("expected end-of-stream, got", count, err)
	}
}

func TestEofDrainWaitsForOwnQueue(t *testing.T) {
	tp := newTestPairing(t, 50*time.Millisecond)
	now := time.Now()

	// Pretend the twin queued data for us, not yet eligible.
	ck := newChunk(now, 50*time.Millisecond)
	ck.append([]byte("inbound"))
	tp.sockA.push(ck)

	// Half-close the feeding side: the socket sees end-of-stream but
	// must keep draining toward its own descriptor, not close.
	if err := unix.Shutdown(tp.feedA, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	if disp := tp.sockA.Ready(now, fdpoll.Readable); disp == fdpoll.DispositionClose {
		t.Fatal("closed with a non-empty queue")
	}
	if tp.sockA.state != stateEofFlushWrites {
		t.Fatal("unexpected state", tp.sockA.state)
	}

	// Draining the last chunk finishes the flush in the same cycle.
	mature := now.Add(time.Second)
	if disp := tp.sockA.Ready(mature, fdpoll.Writable); disp != fdpoll.DispositionClose {
		t.Fatal("expected the close disposition")
	}
	if len(tp.sockA.queue) != 0 {
		t.Fatal("the queue should have drained")
	}
	buf := make([]byte, 16)
	count, err := unix.Read(tp.feedA, buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte("inbound"), buf[:count]); diff != "" {
		t.Fatal(diff)
	}
}

func TestSentinelIsNotHandledEarly(t *testing.T) {
	tp := newTestPairing(t, 100*time.Millisecond)
	now := time.Now()
	tp.sockB.pushClose(now)
	tp.sockB.twin = nil
	tp.sockA.twin = nil
	tp.sockB.Ready(now.Add(10*time.Millisecond), fdpoll.Writable)
	if tp.sockB.state != stateReadWrite {
		t.Fatal("the sentinel matured too early")
	}
	if disp := tp.sockB.Ready(now.Add(100*time.Millisecond), fdpoll.Writable); disp != fdpoll.DispositionClose {
		t.Fatal("expected the close disposition")
	}
}

func TestPollErrorCascadesToTwin(t *testing.T) {
	tp := newTestPairing(t, 10*time.Millisecond)
	now := time.Now()
	if disp := tp.sockA.Ready(now, int16(unix.POLLHUP)); disp != fdpoll.DispositionClose {
		t.Fatal("expected the close disposition")
	}
	if tp.sockA.state != stateClosed {
		t.Fatal("unexpected state", tp.sockA.state)
	}
	if tp.sockA.twin != nil {
		t.Fatal("the twin reference should be cleared")
	}
	if len(tp.sockB.queue) != 1 || !tp.sockB.queue[0].isClose() {
		t.Fatal("the twin should have received the close sentinel")
	}
}

func TestPartialWritesLoseNothing(t *testing.T) {
	tp := newTestPairing(t, 0)
	// Shrink the send buffer so a large chunk cannot go out at once.
	if err := unix.SetsockoptInt(tp.sockB.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 8192); err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 512*1024)
	for idx := range payload {
		payload[idx] = byte(idx)
	}
	now := time.Now()
	ck := newChunk(now, 0)
	ck.append(payload)
	tp.sockB.push(ck)

	var delivered []byte
	sawPartial := false
	for cycles := 0; len(tp.sockB.queue) > 0; cycles++ {
		if cycles > 4096 {
			t.Fatal("too many cycles, delivered so far:", len(delivered))
		}
		tp.sockB.Ready(now, fdpoll.Writable)
		if len(tp.sockB.queue) > 0 && len(tp.sockB.queue[0].data) < len(payload) {
			sawPartial = true
		}
		delivered = append(delivered, tp.drain(t)...)
	}
	for {
		data := tp.drain(t)
		if data == nil {
			break
		}
		delivered = append(delivered, data...)
	}
	if !sawPartial {
		t.Fatal("the test did not exercise a partial write")
	}
	if !bytes.Equal(payload, delivered) {
		t.Fatal("bytes lost or duplicated across partial writes")
	}
	if tp.sockB.state != stateReadWrite {
		t.Fatal("unexpected state", tp.sockB.state)
	}
}

func TestWriteErrorClosesSocket(t *testing.T) {
	tp := newTestPairing(t, 0)
	// Make the destination unwritable: its peer is gone and SIGPIPE
	// surfaces as EPIPE on write(2).
	if err := unix.Close(tp.drainB); err != nil {
		t.Fatal(err)
	}
	tp.drainB = -1
	now := time.Now()
	ck := newChunk(now, 0)
	ck.append([]byte("doomed"))
	tp.sockB.push(ck)
	if disp := tp.sockB.Ready(now, fdpoll.Writable); disp != fdpoll.DispositionClose {
		t.Fatal("expected the close disposition")
	}
	if len(tp.sockA.queue) != 1 || !tp.sockA.queue[0].isClose() {
		t.Fatal("the twin should have received the close sentinel")
	}
}

func TestForwardingWithoutTwinPanics(t *testing.T) {
	feedA, fdA := newSocketpair(t)
	defer unix.Close(feedA)
	defer unix.Close(fdA)
	sock := newDelaySocket(fdA, 10*time.Millisecond, nil)
	if _, err := unix.Write(feedA, []byte("orphan")); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	sock.Ready(time.Now(), fdpoll.Readable)
}

func TestInterestComputation(t *testing.T) {
	tp := newTestPairing(t, 100*time.Millisecond)
	now := time.Now()

	t.Run("while readWrite with empty queue", func(t *testing.T) {
		events, wake := tp.sockA.Interest(now)
		if events != fdpoll.Readable {
			t.Fatal("unexpected events", events)
		}
		if wake != fdpoll.NoWakeHint {
			t.Fatal("unexpected wake hint", wake)
		}
	})

	t.Run("with a pending chunk", func(t *testing.T) {
		ck := newChunk(now, 100*time.Millisecond)
		ck.append([]byte("x"))
		tp.sockA.push(ck)
		events, wake := tp.sockA.Interest(now.Add(40 * time.Millisecond))
		if events != fdpoll.Readable {
			t.Fatal("unexpected events", events)
		}
		if wake != 60*time.Millisecond {
			t.Fatal("unexpected wake hint", wake)
		}
	})

	t.Run("with a matured chunk", func(t *testing.T) {
		events, wake := tp.sockA.Interest(now.Add(150 * time.Millisecond))
		if events != fdpoll.Readable|fdpoll.Writable {
			t.Fatal("unexpected events", events)
		}
		// Writability wakes the loop; a timed wakeup on top of it
		// would busy-poll while the send buffer is full.
		if wake != fdpoll.NoWakeHint {
			t.Fatal("unexpected wake hint", wake)
		}
	})

	t.Run("while draining after end-of-stream", func(t *testing.T) {
		tp.sockA.twin = nil
		tp.sockA.state = stateEofFlushWrites
		events, _ := tp.sockA.Interest(now.Add(150 * time.Millisecond))
		if events != fdpoll.Writable {
			t.Fatal("unexpected events", events)
		}
	})
}

func TestDumpStateDescribesQueue(t *testing.T) {
	tp := newTestPairing(t, time.Second)
	now := time.Now()
	ck := newChunk(now, time.Second)
	ck.append([]byte("pending bytes"))
	tp.sockA.push(ck)
	tp.sockA.pushClose(now)
	var buf bytes.Buffer
	tp.sockA.DumpState(&buf, now)
	dump := buf.String()
	if !strings.Contains(dump, "queue: 2") {
		t.Fatal("missing queue depth in", dump)
	}
	if !strings.Contains(dump, "13 bytes") {
		t.Fatal("missing chunk length in", dump)
	}
	if !strings.Contains(dump, "in: 1000ms") {
		t.Fatal("missing remaining delay in", dump)
	}
}

func TestSocketStateString(t *testing.T) {
	expectations := map[socketState]string{
		stateReadWrite:      "readWrite",
		stateEofFlushWrites: "eofFlushWrites",
		stateClosed:         "closed",
		socketState(44):     "invalid",
	}
	for state, expect := range expectations {
		if state.String() != expect {
			t.Fatal("unexpected string for", int(state))
		}
	}
}
