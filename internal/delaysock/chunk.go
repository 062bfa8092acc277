package delaysock

//
// Delayed chunks of buffered bytes
//

import "time"

// chunk is a unit of bytes queued for delayed delivery. A chunk with no
// data is the close sentinel: it tells the receiving socket that its twin
// saw end-of-stream or a fatal error.
type chunk struct {
	// sendTime is the instant at which the chunk becomes eligible
	// for delivery. Fixed at construction.
	sendTime time.Time

	// data contains the bytes still to deliver. Delivered bytes are
	// trimmed from the front after partial writes.
	data []byte
}

// newChunk creates a chunk eligible for delivery at now + delay.
func newChunk(now time.Time, delay time.Duration) *chunk {
	return &chunk{sendTime: now.Add(delay)}
}

// append adds bytes to the chunk. Must not be called after the chunk
// has been queued on a destination socket.
func (ck *chunk) append(data []byte) {
	ck.data = append(ck.data, data...)
}

// isClose tells whether this chunk is the close sentinel.
func (ck *chunk) isClose() bool {
	return len(ck.data) == 0
}

// remaining returns the time left until the chunk is eligible for
// delivery, which is negative once the deadline has passed.
func (ck *chunk) remaining(now time.Time) time.Duration {
	return ck.sendTime.Sub(now)
}
