// Package progress aggregates per-chunk upload progress into a single
// session-wide percentage.
package progress

import "sync"

// Tracker combines confirmed chunk bytes and in-flight bytes into a 0-100
// percent value.
//
// The reported percent is monotonic within a session: it never decreases,
// and it never reaches 100 before MarkComplete is called, even when every
// byte has been sent. A chunk retry resets that chunk's in-flight bytes
// without moving the percent backwards.
type Tracker struct {
	mu        sync.Mutex
	fileSize  int64
	confirmed int64
	inFlight  map[int]int64
	reported  int
	complete  bool
}

// NewTracker creates a tracker for a file of the given size.
func NewTracker(fileSize int64) *Tracker {
	return &Tracker{
		fileSize: fileSize,
		inFlight: map[int]int64{},
	}
}

// SetInFlight records that sent bytes of the chunk's length bytes have been
// written to the network so far. Call with sent=0 when a chunk send restarts
// so a retried chunk is not double counted.
func (t *Tracker) SetInFlight(index int, sent, length int64) {
	if sent < 0 {
		sent = 0
	}
	if sent > length {
		sent = length
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight[index] = sent
}

// Confirm moves a chunk from in-flight to confirmed.
func (t *Tracker) Confirm(index int, length int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, index)
	t.confirmed += length
}

// Discard drops a chunk's in-flight bytes, e.g. when its upload was
// cancelled before the server acknowledged it.
func (t *Tracker) Discard(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inFlight, index)
}

// MarkComplete allows the tracker to report 100. Call only after the final
// merge request succeeded.
func (t *Tracker) MarkComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.complete = true
}

// Percent returns the session progress in [0, 100].
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.complete {
		t.reported = 100
		return t.reported
	}

	percent := 0
	if t.fileSize > 0 {
		total := t.confirmed
		for _, sent := range t.inFlight {
			total += sent
		}
		percent = int(total * 100 / t.fileSize)
	}
	// 100 is reserved for a finalized session.
	if percent > 99 {
		percent = 99
	}
	if percent > t.reported {
		t.reported = percent
	}
	return t.reported
}
