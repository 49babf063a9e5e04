// Package audiobuf holds audio frames that arrive before the upstream
// session can accept them.
package audiobuf

// Default sliding-window bounds.
const (
	DefaultCapacity = 100
	DefaultKeep     = 50
)

// Queue is an ordered frame queue bounded by a sliding window. Up to
// Capacity frames are held as a burst; once the length exceeds Capacity the
// queue is cut to the newest Keep frames and stays a Keep-sized window until
// it is Reset. It is not safe for concurrent use; each connection owns its
// own queue from a single goroutine.
type Queue struct {
	frames     [][]byte
	capacity   int
	keep       int
	trimmed    int
	overflowed bool
}

// New returns a Queue with the given bounds. Non-positive values fall back
// to the defaults, and keep is clamped to capacity.
func New(capacity, keep int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if keep > capacity {
		keep = capacity
	}
	return &Queue{capacity: capacity, keep: keep}
}

// Push appends a copy of frame and trims the queue when it overflows.
// It returns the number of frames dropped by the trim.
func (q *Queue) Push(frame []byte) int {
	q.frames = append(q.frames, append([]byte(nil), frame...))
	limit := q.capacity
	if q.overflowed {
		limit = q.keep
	}
	if len(q.frames) <= limit {
		return 0
	}
	q.overflowed = true
	drop := len(q.frames) - q.keep
	kept := make([][]byte, q.keep)
	copy(kept, q.frames[drop:])
	q.frames = kept
	q.trimmed += drop
	return drop
}

// Len returns the number of queued frames.
func (q *Queue) Len() int { return len(q.frames) }

// Frames returns the queued frames in arrival order. The slice is a
// snapshot; later pushes do not affect it.
func (q *Queue) Frames() [][]byte {
	out := make([][]byte, len(q.frames))
	copy(out, q.frames)
	return out
}

// Reset discards every queued frame and reopens the burst allowance.
func (q *Queue) Reset() {
	q.frames = nil
	q.overflowed = false
}

// Trimmed returns the total number of frames discarded by overflow trims.
func (q *Queue) Trimmed() int { return q.trimmed }
