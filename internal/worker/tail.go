// ABOUTME: Bounded writer keeping only the end of a job's output
// ABOUTME: Script logs can be large and the report only needs the tail

package worker

import "sync"

const truncatedMarker = "...[output truncated]\n"

type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.truncated {
		return truncatedMarker + string(t.buf)
	}
	return string(t.buf)
}
