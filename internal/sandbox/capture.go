// Package sandbox launches and supervises the per-execution engine
// subprocess: bounded output capture, wall-clock enforcement, and bridge
// session lifecycle.
package sandbox

import (
	"sync"
)

// truncationMarker is appended to a capture that overflowed its cap.
const truncationMarker = "\n[output truncated]"

// CaptureBuffer is a bounded io.Writer for one output stream. Writes past
// the cap are discarded, never reported as errors, so the engine keeps
// running while its output is dropped.
type CaptureBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

// NewCaptureBuffer creates a buffer holding at most max bytes.
func NewCaptureBuffer(max int) *CaptureBuffer {
	if max <= 0 {
		max = 2 * 1024 * 1024
	}
	return &CaptureBuffer{max: max}
}

// Write implements io.Writer. It always reports the full length as written.
func (c *CaptureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.max - len(c.buf)
	if room > 0 {
		if len(p) <= room {
			c.buf = append(c.buf, p...)
		} else {
			c.buf = append(c.buf, p[:room]...)
			c.truncated = true
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

// String returns the captured output, with the truncation marker appended
// when the cap was exceeded.
func (c *CaptureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return string(c.buf) + truncationMarker
	}
	return string(c.buf)
}

// Truncated reports whether output was dropped.
func (c *CaptureBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
