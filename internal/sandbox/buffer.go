package sandbox

import "bytes"

// DefaultOutputLimit caps stdout/stderr of a run to prevent memory exhaustion.
const DefaultOutputLimit = 64 * 1024

// TruncatedNotice is appended to output that exceeded its limit.
const TruncatedNotice = "\n... output truncated ..."

// limitedBuffer is a bytes.Buffer that stops accepting writes after a limit.
// Writes past the limit are discarded but reported as consumed so the
// producer keeps draining.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &limitedBuffer{limit: limit}
}

func (lb *limitedBuffer) Write(p []byte) (n int, err error) {
	if lb.truncated {
		return len(p), nil
	}

	remaining := lb.limit - lb.buf.Len()
	if remaining <= 0 {
		lb.truncated = true
		return len(p), nil
	}

	if len(p) > remaining {
		lb.truncated = true
		lb.buf.Write(p[:remaining])
		return len(p), nil
	}

	return lb.buf.Write(p)
}

func (lb *limitedBuffer) String() string {
	return lb.buf.String()
}
