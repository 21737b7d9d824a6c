package staging

import (
	"context"
	"io"
)

// ctxReader fails reads once ctx is done, so a cancelled upload stops at
// the next chunk even if the source never errors.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// quotaWriter reserves staging capacity before every write.
type quotaWriter struct {
	area     *StagingArea
	w        io.Writer
	reserved int64
}

func (q *quotaWriter) Write(p []byte) (int, error) {
	if err := q.area.reserve(int64(len(p))); err != nil {
		return 0, err
	}
	q.reserved += int64(len(p))
	return q.w.Write(p)
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// prefixWriter keeps the first limit bytes written to it.
type prefixWriter struct {
	buf   []byte
	limit int
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		w.buf = append(w.buf, p[:min(room, len(p))]...)
	}
	return len(p), nil
}
