package bodycodec

import (
	"bytes"
	"io"
)

// replayBody serves the bytes read during a peek, then either the remainder
// of the original stream or the error the peek ran into.
type replayBody struct {
	c    io.ReadCloser
	r    *bytes.Reader
	rest io.Reader
	e    error
}

func (rb *replayBody) Read(b []byte) (int, error) {
	if rb.r.Len() > 0 {
		return rb.r.Read(b)
	}
	if rb.e != nil {
		return 0, rb.e
	}
	if rb.rest == nil {
		return 0, io.EOF
	}
	return rb.rest.Read(b)
}

func (rb *replayBody) Close() error {
	return rb.c.Close()
}

// Peek reads the start of body into a scratch buffer and returns a
// replacement body that yields exactly the same byte sequence (and the same
// read error, if any) as the original would have.
//
// With a known declaredLength at most min(maxBytes, declaredLength) bytes are
// read ahead and total is declaredLength, or the real size if the stream ends
// early. With an unknown length (negative) at most maxBytes+1 bytes are read:
// total is the real size when the stream ends within that window and -1
// otherwise, so an unbounded stream is never buffered. Peek still blocks
// until that window fills or the stream ends; callers skip it for event
// streams (see IsStream).
//
// A non-nil err means the scratch is incomplete and must not be captured; the
// replay body is still valid.
func Peek(body io.ReadCloser, declaredLength, maxBytes int64) (scratch []byte, total int64, replay io.ReadCloser, err error) {
	if body == nil {
		return nil, 0, nil, nil
	}
	if maxBytes < 0 {
		maxBytes = 0
	}

	unknown := declaredLength < 0
	limit := declaredLength
	if unknown {
		limit = maxBytes + 1
	} else if maxBytes < limit {
		limit = maxBytes
	}

	buf := make([]byte, limit)
	n := 0
	var rerr error
	for n < len(buf) && rerr == nil {
		var m int
		m, rerr = body.Read(buf[n:])
		n += m
	}
	buf = buf[:n]

	rb := &replayBody{c: body, r: bytes.NewReader(buf)}
	switch rerr {
	case nil:
		rb.rest = body
		return buf, declaredLength, rb, nil
	case io.EOF:
		return buf, int64(n), rb, nil
	default:
		rb.e = rerr
		return buf, declaredLength, rb, rerr
	}
}
