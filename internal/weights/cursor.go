package weights

import "fmt"

// Cursor walks a serialized byte stream. Each conversion reading from it
// advances the offset by the bytes it consumed. A Cursor is not safe for
// concurrent use.
type Cursor struct {
	buf []byte
	off int64
}

func NewCursor(b []byte) *Cursor {
	return &Cursor{buf: b}
}

func (c *Cursor) Offset() int64 {
	return c.off
}

func (c *Cursor) Remaining() int64 {
	return int64(len(c.buf)) - c.off
}

// Next returns the next n bytes and advances past them.
func (c *Cursor) Next(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read of %d bytes", n)
	}
	if n > c.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, c.off, c.Remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}
