package velbus

import (
	"bytes"
	"errors"
	"fmt"
)

// FrameReader reassembles frames from a byte stream.
//
// Bytes arrive in arbitrary chunks; a frame may be split across reads or
// several frames may arrive in one read. Feed keeps the tail of an
// incomplete frame until the next chunk arrives. When the buffer cannot
// start a valid frame, the reader skips to the next start byte.
//
// A FrameReader belongs to one connection and is not safe for concurrent use.
type FrameReader struct {
	buf         []byte
	malformed   uint64
	onMalformed func(err error, skipped []byte)
}

// NewFrameReader creates an empty reader.
func NewFrameReader() *FrameReader {
	return &FrameReader{buf: make([]byte, 0, frameOverhead+maxDataLength)}
}

// SetOnMalformed registers a callback invoked with the decode error and the
// bytes skipped while resynchronising.
func (r *FrameReader) SetOnMalformed(fn func(err error, skipped []byte)) {
	r.onMalformed = fn
}

// Feed appends chunk to the buffer and returns every complete frame, in
// arrival order.
func (r *FrameReader) Feed(chunk []byte) []Frame {
	r.buf = append(r.buf, chunk...)
	return r.drain(Decode)
}

// Flush ends the stream. It decodes what is left in the buffer without
// waiting for more bytes, so a frame declaring fewer bytes than its command
// needs is reported as malformed instead of being held.
//
// Returns:
//   - []Frame: Frames completed by the end of the stream
//   - error: ErrIncomplete when a partial frame is left over
func (r *FrameReader) Flush() ([]Frame, error) {
	frames := r.drain(decodeFinal)
	if n := len(r.buf); n > 0 {
		return frames, fmt.Errorf("%w: %d trailing bytes do not form a complete frame", ErrIncomplete, n)
	}
	return frames, nil
}

func (r *FrameReader) drain(decodeFn func([]byte) (Frame, int, error)) []Frame {
	var frames []Frame
	rest := r.buf
	for len(rest) > 0 {
		f, n, err := decodeFn(rest)
		if err == nil {
			frames = append(frames, f)
			rest = rest[n:]
			continue
		}
		if errors.Is(err, ErrIncomplete) {
			break
		}

		r.malformed++
		skip := len(rest)
		if next := bytes.IndexByte(rest[1:], STX); next >= 0 {
			skip = next + 1
		}
		if r.onMalformed != nil {
			r.onMalformed(err, append([]byte(nil), rest[:skip]...))
		}
		rest = rest[skip:]
	}

	// Move the leftover to the front so the backing array does not grow.
	r.buf = r.buf[:copy(r.buf, rest)]
	return frames
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Malformed returns how many times the reader had to resynchronise.
func (r *FrameReader) Malformed() uint64 {
	return r.malformed
}

// Reset discards any buffered bytes. Used after a reconnect.
func (r *FrameReader) Reset() {
	r.buf = r.buf[:0]
}
