// Package swframe implements the length-prefixed framing used to carry
// proxied HTTP traffic over the single ship-to-shore transport connection.
//
// Wire format, repeated back to back on the stream:
//
//	[ 4 bytes payload length, big-endian ][ 1 byte type ][ payload ]
//
// The length counts payload bytes only. There is no handshake, no magic
// number and no checksum; integrity is delegated to the underlying
// reliable transport, and frame payloads are opaque HTTP bytes.
package swframe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type is the one-byte frame type tag.
type Type byte

const (
	// DataOut frames travel from the ship toward the shore egress.
	DataOut Type = 0

	// DataIn frames travel from the shore egress back to the ship.
	DataIn Type = 1
)

func (t Type) String() string {
	switch t {
	case DataOut:
		return "DATA_OUT"
	case DataIn:
		return "DATA_IN"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
}

// HeaderLen is the number of bytes preceding the payload of every frame.
const HeaderLen = 5

// DefaultMaxPayload bounds the declared payload length a Reader will
// accept before it gives up on the stream as corrupted.
const DefaultMaxPayload uint32 = 16 * 1024 * 1024

// ErrMalformed is returned when a decoded header cannot describe a valid
// frame: the declared length exceeds the Reader's maximum, or the type
// tag is unknown. It is detected before any payload is allocated or read.
var ErrMalformed = fmt.Errorf("malformed frame")

// ErrTruncated is returned when the stream ends in the middle of a frame.
var ErrTruncated = fmt.Errorf("truncated frame stream")

// Frame is one atomic protocol envelope. A receiver never acts on a
// partial frame.
type Frame struct {
	Type    Type
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[%d]", f.Type, len(f.Payload))
}

// Append appends the encoded form of one frame to dst and returns the
// extended slice.
func Append(dst []byte, typ Type, payload []byte) []byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = byte(typ)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Write encodes f and writes it to w as a single Write call, so that
// message-oriented transports carry each frame contiguously.
func Write(w io.Writer, f Frame) error {
	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = Append(buf, f.Type, f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame %s: %w", f, err)
	}
	return nil
}

// Reader decodes frames from an ordered byte stream.
//
// Reader additionally tracks whether the last failed ReadFrame consumed
// any bytes of an incomplete frame. A caller that times out a read needs
// that distinction: a timeout on a frame boundary leaves the stream
// usable, a timeout mid-frame means the stream is desynchronized and the
// connection must be torn down.
type Reader struct {
	r          io.Reader
	maxPayload uint32
	nread      int64
	mark       int64
}

// NewReader creates a Reader over r. If maxPayload is 0,
// DefaultMaxPayload is used.
func NewReader(r io.Reader, maxPayload uint32) *Reader {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// Dirty returns true if the most recent ReadFrame failed after consuming
// one or more bytes of an incomplete frame.
func (r *Reader) Dirty() bool {
	return r.nread > r.mark
}

func (r *Reader) readFull(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.nread += int64(n)
	return err
}

// ReadFrame blocks until a complete frame is available and returns it.
// A clean end of stream on the first header byte returns io.EOF so
// callers can tell orderly peer departure from corruption; any other
// short read returns ErrTruncated. A declared length greater than the
// configured maximum, or an unknown type tag, returns ErrMalformed
// without reading or allocating the declared payload.
func (r *Reader) ReadFrame() (Frame, error) {
	r.mark = r.nread

	var hdr [HeaderLen]byte
	if err := r.readFull(hdr[:]); err != nil {
		if err == io.EOF && !r.Dirty() {
			return Frame{}, io.EOF
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("%w: stream closed inside frame header", ErrTruncated)
		}
		return Frame{}, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[:4])
	typ := Type(hdr[4])
	if length > r.maxPayload {
		return Frame{}, fmt.Errorf("%w: declared payload length %d exceeds maximum %d", ErrMalformed, length, r.maxPayload)
	}
	if typ != DataOut && typ != DataIn {
		return Frame{}, fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformed, byte(typ))
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if err := r.readFull(payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return Frame{}, fmt.Errorf("%w: stream closed after %d of %d payload bytes", ErrTruncated, r.nread-r.mark-HeaderLen, length)
			}
			return Frame{}, fmt.Errorf("reading frame payload: %w", err)
		}
	}

	r.mark = r.nread
	return Frame{Type: typ, Payload: payload}, nil
}
