package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// MaxFrameSize caps a single envelope frame. Anything larger is treated as
// a protocol error and the connection is closed.
const MaxFrameSize = 10 * 1024 * 1024

// WriteEnvelope writes one length-prefixed envelope frame:
// [4-byte BE length][UTF-8 JSON].
func WriteEnvelope(w io.Writer, e *Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadEnvelope reads exactly one framed envelope from r. A short read, an
// oversized length, invalid UTF-8 or malformed JSON returns a nil envelope
// and an error; the caller must close the connection, since the stream
// position is no longer trustworthy.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length: %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	if !utf8.Valid(body) {
		return nil, fmt.Errorf("frame body is not valid UTF-8")
	}

	return Unmarshal(body)
}
