// Package protocol implements the pushsync wire format.
//
// Control messages are a 4-byte big-endian length followed by a UTF-8 JSON
// body. Raw payload streams are exactly N bytes that follow a control
// message announcing N, with no delimiter.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length prefix size in bytes.
const HeaderSize = 4

// MaxFrameSize bounds a single control message body. A file_sync request
// listing every file of a large tree is the biggest message in practice.
const MaxFrameSize = 128 << 20

var (
	// ErrPeerClosed is returned when the peer closed before sending any
	// byte of a new control message. Sessions treat it as a close request.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrShortFrame is returned when the peer closed mid-message. The
	// bytes read so far are returned alongside it.
	ErrShortFrame = errors.New("short control message")

	// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("control message too large")

	// ErrShortStream is returned when a raw stream ends before its announced size.
	ErrShortStream = errors.New("short raw stream")
)

// WriteFrame writes body as one length-prefixed control message.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[HeaderSize:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing control message: %w", err)
	}
	return nil
}

// ReadFrame reads one control message body.
//
// A peer that closes before the first header byte yields ErrPeerClosed.
// A peer that closes after that yields the accumulated body bytes and
// ErrShortFrame; callers decide whether the partial body is usable.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	switch {
	case n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)):
		return nil, ErrPeerClosed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: %d of %d header bytes", ErrShortFrame, n, HeaderSize)
	case err != nil:
		return nil, fmt.Errorf("reading message header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return []byte{}, nil
	}

	body := make([]byte, length)
	n, err = io.ReadFull(r, body)
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return body[:n], fmt.Errorf("%w: %d of %d body bytes", ErrShortFrame, n, length)
	case err != nil:
		return body[:n], fmt.Errorf("reading message body: %w", err)
	}

	return body, nil
}
