package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Conn carries control messages and raw streams over one connection.
// It is not safe for concurrent use; a session owns its Conn.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
}

// NewConn wraps nc.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReaderSize(nc, 32*1024)}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Send JSON-encodes v and writes it as one control message.
func (c *Conn) Send(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding control message: %w", err)
	}
	return WriteFrame(c.nc, body)
}

// SendRequest writes a client request.
func (c *Conn) SendRequest(req Request) error {
	body, err := EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.RequestType(), err)
	}
	return WriteFrame(c.nc, body)
}

// ReceiveFrame reads one control message body.
func (c *Conn) ReceiveFrame() ([]byte, error) {
	return ReadFrame(c.r)
}

// ReceiveRequest reads and decodes one request. A closed peer yields a
// sentinel CloseRequest rather than an error.
func (c *Conn) ReceiveRequest() (Request, error) {
	body, err := c.ReceiveFrame()
	if errors.Is(err, ErrPeerClosed) {
		return CloseRequest{Sentinel: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeRequest(body)
}

// ReceiveResponse reads and decodes one reply.
func (c *Conn) ReceiveResponse() (*Response, error) {
	body, err := c.ReceiveFrame()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(body)
}

// WriteStream copies exactly n bytes from src to the peer.
func (c *Conn) WriteStream(src io.Reader, n int64) (int64, error) {
	written, err := io.CopyN(c.nc, src, n)
	if errors.Is(err, io.EOF) {
		return written, fmt.Errorf("%w: sent %d of %d bytes", ErrShortStream, written, n)
	}
	if err != nil {
		return written, fmt.Errorf("sending raw stream: %w", err)
	}
	return written, nil
}

// ReadStream copies exactly n bytes from the peer to dst.
func (c *Conn) ReadStream(dst io.Writer, n int64) (int64, error) {
	return c.readStream(c.r, dst, n)
}

// ReadStreamIdle is ReadStream with a deadline refreshed before every read.
// A peer that stays silent for idle aborts the stream with a timeout error.
func (c *Conn) ReadStreamIdle(dst io.Writer, n int64, idle time.Duration) (int64, error) {
	if idle <= 0 {
		return c.ReadStream(dst, n)
	}
	defer func() { _ = c.nc.SetReadDeadline(time.Time{}) }()
	return c.readStream(&idleReader{r: c.r, nc: c.nc, idle: idle}, dst, n)
}

func (c *Conn) readStream(src io.Reader, dst io.Writer, n int64) (int64, error) {
	read, err := io.CopyN(dst, src, n)
	if errors.Is(err, io.EOF) {
		return read, fmt.Errorf("%w: received %d of %d bytes", ErrShortStream, read, n)
	}
	if err != nil {
		return read, fmt.Errorf("receiving raw stream: %w", err)
	}
	return read, nil
}

type idleReader struct {
	r    io.Reader
	nc   net.Conn
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.nc.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
