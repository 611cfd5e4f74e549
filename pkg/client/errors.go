package client

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"syscall"

	"github.com/jamesainslie/pushsync/pkg/protocol"
)

// ErrorClass groups session failures by how the client should react.
type ErrorClass int

const (
	// ClassTransport is any other connection or I/O failure.
	ClassTransport ErrorClass = iota
	// ClassConnRefused means nothing is listening at the server address.
	ClassConnRefused
	// ClassTimeout is a deadline exceeded on dial or read.
	ClassTimeout
	// ClassProtocol is an undecodable or unexpected control message.
	ClassProtocol
	// ClassTransfer is a raw stream that failed or came up short: the
	// registry download or a file upload.
	ClassTransfer
	// ClassRejected is an explicit error reply from the server.
	ClassRejected
	// ClassFilesystem is a local I/O failure.
	ClassFilesystem
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConnRefused:
		return "connection refused"
	case ClassTimeout:
		return "timeout"
	case ClassProtocol:
		return "protocol"
	case ClassTransfer:
		return "transfer"
	case ClassRejected:
		return "rejected"
	case ClassFilesystem:
		return "filesystem"
	default:
		return "transport"
	}
}

// Retryable reports whether a fresh session could succeed.
func (c ErrorClass) Retryable() bool {
	return c != ClassRejected && c != ClassFilesystem
}

// SessionError is a classified failure of one session step.
type SessionError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// wrap classifies err and tags it with op. Already classified errors keep
// their class.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return err
	}
	return &SessionError{Class: Classify(err), Op: op, Err: err}
}

// wrapAs tags err with a fixed class.
func wrapAs(class ErrorClass, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{Class: class, Op: op, Err: err}
}

// Classify maps an error to its class.
func Classify(err error) ErrorClass {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Class
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassConnRefused
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) ||
		errors.Is(err, protocol.ErrShortFrame) ||
		errors.Is(err, protocol.ErrFrameTooLarge) {
		return ClassProtocol
	}
	if errors.Is(err, protocol.ErrShortStream) {
		return ClassTransfer
	}

	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		return ClassRejected
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return ClassFilesystem
	}
	return ClassTransport
}
