package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request types on the wire.
const (
	TypeTimeSync   = "time_sync"
	TypeDBDownload = "db_download"
	TypeFileSync   = "file_sync"
	TypeClose      = "close"
)

// Response statuses on the wire.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusReady        = "ready"
	StatusReadyForFile = "ready_for_file"
	StatusFileReceived = "file_received"
	StatusHashMismatch = "hash_mismatch"
	StatusSyncComplete = "sync_complete"
)

// Error messages the server sends verbatim.
const (
	MsgInvalidJSON    = "Invalid JSON data"
	MsgUnknownRequest = "Unknown request type"
	MsgNoRegistry     = "Database file not found"
)

// FileEntry describes one file of a transfer set.
type FileEntry struct {
	Path         string  `json:"path"`
	Size         int64   `json:"size"`
	ModifiedTime float64 `json:"modified_time"`
	Hash         string  `json:"hash"`
}

// Request is one decoded client request.
type Request interface {
	RequestType() string
}

// TimeSyncRequest asks for the server clock.
type TimeSyncRequest struct {
	ClientTime float64
}

// DBDownloadRequest asks for a snapshot of the server registry.
type DBDownloadRequest struct{}

// FileSyncRequest announces a transfer set.
type FileSyncRequest struct {
	Files []FileEntry
}

// CloseRequest ends the session. Sentinel is set when it was synthesised
// from an empty body rather than sent as {"type":"close"}.
type CloseRequest struct {
	Sentinel bool
}

// UnknownRequest carries a type the server does not serve.
type UnknownRequest struct {
	Type string
}

func (TimeSyncRequest) RequestType() string   { return TypeTimeSync }
func (DBDownloadRequest) RequestType() string { return TypeDBDownload }
func (FileSyncRequest) RequestType() string   { return TypeFileSync }
func (CloseRequest) RequestType() string      { return TypeClose }
func (r UnknownRequest) RequestType() string  { return r.Type }

// wireRequest is the union of every request field. Files is a pointer so
// an empty file_sync still carries "files":[] while other types omit it.
type wireRequest struct {
	Type       string       `json:"type"`
	ClientTime *float64     `json:"client_time,omitempty"`
	Files      *[]FileEntry `json:"files,omitempty"`
}

// DecodeError reports a control message that could not be turned into a
// request or response.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding control message (%d bytes): %v", len(e.Body), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errMissingField = errors.New("missing field")

// isEmptyObject reports whether body is the end-of-session sentinel.
func isEmptyObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}"))
}

// DecodeRequest turns a control message body into a Request.
func DecodeRequest(body []byte) (Request, error) {
	if isEmptyObject(body) {
		return CloseRequest{Sentinel: true}, nil
	}

	var w wireRequest
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, &DecodeError{Body: body, Err: err}
	}

	switch w.Type {
	case TypeTimeSync:
		if w.ClientTime == nil {
			return nil, &DecodeError{Body: body, Err: fmt.Errorf("%w: client_time", errMissingField)}
		}
		return TimeSyncRequest{ClientTime: *w.ClientTime}, nil
	case TypeDBDownload:
		return DBDownloadRequest{}, nil
	case TypeFileSync:
		var files []FileEntry
		if w.Files != nil {
			files = *w.Files
		}
		return FileSyncRequest{Files: files}, nil
	case TypeClose:
		return CloseRequest{}, nil
	default:
		return UnknownRequest{Type: w.Type}, nil
	}
}

// EncodeRequest renders a Request as a control message body.
func EncodeRequest(req Request) ([]byte, error) {
	w := wireRequest{Type: req.RequestType()}
	switch r := req.(type) {
	case TimeSyncRequest:
		w.ClientTime = &r.ClientTime
	case FileSyncRequest:
		files := r.Files
		if files == nil {
			files = []FileEntry{}
		}
		w.Files = &files
	}
	return json.Marshal(w)
}

// Response is any server reply. Optional fields are pointers so that
// zero values (size 0, received_files 0) still reach the wire.
type Response struct {
	Status        string   `json:"status"`
	Message       string   `json:"message,omitempty"`
	ServerTime    *float64 `json:"server_time,omitempty"`
	ClientTime    *float64 `json:"client_time,omitempty"`
	TimeDiff      *float64 `json:"time_diff,omitempty"`
	Size          *int64   `json:"size,omitempty"`
	ReceivedFiles *int     `json:"received_files,omitempty"`
}

// RemoteError is a {"status":"error"} reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "server error: " + e.Message
}

// Err returns a *RemoteError for error replies and nil otherwise.
func (r *Response) Err() error {
	if r.Status == StatusError {
		return &RemoteError{Message: r.Message}
	}
	return nil
}

// Expect returns an error unless the reply has the given status.
func (r *Response) Expect(status string) error {
	if err := r.Err(); err != nil {
		return err
	}
	if r.Status != status {
		return &DecodeError{Err: fmt.Errorf("unexpected status %q, want %q", r.Status, status)}
	}
	return nil
}

// DecodeResponse turns a control message body into a Response.
func DecodeResponse(body []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, &DecodeError{Body: body, Err: err}
	}
	if r.Status == "" {
		return nil, &DecodeError{Body: body, Err: fmt.Errorf("%w: status", errMissingField)}
	}
	return &r, nil
}

func Status(status string) *Response {
	return &Response{Status: status}
}

// Errorf builds an error reply.
func Errorf(format string, args ...interface{}) *Response {
	return &Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// TimeSyncReply builds the time_sync answer; time_diff is server minus client.
func TimeSyncReply(serverTime, clientTime float64) *Response {
	diff := serverTime - clientTime
	return &Response{
		Status:     StatusOK,
		ServerTime: &serverTime,
		ClientTime: &clientTime,
		TimeDiff:   &diff,
	}
}

// SizeReply announces a raw stream of size bytes.
func SizeReply(size int64) *Response {
	return &Response{Status: StatusOK, Size: &size}
}

// SyncCompleteReply closes a file_sync exchange.
func SyncCompleteReply(received int) *Response {
	return &Response{Status: StatusSyncComplete, ReceivedFiles: &received}
}
