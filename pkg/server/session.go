package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/pushsync/pkg/protocol"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/metrics"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// session serves one connection. It owns its Conn and registry handle.
type session struct {
	id    string
	srv   *Server
	conn  *protocol.Conn
	store *store.Store
	phase *protocol.Tracker
	log   logging.Sink
}

// run reads requests until the peer closes, sends close, or the transport
// fails. Undecodable requests are answered with an error and skipped.
func (ss *session) run(ctx context.Context) {
	defer func() {
		_ = ss.conn.Close()
		ss.log.Info("client disconnected", "phase", ss.phase.Phase().String())
	}()

	for ctx.Err() == nil {
		req, err := ss.conn.ReceiveRequest()
		if err != nil {
			if !ss.recoverable(err) {
				return
			}
			continue
		}

		done, err := ss.handle(req)
		if err != nil {
			if ctx.Err() == nil {
				ss.log.Error("session aborted", "request", req.RequestType(), "error", err)
			}
			return
		}
		if done {
			return
		}
	}
}

// recoverable answers a bad control message with an error reply. It reports
// whether the session can keep reading.
func (ss *session) recoverable(err error) bool {
	var decodeErr *protocol.DecodeError
	switch {
	case errors.As(err, &decodeErr), errors.Is(err, protocol.ErrShortFrame):
		metrics.ObserveRequest("invalid")
		ss.log.Warn("invalid control message", "error", err)
		if sendErr := ss.conn.Send(protocol.Errorf(protocol.MsgInvalidJSON)); sendErr != nil {
			ss.log.Debug("error reply not delivered", "error", sendErr)
			return false
		}
		return true
	case errors.Is(err, protocol.ErrFrameTooLarge):
		// The body was never consumed so the stream cannot be resynchronised.
		ss.log.Warn("oversized control message", "error", err)
		_ = ss.conn.Send(protocol.Errorf("%s", err.Error()))
		return false
	default:
		ss.log.Debug("read failed", "error", err)
		return false
	}
}

// handle dispatches one request. done is true when the session should end.
func (ss *session) handle(req protocol.Request) (done bool, err error) {
	switch r := req.(type) {
	case protocol.TimeSyncRequest:
		metrics.ObserveRequest(protocol.TypeTimeSync)
		return false, ss.timeSync(r)
	case protocol.DBDownloadRequest:
		metrics.ObserveRequest(protocol.TypeDBDownload)
		return false, ss.dbDownload()
	case protocol.FileSyncRequest:
		metrics.ObserveRequest(protocol.TypeFileSync)
		return false, ss.fileSync(r)
	case protocol.CloseRequest:
		metrics.ObserveRequest(protocol.TypeClose)
		_ = ss.phase.Advance(protocol.PhaseClosed)
		if !r.Sentinel {
			ss.log.Debug("close requested")
		}
		return true, nil
	default:
		metrics.ObserveRequest("unknown")
		ss.log.Warn("unknown request type", "type", req.RequestType())
		return false, ss.conn.Send(protocol.Errorf(protocol.MsgUnknownRequest))
	}
}

func (ss *session) now() float64 {
	return fileutil.Epoch(ss.srv.opts.Now())
}

func (ss *session) timeSync(r protocol.TimeSyncRequest) error {
	reply := protocol.TimeSyncReply(ss.now(), r.ClientTime)
	ss.log.Debug("time sync", "time_diff", *reply.TimeDiff)
	_ = ss.phase.Advance(protocol.PhaseTimeSynced)
	return ss.conn.Send(reply)
}

// dbDownload streams a consistent snapshot of the registry.
func (ss *session) dbDownload() (err error) {
	defer func() { metrics.ObserveDownload(err) }()

	snapshot, err := ss.snapshot()
	if err != nil {
		ss.log.Error("registry snapshot failed", "error", err)
		return ss.conn.Send(protocol.Errorf(protocol.MsgNoRegistry))
	}
	defer os.Remove(snapshot)

	f, err := os.Open(snapshot)
	if err != nil {
		return ss.conn.Send(protocol.Errorf(protocol.MsgNoRegistry))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ss.conn.Send(protocol.Errorf(protocol.MsgNoRegistry))
	}
	size := info.Size()

	if err := ss.conn.Send(protocol.SizeReply(size)); err != nil {
		return err
	}

	ack, err := ss.conn.ReceiveResponse()
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			ss.log.Warn("registry download abandoned", "error", err)
			return nil
		}
		return err
	}
	if ack.Status != protocol.StatusReady {
		ss.log.Warn("registry download abandoned", "status", ack.Status)
		return nil
	}

	if _, err := ss.conn.WriteStream(f, size); err != nil {
		return err
	}
	_ = ss.phase.Advance(protocol.PhaseDBTransferred)
	ss.log.Info("registry sent", "size", humanize.Bytes(uint64(size)))
	return nil
}

// snapshot writes the registry to a fresh temp file in the data directory.
func (ss *session) snapshot() (string, error) {
	dir := filepath.Dir(ss.store.Path())
	tmp, err := os.CreateTemp(dir, registrySnapshotPrefix+ss.id+"-*.db")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	_ = tmp.Close()
	// VACUUM INTO refuses an existing target.
	if err := os.Remove(name); err != nil {
		return "", err
	}
	if err := ss.store.Snapshot(name); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

// fileSync runs the file_sync sub-protocol. Transport failures end the
// session; per-file failures are reported and skipped.
func (ss *session) fileSync(r protocol.FileSyncRequest) error {
	targets := make([]string, len(r.Files))
	for i, f := range r.Files {
		rel, err := ss.validate(f)
		if err != nil {
			ss.log.Warn("file_sync rejected", "path", f.Path, "error", err)
			return ss.conn.Send(protocol.Errorf("invalid file entry %q: %v", f.Path, err))
		}
		targets[i] = rel
	}

	_ = ss.phase.Advance(protocol.PhaseSyncing)
	if err := ss.conn.Send(protocol.Status(protocol.StatusReady)); err != nil {
		return err
	}
	ss.log.Info("receiving files", "count", len(r.Files))

	received := 0
	for i, f := range r.Files {
		ok, err := ss.receive(targets[i], f)
		if err != nil {
			return fmt.Errorf("receiving %s: %w", targets[i], err)
		}
		if ok {
			received++
		}
	}

	ss.log.Info("sync complete", "received", received, "announced", len(r.Files))
	return ss.conn.Send(protocol.SyncCompleteReply(received))
}

var errInsideDataDir = errors.New("path is inside the server data directory")

func (ss *session) validate(f protocol.FileEntry) (string, error) {
	rel, err := fileutil.CleanRel(f.Path)
	if err != nil {
		return "", err
	}
	if f.Size < 0 {
		return "", fmt.Errorf("negative size %d", f.Size)
	}
	dest, err := fileutil.SafeJoin(ss.srv.opts.Root, rel)
	if err != nil {
		return "", err
	}
	if ss.srv.reserved.contains(dest) {
		return "", errInsideDataDir
	}
	return rel, nil
}

// receive applies one file: snapshot, ready_for_file, write, verify, record.
// ok reports a confirmed file; err is a transport failure.
func (ss *session) receive(rel string, f protocol.FileEntry) (ok bool, err error) {
	start := time.Now()
	dest, _ := fileutil.SafeJoin(ss.srv.opts.Root, rel)

	unlock := ss.srv.locks.Lock(rel)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, ss.refuse(start, rel, fmt.Errorf("creating parent directory: %w", err))
	}

	// The destination is never touched unless its snapshot is durable.
	_, err = ss.srv.snap.Snapshot(ss.store, rel, dest)
	metrics.ObserveBackup(err)
	if err != nil {
		return false, ss.refuse(start, rel, fmt.Errorf("backup failed: %w", err))
	}

	if err := ss.conn.Send(protocol.Status(protocol.StatusReadyForFile)); err != nil {
		return false, err
	}

	written, writeErr := ss.write(dest, f.Size)
	if writeErr != nil {
		var streamErr *streamError
		if errors.As(writeErr, &streamErr) {
			return false, streamErr.err
		}
		ss.log.Error("write failed", "path", rel, "error", writeErr)
		metrics.ObserveFile(start, metrics.OutcomeError, 0)
		return false, ss.conn.Send(protocol.Errorf("writing %s: %v", rel, writeErr))
	}

	hash, err := fileutil.HashFile(dest)
	if err != nil || hash != f.Hash {
		ss.log.Warn("hash mismatch", "path", rel, "expected", f.Hash, "actual", hash, "error", err)
		metrics.ObserveFile(start, metrics.OutcomeMismatch, written)
		return false, ss.conn.Send(protocol.Status(protocol.StatusHashMismatch))
	}

	if err := fileutil.SetModTime(dest, f.ModifiedTime); err != nil {
		ss.log.Warn("setting mtime", "path", rel, "error", err)
	}
	err = ss.store.UpsertFile(store.FileRecord{
		Path:         rel,
		Size:         written,
		ModifiedTime: f.ModifiedTime,
		Hash:         hash,
		LastSyncTime: ss.now(),
	})
	if err != nil {
		ss.log.Error("recording file", "path", rel, "error", err)
	}

	metrics.ObserveFile(start, metrics.OutcomeReceived, written)
	ss.log.Info("file received", "path", rel, "size", humanize.Bytes(uint64(written)))
	return true, ss.conn.Send(protocol.Status(protocol.StatusFileReceived))
}

// refuse answers a file with an error instead of ready_for_file.
func (ss *session) refuse(start time.Time, rel string, cause error) error {
	ss.log.Error("file refused", "path", rel, "error", cause)
	metrics.ObserveFile(start, metrics.OutcomeError, 0)
	return ss.conn.Send(protocol.Errorf("%s: %v", rel, cause))
}

// streamError marks a failure reading from the peer, as opposed to a local
// filesystem failure.
type streamError struct{ err error }

func (e *streamError) Error() string { return e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// write truncates dest and fills it with exactly size bytes from the peer.
// When dest cannot be opened the bytes are still drained so the stream
// stays aligned.
func (ss *session) write(dest string, size int64) (int64, error) {
	out, openErr := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if openErr != nil {
		if _, err := ss.conn.ReadStream(io.Discard, size); err != nil {
			return 0, &streamError{err: err}
		}
		return 0, openErr
	}

	// A failed local write also leaves the stream misaligned.
	n, err := ss.conn.ReadStream(out, size)
	if err != nil {
		_ = out.Close()
		return n, &streamError{err: err}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return n, err
	}
	return n, out.Close()
}
