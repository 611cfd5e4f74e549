// Package client pushes a local tree to a pushsync server.
//
// A run scans the root into the local registry, then drives one session
// end to end: time_sync, db_download, diff, file_sync, close. Failed
// sessions are retried from scratch according to a RetryPolicy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/pushsync/pkg/protocol"
	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
	"github.com/jamesainslie/pushsync/pkg/pushsync/diff"
	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/scanner"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// DefaultDialTimeout bounds connection setup.
const DefaultDialTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Addr is the server address, host:port.
	Addr string

	// Root is the local tree to push.
	Root string

	// RegistryPath is the local metadata store.
	RegistryPath string

	// TempDir holds the downloaded server registry. Empty uses the
	// registry's directory.
	TempDir string

	Exclude         *exclude.RuleSet
	SizeThreshold   int64
	TimeThreshold   time.Duration
	DownloadTimeout time.Duration
	DialTimeout     time.Duration
	Retry           RetryPolicy

	// Progress draws a transfer bar on ProgressOut (stderr when nil).
	Progress    bool
	ProgressOut io.Writer

	Logger logging.Sink
	Now    func() time.Time
}

// OptionsFromConfig maps cfg onto Options.
func OptionsFromConfig(cfg *config.Config, rules *exclude.RuleSet) Options {
	return Options{
		Addr:            cfg.Addr(),
		Root:            cfg.Root,
		RegistryPath:    cfg.ClientRegistryPath(),
		Exclude:         rules,
		SizeThreshold:   cfg.Client.SizeThreshold,
		TimeThreshold:   cfg.Client.TimeThreshold,
		DownloadTimeout: cfg.Client.DownloadTimeout,
		Retry:           RetryPolicyFromConfig(cfg.Client.Retry),
		Progress:        cfg.Client.Progress,
	}
}

// File statuses in a SyncResult.
const (
	FileConfirmed = "confirmed"
	FileMismatch  = "hash_mismatch"
	FileRefused   = "refused"
)

// FileOutcome is the server's verdict on one announced file.
type FileOutcome struct {
	Path   string `json:"path" yaml:"path"`
	Size   int64  `json:"size" yaml:"size"`
	Status string `json:"status" yaml:"status"`
}

// SyncResult summarises the final attempt of a run.
type SyncResult struct {
	Attempts       int           `json:"attempts" yaml:"attempts"`
	TimeDiff       float64       `json:"time_diff" yaml:"time_diff"`
	Scanned        int64         `json:"scanned" yaml:"scanned"`
	Planned        int           `json:"planned" yaml:"planned"`
	PlannedBytes   int64         `json:"planned_bytes" yaml:"planned_bytes"`
	Excluded       int           `json:"excluded" yaml:"excluded"`
	Identical      int           `json:"identical" yaml:"identical"`
	Skipped        int           `json:"skipped" yaml:"skipped"`
	Confirmed      int           `json:"confirmed" yaml:"confirmed"`
	Mismatched     int           `json:"mismatched" yaml:"mismatched"`
	Refused        int           `json:"refused" yaml:"refused"`
	ServerReceived int           `json:"server_received" yaml:"server_received"`
	Files          []FileOutcome `json:"files,omitempty" yaml:"files,omitempty"`
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Client runs push sessions.
type Client struct {
	opts    Options
	log     logging.Sink
	engine  *diff.Engine
	scanner *scanner.Scanner
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("server address is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	opts.Root = root
	if opts.TempDir == "" {
		opts.TempDir = filepath.Dir(opts.RegistryPath)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = config.DefaultDownloadTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Exclude == nil {
		opts.Exclude = exclude.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	log := opts.Logger
	if log == nil {
		log = logging.Get("client")
	}

	return &Client{
		opts: opts,
		log:  log,
		engine: diff.New(diff.Options{
			Root:          opts.Root,
			SizeThreshold: opts.SizeThreshold,
			TimeThreshold: opts.TimeThreshold,
			Exclude:       opts.Exclude,
			Logger:        log,
		}),
		scanner: scanner.New(scanner.Options{
			Root:     opts.Root,
			SkipDirs: []string{filepath.Dir(opts.RegistryPath)},
			Now:      opts.Now,
		}),
	}, nil
}

// Run scans the root and pushes it, retrying whole sessions on failure.
// The socket and registry are released on every exit path.
func (c *Client) Run(ctx context.Context) (*SyncResult, error) {
	start := time.Now()

	st, err := store.Open(c.opts.RegistryPath)
	if err != nil {
		return nil, wrapAs(ClassFilesystem, "opening local registry", err)
	}
	defer st.Close()

	scanned, err := c.scanner.Scan(ctx, st)
	if err != nil {
		return nil, wrapAs(ClassFilesystem, "scanning "+c.opts.Root, err)
	}

	res := &SyncResult{}
	attempts, err := c.opts.Retry.Do(ctx, c.log, func(attempt int) error {
		res = &SyncResult{Scanned: scanned.Files}
		if attempt > 1 {
			c.log.Info("retrying sync", "attempt", attempt)
		}
		return c.session(ctx, st, res)
	})
	res.Attempts = attempts
	res.Elapsed = time.Since(start)
	if err != nil {
		return res, err
	}

	c.log.Info("sync finished",
		"confirmed", res.Confirmed,
		"planned", res.Planned,
		"mismatched", res.Mismatched,
		"refused", res.Refused,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return res, nil
}

// session runs one connection end to end.
func (c *Client) session(ctx context.Context, st *store.Store, res *SyncResult) error {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return wrap("connect", err)
	}
	conn := protocol.NewConn(nc)
	defer conn.Close()

	// Blocking reads and writes end when ctx does.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.log.Info("connected", "server", c.opts.Addr)
	phase := protocol.NewTracker(true)

	if err := c.timeSync(conn, res); err != nil {
		return err
	}
	_ = phase.Advance(protocol.PhaseTimeSynced)

	remotePath, err := c.downloadRegistry(conn)
	if err != nil {
		return err
	}
	defer os.Remove(remotePath)
	_ = phase.Advance(protocol.PhaseDBTransferred)

	plan, err := c.plan(st, remotePath)
	if err != nil {
		return err
	}
	res.Planned = len(plan.Files)
	res.PlannedBytes = plan.Bytes()
	res.Excluded = plan.Excluded
	res.Identical = plan.Identical
	res.Skipped = plan.Vanished + plan.Failed

	if len(plan.Files) > 0 {
		if err := phase.Advance(protocol.PhaseSyncing); err != nil {
			return wrapAs(ClassProtocol, "file_sync", err)
		}
		if err := c.sendFiles(conn, st, plan, res); err != nil {
			return err
		}
	} else {
		c.log.Info("nothing to sync")
	}

	_ = phase.Advance(protocol.PhaseClosed)
	if err := conn.SendRequest(protocol.CloseRequest{}); err != nil {
		c.log.Debug("close not delivered", "error", err)
	}
	return nil
}

// timeSync records the server clock offset. A server error reply is not
// fatal; the offset is diagnostic only.
func (c *Client) timeSync(conn *protocol.Conn, res *SyncResult) error {
	req := protocol.TimeSyncRequest{ClientTime: fileutil.Epoch(c.opts.Now())}
	if err := conn.SendRequest(req); err != nil {
		return wrap("time_sync", err)
	}
	resp, err := conn.ReceiveResponse()
	if err != nil {
		return wrap("time_sync", err)
	}
	if err := resp.Expect(protocol.StatusOK); err != nil {
		c.log.Warn("time sync failed", "error", err)
		return nil
	}
	if resp.TimeDiff != nil {
		res.TimeDiff = *resp.TimeDiff
	}
	c.log.Info("time synchronised", "time_diff", fmt.Sprintf("%.2fs", res.TimeDiff))
	return nil
}

// downloadRegistry fetches the server registry into a temp file and returns
// its path. Partial downloads are removed.
func (c *Client) downloadRegistry(conn *protocol.Conn) (string, error) {
	const op = "db_download"

	if err := conn.SendRequest(protocol.DBDownloadRequest{}); err != nil {
		return "", wrap(op, err)
	}
	resp, err := conn.ReceiveResponse()
	if err != nil {
		return "", wrap(op, err)
	}
	if err := resp.Expect(protocol.StatusOK); err != nil {
		return "", wrapAs(ClassTransfer, op, err)
	}
	if resp.Size == nil || *resp.Size < 0 {
		return "", wrapAs(ClassProtocol, op, errors.New("reply carries no registry size"))
	}
	size := *resp.Size

	if err := conn.Send(protocol.Status(protocol.StatusReady)); err != nil {
		return "", wrap(op, err)
	}

	if err := os.MkdirAll(c.opts.TempDir, 0o755); err != nil {
		return "", wrapAs(ClassFilesystem, op, err)
	}
	tmp, err := os.CreateTemp(c.opts.TempDir, "server-registry-*.db")
	if err != nil {
		return "", wrapAs(ClassFilesystem, op, err)
	}

	c.log.Debug("downloading registry", "size", humanize.Bytes(uint64(size)))
	n, err := conn.ReadStreamIdle(tmp, size, c.opts.DownloadTimeout)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		class := Classify(err)
		if class == ClassTransport {
			class = ClassTransfer
		}
		return "", wrapAs(class, op, fmt.Errorf("received %d of %d bytes: %w", n, size, err))
	}

	c.log.Info("registry downloaded", "size", humanize.Bytes(uint64(size)))
	return tmp.Name(), nil
}

// plan diffs the local registry against the downloaded one.
func (c *Client) plan(st *store.Store, remotePath string) (*diff.Plan, error) {
	remote, err := store.OpenReadOnly(remotePath)
	if err != nil {
		return nil, wrapAs(ClassTransfer, "opening server registry", err)
	}
	remoteFiles, err := remote.AllFiles()
	_ = remote.Close()
	if err != nil {
		return nil, wrapAs(ClassTransfer, "reading server registry", err)
	}

	local, err := st.AllFiles()
	if err != nil {
		return nil, wrapAs(ClassFilesystem, "reading local registry", err)
	}

	plan := c.engine.Plan(local, remoteFiles)

	// Keep computed hashes so the registry reflects known content.
	for path, hash := range plan.Hashes {
		if err := st.SetHash(path, hash); err != nil {
			c.log.Debug("caching hash", "path", path, "error", err)
		}
	}

	c.log.Info("diff complete",
		"tracked", plan.Tracked,
		"transfer", len(plan.Files),
		"size", humanize.Bytes(uint64(plan.Bytes())),
		"excluded", plan.Excluded,
		"identical", plan.Identical,
		"cached", plan.Cached,
		"vanished", plan.Vanished,
		"failed", plan.Failed)
	return plan, nil
}

// sendFiles runs the file_sync exchange for the plan.
func (c *Client) sendFiles(conn *protocol.Conn, st *store.Store, plan *diff.Plan, res *SyncResult) error {
	const op = "file_sync"

	if err := conn.SendRequest(protocol.FileSyncRequest{Files: plan.Files}); err != nil {
		return wrap(op, err)
	}
	resp, err := conn.ReceiveResponse()
	if err != nil {
		return wrap(op, err)
	}
	if err := resp.Expect(protocol.StatusReady); err != nil {
		return wrap(op, err)
	}

	bar := c.newProgress(plan.Bytes())
	defer bar.finish()

	total := len(plan.Files)
	for _, f := range plan.Files {
		resp, err := conn.ReceiveResponse()
		if err != nil {
			return wrap(op, err)
		}
		switch resp.Status {
		case protocol.StatusReadyForFile:
		case protocol.StatusError:
			res.Refused++
			res.Files = append(res.Files, FileOutcome{Path: f.Path, Size: f.Size, Status: FileRefused})
			c.log.Warn("server refused file", "path", f.Path, "message", resp.Message)
			continue
		default:
			return wrapAs(ClassProtocol, op, fmt.Errorf("unexpected status %q before %s", resp.Status, f.Path))
		}

		if err := c.sendFile(conn, f, bar); err != nil {
			return err
		}

		resp, err = conn.ReceiveResponse()
		if err != nil {
			return wrap(op, err)
		}
		switch resp.Status {
		case protocol.StatusFileReceived:
			res.Confirmed++
			res.Files = append(res.Files, FileOutcome{Path: f.Path, Size: f.Size, Status: FileConfirmed})
			c.record(st, f)
			c.log.Info("file sent", "path", f.Path, "progress", fmt.Sprintf("%d/%d", res.Confirmed, total))
		case protocol.StatusHashMismatch:
			res.Mismatched++
			res.Files = append(res.Files, FileOutcome{Path: f.Path, Size: f.Size, Status: FileMismatch})
			c.log.Warn("hash mismatch reported", "path", f.Path)
		case protocol.StatusError:
			res.Refused++
			res.Files = append(res.Files, FileOutcome{Path: f.Path, Size: f.Size, Status: FileRefused})
			c.log.Warn("server failed to store file", "path", f.Path, "message", resp.Message)
		default:
			return wrapAs(ClassProtocol, op, fmt.Errorf("unexpected status %q after %s", resp.Status, f.Path))
		}
	}

	done, err := conn.ReceiveResponse()
	if err != nil {
		return wrap(op, err)
	}
	if err := done.Expect(protocol.StatusSyncComplete); err != nil {
		return wrap(op, err)
	}
	if done.ReceivedFiles != nil {
		res.ServerReceived = *done.ReceivedFiles
	}
	c.log.Info("server confirmed files", "received", res.ServerReceived, "announced", total)
	return nil
}

// sendFile streams exactly f.Size bytes of the local file.
func (c *Client) sendFile(conn *protocol.Conn, f protocol.FileEntry, bar progress) error {
	op := "sending " + f.Path
	src, err := os.Open(filepath.Join(c.opts.Root, filepath.FromSlash(f.Path)))
	if err != nil {
		// The server is already waiting for these bytes.
		return wrapAs(ClassTransfer, op, err)
	}
	defer src.Close()

	if _, err := conn.WriteStream(bar.wrap(src, f.Path), f.Size); err != nil {
		return wrapAs(ClassTransfer, op, err)
	}
	return nil
}

// record stores the confirmed state of f in the local registry.
func (c *Client) record(st *store.Store, f protocol.FileEntry) {
	err := st.UpsertFile(store.FileRecord{
		Path:         f.Path,
		Size:         f.Size,
		ModifiedTime: f.ModifiedTime,
		Hash:         f.Hash,
		LastSyncTime: fileutil.Epoch(c.opts.Now()),
	})
	if err != nil {
		c.log.Warn("updating local registry", "path", f.Path, "error", err)
	}
}
