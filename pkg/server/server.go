// Package server accepts push-sync sessions over TCP and applies incoming
// files to the sync root, snapshotting every overwrite first.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/pushsync/pkg/protocol"
	"github.com/jamesainslie/pushsync/pkg/pushsync/backup"
	"github.com/jamesainslie/pushsync/pkg/pushsync/config"
	"github.com/jamesainslie/pushsync/pkg/pushsync/fileutil"
	"github.com/jamesainslie/pushsync/pkg/pushsync/logging"
	"github.com/jamesainslie/pushsync/pkg/pushsync/metrics"
	"github.com/jamesainslie/pushsync/pkg/pushsync/scanner"
	"github.com/jamesainslie/pushsync/pkg/pushsync/store"
)

// Options configures a Server.
type Options struct {
	// Addr is the TCP listen address, e.g. ":8765".
	Addr string

	// Root is the tree incoming files are written into.
	Root string

	// RegistryPath is the server metadata store.
	RegistryPath string

	// BackupDir is the private backup area.
	BackupDir string

	// QueueSize bounds the accept to dispatch hand-off.
	QueueSize int

	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string

	// ScanOnStart walks Root into the registry before serving.
	ScanOnStart bool

	Logger logging.Sink
	Now    func() time.Time
}

// OptionsFromConfig maps the server section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:         cfg.ListenAddr(),
		Root:         cfg.Root,
		RegistryPath: cfg.RegistryPath(),
		BackupDir:    cfg.BackupPath(),
		QueueSize:    cfg.Server.QueueSize,
		MetricsAddr:  cfg.Server.MetricsAddr,
		ScanOnStart:  true,
	}
}

// Server is the push-sync TCP server.
type Server struct {
	opts     Options
	log      logging.Sink
	listener net.Listener
	locks    *pathLocks
	snap     *backup.Snapshotter

	// reserved holds the server-owned paths clients may not write.
	reserved *reservedPaths

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New validates opts, prepares the registry and binds the listener.
func New(opts Options) (*Server, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Root == "" {
		return nil, errors.New("server root is required")
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	opts.Root = root

	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}
	if err := os.MkdirAll(opts.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	// Create and migrate the registry once so sessions only ever open it.
	st, err := store.Open(opts.RegistryPath)
	if err != nil {
		return nil, err
	}
	if err := st.Close(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logging.Get("server")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", opts.Addr, err)
	}

	return &Server{
		opts:     opts,
		log:      log,
		listener: ln,
		locks:    newPathLocks(),
		snap:     backup.New(opts.BackupDir, backup.WithClock(opts.Now), backup.WithLogger(logging.Get("backup"))),
		reserved: newReservedPaths(opts.Root, opts.RegistryPath, opts.BackupDir),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func nestedDirs(root string, dirs ...string) []string {
	var out []string
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil || abs == root {
			continue
		}
		if fileutil.Within(root, abs) {
			out = append(out, abs)
		}
	}
	return out
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Root returns the absolute sync root.
func (s *Server) Root() string {
	return s.opts.Root
}

// Run serves until ctx is cancelled, then closes the listener and every live
// connection and waits for sessions to finish.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.ScanOnStart {
		if err := s.scan(ctx); err != nil {
			_ = s.listener.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan net.Conn, s.opts.QueueSize)

	// A closed listener ends the whole group, not just the accept loop.
	g.Go(func() error {
		defer cancel()
		defer close(queue)
		return s.acceptLoop(gctx, queue)
	})

	g.Go(func() error {
		s.dispatch(gctx, queue)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = s.listener.Close()
		s.closeConns()
		return nil
	})

	if s.opts.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, s.opts.MetricsAddr, s.log)
		})
	}

	metrics.SetUp(true)
	defer metrics.SetUp(false)
	s.log.Info("server listening", "addr", s.Addr().String(), "root", s.opts.Root)

	err := g.Wait()
	s.log.Info("server stopped")
	return err
}

// Close stops accepting connections. Prefer cancelling Run's context.
func (s *Server) Close() error {
	err := s.listener.Close()
	s.closeConns()
	return err
}

func (s *Server) scan(ctx context.Context) error {
	st, err := store.Open(s.opts.RegistryPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sc := scanner.New(scanner.Options{
		Root:     s.opts.Root,
		SkipDirs: []string{filepath.Dir(s.opts.RegistryPath), s.opts.BackupDir},
		Now:      s.opts.Now,
	})
	if _, err := sc.Scan(ctx, st); err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}

	if n, err := st.CountFiles(); err == nil {
		metrics.SetFilesTracked(n)
	}
	return nil
}

// acceptLoop only hands connections off; it never does session work.
func (s *Server) acceptLoop(ctx context.Context, queue chan<- net.Conn) error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		s.track(nc)
		select {
		case queue <- nc:
		case <-ctx.Done():
			s.untrack(nc)
			_ = nc.Close()
			return nil
		}
	}
}

// dispatch starts one session per queued connection and waits for all of
// them once the queue is closed.
func (s *Server) dispatch(ctx context.Context, queue <-chan net.Conn) {
	var wg sync.WaitGroup
	for nc := range queue {
		wg.Add(1)
		go func(nc net.Conn) {
			defer wg.Done()
			defer s.untrack(nc)
			s.serveConn(ctx, nc)
		}(nc)
	}
	wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	id := uuid.NewString()[:8]
	log := s.sessionLogger(id)
	log.Info("client connected", "remote", nc.RemoteAddr().String())

	metrics.SessionStarted()
	defer metrics.SessionEnded()

	// Each session owns its registry handle for its whole lifetime.
	st, err := store.Open(s.opts.RegistryPath)
	if err != nil {
		log.Error("opening registry", "error", err)
		_ = nc.Close()
		return
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("closing registry", "error", err)
		}
	}()

	sess := &session{
		id:    id,
		srv:   s,
		conn:  protocol.NewConn(nc),
		store: st,
		phase: protocol.NewTracker(false),
		log:   log,
	}
	sess.run(ctx)
}

func (s *Server) sessionLogger(id string) logging.Sink {
	switch l := s.opts.Logger.(type) {
	case nil:
		return logging.Get("session").With("session", id)
	case *logging.Logger:
		return l.With("session", id)
	default:
		return l
	}
}

func (s *Server) track(nc net.Conn) {
	s.mu.Lock()
	s.conns[nc] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.conns, nc)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc := range s.conns {
		_ = nc.Close()
	}
}
