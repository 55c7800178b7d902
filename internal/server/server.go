//go:build linux

// Package server is the backhaul file transfer server: a pool of workers
// sharing one epoll instance accepts control connections, opens the reverse
// data connection to each client, decodes commands and moves file bytes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/bufpool"
	"github.com/sheerbytes/backhaul/internal/config"
	"github.com/sheerbytes/backhaul/internal/download"
	"github.com/sheerbytes/backhaul/internal/metrics"
	"github.com/sheerbytes/backhaul/internal/poller"
	"github.com/sheerbytes/backhaul/internal/registry"
	"github.com/sheerbytes/backhaul/internal/sockets"
)

const shutdownGrace = 5 * time.Second

// Publisher receives lifecycle events. *events.Hub implements it.
type Publisher interface {
	Publish(eventType string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Options carries the server's collaborators. Zero values are replaced with
// working defaults.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  Publisher
	// OnFatal is called for broken invariants (a descriptor that cannot be
	// registered with the poller, a download that cannot be started). The
	// default logs and panics.
	OnFatal func(error)
	// Copy overrides the download copy routine.
	Copy download.Copier
}

// Stats is a point-in-time view of the server's load.
type Stats struct {
	Pairings  int `json:"pairings"`
	Uploads   int `json:"uploads"`
	Downloads int `json:"downloads"`
}

// Server is created with New, bound with Listen and run with Serve.
type Server struct {
	cfg     config.ServerConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	events  Publisher
	onFatal func(error)

	reg       *registry.Registry
	downloads *download.Supervisor
	cmdBufs   *bufpool.Pool

	poll        *poller.Poller
	listenFD    int
	controlPort int

	mu        sync.Mutex
	listening bool
	serving   bool
	workers   sync.WaitGroup
}

// New builds a server for cfg. Nothing is bound until Listen.
func New(cfg config.ServerConfig, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	var pub Publisher = nopPublisher{}
	if opts.Events != nil {
		pub = opts.Events
	}
	s := &Server{
		cfg:      cfg,
		log:      logger.With("component", "server"),
		metrics:  m,
		events:   pub,
		reg:      registry.New(cfg.RegistryCapacity),
		cmdBufs:  bufpool.New(max(cfg.CommandBuffer, 16)),
		listenFD: -1,
	}
	s.onFatal = opts.OnFatal
	if s.onFatal == nil {
		s.onFatal = func(err error) {
			s.log.Error("fatal invariant violation", "err", err)
			panic(err)
		}
	}
	s.downloads = download.New(download.Options{
		MaxActive: int64(cfg.MaxDownloads),
		Timeout:   cfg.DownloadTimeout,
		Copy:      opts.Copy,
		Logger:    logger,
	})
	return s
}

// Listen binds the control port and creates the poller. Failures are
// *SetupError values carrying the process exit code.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	fd, err := sockets.Bind(s.cfg.Host, s.cfg.ControlPort)
	if err != nil {
		return setupError(ExitBind, "bind control port", err)
	}
	if err := sockets.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return setupError(ExitNonblock, "set listener non-blocking", err)
	}
	if err := sockets.Listen(fd); err != nil {
		_ = unix.Close(fd)
		return setupError(ExitListen, "listen", err)
	}
	port, err := sockets.LocalPort(fd)
	if err != nil {
		_ = unix.Close(fd)
		return setupError(ExitListen, "read bound port", err)
	}
	p, err := poller.New()
	if err != nil {
		_ = unix.Close(fd)
		return setupError(ExitPollerCreate, "create poller", err)
	}
	if err := p.Add(fd, 0, poller.Exclusive); err != nil {
		_ = p.Close()
		_ = unix.Close(fd)
		return setupError(ExitPollerRegister, "register listener", err)
	}
	s.listenFD = fd
	s.controlPort = port
	s.poll = p
	s.listening = true
	s.log.Info("listening", "host", s.cfg.Host, "control_port", port, "data_port", s.cfg.DataPort)
	return nil
}

// ControlPort returns the bound control port, useful when 0 was requested.
func (s *Server) ControlPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlPort
}

// Stats reports live pairings, uploads and downloads.
func (s *Server) Stats() Stats {
	c := s.reg.Counts()
	return Stats{Pairings: c.Control, Uploads: c.Upload, Downloads: s.downloads.Active()}
}

// Serve runs the workers until ctx is cancelled, then closes every
// connection, file and download the server still owns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return errors.New("server already serving")
	}
	s.serving = true
	s.mu.Unlock()

	n := max(s.cfg.Workers, 1)
	workers := make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := s.newWorker(i)
		if err != nil {
			for _, w := range workers {
				w.close()
			}
			s.teardown()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	for _, w := range workers {
		s.workers.Add(1)
		go func(w *worker) {
			defer s.workers.Done()
			defer w.close()
			w.run()
		}(w)
	}
	s.log.Info("serving", "workers", n)

	<-ctx.Done()
	s.log.Info("shutting down")
	if err := s.poll.Wake(); err != nil {
		s.log.Error("wake workers", "err", err)
	}
	s.workers.Wait()
	s.teardown()
	s.log.Info("stopped")
	return nil
}

// teardown runs once no worker is left.
func (s *Server) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.downloads.Shutdown(ctx); err != nil {
		s.log.Warn("downloads did not stop in time", "err", err)
	}
	closed := s.reg.Drain(func(fd int, e registry.Entry) {
		if e.Role == registry.RoleConnecting {
			if e.Deadline != nil {
				e.Deadline.Stop()
			}
			_ = unix.Close(e.Peer)
		}
		if e.File >= 0 {
			_ = unix.Close(e.File)
		}
		_ = unix.Close(fd)
	})
	if closed > 0 {
		s.log.Info("closed remaining connections", "count", closed)
	}
	s.metrics.Pairings.Set(0)
	if err := unix.Close(s.listenFD); err != nil {
		s.log.Warn("close listener", "err", err)
	}
	if err := s.poll.Close(); err != nil {
		s.log.Warn("close poller", "err", err)
	}
}

func (s *Server) fatal(err error) {
	s.onFatal(err)
}
