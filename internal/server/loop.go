//go:build linux

package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/poller"
	"github.com/sheerbytes/backhaul/internal/registry"
	"github.com/sheerbytes/backhaul/internal/zcopy"
)

// worker owns the scratch state one event-loop goroutine needs.
type worker struct {
	s      *Server
	id     int
	log    *slog.Logger
	pipe   *zcopy.Pipe
	cmdBuf *[]byte
	raw    []unix.EpollEvent
	events []poller.Event
}

func (s *Server) newWorker(id int) (*worker, error) {
	pipe, err := zcopy.NewPipe()
	if err != nil {
		return nil, err
	}
	n := max(s.cfg.MaxEvents, 1)
	return &worker{
		s:      s,
		id:     id,
		log:    s.log.With("worker", id),
		pipe:   pipe,
		cmdBuf: s.cmdBufs.Get(),
		raw:    make([]unix.EpollEvent, n),
		events: make([]poller.Event, 0, n),
	}, nil
}

func (w *worker) close() {
	_ = w.pipe.Close()
	w.s.cmdBufs.Put(w.cmdBuf)
}

func (w *worker) run() {
	for {
		evs, err := w.s.poll.Wait(w.raw, w.events, -1)
		if err != nil {
			w.s.fatal(fmt.Errorf("worker %d: %w", w.id, err))
			return
		}
		for _, ev := range evs {
			if ev.Wake {
				return
			}
			w.dispatch(ev)
		}
	}
}

func (w *worker) dispatch(ev poller.Event) {
	s := w.s
	if ev.FD == s.listenFD {
		s.acceptAll()
		return
	}
	e, ok := s.reg.Lookup(ev.FD)
	if !ok || e.Gen != ev.Gen {
		s.metrics.StaleEvents.Inc()
		w.log.Debug("discarding stale event", "fd", ev.FD, "gen", ev.Gen)
		return
	}
	if e.Role == registry.RoleConnecting {
		// Success and failure both arrive here; SO_ERROR tells them apart.
		s.finishConnect(ev.FD, e.Gen)
		return
	}
	if !ev.Readable && (ev.Hangup || ev.Error) {
		w.hangup(ev, e)
		return
	}
	switch e.Role {
	case registry.RoleControl:
		w.handleControl(ev.FD, e)
	case registry.RoleUpload:
		w.handleUpload(ev.FD, e)
	default:
		// Unpaired data descriptors are never registered with the poller.
		w.log.Warn("event for unexpected role", "fd", ev.FD, "role", e.Role)
	}
}

// hangup handles error or hangup notifications that carry no readable data.
func (w *worker) hangup(ev poller.Event, e registry.Entry) {
	reason := "hangup"
	var cause error
	if ev.Error {
		reason = "socket error"
		if code, err := unix.GetsockoptInt(ev.FD, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && code != 0 {
			cause = unix.Errno(code)
		}
	}
	switch e.Role {
	case registry.RoleControl:
		w.s.closePairing(ev.FD, e, reason)
	case registry.RoleUpload:
		if cause == nil {
			cause = fmt.Errorf("data channel %s", reason)
		}
		w.s.finishUpload(ev.FD, e, cause)
	}
}

func (s *Server) rearm(fd int, gen uint32) {
	if err := s.poll.Rearm(fd, gen); err != nil {
		s.fatal(fmt.Errorf("rearm fd %d: %w", fd, err))
	}
}
