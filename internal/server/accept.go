//go:build linux

package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/poller"
	"github.com/sheerbytes/backhaul/internal/registry"
	"github.com/sheerbytes/backhaul/internal/sockets"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// acceptAll drains the listener's accept queue. The listener is
// edge-triggered, so it stops only on EAGAIN or a hard error.
func (s *Server) acceptAll() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				s.log.Error("accept", "err", err)
				return
			}
		}
		s.metrics.Accepted.Inc()
		s.admit(fd)
	}
}

// admit starts the reverse data connection for a freshly accepted control
// descriptor. The connect completes in finishConnect, on whichever worker
// sees the data descriptor become writable. Any failure drops this client
// only.
func (s *Server) admit(control int) {
	if control >= s.reg.Capacity() {
		s.log.Warn("control descriptor beyond registry capacity", "fd", control, "capacity", s.reg.Capacity())
		_ = unix.Close(control)
		return
	}
	remote, err := sockets.PeerHost(control)
	if err != nil {
		s.log.Warn("resolve control peer", "fd", control, "err", err)
		_ = unix.Close(control)
		return
	}

	data, err := sockets.StartConnect(remote, s.cfg.DataPort)
	if err != nil {
		s.connectFailed(control, remote, err)
		return
	}
	if data >= s.reg.Capacity() {
		s.log.Warn("data descriptor beyond registry capacity", "fd", data, "capacity", s.reg.Capacity())
		_ = unix.Close(data)
		_ = unix.Close(control)
		return
	}
	gen, err := s.reg.Connecting(data, control, remote)
	if err != nil {
		s.log.Error("register reverse connect", "control_fd", control, "data_fd", data, "err", err)
		_ = unix.Close(data)
		_ = unix.Close(control)
		return
	}
	if err := s.poll.Add(data, gen, poller.Connect); err != nil {
		s.fatal(fmt.Errorf("register connecting fd %d: %w", data, err))
		return
	}
	if s.cfg.ConnectTimeout > 0 {
		t := time.AfterFunc(s.cfg.ConnectTimeout, func() { s.abandonConnect(data, gen) })
		if err := s.reg.SetDeadline(data, gen, t); err != nil {
			// Already settled.
			t.Stop()
		}
	}
}

// finishConnect takes over a data descriptor whose connect has settled and
// either pairs it with its control descriptor or drops both.
func (s *Server) finishConnect(data int, gen uint32) {
	e, ok := s.reg.Release(data, gen, nil)
	if !ok {
		return
	}
	if e.Deadline != nil {
		e.Deadline.Stop()
	}
	if err := s.poll.Remove(data); err != nil {
		s.fatal(fmt.Errorf("deregister connecting fd %d: %w", data, err))
	}
	if err := sockets.ConnectResult(data); err != nil {
		_ = unix.Close(data)
		s.connectFailed(e.Peer, e.Remote, err)
		return
	}
	s.pair(e.Peer, data, e.Remote)
}

// abandonConnect runs when the connect deadline passes. It loses to
// finishConnect if the connect settled first.
func (s *Server) abandonConnect(data int, gen uint32) {
	e, ok := s.reg.Release(data, gen, func(registry.Entry) {
		_ = unix.Close(data)
	})
	if !ok {
		return
	}
	s.connectFailed(e.Peer, e.Remote, fmt.Errorf("connect: %w after %s", unix.ETIMEDOUT, s.cfg.ConnectTimeout))
}

func (s *Server) connectFailed(control int, remote string, err error) {
	s.metrics.ReverseConnectFailures.Inc()
	s.log.Warn("reverse connect failed", "remote", remote, "data_port", s.cfg.DataPort, "err", err)
	s.events.Publish(protocol.TypeReverseConnectFailed, protocol.ReverseConnectFailed{Remote: remote, Error: err.Error()})
	_ = unix.Close(control)
}

// pair registers a control descriptor with its connected data descriptor and
// starts watching the control side for commands.
func (s *Server) pair(control, data int, remote string) {
	pairing := uuid.NewString()
	controlGen, _, err := s.reg.Pair(control, data, registry.PairInfo{
		Pairing:  pairing,
		Remote:   remote,
		Commands: protocol.NewDecoder(s.cfg.MaxCommand),
	})
	if err != nil {
		s.log.Error("register pairing", "control_fd", control, "data_fd", data, "err", err)
		_ = unix.Close(data)
		_ = unix.Close(control)
		return
	}

	s.metrics.Pairings.Inc()
	s.log.Info("pairing opened", "pairing", pairing, "remote", remote, "control_fd", control, "data_fd", data)
	s.events.Publish(protocol.TypePairingOpened, protocol.PairingOpened{Pairing: pairing, Remote: remote, Control: control, Data: data})

	if err := s.poll.Add(control, controlGen, poller.OneShot); err != nil {
		s.fatal(fmt.Errorf("register control fd %d: %w", control, err))
	}
}
