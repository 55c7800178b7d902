//go:build linux

package server

import (
	"errors"
	"fmt"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/download"
	"github.com/sheerbytes/backhaul/internal/metrics"
	"github.com/sheerbytes/backhaul/internal/poller"
	"github.com/sheerbytes/backhaul/internal/registry"
	"github.com/sheerbytes/backhaul/internal/sockets"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

var errDataBusy = errors.New("data channel busy")

// handleControl drains a readable control descriptor and acts on every
// complete frame. A command left unterminated when the descriptor runs dry
// ends there. The descriptor is re-armed unless the pairing was closed.
func (w *worker) handleControl(fd int, e registry.Entry) {
	s := w.s
	buf := *w.cmdBuf
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if s.flushCommand(fd, e) {
				return
			}
			s.rearm(fd, e.Gen)
			return
		case err != nil:
			w.log.Warn("control read", "pairing", e.Pairing, "fd", fd, "err", err)
			s.closePairing(fd, e, "read error")
			return
		case n == 0:
			if s.flushCommand(fd, e) {
				return
			}
			s.closePairing(fd, e, "closed by client")
			return
		}
		for _, fr := range e.Commands.Feed(buf[:n]) {
			if closed := s.dispatchFrame(fd, e, fr); closed {
				return
			}
		}
	}
}

// flushCommand dispatches a pending unterminated frame and reports whether
// the pairing was closed.
func (s *Server) flushCommand(control int, e registry.Entry) bool {
	fr, ok := e.Commands.Flush()
	if !ok {
		return false
	}
	return s.dispatchFrame(control, e, fr)
}

// dispatchFrame acts on one frame and reports whether the pairing was closed.
func (s *Server) dispatchFrame(control int, e registry.Entry, fr protocol.Frame) bool {
	if fr.Err != nil {
		s.reject(e, fr.Err.Error(), fr.Raw)
		return false
	}
	cmd := fr.Command
	data, ok := s.reg.Lookup(e.Peer)
	if !ok || data.Gen != e.PeerGen || data.Role != registry.RoleUnpaired {
		s.reject(e, errDataBusy.Error(), []byte(cmd.Op.String()+" "+cmd.Path))
		return false
	}
	s.metrics.Commands.WithLabelValues(cmd.Op.String()).Inc()
	switch cmd.Op {
	case protocol.OpUpload:
		return s.startUpload(control, e, cmd.Path)
	default:
		return s.startDownload(control, e, cmd.Path)
	}
}

func (s *Server) reject(e registry.Entry, reason string, raw []byte) {
	s.metrics.RejectedCommands.WithLabelValues(rejectLabel(reason)).Inc()
	s.log.Warn("command rejected", "pairing", e.Pairing, "remote", e.Remote, "reason", reason, "raw", string(raw))
	s.events.Publish(protocol.TypeCommandRejected, protocol.CommandRejected{Pairing: e.Pairing, Reason: reason, Raw: string(raw)})
}

// rejectLabel keeps the metric's label set small.
func rejectLabel(reason string) string {
	switch {
	case reason == errDataBusy.Error():
		return "busy"
	case reason == protocol.ErrFrameTooLong.Error():
		return "too_long"
	case reason == protocol.ErrEmptyPath.Error():
		return "empty_path"
	default:
		return "malformed"
	}
}

func (s *Server) startUpload(control int, e registry.Entry, path string) bool {
	file, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
	if err != nil {
		s.log.Warn("open upload destination", "pairing", e.Pairing, "path", path, "err", err)
		s.closePairing(control, e, "open failed")
		return true
	}
	if err := sockets.SetNonblock(e.Peer, true); err != nil {
		_ = unix.Close(file)
		s.log.Warn("prepare data channel", "pairing", e.Pairing, "fd", e.Peer, "err", err)
		s.closePairing(control, e, "data channel setup failed")
		return true
	}
	transfer := xid.New().String()
	if err := s.reg.BindUpload(e.Peer, e.PeerGen, file, transfer, path); err != nil {
		_ = unix.Close(file)
		s.log.Error("bind upload", "pairing", e.Pairing, "fd", e.Peer, "err", err)
		s.closePairing(control, e, "bind failed")
		return true
	}
	s.log.Info("upload started", "pairing", e.Pairing, "transfer", transfer, "path", path, "fd", e.Peer)
	s.events.Publish(protocol.TypeTransferStarted, protocol.TransferStarted{
		Transfer: transfer, Pairing: e.Pairing, Direction: metrics.Upload, Path: path,
	})
	if err := s.poll.Add(e.Peer, e.PeerGen, poller.OneShot); err != nil {
		s.fatal(fmt.Errorf("register upload fd %d: %w", e.Peer, err))
	}
	return false
}

func (s *Server) startDownload(control int, e registry.Entry, path string) bool {
	file, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		s.log.Warn("open download source", "pairing", e.Pairing, "path", path, "err", err)
		s.closePairing(control, e, "open failed")
		return true
	}
	if _, err := s.reg.HandOff(e.Peer, e.PeerGen); err != nil {
		_ = unix.Close(file)
		s.log.Error("hand off data channel", "pairing", e.Pairing, "fd", e.Peer, "err", err)
		s.closePairing(control, e, "hand off failed")
		return true
	}

	transfer := xid.New().String()
	controlGen := e.Gen
	job := download.Job{
		ID:      transfer,
		Pairing: e.Pairing,
		Path:    path,
		Sock:    e.Peer,
		File:    file,
		OnDone: func(r download.Result) {
			s.downloadDone(control, controlGen, r)
		},
	}
	s.metrics.Downloads.Inc()
	s.log.Info("download started", "pairing", e.Pairing, "transfer", transfer, "path", path, "fd", e.Peer)
	s.events.Publish(protocol.TypeTransferStarted, protocol.TransferStarted{
		Transfer: transfer, Pairing: e.Pairing, Direction: metrics.Download, Path: path,
	})
	if _, err := s.downloads.Start(job); err != nil {
		s.metrics.Downloads.Dec()
		_ = unix.Close(file)
		_ = unix.Close(e.Peer)
		s.fatal(fmt.Errorf("start download %s: %w", transfer, err))
		s.closePairing(control, e, "download not started")
		return true
	}
	return false
}

func (s *Server) downloadDone(control int, controlGen uint32, r download.Result) {
	s.metrics.Downloads.Dec()
	s.metrics.ObserveTransfer(metrics.Download, r.Bytes, r.Err)
	attrs := []any{"pairing", r.Job.Pairing, "transfer", r.Job.ID, "path", r.Job.Path, "bytes", r.Bytes, "duration", r.Duration}
	if r.Err != nil {
		s.log.Warn("download failed", append(attrs, "err", r.Err)...)
	} else {
		s.log.Info("download finished", attrs...)
	}
	s.events.Publish(protocol.TypeTransferFinished, finishedEvent(r.Job.ID, r.Job.Pairing, metrics.Download, r.Job.Path, r.Bytes, r.Duration, r.Err))
	s.signalControl(control, controlGen)
}
