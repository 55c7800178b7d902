//go:build linux

package server

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/registry"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// closePairing closes a control descriptor owned by the caller and deals
// with its data half according to the state it is in:
//   - unpaired: closed here, the control owner is its only user;
//   - upload-bound: shut down for reading, its owner drains and closes it;
//   - handed to a download: left alone, the task closes it.
func (s *Server) closePairing(control int, e registry.Entry, reason string) {
	if _, ok := s.reg.Release(control, e.Gen, func(registry.Entry) {
		_ = unix.Close(control)
	}); !ok {
		return
	}
	s.metrics.Pairings.Dec()

	if data, ok := s.reg.Lookup(e.Peer); ok && data.Gen == e.PeerGen {
		switch data.Role {
		case registry.RoleUnpaired:
			s.reg.Release(e.Peer, e.PeerGen, func(registry.Entry) {
				_ = unix.Close(e.Peer)
			})
		case registry.RoleUpload:
			s.reg.Do(e.Peer, e.PeerGen, func(registry.Entry) {
				_ = unix.Shutdown(e.Peer, unix.SHUT_RD)
			})
		}
	}

	s.log.Info("pairing closed", "pairing", e.Pairing, "remote", e.Remote, "reason", reason)
	s.events.Publish(protocol.TypePairingClosed, protocol.PairingClosed{Pairing: e.Pairing, Remote: e.Remote, Reason: reason})
}

// signalControl shuts a control connection down from outside its owning
// worker. The owner then reads EOF and closes the pairing.
func (s *Server) signalControl(control int, gen uint32) {
	s.reg.Do(control, gen, func(e registry.Entry) {
		if e.Role == registry.RoleControl {
			_ = unix.Shutdown(control, unix.SHUT_RDWR)
		}
	})
}

func finishedEvent(transfer, pairing, direction, path string, bytes int64, elapsed time.Duration, err error) protocol.TransferFinished {
	ev := protocol.TransferFinished{
		Transfer:   transfer,
		Pairing:    pairing,
		Direction:  direction,
		Path:       path,
		Bytes:      bytes,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
