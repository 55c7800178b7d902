//go:build linux

package server

import (
	"errors"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/metrics"
	"github.com/sheerbytes/backhaul/internal/registry"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// handleUpload moves everything readable on an upload-bound data descriptor
// into its file. EOF or an error ends the transfer.
func (w *worker) handleUpload(fd int, e registry.Entry) {
	n, err := w.pipe.Drain(fd, e.File)
	if n > 0 {
		w.s.reg.AddBytes(fd, e.Gen, n)
	}
	if err == nil {
		w.s.rearm(fd, e.Gen)
		return
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	w.s.finishUpload(fd, e, err)
}

// finishUpload closes the data descriptor and its file, then signals the
// control connection so the client sees completion.
func (s *Server) finishUpload(fd int, e registry.Entry, cause error) {
	var closeErr error
	last, ok := s.reg.Release(fd, e.Gen, func(cur registry.Entry) {
		if cur.File >= 0 {
			closeErr = unix.Close(cur.File)
		}
		_ = unix.Close(fd)
	})
	if !ok {
		return
	}
	if cause == nil && closeErr != nil {
		cause = closeErr
	}
	elapsed := time.Since(last.Started)
	s.metrics.ObserveTransfer(metrics.Upload, last.Bytes, cause)
	attrs := []any{"pairing", last.Pairing, "transfer", last.Transfer, "path", last.Path, "bytes", last.Bytes, "duration", elapsed}
	if cause != nil {
		s.log.Warn("upload failed", append(attrs, "err", cause)...)
	} else {
		s.log.Info("upload finished", attrs...)
	}
	s.events.Publish(protocol.TypeTransferFinished, finishedEvent(last.Transfer, last.Pairing, metrics.Upload, last.Path, last.Bytes, elapsed, cause))
	s.signalControl(last.Peer, last.PeerGen)
}
