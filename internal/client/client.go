// Package client speaks the backhaul protocol from the client side: it
// listens for the server's reverse data connection, opens the control
// connection from the same local address, and runs one transfer per session.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sheerbytes/backhaul/internal/bufpool"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// ErrNotAcknowledged is returned when the server did not close the control
// connection to confirm a transfer before the deadline.
var ErrNotAcknowledged = errors.New("transfer not acknowledged by server")

// Config describes where the server is and which local address the client
// uses. The server connects back to LocalHost:DataPort.
type Config struct {
	Server    string
	DataPort  int
	LocalHost string
	Logger    *slog.Logger
}

// Session is one paired control and data connection.
type Session struct {
	control net.Conn
	data    net.Conn
	log     *slog.Logger
}

// Dial opens the data listener, connects the control channel from
// LocalHost and waits for the server's reverse connection.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	local := net.ParseIP(cfg.LocalHost)
	if local == nil {
		return nil, fmt.Errorf("local host %q is not an IP address", cfg.LocalHost)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(cfg.LocalHost, strconv.Itoa(cfg.DataPort)))
	if err != nil {
		return nil, fmt.Errorf("listen for data channel: %w", err)
	}
	defer ln.Close()

	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: local}, Timeout: 5 * time.Second}
	control, err := d.DialContext(ctx, "tcp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dial control %s: %w", cfg.Server, err)
	}

	data, err := acceptWithContext(ctx, ln)
	if err != nil {
		_ = control.Close()
		return nil, fmt.Errorf("accept data channel: %w", err)
	}
	logger.Debug("session paired", "control", control.LocalAddr(), "data", data.RemoteAddr())
	return &Session{control: control, data: data, log: logger}, nil
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := ln.Accept()
		ch <- res{conn: c, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = ln.Close()
		if r := <-ch; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// watch applies ctx's deadline and cancellation to c.
func watch(ctx context.Context, c net.Conn) (stop func() bool) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(deadline)
	}
	return context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
}

// Send writes raw bytes on the control channel.
func (s *Session) Send(raw []byte) error {
	_, err := s.control.Write(raw)
	return err
}

func (s *Session) command(op protocol.Op, path string) error {
	frame, err := protocol.EncodeCommand(protocol.Command{Op: op, Path: path})
	if err != nil {
		return err
	}
	if err := s.Send(frame); err != nil {
		return fmt.Errorf("send %s command: %w", op, err)
	}
	return nil
}

// Upload sends r to the server, stored at remote. It returns once the server
// has closed the control connection, which confirms the file is complete.
func (s *Session) Upload(ctx context.Context, remote string, r io.Reader) (int64, error) {
	if err := s.command(protocol.OpUpload, remote); err != nil {
		return 0, err
	}
	stop := watch(ctx, s.data)
	defer stop()

	bp := bufpool.Get()
	n, err := io.CopyBuffer(s.data, r, *bp)
	bufpool.Put(bp)
	if cerr := s.data.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("upload %s: %w", remote, err)
	}
	s.log.Debug("upload sent", "path", remote, "bytes", n)
	return n, s.WaitClosed(ctx)
}

// Download streams remote into w until the server closes the data channel.
func (s *Session) Download(ctx context.Context, remote string, w io.Writer) (int64, error) {
	if err := s.command(protocol.OpDownload, remote); err != nil {
		return 0, err
	}
	n, err := s.Receive(ctx, w)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", remote, err)
	}
	s.log.Debug("download received", "path", remote, "bytes", n)
	return n, nil
}

// Receive copies the data channel into w until the server closes it, then
// waits for the control connection to close. It is Download for a command
// already written with Send.
func (s *Session) Receive(ctx context.Context, w io.Writer) (int64, error) {
	stop := watch(ctx, s.data)
	bp := bufpool.Get()
	n, err := io.CopyBuffer(w, s.data, *bp)
	bufpool.Put(bp)
	stop()
	if err != nil {
		return n, err
	}
	return n, s.WaitClosed(ctx)
}

// WaitClosed blocks until the server closes the control connection.
func (s *Session) WaitClosed(ctx context.Context) error {
	stop := watch(ctx, s.control)
	defer stop()
	var scratch [256]byte
	for {
		_, err := s.control.Read(scratch[:])
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err) {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrNotAcknowledged, ctxErr)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %w", ErrNotAcknowledged, err)
		}
		return err
	}
}

// DataClosed blocks until the server closes the data connection.
func (s *Session) DataClosed(ctx context.Context) error {
	stop := watch(ctx, s.data)
	defer stop()
	_, err := io.Copy(io.Discard, s.data)
	if err != nil && !isReset(err) {
		return err
	}
	return nil
}

// Close closes both connections.
func (s *Session) Close() error {
	return errors.Join(ignoreClosed(s.control.Close()), ignoreClosed(s.data.Close()))
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
