//go:build linux

// Package zcopy moves bytes between sockets and files without passing them
// through user space where the kernel allows it: splice(2) through a scratch
// pipe for uploads, sendfile(2) for downloads. Both fall back to a plain
// read/write loop when the descriptors do not support the fast path.
package zcopy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/bufpool"
)

const (
	pipeSize      = 1 << 20
	sendfileChunk = 1 << 20
)

// Pipe is a scratch pipe used to splice a socket into a file. It is owned by
// a single goroutine and is empty between calls to Drain.
type Pipe struct {
	r, w     int
	size     int
	fallback bool
}

// NewPipe creates a non-blocking scratch pipe. The kernel is asked for a
// larger buffer; refusal is not an error.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	p := &Pipe{r: fds[0], w: fds[1], size: 64 * 1024}
	if n, err := unix.FcntlInt(uintptr(p.w), unix.F_SETPIPE_SZ, pipeSize); err == nil && n > 0 {
		p.size = n
	}
	return p, nil
}

// Close releases both ends of the pipe.
func (p *Pipe) Close() error {
	return errors.Join(unix.Close(p.r), unix.Close(p.w))
}

// Drain copies everything currently readable on the non-blocking socket sock
// into file. It returns (n, nil) once the socket would block and (n, io.EOF)
// when the peer has finished sending.
func (p *Pipe) Drain(sock, file int) (int64, error) {
	if p.fallback {
		return drainRead(sock, file)
	}
	var total int64
	for {
		m, err := unix.Splice(sock, nil, p.w, nil, p.size, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
			p.fallback = true
			n, err := drainRead(sock, file)
			return total + n, err
		case err != nil:
			return total, fmt.Errorf("splice from socket: %w", err)
		}
		if m == 0 {
			return total, io.EOF
		}
		if err := p.flush(file, m); err != nil {
			return total, err
		}
		total += m
	}
}

// flush moves exactly n buffered bytes from the pipe into file.
func (p *Pipe) flush(file int, n int64) error {
	for n > 0 {
		m, err := unix.Splice(p.r, nil, file, nil, int(n), unix.SPLICE_F_MOVE)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
			p.fallback = true
			return p.flushRead(file, n)
		case err != nil:
			p.reset()
			return fmt.Errorf("splice to file: %w", err)
		case m == 0:
			p.reset()
			return io.ErrShortWrite
		}
		n -= m
	}
	return nil
}

func (p *Pipe) flushRead(file int, n int64) error {
	bp := bufpool.Get()
	defer bufpool.Put(bp)
	buf := *bp
	for n > 0 {
		chunk := buf
		if int64(len(chunk)) > n {
			chunk = chunk[:n]
		}
		m, err := unix.Read(p.r, chunk)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || m == 0 {
			p.reset()
			return fmt.Errorf("read pipe: %w", errors.Join(err, io.ErrUnexpectedEOF))
		}
		if err := writeAll(file, chunk[:m]); err != nil {
			p.reset()
			return err
		}
		n -= int64(m)
	}
	return nil
}

// reset discards whatever is left in the pipe after a failed write so the
// next Drain starts empty.
func (p *Pipe) reset() {
	var scratch [4096]byte
	for {
		n, err := unix.Read(p.r, scratch[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n == 0 {
			return
		}
	}
}

// drainRead is the read/write rendition of Drain.
func drainRead(sock, file int) (int64, error) {
	bp := bufpool.Get()
	defer bufpool.Put(bp)
	buf := *bp
	var total int64
	for {
		n, err := unix.Read(sock, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		case err != nil:
			return total, fmt.Errorf("read socket: %w", err)
		case n == 0:
			return total, io.EOF
		}
		if err := writeAll(file, buf[:n]); err != nil {
			return total, err
		}
		total += int64(n)
	}
}

func writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			if err := waitWritable(fd); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// SendFile streams file from its current offset to sock until end of file.
// ctx is checked between chunks; a caller that needs to interrupt a blocked
// send shuts the socket down.
func SendFile(ctx context.Context, sock, file int) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := unix.Sendfile(sock, file, nil, sendfileChunk)
		if n > 0 {
			total += int64(n)
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := waitWritable(sock); err != nil {
				return total, err
			}
			continue
		case (errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS)) && total == 0:
			return copyRead(ctx, sock, file)
		case err != nil:
			return total, fmt.Errorf("sendfile: %w", err)
		}
		if n == 0 {
			return total, nil
		}
	}
}

func copyRead(ctx context.Context, sock, file int) (int64, error) {
	bp := bufpool.Get()
	defer bufpool.Put(bp)
	buf := *bp
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := unix.Read(file, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("read file: %w", err)
		}
		if n == 0 {
			return total, nil
		}
		if err := writeAll(sock, buf[:n]); err != nil {
			return total, err
		}
		total += int64(n)
	}
}

func waitWritable(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		return nil
	}
}
