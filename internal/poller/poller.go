//go:build linux

// Package poller wraps a single epoll instance shared by many waiting
// goroutines.
package poller

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Mode selects how a descriptor is registered.
type Mode int

const (
	// Exclusive is edge-triggered read readiness with EPOLLEXCLUSIVE: when many
	// goroutines wait, only one is woken per event. Used for listening sockets,
	// where every woken goroutine would otherwise race on accept.
	Exclusive Mode = iota
	// OneShot is edge-triggered read readiness that disarms after delivery. The
	// goroutine receiving the event owns the descriptor until it calls Rearm.
	OneShot
	// Level is plain level-triggered read readiness.
	Level
	// Connect is one-shot write readiness, reported once an outbound connect
	// settles. The descriptor must be Removed before it is added again.
	Connect
)

func (m Mode) events() uint32 {
	switch m {
	case Exclusive:
		return unix.EPOLLIN | unix.EPOLLET | unix.EPOLLEXCLUSIVE
	case OneShot:
		return unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET | unix.EPOLLONESHOT
	case Connect:
		return unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLONESHOT
	default:
		return unix.EPOLLIN
	}
}

// ErrClosed is returned by operations on a closed poller.
var ErrClosed = errors.New("poller closed")

// Event is one readiness notification.
type Event struct {
	FD  int
	Gen uint32
	// Readable is set when the descriptor has data or a pending EOF.
	Readable bool
	// Writable is set when the descriptor accepts writes.
	Writable bool
	// Hangup is set on EPOLLHUP or EPOLLRDHUP.
	Hangup bool
	// Error is set on EPOLLERR.
	Error bool
	// Wake is set for the internal wake-up descriptor; workers should exit.
	Wake bool
}

// Poller is safe for concurrent use; Wait may be called from any number of
// goroutines at once.
type Poller struct {
	epfd   int
	wakefd int

	mu     sync.RWMutex
	closed bool
}

// New creates the epoll instance and its wake-up eventfd.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &Poller{epfd: epfd, wakefd: wakefd}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, 0, Level); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Add registers fd. gen is returned verbatim in every event for fd.
func (p *Poller) Add(fd int, gen uint32, mode Mode) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, gen, mode)
}

// Rearm re-enables a OneShot registration after its owner drained it.
func (p *Poller) Rearm(fd int, gen uint32) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, gen, OneShot)
}

// Remove deregisters fd. Closing a descriptor removes it implicitly; Remove
// is for descriptors that stay open and will be added again in another mode.
func (p *Poller) Remove(fd int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) ctl(op int, fd int, gen uint32, mode Mode) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: mode.events(), Fd: int32(fd), Pad: int32(gen)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for at most msec milliseconds (-1 forever) and converts ready
// events into out. raw is scratch space sized to the batch the caller wants.
// EINTR is reported as zero events.
func (p *Poller) Wait(raw []unix.EpollEvent, out []Event, msec int) ([]Event, error) {
	out = out[:0]
	n, err := unix.EpollWait(p.epfd, raw, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return out, nil
		}
		return out, fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			out = append(out, Event{FD: fd, Wake: true})
			continue
		}
		out = append(out, Event{
			FD:       fd,
			Gen:      uint32(ev.Pad),
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:    ev.Events&unix.EPOLLERR != 0,
		})
	}
	return out, nil
}

// Wake makes every current and future Wait return a Wake event. The eventfd
// is level-triggered and never drained, so all waiters observe it.
func (p *Poller) Wake() error {
	var one = [8]byte{1}
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close releases the epoll instance. Callers must make sure no goroutine is
// still inside Wait.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}
