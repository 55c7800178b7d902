//go:build linux

// Package download runs file-to-socket transfers as supervised tasks. Each
// task owns its socket and file descriptors from Start until it finishes and
// closes them; the supervisor bounds how many stream at once and can cancel
// them all.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/sheerbytes/backhaul/internal/zcopy"
)

// DefaultMaxActive is the number of downloads streamed concurrently.
const DefaultMaxActive = 256

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("download supervisor closed")

// Copier streams file into sock and reports the bytes written.
type Copier func(ctx context.Context, sock, file int) (int64, error)

// Job describes one download. Sock and File are owned by the task once Start
// succeeds.
type Job struct {
	ID      string
	Pairing string
	Path    string
	Sock    int
	File    int
	// OnDone runs after both descriptors are closed.
	OnDone func(Result)
}

// Result is the outcome of a finished task.
type Result struct {
	Job      Job
	Bytes    int64
	Err      error
	Queued   time.Duration
	Duration time.Duration
}

// Options configures a Supervisor.
type Options struct {
	MaxActive int64
	// Timeout bounds each task from the moment it starts streaming. Zero
	// disables the deadline.
	Timeout time.Duration
	Copy    Copier
	Logger  *slog.Logger
}

// Supervisor owns the set of running downloads.
type Supervisor struct {
	opts   Options
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	if opts.MaxActive <= 0 {
		opts.MaxActive = DefaultMaxActive
	}
	if opts.Copy == nil {
		opts.Copy = zcopy.SendFile
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:   opts,
		sem:    semaphore.NewWeighted(opts.MaxActive),
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With("component", "download"),
		tasks:  make(map[string]*Task),
	}
}

// Start launches job. On error the caller still owns the descriptors.
func (s *Supervisor) Start(job Job) (*Task, error) {
	if job.ID == "" {
		return nil, errors.New("download job has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, dup := s.tasks[job.ID]; dup {
		return nil, fmt.Errorf("download %s already running", job.ID)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{
		job:     job,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		guard:   guard{sock: job.Sock, file: job.File},
		created: time.Now(),
	}
	s.tasks[job.ID] = t
	s.wg.Add(1)
	go s.run(t)
	return t, nil
}

func (s *Supervisor) run(t *Task) {
	defer s.wg.Done()
	res := Result{Job: t.job}

	// Shutting the socket down is what interrupts a blocked sendfile.
	stop := context.AfterFunc(t.ctx, t.guard.shutdown)

	if err := s.sem.Acquire(t.ctx, 1); err != nil {
		res.Err = fmt.Errorf("waiting for download slot: %w", err)
	} else {
		res.Queued = time.Since(t.created)
		ctx := t.ctx
		if s.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
			stopTimeout := context.AfterFunc(ctx, t.guard.shutdown)
			defer stopTimeout()
			defer cancel()
		}
		started := time.Now()
		s.log.Debug("download streaming", "transfer", t.job.ID, "path", t.job.Path, "fd", t.job.Sock)
		res.Bytes, res.Err = s.opts.Copy(ctx, t.job.Sock, t.job.File)
		res.Duration = time.Since(started)
		if res.Err != nil && ctx.Err() != nil {
			res.Err = fmt.Errorf("%w: %w", context.Cause(ctx), res.Err)
		}
		s.sem.Release(1)
	}
	stop()

	if err := t.guard.close(); err != nil && res.Err == nil {
		res.Err = err
	}
	t.finish(res)

	s.mu.Lock()
	delete(s.tasks, t.job.ID)
	s.mu.Unlock()

	if t.job.OnDone != nil {
		t.job.OnDone(res)
	}
	close(t.done)
}

// Lookup returns the running task with id.
func (s *Supervisor) Lookup(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Active returns the number of tasks that have not finished.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown refuses new tasks, cancels the running ones and waits for them to
// close their descriptors or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is one supervised download.
type Task struct {
	job     Job
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	guard   guard
	created time.Time

	mu     sync.Mutex
	result Result
}

// ID returns the transfer id.
func (t *Task) ID() string { return t.job.ID }

// Done is closed once the task has closed its descriptors.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel interrupts the transfer.
func (t *Task) Cancel() { t.cancel() }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Task) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

func (t *Task) finish(r Result) {
	t.mu.Lock()
	t.result = r
	t.mu.Unlock()
	t.cancel()
}

// guard serialises shutdown against close so a cancellation never reaches a
// descriptor number that has already been released.
type guard struct {
	mu     sync.Mutex
	closed bool
	sock   int
	file   int
}

func (g *guard) shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		_ = unix.Shutdown(g.sock, unix.SHUT_RDWR)
	}
}

func (g *guard) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return errors.Join(closeFD("socket", g.sock), closeFD("file", g.file))
}

func closeFD(what string, fd int) error {
	if fd < 0 {
		return nil
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s fd %d: %w", what, fd, err)
	}
	return nil
}
