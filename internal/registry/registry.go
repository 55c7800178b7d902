// Package registry maps live descriptor numbers to the role they currently
// play for the server.
//
// A slot is written only through the methods below, each of which holds that
// slot's lock for its duration and never takes a second slot's lock. Every
// registration stamps the slot with a fresh generation; callers carry the
// (descriptor, generation) pair around and every mutation checks it, so a
// descriptor number reused by the kernel can never be confused with its
// previous incarnation.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sheerbytes/backhaul/pkg/protocol"
)

// DefaultCapacity matches the usual per-process descriptor ceiling.
const DefaultCapacity = 65536

const stripes = 256

var (
	ErrOutOfRange = errors.New("descriptor outside registry capacity")
	ErrSlotInUse  = errors.New("registry slot already in use")
	ErrStale      = errors.New("stale registry generation")
	ErrRole       = errors.New("registry entry has unexpected role")
)

// Role tags what a descriptor is used for.
type Role uint8

const (
	RoleFree Role = iota
	// RoleControl is a client's command connection; Peer is its data channel.
	RoleControl
	// RoleUnpaired is a reverse data connection waiting for a command.
	RoleUnpaired
	// RoleUpload is a data connection whose bytes are written to File.
	RoleUpload
	// RoleConnecting is a reverse data connection still being established;
	// Peer is the accepted control descriptor waiting on it.
	RoleConnecting
)

func (r Role) String() string {
	switch r {
	case RoleFree:
		return "free"
	case RoleControl:
		return "control"
	case RoleUnpaired:
		return "unpaired"
	case RoleUpload:
		return "upload"
	case RoleConnecting:
		return "connecting"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Entry is a snapshot of one slot.
type Entry struct {
	Role    Role
	Gen     uint32
	Peer    int
	PeerGen uint32
	File    int
	Pairing string
	Remote  string

	Transfer string
	Path     string
	Started  time.Time
	Bytes    int64

	// Deadline bounds a connecting entry; it is nil when there is no limit.
	Deadline *time.Timer

	// Commands is only set on control entries and only touched by the worker
	// currently owning that descriptor's events.
	Commands *protocol.Decoder
}

// Counts summarises live entries by role.
type Counts struct {
	Control    int
	Unpaired   int
	Upload     int
	Connecting int
}

// Registry is a fixed-capacity descriptor table.
type Registry struct {
	locks   [stripes]sync.Mutex
	entries []*Entry
	gens    []uint32
}

// New returns a registry able to hold descriptors in [0, capacity).
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		entries: make([]*Entry, capacity),
		gens:    make([]uint32, capacity),
	}
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return len(r.entries)
}

func (r *Registry) lock(fd int) *sync.Mutex {
	return &r.locks[fd%stripes]
}

func (r *Registry) inRange(fd int) bool {
	return fd >= 0 && fd < len(r.entries)
}

// nextGen must be called with the slot's lock held.
func (r *Registry) nextGen(fd int) uint32 {
	r.gens[fd]++
	if r.gens[fd] == 0 {
		r.gens[fd] = 1
	}
	return r.gens[fd]
}

// Connecting registers data as a reverse connection in progress on behalf of
// the accepted control descriptor. The control descriptor itself is not
// registered until Pair.
func (r *Registry) Connecting(data, control int, remote string) (uint32, error) {
	if !r.inRange(data) {
		return 0, ErrOutOfRange
	}
	mu := r.lock(data)
	mu.Lock()
	defer mu.Unlock()
	if r.entries[data] != nil {
		return 0, fmt.Errorf("data fd %d: %w", data, ErrSlotInUse)
	}
	gen := r.nextGen(data)
	r.entries[data] = &Entry{Role: RoleConnecting, Gen: gen, Peer: control, File: -1, Remote: remote, Started: time.Now()}
	return gen, nil
}

// SetDeadline attaches t to a connecting entry.
func (r *Registry) SetDeadline(fd int, gen uint32, t *time.Timer) error {
	return r.update(fd, gen, func(e *Entry) error {
		if e.Role != RoleConnecting {
			return fmt.Errorf("fd %d is %s: %w", fd, e.Role, ErrRole)
		}
		e.Deadline = t
		return nil
	})
}

// PairInfo describes a new pairing.
type PairInfo struct {
	Pairing  string
	Remote   string
	Commands *protocol.Decoder
}

// Pair registers a control descriptor and its reverse data descriptor. Either
// both slots are written or neither is.
func (r *Registry) Pair(control, data int, info PairInfo) (controlGen, dataGen uint32, err error) {
	if !r.inRange(control) || !r.inRange(data) {
		return 0, 0, ErrOutOfRange
	}
	if control == data {
		return 0, 0, fmt.Errorf("pair %d with itself: %w", control, ErrSlotInUse)
	}

	dmu := r.lock(data)
	dmu.Lock()
	if r.entries[data] != nil {
		dmu.Unlock()
		return 0, 0, fmt.Errorf("data fd %d: %w", data, ErrSlotInUse)
	}
	dataGen = r.nextGen(data)
	// Reserve the data slot before touching the control slot so the two locks
	// are never held together.
	r.entries[data] = &Entry{Role: RoleUnpaired, Gen: dataGen, Peer: control, Pairing: info.Pairing, Remote: info.Remote, File: -1}
	dmu.Unlock()

	cmu := r.lock(control)
	cmu.Lock()
	if r.entries[control] != nil {
		cmu.Unlock()
		dmu.Lock()
		if e := r.entries[data]; e != nil && e.Gen == dataGen {
			r.entries[data] = nil
		}
		dmu.Unlock()
		return 0, 0, fmt.Errorf("control fd %d: %w", control, ErrSlotInUse)
	}
	controlGen = r.nextGen(control)
	if info.Commands == nil {
		info.Commands = protocol.NewDecoder(protocol.DefaultMaxFrame)
	}
	r.entries[control] = &Entry{
		Role:     RoleControl,
		Gen:      controlGen,
		Peer:     data,
		PeerGen:  dataGen,
		File:     -1,
		Pairing:  info.Pairing,
		Remote:   info.Remote,
		Commands: info.Commands,
	}
	cmu.Unlock()

	dmu.Lock()
	if e := r.entries[data]; e != nil && e.Gen == dataGen {
		e.PeerGen = controlGen
	}
	dmu.Unlock()
	return controlGen, dataGen, nil
}

// Lookup returns a copy of the entry stored for fd.
func (r *Registry) Lookup(fd int) (Entry, bool) {
	if !r.inRange(fd) {
		return Entry{}, false
	}
	mu := r.lock(fd)
	mu.Lock()
	defer mu.Unlock()
	e := r.entries[fd]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Current reports whether fd is live with generation gen.
func (r *Registry) Current(fd int, gen uint32) bool {
	e, ok := r.Lookup(fd)
	return ok && e.Gen == gen
}

// BindUpload flips an unpaired data descriptor into the upload role.
func (r *Registry) BindUpload(fd int, gen uint32, file int, transfer, path string) error {
	return r.update(fd, gen, func(e *Entry) error {
		if e.Role != RoleUnpaired {
			return fmt.Errorf("fd %d is %s: %w", fd, e.Role, ErrRole)
		}
		e.Role = RoleUpload
		e.File = file
		e.Transfer = transfer
		e.Path = path
		e.Started = time.Now()
		e.Bytes = 0
		return nil
	})
}

// AddBytes accumulates transferred bytes on an upload entry.
func (r *Registry) AddBytes(fd int, gen uint32, n int64) {
	_ = r.update(fd, gen, func(e *Entry) error {
		e.Bytes += n
		return nil
	})
}

// HandOff clears an unpaired data slot so that ownership of the descriptor
// can move outside the registry. The returned entry is the slot's last state.
func (r *Registry) HandOff(fd int, gen uint32) (Entry, error) {
	if !r.inRange(fd) {
		return Entry{}, ErrOutOfRange
	}
	mu := r.lock(fd)
	mu.Lock()
	defer mu.Unlock()
	e := r.entries[fd]
	if e == nil || e.Gen != gen {
		return Entry{}, ErrStale
	}
	if e.Role != RoleUnpaired {
		return Entry{}, fmt.Errorf("fd %d is %s: %w", fd, e.Role, ErrRole)
	}
	r.entries[fd] = nil
	return *e, nil
}

// Release clears fd if its generation is gen. fn, when not nil, runs under the
// slot lock before the slot is cleared; it is where callers close the
// descriptor so that the number cannot be reissued while the slot still
// describes it. fn must not call back into the registry. Only one caller ever
// observes ok == true for a given registration.
func (r *Registry) Release(fd int, gen uint32, fn func(Entry)) (Entry, bool) {
	if !r.inRange(fd) {
		return Entry{}, false
	}
	mu := r.lock(fd)
	mu.Lock()
	defer mu.Unlock()
	e := r.entries[fd]
	if e == nil || e.Gen != gen {
		return Entry{}, false
	}
	snapshot := *e
	if fn != nil {
		fn(snapshot)
	}
	r.entries[fd] = nil
	return snapshot, true
}

// Do runs fn under the slot lock if fd is still live with generation gen.
// It is used to signal a descriptor owned by another goroutine (for example
// shutdown(2)) without racing that owner's Release.
func (r *Registry) Do(fd int, gen uint32, fn func(Entry)) bool {
	if !r.inRange(fd) {
		return false
	}
	mu := r.lock(fd)
	mu.Lock()
	defer mu.Unlock()
	e := r.entries[fd]
	if e == nil || e.Gen != gen {
		return false
	}
	fn(*e)
	return true
}

// Drain clears every live slot, handing each entry to fn under its lock.
func (r *Registry) Drain(fn func(fd int, e Entry)) int {
	n := 0
	for fd := range r.entries {
		mu := r.lock(fd)
		mu.Lock()
		if e := r.entries[fd]; e != nil {
			if fn != nil {
				fn(fd, *e)
			}
			r.entries[fd] = nil
			n++
		}
		mu.Unlock()
	}
	return n
}

// Counts walks the table and counts live entries per role.
func (r *Registry) Counts() Counts {
	var c Counts
	for fd := range r.entries {
		mu := r.lock(fd)
		mu.Lock()
		if e := r.entries[fd]; e != nil {
			switch e.Role {
			case RoleControl:
				c.Control++
			case RoleUnpaired:
				c.Unpaired++
			case RoleUpload:
				c.Upload++
			case RoleConnecting:
				c.Connecting++
			}
		}
		mu.Unlock()
	}
	return c
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	c := r.Counts()
	return c.Control + c.Unpaired + c.Upload + c.Connecting
}

func (r *Registry) update(fd int, gen uint32, fn func(*Entry) error) error {
	if !r.inRange(fd) {
		return ErrOutOfRange
	}
	mu := r.lock(fd)
	mu.Lock()
	defer mu.Unlock()
	e := r.entries[fd]
	if e == nil || e.Gen != gen {
		return ErrStale
	}
	return fn(e)
}
