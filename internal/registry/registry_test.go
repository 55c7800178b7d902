package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPair_RegistersBothHalves(t *testing.T) {
	r := New(64)
	cg, dg, err := r.Pair(5, 6, PairInfo{Pairing: "p1", Remote: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if cg == 0 || dg == 0 {
		t.Fatalf("generations must be non-zero, got %d %d", cg, dg)
	}

	ctrl, ok := r.Lookup(5)
	if !ok {
		t.Fatal("control entry missing")
	}
	if ctrl.Role != RoleControl || ctrl.Peer != 6 || ctrl.PeerGen != dg || ctrl.Gen != cg {
		t.Errorf("control entry = %+v", ctrl)
	}
	if ctrl.Commands == nil {
		t.Error("control entry has no decoder")
	}

	data, ok := r.Lookup(6)
	if !ok {
		t.Fatal("data entry missing")
	}
	if data.Role != RoleUnpaired || data.Peer != 5 || data.PeerGen != cg || data.Gen != dg {
		t.Errorf("data entry = %+v", data)
	}
	if data.Pairing != "p1" || data.Remote != "127.0.0.1" {
		t.Errorf("data entry info = %+v", data)
	}
}

func TestPair_OutOfRange(t *testing.T) {
	r := New(8)
	if _, _, err := r.Pair(3, 8, PairInfo{}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Pair() error = %v, want ErrOutOfRange", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestPair_OccupiedSlotIsAllOrNothing(t *testing.T) {
	r := New(64)
	if _, _, err := r.Pair(1, 2, PairInfo{}); err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	// Control slot 1 is taken: data slot 3 must not be left behind.
	if _, _, err := r.Pair(1, 3, PairInfo{}); !errors.Is(err, ErrSlotInUse) {
		t.Fatalf("Pair() error = %v, want ErrSlotInUse", err)
	}
	if _, ok := r.Lookup(3); ok {
		t.Error("data slot 3 leaked after failed pair")
	}
	// Data slot 2 is taken.
	if _, _, err := r.Pair(4, 2, PairInfo{}); !errors.Is(err, ErrSlotInUse) {
		t.Fatalf("Pair() error = %v, want ErrSlotInUse", err)
	}
	if _, ok := r.Lookup(4); ok {
		t.Error("control slot 4 leaked after failed pair")
	}
}

func TestBindUpload(t *testing.T) {
	r := New(64)
	_, dg, err := r.Pair(10, 11, PairInfo{})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if err := r.BindUpload(11, dg+1, 20, "t", "/x"); !errors.Is(err, ErrStale) {
		t.Fatalf("BindUpload() with wrong gen error = %v, want ErrStale", err)
	}
	if err := r.BindUpload(11, dg, 20, "t1", "/tmp/a"); err != nil {
		t.Fatalf("BindUpload() error = %v", err)
	}
	e, _ := r.Lookup(11)
	if e.Role != RoleUpload || e.File != 20 || e.Transfer != "t1" || e.Path != "/tmp/a" {
		t.Errorf("entry after bind = %+v", e)
	}
	if e.Started.IsZero() {
		t.Error("Started not set")
	}
	if err := r.BindUpload(11, dg, 21, "t2", "/tmp/b"); !errors.Is(err, ErrRole) {
		t.Errorf("second BindUpload() error = %v, want ErrRole", err)
	}

	r.AddBytes(11, dg, 100)
	r.AddBytes(11, dg, 23)
	e, _ = r.Lookup(11)
	if e.Bytes != 123 {
		t.Errorf("Bytes = %d, want 123", e.Bytes)
	}
}

func TestHandOff(t *testing.T) {
	r := New(64)
	cg, dg, err := r.Pair(10, 11, PairInfo{Pairing: "p"})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if _, err := r.HandOff(10, cg); !errors.Is(err, ErrRole) {
		t.Errorf("HandOff(control) error = %v, want ErrRole", err)
	}
	e, err := r.HandOff(11, dg)
	if err != nil {
		t.Fatalf("HandOff() error = %v", err)
	}
	if e.Pairing != "p" || e.Peer != 10 {
		t.Errorf("handed off entry = %+v", e)
	}
	if _, ok := r.Lookup(11); ok {
		t.Error("data slot still populated after hand off")
	}
	if _, err := r.HandOff(11, dg); !errors.Is(err, ErrStale) {
		t.Errorf("second HandOff() error = %v, want ErrStale", err)
	}
	// The control entry is untouched.
	ctrl, ok := r.Lookup(10)
	if !ok || ctrl.Peer != 11 || ctrl.PeerGen != dg {
		t.Errorf("control entry after hand off = %+v", ctrl)
	}
}

func TestRelease_OnlyOnce(t *testing.T) {
	r := New(64)
	cg, _, err := r.Pair(7, 8, PairInfo{})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	calls := 0
	if _, ok := r.Release(7, cg, func(Entry) { calls++ }); !ok {
		t.Fatal("first Release() failed")
	}
	if _, ok := r.Release(7, cg, func(Entry) { calls++ }); ok {
		t.Fatal("second Release() succeeded")
	}
	if calls != 1 {
		t.Errorf("close callback ran %d times, want 1", calls)
	}
}

func TestGenerationAdvancesOnReuse(t *testing.T) {
	r := New(64)
	cg1, dg1, err := r.Pair(3, 4, PairInfo{})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	r.Release(3, cg1, nil)
	r.Release(4, dg1, nil)

	cg2, dg2, err := r.Pair(3, 4, PairInfo{})
	if err != nil {
		t.Fatalf("second Pair() error = %v", err)
	}
	if cg2 == cg1 || dg2 == dg1 {
		t.Fatalf("generation reused: %d/%d -> %d/%d", cg1, dg1, cg2, dg2)
	}
	if r.Current(3, cg1) {
		t.Error("old generation still reported current")
	}
	if !r.Current(3, cg2) {
		t.Error("new generation not current")
	}
	if _, ok := r.Release(3, cg1, nil); ok {
		t.Error("Release() with stale generation succeeded")
	}
}

func TestDo(t *testing.T) {
	r := New(64)
	cg, _, err := r.Pair(3, 4, PairInfo{})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	ran := false
	if !r.Do(3, cg, func(e Entry) { ran = e.Role == RoleControl }) || !ran {
		t.Error("Do() did not run on live entry")
	}
	if r.Do(3, cg+1, func(Entry) { t.Error("Do() ran with stale gen") }) {
		t.Error("Do() reported success with stale gen")
	}
}

func TestConnectingThenPair(t *testing.T) {
	r := New(64)
	gen, err := r.Connecting(6, 5, "10.0.0.1")
	if err != nil {
		t.Fatalf("Connecting() error = %v", err)
	}
	e, ok := r.Lookup(6)
	if !ok || e.Role != RoleConnecting || e.Peer != 5 || e.Remote != "10.0.0.1" || e.Gen != gen {
		t.Fatalf("Lookup(6) = %+v, %v", e, ok)
	}
	if c := r.Counts(); c.Connecting != 1 || r.Len() != 1 {
		t.Errorf("Counts() = %+v, Len() = %d", c, r.Len())
	}
	if _, err := r.Connecting(6, 7, "10.0.0.2"); !errors.Is(err, ErrSlotInUse) {
		t.Errorf("second Connecting() error = %v, want ErrSlotInUse", err)
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if err := r.SetDeadline(6, gen, timer); err != nil {
		t.Fatalf("SetDeadline() error = %v", err)
	}
	if err := r.SetDeadline(6, gen+1, timer); !errors.Is(err, ErrStale) {
		t.Errorf("SetDeadline(stale) error = %v, want ErrStale", err)
	}

	// The completing side takes ownership once, then pairs the halves.
	got, ok := r.Release(6, gen, nil)
	if !ok || got.Deadline != timer {
		t.Fatalf("Release() = %+v, %v", got, ok)
	}
	if _, ok := r.Release(6, gen, nil); ok {
		t.Fatal("Release() succeeded twice")
	}
	_, dg, err := r.Pair(5, 6, PairInfo{Remote: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if dg == gen {
		t.Error("Pair() reused the connecting generation")
	}
	if err := r.SetDeadline(6, dg, timer); !errors.Is(err, ErrRole) {
		t.Errorf("SetDeadline(unpaired) error = %v, want ErrRole", err)
	}
}

func TestCountsAndDrain(t *testing.T) {
	r := New(64)
	_, dg, _ := r.Pair(1, 2, PairInfo{})
	r.Pair(3, 4, PairInfo{})
	r.BindUpload(2, dg, 9, "t", "/p")

	c := r.Counts()
	if c.Control != 2 || c.Unpaired != 1 || c.Upload != 1 {
		t.Errorf("Counts() = %+v", c)
	}

	var drained []int
	if n := r.Drain(func(fd int, e Entry) { drained = append(drained, fd) }); n != 4 {
		t.Errorf("Drain() = %d, want 4", n)
	}
	if len(drained) != 4 {
		t.Errorf("drain callback saw %v", drained)
	}
	if r.Len() != 0 {
		t.Errorf("Len() after drain = %d", r.Len())
	}
}

func TestConcurrentPairAndRelease(t *testing.T) {
	r := New(4096)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ctrl := base*2 + 0
				data := base*2 + 1
				cg, dg, err := r.Pair(ctrl, data, PairInfo{})
				if err != nil {
					t.Errorf("Pair(%d,%d) error = %v", ctrl, data, err)
					return
				}
				if err := r.BindUpload(data, dg, 100, "t", "/p"); err != nil {
					t.Errorf("BindUpload() error = %v", err)
					return
				}
				r.AddBytes(data, dg, 1)
				if _, ok := r.Release(data, dg, nil); !ok {
					t.Errorf("Release(data) failed")
					return
				}
				if _, ok := r.Release(ctrl, cg, nil); !ok {
					t.Errorf("Release(control) failed")
					return
				}
			}
		}(w * 256)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after concurrent churn", r.Len())
	}
}

func TestRoleString(t *testing.T) {
	if RoleUpload.String() != "upload" || RoleControl.String() != "control" || RoleConnecting.String() != "connecting" {
		t.Errorf("unexpected role names")
	}
}
