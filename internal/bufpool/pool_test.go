package bufpool

import (
	"testing"
)

func TestPool_GetPut(t *testing.T) {
	bufSize := 4096
	pool := New(bufSize)

	buf1 := pool.Get()
	if len(*buf1) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(*buf1))
	}
	pool.Put(buf1)

	buf2 := pool.Get()
	if len(*buf2) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(*buf2))
	}
	if pool.BufSize() != bufSize {
		t.Errorf("expected BufSize %d, got %d", bufSize, pool.BufSize())
	}
}

func TestPool_ResliceRestoresLength(t *testing.T) {
	pool := New(1024)
	buf := pool.Get()
	*buf = (*buf)[:10]
	pool.Put(buf)

	for i := 0; i < 4; i++ {
		b := pool.Get()
		if len(*b) != 1024 {
			t.Fatalf("expected length 1024, got %d", len(*b))
		}
		pool.Put(b)
	}
}

func TestPool_TooSmallBuffer(t *testing.T) {
	bufSize := 4096
	pool := New(bufSize)

	small := make([]byte, 1024)
	pool.Put(&small)
	pool.Put(nil)

	buf := pool.Get()
	if len(*buf) != bufSize {
		t.Errorf("expected buffer length %d, got %d", bufSize, len(*buf))
	}
}

func TestSharedPool(t *testing.T) {
	buf := Get()
	if len(*buf) != DefaultSize {
		t.Fatalf("expected shared buffer of %d bytes, got %d", DefaultSize, len(*buf))
	}
	Put(buf)
}

func TestPool_PanicOnZeroSize(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for zero bufSize")
		}
	}()
	New(0)
}

func TestPool_PanicOnNegativeSize(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for negative bufSize")
		}
	}()
	New(-1)
}
