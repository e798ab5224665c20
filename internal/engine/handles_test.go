package engine

import (
	"os"
	"sync"
	"testing"
)

func TestNewHandleTable(t *testing.T) {
	ht := newHandleTable()
	if ht == nil {
		t.Fatal("newHandleTable returned nil")
	}
	if ht.handles == nil {
		t.Error("handles map is nil")
	}
	if ht.next != 1 {
		t.Errorf("next = %d, want 1", ht.next)
	}
}

func TestHandleOpen(t *testing.T) {
	ht := newHandleTable()

	h1 := ht.open(10, os.O_RDONLY, false)
	h2 := ht.open(11, os.O_RDWR, true)
	h3 := ht.open(10, os.O_WRONLY, false)

	if h1 == 0 || h2 == 0 || h3 == 0 {
		t.Error("handle ids should not be 0")
	}
	if h1 == h2 || h2 == h3 || h1 == h3 {
		t.Error("handle ids should be unique")
	}
	if h1 != 1 || h2 != 2 || h3 != 3 {
		t.Error("handle ids should be sequential")
	}
}

func TestHandleGet(t *testing.T) {
	ht := newHandleTable()

	h := ht.open(42, os.O_RDWR, false)

	hd, ok := ht.get(h)
	if !ok {
		t.Fatal("get returned not ok")
	}
	if hd.ino != 42 {
		t.Errorf("ino = %d, want 42", hd.ino)
	}
	if hd.isDir {
		t.Error("isDir should be false")
	}
	if hd.flags != os.O_RDWR {
		t.Errorf("flags = %d, want O_RDWR", hd.flags)
	}
	if hd.refs != 1 {
		t.Errorf("refs = %d, want 1", hd.refs)
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	ht := newHandleTable()

	_, ok := ht.get(999)
	if ok {
		t.Error("get should return not ok for unknown id")
	}
}

func TestHandleRelease(t *testing.T) {
	ht := newHandleTable()

	h := ht.open(1, os.O_RDONLY, false)

	hd, last, err := ht.release(h)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !last {
		t.Error("single-ref release should be last")
	}
	if hd.ino != 1 {
		t.Errorf("ino = %d, want 1", hd.ino)
	}
	if _, ok := ht.get(h); ok {
		t.Error("handle should be gone after last release")
	}
}

func TestHandleRelease_Unknown(t *testing.T) {
	ht := newHandleTable()

	_, _, err := ht.release(77)
	if err != EBADF {
		t.Errorf("err = %v, want EBADF", err)
	}
}

func TestHandleRefCount(t *testing.T) {
	ht := newHandleTable()

	h := ht.open(5, os.O_RDONLY, true)
	if !ht.ref(h) {
		t.Fatal("ref failed on live handle")
	}

	if _, last, _ := ht.release(h); last {
		t.Error("first release of doubly-referenced handle should not be last")
	}
	if _, ok := ht.get(h); !ok {
		t.Error("handle should survive non-final release")
	}
	if _, last, _ := ht.release(h); !last {
		t.Error("second release should be last")
	}
}

func TestHandleIDsNeverReused(t *testing.T) {
	ht := newHandleTable()

	h1 := ht.open(1, os.O_RDONLY, false)
	ht.release(h1)
	h2 := ht.open(1, os.O_RDONLY, false)

	if h2 <= h1 {
		t.Errorf("h2 = %d, want > %d", h2, h1)
	}

	ht.clear()
	h3 := ht.open(1, os.O_RDONLY, false)
	if h3 <= h2 {
		t.Errorf("h3 = %d after clear, want > %d", h3, h2)
	}
}

func TestHandleClear(t *testing.T) {
	ht := newHandleTable()

	ht.open(1, os.O_RDONLY, false)
	ht.open(2, os.O_RDONLY, false)
	ht.open(3, os.O_RDONLY, true)

	if n := ht.clear(); n != 3 {
		t.Errorf("clear = %d, want 3", n)
	}
	if _, ok := ht.get(1); ok {
		t.Error("handles should be gone after clear")
	}
}

func TestHandleConcurrentOpen(t *testing.T) {
	ht := newHandleTable()

	const goroutines = 50
	var wg sync.WaitGroup
	ids := make([]HandleID, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = ht.open(uint64(i), os.O_RDONLY, false)
		}(i)
	}
	wg.Wait()

	seen := make(map[HandleID]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate handle id %d", id)
		}
		seen[id] = true
	}
}
