package bufpool

import (
	"testing"
)

func TestPool_GetPut(t *testing.T) {
	pool := New(4096)

	buf1 := pool.Get(4096)
	if len(buf1) != 4096 || cap(buf1) != 4096 {
		t.Errorf("expected len/cap 4096, got %d/%d", len(buf1), cap(buf1))
	}
	pool.Put(buf1)

	// A short part reuses a full-size buffer.
	buf2 := pool.Get(100)
	if len(buf2) != 100 || cap(buf2) != 4096 {
		t.Errorf("expected len 100 cap 4096, got %d/%d", len(buf2), cap(buf2))
	}
	pool.Put(buf2)

	if pool.Size() != 4096 {
		t.Errorf("expected Size 4096, got %d", pool.Size())
	}
}

func TestPool_ForeignBufferDropped(t *testing.T) {
	pool := New(4096)
	pool.Put(make([]byte, 1024))
	pool.Put(make([]byte, 8192))

	for i := 0; i < 4; i++ {
		if buf := pool.Get(4096); cap(buf) != 4096 {
			t.Fatalf("got foreign buffer of cap %d", cap(buf))
		}
	}
}

func TestForSize_Shared(t *testing.T) {
	if ForSize(2048) != ForSize(2048) {
		t.Fatal("same size should share one pool")
	}
	if ForSize(2048) == ForSize(3072) {
		t.Fatal("different sizes should not share a pool")
	}
	if ForSize(3072).Size() != 3072 {
		t.Fatalf("unexpected size %d", ForSize(3072).Size())
	}
}

func TestPool_Panics(t *testing.T) {
	for name, fn := range map[string]func(){
		"zero size":     func() { New(0) },
		"negative size": func() { New(-1) },
		"oversized get": func() { New(16).Get(17) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}
