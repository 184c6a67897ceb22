package buffer

import "testing"

func TestPoolGetReturnsConfiguredSize(t *testing.T) {
	p := NewPool(4096)
	b := p.Get()
	if len(b) != 4096 {
		t.Fatalf("got len %d, want 4096", len(b))
	}
}

func TestPoolPutGetRecycles(t *testing.T) {
	p := NewPool(1024)
	b := p.Get()
	b[0] = 0x42
	p.Put(b)

	b2 := p.Get()
	if len(b2) != 1024 {
		t.Fatalf("got len %d, want 1024", len(b2))
	}
}

func TestPoolPutDiscardsUndersizedBuffer(t *testing.T) {
	p := NewPool(1024)
	p.Put(make([]byte, 16))
	// Should not panic, and Get should still yield a correctly sized buffer.
	b := p.Get()
	if len(b) != 1024 {
		t.Fatalf("got len %d, want 1024", len(b))
	}
}

func TestNewPoolPanicsOnNonPositiveSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive size")
		}
	}()
	NewPool(0)
}
