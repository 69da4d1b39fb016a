package bufpool

import "testing"

func TestGetPutRecyclesBuffers(t *testing.T) {
	p := New(4096, 2)

	b1 := p.Get()
	if len(b1.Bytes()) != 4096 {
		t.Fatalf("len = %d, want 4096", len(b1.Bytes()))
	}
	b1.Release()

	stats := p.Stats()
	if stats.Allocated != 1 {
		t.Fatalf("allocated = %d, want 1", stats.Allocated)
	}
	if stats.Free != 1 {
		t.Fatalf("free = %d, want 1", stats.Free)
	}

	b2 := p.Get()
	stats = p.Stats()
	if stats.Recycled != 1 {
		t.Fatalf("recycled = %d, want 1", stats.Recycled)
	}
	if stats.Allocated != 1 {
		t.Fatalf("allocated = %d, want 1 (no fresh allocation on reuse)", stats.Allocated)
	}
	b2.Release()
}

func TestFreeListBoundsPeakRetention(t *testing.T) {
	p := New(64, 2)
	var bufs []interface {
		Bytes() []byte
		Release()
	}
	for i := 0; i < 5; i++ {
		bufs = append(bufs, p.Get())
	}
	for _, b := range bufs {
		b.Release()
	}
	if stats := p.Stats(); stats.Free != 2 {
		t.Fatalf("free = %d, want capped at 2", stats.Free)
	}
}
