package bitfield

import "testing"

func TestSetGetCount(t *testing.T) {
	b := New(10)
	if b.Count() != 0 {
		t.Fatalf("expected empty bitfield")
	}
	b.Set(0, true)
	b.Set(9, true)
	if !b.Get(0) || !b.Get(9) {
		t.Fatalf("expected bits 0 and 9 set")
	}
	if b.Get(1) {
		t.Fatalf("expected bit 1 clear")
	}
	if b.Count() != 2 {
		t.Fatalf("expected count 2, got %d", b.Count())
	}
}

func TestHexRoundTrip(t *testing.T) {
	b := New(20)
	for _, i := range []uint32{0, 1, 5, 19} {
		b.Set(i, true)
	}
	h := b.Hex()
	b2, err := FromHex(h, 20)
	if err != nil {
		t.Fatal(err)
	}
	if b2.Hex() != h {
		t.Fatalf("round-trip mismatch: %s != %s", b2.Hex(), h)
	}
	if b2.Count() != 4 {
		t.Fatalf("expected count 4, got %d", b2.Count())
	}
}

func TestAllAndTrailingBitsIgnored(t *testing.T) {
	b, err := NewBytes([]byte{0xFF}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !b.All() {
		t.Fatalf("expected All() true when all 5 meaningful bits are set")
	}
	if b.Count() != 5 {
		t.Fatalf("expected count 5, got %d", b.Count())
	}
}

func TestAndOr(t *testing.T) {
	a := New(8)
	a.Set(0, true)
	a.Set(1, true)
	b := New(8)
	b.Set(1, true)
	b.Set(2, true)

	and := a.And(b)
	if and.Count() != 1 || !and.Get(1) {
		t.Fatalf("AND result wrong")
	}
	or := a.Or(b)
	if or.Count() != 3 {
		t.Fatalf("OR result wrong")
	}
}

func TestShortBufferRejected(t *testing.T) {
	if _, err := NewBytes([]byte{0x00}, 100); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}
