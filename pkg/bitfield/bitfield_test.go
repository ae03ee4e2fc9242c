package bitfield

import "testing"

func TestNew(t *testing.T) {
	bf := New(10)
	if bf.Len() != 16 {
		t.Fatalf("expected 16 addressable bits for 10 requested, got %d", bf.Len())
	}
	if bf.Any() {
		t.Fatal("expected freshly allocated bitfield to have no set bits")
	}

	if New(0) != nil {
		t.Fatal("expected New(0) to return nil")
	}
	if New(-1) != nil {
		t.Fatal("expected New(-1) to return nil")
	}
}

func TestFromBytesIndependentCopy(t *testing.T) {
	raw := []byte{0xFF, 0x00}
	bf := FromBytes(raw)

	raw[0] = 0x00
	if !bf.Has(0) {
		t.Fatal("FromBytes should copy, not alias, the source bytes")
	}
}

func TestSetClearHas(t *testing.T) {
	bf := New(16)

	if changed := bf.Set(3); !changed {
		t.Fatal("expected Set on a clear bit to report a change")
	}
	if !bf.Has(3) {
		t.Fatal("expected bit 3 to be set")
	}
	if changed := bf.Set(3); changed {
		t.Fatal("expected Set on an already-set bit to report no change")
	}

	if changed := bf.Clear(3); !changed {
		t.Fatal("expected Clear on a set bit to report a change")
	}
	if bf.Has(3) {
		t.Fatal("expected bit 3 to be clear")
	}
	if changed := bf.Clear(3); changed {
		t.Fatal("expected Clear on an already-clear bit to report no change")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)

	if bf.Has(-1) || bf.Has(8) {
		t.Fatal("expected out-of-range Has to return false")
	}
	if bf.Set(-1) || bf.Set(8) {
		t.Fatal("expected out-of-range Set to return false")
	}
	if bf.Clear(-1) || bf.Clear(8) {
		t.Fatal("expected out-of-range Clear to return false")
	}
}

func TestCountAnyNoneAll(t *testing.T) {
	bf := New(8)

	if !bf.None() || bf.Any() {
		t.Fatal("expected freshly allocated bitfield to be None and not Any")
	}
	if bf.All() {
		t.Fatal("expected empty bitfield to not be All")
	}

	for i := 0; i < 8; i++ {
		bf.Set(i)
	}

	if bf.Count() != 8 {
		t.Fatalf("expected count 8, got %d", bf.Count())
	}
	if !bf.Any() || bf.None() {
		t.Fatal("expected fully set bitfield to be Any and not None")
	}
	if !bf.All() {
		t.Fatal("expected fully set bitfield to be All")
	}
}

func TestEqualsAndClone(t *testing.T) {
	a := New(8)
	a.Set(2)

	b := a.Clone()
	if !a.Equals(b) {
		t.Fatal("expected clone to equal original")
	}

	b.Set(5)
	if a.Equals(b) {
		t.Fatal("expected mutating the clone to not affect the original")
	}
	if a.Has(5) {
		t.Fatal("Clone should not alias the original's storage")
	}
}

func TestString(t *testing.T) {
	bf := New(4)
	bf.Set(0)
	bf.Set(3)

	if got, want := bf.String(), "10010000"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMSBFirstOrdering(t *testing.T) {
	bf := New(8)
	bf.Set(0)

	if bf.Bytes()[0] != 0x80 {
		t.Fatalf("expected bit 0 to map to the MSB (0x80), got 0x%02x", bf.Bytes()[0])
	}
}
