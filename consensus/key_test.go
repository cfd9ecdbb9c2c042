package consensus

import "testing"

func TestHashBytesDeterministic(t *testing.T) {
	a := HashBytes([]byte("hello"))
	b := HashBytes([]byte("hello"))
	if a != b {
		t.Fatalf("HashBytes is not deterministic: %s != %s", a, b)
	}

	c := HashBytes([]byte("world"))
	if a == c {
		t.Fatalf("different inputs produced the same hash")
	}
}

func TestHashString(t *testing.T) {
	h := HashBytes([]byte{0x00, 0x01, 0xff})
	if len(h.String()) != 64 {
		t.Fatalf("String() length = %d, want 64", len(h.String()))
	}
}

func TestPeerIDEqual(t *testing.T) {
	a := PeerID{1, 2, 3}
	b := PeerID{1, 2, 3}
	c := PeerID{1, 2, 4}

	if !a.Equal(b) {
		t.Errorf("expected equal peer IDs to compare equal")
	}
	if a.Equal(c) {
		t.Errorf("expected different peer IDs to compare unequal")
	}
	if a.Equal(PeerID{1, 2}) {
		t.Errorf("expected different-length peer IDs to compare unequal")
	}
}

func TestDistanceIsDeterministicAndVaries(t *testing.T) {
	h := HashBytes([]byte("proposal"))
	p1 := PeerID{1}
	p2 := PeerID{2}

	d1a := distance(p1, h)
	d1b := distance(p1, h)
	if d1a.Cmp(d1b) != 0 {
		t.Fatalf("distance is not deterministic for the same inputs")
	}

	d2 := distance(p2, h)
	if d1a.Cmp(d2) == 0 {
		t.Fatalf("distinct peers produced identical distance to the same hash")
	}
}
