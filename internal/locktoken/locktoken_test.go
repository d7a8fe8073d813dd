package locktoken

import "testing"

func TestFromDeliveryTagFormatsCanonicalUUID(t *testing.T) {
	tag := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	got, err := FromDeliveryTag(tag)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "01020304-0506-0708-090a-0b0c0d0e0f10"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFromDeliveryTagRejectsWrongLength(t *testing.T) {
	if _, err := FromDeliveryTag([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short delivery tag")
	}
}

func TestToBytesRoundTripsFromDeliveryTag(t *testing.T) {
	tag := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0x00}
	token, err := FromDeliveryTag(tag)
	if err != nil {
		t.Fatalf("FromDeliveryTag: %v", err)
	}
	back, err := ToBytes(token)
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}
	for i := range tag {
		if back[i] != tag[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, back[i], tag[i])
		}
	}
}

// TestReorderMatchesSpecPermutation is the exhaustive permutation table
// called for in DESIGN NOTES: every wire-position byte must come from the
// documented source index.
func TestReorderMatchesSpecPermutation(t *testing.T) {
	var canonical [16]byte
	for i := range canonical {
		canonical[i] = byte(i)
	}
	wire := Reorder(canonical)

	wantSrc := [16]int{3, 2, 1, 0, 5, 4, 7, 6, 8, 9, 10, 11, 12, 13, 14, 15}
	for wireIdx, srcIdx := range wantSrc {
		if wire[wireIdx] != canonical[srcIdx] {
			t.Fatalf("wire[%d] = %d, want canonical[%d] = %d", wireIdx, wire[wireIdx], srcIdx, canonical[srcIdx])
		}
	}
}

func TestReorderIsNotIdentity(t *testing.T) {
	var canonical [16]byte
	for i := range canonical {
		canonical[i] = byte(i + 1)
	}
	once := Reorder(canonical)
	if once == canonical {
		t.Fatal("reorder must not be the identity permutation")
	}
}

func TestReorderStringMatchesReorder(t *testing.T) {
	tag := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90, 0xa0, 0xb0, 0xc0, 0xd0, 0xe0, 0xf0, 0x01}
	token, err := FromDeliveryTag(tag)
	if err != nil {
		t.Fatalf("FromDeliveryTag: %v", err)
	}

	var canonical [16]byte
	copy(canonical[:], tag)
	want := Reorder(canonical)

	got, err := ReorderString(token)
	if err != nil {
		t.Fatalf("ReorderString: %v", err)
	}
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
