package tags

import (
	"strings"
	"testing"

	"rangebot/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	const id = "a1b2c3d4e5f60718"
	for _, tag := range []string{Encode(id), EncodeStop(id), EncodeTarget(id)} {
		got, ok := Decode(tag)
		if !ok {
			t.Fatalf("Decode(%q): not robot-owned", tag)
		}
		if got != id {
			t.Fatalf("Decode(%q) = %q, want %q", tag, got, id)
		}
	}
}

func TestDecodeSuffixStripping(t *testing.T) {
	t.Parallel()

	if id, ok := Decode("QTSW2:X:STOP"); !ok || id != "X" {
		t.Fatalf("Decode(QTSW2:X:STOP) = %q,%v, want X,true", id, ok)
	}
}

func TestDecodeForeignTags(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{"X", "", "QTSW2:", "qtsw2:abc", "QTSW:abc", "manual order"} {
		if id, ok := Decode(tag); ok {
			t.Errorf("Decode(%q) = %q, want not-a-robot-order", tag, id)
		}
	}
}

func TestDecodeRole(t *testing.T) {
	t.Parallel()

	cases := map[string]Role{
		Encode("id"):       RoleEntry,
		EncodeStop("id"):   RoleStop,
		EncodeTarget("id"): RoleTarget,
		"QTSW2:id:WEIRD":   RoleEntry,
		"manual":           RoleEntry,
	}
	for tag, want := range cases {
		if got := DecodeRole(tag); got != want {
			t.Errorf("DecodeRole(%q) = %q, want %q", tag, got, want)
		}
	}
}

func TestForOrderType(t *testing.T) {
	t.Parallel()

	const id = "deadbeef00112233"
	if ForOrderType(id, types.OrderStop) != EncodeStop(id) {
		t.Fatalf("stop tag mismatch")
	}
	if ForOrderType(id, types.OrderTarget) != EncodeTarget(id) {
		t.Fatalf("target tag mismatch")
	}
	for _, ot := range []types.OrderType{types.OrderEntry, types.OrderEntryStop, types.OrderMarket} {
		if ForOrderType(id, ot) != Encode(id) {
			t.Fatalf("%s tag mismatch", ot)
		}
	}
}

func TestNewOCOGroupUnique(t *testing.T) {
	t.Parallel()

	a := NewOCOGroup("2025-11-20", "NY1", "08:30")
	b := NewOCOGroup("2025-11-20", "NY1", "08:30")
	if a == b {
		t.Fatalf("two OCO groups for the same slot collided: %s", a)
	}
	if !strings.HasPrefix(a, "QTSW2:OCO_ENTRY:2025-11-20:NY1:08:30:") {
		t.Fatalf("unexpected OCO group shape: %s", a)
	}
	if !IsOCOGroup(a) {
		t.Fatalf("IsOCOGroup(%q) = false", a)
	}
	if IsOCOGroup(Encode("abc")) {
		t.Fatalf("entry tag misread as OCO group")
	}
}
