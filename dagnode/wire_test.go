package dagnode

import (
	"testing"

	"github.com/duskline/convo/types"
)

func TestPackUnpackWireRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	for _, compress := range []bool{false, true} {
		n := textNode(1)
		n.TopologicalRank = 0

		w, err := PackWire(n, key, compress)
		if err != nil {
			t.Fatalf("PackWire(compress=%v): %v", compress, err)
		}
		if w.Flags&FlagEncrypted == 0 {
			t.Fatal("expected FlagEncrypted to be set")
		}
		if compress && w.Flags&FlagCompressed == 0 {
			t.Fatal("expected FlagCompressed to be set")
		}

		got, err := UnpackWire(w, key)
		if err != nil {
			t.Fatalf("UnpackWire(compress=%v): %v", compress, err)
		}
		if got.SenderPk != n.SenderPk {
			t.Fatalf("sender_pk mismatch: %v != %v", got.SenderPk, n.SenderPk)
		}
		if got.SequenceNumber != n.SequenceNumber {
			t.Fatalf("sequence mismatch: %v != %v", got.SequenceNumber, n.SequenceNumber)
		}
		if got.Content.Text == nil || got.Content.Text.Body != n.Content.Text.Body {
			t.Fatalf("content mismatch: %+v", got.Content)
		}
	}
}

func TestUnpackWireWrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	wrong := make([]byte, 32)
	wrong[0] = 1

	n := textNode(1)
	w, err := PackWire(n, key, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnpackWire(w, wrong); err == nil {
		t.Fatal("expected UnpackWire with the wrong key to fail")
	}
}

func TestUnpackWireRejectsUnencrypted(t *testing.T) {
	w := &WireNode{AuthorPk: types.LogicalIdentityPk{}}
	if _, err := UnpackWire(w, make([]byte, 32)); err == nil {
		t.Fatal("expected UnpackWire to reject a WireNode without FlagEncrypted")
	}
}
