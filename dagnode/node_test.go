package dagnode

import (
	"bytes"
	"testing"

	"github.com/duskline/convo/types"
)

func textNode(seq uint32, parents ...types.NodeHash) *MerkleNode {
	n := &MerkleNode{
		Parents:          parents,
		SequenceNumber:   types.NewSequenceNumber(1, seq),
		NetworkTimestamp: 1700000000000,
		Content:          Content{Kind: KindText, Text: &TextContent{Body: "hello"}},
		Metadata:         []byte("meta"),
	}
	n.AuthorPk[0] = 0xAA
	n.SenderPk[0] = 0xBB
	return n
}

func TestHashDeterministic(t *testing.T) {
	var conv types.ConversationId
	conv[0] = 1

	n := textNode(1)
	n.TopologicalRank = 0
	h1 := Hash(n, conv)
	h2 := Hash(n, conv)
	if h1 != h2 {
		t.Fatalf("Hash is not deterministic: %v != %v", h1, h2)
	}

	n2 := textNode(1)
	n2.TopologicalRank = 0
	n2.Content.Text.Body = "goodbye"
	if Hash(n2, conv) == h1 {
		t.Fatal("different content produced the same hash")
	}
}

func TestSerializeRoundTripViaContent(t *testing.T) {
	for _, tc := range []struct {
		name string
		c    Content
	}{
		{"text", Content{Kind: KindText, Text: &TextContent{Body: "hi"}}},
		{"blob", Content{Kind: KindBlob, Blob: &BlobContent{
			Name: "f.png", Mime: "image/png", Size: 10, Metadata: []byte("m"),
		}}},
		{"reaction", Content{Kind: KindReaction, Reaction: &ReactionContent{Emoji: "👍"}}},
		{"location", Content{Kind: KindLocation, Location: &LocationContent{Lat: -33.8688, Lon: 151.2093, Label: "Sydney"}}},
		{"redaction", Content{Kind: KindRedaction, Redaction: &RedactionContent{Reason: "oops"}}},
		{"other", Content{Kind: KindOther, Other: &OtherContent{Tag: "x-custom", Body: []byte{1, 2, 3}}}},
		{"keywrap", Content{Kind: KindKeyWrap, KeyWrap: &KeyWrapContent{
			Epoch: 3,
			Wraps: []WrappedKey{{SealedKey: []byte("k"), SealedNonce: []byte("n")}},
		}}},
		{"control-genesis", Content{Kind: KindControl, Control: &ControlAction{Kind: CtlGenesis}}},
		{"control-authorize", Content{Kind: KindControl, Control: &ControlAction{
			Kind: CtlAuthorizeDevice,
			AuthorizeDevice: &AuthorizeDeviceAction{Cert: DelegationCertificate{
				Permissions: PermAll, ExpiresAt: 42,
			}},
		}}},
		{"control-snapshot", Content{Kind: KindControl, Control: &ControlAction{
			Kind: CtlSnapshot,
			Snapshot: &SnapshotAction{
				LastSeqs: map[types.PhysicalDevicePk]types.SequenceNumber{
					{0x01}: types.NewSequenceNumber(1, 1),
					{0x02}: types.NewSequenceNumber(1, 2),
				},
			},
		}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := serializeContent(nil, tc.c)
			got, err := deserializeContent(bytes.NewReader(buf))
			if err != nil {
				t.Fatalf("deserializeContent: %v", err)
			}
			// Re-serialize and compare bytes, since Content holds pointers
			// and isn't directly comparable.
			again := serializeContent(nil, got)
			if !bytes.Equal(buf, again) {
				t.Fatalf("round trip mismatch:\n  in:  %x\n  out: %x", buf, again)
			}
		})
	}
}

func TestExpectedRank(t *testing.T) {
	if r := ExpectedRank(nil); r != 0 {
		t.Fatalf("expected 0 for no parents, got %d", r)
	}
	if r := ExpectedRank([]uint64{3, 1, 7, 2}); r != 8 {
		t.Fatalf("expected 8, got %d", r)
	}
}

func TestSortParents(t *testing.T) {
	a := types.NodeHash{1}
	b := types.NodeHash{2}
	c := types.NodeHash{3}
	n := &MerkleNode{Parents: []types.NodeHash{c, a, b}}
	n.SortParents()
	want := []types.NodeHash{a, b, c}
	for i := range want {
		if n.Parents[i] != want[i] {
			t.Fatalf("parents not sorted: %v", n.Parents)
		}
	}
}

type fakeLookup struct {
	ranks     map[types.NodeHash]uint64
	verified  map[types.NodeHash]bool
	lastSeq   map[types.PhysicalDevicePk]types.SequenceNumber
	specCount int
	verCount  int
}

func (f *fakeLookup) RankOf(h types.NodeHash) (uint64, bool) {
	r, ok := f.ranks[h]
	return r, ok
}
func (f *fakeLookup) IsVerified(h types.NodeHash) bool { return f.verified[h] }
func (f *fakeLookup) LastSequence(sender types.PhysicalDevicePk, epoch types.Epoch) (types.SequenceNumber, bool) {
	s, ok := f.lastSeq[sender]
	return s, ok
}
func (f *fakeLookup) SpeculativeCount() int { return f.specCount }
func (f *fakeLookup) VerifiedCount() int    { return f.verCount }

func TestValidateEmptyDag(t *testing.T) {
	n := textNode(1)
	lookup := &fakeLookup{ranks: map[types.NodeHash]uint64{}, verCount: 1}
	out := Validate(n, lookup, Limits{MaxSpeculativePerConversation: 100}, false)
	if out.Kind != ValidateEmptyDag {
		t.Fatalf("expected ValidateEmptyDag, got %v", out)
	}
}

func TestValidateParentlessFirstNodeOk(t *testing.T) {
	n := textNode(1)
	lookup := &fakeLookup{ranks: map[types.NodeHash]uint64{}}
	out := Validate(n, lookup, Limits{MaxSpeculativePerConversation: 100}, false)
	if out.Kind != ValidateOk {
		t.Fatalf("expected the conversation's first node to validate ok, got %v", out)
	}
}

func TestValidateMissingParents(t *testing.T) {
	missing := types.NodeHash{9}
	n := textNode(1, missing)
	lookup := &fakeLookup{ranks: map[types.NodeHash]uint64{}}
	out := Validate(n, lookup, Limits{MaxSpeculativePerConversation: 100}, false)
	if out.Kind != ValidateMissingParents || !out.Recoverable() {
		t.Fatalf("expected recoverable ValidateMissingParents, got %v", out)
	}
}

func TestValidateRankViolation(t *testing.T) {
	p := types.NodeHash{1}
	n := textNode(1, p)
	n.TopologicalRank = 99
	lookup := &fakeLookup{ranks: map[types.NodeHash]uint64{p: 0}}
	out := Validate(n, lookup, Limits{MaxSpeculativePerConversation: 100}, false)
	if out.Kind != ValidateTopologicalRankViolation || !out.Recoverable() {
		t.Fatalf("expected recoverable rank violation, got %v", out)
	}
}

func TestValidateSequenceReuse(t *testing.T) {
	p := types.NodeHash{1}
	n := textNode(1, p)
	n.TopologicalRank = 1
	lookup := &fakeLookup{
		ranks:   map[types.NodeHash]uint64{p: 0},
		lastSeq: map[types.PhysicalDevicePk]types.SequenceNumber{n.SenderPk: types.NewSequenceNumber(1, 5)},
	}
	out := Validate(n, lookup, Limits{MaxSpeculativePerConversation: 100}, false)
	if out.Kind != ValidateInvalidSequenceNumber {
		t.Fatalf("expected ValidateInvalidSequenceNumber, got %v", out)
	}
	if out.Recoverable() {
		t.Fatal("sequence violation should not be recoverable")
	}
}

func TestValidateOkBootstrapNoParents(t *testing.T) {
	n := textNode(1)
	n.Content = Content{Kind: KindControl, Control: &ControlAction{Kind: CtlGenesis}}
	lookup := &fakeLookup{ranks: map[types.NodeHash]uint64{}}
	out := Validate(n, lookup, Limits{MaxSpeculativePerConversation: 100}, true)
	if out.Kind != ValidateOk {
		t.Fatalf("expected bootstrap genesis to validate ok, got %v", out)
	}
}
