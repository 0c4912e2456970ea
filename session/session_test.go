package session

import (
	"testing"

	"github.com/duskline/convo/recon"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

func testConv() types.ConversationId {
	var c types.ConversationId
	c[0] = 7
	return c
}

func testPeer() types.PhysicalDevicePk {
	var p types.PhysicalDevicePk
	p[0] = 1
	return p
}

func TestPromoteOnSyncHeads(t *testing.T) {
	s := New(testPeer(), testConv())
	if s.State() != StateHandshake {
		t.Fatal("expected Handshake state initially")
	}
	var h types.NodeHash
	h[0] = 5
	s.HandleSyncHeads(wire.SyncHeadsMessage{ConvId: testConv(), Heads: []types.NodeHash{h}}, func(types.NodeHash) bool { return false })
	if s.State() != StateActive {
		t.Fatal("expected Active state after SyncHeads")
	}
	batch, ok := s.NextFetchBatch()
	if !ok || len(batch.Hashes) != 1 || batch.Hashes[0] != h {
		t.Fatalf("expected missing hash queued for fetch, got %+v ok=%v", batch, ok)
	}
}

func TestAdvertiseHeadsDirtyTracking(t *testing.T) {
	s := New(testPeer(), testConv())
	if _, ok := s.AdvertiseHeads(); ok {
		t.Fatal("expected no advertisement before heads are set")
	}
	var h types.NodeHash
	h[0] = 9
	s.SetLocalHeads([]types.NodeHash{h})
	msg, ok := s.AdvertiseHeads()
	if !ok || len(msg.Heads) != 1 || msg.Heads[0] != h {
		t.Fatalf("expected advertisement with set heads, got %+v ok=%v", msg, ok)
	}
	if _, ok := s.AdvertiseHeads(); ok {
		t.Fatal("expected dirty flag cleared after first advertisement")
	}
}

func TestReconciliationCadence(t *testing.T) {
	s := New(testPeer(), testConv())
	s.Promote()
	if s.ShouldReconcile(0) {
		t.Fatal("expected no reconciliation before dirty or interval elapsed")
	}
	s.MarkReconDirty()
	if !s.ShouldReconcile(0) {
		t.Fatal("expected reconciliation once dirty")
	}
	if s.ShouldReconcile(1) {
		t.Fatal("expected reconciliation not to refire immediately after clearing dirty")
	}
	if !s.ShouldReconcile(ReconciliationIntervalMs) {
		t.Fatal("expected reconciliation once interval elapses")
	}
}

func TestPoWChallengeRoundTrip(t *testing.T) {
	s := New(testPeer(), testConv())
	nonce, err := recon.NewChallengeNonce()
	if err != nil {
		t.Fatal(err)
	}
	sketch := wire.SyncSketchMessage{ConvId: testConv()}
	s.IssueChallenge(nonce, 8, sketch, 0)

	sol, ok := recon.SolvePoW(nonce, 8, 1<<20)
	if !ok {
		t.Fatal("expected a solution within budget")
	}
	got, ok := s.SolveChallenge(nonce, sol, 100, recon.VerifyPoW)
	if !ok {
		t.Fatal("expected challenge to resolve with valid solution")
	}
	if got.ConvId != testConv() {
		t.Fatal("expected held sketch to be returned")
	}
	if _, ok := s.SolveChallenge(nonce, sol, 100, recon.VerifyPoW); ok {
		t.Fatal("expected challenge to be consumed after first solve")
	}
}

func TestPoWChallengeExpiry(t *testing.T) {
	s := New(testPeer(), testConv())
	nonce, err := recon.NewChallengeNonce()
	if err != nil {
		t.Fatal(err)
	}
	s.IssueChallenge(nonce, 8, wire.SyncSketchMessage{}, 0)
	s.ExpireChallenges(PoWChallengeTTLMs + 1)
	sol, ok := recon.SolvePoW(nonce, 8, 1<<20)
	if !ok {
		t.Fatal("expected a solution within budget")
	}
	if _, ok := s.SolveChallenge(nonce, sol, PoWChallengeTTLMs+2, recon.VerifyPoW); ok {
		t.Fatal("expected expired challenge to be rejected")
	}
}

func TestApplyDecodeOutcomeQueuesMissingLocally(t *testing.T) {
	s := New(testPeer(), testConv())
	var onlyRemote, onlyLocal types.NodeHash
	onlyRemote[0] = 1
	onlyLocal[0] = 2
	remaining := s.ApplyDecodeOutcome(recon.DecodeOutcome{
		Kind:            recon.DecodeSuccess,
		MissingLocally:  []types.NodeHash{onlyRemote},
		MissingRemotely: []types.NodeHash{onlyLocal},
	})
	if len(remaining) != 1 || remaining[0] != onlyLocal {
		t.Fatalf("expected MissingRemotely handed back to caller, got %+v", remaining)
	}
	batch, ok := s.NextFetchBatch()
	if !ok || len(batch.Hashes) != 1 || batch.Hashes[0] != onlyRemote {
		t.Fatalf("expected MissingLocally queued for fetch, got %+v ok=%v", batch, ok)
	}
}

func TestManagerGetIsIdempotentPerPair(t *testing.T) {
	m := NewManager()
	a := m.Get(testPeer(), testConv())
	b := m.Get(testPeer(), testConv())
	if a != b {
		t.Fatal("expected same session instance for repeated Get on the same pair")
	}
	var otherConv types.ConversationId
	otherConv[0] = 99
	c := m.Get(testPeer(), otherConv)
	if c == a {
		t.Fatal("expected distinct sessions for distinct conversations")
	}
	if len(m.ForConversation(testConv())) != 1 {
		t.Fatal("expected exactly one session for the test conversation")
	}
}
