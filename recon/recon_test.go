package recon

import (
	"testing"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

func mustNode(conv types.ConversationId, s store.NodeStore, seq uint32, rank uint64) types.NodeHash {
	n := &dagnode.MerkleNode{
		SequenceNumber:   types.NewSequenceNumber(0, seq),
		TopologicalRank:  rank,
		NetworkTimestamp: 1,
		Content:          dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{Body: "x"}},
	}
	n.SenderPk[0] = byte(seq)
	h := dagnode.Hash(n, conv)
	_ = s.PutNode(conv, n, true)
	_ = s.MarkVerified(conv, h)
	return h
}

func TestShardChecksumsDetectDivergence(t *testing.T) {
	var conv types.ConversationId
	conv[0] = 9

	a := store.NewMemStore()
	b := store.NewMemStore()

	for i := uint32(1); i <= 5; i++ {
		h := mustNode(conv, a, i, uint64(i))
		if i != 3 {
			// b has everything except the node at rank 3.
			n, _, _ := a.GetNode(conv, h)
			_ = b.PutNode(conv, n, true)
			_ = b.MarkVerified(conv, h)
		}
	}

	shardsA, err := MakeShardChecksums(a, conv, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	shardsB, err := MakeShardChecksums(b, conv, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	diverged := HandleShardChecksums(shardsA, shardsB)
	if len(diverged) == 0 {
		t.Fatal("expected at least one diverged shard")
	}
}

func TestIBLTRoundTripSymmetricDifference(t *testing.T) {
	var conv types.ConversationId
	conv[0] = 3
	r := wire.SyncRange{Epoch: 0, MinRank: 0, MaxRank: 100}

	a := store.NewMemStore()
	b := store.NewMemStore()

	var onlyA, onlyB types.NodeHash
	for i := uint32(1); i <= 6; i++ {
		h := mustNode(conv, a, i, uint64(i))
		if i <= 4 {
			n, _, _ := a.GetNode(conv, h)
			_ = b.PutNode(conv, n, true)
			_ = b.MarkVerified(conv, h)
		} else if onlyA.IsZero() {
			onlyA = h
		}
	}
	hB := mustNode(conv, b, 100, 50)
	onlyB = hB

	sketchB, err := MakeSketch(b, conv, r, TierSmall)
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := HandleSketch(a, conv, sketchB)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != DecodeSuccess {
		t.Fatalf("expected decode success, got %v", outcome.Kind)
	}

	foundLocally := false
	for _, h := range outcome.MissingLocally {
		if h == onlyB {
			foundLocally = true
		}
	}
	if !foundLocally {
		t.Fatal("expected onlyB hash in MissingLocally")
	}

	foundRemotely := false
	for _, h := range outcome.MissingRemotely {
		if h == onlyA {
			foundRemotely = true
		}
	}
	if !foundRemotely {
		t.Fatal("expected onlyA hash in MissingRemotely")
	}
}

func TestPoWSolveAndVerify(t *testing.T) {
	nonce, err := NewChallengeNonce()
	if err != nil {
		t.Fatal(err)
	}
	sol, ok := SolvePoW(nonce, 8, 1<<20)
	if !ok {
		t.Fatal("expected a solution within budget at low difficulty")
	}
	if !VerifyPoW(nonce, 8, sol) {
		t.Fatal("solution should verify")
	}
	if VerifyPoW(nonce, 8, [32]byte{0xFF}) {
		t.Fatal("garbage solution should not verify at any reasonable difficulty")
	}
}
