package sqlstore

import (
	"testing"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

func testConv() types.ConversationId {
	var c types.ConversationId
	c[0] = 0xEF
	return c
}

func openMem(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStoreHeadsRoundTrip(t *testing.T) {
	s := openMem(t)
	conv := testConv()
	var h1, h2 types.NodeHash
	h1[0], h2[0] = 1, 2
	if err := s.SetHeads(conv, []types.NodeHash{h1, h2}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetHeads(conv)
	if err != nil || len(got) != 2 || got[0] != h1 || got[1] != h2 {
		t.Fatalf("got %v err=%v", got, err)
	}
}

func TestSQLStorePutNodeAndMarkVerified(t *testing.T) {
	s := openMem(t)
	conv := testConv()
	n := &dagnode.MerkleNode{
		SequenceNumber:  types.NewSequenceNumber(2, 1),
		TopologicalRank: 4,
		Content:         dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{}},
	}
	n.SenderPk[0] = 1
	if err := s.PutNode(conv, n, false); err != nil {
		t.Fatal(err)
	}
	hash := dagnode.Hash(n, conv)

	counts, err := s.GetNodeCounts(conv)
	if err != nil || counts.Speculative != 1 || counts.Verified != 0 {
		t.Fatalf("got %+v err=%v", counts, err)
	}

	if err := s.MarkVerified(conv, hash); err != nil {
		t.Fatal(err)
	}
	counts, err = s.GetNodeCounts(conv)
	if err != nil || counts.Verified != 1 || counts.Speculative != 0 {
		t.Fatalf("got %+v err=%v", counts, err)
	}

	got, ok, err := s.GetNode(conv, hash)
	if err != nil || !ok || got.TopologicalRank != 4 {
		t.Fatalf("got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestSQLStoreMarkVerifiedUnknownNode(t *testing.T) {
	s := openMem(t)
	var hash types.NodeHash
	if err := s.MarkVerified(testConv(), hash); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLStoreGetNodeHashesInRange(t *testing.T) {
	s := openMem(t)
	conv := testConv()
	mk := func(rank uint64, tag byte) *dagnode.MerkleNode {
		n := &dagnode.MerkleNode{
			SequenceNumber:  types.NewSequenceNumber(0, 1),
			TopologicalRank: rank,
			Content:         dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{}},
		}
		n.SenderPk[0] = tag
		return n
	}
	n1, n2, n3 := mk(1, 1), mk(5, 2), mk(9, 3)
	for _, n := range []*dagnode.MerkleNode{n1, n2, n3} {
		if err := s.PutNode(conv, n, true); err != nil {
			t.Fatal(err)
		}
	}
	hashes, err := s.GetNodeHashesInRange(conv, wire.SyncRange{Epoch: 0, MinRank: 2, MaxRank: 9})
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 2 {
		t.Fatalf("got %d hashes, want 2", len(hashes))
	}
}

func TestSQLStoreBlobAndChunkLifecycle(t *testing.T) {
	s := openMem(t)
	var hash types.NodeHash
	hash[0] = 7
	data := []byte("chunk payload")
	if err := s.PutChunk(testConv(), hash, 0, data, []byte("proof")); err != nil {
		t.Fatal(err)
	}
	got, proof, err := s.GetChunkWithProof(hash, 0, uint64(len(data)))
	if err != nil || string(got) != string(data) || string(proof) != "proof" {
		t.Fatalf("got data=%q proof=%q err=%v", got, proof, err)
	}

	info := wire.BlobInfo{Hash: hash, Size: uint64(len(data)), Status: wire.BlobAvailable}
	if err := s.PutBlobInfo(info); err != nil {
		t.Fatal(err)
	}
	has, err := s.HasBlob(hash)
	if err != nil || !has {
		t.Fatalf("has=%v err=%v", has, err)
	}
}

func TestSQLStoreGlobalOffset(t *testing.T) {
	s := openMem(t)
	if err := s.SetGlobalOffset(77); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetGlobalOffset()
	if err != nil || got != 77 {
		t.Fatalf("got %d err=%v", got, err)
	}
}
