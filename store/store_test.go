package store

import (
	"testing"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

func testConv() types.ConversationId {
	var c types.ConversationId
	c[0] = 0xAB
	return c
}

func TestMemStoreHeadsRoundTrip(t *testing.T) {
	s := NewMemStore()
	conv := testConv()
	var h1, h2 types.NodeHash
	h1[0], h2[0] = 1, 2

	if err := s.SetHeads(conv, []types.NodeHash{h1, h2}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetHeads(conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != h1 || got[1] != h2 {
		t.Fatalf("got %v", got)
	}

	if err := s.SetAdminHeads(conv, []types.NodeHash{h1}); err != nil {
		t.Fatal(err)
	}
	admin, err := s.GetAdminHeads(conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(admin) != 1 || admin[0] != h1 {
		t.Fatalf("got %v", admin)
	}
}

func TestMemStorePutAndGetNode(t *testing.T) {
	s := NewMemStore()
	conv := testConv()
	n := &dagnode.MerkleNode{
		SequenceNumber:  types.NewSequenceNumber(0, 1),
		TopologicalRank: 3,
		Content:         dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{}},
	}
	n.SenderPk[0] = 9

	if err := s.PutNode(conv, n, false); err != nil {
		t.Fatal(err)
	}
	hash := dagnode.Hash(n, conv)

	counts, err := s.GetNodeCounts(conv)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Speculative != 1 || counts.Verified != 0 {
		t.Fatalf("got %+v", counts)
	}

	got, ok, err := s.GetNode(conv, hash)
	if err != nil || !ok {
		t.Fatalf("GetNode: ok=%v err=%v", ok, err)
	}
	if got.TopologicalRank != 3 {
		t.Fatalf("got rank %d", got.TopologicalRank)
	}

	if err := s.MarkVerified(conv, hash); err != nil {
		t.Fatal(err)
	}
	counts, err = s.GetNodeCounts(conv)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Verified != 1 || counts.Speculative != 0 {
		t.Fatalf("got %+v after verification", counts)
	}

	seq, ok, err := s.GetLastSequenceNumber(conv, n.SenderPk)
	if err != nil || !ok || seq != n.SequenceNumber {
		t.Fatalf("GetLastSequenceNumber: seq=%v ok=%v err=%v", seq, ok, err)
	}
}

func TestMemStoreGetNodeHashesInRange(t *testing.T) {
	s := NewMemStore()
	conv := testConv()

	mk := func(rank uint64, epoch types.Epoch, tag byte) *dagnode.MerkleNode {
		n := &dagnode.MerkleNode{
			SequenceNumber:  types.NewSequenceNumber(epoch, 1),
			TopologicalRank: rank,
			Content:         dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{}},
		}
		n.SenderPk[0] = tag
		return n
	}

	n1 := mk(1, 0, 1)
	n2 := mk(5, 0, 2)
	n3 := mk(9, 0, 3)
	nOther := mk(5, 1, 4) // different epoch, excluded from the range below

	for _, n := range []*dagnode.MerkleNode{n1, n2, n3, nOther} {
		if err := s.PutNode(conv, n, true); err != nil {
			t.Fatal(err)
		}
	}

	hashes, err := s.GetNodeHashesInRange(conv, wire.SyncRange{Epoch: 0, MinRank: 2, MaxRank: 9})
	if err != nil {
		t.Fatal(err)
	}
	want := map[types.NodeHash]bool{
		dagnode.Hash(n2, conv): true,
		dagnode.Hash(n3, conv): true,
	}
	if len(hashes) != len(want) {
		t.Fatalf("got %d hashes, want %d", len(hashes), len(want))
	}
	for _, h := range hashes {
		if !want[h] {
			t.Fatalf("unexpected hash %v in range result", h)
		}
	}
}

func TestMemStoreWireNodeLifecycle(t *testing.T) {
	s := NewMemStore()
	conv := testConv()
	var hash types.NodeHash
	hash[0] = 7

	wn := dagnode.WireNode{EncryptedPayload: []byte("ciphertext"), Flags: dagnode.FlagEncrypted}
	if err := s.PutWireNode(conv, hash, wn); err != nil {
		t.Fatal(err)
	}

	opaque, err := s.GetOpaqueNodeHashes(conv)
	if err != nil || len(opaque) != 1 || opaque[0] != hash {
		t.Fatalf("GetOpaqueNodeHashes: %v %v", opaque, err)
	}

	got, ok, err := s.GetWireNode(conv, hash)
	if err != nil || !ok {
		t.Fatalf("GetWireNode: ok=%v err=%v", ok, err)
	}
	if string(got.Node.EncryptedPayload) != "ciphertext" {
		t.Fatalf("got %q", got.Node.EncryptedPayload)
	}

	if err := s.RemoveWireNode(conv, hash); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.GetWireNode(conv, hash); err != nil || ok {
		t.Fatalf("expected removed wire node to be gone, ok=%v err=%v", ok, err)
	}
}

func TestMemStoreConversationKeyAndEpochMetadata(t *testing.T) {
	s := NewMemStore()
	conv := testConv()

	if _, ok, err := s.GetConversationKey(conv, 0); err != nil || ok {
		t.Fatalf("expected no key yet, ok=%v err=%v", ok, err)
	}
	root := [32]byte{1, 2, 3}
	if err := s.PutConversationKey(conv, 0, root); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetConversationKey(conv, 0)
	if err != nil || !ok || got != root {
		t.Fatalf("got %v ok=%v err=%v", got, ok, err)
	}

	meta := EpochMetadata{MessageCount: 10, LastRotationMs: 5000}
	if err := s.UpdateEpochMetadata(conv, 0, meta); err != nil {
		t.Fatal(err)
	}
	gotMeta, ok, err := s.GetEpochMetadata(conv, 0)
	if err != nil || !ok || gotMeta != meta {
		t.Fatalf("got %+v ok=%v err=%v", gotMeta, ok, err)
	}
}

func TestMemStoreRatchetKeyLifecycle(t *testing.T) {
	s := NewMemStore()
	conv := testConv()
	var hash types.NodeHash
	hash[0] = 3

	var chain ratchet.ChainKey
	chain[0] = 9
	if err := s.PutRatchetKey(conv, hash, chain, 2); err != nil {
		t.Fatal(err)
	}
	gotChain, gotEpoch, ok, err := s.GetRatchetKey(conv, hash)
	if err != nil || !ok || gotChain != chain || gotEpoch != 2 {
		t.Fatalf("got chain=%v epoch=%v ok=%v err=%v", gotChain, gotEpoch, ok, err)
	}

	if err := s.RemoveRatchetKey(conv, hash); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, err := s.GetRatchetKey(conv, hash); err != nil || ok {
		t.Fatalf("expected removed ratchet key to be gone, ok=%v err=%v", ok, err)
	}
}

func TestMemStoreBlobLifecycle(t *testing.T) {
	s := NewMemStore()
	var hash types.NodeHash
	hash[0] = 4

	if has, err := s.HasBlob(hash); err != nil || has {
		t.Fatalf("expected no blob yet, has=%v err=%v", has, err)
	}

	info := wire.BlobInfo{Hash: hash, Size: 128, Status: wire.BlobDownloading}
	if err := s.PutBlobInfo(info); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetBlobInfo(hash)
	if err != nil || !ok || got.Size != 128 {
		t.Fatalf("got %+v ok=%v err=%v", got, ok, err)
	}

	conv := testConv()
	data := []byte("chunk data here")
	proof := []byte("proof bytes")
	if err := s.PutChunk(conv, hash, 0, data, proof); err != nil {
		t.Fatal(err)
	}
	gotData, err := s.GetChunk(hash, 0, uint64(len(data)))
	if err != nil || string(gotData) != string(data) {
		t.Fatalf("got %q err=%v", gotData, err)
	}
	gotData, gotProof, err := s.GetChunkWithProof(hash, 0, uint64(len(data)))
	if err != nil || string(gotData) != string(data) || string(gotProof) != string(proof) {
		t.Fatalf("got data=%q proof=%q err=%v", gotData, gotProof, err)
	}

	info.Status = wire.BlobAvailable
	if err := s.PutBlobInfo(info); err != nil {
		t.Fatal(err)
	}
	if has, err := s.HasBlob(hash); err != nil || !has {
		t.Fatalf("expected blob available, has=%v err=%v", has, err)
	}
}

func TestMemStoreSketchLifecycle(t *testing.T) {
	s := NewMemStore()
	conv := testConv()
	r := wire.SyncRange{Epoch: 1, MinRank: 0, MaxRank: 100}

	if _, ok, err := s.GetSketch(conv, r); err != nil || ok {
		t.Fatalf("expected no sketch yet, ok=%v err=%v", ok, err)
	}
	sketch := wire.SyncSketchMessage{ConvId: conv, Range: r, Cells: []wire.IbltCell{{Count: 1}}}
	if err := s.PutSketch(conv, r, sketch); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetSketch(conv, r)
	if err != nil || !ok || len(got.Cells) != 1 {
		t.Fatalf("got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestMemStoreGlobalOffset(t *testing.T) {
	s := NewMemStore()
	if off, err := s.GetGlobalOffset(); err != nil || off != 0 {
		t.Fatalf("expected zero offset, got %d err=%v", off, err)
	}
	if err := s.SetGlobalOffset(1234); err != nil {
		t.Fatal(err)
	}
	if off, err := s.GetGlobalOffset(); err != nil || off != 1234 {
		t.Fatalf("got %d err=%v", off, err)
	}
}

func TestMemStoreMarkVerifiedUnknownNode(t *testing.T) {
	s := NewMemStore()
	conv := testConv()
	var hash types.NodeHash
	if err := s.MarkVerified(conv, hash); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreSizeBytesGrows(t *testing.T) {
	s := NewMemStore()
	before, err := s.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	var hash types.NodeHash
	hash[0] = 1
	if err := s.PutChunk(testConv(), hash, 0, make([]byte, 1000), nil); err != nil {
		t.Fatal(err)
	}
	after, err := s.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if after-before != 1000 {
		t.Fatalf("expected size to grow by 1000, got delta %d", after-before)
	}
}
