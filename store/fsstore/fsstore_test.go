package fsstore

import (
	"testing"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

func testConv() types.ConversationId {
	var c types.ConversationId
	c[0] = 0xCD
	return c
}

func open(t *testing.T) *FSStore {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFSStoreHeadsRoundTrip(t *testing.T) {
	s := open(t)
	conv := testConv()
	var h types.NodeHash
	h[0] = 1
	if err := s.SetHeads(conv, []types.NodeHash{h}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetHeads(conv)
	if err != nil || len(got) != 1 || got[0] != h {
		t.Fatalf("got %v err=%v", got, err)
	}
}

func TestFSStorePutNodeSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	conv := testConv()
	n := &dagnode.MerkleNode{
		SequenceNumber:  types.NewSequenceNumber(0, 1),
		TopologicalRank: 2,
		Content:         dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{}},
	}
	n.SenderPk[0] = 5
	if err := s.PutNode(conv, n, true); err != nil {
		t.Fatal(err)
	}
	hash := dagnode.Hash(n, conv)

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := s2.GetNode(conv, hash)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.TopologicalRank != 2 {
		t.Fatalf("got rank %d", got.TopologicalRank)
	}
}

func TestFSStoreBlobChunkRoundTrip(t *testing.T) {
	s := open(t)
	var hash types.NodeHash
	hash[0] = 9
	data := []byte("some chunk payload")
	if err := s.PutChunk(testConv(), hash, 0, data, []byte("proof")); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetChunk(hash, 0, uint64(len(data)))
	if err != nil || string(got) != string(data) {
		t.Fatalf("got %q err=%v", got, err)
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

func TestFSStoreGlobalOffset(t *testing.T) {
	s := open(t)
	if err := s.SetGlobalOffset(42); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetGlobalOffset()
	if err != nil || got != 42 {
		t.Fatalf("got %d err=%v", got, err)
	}
}

func TestFSStoreMarkVerifiedUnknownNode(t *testing.T) {
	s := open(t)
	var hash types.NodeHash
	if err := s.MarkVerified(testConv(), hash); err == nil {
		t.Fatal("expected an error marking an unknown node verified")
	}
}
