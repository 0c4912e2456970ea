package blob

import (
	"bytes"
	"testing"

	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
)

func TestBuildTreeRoundTrip(t *testing.T) {
	chunks := [][]byte{
		[]byte("aaaa"),
		[]byte("bbbb"),
		[]byte("cccc"),
		[]byte("dddd"),
		[]byte("eeee"), // odd trailing chunk
	}
	root, proofs := BuildTree(chunks)
	if root.IsZero() {
		t.Fatal("root should not be zero")
	}
	for i, c := range chunks {
		if !VerifyChunk(c, uint64(i), uint64(len(chunks)), root, proofs[i]) {
			t.Fatalf("chunk %d failed to verify", i)
		}
	}
	if VerifyChunk([]byte("tampered"), 0, uint64(len(chunks)), root, proofs[0]) {
		t.Fatal("tampered chunk should not verify")
	}
}

func TestTrackerPutChunkCompletion(t *testing.T) {
	s := store.NewMemStore()
	tr := NewTracker(s)

	chunks := [][]byte{bytes.Repeat([]byte("one-"), ChunkSize/4), []byte("two-")}
	root, proofs := BuildTree(chunks)
	var hash types.NodeHash
	hash[0] = 0x42

	if err := tr.StartBlob(hash, uint64(len(chunks[0])+len(chunks[1])), root); err != nil {
		t.Fatal(err)
	}

	var conv types.ConversationId
	complete, verified, err := tr.PutChunk(conv, hash, 0, chunks[0], proofs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !verified || complete {
		t.Fatalf("expected verified, incomplete after first chunk; got verified=%v complete=%v", verified, complete)
	}

	complete, verified, err = tr.PutChunk(conv, hash, 1, chunks[1], proofs[1])
	if err != nil {
		t.Fatal(err)
	}
	if !verified || !complete {
		t.Fatalf("expected verified and complete after second chunk; got verified=%v complete=%v", verified, complete)
	}

	info, ok, err := s.GetBlobInfo(hash)
	if err != nil || !ok {
		t.Fatalf("expected blob info present: %v %v", ok, err)
	}
	if info.Status != 2 { // wire.BlobAvailable
		t.Fatalf("expected BlobAvailable, got %v", info.Status)
	}
}

func TestSwarmSyncNextRequests(t *testing.T) {
	var hash types.NodeHash
	hash[0] = 1
	sw := NewSwarmSync(hash, 4)

	var p1, p2 types.PhysicalDevicePk
	p1[0], p2[0] = 1, 2
	sw.AddSeeder(p1)
	sw.AddSeeder(p2)

	reqs := sw.NextRequests([]uint64{0, 1, 2}, 2, 1000)
	if len(reqs) != 2 {
		t.Fatalf("expected 2 scheduled requests, got %d", len(reqs))
	}

	// Re-requesting immediately should not duplicate in-flight requests.
	reqs2 := sw.NextRequests([]uint64{0, 1, 2}, 2, 1001)
	if len(reqs2) != 0 {
		t.Fatalf("expected no new requests while in flight, got %d", len(reqs2))
	}

	// After the stall timeout, the same indices become eligible again.
	reqs3 := sw.NextRequests([]uint64{0, 1, 2}, 2, 1000+RequestStallTimeout+1)
	if len(reqs3) != 2 {
		t.Fatalf("expected requests to re-issue after stall timeout, got %d", len(reqs3))
	}
}
