// Package blob implements the content-addressed blob swarm: fixed-size
// chunking with a verified-streaming (Bao-inspired) outboard hash tree,
// per-blob chunk storage through store.BlobStore, and the multi-seeder
// SwarmSync fetch scheduler.
package blob

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"lukechampine.com/blake3"

	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// ChunkSize is the fixed chunk width a blob is split into for swarm
// transfer and the outboard proof tree.
const ChunkSize = 64 * 1024

// NumChunks returns how many ChunkSize-quantized chunks a blob of size
// bytes spans.
func NumChunks(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	return (size + ChunkSize - 1) / ChunkSize
}

func chunkHash(index uint64, data []byte) types.NodeHash {
	h := blake3.New(32, nil)
	h.Write([]byte("convo blob chunk v1"))
	var idx [8]byte
	for i := range idx {
		idx[i] = byte(index >> (8 * i))
	}
	h.Write(idx[:])
	h.Write(data)
	var out types.NodeHash
	copy(out[:], h.Sum(nil))
	return out
}

func pairHash(left, right types.NodeHash) types.NodeHash {
	h := blake3.New(32, nil)
	h.Write([]byte("convo blob pair v1"))
	h.Write(left[:])
	h.Write(right[:])
	var out types.NodeHash
	copy(out[:], h.Sum(nil))
	return out
}

// BuildTree computes the outboard Merkle tree over a blob's chunks, in the
// spirit of a Bao outboard tree: leaves are per-chunk hashes, internal
// nodes are the hash of their children, odd nodes at a level are promoted
// unchanged. It returns the root and, for each chunk, the sibling hashes
// along its path to the root (its inclusion proof).
func BuildTree(chunks [][]byte) (root types.NodeHash, proofs [][]types.NodeHash) {
	n := len(chunks)
	if n == 0 {
		return types.NodeHash{}, nil
	}
	level := make([]types.NodeHash, n)
	groups := make([][]int, n) // groups[i]: original leaf indices folded under level position i
	for i, c := range chunks {
		level[i] = chunkHash(uint64(i), c)
		groups[i] = []int{i}
	}
	proofs = make([][]types.NodeHash, n)
	for len(level) > 1 {
		next := make([]types.NodeHash, 0, (len(level)+1)/2)
		nextGroups := make([][]int, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				left, right := level[i], level[i+1]
				next = append(next, pairHash(left, right))
				for _, leaf := range groups[i] {
					proofs[leaf] = append(proofs[leaf], right)
				}
				for _, leaf := range groups[i+1] {
					proofs[leaf] = append(proofs[leaf], left)
				}
				nextGroups = append(nextGroups, append(groups[i], groups[i+1]...))
			} else {
				next = append(next, level[i])
				nextGroups = append(nextGroups, groups[i])
			}
		}
		level = next
		groups = nextGroups
	}
	return level[0], proofs
}

// VerifyChunk reports whether data, presented as chunk index of numChunks
// total, proves into root given proof (the sibling hashes BuildTree
// produced for that index).
func VerifyChunk(data []byte, index uint64, numChunks uint64, root types.NodeHash, proof []types.NodeHash) bool {
	if numChunks == 0 || index >= numChunks {
		return false
	}
	h := chunkHash(index, data)
	idx := index
	levelSize := numChunks
	p := 0
	for levelSize > 1 {
		if idx%2 == 0 {
			if idx+1 < levelSize {
				if p >= len(proof) {
					return false
				}
				h = pairHash(h, proof[p])
				p++
			}
			// else: promoted unchanged, h stays and no proof entry is
			// consumed for an odd trailing node (BuildTree never emits
			// one in that case).
		} else {
			if p >= len(proof) {
				return false
			}
			h = pairHash(proof[p], h)
			p++
		}
		idx /= 2
		levelSize = (levelSize + 1) / 2
	}
	return p == len(proof) && h == root
}

// Tracker wraps a store.BlobStore with received-chunk bitmap bookkeeping,
// kept as a serialized bitset in BlobInfo.ReceivedMask.
type Tracker struct {
	store store.BlobStore
}

func NewTracker(s store.BlobStore) *Tracker { return &Tracker{store: s} }

// StartBlob registers a blob we intend to receive, sizing its bitmap up
// front so PutChunk calls don't need to special-case first-write growth.
func (t *Tracker) StartBlob(hash types.NodeHash, size uint64, root types.NodeHash) error {
	n := NumChunks(size)
	mask := bitset.New(uint(n))
	data, err := mask.MarshalBinary()
	if err != nil {
		return fmt.Errorf("blob: marshal mask: %w", err)
	}
	return t.store.PutBlobInfo(wire.BlobInfo{
		Hash: hash, Size: size, BaoRoot: root, Status: wire.BlobPending, ReceivedMask: data,
	})
}

// PutChunk writes one chunk, verifying it against proof when the blob's
// Bao root is known, updates the received bitmap, and returns
// (complete, verified). On becoming complete the info is marked Available.
func (t *Tracker) PutChunk(conv types.ConversationId, hash types.NodeHash, index uint64, data []byte, proof []types.NodeHash) (complete bool, verified bool, err error) {
	info, ok, err := t.store.GetBlobInfo(hash)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, fmt.Errorf("blob: PutChunk: unknown blob %s", hash)
	}
	n := NumChunks(info.Size)
	if !info.BaoRoot.IsZero() && !VerifyChunk(data, index, n, info.BaoRoot, proof) {
		return false, false, nil
	}

	var mask bitset.BitSet
	if len(info.ReceivedMask) > 0 {
		if err := mask.UnmarshalBinary(info.ReceivedMask); err != nil {
			return false, false, fmt.Errorf("blob: unmarshal mask: %w", err)
		}
	} else {
		mask = *bitset.New(uint(n))
	}
	mask.Set(uint(index))

	proofBytes := encodeProof(proof)
	if err := t.store.PutChunk(conv, hash, index*ChunkSize, data, proofBytes); err != nil {
		return false, false, err
	}

	info.ReceivedMask, err = mask.MarshalBinary()
	if err != nil {
		return false, false, err
	}
	complete = mask.Count() == uint(n)
	if complete {
		info.Status = wire.BlobAvailable
	} else if info.Status == wire.BlobPending {
		info.Status = wire.BlobDownloading
	}
	if err := t.store.PutBlobInfo(info); err != nil {
		return false, false, err
	}
	return complete, true, nil
}

// MissingChunks returns the indices of a blob's not-yet-received chunks.
func (t *Tracker) MissingChunks(hash types.NodeHash) ([]uint64, error) {
	info, ok, err := t.store.GetBlobInfo(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("blob: MissingChunks: unknown blob %s", hash)
	}
	n := NumChunks(info.Size)
	var mask bitset.BitSet
	if len(info.ReceivedMask) > 0 {
		if err := mask.UnmarshalBinary(info.ReceivedMask); err != nil {
			return nil, err
		}
	}
	var out []uint64
	for i := uint64(0); i < n; i++ {
		if !mask.Test(uint(i)) {
			out = append(out, i)
		}
	}
	return out, nil
}

func encodeProof(proof []types.NodeHash) []byte {
	out := make([]byte, 0, len(proof)*32)
	for _, h := range proof {
		out = append(out, h[:]...)
	}
	return out
}

func decodeProof(b []byte) []types.NodeHash {
	n := len(b) / 32
	out := make([]types.NodeHash, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*32:(i+1)*32])
	}
	return out
}

// DecodeProof is exported for callers (the swarm scheduler) that need to
// turn a stored or wire-transmitted proof back into its hash list.
func DecodeProof(b []byte) []types.NodeHash { return decodeProof(b) }
