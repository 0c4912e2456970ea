// Package store defines the persistence contracts the engine depends on
// (NodeStore, BlobStore, ReconciliationStore, GlobalStore) and an in-memory
// reference implementation used by tests and the simulation harness.
// Durable implementations live in the fsstore and sqlstore subpackages;
// all three must behave identically for the same sequence of calls.
package store

import (
	"errors"
	"sync"

	"github.com/tidwall/btree"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// ErrNotFound is returned by single-item lookups that find nothing. Callers
// that treat "absent" as a valid outcome use the (T, bool) forms instead;
// ErrNotFound is for the handful of methods where absence is exceptional.
var ErrNotFound = errors.New("store: not found")

// EpochMetadata tracks the rotation triggers for one conversation epoch:
// how many messages have been authored in it and when it last rotated.
type EpochMetadata struct {
	MessageCount   uint32
	LastRotationMs int64
}

// NodeCounts summarizes a conversation's node population for quarantine and
// admission-control limits.
type NodeCounts struct {
	Verified    int
	Speculative int
	Opaque      int
}

// NodeStore is the engine's view of persisted DAG state for one or more
// conversations. Implementations must serialize at method granularity and
// should support concurrent readers.
type NodeStore interface {
	GetHeads(conv types.ConversationId) ([]types.NodeHash, error)
	SetHeads(conv types.ConversationId, heads []types.NodeHash) error
	GetAdminHeads(conv types.ConversationId) ([]types.NodeHash, error)
	SetAdminHeads(conv types.ConversationId, heads []types.NodeHash) error

	PutNode(conv types.ConversationId, node *dagnode.MerkleNode, verified bool) error
	MarkVerified(conv types.ConversationId, hash types.NodeHash) error
	// InvalidateNode retracts a previously-verified node back to speculative
	// status, for use when the identity chain that authorized it is later
	// revoked. It is a no-op if hash is unknown or already unverified.
	InvalidateNode(conv types.ConversationId, hash types.NodeHash) error
	GetNode(conv types.ConversationId, hash types.NodeHash) (*dagnode.MerkleNode, bool, error)

	GetWireNode(conv types.ConversationId, hash types.NodeHash) (*wire.MerkleNodeMessage, bool, error)
	PutWireNode(conv types.ConversationId, hash types.NodeHash, node dagnode.WireNode) error
	RemoveWireNode(conv types.ConversationId, hash types.NodeHash) error

	GetSpeculativeNodes(conv types.ConversationId) ([]types.NodeHash, error)
	GetOpaqueNodeHashes(conv types.ConversationId) ([]types.NodeHash, error)
	GetNodeCounts(conv types.ConversationId) (NodeCounts, error)
	GetVerifiedNodesByType(conv types.ConversationId, t dagnode.NodeType) ([]types.NodeHash, error)
	GetNodeHashesInRange(conv types.ConversationId, r wire.SyncRange) ([]types.NodeHash, error)

	GetLastSequenceNumber(conv types.ConversationId, device types.PhysicalDevicePk) (types.SequenceNumber, bool, error)

	GetConversationKey(conv types.ConversationId, epoch types.Epoch) ([32]byte, bool, error)
	PutConversationKey(conv types.ConversationId, epoch types.Epoch, root [32]byte) error

	GetEpochMetadata(conv types.ConversationId, epoch types.Epoch) (EpochMetadata, bool, error)
	UpdateEpochMetadata(conv types.ConversationId, epoch types.Epoch, meta EpochMetadata) error

	GetRatchetKey(conv types.ConversationId, hash types.NodeHash) (ratchet.ChainKey, types.Epoch, bool, error)
	PutRatchetKey(conv types.ConversationId, hash types.NodeHash, chain ratchet.ChainKey, epoch types.Epoch) error
	RemoveRatchetKey(conv types.ConversationId, hash types.NodeHash) error
	// ListRatchetKeyHashes enumerates every node hash this store currently
	// holds a cached chain key for, so the engine's GC pass can walk them
	// without a dedicated per-device index.
	ListRatchetKeyHashes(conv types.ConversationId) ([]types.NodeHash, error)

	SizeBytes() (int64, error)
}

// BlobStore persists blob chunk data and per-blob swarm metadata.
type BlobStore interface {
	HasBlob(hash types.NodeHash) (bool, error)
	GetBlobInfo(hash types.NodeHash) (wire.BlobInfo, bool, error)
	PutBlobInfo(info wire.BlobInfo) error
	PutChunk(conv types.ConversationId, hash types.NodeHash, offset uint64, data []byte, proof []byte) error
	GetChunk(hash types.NodeHash, offset uint64, length uint64) ([]byte, error)
	GetChunkWithProof(hash types.NodeHash, offset uint64, length uint64) ([]byte, []byte, error)
}

// ReconciliationStore persists in-flight IBLT sketches so a receiver can
// defer decoding until a proof-of-work challenge is solved.
type ReconciliationStore interface {
	GetSketch(conv types.ConversationId, r wire.SyncRange) (wire.SyncSketchMessage, bool, error)
	PutSketch(conv types.ConversationId, r wire.SyncRange, sketch wire.SyncSketchMessage) error
}

// GlobalStore persists process-wide state not scoped to one conversation.
type GlobalStore interface {
	GetGlobalOffset() (int64, error)
	SetGlobalOffset(offsetMs int64) error
}

// Store is the union every engine instance is constructed with.
type Store interface {
	NodeStore
	BlobStore
	ReconciliationStore
	GlobalStore
}

type wireNodeEntry struct {
	hash types.NodeHash
	node dagnode.WireNode
}

type conversationState struct {
	mu sync.RWMutex

	heads      []types.NodeHash
	adminHeads []types.NodeHash

	nodes       map[types.NodeHash]*dagnode.MerkleNode
	verified    map[types.NodeHash]bool
	speculative map[types.NodeHash]bool
	opaque      map[types.NodeHash]bool

	wireNodes map[types.NodeHash]wireNodeEntry
	// rankIndex orders verified node hashes by (epoch<<32|rank) for
	// GetNodeHashesInRange, avoiding a full scan per shard query.
	rankIndex btree.Map[uint64, types.NodeHash]

	lastSeq map[types.PhysicalDevicePk]types.SequenceNumber

	conversationKeys map[types.Epoch][32]byte
	epochMeta        map[types.Epoch]EpochMetadata

	ratchetKeys map[types.NodeHash]ratchetEntry
	sketches    map[wire.SyncRange]wire.SyncSketchMessage
}

type ratchetEntry struct {
	chain ratchet.ChainKey
	epoch types.Epoch
}

func newConversationState() *conversationState {
	return &conversationState{
		nodes:            make(map[types.NodeHash]*dagnode.MerkleNode),
		verified:         make(map[types.NodeHash]bool),
		speculative:      make(map[types.NodeHash]bool),
		opaque:           make(map[types.NodeHash]bool),
		wireNodes:        make(map[types.NodeHash]wireNodeEntry),
		lastSeq:          make(map[types.PhysicalDevicePk]types.SequenceNumber),
		conversationKeys: make(map[types.Epoch][32]byte),
		epochMeta:        make(map[types.Epoch]EpochMetadata),
		ratchetKeys:      make(map[types.NodeHash]ratchetEntry),
		sketches:         make(map[wire.SyncRange]wire.SyncSketchMessage),
	}
}

func rankKey(epoch types.Epoch, rank uint64) uint64 {
	return uint64(epoch)<<32 | (rank & 0xFFFFFFFF)
}

// MemStore is an in-memory Store, the reference implementation the fs and
// sqlite stores are checked against for the compliance property: identical
// query results for identical call sequences.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[types.ConversationId]*conversationState
	blobs         map[types.NodeHash]*blobEntry
	globalOffset  int64
}

type blobEntry struct {
	mu     sync.Mutex
	info   wire.BlobInfo
	hasInfo bool
	chunks map[uint64][]byte
	proofs map[uint64][]byte
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[types.ConversationId]*conversationState),
		blobs:         make(map[types.NodeHash]*blobEntry),
	}
}

func (s *MemStore) conv(conv types.ConversationId) *conversationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conv]
	if !ok {
		c = newConversationState()
		s.conversations[conv] = c
	}
	return c
}

func (s *MemStore) GetHeads(conv types.ConversationId) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.NodeHash(nil), c.heads...), nil
}

func (s *MemStore) SetHeads(conv types.ConversationId, heads []types.NodeHash) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heads = append([]types.NodeHash(nil), heads...)
	return nil
}

func (s *MemStore) GetAdminHeads(conv types.ConversationId) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.NodeHash(nil), c.adminHeads...), nil
}

func (s *MemStore) SetAdminHeads(conv types.ConversationId, heads []types.NodeHash) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adminHeads = append([]types.NodeHash(nil), heads...)
	return nil
}

func (s *MemStore) PutNode(conv types.ConversationId, node *dagnode.MerkleNode, verified bool) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := dagnode.Hash(node, conv)
	stored := *node
	c.nodes[hash] = &stored
	if verified {
		c.verified[hash] = true
		delete(c.speculative, hash)
		delete(c.opaque, hash)
		c.rankIndex.Set(rankKey(node.SequenceNumber.Epoch(), node.TopologicalRank), hash)
		// Sequence monotonicity is an invariant of the verified set only; a
		// quarantined child arriving ahead of its parent must not make the
		// parent look like a replay.
		if seq, ok := c.lastSeq[node.SenderPk]; !ok || node.SequenceNumber > seq {
			c.lastSeq[node.SenderPk] = node.SequenceNumber
		}
	} else {
		c.speculative[hash] = true
	}
	return nil
}

func (s *MemStore) MarkVerified(conv types.ConversationId, hash types.NodeHash) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[hash]
	if !ok {
		return ErrNotFound
	}
	c.verified[hash] = true
	delete(c.speculative, hash)
	delete(c.opaque, hash)
	c.rankIndex.Set(rankKey(n.SequenceNumber.Epoch(), n.TopologicalRank), hash)
	if seq, ok := c.lastSeq[n.SenderPk]; !ok || n.SequenceNumber > seq {
		c.lastSeq[n.SenderPk] = n.SequenceNumber
	}
	return nil
}

func (s *MemStore) InvalidateNode(conv types.ConversationId, hash types.NodeHash) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.verified[hash] {
		return nil
	}
	n, ok := c.nodes[hash]
	if ok {
		c.rankIndex.Delete(rankKey(n.SequenceNumber.Epoch(), n.TopologicalRank))
	}
	delete(c.verified, hash)
	c.speculative[hash] = true
	return nil
}

func (s *MemStore) GetNode(conv types.ConversationId, hash types.NodeHash) (*dagnode.MerkleNode, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[hash]
	if !ok {
		return nil, false, nil
	}
	cp := *n
	return &cp, true, nil
}

func (s *MemStore) GetWireNode(conv types.ConversationId, hash types.NodeHash) (*wire.MerkleNodeMessage, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.wireNodes[hash]
	if !ok {
		return nil, false, nil
	}
	return &wire.MerkleNodeMessage{ConvId: conv, Hash: hash, Node: e.node}, true, nil
}

func (s *MemStore) PutWireNode(conv types.ConversationId, hash types.NodeHash, node dagnode.WireNode) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wireNodes[hash] = wireNodeEntry{hash: hash, node: node}
	if _, verified := c.verified[hash]; !verified {
		c.opaque[hash] = true
	}
	return nil
}

func (s *MemStore) RemoveWireNode(conv types.ConversationId, hash types.NodeHash) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.wireNodes, hash)
	delete(c.opaque, hash)
	return nil
}

func (s *MemStore) GetSpeculativeNodes(conv types.ConversationId) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.NodeHash, 0, len(c.speculative))
	for h := range c.speculative {
		out = append(out, h)
	}
	return out, nil
}

func (s *MemStore) GetOpaqueNodeHashes(conv types.ConversationId) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.NodeHash, 0, len(c.opaque))
	for h := range c.opaque {
		out = append(out, h)
	}
	return out, nil
}

func (s *MemStore) GetNodeCounts(conv types.ConversationId) (NodeCounts, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NodeCounts{
		Verified:    len(c.verified),
		Speculative: len(c.speculative),
		Opaque:      len(c.opaque),
	}, nil
}

func (s *MemStore) GetVerifiedNodesByType(conv types.ConversationId, t dagnode.NodeType) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.NodeHash
	for h := range c.verified {
		if n, ok := c.nodes[h]; ok && n.NodeType() == t {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemStore) GetNodeHashesInRange(conv types.ConversationId, r wire.SyncRange) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	lo := rankKey(r.Epoch, r.MinRank)
	hi := rankKey(r.Epoch, r.MaxRank)
	var out []types.NodeHash
	c.rankIndex.Ascend(lo, func(key uint64, hash types.NodeHash) bool {
		if key > hi {
			return false
		}
		out = append(out, hash)
		return true
	})
	return out, nil
}

func (s *MemStore) GetLastSequenceNumber(conv types.ConversationId, device types.PhysicalDevicePk) (types.SequenceNumber, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.lastSeq[device]
	return seq, ok, nil
}

func (s *MemStore) GetConversationKey(conv types.ConversationId, epoch types.Epoch) ([32]byte, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.conversationKeys[epoch]
	return k, ok, nil
}

func (s *MemStore) PutConversationKey(conv types.ConversationId, epoch types.Epoch, root [32]byte) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationKeys[epoch] = root
	return nil
}

func (s *MemStore) GetEpochMetadata(conv types.ConversationId, epoch types.Epoch) (EpochMetadata, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.epochMeta[epoch]
	return m, ok, nil
}

func (s *MemStore) UpdateEpochMetadata(conv types.ConversationId, epoch types.Epoch, meta EpochMetadata) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochMeta[epoch] = meta
	return nil
}

func (s *MemStore) GetRatchetKey(conv types.ConversationId, hash types.NodeHash) (ratchet.ChainKey, types.Epoch, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.ratchetKeys[hash]
	return e.chain, e.epoch, ok, nil
}

func (s *MemStore) PutRatchetKey(conv types.ConversationId, hash types.NodeHash, chain ratchet.ChainKey, epoch types.Epoch) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ratchetKeys[hash] = ratchetEntry{chain: chain, epoch: epoch}
	return nil
}

func (s *MemStore) RemoveRatchetKey(conv types.ConversationId, hash types.NodeHash) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ratchetKeys, hash)
	return nil
}

func (s *MemStore) ListRatchetKeyHashes(conv types.ConversationId) ([]types.NodeHash, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.NodeHash, 0, len(c.ratchetKeys))
	for h := range c.ratchetKeys {
		out = append(out, h)
	}
	return out, nil
}

func (s *MemStore) SizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, c := range s.conversations {
		c.mu.RLock()
		for _, e := range c.wireNodes {
			total += int64(len(e.node.EncryptedPayload))
		}
		c.mu.RUnlock()
	}
	for _, b := range s.blobs {
		b.mu.Lock()
		for _, data := range b.chunks {
			total += int64(len(data))
		}
		b.mu.Unlock()
	}
	return total, nil
}

func (s *MemStore) blob(hash types.NodeHash) *blobEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[hash]
	if !ok {
		b = &blobEntry{chunks: make(map[uint64][]byte), proofs: make(map[uint64][]byte)}
		s.blobs[hash] = b
	}
	return b
}

func (s *MemStore) HasBlob(hash types.NodeHash) (bool, error) {
	s.mu.RLock()
	b, ok := s.blobs[hash]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasInfo && b.info.Status == wire.BlobAvailable, nil
}

func (s *MemStore) GetBlobInfo(hash types.NodeHash) (wire.BlobInfo, bool, error) {
	b := s.blob(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info, b.hasInfo, nil
}

func (s *MemStore) PutBlobInfo(info wire.BlobInfo) error {
	b := s.blob(info.Hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.info = info
	b.hasInfo = true
	return nil
}

func (s *MemStore) PutChunk(conv types.ConversationId, hash types.NodeHash, offset uint64, data []byte, proof []byte) error {
	b := s.blob(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), data...)
	b.chunks[offset] = cp
	if proof != nil {
		b.proofs[offset] = append([]byte(nil), proof...)
	}
	return nil
}

func (s *MemStore) GetChunk(hash types.NodeHash, offset uint64, length uint64) ([]byte, error) {
	b := s.blob(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.chunks[offset]
	if !ok {
		return nil, ErrNotFound
	}
	if uint64(len(data)) != length {
		return nil, errors.New("store: chunk length mismatch")
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) GetChunkWithProof(hash types.NodeHash, offset uint64, length uint64) ([]byte, []byte, error) {
	data, err := s.GetChunk(hash, offset, length)
	if err != nil {
		return nil, nil, err
	}
	b := s.blob(hash)
	b.mu.Lock()
	defer b.mu.Unlock()
	return data, append([]byte(nil), b.proofs[offset]...), nil
}

func (s *MemStore) GetSketch(conv types.ConversationId, r wire.SyncRange) (wire.SyncSketchMessage, bool, error) {
	c := s.conv(conv)
	c.mu.RLock()
	defer c.mu.RUnlock()
	sk, ok := c.sketches[r]
	return sk, ok, nil
}

func (s *MemStore) PutSketch(conv types.ConversationId, r wire.SyncRange, sketch wire.SyncSketchMessage) error {
	c := s.conv(conv)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sketches[r] = sketch
	return nil
}

func (s *MemStore) GetGlobalOffset() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalOffset, nil
}

func (s *MemStore) SetGlobalOffset(offsetMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalOffset = offsetMs
	return nil
}
