// Package fsstore is a filesystem-backed store.Store. Each conversation's
// state lives under conversations/<hex-conv-id>/ behind its own advisory
// lock file, and the store root carries a shared lock protecting
// operations (like blob directory creation) that touch more than one
// conversation's tree. The per-conversation state blob is gob-encoded:
// the format is private to this store, with no external wire contract to
// honor.
package fsstore

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// fsConvState is the gob-encodable mirror of one conversation's persisted
// state. Field names are exported so gob can see them; shape otherwise
// follows store.MemStore's in-memory layout.
type fsConvState struct {
	Heads      []types.NodeHash
	AdminHeads []types.NodeHash

	Nodes       map[types.NodeHash]dagnode.MerkleNode
	Verified    map[types.NodeHash]bool
	Speculative map[types.NodeHash]bool
	Opaque      map[types.NodeHash]bool

	WireNodes map[types.NodeHash]dagnode.WireNode

	LastSeq map[types.PhysicalDevicePk]types.SequenceNumber

	ConversationKeys map[types.Epoch][32]byte
	EpochMeta        map[types.Epoch]store.EpochMetadata

	RatchetChains map[types.NodeHash]ratchet.ChainKey
	RatchetEpochs map[types.NodeHash]types.Epoch

	Sketches map[wire.SyncRange]wire.SyncSketchMessage
}

func newFsConvState() *fsConvState {
	return &fsConvState{
		Nodes:            make(map[types.NodeHash]dagnode.MerkleNode),
		Verified:         make(map[types.NodeHash]bool),
		Speculative:      make(map[types.NodeHash]bool),
		Opaque:           make(map[types.NodeHash]bool),
		WireNodes:        make(map[types.NodeHash]dagnode.WireNode),
		LastSeq:          make(map[types.PhysicalDevicePk]types.SequenceNumber),
		ConversationKeys: make(map[types.Epoch][32]byte),
		EpochMeta:        make(map[types.Epoch]store.EpochMetadata),
		RatchetChains:    make(map[types.NodeHash]ratchet.ChainKey),
		RatchetEpochs:    make(map[types.NodeHash]types.Epoch),
		Sketches:         make(map[wire.SyncRange]wire.SyncSketchMessage),
	}
}

// FSStore is a filesystem-backed store.Store rooted at a directory.
type FSStore struct {
	root string

	rootLock *flock.Flock

	mu         sync.Mutex
	convLocks  map[types.ConversationId]*flock.Flock
	blobOffset int64
}

// Open prepares root (creating it if needed) and returns an FSStore. Root
// must be writable; a store-root lock file is created alongside it.
func Open(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "conversations"), 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: mkdir conversations: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: mkdir blobs: %w", err)
	}
	return &FSStore{
		root:      root,
		rootLock:  flock.New(filepath.Join(root, ".lock")),
		convLocks: make(map[types.ConversationId]*flock.Flock),
	}, nil
}

func (s *FSStore) convDir(conv types.ConversationId) string {
	return filepath.Join(s.root, "conversations", conv.String())
}

func (s *FSStore) lockFor(conv types.ConversationId) (*flock.Flock, error) {
	s.mu.Lock()
	l, ok := s.convLocks[conv]
	s.mu.Unlock()
	if ok {
		return l, nil
	}
	dir := s.convDir(conv)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: mkdir %s: %w", dir, err)
	}
	l = flock.New(filepath.Join(dir, ".lock"))
	s.mu.Lock()
	s.convLocks[conv] = l
	s.mu.Unlock()
	return l, nil
}

func (s *FSStore) statePath(conv types.ConversationId) string {
	return filepath.Join(s.convDir(conv), "state.gob")
}

func (s *FSStore) loadState(conv types.ConversationId) (*fsConvState, error) {
	f, err := os.Open(s.statePath(conv))
	if os.IsNotExist(err) {
		return newFsConvState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: open state: %w", err)
	}
	defer f.Close()
	st := newFsConvState()
	if err := gob.NewDecoder(f).Decode(st); err != nil {
		return nil, fmt.Errorf("fsstore: decode state: %w", err)
	}
	return st, nil
}

func (s *FSStore) saveState(conv types.ConversationId, st *fsConvState) error {
	tmp := s.statePath(conv) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("fsstore: create state: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(st); err != nil {
		f.Close()
		return fmt.Errorf("fsstore: encode state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsstore: close state: %w", err)
	}
	return os.Rename(tmp, s.statePath(conv))
}

// withState loads state, locks the conversation, runs fn, and saves the
// result if fn doesn't return an error.
func (s *FSStore) withState(conv types.ConversationId, fn func(*fsConvState) error) error {
	l, err := s.lockFor(conv)
	if err != nil {
		return err
	}
	if err := l.Lock(); err != nil {
		return fmt.Errorf("fsstore: lock conversation: %w", err)
	}
	defer l.Unlock()

	st, err := s.loadState(conv)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return s.saveState(conv, st)
}

func (s *FSStore) withReadState(conv types.ConversationId, fn func(*fsConvState) error) error {
	l, err := s.lockFor(conv)
	if err != nil {
		return err
	}
	if err := l.RLock(); err != nil {
		return fmt.Errorf("fsstore: rlock conversation: %w", err)
	}
	defer l.Unlock()

	st, err := s.loadState(conv)
	if err != nil {
		return err
	}
	return fn(st)
}

func rankKey(epoch types.Epoch, rank uint64) uint64 {
	return uint64(epoch)<<32 | (rank & 0xFFFFFFFF)
}

func (s *FSStore) GetHeads(conv types.ConversationId) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		out = append([]types.NodeHash(nil), st.Heads...)
		return nil
	})
	return out, err
}

func (s *FSStore) SetHeads(conv types.ConversationId, heads []types.NodeHash) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.Heads = append([]types.NodeHash(nil), heads...)
		return nil
	})
}

func (s *FSStore) GetAdminHeads(conv types.ConversationId) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		out = append([]types.NodeHash(nil), st.AdminHeads...)
		return nil
	})
	return out, err
}

func (s *FSStore) SetAdminHeads(conv types.ConversationId, heads []types.NodeHash) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.AdminHeads = append([]types.NodeHash(nil), heads...)
		return nil
	})
}

func (s *FSStore) PutNode(conv types.ConversationId, node *dagnode.MerkleNode, verified bool) error {
	return s.withState(conv, func(st *fsConvState) error {
		hash := dagnode.Hash(node, conv)
		st.Nodes[hash] = *node
		if verified {
			st.Verified[hash] = true
			delete(st.Speculative, hash)
			delete(st.Opaque, hash)
			// Only verified writes advance the per-device sequence watermark.
			if seq, ok := st.LastSeq[node.SenderPk]; !ok || node.SequenceNumber > seq {
				st.LastSeq[node.SenderPk] = node.SequenceNumber
			}
		} else {
			st.Speculative[hash] = true
		}
		return nil
	})
}

func (s *FSStore) MarkVerified(conv types.ConversationId, hash types.NodeHash) error {
	return s.withState(conv, func(st *fsConvState) error {
		n, ok := st.Nodes[hash]
		if !ok {
			return store.ErrNotFound
		}
		st.Verified[hash] = true
		delete(st.Speculative, hash)
		delete(st.Opaque, hash)
		if seq, ok := st.LastSeq[n.SenderPk]; !ok || n.SequenceNumber > seq {
			st.LastSeq[n.SenderPk] = n.SequenceNumber
		}
		return nil
	})
}

func (s *FSStore) InvalidateNode(conv types.ConversationId, hash types.NodeHash) error {
	return s.withState(conv, func(st *fsConvState) error {
		if !st.Verified[hash] {
			return nil
		}
		delete(st.Verified, hash)
		st.Speculative[hash] = true
		return nil
	})
}

func (s *FSStore) GetNode(conv types.ConversationId, hash types.NodeHash) (*dagnode.MerkleNode, bool, error) {
	var out *dagnode.MerkleNode
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		n, ok := st.Nodes[hash]
		if !ok {
			return nil
		}
		found = true
		out = &n
		return nil
	})
	return out, found, err
}

func (s *FSStore) GetWireNode(conv types.ConversationId, hash types.NodeHash) (*wire.MerkleNodeMessage, bool, error) {
	var out *wire.MerkleNodeMessage
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		n, ok := st.WireNodes[hash]
		if !ok {
			return nil
		}
		found = true
		out = &wire.MerkleNodeMessage{ConvId: conv, Hash: hash, Node: n}
		return nil
	})
	return out, found, err
}

func (s *FSStore) PutWireNode(conv types.ConversationId, hash types.NodeHash, node dagnode.WireNode) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.WireNodes[hash] = node
		if !st.Verified[hash] {
			st.Opaque[hash] = true
		}
		return nil
	})
}

func (s *FSStore) RemoveWireNode(conv types.ConversationId, hash types.NodeHash) error {
	return s.withState(conv, func(st *fsConvState) error {
		delete(st.WireNodes, hash)
		delete(st.Opaque, hash)
		return nil
	})
}

func (s *FSStore) GetSpeculativeNodes(conv types.ConversationId) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		for h := range st.Speculative {
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

func (s *FSStore) GetOpaqueNodeHashes(conv types.ConversationId) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		for h := range st.Opaque {
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

func (s *FSStore) GetNodeCounts(conv types.ConversationId) (store.NodeCounts, error) {
	var out store.NodeCounts
	err := s.withReadState(conv, func(st *fsConvState) error {
		out = store.NodeCounts{Verified: len(st.Verified), Speculative: len(st.Speculative), Opaque: len(st.Opaque)}
		return nil
	})
	return out, err
}

func (s *FSStore) GetVerifiedNodesByType(conv types.ConversationId, t dagnode.NodeType) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		for h := range st.Verified {
			n := st.Nodes[h]
			if n.NodeType() == t {
				out = append(out, h)
			}
		}
		return nil
	})
	return out, err
}

func (s *FSStore) GetNodeHashesInRange(conv types.ConversationId, r wire.SyncRange) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		lo := rankKey(r.Epoch, r.MinRank)
		hi := rankKey(r.Epoch, r.MaxRank)
		for h := range st.Verified {
			n := st.Nodes[h]
			k := rankKey(n.SequenceNumber.Epoch(), n.TopologicalRank)
			if k >= lo && k <= hi {
				out = append(out, h)
			}
		}
		return nil
	})
	return out, err
}

func (s *FSStore) GetLastSequenceNumber(conv types.ConversationId, device types.PhysicalDevicePk) (types.SequenceNumber, bool, error) {
	var out types.SequenceNumber
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		out, found = st.LastSeq[device]
		return nil
	})
	return out, found, err
}

func (s *FSStore) GetConversationKey(conv types.ConversationId, epoch types.Epoch) ([32]byte, bool, error) {
	var out [32]byte
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		out, found = st.ConversationKeys[epoch]
		return nil
	})
	return out, found, err
}

func (s *FSStore) PutConversationKey(conv types.ConversationId, epoch types.Epoch, root [32]byte) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.ConversationKeys[epoch] = root
		return nil
	})
}

func (s *FSStore) GetEpochMetadata(conv types.ConversationId, epoch types.Epoch) (store.EpochMetadata, bool, error) {
	var out store.EpochMetadata
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		out, found = st.EpochMeta[epoch]
		return nil
	})
	return out, found, err
}

func (s *FSStore) UpdateEpochMetadata(conv types.ConversationId, epoch types.Epoch, meta store.EpochMetadata) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.EpochMeta[epoch] = meta
		return nil
	})
}

func (s *FSStore) GetRatchetKey(conv types.ConversationId, hash types.NodeHash) (ratchet.ChainKey, types.Epoch, bool, error) {
	var chain ratchet.ChainKey
	var epoch types.Epoch
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		chain, found = st.RatchetChains[hash]
		epoch = st.RatchetEpochs[hash]
		return nil
	})
	return chain, epoch, found, err
}

func (s *FSStore) PutRatchetKey(conv types.ConversationId, hash types.NodeHash, chain ratchet.ChainKey, epoch types.Epoch) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.RatchetChains[hash] = chain
		st.RatchetEpochs[hash] = epoch
		return nil
	})
}

func (s *FSStore) RemoveRatchetKey(conv types.ConversationId, hash types.NodeHash) error {
	return s.withState(conv, func(st *fsConvState) error {
		delete(st.RatchetChains, hash)
		delete(st.RatchetEpochs, hash)
		return nil
	})
}

func (s *FSStore) ListRatchetKeyHashes(conv types.ConversationId) ([]types.NodeHash, error) {
	var out []types.NodeHash
	err := s.withReadState(conv, func(st *fsConvState) error {
		out = make([]types.NodeHash, 0, len(st.RatchetChains))
		for h := range st.RatchetChains {
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

func (s *FSStore) SizeBytes() (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (s *FSStore) GetSketch(conv types.ConversationId, r wire.SyncRange) (wire.SyncSketchMessage, bool, error) {
	var out wire.SyncSketchMessage
	var found bool
	err := s.withReadState(conv, func(st *fsConvState) error {
		out, found = st.Sketches[r]
		return nil
	})
	return out, found, err
}

func (s *FSStore) PutSketch(conv types.ConversationId, r wire.SyncRange, sketch wire.SyncSketchMessage) error {
	return s.withState(conv, func(st *fsConvState) error {
		st.Sketches[r] = sketch
		return nil
	})
}

// blobDir returns hash's chunk/proof/info directory, creating it on first
// use under the store root's shared lock.
func (s *FSStore) blobDir(hash types.NodeHash) (string, error) {
	if err := s.rootLock.Lock(); err != nil {
		return "", fmt.Errorf("fsstore: lock root: %w", err)
	}
	defer s.rootLock.Unlock()
	dir := filepath.Join(s.root, "blobs", hash.String())
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return "", fmt.Errorf("fsstore: mkdir blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "proofs"), 0o755); err != nil {
		return "", fmt.Errorf("fsstore: mkdir blob proofs: %w", err)
	}
	return dir, nil
}

func (s *FSStore) infoPath(hash types.NodeHash) (string, error) {
	dir, err := s.blobDir(hash)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "info.gob"), nil
}

func (s *FSStore) HasBlob(hash types.NodeHash) (bool, error) {
	info, ok, err := s.GetBlobInfo(hash)
	if err != nil || !ok {
		return false, err
	}
	return info.Status == wire.BlobAvailable, nil
}

func (s *FSStore) GetBlobInfo(hash types.NodeHash) (wire.BlobInfo, bool, error) {
	path, err := s.infoPath(hash)
	if err != nil {
		return wire.BlobInfo{}, false, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return wire.BlobInfo{}, false, nil
	}
	if err != nil {
		return wire.BlobInfo{}, false, fmt.Errorf("fsstore: open blob info: %w", err)
	}
	defer f.Close()
	var info wire.BlobInfo
	if err := gob.NewDecoder(f).Decode(&info); err != nil {
		return wire.BlobInfo{}, false, fmt.Errorf("fsstore: decode blob info: %w", err)
	}
	return info, true, nil
}

func (s *FSStore) PutBlobInfo(info wire.BlobInfo) error {
	path, err := s.infoPath(info.Hash)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("fsstore: create blob info: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(info); err != nil {
		f.Close()
		return fmt.Errorf("fsstore: encode blob info: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FSStore) PutChunk(conv types.ConversationId, hash types.NodeHash, offset uint64, data []byte, proof []byte) error {
	dir, err := s.blobDir(hash)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "chunks", fmt.Sprintf("%d.bin", offset)), data, 0o644); err != nil {
		return fmt.Errorf("fsstore: write chunk: %w", err)
	}
	if proof != nil {
		if err := os.WriteFile(filepath.Join(dir, "proofs", fmt.Sprintf("%d.bin", offset)), proof, 0o644); err != nil {
			return fmt.Errorf("fsstore: write proof: %w", err)
		}
	}
	return nil
}

func (s *FSStore) GetChunk(hash types.NodeHash, offset uint64, length uint64) ([]byte, error) {
	dir, err := s.blobDir(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "chunks", fmt.Sprintf("%d.bin", offset)))
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fsstore: read chunk: %w", err)
	}
	if uint64(len(data)) != length {
		return nil, fmt.Errorf("fsstore: chunk length mismatch: got %d want %d", len(data), length)
	}
	return data, nil
}

func (s *FSStore) GetChunkWithProof(hash types.NodeHash, offset uint64, length uint64) ([]byte, []byte, error) {
	data, err := s.GetChunk(hash, offset, length)
	if err != nil {
		return nil, nil, err
	}
	dir, err := s.blobDir(hash)
	if err != nil {
		return nil, nil, err
	}
	proof, err := os.ReadFile(filepath.Join(dir, "proofs", fmt.Sprintf("%d.bin", offset)))
	if os.IsNotExist(err) {
		return data, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fsstore: read proof: %w", err)
	}
	return data, proof, nil
}

func (s *FSStore) GetGlobalOffset() (int64, error) {
	if err := s.rootLock.RLock(); err != nil {
		return 0, fmt.Errorf("fsstore: rlock root: %w", err)
	}
	defer s.rootLock.Unlock()
	data, err := os.ReadFile(filepath.Join(s.root, "global_offset"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fsstore: read global offset: %w", err)
	}
	var v int64
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, fmt.Errorf("fsstore: parse global offset: %w", err)
	}
	return v, nil
}

func (s *FSStore) SetGlobalOffset(offsetMs int64) error {
	if err := s.rootLock.Lock(); err != nil {
		return fmt.Errorf("fsstore: lock root: %w", err)
	}
	defer s.rootLock.Unlock()
	return os.WriteFile(filepath.Join(s.root, "global_offset"), []byte(fmt.Sprintf("%d", offsetMs)), 0o644)
}

var _ store.Store = (*FSStore)(nil)
