// Package ratchet implements per-conversation key management: epoch root
// keys, the derived mac/enc key pair used to authenticate and seal nodes,
// and the per-device chain-key ratchet that keys individual Content nodes
// without requiring a sequential replay to reach a given position.
package ratchet

import (
	"encoding/binary"
	"sync"

	"github.com/duskline/convo/types"
	"lukechampine.com/blake3"
)

// ConversationKeys is the symmetric key pair derived from a 32-byte secret
// (an epoch root key or a chain-derived message key) and used to seal and
// authenticate a single node.
type ConversationKeys struct {
	MacKey [32]byte
	EncKey [32]byte
}

// ChainKey is a 32-byte secret positioned at a particular (sender, sequence)
// coordinate in a conversation's per-device ratchet.
type ChainKey [32]byte

func keyedHash(key [32]byte, parts ...[]byte) [32]byte {
	h := blake3.New(32, key[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// deriveConversationKeys expands a 32-byte secret into a mac/enc key pair.
// The same expansion is used whether the secret is an epoch root key or a
// per-message chain key, so a message key can be treated exactly like a
// miniature epoch for the purposes of sealing one node.
func deriveConversationKeys(secret [32]byte) ConversationKeys {
	return ConversationKeys{
		MacKey: keyedHash(secret, []byte("convo conversation mac key v1")),
		EncKey: keyedHash(secret, []byte("convo conversation enc key v1")),
	}
}

// ToConversationKeys treats k as a root secret and derives its mac/enc pair.
func (k ChainKey) ToConversationKeys() ConversationKeys {
	return deriveConversationKeys([32]byte(k))
}

// DeriveChainKey computes the chain key at (sender, seq) directly from the
// epoch's root key. Because the derivation is a pure keyed hash of the
// coordinate rather than a sequential chain that must be replayed from
// position zero, any node's key can be recomputed from the epoch root alone
// regardless of delivery order or gaps.
func DeriveChainKey(epochRoot [32]byte, sender types.PhysicalDevicePk, seq uint32) ChainKey {
	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], seq)
	return ChainKey(keyedHash(epochRoot, []byte("convo chain key v1"), sender[:], seqBuf[:]))
}

// CalculateMac authenticates data under keys.MacKey.
func CalculateMac(keys ConversationKeys, data []byte) types.Mac {
	return types.Mac(keyedHash(keys.MacKey, []byte("convo node mac v1"), data))
}

type epochState struct {
	root [32]byte
	keys ConversationKeys
}

type cachedNodeKey struct {
	chain ChainKey
	epoch types.Epoch
}

// Manager tracks a single conversation's epoch history and the ratchet
// positions it has already resolved, so MAC verification can be retried
// against a known key instead of rederiving it on every call.
type Manager struct {
	mu sync.RWMutex

	established    bool
	epochs         map[types.Epoch]epochState
	currentEpoch   types.Epoch
	messageCount   uint32
	lastRotationMs int64

	nodeKeys map[types.NodeHash]cachedNodeKey
}

// NewManager returns an unestablished Manager: no epoch root key is known
// yet, and every MAC verification will fail until Establish or AddEpoch is
// called with a key recovered from a KeyWrap or RatchetSnapshot node.
func NewManager() *Manager {
	return &Manager{
		epochs:   make(map[types.Epoch]epochState),
		nodeKeys: make(map[types.NodeHash]cachedNodeKey),
	}
}

// IsEstablished reports whether any epoch root key has been recovered.
func (m *Manager) IsEstablished() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.established
}

// Establish records the first known epoch root key, moving the conversation
// from pending (no key material) to established.
func (m *Manager) Establish(epoch types.Epoch, root [32]byte, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[epoch] = epochState{root: root, keys: deriveConversationKeys(root)}
	m.currentEpoch = epoch
	m.established = true
	m.lastRotationMs = now
}

// AddEpoch records an additional epoch's root key without disturbing the
// current epoch pointer. Used when a KeyWrap for a not-yet-adopted epoch
// arrives, or when catching up on epochs skipped while offline.
func (m *Manager) AddEpoch(epoch types.Epoch, root [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[epoch] = epochState{root: root, keys: deriveConversationKeys(root)}
	if !m.established || epoch > m.currentEpoch {
		m.currentEpoch = epoch
		m.established = true
	}
}

// Rotate advances to a freshly generated epoch root key, resetting the
// rotation triggers (message count, last rotation time).
func (m *Manager) Rotate(newRoot [32]byte, now int64) (oldEpoch, newEpoch types.Epoch, hadOld bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hadOld = m.established
	oldEpoch = m.currentEpoch
	if m.established {
		newEpoch = m.currentEpoch + 1
	} else {
		newEpoch = 0
	}
	m.epochs[newEpoch] = epochState{root: newRoot, keys: deriveConversationKeys(newRoot)}
	m.currentEpoch = newEpoch
	m.established = true
	m.messageCount = 0
	m.lastRotationMs = now
	return oldEpoch, newEpoch, hadOld
}

// CurrentEpoch returns the conversation's active epoch.
func (m *Manager) CurrentEpoch() types.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentEpoch
}

// GetKeys returns the mac/enc key pair for a specific epoch's root key.
func (m *Manager) GetKeys(epoch types.Epoch) (ConversationKeys, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[epoch]
	return e.keys, ok
}

// Epochs returns every epoch this manager currently holds a root key for, in
// no particular order. Used to brute-force which epoch's keys decrypt an
// opaque wire node whose sender isn't known until after decryption.
func (m *Manager) Epochs() []types.Epoch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Epoch, 0, len(m.epochs))
	for e := range m.epochs {
		out = append(out, e)
	}
	return out
}

// RootKey returns the raw root key for an epoch (needed to wrap it for new
// recipients during rotation or X3DH bootstrap).
func (m *Manager) RootKey(epoch types.Epoch) ([32]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[epoch]
	return e.root, ok
}

// IncrementMessageCount records that a Content node was authored in the
// current epoch, advancing the rotation-by-volume trigger.
func (m *Manager) IncrementMessageCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageCount++
}

// ShouldRotate reports whether the current epoch has crossed its message or
// time budget and a new epoch should be started before the next node is
// authored.
func (m *Manager) ShouldRotate(now int64, messagesPerEpoch uint32, epochDurationMs int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.established {
		return false
	}
	if m.messageCount >= messagesPerEpoch {
		return true
	}
	return now-m.lastRotationMs >= epochDurationMs
}

// NextRotationDeadline reports when the current epoch's time-based rotation
// trigger fires, for a poll loop to fold into its next-wakeup computation.
// ok is false if no epoch is established yet.
func (m *Manager) NextRotationDeadline(epochDurationMs int64) (deadline int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.established {
		return 0, false
	}
	return m.lastRotationMs + epochDurationMs, true
}

// PeekKeys derives the chain key and message keys at (sender, seq) without
// mutating any state. The sequence number's packed epoch selects which
// epoch's root key to derive from; if that epoch is unknown the call fails.
func (m *Manager) PeekKeys(sender types.PhysicalDevicePk, seq types.SequenceNumber) (ChainKey, ConversationKeys, bool) {
	m.mu.RLock()
	e, ok := m.epochs[seq.Epoch()]
	m.mu.RUnlock()
	if !ok {
		return ChainKey{}, ConversationKeys{}, false
	}
	ck := DeriveChainKey(e.root, sender, seq.Counter())
	return ck, ck.ToConversationKeys(), true
}

// CommitNodeKey caches the chain key that produced a specific node, so a
// later MAC verification (e.g. after a ratchet snapshot restores state out
// of order) can look the key up by hash instead of rederiving it.
func (m *Manager) CommitNodeKey(hash types.NodeHash, chain ChainKey, epoch types.Epoch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeKeys[hash] = cachedNodeKey{chain: chain, epoch: epoch}
}

// CachedNodeKey retrieves a previously committed chain key for a node hash.
func (m *Manager) CachedNodeKey(hash types.NodeHash) (ChainKey, types.Epoch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.nodeKeys[hash]
	return c.chain, c.epoch, ok
}

// RemoveNodeKey drops a cached chain key, used once a node's MAC has been
// durably verified and the ratchet key GC no longer needs to retain it.
func (m *Manager) RemoveNodeKey(hash types.NodeHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodeKeys, hash)
}

// VerifyNodeMac checks mac against authData, trying the cached key for hash
// first, then the direct per-position derivation, then every known epoch's
// root-level keys as a last resort (covers Admin-epoch-keyed bootstrap
// content that never goes through the per-message chain).
func (m *Manager) VerifyNodeMac(hash types.NodeHash, sender types.PhysicalDevicePk, seq types.SequenceNumber, authData []byte, mac types.Mac) bool {
	if chain, _, ok := m.CachedNodeKey(hash); ok {
		if CalculateMac(chain.ToConversationKeys(), authData) == mac {
			return true
		}
	}
	if chain, keys, ok := m.PeekKeys(sender, seq); ok {
		if CalculateMac(keys, authData) == mac {
			m.CommitNodeKey(hash, chain, seq.Epoch())
			return true
		}
	}
	m.mu.RLock()
	epochs := make([]epochState, 0, len(m.epochs))
	for _, e := range m.epochs {
		epochs = append(epochs, e)
	}
	m.mu.RUnlock()
	for _, e := range epochs {
		if CalculateMac(e.keys, authData) == mac {
			return true
		}
	}
	return false
}
