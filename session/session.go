// Package session implements the per-(peer, conversation) sync state
// machine: handshake promotion, heads exchange, reconciliation cadence,
// PoW-gated sketch handling, and fetch-batch scheduling.
package session

import (
	"sync"

	"github.com/duskline/convo/recon"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// State tags a Session's position in the handshake -> active lifecycle.
type State uint8

const (
	StateHandshake State = iota
	StateActive
)

// ReconciliationIntervalMs is the cadence at which an Active session
// re-sends shard checksums absent any dirty-triggered earlier run.
const ReconciliationIntervalMs = 60_000

// PoWChallengeTTLMs bounds how long a receiver waits for a solution before
// a pending challenge (and its held sketch) is garbage collected.
const PoWChallengeTTLMs = 30_000

// MaxBatchSize bounds how many hashes one FetchBatchReq requests at once.
const MaxBatchSize = 64

type pendingChallenge struct {
	difficulty uint8
	expiresAt  int64
}

type pendingSketch struct {
	sketch    wire.SyncSketchMessage
	expiresAt int64
}

// Session is the sync state for one (peer, conversation) pair.
type Session struct {
	mu sync.Mutex

	Peer types.PhysicalDevicePk
	Conv types.ConversationId

	state State

	localHeads  []types.NodeHash
	remoteHeads []types.NodeHash
	headsDirty  bool
	reconDirty  bool
	lastReconMs int64

	missingNodes map[types.NodeHash]bool
	missingBlobs map[types.NodeHash]bool

	effectiveDifficulty uint8
	pendingChallenges   map[[32]byte]pendingChallenge
	pendingSketches     map[[32]byte]pendingSketch

	shallow      bool
	minRank      uint64
	minTimestamp int64

	reachable bool
}

// New creates a session in Handshake state for (peer, conv). reachable
// mirrors the external transport-layer reachability flag; callers flip it
// with SetReachable as partitions come and go.
func New(peer types.PhysicalDevicePk, conv types.ConversationId) *Session {
	return &Session{
		Peer:                peer,
		Conv:                conv,
		state:               StateHandshake,
		missingNodes:        make(map[types.NodeHash]bool),
		missingBlobs:        make(map[types.NodeHash]bool),
		pendingChallenges:   make(map[[32]byte]pendingChallenge),
		pendingSketches:     make(map[[32]byte]pendingSketch),
		effectiveDifficulty: 12,
		reachable:           true,
	}
}

// StartSync idempotently (re-)advertises our heads: it dirties the heads
// flag without changing state, so callers invoke it both at first contact
// and after a partition heals.
func (s *Session) StartSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headsDirty = true
	s.reconDirty = true
}

// State reports the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Promote moves the session from Handshake to Active, called on receipt of
// CapsAnnounce, CapsAck, or any Sync* message.
func (s *Session) Promote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
}

// SetReachable flips the external reachability flag; poll skips an
// unreachable session entirely and StartSync should be called again once
// it heals.
func (s *Session) SetReachable(reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable = reachable
}

// Reachable reports the current reachability flag.
func (s *Session) Reachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reachable
}

// SetLocalHeads replaces the advertised local heads and marks them dirty
// for the next AdvertiseHeads call. Heads updates a peer observes are
// monotonic per session: callers are expected to only ever call this with
// the verified-heads set after a forward-moving DAG write.
func (s *Session) SetLocalHeads(heads []types.NodeHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localHeads = append([]types.NodeHash(nil), heads...)
	s.headsDirty = true
}

// AdvertiseHeads returns a SyncHeads message and clears the dirty flag, or
// ok=false if nothing has changed since the last advertisement.
func (s *Session) AdvertiseHeads() (wire.SyncHeadsMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headsDirty {
		return wire.SyncHeadsMessage{}, false
	}
	s.headsDirty = false
	var flags wire.SyncHeadsFlags
	if s.shallow {
		flags |= wire.FlagShallow
	}
	return wire.SyncHeadsMessage{ConvId: s.Conv, Heads: append([]types.NodeHash(nil), s.localHeads...), Flags: flags}, true
}

// HandleSyncHeads promotes the session to Active, records the peer's
// advertised heads, and queues in missingNodes any hash known(h) reports
// we don't have.
func (s *Session) HandleSyncHeads(msg wire.SyncHeadsMessage, known func(types.NodeHash) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateActive
	s.remoteHeads = append([]types.NodeHash(nil), msg.Heads...)
	s.shallow = msg.Flags&wire.FlagShallow != 0
	for _, h := range msg.Heads {
		if !known(h) {
			s.missingNodes[h] = true
		}
	}
}

// QueueMissing adds hashes to the fetch queue directly, used by the
// decode-outcome handler for IBLT-recovered missing hashes.
func (s *Session) QueueMissing(hashes []types.NodeHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		s.missingNodes[h] = true
	}
}

// QueueMissingBlob records a blob hash to BlobQuery for.
func (s *Session) QueueMissingBlob(hash types.NodeHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingBlobs[hash] = true
}

// IsMissing reports whether this session currently wants hash via a catch-up
// fetch, i.e. the node has not yet arrived; ResolveMissing clears it.
func (s *Session) IsMissing(hash types.NodeHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missingNodes[hash]
}

// ResolveMissing drops a hash from the fetch queue once it arrives.
func (s *Session) ResolveMissing(hash types.NodeHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missingNodes, hash)
}

// NextFetchBatch drains up to MaxBatchSize hashes from the missing-node
// queue into a FetchBatchReq. Drained hashes stay tracked until
// ResolveMissing confirms arrival, so a dropped response gets retried on
// the next poll.
func (s *Session) NextFetchBatch() (wire.FetchBatchReqMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.missingNodes) == 0 {
		return wire.FetchBatchReqMessage{}, false
	}
	hashes := make([]types.NodeHash, 0, MaxBatchSize)
	for h := range s.missingNodes {
		hashes = append(hashes, h)
		if len(hashes) >= MaxBatchSize {
			break
		}
	}
	return wire.FetchBatchReqMessage{ConvId: s.Conv, Hashes: hashes}, true
}

// MissingBlobQueries drains the queued BlobQuery hashes.
func (s *Session) MissingBlobQueries() []types.NodeHash {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.missingBlobs) == 0 {
		return nil
	}
	out := make([]types.NodeHash, 0, len(s.missingBlobs))
	for h := range s.missingBlobs {
		out = append(out, h)
	}
	s.missingBlobs = make(map[types.NodeHash]bool)
	return out
}

// MarkReconDirty forces the next poll to trigger reconciliation
// immediately instead of waiting for ReconciliationIntervalMs.
func (s *Session) MarkReconDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconDirty = true
}

// ShouldReconcile reports whether a new SyncShardChecksums round should
// fire, and clears reconDirty if it does.
func (s *Session) ShouldReconcile(nowMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	if s.reconDirty || nowMs-s.lastReconMs >= ReconciliationIntervalMs {
		s.reconDirty = false
		s.lastReconMs = nowMs
		return true
	}
	return false
}

// NextReconciliationAt reports when ShouldReconcile will next fire absent an
// earlier MarkReconDirty call, for a poll loop's next-wakeup computation.
// ok is false for a session still in Handshake, which ShouldReconcile never
// fires for.
func (s *Session) NextReconciliationAt() (at int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return 0, false
	}
	if s.reconDirty {
		return 0, true
	}
	return s.lastReconMs + ReconciliationIntervalMs, true
}

// NextChallengeExpiry reports the earliest expiresAt among this session's
// pending PoW challenges. ok is false if none are outstanding.
func (s *Session) NextChallengeExpiry() (at int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.pendingChallenges {
		if !ok || ch.expiresAt < at {
			at = ch.expiresAt
			ok = true
		}
	}
	return at, ok
}

// IssueChallenge records a PoW challenge we sent in response to a
// Medium/Large sketch, and holds the sketch until a matching solution
// arrives or the challenge expires.
func (s *Session) IssueChallenge(nonce [32]byte, difficulty uint8, sketch wire.SyncSketchMessage, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingChallenges[nonce] = pendingChallenge{difficulty: difficulty, expiresAt: nowMs + PoWChallengeTTLMs}
	s.pendingSketches[nonce] = pendingSketch{sketch: sketch, expiresAt: nowMs + PoWChallengeTTLMs}
}

// SolveChallenge validates a solution against a pending challenge we
// issued and, if valid and unexpired, returns the held sketch for
// decoding.
func (s *Session) SolveChallenge(nonce [32]byte, solution [32]byte, nowMs int64, verify func(nonce [32]byte, difficulty uint8, solution [32]byte) bool) (wire.SyncSketchMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pendingChallenges[nonce]
	if !ok || nowMs > ch.expiresAt {
		delete(s.pendingChallenges, nonce)
		delete(s.pendingSketches, nonce)
		return wire.SyncSketchMessage{}, false
	}
	if !verify(nonce, ch.difficulty, solution) {
		return wire.SyncSketchMessage{}, false
	}
	sk, ok := s.pendingSketches[nonce]
	delete(s.pendingChallenges, nonce)
	delete(s.pendingSketches, nonce)
	if !ok {
		return wire.SyncSketchMessage{}, false
	}
	return sk.sketch, true
}

// ExpireChallenges drops every pending challenge/sketch pair past its TTL,
// called from poll.
func (s *Session) ExpireChallenges(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nonce, ch := range s.pendingChallenges {
		if nowMs > ch.expiresAt {
			delete(s.pendingChallenges, nonce)
			delete(s.pendingSketches, nonce)
		}
	}
}

// ApplyDecodeOutcome folds a reconciliation decode result into the
// session's bookkeeping: missing-locally hashes join the fetch queue;
// missing-remotely hashes are returned to the caller, which owns sending
// the actual node/wire-node bytes back (the session has no store access).
func (s *Session) ApplyDecodeOutcome(outcome recon.DecodeOutcome) (missingRemotely []types.NodeHash) {
	s.QueueMissing(outcome.MissingLocally)
	return outcome.MissingRemotely
}

// Difficulty returns the session's current PoW difficulty setting.
func (s *Session) Difficulty() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveDifficulty
}

// SetDifficulty adjusts the PoW difficulty the session demands of this
// peer, e.g. ratcheted up under load.
func (s *Session) SetDifficulty(d uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effectiveDifficulty = d
}

// Manager owns every (peer, conversation) session for one engine instance.
type Manager struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

type sessionKey struct {
	peer types.PhysicalDevicePk
	conv types.ConversationId
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[sessionKey]*Session)}
}

// Get returns (creating if absent) the session for (peer, conv).
func (m *Manager) Get(peer types.PhysicalDevicePk, conv types.ConversationId) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey{peer, conv}
	s, ok := m.sessions[k]
	if !ok {
		s = New(peer, conv)
		m.sessions[k] = s
	}
	return s
}

// ForConversation returns every session tracking conv, in no particular
// order.
func (m *Manager) ForConversation(conv types.ConversationId) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for k, s := range m.sessions {
		if k.conv == conv {
			out = append(out, s)
		}
	}
	return out
}

// All returns every session the manager tracks.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SetLocalHeadsForConversation updates local_heads on every session
// tracking conv, the step authoring performs after producing a new node.
func (m *Manager) SetLocalHeadsForConversation(conv types.ConversationId, heads []types.NodeHash) {
	for _, s := range m.ForConversation(conv) {
		s.SetLocalHeads(heads)
	}
}
