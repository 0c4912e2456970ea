package blob

import (
	"sort"
	"sync"

	"github.com/duskline/convo/types"
)

// RequestStallTimeout bounds how long an outstanding chunk request waits
// before it is considered stalled and re-queued on another seeder.
const RequestStallTimeout = 20_000 // ms

type chunkRequest struct {
	seeder    types.PhysicalDevicePk
	requestedAtMs int64
}

// SwarmSync tracks seeders and in-flight requests for one blob, scheduling
// the next batch of chunk requests and demoting seeders that deliver
// corrupt data.
type SwarmSync struct {
	mu sync.Mutex

	hash     types.NodeHash
	numChunks uint64

	seeders map[types.PhysicalDevicePk]bool
	inFlight map[uint64]chunkRequest
	// nextSeeder round-robins which seeder the next request goes to.
	nextSeederIdx int
}

// NewSwarmSync starts tracking seeders for a blob with numChunks total
// chunks.
func NewSwarmSync(hash types.NodeHash, numChunks uint64) *SwarmSync {
	return &SwarmSync{
		hash:      hash,
		numChunks: numChunks,
		seeders:   make(map[types.PhysicalDevicePk]bool),
		inFlight:  make(map[uint64]chunkRequest),
	}
}

// AddSeeder records a peer as having advertised this blob.
func (s *SwarmSync) AddSeeder(pk types.PhysicalDevicePk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeders[pk] = true
}

// RemoveSeeder drops a peer from the seeder set, called when a chunk it
// sent fails verification.
func (s *SwarmSync) RemoveSeeder(pk types.PhysicalDevicePk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seeders, pk)
	for idx, req := range s.inFlight {
		if req.seeder == pk {
			delete(s.inFlight, idx)
		}
	}
}

// OnChunkReceived reports whether data, as chunk index, verifies against
// proof; on failure the sending seeder is removed from the swarm. The
// in-flight request for index is cleared either way.
func (s *SwarmSync) OnChunkReceived(index uint64, data []byte, proof []types.NodeHash, root types.NodeHash, from types.PhysicalDevicePk) bool {
	ok := VerifyChunk(data, index, s.numChunks, root, proof)
	s.mu.Lock()
	delete(s.inFlight, index)
	s.mu.Unlock()
	if !ok {
		s.RemoveSeeder(from)
	}
	return ok
}

// NextRequests schedules up to k outstanding chunk requests across seeders
// for the given missing indices, skipping indices already in flight unless
// their request has stalled past RequestStallTimeout.
func (s *SwarmSync) NextRequests(missing []uint64, k int, nowMs int64) map[uint64]types.PhysicalDevicePk {
	s.mu.Lock()
	defer s.mu.Unlock()

	seeders := make([]types.PhysicalDevicePk, 0, len(s.seeders))
	for pk := range s.seeders {
		seeders = append(seeders, pk)
	}
	if len(seeders) == 0 {
		return nil
	}
	sort.Slice(seeders, func(i, j int) bool { return less32(seeders[i][:], seeders[j][:]) })

	active := 0
	for _, req := range s.inFlight {
		if nowMs-req.requestedAtMs < RequestStallTimeout {
			active++
		}
	}

	out := make(map[uint64]types.PhysicalDevicePk)
	for _, idx := range missing {
		if active+len(out) >= k {
			break
		}
		if req, inflight := s.inFlight[idx]; inflight {
			if nowMs-req.requestedAtMs < RequestStallTimeout {
				continue
			}
		}
		seeder := seeders[s.nextSeederIdx%len(seeders)]
		s.nextSeederIdx++
		s.inFlight[idx] = chunkRequest{seeder: seeder, requestedAtMs: nowMs}
		out[idx] = seeder
	}
	return out
}

// SeederCount reports how many peers currently seed this blob.
func (s *SwarmSync) SeederCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seeders)
}

func less32(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Manager owns one SwarmSync per in-flight blob.
type Manager struct {
	mu     sync.Mutex
	swarms map[types.NodeHash]*SwarmSync
}

func NewManager() *Manager {
	return &Manager{swarms: make(map[types.NodeHash]*SwarmSync)}
}

// Swarm returns (creating if absent) the SwarmSync tracking hash.
func (m *Manager) Swarm(hash types.NodeHash, numChunks uint64) *SwarmSync {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw, ok := m.swarms[hash]
	if !ok {
		sw = NewSwarmSync(hash, numChunks)
		m.swarms[hash] = sw
	}
	return sw
}

// Forget drops swarm bookkeeping for a blob once it is fully available.
func (m *Manager) Forget(hash types.NodeHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.swarms, hash)
}

// Hashes lists every blob this manager currently tracks a swarm for, in no
// particular order. Used by the poll loop to drive chunk-request scheduling
// without a separate blob registry.
func (m *Manager) Hashes() []types.NodeHash {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.NodeHash, 0, len(m.swarms))
	for h := range m.swarms {
		out = append(out, h)
	}
	return out
}
