package engine

import (
	"time"

	"github.com/duskline/convo/blob"
	"github.com/duskline/convo/recon"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// PollFallbackIntervalMs bounds how long Poll ever goes without being woken
// even when every component reports no nearer deadline.
const PollFallbackIntervalMs = 30_000

// maxBlobRequestsPerBlobPerPoll caps how many chunk requests one blob's
// swarm schedules in a single poll tick.
const maxBlobRequestsPerBlobPerPoll = 8

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// Poll drives every time-based component the engine doesn't already advance
// purely on node arrival: automatic rekey, per-session heads
// advertisement, periodic reconciliation, blob swarm progress, and PoW
// challenge expiry. It returns the accumulated effects plus a trailing
// EffectScheduleWakeup telling the runtime the earliest time calling Poll
// again could make further progress.
func (e *Engine) Poll(now int64) []Effect {
	e.mu.Lock()
	defer e.mu.Unlock()

	var effects []Effect
	nextWakeup := now + PollFallbackIntervalMs

	for _, conv := range e.conversationsLocked() {
		r := e.ratchetFor(conv)
		if !r.IsEstablished() {
			continue
		}
		if r.ShouldRotate(now, e.cfg.MessagesPerEpoch, e.cfg.EpochDurationMs) {
			ov := newOverlay(e, conv)
			rotateEffects, err := e.rotateConversationKey(ov, conv, now)
			if err != nil {
				e.log.Errorw("poll: automatic rotation failed", "conv", conv, "err", err)
			} else {
				effects = append(effects, rotateEffects...)
			}
		}
		if deadline, ok := r.NextRotationDeadline(e.cfg.EpochDurationMs); ok && deadline < nextWakeup {
			nextWakeup = deadline
		}

		e.gcRatchetKeys(conv)
		e.evictOpaqueNodes(conv)
	}

	for _, s := range e.sessions.All() {
		if !s.Reachable() {
			continue
		}

		if heads, ok := s.AdvertiseHeads(); ok {
			effects = append(effects, sendPacketEffect(s.Peer, s.Conv, wire.ProtocolMessage{Kind: wire.KindSyncHeads, SyncHeads: &heads}))
		}

		if s.ShouldReconcile(now) {
			if msg, ok := e.buildShardChecksums(s.Conv); ok {
				effects = append(effects, sendPacketEffect(s.Peer, s.Conv, wire.ProtocolMessage{Kind: wire.KindSyncShardChecksums, SyncShardChecksums: &msg}))
			}
		}
		if at, ok := s.NextReconciliationAt(); ok && at < nextWakeup {
			nextWakeup = at
		}

		if fetchBatch, ok := s.NextFetchBatch(); ok {
			effects = append(effects, sendPacketEffect(s.Peer, s.Conv, wire.ProtocolMessage{Kind: wire.KindFetchBatchReq, FetchBatchReq: &fetchBatch}))
		}

		for _, h := range s.MissingBlobQueries() {
			effects = append(effects, sendPacketEffect(s.Peer, s.Conv, wire.ProtocolMessage{Kind: wire.KindBlobQuery, BlobQuery: &wire.BlobQueryMessage{Hash: h}}))
		}

		s.ExpireChallenges(now)
		if at, ok := s.NextChallengeExpiry(); ok && at < nextWakeup {
			nextWakeup = at
		}
	}

	effects = append(effects, e.pollBlobSwarms(now)...)
	effects = append(effects, scheduleWakeupEffect(nextWakeup))
	return effects
}

// conversationsLocked lists every conversation this engine currently holds
// ratchet state for. Callers must already hold e.mu.
func (e *Engine) conversationsLocked() []types.ConversationId {
	e.ratchetsMu.Lock()
	defer e.ratchetsMu.Unlock()
	out := make([]types.ConversationId, 0, len(e.ratchets))
	for conv := range e.ratchets {
		out = append(out, conv)
	}
	return out
}

// buildShardChecksums computes the rank-banded checksum list a reconciliation
// round opens with, bounded by the highest rank among the conversation's
// current heads.
func (e *Engine) buildShardChecksums(conv types.ConversationId) (wire.SyncShardChecksumsMessage, bool) {
	heads, err := e.store.GetHeads(conv)
	if err != nil {
		return wire.SyncShardChecksumsMessage{}, false
	}
	var maxRank uint64
	for _, h := range heads {
		n, ok, gerr := e.store.GetNode(conv, h)
		if gerr == nil && ok && n.TopologicalRank > maxRank {
			maxRank = n.TopologicalRank
		}
	}
	epoch := e.ratchetFor(conv).CurrentEpoch()
	shards, err := recon.MakeShardChecksums(e.store, conv, epoch, maxRank)
	if err != nil {
		e.log.Warnw("poll: shard checksum build failed", "conv", conv, "err", err)
		return wire.SyncShardChecksumsMessage{}, false
	}
	return wire.SyncShardChecksumsMessage{ConvId: conv, Shards: shards}, true
}

// pollBlobSwarms drives chunk-request scheduling for every blob this device
// has an open swarm for, rate-limited across the whole swarm per tick.
func (e *Engine) pollBlobSwarms(now int64) []Effect {
	var effects []Effect
	for _, h := range e.swarms.Hashes() {
		info, ok, err := e.store.GetBlobInfo(h)
		if err != nil || !ok {
			continue
		}
		if info.Status == wire.BlobAvailable {
			e.swarms.Forget(h)
			continue
		}
		conv, known := e.blobConvOf(h)
		if !known {
			continue
		}
		if !e.blobLimiter.AllowN(msToTime(now), maxBlobRequestsPerBlobPerPoll) {
			continue
		}
		missing, err := e.blobs.MissingChunks(h)
		if err != nil {
			continue
		}
		sw := e.swarms.Swarm(h, blob.NumChunks(info.Size))
		for idx, seeder := range sw.NextRequests(missing, maxBlobRequestsPerBlobPerPoll, now) {
			effects = append(effects, sendPacketEffect(seeder, conv, wire.ProtocolMessage{
				Kind:    wire.KindBlobReq,
				BlobReq: &wire.BlobReqMessage{Hash: h, Offset: idx * blob.ChunkSize, Length: chunkLength(info.Size, idx)},
			}))
		}
	}
	return effects
}

func chunkLength(size uint64, index uint64) uint64 {
	start := index * blob.ChunkSize
	if start >= size {
		return 0
	}
	if rem := size - start; rem < blob.ChunkSize {
		return rem
	}
	return blob.ChunkSize
}
