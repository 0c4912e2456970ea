package engine

import (
	"fmt"

	"github.com/duskline/convo/blob"
	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/recon"
	"github.com/duskline/convo/session"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// maxPowAttemptsPerSolve bounds how much local CPU one ReconPowChallenge
// response spends searching before giving up; a real deployment would tune
// this against the challenge's difficulty, but a fixed generous ceiling is
// enough for the difficulties this engine ever issues (low teens of
// leading-zero bits).
const maxPowAttemptsPerSolve = 1 << 22

// HandleMessage is the engine's single inbound-datagram entry point: it
// routes a decoded ProtocolMessage to the peer session state
// machine, the reconciliation algorithms, node ingress, or the blob swarm,
// and returns the effects the runtime must apply. Unlike HandleNode and
// AuthorNode, dispatch itself does not hold the engine-wide lock for its
// whole duration — node ingress (the MerkleNode case) and authoring-shaped
// calls take it internally, and every other case only touches the
// independently-locked session/store/swarm state.
func (e *Engine) HandleMessage(peer types.PhysicalDevicePk, conv types.ConversationId, msg wire.ProtocolMessage) ([]Effect, error) {
	sess := e.sessions.Get(peer, conv)

	switch msg.Kind {
	case wire.KindCapsAnnounce, wire.KindCapsAck:
		sess.Promote()
		return nil, nil

	case wire.KindSyncHeads:
		return e.handleSyncHeads(sess, conv, msg.SyncHeads)

	case wire.KindSyncShardChecksums:
		return e.handleSyncShardChecksums(sess, peer, conv, msg.SyncShardChecksums)

	case wire.KindSyncSketch:
		return e.handleSyncSketch(sess, peer, conv, msg.SyncSketch)

	case wire.KindSyncReconFail:
		return e.handleSyncReconFail(sess, conv, msg.SyncReconFail)

	case wire.KindReconPowChallenge:
		return e.handleReconPowChallenge(peer, conv, msg.ReconPowChallenge)

	case wire.KindReconPowSolution:
		return e.handleReconPowSolution(sess, peer, conv, msg.ReconPowSolution)

	case wire.KindFetchBatchReq:
		return e.handleFetchBatchReq(peer, conv, msg.FetchBatchReq)

	case wire.KindMerkleNode:
		return e.handleMerkleNode(conv, msg.MerkleNode)

	case wire.KindBlobQuery:
		return e.handleBlobQuery(peer, conv, msg.BlobQuery)

	case wire.KindBlobAvail:
		return e.handleBlobAvail(sess, conv, msg.BlobAvail)

	case wire.KindBlobReq:
		return e.handleBlobReq(peer, conv, msg.BlobReq)

	case wire.KindBlobData:
		return e.handleBlobData(sess, peer, conv, msg.BlobData)

	default:
		return nil, fmt.Errorf("engine: HandleMessage: unknown message kind %d", msg.Kind)
	}
}

// handleSyncHeads folds a peer's advertised heads into the session's
// missing-node queue; Poll's NextFetchBatch drains the result.
func (e *Engine) handleSyncHeads(sess *session.Session, conv types.ConversationId, msg *wire.SyncHeadsMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleSyncHeads: nil payload")
	}
	sess.HandleSyncHeads(*msg, func(h types.NodeHash) bool {
		_, ok, err := e.store.GetNode(conv, h)
		return err == nil && ok
	})
	sess.MarkReconDirty()
	return nil, nil
}

// handleSyncShardChecksums answers a peer's shard-checksum round: it
// builds our own shards over the same (epoch, band) partition, compares,
// and sends back a SyncSketch for each range that diverged, at whatever
// tier a prior SyncReconFail for that range last escalated to.
func (e *Engine) handleSyncShardChecksums(sess *session.Session, peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.SyncShardChecksumsMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleSyncShardChecksums: nil payload")
	}
	sess.Promote()

	local, err := e.localShardChecksums(conv, msg.Shards)
	if err != nil {
		return nil, err
	}
	diverged := recon.HandleShardChecksums(local, msg.Shards)

	var effects []Effect
	for _, r := range diverged {
		tier := e.reconTierFor(conv, r)
		sketch, serr := recon.MakeSketch(e.store, conv, r, tier)
		if serr != nil {
			e.log.Warnw("handleSyncShardChecksums: MakeSketch failed", "conv", conv, "range", r, "err", serr)
			continue
		}
		effects = append(effects, sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindSyncSketch, SyncSketch: &sketch}))
	}
	return effects, nil
}

// localShardChecksums computes our own shard checksums over every (epoch,
// range) the peer named, grouped by epoch so a conversation spanning
// multiple live epochs is compared correctly.
func (e *Engine) localShardChecksums(conv types.ConversationId, remote []wire.Shard) ([]wire.Shard, error) {
	maxRankByEpoch := make(map[types.Epoch]uint64)
	for _, s := range remote {
		if s.MaxRank > maxRankByEpoch[s.Epoch] {
			maxRankByEpoch[s.Epoch] = s.MaxRank
		}
	}
	var out []wire.Shard
	for epoch, maxRank := range maxRankByEpoch {
		shards, err := recon.MakeShardChecksums(e.store, conv, epoch, maxRank)
		if err != nil {
			return nil, err
		}
		out = append(out, shards...)
	}
	return out, nil
}

// handleSyncSketch either decodes a PoW-exempt Small sketch immediately or,
// for Medium/Large tiers, holds it under a fresh challenge nonce until the
// peer solves it.
func (e *Engine) handleSyncSketch(sess *session.Session, peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.SyncSketchMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleSyncSketch: nil payload")
	}
	sess.Promote()

	tier := tierForCellCount(len(msg.Cells))
	if tier.RequiresPoW() {
		nonce, err := recon.NewChallengeNonce()
		if err != nil {
			return nil, fmt.Errorf("engine: handleSyncSketch: %w", err)
		}
		difficulty := sess.Difficulty()
		sess.IssueChallenge(nonce, difficulty, *msg, e.now())
		challenge := wire.ReconPowChallengeMessage{ConvId: conv, Nonce: nonce, Difficulty: difficulty}
		return []Effect{sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindReconPowChallenge, ReconPowChallenge: &challenge})}, nil
	}

	return e.decodeAndRespondToSketch(sess, peer, conv, *msg)
}

// decodeAndRespondToSketch runs the actual IBLT decode (PoW already cleared
// or never required) and acts on the outcome: locally-missing hashes join
// the fetch queue, remotely-missing ones are served back immediately, and a
// failed decode tells the peer to escalate tier on its next attempt.
func (e *Engine) decodeAndRespondToSketch(sess *session.Session, peer types.PhysicalDevicePk, conv types.ConversationId, sketch wire.SyncSketchMessage) ([]Effect, error) {
	outcome, err := recon.HandleSketch(e.store, conv, sketch)
	if err != nil {
		return nil, err
	}
	if outcome.Kind == recon.DecodeFailed {
		e.escalateReconTier(conv, sketch.Range)
		fail := wire.SyncReconFailMessage{ConvId: conv, Range: sketch.Range}
		return []Effect{sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindSyncReconFail, SyncReconFail: &fail})}, nil
	}

	missingRemotely := sess.ApplyDecodeOutcome(outcome)
	var effects []Effect
	for _, h := range missingRemotely {
		if eff, ok := e.sendNodeEffect(peer, conv, h); ok {
			effects = append(effects, eff)
		}
	}
	return effects, nil
}

// sendNodeEffect packs (or reuses a stored pack of) the node at hash and
// returns a MerkleNode SendPacket effect for it, or ok=false if we don't
// actually have the node or lack the key material to seal it.
func (e *Engine) sendNodeEffect(peer types.PhysicalDevicePk, conv types.ConversationId, hash types.NodeHash) (Effect, bool) {
	if wm, ok, err := e.store.GetWireNode(conv, hash); err == nil && ok {
		return sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindMerkleNode, MerkleNode: wm}), true
	}
	node, ok, err := e.store.GetNode(conv, hash)
	if err != nil || !ok {
		return Effect{}, false
	}
	epoch := node.SequenceNumber.Epoch()
	r := e.ratchetFor(conv)
	keys, ok := r.GetKeys(epoch)
	if !ok {
		return Effect{}, false
	}
	wn, err := dagnode.PackWire(node, keys.EncKey[:], false)
	if err != nil {
		e.log.Warnw("sendNodeEffect: PackWire failed", "conv", conv, "hash", hash, "err", err)
		return Effect{}, false
	}
	msg := wire.MerkleNodeMessage{ConvId: conv, Hash: hash, Node: *wn}
	return sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindMerkleNode, MerkleNode: &msg}), true
}

// handleSyncReconFail records that the peer failed to decode the sketch we
// last sent for this range, so the next sketch we build for it escalates a
// tier instead of repeating the same doomed attempt.
func (e *Engine) handleSyncReconFail(sess *session.Session, conv types.ConversationId, msg *wire.SyncReconFailMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleSyncReconFail: nil payload")
	}
	e.escalateReconTier(conv, msg.Range)
	sess.MarkReconDirty()
	return nil, nil
}

// handleReconPowChallenge is the solver side: it searches for a solution
// and, if found within budget, sends it back.
func (e *Engine) handleReconPowChallenge(peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.ReconPowChallengeMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleReconPowChallenge: nil payload")
	}
	solution, ok := recon.SolvePoW(msg.Nonce, msg.Difficulty, maxPowAttemptsPerSolve)
	if !ok {
		e.log.Debugw("handleReconPowChallenge: no solution within budget", "conv", conv, "difficulty", msg.Difficulty)
		return nil, nil
	}
	out := wire.ReconPowSolutionMessage{ConvId: conv, Nonce: msg.Nonce, Solution: solution}
	return []Effect{sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindReconPowSolution, ReconPowSolution: &out})}, nil
}

// handleReconPowSolution validates a solved challenge against the sketch we
// held for it and, if it checks out, decodes that sketch exactly as the
// PoW-exempt path would have.
func (e *Engine) handleReconPowSolution(sess *session.Session, peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.ReconPowSolutionMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleReconPowSolution: nil payload")
	}
	sketch, ok := sess.SolveChallenge(msg.Nonce, msg.Solution, e.now(), recon.VerifyPoW)
	if !ok {
		return nil, nil
	}
	return e.decodeAndRespondToSketch(sess, peer, conv, sketch)
}

// handleFetchBatchReq answers with one MerkleNode message per hash we can
// produce a sealed wire form for; hashes we don't have or can't currently
// seal are silently skipped (the requester's session keeps them queued and
// retries on the next poll).
func (e *Engine) handleFetchBatchReq(peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.FetchBatchReqMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleFetchBatchReq: nil payload")
	}
	var effects []Effect
	for _, h := range msg.Hashes {
		if eff, ok := e.sendNodeEffect(peer, conv, h); ok {
			effects = append(effects, eff)
		}
	}
	return effects, nil
}

// handleMerkleNode unpacks an inbound wire node against every epoch key
// this conversation currently holds and, on success, feeds it through the
// same ingress pipeline HandleNode exposes to local authoring. A node we
// can't yet decrypt is filed in the opaque store for reverifyOpaqueNodes to
// retry once a KeyWrap or RatchetSnapshot supplies the missing key.
func (e *Engine) handleMerkleNode(conv types.ConversationId, msg *wire.MerkleNodeMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleMerkleNode: nil payload")
	}

	// The bytes arrived; no session needs to keep fetching this hash,
	// whatever the verification outcome turns out to be.
	for _, s := range e.sessions.ForConversation(conv) {
		s.ResolveMissing(msg.Hash)
	}

	r := e.ratchetFor(conv)
	node, decoded := decodeOpaque(&msg.Node, r.Epochs(), r)
	if !decoded {
		if err := e.store.PutWireNode(conv, msg.Hash, msg.Node); err != nil {
			return nil, fmt.Errorf("engine: handleMerkleNode: PutWireNode: %w", err)
		}
		return []Effect{Effect{Kind: EffectWriteWireNode, WriteWireNode: &WriteWireNodeEffect{Conv: conv, Hash: msg.Hash, Node: msg.Node}}}, nil
	}

	if got := dagnode.Hash(node, conv); got != msg.Hash {
		return nil, fmt.Errorf("engine: handleMerkleNode: hash mismatch: got %s, claimed %s", got, msg.Hash)
	}
	return e.HandleNode(conv, node)
}

// handleBlobQuery answers with BlobAvail iff we have the blob locally.
func (e *Engine) handleBlobQuery(peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.BlobQueryMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleBlobQuery: nil payload")
	}
	info, ok, err := e.store.GetBlobInfo(msg.Hash)
	if err != nil || !ok || info.Status != wire.BlobAvailable {
		return nil, nil
	}
	avail := wire.BlobAvailMessage{Info: info}
	return []Effect{sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindBlobAvail, BlobAvail: &avail})}, nil
}

// handleBlobAvail records the sender as a seeder for the advertised blob so
// Poll's swarm scheduler can route chunk requests to it.
func (e *Engine) handleBlobAvail(sess *session.Session, conv types.ConversationId, msg *wire.BlobAvailMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleBlobAvail: nil payload")
	}
	e.blobConvMu.Lock()
	if _, known := e.blobConv[msg.Info.Hash]; !known {
		e.blobConv[msg.Info.Hash] = conv
	}
	e.blobConvMu.Unlock()

	if _, ok, err := e.store.GetBlobInfo(msg.Info.Hash); err != nil || !ok {
		_ = e.blobs.StartBlob(msg.Info.Hash, msg.Info.Size, msg.Info.BaoRoot)
	}
	e.swarms.Swarm(msg.Info.Hash, blob.NumChunks(msg.Info.Size)).AddSeeder(sess.Peer)
	sess.MarkReconDirty()
	return nil, nil
}

// handleBlobReq answers with the requested chunk and its inclusion proof,
// silently declining if we don't have that range.
func (e *Engine) handleBlobReq(peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.BlobReqMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleBlobReq: nil payload")
	}
	data, proofBytes, err := e.store.GetChunkWithProof(msg.Hash, msg.Offset, msg.Length)
	if err != nil {
		return nil, nil
	}
	out := wire.BlobDataMessage{Hash: msg.Hash, Offset: msg.Offset, Data: data, Proof: proofBytes}
	return []Effect{sendPacketEffect(peer, conv, wire.ProtocolMessage{Kind: wire.KindBlobData, BlobData: &out})}, nil
}

// handleBlobData verifies and stores one chunk of an in-flight blob
// download, demoting the sender from the swarm on a proof failure and
// emitting BlobAvailable once the last chunk completes the blob.
func (e *Engine) handleBlobData(sess *session.Session, peer types.PhysicalDevicePk, conv types.ConversationId, msg *wire.BlobDataMessage) ([]Effect, error) {
	if msg == nil {
		return nil, fmt.Errorf("engine: handleBlobData: nil payload")
	}
	info, ok, err := e.store.GetBlobInfo(msg.Hash)
	if err != nil || !ok {
		return nil, nil
	}
	index := msg.Offset / blob.ChunkSize
	proof := blob.DecodeProof(msg.Proof)
	sw := e.swarms.Swarm(msg.Hash, blob.NumChunks(info.Size))
	if !sw.OnChunkReceived(index, msg.Data, proof, info.BaoRoot, peer) {
		return nil, nil
	}

	complete, verified, err := e.blobs.PutChunk(conv, msg.Hash, index, msg.Data, proof)
	if err != nil || !verified {
		return nil, nil
	}
	effects := []Effect{Effect{
		Kind: EffectWriteChunk,
		WriteChunk: &WriteChunkEffect{Conv: conv, Hash: msg.Hash, Offset: msg.Offset, Data: msg.Data, Proof: msg.Proof},
	}}
	if complete {
		e.swarms.Forget(msg.Hash)
		effects = append(effects, emitEvent(Event{Kind: EventBlobAvailable, Conv: conv, Hash: msg.Hash, Sender: peer}))
	}
	_ = sess
	return effects, nil
}

func tierForCellCount(n int) recon.Tier {
	switch {
	case n <= recon.SmallCells:
		return recon.TierSmall
	case n <= recon.MediumCells:
		return recon.TierMedium
	default:
		return recon.TierLarge
	}
}

// reconTierFor and escalateReconTier remember, per (conversation, range),
// the tier the next sketch we build for a divergence should use: a
// SyncReconFail bumps the stored tier so a repeat attempt doesn't redo the
// same doomed decode.
func (e *Engine) reconTierFor(conv types.ConversationId, r wire.SyncRange) recon.Tier {
	e.reconTierMu.Lock()
	defer e.reconTierMu.Unlock()
	if byRange, ok := e.reconTier[conv]; ok {
		if tier, ok := byRange[r]; ok {
			return tier
		}
	}
	return recon.TierSmall
}

func (e *Engine) escalateReconTier(conv types.ConversationId, r wire.SyncRange) {
	e.reconTierMu.Lock()
	defer e.reconTierMu.Unlock()
	byRange, ok := e.reconTier[conv]
	if !ok {
		byRange = make(map[wire.SyncRange]recon.Tier)
		e.reconTier[conv] = byRange
	}
	byRange[r] = byRange[r].Escalate()
}
