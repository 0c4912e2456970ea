package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/types"
)

// nowRank stands in for "at the current DAG frontier" when a freshly
// authored node needs to ask the identity manager whether its own sender is
// authorized: there is no topological rank yet since the node doesn't exist,
// and any already-granted authorization is by definition valid at the tip.
const nowRank = ^uint64(0)

// AuthorNode builds, authenticates, and locally commits a new node carrying
// content on behalf of this device. It runs the same
// permission check HandleNode would apply to an incoming node, triggers an
// epoch rotation first if the conversation's rotation budget (message count
// or epoch age) has been exceeded, and returns both the produced node's hash
// and the effects the runtime must apply (store write, heads update, and any
// rotation side effects that preceded it).
func (e *Engine) AuthorNode(conv types.ConversationId, content dagnode.Content, metadata []byte) ([]Effect, types.NodeHash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ov := newOverlay(e, conv)
	now := e.now()

	var effects []Effect
	if r := e.ratchetFor(conv); r.IsEstablished() && r.ShouldRotate(now, e.cfg.MessagesPerEpoch, e.cfg.EpochDurationMs) {
		rotateEffects, err := e.rotateConversationKey(ov, conv, now)
		if err != nil {
			return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorNode: rotate: %w", err)
		}
		effects = append(effects, rotateEffects...)
	}

	nodeEffects, hash, err := e.authorLocked(ov, conv, content, metadata, now)
	if err != nil {
		return nil, types.NodeHash{}, err
	}
	effects = append(effects, nodeEffects...)
	return effects, hash, nil
}

// authorLocked does the actual build-sign-commit work, assuming e.mu is
// already held and ov already reflects every effect authored so far in this
// call (including a preceding rotation's Rekey/KeyWrap nodes).
func (e *Engine) authorLocked(ov *overlay, conv types.ConversationId, content dagnode.Content, metadata []byte, now int64) ([]Effect, types.NodeHash, error) {
	isBootstrap := content.IsBootstrap()
	nodeType := dagnode.TypeOf(content)

	parents := e.selectParents(ov, content, isBootstrap, nodeType)
	parentRanks := make([]uint64, 0, len(parents))
	for _, p := range parents {
		if rank, ok := ov.RankOf(p); ok {
			parentRanks = append(parentRanks, rank)
		}
	}
	rank := dagnode.ExpectedRank(parentRanks)

	if !isBootstrap {
		hasRecord := e.identity.HasAuthorizationRecord(conv, e.self.DevicePk)
		authorized := e.identity.IsAuthorized(conv, e.self.DevicePk, e.self.LogicalPk, now, rank)
		if authorized || hasRecord {
			required := dagnode.RequiredPermission(content)
			if required != dagnode.PermNone {
				perms, _ := e.identity.GetPermissions(conv, e.self.DevicePk, e.self.LogicalPk, now, rank)
				if !perms.Contains(required) {
					return nil, types.NodeHash{}, &PermissionDeniedError{Sender: e.self.DevicePk, Required: required, Actual: perms}
				}
			}
		}
	}

	seq := e.nextSequenceNumber(ov, conv)

	node := &dagnode.MerkleNode{
		Parents:          parents,
		AuthorPk:         e.self.LogicalPk,
		SenderPk:         e.self.DevicePk,
		SequenceNumber:   seq,
		TopologicalRank:  rank,
		NetworkTimestamp: now,
		Content:          content,
		Metadata:         metadata,
	}

	var chain ratchet.ChainKey
	var chainEpoch types.Epoch
	var haveChain bool
	authData := dagnode.SerializeForAuth(node, conv)
	switch nodeType {
	case dagnode.TypeAdmin:
		sig := ed25519.Sign(e.self.DeviceSk, authData)
		var out types.Signature
		copy(out[:], sig)
		node.Authentication = dagnode.Authentication{Kind: dagnode.AuthSignature, Signature: out}
	default:
		r := e.ratchetFor(conv)
		ck, keys, ok := r.PeekKeys(e.self.DevicePk, seq)
		if !ok {
			return nil, types.NodeHash{}, fmt.Errorf("engine: authorLocked: no ratchet key for epoch %d", seq.Epoch())
		}
		mac := ratchet.CalculateMac(keys, authData)
		node.Authentication = dagnode.Authentication{Kind: dagnode.AuthMac, Mac: mac}
		chain, chainEpoch, haveChain = ck, seq.Epoch(), true
	}

	hash := dagnode.Hash(node, conv)
	if haveChain {
		e.ratchetFor(conv).CommitNodeKey(hash, chain, chainEpoch)
		e.ratchetFor(conv).IncrementMessageCount()
	}

	ov.putNode(hash, node, true)
	var effects []Effect
	effects = append(effects, writeStoreEffect(conv, node, hash, true))
	effects = append(effects, e.updateHeadsEffects(ov, conv, node, hash)...)
	e.registerBlobReference(conv, node.Content)
	if haveChain {
		effects = append(effects, writeRatchetKeyEffect(conv, hash, chain, chainEpoch))
	}

	keyEffects, kerr := e.applyBootstrapKeyMaterial(conv, node, hash)
	if kerr != nil {
		e.log.Warnw("authored bootstrap key material failed to self-apply", "conv", conv, "hash", hash, "err", kerr)
	} else {
		effects = append(effects, keyEffects...)
	}

	if ierr := e.applyIdentityMutation(conv, node); ierr != nil {
		e.log.Warnw("apply_identity_mutation failed for self-authored node", "conv", conv, "hash", hash, "err", ierr)
	}
	if isIdentityAffecting(content) {
		invalidated, rerr := e.revalidateAllVerifiedNodes(ov, conv)
		if rerr != nil {
			e.log.Errorw("revalidate_all_verified_nodes failed after self-authored node", "conv", conv, "err", rerr)
		}
		effects = append(effects, invalidated...)
	}

	e.sessions.SetLocalHeadsForConversation(conv, mergeHeads(ov.getHeads(false), ov.getHeads(true)))

	effects = append(effects, emitEvent(Event{Kind: EventNodeVerified, Conv: conv, Hash: hash, Sender: e.self.DevicePk}))
	return effects, hash, nil
}

// selectParents picks the head set a newly authored node names as its
// parents: bootstrap content (Genesis, AuthorizeDevice, KeyWrap,
// RatchetSnapshot) bridges both branches of the DAG and so merges admin and
// content heads; a pure control action only advances the admin branch; any
// other content only advances the content branch.
func (e *Engine) selectParents(ov *overlay, content dagnode.Content, isBootstrap bool, nodeType dagnode.NodeType) []types.NodeHash {
	var merged []types.NodeHash
	switch {
	case isBootstrap:
		merged = append(merged, ov.getHeads(true)...)
		merged = append(merged, ov.getHeads(false)...)
	case nodeType == dagnode.TypeAdmin:
		merged = append(merged, ov.getHeads(true)...)
	default:
		merged = append(merged, ov.getHeads(false)...)
	}

	seen := make(map[types.NodeHash]bool, len(merged))
	out := make([]types.NodeHash, 0, len(merged))
	for _, h := range merged {
		if seen[h] || !ov.IsVerified(h) {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// nextSequenceNumber packs the conversation's current ratchet epoch with
// this device's next per-epoch counter: zero if this is the first node this
// device has authored in that epoch, or one past its last if not.
func (e *Engine) nextSequenceNumber(ov *overlay, conv types.ConversationId) types.SequenceNumber {
	epoch := e.ratchetFor(conv).CurrentEpoch()
	last, ok := ov.LastSequence(e.self.DevicePk, epoch)
	if !ok || last.Epoch() != epoch {
		return types.NewSequenceNumber(epoch, 0)
	}
	return types.NewSequenceNumber(epoch, last.Counter()+1)
}

// rotateConversationKey generates a fresh epoch root key, authors the Rekey
// control node announcing it and the KeyWrap node sealing it for every
// currently active device, and reports the rotation via a RatchetAdvanced
// event.
func (e *Engine) rotateConversationKey(ov *overlay, conv types.ConversationId, now int64) ([]Effect, error) {
	r := e.ratchetFor(conv)

	var newRoot [32]byte
	if _, err := rand.Read(newRoot[:]); err != nil {
		return nil, fmt.Errorf("rotateConversationKey: %w", err)
	}
	oldEpoch, newEpoch, hadOld := r.Rotate(newRoot, now)

	ephSk, ephPk, err := ratchet.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("rotateConversationKey: %w", err)
	}

	devices := e.identity.ListActiveAuthorizedDevices(conv, now, nowRank)
	wraps := make([]dagnode.WrappedKey, 0, len(devices))
	for _, d := range devices {
		dh, known := e.lookupDeviceDh(d)
		if !known {
			e.log.Debugw("rotateConversationKey: no DH key on file, skipping recipient", "conv", conv, "device", d)
			continue
		}
		sealed, werr := ratchet.WrapSecretEphemeral(ephSk, dh, newRoot)
		if werr != nil {
			return nil, fmt.Errorf("rotateConversationKey: wrap for %s: %w", d, werr)
		}
		wraps = append(wraps, dagnode.WrappedKey{Recipient: d, SealedKey: sealed})
	}

	var effects []Effect
	effects = append(effects, writeConversationKeyEffect(conv, newEpoch, newRoot))

	rekeyEffects, _, err := e.authorLocked(ov, conv, dagnode.Content{
		Kind: dagnode.KindControl,
		Control: &dagnode.ControlAction{
			Kind:  dagnode.CtlRekey,
			Rekey: &dagnode.RekeyAction{NewEpoch: newEpoch},
		},
	}, nil, now)
	if err != nil {
		return nil, fmt.Errorf("rotateConversationKey: author rekey: %w", err)
	}
	effects = append(effects, rekeyEffects...)

	kwEffects, _, err := e.authorLocked(ov, conv, dagnode.Content{
		Kind: dagnode.KindKeyWrap,
		KeyWrap: &dagnode.KeyWrapContent{
			Epoch:       newEpoch,
			Wraps:       wraps,
			EphemeralPk: &ephPk,
		},
	}, nil, now)
	if err != nil {
		return nil, fmt.Errorf("rotateConversationKey: author keywrap: %w", err)
	}
	effects = append(effects, kwEffects...)

	if hadOld {
		e.log.Infow("rotated conversation key", "conv", conv, "old_epoch", oldEpoch, "new_epoch", newEpoch)
	}
	effects = append(effects, emitEvent(Event{Kind: EventRatchetAdvanced, Conv: conv, Sender: e.self.DevicePk}))
	return effects, nil
}

// AuthorX3DHKeyExchange bootstraps a brand-new device into a conversation it
// has no prior key material for: it runs the X3DH initiator side against the
// peer's published pre-key bundle and authors a KeyWrap sealing the current
// epoch root key under the resulting one-time secret. When the peer's
// signed pre-key is its last-resort
// key rather than a rotating one-time pre-key, callers should prefer a
// HandshakePulse control node instead so the last-resort secret isn't spent
// on an ordinary rekey.
func (e *Engine) AuthorX3DHKeyExchange(conv types.ConversationId, peer types.PhysicalDevicePk, peerDh types.PhysicalDeviceDhPk, peerSignedPreKey types.EphemeralX25519Pk, peerOneTimePreKey *types.EphemeralX25519Pk) ([]Effect, types.NodeHash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	r := e.ratchetFor(conv)
	if !r.IsEstablished() {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorX3DHKeyExchange: conversation has no established epoch")
	}
	epoch := r.CurrentEpoch()
	root, ok := r.RootKey(epoch)
	if !ok {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorX3DHKeyExchange: missing root key for current epoch")
	}

	ephSk, ephPk, err := ratchet.GenerateEphemeral()
	if err != nil {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorX3DHKeyExchange: %w", err)
	}
	shared, err := ratchet.X3DHInitiator(e.self.DhSk, ephSk, peerDh, peerSignedPreKey, peerOneTimePreKey)
	if err != nil {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorX3DHKeyExchange: %w", err)
	}
	sealed, err := ratchet.WrapSecretOnce(shared, root)
	if err != nil {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorX3DHKeyExchange: %w", err)
	}

	kw := dagnode.KeyWrapContent{
		Epoch:       epoch,
		Wraps:       []dagnode.WrappedKey{{Recipient: peer, SealedKey: sealed}},
		EphemeralPk: &ephPk,
	}
	if peerOneTimePreKey != nil {
		kw.PreKeyPk = peerOneTimePreKey
	}

	ov := newOverlay(e, conv)
	effects, hash, err := e.authorLocked(ov, conv, dagnode.Content{Kind: dagnode.KindKeyWrap, KeyWrap: &kw}, nil, now)
	if err != nil {
		return nil, types.NodeHash{}, err
	}
	return effects, hash, nil
}

// AuthorRatchetSnapshot lets this device hand another device of its own
// logical identity the exact chain key that will authenticate this very
// snapshot node, sealed with the static self-recovery wrap rather than a
// pre-key exchange, for the case where a new personal device has no pre-key
// bundle for this conversation yet to X3DH against. The recipient commits
// the unwrapped chain key
// against this node's hash exactly as applyRatchetSnapshot does on ingress,
// letting it verify this one node without the conversation's epoch root.
func (e *Engine) AuthorRatchetSnapshot(conv types.ConversationId, targetDevice types.PhysicalDevicePk, targetDh types.PhysicalDeviceDhPk) ([]Effect, types.NodeHash, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	r := e.ratchetFor(conv)
	if !r.IsEstablished() {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorRatchetSnapshot: conversation has no established epoch")
	}
	epoch := r.CurrentEpoch()
	root, ok := r.RootKey(epoch)
	if !ok {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorRatchetSnapshot: missing root key for current epoch")
	}

	ov := newOverlay(e, conv)
	seq := e.nextSequenceNumber(ov, conv)
	chain := ratchet.DeriveChainKey(root, e.self.DevicePk, seq.Counter())

	sealed, err := ratchet.WrapSecretStatic(e.self.DhSk, targetDh, epoch, [32]byte(chain))
	if err != nil {
		return nil, types.NodeHash{}, fmt.Errorf("engine: AuthorRatchetSnapshot: %w", err)
	}

	snap := dagnode.RatchetSnapshotContent{
		Epoch:          epoch,
		EncryptedWraps: []dagnode.WrappedKey{{Recipient: targetDevice, SealedKey: sealed}},
	}

	effects, hash, err := e.authorLocked(ov, conv, dagnode.Content{Kind: dagnode.KindRatchetSnapshot, RatchetSnapshot: &snap}, nil, now)
	if err != nil {
		return nil, types.NodeHash{}, err
	}
	return effects, hash, nil
}
