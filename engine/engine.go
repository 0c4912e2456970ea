// Package engine implements the conversation engine: node ingress and
// verification, identity-triggered retroactive revalidation, speculative and
// opaque node reverification, and the poll-driven session/swarm scheduler.
// Every public entry point returns a batch of Effects instead of mutating
// the world directly; the runtime applies them in order.
package engine

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/duskline/convo/blob"
	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/identity"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/recon"
	"github.com/duskline/convo/session"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// Config bounds the engine's admission-control limits and rotation
// schedule: a plain struct with a defaults constructor, no flag or env
// binding.
type Config struct {
	MaxSpeculativePerConversation int
	MaxVerifiedPerDevicePerEpoch  int
	VouchThreshold                int
	MessagesPerEpoch              uint32
	EpochDurationMs               int64
	MaxClockSkewAheadMs           int64
	OpaqueStoreByteBudget         int64
}

// DefaultConfig returns the protocol's standing limits (5000 messages per
// epoch, 7-day epochs, a vouch threshold of one) plus reasonable
// admission-control defaults.
func DefaultConfig() Config {
	return Config{
		MaxSpeculativePerConversation: 4096,
		MaxVerifiedPerDevicePerEpoch:  1 << 20,
		VouchThreshold:                1,
		MessagesPerEpoch:              5000,
		EpochDurationMs:               7 * 24 * 60 * 60 * 1000,
		MaxClockSkewAheadMs:           10 * 60 * 1000,
		OpaqueStoreByteBudget:         64 << 20,
	}
}

func (c Config) limits() dagnode.Limits {
	return dagnode.Limits{
		MaxSpeculativePerConversation: c.MaxSpeculativePerConversation,
		MaxVerifiedPerDevicePerEpoch:  c.MaxVerifiedPerDevicePerEpoch,
	}
}

// Identity is the local device's key material: the Ed25519 signing key used
// to author Admin nodes and verify other devices' own self-signatures, and
// the X25519 static DH key used to unwrap per-recipient KeyWrap/Snapshot
// entries addressed to this device.
type Identity struct {
	LogicalPk  types.LogicalIdentityPk
	DevicePk   types.PhysicalDevicePk
	DeviceSk   ed25519.PrivateKey
	DhSk       types.PhysicalDeviceDhSk
	DhPk       types.PhysicalDeviceDhPk
}

// Engine is the conversation engine: its entry points return the Effects
// the runtime must apply. HandleNode, AuthorNode, AuthorX3DHKeyExchange,
// AuthorRatchetSnapshot and Poll hold mu for their whole call; the other
// public methods, HandleMessage among them, do not take mu and rely on the
// finer-grained locks below and the store's own locking. There is no
// blocking I/O inside the engine; network and disk access happen only once an Effect is applied.
type Engine struct {
	mu sync.Mutex

	log *zap.SugaredLogger
	cfg Config
	now func() int64

	store    store.Store
	identity *identity.Manager
	sessions *session.Manager
	swarms   *blob.Manager
	blobs    *blob.Tracker

	self Identity

	ratchetsMu sync.Mutex
	ratchets   map[types.ConversationId]*ratchet.Manager

	// deviceDh is a directory of other devices' static DH public keys,
	// populated out-of-band (e.g. from a directory service or a prior
	// Announcement) since the wire variants don't carry a device's
	// static DH key directly, only its ephemeral X3DH pre-keys.
	deviceDhMu sync.Mutex
	deviceDh   map[types.PhysicalDevicePk]types.PhysicalDeviceDhPk

	// preKeys holds this device's own unconsumed one-time X3DH pre-key
	// secrets, keyed by public key, removed the first time one is consumed
	// by UnpackKeyWrap (X3DH recipient path).
	preKeysMu sync.Mutex
	preKeys   map[types.EphemeralX25519Pk]types.EphemeralX25519Sk

	vouchMu sync.Mutex
	vouches map[types.ConversationId]map[types.NodeHash]map[types.PhysicalDevicePk]bool

	// blobConv remembers which conversation a blob hash was first referenced
	// from, needed because the wire BlobReq/BlobData variants are
	// content-addressed and carry no conversation id of their own.
	blobConvMu sync.Mutex
	blobConv   map[types.NodeHash]types.ConversationId

	// blobLimiter paces how many chunk-request effects Poll emits per tick
	// across the whole swarm, independent of how many blobs are in flight.
	blobLimiter *rate.Limiter

	// reconTier remembers, per (conversation, range), the IBLT tier the
	// next sketch built for that range should use: a SyncReconFail bumps it
	// so a repeat divergence doesn't redo the same doomed decode.
	reconTierMu sync.Mutex
	reconTier   map[types.ConversationId]map[wire.SyncRange]recon.Tier
}

// New constructs an Engine for one local device identity, backed by st and
// identityMgr (shared across every conversation this device participates
// in). now supplies the engine's notion of wall-clock time; pass a
// ManualTimeProvider-style closure in simulation, time.Now in production.
func New(log *zap.Logger, cfg Config, st store.Store, identityMgr *identity.Manager, self Identity, now func() int64) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:      log.Sugar(),
		cfg:      cfg,
		now:      now,
		store:    st,
		identity: identityMgr,
		sessions: session.NewManager(),
		swarms:   blob.NewManager(),
		blobs:    blob.NewTracker(st),
		self:     self,
		ratchets: make(map[types.ConversationId]*ratchet.Manager),
		deviceDh: make(map[types.PhysicalDevicePk]types.PhysicalDeviceDhPk),
		preKeys:  make(map[types.EphemeralX25519Pk]types.EphemeralX25519Sk),
		vouches:  make(map[types.ConversationId]map[types.NodeHash]map[types.PhysicalDevicePk]bool),
		blobConv: make(map[types.NodeHash]types.ConversationId),
		reconTier: make(map[types.ConversationId]map[wire.SyncRange]recon.Tier),
		// blobRequestBurst bounds chunk-request fan-out to roughly
		// one poll tick's worth of requests at a time; Poll's own cadence,
		// not this limiter, is what paces ticks.
		blobLimiter: rate.NewLimiter(rate.Limit(blobRequestsPerSecond), blobRequestBurst),
	}
}

const (
	blobRequestsPerSecond = 32
	blobRequestBurst      = 64
)

// Sessions exposes the peer-session manager so runtime glue can register
// transports and drive Poll's effects.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Swarms exposes the blob swarm manager for the same reason.
func (e *Engine) Swarms() *blob.Manager { return e.swarms }

// LocalHeads returns the current DAG tips for conv, merging the content and
// admin branches (heads exchange advertises the full frontier,
// not just the content branch a bootstrap node would otherwise need to
// bridge before an admin-only node is ever reachable).
func (e *Engine) LocalHeads(conv types.ConversationId) []types.NodeHash {
	content, _ := e.store.GetHeads(conv)
	admin, _ := e.store.GetAdminHeads(conv)
	return mergeHeads(content, admin)
}

func mergeHeads(a, b []types.NodeHash) []types.NodeHash {
	seen := make(map[types.NodeHash]bool, len(a)+len(b))
	out := make([]types.NodeHash, 0, len(a)+len(b))
	for _, h := range a {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, h := range b {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// StartSync (re)starts the session this device keeps for peer on conv,
// seeding its advertised heads from the store so the very first
// AdvertiseHeads after a fresh session (first contact, or a partition
// healing) carries the real frontier instead of an empty list.
func (e *Engine) StartSync(conv types.ConversationId, peer types.PhysicalDevicePk) {
	sess := e.sessions.Get(peer, conv)
	sess.SetLocalHeads(e.LocalHeads(conv))
	sess.StartSync()
}

// RegisterDeviceDhKey records peer's static DH public key, learned
// out-of-band, so future KeyWrap rotations addressed to it can be wrapped.
func (e *Engine) RegisterDeviceDhKey(peer types.PhysicalDevicePk, dh types.PhysicalDeviceDhPk) {
	e.deviceDhMu.Lock()
	defer e.deviceDhMu.Unlock()
	e.deviceDh[peer] = dh
}

func (e *Engine) lookupDeviceDh(peer types.PhysicalDevicePk) (types.PhysicalDeviceDhPk, bool) {
	e.deviceDhMu.Lock()
	defer e.deviceDhMu.Unlock()
	dh, ok := e.deviceDh[peer]
	return dh, ok
}

// RegisterOneTimePreKey adds an unconsumed X3DH one-time pre-key secret this
// device is prepared to have an initiator consume.
func (e *Engine) RegisterOneTimePreKey(sk types.EphemeralX25519Sk, pk types.EphemeralX25519Pk) {
	e.preKeysMu.Lock()
	defer e.preKeysMu.Unlock()
	e.preKeys[pk] = sk
}

func (e *Engine) consumePreKey(pk types.EphemeralX25519Pk) (types.EphemeralX25519Sk, bool) {
	e.preKeysMu.Lock()
	defer e.preKeysMu.Unlock()
	sk, ok := e.preKeys[pk]
	if ok {
		delete(e.preKeys, pk)
	}
	return sk, ok
}

func (e *Engine) blobConvOf(hash types.NodeHash) (types.ConversationId, bool) {
	e.blobConvMu.Lock()
	defer e.blobConvMu.Unlock()
	conv, ok := e.blobConv[hash]
	return conv, ok
}

// registerBlobReference runs proactive blob discovery: the first time a
// verified Content::Blob node names a hash this
// device doesn't have locally, it starts tracking the blob's swarm metadata
// and queues a BlobQuery through every active session on the conversation,
// for Poll to drain on its next tick.
func (e *Engine) registerBlobReference(conv types.ConversationId, content dagnode.Content) {
	if content.Kind != dagnode.KindBlob || content.Blob == nil || dagnode.ShouldInline(content.Blob.Size) {
		return
	}
	hash := content.Blob.Hash

	e.blobConvMu.Lock()
	_, known := e.blobConv[hash]
	e.blobConv[hash] = conv
	e.blobConvMu.Unlock()
	if known {
		return
	}

	if has, err := e.store.HasBlob(hash); err == nil && has {
		return
	}
	if err := e.blobs.StartBlob(hash, content.Blob.Size, hash); err != nil {
		e.log.Warnw("registerBlobReference: StartBlob failed", "hash", hash, "err", err)
		return
	}
	for _, s := range e.sessions.ForConversation(conv) {
		s.QueueMissingBlob(hash)
	}
}

func (e *Engine) ratchetFor(conv types.ConversationId) *ratchet.Manager {
	e.ratchetsMu.Lock()
	defer e.ratchetsMu.Unlock()
	r, ok := e.ratchets[conv]
	if !ok {
		r = ratchet.NewManager()
		e.ratchets[conv] = r
	}
	return r
}

// RatchetManager exposes the per-conversation ratchet manager, created
// lazily, so authoring and test harnesses can install keys directly (e.g.
// the pre-installed k_conv of scenario S1).
func (e *Engine) RatchetManager(conv types.ConversationId) *ratchet.Manager {
	return e.ratchetFor(conv)
}

func (e *Engine) addVouch(conv types.ConversationId, target types.NodeHash, voucher types.PhysicalDevicePk) int {
	e.vouchMu.Lock()
	defer e.vouchMu.Unlock()
	byConv, ok := e.vouches[conv]
	if !ok {
		byConv = make(map[types.NodeHash]map[types.PhysicalDevicePk]bool)
		e.vouches[conv] = byConv
	}
	byHash, ok := byConv[target]
	if !ok {
		byHash = make(map[types.PhysicalDevicePk]bool)
		byConv[target] = byHash
	}
	byHash[voucher] = true
	return len(byHash)
}

func (e *Engine) vouchCount(conv types.ConversationId, target types.NodeHash) int {
	e.vouchMu.Lock()
	defer e.vouchMu.Unlock()
	return len(e.vouches[conv][target])
}

// HandleNode is the engine's single node-ingress entry point. It validates
// structure, authorization, permission, sequence, and
// authenticity, applies any bootstrap key-material side effects, decides
// verification, and — for identity-affecting Control actions — triggers
// retroactive revalidation of every previously verified node.
func (e *Engine) HandleNode(conv types.ConversationId, node *dagnode.MerkleNode) ([]Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ov := newOverlay(e, conv)
	hash := dagnode.Hash(node, conv)

	// 1. Early exit: already verified.
	if ov.IsVerified(hash) {
		return nil, nil
	}

	isBootstrap := node.Content.IsBootstrap()

	// 2. Structural validation.
	outcome := dagnode.Validate(node, ov, e.cfg.limits(), isBootstrap)
	if outcome.Kind != dagnode.ValidateOk {
		if outcome.Recoverable() {
			e.log.Debugw("quarantining node", "conv", conv, "hash", hash, "reason", outcome.Error())
			return e.quarantine(ov, conv, node, hash)
		}
		return nil, fmt.Errorf("engine: HandleNode: %s", outcome.Error())
	}

	now := e.now()

	// 3. Hard monotonicity: timestamp must not precede the latest parent and
	// must not be further ahead of now than the configured clock-skew bound.
	for _, p := range node.Parents {
		if pn, ok := ov.getNode(p); ok && node.NetworkTimestamp < pn.NetworkTimestamp {
			return nil, fmt.Errorf("engine: HandleNode: timestamp %d precedes parent %s (%d)", node.NetworkTimestamp, p, pn.NetworkTimestamp)
		}
	}
	if node.NetworkTimestamp > now+e.cfg.MaxClockSkewAheadMs {
		return nil, fmt.Errorf("engine: HandleNode: timestamp %d too far ahead of now %d", node.NetworkTimestamp, now)
	}

	// 4. Parent verification check.
	quarantined := false
	if !isBootstrap {
		for _, p := range node.Parents {
			if !ov.IsVerified(p) {
				quarantined = true
				break
			}
		}
	}
	if quarantined {
		return e.quarantine(ov, conv, node, hash)
	}

	// 5. Authorization check (with vouching fallback).
	authorized := e.identity.IsAuthorized(conv, node.SenderPk, node.AuthorPk, node.NetworkTimestamp, node.TopologicalRank)
	hasRecord := e.identity.HasAuthorizationRecord(conv, node.SenderPk)
	if !authorized && !isBootstrap {
		if e.vouchCount(conv, hash) < e.cfg.VouchThreshold {
			return e.quarantine(ov, conv, node, hash)
		}
	}

	// 6. Permission check.
	if authorized || hasRecord {
		required := dagnode.RequiredPermission(node.Content)
		if required != dagnode.PermNone {
			perms, _ := e.identity.GetPermissions(conv, node.SenderPk, node.AuthorPk, node.NetworkTimestamp, node.TopologicalRank)
			if !perms.Contains(required) {
				return nil, &PermissionDeniedError{Sender: node.SenderPk, Required: required, Actual: perms}
			}
		}
	}

	// 7. Sequence monotonicity was already enforced by dagnode.Validate
	// (step 2) against the overlay's LastSequence view, so no separate
	// check is needed here; a stale or replayed sequence number never
	// reaches this point.

	var effects []Effect

	// 8. Key-material side effects on bootstrap nodes.
	keyEffects, err := e.applyBootstrapKeyMaterial(conv, node, hash)
	if err != nil {
		e.log.Warnw("bootstrap key material failed", "conv", conv, "hash", hash, "err", err)
	} else {
		effects = append(effects, keyEffects...)
	}

	// 9. Authenticity.
	authentic := e.verifyAuthenticity(conv, node, hash)

	// 10. Verification decision.
	selfAuthorizes := node.NodeType() == dagnode.TypeAdmin &&
		node.Content.Kind == dagnode.KindControl &&
		node.Content.Control != nil &&
		node.Content.Control.Kind == dagnode.CtlAuthorizeDevice &&
		node.Content.Control.AuthorizeDevice.Cert.Device == node.SenderPk

	verified := authentic && (authorized || isBootstrap || selfAuthorizes || e.vouchCount(conv, hash) >= e.cfg.VouchThreshold)
	if !verified {
		return e.quarantine(ov, conv, node, hash)
	}

	// 11. Overlay write.
	ov.putNode(hash, node, true)
	effects = append(effects, writeStoreEffect(conv, node, hash, true))
	effects = append(effects, e.updateHeadsEffects(ov, conv, node, hash)...)
	e.registerBlobReference(conv, node.Content)

	// Record vouches: an authorized sender's verified node vouches for any
	// parent it names, covering the case where that parent is still
	// speculative elsewhere in the swarm.
	if authorized {
		for _, p := range node.Parents {
			e.addVouch(conv, p, node.SenderPk)
		}
	}

	// 12. Membership/delegation Control actions fold into the identity
	// graph; AuthorizeDevice/RevokeDevice/Leave additionally trigger
	// retroactive revalidation against the now-current graph.
	if ierr := e.applyIdentityMutation(conv, node); ierr != nil {
		e.log.Warnw("apply_identity_mutation failed", "conv", conv, "hash", hash, "err", ierr)
	}
	if isIdentityAffecting(node.Content) {
		invalidated, rerr := e.revalidateAllVerifiedNodes(ov, conv)
		if rerr != nil {
			e.log.Errorw("revalidate_all_verified_nodes failed", "conv", conv, "err", rerr)
		}
		effects = append(effects, invalidated...)
	}

	// 13. Reverify speculative/opaque nodes now that this one landed.
	reverified, rerr := e.reverifySpeculativeForConversation(ov, conv)
	if rerr != nil {
		e.log.Errorw("reverify_speculative_for_conversation failed", "conv", conv, "err", rerr)
	}
	effects = append(effects, reverified...)

	opaqueEffects, rerr := e.reverifyOpaqueNodes(conv)
	if rerr != nil {
		e.log.Errorw("reverify_opaque_nodes failed", "conv", conv, "err", rerr)
	}
	effects = append(effects, opaqueEffects...)

	// 14. Emit NodeVerified.
	effects = append(effects, emitEvent(Event{Kind: EventNodeVerified, Conv: conv, Hash: hash, Sender: node.SenderPk}))

	return effects, nil
}

func isIdentityAffecting(c dagnode.Content) bool {
	if c.Kind != dagnode.KindControl || c.Control == nil {
		return false
	}
	switch c.Control.Kind {
	case dagnode.CtlAuthorizeDevice, dagnode.CtlRevokeDevice, dagnode.CtlLeave:
		return true
	default:
		return false
	}
}

func (e *Engine) quarantine(ov *overlay, conv types.ConversationId, node *dagnode.MerkleNode, hash types.NodeHash) ([]Effect, error) {
	if ov.SpeculativeCount() >= e.cfg.MaxSpeculativePerConversation {
		return nil, fmt.Errorf("engine: HandleNode: %s", dagnode.ValidateOutcome{Kind: dagnode.ValidateTooManySpeculativeNodes}.Error())
	}
	ov.putNode(hash, node, false)
	eff := []Effect{
		writeStoreEffect(conv, node, hash, false),
		emitEvent(Event{Kind: EventNodeSpeculative, Conv: conv, Hash: hash, Sender: node.SenderPk}),
	}
	return eff, nil
}

// applyIdentityMutation folds a verified identity-affecting Control action
// into the local identity.Manager: AuthorizeDevice inserts the delegation
// record (or reports ErrPermissionEscalation/ErrNoTrustPath, which callers
// log rather than treat as fatal — the node itself already passed
// HandleNode's permission check against the *issuer's* existing grant, so a
// rejection here reflects the graph catching up, not a second admission
// gate), RevokeDevice and Leave drop records so the next
// revalidateAllVerifiedNodes pass demotes whatever the revoked chain
// authorized, and Invite adds the new member before any device of theirs
// can be authorized against it.
func (e *Engine) applyIdentityMutation(conv types.ConversationId, node *dagnode.MerkleNode) error {
	if node.Content.Kind != dagnode.KindControl || node.Content.Control == nil {
		return nil
	}
	ctl := node.Content.Control
	switch ctl.Kind {
	case dagnode.CtlAuthorizeDevice:
		if ctl.AuthorizeDevice == nil {
			return nil
		}
		return e.identity.AuthorizeDevice(conv, node.AuthorPk, ctl.AuthorizeDevice.Cert, node.NetworkTimestamp, node.TopologicalRank)
	case dagnode.CtlRevokeDevice:
		if ctl.RevokeDevice == nil {
			return nil
		}
		e.identity.RevokeDevice(conv, ctl.RevokeDevice.Target, node.TopologicalRank)
		if ctl.RevokeDevice.RevokeMaster {
			if logicalPk, ok := e.identity.ResolveLogicalPk(conv, ctl.RevokeDevice.Target); ok {
				e.identity.RemoveMember(conv, logicalPk, node.TopologicalRank)
			}
		}
		return nil
	case dagnode.CtlLeave:
		if ctl.Leave == nil {
			return nil
		}
		e.identity.RemoveMember(conv, *ctl.Leave, node.TopologicalRank)
		return nil
	case dagnode.CtlInvite:
		if ctl.Invite == nil {
			return nil
		}
		e.identity.AddMember(conv, ctl.Invite.Logical, 0, node.NetworkTimestamp)
		return nil
	default:
		return nil
	}
}

// verifyAuthenticity checks a node's Authentication against its content
// type: Admin nodes carry an Ed25519 signature over SerializeForAuth,
// Content nodes carry a ratchet-derived or epoch-root MAC.
func (e *Engine) verifyAuthenticity(conv types.ConversationId, node *dagnode.MerkleNode, hash types.NodeHash) bool {
	authData := dagnode.SerializeForAuth(node, conv)
	switch node.Authentication.Kind {
	case dagnode.AuthSignature:
		return ed25519.Verify(ed25519.PublicKey(node.SenderPk[:]), authData, node.Authentication.Signature[:])
	case dagnode.AuthMac:
		r := e.ratchetFor(conv)
		return r.VerifyNodeMac(hash, node.SenderPk, node.SequenceNumber, authData, node.Authentication.Mac)
	default:
		return false
	}
}

// applyBootstrapKeyMaterial runs the KeyWrap/RatchetSnapshot side effects:
// on success it establishes or extends the
// conversation's ratchet state and returns the effects recording that.
func (e *Engine) applyBootstrapKeyMaterial(conv types.ConversationId, node *dagnode.MerkleNode, hash types.NodeHash) ([]Effect, error) {
	switch node.Content.Kind {
	case dagnode.KindKeyWrap:
		return e.applyKeyWrap(conv, node.SenderPk, node.Content.KeyWrap)
	case dagnode.KindRatchetSnapshot:
		return e.applyRatchetSnapshot(conv, node.SenderPk, node.Content.RatchetSnapshot, hash)
	default:
		return nil, nil
	}
}

func (e *Engine) findWrapForSelf(wraps []dagnode.WrappedKey) (dagnode.WrappedKey, bool) {
	for _, w := range wraps {
		if w.Recipient == e.self.DevicePk {
			return w, true
		}
	}
	return dagnode.WrappedKey{}, false
}

// applyKeyWrap recovers the epoch root key a KeyWrap node carries for this
// device, via whichever of the three wrap constructions (one-time X3DH,
// ephemeral-shared, or static self-recovery) the node used, and folds it
// into the conversation's ratchet manager.
func (e *Engine) applyKeyWrap(conv types.ConversationId, sender types.PhysicalDevicePk, kw *dagnode.KeyWrapContent) ([]Effect, error) {
	wrap, ok := e.findWrapForSelf(kw.Wraps)
	if !ok {
		return nil, nil
	}

	var root [32]byte
	var err error
	switch {
	case kw.EphemeralPk != nil && kw.PreKeyPk != nil:
		preKeySk, found := e.consumePreKey(*kw.PreKeyPk)
		if !found {
			return nil, fmt.Errorf("engine: applyKeyWrap: unknown pre-key %s", kw.PreKeyPk)
		}
		senderDh, known := e.lookupDeviceDh(sender)
		if !known {
			return nil, fmt.Errorf("engine: applyKeyWrap: unknown DH key for sender %s", sender)
		}
		shared, derr := ratchet.X3DHRecipient(e.self.DhSk, preKeySk, senderDh, *kw.EphemeralPk, nil)
		if derr != nil {
			return nil, derr
		}
		root, err = ratchet.UnwrapSecretOnce(shared, wrap.SealedKey)
	case kw.EphemeralPk != nil:
		root, err = ratchet.UnwrapSecretEphemeral(e.self.DhSk, *kw.EphemeralPk, wrap.SealedKey)
	default:
		// Static self-recovery wrap: sealed by the sender's own static DH
		// key against ours.
		senderDh, known := e.lookupDeviceDh(sender)
		if !known {
			return nil, fmt.Errorf("engine: applyKeyWrap: unknown DH key for sender %s", sender)
		}
		root, err = ratchet.UnwrapSecretStatic(e.self.DhSk, senderDh, kw.Epoch, wrap.SealedKey)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: applyKeyWrap: unwrap: %w", err)
	}

	r := e.ratchetFor(conv)
	if !r.IsEstablished() {
		r.Establish(kw.Epoch, root, e.now())
	} else {
		r.AddEpoch(kw.Epoch, root)
	}
	return []Effect{writeConversationKeyEffect(conv, kw.Epoch, root)}, nil
}

func (e *Engine) applyRatchetSnapshot(conv types.ConversationId, sender types.PhysicalDevicePk, snap *dagnode.RatchetSnapshotContent, hash types.NodeHash) ([]Effect, error) {
	wrap, ok := e.findWrapForSelf(snap.EncryptedWraps)
	if !ok {
		return nil, nil
	}
	senderDh, known := e.lookupDeviceDh(sender)
	if !known {
		return nil, fmt.Errorf("engine: applyRatchetSnapshot: unknown DH key for sender %s", sender)
	}
	chainRaw, err := ratchet.UnwrapSecretStatic(e.self.DhSk, senderDh, snap.Epoch, wrap.SealedKey)
	if err != nil {
		return nil, fmt.Errorf("engine: applyRatchetSnapshot: unwrap: %w", err)
	}
	chain := ratchet.ChainKey(chainRaw)

	r := e.ratchetFor(conv)
	// Never overwrite an existing later commitment.
	if _, existingEpoch, ok := r.CachedNodeKey(hash); ok && existingEpoch >= snap.Epoch {
		return nil, nil
	}
	r.CommitNodeKey(hash, chain, snap.Epoch)
	return []Effect{writeRatchetKeyEffect(conv, hash, chain, snap.Epoch)}, nil
}

// updateHeadsEffects recomputes heads/admin_heads after a verified write:
// the new node's parents are no longer heads (they gained a verified
// child), and the new node itself is a head unless something already
// verified names it as a parent (never true for a just-verified node).
func (e *Engine) updateHeadsEffects(ov *overlay, conv types.ConversationId, node *dagnode.MerkleNode, hash types.NodeHash) []Effect {
	heads := ov.removeFromHeads(node.Parents, false)
	heads = appendSortedUnique(heads, hash)
	ov.setHeads(heads, false)
	eff := []Effect{updateHeadsEffect(conv, heads, false)}

	if node.NodeType() == dagnode.TypeAdmin || node.Content.IsBootstrap() {
		adminHeads := ov.removeFromHeads(node.Parents, true)
		adminHeads = appendSortedUnique(adminHeads, hash)
		ov.setHeads(adminHeads, true)
		eff = append(eff, updateHeadsEffect(conv, adminHeads, true))
	}
	return eff
}

func appendSortedUnique(heads []types.NodeHash, h types.NodeHash) []types.NodeHash {
	for _, e := range heads {
		if e == h {
			return heads
		}
	}
	out := append(append([]types.NodeHash(nil), heads...), h)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// PermissionDeniedError reports that a device's resolved permissions don't
// cover what its node tried to author.
type PermissionDeniedError struct {
	Sender   types.PhysicalDevicePk
	Required dagnode.Permissions
	Actual   dagnode.Permissions
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("engine: permission denied: %s required %d, has %d", e.Sender, e.Required, e.Actual)
}
