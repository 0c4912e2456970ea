package engine

import (
	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/types"
)

// revalidateAllVerifiedNodes walks every currently verified node and
// rechecks its sender's authorization, retracting any whose authorizing
// chain no longer holds. It is triggered by AuthorizeDevice, RevokeDevice,
// and Leave nodes landing: those are the only
// actions that can shrink a device's delegated authority.
func (e *Engine) revalidateAllVerifiedNodes(ov *overlay, conv types.ConversationId) ([]Effect, error) {
	var effects []Effect
	seen := make(map[types.NodeHash]bool)
	for _, t := range []dagnode.NodeType{dagnode.TypeContent, dagnode.TypeAdmin} {
		hashes, err := e.store.GetVerifiedNodesByType(conv, t)
		if err != nil {
			return effects, err
		}
		for _, h := range hashes {
			if seen[h] {
				continue
			}
			seen[h] = true

			n, ok, err := e.store.GetNode(conv, h)
			if err != nil {
				return effects, err
			}
			if !ok || n.Content.IsBootstrap() {
				// Bootstrap nodes (genesis, key material) aren't gated on the
				// delegation graph they themselves establish.
				continue
			}
			if e.identity.IsAuthorized(conv, n.SenderPk, n.AuthorPk, n.NetworkTimestamp, n.TopologicalRank) {
				continue
			}
			if e.vouchCount(conv, h) >= e.cfg.VouchThreshold {
				continue
			}

			ov.putNode(h, n, false)
			effects = append(effects, invalidateNodeEffect(conv, h))
			effects = append(effects, emitEvent(Event{Kind: EventNodeInvalidated, Conv: conv, Hash: h, Sender: n.SenderPk}))
		}
	}
	return effects, nil
}

// reverifySpeculativeForConversation re-attempts verification of every
// quarantined node now that new identity or vouch state may cover it,
// looping to a fixed point since promoting one node can unblock a child
// that named it as a parent.
func (e *Engine) reverifySpeculativeForConversation(ov *overlay, conv types.ConversationId) ([]Effect, error) {
	var effects []Effect
	for {
		hashes, err := e.store.GetSpeculativeNodes(conv)
		if err != nil {
			return effects, err
		}
		progressed := false
		for _, h := range hashes {
			if ov.IsVerified(h) {
				continue
			}
			n, ok := ov.getNode(h)
			if !ok {
				continue
			}
			isBootstrap := n.Content.IsBootstrap()

			if !isBootstrap {
				parentsOk := true
				for _, p := range n.Parents {
					if !ov.IsVerified(p) {
						parentsOk = false
						break
					}
				}
				if !parentsOk {
					continue
				}
			}

			authorized := e.identity.IsAuthorized(conv, n.SenderPk, n.AuthorPk, n.NetworkTimestamp, n.TopologicalRank)
			if !authorized && !isBootstrap && e.vouchCount(conv, h) < e.cfg.VouchThreshold {
				continue
			}

			hasRecord := e.identity.HasAuthorizationRecord(conv, n.SenderPk)
			if authorized || hasRecord {
				required := dagnode.RequiredPermission(n.Content)
				if required != dagnode.PermNone {
					perms, _ := e.identity.GetPermissions(conv, n.SenderPk, n.AuthorPk, n.NetworkTimestamp, n.TopologicalRank)
					if !perms.Contains(required) {
						continue
					}
				}
			}

			keyEffects, kerr := e.applyBootstrapKeyMaterial(conv, n, h)
			if kerr != nil {
				e.log.Warnw("bootstrap key material failed on reverify", "conv", conv, "hash", h, "err", kerr)
			}

			authentic := e.verifyAuthenticity(conv, n, h)
			selfAuthorizes := n.NodeType() == dagnode.TypeAdmin &&
				n.Content.Kind == dagnode.KindControl &&
				n.Content.Control != nil &&
				n.Content.Control.Kind == dagnode.CtlAuthorizeDevice &&
				n.Content.Control.AuthorizeDevice.Cert.Device == n.SenderPk

			verified := authentic && (authorized || isBootstrap || selfAuthorizes || e.vouchCount(conv, h) >= e.cfg.VouchThreshold)
			if !verified {
				continue
			}

			ov.putNode(h, n, true)
			effects = append(effects, keyEffects...)
			effects = append(effects, writeStoreEffect(conv, n, h, true))
			effects = append(effects, e.updateHeadsEffects(ov, conv, n, h)...)
			if authorized {
				for _, p := range n.Parents {
					e.addVouch(conv, p, n.SenderPk)
				}
			}
			effects = append(effects, emitEvent(Event{Kind: EventNodeVerified, Conv: conv, Hash: h, Sender: n.SenderPk}))
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return effects, nil
}

// reverifyOpaqueNodes retries decrypting every wire-only node held for this
// conversation against each epoch key the ratchet manager now knows, since a
// just-landed KeyWrap or RatchetSnapshot may have just supplied the key that
// makes a previously opaque node legible.
func (e *Engine) reverifyOpaqueNodes(conv types.ConversationId) ([]Effect, error) {
	r := e.ratchetFor(conv)
	epochs := r.Epochs()
	if len(epochs) == 0 {
		return nil, nil
	}

	hashes, err := e.store.GetOpaqueNodeHashes(conv)
	if err != nil {
		return nil, err
	}

	var effects []Effect
	ov := newOverlay(e, conv)
	for _, h := range hashes {
		wm, ok, err := e.store.GetWireNode(conv, h)
		if err != nil {
			return effects, err
		}
		if !ok {
			continue
		}

		node, decoded := decodeOpaque(&wm.Node, epochs, r)
		if !decoded {
			continue
		}
		if got := dagnode.Hash(node, conv); got != h {
			e.log.Warnw("opaque node hash mismatch after decode", "conv", conv, "hash", h, "got", got)
			continue
		}

		childEffects, verr := e.evaluateDecodedOpaque(ov, conv, node, h)
		if verr != nil {
			e.log.Warnw("opaque node reverify failed", "conv", conv, "hash", h, "err", verr)
			continue
		}
		effects = append(effects, childEffects...)
	}
	return effects, nil
}

func decodeOpaque(w *dagnode.WireNode, epochs []types.Epoch, r *ratchet.Manager) (*dagnode.MerkleNode, bool) {
	for _, ep := range epochs {
		keys, ok := r.GetKeys(ep)
		if !ok {
			continue
		}
		n, err := dagnode.UnpackWire(w, keys.EncKey[:])
		if err == nil {
			return n, true
		}
	}
	return nil, false
}

// evaluateDecodedOpaque runs the same authorization/authenticity/permission
// checks HandleNode would, for a node recovered from the opaque set. It never
// quarantines further: a decode that still doesn't clear verification is
// left in the opaque set for a future attempt.
func (e *Engine) evaluateDecodedOpaque(ov *overlay, conv types.ConversationId, node *dagnode.MerkleNode, hash types.NodeHash) ([]Effect, error) {
	isBootstrap := node.Content.IsBootstrap()

	if !isBootstrap {
		for _, p := range node.Parents {
			if !ov.IsVerified(p) {
				return nil, nil
			}
		}
	}

	authorized := e.identity.IsAuthorized(conv, node.SenderPk, node.AuthorPk, node.NetworkTimestamp, node.TopologicalRank)
	if !authorized && !isBootstrap && e.vouchCount(conv, hash) < e.cfg.VouchThreshold {
		return nil, nil
	}

	hasRecord := e.identity.HasAuthorizationRecord(conv, node.SenderPk)
	if authorized || hasRecord {
		required := dagnode.RequiredPermission(node.Content)
		if required != dagnode.PermNone {
			perms, _ := e.identity.GetPermissions(conv, node.SenderPk, node.AuthorPk, node.NetworkTimestamp, node.TopologicalRank)
			if !perms.Contains(required) {
				return nil, nil
			}
		}
	}

	keyEffects, _ := e.applyBootstrapKeyMaterial(conv, node, hash)
	authentic := e.verifyAuthenticity(conv, node, hash)
	selfAuthorizes := node.NodeType() == dagnode.TypeAdmin &&
		node.Content.Kind == dagnode.KindControl &&
		node.Content.Control != nil &&
		node.Content.Control.Kind == dagnode.CtlAuthorizeDevice &&
		node.Content.Control.AuthorizeDevice.Cert.Device == node.SenderPk

	verified := authentic && (authorized || isBootstrap || selfAuthorizes || e.vouchCount(conv, hash) >= e.cfg.VouchThreshold)
	if !verified {
		return nil, nil
	}

	var effects []Effect
	effects = append(effects, keyEffects...)
	ov.putNode(hash, node, true)
	effects = append(effects, writeStoreEffect(conv, node, hash, true))
	effects = append(effects, Effect{Kind: EffectDeleteWireNode, DeleteWireNode: &DeleteWireNodeEffect{Conv: conv, Hash: hash}})
	effects = append(effects, e.updateHeadsEffects(ov, conv, node, hash)...)
	if authorized {
		for _, p := range node.Parents {
			e.addVouch(conv, p, node.SenderPk)
		}
	}
	effects = append(effects, emitEvent(Event{Kind: EventNodeVerified, Conv: conv, Hash: hash, Sender: node.SenderPk}))
	return effects, nil
}
