package engine

import (
	"sort"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/types"
)

// RatchetKeyRetentionWindow bounds how far behind a device's current
// last-verified sequence a cached chain key may fall before it becomes a GC
// candidate: large enough that an in-progress
// catch-up fetch almost never needs a key evicted out from under it, since
// gcRatchetKeys additionally never retires a key a session still has
// outstanding in its missing-node queue.
const RatchetKeyRetentionWindow = 256

// gcRatchetKeys retires chain-key cache entries that have fallen behind the
// conversation's replay watermark: a cached key is only removed once (a) the
// device's last-verified sequence has advanced RatchetKeyRetentionWindow
// positions past it, so no ordinary catch-up window still needs it, and (b)
// no live session for this conversation still lists the key's node hash as
// missing, so a slow peer's in-flight fetch is never starved. Keys whose
// node the store no longer holds are swept unconditionally; keys of nodes
// still stored, speculative ones included, follow the same two rules as
// keys of verified nodes.
func (e *Engine) gcRatchetKeys(conv types.ConversationId) {
	hashes, err := e.store.ListRatchetKeyHashes(conv)
	if err != nil || len(hashes) == 0 {
		return
	}

	lastSeq := make(map[types.PhysicalDevicePk]types.SequenceNumber)
	sessions := e.sessions.ForConversation(conv)

	for _, h := range hashes {
		node, ok, gerr := e.store.GetNode(conv, h)
		if gerr != nil {
			continue
		}
		if !ok {
			// Never promoted to a node the store still holds: nothing can
			// ever need this key again.
			_ = e.store.RemoveRatchetKey(conv, h)
			continue
		}

		watermark, cached := lastSeq[node.SenderPk]
		if !cached {
			if seq, seqOk, serr := e.store.GetLastSequenceNumber(conv, node.SenderPk); serr == nil && seqOk {
				watermark = seq
			}
			lastSeq[node.SenderPk] = watermark
		}
		if uint64(watermark) < uint64(node.SequenceNumber)+RatchetKeyRetentionWindow {
			continue
		}

		wanted := false
		for _, s := range sessions {
			if s.IsMissing(h) {
				wanted = true
				break
			}
		}
		if wanted {
			continue
		}

		_ = e.store.RemoveRatchetKey(conv, h)
	}
}

// isAnchorWireNode reports whether an opaque (still-undecryptable) wire node
// must never be evicted ahead of ordinary opaque nodes, per the glossary's
// "anchor" definition: a signature-only Admin node. Admin nodes include
// Genesis and AuthorizeDevice, whose loss would strand every node that
// depends on them for a trust path; unlike KeyWrap, an Admin node's
// Authentication.Kind is visible on the WireNode without decrypting it, so
// this is the only anchor class the eviction pass can recognize before the
// payload is legible. Non-anchor opaque nodes (everything authenticated by
// MAC, which includes genuine KeyWrap/RatchetSnapshot bootstrap nodes
// alongside ordinary content) are eligible for pressure-relief eviction;
// this is a best-effort heuristic, not a guarantee.
func isAnchorWireNode(w *dagnode.WireNode) bool {
	return w.Authentication.Kind == dagnode.AuthSignature
}

// evictOpaqueNodes drops opaque wire nodes once the conversation's opaque
// store exceeds OpaqueStoreByteBudget, skipping anchors, until back under
// budget or out of non-anchor candidates. Eviction order is by encrypted
// payload size,
// largest first, so a handful of oversized entries relieve pressure faster
// than an arbitrary store-order sweep would.
func (e *Engine) evictOpaqueNodes(conv types.ConversationId) {
	if e.cfg.OpaqueStoreByteBudget <= 0 {
		return
	}
	hashes, err := e.store.GetOpaqueNodeHashes(conv)
	if err != nil || len(hashes) == 0 {
		return
	}

	type candidate struct {
		hash   types.NodeHash
		size   int64
		anchor bool
	}
	cands := make([]candidate, 0, len(hashes))
	var total int64
	for _, h := range hashes {
		wm, ok, gerr := e.store.GetWireNode(conv, h)
		if gerr != nil || !ok {
			continue
		}
		size := int64(len(wm.Node.EncryptedPayload))
		total += size
		cands = append(cands, candidate{hash: h, size: size, anchor: isAnchorWireNode(&wm.Node)})
	}
	if total <= e.cfg.OpaqueStoreByteBudget {
		return
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].size > cands[j].size })
	for _, c := range cands {
		if total <= e.cfg.OpaqueStoreByteBudget {
			break
		}
		if c.anchor {
			continue
		}
		if err := e.store.RemoveWireNode(conv, c.hash); err != nil {
			continue
		}
		total -= c.size
		e.log.Warnw("opaque store eviction", "conv", conv, "hash", c.hash, "bytes", c.size)
	}
}
