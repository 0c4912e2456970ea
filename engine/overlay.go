package engine

import (
	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/types"
)

type overlayEntry struct {
	node     *dagnode.MerkleNode
	verified bool
}

// overlay is HandleNode's per-call view of persisted DAG state: a
// speculative write journal layered over the committed store so one ingress
// call can see its own writes (e.g. a parent it just verified, vouching for
// a child named later in the same batch) before any WriteStore effect is
// actually applied. It implements dagnode.Lookup.
type overlay struct {
	e    *Engine
	conv types.ConversationId

	pending map[types.NodeHash]overlayEntry

	specSeen   map[types.NodeHash]bool
	opaqueSeen map[types.NodeHash]bool
	specAdded  int

	heads            []types.NodeHash
	adminHeads       []types.NodeHash
	headsLoaded      bool
	adminHeadsLoaded bool
}

func newOverlay(e *Engine, conv types.ConversationId) *overlay {
	spec, _ := e.store.GetSpeculativeNodes(conv)
	opaque, _ := e.store.GetOpaqueNodeHashes(conv)
	specSeen := make(map[types.NodeHash]bool, len(spec))
	for _, h := range spec {
		specSeen[h] = true
	}
	opaqueSeen := make(map[types.NodeHash]bool, len(opaque))
	for _, h := range opaque {
		opaqueSeen[h] = true
	}
	return &overlay{
		e:          e,
		conv:       conv,
		pending:    make(map[types.NodeHash]overlayEntry),
		specSeen:   specSeen,
		opaqueSeen: opaqueSeen,
	}
}

func (o *overlay) getNode(h types.NodeHash) (*dagnode.MerkleNode, bool) {
	if e, ok := o.pending[h]; ok {
		return e.node, true
	}
	n, ok, _ := o.e.store.GetNode(o.conv, h)
	return n, ok
}

func (o *overlay) putNode(h types.NodeHash, n *dagnode.MerkleNode, verified bool) {
	o.pending[h] = overlayEntry{node: n, verified: verified}
	if verified {
		delete(o.specSeen, h)
		delete(o.opaqueSeen, h)
		return
	}
	if !o.specSeen[h] {
		o.specAdded++
	}
	o.specSeen[h] = true
}

// RankOf implements dagnode.Lookup: a parent's rank is known whether it is
// verified or merely speculative, since rank bookkeeping only needs the
// node to exist, not to have cleared authorization.
func (o *overlay) RankOf(h types.NodeHash) (uint64, bool) {
	n, ok := o.getNode(h)
	if !ok {
		return 0, false
	}
	return n.TopologicalRank, true
}

// IsVerified implements dagnode.Lookup. A hash not written this call is
// verified iff it resolves through the store and is absent from both the
// speculative and opaque sets fetched at overlay construction — the store
// has no direct per-hash status query, so verification is inferred from
// set membership instead.
func (o *overlay) IsVerified(h types.NodeHash) bool {
	if e, ok := o.pending[h]; ok {
		return e.verified
	}
	if o.specSeen[h] || o.opaqueSeen[h] {
		return false
	}
	_, ok, _ := o.e.store.GetNode(o.conv, h)
	return ok
}

// LastSequence implements dagnode.Lookup. The epoch argument is ignored:
// types.SequenceNumber already packs epoch into its high bits, so a single
// global last-sequence-number per device orders correctly across epoch
// boundaries without a second per-epoch index in the store.
func (o *overlay) LastSequence(sender types.PhysicalDevicePk, _ types.Epoch) (types.SequenceNumber, bool) {
	best, ok, _ := o.e.store.GetLastSequenceNumber(o.conv, sender)
	for _, e := range o.pending {
		if !e.verified || e.node.SenderPk != sender {
			continue
		}
		if !ok || e.node.SequenceNumber > best {
			best = e.node.SequenceNumber
			ok = true
		}
	}
	return best, ok
}

func (o *overlay) SpeculativeCount() int {
	counts, _ := o.e.store.GetNodeCounts(o.conv)
	return counts.Speculative + o.specAdded
}

func (o *overlay) VerifiedCount() int {
	counts, _ := o.e.store.GetNodeCounts(o.conv)
	added := 0
	for _, e := range o.pending {
		if e.verified {
			added++
		}
	}
	return counts.Verified + added
}

func (o *overlay) getHeads(admin bool) []types.NodeHash {
	if admin {
		if !o.adminHeadsLoaded {
			o.adminHeads, _ = o.e.store.GetAdminHeads(o.conv)
			o.adminHeadsLoaded = true
		}
		return o.adminHeads
	}
	if !o.headsLoaded {
		o.heads, _ = o.e.store.GetHeads(o.conv)
		o.headsLoaded = true
	}
	return o.heads
}

func (o *overlay) setHeads(heads []types.NodeHash, admin bool) {
	if admin {
		o.adminHeads = heads
		o.adminHeadsLoaded = true
		return
	}
	o.heads = heads
	o.headsLoaded = true
}

// removeFromHeads returns the current head set with parents filtered out,
// without mutating the cached heads — callers append the new head and call
// setHeads themselves.
func (o *overlay) removeFromHeads(parents []types.NodeHash, admin bool) []types.NodeHash {
	cur := o.getHeads(admin)
	drop := make(map[types.NodeHash]bool, len(parents))
	for _, p := range parents {
		drop[p] = true
	}
	out := make([]types.NodeHash, 0, len(cur))
	for _, h := range cur {
		if !drop[h] {
			out = append(out, h)
		}
	}
	return out
}
