package engine

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/identity"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// testClock is a settable manual clock shared with an engine via Now.
type testClock struct {
	ms int64
}

func (c *testClock) Now() int64          { return c.ms }
func (c *testClock) Advance(delta int64) { c.ms += delta }

// testPeer bundles an engine with its own store and clock, the way a real
// process wires them, minus transport and disk.
type testPeer struct {
	eng   *Engine
	st    store.Store
	clock *testClock
	self  Identity
}

// newTestPeer builds a single-device founder identity (device_pk ==
// logical_pk) unless logical overrides it for a delegated-device setup.
func newTestPeer(t *testing.T, logical *types.LogicalIdentityPk) *testPeer {
	t.Helper()
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var devicePk types.PhysicalDevicePk
	copy(devicePk[:], pub)

	dhSk, dhPk, err := ratchet.GenerateEphemeral()
	require.NoError(t, err)

	logicalPk := devicePk.ToLogical()
	if logical != nil {
		logicalPk = *logical
	}
	self := Identity{
		LogicalPk: logicalPk,
		DevicePk:  devicePk,
		DeviceSk:  sk,
		DhSk:      types.PhysicalDeviceDhSk(dhSk),
		DhPk:      types.PhysicalDeviceDhPk(dhPk),
	}

	clock := &testClock{}
	st := store.NewMemStore()
	eng := New(zap.NewNop(), DefaultConfig(), st, identity.NewManager(0), self, clock.Now)
	return &testPeer{eng: eng, st: st, clock: clock, self: self}
}

func (p *testPeer) establish(conv types.ConversationId, root [32]byte) {
	p.eng.RatchetManager(conv).Establish(types.Epoch(0), root, p.clock.Now())
}

// apply is the runtime half of the effect contract, reduced to the store
// writes these tests exercise; packets are returned to the caller instead
// of sent anywhere.
func (p *testPeer) apply(t *testing.T, conv types.ConversationId, effects []Effect) []Event {
	t.Helper()
	var events []Event
	for _, eff := range effects {
		switch eff.Kind {
		case EffectWriteStore:
			require.NoError(t, p.st.PutNode(eff.WriteStore.Conv, eff.WriteStore.Node, eff.WriteStore.Verified))
		case EffectInvalidateNode:
			require.NoError(t, p.st.InvalidateNode(eff.InvalidateNode.Conv, eff.InvalidateNode.Hash))
		case EffectWriteWireNode:
			require.NoError(t, p.st.PutWireNode(eff.WriteWireNode.Conv, eff.WriteWireNode.Hash, eff.WriteWireNode.Node))
		case EffectDeleteWireNode:
			require.NoError(t, p.st.RemoveWireNode(eff.DeleteWireNode.Conv, eff.DeleteWireNode.Hash))
		case EffectWriteRatchetKey:
			require.NoError(t, p.st.PutRatchetKey(eff.WriteRatchetKey.Conv, eff.WriteRatchetKey.Hash, eff.WriteRatchetKey.Chain, eff.WriteRatchetKey.Epoch))
		case EffectDeleteRatchetKey:
			require.NoError(t, p.st.RemoveRatchetKey(eff.DeleteRatchetKey.Conv, eff.DeleteRatchetKey.Hash))
		case EffectUpdateHeads:
			if eff.UpdateHeads.Admin {
				require.NoError(t, p.st.SetAdminHeads(eff.UpdateHeads.Conv, eff.UpdateHeads.Heads))
			} else {
				require.NoError(t, p.st.SetHeads(eff.UpdateHeads.Conv, eff.UpdateHeads.Heads))
			}
		case EffectWriteConversationKey:
			require.NoError(t, p.st.PutConversationKey(eff.WriteConversationKey.Conv, eff.WriteConversationKey.Epoch, eff.WriteConversationKey.Root))
		case EffectWriteEpochMetadata:
			require.NoError(t, p.st.UpdateEpochMetadata(eff.WriteEpochMetadata.Conv, eff.WriteEpochMetadata.Epoch, eff.WriteEpochMetadata.Meta))
		case EffectEmitEvent:
			events = append(events, *eff.EmitEvent)
		}
	}
	return events
}

func (p *testPeer) counts(t *testing.T, conv types.ConversationId) store.NodeCounts {
	t.Helper()
	counts, err := p.st.GetNodeCounts(conv)
	require.NoError(t, err)
	return counts
}

func (p *testPeer) authorText(t *testing.T, conv types.ConversationId, body string) (*dagnode.MerkleNode, types.NodeHash) {
	t.Helper()
	content := dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{Body: body}}
	effects, hash, err := p.eng.AuthorNode(conv, content, nil)
	require.NoError(t, err)
	p.apply(t, conv, effects)
	node, ok, err := p.st.GetNode(conv, hash)
	require.NoError(t, err)
	require.True(t, ok)
	return node, hash
}

func eventKinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func hasEvent(events []Event, kind EventKind, hash types.NodeHash) bool {
	for _, e := range events {
		if e.Kind == kind && e.Hash == hash {
			return true
		}
	}
	return false
}

func testRoot() [32]byte {
	var root [32]byte
	for i := range root {
		root[i] = 0xAA
	}
	return root
}

func TestHandleNodeVerifiesAndIsIdempotent(t *testing.T) {
	conv := types.ConversationId{0x42}
	alice := newTestPeer(t, nil)
	bob := newTestPeer(t, nil)
	alice.establish(conv, testRoot())
	bob.establish(conv, testRoot())

	node, hash := alice.authorText(t, conv, "hello")

	effects, err := bob.eng.HandleNode(conv, node)
	require.NoError(t, err)
	events := bob.apply(t, conv, effects)
	require.True(t, hasEvent(events, EventNodeVerified, hash), "got %v", eventKinds(events))
	require.Equal(t, 1, bob.counts(t, conv).Verified)

	// Second delivery of the same node is a no-op: no effects, no
	// duplicate events.
	effects, err = bob.eng.HandleNode(conv, node)
	require.NoError(t, err)
	require.Empty(t, effects)
	require.Equal(t, 1, bob.counts(t, conv).Verified)
}

func TestHandleNodeQuarantinesThenPromotesOutOfOrder(t *testing.T) {
	conv := types.ConversationId{0x43}
	alice := newTestPeer(t, nil)
	bob := newTestPeer(t, nil)
	alice.establish(conv, testRoot())
	bob.establish(conv, testRoot())

	parent, parentHash := alice.authorText(t, conv, "first")
	child, childHash := alice.authorText(t, conv, "second")
	require.Equal(t, []types.NodeHash{parentHash}, child.Parents)

	// Child first: its parent is unknown, so it quarantines.
	effects, err := bob.eng.HandleNode(conv, child)
	require.NoError(t, err)
	events := bob.apply(t, conv, effects)
	require.True(t, hasEvent(events, EventNodeSpeculative, childHash))
	require.Equal(t, 0, bob.counts(t, conv).Verified)
	require.Equal(t, 1, bob.counts(t, conv).Speculative)

	// Parent arrival verifies it and transitively promotes the child.
	effects, err = bob.eng.HandleNode(conv, parent)
	require.NoError(t, err)
	events = bob.apply(t, conv, effects)
	require.True(t, hasEvent(events, EventNodeVerified, parentHash))
	require.True(t, hasEvent(events, EventNodeVerified, childHash))
	require.Equal(t, 2, bob.counts(t, conv).Verified)
	require.Equal(t, 0, bob.counts(t, conv).Speculative)
}

func TestHandleNodeRejectsFarFutureTimestamp(t *testing.T) {
	conv := types.ConversationId{0x44}
	alice := newTestPeer(t, nil)
	bob := newTestPeer(t, nil)
	alice.establish(conv, testRoot())
	bob.establish(conv, testRoot())

	// Alice's clock runs 11 minutes ahead of Bob's, past his 10-minute skew bound.
	alice.clock.Advance(11 * 60 * 1000)
	node, _ := alice.authorText(t, conv, "from the future")

	_, err := bob.eng.HandleNode(conv, node)
	require.Error(t, err)
	require.Equal(t, 0, bob.counts(t, conv).Verified)
}

func TestHandleNodeUnauthorizedSenderQuarantined(t *testing.T) {
	conv := types.ConversationId{0x45}
	alice := newTestPeer(t, nil)
	bob := newTestPeer(t, nil)
	alice.establish(conv, testRoot())
	bob.establish(conv, testRoot())

	// Carol holds the conversation key and claims authorship under Alice's
	// logical identity, but no delegation chain authorizes her device.
	carol := newTestPeer(t, &alice.self.LogicalPk)
	carol.establish(conv, testRoot())
	node, hash := carol.authorText(t, conv, "impostor")

	effects, err := bob.eng.HandleNode(conv, node)
	require.NoError(t, err)
	events := bob.apply(t, conv, effects)
	require.True(t, hasEvent(events, EventNodeSpeculative, hash))
	require.Equal(t, 0, bob.counts(t, conv).Verified)
	require.Equal(t, 1, bob.counts(t, conv).Speculative)
}

// TestDelegatedDeviceRevocationDemotes walks the delegation lifecycle end to
// end at the engine level: authorize a second device, verify a node it
// authors, then revoke it and observe retroactive demotion of that node.
func TestDelegatedDeviceRevocationDemotes(t *testing.T) {
	conv := types.ConversationId{0x46}
	founder := newTestPeer(t, nil)
	founder.establish(conv, testRoot())

	second := newTestPeer(t, &founder.self.LogicalPk)
	second.establish(conv, testRoot())

	// Founder authorizes the second device with MESSAGE permission.
	cert := dagnode.DelegationCertificate{
		Device:      second.self.DevicePk,
		Permissions: dagnode.PermMessage,
		ExpiresAt:   1 << 50,
		IssuerPk:    founder.self.DevicePk,
	}
	cert.Signature = identity.SignDelegation(founder.self.DeviceSk, cert.Device, cert.Permissions, cert.ExpiresAt)
	authContent := dagnode.Content{Kind: dagnode.KindControl, Control: &dagnode.ControlAction{
		Kind:            dagnode.CtlAuthorizeDevice,
		AuthorizeDevice: &dagnode.AuthorizeDeviceAction{Cert: cert},
	}}
	effects, authHash, err := founder.eng.AuthorNode(conv, authContent, nil)
	require.NoError(t, err)
	founder.apply(t, conv, effects)

	authNode, ok, err := founder.st.GetNode(conv, authHash)
	require.NoError(t, err)
	require.True(t, ok)

	// The second device ingests the authorization, learning its own grant.
	effects, err = second.eng.HandleNode(conv, authNode)
	require.NoError(t, err)
	second.apply(t, conv, effects)
	require.Equal(t, 1, second.counts(t, conv).Verified)

	// It authors a text node; the founder verifies it.
	textNode, textHash := second.authorText(t, conv, "from second device")
	effects, err = founder.eng.HandleNode(conv, textNode)
	require.NoError(t, err)
	events := founder.apply(t, conv, effects)
	require.True(t, hasEvent(events, EventNodeVerified, textHash))
	require.Equal(t, 2, founder.counts(t, conv).Verified)

	// Revoking the device demotes its already-verified node.
	revokeContent := dagnode.Content{Kind: dagnode.KindControl, Control: &dagnode.ControlAction{
		Kind:         dagnode.CtlRevokeDevice,
		RevokeDevice: &dagnode.RevokeDeviceAction{Target: second.self.DevicePk, Reason: "compromised"},
	}}
	effects, _, err = founder.eng.AuthorNode(conv, revokeContent, nil)
	require.NoError(t, err)
	events = founder.apply(t, conv, effects)
	require.True(t, hasEvent(events, EventNodeInvalidated, textHash), "got %v", eventKinds(events))

	counts := founder.counts(t, conv)
	require.Equal(t, 2, counts.Verified, "authorize + revoke stay verified")
	require.Equal(t, 1, counts.Speculative, "the revoked device's text node is demoted")
}

func TestAuthorNodeSequencesAndParentChain(t *testing.T) {
	conv := types.ConversationId{0x47}
	alice := newTestPeer(t, nil)
	alice.establish(conv, testRoot())

	n1, h1 := alice.authorText(t, conv, "one")
	n2, h2 := alice.authorText(t, conv, "two")
	n3, h3 := alice.authorText(t, conv, "three")

	require.Empty(t, n1.Parents)
	require.Equal(t, []types.NodeHash{h1}, n2.Parents)
	require.Equal(t, []types.NodeHash{h2}, n3.Parents)

	require.Equal(t, uint64(0), n1.TopologicalRank)
	require.Equal(t, uint64(1), n2.TopologicalRank)
	require.Equal(t, uint64(2), n3.TopologicalRank)

	for i, n := range []*dagnode.MerkleNode{n1, n2, n3} {
		require.Equal(t, types.Epoch(0), n.SequenceNumber.Epoch())
		require.Equal(t, uint32(i), n.SequenceNumber.Counter())
	}

	heads, err := alice.st.GetHeads(conv)
	require.NoError(t, err)
	require.Equal(t, []types.NodeHash{h3}, heads)
}

func TestAuthorNodeRotatesOnMessageBudget(t *testing.T) {
	conv := types.ConversationId{0x48}
	alice := newTestPeer(t, nil)
	cfg := DefaultConfig()
	cfg.MessagesPerEpoch = 1
	alice.eng = New(zap.NewNop(), cfg, alice.st, identity.NewManager(0), alice.self, alice.clock.Now)
	alice.establish(conv, testRoot())

	first, _ := alice.authorText(t, conv, "one")
	require.Equal(t, types.Epoch(0), first.SequenceNumber.Epoch())

	// The second authoring call trips the per-epoch message budget and
	// rotates first: a Rekey control and a KeyWrap precede the text node.
	content := dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{Body: "two"}}
	effects, hash, err := alice.eng.AuthorNode(conv, content, nil)
	require.NoError(t, err)
	events := alice.apply(t, conv, effects)

	require.Equal(t, types.Epoch(1), alice.eng.RatchetManager(conv).CurrentEpoch())

	var sawNewEpochKey, sawRekey, sawKeyWrap bool
	for _, eff := range effects {
		switch eff.Kind {
		case EffectWriteConversationKey:
			if eff.WriteConversationKey.Epoch == types.Epoch(1) {
				sawNewEpochKey = true
			}
		case EffectWriteStore:
			c := eff.WriteStore.Node.Content
			if c.Kind == dagnode.KindControl && c.Control != nil && c.Control.Kind == dagnode.CtlRekey {
				sawRekey = true
			}
			if c.Kind == dagnode.KindKeyWrap {
				sawKeyWrap = true
			}
		}
	}
	require.True(t, sawNewEpochKey, "rotation must persist the new epoch root")
	require.True(t, sawRekey, "rotation authors a Rekey control node")
	require.True(t, sawKeyWrap, "rotation authors a KeyWrap for the new epoch")

	var sawAdvance bool
	for _, e := range events {
		if e.Kind == EventRatchetAdvanced {
			sawAdvance = true
		}
	}
	require.True(t, sawAdvance)

	second, ok, err := alice.st.GetNode(conv, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.Epoch(1), second.SequenceNumber.Epoch())
	// The Rekey and KeyWrap nodes authored by the rotation occupy the new
	// epoch's first counters; the text node follows them.
	require.Equal(t, uint32(2), second.SequenceNumber.Counter())
}

// TestSyncHeadsFetchFlow drives the dispatch path a real sync follows:
// heads advertisement, fetch batching, wire-node response, and ingress.
func TestSyncHeadsFetchFlow(t *testing.T) {
	conv := types.ConversationId{0x49}
	alice := newTestPeer(t, nil)
	bob := newTestPeer(t, nil)
	alice.establish(conv, testRoot())
	bob.establish(conv, testRoot())

	_, hash := alice.authorText(t, conv, "fetch me")

	// Bob learns Alice's head and queues it as missing.
	heads := wire.SyncHeadsMessage{ConvId: conv, Heads: []types.NodeHash{hash}}
	_, err := bob.eng.HandleMessage(alice.self.DevicePk, conv, wire.ProtocolMessage{Kind: wire.KindSyncHeads, SyncHeads: &heads})
	require.NoError(t, err)

	// His next poll drains the missing set into a fetch batch.
	bob.clock.Advance(1000)
	pollEffects := bob.eng.Poll(bob.clock.Now())
	require.NotEmpty(t, pollEffects)
	require.Equal(t, EffectScheduleWakeup, pollEffects[len(pollEffects)-1].Kind, "poll always ends with a wakeup hint")

	var fetch *wire.FetchBatchReqMessage
	for _, eff := range pollEffects {
		if eff.Kind == EffectSendPacket && eff.SendPacket.Message.Kind == wire.KindFetchBatchReq {
			fetch = eff.SendPacket.Message.FetchBatchReq
		}
	}
	require.NotNil(t, fetch)
	require.Contains(t, fetch.Hashes, hash)

	// Alice answers the fetch with a sealed wire node.
	respEffects, err := alice.eng.HandleMessage(bob.self.DevicePk, conv, wire.ProtocolMessage{Kind: wire.KindFetchBatchReq, FetchBatchReq: fetch})
	require.NoError(t, err)
	var nodeMsg *wire.MerkleNodeMessage
	for _, eff := range respEffects {
		if eff.Kind == EffectSendPacket && eff.SendPacket.Message.Kind == wire.KindMerkleNode {
			nodeMsg = eff.SendPacket.Message.MerkleNode
		}
	}
	require.NotNil(t, nodeMsg)
	require.Equal(t, hash, nodeMsg.Hash)

	// Bob unpacks and verifies it.
	inEffects, err := bob.eng.HandleMessage(alice.self.DevicePk, conv, wire.ProtocolMessage{Kind: wire.KindMerkleNode, MerkleNode: nodeMsg})
	require.NoError(t, err)
	events := bob.apply(t, conv, inEffects)
	require.True(t, hasEvent(events, EventNodeVerified, hash), "got %v", eventKinds(events))
	require.Equal(t, 1, bob.counts(t, conv).Verified)
}
