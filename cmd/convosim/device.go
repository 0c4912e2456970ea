package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/duskline/convo/blob"
	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/engine"
	"github.com/duskline/convo/identity"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/transport"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// Device is one simulated participant: its own engine, store, identity
// graph, and transport endpoint, wired together the way a real process
// would wire them, minus the disk and socket.
type Device struct {
	Name string

	Conv   types.ConversationId
	Clock  *ManualTimeProvider
	Engine *engine.Engine
	Store  store.Store

	Self      engine.Identity
	Transport *transport.MemTransport

	Events []engine.Event

	inboxMu sync.Mutex
	inbox   []inboxEntry
}

type inboxEntry struct {
	from types.PhysicalDevicePk
	msg  wire.ProtocolMessage
}

// NewDevice generates a fresh single-device logical identity (device_pk ==
// logical_pk, the founder convention) and assembles an Engine over an
// in-memory store and identity manager, registered onto net under name.
func NewDevice(name string, conv types.ConversationId, clock *ManualTimeProvider, net *transport.MemNetwork) (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("convosim: NewDevice: generate signing key: %w", err)
	}
	var devicePk types.PhysicalDevicePk
	copy(devicePk[:], pub)

	dhSk, dhPk, err := ratchet.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("convosim: NewDevice: generate dh key: %w", err)
	}

	self := engine.Identity{
		LogicalPk: devicePk.ToLogical(),
		DevicePk:  devicePk,
		DeviceSk:  priv,
		DhSk:      types.PhysicalDeviceDhSk(dhSk),
		DhPk:      types.PhysicalDeviceDhPk(dhPk),
	}

	st := store.NewMemStore()
	identMgr := identity.NewManager(0)
	eng := engine.New(zap.NewNop(), engine.DefaultConfig(), st, identMgr, self, clock.Now)

	d := &Device{
		Name:   name,
		Conv:   conv,
		Clock:  clock,
		Engine: eng,
		Store:  st,
		Self:   self,
	}
	d.Transport = transport.NewMemTransport(net, devicePk)
	d.Transport.SetHandler(d.onReceive)
	return d, nil
}

// EstablishEpochZero installs a pre-shared conversation key at epoch 0, the
// harness's stand-in for an out-of-band group key agreed before any device
// has sent a single packet.
func (d *Device) EstablishEpochZero(root [32]byte, now int64) {
	d.Engine.RatchetManager(d.Conv).Establish(types.Epoch(0), root, now)
}

// AuthorText authors a plain text node and applies the resulting effects.
func (d *Device) AuthorText(body string) (types.NodeHash, error) {
	content := dagnode.Content{Kind: dagnode.KindText, Text: &dagnode.TextContent{Body: body}}
	effects, hash, err := d.Engine.AuthorNode(d.Conv, content, nil)
	if err != nil {
		return types.NodeHash{}, err
	}
	d.applyEffects(effects)
	return hash, nil
}

// AuthorBlobRef authors a Content::Blob node referencing a blob already
// built into this device's own tracker.
func (d *Device) AuthorBlobRef(hash types.NodeHash, name string, size uint64) (types.NodeHash, error) {
	content := dagnode.Content{Kind: dagnode.KindBlob, Blob: &dagnode.BlobContent{
		Hash: hash,
		Name: name,
		Size: size,
	}}
	effects, nodeHash, err := d.Engine.AuthorNode(d.Conv, content, nil)
	if err != nil {
		return types.NodeHash{}, err
	}
	d.applyEffects(effects)
	return nodeHash, nil
}

// SeedBlob loads data into this device's blob store as a fully available
// blob and returns its content hash, so a scenario can author a Blob node
// referencing it and serve chunk requests from peers.
func (d *Device) SeedBlob(data []byte) (types.NodeHash, error) {
	var chunks [][]byte
	for off := 0; off < len(data); off += blob.ChunkSize {
		end := off + blob.ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	root, proofs := blob.BuildTree(chunks)
	tr := blob.NewTracker(d.Store)
	if err := tr.StartBlob(root, uint64(len(data)), root); err != nil {
		return types.NodeHash{}, err
	}
	for i, c := range chunks {
		_, verified, err := tr.PutChunk(d.Conv, root, uint64(i), c, proofs[i])
		if err != nil {
			return types.NodeHash{}, err
		}
		if !verified {
			return types.NodeHash{}, fmt.Errorf("convosim: SeedBlob: chunk %d failed its own proof", i)
		}
	}
	return root, nil
}

// AuthorizeDevice authors a CtlAuthorizeDevice node delegating perms to
// target, signed by this device's own key as issuer.
func (d *Device) AuthorizeDevice(target types.PhysicalDevicePk, perms dagnode.Permissions, now int64) (types.NodeHash, error) {
	cert := dagnode.DelegationCertificate{
		Device:      target,
		Permissions: perms,
		ExpiresAt:   now + 100*365*24*60*60*1000,
		IssuerPk:    d.Self.DevicePk,
	}
	cert.Signature = identity.SignDelegation(d.Self.DeviceSk, cert.Device, cert.Permissions, cert.ExpiresAt)
	content := dagnode.Content{Kind: dagnode.KindControl, Control: &dagnode.ControlAction{
		Kind:            dagnode.CtlAuthorizeDevice,
		AuthorizeDevice: &dagnode.AuthorizeDeviceAction{Cert: cert},
	}}
	effects, hash, err := d.Engine.AuthorNode(d.Conv, content, nil)
	if err != nil {
		return types.NodeHash{}, err
	}
	d.applyEffects(effects)
	return hash, nil
}

// RevokeDevice authors a CtlRevokeDevice node targeting target.
func (d *Device) RevokeDevice(target types.PhysicalDevicePk, reason string) (types.NodeHash, error) {
	content := dagnode.Content{Kind: dagnode.KindControl, Control: &dagnode.ControlAction{
		Kind:         dagnode.CtlRevokeDevice,
		RevokeDevice: &dagnode.RevokeDeviceAction{Target: target, Reason: reason},
	}}
	effects, hash, err := d.Engine.AuthorNode(d.Conv, content, nil)
	if err != nil {
		return types.NodeHash{}, err
	}
	d.applyEffects(effects)
	return hash, nil
}

// onReceive decodes an inbound datagram and queues it; it never calls back
// into the engine directly, since Send can be invoked synchronously from
// inside another device's own HandleMessage/Poll call while that device
// still holds its own engine lock.
func (d *Device) onReceive(from types.PhysicalDevicePk, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		return
	}
	d.inboxMu.Lock()
	d.inbox = append(d.inbox, inboxEntry{from: from, msg: msg})
	d.inboxMu.Unlock()
}

// DrainInbox feeds every queued inbound message through HandleMessage and
// applies the resulting effects, returning whatever events fired.
func (d *Device) DrainInbox() []engine.Event {
	d.inboxMu.Lock()
	pending := d.inbox
	d.inbox = nil
	d.inboxMu.Unlock()

	var events []engine.Event
	for _, e := range pending {
		effects, err := d.Engine.HandleMessage(e.from, d.Conv, e.msg)
		if err != nil {
			continue
		}
		events = append(events, d.applyEffects(effects)...)
	}
	d.Events = append(d.Events, events...)
	return events
}

// Poll drives the device's time-based maintenance and applies the result.
func (d *Device) Poll() []engine.Event {
	effects := d.Engine.Poll(d.Clock.Now())
	events := d.applyEffects(effects)
	d.Events = append(d.Events, events...)
	return events
}

// applyEffects is the runtime half of the engine's effect contract: every
// Effect the engine ever returns is handled here by writing to
// this device's own store or sending a packet over its transport.
func (d *Device) applyEffects(effects []engine.Effect) []engine.Event {
	var events []engine.Event
	for _, eff := range effects {
		switch eff.Kind {
		case engine.EffectSendPacket:
			data, err := wire.Encode(eff.SendPacket.Message)
			if err != nil {
				continue
			}
			_ = d.Transport.Send(context.Background(), eff.SendPacket.To, data)
		case engine.EffectWriteStore:
			_ = d.Store.PutNode(eff.WriteStore.Conv, eff.WriteStore.Node, eff.WriteStore.Verified)
		case engine.EffectInvalidateNode:
			_ = d.Store.InvalidateNode(eff.InvalidateNode.Conv, eff.InvalidateNode.Hash)
		case engine.EffectWriteWireNode:
			_ = d.Store.PutWireNode(eff.WriteWireNode.Conv, eff.WriteWireNode.Hash, eff.WriteWireNode.Node)
		case engine.EffectDeleteWireNode:
			_ = d.Store.RemoveWireNode(eff.DeleteWireNode.Conv, eff.DeleteWireNode.Hash)
		case engine.EffectWriteRatchetKey:
			_ = d.Store.PutRatchetKey(eff.WriteRatchetKey.Conv, eff.WriteRatchetKey.Hash, eff.WriteRatchetKey.Chain, eff.WriteRatchetKey.Epoch)
		case engine.EffectDeleteRatchetKey:
			_ = d.Store.RemoveRatchetKey(eff.DeleteRatchetKey.Conv, eff.DeleteRatchetKey.Hash)
		case engine.EffectUpdateHeads:
			if eff.UpdateHeads.Admin {
				_ = d.Store.SetAdminHeads(eff.UpdateHeads.Conv, eff.UpdateHeads.Heads)
			} else {
				_ = d.Store.SetHeads(eff.UpdateHeads.Conv, eff.UpdateHeads.Heads)
			}
		case engine.EffectWriteConversationKey:
			_ = d.Store.PutConversationKey(eff.WriteConversationKey.Conv, eff.WriteConversationKey.Epoch, eff.WriteConversationKey.Root)
		case engine.EffectWriteEpochMetadata:
			_ = d.Store.UpdateEpochMetadata(eff.WriteEpochMetadata.Conv, eff.WriteEpochMetadata.Epoch, eff.WriteEpochMetadata.Meta)
		case engine.EffectWriteBlobInfo:
			_ = d.Store.PutBlobInfo(eff.WriteBlobInfo.Info)
		case engine.EffectWriteChunk:
			_ = d.Store.PutChunk(eff.WriteChunk.Conv, eff.WriteChunk.Hash, eff.WriteChunk.Offset, eff.WriteChunk.Data, eff.WriteChunk.Proof)
		case engine.EffectEmitEvent:
			events = append(events, *eff.EmitEvent)
		case engine.EffectScheduleWakeup:
			// The harness drives Poll on its own schedule; the wakeup hint
			// isn't needed when every device is polled every round anyway.
		}
	}
	return events
}

// VerifiedCount reports how many verified nodes this device holds for its
// conversation, the metric S1/S3/S4 assert against.
func (d *Device) VerifiedCount() int {
	counts, err := d.Store.GetNodeCounts(d.Conv)
	if err != nil {
		return 0
	}
	return counts.Verified
}

// IsVerified reports whether hash is in this device's verified set: the
// store holds the node and neither the speculative nor the opaque set
// claims it (a demoted node stays stored, just not verified).
func (d *Device) IsVerified(hash types.NodeHash) bool {
	if _, ok, err := d.Store.GetNode(d.Conv, hash); err != nil || !ok {
		return false
	}
	spec, err := d.Store.GetSpeculativeNodes(d.Conv)
	if err != nil {
		return false
	}
	for _, h := range spec {
		if h == hash {
			return false
		}
	}
	opaque, err := d.Store.GetOpaqueNodeHashes(d.Conv)
	if err != nil {
		return false
	}
	for _, h := range opaque {
		if h == hash {
			return false
		}
	}
	return true
}

// Connect starts the sync handshake with peer in both directions: each
// device seeds its session for the other with its current heads and marks
// it dirty so the next Poll advertises them, mirroring a caller invoking
// StartSync after first contact or a partition heals.
func (d *Device) Connect(peer *Device) {
	d.Engine.StartSync(d.Conv, peer.Self.DevicePk)
	peer.Engine.StartSync(d.Conv, d.Self.DevicePk)
}

// SetReachable flips this device's reachability towards peer on the shared
// network, modeling a partition or its healing.
func SetReachable(net *transport.MemNetwork, d *Device, reachable bool) {
	net.SetReachable(d.Self.DevicePk, reachable)
}
