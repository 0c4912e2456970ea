package engine

import (
	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// EffectKind tags the variant an Effect carries. The runtime applies a
// batch of effects in the fixed order the engine emits them.
type EffectKind uint8

const (
	EffectSendPacket EffectKind = iota
	EffectWriteStore
	EffectInvalidateNode
	EffectWriteWireNode
	EffectDeleteWireNode
	EffectWriteRatchetKey
	EffectDeleteRatchetKey
	EffectUpdateHeads
	EffectWriteConversationKey
	EffectWriteEpochMetadata
	EffectWriteBlobInfo
	EffectWriteChunk
	EffectEmitEvent
	EffectScheduleWakeup
)

func (k EffectKind) String() string {
	switch k {
	case EffectSendPacket:
		return "SendPacket"
	case EffectWriteStore:
		return "WriteStore"
	case EffectInvalidateNode:
		return "InvalidateNode"
	case EffectWriteWireNode:
		return "WriteWireNode"
	case EffectDeleteWireNode:
		return "DeleteWireNode"
	case EffectWriteRatchetKey:
		return "WriteRatchetKey"
	case EffectDeleteRatchetKey:
		return "DeleteRatchetKey"
	case EffectUpdateHeads:
		return "UpdateHeads"
	case EffectWriteConversationKey:
		return "WriteConversationKey"
	case EffectWriteEpochMetadata:
		return "WriteEpochMetadata"
	case EffectWriteBlobInfo:
		return "WriteBlobInfo"
	case EffectWriteChunk:
		return "WriteChunk"
	case EffectEmitEvent:
		return "EmitEvent"
	case EffectScheduleWakeup:
		return "ScheduleWakeup"
	default:
		return "Unknown"
	}
}

// Effect is the tagged union every public engine entry point returns instead
// of mutating the world directly. The runtime (simulation harness or a real
// transport/disk loop) applies each one in order.
type Effect struct {
	Kind EffectKind

	SendPacket           *SendPacketEffect
	WriteStore           *WriteStoreEffect
	InvalidateNode       *InvalidateNodeEffect
	WriteWireNode        *WriteWireNodeEffect
	DeleteWireNode       *DeleteWireNodeEffect
	WriteRatchetKey      *WriteRatchetKeyEffect
	DeleteRatchetKey     *DeleteRatchetKeyEffect
	UpdateHeads          *UpdateHeadsEffect
	WriteConversationKey *WriteConversationKeyEffect
	WriteEpochMetadata   *WriteEpochMetadataEffect
	WriteBlobInfo        *WriteBlobInfoEffect
	WriteChunk           *WriteChunkEffect
	EmitEvent            *Event
	ScheduleWakeup       *ScheduleWakeupEffect
}

type SendPacketEffect struct {
	To      types.PhysicalDevicePk
	Conv    types.ConversationId
	Message wire.ProtocolMessage
}

type WriteStoreEffect struct {
	Conv     types.ConversationId
	Node     *dagnode.MerkleNode
	Hash     types.NodeHash
	Verified bool
}

// InvalidateNodeEffect retracts a node's verified status, emitted when
// retroactive revalidation finds a node whose authorizing identity chain no
// longer holds.
type InvalidateNodeEffect struct {
	Conv types.ConversationId
	Hash types.NodeHash
}

type WriteWireNodeEffect struct {
	Conv types.ConversationId
	Hash types.NodeHash
	Node dagnode.WireNode
}

type DeleteWireNodeEffect struct {
	Conv types.ConversationId
	Hash types.NodeHash
}

type WriteRatchetKeyEffect struct {
	Conv  types.ConversationId
	Hash  types.NodeHash
	Chain ratchet.ChainKey
	Epoch types.Epoch
}

type DeleteRatchetKeyEffect struct {
	Conv types.ConversationId
	Hash types.NodeHash
}

type UpdateHeadsEffect struct {
	Conv  types.ConversationId
	Heads []types.NodeHash
	Admin bool
}

type WriteConversationKeyEffect struct {
	Conv  types.ConversationId
	Epoch types.Epoch
	Root  [32]byte
}

type WriteEpochMetadataEffect struct {
	Conv  types.ConversationId
	Epoch types.Epoch
	Meta  store.EpochMetadata
}

type WriteBlobInfoEffect struct {
	Info wire.BlobInfo
}

type WriteChunkEffect struct {
	Conv   types.ConversationId
	Hash   types.NodeHash
	Offset uint64
	Data   []byte
	Proof  []byte
}

type ScheduleWakeupEffect struct {
	AtMs int64
}

// EventKind tags the variant an Event carries.
type EventKind uint8

const (
	EventNodeVerified EventKind = iota
	EventNodeSpeculative
	EventNodeInvalidated
	EventRatchetAdvanced
	EventPermissionDenied
	EventBlobAvailable
)

func (k EventKind) String() string {
	switch k {
	case EventNodeVerified:
		return "NodeVerified"
	case EventNodeSpeculative:
		return "NodeSpeculative"
	case EventNodeInvalidated:
		return "NodeInvalidated"
	case EventRatchetAdvanced:
		return "RatchetAdvanced"
	case EventPermissionDenied:
		return "PermissionDenied"
	case EventBlobAvailable:
		return "BlobAvailable"
	default:
		return "Unknown"
	}
}

// Event is the engine's user-facing notification, carried by an
// EffectEmitEvent effect.
type Event struct {
	Kind     EventKind
	Conv     types.ConversationId
	Hash     types.NodeHash
	Sender   types.PhysicalDevicePk
	Required dagnode.Permissions
	Actual   dagnode.Permissions
}

func emitEvent(ev Event) Effect {
	e := ev
	return Effect{Kind: EffectEmitEvent, EmitEvent: &e}
}

func writeStoreEffect(conv types.ConversationId, node *dagnode.MerkleNode, hash types.NodeHash, verified bool) Effect {
	return Effect{Kind: EffectWriteStore, WriteStore: &WriteStoreEffect{Conv: conv, Node: node, Hash: hash, Verified: verified}}
}

func invalidateNodeEffect(conv types.ConversationId, hash types.NodeHash) Effect {
	return Effect{Kind: EffectInvalidateNode, InvalidateNode: &InvalidateNodeEffect{Conv: conv, Hash: hash}}
}

func writeConversationKeyEffect(conv types.ConversationId, epoch types.Epoch, root [32]byte) Effect {
	return Effect{Kind: EffectWriteConversationKey, WriteConversationKey: &WriteConversationKeyEffect{Conv: conv, Epoch: epoch, Root: root}}
}

func writeRatchetKeyEffect(conv types.ConversationId, hash types.NodeHash, chain ratchet.ChainKey, epoch types.Epoch) Effect {
	return Effect{Kind: EffectWriteRatchetKey, WriteRatchetKey: &WriteRatchetKeyEffect{Conv: conv, Hash: hash, Chain: chain, Epoch: epoch}}
}

func updateHeadsEffect(conv types.ConversationId, heads []types.NodeHash, admin bool) Effect {
	return Effect{Kind: EffectUpdateHeads, UpdateHeads: &UpdateHeadsEffect{Conv: conv, Heads: heads, Admin: admin}}
}

func scheduleWakeupEffect(atMs int64) Effect {
	return Effect{Kind: EffectScheduleWakeup, ScheduleWakeup: &ScheduleWakeupEffect{AtMs: atMs}}
}

func sendPacketEffect(to types.PhysicalDevicePk, conv types.ConversationId, msg wire.ProtocolMessage) Effect {
	return Effect{Kind: EffectSendPacket, SendPacket: &SendPacketEffect{To: to, Conv: conv, Message: msg}}
}
