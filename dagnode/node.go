// Package dagnode implements the causal DAG model: MerkleNode/WireNode
// structures, their canonical serialization, hashing, and structural
// validation. The binary layout is hand-rolled rather than produced by a
// generic serializer, since the wire format is fixed byte-for-byte and a
// codec generator would fight that layout rather than help it.
package dagnode

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/duskline/convo/types"
	"lukechampine.com/blake3"
)

// NodeType is derived from Content: Control content is Admin, everything
// else is Content.
type NodeType uint8

const (
	TypeContent NodeType = iota
	TypeAdmin
)

func TypeOf(c Content) NodeType {
	if c.Kind == KindControl {
		return TypeAdmin
	}
	return TypeContent
}

// AuthKind tags whether a node's Authentication field is a MAC (content) or
// a signature (admin).
type AuthKind uint8

const (
	AuthMac AuthKind = iota
	AuthSignature
)

// Authentication is the tagged union over Mac/Signature.
type Authentication struct {
	Kind      AuthKind
	Mac       types.Mac
	Signature types.Signature
}

// MerkleNode is the in-memory, decrypted unit of the DAG.
type MerkleNode struct {
	Parents           []types.NodeHash // sorted lexicographically
	AuthorPk          types.LogicalIdentityPk
	SenderPk          types.PhysicalDevicePk
	SequenceNumber    types.SequenceNumber
	TopologicalRank   uint64
	NetworkTimestamp  int64 // ms
	Content           Content
	Metadata          []byte
	Authentication    Authentication
}

// NodeType derives the node's type from its content.
func (n *MerkleNode) NodeType() NodeType { return TypeOf(n.Content) }

// SortParents orders Parents lexicographically in place, the canonical
// order every authored node must present its parents in.
func (n *MerkleNode) SortParents() {
	sort.Slice(n.Parents, func(i, j int) bool { return n.Parents[i].Less(n.Parents[j]) })
}

// ExpectedRank computes 1 + max(parent ranks), or 0 if Parents is empty.
func ExpectedRank(parentRanks []uint64) uint64 {
	if len(parentRanks) == 0 {
		return 0
	}
	var max uint64
	for _, r := range parentRanks {
		if r > max {
			max = r
		}
	}
	return max + 1
}

// putBytes length-prefixes b with a little-endian u32 length.
func putBytes(buf []byte, b []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	buf = append(buf, n[:]...)
	buf = append(buf, b...)
	return buf
}

func putU64(buf []byte, v uint64) []byte {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], v)
	return append(buf, n[:]...)
}

func putI64(buf []byte, v int64) []byte { return putU64(buf, uint64(v)) }

func putU32(buf []byte, v uint32) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], v)
	return append(buf, n[:]...)
}

func putU8(buf []byte, v uint8) []byte { return append(buf, v) }

// SerializeForAuth produces the canonical, deterministic byte encoding of n
// used both as the hash preimage and as the signature/MAC input. It never
// includes the Authentication field, so a node's identity is stable before
// it is signed or MAC'd.
func SerializeForAuth(n *MerkleNode, conv types.ConversationId) []byte {
	buf := make([]byte, 0, 256+len(n.Metadata))
	buf = putBytes(buf, conv[:])
	buf = putU32(buf, uint32(len(n.Parents)))
	for _, p := range n.Parents {
		buf = append(buf, p[:]...)
	}
	buf = append(buf, n.AuthorPk[:]...)
	buf = append(buf, n.SenderPk[:]...)
	buf = putU64(buf, uint64(n.SequenceNumber))
	buf = putU64(buf, n.TopologicalRank)
	buf = putI64(buf, n.NetworkTimestamp)
	buf = serializeContent(buf, n.Content)
	buf = putBytes(buf, n.Metadata)
	return buf
}

func serializeContent(buf []byte, c Content) []byte {
	buf = putU8(buf, uint8(c.Kind))
	switch c.Kind {
	case KindText:
		buf = putBytes(buf, []byte(c.Text.Body))
	case KindBlob:
		buf = append(buf, c.Blob.Hash[:]...)
		buf = putBytes(buf, []byte(c.Blob.Name))
		buf = putBytes(buf, []byte(c.Blob.Mime))
		buf = putU64(buf, c.Blob.Size)
		buf = putBytes(buf, c.Blob.Metadata)
	case KindReaction:
		buf = append(buf, c.Reaction.Target[:]...)
		buf = putBytes(buf, []byte(c.Reaction.Emoji))
	case KindLocation:
		buf = putI64(buf, int64(c.Location.Lat*1e7))
		buf = putI64(buf, int64(c.Location.Lon*1e7))
		buf = putBytes(buf, []byte(c.Location.Label))
	case KindRedaction:
		buf = append(buf, c.Redaction.Target[:]...)
		buf = putBytes(buf, []byte(c.Redaction.Reason))
	case KindOther:
		buf = putBytes(buf, []byte(c.Other.Tag))
		buf = putBytes(buf, c.Other.Body)
	case KindKeyWrap:
		buf = putU32(buf, uint32(c.KeyWrap.Epoch))
		buf = putU32(buf, uint32(len(c.KeyWrap.Wraps)))
		for _, w := range c.KeyWrap.Wraps {
			buf = append(buf, w.Recipient[:]...)
			buf = putBytes(buf, w.SealedKey)
			buf = putBytes(buf, w.SealedNonce)
		}
		if c.KeyWrap.EphemeralPk != nil {
			buf = putU8(buf, 1)
			buf = append(buf, c.KeyWrap.EphemeralPk[:]...)
		} else {
			buf = putU8(buf, 0)
		}
		if c.KeyWrap.PreKeyPk != nil {
			buf = putU8(buf, 1)
			buf = append(buf, c.KeyWrap.PreKeyPk[:]...)
		} else {
			buf = putU8(buf, 0)
		}
	case KindRatchetSnapshot:
		buf = putU32(buf, uint32(c.RatchetSnapshot.Epoch))
		buf = putU32(buf, uint32(len(c.RatchetSnapshot.EncryptedWraps)))
		for _, w := range c.RatchetSnapshot.EncryptedWraps {
			buf = append(buf, w.Recipient[:]...)
			buf = putBytes(buf, w.SealedKey)
			buf = putBytes(buf, w.SealedNonce)
		}
	case KindControl:
		buf = serializeControl(buf, c.Control)
	}
	return buf
}

func serializeControl(buf []byte, a *ControlAction) []byte {
	buf = putU8(buf, uint8(a.Kind))
	switch a.Kind {
	case CtlAuthorizeDevice:
		cert := a.AuthorizeDevice.Cert
		buf = append(buf, cert.Device[:]...)
		buf = putU32(buf, uint32(cert.Permissions))
		buf = putI64(buf, cert.ExpiresAt)
		buf = append(buf, cert.IssuerPk[:]...)
		buf = append(buf, cert.Signature[:]...)
	case CtlRevokeDevice:
		buf = append(buf, a.RevokeDevice.Target[:]...)
		buf = putBytes(buf, []byte(a.RevokeDevice.Reason))
		if a.RevokeDevice.RevokeMaster {
			buf = putU8(buf, 1)
		} else {
			buf = putU8(buf, 0)
		}
	case CtlSetTitle:
		buf = putBytes(buf, []byte(*a.SetTitle))
	case CtlSetTopic:
		buf = putBytes(buf, []byte(*a.SetTopic))
	case CtlInvite:
		buf = append(buf, a.Invite.Logical[:]...)
		buf = putBytes(buf, []byte(a.Invite.Role))
	case CtlLeave:
		buf = append(buf, (*a.Leave)[:]...)
	case CtlRekey:
		buf = putU32(buf, uint32(a.Rekey.NewEpoch))
	case CtlSnapshot:
		buf = append(buf, a.Snapshot.Basis[:]...)
		buf = putU32(buf, uint32(len(a.Snapshot.Members)))
		for _, m := range a.Snapshot.Members {
			buf = append(buf, m[:]...)
		}
		buf = putU32(buf, uint32(len(a.Snapshot.LastSeqs)))
		keys := make([]types.PhysicalDevicePk, 0, len(a.Snapshot.LastSeqs))
		for k := range a.Snapshot.LastSeqs {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return string(keys[i][:]) < string(keys[j][:])
		})
		for _, k := range keys {
			buf = append(buf, k[:]...)
			buf = putU64(buf, uint64(a.Snapshot.LastSeqs[k]))
		}
	case CtlAnnouncement:
		buf = putU32(buf, uint32(len(a.Announcement.PreKeys)))
		for _, pk := range a.Announcement.PreKeys {
			buf = append(buf, pk[:]...)
		}
		buf = append(buf, a.Announcement.LastResortKey[:]...)
	case CtlGenesis, CtlHandshakePulse:
		// no payload
	}
	return buf
}

// Hash computes the node's NodeHash: a Blake3 digest of
// SerializeForAuth(n, conv).
func Hash(n *MerkleNode, conv types.ConversationId) types.NodeHash {
	sum := blake3.Sum256(SerializeForAuth(n, conv))
	return types.NodeHash(sum)
}

// ValidateOutcome is the tagged result of Validate. The zero value is Ok.
type ValidateOutcome struct {
	Kind ValidateKind

	MissingParents  []types.NodeHash
	ExpectedRank    uint64
	ActualRank      uint64
	ActualSeq       types.SequenceNumber
	LastSeq         types.SequenceNumber
}

type ValidateKind uint8

const (
	ValidateOk ValidateKind = iota
	ValidateMissingParents
	ValidateTopologicalRankViolation
	ValidateEmptyDag
	ValidateInvalidSequenceNumber
	ValidateTooManySpeculativeNodes
	ValidateTooManyVerifiedNodes
)

// Recoverable reports whether the outcome should quarantine the node
// rather than reject it outright: missing parents and rank violations
// can resolve once the rest of the DAG catches up.
func (o ValidateOutcome) Recoverable() bool {
	switch o.Kind {
	case ValidateMissingParents, ValidateTopologicalRankViolation:
		return true
	default:
		return false
	}
}

func (o ValidateOutcome) Error() string {
	switch o.Kind {
	case ValidateOk:
		return "ok"
	case ValidateMissingParents:
		return fmt.Sprintf("missing %d parents", len(o.MissingParents))
	case ValidateTopologicalRankViolation:
		return fmt.Sprintf("rank violation: expected %d, got %d", o.ExpectedRank, o.ActualRank)
	case ValidateEmptyDag:
		return "empty dag: node has no parents and is not a bootstrap"
	case ValidateInvalidSequenceNumber:
		return fmt.Sprintf("invalid sequence number: %v, last %v", o.ActualSeq, o.LastSeq)
	case ValidateTooManySpeculativeNodes:
		return "too many speculative nodes"
	case ValidateTooManyVerifiedNodes:
		return "too many verified nodes"
	default:
		return "unknown validation outcome"
	}
}

// Lookup resolves the data Validate needs from the store/overlay without
// binding dagnode to a concrete store implementation.
type Lookup interface {
	// RankOf returns the topological rank of a parent hash and whether it
	// is known at all (verified or speculative).
	RankOf(h types.NodeHash) (rank uint64, known bool)
	// IsVerified reports whether a parent hash is in the verified set.
	IsVerified(h types.NodeHash) bool
	// LastSequence returns the last verified sequence number for
	// (sender, epoch) and whether one exists yet.
	LastSequence(sender types.PhysicalDevicePk, epoch types.Epoch) (types.SequenceNumber, bool)
	SpeculativeCount() int
	VerifiedCount() int
}

// Limits bounds per-conversation node counts. Validate compares
// MaxVerifiedPerDevicePerEpoch against Lookup.VerifiedCount, the
// conversation's total verified count; verified nodes are not counted
// separately per device or per epoch.
type Limits struct {
	MaxSpeculativePerConversation int
	MaxVerifiedPerDevicePerEpoch  int
}

// Validate runs the DAG's structural validation rules: parent presence,
// topological rank, and sequence monotonicity. It does not itself decide
// authorization or authenticity — those belong to the engine.
func Validate(n *MerkleNode, lookup Lookup, limits Limits, isBootstrap bool) ValidateOutcome {
	// A parentless non-bootstrap node is only admissible as the DAG's very
	// first node; once verified history exists it must name parents.
	if len(n.Parents) == 0 && !isBootstrap && lookup.VerifiedCount() > 0 {
		return ValidateOutcome{Kind: ValidateEmptyDag}
	}

	var missing []types.NodeHash
	parentRanks := make([]uint64, 0, len(n.Parents))
	for _, p := range n.Parents {
		rank, known := lookup.RankOf(p)
		if !known {
			missing = append(missing, p)
			continue
		}
		parentRanks = append(parentRanks, rank)
	}
	if len(missing) > 0 {
		return ValidateOutcome{Kind: ValidateMissingParents, MissingParents: missing}
	}

	expected := ExpectedRank(parentRanks)
	if n.TopologicalRank != expected {
		return ValidateOutcome{Kind: ValidateTopologicalRankViolation, ExpectedRank: expected, ActualRank: n.TopologicalRank}
	}

	if last, ok := lookup.LastSequence(n.SenderPk, n.SequenceNumber.Epoch()); ok {
		if n.SequenceNumber <= last {
			return ValidateOutcome{Kind: ValidateInvalidSequenceNumber, ActualSeq: n.SequenceNumber, LastSeq: last}
		}
	}

	if lookup.SpeculativeCount() >= limits.MaxSpeculativePerConversation {
		return ValidateOutcome{Kind: ValidateTooManySpeculativeNodes}
	}
	if limits.MaxVerifiedPerDevicePerEpoch > 0 && lookup.VerifiedCount() >= limits.MaxVerifiedPerDevicePerEpoch {
		return ValidateOutcome{Kind: ValidateTooManyVerifiedNodes}
	}

	return ValidateOutcome{Kind: ValidateOk}
}
