// Package wire defines the datagram-level protocol: one ProtocolMessage per
// packet, length-delimited and tagged by variant, plus the reconciliation
// value types (Shard, SyncRange, IbltCell) and blob-swarm value types
// (BlobInfo) those variants carry. This is distinct from dagnode.WireNode,
// which is the encrypted on-wire form of a single node; a MerkleNode
// ProtocolMessage variant carries exactly one dagnode.WireNode.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/types"
)

// Kind tags a ProtocolMessage's active variant.
type Kind uint8

const (
	KindCapsAnnounce Kind = iota
	KindCapsAck
	KindSyncHeads
	KindSyncShardChecksums
	KindSyncSketch
	KindSyncReconFail
	KindReconPowChallenge
	KindReconPowSolution
	KindFetchBatchReq
	KindMerkleNode
	KindBlobQuery
	KindBlobAvail
	KindBlobReq
	KindBlobData
)

func (k Kind) String() string {
	switch k {
	case KindCapsAnnounce:
		return "CapsAnnounce"
	case KindCapsAck:
		return "CapsAck"
	case KindSyncHeads:
		return "SyncHeads"
	case KindSyncShardChecksums:
		return "SyncShardChecksums"
	case KindSyncSketch:
		return "SyncSketch"
	case KindSyncReconFail:
		return "SyncReconFail"
	case KindReconPowChallenge:
		return "ReconPowChallenge"
	case KindReconPowSolution:
		return "ReconPowSolution"
	case KindFetchBatchReq:
		return "FetchBatchReq"
	case KindMerkleNode:
		return "MerkleNode"
	case KindBlobQuery:
		return "BlobQuery"
	case KindBlobAvail:
		return "BlobAvail"
	case KindBlobReq:
		return "BlobReq"
	case KindBlobData:
		return "BlobData"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// SyncHeadsFlags marks options on a SyncHeads message.
type SyncHeadsFlags uint32

const (
	// FlagShallow requests depth-limited sync starting at MinRank.
	FlagShallow SyncHeadsFlags = 1 << iota
)

// Shard is a (epoch, rank-band) partition of the verified node set, used by
// shard-checksum reconciliation to find divergent ranges cheaply before
// falling back to an IBLT sketch.
type Shard struct {
	Epoch    types.Epoch
	MinRank  uint64
	MaxRank  uint64
	Checksum uint64
}

// SyncRange identifies the shard a SyncSketch or SyncReconFail refers to.
type SyncRange struct {
	Epoch   types.Epoch
	MinRank uint64
	MaxRank uint64
}

// IbltCell is one bucket of an Invertible Bloom Lookup Table: the XOR of
// every hash mapped to this bucket, a running count, and a running
// checksum, enough to peel pure cells during decode.
type IbltCell struct {
	Count    int32
	HashSum  types.NodeHash
	CheckSum uint64
}

// BlobStatus is the state of one in-flight or completed blob transfer.
type BlobStatus uint8

const (
	BlobPending BlobStatus = iota
	BlobDownloading
	BlobAvailable
	BlobError
)

// BlobInfo describes one blob's swarm-visible metadata: identity, size, the
// Bao outboard tree root used to verify chunks, current status, and which
// chunks of a CHUNK_SIZE-quantized stream have already been received.
type BlobInfo struct {
	Hash         types.NodeHash
	Size         uint64
	BaoRoot      types.NodeHash
	Status       BlobStatus
	ReceivedMask []byte // serialized bitset.BitSet
}

// CapsAnnounce/CapsAck carry protocol version and feature-flag negotiation.
type CapsMessage struct {
	Version  uint32
	Features uint64
}

type SyncHeadsMessage struct {
	ConvId types.ConversationId
	Heads  []types.NodeHash
	Flags  SyncHeadsFlags
}

type SyncShardChecksumsMessage struct {
	ConvId types.ConversationId
	Shards []Shard
}

type SyncSketchMessage struct {
	ConvId types.ConversationId
	Range  SyncRange
	Cells  []IbltCell
}

type SyncReconFailMessage struct {
	ConvId types.ConversationId
	Range  SyncRange
}

type ReconPowChallengeMessage struct {
	ConvId     types.ConversationId
	Nonce      [32]byte
	Difficulty uint8
}

type ReconPowSolutionMessage struct {
	ConvId   types.ConversationId
	Nonce    [32]byte
	Solution [32]byte
}

type FetchBatchReqMessage struct {
	ConvId types.ConversationId
	Hashes []types.NodeHash
}

type MerkleNodeMessage struct {
	ConvId types.ConversationId
	Hash   types.NodeHash
	Node   dagnode.WireNode
}

type BlobQueryMessage struct {
	Hash types.NodeHash
}

type BlobAvailMessage struct {
	Info BlobInfo
}

type BlobReqMessage struct {
	Hash   types.NodeHash
	Offset uint64
	Length uint64
}

type BlobDataMessage struct {
	Hash   types.NodeHash
	Offset uint64
	Data   []byte
	Proof  []byte
}

// ProtocolMessage is the tagged union carried by exactly one datagram. Only
// the field matching Kind is populated; the rest are nil/zero.
type ProtocolMessage struct {
	Kind Kind

	CapsAnnounce        *CapsMessage
	CapsAck             *CapsMessage
	SyncHeads           *SyncHeadsMessage
	SyncShardChecksums  *SyncShardChecksumsMessage
	SyncSketch          *SyncSketchMessage
	SyncReconFail       *SyncReconFailMessage
	ReconPowChallenge   *ReconPowChallengeMessage
	ReconPowSolution    *ReconPowSolutionMessage
	FetchBatchReq       *FetchBatchReqMessage
	MerkleNode          *MerkleNodeMessage
	BlobQuery           *BlobQueryMessage
	BlobAvail           *BlobAvailMessage
	BlobReq             *BlobReqMessage
	BlobData            *BlobDataMessage
}

func putU8(buf []byte, v uint8) []byte { return append(buf, v) }

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putHash(buf []byte, h types.NodeHash) []byte { return append(buf, h[:]...) }

func putConvId(buf []byte, c types.ConversationId) []byte { return append(buf, c[:]...) }

func readU8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readU32(r io.Reader, out *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint32(b[:])
	return nil
}

func readU64(r io.Reader, out *uint64) error {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint64(b[:])
	return nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := readU32(r, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readHash(r io.Reader) (types.NodeHash, error) {
	var h types.NodeHash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func readConvId(r io.Reader) (types.ConversationId, error) {
	var c types.ConversationId
	_, err := io.ReadFull(r, c[:])
	return c, err
}

// Encode serializes m into the length-prefixed-field wire format: a
// one-byte Kind tag followed by the variant's
// fields in the order they are listed in this package's type definitions,
// all integers little-endian.
func Encode(m ProtocolMessage) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = putU8(buf, uint8(m.Kind))
	switch m.Kind {
	case KindCapsAnnounce:
		buf = encodeCaps(buf, m.CapsAnnounce)
	case KindCapsAck:
		buf = encodeCaps(buf, m.CapsAck)
	case KindSyncHeads:
		v := m.SyncHeads
		buf = putConvId(buf, v.ConvId)
		buf = putU32(buf, uint32(len(v.Heads)))
		for _, h := range v.Heads {
			buf = putHash(buf, h)
		}
		buf = putU32(buf, uint32(v.Flags))
	case KindSyncShardChecksums:
		v := m.SyncShardChecksums
		buf = putConvId(buf, v.ConvId)
		buf = putU32(buf, uint32(len(v.Shards)))
		for _, s := range v.Shards {
			buf = putU32(buf, uint32(s.Epoch))
			buf = putU64(buf, s.MinRank)
			buf = putU64(buf, s.MaxRank)
			buf = putU64(buf, s.Checksum)
		}
	case KindSyncSketch:
		v := m.SyncSketch
		buf = putConvId(buf, v.ConvId)
		buf = encodeRange(buf, v.Range)
		buf = putU32(buf, uint32(len(v.Cells)))
		for _, c := range v.Cells {
			buf = putU32(buf, uint32(c.Count))
			buf = putHash(buf, c.HashSum)
			buf = putU64(buf, c.CheckSum)
		}
	case KindSyncReconFail:
		v := m.SyncReconFail
		buf = putConvId(buf, v.ConvId)
		buf = encodeRange(buf, v.Range)
	case KindReconPowChallenge:
		v := m.ReconPowChallenge
		buf = putConvId(buf, v.ConvId)
		buf = append(buf, v.Nonce[:]...)
		buf = putU8(buf, v.Difficulty)
	case KindReconPowSolution:
		v := m.ReconPowSolution
		buf = putConvId(buf, v.ConvId)
		buf = append(buf, v.Nonce[:]...)
		buf = append(buf, v.Solution[:]...)
	case KindFetchBatchReq:
		v := m.FetchBatchReq
		buf = putConvId(buf, v.ConvId)
		buf = putU32(buf, uint32(len(v.Hashes)))
		for _, h := range v.Hashes {
			buf = putHash(buf, h)
		}
	case KindMerkleNode:
		v := m.MerkleNode
		buf = putConvId(buf, v.ConvId)
		buf = putHash(buf, v.Hash)
		nodeBuf, err := encodeWireNode(v.Node)
		if err != nil {
			return nil, fmt.Errorf("wire: encode MerkleNode: %w", err)
		}
		buf = putBytes(buf, nodeBuf)
	case KindBlobQuery:
		buf = putHash(buf, m.BlobQuery.Hash)
	case KindBlobAvail:
		buf = encodeBlobInfo(buf, m.BlobAvail.Info)
	case KindBlobReq:
		v := m.BlobReq
		buf = putHash(buf, v.Hash)
		buf = putU64(buf, v.Offset)
		buf = putU64(buf, v.Length)
	case KindBlobData:
		v := m.BlobData
		buf = putHash(buf, v.Hash)
		buf = putU64(buf, v.Offset)
		buf = putBytes(buf, v.Data)
		buf = putBytes(buf, v.Proof)
	default:
		return nil, fmt.Errorf("wire: encode: unknown kind %d", m.Kind)
	}
	return buf, nil
}

func encodeCaps(buf []byte, c *CapsMessage) []byte {
	buf = putU32(buf, c.Version)
	return putU64(buf, c.Features)
}

func encodeRange(buf []byte, r SyncRange) []byte {
	buf = putU32(buf, uint32(r.Epoch))
	buf = putU64(buf, r.MinRank)
	return putU64(buf, r.MaxRank)
}

func encodeBlobInfo(buf []byte, info BlobInfo) []byte {
	buf = putHash(buf, info.Hash)
	buf = putU64(buf, info.Size)
	buf = putHash(buf, info.BaoRoot)
	buf = putU8(buf, uint8(info.Status))
	return putBytes(buf, info.ReceivedMask)
}

func encodeWireNode(n dagnode.WireNode) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = putU32(buf, uint32(len(n.Parents)))
	for _, p := range n.Parents {
		buf = putHash(buf, p)
	}
	buf = append(buf, n.AuthorPk[:]...)
	buf = putBytes(buf, n.EncryptedPayload)
	buf = putU32(buf, uint32(n.Flags))
	buf = putU64(buf, n.TopologicalRank)
	buf = putU8(buf, uint8(n.Authentication.Kind))
	buf = append(buf, n.Authentication.Mac[:]...)
	buf = append(buf, n.Authentication.Signature[:]...)
	return buf, nil
}

func decodeWireNode(r io.Reader) (dagnode.WireNode, error) {
	var n dagnode.WireNode
	var nParents uint32
	if err := readU32(r, &nParents); err != nil {
		return n, err
	}
	n.Parents = make([]types.NodeHash, nParents)
	for i := range n.Parents {
		h, err := readHash(r)
		if err != nil {
			return n, err
		}
		n.Parents[i] = h
	}
	if _, err := io.ReadFull(r, n.AuthorPk[:]); err != nil {
		return n, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return n, err
	}
	n.EncryptedPayload = payload
	var flags uint32
	if err := readU32(r, &flags); err != nil {
		return n, err
	}
	n.Flags = dagnode.WireFlags(flags)
	var rank uint64
	if err := readU64(r, &rank); err != nil {
		return n, err
	}
	n.TopologicalRank = rank
	authKind, err := readU8(r)
	if err != nil {
		return n, err
	}
	n.Authentication.Kind = dagnode.AuthKind(authKind)
	if _, err := io.ReadFull(r, n.Authentication.Mac[:]); err != nil {
		return n, err
	}
	if _, err := io.ReadFull(r, n.Authentication.Signature[:]); err != nil {
		return n, err
	}
	return n, nil
}

// Decode is the exact inverse of Encode.
func Decode(data []byte) (ProtocolMessage, error) {
	r := bytes.NewReader(data)
	kindB, err := readU8(r)
	if err != nil {
		return ProtocolMessage{}, fmt.Errorf("wire: decode: kind: %w", err)
	}
	m := ProtocolMessage{Kind: Kind(kindB)}
	switch m.Kind {
	case KindCapsAnnounce:
		c, err := decodeCaps(r)
		if err != nil {
			return m, err
		}
		m.CapsAnnounce = c
	case KindCapsAck:
		c, err := decodeCaps(r)
		if err != nil {
			return m, err
		}
		m.CapsAck = c
	case KindSyncHeads:
		v := &SyncHeadsMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		var n uint32
		if err := readU32(r, &n); err != nil {
			return m, err
		}
		v.Heads = make([]types.NodeHash, n)
		for i := range v.Heads {
			if v.Heads[i], err = readHash(r); err != nil {
				return m, err
			}
		}
		var flags uint32
		if err := readU32(r, &flags); err != nil {
			return m, err
		}
		v.Flags = SyncHeadsFlags(flags)
		m.SyncHeads = v
	case KindSyncShardChecksums:
		v := &SyncShardChecksumsMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		var n uint32
		if err := readU32(r, &n); err != nil {
			return m, err
		}
		v.Shards = make([]Shard, n)
		for i := range v.Shards {
			var epoch uint32
			if err := readU32(r, &epoch); err != nil {
				return m, err
			}
			var minRank, maxRank, checksum uint64
			if err := readU64(r, &minRank); err != nil {
				return m, err
			}
			if err := readU64(r, &maxRank); err != nil {
				return m, err
			}
			if err := readU64(r, &checksum); err != nil {
				return m, err
			}
			v.Shards[i] = Shard{Epoch: types.Epoch(epoch), MinRank: minRank, MaxRank: maxRank, Checksum: checksum}
		}
		m.SyncShardChecksums = v
	case KindSyncSketch:
		v := &SyncSketchMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		if v.Range, err = decodeRange(r); err != nil {
			return m, err
		}
		var n uint32
		if err := readU32(r, &n); err != nil {
			return m, err
		}
		v.Cells = make([]IbltCell, n)
		for i := range v.Cells {
			var count32 uint32
			if err := readU32(r, &count32); err != nil {
				return m, err
			}
			h, err := readHash(r)
			if err != nil {
				return m, err
			}
			var checksum uint64
			if err := readU64(r, &checksum); err != nil {
				return m, err
			}
			v.Cells[i] = IbltCell{Count: int32(count32), HashSum: h, CheckSum: checksum}
		}
		m.SyncSketch = v
	case KindSyncReconFail:
		v := &SyncReconFailMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		if v.Range, err = decodeRange(r); err != nil {
			return m, err
		}
		m.SyncReconFail = v
	case KindReconPowChallenge:
		v := &ReconPowChallengeMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		if _, err := io.ReadFull(r, v.Nonce[:]); err != nil {
			return m, err
		}
		diff, err := readU8(r)
		if err != nil {
			return m, err
		}
		v.Difficulty = diff
		m.ReconPowChallenge = v
	case KindReconPowSolution:
		v := &ReconPowSolutionMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		if _, err := io.ReadFull(r, v.Nonce[:]); err != nil {
			return m, err
		}
		if _, err := io.ReadFull(r, v.Solution[:]); err != nil {
			return m, err
		}
		m.ReconPowSolution = v
	case KindFetchBatchReq:
		v := &FetchBatchReqMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		var n uint32
		if err := readU32(r, &n); err != nil {
			return m, err
		}
		v.Hashes = make([]types.NodeHash, n)
		for i := range v.Hashes {
			if v.Hashes[i], err = readHash(r); err != nil {
				return m, err
			}
		}
		m.FetchBatchReq = v
	case KindMerkleNode:
		v := &MerkleNodeMessage{}
		if v.ConvId, err = readConvId(r); err != nil {
			return m, err
		}
		if v.Hash, err = readHash(r); err != nil {
			return m, err
		}
		nodeBuf, err := readBytes(r)
		if err != nil {
			return m, err
		}
		wn, err := decodeWireNode(bytes.NewReader(nodeBuf))
		if err != nil {
			return m, fmt.Errorf("wire: decode MerkleNode: %w", err)
		}
		v.Node = wn
		m.MerkleNode = v
	case KindBlobQuery:
		v := &BlobQueryMessage{}
		if v.Hash, err = readHash(r); err != nil {
			return m, err
		}
		m.BlobQuery = v
	case KindBlobAvail:
		info, err := decodeBlobInfo(r)
		if err != nil {
			return m, err
		}
		m.BlobAvail = &BlobAvailMessage{Info: info}
	case KindBlobReq:
		v := &BlobReqMessage{}
		if v.Hash, err = readHash(r); err != nil {
			return m, err
		}
		if err := readU64(r, &v.Offset); err != nil {
			return m, err
		}
		if err := readU64(r, &v.Length); err != nil {
			return m, err
		}
		m.BlobReq = v
	case KindBlobData:
		v := &BlobDataMessage{}
		if v.Hash, err = readHash(r); err != nil {
			return m, err
		}
		if err := readU64(r, &v.Offset); err != nil {
			return m, err
		}
		if v.Data, err = readBytes(r); err != nil {
			return m, err
		}
		if v.Proof, err = readBytes(r); err != nil {
			return m, err
		}
		m.BlobData = v
	default:
		return m, fmt.Errorf("wire: decode: unknown kind %d", kindB)
	}
	return m, nil
}

func decodeCaps(r io.Reader) (*CapsMessage, error) {
	c := &CapsMessage{}
	if err := readU32(r, &c.Version); err != nil {
		return nil, err
	}
	if err := readU64(r, &c.Features); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeRange(r io.Reader) (SyncRange, error) {
	var sr SyncRange
	var epoch uint32
	if err := readU32(r, &epoch); err != nil {
		return sr, err
	}
	sr.Epoch = types.Epoch(epoch)
	if err := readU64(r, &sr.MinRank); err != nil {
		return sr, err
	}
	if err := readU64(r, &sr.MaxRank); err != nil {
		return sr, err
	}
	return sr, nil
}

func decodeBlobInfo(r io.Reader) (BlobInfo, error) {
	var info BlobInfo
	var err error
	if info.Hash, err = readHash(r); err != nil {
		return info, err
	}
	if err := readU64(r, &info.Size); err != nil {
		return info, err
	}
	if info.BaoRoot, err = readHash(r); err != nil {
		return info, err
	}
	status, err := readU8(r)
	if err != nil {
		return info, err
	}
	info.Status = BlobStatus(status)
	if info.ReceivedMask, err = readBytes(r); err != nil {
		return info, err
	}
	return info, nil
}
