package dagnode

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/duskline/convo/types"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

// WireFlags marks how a WireNode's payload is encoded on the wire.
type WireFlags uint32

const (
	FlagEncrypted WireFlags = 1 << iota
	FlagCompressed
)

// WireNode is the encrypted, on-wire representation of a MerkleNode.
// TopologicalRank is exposed in clear so peers can range-query by rank
// without decrypting.
type WireNode struct {
	Parents          []types.NodeHash
	AuthorPk         types.LogicalIdentityPk
	EncryptedPayload []byte
	Flags            WireFlags
	TopologicalRank  uint64
	Authentication   Authentication
}

// innerPayload is everything a WireNode's EncryptedPayload decrypts to:
// the fields not needed for routing in clear.
type innerPayload struct {
	SenderPk         types.PhysicalDevicePk
	SequenceNumber   types.SequenceNumber
	TopologicalRank  uint64
	NetworkTimestamp int64
	Content          Content
	Metadata         []byte
}

func encodeInner(p innerPayload) []byte {
	buf := make([]byte, 0, 128+len(p.Metadata))
	buf = append(buf, p.SenderPk[:]...)
	buf = putU64(buf, uint64(p.SequenceNumber))
	buf = putU64(buf, p.TopologicalRank)
	buf = putI64(buf, p.NetworkTimestamp)
	buf = serializeContent(buf, p.Content)
	buf = putBytes(buf, p.Metadata)
	return buf
}

func decodeInner(data []byte) (innerPayload, error) {
	var p innerPayload
	r := bytes.NewReader(data)
	if _, err := io.ReadFull(r, p.SenderPk[:]); err != nil {
		return p, fmt.Errorf("decode inner: sender_pk: %w", err)
	}
	var seq, rank uint64
	var ts int64
	if err := readU64(r, &seq); err != nil {
		return p, err
	}
	if err := readU64(r, &rank); err != nil {
		return p, err
	}
	if err := readI64(r, &ts); err != nil {
		return p, err
	}
	p.SequenceNumber = types.SequenceNumber(seq)
	p.TopologicalRank = rank
	p.NetworkTimestamp = ts
	c, err := deserializeContent(r)
	if err != nil {
		return p, fmt.Errorf("decode inner: content: %w", err)
	}
	p.Content = c
	meta, err := readBytes(r)
	if err != nil {
		return p, fmt.Errorf("decode inner: metadata: %w", err)
	}
	p.Metadata = meta
	return p, nil
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// PackWire encrypts n's payload under encKey (a per-epoch or per-message
// enc key derived by the ratchet package) and returns the wire form.
// compress requests zstd compression of the plaintext before encryption.
func PackWire(n *MerkleNode, encKey []byte, compress bool) (*WireNode, error) {
	plain := encodeInner(innerPayload{
		SenderPk:         n.SenderPk,
		SequenceNumber:   n.SequenceNumber,
		TopologicalRank:  n.TopologicalRank,
		NetworkTimestamp: n.NetworkTimestamp,
		Content:          n.Content,
		Metadata:         n.Metadata,
	})

	flags := FlagEncrypted
	if compress {
		plain = zstdEncoder.EncodeAll(plain, nil)
		flags |= FlagCompressed
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("PackWire: new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("PackWire: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, n.AuthorPk[:])

	parents := append([]types.NodeHash(nil), n.Parents...)
	return &WireNode{
		Parents:          parents,
		AuthorPk:         n.AuthorPk,
		EncryptedPayload: sealed,
		Flags:            flags,
		TopologicalRank:  n.TopologicalRank,
		Authentication:   n.Authentication,
	}, nil
}

// UnpackWire decrypts w under encKey and reconstructs the MerkleNode. It is
// the exact inverse of PackWire.
func UnpackWire(w *WireNode, encKey []byte) (*MerkleNode, error) {
	if w.Flags&FlagEncrypted == 0 {
		return nil, fmt.Errorf("UnpackWire: node is not flagged encrypted")
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("UnpackWire: new aead: %w", err)
	}
	ns := aead.NonceSize()
	if len(w.EncryptedPayload) < ns {
		return nil, fmt.Errorf("UnpackWire: payload too short")
	}
	nonce, ct := w.EncryptedPayload[:ns], w.EncryptedPayload[ns:]
	plain, err := aead.Open(nil, nonce, ct, w.AuthorPk[:])
	if err != nil {
		return nil, fmt.Errorf("UnpackWire: open: %w", err)
	}
	if w.Flags&FlagCompressed != 0 {
		plain, err = zstdDecoder.DecodeAll(plain, nil)
		if err != nil {
			return nil, fmt.Errorf("UnpackWire: decompress: %w", err)
		}
	}
	p, err := decodeInner(plain)
	if err != nil {
		return nil, err
	}
	return &MerkleNode{
		Parents:          append([]types.NodeHash(nil), w.Parents...),
		AuthorPk:         w.AuthorPk,
		SenderPk:         p.SenderPk,
		SequenceNumber:   p.SequenceNumber,
		TopologicalRank:  p.TopologicalRank,
		NetworkTimestamp: p.NetworkTimestamp,
		Content:          p.Content,
		Metadata:         p.Metadata,
		Authentication:   w.Authentication,
	}, nil
}
