package ratchet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/duskline/convo/types"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

var (
	ErrSecretConsumed = errors.New("ratchet: shared secret already consumed")
	ErrBadCiphertext  = errors.New("ratchet: wrapped key has the wrong length")
)

// OneTimeSecret wraps a derived shared secret that must never key more than
// one keystream, since the wrap construction below reuses a fixed zero
// nonce. Consume zeroes the secret after returning it, and a second call
// panics rather than silently returning stale key material: every call site
// in this package derives a fresh OneTimeSecret per wrap, so reuse can only
// happen as a result of a caller bug.
type OneTimeSecret struct {
	data     [32]byte
	consumed atomic.Bool
}

func newOneTimeSecret(data [32]byte) *OneTimeSecret {
	return &OneTimeSecret{data: data}
}

// Consume returns the secret exactly once.
func (s *OneTimeSecret) Consume() [32]byte {
	if !s.consumed.CompareAndSwap(false, true) {
		panic("ratchet: OneTimeSecret consumed twice")
	}
	out := s.data
	s.data = [32]byte{}
	return out
}

func x25519(scalar, point [32]byte) ([32]byte, error) {
	var out [32]byte
	dst, err := curve25519.X25519(scalar[:], point[:])
	if err != nil {
		return out, fmt.Errorf("x25519: %w", err)
	}
	copy(out[:], dst)
	return out, nil
}

// GenerateEphemeral creates a fresh X25519 key pair for a single X3DH
// handshake or key-wrap operation.
func GenerateEphemeral() (types.EphemeralX25519Sk, types.EphemeralX25519Pk, error) {
	var sk types.EphemeralX25519Sk
	if _, err := io.ReadFull(rand.Reader, sk[:]); err != nil {
		return sk, types.EphemeralX25519Pk{}, fmt.Errorf("GenerateEphemeral: %w", err)
	}
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, types.EphemeralX25519Pk{}, fmt.Errorf("GenerateEphemeral: %w", err)
	}
	var pk types.EphemeralX25519Pk
	copy(pk[:], pub)
	return sk, pk, nil
}

func x3dhCombine(dhs ...[32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte("convo x3dh shared secret v1"))
	for _, dh := range dhs {
		h.Write(dh[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// X3DHInitiator derives the initiator's side of an X3DH handshake: DH1
// between the initiator's identity key and the peer's signed pre-key, DH2
// between a fresh ephemeral key and the peer's identity key, DH3 between the
// fresh ephemeral key and the peer's signed pre-key, and optionally DH4
// against the peer's one-time pre-key when one was available.
func X3DHInitiator(
	selfIdentitySk types.PhysicalDeviceDhSk,
	ephemeralSk types.EphemeralX25519Sk,
	peerIdentityPk types.PhysicalDeviceDhPk,
	peerSignedPreKeyPk types.EphemeralX25519Pk,
	peerOneTimePreKeyPk *types.EphemeralX25519Pk,
) (*OneTimeSecret, error) {
	dh1, err := x25519([32]byte(selfIdentitySk), [32]byte(peerSignedPreKeyPk))
	if err != nil {
		return nil, err
	}
	dh2, err := x25519([32]byte(ephemeralSk), [32]byte(peerIdentityPk))
	if err != nil {
		return nil, err
	}
	dh3, err := x25519([32]byte(ephemeralSk), [32]byte(peerSignedPreKeyPk))
	if err != nil {
		return nil, err
	}
	dhs := [][32]byte{dh1, dh2, dh3}
	if peerOneTimePreKeyPk != nil {
		dh4, err := x25519([32]byte(ephemeralSk), [32]byte(*peerOneTimePreKeyPk))
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh4)
	}
	return newOneTimeSecret(x3dhCombine(dhs...)), nil
}

// X3DHRecipient derives the recipient's side of the same handshake. The DH
// operands are reordered so that each DH_n matches the initiator's DH_n
// exactly: DH1 and DH2 swap roles because the recipient holds the static
// key the initiator's DH1 used, and vice versa for DH2.
func X3DHRecipient(
	selfIdentitySk types.PhysicalDeviceDhSk,
	selfSignedPreKeySk types.EphemeralX25519Sk,
	peerIdentityPk types.PhysicalDeviceDhPk,
	peerEphemeralPk types.EphemeralX25519Pk,
	selfOneTimePreKeySk *types.EphemeralX25519Sk,
) (*OneTimeSecret, error) {
	dh1, err := x25519([32]byte(selfSignedPreKeySk), [32]byte(peerIdentityPk))
	if err != nil {
		return nil, err
	}
	dh2, err := x25519([32]byte(selfIdentitySk), [32]byte(peerEphemeralPk))
	if err != nil {
		return nil, err
	}
	dh3, err := x25519([32]byte(selfSignedPreKeySk), [32]byte(peerEphemeralPk))
	if err != nil {
		return nil, err
	}
	dhs := [][32]byte{dh1, dh2, dh3}
	if selfOneTimePreKeySk != nil {
		dh4, err := x25519([32]byte(*selfOneTimePreKeySk), [32]byte(peerEphemeralPk))
		if err != nil {
			return nil, err
		}
		dhs = append(dhs, dh4)
	}
	return newOneTimeSecret(x3dhCombine(dhs...)), nil
}

func streamXOR(key [32]byte, plain []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, fmt.Errorf("streamXOR: %w", err)
	}
	out := make([]byte, len(plain))
	c.XORKeyStream(out, plain)
	return out, nil
}

// WrapSecretOnce encrypts a 32-byte secret (an epoch root key) under a
// shared secret that is guaranteed single-use, via a raw ChaCha20
// keystream with a fixed zero nonce. The zero nonce is safe only because
// OneTimeSecret hands out its key once: a second Consume panics at run
// time, so the same key never encrypts a second value.
func WrapSecretOnce(shared *OneTimeSecret, secret [32]byte) ([]byte, error) {
	key := shared.Consume()
	return streamXOR(key, secret[:])
}

// UnwrapSecretOnce is the inverse of WrapSecretOnce.
func UnwrapSecretOnce(shared *OneTimeSecret, ciphertext []byte) ([32]byte, error) {
	var out [32]byte
	if len(ciphertext) != 32 {
		return out, ErrBadCiphertext
	}
	key := shared.Consume()
	plain, err := streamXOR(key, ciphertext)
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}

// WrapSecretEphemeral encrypts secret for recipientPk using a fresh
// ephemeral key shared across every recipient of one rotation. The
// derived key differs per recipient even though the ephemeral secret is
// shared, since the DH output depends on the recipient's own public key,
// so reusing the zero nonce across recipients does not repeat a keystream.
func WrapSecretEphemeral(ephemeralSk types.EphemeralX25519Sk, recipientDhPk types.PhysicalDeviceDhPk, secret [32]byte) ([]byte, error) {
	shared, err := x25519([32]byte(ephemeralSk), [32]byte(recipientDhPk))
	if err != nil {
		return nil, err
	}
	key := keyedHash(shared, []byte("convo epoch wrap v1"))
	return streamXOR(key, secret[:])
}

// UnwrapSecretEphemeral is the inverse of WrapSecretEphemeral.
func UnwrapSecretEphemeral(selfDhSk types.PhysicalDeviceDhSk, ephemeralPk types.EphemeralX25519Pk, ciphertext []byte) ([32]byte, error) {
	var out [32]byte
	if len(ciphertext) != 32 {
		return out, ErrBadCiphertext
	}
	shared, err := x25519([32]byte(selfDhSk), [32]byte(ephemeralPk))
	if err != nil {
		return out, err
	}
	key := keyedHash(shared, []byte("convo epoch wrap v1"))
	plain, err := streamXOR(key, ciphertext)
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}

// WrapSecretStatic encrypts secret using the long-term static DH key pair
// of sender and recipient, for self-recovery snapshots addressed to a
// device's own other devices. epoch is mixed into the derived key so that
// repeated snapshots between the same two devices across different epochs
// never reuse a keystream, even though the underlying DH output is
// constant for that device pair.
func WrapSecretStatic(selfDhSk types.PhysicalDeviceDhSk, recipientDhPk types.PhysicalDeviceDhPk, epoch types.Epoch, secret [32]byte) ([]byte, error) {
	shared, err := x25519([32]byte(selfDhSk), [32]byte(recipientDhPk))
	if err != nil {
		return nil, err
	}
	var epochBuf [4]byte
	binary.LittleEndian.PutUint32(epochBuf[:], uint32(epoch))
	key := keyedHash(shared, []byte("convo static wrap v1"), epochBuf[:])
	return streamXOR(key, secret[:])
}

// UnwrapSecretStatic is the inverse of WrapSecretStatic.
func UnwrapSecretStatic(selfDhSk types.PhysicalDeviceDhSk, senderDhPk types.PhysicalDeviceDhPk, epoch types.Epoch, ciphertext []byte) ([32]byte, error) {
	var out [32]byte
	if len(ciphertext) != 32 {
		return out, ErrBadCiphertext
	}
	shared, err := x25519([32]byte(selfDhSk), [32]byte(senderDhPk))
	if err != nil {
		return out, err
	}
	var epochBuf [4]byte
	binary.LittleEndian.PutUint32(epochBuf[:], uint32(epoch))
	key := keyedHash(shared, []byte("convo static wrap v1"), epochBuf[:])
	plain, err := streamXOR(key, ciphertext)
	if err != nil {
		return out, err
	}
	copy(out[:], plain)
	return out, nil
}
