package dagnode

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duskline/convo/types"
)

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

func readI64(r io.Reader, out *int64) error {
	var u uint64
	if err := readU64(r, &u); err != nil {
		return err
	}
	*out = int64(u)
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

func readKey32[T ~[32]byte](r io.Reader) (T, error) {
	var k T
	_, err := io.ReadFull(r, k[:])
	return k, err
}

func readSignature(r io.Reader) (types.Signature, error) {
	var s types.Signature
	_, err := io.ReadFull(r, s[:])
	return s, err
}

func deserializeContent(r io.Reader) (Content, error) {
	kindB, err := readU8(r)
	if err != nil {
		return Content{}, err
	}
	c := Content{Kind: ContentKind(kindB)}
	switch c.Kind {
	case KindText:
		b, err := readBytes(r)
		if err != nil {
			return c, err
		}
		c.Text = &TextContent{Body: string(b)}
	case KindBlob:
		h, err := readHash(r)
		if err != nil {
			return c, err
		}
		name, err := readBytes(r)
		if err != nil {
			return c, err
		}
		mime, err := readBytes(r)
		if err != nil {
			return c, err
		}
		var size uint64
		if err := readU64(r, &size); err != nil {
			return c, err
		}
		meta, err := readBytes(r)
		if err != nil {
			return c, err
		}
		c.Blob = &BlobContent{Hash: h, Name: string(name), Mime: string(mime), Size: size, Metadata: meta}
	case KindReaction:
		h, err := readHash(r)
		if err != nil {
			return c, err
		}
		emoji, err := readBytes(r)
		if err != nil {
			return c, err
		}
		c.Reaction = &ReactionContent{Target: h, Emoji: string(emoji)}
	case KindLocation:
		var lat, lon int64
		if err := readI64(r, &lat); err != nil {
			return c, err
		}
		if err := readI64(r, &lon); err != nil {
			return c, err
		}
		label, err := readBytes(r)
		if err != nil {
			return c, err
		}
		c.Location = &LocationContent{Lat: float64(lat) / 1e7, Lon: float64(lon) / 1e7, Label: string(label)}
	case KindRedaction:
		h, err := readHash(r)
		if err != nil {
			return c, err
		}
		reason, err := readBytes(r)
		if err != nil {
			return c, err
		}
		c.Redaction = &RedactionContent{Target: h, Reason: string(reason)}
	case KindOther:
		tag, err := readBytes(r)
		if err != nil {
			return c, err
		}
		body, err := readBytes(r)
		if err != nil {
			return c, err
		}
		c.Other = &OtherContent{Tag: string(tag), Body: body}
	case KindKeyWrap:
		kw, err := deserializeKeyWrap(r)
		if err != nil {
			return c, err
		}
		c.KeyWrap = kw
	case KindRatchetSnapshot:
		var epoch uint32
		if err := readU32(r, &epoch); err != nil {
			return c, err
		}
		var n uint32
		if err := readU32(r, &n); err != nil {
			return c, err
		}
		wraps := make([]WrappedKey, n)
		for i := range wraps {
			if wraps[i], err = deserializeWrappedKey(r); err != nil {
				return c, err
			}
		}
		c.RatchetSnapshot = &RatchetSnapshotContent{Epoch: types.Epoch(epoch), EncryptedWraps: wraps}
	case KindControl:
		a, err := deserializeControl(r)
		if err != nil {
			return c, err
		}
		c.Control = a
	default:
		return c, fmt.Errorf("deserializeContent: unknown kind %d", kindB)
	}
	return c, nil
}

func deserializeWrappedKey(r io.Reader) (WrappedKey, error) {
	var w WrappedKey
	rec, err := readKey32[types.PhysicalDevicePk](r)
	if err != nil {
		return w, err
	}
	w.Recipient = rec
	if w.SealedKey, err = readBytes(r); err != nil {
		return w, err
	}
	if w.SealedNonce, err = readBytes(r); err != nil {
		return w, err
	}
	return w, nil
}

func deserializeKeyWrap(r io.Reader) (*KeyWrapContent, error) {
	kw := &KeyWrapContent{}
	var epoch, n uint32
	if err := readU32(r, &epoch); err != nil {
		return nil, err
	}
	kw.Epoch = types.Epoch(epoch)
	if err := readU32(r, &n); err != nil {
		return nil, err
	}
	kw.Wraps = make([]WrappedKey, n)
	for i := range kw.Wraps {
		var err error
		if kw.Wraps[i], err = deserializeWrappedKey(r); err != nil {
			return nil, err
		}
	}
	hasEph, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if hasEph == 1 {
		pk, err := readKey32[types.EphemeralX25519Pk](r)
		if err != nil {
			return nil, err
		}
		kw.EphemeralPk = &pk
	}
	hasPre, err := readU8(r)
	if err != nil {
		return nil, err
	}
	if hasPre == 1 {
		pk, err := readKey32[types.EphemeralX25519Pk](r)
		if err != nil {
			return nil, err
		}
		kw.PreKeyPk = &pk
	}
	return kw, nil
}

func deserializeControl(r io.Reader) (*ControlAction, error) {
	kindB, err := readU8(r)
	if err != nil {
		return nil, err
	}
	a := &ControlAction{Kind: ControlKind(kindB)}
	switch a.Kind {
	case CtlAuthorizeDevice:
		dev, err := readKey32[types.PhysicalDevicePk](r)
		if err != nil {
			return nil, err
		}
		var perms uint32
		if err := readU32(r, &perms); err != nil {
			return nil, err
		}
		var exp int64
		if err := readI64(r, &exp); err != nil {
			return nil, err
		}
		issuer, err := readKey32[types.PhysicalDevicePk](r)
		if err != nil {
			return nil, err
		}
		sig, err := readSignature(r)
		if err != nil {
			return nil, err
		}
		a.AuthorizeDevice = &AuthorizeDeviceAction{Cert: DelegationCertificate{
			Device: dev, Permissions: Permissions(perms), ExpiresAt: exp,
			IssuerPk: issuer, Signature: sig,
		}}
	case CtlRevokeDevice:
		target, err := readKey32[types.PhysicalDevicePk](r)
		if err != nil {
			return nil, err
		}
		reason, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		master, err := readU8(r)
		if err != nil {
			return nil, err
		}
		a.RevokeDevice = &RevokeDeviceAction{Target: target, Reason: string(reason), RevokeMaster: master == 1}
	case CtlSetTitle:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		s := string(b)
		a.SetTitle = &s
	case CtlSetTopic:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		s := string(b)
		a.SetTopic = &s
	case CtlInvite:
		logical, err := readKey32[types.LogicalIdentityPk](r)
		if err != nil {
			return nil, err
		}
		role, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		a.Invite = &InviteAction{Logical: logical, Role: string(role)}
	case CtlLeave:
		logical, err := readKey32[types.LogicalIdentityPk](r)
		if err != nil {
			return nil, err
		}
		a.Leave = &logical
	case CtlRekey:
		var epoch uint32
		if err := readU32(r, &epoch); err != nil {
			return nil, err
		}
		a.Rekey = &RekeyAction{NewEpoch: types.Epoch(epoch)}
	case CtlSnapshot:
		basis, err := readHash(r)
		if err != nil {
			return nil, err
		}
		var nMembers uint32
		if err := readU32(r, &nMembers); err != nil {
			return nil, err
		}
		members := make([]types.LogicalIdentityPk, nMembers)
		for i := range members {
			if members[i], err = readKey32[types.LogicalIdentityPk](r); err != nil {
				return nil, err
			}
		}
		var nSeqs uint32
		if err := readU32(r, &nSeqs); err != nil {
			return nil, err
		}
		seqs := make(map[types.PhysicalDevicePk]types.SequenceNumber, nSeqs)
		for i := uint32(0); i < nSeqs; i++ {
			dev, err := readKey32[types.PhysicalDevicePk](r)
			if err != nil {
				return nil, err
			}
			var seq uint64
			if err := readU64(r, &seq); err != nil {
				return nil, err
			}
			seqs[dev] = types.SequenceNumber(seq)
		}
		a.Snapshot = &SnapshotAction{Basis: basis, Members: members, LastSeqs: seqs}
	case CtlAnnouncement:
		var n uint32
		if err := readU32(r, &n); err != nil {
			return nil, err
		}
		preKeys := make([]types.EphemeralX25519Pk, n)
		for i := range preKeys {
			var err error
			if preKeys[i], err = readKey32[types.EphemeralX25519Pk](r); err != nil {
				return nil, err
			}
		}
		lastResort, err := readKey32[types.EphemeralX25519Pk](r)
		if err != nil {
			return nil, err
		}
		a.Announcement = &AnnouncementAction{PreKeys: preKeys, LastResortKey: lastResort}
	case CtlGenesis, CtlHandshakePulse:
		// no payload
	default:
		return nil, fmt.Errorf("deserializeControl: unknown kind %d", kindB)
	}
	return a, nil
}
