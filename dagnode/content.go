package dagnode

import "github.com/duskline/convo/types"

// ContentKind tags the variant held by a Content union, so the engine can
// switch on it without a type assertion at every call site.
type ContentKind uint8

const (
	KindText ContentKind = iota
	KindBlob
	KindReaction
	KindLocation
	KindRedaction
	KindOther
	KindKeyWrap
	KindRatchetSnapshot
	KindControl
)

// Content is the tagged union carried by a MerkleNode. Exactly one of the
// typed fields is meaningful for a given Kind; Go has no sum types, so this
// tags a single struct with a Kind field rather than using an interface per
// variant, the same trick async messaging code reaches for when it needs
// deterministic serialization without a type switch at the call site.
type Content struct {
	Kind ContentKind

	Text            *TextContent
	Blob            *BlobContent
	Reaction        *ReactionContent
	Location        *LocationContent
	Redaction       *RedactionContent
	Other           *OtherContent
	KeyWrap         *KeyWrapContent
	RatchetSnapshot *RatchetSnapshotContent
	Control         *ControlAction
}

// TextContent is a plain UTF-8 message body.
type TextContent struct {
	Body string
}

// InlineBlobMax is the largest size at which a blob's bytes are embedded
// directly in Metadata instead of fetched through the CAS swarm.
const InlineBlobMax = 8192

// BlobContent references a content-addressed blob held in the CAS swarm.
type BlobContent struct {
	Hash     types.NodeHash
	Name     string
	Mime     string
	Size     uint64
	Metadata []byte
}

// ShouldInline reports whether a blob of the given size should be carried
// inline in Metadata rather than fetched through the swarm.
func ShouldInline(size uint64) bool { return size <= InlineBlobMax }

// ReactionContent attaches an emoji reaction to a prior node.
type ReactionContent struct {
	Target types.NodeHash
	Emoji  string
}

// LocationContent carries a geographic position.
type LocationContent struct {
	Lat, Lon float64
	Label    string
}

// RedactionContent marks a prior node for removal from user-facing views.
type RedactionContent struct {
	Target types.NodeHash
	Reason string
}

// OtherContent is an escape hatch for extension message types the engine
// does not interpret.
type OtherContent struct {
	Tag  string
	Body []byte
}

// WrappedKey is a conversation key encrypted for one recipient device.
type WrappedKey struct {
	Recipient    types.PhysicalDevicePk
	SealedKey    []byte // ciphertext of the epoch root key (or chain key)
	SealedNonce  []byte
}

// KeyWrapContent establishes or extends a conversation epoch's root key for
// a set of recipients.
type KeyWrapContent struct {
	Epoch       types.Epoch
	Wraps       []WrappedKey
	EphemeralPk *types.EphemeralX25519Pk // present for X3DH bootstrap
	PreKeyPk    *types.EphemeralX25519Pk // the recipient's consumed one-time pre-key
}

// RatchetSnapshotContent lets a device recover its own outbound chain-key
// position across its other devices.
type RatchetSnapshotContent struct {
	Epoch             types.Epoch
	EncryptedWraps    []WrappedKey
}

// ControlKind tags the Control action carried by an Admin node.
type ControlKind uint8

const (
	CtlGenesis ControlKind = iota
	CtlAuthorizeDevice
	CtlRevokeDevice
	CtlSetTitle
	CtlSetTopic
	CtlInvite
	CtlLeave
	CtlRekey
	CtlSnapshot
	CtlAnnouncement
	CtlHandshakePulse
)

// ControlAction is the tagged union of admin operations.
type ControlAction struct {
	Kind ControlKind

	AuthorizeDevice *AuthorizeDeviceAction
	RevokeDevice    *RevokeDeviceAction
	SetTitle        *string
	SetTopic        *string
	Invite          *InviteAction
	Leave           *types.LogicalIdentityPk
	Rekey           *RekeyAction
	Snapshot        *SnapshotAction
	Announcement    *AnnouncementAction
	// Genesis and HandshakePulse carry no payload.
}

// AuthorizeDeviceAction embeds a delegation certificate authorizing a new
// device.
type AuthorizeDeviceAction struct {
	Cert DelegationCertificate
}

// RevokeDeviceAction revokes a device, optionally revoking its whole
// logical identity in one action.
type RevokeDeviceAction struct {
	Target       types.PhysicalDevicePk
	Reason       string
	RevokeMaster bool
}

// InviteAction adds a logical identity as a member.
type InviteAction struct {
	Logical types.LogicalIdentityPk
	Role    string
}

// RekeyAction announces the end of an epoch; the matching KeyWrap for the
// new epoch is authored alongside it.
type RekeyAction struct {
	NewEpoch types.Epoch
}

// SnapshotAction compresses conversation membership and per-device sequence
// state into a single bootstrap node.
type SnapshotAction struct {
	Basis     types.NodeHash
	Members   []types.LogicalIdentityPk
	LastSeqs  map[types.PhysicalDevicePk]types.SequenceNumber
}

// AnnouncementAction publishes a device's pre-key bundle for X3DH.
type AnnouncementAction struct {
	PreKeys       []types.EphemeralX25519Pk
	LastResortKey types.EphemeralX25519Pk
}

// DelegationCertificate binds a device to a permission set and expiry,
// signed by either the logical master key or an already-authorized admin
// device.
type DelegationCertificate struct {
	Device      types.PhysicalDevicePk
	Permissions Permissions
	ExpiresAt   int64 // ms
	IssuerPk    types.PhysicalDevicePk // master form or an authorized device
	Signature   types.Signature
}

// Permissions is a bitmask of what a device may author.
type Permissions uint32

const (
	PermNone    Permissions = 0
	PermMessage Permissions = 1 << 0
	PermAdmin   Permissions = 1 << 1
	PermAll                 = PermMessage | PermAdmin
)

func (p Permissions) Contains(req Permissions) bool { return p&req == req }

// RequiredPermission returns the permission mask needed to author content
// of this kind.
func RequiredPermission(c Content) Permissions {
	switch c.Kind {
	case KindControl:
		if c.Control == nil {
			return PermAdmin
		}
		switch c.Control.Kind {
		case CtlLeave, CtlAnnouncement, CtlHandshakePulse:
			return PermNone
		default:
			return PermAdmin
		}
	case KindKeyWrap:
		return PermAdmin
	default:
		return PermMessage
	}
}

// IsBootstrap reports whether content establishes key material and may
// therefore merge admin+content heads.
func (c Content) IsBootstrap() bool {
	switch c.Kind {
	case KindKeyWrap, KindRatchetSnapshot:
		return true
	case KindControl:
		return c.Control != nil && (c.Control.Kind == CtlGenesis || c.Control.Kind == CtlAuthorizeDevice)
	default:
		return false
	}
}
