package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/types"
)

func genLogical(t *testing.T) (types.LogicalIdentityPk, ed25519.PrivateKey) {
	t.Helper()
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var lpk types.LogicalIdentityPk
	copy(lpk[:], pub)
	return lpk, sk
}

func genDevice(t *testing.T) (types.PhysicalDevicePk, ed25519.PrivateKey) {
	t.Helper()
	pub, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var dpk types.PhysicalDevicePk
	copy(dpk[:], pub)
	return dpk, sk
}

func sign(t *testing.T, issuerSk ed25519.PrivateKey, device types.PhysicalDevicePk, perms dagnode.Permissions, expiresAt int64) dagnode.DelegationCertificate {
	t.Helper()
	return dagnode.DelegationCertificate{
		Device:      device,
		Permissions: perms,
		ExpiresAt:   expiresAt,
		Signature:   SignDelegation(issuerSk, device, perms, expiresAt),
	}
}

func TestAuthorizeDeviceMasterSigned(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x01}
	logical, logicalSk := genLogical(t)
	device, _ := genDevice(t)

	cert := sign(t, logicalSk, device, dagnode.PermAll, 1_000_000)
	cert.IssuerPk = logical.ToPhysical()

	require.NoError(t, m.AuthorizeDevice(conv, logical, cert, 0, 1))
	require.True(t, m.IsAuthorized(conv, device, logical, 0, 1))
	perms, ok := m.GetPermissions(conv, device, logical, 0, 1)
	require.True(t, ok)
	require.Equal(t, dagnode.PermAll, perms)
}

func TestAuthorizeDeviceExpired(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x02}
	logical, logicalSk := genLogical(t)
	device, _ := genDevice(t)

	cert := sign(t, logicalSk, device, dagnode.PermMessage, 100)
	cert.IssuerPk = logical.ToPhysical()

	require.Error(t, m.AuthorizeDevice(conv, logical, cert, 200, 1))
	require.False(t, m.IsAuthorized(conv, device, logical, 200, 1))
}

func TestAuthorizeDeviceInvalidSignature(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x03}
	logical, _ := genLogical(t)
	_, otherSk := genDevice(t)
	device, _ := genDevice(t)

	cert := sign(t, otherSk, device, dagnode.PermMessage, 1_000_000)
	cert.IssuerPk = logical.ToPhysical()

	err := m.AuthorizeDevice(conv, logical, cert, 0, 1)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

// TestDelegationChain grounds the transitive-delegation happy path: the
// master authorizes device A, A (now itself authorized) delegates to B.
func TestDelegationChain(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x04}
	logical, logicalSk := genLogical(t)
	deviceA, deviceASk := genDevice(t)
	deviceB, _ := genDevice(t)

	certA := sign(t, logicalSk, deviceA, dagnode.PermAll, 1_000_000)
	certA.IssuerPk = logical.ToPhysical()
	require.NoError(t, m.AuthorizeDevice(conv, logical, certA, 0, 1))

	certB := sign(t, deviceASk, deviceB, dagnode.PermMessage, 1_000_000)
	certB.IssuerPk = deviceA
	require.NoError(t, m.AuthorizeDevice(conv, logical, certB, 0, 2))

	require.True(t, m.IsAuthorized(conv, deviceB, logical, 0, 2))
	perms, ok := m.GetPermissions(conv, deviceB, logical, 0, 2)
	require.True(t, ok)
	require.Equal(t, dagnode.PermMessage, perms)
}

// TestPermissionEscalationRejected: a device holding only
// ADMIN (not MESSAGE) tries to delegate ALL, which includes a bit the
// issuer itself doesn't hold. The attempted child device must never enter
// the authorized set.
func TestPermissionEscalationRejected(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x05}
	logical, logicalSk := genLogical(t)
	deviceA, deviceASk := genDevice(t)
	deviceB, _ := genDevice(t)

	certA := sign(t, logicalSk, deviceA, dagnode.PermAdmin, 1_000_000)
	certA.IssuerPk = logical.ToPhysical()
	require.NoError(t, m.AuthorizeDevice(conv, logical, certA, 0, 1))

	certB := sign(t, deviceASk, deviceB, dagnode.PermAll, 1_000_000)
	certB.IssuerPk = deviceA
	err := m.AuthorizeDevice(conv, logical, certB, 0, 2)
	require.ErrorIs(t, err, ErrPermissionEscalation)
	require.False(t, m.IsAuthorized(conv, deviceB, logical, 0, 2))
}

// TestChainTooDeep checks the MaxAuthDepth bound on transitive delegation:
// a chain of devices each delegating to the next succeeds up to
// MaxAuthDepth links, then the next link is rejected.
func TestChainTooDeep(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x06}
	logical, logicalSk := genLogical(t)

	issuerPk := logical.ToPhysical()
	issuerSk := logicalSk
	for i := 0; i <= MaxAuthDepth; i++ {
		device, deviceSk := genDevice(t)
		cert := sign(t, issuerSk, device, dagnode.PermAll, 1_000_000)
		cert.IssuerPk = issuerPk
		err := m.AuthorizeDevice(conv, logical, cert, 0, uint64(i+1))
		if i < MaxAuthDepth {
			require.NoErrorf(t, err, "link %d should still succeed", i)
		} else {
			require.ErrorIs(t, err, ErrChainTooDeep)
		}
		issuerPk, issuerSk = device, deviceSk
	}
}

// TestRevocationRetroaction covers revocation at the identity-manager level:
// a device authorized at rank 5 passes an IsAuthorized query at rank 6,
// then a revocation recorded at rank 6 makes queries at ranks 6 and 7 fail.
func TestRevocationRetroaction(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x07}
	logical, logicalSk := genLogical(t)
	device, _ := genDevice(t)

	cert := sign(t, logicalSk, device, dagnode.PermAll, 1_000_000)
	cert.IssuerPk = logical.ToPhysical()
	require.NoError(t, m.AuthorizeDevice(conv, logical, cert, 0, 5))

	require.True(t, m.IsAuthorized(conv, device, logical, 0, 6))

	m.RevokeDevice(conv, device, 6)

	require.False(t, m.IsAuthorized(conv, device, logical, 0, 6))
	require.False(t, m.IsAuthorized(conv, device, logical, 0, 7))
}

// TestRevocationMinRankWins: revoking twice at different ranks keeps the
// smaller (earliest) rank, since that's the rank every later query must be
// compared against.
func TestRevocationMinRankWins(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x08}
	logical, logicalSk := genLogical(t)
	device, _ := genDevice(t)

	cert := sign(t, logicalSk, device, dagnode.PermAll, 1_000_000)
	cert.IssuerPk = logical.ToPhysical()
	require.NoError(t, m.AuthorizeDevice(conv, logical, cert, 0, 1))

	m.RevokeDevice(conv, device, 10)
	m.RevokeDevice(conv, device, 3)

	require.True(t, m.IsAuthorized(conv, device, logical, 0, 2))
	require.False(t, m.IsAuthorized(conv, device, logical, 0, 3))
}

func TestFounderIsSelfAuthorized(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x09}
	logical, _ := genLogical(t)
	founder := logical.ToPhysical()

	require.True(t, m.IsAuthorized(conv, founder, logical, 0, 0))
}

func TestPathCacheInvalidatedOnAuthorize(t *testing.T) {
	m := NewManager(0)
	conv := types.ConversationId{0x0a}
	logical, logicalSk := genLogical(t)
	device, _ := genDevice(t)

	require.False(t, m.IsAuthorized(conv, device, logical, 0, 1))

	cert := sign(t, logicalSk, device, dagnode.PermAll, 1_000_000)
	cert.IssuerPk = logical.ToPhysical()
	require.NoError(t, m.AuthorizeDevice(conv, logical, cert, 0, 1))

	require.True(t, m.IsAuthorized(conv, device, logical, 0, 1))
}
