// Package identity implements the delegated multi-device authorization
// graph: device authorization, revocation, rank-indexed trust-path
// resolution, and permission resolution across a conversation's members.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/types"
)

// MaxAuthDepth bounds transitive delegation chains.
const MaxAuthDepth = 8

var (
	ErrInvalidSignature    = errors.New("identity: invalid signature")
	ErrNoTrustPath         = errors.New("identity: no trust path from device to logical identity")
	ErrChainTooDeep        = errors.New("identity: delegation chain exceeds MaxAuthDepth")
	ErrPermissionEscalation = errors.New("identity: issuer lacks the permissions it tried to delegate")
)

// ErrExpired reports that a certificate's expiry has already passed.
type ErrExpired struct {
	ExpiresAt, Now int64
}

func (e *ErrExpired) Error() string {
	return fmt.Sprintf("identity: certificate expired: %d < %d", e.ExpiresAt, e.Now)
}

// AuthRecord is one edge in the delegation graph: device_pk was granted
// Permissions for logical_pk by issuer_pk at auth_rank, expiring at
// ExpiresAt.
type AuthRecord struct {
	LogicalPk   types.LogicalIdentityPk
	IssuerPk    types.PhysicalDevicePk
	Permissions dagnode.Permissions
	ExpiresAt   int64
	AuthRank    uint64
}

func (r AuthRecord) equal(o AuthRecord) bool {
	return r.LogicalPk == o.LogicalPk && r.IssuerPk == o.IssuerPk &&
		r.Permissions == o.Permissions && r.ExpiresAt == o.ExpiresAt && r.AuthRank == o.AuthRank
}

type deviceKey struct {
	conv types.ConversationId
	dev  types.PhysicalDevicePk
}

type memberKey struct {
	conv    types.ConversationId
	logical types.LogicalIdentityPk
}

type pathKey struct {
	conv    types.ConversationId
	dev     types.PhysicalDevicePk
	logical types.LogicalIdentityPk
	rank    uint64
}

type member struct {
	role     uint8
	joinedAt int64
}

// Manager tracks authorization state for one engine instance (potentially
// many conversations). It is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	authorizedDevices map[deviceKey][]AuthRecord
	logicalMembers    map[memberKey]member
	revokedDevices    map[deviceKey]uint64

	pathCacheMu sync.Mutex
	pathCache   *lru.Cache[pathKey, int64] // min_expiry
}

// NewManager builds an empty Manager. cacheSize bounds the trust-path
// cache; pass 0 for a reasonable default.
func NewManager(cacheSize int) *Manager {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[pathKey, int64](cacheSize)
	if err != nil {
		// Only returns an error for size <= 0, which cacheSize can't be here.
		panic(fmt.Sprintf("identity: lru.New: %v", err))
	}
	return &Manager{
		authorizedDevices: make(map[deviceKey][]AuthRecord),
		logicalMembers:    make(map[memberKey]member),
		revokedDevices:    make(map[deviceKey]uint64),
		pathCache:         cache,
	}
}

func (m *Manager) clearPathCache() {
	m.pathCacheMu.Lock()
	m.pathCache.Purge()
	m.pathCacheMu.Unlock()
}

// AddMember records a logical identity's membership in a conversation.
func (m *Manager) AddMember(conv types.ConversationId, logicalPk types.LogicalIdentityPk, role uint8, joinedAt int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logicalMembers[memberKey{conv, logicalPk}] = member{role, joinedAt}
}

// RemoveMember drops a logical identity's membership and revokes every
// device it had authorized, at rank.
func (m *Manager) RemoveMember(conv types.ConversationId, logicalPk types.LogicalIdentityPk, rank uint64) {
	m.mu.Lock()
	delete(m.logicalMembers, memberKey{conv, logicalPk})
	var toRevoke []types.PhysicalDevicePk
	for k, records := range m.authorizedDevices {
		if k.conv != conv {
			continue
		}
		for _, r := range records {
			if r.LogicalPk == logicalPk {
				toRevoke = append(toRevoke, k.dev)
				break
			}
		}
	}
	m.mu.Unlock()

	for _, d := range toRevoke {
		m.RevokeDevice(conv, d, rank)
	}
}

// ListMembers returns every logical member of a conversation, sorted by
// public key for determinism.
func (m *Manager) ListMembers(conv types.ConversationId) []struct {
	LogicalPk types.LogicalIdentityPk
	Role      uint8
	JoinedAt  int64
} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]struct {
		LogicalPk types.LogicalIdentityPk
		Role      uint8
		JoinedAt  int64
	}, 0, len(m.logicalMembers))
	for k, v := range m.logicalMembers {
		if k.conv != conv {
			continue
		}
		out = append(out, struct {
			LogicalPk types.LogicalIdentityPk
			Role      uint8
			JoinedAt  int64
		}{k.logical, v.role, v.joinedAt})
	}
	sort.Slice(out, func(i, j int) bool { return lessPk32(out[i].LogicalPk[:], out[j].LogicalPk[:]) })
	return out
}

func lessPk32(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// RevokeDevice records device_pk as revoked at rank, keeping the earliest
// (minimum) rank if called more than once.
func (m *Manager) RevokeDevice(conv types.ConversationId, devicePk types.PhysicalDevicePk, rank uint64) {
	m.mu.Lock()
	k := deviceKey{conv, devicePk}
	if existing, ok := m.revokedDevices[k]; !ok || rank < existing {
		m.revokedDevices[k] = rank
	}
	m.mu.Unlock()
	m.clearPathCache()
}

// RevokeMaster revokes every device ever authorized for logicalPk, in one
// call, at rank — the full-account-compromise case distinct from revoking a
// single device. It is exercised by the same
// revalidate-all-verified-nodes retroactive path as RevokeDevice.
func (m *Manager) RevokeMaster(conv types.ConversationId, logicalPk types.LogicalIdentityPk, rank uint64) {
	devices := m.ListAuthorizedDevicesForAuthor(conv, logicalPk)
	for _, d := range devices {
		m.RevokeDevice(conv, d, rank)
	}
}

// VerifyDelegation checks cert's signature against issuerPk and its expiry
// against nowMs. issuerPk is either a logical master key (viewed as its
// physical form) or an already-authorized admin device.
func VerifyDelegation(cert dagnode.DelegationCertificate, issuerPk types.PhysicalDevicePk, nowMs int64) error {
	if cert.ExpiresAt < nowMs {
		return &ErrExpired{ExpiresAt: cert.ExpiresAt, Now: nowMs}
	}
	signed := delegationSignData(cert)
	if !ed25519.Verify(ed25519.PublicKey(issuerPk[:]), signed, cert.Signature[:]) {
		return ErrInvalidSignature
	}
	return nil
}

// SignDelegation produces the certificate signature an issuer attaches
// when authorizing a new device.
func SignDelegation(issuerSk ed25519.PrivateKey, device types.PhysicalDevicePk, perms dagnode.Permissions, expiresAt int64) types.Signature {
	cert := dagnode.DelegationCertificate{Device: device, Permissions: perms, ExpiresAt: expiresAt}
	sig := ed25519.Sign(issuerSk, delegationSignData(cert))
	var out types.Signature
	copy(out[:], sig)
	return out
}

func delegationSignData(cert dagnode.DelegationCertificate) []byte {
	buf := make([]byte, 0, 48)
	buf = append(buf, cert.Device[:]...)
	var permBuf [4]byte
	permBuf[0] = byte(cert.Permissions)
	permBuf[1] = byte(cert.Permissions >> 8)
	permBuf[2] = byte(cert.Permissions >> 16)
	permBuf[3] = byte(cert.Permissions >> 24)
	buf = append(buf, permBuf[:]...)
	var expBuf [8]byte
	for i := 0; i < 8; i++ {
		expBuf[i] = byte(cert.ExpiresAt >> (8 * i))
	}
	buf = append(buf, expBuf[:]...)
	return buf
}

// AuthorizeDevice validates cert's signature against either the logical
// master key or an already-authorized admin device, enforces
// non-escalation and MaxAuthDepth, and records the resulting AuthRecord.
func (m *Manager) AuthorizeDevice(conv types.ConversationId, logicalPk types.LogicalIdentityPk, cert dagnode.DelegationCertificate, nowMs int64, rank uint64) error {
	defer m.clearPathCache()

	// Level 1: signed directly by the logical master key.
	masterErr := VerifyDelegation(cert, logicalPk.ToPhysical(), nowMs)
	if masterErr == nil {
		m.insertRecord(conv, cert.Device, AuthRecord{
			LogicalPk: logicalPk,
			IssuerPk:  logicalPk.ToPhysical(),
			Permissions: cert.Permissions,
			ExpiresAt: cert.ExpiresAt,
			AuthRank:  rank,
		})
		return nil
	}

	// Level 2+: signed by an already-authorized admin device.
	m.mu.RLock()
	var candidates []types.PhysicalDevicePk
	for k, records := range m.authorizedDevices {
		if k.conv != conv {
			continue
		}
		for _, r := range records {
			if r.LogicalPk == logicalPk && r.ExpiresAt > nowMs && r.AuthRank <= rank &&
				r.Permissions.Contains(dagnode.PermAdmin) {
				candidates = append(candidates, k.dev)
				break
			}
		}
	}
	m.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return lessPk32(candidates[i][:], candidates[j][:]) })

	var issuer *types.PhysicalDevicePk
	var issuerPerms dagnode.Permissions
	for _, dev := range candidates {
		if VerifyDelegation(cert, dev, nowMs) != nil {
			continue
		}
		effective, ok := m.GetPermissions(conv, dev, logicalPk, nowMs, rank)
		if !ok || !effective.Contains(dagnode.PermAdmin) {
			continue
		}
		d := dev
		issuer = &d
		issuerPerms = effective
		break
	}
	if issuer == nil {
		// A cert naming the master key as issuer reports why the master
		// check failed rather than a missing trust path.
		if cert.IssuerPk == logicalPk.ToPhysical() {
			return masterErr
		}
		return ErrNoTrustPath
	}
	if !issuerPerms.Contains(cert.Permissions) {
		return ErrPermissionEscalation
	}
	depth := m.authDepth(conv, *issuer, logicalPk, rank)
	if depth+1 > MaxAuthDepth {
		return ErrChainTooDeep
	}

	m.insertRecord(conv, cert.Device, AuthRecord{
		LogicalPk:   logicalPk,
		IssuerPk:    *issuer,
		Permissions: cert.Permissions,
		ExpiresAt:   cert.ExpiresAt,
		AuthRank:    rank,
	})
	return nil
}

func (m *Manager) insertRecord(conv types.ConversationId, device types.PhysicalDevicePk, rec AuthRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deviceKey{conv, device}
	for _, existing := range m.authorizedDevices[k] {
		if existing.equal(rec) {
			return
		}
	}
	m.authorizedDevices[k] = append(m.authorizedDevices[k], rec)
}

// HasAuthorizationRecord reports whether any (possibly expired or revoked)
// record exists for device_pk.
func (m *Manager) HasAuthorizationRecord(conv types.ConversationId, devicePk types.PhysicalDevicePk) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.authorizedDevices[deviceKey{conv, devicePk}]
	return ok
}

// IsAuthorized reports whether device_pk currently has a valid trust path
// back to logical_pk at rank.
func (m *Manager) IsAuthorized(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, nowMs int64, rank uint64) bool {
	if devicePk == logicalPk.ToPhysical() {
		return true
	}

	pk := pathKey{conv, devicePk, logicalPk, rank}
	m.pathCacheMu.Lock()
	expiresAt, ok := m.pathCache.Get(pk)
	m.pathCacheMu.Unlock()
	if ok && expiresAt > nowMs {
		return true
	}

	expiresAt, found := m.isAuthorizedRecursive(conv, devicePk, logicalPk, nowMs, rank, 0)
	if !found {
		return false
	}
	m.pathCacheMu.Lock()
	m.pathCache.Add(pk, expiresAt)
	m.pathCacheMu.Unlock()
	return true
}

func (m *Manager) isAuthorizedRecursive(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, nowMs int64, rank uint64, depth int) (int64, bool) {
	if depth > MaxAuthDepth {
		return 0, false
	}
	if devicePk == logicalPk.ToPhysical() {
		return int64(1<<62) - 1, true
	}

	m.mu.RLock()
	if revRank, ok := m.revokedDevices[deviceKey{conv, devicePk}]; ok && revRank <= rank {
		m.mu.RUnlock()
		return 0, false
	}
	records := append([]AuthRecord(nil), m.authorizedDevices[deviceKey{conv, devicePk}]...)
	m.mu.RUnlock()

	var maxExpires int64
	found := false
	for _, r := range records {
		if r.LogicalPk != logicalPk || r.ExpiresAt <= nowMs || r.AuthRank > rank {
			continue
		}
		m.mu.RLock()
		issuerRevRank, issuerRevoked := m.revokedDevices[deviceKey{conv, r.IssuerPk}]
		m.mu.RUnlock()
		if issuerRevoked && issuerRevRank <= rank {
			continue
		}

		if r.IssuerPk == logicalPk.ToPhysical() {
			if !found || r.ExpiresAt > maxExpires {
				maxExpires = r.ExpiresAt
			}
			found = true
			continue
		}
		if issuerExpires, ok := m.isAuthorizedRecursive(conv, r.IssuerPk, logicalPk, nowMs, rank, depth+1); ok {
			pathExpires := r.ExpiresAt
			if issuerExpires < pathExpires {
				pathExpires = issuerExpires
			}
			if !found || pathExpires > maxExpires {
				maxExpires = pathExpires
			}
			found = true
		}
	}
	return maxExpires, found
}

// GetPermissions resolves the union, across all valid trust paths, of the
// permission-intersection along each path.
func (m *Manager) GetPermissions(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, nowMs int64, rank uint64) (dagnode.Permissions, bool) {
	return m.getPermissionsRecursive(conv, devicePk, logicalPk, nowMs, rank, 0)
}

func (m *Manager) getPermissionsRecursive(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, nowMs int64, rank uint64, depth int) (dagnode.Permissions, bool) {
	if depth > MaxAuthDepth {
		return 0, false
	}
	if devicePk == logicalPk.ToPhysical() {
		return dagnode.PermAll, true
	}

	m.mu.RLock()
	if revRank, ok := m.revokedDevices[deviceKey{conv, devicePk}]; ok && revRank <= rank {
		m.mu.RUnlock()
		return 0, false
	}
	records := append([]AuthRecord(nil), m.authorizedDevices[deviceKey{conv, devicePk}]...)
	m.mu.RUnlock()

	var effective dagnode.Permissions
	found := false
	for _, r := range records {
		if r.LogicalPk != logicalPk || r.ExpiresAt <= nowMs || r.AuthRank > rank {
			continue
		}
		m.mu.RLock()
		issuerRevRank, issuerRevoked := m.revokedDevices[deviceKey{conv, r.IssuerPk}]
		m.mu.RUnlock()
		if issuerRevoked && issuerRevRank <= rank {
			continue
		}

		if r.IssuerPk == logicalPk.ToPhysical() {
			effective |= r.Permissions
			found = true
			continue
		}
		if issuerPerms, ok := m.getPermissionsRecursive(conv, r.IssuerPk, logicalPk, nowMs, rank, depth+1); ok {
			effective |= r.Permissions & issuerPerms
			found = true
		}
	}
	return effective, found
}

func (m *Manager) authDepth(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, rank uint64) int {
	d, ok := m.authDepthRecursive(conv, devicePk, logicalPk, rank, 0)
	if !ok {
		return 0
	}
	return d
}

func (m *Manager) authDepthRecursive(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, rank uint64, depth int) (int, bool) {
	if depth > MaxAuthDepth {
		return 0, false
	}
	if devicePk == logicalPk.ToPhysical() {
		return 0, true
	}
	m.mu.RLock()
	records := append([]AuthRecord(nil), m.authorizedDevices[deviceKey{conv, devicePk}]...)
	m.mu.RUnlock()

	var minDepth int
	found := false
	for _, r := range records {
		if r.LogicalPk != logicalPk || r.AuthRank > rank {
			continue
		}
		if d, ok := m.authDepthRecursive(conv, r.IssuerPk, logicalPk, rank, depth+1); ok {
			if !found || d+1 < minDepth {
				minDepth = d + 1
			}
			found = true
		}
	}
	return minDepth, found
}

// IsAdmin reports whether device_pk currently holds ADMIN permissions for
// logical_pk.
func (m *Manager) IsAdmin(conv types.ConversationId, devicePk types.PhysicalDevicePk, logicalPk types.LogicalIdentityPk, nowMs int64, rank uint64) bool {
	perms, ok := m.GetPermissions(conv, devicePk, logicalPk, nowMs, rank)
	return ok && perms.Contains(dagnode.PermAdmin)
}

// ListAuthorizedDevices returns every device_pk ever authorized in conv,
// sorted for determinism, regardless of current validity.
func (m *Manager) ListAuthorizedDevices(conv types.ConversationId) []types.PhysicalDevicePk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.PhysicalDevicePk
	for k := range m.authorizedDevices {
		if k.conv == conv {
			out = append(out, k.dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessPk32(out[i][:], out[j][:]) })
	return out
}

// ListActiveAuthorizedDevices returns every device currently authorized
// for any member of conv, used by rekey to wrap the new epoch key for
// everyone currently valid.
func (m *Manager) ListActiveAuthorizedDevices(conv types.ConversationId, nowMs int64, rank uint64) []types.PhysicalDevicePk {
	members := m.ListMembers(conv)
	candidates := m.ListAuthorizedDevices(conv)

	seen := make(map[types.PhysicalDevicePk]bool)
	var out []types.PhysicalDevicePk
	for _, dev := range candidates {
		for _, mem := range members {
			if m.IsAuthorized(conv, dev, mem.LogicalPk, nowMs, rank) {
				if !seen[dev] {
					seen[dev] = true
					out = append(out, dev)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessPk32(out[i][:], out[j][:]) })
	return out
}

// ResolveLogicalPk maps a physical device back to the logical identity
// that authorized it (or itself, if device_pk is a master key in its
// physical form).
func (m *Manager) ResolveLogicalPk(conv types.ConversationId, devicePk types.PhysicalDevicePk) (types.LogicalIdentityPk, bool) {
	logical := devicePk.ToLogical()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.logicalMembers[memberKey{conv, logical}]; ok {
		return logical, true
	}
	if records, ok := m.authorizedDevices[deviceKey{conv, devicePk}]; ok && len(records) > 0 {
		return records[0].LogicalPk, true
	}
	return types.LogicalIdentityPk{}, false
}

// ListAuthorizedDevicesForAuthor returns every device ever authorized
// under logicalPk, always including logicalPk's own physical form.
func (m *Manager) ListAuthorizedDevicesForAuthor(conv types.ConversationId, logicalPk types.LogicalIdentityPk) []types.PhysicalDevicePk {
	m.mu.RLock()
	var out []types.PhysicalDevicePk
	for k, records := range m.authorizedDevices {
		if k.conv != conv {
			continue
		}
		for _, r := range records {
			if r.LogicalPk == logicalPk {
				out = append(out, k.dev)
				break
			}
		}
	}
	m.mu.RUnlock()

	self := logicalPk.ToPhysical()
	has := false
	for _, pk := range out {
		if pk == self {
			has = true
			break
		}
	}
	if !has {
		out = append(out, self)
	}
	sort.Slice(out, func(i, j int) bool { return lessPk32(out[i][:], out[j][:]) })
	return out
}
