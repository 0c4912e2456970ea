package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskline/convo/blob"
	"github.com/duskline/convo/transport"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// runRounds advances the simulated clock in stepMs increments, polling and
// draining every device's inbox each round, for up to rounds iterations.
// This is the harness's stand-in for the production runtime's event loop,
// a manual clock driving deterministic simulated time.
func runRounds(devices []*Device, rounds int, stepMs int64) {
	for i := 0; i < rounds; i++ {
		for _, d := range devices {
			d.Clock.Advance(stepMs)
		}
		for _, d := range devices {
			d.Poll()
		}
		// Drain twice: a device's own Poll may emit a packet another
		// device must process before it, in turn, has anything to send
		// back this same round.
		for pass := 0; pass < 2; pass++ {
			for _, d := range devices {
				d.DrainInbox()
			}
		}
	}
}

func newConv(seed byte) types.ConversationId {
	var c types.ConversationId
	c[0] = seed
	return c
}

// TestScenarioTwoNodeSync: Alice authors one text node,
// Bob's verified count reaches >= 1 after exchange.
func TestScenarioTwoNodeSync(t *testing.T) {
	conv := newConv(0x42)
	net := transport.NewMemNetwork()
	clock := NewManualTimeProvider(0)

	alice, err := NewDevice("alice", conv, clock, net)
	require.NoError(t, err)
	bob, err := NewDevice("bob", conv, clock, net)
	require.NoError(t, err)

	var root [32]byte
	for i := range root {
		root[i] = 0xAA
	}
	alice.EstablishEpochZero(root, clock.Now())
	bob.EstablishEpochZero(root, clock.Now())

	alice.Connect(bob)

	_, err = alice.AuthorText("Alice Message")
	require.NoError(t, err)

	runRounds([]*Device{alice, bob}, 20, 500)

	require.GreaterOrEqualf(t, bob.VerifiedCount(), 1, "bob should have caught up to alice's message")
}

// TestScenarioHibernation: after initial sync, Bob is
// partitioned while Alice authors 10 more text nodes; on heal Bob catches
// up within a bounded number of simulated rounds.
func TestScenarioHibernation(t *testing.T) {
	conv := newConv(0x43)
	net := transport.NewMemNetwork()
	clock := NewManualTimeProvider(0)

	alice, err := NewDevice("alice", conv, clock, net)
	require.NoError(t, err)
	bob, err := NewDevice("bob", conv, clock, net)
	require.NoError(t, err)

	var root [32]byte
	for i := range root {
		root[i] = 0xBB
	}
	alice.EstablishEpochZero(root, clock.Now())
	bob.EstablishEpochZero(root, clock.Now())
	alice.Connect(bob)

	_, err = alice.AuthorText("hello before partition")
	require.NoError(t, err)
	runRounds([]*Device{alice, bob}, 10, 500)
	require.GreaterOrEqual(t, bob.VerifiedCount(), 1)

	SetReachable(net, bob, false)
	for i := 0; i < 10; i++ {
		_, err := alice.AuthorText("partitioned message")
		require.NoError(t, err)
	}
	runRounds([]*Device{alice, bob}, 5, 60_000)
	require.Equal(t, 1, bob.VerifiedCount(), "bob must not receive anything while partitioned")

	SetReachable(net, bob, true)
	alice.Connect(bob)
	runRounds([]*Device{alice, bob}, 40, 1_000)

	require.GreaterOrEqualf(t, bob.VerifiedCount(), 11, "bob should catch up to all 11 of alice's nodes after healing")
}

// TestScenarioConcurrentMerge: Alice and Bob, partitioned,
// each author a node; after heal and a full sync round, each holds the
// other's node plus their own, and a subsequent two-parent merge node
// verifies on both sides.
func TestScenarioConcurrentMerge(t *testing.T) {
	conv := newConv(0x44)
	net := transport.NewMemNetwork()
	clock := NewManualTimeProvider(0)

	alice, err := NewDevice("alice", conv, clock, net)
	require.NoError(t, err)
	bob, err := NewDevice("bob", conv, clock, net)
	require.NoError(t, err)

	var root [32]byte
	for i := range root {
		root[i] = 0xCC
	}
	alice.EstablishEpochZero(root, clock.Now())
	bob.EstablishEpochZero(root, clock.Now())

	SetReachable(net, alice, false)
	SetReachable(net, bob, false)

	_, err = alice.AuthorText("from alice")
	require.NoError(t, err)
	_, err = bob.AuthorText("from bob")
	require.NoError(t, err)

	SetReachable(net, alice, true)
	SetReachable(net, bob, true)
	alice.Connect(bob)
	runRounds([]*Device{alice, bob}, 30, 1_000)

	require.Equal(t, 2, alice.VerifiedCount())
	require.Equal(t, 2, bob.VerifiedCount())

	mergeHash, err := alice.AuthorText("merge")
	require.NoError(t, err)
	runRounds([]*Device{alice, bob}, 20, 1_000)

	require.True(t, bob.IsVerified(mergeHash), "bob should verify alice's merge node spanning both heads")
}

// TestScenarioRevocationRetroaction: Alice authorizes
// device D, D authors a node that verifies, Alice revokes D, and
// revalidation demotes D's node.
func TestScenarioRevocationRetroaction(t *testing.T) {
	conv := newConv(0x45)
	net := transport.NewMemNetwork()
	clock := NewManualTimeProvider(0)

	alice, err := NewDevice("alice", conv, clock, net)
	require.NoError(t, err)
	d, err := NewDevice("d", conv, clock, net)
	require.NoError(t, err)

	var root [32]byte
	for i := range root {
		root[i] = 0xDD
	}
	alice.EstablishEpochZero(root, clock.Now())
	d.EstablishEpochZero(root, clock.Now())
	alice.Connect(d)

	_, err = alice.AuthorizeDevice(d.Self.DevicePk, 3 /* PermAll */, clock.Now())
	require.NoError(t, err)
	runRounds([]*Device{alice, d}, 10, 500)

	dNodeHash, err := d.AuthorText("hello from D")
	require.NoError(t, err)
	runRounds([]*Device{alice, d}, 10, 500)
	require.True(t, alice.IsVerified(dNodeHash), "D's text node should verify once authorized")

	_, err = alice.RevokeDevice(d.Self.DevicePk, "compromised")
	require.NoError(t, err)
	runRounds([]*Device{alice, d}, 10, 500)

	require.False(t, alice.IsVerified(dNodeHash), "D's node should be demoted after alice revokes D")
}

// TestScenarioBlobSwarm: Alice seeds a blob and authors a
// Content::Blob node referencing it; Bob discovers the reference, queries,
// fetches chunk-by-chunk with verified-streaming proofs, and ends with the
// complete blob marked Available in his own store.
func TestScenarioBlobSwarm(t *testing.T) {
	conv := newConv(0x46)
	net := transport.NewMemNetwork()
	clock := NewManualTimeProvider(0)

	alice, err := NewDevice("alice", conv, clock, net)
	require.NoError(t, err)
	bob, err := NewDevice("bob", conv, clock, net)
	require.NoError(t, err)

	var root [32]byte
	for i := range root {
		root[i] = 0xEE
	}
	alice.EstablishEpochZero(root, clock.Now())
	bob.EstablishEpochZero(root, clock.Now())
	alice.Connect(bob)

	// A chunk and a half, so the transfer spans a full and a partial chunk
	// and is large enough not to ride inline in the node's metadata.
	data := make([]byte, blob.ChunkSize+blob.ChunkSize/2)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	blobHash, err := alice.SeedBlob(data)
	require.NoError(t, err)

	_, err = alice.AuthorBlobRef(blobHash, "test.bin", uint64(len(data)))
	require.NoError(t, err)

	runRounds([]*Device{alice, bob}, 40, 500)

	has, err := bob.Store.HasBlob(blobHash)
	require.NoError(t, err)
	require.True(t, has, "bob's blob should be complete and Available")

	info, ok, err := bob.Store.GetBlobInfo(blobHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.BlobAvailable, info.Status)

	first, err := bob.Store.GetChunk(blobHash, 0, blob.ChunkSize)
	require.NoError(t, err)
	require.Equal(t, data[:blob.ChunkSize], first)

	rest, err := bob.Store.GetChunk(blobHash, blob.ChunkSize, uint64(len(data)-blob.ChunkSize))
	require.NoError(t, err)
	require.Equal(t, data[blob.ChunkSize:], rest)
}
