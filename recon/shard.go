// Package recon implements the two-tier reconciliation algorithm: cheap
// shard checksums over (epoch, rank-band) ranges to localize divergence,
// and graded IBLT sketches to recover the exact symmetric difference once
// a shard is known to diverge.
package recon

import (
	"github.com/cespare/xxhash/v2"

	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// BandWidth is the fixed rank-band width shards partition a conversation's
// verified set into. 256 keeps a single-epoch conversation's shard list
// short while still
// localizing divergence well below a full-epoch IBLT.
const BandWidth = 256

func hashChecksum(h types.NodeHash) uint64 {
	return xxhash.Sum64(h[:])
}

// MakeShardChecksums partitions conv's verified nodes in epoch, up through
// maxRank, into fixed-width rank bands and computes an order-independent
// XOR checksum of each band's node hashes.
func MakeShardChecksums(s store.NodeStore, conv types.ConversationId, epoch types.Epoch, maxRank uint64) ([]wire.Shard, error) {
	var shards []wire.Shard
	for lo := uint64(0); lo <= maxRank; lo += BandWidth {
		hi := lo + BandWidth - 1
		hashes, err := s.GetNodeHashesInRange(conv, wire.SyncRange{Epoch: epoch, MinRank: lo, MaxRank: hi})
		if err != nil {
			return nil, err
		}
		var checksum uint64
		for _, h := range hashes {
			checksum ^= hashChecksum(h)
		}
		shards = append(shards, wire.Shard{Epoch: epoch, MinRank: lo, MaxRank: hi, Checksum: checksum})
		if hi >= maxRank {
			break
		}
	}
	return shards, nil
}

// HandleShardChecksums compares a peer's shard list against our own
// (built with the same band width) and returns the ranges whose checksums
// differ — including bands one side has that the other doesn't, treated
// as a checksum mismatch against zero.
func HandleShardChecksums(local, remote []wire.Shard) []wire.SyncRange {
	localByRange := make(map[wire.SyncRange]uint64, len(local))
	for _, s := range local {
		localByRange[wire.SyncRange{Epoch: s.Epoch, MinRank: s.MinRank, MaxRank: s.MaxRank}] = s.Checksum
	}
	remoteByRange := make(map[wire.SyncRange]uint64, len(remote))
	for _, s := range remote {
		remoteByRange[wire.SyncRange{Epoch: s.Epoch, MinRank: s.MinRank, MaxRank: s.MaxRank}] = s.Checksum
	}

	seen := make(map[wire.SyncRange]bool)
	var diverged []wire.SyncRange
	for r, lc := range localByRange {
		rc, ok := remoteByRange[r]
		if !ok || lc != rc {
			diverged = append(diverged, r)
		}
		seen[r] = true
	}
	for r := range remoteByRange {
		if !seen[r] {
			diverged = append(diverged, r)
		}
	}
	return diverged
}
