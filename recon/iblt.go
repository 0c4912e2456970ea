package recon

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

// Tier grades an IBLT sketch's size against the expected symmetric
// difference.
type Tier uint8

const (
	TierSmall Tier = iota
	TierMedium
	TierLarge
)

// Cell counts at each tier. Small stays under the PoW-free threshold;
// Medium and Large require a solved PoW challenge
// before the receiver will decode them.
const (
	SmallCells = 80
	MediumCells = 400
	LargeCells  = 2000

	// hashFns is the number of buckets each hash maps into; 3 is the
	// standard choice for IBLTs sized a small constant factor above the
	// expected difference.
	hashFns = 3
)

func (t Tier) NumCells() int {
	switch t {
	case TierSmall:
		return SmallCells
	case TierMedium:
		return MediumCells
	default:
		return LargeCells
	}
}

// RequiresPoW reports whether decoding a sketch at this tier must wait for
// a solved proof-of-work challenge.
func (t Tier) RequiresPoW() bool { return t != TierSmall }

// ChooseTier picks the smallest tier whose cell budget is expected to
// decode a symmetric difference of the given size; callers estimate
// expectedDiff from a diverged shard's prior history or just guess Small
// and escalate on SyncReconFail.
func ChooseTier(expectedDiff int) Tier {
	switch {
	case expectedDiff <= SmallCells/8:
		return TierSmall
	case expectedDiff <= MediumCells/8:
		return TierMedium
	default:
		return TierLarge
	}
}

// Escalate returns the next larger tier, used when a decode Fails and the
// sender is told to retry at higher resolution.
func (t Tier) Escalate() Tier {
	if t == TierLarge {
		return TierLarge
	}
	return t + 1
}

func bucketsFor(h types.NodeHash, numCells int) [hashFns]int {
	base := xxhash.Sum64(h[:])
	var out [hashFns]int
	for i := 0; i < hashFns; i++ {
		out[i] = int(mix(base, uint64(i)) % uint64(numCells))
	}
	return out
}

func mix(s, salt uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], s)
	binary.LittleEndian.PutUint64(buf[8:16], salt)
	return xxhash.Sum64(buf[:])
}

func insertCell(cells []wire.IbltCell, idx int, h types.NodeHash, sign int32) {
	c := cells[idx]
	c.Count += sign
	for i := range c.HashSum {
		c.HashSum[i] ^= h[i]
	}
	c.CheckSum ^= hashChecksum(h)
	cells[idx] = c
}

// BuildIBLT inserts every hash in hashes into a fresh sketch of the given
// tier's cell count.
func BuildIBLT(hashes []types.NodeHash, tier Tier) []wire.IbltCell {
	cells := make([]wire.IbltCell, tier.NumCells())
	for _, h := range hashes {
		for _, idx := range bucketsFor(h, len(cells)) {
			insertCell(cells, idx, h, 1)
		}
	}
	return cells
}

// MakeSketch builds a SyncSketchMessage over the hashes verified in r.
func MakeSketch(s store.NodeStore, conv types.ConversationId, r wire.SyncRange, tier Tier) (wire.SyncSketchMessage, error) {
	hashes, err := s.GetNodeHashesInRange(conv, r)
	if err != nil {
		return wire.SyncSketchMessage{}, err
	}
	return wire.SyncSketchMessage{ConvId: conv, Range: r, Cells: BuildIBLT(hashes, tier)}, nil
}

// DecodeKind tags the outcome of HandleSketch.
type DecodeKind uint8

const (
	DecodeSuccess DecodeKind = iota
	DecodeFailed
)

// DecodeOutcome is the result of subtracting a local sketch from a remote
// one and peeling the symmetric difference.
type DecodeOutcome struct {
	Kind            DecodeKind
	MissingLocally  []types.NodeHash // present in remote's set, absent from ours
	MissingRemotely []types.NodeHash // present in our set, absent from remote's
}

func subtractCells(remote, local []wire.IbltCell) ([]wire.IbltCell, bool) {
	if len(remote) != len(local) {
		return nil, false
	}
	out := make([]wire.IbltCell, len(remote))
	for i := range remote {
		out[i] = wire.IbltCell{
			Count:    remote[i].Count - local[i].Count,
			HashSum:  xorHash(remote[i].HashSum, local[i].HashSum),
			CheckSum: remote[i].CheckSum ^ local[i].CheckSum,
		}
	}
	return out, true
}

func xorHash(a, b types.NodeHash) types.NodeHash {
	var out types.NodeHash
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// HandleSketch builds our own sketch over remote.Range at the same tier
// (inferred from remote's cell count), subtracts it from remote's, and
// peels the resulting difference IBLT to recover the exact symmetric
// difference: a cell left with Count==1 after peeling holds a hash present
// only on the remote side (missing locally); Count==-1 holds a hash
// present only locally (missing remotely, and one we can serve back).
func HandleSketch(s store.NodeStore, conv types.ConversationId, remote wire.SyncSketchMessage) (DecodeOutcome, error) {
	localHashes, err := s.GetNodeHashesInRange(conv, remote.Range)
	if err != nil {
		return DecodeOutcome{}, err
	}
	tier := cellsToTier(len(remote.Cells))
	local := BuildIBLT(localHashes, tier)
	diff, ok := subtractCells(remote.Cells, local)
	if !ok {
		return DecodeOutcome{Kind: DecodeFailed}, nil
	}

	var missingLocally, missingRemotely []types.NodeHash
	progress := true
	for progress {
		progress = false
		for i, c := range diff {
			if c.Count != 1 && c.Count != -1 {
				continue
			}
			if c.CheckSum != hashChecksum(c.HashSum) {
				continue
			}
			h := c.HashSum
			sign := c.Count
			if sign == 1 {
				missingLocally = append(missingLocally, h)
			} else {
				missingRemotely = append(missingRemotely, h)
			}
			for _, idx := range bucketsFor(h, len(diff)) {
				insertCell(diff, idx, h, -sign)
			}
			diff[i] = wire.IbltCell{}
			progress = true
		}
	}

	for _, c := range diff {
		if c.Count != 0 || c.CheckSum != 0 {
			return DecodeOutcome{Kind: DecodeFailed}, nil
		}
	}
	return DecodeOutcome{Kind: DecodeSuccess, MissingLocally: missingLocally, MissingRemotely: missingRemotely}, nil
}

func cellsToTier(n int) Tier {
	switch {
	case n <= SmallCells:
		return TierSmall
	case n <= MediumCells:
		return TierMedium
	default:
		return TierLarge
	}
}
