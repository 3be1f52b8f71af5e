package poller

import (
	"context"
	"sort"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/alt-research/8004-solana-indexer/internal/ledger"
)

// txIndexSentinel makes a missing tx_index sort after any real one, both
// here and in SQL (COALESCE(tx_index, 2147483647)).
const txIndexSentinel = int32(1<<31 - 1)

// orderedSig is a signature with its resolved position inside the block.
// TxIndex is nil when the block could not be fetched; nil sorts last.
type orderedSig struct {
	Info    ledger.SignatureInfo
	TxIndex *int32
}

func sentinelIndex(idx *int32) int32 {
	if idx == nil {
		return txIndexSentinel
	}
	return *idx
}

// sortCanonical orders by the canonical composite key
// (block_slot ASC, tx_index ASC NULLS LAST, tx_signature ASC).
func sortCanonical(sigs []orderedSig) {
	sort.SliceStable(sigs, func(i, j int) bool {
		a, b := sigs[i], sigs[j]
		if a.Info.Slot != b.Info.Slot {
			return a.Info.Slot < b.Info.Slot
		}
		ai, bi := sentinelIndex(a.TxIndex), sentinelIndex(b.TxIndex)
		if ai != bi {
			return ai < bi
		}
		return a.Info.Signature.String() < b.Info.Signature.String()
	})
}

// resolveTxIndexes groups ascending signatures by slot and assigns each its
// position inside the block. A slot with exactly one indexed transaction is
// position zero without a block fetch; zero is a real index and is never
// treated as missing. When the block fetch fails after the client's
// retries, the index stays nil and sorts last.
func (p *Poller) resolveTxIndexes(ctx context.Context, sigs []ledger.SignatureInfo) []orderedSig {
	bySlot := make(map[uint64][]ledger.SignatureInfo)
	var slots []uint64
	for _, si := range sigs {
		if _, seen := bySlot[si.Slot]; !seen {
			slots = append(slots, si.Slot)
		}
		bySlot[si.Slot] = append(bySlot[si.Slot], si)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	out := make([]orderedSig, 0, len(sigs))
	for _, slot := range slots {
		group := bySlot[slot]
		if len(group) == 1 {
			zero := int32(0)
			out = append(out, orderedSig{Info: group[0], TxIndex: &zero})
			continue
		}

		positions := p.blockPositions(ctx, slot)
		for _, si := range group {
			var idx *int32
			if positions != nil {
				if pos, ok := positions[si.Signature]; ok {
					pos := pos
					idx = &pos
				}
			}
			if idx == nil {
				p.logger.Warn("tx_index unresolved, persisting NULL",
					zap.Uint64("slot", slot),
					zap.String("signature", si.Signature.String()))
			}
			out = append(out, orderedSig{Info: si, TxIndex: idx})
		}
	}

	sortCanonical(out)
	return out
}

// blockPositions fetches the block and maps each signature to its position.
// Returns nil when the block is unavailable.
func (p *Poller) blockPositions(ctx context.Context, slot uint64) map[solana.Signature]int32 {
	blockSigs, err := p.client.GetBlockSignatures(ctx, slot)
	if err != nil {
		p.logger.Warn("block fetch failed", zap.Uint64("slot", slot), zap.Error(err))
		return nil
	}
	positions := make(map[solana.Signature]int32, len(blockSigs))
	for i, sig := range blockSigs {
		positions[sig] = int32(i)
	}
	return positions
}
