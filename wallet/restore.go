package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

const (
	restoreBatchSize = 100
	// restore stops after this many consecutive batches without signatures
	restoreGapLimit = 3
)

type RestoreResult struct {
	MintURL     string
	Amount      uint64
	Proofs      storage.Proofs
	Transaction *storage.Transaction
}

// RestoreFromSeed scans the counters of every keyset of the mint for
// outputs the mint signed for this seed and adds the unspent proofs
// to the ledger. Counters are moved past the last signed output.
func (w *Wallet) RestoreFromSeed(ctx context.Context, mintURL string) (RestoreResult, error) {
	return runOnMint(ctx, w, mintURL, taskqueue.High, func(ctx context.Context) (RestoreResult, error) {
		return w.restoreFromSeed(ctx, mintURL)
	})
}

func (w *Wallet) restoreFromSeed(ctx context.Context, mintURL string) (RestoreResult, error) {
	result := RestoreResult{MintURL: mintURL, Proofs: storage.Proofs{}}

	mintInfo, err := w.gateway.GetMintInfo(ctx, mintURL)
	if err != nil {
		return result, fmt.Errorf("error getting info from mint: %w", mintError(err))
	}
	if !mintInfo.Nuts.Nut07.Supported || !mintInfo.Nuts.Nut09.Supported {
		return result, fmt.Errorf("%w: mint does not support the operations needed to restore", ErrValidation)
	}

	if err := w.keysets.Refresh(ctx, mintURL); err != nil {
		return result, err
	}

	restoredByUnit := make(map[string]cashu.Proofs)
	units := []string{}
	for _, keyset := range w.keysets.Keysets(mintURL) {
		// ids that are not hex cannot be used for deterministic secrets
		if _, err := hex.DecodeString(keyset.Id); err != nil {
			continue
		}

		var counter uint32
		next := w.counters.Counter(mintURL, keyset.Id)
		emptyBatches := 0
		for emptyBatches < restoreGapLimit {
			proofs, err := w.restoreOutputs(ctx, &keyset, blankAmounts(restoreBatchSize), counter)
			if err != nil {
				return result, err
			}
			counter += restoreBatchSize

			if len(proofs) == 0 {
				emptyBatches++
				continue
			}
			emptyBatches = 0
			next = max(next, counter)

			unspent, err := w.unspent(ctx, mintURL, proofs)
			if err != nil {
				return result, err
			}
			if _, ok := restoredByUnit[keyset.Unit]; !ok {
				units = append(units, keyset.Unit)
			}
			restoredByUnit[keyset.Unit] = append(restoredByUnit[keyset.Unit], unspent...)
		}

		if err := w.counters.EnsureAtLeast(mintURL, keyset.Id, keyset.Unit, next); err != nil {
			return result, err
		}
		w.logger.Info("restored keyset", slog.String("mint", mintURL),
			slog.String("keyset", keyset.Id), slog.Any("counter", next))
	}

	for _, unit := range units {
		proofs := restoredByUnit[unit]
		if len(proofs) == 0 {
			continue
		}

		tx, err := w.newTransaction(storage.TransactionRestore, mintURL, unit, proofs.Amount(), storage.StatusDraft, nil)
		if err != nil {
			return result, err
		}

		var batch storage.Batch
		added, err := w.ledger.stageAdd(&batch, mintURL, proofs, AddOptions{TransactionId: tx.Id, Reserved: true})
		if err != nil {
			return result, err
		}
		tx.Amount = added.AddedAmount
		w.transition(tx, storage.StatusCompleted, map[string]int{"proofs": len(added.AddedProofs)})
		batch.Transactions = []storage.Transaction{*tx}
		if err := w.ledger.Commit(batch); err != nil {
			return result, err
		}

		result.Amount += added.AddedAmount
		result.Proofs = append(result.Proofs, added.AddedProofs...)
		result.Transaction = tx
	}

	return result, nil
}
