package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut09"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

// RecoveryResult lists what was recovered from the in flight ranges of a mint.
type RecoveryResult struct {
	MintURL string
	// RecoveredProofs by transaction id
	RecoveredProofs map[int64]storage.Proofs
	RecoveredAmount uint64
	// Transactions whose range was recovered, with or without proofs.
	TransactionIds []int64
	Err            error
}

// RecoverInFlight recovers the ranges of the mint that were left in flight
// by a call whose outcome is unknown. The outputs of the range are derived
// again and restored from the mint. Proofs still unspent are added to the
// ledger and their transaction completes. The in flight marker is cleared
// unless the mint could not be reached.
func (w *Wallet) RecoverInFlight(ctx context.Context, mintURL string) (RecoveryResult, error) {
	return runOnMint(ctx, w, mintURL, taskqueue.High, func(ctx context.Context) (RecoveryResult, error) {
		return w.recoverInFlight(ctx, mintURL)
	})
}

// RecoverAllInFlight runs RecoverInFlight for every mint with an in flight range.
func (w *Wallet) RecoverAllInFlight(ctx context.Context) []RecoveryResult {
	results := []RecoveryResult{}
	for _, mintURL := range w.Mints() {
		if len(w.counters.FindInFlight(mintURL)) == 0 {
			continue
		}
		result, err := w.RecoverInFlight(ctx, mintURL)
		result.MintURL = mintURL
		result.Err = err
		results = append(results, result)
	}
	return results
}

func (w *Wallet) recoverInFlight(ctx context.Context, mintURL string) (RecoveryResult, error) {
	result := RecoveryResult{MintURL: mintURL, RecoveredProofs: make(map[int64]storage.Proofs)}

	for _, counter := range w.counters.FindInFlight(mintURL) {
		txId := *counter.InFlightTransactionId
		from, to := *counter.InFlightFrom, *counter.InFlightTo
		w.logger.Info("recovering in flight range", slog.String("mint", mintURL),
			slog.String("keyset", counter.KeysetId), slog.Any("from", from), slog.Any("to", to),
			slog.Int64("transaction", txId))

		proofs, err := w.recoverRange(ctx, mintURL, counter.KeysetId, from, to)
		if err != nil {
			if errors.Is(err, ErrConnection) {
				// keep the marker so the next cycle tries again
				w.setMintStatus(mintURL, err)
				return result, err
			}
			w.logger.Warn("could not recover in flight range", slog.String("mint", mintURL),
				slog.Int64("transaction", txId), slog.String("error", err.Error()))
		}

		var batch storage.Batch
		w.counters.stageRelease(&batch, txId)

		var added AddResult
		if len(proofs) > 0 {
			added, err = w.ledger.stageAdd(&batch, mintURL, proofs, AddOptions{TransactionId: txId, Reserved: true})
			if err != nil {
				w.logger.Warn("could not add recovered proofs", slog.Int64("transaction", txId),
					slog.String("error", err.Error()))
				added = AddResult{}
			}
		}

		tx, txErr := w.db.GetTransaction(txId)
		if txErr == nil {
			// change of a melt whose range was restored is claimed
			changeRange := tx.ChangeOutputs != nil && tx.ChangeOutputs.KeysetId == counter.KeysetId &&
				tx.ChangeOutputs.From == from && tx.ChangeOutputs.To == to
			if changeRange && len(added.AddedProofs) > 0 {
				tx.ChangeOutputs = nil
				if tx.Fee >= added.AddedAmount {
					tx.Fee -= added.AddedAmount
				}
			}
			payload := map[string]any{"recovered_amount": added.AddedAmount, "from": from, "to": to}
			switch {
			case len(added.AddedProofs) > 0:
				w.transition(tx, storage.StatusCompleted, payload)
			case tx.Status == storage.StatusDraft:
				w.fail(tx, "operation did not complete at mint")
			default:
				w.transition(tx, tx.Status, payload)
			}
			batch.Transactions = append(batch.Transactions, *tx)
		}

		if err := w.ledger.Commit(batch); err != nil {
			return result, err
		}

		result.TransactionIds = append(result.TransactionIds, txId)
		if len(added.AddedProofs) > 0 {
			result.RecoveredProofs[txId] = added.AddedProofs
			result.RecoveredAmount += added.AddedAmount
		}
	}

	// inputs of a swap that went through are now spent
	if result.RecoveredAmount > 0 {
		for _, isPending := range []bool{true, false} {
			if _, err := w.syncStateWithMint(ctx, mintURL, isPending); err != nil {
				w.logger.Warn("sync after recovery failed", slog.String("mint", mintURL),
					slog.String("error", err.Error()))
			}
		}
	}

	return result, nil
}

// recoverRange derives the outputs at [from, to) of the keyset, restores
// the signatures the mint has for them and returns the proofs that are
// still unspent.
func (w *Wallet) recoverRange(ctx context.Context, mintURL, keysetId string, from, to uint32) (cashu.Proofs, error) {
	if to <= from {
		return cashu.Proofs{}, nil
	}
	keyset, err := w.keysets.GetKeysetById(ctx, mintURL, keysetId)
	if err != nil {
		return nil, err
	}

	proofs, err := w.restoreOutputs(ctx, keyset, blankAmounts(int(to-from)), from)
	if err != nil {
		return nil, err
	}
	return w.unspent(ctx, mintURL, proofs)
}

// restoreOutputs asks the mint for the signatures of the outputs derived
// at counters from, from+1, ... and builds the proofs for the ones it signed.
func (w *Wallet) restoreOutputs(ctx context.Context, keyset *crypto.WalletKeyset,
	amounts []uint64, from uint32) (cashu.Proofs, error) {

	derived, err := deriveOutputs(w.master, keyset.Id, amounts, from)
	if err != nil {
		return nil, err
	}

	restoreResponse, err := w.gateway.PostRestore(ctx, keyset.MintURL, nut09.PostRestoreRequest{Outputs: derived.messages})
	if err != nil {
		return nil, fmt.Errorf("error restoring outputs: %w", mintError(err))
	}
	if len(restoreResponse.Outputs) != len(restoreResponse.Signatures) {
		return nil, fmt.Errorf("%w: mint returned %v outputs and %v signatures", ErrMint,
			len(restoreResponse.Outputs), len(restoreResponse.Signatures))
	}

	index := make(map[string]int, len(derived.messages))
	for i, message := range derived.messages {
		index[message.B_] = i
	}

	secrets := make([]string, 0, len(restoreResponse.Outputs))
	rs := make([]*secp256k1.PrivateKey, 0, len(restoreResponse.Outputs))
	for _, output := range restoreResponse.Outputs {
		i, ok := index[output.B_]
		if !ok {
			return nil, fmt.Errorf("%w: mint returned an output that was not requested", ErrMint)
		}
		secrets = append(secrets, derived.secrets[i])
		rs = append(rs, derived.rs[i])
	}

	return constructProofs(restoreResponse.Signatures, secrets, rs, keyset)
}

// unspent returns the proofs the mint reports as unspent.
func (w *Wallet) unspent(ctx context.Context, mintURL string, proofs cashu.Proofs) (cashu.Proofs, error) {
	if len(proofs) == 0 {
		return cashu.Proofs{}, nil
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = crypto.Y(proof.Secret)
	}
	stateResponse, err := w.gateway.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	if err != nil {
		return nil, fmt.Errorf("error checking proof states: %w", mintError(err))
	}

	states := make(map[string]nut07.State, len(stateResponse.States))
	for _, state := range stateResponse.States {
		states[state.Y] = state.State
	}

	unspent := cashu.Proofs{}
	for i, proof := range proofs {
		if state, ok := states[Ys[i]]; ok && state == nut07.Unspent {
			unspent = append(unspent, proof)
		}
	}
	return unspent, nil
}

// claimChange restores the melt change signed for the blank outputs of
// the transaction.
func (w *Wallet) claimChange(ctx context.Context, tx *storage.Transaction) error {
	changeOutputs := tx.ChangeOutputs
	proofs, err := w.recoverRange(ctx, tx.MintURL, changeOutputs.KeysetId, changeOutputs.From, changeOutputs.To)
	if err != nil {
		return err
	}

	var batch storage.Batch
	added, err := w.ledger.stageAdd(&batch, tx.MintURL, proofs, AddOptions{TransactionId: tx.Id, Reserved: true})
	if err != nil {
		return err
	}
	tx.ChangeOutputs = nil
	if added.AddedAmount > 0 && tx.Fee >= added.AddedAmount {
		tx.Fee -= added.AddedAmount
	}
	w.transition(tx, tx.Status, map[string]uint64{"change_amount": added.AddedAmount})
	batch.Transactions = []storage.Transaction{*tx}
	return w.ledger.Commit(batch)
}

// blankAmounts are placeholder amounts for outputs whose
// amount is set by the mint.
func blankAmounts(n int) []uint64 {
	amounts := make([]uint64, n)
	for i := range amounts {
		amounts[i] = 1
	}
	return amounts
}
