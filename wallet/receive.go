package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

// Receive swaps the proofs of the token for new ones derived from the
// wallet seed. The RECEIVE transaction records the amount received after
// the input fees of the mint.
func (w *Wallet) Receive(ctx context.Context, tokenStr string) (*storage.Transaction, error) {
	token, err := cashu.DecodeToken(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	mintURL := token.Mint()
	if mintURL == "" {
		return nil, fmt.Errorf("%w: token has no mint", ErrValidation)
	}

	return runOnMint(ctx, w, mintURL, taskqueue.High, func(ctx context.Context) (*storage.Transaction, error) {
		return w.receive(ctx, mintURL, token)
	})
}

func (w *Wallet) receive(ctx context.Context, mintURL string, token cashu.Token) (*storage.Transaction, error) {
	if err := w.keysets.Refresh(ctx, mintURL); err != nil {
		return nil, err
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return nil, fmt.Errorf("%w: token has no proofs", ErrValidation)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, fmt.Errorf("%w: token has duplicate proofs", ErrValidation)
	}

	unit := token.Unit()
	for _, proof := range proofs {
		keyset, err := w.keysets.GetKeysetById(ctx, mintURL, proof.Id)
		if err != nil {
			return nil, err
		}
		if unit == "" {
			unit = keyset.Unit
		}
		if keyset.Unit != unit {
			return nil, fmt.Errorf("%w: proof of unit '%v' in token of unit '%v'", ErrValidation, keyset.Unit, unit)
		}
		if _, ok := keyset.PublicKeys[proof.Amount]; !ok {
			return nil, fmt.Errorf("%w: keyset '%v' has no key for amount %v", ErrValidation, keyset.Id, proof.Amount)
		}
	}

	fee := w.keysets.FeesForProofs(mintURL, proofs)
	if proofs.Amount() <= fee {
		return nil, fmt.Errorf("%w: token amount %v does not cover fees of %v", ErrValidation, proofs.Amount(), fee)
	}
	amount := proofs.Amount() - fee

	tx, err := w.newTransaction(storage.TransactionReceive, mintURL, unit, amount, storage.StatusDraft, nil)
	if err != nil {
		return nil, err
	}
	tx.Fee = fee

	amounts := cashu.AmountSplit(amount)
	reservation, err := w.reserve(ctx, mintURL, unit, len(amounts), tx.Id)
	if err != nil {
		w.failTransaction(tx, err)
		return tx, err
	}
	keyset, err := w.keysets.GetKeysetById(ctx, mintURL, reservation.KeysetId)
	if err != nil {
		w.counters.Release(tx.Id)
		return tx, err
	}
	outputs, err := deriveOutputs(w.master, keyset.Id, amounts, reservation.From)
	if err != nil {
		w.counters.Release(tx.Id)
		w.failTransaction(tx, err)
		return tx, err
	}

	swapResponse, err := w.gateway.PostSwap(ctx, mintURL, nut03.PostSwapRequest{Inputs: proofs, Outputs: outputs.messages})
	if err != nil {
		if _, ok := w.afterFailedCall(ctx, tx, err); ok {
			return tx, nil
		}
		if !errors.Is(err, ErrConnection) {
			w.failTransaction(tx, err)
		}
		return tx, fmt.Errorf("error receiving token: %w", mintError(err))
	}

	if len(swapResponse.Signatures) != len(outputs.messages) {
		w.counters.Release(tx.Id)
		err := fmt.Errorf("%w: mint returned %v signatures for %v outputs", ErrMint,
			len(swapResponse.Signatures), len(outputs.messages))
		w.failTransaction(tx, err)
		return tx, err
	}
	newProofs, err := constructProofs(swapResponse.Signatures, outputs.secrets, outputs.rs, keyset)
	if err != nil {
		w.counters.Release(tx.Id)
		w.failTransaction(tx, err)
		return tx, err
	}

	var batch storage.Batch
	added, err := w.ledger.stageAdd(&batch, mintURL, newProofs, AddOptions{TransactionId: tx.Id, Reserved: true})
	if err != nil {
		return tx, err
	}
	w.counters.stageRelease(&batch, tx.Id)
	w.transition(tx, storage.StatusCompleted, map[string]uint64{"received_amount": added.AddedAmount})
	batch.Transactions = []storage.Transaction{*tx}
	if err := w.ledger.Commit(batch); err != nil {
		return tx, err
	}

	w.logger.Info("received token", slog.String("mint", mintURL), slog.Int64("transaction", tx.Id),
		slog.Uint64("amount", added.AddedAmount), slog.Uint64("fee", fee))
	return tx, nil
}
