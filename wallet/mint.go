package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/lightning"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

// RequestMint asks the mint for an invoice to mint amount of unit. The
// returned TOPUP transaction stays PENDING until the tokens are minted.
func (w *Wallet) RequestMint(ctx context.Context, mintURL string, amount uint64, unit string) (*storage.Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be greater than 0", ErrValidation)
	}
	if _, err := w.keysets.GetActiveKeyset(ctx, mintURL, unit); err != nil {
		return nil, err
	}

	quoteRequest := nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: unit}
	quote, err := w.gateway.PostMintQuoteBolt11(ctx, mintURL, quoteRequest)
	if err != nil {
		return nil, fmt.Errorf("error requesting mint quote: %w", mintError(err))
	}

	if invoice, err := lightning.DecodeInvoice(quote.Request); err == nil && invoice.Amount != 0 &&
		unit == cashu.Sat.String() && invoice.Amount != amount {
		return nil, fmt.Errorf("%w: mint returned invoice for %v sats but requested %v", ErrValidation,
			invoice.Amount, amount)
	}

	tx, err := w.newTransaction(storage.TransactionTopup, mintURL, unit, amount, storage.StatusPending, quote)
	if err != nil {
		return nil, err
	}
	tx.Quote = quote.Quote
	tx.PaymentRequest = quote.Request
	if err := w.commitTransaction(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// MintTokens mints the tokens of a paid TOPUP transaction.
func (w *Wallet) MintTokens(ctx context.Context, transactionId int64) (cashu.Proofs, error) {
	tx, err := w.Transaction(transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Type != storage.TransactionTopup {
		return nil, fmt.Errorf("%w: transaction %v is not a topup", ErrValidation, transactionId)
	}

	return runOnMint(ctx, w, tx.MintURL, taskqueue.High, func(ctx context.Context) (cashu.Proofs, error) {
		// reload since it could have changed while queued
		tx, err := w.Transaction(transactionId)
		if err != nil {
			return nil, err
		}
		if tx.Status != storage.StatusPending {
			return nil, fmt.Errorf("%w: transaction %v is %v", ErrValidation, tx.Id, tx.Status)
		}

		quote, err := w.gateway.GetMintQuoteState(ctx, tx.MintURL, tx.Quote)
		if err != nil {
			return nil, fmt.Errorf("error getting mint quote state: %w", mintError(err))
		}
		if quote.State != nut04.Paid {
			return nil, fmt.Errorf("%w: invoice of quote '%v' is %v", ErrValidation, tx.Quote, quote.State)
		}
		return w.mintTokens(ctx, tx)
	})
}

func (w *Wallet) mintTokens(ctx context.Context, tx *storage.Transaction) (cashu.Proofs, error) {
	if err := w.keysets.Refresh(ctx, tx.MintURL); err != nil {
		return nil, err
	}

	amounts := cashu.AmountSplit(tx.Amount)
	reservation, err := w.reserve(ctx, tx.MintURL, tx.Unit, len(amounts), tx.Id)
	if err != nil {
		return nil, err
	}
	keyset, err := w.keysets.GetKeysetById(ctx, tx.MintURL, reservation.KeysetId)
	if err != nil {
		w.counters.Release(tx.Id)
		return nil, err
	}

	outputs, err := deriveOutputs(w.master, reservation.KeysetId, amounts, reservation.From)
	if err != nil {
		w.counters.Release(tx.Id)
		return nil, err
	}

	mintRequest := nut04.PostMintBolt11Request{Quote: tx.Quote, Outputs: outputs.messages}
	mintResponse, err := w.gateway.PostMintBolt11(ctx, tx.MintURL, mintRequest)
	if err != nil {
		if recovered, ok := w.afterFailedCall(ctx, tx, err); ok {
			return recovered.ToCashu(), nil
		}
		if cashuErr, ok := cashuError(err); ok && cashuErr.Code == cashu.MintQuoteRequestNotPaidErrCode {
			return nil, mintError(err)
		}
		if !errors.Is(err, ErrConnection) {
			w.failTransaction(tx, err)
		}
		return nil, fmt.Errorf("error minting tokens: %w", mintError(err))
	}

	// outputs signed by the mint can still be found by a restore
	if len(mintResponse.Signatures) != len(outputs.messages) {
		w.counters.Release(tx.Id)
		err := fmt.Errorf("%w: mint returned %v signatures for %v outputs", ErrMint,
			len(mintResponse.Signatures), len(outputs.messages))
		w.failTransaction(tx, err)
		return nil, err
	}
	proofs, err := constructProofs(mintResponse.Signatures, outputs.secrets, outputs.rs, keyset)
	if err != nil {
		w.counters.Release(tx.Id)
		w.failTransaction(tx, err)
		return nil, err
	}

	var batch storage.Batch
	added, err := w.ledger.stageAdd(&batch, tx.MintURL, proofs, AddOptions{TransactionId: tx.Id, Reserved: true})
	if err != nil {
		return nil, err
	}
	w.counters.stageRelease(&batch, tx.Id)
	w.transition(tx, storage.StatusCompleted, map[string]uint64{"minted_amount": added.AddedAmount})
	batch.Transactions = []storage.Transaction{*tx}
	if err := w.ledger.Commit(batch); err != nil {
		return nil, err
	}

	w.logger.Info("minted tokens", slog.String("mint", tx.MintURL), slog.Int64("transaction", tx.Id),
		slog.Uint64("amount", added.AddedAmount))
	return proofs, nil
}

// CheckPendingTopup checks the quote of a pending TOPUP transaction.
// Tokens are minted if it was paid and the transaction expires if the
// invoice expired unpaid.
func (w *Wallet) CheckPendingTopup(ctx context.Context, transactionId int64) (*storage.Transaction, error) {
	tx, err := w.Transaction(transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Type != storage.TransactionTopup {
		return nil, fmt.Errorf("%w: transaction %v is not a topup", ErrValidation, transactionId)
	}

	return runOnMint(ctx, w, tx.MintURL, taskqueue.Normal, func(ctx context.Context) (*storage.Transaction, error) {
		tx, err := w.Transaction(transactionId)
		if err != nil {
			return nil, err
		}
		if tx.Status != storage.StatusPending {
			return tx, nil
		}

		quote, err := w.gateway.GetMintQuoteState(ctx, tx.MintURL, tx.Quote)
		w.setMintStatus(tx.MintURL, err)
		if err != nil {
			return tx, fmt.Errorf("error getting mint quote state: %w", mintError(err))
		}

		switch quote.State {
		case nut04.Unpaid:
			if w.quoteExpired(tx, quote.Expiry) {
				w.transition(tx, storage.StatusExpired, quote)
				if err := w.commitTransaction(tx); err != nil {
					return nil, err
				}
			}
		case nut04.Paid:
			if _, err := w.mintTokens(ctx, tx); err != nil {
				return tx, err
			}
		case nut04.Issued:
			if w.hasInFlight(tx) {
				if _, err := w.recoverInFlight(ctx, tx.MintURL); err != nil {
					return tx, err
				}
			} else {
				w.fail(tx, "quote was already issued")
				if err := w.commitTransaction(tx); err != nil {
					return nil, err
				}
			}
		}
		return w.Transaction(transactionId)
	})
}

func (w *Wallet) quoteExpired(tx *storage.Transaction, quoteExpiry int64) bool {
	now := w.now()
	if invoice, err := lightning.DecodeInvoice(tx.PaymentRequest); err == nil {
		return invoice.Expired(now)
	}
	return quoteExpiry > 0 && now.After(time.Unix(quoteExpiry, 0))
}

func (w *Wallet) hasInFlight(tx *storage.Transaction) bool {
	for _, counter := range w.counters.FindInFlight(tx.MintURL) {
		if *counter.InFlightTransactionId == tx.Id {
			return true
		}
	}
	return false
}

// reserve takes a counter range for the transaction. A range left in
// flight by an earlier operation is recovered first.
func (w *Wallet) reserve(ctx context.Context, mintURL, unit string, count int, transactionId int64) (Reservation, error) {
	reservation, err := w.counters.LockAndReserve(ctx, mintURL, unit, count, transactionId)
	if !errors.Is(err, ErrInFlight) {
		return reservation, err
	}
	if _, err := w.recoverInFlight(ctx, mintURL); err != nil {
		return Reservation{}, err
	}
	return w.counters.LockAndReserve(ctx, mintURL, unit, count, transactionId)
}

// afterFailedCall handles a failed mint call that used the reserved range
// of the transaction. If the outcome is unknown the range is recovered
// right away and the proofs recovered for the transaction are returned.
// Otherwise the indexes are released, never reused.
func (w *Wallet) afterFailedCall(ctx context.Context, tx *storage.Transaction, callErr error) (storage.Proofs, bool) {
	if !errors.Is(callErr, ErrConnection) {
		if err := w.counters.Release(tx.Id); err != nil {
			w.logger.Error("could not release counter range", slog.Int64("transaction", tx.Id),
				slog.String("error", err.Error()))
		}
		return nil, false
	}

	w.setMintStatus(tx.MintURL, callErr)
	w.logger.Warn("mint call outcome unknown, recovering", slog.String("mint", tx.MintURL),
		slog.Int64("transaction", tx.Id), slog.String("error", callErr.Error()))

	result, err := w.recoverInFlight(ctx, tx.MintURL)
	if err != nil {
		return nil, false
	}
	proofs, ok := result.RecoveredProofs[tx.Id]
	if ok {
		if reloaded, err := w.Transaction(tx.Id); err == nil {
			*tx = *reloaded
		}
	}
	return proofs, ok
}

// failTransaction moves the transaction to ERROR with the error message.
func (w *Wallet) failTransaction(tx *storage.Transaction, cause error) {
	// the transaction can change during recovery
	if reloaded, err := w.Transaction(tx.Id); err == nil {
		*tx = *reloaded
	}
	w.fail(tx, cause.Error())
	if err := w.commitTransaction(tx); err != nil {
		w.logger.Error("could not save transaction", slog.Int64("transaction", tx.Id),
			slog.String("error", err.Error()))
	}
}
