package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut05"
	"github.com/elnosh/nutvault/lightning"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

// RequestMeltQuote gets a quote to pay the invoice and records it in a
// DRAFT TRANSFER transaction. Amount is the invoice amount and Fee the
// fee reserve of the mint.
func (w *Wallet) RequestMeltQuote(ctx context.Context, mintURL, invoice, unit string) (*storage.Transaction, error) {
	decoded, err := lightning.DecodeInvoice(invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if decoded.Expired(w.now()) {
		return nil, fmt.Errorf("%w: invoice expired", ErrValidation)
	}

	quoteRequest := nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: unit}
	quote, err := w.gateway.PostMeltQuoteBolt11(ctx, mintURL, quoteRequest)
	if err != nil {
		return nil, fmt.Errorf("error requesting melt quote: %w", mintError(err))
	}

	tx, err := w.newTransaction(storage.TransactionTransfer, mintURL, unit, quote.Amount, storage.StatusDraft, quote)
	if err != nil {
		return nil, err
	}
	tx.Fee = quote.FeeReserve
	tx.Quote = quote.Quote
	tx.PaymentRequest = invoice
	if err := w.commitTransaction(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Melt pays the quote of a TRANSFER transaction. The inputs are held in
// the pending partition while the mint pays the invoice. If the payment
// is still in progress the transaction stays PENDING and is settled by
// a later sync or by CheckPendingMelt.
func (w *Wallet) Melt(ctx context.Context, transactionId int64) (*storage.Transaction, error) {
	tx, err := w.Transaction(transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Type != storage.TransactionTransfer {
		return nil, fmt.Errorf("%w: transaction %v is not a transfer", ErrValidation, transactionId)
	}

	return runOnMint(ctx, w, tx.MintURL, taskqueue.High, func(ctx context.Context) (*storage.Transaction, error) {
		tx, err := w.Transaction(transactionId)
		if err != nil {
			return nil, err
		}
		if tx.Status != storage.StatusDraft && tx.Status != storage.StatusReverted {
			return tx, fmt.Errorf("%w: transaction %v is %v", ErrValidation, tx.Id, tx.Status)
		}
		return w.melt(ctx, tx)
	})
}

func (w *Wallet) melt(ctx context.Context, tx *storage.Transaction) (*storage.Transaction, error) {
	if err := w.keysets.Refresh(ctx, tx.MintURL); err != nil {
		return tx, err
	}

	quote, err := w.gateway.GetMeltQuoteState(ctx, tx.MintURL, tx.Quote)
	if err != nil {
		return tx, fmt.Errorf("error getting melt quote state: %w", mintError(err))
	}
	if quote.State != nut05.Unpaid {
		return tx, fmt.Errorf("%w: melt quote '%v' is %v", ErrValidation, tx.Quote, quote.State)
	}

	spendable := w.ledger.GetByMint(tx.MintURL, ProofFilter{Unit: tx.Unit, Ascending: true})
	inputs, inputFees, err := w.selectForSwap(tx.MintURL, spendable,
		quote.Amount+quote.FeeReserve, w.keysets.InactiveKeysetIds(tx.MintURL))
	if err != nil {
		return tx, err
	}

	// blank outputs for the fee reserve the payment does not use
	var blankCount int
	if overpaid := inputs.Amount() - inputFees - quote.Amount; overpaid > 0 {
		blankCount = bits.Len64(overpaid)
	}
	reservation, err := w.reserve(ctx, tx.MintURL, tx.Unit, blankCount, tx.Id)
	if err != nil {
		return tx, err
	}
	blankOutputs, err := deriveOutputs(w.master, reservation.KeysetId, blankAmounts(blankCount), reservation.From)
	if err != nil {
		w.counters.Release(tx.Id)
		return tx, err
	}

	// inputs are held as pending before the mint sees them
	var batch storage.Batch
	w.ledger.stageMove(&batch, inputs, true, tx.Id)
	batch.AddPendingByMint = inputs.Secrets()
	// everything above the amount until the change is known
	tx.Fee = inputs.Amount() - quote.Amount
	if blankCount > 0 {
		tx.ChangeOutputs = &storage.CounterRange{
			KeysetId: reservation.KeysetId,
			From:     reservation.From,
			To:       reservation.To,
		}
	}
	w.transition(tx, storage.StatusPending, map[string]uint64{
		"inputs_amount": inputs.Amount(),
		"input_fees":    inputFees,
		"fee_reserve":   quote.FeeReserve,
	})
	batch.Transactions = []storage.Transaction{*tx}
	if err := w.ledger.Commit(batch); err != nil {
		w.counters.Release(tx.Id)
		return tx, err
	}

	meltRequest := nut05.PostMeltBolt11Request{Quote: tx.Quote, Inputs: inputs.ToCashu(), Outputs: blankOutputs.messages}
	meltResponse, err := w.gateway.PostMeltBolt11(ctx, tx.MintURL, meltRequest)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			w.afterFailedCall(ctx, tx, err)
			// the payment could have gone through so let the mint tell
			if _, syncErr := w.syncStateWithMint(ctx, tx.MintURL, true); syncErr != nil {
				w.logger.Warn("could not sync melt inputs", slog.Int64("transaction", tx.Id),
					slog.String("error", syncErr.Error()))
			}
			reloaded, _ := w.Transaction(tx.Id)
			if reloaded != nil {
				tx = reloaded
			}
			if tx.Status == storage.StatusCompleted {
				return tx, nil
			}
			return tx, fmt.Errorf("error paying invoice: %w", err)
		}
		w.counters.Release(tx.Id)
		if revertErr := w.revertMelt(tx, err.Error()); revertErr != nil {
			return tx, revertErr
		}
		return tx, fmt.Errorf("error paying invoice: %w", mintError(err))
	}

	return w.settleMelt(ctx, tx, meltResponse)
}

// settleMelt applies the state of the melt quote to the transaction.
func (w *Wallet) settleMelt(ctx context.Context, tx *storage.Transaction,
	quote *nut05.PostMeltQuoteBolt11Response) (*storage.Transaction, error) {

	switch quote.State {
	case nut05.Paid:
		if err := w.completeMelt(ctx, tx, quote); err != nil {
			return tx, err
		}
	case nut05.Pending:
		// change is claimed once the payment settles
		var batch storage.Batch
		w.counters.stageRelease(&batch, tx.Id)
		w.transition(tx, storage.StatusPending, quote)
		batch.Transactions = []storage.Transaction{*tx}
		if err := w.ledger.Commit(batch); err != nil {
			return tx, err
		}
		w.logger.Info("payment pending", slog.Int64("transaction", tx.Id), slog.String("quote", tx.Quote))
	default:
		w.counters.Release(tx.Id)
		if err := w.revertMelt(tx, "payment failed"); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

func (w *Wallet) completeMelt(ctx context.Context, tx *storage.Transaction, quote *nut05.PostMeltQuoteBolt11Response) error {
	inputs := w.ledger.GetByTransaction(tx.Id, true)

	var batch storage.Batch
	w.ledger.stageRemove(&batch, inputs, true)

	var changeAmount uint64
	if tx.ChangeOutputs != nil && len(quote.Change) > 0 {
		change, err := w.changeProofs(ctx, tx, quote.Change)
		if err != nil {
			w.logger.Warn("invalid melt change", slog.Int64("transaction", tx.Id), slog.String("error", err.Error()))
		} else {
			added, err := w.ledger.stageAdd(&batch, tx.MintURL, change, AddOptions{TransactionId: tx.Id, Reserved: true})
			if err != nil {
				return err
			}
			changeAmount = added.AddedAmount
		}
	}
	w.counters.stageRelease(&batch, tx.Id)

	if paid := inputs.Amount() - changeAmount; paid >= tx.Amount {
		tx.Fee = paid - tx.Amount
	}
	tx.ChangeOutputs = nil
	w.transition(tx, storage.StatusCompleted, map[string]any{
		"preimage":      quote.Preimage,
		"change_amount": changeAmount,
	})
	batch.Transactions = []storage.Transaction{*tx}
	if err := w.ledger.Commit(batch); err != nil {
		return err
	}

	w.logger.Info("invoice paid", slog.String("mint", tx.MintURL), slog.Int64("transaction", tx.Id),
		slog.Uint64("amount", tx.Amount), slog.Uint64("fee", tx.Fee))
	return nil
}

// changeProofs unblinds the change signed for the first blank outputs.
func (w *Wallet) changeProofs(ctx context.Context, tx *storage.Transaction,
	signatures cashu.BlindedSignatures) (cashu.Proofs, error) {

	changeOutputs := tx.ChangeOutputs
	keyset, err := w.keysets.GetKeysetById(ctx, tx.MintURL, changeOutputs.KeysetId)
	if err != nil {
		return nil, err
	}
	blankOutputs, err := deriveOutputs(w.master, keyset.Id,
		blankAmounts(int(changeOutputs.To-changeOutputs.From)), changeOutputs.From)
	if err != nil {
		return nil, err
	}
	if len(signatures) > len(blankOutputs.messages) {
		return nil, fmt.Errorf("%w: got %v change signatures for %v outputs", ErrMint,
			len(signatures), len(blankOutputs.messages))
	}
	outputs := blankOutputs.subset(len(signatures))
	return constructProofs(signatures, outputs.secrets, outputs.rs, keyset)
}

// revertMelt moves the inputs back to the spendable partition.
func (w *Wallet) revertMelt(tx *storage.Transaction, reason string) error {
	inputs := w.ledger.GetByTransaction(tx.Id, true)

	var batch storage.Batch
	w.ledger.stageMove(&batch, inputs, false, 0)
	batch.RemovePendingByMint = inputs.Secrets()
	tx.ChangeOutputs = nil
	tx.Fee = 0
	tx.ErrorMessage = reason
	w.transition(tx, storage.StatusReverted, map[string]string{"reason": reason})
	batch.Transactions = []storage.Transaction{*tx}
	return w.ledger.Commit(batch)
}

// CheckPendingMelt asks the mint for the state of the quote of a pending
// TRANSFER transaction and completes or reverts it.
func (w *Wallet) CheckPendingMelt(ctx context.Context, transactionId int64) (*storage.Transaction, error) {
	tx, err := w.Transaction(transactionId)
	if err != nil {
		return nil, err
	}
	if tx.Type != storage.TransactionTransfer {
		return nil, fmt.Errorf("%w: transaction %v is not a transfer", ErrValidation, transactionId)
	}

	return runOnMint(ctx, w, tx.MintURL, taskqueue.Normal, func(ctx context.Context) (*storage.Transaction, error) {
		tx, err := w.Transaction(transactionId)
		if err != nil {
			return nil, err
		}
		if tx.Status != storage.StatusPending {
			return tx, nil
		}

		quote, err := w.gateway.GetMeltQuoteState(ctx, tx.MintURL, tx.Quote)
		w.setMintStatus(tx.MintURL, err)
		if err != nil {
			return tx, fmt.Errorf("error getting melt quote state: %w", mintError(err))
		}
		if quote.State == nut05.Pending {
			return tx, nil
		}
		return w.settleMelt(ctx, tx, quote)
	})
}
