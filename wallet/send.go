package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

type SendResult struct {
	Transaction *storage.Transaction
	Proofs      cashu.Proofs
	Token       string
}

// Send moves proofs worth exactly amount to the pending partition under a
// new SEND transaction and returns them as a token. If no set of proofs
// adds up to amount, proofs are swapped at the mint for the amount and
// change. The transaction completes when a sync finds the proofs spent.
func (w *Wallet) Send(ctx context.Context, mintURL string, amount uint64, unit, memo string) (SendResult, error) {
	if amount == 0 {
		return SendResult{}, fmt.Errorf("%w: amount must be greater than 0", ErrValidation)
	}
	return runOnMint(ctx, w, mintURL, taskqueue.High, func(ctx context.Context) (SendResult, error) {
		return w.send(ctx, mintURL, amount, unit, memo)
	})
}

func (w *Wallet) send(ctx context.Context, mintURL string, amount uint64, unit, memo string) (SendResult, error) {
	if err := w.keysets.Refresh(ctx, mintURL); err != nil {
		return SendResult{}, err
	}

	spendable := w.ledger.GetByMint(mintURL, ProofFilter{Unit: unit, Ascending: true})
	if spendable.Amount() < amount {
		return SendResult{}, fmt.Errorf("%w: have %v %v but need %v", ErrInsufficientFunds,
			spendable.Amount(), unit, amount)
	}

	tx, err := w.newTransaction(storage.TransactionSend, mintURL, unit, amount, storage.StatusDraft, nil)
	if err != nil {
		return SendResult{}, err
	}
	tx.Memo = memo

	var sendProofs cashu.Proofs
	if exact, ok := selectExact(spendable, amount); ok {
		var batch storage.Batch
		w.ledger.stageMove(&batch, exact, true, tx.Id)
		w.transition(tx, storage.StatusPending, map[string]int{"proofs": len(exact)})
		batch.Transactions = []storage.Transaction{*tx}
		if err := w.ledger.Commit(batch); err != nil {
			return SendResult{}, err
		}
		sendProofs = exact.ToCashu()
	} else {
		sendProofs, err = w.swapForSend(ctx, tx, spendable, amount)
		if err != nil {
			return SendResult{Transaction: tx}, err
		}
	}

	token, err := w.serializeToken(sendProofs, mintURL, unit, memo)
	if err != nil {
		return SendResult{Transaction: tx, Proofs: sendProofs}, err
	}

	w.logger.Info("sending proofs", slog.String("mint", mintURL), slog.Int64("transaction", tx.Id),
		slog.Uint64("amount", amount), slog.Uint64("fee", tx.Fee))
	return SendResult{Transaction: tx, Proofs: sendProofs, Token: token}, nil
}

func (w *Wallet) swapForSend(ctx context.Context, tx *storage.Transaction, spendable storage.Proofs,
	amount uint64) (cashu.Proofs, error) {

	inactive := w.keysets.InactiveKeysetIds(tx.MintURL)
	inputs, fee, err := w.selectForSwap(tx.MintURL, spendable, amount, inactive)
	if err != nil {
		w.failTransaction(tx, err)
		return nil, err
	}
	tx.Fee = fee

	sendAmounts := cashu.AmountSplit(amount)
	changeAmounts := cashu.AmountSplit(inputs.Amount() - fee - amount)

	reservation, err := w.reserve(ctx, tx.MintURL, tx.Unit, len(sendAmounts)+len(changeAmounts), tx.Id)
	if err != nil {
		w.failTransaction(tx, err)
		return nil, err
	}
	keyset, err := w.keysets.GetKeysetById(ctx, tx.MintURL, reservation.KeysetId)
	if err != nil {
		w.counters.Release(tx.Id)
		return nil, err
	}

	sendOutputs, err := deriveOutputs(w.master, keyset.Id, sendAmounts, reservation.From)
	if err != nil {
		w.counters.Release(tx.Id)
		return nil, err
	}
	changeOutputs, err := deriveOutputs(w.master, keyset.Id, changeAmounts, reservation.From+uint32(len(sendAmounts)))
	if err != nil {
		w.counters.Release(tx.Id)
		return nil, err
	}

	outputs := append(slices.Clone(sendOutputs.messages), changeOutputs.messages...)
	swapRequest := nut03.PostSwapRequest{Inputs: inputs.ToCashu(), Outputs: outputs}
	swapResponse, err := w.gateway.PostSwap(ctx, tx.MintURL, swapRequest)
	if err != nil {
		if _, ok := w.afterFailedCall(ctx, tx, err); !ok && !errors.Is(err, ErrConnection) {
			w.failTransaction(tx, err)
		}
		return nil, fmt.Errorf("error swapping proofs for send: %w", mintError(err))
	}
	if len(swapResponse.Signatures) != len(outputs) {
		w.counters.Release(tx.Id)
		err := fmt.Errorf("%w: mint returned %v signatures for %v outputs", ErrMint,
			len(swapResponse.Signatures), len(outputs))
		w.failTransaction(tx, err)
		return nil, err
	}

	sendProofs, err := constructProofs(swapResponse.Signatures[:len(sendAmounts)], sendOutputs.secrets, sendOutputs.rs, keyset)
	if err != nil {
		w.counters.Release(tx.Id)
		w.failTransaction(tx, err)
		return nil, err
	}
	changeProofs, err := constructProofs(swapResponse.Signatures[len(sendAmounts):], changeOutputs.secrets, changeOutputs.rs, keyset)
	if err != nil {
		w.counters.Release(tx.Id)
		w.failTransaction(tx, err)
		return nil, err
	}

	var batch storage.Batch
	w.ledger.stageRemove(&batch, inputs, false)
	if _, err := w.ledger.stageAdd(&batch, tx.MintURL, sendProofs,
		AddOptions{ToPending: true, TransactionId: tx.Id, Reserved: true}); err != nil {
		return nil, err
	}
	if _, err := w.ledger.stageAdd(&batch, tx.MintURL, changeProofs,
		AddOptions{TransactionId: tx.Id, Reserved: true}); err != nil {
		return nil, err
	}
	w.counters.stageRelease(&batch, tx.Id)
	w.transition(tx, storage.StatusPending, map[string]uint64{"swapped_amount": inputs.Amount(), "fee": fee})
	batch.Transactions = []storage.Transaction{*tx}
	if err := w.ledger.Commit(batch); err != nil {
		return nil, err
	}

	return sendProofs, nil
}

// selectExact looks for proofs adding up to exactly amount, taking the
// largest proofs first.
func selectExact(proofs storage.Proofs, amount uint64) (storage.Proofs, bool) {
	descending := slices.Clone(proofs)
	sort.SliceStable(descending, func(i, j int) bool { return descending[i].Amount > descending[j].Amount })

	selected := storage.Proofs{}
	remaining := amount
	for _, proof := range descending {
		if proof.Amount <= remaining {
			selected = append(selected, proof)
			remaining -= proof.Amount
		}
		if remaining == 0 {
			return selected, true
		}
	}
	return nil, false
}

// selectForSwap picks proofs from inactive keysets first and then in
// ascending amount until they cover amount plus the fees of the inputs.
func (w *Wallet) selectForSwap(mintURL string, proofs storage.Proofs, amount uint64,
	inactiveKeysets []string) (storage.Proofs, uint64, error) {

	ordered := make(storage.Proofs, 0, len(proofs))
	for _, proof := range proofs {
		if slices.Contains(inactiveKeysets, proof.Id) {
			ordered = append(ordered, proof)
		}
	}
	for _, proof := range proofs {
		if !slices.Contains(inactiveKeysets, proof.Id) {
			ordered = append(ordered, proof)
		}
	}

	selected := storage.Proofs{}
	var sum uint64
	for _, proof := range ordered {
		selected = append(selected, proof)
		sum += proof.Amount
		fee := w.keysets.FeesForProofs(mintURL, selected.ToCashu())
		if sum >= amount+fee {
			return selected, fee, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: not enough funds to cover %v plus fees", ErrInsufficientFunds, amount)
}

func (w *Wallet) serializeToken(proofs cashu.Proofs, mintURL, unit, memo string) (string, error) {
	tokenUnit, err := cashu.UnitFromString(unit)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var token cashu.Token
	tokenV4, err := cashu.NewTokenV4(proofs, mintURL, tokenUnit, memo)
	if err != nil {
		// keysets with ids that are not hex cannot go in a V4 token
		token = cashu.NewTokenV3(proofs, mintURL, tokenUnit, memo)
	} else {
		token = tokenV4
	}

	serialized, err := token.Serialize()
	if err != nil {
		return "", fmt.Errorf("error serializing token: %v", err)
	}
	return serialized, nil
}
