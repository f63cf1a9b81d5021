package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/storage"
)

type TransactionStateUpdate struct {
	TransactionId int64
	From          storage.TransactionStatus
	To            storage.TransactionStatus
}

// SyncStateResult lists what a sync with a mint changed.
type SyncStateResult struct {
	MintURL   string
	IsPending bool

	TransactionStateUpdates []TransactionStateUpdate
	CompletedTransactionIds []int64
	ErrorTransactionIds     []int64
	RevertedTransactionIds  []int64
	PendingTransactionIds   []int64
	SpentAmount             uint64
	RevertedAmount          uint64
	Err                     error
}

// SyncStateWithMint checks the state of the proofs of one partition with
// the mint and applies it to the ledger and the transactions.
func (w *Wallet) SyncStateWithMint(ctx context.Context, mintURL string, isPending bool) (SyncStateResult, error) {
	return runOnMint(ctx, w, mintURL, taskqueue.Normal, func(ctx context.Context) (SyncStateResult, error) {
		return w.syncStateWithMint(ctx, mintURL, isPending)
	})
}

// SyncStateWithAllMints syncs the pending and then the spendable proofs of
// every mint. Mints are synced concurrently and a failing mint does not
// stop the others. Errors are reported in the results.
func (w *Wallet) SyncStateWithAllMints(ctx context.Context) []SyncStateResult {
	mints := w.ledger.Mints()

	var mu sync.Mutex
	var wg sync.WaitGroup
	results := []SyncStateResult{}
	for _, mintURL := range mints {
		wg.Add(1)
		go func(mintURL string) {
			defer wg.Done()
			for _, isPending := range []bool{true, false} {
				result, err := w.SyncStateWithMint(ctx, mintURL, isPending)
				result.MintURL = mintURL
				result.IsPending = isPending
				if err != nil {
					result.Err = err
					w.logger.Warn("error syncing with mint", slog.String("mint", mintURL),
						slog.Bool("pending", isPending), slog.String("error", err.Error()))
				}
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
				if err != nil {
					return
				}
			}
		}(mintURL)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].MintURL < results[j].MintURL })
	return results
}

func (w *Wallet) syncStateWithMint(ctx context.Context, mintURL string, isPending bool) (SyncStateResult, error) {
	result := SyncStateResult{MintURL: mintURL, IsPending: isPending}

	proofs := w.ledger.GetByMint(mintURL, ProofFilter{IsPending: isPending})
	if len(proofs) == 0 {
		return result, nil
	}

	proofsByY := make(map[string]storage.Proof, len(proofs))
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = crypto.Y(proof.Secret)
		proofsByY[Ys[i]] = proof
	}

	stateResponse, err := w.gateway.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: Ys})
	w.setMintStatus(mintURL, err)
	if err != nil {
		return result, fmt.Errorf("error checking proof states: %w", mintError(err))
	}

	spent := storage.Proofs{}
	pending := storage.Proofs{}
	reportedPending := make(map[string]bool)
	for _, state := range stateResponse.States {
		proof, ok := proofsByY[state.Y]
		if !ok {
			continue
		}
		switch state.State {
		case nut07.Spent:
			spent = append(spent, proof)
			// a proof reported twice is handled as spent
			delete(proofsByY, state.Y)
		case nut07.Pending:
			pending = append(pending, proof)
			reportedPending[proof.Secret] = true
		}
	}
	spentSecrets := make(map[string]bool, len(spent))
	for _, proof := range spent {
		spentSecrets[proof.Secret] = true
	}

	var batch storage.Batch
	txs := newTransactionSet(w)

	// spent
	if len(spent) > 0 {
		w.ledger.stageRemove(&batch, spent, isPending)
		spentByTx := make(map[int64]uint64)
		txOrder := []int64{}
		for _, proof := range spent {
			result.SpentAmount += proof.Amount
			if proof.TransactionId == 0 {
				continue
			}
			if _, ok := spentByTx[proof.TransactionId]; !ok {
				txOrder = append(txOrder, proof.TransactionId)
			}
			spentByTx[proof.TransactionId] += proof.Amount
		}

		for _, txId := range txOrder {
			tx := txs.get(txId)
			if tx == nil {
				continue
			}
			payload := map[string]uint64{"spent_amount": spentByTx[txId]}
			from := tx.Status
			if spentByTx[txId] < tx.Amount {
				message := fmt.Sprintf("only %v of %v %v were spent at the mint", spentByTx[txId], tx.Amount, tx.Unit)
				if w.fail(tx, message) {
					result.ErrorTransactionIds = append(result.ErrorTransactionIds, txId)
					result.addUpdate(txId, from, tx.Status)
				}
			} else if w.transition(tx, storage.StatusCompleted, payload) {
				result.CompletedTransactionIds = append(result.CompletedTransactionIds, txId)
				result.addUpdate(txId, from, tx.Status)
			}
			txs.touch(txId)
		}
	}

	// pending
	newlyPending := storage.Proofs{}
	for _, proof := range pending {
		if spentSecrets[proof.Secret] || w.ledger.IsPendingByMint(proof.Secret) {
			continue
		}
		newlyPending = append(newlyPending, proof)
		batch.AddPendingByMint = append(batch.AddPendingByMint, proof.Secret)
	}
	if len(newlyPending) > 0 {
		if !isPending {
			w.ledger.stageMove(&batch, newlyPending, true, 0)
		}
		for _, txId := range transactionIds(newlyPending) {
			tx := txs.get(txId)
			if tx == nil {
				continue
			}
			from := tx.Status
			if from == storage.StatusPending {
				continue
			}
			if w.transition(tx, storage.StatusPending, map[string]int{"pending_proofs": len(newlyPending)}) {
				result.PendingTransactionIds = append(result.PendingTransactionIds, txId)
				result.addUpdate(txId, from, tx.Status)
			}
			txs.touch(txId)
		}
	}

	// revert the ones the mint stopped reporting as pending
	reverted := storage.Proofs{}
	revertedByTx := make(map[int64]uint64)
	for _, proof := range proofs {
		if !w.ledger.IsPendingByMint(proof.Secret) || reportedPending[proof.Secret] || spentSecrets[proof.Secret] {
			continue
		}
		reverted = append(reverted, proof)
		batch.RemovePendingByMint = append(batch.RemovePendingByMint, proof.Secret)
		result.RevertedAmount += proof.Amount
		revertedByTx[proof.TransactionId] += proof.Amount
	}
	if len(reverted) > 0 {
		w.ledger.stageMove(&batch, reverted, false, 0)
		for _, txId := range transactionIds(reverted) {
			tx := txs.get(txId)
			if tx == nil {
				continue
			}
			from := tx.Status
			if w.transition(tx, storage.StatusReverted, map[string]uint64{"reverted_amount": revertedByTx[txId]}) {
				result.RevertedTransactionIds = append(result.RevertedTransactionIds, txId)
				result.addUpdate(txId, from, tx.Status)
			}
			txs.touch(txId)
		}
	}

	batch.Transactions = txs.changed()
	if err := w.ledger.Commit(batch); err != nil {
		return result, err
	}

	if len(spent) > 0 || len(newlyPending) > 0 || len(reverted) > 0 {
		w.logger.Info("synced proofs with mint", slog.String("mint", mintURL), slog.Bool("pending", isPending),
			slog.Int("spent", len(spent)), slog.Int("pending", len(newlyPending)), slog.Int("reverted", len(reverted)))
	}

	w.settleChangeOutputs(ctx, txs.changed())

	return result, nil
}

func (r *SyncStateResult) addUpdate(txId int64, from, to storage.TransactionStatus) {
	r.TransactionStateUpdates = append(r.TransactionStateUpdates, TransactionStateUpdate{
		TransactionId: txId,
		From:          from,
		To:            to,
	})
}

// settleChangeOutputs claims the melt change of completed transfers and
// drops the change outputs of reverted ones.
func (w *Wallet) settleChangeOutputs(ctx context.Context, transactions []storage.Transaction) {
	for i := range transactions {
		tx := &transactions[i]
		if tx.Type != storage.TransactionTransfer || tx.ChangeOutputs == nil {
			continue
		}
		switch tx.Status {
		case storage.StatusCompleted:
			if err := w.claimChange(ctx, tx); err != nil {
				w.logger.Warn("could not claim melt change", slog.Int64("transaction", tx.Id),
					slog.String("error", err.Error()))
			}
		case storage.StatusReverted, storage.StatusError:
			tx.ChangeOutputs = nil
			if err := w.commitTransaction(tx); err != nil {
				w.logger.Error("could not save transaction", slog.Int64("transaction", tx.Id),
					slog.String("error", err.Error()))
			}
		}
	}
}

func transactionIds(proofs storage.Proofs) []int64 {
	seen := make(map[int64]bool)
	ids := []int64{}
	for _, proof := range proofs {
		if proof.TransactionId != 0 && !seen[proof.TransactionId] {
			seen[proof.TransactionId] = true
			ids = append(ids, proof.TransactionId)
		}
	}
	return ids
}

// transactionSet loads each transaction once during a sync
// and keeps track of the ones that changed.
type transactionSet struct {
	w       *Wallet
	loaded  map[int64]*storage.Transaction
	touched []int64
}

func newTransactionSet(w *Wallet) *transactionSet {
	return &transactionSet{w: w, loaded: make(map[int64]*storage.Transaction)}
}

func (ts *transactionSet) get(id int64) *storage.Transaction {
	if tx, ok := ts.loaded[id]; ok {
		return tx
	}
	tx, err := ts.w.db.GetTransaction(id)
	if err != nil {
		ts.w.logger.Warn("proofs reference unknown transaction", slog.Int64("transaction", id),
			slog.String("error", err.Error()))
		ts.loaded[id] = nil
		return nil
	}
	ts.loaded[id] = tx
	return tx
}

func (ts *transactionSet) touch(id int64) {
	for _, touched := range ts.touched {
		if touched == id {
			return
		}
	}
	ts.touched = append(ts.touched, id)
}

func (ts *transactionSet) changed() []storage.Transaction {
	transactions := make([]storage.Transaction, 0, len(ts.touched))
	for _, id := range ts.touched {
		transactions = append(transactions, *ts.loaded[id])
	}
	return transactions
}

// StartSync syncs with every mint each interval until ctx is done or
// StopSync is called. Ranges left in flight are retried on each cycle.
func (w *Wallet) StartSync(ctx context.Context, interval time.Duration) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	if w.syncCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.syncCancel = cancel
	w.syncWg.Add(1)
	go func() {
		defer w.syncWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RecoverAllInFlight(ctx)
				for _, result := range w.SyncStateWithAllMints(ctx) {
					if result.Err != nil && !errors.Is(result.Err, context.Canceled) {
						w.logger.Debug("sync failed", slog.String("mint", result.MintURL),
							slog.String("error", result.Err.Error()))
					}
				}
			}
		}
	}()
}

func (w *Wallet) StopSync() {
	w.syncMu.Lock()
	cancel := w.syncCancel
	w.syncCancel = nil
	w.syncMu.Unlock()
	if cancel != nil {
		cancel()
		w.syncWg.Wait()
	}
}
