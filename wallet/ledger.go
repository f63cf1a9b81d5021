package wallet

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/wallet/storage"
)

// AddOptions control where added proofs go.
type AddOptions struct {
	ToPending     bool
	TransactionId int64
	// Reserved is set when the counter indexes used to derive the proofs
	// were already taken with LockAndReserve.
	Reserved bool
}

type AddResult struct {
	AddedAmount uint64
	AddedProofs storage.Proofs
}

// ProofFilter selects proofs of one partition. Empty Unit and
// KeysetIds match everything.
type ProofFilter struct {
	IsPending bool
	Unit      string
	KeysetIds []string
	Ascending bool
}

// Balance is the amount held for a unit at a mint.
type Balance struct {
	Spendable uint64 `json:"spendable"`
	Pending   uint64 `json:"pending"`
}

// Balances by mint url and unit.
type Balances map[string]map[string]Balance

// ProofLedger holds every proof of the wallet keyed by secret. A proof is
// either spendable or pending, never both, since there is one record per
// secret. Changes are staged in a storage.Batch and only reach memory
// after the batch was committed.
type ProofLedger struct {
	mu       sync.RWMutex
	db       storage.DB
	counters *CounterAuthority
	logger   *slog.Logger

	proofs        map[string]storage.Proof
	pendingByMint map[string]bool
}

func newProofLedger(db storage.DB, counters *CounterAuthority, logger *slog.Logger) (*ProofLedger, error) {
	ledger := &ProofLedger{
		db:            db,
		counters:      counters,
		logger:        logger,
		proofs:        make(map[string]storage.Proof),
		pendingByMint: make(map[string]bool),
	}

	proofs, err := db.GetProofs()
	if err != nil {
		return nil, storageError(err)
	}
	for _, proof := range proofs {
		ledger.proofs[proof.Secret] = proof
	}

	secrets, err := db.GetPendingByMintSecrets()
	if err != nil {
		return nil, storageError(err)
	}
	for _, secret := range secrets {
		ledger.pendingByMint[secret] = true
	}

	return ledger, nil
}

// Add saves the proofs from a mint. See stageAdd.
func (l *ProofLedger) Add(mintURL string, proofs cashu.Proofs, opts AddOptions) (AddResult, error) {
	var batch storage.Batch
	result, err := l.stageAdd(&batch, mintURL, proofs, opts)
	if err != nil {
		return AddResult{}, err
	}
	if err := l.Commit(batch); err != nil {
		return AddResult{}, err
	}
	return result, nil
}

// stageAdd adds the proofs to the batch. Proofs whose secret is already
// held are skipped. All proofs must be of the same unit. Adding to the
// spendable partition advances the keyset counters by the number of
// proofs added unless opts.Reserved is set.
func (l *ProofLedger) stageAdd(batch *storage.Batch, mintURL string, proofs cashu.Proofs,
	opts AddOptions) (AddResult, error) {

	unit, err := l.counters.keysets.unitOf(mintURL, proofs)
	if err != nil {
		return AddResult{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	result := AddResult{AddedProofs: storage.Proofs{}}
	increments := make(map[string]uint32)
	keysetOrder := []string{}
	for _, proof := range proofs {
		if l.heldLocked(batch, proof.Secret) {
			l.logger.Warn("skipping proof already in wallet", slog.String("mint", mintURL),
				slog.String("keyset", proof.Id), slog.Uint64("amount", proof.Amount))
			continue
		}

		dbProof := storage.Proof{
			Id:            proof.Id,
			Amount:        proof.Amount,
			Secret:        proof.Secret,
			C:             proof.C,
			MintURL:       mintURL,
			Unit:          unit,
			TransactionId: opts.TransactionId,
			IsPending:     opts.ToPending,
		}
		batch.SaveProofs = append(batch.SaveProofs, dbProof)
		result.AddedProofs = append(result.AddedProofs, dbProof)
		result.AddedAmount += proof.Amount

		if !opts.ToPending && !opts.Reserved {
			if _, ok := increments[proof.Id]; !ok {
				keysetOrder = append(keysetOrder, proof.Id)
			}
			increments[proof.Id]++
		}
	}

	for _, keysetId := range keysetOrder {
		delta := increments[keysetId]
		if uint64(l.counters.Counter(mintURL, keysetId))+uint64(delta) > math.MaxInt32 {
			return AddResult{}, fmt.Errorf("%w: counter for keyset '%v' would overflow", ErrValidation, keysetId)
		}
		batch.CounterIncrements = append(batch.CounterIncrements, storage.CounterIncrement{
			MintURL:  mintURL,
			KeysetId: keysetId,
			Unit:     unit,
			Delta:    delta,
		})
	}

	return result, nil
}

// heldLocked reports whether the secret is in the ledger once the batch is applied.
func (l *ProofLedger) heldLocked(batch *storage.Batch, secret string) bool {
	for _, saved := range batch.SaveProofs {
		if saved.Secret == secret {
			return true
		}
	}
	if _, ok := l.proofs[secret]; !ok {
		return false
	}
	return !slices.Contains(batch.DeleteProofs, secret)
}

// Remove deletes the proofs from the partition. Secrets not held
// in that partition are ignored.
func (l *ProofLedger) Remove(proofs storage.Proofs, fromPending bool, isRecovered bool) error {
	var batch storage.Batch
	l.stageRemove(&batch, proofs, fromPending)
	if isRecovered {
		l.logger.Info("removing recovered proofs", slog.Int("count", len(proofs)))
	}
	return l.Commit(batch)
}

func (l *ProofLedger) stageRemove(batch *storage.Batch, proofs storage.Proofs, fromPending bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, proof := range proofs {
		held, ok := l.proofs[proof.Secret]
		if !ok || held.IsPending != fromPending {
			continue
		}
		batch.DeleteProofs = append(batch.DeleteProofs, proof.Secret)
		if l.pendingByMint[proof.Secret] {
			batch.RemovePendingByMint = append(batch.RemovePendingByMint, proof.Secret)
		}
	}
}

// Move switches the proofs to the other partition and assigns them to
// the transaction. A zero transactionId keeps the current one.
func (l *ProofLedger) Move(proofs storage.Proofs, toPending bool, transactionId int64) error {
	var batch storage.Batch
	l.stageMove(&batch, proofs, toPending, transactionId)
	return l.Commit(batch)
}

func (l *ProofLedger) stageMove(batch *storage.Batch, proofs storage.Proofs, toPending bool, transactionId int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, proof := range proofs {
		held, ok := l.proofs[proof.Secret]
		if !ok {
			continue
		}
		held.IsPending = toPending
		if transactionId != 0 {
			held.TransactionId = transactionId
		}
		batch.SaveProofs = append(batch.SaveProofs, held)
	}
}

// Commit applies the batch to storage and then to memory.
func (l *ProofLedger) Commit(batch storage.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	if err := l.db.ApplyBatch(batch); err != nil {
		return storageError(err)
	}

	l.mu.Lock()
	for _, secret := range batch.DeleteProofs {
		delete(l.proofs, secret)
	}
	for _, proof := range batch.SaveProofs {
		l.proofs[proof.Secret] = proof
	}
	for _, secret := range batch.AddPendingByMint {
		l.pendingByMint[secret] = true
	}
	for _, secret := range batch.RemovePendingByMint {
		delete(l.pendingByMint, secret)
	}
	l.mu.Unlock()

	l.counters.mirror(batch)
	return nil
}

// GetByMint returns the proofs of the mint that match the filter sorted
// by amount and then secret.
func (l *ProofLedger) GetByMint(mintURL string, filter ProofFilter) storage.Proofs {
	l.mu.RLock()
	defer l.mu.RUnlock()

	proofs := storage.Proofs{}
	for _, proof := range l.proofs {
		if proof.MintURL != mintURL || proof.IsPending != filter.IsPending {
			continue
		}
		if filter.Unit != "" && proof.Unit != filter.Unit {
			continue
		}
		if len(filter.KeysetIds) > 0 && !slices.Contains(filter.KeysetIds, proof.Id) {
			continue
		}
		proofs = append(proofs, proof)
	}

	sort.SliceStable(proofs, func(i, j int) bool {
		if proofs[i].Amount != proofs[j].Amount {
			if filter.Ascending {
				return proofs[i].Amount < proofs[j].Amount
			}
			return proofs[i].Amount > proofs[j].Amount
		}
		return strings.Compare(proofs[i].Secret, proofs[j].Secret) < 0
	})
	return proofs
}

// GetByTransaction returns the proofs assigned to the transaction.
func (l *ProofLedger) GetByTransaction(transactionId int64, isPending bool) storage.Proofs {
	l.mu.RLock()
	defer l.mu.RUnlock()
	proofs := storage.Proofs{}
	for _, proof := range l.proofs {
		if proof.TransactionId == transactionId && proof.IsPending == isPending {
			proofs = append(proofs, proof)
		}
	}
	sort.Slice(proofs, func(i, j int) bool { return proofs[i].Secret < proofs[j].Secret })
	return proofs
}

func (l *ProofLedger) Get(secret string) (storage.Proof, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	proof, ok := l.proofs[secret]
	return proof, ok
}

func (l *ProofLedger) IsPendingByMint(secret string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingByMint[secret]
}

// PendingByMint returns the secrets of the mint waiting on a payment.
func (l *ProofLedger) PendingByMint(mintURL string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	secrets := []string{}
	for secret := range l.pendingByMint {
		if proof, ok := l.proofs[secret]; ok && proof.MintURL == mintURL {
			secrets = append(secrets, secret)
		}
	}
	sort.Strings(secrets)
	return secrets
}

// Balances sums the proofs per mint and unit on every call.
func (l *ProofLedger) Balances() Balances {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balances := make(Balances)
	for _, proof := range l.proofs {
		units, ok := balances[proof.MintURL]
		if !ok {
			units = make(map[string]Balance)
			balances[proof.MintURL] = units
		}
		balance := units[proof.Unit]
		if proof.IsPending {
			balance.Pending += proof.Amount
		} else {
			balance.Spendable += proof.Amount
		}
		units[proof.Unit] = balance
	}
	return balances
}

// Mints returns the mints the ledger holds proofs for.
func (l *ProofLedger) Mints() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]bool)
	mints := []string{}
	for _, proof := range l.proofs {
		if !seen[proof.MintURL] {
			seen[proof.MintURL] = true
			mints = append(mints, proof.MintURL)
		}
	}
	sort.Strings(mints)
	return mints
}
