package wallet

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/elnosh/nutvault/wallet/storage"
)

var transitions = map[storage.TransactionStatus][]storage.TransactionStatus{
	storage.StatusDraft: {
		storage.StatusPending, storage.StatusCompleted, storage.StatusError,
		storage.StatusReverted, storage.StatusExpired,
	},
	storage.StatusPending: {
		storage.StatusPending, storage.StatusCompleted, storage.StatusError,
		storage.StatusReverted, storage.StatusExpired,
	},
	// a reverted transaction can be attempted again
	storage.StatusReverted: {
		storage.StatusPending, storage.StatusCompleted, storage.StatusError,
	},
}

// CanTransition reports whether a transaction can go from one status to
// another. COMPLETED, ERROR and EXPIRED are terminal.
func CanTransition(from, to storage.TransactionStatus) bool {
	for _, status := range transitions[from] {
		if status == to {
			return true
		}
	}
	return false
}

func IsTerminal(status storage.TransactionStatus) bool {
	return len(transitions[status]) == 0
}

// transition moves the transaction to the status and appends a history
// record with the payload. If the transition is not allowed the status
// is kept and only the record is appended. It reports whether the
// status changed.
func (w *Wallet) transition(tx *storage.Transaction, to storage.TransactionStatus, payload any) bool {
	now := w.now()
	record := storage.TransactionRecord{Status: to, Time: now, Payload: marshalPayload(payload)}

	changed := false
	if CanTransition(tx.Status, to) {
		if tx.Status != to {
			w.logger.Info("transaction status changed", slog.Int64("transaction", tx.Id),
				slog.String("type", string(tx.Type)), slog.String("from", string(tx.Status)),
				slog.String("to", string(to)))
		}
		changed = tx.Status != to
		tx.Status = to
	} else {
		record.Status = tx.Status
		w.logger.Debug("ignoring transition of transaction", slog.Int64("transaction", tx.Id),
			slog.String("from", string(tx.Status)), slog.String("to", string(to)))
	}

	tx.History = append(tx.History, record)
	tx.UpdatedAt = now
	return changed
}

// fail moves the transaction to ERROR with a message for the user.
func (w *Wallet) fail(tx *storage.Transaction, message string) bool {
	changed := w.transition(tx, storage.StatusError, map[string]string{"error": message})
	if changed {
		tx.ErrorMessage = message
	}
	return changed
}

func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return jsonPayload
}

func (w *Wallet) newTransaction(txType storage.TransactionType, mintURL, unit string,
	amount uint64, status storage.TransactionStatus, payload any) (*storage.Transaction, error) {

	now := w.now()
	tx := &storage.Transaction{
		Type:      txType,
		Amount:    amount,
		Unit:      unit,
		MintURL:   mintURL,
		Status:    status,
		History:   []storage.TransactionRecord{{Status: status, Time: now, Payload: marshalPayload(payload)}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.db.CreateTransaction(tx); err != nil {
		return nil, storageError(err)
	}
	return tx, nil
}

// Transaction returns the transaction with the id.
func (w *Wallet) Transaction(id int64) (*storage.Transaction, error) {
	tx, err := w.db.GetTransaction(id)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %v: %v", ErrNotFound, id, err)
	}
	return tx, nil
}

func (w *Wallet) Transactions() ([]storage.Transaction, error) {
	transactions, err := w.db.GetTransactions()
	if err != nil {
		return nil, storageError(err)
	}
	return transactions, nil
}

// commitTransaction saves the changes to the transaction alone.
func (w *Wallet) commitTransaction(tx *storage.Transaction) error {
	return w.ledger.Commit(storage.Batch{Transactions: []storage.Transaction{*tx}})
}
