package storage

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		return nil, errors.Join(srcErr, dbErr)
	}

	db, err := sql.Open("sqlite3", dbpath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	result, err := sqlite.db.Exec(`
		INSERT INTO seed (id, mnemonic, seed) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING
	`, "id", mnemonic, hex.EncodeToString(seed))
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return ErrSeedAlreadySaved
	}
	return nil
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = ?", "id")
	if err := row.Scan(&hexSeed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return hex.DecodeString(hexSeed)
}

func (sqlite *SQLiteDB) GetMnemonic() (string, error) {
	var mnemonic string
	row := sqlite.db.QueryRow("SELECT mnemonic FROM seed WHERE id = ?", "id")
	if err := row.Scan(&mnemonic); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return mnemonic, nil
}

func (sqlite *SQLiteDB) SaveKeyset(keyset DBKeyset) error {
	publicKeys, err := json.Marshal(keyset.PublicKeys)
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	_, err = sqlite.db.Exec(`
		INSERT INTO keysets (mint_url, id, unit, active, input_fee_ppk, public_keys) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mint_url, id) DO UPDATE SET
			active = excluded.active, input_fee_ppk = excluded.input_fee_ppk, public_keys = excluded.public_keys
	`, keyset.MintURL, keyset.Id, keyset.Unit, keyset.Active, keyset.InputFeePpk, string(publicKeys))

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]DBKeyset, error) {
	keysets := []DBKeyset{}

	rows, err := sqlite.db.Query("SELECT mint_url, id, unit, active, input_fee_ppk, public_keys FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset DBKeyset
		var publicKeys string
		err := rows.Scan(
			&keyset.MintURL,
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.InputFeePpk,
			&publicKeys,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(publicKeys), &keyset.PublicKeys); err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) GetProofs() (Proofs, error) {
	proofs := Proofs{}

	rows, err := sqlite.db.Query(`
		SELECT secret, amount, keyset_id, c, mint_url, unit, transaction_id, pending FROM proofs
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof Proof
		err := rows.Scan(
			&proof.Secret,
			&proof.Amount,
			&proof.Id,
			&proof.C,
			&proof.MintURL,
			&proof.Unit,
			&proof.TransactionId,
			&proof.IsPending,
		)
		if err != nil {
			return nil, err
		}
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) GetCounters() ([]ProofsCounter, error) {
	counters := []ProofsCounter{}

	rows, err := sqlite.db.Query(`
		SELECT mint_url, keyset_id, unit, counter, in_flight_from, in_flight_to, in_flight_transaction_id FROM counters
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var counter ProofsCounter
		var from, to, transactionId sql.NullInt64
		err := rows.Scan(
			&counter.MintURL,
			&counter.KeysetId,
			&counter.Unit,
			&counter.Counter,
			&from,
			&to,
			&transactionId,
		)
		if err != nil {
			return nil, err
		}
		if from.Valid && to.Valid {
			inFlightFrom, inFlightTo := uint32(from.Int64), uint32(to.Int64)
			counter.InFlightFrom = &inFlightFrom
			counter.InFlightTo = &inFlightTo
		}
		if transactionId.Valid {
			counter.InFlightTransactionId = &transactionId.Int64
		}
		counters = append(counters, counter)
	}

	return counters, rows.Err()
}

func (sqlite *SQLiteDB) GetPendingByMintSecrets() ([]string, error) {
	secrets := []string{}

	rows, err := sqlite.db.Query("SELECT secret FROM pending_by_mint")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var secret string
		if err := rows.Scan(&secret); err != nil {
			return nil, err
		}
		secrets = append(secrets, secret)
	}

	return secrets, rows.Err()
}

func (sqlite *SQLiteDB) CreateTransaction(transaction *Transaction) error {
	history, err := json.Marshal(transaction.History)
	if err != nil {
		return err
	}

	changeOutputs, err := marshalCounterRange(transaction.ChangeOutputs)
	if err != nil {
		return err
	}

	result, err := sqlite.db.Exec(`
		INSERT INTO transactions (type, amount, fee, unit, mint_url, status, memo, error_message,
			quote, payment_request, change_outputs, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, transaction.Type, transaction.Amount, transaction.Fee, transaction.Unit, transaction.MintURL,
		transaction.Status, transaction.Memo, transaction.ErrorMessage, transaction.Quote,
		transaction.PaymentRequest, changeOutputs, string(history), transaction.CreatedAt.UnixNano(),
		transaction.UpdatedAt.UnixNano())
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	transaction.Id = id
	return nil
}

const transactionColumns = `id, type, amount, fee, unit, mint_url, status, memo, error_message,
	quote, payment_request, change_outputs, history, created_at, updated_at`

func marshalCounterRange(counterRange *CounterRange) (string, error) {
	if counterRange == nil {
		return "", nil
	}
	jsonRange, err := json.Marshal(counterRange)
	if err != nil {
		return "", err
	}
	return string(jsonRange), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (Transaction, error) {
	var transaction Transaction
	var history, changeOutputs string
	var createdAt, updatedAt int64
	err := row.Scan(
		&transaction.Id,
		&transaction.Type,
		&transaction.Amount,
		&transaction.Fee,
		&transaction.Unit,
		&transaction.MintURL,
		&transaction.Status,
		&transaction.Memo,
		&transaction.ErrorMessage,
		&transaction.Quote,
		&transaction.PaymentRequest,
		&changeOutputs,
		&history,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	if err := json.Unmarshal([]byte(history), &transaction.History); err != nil {
		return Transaction{}, err
	}
	if len(changeOutputs) > 0 {
		if err := json.Unmarshal([]byte(changeOutputs), &transaction.ChangeOutputs); err != nil {
			return Transaction{}, err
		}
	}
	transaction.CreatedAt = time.Unix(0, createdAt)
	transaction.UpdatedAt = time.Unix(0, updatedAt)

	return transaction, nil
}

func (sqlite *SQLiteDB) GetTransaction(id int64) (*Transaction, error) {
	row := sqlite.db.QueryRow("SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id)
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &transaction, nil
}

func (sqlite *SQLiteDB) GetTransactions() ([]Transaction, error) {
	transactions := []Transaction{}

	rows, err := sqlite.db.Query("SELECT " + transactionColumns + " FROM transactions ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}

	return transactions, rows.Err()
}

func (sqlite *SQLiteDB) ApplyBatch(batch Batch) error {
	if batch.IsEmpty() {
		return nil
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	if err := applyBatch(tx, batch); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func applyBatch(tx *sql.Tx, batch Batch) error {
	for _, secret := range batch.DeleteProofs {
		if _, err := tx.Exec("DELETE FROM proofs WHERE secret = ?", secret); err != nil {
			return err
		}
	}

	if len(batch.SaveProofs) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO proofs (secret, amount, keyset_id, c, mint_url, unit, transaction_id, pending)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(secret) DO UPDATE SET
				transaction_id = excluded.transaction_id, pending = excluded.pending
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, proof := range batch.SaveProofs {
			_, err := stmt.Exec(proof.Secret, proof.Amount, proof.Id, proof.C, proof.MintURL,
				proof.Unit, proof.TransactionId, proof.IsPending)
			if err != nil {
				return err
			}
		}
	}

	for _, counter := range batch.Counters {
		var from, to, transactionId sql.NullInt64
		if counter.HasInFlight() {
			from = sql.NullInt64{Int64: int64(*counter.InFlightFrom), Valid: true}
			to = sql.NullInt64{Int64: int64(*counter.InFlightTo), Valid: true}
		}
		if counter.InFlightTransactionId != nil {
			transactionId = sql.NullInt64{Int64: *counter.InFlightTransactionId, Valid: true}
		}

		_, err := tx.Exec(`
			INSERT INTO counters (mint_url, keyset_id, unit, counter, in_flight_from, in_flight_to, in_flight_transaction_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(mint_url, keyset_id) DO UPDATE SET
				counter = excluded.counter, in_flight_from = excluded.in_flight_from,
				in_flight_to = excluded.in_flight_to, in_flight_transaction_id = excluded.in_flight_transaction_id
		`, counter.MintURL, counter.KeysetId, counter.Unit, counter.Counter, from, to, transactionId)
		if err != nil {
			return err
		}
	}

	for _, increment := range batch.CounterIncrements {
		_, err := tx.Exec(`
			INSERT INTO counters (mint_url, keyset_id, unit, counter) VALUES (?, ?, ?, ?)
			ON CONFLICT(mint_url, keyset_id) DO UPDATE SET counter = counter + excluded.counter
		`, increment.MintURL, increment.KeysetId, increment.Unit, increment.Delta)
		if err != nil {
			return err
		}
	}

	for _, transaction := range batch.Transactions {
		history, err := json.Marshal(transaction.History)
		if err != nil {
			return err
		}
		changeOutputs, err := marshalCounterRange(transaction.ChangeOutputs)
		if err != nil {
			return err
		}
		result, err := tx.Exec(`
			UPDATE transactions SET amount = ?, fee = ?, status = ?, memo = ?, error_message = ?,
				quote = ?, payment_request = ?, change_outputs = ?, history = ?, updated_at = ?
			WHERE id = ?
		`, transaction.Amount, transaction.Fee, transaction.Status, transaction.Memo,
			transaction.ErrorMessage, transaction.Quote, transaction.PaymentRequest, changeOutputs,
			string(history), transaction.UpdatedAt.UnixNano(), transaction.Id)
		if err != nil {
			return err
		}
		count, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if count != 1 {
			return fmt.Errorf("transaction %v: %w", transaction.Id, ErrNotFound)
		}
	}

	for _, secret := range batch.AddPendingByMint {
		if _, err := tx.Exec("INSERT OR IGNORE INTO pending_by_mint (secret) VALUES (?)", secret); err != nil {
			return err
		}
	}
	for _, secret := range batch.RemovePendingByMint {
		if _, err := tx.Exec("DELETE FROM pending_by_mint WHERE secret = ?", secret); err != nil {
			return err
		}
	}

	return nil
}
