package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	seedBucket          = "seed"
	keysetsBucket       = "keysets"
	proofsBucket        = "proofs"
	countersBucket      = "counters"
	transactionsBucket  = "transactions"
	pendingByMintBucket = "pending_by_mint"

	seedKey     = "seed"
	mnemonicKey = "mnemonic"
)

type BoltDB struct {
	bolt *bolt.DB
}

func InitBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initWalletBuckets(); err != nil {
		return nil, fmt.Errorf("error setting bolt db: %v", err)
	}

	return boltdb, nil
}

func (db *BoltDB) initWalletBuckets() error {
	buckets := []string{seedBucket, keysetsBucket, proofsBucket, countersBucket,
		transactionsBucket, pendingByMintBucket}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveMnemonicSeed(mnemonic string, seed []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		seedb := tx.Bucket([]byte(seedBucket))
		if seedb.Get([]byte(seedKey)) != nil {
			return ErrSeedAlreadySaved
		}
		if err := seedb.Put([]byte(seedKey), seed); err != nil {
			return err
		}
		return seedb.Put([]byte(mnemonicKey), []byte(mnemonic))
	})
}

func (db *BoltDB) GetSeed() ([]byte, error) {
	var seed []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		seedBytes := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey))
		if seedBytes == nil {
			return ErrNotFound
		}
		// bolt values are only valid during the transaction
		seed = append([]byte{}, seedBytes...)
		return nil
	})
	return seed, err
}

func (db *BoltDB) GetMnemonic() (string, error) {
	var mnemonic string
	err := db.bolt.View(func(tx *bolt.Tx) error {
		mnemonicBytes := tx.Bucket([]byte(seedBucket)).Get([]byte(mnemonicKey))
		if mnemonicBytes == nil {
			return ErrNotFound
		}
		mnemonic = string(mnemonicBytes)
		return nil
	})
	return mnemonic, err
}

func keysetKey(mintURL, id string) []byte {
	return []byte(mintURL + "|" + id)
}

func (db *BoltDB) SaveKeyset(keyset DBKeyset) error {
	jsonKeyset, err := json.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset format: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysetsBucket)).Put(keysetKey(keyset.MintURL, keyset.Id), jsonKeyset)
	})
}

func (db *BoltDB) GetKeysets() ([]DBKeyset, error) {
	keysets := []DBKeyset{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysetsBucket)).ForEach(func(k, v []byte) error {
			var keyset DBKeyset
			if err := json.Unmarshal(v, &keyset); err != nil {
				return fmt.Errorf("error getting keysets: %v", err)
			}
			keysets = append(keysets, keyset)
			return nil
		})
	})
	return keysets, err
}

func (db *BoltDB) GetProofs() (Proofs, error) {
	proofs := Proofs{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(proofsBucket)).ForEach(func(k, v []byte) error {
			var proof Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return fmt.Errorf("error getting proofs: %v", err)
			}
			proofs = append(proofs, proof)
			return nil
		})
	})
	return proofs, err
}

func counterKey(mintURL, keysetId string) []byte {
	return keysetKey(mintURL, keysetId)
}

func (db *BoltDB) GetCounters() ([]ProofsCounter, error) {
	counters := []ProofsCounter{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(countersBucket)).ForEach(func(k, v []byte) error {
			var counter ProofsCounter
			if err := json.Unmarshal(v, &counter); err != nil {
				return fmt.Errorf("error getting counters: %v", err)
			}
			counters = append(counters, counter)
			return nil
		})
	})
	return counters, err
}

func (db *BoltDB) GetPendingByMintSecrets() ([]string, error) {
	secrets := []string{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingByMintBucket)).ForEach(func(k, v []byte) error {
			secrets = append(secrets, string(k))
			return nil
		})
	})
	return secrets, err
}

func transactionKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func (db *BoltDB) CreateTransaction(transaction *Transaction) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		transactionsb := tx.Bucket([]byte(transactionsBucket))
		id, err := transactionsb.NextSequence()
		if err != nil {
			return err
		}
		transaction.Id = int64(id)

		jsonTransaction, err := json.Marshal(transaction)
		if err != nil {
			return err
		}
		return transactionsb.Put(transactionKey(transaction.Id), jsonTransaction)
	})
}

func (db *BoltDB) GetTransaction(id int64) (*Transaction, error) {
	var transaction *Transaction
	err := db.bolt.View(func(tx *bolt.Tx) error {
		transactionBytes := tx.Bucket([]byte(transactionsBucket)).Get(transactionKey(id))
		if transactionBytes == nil {
			return ErrNotFound
		}
		return json.Unmarshal(transactionBytes, &transaction)
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

func (db *BoltDB) GetTransactions() ([]Transaction, error) {
	transactions := []Transaction{}
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(transactionsBucket)).ForEach(func(k, v []byte) error {
			var transaction Transaction
			if err := json.Unmarshal(v, &transaction); err != nil {
				return fmt.Errorf("error getting transactions: %v", err)
			}
			transactions = append(transactions, transaction)
			return nil
		})
	})
	return transactions, err
}

func (db *BoltDB) ApplyBatch(batch Batch) error {
	if batch.IsEmpty() {
		return nil
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		proofsb := tx.Bucket([]byte(proofsBucket))
		for _, secret := range batch.DeleteProofs {
			if err := proofsb.Delete([]byte(secret)); err != nil {
				return err
			}
		}
		for _, proof := range batch.SaveProofs {
			jsonProof, err := json.Marshal(proof)
			if err != nil {
				return fmt.Errorf("invalid proof: %v", err)
			}
			if err := proofsb.Put([]byte(proof.Secret), jsonProof); err != nil {
				return err
			}
		}

		countersb := tx.Bucket([]byte(countersBucket))
		for _, counter := range batch.Counters {
			if err := putCounter(countersb, counter); err != nil {
				return err
			}
		}
		for _, increment := range batch.CounterIncrements {
			counter := ProofsCounter{
				MintURL:  increment.MintURL,
				KeysetId: increment.KeysetId,
				Unit:     increment.Unit,
			}
			if counterBytes := countersb.Get(counterKey(increment.MintURL, increment.KeysetId)); counterBytes != nil {
				if err := json.Unmarshal(counterBytes, &counter); err != nil {
					return err
				}
			}
			counter.Counter += increment.Delta
			if err := putCounter(countersb, counter); err != nil {
				return err
			}
		}

		transactionsb := tx.Bucket([]byte(transactionsBucket))
		for _, transaction := range batch.Transactions {
			if transactionsb.Get(transactionKey(transaction.Id)) == nil {
				return fmt.Errorf("transaction %v: %w", transaction.Id, ErrNotFound)
			}
			jsonTransaction, err := json.Marshal(transaction)
			if err != nil {
				return err
			}
			if err := transactionsb.Put(transactionKey(transaction.Id), jsonTransaction); err != nil {
				return err
			}
		}

		pendingb := tx.Bucket([]byte(pendingByMintBucket))
		for _, secret := range batch.AddPendingByMint {
			if err := pendingb.Put([]byte(secret), []byte{}); err != nil {
				return err
			}
		}
		for _, secret := range batch.RemovePendingByMint {
			if err := pendingb.Delete([]byte(secret)); err != nil {
				return err
			}
		}

		return nil
	})
}

func putCounter(countersb *bolt.Bucket, counter ProofsCounter) error {
	jsonCounter, err := json.Marshal(counter)
	if err != nil {
		return err
	}
	return countersb.Put(counterKey(counter.MintURL, counter.KeysetId), jsonCounter)
}
