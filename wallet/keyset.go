package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/wallet/storage"
)

// KeysetRegistry caches the keysets of every mint the wallet knows about.
// The set of keysets of a mint only grows. Their active flag and fee
// are replaced with the latest values seen from the mint.
type KeysetRegistry struct {
	mu      sync.RWMutex
	gateway MintGateway
	db      storage.DB
	logger  *slog.Logger

	// keysets per mint in the order the mint lists them
	keysets map[string][]*crypto.WalletKeyset
}

func newKeysetRegistry(gateway MintGateway, db storage.DB, logger *slog.Logger) (*KeysetRegistry, error) {
	registry := &KeysetRegistry{
		gateway: gateway,
		db:      db,
		logger:  logger,
		keysets: make(map[string][]*crypto.WalletKeyset),
	}

	dbKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, storageError(err)
	}
	for _, dbKeyset := range dbKeysets {
		publicKeys, err := crypto.MapPubKeys(dbKeyset.PublicKeys)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid keys for keyset '%v': %v", ErrCrypto, dbKeyset.Id, err)
		}
		registry.keysets[dbKeyset.MintURL] = append(registry.keysets[dbKeyset.MintURL], &crypto.WalletKeyset{
			Id:          dbKeyset.Id,
			MintURL:     dbKeyset.MintURL,
			Unit:        dbKeyset.Unit,
			Active:      dbKeyset.Active,
			PublicKeys:  publicKeys,
			InputFeePpk: dbKeyset.InputFeePpk,
		})
	}

	return registry, nil
}

// Refresh gets the list of keysets from the mint and fetches
// the keys of the ones not seen before.
func (kr *KeysetRegistry) Refresh(ctx context.Context, mintURL string) error {
	keysetsResponse, err := kr.gateway.GetAllKeysets(ctx, mintURL)
	if err != nil {
		return fmt.Errorf("error getting keysets from mint: %w", mintError(err))
	}

	kr.mu.RLock()
	previous := kr.keysets[mintURL]
	kr.mu.RUnlock()

	known := make(map[string]*crypto.WalletKeyset)
	for _, keyset := range previous {
		known[keyset.Id] = keyset
	}

	refreshed := make([]*crypto.WalletKeyset, 0, len(keysetsResponse.Keysets))
	seen := make(map[string]bool)
	for _, keysetRes := range keysetsResponse.Keysets {
		seen[keysetRes.Id] = true

		keyset := &crypto.WalletKeyset{
			Id:          keysetRes.Id,
			MintURL:     mintURL,
			Unit:        keysetRes.Unit,
			Active:      keysetRes.Active,
			InputFeePpk: keysetRes.InputFeePpk,
		}
		if knownKeyset, ok := known[keysetRes.Id]; ok {
			keyset.PublicKeys = knownKeyset.PublicKeys
		} else {
			keys, err := kr.fetchKeys(ctx, mintURL, keysetRes.Id)
			if err != nil {
				return err
			}
			keyset.PublicKeys = keys
			kr.logger.Info("new keyset from mint", slog.String("mint", mintURL),
				slog.String("keyset", keyset.Id), slog.String("unit", keyset.Unit))
		}

		if err := kr.db.SaveKeyset(toDBKeyset(keyset)); err != nil {
			return storageError(err)
		}
		refreshed = append(refreshed, keyset)
	}

	// keysets the mint stopped listing are kept so old proofs can still be used
	for _, keyset := range previous {
		if !seen[keyset.Id] {
			refreshed = append(refreshed, keyset)
		}
	}

	kr.mu.Lock()
	kr.keysets[mintURL] = refreshed
	kr.mu.Unlock()

	return nil
}

func (kr *KeysetRegistry) fetchKeys(ctx context.Context, mintURL, id string) (map[uint64]*secp256k1.PublicKey, error) {
	keysResponse, err := kr.gateway.GetKeysetById(ctx, mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keys for keyset '%v': %w", id, mintError(err))
	}
	if len(keysResponse.Keysets) == 0 {
		return nil, fmt.Errorf("%w: mint returned no keys for keyset '%v'", ErrValidation, id)
	}

	keys, err := crypto.MapPubKeys(keysResponse.Keysets[0].Keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	// version 00 ids can be checked against the keys
	if _, err := hex.DecodeString(id); err == nil && len(id) == 16 && id[:2] == "00" {
		if derivedId := crypto.DeriveKeysetId(keys); derivedId != id {
			return nil, fmt.Errorf("%w: derived keyset id '%v' but mint returned '%v'",
				ErrValidation, derivedId, id)
		}
	}

	return keys, nil
}

func toDBKeyset(keyset *crypto.WalletKeyset) storage.DBKeyset {
	return storage.DBKeyset{
		Id:          keyset.Id,
		MintURL:     keyset.MintURL,
		Unit:        keyset.Unit,
		Active:      keyset.Active,
		InputFeePpk: keyset.InputFeePpk,
		PublicKeys:  crypto.PublicKeysHex(keyset.PublicKeys),
	}
}

// GetActiveKeyset returns the active keyset for the unit with the lowest
// input fee. On a tie the first one listed by the mint wins.
func (kr *KeysetRegistry) GetActiveKeyset(ctx context.Context, mintURL, unit string) (*crypto.WalletKeyset, error) {
	if !kr.hasMint(mintURL) {
		if err := kr.Refresh(ctx, mintURL); err != nil {
			return nil, err
		}
	}

	kr.mu.RLock()
	defer kr.mu.RUnlock()

	var selected *crypto.WalletKeyset
	for _, keyset := range kr.keysets[mintURL] {
		if !keyset.Active || keyset.Unit != unit {
			continue
		}
		if selected == nil || keyset.InputFeePpk < selected.InputFeePpk {
			selected = keyset
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("%w: no active keyset for unit '%v' at mint '%v'", ErrNotFound, unit, mintURL)
	}
	return selected, nil
}

// GetKeysetById returns the keyset, refreshing from the mint if it is unknown.
func (kr *KeysetRegistry) GetKeysetById(ctx context.Context, mintURL, id string) (*crypto.WalletKeyset, error) {
	if keyset := kr.keyset(mintURL, id); keyset != nil {
		return keyset, nil
	}
	if err := kr.Refresh(ctx, mintURL); err != nil {
		return nil, err
	}
	if keyset := kr.keyset(mintURL, id); keyset != nil {
		return keyset, nil
	}
	return nil, fmt.Errorf("%w: keyset '%v' at mint '%v'", ErrNotFound, id, mintURL)
}

// GetKeysForAmounts returns the public keys of the keyset for the amounts.
func (kr *KeysetRegistry) GetKeysForAmounts(ctx context.Context, mintURL, id string,
	amounts []uint64) (map[uint64]*secp256k1.PublicKey, error) {

	keyset, err := kr.GetKeysetById(ctx, mintURL, id)
	if err != nil {
		return nil, err
	}

	keys := make(map[uint64]*secp256k1.PublicKey, len(amounts))
	for _, amount := range amounts {
		key, ok := keyset.PublicKeys[amount]
		if !ok {
			return nil, fmt.Errorf("%w: keyset '%v' has no key for amount %v", ErrValidation, id, amount)
		}
		keys[amount] = key
	}
	return keys, nil
}

func (kr *KeysetRegistry) keyset(mintURL, id string) *crypto.WalletKeyset {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	for _, keyset := range kr.keysets[mintURL] {
		if keyset.Id == id {
			return keyset
		}
	}
	return nil
}

func (kr *KeysetRegistry) hasMint(mintURL string) bool {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return len(kr.keysets[mintURL]) > 0
}

// Keysets returns a copy of the keysets of the mint.
func (kr *KeysetRegistry) Keysets(mintURL string) []crypto.WalletKeyset {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	keysets := make([]crypto.WalletKeyset, len(kr.keysets[mintURL]))
	for i, keyset := range kr.keysets[mintURL] {
		keysets[i] = *keyset
	}
	return keysets
}

func (kr *KeysetRegistry) InactiveKeysetIds(mintURL string) []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	ids := []string{}
	for _, keyset := range kr.keysets[mintURL] {
		if !keyset.Active {
			ids = append(ids, keyset.Id)
		}
	}
	return ids
}

// Mints returns the urls of the mints with known keysets.
func (kr *KeysetRegistry) Mints() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	mints := make([]string, 0, len(kr.keysets))
	for mintURL := range kr.keysets {
		mints = append(mints, mintURL)
	}
	return mints
}

// FeesForProofs returns ceil(sum(input_fee_ppk) / 1000) for the proofs.
func (kr *KeysetRegistry) FeesForProofs(mintURL string, proofs cashu.Proofs) uint64 {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	fees := make(map[string]uint)
	for _, keyset := range kr.keysets[mintURL] {
		fees[keyset.Id] = keyset.InputFeePpk
	}

	var feePpk uint64
	for _, proof := range proofs {
		feePpk += uint64(fees[proof.Id])
	}
	return (feePpk + 999) / 1000
}

// unitOf returns the unit shared by the keysets of the proofs.
func (kr *KeysetRegistry) unitOf(mintURL string, proofs cashu.Proofs) (string, error) {
	unit := ""
	for _, proof := range proofs {
		keyset := kr.keyset(mintURL, proof.Id)
		if keyset == nil {
			return "", fmt.Errorf("%w: keyset '%v' at mint '%v'", ErrNotFound, proof.Id, mintURL)
		}
		if unit == "" {
			unit = keyset.Unit
		} else if keyset.Unit != unit {
			return "", fmt.Errorf("%w: proofs of units '%v' and '%v' cannot be mixed", ErrValidation, unit, keyset.Unit)
		}
	}
	return unit, nil
}
