package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

var ErrKeysetIdMismatch = errors.New("derived keyset id does not match")

// mint url to map of keyset id to keyset
type KeysetsMap map[string]map[string]WalletKeyset

// WalletKeyset is the wallet's view of a mint keyset:
// public keys only, plus the metadata the mint publishes for it.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
}

// Amounts returns the amounts for which the keyset has a public key, ascending.
func (ks *WalletKeyset) Amounts() []uint64 {
	amounts := make([]uint64, 0, len(ks.PublicKeys))
	for amount := range ks.PublicKeys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)
	return amounts
}

// MintKeyset holds the private keys of a keyset. Only used
// to sign blinded messages in tests and the fake mint.
type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
	Keys              map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives keys for amounts 2^0..2^63 from the master key
// at path m/0'/derivationPathIdx'/i'.
func GenerateKeyset(master *hdkeychain.ExtendedKey, derivationPathIdx uint32, unit string,
	inputFeePpk uint, active bool) (*MintKeyset, error) {

	keys := make(map[uint64]KeyPair, maxOrder)

	// m/0'
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/0'/derivationPathIdx'
	keysetPath, err := purpose.Derive(hdkeychain.HardenedKeyStart + derivationPathIdx)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}
		privKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: privKey.PubKey()}
	}

	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		publicKeys[amount] = key.PublicKey
	}

	return &MintKeyset{
		Id:                DeriveKeysetId(publicKeys),
		Unit:              unit,
		Active:            active,
		DerivationPathIdx: derivationPathIdx,
		InputFeePpk:       inputFeePpk,
		Keys:              keys,
	}, nil
}

func (ks *MintKeyset) PublicKeys() map[uint64]*secp256k1.PublicKey {
	pubkeys := make(map[uint64]*secp256k1.PublicKey, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = key.PublicKey
	}
	return pubkeys
}

// DeriveKeysetId returns the version 00 keyset id: the first 7 bytes of the
// sha256 of the concatenated compressed public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses the hex public keys of a keyset as returned by the mint.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pubkey, err := ParsePoint(key)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for amount %v: %w", amount, err)
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

// PublicKeysHex returns the public keys of the keyset hex encoded.
func PublicKeysHex(keys map[uint64]*secp256k1.PublicKey) map[uint64]string {
	hexKeys := make(map[uint64]string, len(keys))
	for amount, key := range keys {
		hexKeys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return hexKeys
}
