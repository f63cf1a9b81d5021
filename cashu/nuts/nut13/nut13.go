// Package nut13 implements deterministic secrets as defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const purpose = 129372

var ErrInvalidKeysetId = errors.New("keyset id is not a hex encoded 8 byte id")

// KeysetIdInt maps a keyset id to the integer used in its derivation path.
func KeysetIdInt(keysetId string) (uint32, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil || len(keysetBytes) != 8 {
		return 0, ErrInvalidKeysetId
	}
	return uint32(binary.BigEndian.Uint64(keysetBytes) % (1<<31 - 1)), nil
}

// DeriveKeysetPath returns the key at m/129372'/0'/keyset_k_int'.
func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetIdInt, err := KeysetIdInt(keysetId)
	if err != nil {
		return nil, err
	}

	key := master
	for _, idx := range []uint32{purpose, 0, keysetIdInt} {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// m/129372'/0'/keyset_k_int'/counter'/child
func deriveCounterChild(keysetPath *hdkeychain.ExtendedKey, counter, child uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}
	childPath, err := counterPath.Derive(child)
	if err != nil {
		return nil, err
	}
	return childPath.ECPrivKey()
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	secretKey, err := deriveCounterChild(keysetPath, counter, 0)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(secretKey.Serialize()), nil
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	return deriveCounterChild(keysetPath, counter, 1)
}
