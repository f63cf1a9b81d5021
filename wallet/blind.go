package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut13"
	"github.com/elnosh/nutvault/crypto"
)

// outputs are blinded messages together with the secrets
// and blinding factors needed to unblind their signatures.
type outputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func (o outputs) subset(n int) outputs {
	return outputs{messages: o.messages[:n], secrets: o.secrets[:n], rs: o.rs[:n]}
}

// deriveOutputs builds one blinded message per amount with the secret and
// blinding factor derived at counters from, from+1, ... of the keyset.
// Messages are sorted by amount.
func deriveOutputs(master *hdkeychain.ExtendedKey, keysetId string, amounts []uint64, from uint32) (outputs, error) {
	keysetPath, err := nut13.DeriveKeysetPath(master, keysetId)
	if err != nil {
		return outputs{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amount := range amounts {
		counter := from + uint32(i)
		secret, err := nut13.DeriveSecret(keysetPath, counter)
		if err != nil {
			return outputs{}, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		r, err := nut13.DeriveBlindingFactor(keysetPath, counter)
		if err != nil {
			return outputs{}, fmt.Errorf("%w: %v", ErrCrypto, err)
		}

		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			return outputs{}, fmt.Errorf("%w: %v", ErrCrypto, err)
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	cashu.SortBlindedMessages(blindedMessages, secrets, rs)
	return outputs{messages: blindedMessages, secrets: secrets, rs: rs}, nil
}

// constructProofs unblinds the signatures with the keys of the keyset.
// Signatures, secrets and rs are index aligned. Any invalid signature
// fails the whole batch.
func constructProofs(signatures cashu.BlindedSignatures, secrets []string,
	rs []*secp256k1.PrivateKey, keyset *crypto.WalletKeyset) (cashu.Proofs, error) {

	if len(signatures) > len(secrets) || len(secrets) != len(rs) {
		return nil, fmt.Errorf("%w: got %v signatures for %v outputs", ErrCrypto, len(signatures), len(secrets))
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		if signature.Id != keyset.Id {
			return nil, fmt.Errorf("%w: signature from keyset '%v' but expected '%v'", ErrCrypto, signature.Id, keyset.Id)
		}

		K, ok := keyset.PublicKeys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("%w: keyset '%v' has no key for amount %v", ErrCrypto, keyset.Id, signature.Amount)
		}

		C_, err := crypto.ParsePoint(signature.C_)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}

	return proofs, nil
}
