package lightning

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// FakeInvoice is a signed signet invoice with a random preimage,
// for mints and tests that do not talk to a real node.
type FakeInvoice struct {
	Invoice
	Preimage string
}

func CreateFakeInvoice(amount uint64, expiry time.Duration) (FakeInvoice, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return FakeInvoice{}, err
	}
	paymentHash := sha256.Sum256(random[:])

	options := []func(*zpay32.Invoice){
		zpay32.Description("nutvault"),
		zpay32.Expiry(expiry),
	}
	// zero amount invoices leave the amount out
	if amount > 0 {
		options = append(options, zpay32.Amount(lnwire.MilliSatoshi(amount*1000)))
	}

	now := time.Now()
	invoice, err := zpay32.NewInvoice(&chaincfg.SigNetParams, paymentHash, now, options...)
	if err != nil {
		return FakeInvoice{}, err
	}

	request, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return FakeInvoice{}, err
	}

	return FakeInvoice{
		Invoice: Invoice{
			PaymentRequest: request,
			PaymentHash:    hex.EncodeToString(paymentHash[:]),
			Amount:         amount,
			CreatedAt:      time.Unix(now.Unix(), 0),
			ExpiresAt:      time.Unix(now.Unix(), 0).Add(expiry),
		},
		Preimage: hex.EncodeToString(random[:]),
	}, nil
}
