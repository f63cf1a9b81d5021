// Package lightning decodes and creates bolt11 invoices.
package lightning

import (
	"errors"
	"fmt"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// default expiry when the invoice does not set one
const defaultExpiry = 3600

var ErrNoAmount = errors.New("invoice has no amount")

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	// Amount in sats
	Amount    uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DecodeInvoice parses a bolt11 payment request. Invoices
// without an amount are rejected since the wallet can't melt them.
func DecodeInvoice(request string) (Invoice, error) {
	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return Invoice{}, fmt.Errorf("error decoding invoice: %v", err)
	}
	if bolt11.MSatoshi <= 0 {
		return Invoice{}, ErrNoAmount
	}

	expiry := bolt11.Expiry
	if expiry == 0 {
		expiry = defaultExpiry
	}
	createdAt := time.Unix(int64(bolt11.CreatedAt), 0)

	return Invoice{
		PaymentRequest: request,
		PaymentHash:    bolt11.PaymentHash,
		Amount:         uint64(bolt11.MSatoshi) / 1000,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(time.Duration(expiry) * time.Second),
	}, nil
}

func (i Invoice) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
