package wallet

import (
	"errors"
	"fmt"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/wallet/client"
)

var (
	// ErrCrypto is returned for malformed points or signatures. The whole
	// batch of proofs being built is rejected.
	ErrCrypto = errors.New("crypto error")
	// ErrValidation is returned for missing keys, unit mismatches
	// and other invalid input. It is not retried.
	ErrValidation = errors.New("validation error")
	// ErrMint wraps errors returned by the mint.
	ErrMint = errors.New("mint error")
	// ErrConnection is returned when the outcome of a mint call is unknown.
	ErrConnection = client.ErrConnection
	ErrStorage    = errors.New("storage error")

	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrValidation)
	// ErrInFlight is returned when a counter still has a reserved range
	// that has not been recovered.
	ErrInFlight = errors.New("counter has an unrecovered in flight range")
)

func mintError(err error) error {
	if err == nil || errors.Is(err, ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMint, err)
}

func storageError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// cashuError returns the mint error code if err carries one.
func cashuError(err error) (cashu.Error, bool) {
	var cashuErr cashu.Error
	if errors.As(err, &cashuErr) {
		return cashuErr, true
	}
	var cashuErrPtr *cashu.Error
	if errors.As(err, &cashuErrPtr) {
		return *cashuErrPtr, true
	}
	return cashu.Error{}, false
}
