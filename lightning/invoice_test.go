package lightning

import (
	"testing"
	"time"
)

func TestDecodeInvoice(t *testing.T) {
	fake, err := CreateFakeInvoice(2100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	invoice, err := DecodeInvoice(fake.PaymentRequest)
	if err != nil {
		t.Fatalf("unexpected error decoding invoice: %v", err)
	}

	if invoice.Amount != 2100 {
		t.Fatalf("expected amount of '%v' but got '%v'", 2100, invoice.Amount)
	}
	if invoice.PaymentHash != fake.PaymentHash {
		t.Fatalf("expected payment hash '%v' but got '%v'", fake.PaymentHash, invoice.PaymentHash)
	}
	if !invoice.ExpiresAt.Equal(fake.ExpiresAt) {
		t.Fatalf("expected expiry '%v' but got '%v'", fake.ExpiresAt, invoice.ExpiresAt)
	}
	if invoice.Expired(time.Now()) {
		t.Fatal("invoice should not be expired")
	}
	if !invoice.Expired(time.Now().Add(2 * time.Hour)) {
		t.Fatal("invoice should be expired")
	}
}

func TestDecodeInvalidInvoice(t *testing.T) {
	if _, err := DecodeInvoice("lnbcinvalid"); err == nil {
		t.Fatal("expected error decoding invalid invoice")
	}

	fake, err := CreateFakeInvoice(0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeInvoice(fake.PaymentRequest); err != ErrNoAmount {
		t.Fatalf("expected ErrNoAmount but got '%v'", err)
	}
}
