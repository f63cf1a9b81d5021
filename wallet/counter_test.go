package wallet

import (
	"errors"
	"testing"
)

func TestLockAndReserve(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	path := t.TempDir()
	wallet := loadTestWallet(t, path, mints, "")

	counters := wallet.Counters()
	var last uint32
	for i, count := range []int{3, 1, 5} {
		txId := int64(i + 1)
		reservation, err := counters.LockAndReserve(ctx, testMintURL, sat, count, txId)
		if err != nil {
			t.Fatalf("unexpected error reserving: %v", err)
		}
		if reservation.From != last || reservation.Count() != count {
			t.Fatalf("expected range [%v, %v) but got [%v, %v)", last, last+uint32(count),
				reservation.From, reservation.To)
		}
		last = reservation.To

		// a second reservation waits for the first one to finish
		if _, err := counters.LockAndReserve(ctx, testMintURL, sat, 1, 99); !errors.Is(err, ErrInFlight) {
			t.Fatalf("expected ErrInFlight but got %v", err)
		}
		if err := counters.Release(txId); err != nil {
			t.Fatalf("unexpected error releasing: %v", err)
		}
	}
	if counter := activeCounter(t, wallet, mint); counter != 9 {
		t.Fatalf("expected counter of 9 but got %v", counter)
	}

	// crash with a range in flight
	if _, err := counters.LockAndReserve(ctx, testMintURL, sat, 2, 10); err != nil {
		t.Fatal(err)
	}
	wallet.Close()

	wallet = loadTestWallet(t, path, mints, "")
	defer wallet.Close()
	if inFlight := wallet.Counters().FindInFlight(testMintURL); len(inFlight) != 0 {
		t.Fatalf("expected range to be recovered on load but got %v in flight", len(inFlight))
	}
	reservation, err := wallet.Counters().LockAndReserve(ctx, testMintURL, sat, 1, 11)
	if err != nil {
		t.Fatal(err)
	}
	// indexes of the crashed range are not reused
	if reservation.From != 11 {
		t.Fatalf("expected reservation from 11 but got %v", reservation.From)
	}
}
