package wallet

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elnosh/nutvault/testutils"
	"github.com/elnosh/nutvault/wallet/storage"
)

func TestWatchPendingProofs(t *testing.T) {
	mint, err := testutils.NewFakeMint(0)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(mint.Handler())
	defer server.Close()

	// operations go through the gateway, the websocket through the server
	wallet, err := LoadWallet(Config{
		WalletPath: t.TempDir(),
		Gateway:    testutils.FakeMints{server.URL: mint},
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("error loading wallet: %v", err)
	}
	defer wallet.Close()

	quote, err := wallet.RequestMint(ctx, server.URL, 1000, sat)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wallet.MintTokens(ctx, quote.Id); err != nil {
		t.Fatal(err)
	}
	sent, err := wallet.Send(ctx, server.URL, 512, sat, "")
	if err != nil {
		t.Fatal(err)
	}

	watchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- wallet.WatchPendingProofs(watchCtx, server.URL) }()

	mint.SpendProofs(sent.Proofs.Secrets()...)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error watching proofs: %v", err)
		}
	case <-watchCtx.Done():
		t.Fatalf("watch did not return after the proofs were spent")
	}

	expectStatus(t, wallet, sent.Transaction.Id, storage.StatusCompleted)
	if b := wallet.Balances()[server.URL][sat]; b.Pending != 0 || b.Spendable != 488 {
		t.Fatalf("unexpected balance %+v", b)
	}
}
