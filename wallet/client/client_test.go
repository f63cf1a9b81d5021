package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/testutils"
	"github.com/elnosh/nutvault/wallet/client"
)

func setupMint(t *testing.T) (*testutils.FakeMint, string) {
	t.Helper()
	mint, err := testutils.NewFakeMint(0)
	if err != nil {
		t.Fatalf("could not create fake mint: %v", err)
	}
	server := httptest.NewServer(mint.Handler())
	t.Cleanup(server.Close)
	return mint, server.URL
}

func TestGetKeysets(t *testing.T) {
	mint, mintURL := setupMint(t)
	ctx := context.Background()
	c := client.New(5 * time.Second)

	keysets, err := c.GetAllKeysets(ctx, mintURL)
	if err != nil {
		t.Fatalf("unexpected error getting keysets: %v", err)
	}
	if len(keysets.Keysets) != 1 {
		t.Fatalf("expected 1 keyset but got %v", len(keysets.Keysets))
	}

	active := mint.ActiveKeyset(cashu.Sat.String())
	if keysets.Keysets[0].Id != active.Id {
		t.Fatalf("expected keyset id '%v' but got '%v'", active.Id, keysets.Keysets[0].Id)
	}

	keys, err := c.GetKeysetById(ctx, mintURL, active.Id)
	if err != nil {
		t.Fatalf("unexpected error getting keys: %v", err)
	}
	publicKeys, err := crypto.MapPubKeys(keys.Keysets[0].Keys)
	if err != nil {
		t.Fatalf("invalid keys: %v", err)
	}
	if id := crypto.DeriveKeysetId(publicKeys); id != active.Id {
		t.Fatalf("keys derive id '%v' but expected '%v'", id, active.Id)
	}
}

func TestCashuErrorResponse(t *testing.T) {
	_, mintURL := setupMint(t)
	c := client.New(5 * time.Second)

	_, err := c.GetKeysetById(context.Background(), mintURL, "00aabbccddeeff00")
	var cashuErr cashu.Error
	if !errors.As(err, &cashuErr) {
		t.Fatalf("expected cashu error but got '%v'", err)
	}
	if cashuErr.Code != cashu.UnknownKeysetErrCode {
		t.Fatalf("expected error code '%v' but got '%v'", cashu.UnknownKeysetErrCode, cashuErr.Code)
	}
	if errors.Is(err, client.ErrConnection) {
		t.Fatal("cashu error should not be a connection error")
	}

	_, err = c.PostMintBolt11(context.Background(), mintURL, nut04.PostMintBolt11Request{
		Quote:   "doesnotexist",
		Outputs: cashu.BlindedMessages{},
	})
	if !errors.As(err, &cashuErr) || cashuErr.Code != cashu.MeltQuoteErrCode {
		t.Fatalf("expected quote does not exist error but got '%v'", err)
	}
}

func TestConnectionErrors(t *testing.T) {
	mint, mintURL := setupMint(t)
	ctx := context.Background()
	c := client.New(5 * time.Second)

	mint.SetOffline(true)
	_, err := c.GetMintInfo(ctx, mintURL)
	if !errors.Is(err, client.ErrConnection) {
		t.Fatalf("expected connection error but got '%v'", err)
	}
	mint.SetOffline(false)

	// nothing listening
	server := httptest.NewServer(http.NotFoundHandler())
	closedURL := server.URL
	server.Close()
	_, err = c.GetMintInfo(ctx, closedURL)
	if !errors.Is(err, client.ErrConnection) {
		t.Fatalf("expected connection error but got '%v'", err)
	}

	// response lost after the mint processed the request
	mint.DropNextResponse(testutils.OpCheck)
	_, err = c.PostCheckProofState(ctx, mintURL, nut07.PostCheckStateRequest{Ys: []string{}})
	if !errors.Is(err, client.ErrConnection) {
		t.Fatalf("expected connection error but got '%v'", err)
	}
	if calls := mint.Calls(testutils.OpCheck); calls != 1 {
		t.Fatalf("expected mint to process 1 request but got %v", calls)
	}
}

func TestMintQuote(t *testing.T) {
	_, mintURL := setupMint(t)
	ctx := context.Background()
	c := client.New(5 * time.Second)

	quote, err := c.PostMintQuoteBolt11(ctx, mintURL, nut04.PostMintQuoteBolt11Request{
		Amount: 100,
		Unit:   cashu.Sat.String(),
	})
	if err != nil {
		t.Fatalf("unexpected error requesting mint quote: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, quote.State)
	}

	state, err := c.GetMintQuoteState(ctx, mintURL, quote.Quote)
	if err != nil {
		t.Fatalf("unexpected error getting quote state: %v", err)
	}
	if state.Request != quote.Request {
		t.Fatalf("expected request '%v' but got '%v'", quote.Request, state.Request)
	}
}
