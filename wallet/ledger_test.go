package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/testutils"
	"github.com/elnosh/nutvault/wallet/storage"
)

var usd = cashu.Usd.String()

// stateReportingGateway reports every spent proof as pending first and
// then as spent.
type stateReportingGateway struct {
	MintGateway
}

func (g stateReportingGateway) PostCheckProofState(ctx context.Context, mintURL string,
	req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {

	response, err := g.MintGateway.PostCheckProofState(ctx, mintURL, req)
	if err != nil {
		return nil, err
	}
	states := []nut07.ProofState{}
	for _, state := range response.States {
		if state.State == nut07.Spent {
			states = append(states, nut07.ProofState{Y: state.Y, State: nut07.Pending})
		}
		states = append(states, state)
	}
	return &nut07.PostCheckStateResponse{States: states}, nil
}

func fundedTwoUnitWallet(t *testing.T) (*Wallet, *testutils.FakeMint, map[string]storage.Proofs) {
	t.Helper()
	mint, err := testutils.NewFakeMint(0, sat, usd)
	if err != nil {
		t.Fatal(err)
	}
	wallet := loadTestWallet(t, t.TempDir(), testutils.FakeMints{testMintURL: mint}, "")

	fundWallet(t, wallet, 100)
	tx, err := wallet.RequestMint(ctx, testMintURL, 50, usd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wallet.MintTokens(ctx, tx.Id); err != nil {
		t.Fatal(err)
	}

	held := map[string]storage.Proofs{
		sat: wallet.Ledger().GetByMint(testMintURL, ProofFilter{Unit: sat}),
		usd: wallet.Ledger().GetByMint(testMintURL, ProofFilter{Unit: usd}),
	}
	return wallet, mint, held
}

func TestLedgerAdd(t *testing.T) {
	tests := []struct {
		name         string
		units        []string
		opts         AddOptions
		err          error
		spendable    uint64
		pending      uint64
		counterDelta uint32
	}{
		{name: "spendable", units: []string{sat}, spendable: 100, counterDelta: 3},
		{name: "pending", units: []string{sat}, opts: AddOptions{ToPending: true}, pending: 100},
		{name: "reserved", units: []string{sat}, opts: AddOptions{Reserved: true}, spendable: 100},
		{name: "mixed units", units: []string{sat, usd}, err: ErrValidation},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			wallet, mint, held := fundedTwoUnitWallet(t)
			defer wallet.Close()

			for _, unit := range []string{sat, usd} {
				if err := wallet.Ledger().Remove(held[unit], false, false); err != nil {
					t.Fatalf("unexpected error removing proofs: %v", err)
				}
			}
			expectBalance(t, wallet, 0, 0)

			proofs := cashu.Proofs{}
			for _, unit := range test.units {
				proofs = append(proofs, held[unit].ToCashu()...)
			}
			counter := activeCounter(t, wallet, mint)

			result, err := wallet.Ledger().Add(testMintURL, proofs, test.opts)
			if test.err != nil {
				if !errors.Is(err, test.err) {
					t.Fatalf("expected error '%v' but got '%v'", test.err, err)
				}
				if result.AddedAmount != 0 {
					t.Fatalf("expected nothing added but got %v", result.AddedAmount)
				}
			} else if err != nil {
				t.Fatalf("unexpected error adding proofs: %v", err)
			} else if result.AddedAmount != test.spendable+test.pending {
				t.Fatalf("expected %v added but got %v", test.spendable+test.pending, result.AddedAmount)
			}

			expectBalance(t, wallet, test.spendable, test.pending)
			if b := wallet.Balances()[testMintURL][usd]; b.Spendable != 0 || b.Pending != 0 {
				t.Fatalf("expected no usd balance but got %+v", b)
			}
			if delta := activeCounter(t, wallet, mint) - counter; delta != test.counterDelta {
				t.Fatalf("expected counter to move by %v but moved by %v", test.counterDelta, delta)
			}
		})
	}
}

func TestLedgerRemove(t *testing.T) {
	tests := []struct {
		name        string
		fromPending bool
		times       int
		spendable   uint64
	}{
		{name: "once", times: 1, spendable: 0},
		{name: "twice", times: 2, spendable: 0},
		{name: "other partition", fromPending: true, times: 1, spendable: 100},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			wallet, _, held := fundedTwoUnitWallet(t)
			defer wallet.Close()

			for i := 0; i < test.times; i++ {
				if err := wallet.Ledger().Remove(held[sat], test.fromPending, false); err != nil {
					t.Fatalf("unexpected error removing proofs: %v", err)
				}
			}
			expectBalance(t, wallet, test.spendable, 0)
			if b := wallet.Balances()[testMintURL][usd]; b.Spendable != 50 {
				t.Fatalf("expected usd balance of 50 but got %+v", b)
			}
		})
	}
}

func TestSyncSpentOverPending(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), stateReportingGateway{mints}, "")
	defer wallet.Close()

	fundWallet(t, wallet, 1000)
	sent, err := wallet.Send(ctx, testMintURL, 768, sat, "")
	if err != nil {
		t.Fatal(err)
	}
	mint.SpendProofs(sent.Proofs.Secrets()...)

	result, err := wallet.SyncStateWithMint(ctx, testMintURL, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.CompletedTransactionIds) != 1 || len(result.PendingTransactionIds) != 0 {
		t.Fatalf("expected send to complete but got %+v", result)
	}
	expectStatus(t, wallet, sent.Transaction.Id, storage.StatusCompleted)
	expectBalance(t, wallet, 232, 0)
	if secrets := wallet.Ledger().PendingByMint(testMintURL); len(secrets) != 0 {
		t.Fatalf("expected no proofs pending at the mint but got %v", len(secrets))
	}
}

func TestSyncRevertedAmountPerTransaction(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	mint.FeeReserve = 10
	mint.MeltPending = true
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 1000)
	inputs := make(map[int64]uint64)
	quotes := []string{}
	for _, amount := range []uint64{100, 300} {
		quote, err := wallet.RequestMeltQuote(ctx, testMintURL, payableInvoice(t, amount), sat)
		if err != nil {
			t.Fatal(err)
		}
		tx, err := wallet.Melt(ctx, quote.Id)
		if err != nil {
			t.Fatal(err)
		}
		inputs[tx.Id] = wallet.Ledger().GetByTransaction(tx.Id, true).Amount()
		quotes = append(quotes, tx.Quote)
	}
	for _, quote := range quotes {
		if err := mint.SettleMelt(quote, false); err != nil {
			t.Fatal(err)
		}
	}

	result, err := wallet.SyncStateWithMint(ctx, testMintURL, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RevertedTransactionIds) != 2 {
		t.Fatalf("expected 2 reverted transactions but got %+v", result)
	}
	expectBalance(t, wallet, 1000, 0)

	for id, amount := range inputs {
		tx := expectStatus(t, wallet, id, storage.StatusReverted)
		var payload map[string]uint64
		if err := json.Unmarshal(tx.History[len(tx.History)-1].Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["reverted_amount"] != amount {
			t.Fatalf("expected %v reverted for transaction %v but got %v", amount, id, payload["reverted_amount"])
		}
	}
}
