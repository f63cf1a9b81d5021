package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/lightning"
	"github.com/elnosh/nutvault/testutils"
	"github.com/elnosh/nutvault/wallet/client"
	"github.com/elnosh/nutvault/wallet/storage"
)

const testMintURL = "http://127.0.0.1:3338"

var (
	ctx   = context.Background()
	sat   = cashu.Sat.String()
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newFakeMint(t *testing.T, inputFeePpk uint) (*testutils.FakeMint, testutils.FakeMints) {
	t.Helper()
	mint, err := testutils.NewFakeMint(inputFeePpk)
	if err != nil {
		t.Fatalf("could not create fake mint: %v", err)
	}
	return mint, testutils.FakeMints{testMintURL: mint}
}

func loadTestWallet(t *testing.T, path string, gateway MintGateway, mnemonic string) *Wallet {
	t.Helper()
	wallet, err := LoadWallet(Config{
		WalletPath: path,
		MintURL:    testMintURL,
		Mnemonic:   mnemonic,
		Gateway:    gateway,
		Logger:     quiet,
	})
	if err != nil {
		t.Fatalf("error loading wallet: %v", err)
	}
	return wallet
}

func fundWallet(t *testing.T, wallet *Wallet, amount uint64) *storage.Transaction {
	t.Helper()
	tx, err := wallet.RequestMint(ctx, testMintURL, amount, sat)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	if _, err := wallet.MintTokens(ctx, tx.Id); err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
	tx, err = wallet.Transaction(tx.Id)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func balance(wallet *Wallet) Balance {
	return wallet.Balances()[testMintURL][sat]
}

func expectBalance(t *testing.T, wallet *Wallet, spendable, pending uint64) {
	t.Helper()
	b := balance(wallet)
	if b.Spendable != spendable || b.Pending != pending {
		t.Fatalf("expected balance of %v spendable and %v pending but got %v and %v",
			spendable, pending, b.Spendable, b.Pending)
	}
}

func expectStatus(t *testing.T, wallet *Wallet, id int64, status storage.TransactionStatus) *storage.Transaction {
	t.Helper()
	tx, err := wallet.Transaction(id)
	if err != nil {
		t.Fatalf("unexpected error getting transaction: %v", err)
	}
	if tx.Status != status {
		t.Fatalf("expected transaction %v to be %v but got %v (%v)", id, status, tx.Status, tx.ErrorMessage)
	}
	return tx
}

func activeCounter(t *testing.T, wallet *Wallet, mint *testutils.FakeMint) uint32 {
	t.Helper()
	return wallet.Counters().Counter(testMintURL, mint.ActiveKeyset(sat).Id)
}

func payableInvoice(t *testing.T, amount uint64) string {
	t.Helper()
	invoice, err := lightning.CreateFakeInvoice(amount, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return invoice.PaymentRequest
}

func TestMintTokens(t *testing.T) {
	for _, backend := range []string{BoltStorage, SQLiteStorage} {
		t.Run(backend, func(t *testing.T) {
			mint, mints := newFakeMint(t, 0)
			wallet, err := LoadWallet(Config{
				WalletPath:     t.TempDir(),
				StorageBackend: backend,
				Gateway:        mints,
				Logger:         quiet,
			})
			if err != nil {
				t.Fatalf("error loading wallet: %v", err)
			}
			defer wallet.Close()

			tx := fundWallet(t, wallet, 1000)
			if tx.Status != storage.StatusCompleted {
				t.Fatalf("expected transaction to be completed but got %v", tx.Status)
			}
			expectBalance(t, wallet, 1000, 0)

			// 512 + 256 + 128 + 64 + 32 + 8
			if counter := activeCounter(t, wallet, mint); counter != 6 {
				t.Fatalf("expected counter of 6 but got %v", counter)
			}
			if inFlight := wallet.Counters().FindInFlight(testMintURL); len(inFlight) != 0 {
				t.Fatalf("expected no in flight ranges but got %v", len(inFlight))
			}

			statuses := []storage.TransactionStatus{}
			for _, record := range tx.History {
				statuses = append(statuses, record.Status)
			}
			if len(statuses) < 2 || statuses[len(statuses)-1] != storage.StatusCompleted {
				t.Fatalf("unexpected history %v", statuses)
			}
		})
	}
}

func TestMintTokensNotPaid(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	mint.AutoPay = false
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	tx, err := wallet.RequestMint(ctx, testMintURL, 100, sat)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}
	if _, err := wallet.MintTokens(ctx, tx.Id); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation minting unpaid quote but got %v", err)
	}
	expectStatus(t, wallet, tx.Id, storage.StatusPending)

	tx, err = wallet.CheckPendingTopup(ctx, tx.Id)
	if err != nil {
		t.Fatalf("unexpected error checking topup: %v", err)
	}
	if tx.Status != storage.StatusPending {
		t.Fatalf("expected unpaid topup to stay pending but got %v", tx.Status)
	}

	if err := mint.PayMintQuote(tx.Quote); err != nil {
		t.Fatal(err)
	}
	tx, err = wallet.CheckPendingTopup(ctx, tx.Id)
	if err != nil {
		t.Fatalf("unexpected error checking topup: %v", err)
	}
	if tx.Status != storage.StatusCompleted {
		t.Fatalf("expected paid topup to complete but got %v", tx.Status)
	}
	expectBalance(t, wallet, 100, 0)
}

func TestTopupExpired(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	mint.AutoPay = false
	mint.QuoteExpiry = time.Minute
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	tx, err := wallet.RequestMint(ctx, testMintURL, 100, sat)
	if err != nil {
		t.Fatalf("unexpected error requesting mint: %v", err)
	}

	wallet.now = func() time.Time { return time.Now().Add(time.Hour) }
	tx, err = wallet.CheckPendingTopup(ctx, tx.Id)
	if err != nil {
		t.Fatalf("unexpected error checking topup: %v", err)
	}
	if tx.Status != storage.StatusExpired {
		t.Fatalf("expected topup to expire but got %v", tx.Status)
	}
	expectBalance(t, wallet, 0, 0)
}

func TestMintResponseDropped(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	tx, err := wallet.RequestMint(ctx, testMintURL, 1000, sat)
	if err != nil {
		t.Fatal(err)
	}

	// the mint signs the outputs but the response never arrives
	mint.DropNextResponse(testutils.OpMint)
	proofs, err := wallet.MintTokens(ctx, tx.Id)
	if err != nil {
		t.Fatalf("expected outputs to be recovered but got error: %v", err)
	}
	if proofs.Amount() != 1000 {
		t.Fatalf("expected 1000 recovered but got %v", proofs.Amount())
	}
	if calls := mint.Calls(testutils.OpRestore); calls != 1 {
		t.Fatalf("expected 1 restore call but got %v", calls)
	}

	expectStatus(t, wallet, tx.Id, storage.StatusCompleted)
	expectBalance(t, wallet, 1000, 0)
	if inFlight := wallet.Counters().FindInFlight(testMintURL); len(inFlight) != 0 {
		t.Fatalf("expected no in flight ranges after recovery but got %v", len(inFlight))
	}
}

func TestMintRequestLost(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	tx, err := wallet.RequestMint(ctx, testMintURL, 1000, sat)
	if err != nil {
		t.Fatal(err)
	}

	// the request never reaches the mint
	mint.FailNext(testutils.OpMint, fmt.Errorf("%w: timeout", client.ErrConnection))
	if _, err := wallet.MintTokens(ctx, tx.Id); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection but got %v", err)
	}
	expectStatus(t, wallet, tx.Id, storage.StatusPending)
	expectBalance(t, wallet, 0, 0)
	if counter := activeCounter(t, wallet, mint); counter != 6 {
		t.Fatalf("expected counter of 6 but got %v", counter)
	}

	// indexes of the lost call are never used again
	if _, err := wallet.MintTokens(ctx, tx.Id); err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
	expectStatus(t, wallet, tx.Id, storage.StatusCompleted)
	expectBalance(t, wallet, 1000, 0)
	if counter := activeCounter(t, wallet, mint); counter != 12 {
		t.Fatalf("expected counter of 12 but got %v", counter)
	}
}

func TestCounterAcrossRestart(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	path := t.TempDir()

	wallet := loadTestWallet(t, path, mints, "")
	fundWallet(t, wallet, 1000)
	mnemonic, err := wallet.Mnemonic()
	if err != nil {
		t.Fatal(err)
	}
	if err := wallet.Close(); err != nil {
		t.Fatalf("unexpected error closing wallet: %v", err)
	}

	// the mnemonic is ignored for a wallet that already has a seed
	wallet = loadTestWallet(t, path, mints, "")
	defer wallet.Close()
	reloaded, err := wallet.Mnemonic()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded != mnemonic {
		t.Fatalf("expected mnemonic to persist")
	}
	expectBalance(t, wallet, 1000, 0)
	if counter := activeCounter(t, wallet, mint); counter != 6 {
		t.Fatalf("expected counter of 6 after restart but got %v", counter)
	}

	fundWallet(t, wallet, 1000)
	expectBalance(t, wallet, 2000, 0)
	if counter := activeCounter(t, wallet, mint); counter != 12 {
		t.Fatalf("expected counter of 12 but got %v", counter)
	}
}

func TestLedgerAddDuplicate(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 100)
	held := wallet.Ledger().GetByMint(testMintURL, ProofFilter{})

	result, err := wallet.Ledger().Add(testMintURL, held.ToCashu(), AddOptions{})
	if err != nil {
		t.Fatalf("unexpected error adding proofs: %v", err)
	}
	if result.AddedAmount != 0 || len(result.AddedProofs) != 0 {
		t.Fatalf("expected no proofs added but got %v", result.AddedAmount)
	}
	expectBalance(t, wallet, 100, 0)
	if counter := activeCounter(t, wallet, mint); counter != 3 {
		t.Fatalf("expected counter of 3 but got %v", counter)
	}

	// a held secret is either spendable or pending, never both
	if err := wallet.Ledger().Move(held[:1], true, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := wallet.Ledger().Add(testMintURL, held[:1].ToCashu(), AddOptions{ToPending: true}); err != nil {
		t.Fatal(err)
	}
	spendable := wallet.Ledger().GetByMint(testMintURL, ProofFilter{})
	pending := wallet.Ledger().GetByMint(testMintURL, ProofFilter{IsPending: true})
	if len(spendable)+len(pending) != len(held) {
		t.Fatalf("expected %v proofs but got %v spendable and %v pending", len(held), len(spendable), len(pending))
	}
}

func TestSendExact(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 1000)
	swapsBefore := mint.Calls(testutils.OpSwap)

	result, err := wallet.Send(ctx, testMintURL, 768, sat, "rent")
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	if calls := mint.Calls(testutils.OpSwap); calls != swapsBefore {
		t.Fatalf("expected no swap for an exact amount")
	}
	if result.Transaction.Status != storage.StatusPending {
		t.Fatalf("expected send to be pending but got %v", result.Transaction.Status)
	}
	expectBalance(t, wallet, 232, 768)

	token, err := cashu.DecodeToken(result.Token)
	if err != nil {
		t.Fatalf("could not decode token: %v", err)
	}
	if token.Amount() != 768 || token.Mint() != testMintURL {
		t.Fatalf("unexpected token for %v from %v", token.Amount(), token.Mint())
	}

	// the receiver redeems the token
	mint.SpendProofs(result.Proofs.Secrets()...)
	syncResult, err := wallet.SyncStateWithMint(ctx, testMintURL, true)
	if err != nil {
		t.Fatalf("unexpected error syncing: %v", err)
	}
	if len(syncResult.CompletedTransactionIds) != 1 || syncResult.SpentAmount != 768 {
		t.Fatalf("expected send to complete but got %+v", syncResult)
	}
	expectStatus(t, wallet, result.Transaction.Id, storage.StatusCompleted)
	expectBalance(t, wallet, 232, 0)
}

func TestSendWithSwap(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 1000)
	result, err := wallet.Send(ctx, testMintURL, 100, sat, "")
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	if result.Proofs.Amount() != 100 {
		t.Fatalf("expected proofs for 100 but got %v", result.Proofs.Amount())
	}
	expectBalance(t, wallet, 900, 100)
	expectStatus(t, wallet, result.Transaction.Id, storage.StatusPending)

	// 6 minted, 3 send outputs and 1 change output
	if counter := activeCounter(t, wallet, mint); counter != 10 {
		t.Fatalf("expected counter of 10 but got %v", counter)
	}

	if _, err := wallet.Send(ctx, testMintURL, 5000, sat, ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds but got %v", err)
	}
}

func TestReceive(t *testing.T) {
	_, mints := newFakeMint(t, 0)
	sender := loadTestWallet(t, t.TempDir(), mints, "")
	defer sender.Close()
	receiver := loadTestWallet(t, t.TempDir(), mints, "")
	defer receiver.Close()

	fundWallet(t, sender, 1000)
	sent, err := sender.Send(ctx, testMintURL, 300, sat, "")
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}

	tx, err := receiver.Receive(ctx, sent.Token)
	if err != nil {
		t.Fatalf("unexpected error receiving: %v", err)
	}
	if tx.Status != storage.StatusCompleted || tx.Amount != 300 {
		t.Fatalf("expected completed receive of 300 but got %v of %v", tx.Status, tx.Amount)
	}
	expectBalance(t, receiver, 300, 0)

	if _, err := sender.SyncStateWithMint(ctx, testMintURL, true); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, sender, sent.Transaction.Id, storage.StatusCompleted)
	expectBalance(t, sender, 700, 0)

	// the same token again
	tx, err = receiver.Receive(ctx, sent.Token)
	if !errors.Is(err, ErrMint) {
		t.Fatalf("expected ErrMint receiving spent token but got %v", err)
	}
	expectStatus(t, receiver, tx.Id, storage.StatusError)
	expectBalance(t, receiver, 300, 0)

	if _, err := receiver.Receive(ctx, "cashuAnotatoken"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for invalid token but got %v", err)
	}
}

func TestReceiveWithFees(t *testing.T) {
	_, mints := newFakeMint(t, 100)
	sender := loadTestWallet(t, t.TempDir(), mints, "")
	defer sender.Close()
	receiver := loadTestWallet(t, t.TempDir(), mints, "")
	defer receiver.Close()

	fundWallet(t, sender, 1000)
	sent, err := sender.Send(ctx, testMintURL, 100, sat, "")
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	// 8 + 32 + 64 with a fee of 1, change of 3
	if sent.Transaction.Fee != 1 {
		t.Fatalf("expected send fee of 1 but got %v", sent.Transaction.Fee)
	}
	expectBalance(t, sender, 899, 100)

	tx, err := receiver.Receive(ctx, sent.Token)
	if err != nil {
		t.Fatalf("unexpected error receiving: %v", err)
	}
	if tx.Amount != 99 || tx.Fee != 1 {
		t.Fatalf("expected 99 received with fee of 1 but got %v and %v", tx.Amount, tx.Fee)
	}
	expectBalance(t, receiver, 99, 0)
}

func TestPartialSpend(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 100)
	sent, err := wallet.Send(ctx, testMintURL, 96, sat, "")
	if err != nil {
		t.Fatal(err)
	}

	var spent cashu.Proof
	for _, proof := range sent.Proofs {
		if proof.Amount == 64 {
			spent = proof
		}
	}
	mint.SpendProofs(spent.Secret)

	result, err := wallet.SyncStateWithMint(ctx, testMintURL, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ErrorTransactionIds) != 1 {
		t.Fatalf("expected transaction to fail but got %+v", result)
	}
	tx := expectStatus(t, wallet, sent.Transaction.Id, storage.StatusError)
	if !strings.Contains(tx.ErrorMessage, "64 of 96") {
		t.Fatalf("unexpected error message '%v'", tx.ErrorMessage)
	}
	expectBalance(t, wallet, 4, 32)
}

func TestMelt(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	mint.FeeReserve = 10
	mint.FeePaid = 2
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 1000)
	quote, err := wallet.RequestMeltQuote(ctx, testMintURL, payableInvoice(t, 100), sat)
	if err != nil {
		t.Fatalf("unexpected error requesting melt quote: %v", err)
	}
	if quote.Status != storage.StatusDraft || quote.Amount != 100 || quote.Fee != 10 {
		t.Fatalf("unexpected quote transaction %+v", quote)
	}

	tx, err := wallet.Melt(ctx, quote.Id)
	if err != nil {
		t.Fatalf("unexpected error paying invoice: %v", err)
	}
	if tx.Status != storage.StatusCompleted {
		t.Fatalf("expected melt to complete but got %v", tx.Status)
	}
	// inputs 8 + 32 + 64 + 128, change of 130
	expectBalance(t, wallet, 898, 0)
	if tx.Fee != 2 {
		t.Fatalf("expected fee of 2 but got %v", tx.Fee)
	}
	if tx.ChangeOutputs != nil {
		t.Fatalf("expected change outputs to be cleared")
	}
	if inFlight := wallet.Counters().FindInFlight(testMintURL); len(inFlight) != 0 {
		t.Fatalf("expected no in flight ranges but got %v", len(inFlight))
	}

	if _, err := wallet.Melt(ctx, quote.Id); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation paying completed transfer but got %v", err)
	}
}

func TestMeltPending(t *testing.T) {
	tests := []struct {
		name      string
		paid      bool
		status    storage.TransactionStatus
		spendable uint64
	}{
		{name: "paid", paid: true, status: storage.StatusCompleted, spendable: 898},
		{name: "failed", paid: false, status: storage.StatusReverted, spendable: 1000},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mint, mints := newFakeMint(t, 0)
			mint.FeeReserve = 10
			mint.FeePaid = 2
			mint.MeltPending = true
			wallet := loadTestWallet(t, t.TempDir(), mints, "")
			defer wallet.Close()

			fundWallet(t, wallet, 1000)
			quote, err := wallet.RequestMeltQuote(ctx, testMintURL, payableInvoice(t, 100), sat)
			if err != nil {
				t.Fatal(err)
			}
			tx, err := wallet.Melt(ctx, quote.Id)
			if err != nil {
				t.Fatalf("unexpected error paying invoice: %v", err)
			}
			if tx.Status != storage.StatusPending {
				t.Fatalf("expected melt to be pending but got %v", tx.Status)
			}
			expectBalance(t, wallet, 768, 232)
			if inFlight := wallet.Counters().FindInFlight(testMintURL); len(inFlight) != 0 {
				t.Fatalf("expected range to be released while payment is pending")
			}

			if err := mint.SettleMelt(tx.Quote, test.paid); err != nil {
				t.Fatal(err)
			}
			if _, err := wallet.SyncStateWithMint(ctx, testMintURL, true); err != nil {
				t.Fatalf("unexpected error syncing: %v", err)
			}

			tx = expectStatus(t, wallet, tx.Id, test.status)
			expectBalance(t, wallet, test.spendable, 0)
			if tx.ChangeOutputs != nil {
				t.Fatalf("expected change outputs to be cleared")
			}
			if test.paid && tx.Fee != 2 {
				t.Fatalf("expected fee of 2 after claiming change but got %v", tx.Fee)
			}
			if len(wallet.Ledger().PendingByMint(testMintURL)) != 0 {
				t.Fatalf("expected no proofs pending at the mint")
			}

			if !test.paid {
				// a reverted transfer can be paid again
				mint.MeltPending = false
				tx, err = wallet.Melt(ctx, tx.Id)
				if err != nil {
					t.Fatalf("unexpected error paying invoice again: %v", err)
				}
				if tx.Status != storage.StatusCompleted {
					t.Fatalf("expected melt to complete but got %v", tx.Status)
				}
				expectBalance(t, wallet, 898, 0)
			}
		})
	}
}

func TestCheckPendingMelt(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	mint.FeeReserve = 10
	mint.FeePaid = 2
	mint.MeltPending = true
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	fundWallet(t, wallet, 1000)
	quote, err := wallet.RequestMeltQuote(ctx, testMintURL, payableInvoice(t, 100), sat)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := wallet.Melt(ctx, quote.Id)
	if err != nil {
		t.Fatal(err)
	}

	tx, err = wallet.CheckPendingMelt(ctx, tx.Id)
	if err != nil || tx.Status != storage.StatusPending {
		t.Fatalf("expected melt to stay pending but got %v: %v", tx.Status, err)
	}

	if err := mint.SettleMelt(tx.Quote, true); err != nil {
		t.Fatal(err)
	}
	tx, err = wallet.CheckPendingMelt(ctx, tx.Id)
	if err != nil {
		t.Fatalf("unexpected error checking melt: %v", err)
	}
	if tx.Status != storage.StatusCompleted {
		t.Fatalf("expected melt to complete but got %v", tx.Status)
	}
	expectBalance(t, wallet, 898, 0)
}

func TestMeltCrashRecovery(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	mint.FeeReserve = 10
	mint.FeePaid = 2
	path := t.TempDir()
	wallet := loadTestWallet(t, path, mints, "")

	fundWallet(t, wallet, 1000)
	quote, err := wallet.RequestMeltQuote(ctx, testMintURL, payableInvoice(t, 100), sat)
	if err != nil {
		t.Fatal(err)
	}

	// the invoice is paid but the response is lost and
	// the mint cannot be reached to restore the change
	mint.DropNextResponse(testutils.OpMelt)
	mint.FailNext(testutils.OpRestore, fmt.Errorf("%w: connection refused", client.ErrConnection))

	tx, err := wallet.Melt(ctx, quote.Id)
	if err != nil {
		t.Fatalf("expected melt to be settled by sync but got error: %v", err)
	}
	if tx.Status != storage.StatusCompleted {
		t.Fatalf("expected melt to complete but got %v", tx.Status)
	}
	expectBalance(t, wallet, 898, 0)
	if len(wallet.Counters().FindInFlight(testMintURL)) != 1 {
		t.Fatalf("expected the range to stay in flight after the failed restore")
	}
	if err := wallet.Close(); err != nil {
		t.Fatal(err)
	}

	// recovering again on load must not add the change twice
	wallet = loadTestWallet(t, path, mints, "")
	defer wallet.Close()
	if inFlight := wallet.Counters().FindInFlight(testMintURL); len(inFlight) != 0 {
		t.Fatalf("expected no in flight ranges after load but got %v", len(inFlight))
	}
	expectBalance(t, wallet, 898, 0)
	tx = expectStatus(t, wallet, tx.Id, storage.StatusCompleted)
	if tx.Fee != 2 {
		t.Fatalf("expected fee of 2 but got %v", tx.Fee)
	}
}

func TestMeltExpiredInvoice(t *testing.T) {
	_, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	invoice, err := lightning.CreateFakeInvoice(100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wallet.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := wallet.RequestMeltQuote(ctx, testMintURL, invoice.PaymentRequest, sat); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for expired invoice but got %v", err)
	}
}

func TestRestoreFromSeed(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	original := loadTestWallet(t, t.TempDir(), mints, testMnemonic)
	defer original.Close()

	fundWallet(t, original, 1000)
	if _, err := original.Send(ctx, testMintURL, 100, sat, ""); err != nil {
		t.Fatal(err)
	}
	counter := activeCounter(t, original, mint)

	restored := loadTestWallet(t, t.TempDir(), mints, testMnemonic)
	defer restored.Close()

	result, err := restored.RestoreFromSeed(ctx, testMintURL)
	if err != nil {
		t.Fatalf("unexpected error restoring: %v", err)
	}
	// swapped inputs are spent, everything else is unspent
	if result.Amount != 1000 {
		t.Fatalf("expected 1000 restored but got %v", result.Amount)
	}
	if result.Transaction == nil || result.Transaction.Type != storage.TransactionRestore ||
		result.Transaction.Status != storage.StatusCompleted {
		t.Fatalf("expected completed restore transaction but got %+v", result.Transaction)
	}
	expectBalance(t, restored, 1000, 0)
	if restoredCounter := activeCounter(t, restored, mint); restoredCounter < counter {
		t.Fatalf("expected counter of at least %v but got %v", counter, restoredCounter)
	}

	// new outputs do not collide with the restored ones
	fundWallet(t, restored, 64)
	expectBalance(t, restored, 1064, 0)
}

func TestSyncMintStatus(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	if status := wallet.MintStatus(testMintURL); status != MintUnknown {
		t.Fatalf("expected unknown status but got %v", status)
	}
	fundWallet(t, wallet, 100)

	mint.SetOffline(true)
	offline := false
	for _, result := range wallet.SyncStateWithAllMints(ctx) {
		if errors.Is(result.Err, ErrConnection) {
			offline = true
		}
	}
	if !offline {
		t.Fatalf("expected connection error syncing offline mint")
	}
	if status := wallet.MintStatus(testMintURL); status != MintOffline {
		t.Fatalf("expected offline status but got %v", status)
	}

	mint.SetOffline(false)
	for _, result := range wallet.SyncStateWithAllMints(ctx) {
		if result.Err != nil {
			t.Fatalf("unexpected error syncing: %v", result.Err)
		}
	}
	if status := wallet.MintStatus(testMintURL); status != MintOnline {
		t.Fatalf("expected online status but got %v", status)
	}
}

func TestSyncPendingAtMint(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	wallet := loadTestWallet(t, t.TempDir(), mints, "")
	defer wallet.Close()

	tx := fundWallet(t, wallet, 100)
	held := wallet.Ledger().GetByMint(testMintURL, ProofFilter{})

	// proofs used elsewhere with a payment in progress
	mint.SetPending(true, held[0].Secret)
	result, err := wallet.SyncStateWithMint(ctx, testMintURL, false)
	if err != nil {
		t.Fatal(err)
	}
	// a completed topup keeps its status
	if len(result.PendingTransactionIds) != 0 {
		t.Fatalf("expected no transaction to change but got %+v", result.PendingTransactionIds)
	}
	expectBalance(t, wallet, 100-held[0].Amount, held[0].Amount)
	if !wallet.Ledger().IsPendingByMint(held[0].Secret) {
		t.Fatalf("expected proof to be pending at the mint")
	}

	mint.SetPending(false, held[0].Secret)
	result, err = wallet.SyncStateWithMint(ctx, testMintURL, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.RevertedAmount != held[0].Amount {
		t.Fatalf("expected %v reverted but got %v", held[0].Amount, result.RevertedAmount)
	}
	expectBalance(t, wallet, 100, 0)
	if wallet.Ledger().IsPendingByMint(held[0].Secret) {
		t.Fatalf("expected proof to no longer be pending at the mint")
	}
	tx = expectStatus(t, wallet, tx.Id, storage.StatusCompleted)
	if len(tx.History) < 3 {
		t.Fatalf("expected the sync to be recorded in the history but got %v entries", len(tx.History))
	}
}

func TestRecoverAllInFlightOnLoad(t *testing.T) {
	mint, mints := newFakeMint(t, 0)
	path := t.TempDir()
	wallet := loadTestWallet(t, path, mints, "")

	tx, err := wallet.RequestMint(ctx, testMintURL, 1000, sat)
	if err != nil {
		t.Fatal(err)
	}
	// outcome unknown and the mint is gone before it can be recovered
	mint.DropNextResponse(testutils.OpMint)
	mint.FailNext(testutils.OpRestore, fmt.Errorf("%w: connection refused", client.ErrConnection))
	if _, err := wallet.MintTokens(ctx, tx.Id); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection but got %v", err)
	}
	if len(wallet.Counters().FindInFlight(testMintURL)) != 1 {
		t.Fatalf("expected range to stay in flight")
	}
	expectBalance(t, wallet, 0, 0)
	wallet.Close()

	wallet = loadTestWallet(t, path, mints, "")
	defer wallet.Close()
	expectBalance(t, wallet, 1000, 0)
	expectStatus(t, wallet, tx.Id, storage.StatusCompleted)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     storage.TransactionStatus
		to       storage.TransactionStatus
		expected bool
	}{
		{storage.StatusDraft, storage.StatusPending, true},
		{storage.StatusPending, storage.StatusCompleted, true},
		{storage.StatusPending, storage.StatusReverted, true},
		{storage.StatusReverted, storage.StatusPending, true},
		{storage.StatusCompleted, storage.StatusPending, false},
		{storage.StatusError, storage.StatusCompleted, false},
		{storage.StatusExpired, storage.StatusPending, false},
		{storage.StatusReverted, storage.StatusExpired, false},
	}

	for _, test := range tests {
		if got := CanTransition(test.from, test.to); got != test.expected {
			t.Errorf("expected %v -> %v to be %v but got %v", test.from, test.to, test.expected, got)
		}
	}
}
