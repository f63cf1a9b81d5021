package submanager

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut17"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/testutils"
)

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		mint     string
		expected string
	}{
		{"http://127.0.0.1:3338", "ws://127.0.0.1:3338/v1/ws"},
		{"https://mint.example.com", "wss://mint.example.com/v1/ws"},
		{"https://mint.example.com/cashu/", "wss://mint.example.com/cashu/v1/ws"},
	}

	for _, test := range tests {
		wsURL, err := websocketURL(test.mint)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wsURL != test.expected {
			t.Errorf("expected '%v' but got '%v'", test.expected, wsURL)
		}
	}
}

func TestProofStateSubscription(t *testing.T) {
	mint, err := testutils.NewFakeMint(0)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(mint.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm, err := NewSubscriptionManager(ctx, server.URL, mint, logger)
	if err != nil {
		t.Fatalf("could not create subscription manager: %v", err)
	}
	defer sm.Close()

	errChan := make(chan error, 1)
	go func() { errChan <- sm.Run() }()

	if !sm.IsSubscriptionKindSupported(nut17.ProofState) {
		t.Fatalf("expected proof state subscriptions to be supported")
	}
	if _, err := sm.Subscribe(ctx, nut17.Bolt11MintQuote, []string{"quote"}); err == nil {
		t.Fatalf("expected error subscribing to unsupported kind")
	}

	secret := "407915bc212be61a77e3e6d2aeb4c727980bda51cd06a6afc29e2861768a7837"
	Y := crypto.Y(secret)
	sub, err := sm.Subscribe(ctx, nut17.ProofState, []string{Y})
	if err != nil {
		t.Fatalf("unexpected error subscribing: %v", err)
	}

	readState := func() nut07.ProofState {
		t.Helper()
		notification, err := sub.Read(ctx)
		if err != nil {
			t.Fatalf("unexpected error reading notification: %v", err)
		}
		if notification.Params.SubId != sub.SubId() {
			t.Fatalf("expected subId '%v' but got '%v'", sub.SubId(), notification.Params.SubId)
		}
		var state nut07.ProofState
		if err := json.Unmarshal(notification.Params.Payload, &state); err != nil {
			t.Fatalf("invalid proof state payload: %v", err)
		}
		return state
	}

	if state := readState(); state.Y != Y || state.State != nut07.Unspent {
		t.Fatalf("expected initial state to be unspent but got %v", state.State)
	}

	mint.SetPending(true, secret)
	if state := readState(); state.State != nut07.Pending {
		t.Fatalf("expected pending but got %v", state.State)
	}

	mint.SpendProofs(secret)
	if state := readState(); state.State != nut07.Spent {
		t.Fatalf("expected spent but got %v", state.State)
	}

	if err := sm.CloseSubscription(sub.SubId()); err != nil {
		t.Fatalf("unexpected error closing subscription: %v", err)
	}
	if _, err := sub.Read(ctx); err == nil {
		t.Fatalf("expected error reading closed subscription")
	}

	sm.Close()
	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("unexpected error from run: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("run did not return after close")
	}
}
