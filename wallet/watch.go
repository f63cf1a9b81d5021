package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut17"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/wallet/submanager"
)

// WatchPendingProofs subscribes to the state of the pending proofs of the
// mint over its websocket and syncs the pending partition whenever the
// mint reports a change for one of them. It returns once no proofs are
// left pending, ctx is done or the connection drops.
func (w *Wallet) WatchPendingProofs(ctx context.Context, mintURL string) error {
	pending := w.ledger.GetByMint(mintURL, ProofFilter{IsPending: true})
	if len(pending) == 0 {
		return nil
	}

	sm, err := submanager.NewSubscriptionManager(ctx, mintURL, w.gateway, w.logger)
	if err != nil {
		return err
	}
	defer sm.Close()

	// reads stop when the connection drops
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- sm.Run()
		cancel()
	}()

	secretsByY := make(map[string]string, len(pending))
	Ys := make([]string, len(pending))
	for i, proof := range pending {
		Ys[i] = crypto.Y(proof.Secret)
		secretsByY[Ys[i]] = proof.Secret
	}
	sub, err := sm.Subscribe(watchCtx, nut17.ProofState, Ys)
	if err != nil {
		return fmt.Errorf("could not subscribe to proof states: %w", err)
	}
	w.logger.Debug("watching pending proofs", slog.String("mint", mintURL), slog.Int("proofs", len(Ys)))

	for {
		notification, err := sub.Read(watchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case err := <-runErr:
				return fmt.Errorf("%w: %v", ErrConnection, err)
			default:
				return err
			}
		}

		var state nut07.ProofState
		if err := json.Unmarshal(notification.Params.Payload, &state); err != nil {
			w.logger.Warn("invalid proof state notification", slog.String("error", err.Error()))
			continue
		}
		secret, ok := secretsByY[state.Y]
		if !ok {
			continue
		}
		proof, held := w.ledger.Get(secret)
		if !held || !proof.IsPending {
			continue
		}
		if state.State == nut07.Unspent && !w.ledger.IsPendingByMint(secret) {
			continue
		}

		if _, err := w.SyncStateWithMint(ctx, mintURL, true); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			w.logger.Warn("sync after proof state notification failed", slog.String("mint", mintURL),
				slog.String("error", err.Error()))
		}
		if len(w.ledger.GetByMint(mintURL, ProofFilter{IsPending: true})) == 0 {
			return nil
		}
	}
}
