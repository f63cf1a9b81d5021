package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/nutvault/cashu/nuts/nut01"
	"github.com/elnosh/nutvault/cashu/nuts/nut02"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/cashu/nuts/nut05"
	"github.com/elnosh/nutvault/cashu/nuts/nut06"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut09"
	"github.com/elnosh/nutvault/taskqueue"
	"github.com/elnosh/nutvault/wallet/client"
	"github.com/elnosh/nutvault/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const (
	BoltStorage   = "bolt"
	SQLiteStorage = "sqlite"

	defaultMintRequestTimeout = 30 * time.Second
	logFileName               = "wallet.log"
)

// MintGateway is the network boundary to the mints. Errors wrapping
// client.ErrConnection mean the outcome of the call is unknown.
type MintGateway interface {
	GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error)
	GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error)
	GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error)
	GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error)
	PostMintQuoteBolt11(ctx context.Context, mintURL string,
		req nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error)
	PostMintBolt11(ctx context.Context, mintURL string,
		req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error)
	PostSwap(ctx context.Context, mintURL string, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	PostMeltQuoteBolt11(ctx context.Context, mintURL string,
		req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	PostMeltBolt11(ctx context.Context, mintURL string,
		req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	PostCheckProofState(ctx context.Context, mintURL string,
		req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	PostRestore(ctx context.Context, mintURL string, req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}

type Config struct {
	WalletPath string
	// StorageBackend is either "bolt" (default) or "sqlite".
	StorageBackend string
	// MintURL is the default mint.
	MintURL string
	// Mnemonic restores the seed of a new wallet. A new one is
	// generated if empty. Ignored if the wallet already has a seed.
	Mnemonic string

	// Gateway defaults to an HTTP client with MintRequestTimeout.
	Gateway            MintGateway
	MintRequestTimeout time.Duration
	// SyncInterval starts a periodic sync with the mints when set.
	SyncInterval time.Duration
	// SerializeAllMints runs the operations of every mint on a single queue.
	SerializeAllMints bool

	// Logger defaults to a text logger at LogLevel writing to
	// wallet.log under WalletPath.
	Logger   *slog.Logger
	LogLevel slog.Level
}

type MintStatus string

const (
	MintUnknown MintStatus = "UNKNOWN"
	MintOnline  MintStatus = "ONLINE"
	MintOffline MintStatus = "OFFLINE"
)

type Wallet struct {
	db      storage.DB
	master  *hdkeychain.ExtendedKey
	gateway MintGateway
	config  Config
	logger  *slog.Logger
	logFile io.Closer

	keysets  *KeysetRegistry
	counters *CounterAuthority
	ledger   *ProofLedger
	queue    *taskqueue.Queue

	// default mint
	MintURL string

	statusMu   sync.RWMutex
	mintStatus map[string]MintStatus

	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	syncWg     sync.WaitGroup

	now func() time.Time
}

func InitStorage(backend, path string) (storage.DB, error) {
	switch backend {
	case "", BoltStorage:
		return storage.InitBolt(path)
	case SQLiteStorage:
		return storage.InitSQLite(path)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend '%v'", ErrValidation, backend)
	}
}

// LoadWallet opens the wallet at config.WalletPath, creating it if it does
// not exist. Ranges left in flight by a previous run are recovered before
// it returns, unless the mint is unreachable.
func LoadWallet(config Config) (*Wallet, error) {
	if err := os.MkdirAll(config.WalletPath, 0700); err != nil {
		return nil, err
	}

	logger := config.Logger
	var logFile io.Closer
	if logger == nil {
		file, err := os.OpenFile(filepath.Join(config.WalletPath, logFileName),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("error opening log file: %v", err)
		}
		logFile = file
		logger = slog.New(slog.NewTextHandler(file, &slog.HandlerOptions{Level: config.LogLevel}))
	}

	db, err := InitStorage(config.StorageBackend, config.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("InitStorage: %w", err)
	}

	seed, err := loadSeed(db, config.Mnemonic)
	if err != nil {
		db.Close()
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	gateway := config.Gateway
	if gateway == nil {
		timeout := config.MintRequestTimeout
		if timeout == 0 {
			timeout = defaultMintRequestTimeout
		}
		gateway = client.New(timeout)
	}

	wallet := &Wallet{
		db:         db,
		master:     master,
		gateway:    gateway,
		config:     config,
		logger:     logger,
		logFile:    logFile,
		MintURL:    config.MintURL,
		mintStatus: make(map[string]MintStatus),
		now:        time.Now,
	}

	wallet.keysets, err = newKeysetRegistry(gateway, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	wallet.counters, err = newCounterAuthority(db, wallet.keysets, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	wallet.ledger, err = newProofLedger(db, wallet.counters, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	wallet.queue = taskqueue.New(logger)

	for _, result := range wallet.RecoverAllInFlight(context.Background()) {
		if result.Err != nil {
			logger.Warn("could not recover in flight operations", slog.String("mint", result.MintURL),
				slog.String("error", result.Err.Error()))
		}
	}

	if config.SyncInterval > 0 {
		wallet.StartSync(context.Background(), config.SyncInterval)
	}

	return wallet, nil
}

func loadSeed(db storage.DB, mnemonic string) ([]byte, error) {
	seed, err := db.GetSeed()
	if err == nil {
		return seed, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, storageError(err)
	}

	if mnemonic == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("error generating entropy: %v", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating mnemonic: %v", err)
		}
	} else if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", ErrValidation)
	}

	seed = bip39.NewSeed(mnemonic, "")
	if err := db.SaveMnemonicSeed(mnemonic, seed); err != nil {
		return nil, storageError(err)
	}
	return seed, nil
}

// Close stops the periodic sync, drops queued operations and
// waits for running ones before closing the database.
func (w *Wallet) Close() error {
	w.StopSync()
	w.queue.Close()
	err := w.db.Close()
	if w.logFile != nil {
		w.logFile.Close()
	}
	return err
}

func (w *Wallet) Mnemonic() (string, error) {
	mnemonic, err := w.db.GetMnemonic()
	if err != nil {
		return "", storageError(err)
	}
	return mnemonic, nil
}

func (w *Wallet) Balances() Balances {
	return w.ledger.Balances()
}

func (w *Wallet) Ledger() *ProofLedger {
	return w.ledger
}

func (w *Wallet) Counters() *CounterAuthority {
	return w.counters
}

func (w *Wallet) Keysets() *KeysetRegistry {
	return w.keysets
}

// MintStatus is the reachability of the mint seen on the last sync.
func (w *Wallet) MintStatus(mintURL string) MintStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	status, ok := w.mintStatus[mintURL]
	if !ok {
		return MintUnknown
	}
	return status
}

func (w *Wallet) setMintStatus(mintURL string, err error) {
	status := MintOnline
	if errors.Is(err, ErrConnection) {
		status = MintOffline
	}
	w.statusMu.Lock()
	previous := w.mintStatus[mintURL]
	w.mintStatus[mintURL] = status
	w.statusMu.Unlock()
	if previous != status {
		w.logger.Info("mint status changed", slog.String("mint", mintURL), slog.String("status", string(status)))
	}
}

// Mints returns every mint the wallet has keysets or proofs for.
func (w *Wallet) Mints() []string {
	seen := make(map[string]bool)
	mints := []string{}
	for _, mintURL := range append(w.keysets.Mints(), w.ledger.Mints()...) {
		if !seen[mintURL] {
			seen[mintURL] = true
			mints = append(mints, mintURL)
		}
	}
	return mints
}

func (w *Wallet) queueKey(mintURL string) string {
	if w.config.SerializeAllMints {
		return "all"
	}
	return mintURL
}

// runOnMint runs fn on the queue of the mint. fn is skipped if ctx is
// done before it starts and its context is cancelled if either ctx or
// the queue are done.
func runOnMint[T any](ctx context.Context, w *Wallet, mintURL string, priority taskqueue.Priority,
	fn func(ctx context.Context) (T, error)) (T, error) {

	return taskqueue.Run(ctx, w.queue, w.queueKey(mintURL), priority, func(queueCtx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		taskCtx, cancel := context.WithCancel(queueCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return fn(taskCtx)
	})
}
