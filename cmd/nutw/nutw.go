package main

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/wallet"
	"github.com/elnosh/nutvault/wallet/storage"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

func walletConfig() (wallet.Config, error) {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, MintURL: "http://127.0.0.1:3338", LogLevel: slog.LevelInfo}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		// variables already set in the environment take precedence
		godotenv.Load(envPath)
	}

	config.MintURL = getMintURL()
	config.StorageBackend = os.Getenv("WALLET_STORAGE")

	if timeout := os.Getenv("WALLET_MINT_TIMEOUT"); len(timeout) > 0 {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return config, fmt.Errorf("invalid WALLET_MINT_TIMEOUT: %v", err)
		}
		config.MintRequestTimeout = duration
	}
	if interval := os.Getenv("WALLET_SYNC_INTERVAL"); len(interval) > 0 {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return config, fmt.Errorf("invalid WALLET_SYNC_INTERVAL: %v", err)
		}
		config.SyncInterval = duration
	}
	if level := os.Getenv("WALLET_LOG_LEVEL"); len(level) > 0 {
		if err := config.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return config, fmt.Errorf("invalid WALLET_LOG_LEVEL: %v", err)
		}
	}
	serialize, _ := strconv.ParseBool(os.Getenv("WALLET_SERIALIZE_ALL_MINTS"))
	config.SerializeAllMints = serialize

	return config, nil
}

func setWalletPath() string {
	if path := os.Getenv("WALLET_PATH"); len(path) > 0 {
		return path
	}
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".nutvault", "wallet")
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func getMintURL() string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return "http://127.0.0.1:3338"
	}
	url := &url.URL{
		Scheme: "http",
		Host:   mintHost + ":" + mintPort,
	}
	return url.String()
}

func setupWallet(ctx *cli.Context) error {
	config, err := walletConfig()
	if err != nil {
		printErr(err)
	}
	// the cli runs one command at a time
	config.SyncInterval = 0
	if ctx.IsSet(mnemonicFlag) {
		config.Mnemonic = ctx.String(mnemonicFlag)
	}

	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func closeWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Close()
	}
	return nil
}

const (
	mintFlag     = "mint"
	unitFlag     = "unit"
	memoFlag     = "memo"
	quoteFlag    = "quote"
	mnemonicFlag = "mnemonic"
	watchFlag    = "watch"
)

var (
	mintURLFlag = &cli.StringFlag{Name: mintFlag, Usage: "mint to use instead of the default one"}
	unitStrFlag = &cli.StringFlag{Name: unitFlag, Value: cashu.Sat.String(), Usage: "unit of the amount"}
)

func mintURL(ctx *cli.Context) string {
	if ctx.IsSet(mintFlag) {
		return ctx.String(mintFlag)
	}
	return nutw.MintURL
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			syncCmd,
			restoreCmd,
			transactionsCmd,
			mnemonicCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Balance per mint and unit",
	Before: setupWallet,
	After:  closeWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balances := nutw.Balances()
	mints := make([]string, 0, len(balances))
	for mint := range balances {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	if len(mints) == 0 {
		fmt.Println("0 sat")
		return nil
	}
	for _, mint := range mints {
		fmt.Printf("%v\n", mint)
		for unit, balance := range balances[mint] {
			fmt.Printf("  %v %v (%v pending)\n", balance.Spendable, unit, balance.Pending)
		}
	}
	return nil
}

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request an invoice to mint tokens",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		mintURLFlag,
		unitStrFlag,
		&cli.Int64Flag{
			Name:  quoteFlag,
			Usage: "Specify transaction of a paid invoice to mint tokens",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	// if a transaction was passed, mint the tokens of its paid invoice
	if ctx.IsSet(quoteFlag) {
		tx, err := nutw.CheckPendingTopup(ctx.Context, ctx.Int64(quoteFlag))
		if err != nil {
			printErr(err)
		}
		switch tx.Status {
		case storage.StatusCompleted:
			fmt.Printf("%v %v successfully minted\n", tx.Amount, tx.Unit)
		case storage.StatusPending:
			fmt.Println("invoice has not been paid")
		default:
			fmt.Printf("could not mint tokens. Transaction is %v %v\n", tx.Status, tx.ErrorMessage)
		}
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	tx, err := nutw.RequestMint(ctx.Context, mintURL(ctx), amount, ctx.String(unitFlag))
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", tx.PaymentRequest)
	fmt.Printf("after paying the invoice you can redeem the ecash with 'nutw mint --quote %v'\n", tx.Id)
	return nil
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Generate a token for the amount",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		mintURLFlag,
		unitStrFlag,
		&cli.StringFlag{Name: memoFlag, Usage: "memo for the token"},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(err)
	}

	result, err := nutw.Send(ctx.Context, mintURL(ctx), sendAmount, ctx.String(unitFlag), ctx.String(memoFlag))
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v\n", result.Token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Redeem a token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     closeWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	tx, err := nutw.Receive(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v %v received\n", tx.Amount, tx.Unit)
	if tx.Fee > 0 {
		fmt.Printf("paid %v %v in fees\n", tx.Fee, tx.Unit)
	}
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Aliases:   []string{"melt"},
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[INVOICE]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags:     []cli.Flag{mintURLFlag, unitStrFlag},
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	quote, err := nutw.RequestMeltQuote(ctx.Context, mintURL(ctx), args.First(), ctx.String(unitFlag))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("paying %v %v with a fee reserve of %v\n", quote.Amount, quote.Unit, quote.Fee)

	tx, err := nutw.Melt(ctx.Context, quote.Id)
	if err != nil {
		printErr(err)
	}

	switch tx.Status {
	case storage.StatusCompleted:
		fmt.Printf("invoice paid. Fee: %v %v\n", tx.Fee, tx.Unit)
	case storage.StatusPending:
		fmt.Println("payment is pending. Run 'nutw sync' to check on it")
	default:
		fmt.Printf("invoice could not be paid: %v\n", tx.ErrorMessage)
	}
	return nil
}

var syncCmd = &cli.Command{
	Name:   "sync",
	Usage:  "Check the state of proofs and pending transactions with the mints",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: watchFlag, Usage: "keep syncing every WALLET_SYNC_INTERVAL until interrupted"},
	},
	Action: syncWallet,
}

func syncWallet(ctx *cli.Context) error {
	for _, result := range nutw.RecoverAllInFlight(ctx.Context) {
		if result.Err != nil {
			fmt.Printf("could not recover operations at %v: %v\n", result.MintURL, result.Err)
		} else if result.RecoveredAmount > 0 {
			fmt.Printf("recovered %v from %v\n", result.RecoveredAmount, result.MintURL)
		}
	}
	printSync(nutw.SyncStateWithAllMints(ctx.Context))
	checkPendingTransactions(ctx)

	if !ctx.Bool(watchFlag) {
		return nil
	}

	config, err := walletConfig()
	if err != nil {
		printErr(err)
	}
	interval := config.SyncInterval
	if interval == 0 {
		interval = time.Minute
	}
	signalCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("syncing every %v\n", interval)
	nutw.StartSync(signalCtx, interval)
	<-signalCtx.Done()
	return nil
}

func printSync(results []wallet.SyncStateResult) {
	for _, result := range results {
		if result.Err != nil {
			fmt.Printf("%v: %v\n", result.MintURL, result.Err)
			continue
		}
		for _, update := range result.TransactionStateUpdates {
			fmt.Printf("transaction %v: %v -> %v\n", update.TransactionId, update.From, update.To)
		}
	}
}

func checkPendingTransactions(ctx *cli.Context) {
	transactions, err := nutw.Transactions()
	if err != nil {
		printErr(err)
	}
	for _, tx := range transactions {
		if tx.Status != storage.StatusPending {
			continue
		}
		var updated *storage.Transaction
		switch tx.Type {
		case storage.TransactionTopup:
			updated, err = nutw.CheckPendingTopup(ctx.Context, tx.Id)
		case storage.TransactionTransfer:
			updated, err = nutw.CheckPendingMelt(ctx.Context, tx.Id)
		default:
			continue
		}
		if err != nil {
			fmt.Printf("could not check transaction %v: %v\n", tx.Id, err)
			continue
		}
		if updated.Status != tx.Status {
			fmt.Printf("transaction %v: %v -> %v\n", tx.Id, tx.Status, updated.Status)
		}
	}
}

var restoreCmd = &cli.Command{
	Name:   "restore",
	Usage:  "Restore the proofs of a mnemonic from the mint",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		mintURLFlag,
		&cli.StringFlag{Name: mnemonicFlag, Usage: "mnemonic to restore a new wallet from"},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	if ctx.IsSet(mnemonicFlag) {
		mnemonic, err := nutw.Mnemonic()
		if err != nil {
			printErr(err)
		}
		if mnemonic != strings.TrimSpace(ctx.String(mnemonicFlag)) {
			printErr(errors.New("wallet already has a different seed. Use an empty WALLET_PATH to restore"))
		}
	}

	result, err := nutw.RestoreFromSeed(ctx.Context, mintURL(ctx))
	if err != nil {
		printErr(err)
	}
	fmt.Printf("restored %v from %v\n", result.Amount, result.MintURL)
	return nil
}

var transactionsCmd = &cli.Command{
	Name:   "transactions",
	Usage:  "List transactions",
	Before: setupWallet,
	After:  closeWallet,
	Action: listTransactions,
}

func listTransactions(ctx *cli.Context) error {
	transactions, err := nutw.Transactions()
	if err != nil {
		printErr(err)
	}
	for _, tx := range transactions {
		fmt.Printf("%v\t%v\t%v\t%v %v\tfee %v\t%v\n", tx.Id, tx.Type, tx.Status, tx.Amount, tx.Unit,
			tx.Fee, tx.CreatedAt.Format(time.DateTime))
	}
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Show the mnemonic of the wallet",
	Before: setupWallet,
	After:  closeWallet,
	Action: showMnemonic,
}

func showMnemonic(ctx *cli.Context) error {
	mnemonic, err := nutw.Mnemonic()
	if err != nil {
		printErr(err)
	}
	fmt.Println(mnemonic)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
