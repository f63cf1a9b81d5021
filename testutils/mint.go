// Package testutils provides an in-process fake mint for tests. It speaks
// the same request and response types as the HTTP mint API and can be
// served over HTTP with Handler.
package testutils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/nutvault/cashu"
	"github.com/elnosh/nutvault/cashu/nuts/nut01"
	"github.com/elnosh/nutvault/cashu/nuts/nut02"
	"github.com/elnosh/nutvault/cashu/nuts/nut03"
	"github.com/elnosh/nutvault/cashu/nuts/nut04"
	"github.com/elnosh/nutvault/cashu/nuts/nut05"
	"github.com/elnosh/nutvault/cashu/nuts/nut06"
	"github.com/elnosh/nutvault/cashu/nuts/nut07"
	"github.com/elnosh/nutvault/cashu/nuts/nut09"
	"github.com/elnosh/nutvault/cashu/nuts/nut17"
	"github.com/elnosh/nutvault/crypto"
	"github.com/elnosh/nutvault/lightning"
	"github.com/elnosh/nutvault/wallet/client"
)

// Mint operations that faults can be injected into.
const (
	OpMint      = "mint"
	OpSwap      = "swap"
	OpMelt      = "melt"
	OpRestore   = "restore"
	OpCheck     = "checkstate"
	OpKeysets   = "keysets"
	OpKeys      = "keys"
	OpMintQuote = "mint_quote"
	OpMeltQuote = "melt_quote"
)

type mintQuote struct {
	id      string
	amount  uint64
	unit    string
	invoice lightning.FakeInvoice
	state   nut04.State
}

type meltQuote struct {
	id         string
	request    string
	amount     uint64
	unit       string
	feeReserve uint64
	expiry     int64
	state      nut05.State
	preimage   string
	inputs     []string
	available  uint64
	outputs    cashu.BlindedMessages
	change     cashu.BlindedSignatures
}

type FakeMint struct {
	mu sync.Mutex

	master  *hdkeychain.ExtendedKey
	keysets []*crypto.MintKeyset

	// proof states keyed by Y
	spent   map[string]bool
	pending map[string]bool
	// signatures keyed by B_ for restore
	signed map[string]cashu.BlindedSignature

	mintQuotes map[string]*mintQuote
	meltQuotes map[string]*meltQuote

	// AutoPay marks mint quotes as paid when created.
	AutoPay bool
	// MeltPending leaves melts in the PENDING state until SettleMelt.
	MeltPending bool
	// FeeReserve returned in melt quotes and FeePaid is what the
	// payment actually costs. The difference is returned as change.
	FeeReserve  uint64
	FeePaid     uint64
	QuoteExpiry time.Duration

	offline       bool
	failNext      map[string]error
	dropNext      map[string]bool
	calls         map[string]int
	subscriptions *pubSub
}

// NewFakeMint returns a mint with an active keyset for each unit.
func NewFakeMint(inputFeePpk uint, units ...string) (*FakeMint, error) {
	seed, err := hdkeychain.GenerateSeed(32)
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	mint := &FakeMint{
		master:        master,
		spent:         make(map[string]bool),
		pending:       make(map[string]bool),
		signed:        make(map[string]cashu.BlindedSignature),
		mintQuotes:    make(map[string]*mintQuote),
		meltQuotes:    make(map[string]*meltQuote),
		AutoPay:       true,
		QuoteExpiry:   time.Hour,
		failNext:      make(map[string]error),
		dropNext:      make(map[string]bool),
		calls:         make(map[string]int),
		subscriptions: newPubSub(),
	}

	if len(units) == 0 {
		units = []string{cashu.Sat.String()}
	}
	for _, unit := range units {
		if _, err := mint.RotateKeyset(unit, inputFeePpk); err != nil {
			return nil, err
		}
	}
	return mint, nil
}

// RotateKeyset deactivates the active keyset of the unit
// and creates a new active one.
func (m *FakeMint) RotateKeyset(unit string, inputFeePpk uint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyset, err := crypto.GenerateKeyset(m.master, uint32(len(m.keysets)), unit, inputFeePpk, true)
	if err != nil {
		return "", err
	}
	for _, ks := range m.keysets {
		if ks.Unit == unit {
			ks.Active = false
		}
	}
	m.keysets = append(m.keysets, keyset)
	return keyset.Id, nil
}

// AddKeyset adds another active keyset for the unit
// without deactivating the existing ones.
func (m *FakeMint) AddKeyset(unit string, inputFeePpk uint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyset, err := crypto.GenerateKeyset(m.master, uint32(len(m.keysets)), unit, inputFeePpk, true)
	if err != nil {
		return "", err
	}
	m.keysets = append(m.keysets, keyset)
	return keyset.Id, nil
}

func (m *FakeMint) ActiveKeyset(unit string) *crypto.MintKeyset {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, keyset := range m.keysets {
		if keyset.Active && keyset.Unit == unit {
			return keyset
		}
	}
	return nil
}

// SetOffline makes every call fail as if the mint could not be reached.
func (m *FakeMint) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// FailNext makes the next call of op return err without processing it.
func (m *FakeMint) FailNext(op string, err error) {
	m.mu.Lock()
	m.failNext[op] = err
	m.mu.Unlock()
}

// DropNextResponse processes the next call of op but returns a connection
// error instead of the response, like a response lost on the way back.
func (m *FakeMint) DropNextResponse(op string) {
	m.mu.Lock()
	m.dropNext[op] = true
	m.mu.Unlock()
}

// Calls returns how many times op was called.
func (m *FakeMint) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// before is called with the lock held at the start of every operation.
func (m *FakeMint) before(op string) error {
	m.calls[op]++
	if m.offline {
		return fmt.Errorf("%w: mint offline", client.ErrConnection)
	}
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

// after is called with the lock held once op has been processed.
func (m *FakeMint) after(op string) error {
	if m.dropNext[op] {
		delete(m.dropNext, op)
		return fmt.Errorf("%w: connection reset", client.ErrConnection)
	}
	return nil
}

func (m *FakeMint) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before("info"); err != nil {
		return nil, err
	}

	units := make(map[string]bool)
	for _, keyset := range m.keysets {
		units[keyset.Unit] = true
	}
	methods := []nut06.MethodSetting{}
	supported := []nut17.SupportedMethod{}
	for unit := range units {
		methods = append(methods, nut06.MethodSetting{Method: cashu.BOLT11_METHOD, Unit: unit})
		supported = append(supported, nut17.SupportedMethod{
			Method:   cashu.BOLT11_METHOD,
			Unit:     unit,
			Commands: []string{nut17.ProofState.String()},
		})
	}

	return &nut06.MintInfo{
		Name:    "fake mint",
		Version: "nutvault-fakemint/0.1.0",
		Time:    time.Now().Unix(),
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: methods},
			Nut05: nut06.NutSetting{Methods: methods},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut13: nut06.Supported{Supported: true},
			Nut17: nut17.InfoSetting{Supported: supported},
		},
	}, nil
}

func (m *FakeMint) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpKeys); err != nil {
		return nil, err
	}

	keysets := []nut01.Keyset{}
	for _, keyset := range m.keysets {
		if keyset.Active {
			keysets = append(keysets, keysResponse(keyset))
		}
	}
	return &nut01.GetKeysResponse{Keysets: keysets}, nil
}

func (m *FakeMint) GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpKeysets); err != nil {
		return nil, err
	}

	keysets := make([]nut02.Keyset, len(m.keysets))
	for i, keyset := range m.keysets {
		keysets[i] = nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
	}
	return &nut02.GetKeysetsResponse{Keysets: keysets}, nil
}

func (m *FakeMint) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpKeys); err != nil {
		return nil, err
	}

	keyset := m.keyset(id)
	if keyset == nil {
		return nil, cashu.UnknownKeysetErr
	}
	return &nut01.GetKeysResponse{Keysets: []nut01.Keyset{keysResponse(keyset)}}, nil
}

func keysResponse(keyset *crypto.MintKeyset) nut01.Keyset {
	return nut01.Keyset{
		Id:   keyset.Id,
		Unit: keyset.Unit,
		Keys: crypto.PublicKeysHex(keyset.PublicKeys()),
	}
}

func (m *FakeMint) keyset(id string) *crypto.MintKeyset {
	for _, keyset := range m.keysets {
		if keyset.Id == id {
			return keyset
		}
	}
	return nil
}

func (m *FakeMint) PostMintQuoteBolt11(ctx context.Context, mintURL string,
	req nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpMintQuote); err != nil {
		return nil, err
	}
	if !m.supportsUnit(req.Unit) {
		return nil, cashu.UnitNotSupportedErr
	}

	invoice, err := lightning.CreateFakeInvoice(req.Amount, m.QuoteExpiry)
	if err != nil {
		return nil, *cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	quote := &mintQuote{
		id:      randomId(),
		amount:  req.Amount,
		unit:    req.Unit,
		invoice: invoice,
		state:   nut04.Unpaid,
	}
	if m.AutoPay {
		quote.state = nut04.Paid
	}
	m.mintQuotes[quote.id] = quote

	return quote.response(), m.after(OpMintQuote)
}

func (q *mintQuote) response() *nut04.PostMintQuoteBolt11Response {
	return &nut04.PostMintQuoteBolt11Response{
		Quote:   q.id,
		Request: q.invoice.PaymentRequest,
		State:   q.state,
		Expiry:  q.invoice.ExpiresAt.Unix(),
	}
}

// PayMintQuote marks the invoice of a mint quote as paid.
func (m *FakeMint) PayMintQuote(quoteId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		return cashu.QuoteNotExistErr
	}
	if quote.state == nut04.Unpaid {
		quote.state = nut04.Paid
	}
	return nil
}

func (m *FakeMint) GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpMintQuote); err != nil {
		return nil, err
	}

	quote, ok := m.mintQuotes[quoteId]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	return quote.response(), nil
}

func (m *FakeMint) PostMintBolt11(ctx context.Context, mintURL string,
	req nut04.PostMintBolt11Request) (*nut04.PostMintBolt11Response, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpMint); err != nil {
		return nil, err
	}

	quote, ok := m.mintQuotes[req.Quote]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	switch quote.state {
	case nut04.Unpaid:
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Issued:
		return nil, cashu.MintQuoteAlreadyIssued
	}
	if req.Outputs.Amount() > quote.amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	signatures, err := m.signBlindedMessages(req.Outputs, quote.unit)
	if err != nil {
		return nil, err
	}
	quote.state = nut04.Issued

	return &nut04.PostMintBolt11Response{Signatures: signatures}, m.after(OpMint)
}

func (m *FakeMint) PostSwap(ctx context.Context, mintURL string, req nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpSwap); err != nil {
		return nil, err
	}

	unit, err := m.verifyProofs(req.Inputs)
	if err != nil {
		return nil, err
	}
	fees := m.fees(req.Inputs)
	if req.Inputs.Amount()-fees != req.Outputs.Amount() {
		return nil, cashu.InsufficientProofsAmount
	}

	signatures, err := m.signBlindedMessages(req.Outputs, unit)
	if err != nil {
		return nil, err
	}
	m.setSpent(req.Inputs)

	return &nut03.PostSwapResponse{Signatures: signatures}, m.after(OpSwap)
}

func (m *FakeMint) PostMeltQuoteBolt11(ctx context.Context, mintURL string,
	req nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpMeltQuote); err != nil {
		return nil, err
	}
	if !m.supportsUnit(req.Unit) {
		return nil, cashu.UnitNotSupportedErr
	}

	invoice, err := lightning.DecodeInvoice(req.Request)
	if err != nil {
		return nil, *cashu.BuildCashuError(fmt.Sprintf("invalid invoice: %v", err), cashu.MeltQuoteErrCode)
	}

	quote := &meltQuote{
		id:         randomId(),
		request:    req.Request,
		amount:     invoice.Amount,
		unit:       req.Unit,
		feeReserve: m.FeeReserve,
		expiry:     time.Now().Add(m.QuoteExpiry).Unix(),
		state:      nut05.Unpaid,
	}
	m.meltQuotes[quote.id] = quote

	return quote.response(), m.after(OpMeltQuote)
}

func (q *meltQuote) response() *nut05.PostMeltQuoteBolt11Response {
	return &nut05.PostMeltQuoteBolt11Response{
		Quote:      q.id,
		Amount:     q.amount,
		FeeReserve: q.feeReserve,
		State:      q.state,
		Expiry:     q.expiry,
		Preimage:   q.preimage,
		Change:     q.change,
	}
}

func (m *FakeMint) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpMeltQuote); err != nil {
		return nil, err
	}

	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	return quote.response(), nil
}

func (m *FakeMint) PostMeltBolt11(ctx context.Context, mintURL string,
	req nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpMelt); err != nil {
		return nil, err
	}

	quote, ok := m.meltQuotes[req.Quote]
	if !ok {
		return nil, cashu.QuoteNotExistErr
	}
	switch quote.state {
	case nut05.Pending:
		return nil, cashu.QuotePending
	case nut05.Paid:
		return nil, cashu.MeltQuoteAlreadyPaid
	}

	if _, err := m.verifyProofs(req.Inputs); err != nil {
		return nil, err
	}
	available := req.Inputs.Amount() - m.fees(req.Inputs)
	if available < quote.amount+quote.feeReserve {
		return nil, cashu.InsufficientProofsAmount
	}

	quote.inputs = make([]string, len(req.Inputs))
	for i, proof := range req.Inputs {
		quote.inputs[i] = crypto.Y(proof.Secret)
	}
	quote.available = available
	quote.outputs = req.Outputs

	if m.MeltPending {
		for _, Y := range quote.inputs {
			m.pending[Y] = true
		}
		quote.state = nut05.Pending
		m.notify(quote.inputs)
		return quote.response(), m.after(OpMelt)
	}

	if err := m.payMeltQuote(quote); err != nil {
		return nil, err
	}
	return quote.response(), m.after(OpMelt)
}

func (m *FakeMint) payMeltQuote(quote *meltQuote) error {
	var overpaid uint64
	if quote.available > quote.amount+m.FeePaid {
		overpaid = quote.available - quote.amount - m.FeePaid
	}
	outputs := quote.outputs
	if overpaid > 0 && len(outputs) > 0 {
		changeAmounts := cashu.AmountSplit(overpaid)
		if len(changeAmounts) > len(outputs) {
			changeAmounts = changeAmounts[:len(outputs)]
		}
		change := make(cashu.BlindedMessages, len(changeAmounts))
		for i, amount := range changeAmounts {
			change[i] = outputs[i]
			change[i].Amount = amount
		}
		signatures, err := m.signBlindedMessages(change, quote.unit)
		if err != nil {
			return err
		}
		quote.change = signatures
	}

	for _, Y := range quote.inputs {
		delete(m.pending, Y)
		m.spent[Y] = true
	}
	quote.state = nut05.Paid
	quote.preimage = hex.EncodeToString([]byte(quote.id))[:64]
	m.notify(quote.inputs)
	return nil
}

// SettleMelt finishes a pending melt. If paid the inputs are spent,
// otherwise they go back to unspent and the quote to unpaid.
func (m *FakeMint) SettleMelt(quoteId string, paid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.meltQuotes[quoteId]
	if !ok {
		return cashu.QuoteNotExistErr
	}
	if quote.state != nut05.Pending {
		return *cashu.BuildCashuError("quote is not pending", cashu.MeltQuoteErrCode)
	}

	if paid {
		return m.payMeltQuote(quote)
	}
	for _, Y := range quote.inputs {
		delete(m.pending, Y)
	}
	quote.state = nut05.Unpaid
	m.notify(quote.inputs)
	return nil
}

// SpendProofs marks proofs as spent as if they were redeemed by someone else.
func (m *FakeMint) SpendProofs(secrets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	Ys := make([]string, len(secrets))
	for i, secret := range secrets {
		Ys[i] = crypto.Y(secret)
		delete(m.pending, Ys[i])
		m.spent[Ys[i]] = true
	}
	m.notify(Ys)
}

// SetPending marks proofs as pending or clears the pending state.
func (m *FakeMint) SetPending(pending bool, secrets ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	Ys := make([]string, len(secrets))
	for i, secret := range secrets {
		Ys[i] = crypto.Y(secret)
		if pending {
			m.pending[Ys[i]] = true
		} else {
			delete(m.pending, Ys[i])
		}
	}
	m.notify(Ys)
}

func (m *FakeMint) PostCheckProofState(ctx context.Context, mintURL string,
	req nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpCheck); err != nil {
		return nil, err
	}

	states := make([]nut07.ProofState, len(req.Ys))
	for i, Y := range req.Ys {
		states[i] = nut07.ProofState{Y: Y, State: m.state(Y)}
	}
	return &nut07.PostCheckStateResponse{States: states}, m.after(OpCheck)
}

func (m *FakeMint) state(Y string) nut07.State {
	switch {
	case m.spent[Y]:
		return nut07.Spent
	case m.pending[Y]:
		return nut07.Pending
	}
	return nut07.Unspent
}

func (m *FakeMint) PostRestore(ctx context.Context, mintURL string,
	req nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before(OpRestore); err != nil {
		return nil, err
	}

	response := &nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range req.Outputs {
		if signature, ok := m.signed[output.B_]; ok {
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	return response, m.after(OpRestore)
}

// verifyProofs checks the proofs can be spent and returns their unit.
func (m *FakeMint) verifyProofs(proofs cashu.Proofs) (string, error) {
	if len(proofs) == 0 {
		return "", cashu.NoProofsProvided
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return "", cashu.DuplicateProofs
	}

	unit := ""
	for _, proof := range proofs {
		Y := crypto.Y(proof.Secret)
		if m.spent[Y] {
			return "", cashu.ProofAlreadyUsedErr
		}
		if m.pending[Y] {
			return "", cashu.ProofPendingErr
		}

		keyset := m.keyset(proof.Id)
		if keyset == nil {
			return "", cashu.UnknownKeysetErr
		}
		if unit != "" && keyset.Unit != unit {
			return "", cashu.UnitNotSupportedErr
		}
		unit = keyset.Unit

		key, ok := keyset.Keys[proof.Amount]
		if !ok {
			return "", cashu.InvalidProofErr
		}
		C, err := crypto.ParsePoint(proof.C)
		if err != nil {
			return "", cashu.InvalidProofErr
		}
		if !crypto.Verify(proof.Secret, key.PrivateKey, C) {
			return "", cashu.InvalidProofErr
		}
	}
	return unit, nil
}

func (m *FakeMint) setSpent(proofs cashu.Proofs) {
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Ys[i] = crypto.Y(proof.Secret)
		m.spent[Ys[i]] = true
	}
	m.notify(Ys)
}

func (m *FakeMint) fees(proofs cashu.Proofs) uint64 {
	var feePpk uint
	for _, proof := range proofs {
		if keyset := m.keyset(proof.Id); keyset != nil {
			feePpk += keyset.InputFeePpk
		}
	}
	return uint64((feePpk + 999) / 1000)
}

func (m *FakeMint) supportsUnit(unit string) bool {
	for _, keyset := range m.keysets {
		if keyset.Unit == unit {
			return true
		}
	}
	return false
}

func (m *FakeMint) signBlindedMessages(blindedMessages cashu.BlindedMessages, unit string) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))

	for i, msg := range blindedMessages {
		if _, ok := m.signed[msg.B_]; ok {
			return nil, cashu.BlindedMessageAlreadySigned
		}

		keyset := m.keyset(msg.Id)
		if keyset == nil {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.InactiveKeysetSignatureRequest
		}
		if keyset.Unit != unit {
			return nil, cashu.UnitNotSupportedErr
		}
		key, ok := keyset.Keys[msg.Amount]
		if !ok {
			return nil, *cashu.BuildCashuError("invalid amount in blinded message", cashu.StandardErrCode)
		}

		B_, err := crypto.ParsePoint(msg.B_)
		if err != nil {
			return nil, *cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)

		blindedSignatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
	}

	// only record once every message was signed
	for i, msg := range blindedMessages {
		m.signed[msg.B_] = blindedSignatures[i]
	}

	return blindedSignatures, nil
}

// notify publishes the current state of the proofs to websocket subscribers.
func (m *FakeMint) notify(Ys []string) {
	for _, Y := range Ys {
		m.subscriptions.Publish(Y, nut07.ProofState{Y: Y, State: m.state(Y)})
	}
}

func randomId() string {
	randomBytes := make([]byte, 32)
	rand.Read(randomBytes)
	return hex.EncodeToString(randomBytes)
}
