package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/elnosh/nutvault/cashu"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrSeedAlreadySaved = errors.New("seed already saved")
)

// DB is the persistence boundary of the wallet. Every mutation of proofs,
// counters, transactions and the pending-by-mint set goes through ApplyBatch
// so that it is committed atomically.
type DB interface {
	SaveMnemonicSeed(mnemonic string, seed []byte) error
	GetMnemonic() (string, error)
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)

	GetProofs() (Proofs, error)
	GetCounters() ([]ProofsCounter, error)
	GetPendingByMintSecrets() ([]string, error)

	// CreateTransaction assigns a new id to the transaction and saves it.
	CreateTransaction(*Transaction) error
	GetTransaction(id int64) (*Transaction, error)
	GetTransactions() ([]Transaction, error)

	ApplyBatch(Batch) error
	Close() error
}

// Proof is a proof as held by the wallet: the wire proof plus
// where it came from and the partition it is in.
type Proof struct {
	Id            string `json:"id"`
	Amount        uint64 `json:"amount"`
	Secret        string `json:"secret"`
	C             string `json:"C"`
	MintURL       string `json:"mint_url"`
	Unit          string `json:"unit"`
	TransactionId int64  `json:"transaction_id"`
	IsPending     bool   `json:"pending"`
}

type Proofs []Proof

func (proofs Proofs) Amount() uint64 {
	var amount uint64
	for _, proof := range proofs {
		amount += proof.Amount
	}
	return amount
}

func (proofs Proofs) Secrets() []string {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return secrets
}

func (proofs Proofs) ToCashu() cashu.Proofs {
	cashuProofs := make(cashu.Proofs, len(proofs))
	for i, proof := range proofs {
		cashuProofs[i] = cashu.Proof{
			Amount: proof.Amount,
			Id:     proof.Id,
			Secret: proof.Secret,
			C:      proof.C,
		}
	}
	return cashuProofs
}

// DBKeyset is a keyset with its public keys hex encoded.
type DBKeyset struct {
	Id          string            `json:"id"`
	MintURL     string            `json:"mint_url"`
	Unit        string            `json:"unit"`
	Active      bool              `json:"active"`
	InputFeePpk uint              `json:"input_fee_ppk"`
	PublicKeys  map[uint64]string `json:"public_keys"`
}

// ProofsCounter is the NUT-13 counter of a keyset at a mint. When an
// operation reserves a range of counter values it is recorded in the
// in flight fields until the operation finishes or is recovered.
type ProofsCounter struct {
	MintURL               string  `json:"mint_url"`
	KeysetId              string  `json:"keyset_id"`
	Unit                  string  `json:"unit"`
	Counter               uint32  `json:"counter"`
	InFlightFrom          *uint32 `json:"in_flight_from,omitempty"`
	InFlightTo            *uint32 `json:"in_flight_to,omitempty"`
	InFlightTransactionId *int64  `json:"in_flight_transaction_id,omitempty"`
}

func (pc ProofsCounter) HasInFlight() bool {
	return pc.InFlightFrom != nil && pc.InFlightTo != nil
}

type TransactionType string

const (
	TransactionTopup    TransactionType = "TOPUP"
	TransactionSend     TransactionType = "SEND"
	TransactionReceive  TransactionType = "RECEIVE"
	TransactionTransfer TransactionType = "TRANSFER"
	TransactionRestore  TransactionType = "RESTORE"
)

type TransactionStatus string

const (
	StatusDraft     TransactionStatus = "DRAFT"
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusError     TransactionStatus = "ERROR"
	StatusReverted  TransactionStatus = "REVERTED"
	StatusExpired   TransactionStatus = "EXPIRED"
)

type Transaction struct {
	Id             int64               `json:"id"`
	Type           TransactionType     `json:"type"`
	Amount         uint64              `json:"amount"`
	Fee            uint64              `json:"fee"`
	Unit           string              `json:"unit"`
	MintURL        string              `json:"mint_url"`
	Status         TransactionStatus   `json:"status"`
	Memo           string              `json:"memo,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Quote          string              `json:"quote,omitempty"`
	PaymentRequest string              `json:"payment_request,omitempty"`
	// ChangeOutputs are the counter indexes of the blank outputs of a melt
	// whose change has not been claimed yet.
	ChangeOutputs  *CounterRange       `json:"change_outputs,omitempty"`
	History        []TransactionRecord `json:"history"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type CounterRange struct {
	KeysetId string `json:"keyset_id"`
	From     uint32 `json:"from"`
	To       uint32 `json:"to"`
}

// TransactionRecord is an entry in the append-only history of a transaction.
type TransactionRecord struct {
	Status  TransactionStatus `json:"status"`
	Time    time.Time         `json:"time"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type CounterIncrement struct {
	MintURL  string
	KeysetId string
	Unit     string
	Delta    uint32
}

// Batch is a set of changes committed in one database transaction.
// Changes are applied in field order: proofs are deleted before new ones
// are saved and full counters are written before increments.
type Batch struct {
	DeleteProofs []string
	// SaveProofs upserts by secret
	SaveProofs          []Proof
	Counters            []ProofsCounter
	CounterIncrements   []CounterIncrement
	Transactions        []Transaction
	AddPendingByMint    []string
	RemovePendingByMint []string
}

func (b Batch) IsEmpty() bool {
	return len(b.DeleteProofs) == 0 && len(b.SaveProofs) == 0 &&
		len(b.Counters) == 0 && len(b.CounterIncrements) == 0 &&
		len(b.Transactions) == 0 && len(b.AddPendingByMint) == 0 &&
		len(b.RemovePendingByMint) == 0
}
