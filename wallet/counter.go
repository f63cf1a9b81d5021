package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/elnosh/nutvault/wallet/storage"
)

// Reservation is a range [From, To) of counter values of a keyset
// taken for deriving the outputs of one mint call.
type Reservation struct {
	MintURL       string
	KeysetId      string
	Unit          string
	From          uint32
	To            uint32
	TransactionId int64
}

func (r Reservation) Count() int {
	return int(r.To - r.From)
}

// CounterAuthority owns the NUT-13 counters of the wallet. Counters only
// move forward. A reserved range is marked in flight until the call that
// uses it finished or was recovered.
type CounterAuthority struct {
	mu      sync.Mutex
	db      storage.DB
	keysets *KeysetRegistry
	logger  *slog.Logger

	counters map[string]storage.ProofsCounter
}

func counterMapKey(mintURL, keysetId string) string {
	return mintURL + "|" + keysetId
}

func newCounterAuthority(db storage.DB, keysets *KeysetRegistry, logger *slog.Logger) (*CounterAuthority, error) {
	authority := &CounterAuthority{
		db:       db,
		keysets:  keysets,
		logger:   logger,
		counters: make(map[string]storage.ProofsCounter),
	}

	counters, err := db.GetCounters()
	if err != nil {
		return nil, storageError(err)
	}
	for _, counter := range counters {
		authority.counters[counterMapKey(counter.MintURL, counter.KeysetId)] = counter
	}
	return authority, nil
}

// LockAndReserve takes count counter values of the active keyset for the
// unit and records them in flight for the transaction. It fails with
// ErrInFlight if the counter still has a range that was not recovered.
func (ca *CounterAuthority) LockAndReserve(ctx context.Context, mintURL, unit string,
	count int, transactionId int64) (Reservation, error) {

	keyset, err := ca.keysets.GetActiveKeyset(ctx, mintURL, unit)
	if err != nil {
		return Reservation{}, err
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	key := counterMapKey(mintURL, keyset.Id)
	counter, ok := ca.counters[key]
	if !ok {
		counter = storage.ProofsCounter{MintURL: mintURL, KeysetId: keyset.Id, Unit: keyset.Unit}
	}
	if counter.HasInFlight() {
		return Reservation{}, fmt.Errorf("%w: keyset '%v' at mint '%v'", ErrInFlight, keyset.Id, mintURL)
	}

	reservation := Reservation{
		MintURL:       mintURL,
		KeysetId:      keyset.Id,
		Unit:          keyset.Unit,
		From:          counter.Counter,
		To:            counter.Counter,
		TransactionId: transactionId,
	}
	if count <= 0 {
		return reservation, nil
	}
	if uint64(counter.Counter)+uint64(count) > math.MaxInt32 {
		return Reservation{}, fmt.Errorf("%w: counter for keyset '%v' would overflow", ErrValidation, keyset.Id)
	}

	reservation.To = counter.Counter + uint32(count)
	from, to, id := reservation.From, reservation.To, transactionId
	counter.Counter = to
	counter.InFlightFrom = &from
	counter.InFlightTo = &to
	counter.InFlightTransactionId = &id

	if err := ca.db.ApplyBatch(storage.Batch{Counters: []storage.ProofsCounter{counter}}); err != nil {
		return Reservation{}, storageError(err)
	}
	ca.counters[key] = counter

	ca.logger.Debug("reserved counter range", slog.String("mint", mintURL), slog.String("keyset", keyset.Id),
		slog.Any("from", from), slog.Any("to", to), slog.Int64("transaction", transactionId))

	return reservation, nil
}

// Release clears the in flight markers of the transaction. The counter
// is never moved back.
func (ca *CounterAuthority) Release(transactionId int64) error {
	var batch storage.Batch
	ca.stageRelease(&batch, transactionId)
	if batch.IsEmpty() {
		return nil
	}
	if err := ca.db.ApplyBatch(batch); err != nil {
		return storageError(err)
	}
	ca.mirror(batch)
	return nil
}

func (ca *CounterAuthority) stageRelease(batch *storage.Batch, transactionId int64) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	for _, counter := range ca.sortedLocked() {
		if counter.InFlightTransactionId == nil || *counter.InFlightTransactionId != transactionId {
			continue
		}
		counter.InFlightFrom = nil
		counter.InFlightTo = nil
		counter.InFlightTransactionId = nil
		batch.Counters = append(batch.Counters, counter)
	}
}

// FindInFlight returns the counters of the mint with an in flight range.
func (ca *CounterAuthority) FindInFlight(mintURL string) []storage.ProofsCounter {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	inFlight := []storage.ProofsCounter{}
	for _, counter := range ca.sortedLocked() {
		if counter.MintURL == mintURL && counter.HasInFlight() {
			inFlight = append(inFlight, counter)
		}
	}
	return inFlight
}

// Counter returns the next unused counter value of the keyset.
func (ca *CounterAuthority) Counter(mintURL, keysetId string) uint32 {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.counters[counterMapKey(mintURL, keysetId)].Counter
}

// EnsureAtLeast moves the counter of the keyset to value if it is behind.
func (ca *CounterAuthority) EnsureAtLeast(mintURL, keysetId, unit string, value uint32) error {
	ca.mu.Lock()
	key := counterMapKey(mintURL, keysetId)
	counter, ok := ca.counters[key]
	if !ok {
		counter = storage.ProofsCounter{MintURL: mintURL, KeysetId: keysetId, Unit: unit}
	}
	ca.mu.Unlock()

	if ok && counter.Counter >= value {
		return nil
	}
	counter.Counter = value
	batch := storage.Batch{Counters: []storage.ProofsCounter{counter}}
	if err := ca.db.ApplyBatch(batch); err != nil {
		return storageError(err)
	}
	ca.mirror(batch)
	return nil
}

// mirror applies the counter changes of a committed batch to memory.
func (ca *CounterAuthority) mirror(batch storage.Batch) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	for _, counter := range batch.Counters {
		ca.counters[counterMapKey(counter.MintURL, counter.KeysetId)] = counter
	}
	for _, increment := range batch.CounterIncrements {
		key := counterMapKey(increment.MintURL, increment.KeysetId)
		counter, ok := ca.counters[key]
		if !ok {
			counter = storage.ProofsCounter{
				MintURL:  increment.MintURL,
				KeysetId: increment.KeysetId,
				Unit:     increment.Unit,
			}
		}
		counter.Counter += increment.Delta
		ca.counters[key] = counter
	}
}

func (ca *CounterAuthority) sortedLocked() []storage.ProofsCounter {
	counters := make([]storage.ProofsCounter, 0, len(ca.counters))
	for _, counter := range ca.counters {
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool {
		if counters[i].MintURL != counters[j].MintURL {
			return counters[i].MintURL < counters[j].MintURL
		}
		return counters[i].KeysetId < counters[j].KeysetId
	})
	return counters
}
