package inventory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// memoryRepo serialises transactions on one mutex, which stands in for the
// row locks the PostgreSQL repository takes. A failed callback discards its
// working copy, so rollbacks behave as in the database.
type memoryRepo struct {
	mu       sync.Mutex
	lots     map[int64]Lot
	txs      []Transaction
	retired  map[int64]string
	nextTx   int64
	failNext []error

	txCalls     atomic.Int64
	searchCalls atomic.Int64
	aggCalls    atomic.Int64
	summaryCall atomic.Int64
}

type memoryTx struct {
	lots    map[int64]Lot
	txs     []Transaction
	retired map[int64]string
	nextTx  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{lots: make(map[int64]Lot), retired: make(map[int64]string)}
}

func (r *memoryRepo) failWith(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = append(r.failNext, errs...)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCalls.Add(1)
	if len(r.failNext) > 0 {
		err := r.failNext[0]
		r.failNext = r.failNext[1:]
		return err
	}
	tx := &memoryTx{lots: maps.Clone(r.lots), txs: slices.Clone(r.txs), retired: maps.Clone(r.retired), nextTx: r.nextTx}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.lots = tx.lots
	r.txs = tx.txs
	r.retired = tx.retired
	r.nextTx = tx.nextTx
	return nil
}

// CheckIntegrity mirrors the PostgreSQL scan for the negative and unbalanced
// checks.
func (r *memoryRepo) CheckIntegrity(context.Context) (IntegrityReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var report IntegrityReport
	for _, lot := range r.lots {
		if lot.OnHand < 0 || lot.Consumed < 0 {
			report.NegativeLots++
		}
	}
	for _, tx := range r.txs {
		if tx.Type != TransactionTypePick || tx.CorrectedAt != nil || len(tx.Lines) == 0 {
			continue
		}
		var sum int64
		for _, line := range tx.Lines {
			sum += line.Quantity
		}
		if sum != tx.QuantityDelta {
			report.UnbalancedPicks++
		}
	}
	return report, nil
}

func (r *memoryRepo) lot(id int64) (Lot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lot, ok := r.lots[id]
	return lot, ok
}

func (r *memoryRepo) transactions() []Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.txs)
}

func (r *memoryRepo) GetLot(_ context.Context, lotID int64) (Lot, error) {
	if lot, ok := r.lot(lotID); ok {
		return lot, nil
	}
	return Lot{}, errLotMissing
}

func (r *memoryRepo) SearchItems(_ context.Context, filter SearchFilter) ([]ItemRow, error) {
	r.searchCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	type groupKey struct{ item, loc string }
	groups := map[groupKey]*ItemRow{}
	for _, lot := range r.lots {
		if filter.ItemCode != "" && lot.ItemCode != filter.ItemCode {
			continue
		}
		if filter.Location != "" && lot.ReceiptLocation != filter.Location {
			continue
		}
		k := groupKey{lot.ItemCode, lot.ReceiptLocation}
		row, ok := groups[k]
		if !ok {
			row = &ItemRow{ItemCode: lot.ItemCode, Location: lot.ReceiptLocation}
			groups[k] = row
		}
		row.OnHand += lot.OnHand
		row.Consumed += lot.Consumed
		row.Lots++
	}
	out := make([]ItemRow, 0, len(groups))
	for _, row := range groups {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemCode != out[j].ItemCode {
			return out[i].ItemCode < out[j].ItemCode
		}
		return out[i].Location < out[j].Location
	})
	return out, nil
}

func (r *memoryRepo) ItemAggregate(_ context.Context, itemCode string) (ItemAggregate, error) {
	r.aggCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	agg := ItemAggregate{ItemCode: itemCode}
	for _, lot := range r.lots {
		if lot.ItemCode != itemCode {
			continue
		}
		agg.OnHand += lot.OnHand
		agg.Consumed += lot.Consumed
		agg.Lots++
		if lot.OnHand > 0 {
			agg.ActiveLots++
		}
	}
	return agg, nil
}

func (r *memoryRepo) LocationBreakdown(_ context.Context) ([]LocationRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := map[string]map[string]struct{}{}
	onHand := map[string]int64{}
	for _, lot := range r.lots {
		if lot.OnHand <= 0 {
			continue
		}
		if items[lot.ReceiptLocation] == nil {
			items[lot.ReceiptLocation] = map[string]struct{}{}
		}
		items[lot.ReceiptLocation][lot.ItemCode] = struct{}{}
		onHand[lot.ReceiptLocation] += lot.OnHand
	}
	out := make([]LocationRow, 0, len(onHand))
	for loc, qty := range onHand {
		out = append(out, LocationRow{Location: loc, Items: int64(len(items[loc])), OnHand: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

func (r *memoryRepo) Summary(_ context.Context) (Summary, error) {
	r.summaryCall.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Summary
	items := map[string]struct{}{}
	for _, lot := range r.lots {
		items[lot.ItemCode] = struct{}{}
		s.Lots++
		if lot.OnHand > 0 {
			s.ActiveLots++
		}
		s.OnHand += lot.OnHand
		s.Consumed += lot.Consumed
		if lot.Cost.Valid {
			s.StockValue = s.StockValue.Add(lot.Cost.Decimal.Mul(decimal.NewFromInt(lot.OnHand)))
		}
	}
	s.Items = int64(len(items))
	return s, nil
}

func (r *memoryRepo) History(_ context.Context, filter HistoryFilter) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Transaction{}
	for i := len(r.txs) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		tx := r.txs[i]
		if filter.ItemCode != "" && tx.ItemCode != filter.ItemCode {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.BeforeID > 0 && tx.ID >= filter.BeforeID {
			continue
		}
		if filter.LotID != 0 && !touchesLot(tx, filter.LotID) {
			continue
		}
		if !filter.From.IsZero() && tx.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && tx.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func touchesLot(tx Transaction, lotID int64) bool {
	if tx.LotID != nil && *tx.LotID == lotID {
		return true
	}
	for _, line := range tx.Lines {
		if line.LotID == lotID {
			return true
		}
	}
	return false
}

func (tx *memoryTx) GetLotForUpdate(_ context.Context, lotID int64) (Lot, error) {
	if lot, ok := tx.lots[lotID]; ok {
		return lot, nil
	}
	return Lot{}, errLotMissing
}

func (tx *memoryTx) FirstLotForUpdate(_ context.Context, itemCode string) (Lot, error) {
	var lots []Lot
	for _, lot := range tx.lots {
		if lot.ItemCode == itemCode {
			lots = append(lots, lot)
		}
	}
	if len(lots) == 0 {
		return Lot{}, errLotMissing
	}
	sortFIFO(lots)
	return lots[0], nil
}

// ListCandidatesForUpdate returns map order on purpose; the service sorts.
func (tx *memoryTx) ListCandidatesForUpdate(_ context.Context, itemCode string) ([]Lot, error) {
	var lots []Lot
	for _, lot := range tx.lots {
		if lot.ItemCode == itemCode && lot.OnHand > 0 {
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

func (tx *memoryTx) InsertLot(_ context.Context, lot Lot) error {
	if _, ok := tx.lots[lot.LotID]; ok {
		return ErrConcurrencyConflict
	}
	tx.lots[lot.LotID] = lot
	return nil
}

func (tx *memoryTx) UpdateLot(_ context.Context, lot Lot) error {
	if _, ok := tx.lots[lot.LotID]; !ok {
		return errLotMissing
	}
	if lot.OnHand < 0 || lot.Consumed < 0 {
		return errors.New("check constraint violated")
	}
	tx.lots[lot.LotID] = lot
	return nil
}

func (tx *memoryTx) ItemOnHand(_ context.Context, itemCode string) (int64, error) {
	var total int64
	for _, lot := range tx.lots {
		if lot.ItemCode == itemCode {
			total += lot.OnHand
		}
	}
	return total, nil
}

func (tx *memoryTx) InsertTransaction(_ context.Context, t Transaction) (int64, error) {
	tx.nextTx++
	t.ID = tx.nextTx
	t.Lines = slices.Clone(t.Lines)
	tx.txs = append(tx.txs, t)
	return t.ID, nil
}

func (tx *memoryTx) LotIDStatus(_ context.Context, lotID int64) (LotIDStatus, error) {
	var status LotIDStatus
	_, status.Retired = tx.retired[lotID]
	for i := len(tx.txs) - 1; i >= 0; i-- {
		t := tx.txs[i]
		if t.Type == TransactionTypeGenerate && t.LotID != nil && *t.LotID == lotID {
			status.ReservedFor = t.ItemCode
			break
		}
	}
	return status, nil
}

func (tx *memoryTx) DeleteLotCascade(_ context.Context, lot Lot, correctedAt time.Time) (int64, error) {
	if _, ok := tx.lots[lot.LotID]; !ok {
		return 0, errLotMissing
	}
	var deleted int64
	kept := tx.txs[:0:0]
	for _, t := range tx.txs {
		if t.LotID != nil && *t.LotID == lot.LotID {
			deleted++
			continue
		}
		lines := slices.DeleteFunc(slices.Clone(t.Lines), func(a Allocation) bool { return a.LotID == lot.LotID })
		if len(lines) != len(t.Lines) {
			at := correctedAt
			t.CorrectedAt = &at
		}
		t.Lines = lines
		kept = append(kept, t)
	}
	tx.txs = kept
	delete(tx.lots, lot.LotID)
	tx.retired[lot.LotID] = lot.ItemCode
	return deleted, nil
}

type memorySequence struct {
	mu   sync.Mutex
	last int64
	err  error
}

func (s *memorySequence) NextLotID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.last++
	return s.last, nil
}

func (s *memorySequence) LastIssued(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.err
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: map[string]string{}}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type outcomeRecorder struct {
	mu   sync.Mutex
	seen map[string]int
}

func (r *outcomeRecorder) RecordLedgerOp(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]int{}
	}
	r.seen[op+"/"+outcome]++
}

func (r *outcomeRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[key]
}

// stepClock advances one second per reading so receipts get distinct times.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}
