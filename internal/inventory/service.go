package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/lotledger/internal/platform/db"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, lotID int64) (Lot, error)
	SearchItems(ctx context.Context, filter SearchFilter) ([]ItemRow, error)
	ItemAggregate(ctx context.Context, itemCode string) (ItemAggregate, error)
	LocationBreakdown(ctx context.Context) ([]LocationRow, error)
	Summary(ctx context.Context) (Summary, error)
	History(ctx context.Context, filter HistoryFilter) ([]Transaction, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort claims and releases request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// LockPort serialises administrative corrections across instances.
type LockPort interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Recorder receives one observation per ledger operation.
type Recorder interface {
	RecordLedgerOp(op, outcome string)
}

// DefaultConsumptionLocation marks units that left custody through a pick.
const DefaultConsumptionLocation = "CONSUMED"

// ServiceConfig groups tunables.
type ServiceConfig struct {
	ConsumptionLocation string
	MaxRetries          int
	RetryBackoff        time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if strings.TrimSpace(c.ConsumptionLocation) == "" {
		c.ConsumptionLocation = DefaultConsumptionLocation
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 20 * time.Millisecond
	}
	return c
}

// Service coordinates inventory operations.
type Service struct {
	repo        RepositoryPort
	seq         SequenceGenerator
	cfg         ServiceConfig
	audit       AuditPort
	idempotency IdempotencyPort
	cache       *ReadCache
	locker      LockPort
	recorder    Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// Option customises Service.
type Option func(*Service)

// WithAudit records administrative corrections.
func WithAudit(a AuditPort) Option { return func(s *Service) { s.audit = a } }

// WithIdempotency enables Idempotency-Key handling on mutations.
func WithIdempotency(store IdempotencyPort) Option {
	return func(s *Service) { s.idempotency = store }
}

// WithCache fronts the query surface with c.
func WithCache(c *ReadCache) Option { return func(s *Service) { s.cache = c } }

// WithLocker serialises admin corrections through l.
func WithLocker(l LockPort) Option { return func(s *Service) { s.locker = l } }

// WithRecorder reports operation outcomes to r.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService builds Service.
func NewService(repo RepositoryPort, seq SequenceGenerator, cfg ServiceConfig, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		seq:    seq,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// StockIn receives quantity into a new lot, or merges it into an existing lot
// when a matching lot id is supplied.
func (s *Service) StockIn(ctx context.Context, input StockInInput) (result StockInResult, err error) {
	defer func() { s.record("stock_in", err) }()

	input.ItemCode = strings.TrimSpace(input.ItemCode)
	input.Location = strings.TrimSpace(input.Location)
	if err := validateStruct(input); err != nil {
		return StockInResult{}, err
	}
	if input.Metadata.Cost.Valid && input.Metadata.Cost.Decimal.IsNegative() {
		return StockInResult{}, validationf("cost", "must not be negative")
	}

	lotID := input.LotID
	minted := false
	if lotID == 0 {
		if lotID, err = s.seq.NextLotID(ctx); err != nil {
			return StockInResult{}, err
		}
		minted = true
	}

	release, err := s.claim(ctx, "stock_in", input.IdempotencyKey)
	if err != nil {
		return StockInResult{}, err
	}

	err = s.runTx(ctx, "stock_in", func(ctx context.Context, tx TxRepository) error {
		now := s.timestamp()
		lot, err := tx.GetLotForUpdate(ctx, lotID)
		merged := false
		switch {
		case err == nil:
			if !sameLabel(lot, input) {
				return validationf("lot_id", "%d belongs to item %s", lotID, lot.ItemCode)
			}
			lot.OnHand += input.Quantity
			mergeMetadata(&lot, input.Metadata)
			lot.ReceiptLocation = input.Location
			lot.UpdatedAt = now
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			merged = true
		case errors.Is(err, errLotMissing):
			if !minted {
				if err := s.checkIssued(ctx, tx, lotID, input.ItemCode); err != nil {
					return err
				}
			}
			receivedAt := now
			if !input.ReceivedAt.IsZero() {
				receivedAt = input.ReceivedAt.UTC().Truncate(time.Microsecond)
			}
			lot = Lot{
				LotID:                    lotID,
				ItemCode:                 input.ItemCode,
				ManufacturerPartNumber:   input.Metadata.ManufacturerPartNumber,
				DateCode:                 input.Metadata.DateCode,
				MoistureSensitivityLevel: input.Metadata.MoistureSensitivityLevel,
				PurchaseOrderRef:         input.Metadata.PurchaseOrderRef,
				Cost:                     input.Metadata.Cost,
				OnHand:                   input.Quantity,
				ReceiptLocation:          input.Location,
				ReceivedAt:               receivedAt,
				UpdatedAt:                now,
			}
			if err := tx.InsertLot(ctx, lot); err != nil {
				return err
			}
		default:
			return err
		}

		id := lot.LotID
		if _, err := tx.InsertTransaction(ctx, Transaction{
			Type:          TransactionTypeStockIn,
			ItemCode:      lot.ItemCode,
			LotID:         &id,
			QuantityDelta: input.Quantity,
			ToLocation:    lot.ReceiptLocation,
			Actor:         input.Actor,
			CreatedAt:     now,
			Lines:         []Allocation{{LotID: id, Quantity: input.Quantity}},
		}); err != nil {
			return err
		}
		itemOnHand, err := tx.ItemOnHand(ctx, lot.ItemCode)
		if err != nil {
			return err
		}
		result = StockInResult{LotID: id, NewOnHand: lot.OnHand, ItemOnHand: itemOnHand, StockedQty: input.Quantity, Merged: merged}
		return nil
	})
	if err != nil {
		release()
		return StockInResult{}, err
	}
	s.cache.Invalidate(ctx, input.ItemCode)
	s.logger.Debug("inventory stock in", slog.String("item_code", input.ItemCode), slog.Int64("lot_id", result.LotID), slog.Int64("qty", input.Quantity), slog.Bool("merged", result.Merged))
	return result, nil
}

// sameLabel reports whether a receipt may merge into lot. A part number on
// either side that is left empty does not block the merge.
func sameLabel(lot Lot, input StockInInput) bool {
	if lot.ItemCode != input.ItemCode {
		return false
	}
	mpn := input.Metadata.ManufacturerPartNumber
	return mpn == "" || lot.ManufacturerPartNumber == "" || lot.ManufacturerPartNumber == mpn
}

func mergeMetadata(lot *Lot, meta Metadata) {
	if meta.ManufacturerPartNumber != "" {
		lot.ManufacturerPartNumber = meta.ManufacturerPartNumber
	}
	if meta.DateCode != "" {
		lot.DateCode = meta.DateCode
	}
	if meta.MoistureSensitivityLevel != "" {
		lot.MoistureSensitivityLevel = meta.MoistureSensitivityLevel
	}
	if meta.PurchaseOrderRef != "" {
		lot.PurchaseOrderRef = meta.PurchaseOrderRef
	}
	if meta.Cost.Valid {
		lot.Cost = meta.Cost
	}
}

// checkIssued accepts a caller-supplied id for a new lot only when the
// generator issued it, no deleted lot held it, and any reservation names the
// same item.
func (s *Service) checkIssued(ctx context.Context, tx TxRepository, lotID int64, itemCode string) error {
	last, err := s.seq.LastIssued(ctx)
	if err != nil {
		return err
	}
	if lotID > last {
		return validationf("lot_id", "%d was not issued by the lot id generator", lotID)
	}
	status, err := tx.LotIDStatus(ctx, lotID)
	if err != nil {
		return err
	}
	if status.Retired {
		return validationf("lot_id", "%d belonged to a deleted lot", lotID)
	}
	if status.ReservedFor != "" && status.ReservedFor != itemCode {
		return validationf("lot_id", "%d is reserved for item %s", lotID, status.ReservedFor)
	}
	return nil
}

// Pick allocates quantity of an item for consumption, oldest lots first, or
// from a single lot when one is named. Either the full quantity is allocated
// or nothing changes.
func (s *Service) Pick(ctx context.Context, input PickInput) (result PickResult, err error) {
	defer func() { s.record("pick", err) }()

	input.ItemCode = strings.TrimSpace(input.ItemCode)
	if err := validateStruct(input); err != nil {
		return PickResult{}, err
	}

	release, err := s.claim(ctx, "pick", input.IdempotencyKey)
	if err != nil {
		return PickResult{}, err
	}

	err = s.runTx(ctx, "pick", func(ctx context.Context, tx TxRepository) error {
		candidates, err := s.pickCandidates(ctx, tx, input)
		if err != nil {
			return err
		}
		plan, err := planAllocation(input.ItemCode, input.LotID, candidates, input.Quantity)
		if err != nil {
			return err
		}

		now := s.timestamp()
		touched := applyAllocation(candidates, plan, s.cfg.ConsumptionLocation)
		for _, lot := range touched {
			lot.UpdatedAt = now
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
		}

		header := Transaction{
			Type:          TransactionTypePick,
			ItemCode:      input.ItemCode,
			QuantityDelta: input.Quantity,
			FromLocation:  sourceLocations(touched),
			ToLocation:    s.cfg.ConsumptionLocation,
			Actor:         input.Actor,
			CreatedAt:     now,
			Lines:         plan,
		}
		switch {
		case input.LotID != 0:
			id := input.LotID
			header.LotID = &id
		case len(plan) == 1:
			id := plan[0].LotID
			header.LotID = &id
		}
		if _, err := tx.InsertTransaction(ctx, header); err != nil {
			return err
		}

		onHand, err := tx.ItemOnHand(ctx, input.ItemCode)
		if err != nil {
			return err
		}
		result = PickResult{ItemCode: input.ItemCode, NewOnHand: onHand, PickedQty: input.Quantity, Allocations: plan}
		return nil
	})
	if err != nil {
		release()
		return PickResult{}, err
	}
	s.cache.Invalidate(ctx, input.ItemCode)
	s.logger.Debug("inventory pick", slog.String("item_code", input.ItemCode), slog.Int64("qty", input.Quantity), slog.Int("lots", len(result.Allocations)))
	return result, nil
}

func (s *Service) pickCandidates(ctx context.Context, tx TxRepository, input PickInput) ([]Lot, error) {
	if input.LotID == 0 {
		candidates, err := tx.ListCandidatesForUpdate(ctx, input.ItemCode)
		if err != nil {
			return nil, err
		}
		sortFIFO(candidates)
		return candidates, nil
	}
	lot, err := tx.GetLotForUpdate(ctx, input.LotID)
	if errors.Is(err, errLotMissing) || (err == nil && lot.ItemCode != input.ItemCode) {
		return nil, &LotNotFoundError{LotID: input.LotID, ItemCode: input.ItemCode}
	}
	if err != nil {
		return nil, err
	}
	if lot.OnHand <= 0 {
		return nil, nil
	}
	return []Lot{lot}, nil
}

// Restock returns units to a lot's on-hand. Consumed never drops below zero
// but the restocked quantity is not bounded by what was consumed, so the
// operation doubles as a physical-count correction.
func (s *Service) Restock(ctx context.Context, input RestockInput) (result RestockResult, err error) {
	defer func() { s.record("restock", err) }()

	input.ItemCode = strings.TrimSpace(input.ItemCode)
	input.Location = strings.TrimSpace(input.Location)
	if err := validateStruct(input); err != nil {
		return RestockResult{}, err
	}
	if input.LotID == 0 && input.ItemCode == "" {
		return RestockResult{}, validationf("lot_id", "or item_code is required")
	}

	release, err := s.claim(ctx, "restock", input.IdempotencyKey)
	if err != nil {
		return RestockResult{}, err
	}

	var itemCode string
	err = s.runTx(ctx, "restock", func(ctx context.Context, tx TxRepository) error {
		lot, err := s.restockTarget(ctx, tx, input)
		if err != nil {
			return err
		}
		now := s.timestamp()
		from := lot.ConsumptionLocation
		if from == "" {
			from = s.cfg.ConsumptionLocation
		}
		lot.Consumed = max(0, lot.Consumed-input.Quantity)
		lot.OnHand += input.Quantity
		if input.Location != "" {
			lot.ReceiptLocation = input.Location
		}
		lot.UpdatedAt = now
		if err := tx.UpdateLot(ctx, lot); err != nil {
			return err
		}
		id := lot.LotID
		if _, err := tx.InsertTransaction(ctx, Transaction{
			Type:          TransactionTypeRestock,
			ItemCode:      lot.ItemCode,
			LotID:         &id,
			QuantityDelta: input.Quantity,
			FromLocation:  from,
			ToLocation:    lot.ReceiptLocation,
			Actor:         input.Actor,
			CreatedAt:     now,
			Lines:         []Allocation{{LotID: id, Quantity: input.Quantity}},
		}); err != nil {
			return err
		}
		itemCode = lot.ItemCode
		result = RestockResult{LotID: id, NewConsumedQty: lot.Consumed, NewOnHandQty: lot.OnHand}
		return nil
	})
	if err != nil {
		release()
		return RestockResult{}, err
	}
	s.cache.Invalidate(ctx, itemCode)
	return result, nil
}

func (s *Service) restockTarget(ctx context.Context, tx TxRepository, input RestockInput) (Lot, error) {
	if input.LotID != 0 {
		lot, err := tx.GetLotForUpdate(ctx, input.LotID)
		if errors.Is(err, errLotMissing) || (err == nil && input.ItemCode != "" && lot.ItemCode != input.ItemCode) {
			return Lot{}, &LotNotFoundError{LotID: input.LotID, ItemCode: input.ItemCode}
		}
		return lot, err
	}
	lot, err := tx.FirstLotForUpdate(ctx, input.ItemCode)
	if errors.Is(err, errLotMissing) {
		return Lot{}, &LotNotFoundError{ItemCode: input.ItemCode}
	}
	return lot, err
}

// NextLotID mints a fresh lot identifier.
func (s *Service) NextLotID(ctx context.Context) (id int64, err error) {
	defer func() { s.record("next_lot_id", err) }()
	return s.seq.NextLotID(ctx)
}

// ReserveLotID mints a lot identifier for an item ahead of receipt and logs
// the reservation.
func (s *Service) ReserveLotID(ctx context.Context, input ReserveInput) (id int64, err error) {
	defer func() { s.record("reserve_lot_id", err) }()

	input.ItemCode = strings.TrimSpace(input.ItemCode)
	if err := validateStruct(input); err != nil {
		return 0, err
	}
	if id, err = s.seq.NextLotID(ctx); err != nil {
		return 0, err
	}
	err = s.runTx(ctx, "reserve_lot_id", func(ctx context.Context, tx TxRepository) error {
		lotID := id
		_, err := tx.InsertTransaction(ctx, Transaction{
			Type:      TransactionTypeGenerate,
			ItemCode:  input.ItemCode,
			LotID:     &lotID,
			Actor:     input.Actor,
			CreatedAt: s.timestamp(),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// claim registers an idempotency key. The returned release undoes the claim
// and is safe to call when nothing was claimed.
func (s *Service) claim(ctx context.Context, op, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if s.idempotency == nil || key == "" {
		return func() {}, nil
	}
	scoped := op + ":" + key
	if err := s.idempotency.CheckAndInsert(ctx, scoped, "inventory"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: claim idempotency key: %w", ErrStoreUnavailable, err)
	}
	return func() {
		if err := s.idempotency.Delete(context.WithoutCancel(ctx), scoped); err != nil {
			s.logger.Warn("inventory idempotency release failed", slog.String("key", scoped), slog.Any("error", err))
		}
	}, nil
}

// runTx executes fn in a store transaction, retrying it when a concurrent
// writer aborted it. Infrastructure failures come back as ErrStoreUnavailable.
func (s *Service) runTx(ctx context.Context, op string, fn func(context.Context, TxRepository) error) error {
	for attempt := 0; ; attempt++ {
		err := s.repo.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return storeError(err)
		}
		if attempt >= s.cfg.MaxRetries {
			s.logger.Warn("inventory transaction retries exhausted", slog.String("op", op), slog.Int("attempts", attempt+1), slog.Any("error", err))
			return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, op, err)
		}
		wait := s.cfg.RetryBackoff * time.Duration(1<<attempt)
		s.logger.Debug("inventory transaction conflict, retrying", slog.String("op", op), slog.Int("attempt", attempt+1), slog.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || db.IsRetryable(err)
}

func storeError(err error) error {
	if err == nil || isDomainError(err) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, errLotMissing) {
		return &LotNotFoundError{}
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (s *Service) record(op string, err error) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordLedgerOp(op, outcome(err))
}

// Outcome labels reported to the Recorder.
const (
	OutcomeOK               = "ok"
	OutcomeInvalid          = "invalid"
	OutcomeInsufficient     = "insufficient"
	OutcomeNotFound         = "not_found"
	OutcomeRetriesExhausted = "retries_exhausted"
	OutcomeUnavailable      = "unavailable"
	OutcomeConflict         = "conflict"
)

func outcome(err error) string {
	var (
		ve *ValidationError
		ie *InsufficientQuantityError
		ne *LotNotFoundError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &ve):
		return OutcomeInvalid
	case errors.As(err, &ie):
		return OutcomeInsufficient
	case errors.As(err, &ne):
		return OutcomeNotFound
	case errors.Is(err, ErrRetriesExhausted):
		return OutcomeRetriesExhausted
	case errors.Is(err, ErrStoreUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeConflict
	}
}
