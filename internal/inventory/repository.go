package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/lotledger/internal/platform/db"
)

// Repository persists lots and the transaction log in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the row-locked operations available inside WithTx.
// Quantities can only be written through this port.
type TxRepository interface {
	GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error)
	FirstLotForUpdate(ctx context.Context, itemCode string) (Lot, error)
	ListCandidatesForUpdate(ctx context.Context, itemCode string) ([]Lot, error)
	InsertLot(ctx context.Context, lot Lot) error
	UpdateLot(ctx context.Context, lot Lot) error
	ItemOnHand(ctx context.Context, itemCode string) (int64, error)
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	LotIDStatus(ctx context.Context, lotID int64) (LotIDStatus, error)
	DeleteLotCascade(ctx context.Context, lot Lot, correctedAt time.Time) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

const lotColumns = `lot_id, item_code, manufacturer_part_number, date_code, moisture_sensitivity_level,
on_hand_quantity, consumed_quantity, receipt_location, consumption_location, purchase_order_ref,
cost, received_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLot(row rowScanner) (Lot, error) {
	var lot Lot
	err := row.Scan(&lot.LotID, &lot.ItemCode, &lot.ManufacturerPartNumber, &lot.DateCode, &lot.MoistureSensitivityLevel,
		&lot.OnHand, &lot.Consumed, &lot.ReceiptLocation, &lot.ConsumptionLocation, &lot.PurchaseOrderRef,
		&lot.Cost, &lot.ReceivedAt, &lot.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lot{}, errLotMissing
	}
	return lot, err
}

func scanLots(rows pgx.Rows) ([]Lot, error) {
	defer rows.Close()
	lots := []Lot{}
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// WithTx executes the callback inside a read-committed transaction. Rows read
// with the *ForUpdate methods stay locked until commit or rollback, which is
// what makes the pick sufficiency check and its decrements one atomic unit.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetLot loads a lot without locking it.
func (r *Repository) GetLot(ctx context.Context, lotID int64) (Lot, error) {
	return scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM inventory_lots WHERE lot_id=$1`, lotID))
}

// SearchItems aggregates lots per item and receipt location.
func (r *Repository) SearchItems(ctx context.Context, filter SearchFilter) ([]ItemRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT item_code, receipt_location, SUM(on_hand_quantity), SUM(consumed_quantity), COUNT(*)
FROM inventory_lots
WHERE ($1 = '' OR item_code = $1) AND ($2 = '' OR receipt_location = $2)
GROUP BY item_code, receipt_location
ORDER BY item_code, receipt_location`, filter.ItemCode, filter.Location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ItemRow{}
	for rows.Next() {
		var row ItemRow
		if err := rows.Scan(&row.ItemCode, &row.Location, &row.OnHand, &row.Consumed, &row.Lots); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ItemAggregate sums every lot of itemCode.
func (r *Repository) ItemAggregate(ctx context.Context, itemCode string) (ItemAggregate, error) {
	agg := ItemAggregate{ItemCode: itemCode}
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(on_hand_quantity),0), COALESCE(SUM(consumed_quantity),0), COUNT(*),
COUNT(*) FILTER (WHERE on_hand_quantity > 0)
FROM inventory_lots WHERE item_code=$1`, itemCode).Scan(&agg.OnHand, &agg.Consumed, &agg.Lots, &agg.ActiveLots)
	return agg, err
}

// LocationBreakdown reports on-hand totals per receipt location.
func (r *Repository) LocationBreakdown(ctx context.Context) ([]LocationRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT receipt_location, COUNT(DISTINCT item_code), SUM(on_hand_quantity)
FROM inventory_lots
WHERE on_hand_quantity > 0
GROUP BY receipt_location
ORDER BY receipt_location`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []LocationRow{}
	for rows.Next() {
		var row LocationRow
		if err := rows.Scan(&row.Location, &row.Items, &row.OnHand); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Summary computes ledger-wide statistics.
func (r *Repository) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT item_code), COUNT(*), COUNT(*) FILTER (WHERE on_hand_quantity > 0),
COALESCE(SUM(on_hand_quantity),0), COALESCE(SUM(consumed_quantity),0),
COALESCE(SUM(on_hand_quantity * cost),0)
FROM inventory_lots`).Scan(&s.Items, &s.Lots, &s.ActiveLots, &s.OnHand, &s.Consumed, &s.StockValue)
	return s, err
}

// History lists up to filter.Limit transactions newest first.
func (r *Repository) History(ctx context.Context, filter HistoryFilter) ([]Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ItemCode != "" {
		where = append(where, "t.item_code = "+arg(filter.ItemCode))
	}
	if filter.LotID != 0 {
		p := arg(filter.LotID)
		where = append(where, fmt.Sprintf("(t.lot_id = %s OR EXISTS (SELECT 1 FROM inventory_tx_lines l WHERE l.tx_id = t.id AND l.lot_id = %s))", p, p))
	}
	if filter.Type != "" {
		where = append(where, "t.tx_type = "+arg(string(filter.Type)))
	}
	if !filter.From.IsZero() {
		where = append(where, "t.created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "t.created_at <= "+arg(filter.To))
	}
	if filter.BeforeID > 0 {
		where = append(where, "t.id < "+arg(filter.BeforeID))
	}
	query := `SELECT t.id, t.tx_type, t.item_code, t.lot_id, t.quantity_delta, t.from_location, t.to_location, t.actor, t.note, t.created_at, t.corrected_at
FROM inventory_tx t`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY t.id DESC\nLIMIT " + arg(filter.Limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	txs := []Transaction{}
	index := map[int64]int{}
	ids := []int64{}
	for rows.Next() {
		var tx Transaction
		var txType string
		if err := rows.Scan(&tx.ID, &txType, &tx.ItemCode, &tx.LotID, &tx.QuantityDelta, &tx.FromLocation, &tx.ToLocation, &tx.Actor, &tx.Note, &tx.CreatedAt, &tx.CorrectedAt); err != nil {
			rows.Close()
			return nil, err
		}
		tx.Type = TransactionType(txType)
		index[tx.ID] = len(txs)
		ids = append(ids, tx.ID)
		txs = append(txs, tx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return txs, nil
	}

	lines, err := r.pool.Query(ctx, `SELECT tx_id, lot_id, quantity FROM inventory_tx_lines WHERE tx_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer lines.Close()
	for lines.Next() {
		var txID int64
		var a Allocation
		if err := lines.Scan(&txID, &a.LotID, &a.Quantity); err != nil {
			return nil, err
		}
		if i, ok := index[txID]; ok {
			txs[i].Lines = append(txs[i].Lines, a)
		}
	}
	return txs, lines.Err()
}

// IntegrityReport counts ledger rows that violate invariants.
type IntegrityReport struct {
	NegativeLots      int64
	UnbalancedPicks   int64
	LotsAboveSequence int64
	CheckedAt         time.Time
}

// CheckIntegrity scans for invariant violations. The schema prevents most of
// them; a non-zero count points at manual edits or a broken migration. PICK
// headers corrected by DeleteLot are not counted as unbalanced.
func (r *Repository) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{CheckedAt: time.Now().UTC()}
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_lots WHERE on_hand_quantity < 0 OR consumed_quantity < 0`).Scan(&report.NegativeLots)
	if err != nil {
		return report, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_tx t
WHERE t.tx_type = 'PICK'
  AND t.corrected_at IS NULL
  AND EXISTS (SELECT 1 FROM inventory_tx_lines l WHERE l.tx_id = t.id)
  AND t.quantity_delta <> (SELECT SUM(l.quantity) FROM inventory_tx_lines l WHERE l.tx_id = t.id)`).Scan(&report.UnbalancedPicks)
	if err != nil {
		return report, err
	}
	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM inventory_lots
WHERE lot_id > (SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM inventory_lot_id_seq)`).Scan(&report.LotsAboveSequence)
	return report, err
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	return scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM inventory_lots WHERE lot_id=$1 FOR UPDATE`, lotID))
}

func (r *txRepository) FirstLotForUpdate(ctx context.Context, itemCode string) (Lot, error) {
	return scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM inventory_lots WHERE item_code=$1
ORDER BY received_at ASC, lot_id ASC LIMIT 1 FOR UPDATE`, itemCode))
}

func (r *txRepository) ListCandidatesForUpdate(ctx context.Context, itemCode string) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM inventory_lots
WHERE item_code=$1 AND on_hand_quantity > 0
ORDER BY received_at ASC, lot_id ASC
FOR UPDATE`, itemCode)
	if err != nil {
		return nil, err
	}
	lots, err := scanLots(rows)
	if err != nil {
		return nil, err
	}
	// Rows re-checked after waiting on a lock keep their position but may
	// have dropped to zero.
	active := lots[:0]
	for _, lot := range lots {
		if lot.OnHand > 0 {
			active = append(active, lot)
		}
	}
	return active, nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_lots (lot_id, item_code, manufacturer_part_number, date_code, moisture_sensitivity_level,
on_hand_quantity, consumed_quantity, receipt_location, consumption_location, purchase_order_ref, cost, received_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		lot.LotID, lot.ItemCode, lot.ManufacturerPartNumber, lot.DateCode, lot.MoistureSensitivityLevel,
		lot.OnHand, lot.Consumed, lot.ReceiptLocation, lot.ConsumptionLocation, lot.PurchaseOrderRef, lot.Cost, lot.ReceivedAt, lot.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrConcurrencyConflict
	}
	return err
}

func (r *txRepository) UpdateLot(ctx context.Context, lot Lot) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_lots SET item_code=$2, manufacturer_part_number=$3, date_code=$4, moisture_sensitivity_level=$5,
on_hand_quantity=$6, consumed_quantity=$7, receipt_location=$8, consumption_location=$9, purchase_order_ref=$10, cost=$11, updated_at=$12
WHERE lot_id=$1`,
		lot.LotID, lot.ItemCode, lot.ManufacturerPartNumber, lot.DateCode, lot.MoistureSensitivityLevel,
		lot.OnHand, lot.Consumed, lot.ReceiptLocation, lot.ConsumptionLocation, lot.PurchaseOrderRef, lot.Cost, lot.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errLotMissing
	}
	return nil
}

func (r *txRepository) ItemOnHand(ctx context.Context, itemCode string) (int64, error) {
	var total int64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(on_hand_quantity),0) FROM inventory_lots WHERE item_code=$1`, itemCode).Scan(&total)
	return total, err
}

func (r *txRepository) InsertTransaction(ctx context.Context, tx Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_tx (tx_type, item_code, lot_id, quantity_delta, from_location, to_location, actor, note, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		string(tx.Type), tx.ItemCode, tx.LotID, tx.QuantityDelta, tx.FromLocation, tx.ToLocation, tx.Actor, tx.Note, tx.CreatedAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, line := range tx.Lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_tx_lines (tx_id, lot_id, quantity) VALUES ($1,$2,$3)`, id, line.LotID, line.Quantity); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *txRepository) LotIDStatus(ctx context.Context, lotID int64) (LotIDStatus, error) {
	var status LotIDStatus
	err := r.tx.QueryRow(ctx, `SELECT
  EXISTS (SELECT 1 FROM inventory_retired_lots WHERE lot_id=$1),
  COALESCE((SELECT item_code FROM inventory_tx WHERE tx_type='GENERATE' AND lot_id=$1 ORDER BY id DESC LIMIT 1), '')`,
		lotID).Scan(&status.Retired, &status.ReservedFor)
	return status, err
}

// DeleteLotCascade removes lot, the transactions naming it and its lines, and
// retires its id. Headers of other transactions that lose a line are marked
// corrected.
func (r *txRepository) DeleteLotCascade(ctx context.Context, lot Lot, correctedAt time.Time) (int64, error) {
	if _, err := r.tx.Exec(ctx, `UPDATE inventory_tx SET corrected_at=$2
WHERE lot_id IS DISTINCT FROM $1
  AND id IN (SELECT tx_id FROM inventory_tx_lines WHERE lot_id=$1)`, lot.LotID, correctedAt); err != nil {
		return 0, err
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM inventory_tx_lines WHERE lot_id=$1`, lot.LotID); err != nil {
		return 0, err
	}
	tag, err := r.tx.Exec(ctx, `DELETE FROM inventory_tx WHERE lot_id=$1`, lot.LotID)
	if err != nil {
		return 0, err
	}
	deleted := tag.RowsAffected()
	lotTag, err := r.tx.Exec(ctx, `DELETE FROM inventory_lots WHERE lot_id=$1`, lot.LotID)
	if err != nil {
		return 0, err
	}
	if lotTag.RowsAffected() == 0 {
		return 0, errLotMissing
	}
	if _, err := r.tx.Exec(ctx, `INSERT INTO inventory_retired_lots (lot_id, item_code, retired_at) VALUES ($1,$2,$3)
ON CONFLICT (lot_id) DO NOTHING`, lot.LotID, lot.ItemCode, correctedAt); err != nil {
		return 0, err
	}
	return deleted, nil
}
