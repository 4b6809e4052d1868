package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SequenceGenerator mints lot identifiers. Values are unique, strictly
// increasing and never reused, including after rollbacks and deletions.
type SequenceGenerator interface {
	NextLotID(ctx context.Context) (int64, error)
	LastIssued(ctx context.Context) (int64, error)
}

// PGSequence issues lot ids from a PostgreSQL sequence. nextval is not
// transactional, so a value handed out is never handed out again.
type PGSequence struct {
	pool *pgxpool.Pool
	name string
}

const lotIDSequence = "inventory_lot_id_seq"

// NewPGSequence constructs PGSequence over the lot id sequence.
func NewPGSequence(pool *pgxpool.Pool) *PGSequence {
	return &PGSequence{pool: pool, name: lotIDSequence}
}

// NextLotID advances the sequence.
func (s *PGSequence) NextLotID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval($1::regclass)`, s.name).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: next lot id: %w", ErrStoreUnavailable, err)
	}
	return id, nil
}

// LastIssued returns the highest value handed out so far, or 0.
func (s *PGSequence) LastIssued(ctx context.Context) (int64, error) {
	var last int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM %s`, s.name)).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("%w: read lot sequence: %w", ErrStoreUnavailable, err)
	}
	return last, nil
}
