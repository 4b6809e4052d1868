package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit_logs through pgx.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Window returns up to limit rows starting at offset, newest first.
func (r *PGRepository) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	query, args := timelineQuery(filters)
	args = append(args, limit, offset)
	query += fmt.Sprintf("\nLIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.query(ctx, query, args)
}

// All returns every matching row, newest first, capped at limit.
func (r *PGRepository) All(ctx context.Context, filters TimelineFilters, limit int) ([]TimelineRow, error) {
	query, args := timelineQuery(filters)
	args = append(args, limit)
	query += "\nLIMIT $" + strconv.Itoa(len(args))
	return r.query(ctx, query, args)
}

func (r *PGRepository) query(ctx context.Context, query string, args []any) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
		var (
			out  TimelineRow
			meta []byte
		)
		if err := row.Scan(&out.ID, &out.At, &out.Actor, &out.Action, &out.Entity, &out.EntityID, &meta); err != nil {
			return TimelineRow{}, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &out.Meta); err != nil {
				return TimelineRow{}, fmt.Errorf("audit: decode meta of %d: %w", out.ID, err)
			}
		}
		return out, nil
	})
}

func timelineQuery(f TimelineFilters) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Entity != "" {
		add("entity = $%d", f.Entity)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	query := `SELECT id, occurred_at, actor, action, entity, entity_id, meta FROM audit_logs`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY occurred_at DESC, id DESC"
	return query, args
}
