package inventory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/platform/db"
)

// Runs against a real PostgreSQL when LOTLEDGER_TEST_PG_DSN is set.
func newPostgresService(t *testing.T) (*Service, *Repository) {
	t.Helper()
	dsn := os.Getenv("LOTLEDGER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("LOTLEDGER_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.New(ctx, dsn, 16)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, slog.Default()))

	repo := NewRepository(pool)
	svc := NewService(repo, NewPGSequence(pool), ServiceConfig{MaxRetries: 5})
	return svc, repo
}

func TestPostgresFIFOPick(t *testing.T) {
	svc, _ := newPostgresService(t)
	ctx := context.Background()
	item := "IT-" + uuid.NewString()
	t0 := time.Now().UTC().Add(-time.Hour)

	a, err := svc.StockIn(ctx, StockInInput{ItemCode: item, Quantity: 5, Location: "A-01", ReceivedAt: t0})
	require.NoError(t, err)
	b, err := svc.StockIn(ctx, StockInInput{ItemCode: item, Quantity: 5, Location: "A-02", ReceivedAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	res, err := svc.Pick(ctx, PickInput{ItemCode: item, Quantity: 7, Actor: "it"})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.NewOnHand)
	require.Equal(t, []Allocation{{LotID: a.LotID, Quantity: 5}, {LotID: b.LotID, Quantity: 2}}, res.Allocations)

	history, err := svc.History(ctx, HistoryFilter{ItemCode: item, Type: TransactionTypePick})
	require.NoError(t, err)
	require.Len(t, history.Transactions, 1)
	require.Nil(t, history.Transactions[0].LotID)
	require.Len(t, history.Transactions[0].Lines, 2)

	byLot, err := svc.History(ctx, HistoryFilter{LotID: a.LotID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byLot.Transactions, 1)
	next, err := svc.History(ctx, HistoryFilter{LotID: a.LotID, Limit: 1, BeforeID: byLot.NextBeforeID})
	require.NoError(t, err)
	require.Len(t, next.Transactions, 1)
	require.Equal(t, TransactionTypeStockIn, next.Transactions[0].Type)
	require.Zero(t, next.NextBeforeID)

	_, err = svc.Pick(ctx, PickInput{ItemCode: item, Quantity: 4})
	var ie *InsufficientQuantityError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, int64(3), ie.Available)

	_, err = svc.StockIn(ctx, StockInInput{ItemCode: item, LotID: b.LotID + 1_000_000, Quantity: 1, Location: "A-01"})
	require.True(t, errors.As(err, new(*ValidationError)))
}

func TestPostgresConcurrentPicks(t *testing.T) {
	svc, repo := newPostgresService(t)
	ctx := context.Background()
	item := "IT-" + uuid.NewString()
	for i := 0; i < 3; i++ {
		_, err := svc.StockIn(ctx, StockInInput{ItemCode: item, Quantity: 10, Location: "A-01"})
		require.NoError(t, err)
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, shortage int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Pick(ctx, PickInput{ItemCode: item, Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			var ie *InsufficientQuantityError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &ie):
				shortage++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 30, ok)
	require.Equal(t, 20, shortage)

	agg, err := repo.ItemAggregate(ctx, item)
	require.NoError(t, err)
	require.Zero(t, agg.OnHand)
	require.Equal(t, int64(30), agg.Consumed)

	report, err := repo.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.Zero(t, report.UnbalancedPicks)
}

func TestPostgresDeleteLotKeepsLedgerAuditClean(t *testing.T) {
	svc, repo := newPostgresService(t)
	ctx := context.Background()
	item := "IT-" + uuid.NewString()
	t0 := time.Now().UTC().Add(-time.Hour)

	a, err := svc.StockIn(ctx, StockInInput{ItemCode: item, Quantity: 5, Location: "A-01", ReceivedAt: t0})
	require.NoError(t, err)
	b, err := svc.StockIn(ctx, StockInInput{ItemCode: item, Quantity: 5, Location: "A-01", ReceivedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = svc.Pick(ctx, PickInput{ItemCode: item, Quantity: 7})
	require.NoError(t, err)

	_, err = svc.DeleteLot(ctx, DeleteLotInput{LotID: b.LotID, Reason: "duplicate receipt", Actor: "it"})
	require.NoError(t, err)

	picks, err := svc.History(ctx, HistoryFilter{LotID: a.LotID, Type: TransactionTypePick})
	require.NoError(t, err)
	require.Len(t, picks.Transactions, 1)
	require.NotNil(t, picks.Transactions[0].CorrectedAt)
	require.Equal(t, []Allocation{{LotID: a.LotID, Quantity: 5}}, picks.Transactions[0].Lines)

	report, err := repo.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.Zero(t, report.UnbalancedPicks)

	_, err = svc.StockIn(ctx, StockInInput{ItemCode: item, LotID: b.LotID, Quantity: 1, Location: "A-01"})
	require.True(t, errors.As(err, new(*ValidationError)), "a deleted lot id is not reused")
}
