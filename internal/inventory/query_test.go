package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/lotledger/internal/platform/cache"
	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCachedFixture(t *testing.T) (fixture, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	metrics, err := cache.NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	local := cache.NewLocal(cache.WithClock(clock.Now), cache.WithMetrics(metrics))
	rc := NewReadCache(local, nil, time.Minute, 5*time.Minute, nil)
	return newFixture(WithCache(rc)), clock
}

func TestSearchByItemIsCachedUntilMutation(t *testing.T) {
	f, _ := newCachedFixture(t)
	ctx := context.Background()
	f.stock(t, "RES-1K", "A-01", 5)
	f.stock(t, "RES-1K", "B-02", 3)

	rows, err := f.svc.SearchByItem(ctx, SearchFilter{ItemCode: "RES-1K"})
	require.NoError(t, err)
	require.Equal(t, []ItemRow{
		{ItemCode: "RES-1K", Location: "A-01", OnHand: 5, Lots: 1},
		{ItemCode: "RES-1K", Location: "B-02", OnHand: 3, Lots: 1},
	}, rows)
	rows[0].OnHand = 999

	again, err := f.svc.SearchByItem(ctx, SearchFilter{ItemCode: " RES-1K "})
	require.NoError(t, err)
	require.Equal(t, int64(5), again[0].OnHand, "callers get a copy")
	require.Equal(t, int64(1), f.repo.searchCalls.Load())

	_, err = f.svc.Pick(ctx, PickInput{ItemCode: "RES-1K", Quantity: 2})
	require.NoError(t, err)

	rows, err = f.svc.SearchByItem(ctx, SearchFilter{ItemCode: "RES-1K"})
	require.NoError(t, err)
	require.Equal(t, int64(3), rows[0].OnHand)
	require.Equal(t, int64(2), rows[0].Consumed)
	require.Equal(t, int64(2), f.repo.searchCalls.Load())
}

func TestItemAggregateCacheExpiresAndInvalidates(t *testing.T) {
	f, clock := newCachedFixture(t)
	ctx := context.Background()
	f.stock(t, "CAP-1U", "A-01", 10)

	agg, err := f.svc.ItemAggregate(ctx, "CAP-1U")
	require.NoError(t, err)
	require.Equal(t, ItemAggregate{ItemCode: "CAP-1U", OnHand: 10, Lots: 1, ActiveLots: 1}, agg)
	_, err = f.svc.ItemAggregate(ctx, "CAP-1U")
	require.NoError(t, err)
	require.Equal(t, int64(1), f.repo.aggCalls.Load())

	clock.Advance(2 * time.Minute)
	_, err = f.svc.ItemAggregate(ctx, "CAP-1U")
	require.NoError(t, err)
	require.Equal(t, int64(2), f.repo.aggCalls.Load())

	_, err = f.svc.Restock(ctx, RestockInput{ItemCode: "CAP-1U", Quantity: 5})
	require.NoError(t, err)
	agg, err = f.svc.ItemAggregate(ctx, "CAP-1U")
	require.NoError(t, err)
	require.Equal(t, int64(15), agg.OnHand)
	require.Equal(t, int64(3), f.repo.aggCalls.Load())
}

func TestItemAggregateUnknownItem(t *testing.T) {
	f, _ := newCachedFixture(t)
	_, err := f.svc.ItemAggregate(context.Background(), "NOPE")
	require.ErrorIs(t, err, httpx.ErrNotFound)
	_, err = f.svc.ItemAggregate(context.Background(), "")
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestSummaryIsNotEagerlyInvalidated(t *testing.T) {
	f, clock := newCachedFixture(t)
	ctx := context.Background()
	_, err := f.svc.StockIn(ctx, StockInInput{ItemCode: "RES-1K", Quantity: 100, Location: "A-01", Metadata: Metadata{Cost: decimal.NewNullDecimal(decimal.RequireFromString("0.25"))}})
	require.NoError(t, err)
	f.stock(t, "CAP-1U", "A-01", 10)

	summary, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), summary.Items)
	require.Equal(t, int64(110), summary.OnHand)
	require.True(t, summary.StockValue.Equal(decimal.NewFromInt(25)))

	_, err = f.svc.Pick(ctx, PickInput{ItemCode: "RES-1K", Quantity: 40})
	require.NoError(t, err)
	stale, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(110), stale.OnHand)

	clock.Advance(6 * time.Minute)
	fresh, err := f.svc.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(70), fresh.OnHand)
	require.Equal(t, int64(40), fresh.Consumed)
	require.True(t, fresh.StockValue.Equal(decimal.NewFromInt(15)))
	require.Equal(t, int64(2), f.repo.summaryCall.Load())
}

func TestLocationBreakdown(t *testing.T) {
	f, _ := newCachedFixture(t)
	ctx := context.Background()
	f.stock(t, "RES-1K", "A-01", 5)
	f.stock(t, "CAP-1U", "A-01", 5)
	f.stock(t, "CAP-1U", "B-02", 2)

	rows, err := f.svc.LocationBreakdown(ctx)
	require.NoError(t, err)
	require.Equal(t, []LocationRow{{Location: "A-01", Items: 2, OnHand: 10}, {Location: "B-02", Items: 1, OnHand: 2}}, rows)

	_, err = f.svc.Pick(ctx, PickInput{ItemCode: "CAP-1U", LotID: 3, Quantity: 2})
	require.NoError(t, err)
	rows, err = f.svc.LocationBreakdown(ctx)
	require.NoError(t, err)
	require.Equal(t, []LocationRow{{Location: "A-01", Items: 2, OnHand: 10}}, rows)
}

func TestSearchByLot(t *testing.T) {
	f := newFixture()
	_, err := f.svc.SearchByLot(context.Background(), 0)
	require.ErrorIs(t, err, httpx.ErrValidation)
	_, err = f.svc.SearchByLot(context.Background(), 5)
	var ne *LotNotFoundError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, int64(5), ne.LotID)
}

func TestInvalidationKeys(t *testing.T) {
	require.Equal(t, []string{"inventory:item:A", "inventory:item:B", "inventory:search:*", "inventory:locations"}, invalidationKeys("A", "", "B"))
	var rc *ReadCache
	rc.Invalidate(context.Background(), "A")
}
