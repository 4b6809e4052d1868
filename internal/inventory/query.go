package inventory

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// SearchByItem lists on-hand and consumed totals per item and receipt
// location. Both filter fields are optional.
func (s *Service) SearchByItem(ctx context.Context, filter SearchFilter) ([]ItemRow, error) {
	filter.ItemCode = strings.TrimSpace(filter.ItemCode)
	filter.Location = strings.TrimSpace(filter.Location)
	rows, err := fetchCached(ctx, s.cache, cacheClassListing, searchKey(filter), func(ctx context.Context) ([]ItemRow, error) {
		rows, err := s.repo.SearchItems(ctx, filter)
		return rows, storeError(err)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(rows), nil
}

// SearchByLot returns one lot.
func (s *Service) SearchByLot(ctx context.Context, lotID int64) (Lot, error) {
	if lotID <= 0 {
		return Lot{}, validationf("lot_id", "must be greater than 0")
	}
	lot, err := s.repo.GetLot(ctx, lotID)
	if errors.Is(err, errLotMissing) {
		return Lot{}, &LotNotFoundError{LotID: lotID}
	}
	if err != nil {
		return Lot{}, storeError(err)
	}
	return lot, nil
}

// ItemAggregate sums every lot of an item.
func (s *Service) ItemAggregate(ctx context.Context, itemCode string) (ItemAggregate, error) {
	itemCode = strings.TrimSpace(itemCode)
	if itemCode == "" {
		return ItemAggregate{}, validationf("item_code", "is required")
	}
	return fetchCached(ctx, s.cache, cacheClassListing, itemKey(itemCode), func(ctx context.Context) (ItemAggregate, error) {
		agg, err := s.repo.ItemAggregate(ctx, itemCode)
		if err != nil {
			return ItemAggregate{}, storeError(err)
		}
		if agg.Lots == 0 {
			return ItemAggregate{}, &LotNotFoundError{ItemCode: itemCode}
		}
		return agg, nil
	})
}

// LocationBreakdown reports on-hand per receipt location.
func (s *Service) LocationBreakdown(ctx context.Context) ([]LocationRow, error) {
	rows, err := fetchCached(ctx, s.cache, cacheClassListing, locationsKey, func(ctx context.Context) ([]LocationRow, error) {
		rows, err := s.repo.LocationBreakdown(ctx)
		return rows, storeError(err)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(rows), nil
}

// Summary reports ledger-wide statistics. The result may lag mutations by up
// to the summary TTL.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	return fetchCached(ctx, s.cache, cacheClassSummary, summaryKey, func(ctx context.Context) (Summary, error) {
		summary, err := s.repo.Summary(ctx)
		return summary, storeError(err)
	})
}

// History lists one page of transactions newest first. Following
// NextBeforeID until it is zero walks the full log for the filter.
func (s *Service) History(ctx context.Context, filter HistoryFilter) (HistoryPage, error) {
	filter.ItemCode = strings.TrimSpace(filter.ItemCode)
	if filter.LotID < 0 {
		return HistoryPage{}, validationf("lot_id", "must be at least 0")
	}
	if filter.BeforeID < 0 {
		return HistoryPage{}, validationf("before_id", "must be at least 0")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return HistoryPage{}, validationf("type", "%q is not a transaction type", filter.Type)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return HistoryPage{}, validationf("to", "must not be before from")
	}
	if filter.Limit < 0 {
		return HistoryPage{}, validationf("limit", "must be at least 0")
	}
	filter = filter.normalized()
	pageSize := filter.Limit
	filter.Limit = pageSize + 1

	txs, err := s.repo.History(ctx, filter)
	if err != nil {
		return HistoryPage{}, storeError(err)
	}
	page := HistoryPage{Transactions: txs}
	if len(txs) > pageSize {
		page.Transactions = txs[:pageSize]
		page.NextBeforeID = page.Transactions[pageSize-1].ID
	}
	return page, nil
}
