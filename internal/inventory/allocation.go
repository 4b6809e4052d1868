package inventory

import (
	"sort"
	"strings"
)

// fifoLess orders lots oldest receipt first, lot id breaking ties.
func fifoLess(a, b Lot) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.LotID < b.LotID
}

func sortFIFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool { return fifoLess(lots[i], lots[j]) })
}

// planAllocation distributes requested units over candidates in the order
// given. It fails without producing a plan when the candidates hold fewer
// units than requested. The returned allocations sum to requested.
func planAllocation(itemCode string, lotID int64, candidates []Lot, requested int64) ([]Allocation, error) {
	var available int64
	for _, lot := range candidates {
		available += lot.OnHand
	}
	if available < requested {
		return nil, &InsufficientQuantityError{ItemCode: itemCode, LotID: lotID, Available: available, Requested: requested}
	}

	plan := make([]Allocation, 0, len(candidates))
	var allocated int64
	for _, lot := range candidates {
		prev := allocated
		if prev >= requested {
			break
		}
		take := min(lot.OnHand, requested-prev)
		if take <= 0 {
			continue
		}
		allocated += take
		plan = append(plan, Allocation{LotID: lot.LotID, Quantity: take})
	}
	return plan, nil
}

// applyAllocation decrements on-hand and increments consumed for every lot in
// plan. Lots not in the plan are returned unchanged.
func applyAllocation(candidates []Lot, plan []Allocation, consumptionLocation string) []Lot {
	takes := make(map[int64]int64, len(plan))
	for _, a := range plan {
		takes[a.LotID] = a.Quantity
	}
	touched := make([]Lot, 0, len(plan))
	for _, lot := range candidates {
		take, ok := takes[lot.LotID]
		if !ok {
			continue
		}
		lot.OnHand -= take
		lot.Consumed += take
		lot.ConsumptionLocation = consumptionLocation
		touched = append(touched, lot)
	}
	return touched
}

// sourceLocations lists the distinct receipt locations of lots in order.
func sourceLocations(lots []Lot) string {
	seen := make(map[string]struct{}, len(lots))
	var out []string
	for _, lot := range lots {
		if lot.ReceiptLocation == "" {
			continue
		}
		if _, ok := seen[lot.ReceiptLocation]; ok {
			continue
		}
		seen[lot.ReceiptLocation] = struct{}{}
		out = append(out, lot.ReceiptLocation)
	}
	return strings.Join(out, ",")
}
