package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates ledger mutations recorded in the transaction log.
type TransactionType string

const (
	// TransactionTypeStockIn records a receipt into a new or existing lot.
	TransactionTypeStockIn TransactionType = "STOCK_IN"
	// TransactionTypePick records a FIFO or single-lot allocation for consumption.
	TransactionTypePick TransactionType = "PICK"
	// TransactionTypeRestock records consumed units returned to on-hand.
	TransactionTypeRestock TransactionType = "RESTOCK"
	// TransactionTypeLotRename records an administrative relabel of a lot.
	TransactionTypeLotRename TransactionType = "LOT_RENAME"
	// TransactionTypeGenerate records a lot id reserved ahead of receipt.
	TransactionTypeGenerate TransactionType = "GENERATE"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeStockIn, TransactionTypePick, TransactionTypeRestock, TransactionTypeLotRename, TransactionTypeGenerate:
		return true
	}
	return false
}

// Lot is the unit of physical custody. Quantities are only changed by
// StockIn, Pick and Restock.
type Lot struct {
	LotID                    int64               `json:"lot_id"`
	ItemCode                 string              `json:"item_code"`
	ManufacturerPartNumber   string              `json:"manufacturer_part_number,omitempty"`
	DateCode                 string              `json:"date_code,omitempty"`
	MoistureSensitivityLevel string              `json:"moisture_sensitivity_level,omitempty"`
	OnHand                   int64               `json:"on_hand_quantity"`
	Consumed                 int64               `json:"consumed_quantity"`
	ReceiptLocation          string              `json:"receipt_location"`
	ConsumptionLocation      string              `json:"consumption_location,omitempty"`
	PurchaseOrderRef         string              `json:"purchase_order_ref,omitempty"`
	Cost                     decimal.NullDecimal `json:"cost"`
	ReceivedAt               time.Time           `json:"received_at"`
	UpdatedAt                time.Time           `json:"updated_at"`
}

// Transaction is an immutable ledger record. One is written per logical
// operation; LotID is nil when a pick spans several lots. CorrectedAt is set
// on a multi-lot header that lost a line to DeleteLot, after which its lines
// no longer sum to QuantityDelta.
type Transaction struct {
	ID            int64           `json:"id"`
	Type          TransactionType `json:"type"`
	ItemCode      string          `json:"item_code"`
	LotID         *int64          `json:"lot_id"`
	QuantityDelta int64           `json:"quantity_delta"`
	FromLocation  string          `json:"from_location"`
	ToLocation    string          `json:"to_location"`
	Actor         string          `json:"actor"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CorrectedAt   *time.Time      `json:"corrected_at,omitempty"`
	Lines         []Allocation    `json:"lines,omitempty"`
}

// LotIDStatus describes what the ledger remembers about a lot id that has no
// lot row.
type LotIDStatus struct {
	ReservedFor string
	Retired     bool
}

// Allocation records how much of a transaction touched one lot.
type Allocation struct {
	LotID    int64 `json:"lot_id"`
	Quantity int64 `json:"quantity"`
}

// Metadata carries the optional descriptive attributes of a receipt.
type Metadata struct {
	ManufacturerPartNumber   string              `json:"manufacturer_part_number" validate:"max=128"`
	DateCode                 string              `json:"date_code" validate:"max=64"`
	MoistureSensitivityLevel string              `json:"moisture_sensitivity_level" validate:"max=16"`
	PurchaseOrderRef         string              `json:"purchase_order_ref" validate:"max=128"`
	Cost                     decimal.NullDecimal `json:"cost"`
}

// StockInInput describes a receipt.
type StockInInput struct {
	ItemCode       string    `json:"item_code" validate:"required,max=128"`
	LotID          int64     `json:"lot_id" validate:"gte=0"`
	Quantity       int64     `json:"quantity" validate:"gt=0"`
	Location       string    `json:"location" validate:"required,max=128"`
	Metadata       Metadata  `json:"metadata"`
	ReceivedAt     time.Time `json:"received_at"`
	Actor          string    `json:"-"`
	IdempotencyKey string    `json:"-"`
}

// StockInResult reports the lot that received the stock.
type StockInResult struct {
	LotID      int64 `json:"lot_id"`
	NewOnHand  int64 `json:"new_on_hand"`
	ItemOnHand int64 `json:"item_on_hand"`
	StockedQty int64 `json:"stocked_qty"`
	Merged     bool  `json:"merged"`
}

// PickInput requests units of an item, optionally from one lot only.
type PickInput struct {
	ItemCode       string `json:"item_code" validate:"required,max=128"`
	Quantity       int64  `json:"quantity" validate:"gt=0"`
	LotID          int64  `json:"lot_id" validate:"gte=0"`
	Actor          string `json:"-"`
	IdempotencyKey string `json:"-"`
}

// PickResult reports the item's remaining on-hand and the lots drawn from.
type PickResult struct {
	ItemCode    string       `json:"item_code"`
	NewOnHand   int64        `json:"new_on_hand"`
	PickedQty   int64        `json:"picked_qty"`
	Allocations []Allocation `json:"allocations"`
}

// RestockInput returns consumed units of a lot to on-hand. Either LotID or
// ItemCode must be set.
type RestockInput struct {
	LotID          int64  `json:"lot_id" validate:"gte=0"`
	ItemCode       string `json:"item_code" validate:"max=128"`
	Quantity       int64  `json:"quantity" validate:"gt=0"`
	Location       string `json:"location" validate:"max=128"`
	Actor          string `json:"-"`
	IdempotencyKey string `json:"-"`
}

// RestockResult reports the lot's quantities after the restock.
type RestockResult struct {
	LotID          int64 `json:"lot_id"`
	NewConsumedQty int64 `json:"new_consumed_qty"`
	NewOnHandQty   int64 `json:"new_on_hand_qty"`
}

// ReserveInput reserves a lot id for an item ahead of receipt.
type ReserveInput struct {
	ItemCode string `json:"item_code" validate:"required,max=128"`
	Actor    string `json:"-"`
}

// RelabelInput corrects the item code or part number of a lot.
type RelabelInput struct {
	LotID                  int64  `json:"lot_id" validate:"gt=0"`
	ItemCode               string `json:"item_code" validate:"required,max=128"`
	ManufacturerPartNumber string `json:"manufacturer_part_number" validate:"max=128"`
	Actor                  string `json:"-"`
}

// DeleteLotInput requests the administrative removal of a lot and its history.
type DeleteLotInput struct {
	LotID  int64  `json:"lot_id" validate:"gt=0"`
	Reason string `json:"reason" validate:"required,max=512"`
	Actor  string `json:"-"`
}

// DeleteLotResult summarises an administrative deletion.
type DeleteLotResult struct {
	LotID               int64  `json:"lot_id"`
	CorrectionID        string `json:"correction_id"`
	DeletedTransactions int64  `json:"deleted_transactions"`
}

// SearchFilter narrows the aggregated item listing.
type SearchFilter struct {
	ItemCode string
	Location string
}

// ItemRow aggregates lots per item and receipt location.
type ItemRow struct {
	ItemCode string `json:"item_code"`
	Location string `json:"location"`
	OnHand   int64  `json:"on_hand_quantity"`
	Consumed int64  `json:"consumed_quantity"`
	Lots     int64  `json:"lots"`
}

// ItemAggregate sums every lot of one item.
type ItemAggregate struct {
	ItemCode   string `json:"item_code"`
	OnHand     int64  `json:"on_hand_quantity"`
	Consumed   int64  `json:"consumed_quantity"`
	Lots       int64  `json:"lots"`
	ActiveLots int64  `json:"active_lots"`
}

// LocationRow is the on-hand total of one receipt location.
type LocationRow struct {
	Location string `json:"location"`
	Items    int64  `json:"items"`
	OnHand   int64  `json:"on_hand_quantity"`
}

// Summary holds ledger-wide statistics.
type Summary struct {
	Items      int64           `json:"items"`
	Lots       int64           `json:"lots"`
	ActiveLots int64           `json:"active_lots"`
	OnHand     int64           `json:"on_hand_quantity"`
	Consumed   int64           `json:"consumed_quantity"`
	StockValue decimal.Decimal `json:"stock_value"`
}

// HistoryFilter narrows the transaction log. Zero values mean "any". From
// and To are inclusive. BeforeID continues a listing from the
// NextBeforeID of an earlier page.
type HistoryFilter struct {
	ItemCode string
	LotID    int64
	Type     TransactionType
	From     time.Time
	To       time.Time
	BeforeID int64
	Limit    int
}

// HistoryPage is one page of the transaction log, newest first.
// NextBeforeID is zero on the last page.
type HistoryPage struct {
	Transactions []Transaction `json:"transactions"`
	NextBeforeID int64         `json:"next_before_id,omitempty"`
}

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 1000
)

func (f HistoryFilter) normalized() HistoryFilter {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	if f.Limit > maxHistoryLimit {
		f.Limit = maxHistoryLimit
	}
	return f
}
