package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/lotledger/internal/shared"
)

// RelabelLot corrects the item code or part number of a mislabelled lot. The
// lot id and quantities are left untouched.
func (s *Service) RelabelLot(ctx context.Context, input RelabelInput) (lot Lot, err error) {
	defer func() { s.record("relabel_lot", err) }()

	input.ItemCode = strings.TrimSpace(input.ItemCode)
	input.ManufacturerPartNumber = strings.TrimSpace(input.ManufacturerPartNumber)
	if err := validateStruct(input); err != nil {
		return Lot{}, err
	}

	var previous Lot
	err = s.withLotLock(ctx, input.LotID, func(ctx context.Context) error {
		return s.runTx(ctx, "relabel_lot", func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetLotForUpdate(ctx, input.LotID)
			if errors.Is(err, errLotMissing) {
				return &LotNotFoundError{LotID: input.LotID}
			}
			if err != nil {
				return err
			}
			previous = current
			current.ItemCode = input.ItemCode
			if input.ManufacturerPartNumber != "" {
				current.ManufacturerPartNumber = input.ManufacturerPartNumber
			}
			if current.ItemCode == previous.ItemCode && current.ManufacturerPartNumber == previous.ManufacturerPartNumber {
				return validationf("item_code", "matches the current label")
			}
			now := s.timestamp()
			current.UpdatedAt = now
			if err := tx.UpdateLot(ctx, current); err != nil {
				return err
			}
			id := current.LotID
			if _, err := tx.InsertTransaction(ctx, Transaction{
				Type:         TransactionTypeLotRename,
				ItemCode:     current.ItemCode,
				LotID:        &id,
				FromLocation: current.ReceiptLocation,
				ToLocation:   current.ReceiptLocation,
				Actor:        input.Actor,
				Note:         fmt.Sprintf("relabelled from %s/%s", previous.ItemCode, previous.ManufacturerPartNumber),
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			lot = current
			return nil
		})
	})
	if err != nil {
		return Lot{}, err
	}

	s.cache.Invalidate(ctx, previous.ItemCode, lot.ItemCode)
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    input.Actor,
		Action:   "inventory:relabel_lot",
		Entity:   "inventory_lot",
		EntityID: strconv.FormatInt(lot.LotID, 10),
		Meta: map[string]any{
			"from_item_code": previous.ItemCode,
			"from_mpn":       previous.ManufacturerPartNumber,
			"to_item_code":   lot.ItemCode,
			"to_mpn":         lot.ManufacturerPartNumber,
		},
	})
	return lot, nil
}

// DeleteLot removes a lot together with its allocation lines and the
// transactions that name it. Transactions spanning several lots keep their
// header, marked corrected; only the deleted lot's line goes. The lot id is
// retired and never accepted again. This is a correction path outside the
// normal ledger lifecycle and always leaves an audit record.
func (s *Service) DeleteLot(ctx context.Context, input DeleteLotInput) (result DeleteLotResult, err error) {
	defer func() { s.record("delete_lot", err) }()

	input.Reason = strings.TrimSpace(input.Reason)
	if err := validateStruct(input); err != nil {
		return DeleteLotResult{}, err
	}

	correctionID := uuid.New()
	var snapshot Lot
	err = s.withLotLock(ctx, input.LotID, func(ctx context.Context) error {
		return s.runTx(ctx, "delete_lot", func(ctx context.Context, tx TxRepository) error {
			lot, err := tx.GetLotForUpdate(ctx, input.LotID)
			if errors.Is(err, errLotMissing) {
				return &LotNotFoundError{LotID: input.LotID}
			}
			if err != nil {
				return err
			}
			deleted, err := tx.DeleteLotCascade(ctx, lot, s.timestamp())
			if err != nil {
				return err
			}
			snapshot = lot
			result = DeleteLotResult{LotID: lot.LotID, CorrectionID: correctionID.String(), DeletedTransactions: deleted}
			return nil
		})
	})
	if err != nil {
		return DeleteLotResult{}, err
	}

	s.cache.Invalidate(ctx, snapshot.ItemCode)
	s.recordAudit(ctx, shared.AuditLog{
		Actor:    input.Actor,
		Action:   "inventory:delete_lot",
		Entity:   "inventory_lot",
		EntityID: strconv.FormatInt(snapshot.LotID, 10),
		Meta: map[string]any{
			"correction_id":        result.CorrectionID,
			"reason":               input.Reason,
			"item_code":            snapshot.ItemCode,
			"on_hand_quantity":     snapshot.OnHand,
			"consumed_quantity":    snapshot.Consumed,
			"receipt_location":     snapshot.ReceiptLocation,
			"deleted_transactions": result.DeletedTransactions,
		},
	})
	s.logger.Info("inventory lot deleted", slog.Int64("lot_id", snapshot.LotID), slog.String("item_code", snapshot.ItemCode), slog.String("correction_id", result.CorrectionID), slog.String("actor", input.Actor))
	return result, nil
}

func (s *Service) withLotLock(ctx context.Context, lotID int64, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithLock(ctx, shared.LotLockKey(lotID), fn)
}

// recordAudit writes entry after the ledger commit. A failure is logged and
// does not undo the correction.
func (s *Service) recordAudit(ctx context.Context, entry shared.AuditLog) {
	if s.audit == nil {
		return
	}
	entry.At = s.timestamp()
	if err := s.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("inventory audit record failed", slog.String("action", entry.Action), slog.String("entity_id", entry.EntityID), slog.Any("error", err))
	}
}
