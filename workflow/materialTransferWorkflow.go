package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
)

const fileNameMaterialTransferWorkflow = "materialTransferWorkflow.go"

// SubmitResult is everything a submit produced: the posted document, the
// per-work-order allocations, and the leftover per item that no open work
// order could absorb. Leftover is surfaced to the caller, never dropped.
type SubmitResult struct {
	Transfer        *models.MaterialTransfer
	Allocations     []*models.TransferAllocation
	LeftoverByItem  map[string]decimal.Decimal
	StockHistoryIds []int
	ReconciledItems []ReconciledItem
}

// SubmitMaterialTransfer posts a draft transfer: validates the document
// against the freshly recomputed remaining need, allocates quantities to
// work orders oldest-first, writes the stock ledger rows, advances work
// order satisfied quantities by production equivalents, and reconciles the
// touched items. The whole transition is one transaction under the
// business posting lock; any line failing validation rejects the document.
func SubmitMaterialTransfer(db *gorm.DB, logger *logrus.Logger, businessId string, transferId int) (*SubmitResult, error) {
	fn := "SubmitMaterialTransfer"

	var result *SubmitResult
	err := db.Transaction(func(tx *gorm.DB) error {
		// GET_LOCK is connection-scoped: acquire and release on the
		// transaction connection so the posting it guards actually runs
		// under the lock.
		if err := AcquireBusinessPostingLock(tx, businessId); err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "acquire posting lock", businessId, err)
			return err
		}
		defer ReleaseBusinessPostingLock(tx, businessId)

		r, err := submitMaterialTransfer(tx, logger, businessId, transferId)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validateTransferDemand checks a document's details against the remaining
// requirement per item. Requested quantities accumulate across details of
// the same item, so two lines cannot split what one line would be refused.
func validateTransferDemand(details []models.MaterialTransferDetail, requirements RequirementSet, supplyTotals map[string]decimal.Decimal) error {
	requested := map[string]decimal.Decimal{}
	for _, detail := range details {
		total := requested[detail.ItemCode].Add(detail.Qty)
		requested[detail.ItemCode] = total

		remaining := requirements.TotalByItem[detail.ItemCode].Sub(supplyTotals[detail.ItemCode])
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		if total.GreaterThan(remaining) {
			return &models.OverAllocationError{
				ItemCode:     detail.ItemCode,
				RequestedQty: total,
				RemainingQty: remaining,
			}
		}
	}
	return nil
}

func submitMaterialTransfer(tx *gorm.DB, logger *logrus.Logger, businessId string, transferId int) (*SubmitResult, error) {
	fn := "SubmitMaterialTransfer"

	var transfer models.MaterialTransfer
	err := tx.Preload("Details").
		Where("business_id = ? AND id = ?", businessId, transferId).
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("material transfer %d not found", transferId)
		}
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "load transfer", transferId, err)
		return nil, err
	}

	if transfer.CurrentStatus != models.TransferStatusDraft {
		return nil, &models.IllegalStateTransitionError{
			TransferId: transfer.ID,
			From:       transfer.CurrentStatus,
			To:         models.TransferStatusSubmitted,
			Reason:     "only Draft transfers can be submitted",
		}
	}

	// Validate the whole document against current remaining need before
	// touching anything. The requirement aggregate is recomputed here, not
	// read from the stored rows.
	requirements, err := BuildRequirementSet(tx, businessId)
	if err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "build requirement set", businessId, err)
		return nil, err
	}
	supplyTotals, err := models.SupplyItemTotals(tx, businessId)
	if err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "load supply totals", businessId, err)
		return nil, err
	}
	if err := validateTransferDemand(transfer.Details, requirements, supplyTotals); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &SubmitResult{
		Transfer:       &transfer,
		LeftoverByItem: map[string]decimal.Decimal{},
	}
	itemCodes := make([]string, 0, len(transfer.Details))

	for i := range transfer.Details {
		detail := &transfer.Details[i]
		itemCodes = append(itemCodes, detail.ItemCode)

		sourceBalance, err := models.GetStockBalance(tx, businessId, detail.ItemCode, transfer.SourceWarehouseId)
		if err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "source balance", detail.ItemCode, err)
			return nil, err
		}

		needs, err := BuildDemandNeeds(tx, businessId, detail.ItemCode)
		if err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "build demand needs", detail.ItemCode, err)
			return nil, err
		}
		allocations, leftover := AllocateSupply(detail.Qty, needs)
		if leftover.IsPositive() && config.StrictLeftoverRejection() {
			return nil, &models.OverAllocationError{
				ItemCode:     detail.ItemCode,
				RequestedQty: detail.Qty,
				RemainingQty: detail.Qty.Sub(leftover),
			}
		}
		if leftover.IsPositive() {
			result.LeftoverByItem[detail.ItemCode] = result.LeftoverByItem[detail.ItemCode].Add(leftover)
			logger.WithFields(logrus.Fields{
				"business_id": businessId,
				"transfer_id": transfer.ID,
				"item_code":   detail.ItemCode,
				"leftover":    leftover.String(),
			}).Warn("supplied qty exceeds open work order demand; excess recorded without allocation")
		}

		for _, a := range allocations {
			row := &models.TransferAllocation{
				BusinessId:              businessId,
				TransferId:              transfer.ID,
				TransferDetailId:        detail.ID,
				WorkOrderId:             a.WorkOrderId,
				ItemCode:                detail.ItemCode,
				AllocatedQty:            a.AllocatedQty,
				ProductionEquivalentQty: a.ProductionEquivalentQty,
				SourceBalanceQty:        sourceBalance,
			}
			if err := tx.Create(row).Error; err != nil {
				config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "create allocation", detail.ItemCode, err)
				return nil, err
			}
			result.Allocations = append(result.Allocations, row)

			if err := advanceWorkOrder(tx, businessId, a.WorkOrderId, a.ProductionEquivalentQty); err != nil {
				config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "advance work order", a.WorkOrderId, err)
				return nil, err
			}
		}

		outRow := &models.StockHistory{
			BusinessId:        businessId,
			WarehouseId:       transfer.SourceWarehouseId,
			ItemCode:          detail.ItemCode,
			StockDate:         transfer.TransferDate,
			Qty:               detail.Qty.Neg(),
			Description:       transfer.TransferNumber,
			ReferenceType:     models.StockReferenceTypeMaterialTransfer,
			ReferenceID:       transfer.ID,
			ReferenceDetailID: detail.ID,
		}
		if err := tx.Create(outRow).Error; err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "create outgoing stock row", detail.ItemCode, err)
			return nil, err
		}
		result.StockHistoryIds = append(result.StockHistoryIds, outRow.ID)

		if transfer.Purpose == models.TransferPurposeTransfer {
			inRow := &models.StockHistory{
				BusinessId:        businessId,
				WarehouseId:       transfer.DestinationWarehouseId,
				ItemCode:          detail.ItemCode,
				StockDate:         transfer.TransferDate,
				Qty:               detail.Qty,
				Description:       transfer.TransferNumber,
				ReferenceType:     models.StockReferenceTypeMaterialTransfer,
				ReferenceID:       transfer.ID,
				ReferenceDetailID: detail.ID,
			}
			if err := tx.Create(inRow).Error; err != nil {
				config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "create incoming stock row", detail.ItemCode, err)
				return nil, err
			}
			result.StockHistoryIds = append(result.StockHistoryIds, inRow.ID)
		}
	}

	transfer.CurrentStatus = models.TransferStatusSubmitted
	transfer.SubmittedAt = &now
	if err := tx.Model(&models.MaterialTransfer{}).
		Where("id = ?", transfer.ID).
		Updates(map[string]interface{}{
			"current_status": models.TransferStatusSubmitted,
			"submitted_at":   &now,
		}).Error; err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "mark submitted", transfer.ID, err)
		return nil, err
	}

	reconciled, _, err := RunReconciliation(tx, logger, businessId, utils.UniqueSlice(itemCodes)...)
	if err != nil {
		return nil, err
	}
	result.ReconciledItems = reconciled
	return result, nil
}

// CancelMaterialTransfer voids a submitted transfer: appends reversal rows
// to the stock ledger, rolls satisfied quantities back off the allocated
// work orders, marks the allocations reversed, and reconciles the touched
// items. A cancel is refused when the destination warehouse no longer holds
// enough of an item to give back.
func CancelMaterialTransfer(db *gorm.DB, logger *logrus.Logger, businessId string, transferId int, reason string) (*models.MaterialTransfer, error) {
	fn := "CancelMaterialTransfer"

	var cancelled *models.MaterialTransfer
	err := db.Transaction(func(tx *gorm.DB) error {
		// Same connection-scoped lock discipline as submit.
		if err := AcquireBusinessPostingLock(tx, businessId); err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "acquire posting lock", businessId, err)
			return err
		}
		defer ReleaseBusinessPostingLock(tx, businessId)

		t, err := cancelMaterialTransfer(tx, logger, businessId, transferId, reason)
		if err != nil {
			return err
		}
		cancelled = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func cancelMaterialTransfer(tx *gorm.DB, logger *logrus.Logger, businessId string, transferId int, reason string) (*models.MaterialTransfer, error) {
	fn := "CancelMaterialTransfer"

	var transfer models.MaterialTransfer
	err := tx.Preload("Details").
		Where("business_id = ? AND id = ?", businessId, transferId).
		First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("material transfer %d not found", transferId)
		}
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "load transfer", transferId, err)
		return nil, err
	}

	if transfer.CurrentStatus != models.TransferStatusSubmitted {
		return nil, &models.IllegalStateTransitionError{
			TransferId: transfer.ID,
			From:       transfer.CurrentStatus,
			To:         models.TransferStatusCancelled,
			Reason:     "only Submitted transfers can be cancelled",
		}
	}

	// Refuse the cancel when downstream consumption already ate into the
	// delivered stock; reversing would drive the destination negative.
	if transfer.Purpose == models.TransferPurposeTransfer {
		for _, detail := range transfer.Details {
			destBalance, err := models.GetStockBalance(tx, businessId, detail.ItemCode, transfer.DestinationWarehouseId)
			if err != nil {
				config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "destination balance", detail.ItemCode, err)
				return nil, err
			}
			if destBalance.LessThan(detail.Qty) {
				return nil, &models.IllegalStateTransitionError{
					TransferId: transfer.ID,
					From:       transfer.CurrentStatus,
					To:         models.TransferStatusCancelled,
					Reason: fmt.Sprintf("item %s: destination holds %s but %s must be returned",
						detail.ItemCode, destBalance.String(), detail.Qty.String()),
				}
			}
		}
	}

	histories, err := models.ListStockHistories(tx, businessId, models.StockReferenceTypeMaterialTransfer, transfer.ID)
	if err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "load stock histories", transfer.ID, err)
		return nil, err
	}
	if _, err := models.ReverseStockHistories(tx, histories, reason); err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "reverse stock histories", transfer.ID, err)
		return nil, err
	}

	allocations, err := models.ListTransferAllocations(tx, businessId, transfer.ID)
	if err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "load allocations", transfer.ID, err)
		return nil, err
	}
	itemCodes := make([]string, 0, len(transfer.Details))
	for _, detail := range transfer.Details {
		itemCodes = append(itemCodes, detail.ItemCode)
	}
	for _, a := range allocations {
		if err := retreatWorkOrder(tx, businessId, a.WorkOrderId, a.ProductionEquivalentQty); err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "retreat work order", a.WorkOrderId, err)
			return nil, err
		}
		if err := tx.Model(&models.TransferAllocation{}).
			Where("id = ?", a.ID).
			Update("is_reversed", true).Error; err != nil {
			config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "mark allocation reversed", a.ID, err)
			return nil, err
		}
	}

	now := time.Now().UTC()
	transfer.CurrentStatus = models.TransferStatusCancelled
	transfer.CancelledAt = &now
	transfer.CancelReason = reason
	if err := tx.Model(&models.MaterialTransfer{}).
		Where("id = ?", transfer.ID).
		Updates(map[string]interface{}{
			"current_status": models.TransferStatusCancelled,
			"cancelled_at":   &now,
			"cancel_reason":  reason,
		}).Error; err != nil {
		config.LogError(logger, fileNameMaterialTransferWorkflow, fn, "mark cancelled", transfer.ID, err)
		return nil, err
	}

	if _, _, err := RunReconciliation(tx, logger, businessId, utils.UniqueSlice(itemCodes)...); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// advanceWorkOrder adds a production equivalent onto a work order's
// satisfied qty and completes it when the order is covered.
func advanceWorkOrder(tx *gorm.DB, businessId string, workOrderId int, equivalentQty decimal.Decimal) error {
	if !equivalentQty.IsPositive() {
		return nil
	}
	var wo models.WorkOrder
	if err := tx.Where("business_id = ? AND id = ?", businessId, workOrderId).First(&wo).Error; err != nil {
		return err
	}
	satisfied := wo.SatisfiedQty.Add(equivalentQty)
	status := wo.CurrentStatus
	if satisfied.GreaterThanOrEqual(wo.OrderedQty) {
		status = models.WorkOrderStatusCompleted
	}
	return tx.Model(&models.WorkOrder{}).
		Where("id = ?", wo.ID).
		Updates(map[string]interface{}{
			"satisfied_qty":  satisfied,
			"current_status": status,
		}).Error
}

// retreatWorkOrder takes a production equivalent back off a work order,
// flooring at zero and reopening a completed order that falls short again.
func retreatWorkOrder(tx *gorm.DB, businessId string, workOrderId int, equivalentQty decimal.Decimal) error {
	if !equivalentQty.IsPositive() {
		return nil
	}
	var wo models.WorkOrder
	if err := tx.Where("business_id = ? AND id = ?", businessId, workOrderId).First(&wo).Error; err != nil {
		return err
	}
	satisfied := wo.SatisfiedQty.Sub(equivalentQty)
	if satisfied.IsNegative() {
		satisfied = decimal.Zero
	}
	status := wo.CurrentStatus
	if status == models.WorkOrderStatusCompleted && satisfied.LessThan(wo.OrderedQty) {
		status = models.WorkOrderStatusOpen
	}
	return tx.Model(&models.WorkOrder{}).
		Where("id = ?", wo.ID).
		Updates(map[string]interface{}{
			"satisfied_qty":  satisfied,
			"current_status": status,
		}).Error
}
