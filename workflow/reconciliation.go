package workflow

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
)

// ReconciledItem is the recomputed requirement state for one material.
type ReconciledItem struct {
	ItemCode         string
	TotalRequiredQty decimal.Decimal
	TransferredQty   decimal.Decimal
	PendingQty       decimal.Decimal
	Percentage       decimal.Decimal
	CurrentStatus    models.RequirementStatus
	Uom              string
}

// Reconcile recomputes per-item requirement aggregates from the demand
// requirement set and the submitted supply totals. It is a pure full
// recompute: stored aggregates never feed back in, so running it twice on
// the same inputs yields the same output. Items present in either input
// appear in the result; extraItems forces rows for items whose demand and
// supply both dropped to zero so their stored aggregate gets zeroed too.
func Reconcile(requirements RequirementSet, supplyTotals map[string]decimal.Decimal, extraItems ...string) []ReconciledItem {
	hundred := decimal.NewFromInt(100)

	codes := map[string]bool{}
	for code := range requirements.TotalByItem {
		codes[code] = true
	}
	for code := range supplyTotals {
		codes[code] = true
	}
	for _, code := range extraItems {
		codes[code] = true
	}

	ordered := make([]string, 0, len(codes))
	for code := range codes {
		ordered = append(ordered, code)
	}
	sort.Strings(ordered)

	items := make([]ReconciledItem, 0, len(ordered))
	for _, code := range ordered {
		required := requirements.TotalByItem[code]
		transferred := supplyTotals[code]
		pending := required.Sub(transferred)
		if pending.IsNegative() {
			pending = decimal.Zero
		}

		percentage := decimal.Zero
		if required.IsPositive() {
			percentage = transferred.Div(required).Mul(hundred)
		}

		// Status derives from the unrounded ratio: a 99.995% item rounds
		// to 100.00 in the stored percentage but is not Completed, and an
		// item with no requirement stays Pending no matter the supply.
		status := models.RequirementStatusPending
		switch {
		case required.IsPositive() && percentage.GreaterThanOrEqual(hundred):
			status = models.RequirementStatusCompleted
		case percentage.IsPositive():
			status = models.RequirementStatusInProgress
		}
		percentage = utils.ClampPercentage(percentage).Round(2)

		items = append(items, ReconciledItem{
			ItemCode:         code,
			TotalRequiredQty: required,
			TransferredQty:   transferred,
			PendingQty:       pending,
			Percentage:       percentage,
			CurrentStatus:    status,
			Uom:              requirements.UomByItem[code],
		})
	}

	return items
}

// RunReconciliation rebuilds the material requirement rows of a business
// from scratch inside tx. With no itemCodes it reconciles every item that
// demand or supply touches plus any stale stored rows; with itemCodes it
// limits the upserts to that set (the demand side is still recomputed in
// full since any work order can contribute to any item).
//
// BOM configuration problems are reported per output item and do not fail
// the run; the healthy items still get fresh aggregates.
func RunReconciliation(tx *gorm.DB, logger *logrus.Logger, businessId string, itemCodes ...string) ([]ReconciledItem, map[string]error, error) {
	requirements, err := BuildRequirementSet(tx, businessId)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "RunReconciliation", "build requirement set", businessId, err)
		return nil, nil, err
	}

	supplyTotals, err := models.SupplyItemTotals(tx, businessId)
	if err != nil {
		config.LogError(logger, "reconciliation.go", "RunReconciliation", "load supply totals", businessId, err)
		return nil, nil, err
	}

	var staleCodes []string
	if err := tx.Model(&models.MaterialRequirement{}).
		Where("business_id = ?", businessId).
		Pluck("item_code", &staleCodes).Error; err != nil {
		config.LogError(logger, "reconciliation.go", "RunReconciliation", "load stored requirement rows", businessId, err)
		return nil, nil, err
	}

	items := Reconcile(requirements, supplyTotals, staleCodes...)

	scope := map[string]bool{}
	for _, code := range itemCodes {
		scope[code] = true
	}

	now := time.Now().UTC()
	result := make([]ReconciledItem, 0, len(items))
	for _, item := range items {
		if len(scope) > 0 && !scope[item.ItemCode] {
			continue
		}
		row := models.MaterialRequirement{
			BusinessId:       businessId,
			ItemCode:         item.ItemCode,
			TotalRequiredQty: item.TotalRequiredQty,
			TransferredQty:   item.TransferredQty,
			PendingQty:       item.PendingQty,
			Percentage:       item.Percentage,
			CurrentStatus:    item.CurrentStatus,
			LastReconciledAt: &now,
		}
		if item.Uom != "" {
			row.Uom = item.Uom
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "business_id"}, {Name: "item_code"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_required_qty", "transferred_qty", "pending_qty",
				"percentage", "current_status", "last_reconciled_at", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			config.LogError(logger, "reconciliation.go", "RunReconciliation", "upsert requirement row", item.ItemCode, err)
			return nil, nil, err
		}
		result = append(result, item)
	}

	for outputItem, cfgErr := range requirements.ConfigErrors {
		logger.WithFields(logrus.Fields{
			"business_id": businessId,
			"output_item": outputItem,
		}).Warn("skipped output item during reconciliation: " + cfgErr.Error())
	}

	return result, requirements.ConfigErrors, nil
}
