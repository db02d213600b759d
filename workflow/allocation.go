package workflow

import (
	"sort"

	"bitbucket.org/mmdatafocus/mes_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DemandNeed is one work order's open need for a single component item,
// together with the BOM ratio needed to convert allocated component qty
// back into finished-output equivalents.
type DemandNeed struct {
	WorkOrderId      int
	CreationOrder    int64
	NeedQty          decimal.Decimal
	BomLineQty       decimal.Decimal
	BomBaseOutputQty decimal.Decimal
}

// AllocationResult is one work order's slice of a supply quantity.
type AllocationResult struct {
	WorkOrderId             int
	AllocatedQty            decimal.Decimal
	ProductionEquivalentQty decimal.Decimal
}

// AllocateSupply distributes supplyQty across needs oldest-first, never
// giving any need more than it asked for. The leftover is whatever no open
// need could take; callers decide what to do with it, it is never dropped.
func AllocateSupply(supplyQty decimal.Decimal, needs []DemandNeed) ([]AllocationResult, decimal.Decimal) {
	if !supplyQty.IsPositive() {
		return []AllocationResult{}, decimal.Zero
	}

	sorted := make([]DemandNeed, len(needs))
	copy(sorted, needs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreationOrder != sorted[j].CreationOrder {
			return sorted[i].CreationOrder < sorted[j].CreationOrder
		}
		return sorted[i].WorkOrderId < sorted[j].WorkOrderId
	})

	remaining := supplyQty
	results := make([]AllocationResult, 0, len(sorted))
	for _, need := range sorted {
		if !remaining.IsPositive() {
			break
		}
		if !need.NeedQty.IsPositive() {
			continue
		}

		take := decimal.Min(remaining, need.NeedQty)
		equivalent := decimal.Zero
		if need.BomLineQty.IsPositive() {
			equivalent = take.Mul(need.BomBaseOutputQty).Div(need.BomLineQty)
		}
		results = append(results, AllocationResult{
			WorkOrderId:             need.WorkOrderId,
			AllocatedQty:            take,
			ProductionEquivalentQty: equivalent,
		})
		remaining = remaining.Sub(take)
	}

	return results, remaining
}

// BuildDemandNeeds loads the open work orders whose designated BOM directly
// consumes itemCode and converts each into a DemandNeed. A work order's
// component need is its pending output qty scaled through the BOM line
// ratio; a pinned bom_id wins over the item's default resolution. Work
// orders whose BOM cannot be resolved are skipped, their configuration
// problem surfaces through reconciliation instead.
func BuildDemandNeeds(tx *gorm.DB, businessId string, itemCode string) ([]DemandNeed, error) {
	orders, err := models.ListOpenWorkOrders(tx, businessId)
	if err != nil {
		return nil, err
	}

	resolve := OrderBomResolver(tx, businessId)
	needs := make([]DemandNeed, 0, len(orders))
	for _, wo := range orders {
		pending := wo.PendingQty()
		if !pending.IsPositive() {
			continue
		}
		bom, err := resolve(wo)
		if err != nil {
			if models.IsConfigurationError(err) {
				continue
			}
			return nil, err
		}
		line := bom.FindLine(itemCode)
		if line == nil {
			continue
		}
		if !bom.BaseOutputQty.IsPositive() {
			continue
		}
		needs = append(needs, DemandNeed{
			WorkOrderId:      wo.ID,
			CreationOrder:    wo.CreationOrder,
			NeedQty:          pending.Mul(line.Qty).Div(bom.BaseOutputQty),
			BomLineQty:       line.Qty,
			BomBaseOutputQty: bom.BaseOutputQty,
		})
	}
	return needs, nil
}
