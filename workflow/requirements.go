package workflow

import (
	"sort"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/mes_backend/models"
)

// DemandMode picks which work order quantity drives requirement totals.
type DemandMode string

const (
	// DemandModePending uses ordered minus satisfied: the unmet-need view.
	DemandModePending DemandMode = "Pending"
	// DemandModeOrdered uses the full ordered qty: the requirement-total
	// view that reconciliation and production plans run on. Transferred
	// supply is netted against this total, so satisfied quantities must
	// not be netted here as well.
	DemandModeOrdered DemandMode = "Ordered"
)

// RequirementSet is the component demand aggregate for one reconciliation
// pass. ConfigErrors carries per-output-item BOM problems; a broken BOM on
// one output never blocks the totals of the others.
type RequirementSet struct {
	TotalByItem  map[string]decimal.Decimal
	UomByItem    map[string]string
	ConfigErrors map[string]error
}

// OrderBomResolver resolves the BOM each work order explodes through: an
// order pinned to a bom_id always uses that BOM, everything else falls to
// the item's three-tier resolution. Memoized per pass like BomResolver.
func OrderBomResolver(tx *gorm.DB, businessId string) func(wo *models.WorkOrder) (*models.BOM, error) {
	byItem := models.BomResolver(tx, businessId)
	type entry struct {
		bom *models.BOM
		err error
	}
	byId := map[int]entry{}
	return func(wo *models.WorkOrder) (*models.BOM, error) {
		if wo.BomId <= 0 {
			return byItem(wo.OutputItemCode)
		}
		if e, ok := byId[wo.BomId]; ok {
			return e.bom, e.err
		}
		bom, err := models.ResolveBOMById(tx, businessId, wo.BomId, wo.OutputItemCode)
		byId[wo.BomId] = entry{bom: bom, err: err}
		return bom, err
	}
}

// BuildRequirements explodes every work order's output through its BOM and
// sums component demand per item code. Only direct BOM lines count;
// sub-assemblies carry their own work orders.
func BuildRequirements(resolve func(wo *models.WorkOrder) (*models.BOM, error), orders []*models.WorkOrder, mode DemandMode) RequirementSet {
	set := RequirementSet{
		TotalByItem:  map[string]decimal.Decimal{},
		UomByItem:    map[string]string{},
		ConfigErrors: map[string]error{},
	}

	for _, wo := range orders {
		qty := wo.PendingQty()
		if mode == DemandModeOrdered {
			qty = wo.OrderedQty
		}
		if !qty.IsPositive() {
			continue
		}

		bom, err := resolve(wo)
		if err != nil {
			set.ConfigErrors[wo.OutputItemCode] = err
			continue
		}
		components, err := models.ExplodeThrough(bom, qty)
		if err != nil {
			set.ConfigErrors[wo.OutputItemCode] = err
			continue
		}
		for _, c := range components {
			set.TotalByItem[c.ItemCode] = set.TotalByItem[c.ItemCode].Add(c.Qty)
			if _, ok := set.UomByItem[c.ItemCode]; !ok {
				set.UomByItem[c.ItemCode] = c.Uom
			}
		}
	}

	return set
}

// BuildRequirementSet is the DB entry point: loads the active demand pool
// and builds the ordered-mode requirement aggregate for the business.
func BuildRequirementSet(tx *gorm.DB, businessId string) (RequirementSet, error) {
	orders, err := models.ListActiveWorkOrders(tx, businessId)
	if err != nil {
		return RequirementSet{}, err
	}
	resolve := OrderBomResolver(tx, businessId)
	return BuildRequirements(resolve, orders, DemandModeOrdered), nil
}

// FreezeProductionPlan snapshots the ordered-mode requirement totals of
// the business's open work orders into a new production plan. The snapshot
// never changes afterwards; reconciliation ignores it.
func FreezeProductionPlan(tx *gorm.DB, businessId string) (*models.ProductionPlan, error) {
	orders, err := models.ListActiveWorkOrders(tx, businessId)
	if err != nil {
		return nil, err
	}
	resolve := OrderBomResolver(tx, businessId)
	set := BuildRequirements(resolve, orders, DemandModeOrdered)

	planNumber, err := models.NextDocumentNumber(tx, businessId, models.ModuleProductionPlan)
	if err != nil {
		return nil, err
	}

	plan := &models.ProductionPlan{
		BusinessId: businessId,
		PlanNumber: planNumber,
	}
	if err := tx.Create(plan).Error; err != nil {
		return nil, err
	}

	itemCodes := make([]string, 0, len(set.TotalByItem))
	for itemCode := range set.TotalByItem {
		itemCodes = append(itemCodes, itemCode)
	}
	sort.Strings(itemCodes)
	for _, itemCode := range itemCodes {
		row := models.PlannedRequirement{
			PlanId:      plan.ID,
			ItemCode:    itemCode,
			RequiredQty: set.TotalByItem[itemCode],
			Uom:         set.UomByItem[itemCode],
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		plan.Lines = append(plan.Lines, row)
	}

	return plan, nil
}
