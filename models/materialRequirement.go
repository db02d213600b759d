package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

// MaterialRequirement is the aggregated requirement for one material across
// the whole demand pool. Every column is a derived view: the reconciliation
// pass recomputes the row from the supply ledger and the demand pool, and
// nothing else writes it. Stored values are never trusted as inputs.
type MaterialRequirement struct {
	ID               int               `gorm:"primary_key" json:"id"`
	BusinessId       string            `gorm:"uniqueIndex:idx_req_biz_item,priority:1;not null" json:"business_id"`
	ItemCode         string            `gorm:"uniqueIndex:idx_req_biz_item,priority:2;size:100;not null" json:"item_code"`
	TotalRequiredQty decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"total_required_qty"`
	TransferredQty   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"transferred_qty"`
	PendingQty       decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"pending_qty"`
	Uom              string            `gorm:"size:50;default:'Unit'" json:"uom"`
	Percentage       decimal.Decimal   `gorm:"type:decimal(5,2);default:0" json:"percentage"`
	CurrentStatus    RequirementStatus `gorm:"type:enum('Pending','InProgress','Completed');default:'Pending'" json:"current_status"`
	LastReconciledAt *time.Time        `json:"last_reconciled_at"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func ListMaterialRequirements(ctx context.Context, itemCodes ...string) ([]*MaterialRequirement, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if len(itemCodes) == 0 {
		return utils.FetchAllModels[MaterialRequirement](ctx, businessId)
	}
	var requirements []*MaterialRequirement
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("business_id = ? AND item_code IN ?", businessId, itemCodes).
		Find(&requirements).Error
	if err != nil {
		return nil, err
	}
	return requirements, nil
}

// ProductionPlan is the frozen counterpart of the live requirement view:
// an ordered-qty snapshot taken once at plan creation, read-only afterwards.
// Reconciliation never reads it.
type ProductionPlan struct {
	ID         int                  `gorm:"primary_key" json:"id"`
	BusinessId string               `gorm:"index;not null" json:"business_id"`
	PlanNumber string               `gorm:"size:255;not null" json:"plan_number"`
	Lines      []PlannedRequirement `gorm:"foreignKey:PlanId" json:"lines"`
	CreatedAt  time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

type PlannedRequirement struct {
	ID          int             `gorm:"primary_key" json:"id"`
	PlanId      int             `gorm:"index;not null" json:"plan_id"`
	ItemCode    string          `gorm:"size:100;not null" json:"item_code"`
	RequiredQty decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"required_qty"`
	Uom         string          `gorm:"size:50;default:'Unit'" json:"uom"`
}

func GetProductionPlan(ctx context.Context, id int) (*ProductionPlan, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ProductionPlan](ctx, businessId, id, "Lines")
}
