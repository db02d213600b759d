package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WorkOrder is one unit of outstanding production work: a demand line.
// CreationOrder is the explicit FIFO sort key; allocation never relies on
// storage insertion order.
type WorkOrder struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"index;not null" json:"business_id"`
	OrderNumber    string          `gorm:"size:255;not null" json:"order_number"`
	OutputItemCode string          `gorm:"index;size:100;not null" json:"output_item_code"`
	OrderedQty     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"ordered_qty"`
	SatisfiedQty   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"satisfied_qty"`
	CreationOrder  int64           `gorm:"index;not null" json:"creation_order"`
	BomId          int             `gorm:"default:0" json:"bom_id"`
	SalesOrderRef  string          `gorm:"size:255" json:"sales_order_ref"`
	CurrentStatus  WorkOrderStatus `gorm:"type:enum('Open','Completed','Closed');default:'Open'" json:"current_status"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewWorkOrder struct {
	OutputItemCode string          `json:"output_item_code" binding:"required"`
	OrderedQty     decimal.Decimal `json:"ordered_qty" binding:"required"`
	BomId          int             `json:"bom_id"`
	SalesOrderRef  string          `json:"sales_order_ref"`
}

// PendingQty is always re-derived, never decremented in place.
func (wo *WorkOrder) PendingQty() decimal.Decimal {
	pending := wo.OrderedQty.Sub(wo.SatisfiedQty)
	if pending.IsNegative() {
		return decimal.Zero
	}
	return pending
}

func (input NewWorkOrder) validate(ctx context.Context, businessId string) error {
	if !input.OrderedQty.IsPositive() {
		return errors.New("ordered qty must be positive")
	}
	if _, err := GetItemByCode(ctx, businessId, input.OutputItemCode); err != nil {
		return errors.New("output item not found")
	}
	if input.BomId > 0 {
		if err := utils.ValidateResourceId[BOM](ctx, businessId, input.BomId); err != nil {
			return errors.New("bom not found")
		}
	}
	return nil
}

func CreateWorkOrder(ctx context.Context, input *NewWorkOrder) (*WorkOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.Begin()

	orderNumber, err := NextDocumentNumber(tx, businessId, ModuleWorkOrder)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// Reserve the next FIFO position under a lock so two concurrent
	// creations cannot share a creation_order.
	var maxOrder int64
	if err := tx.Raw(
		"SELECT COALESCE(MAX(creation_order), 0) FROM work_orders WHERE business_id = ? FOR UPDATE",
		businessId,
	).Scan(&maxOrder).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	workOrder := WorkOrder{
		BusinessId:     businessId,
		OrderNumber:    orderNumber,
		OutputItemCode: input.OutputItemCode,
		OrderedQty:     input.OrderedQty,
		SatisfiedQty:   decimal.Zero,
		CreationOrder:  maxOrder + 1,
		BomId:          input.BomId,
		SalesOrderRef:  input.SalesOrderRef,
		CurrentStatus:  WorkOrderStatusOpen,
	}
	if err := tx.WithContext(ctx).Create(&workOrder).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &workOrder, nil
}

func GetWorkOrder(ctx context.Context, id int) (*WorkOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[WorkOrder](ctx, businessId, id)
}

// DeleteWorkOrder removes an untouched work order. A work order with any
// consumed allocation is part of the audit trail and must stay.
func DeleteWorkOrder(ctx context.Context, id int) (*WorkOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	workOrder, err := utils.FetchModel[WorkOrder](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	if workOrder.SatisfiedQty.IsPositive() {
		return nil, fmt.Errorf("work order %s cannot be deleted: %s of %s already satisfied by allocations",
			workOrder.OrderNumber, workOrder.SatisfiedQty.String(), workOrder.OrderedQty.String())
	}
	var allocationCount int64
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&TransferAllocation{}).
		Where("business_id = ? AND work_order_id = ? AND is_reversed = 0", businessId, id).
		Count(&allocationCount).Error; err != nil {
		return nil, err
	}
	if allocationCount > 0 {
		return nil, fmt.Errorf("work order %s cannot be deleted: %d active allocations reference it",
			workOrder.OrderNumber, allocationCount)
	}
	if err := db.WithContext(ctx).Delete(workOrder).Error; err != nil {
		return nil, err
	}
	return workOrder, nil
}

// RecordProduction applies a direct production event against a work order.
func RecordProduction(ctx context.Context, id int, qty decimal.Decimal) (*WorkOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if !qty.IsPositive() {
		return nil, errors.New("produced qty must be positive")
	}

	db := config.GetDB()
	tx := db.Begin()

	var workOrder WorkOrder
	if err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		First(&workOrder, id).Error; err != nil {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}

	pending := workOrder.PendingQty()
	if qty.GreaterThan(pending) {
		tx.Rollback()
		return nil, fmt.Errorf("produced qty %s of item %s exceeds pending qty %s on work order %s",
			qty.String(), workOrder.OutputItemCode, pending.String(), workOrder.OrderNumber)
	}

	workOrder.SatisfiedQty = workOrder.SatisfiedQty.Add(qty)
	if workOrder.SatisfiedQty.GreaterThanOrEqual(workOrder.OrderedQty) {
		workOrder.CurrentStatus = WorkOrderStatusCompleted
	}
	if err := tx.WithContext(ctx).Save(&workOrder).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &workOrder, nil
}

// ListOpenWorkOrders returns open demand lines in FIFO order. Allocation
// walks these; completed orders have no unmet need left.
func ListOpenWorkOrders(tx *gorm.DB, businessId string) ([]*WorkOrder, error) {
	var workOrders []*WorkOrder
	err := tx.
		Where("business_id = ? AND current_status = ?", businessId, WorkOrderStatusOpen).
		Order("creation_order ASC, id ASC").
		Find(&workOrders).Error
	if err != nil {
		return nil, err
	}
	return workOrders, nil
}

// ListActiveWorkOrders returns every order still in the demand pool, in
// FIFO order. Completed orders stay in: their materials were consumed and
// still count toward the requirement totals. Only Closed removes an order
// from the pool.
func ListActiveWorkOrders(tx *gorm.DB, businessId string) ([]*WorkOrder, error) {
	var workOrders []*WorkOrder
	err := tx.
		Where("business_id = ? AND current_status IN ?", businessId,
			[]WorkOrderStatus{WorkOrderStatusOpen, WorkOrderStatusCompleted}).
		Order("creation_order ASC, id ASC").
		Find(&workOrders).Error
	if err != nil {
		return nil, err
	}
	return workOrders, nil
}

// CloseWorkOrder takes an order out of the demand pool. Unlike delete,
// close is allowed with allocations on record; the next reconciliation
// simply no longer counts the order's demand.
func CloseWorkOrder(ctx context.Context, id int) (*WorkOrder, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()

	var workOrder WorkOrder
	err := db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&workOrder).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if workOrder.CurrentStatus == WorkOrderStatusClosed {
		return &workOrder, nil
	}

	err = db.WithContext(ctx).Model(&WorkOrder{}).
		Where("id = ?", workOrder.ID).
		Update("current_status", WorkOrderStatusClosed).Error
	if err != nil {
		return nil, err
	}
	workOrder.CurrentStatus = WorkOrderStatusClosed
	return &workOrder, nil
}
