package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransferAllocation records how one supply line was distributed across
// work orders. It is an audit trail, not authoritative state: satisfied
// quantities live on the work orders and aggregates on the requirements.
// SourceBalanceQty is an informational stock snapshot taken at allocation
// time; it plays no part in the allocation math.
type TransferAllocation struct {
	ID                      int             `gorm:"primary_key" json:"id"`
	BusinessId              string          `gorm:"index;not null" json:"business_id"`
	TransferId              int             `gorm:"index;not null" json:"transfer_id"`
	TransferDetailId        int             `gorm:"index;not null" json:"transfer_detail_id"`
	WorkOrderId             int             `gorm:"index;not null" json:"work_order_id"`
	ItemCode                string          `gorm:"size:100;not null" json:"item_code"`
	AllocatedQty            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"allocated_qty"`
	ProductionEquivalentQty decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"production_equivalent_qty"`
	SourceBalanceQty        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"source_balance_qty"`
	IsReversed              bool            `gorm:"default:false" json:"is_reversed"`
	CreatedAt               time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// ListTransferAllocations returns the active allocations of one transfer.
func ListTransferAllocations(tx *gorm.DB, businessId string, transferId int) ([]*TransferAllocation, error) {
	var allocations []*TransferAllocation
	err := tx.
		Where("business_id = ? AND transfer_id = ? AND is_reversed = 0", businessId, transferId).
		Order("id ASC").
		Find(&allocations).Error
	if err != nil {
		return nil, err
	}
	return allocations, nil
}
