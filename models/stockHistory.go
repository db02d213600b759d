package models

import (
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StockHistory is the append-only stock movement ledger materialized by
// supply document transitions. Rows are never deleted; a cancellation
// appends mirror-image reversal rows and links them to the originals.
type StockHistory struct {
	ID                int                `gorm:"primary_key" json:"id"`
	BusinessId        string             `gorm:"index;not null" json:"business_id"`
	WarehouseId       int                `gorm:"index;not null" json:"warehouse_id"`
	ItemCode          string             `gorm:"index;size:100;not null" json:"item_code"`
	StockDate         time.Time          `gorm:"not null" json:"stock_date"`
	Qty               decimal.Decimal    `gorm:"type:decimal(20,4);default:0" json:"qty"`
	Description       string             `gorm:"size:100;not null" json:"description"`
	ReferenceType     StockReferenceType `gorm:"type:enum('MT','OS')" json:"reference_type"`
	ReferenceID       int                `gorm:"index" json:"reference_id"`
	ReferenceDetailID int                `json:"reference_detail_id"`
	IsOutgoing        *bool              `gorm:"not null;default:false" json:"is_outgoing"`
	IsReversal        bool               `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesStockHistoryId   *int        `gorm:"index" json:"reverses_stock_history_id"`
	ReversedByStockHistoryId *int        `gorm:"index" json:"reversed_by_stock_history_id"`
	ReversalReason           *string     `gorm:"type:text" json:"reversal_reason"`
	ReversedAt               *time.Time  `gorm:"index" json:"reversed_at"`
	CreatedAt                time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeSave keeps IsOutgoing consistent with the qty sign; stock balance
// queries classify rows by that flag.
func (sh *StockHistory) BeforeSave(tx *gorm.DB) error {
	if sh.IsOutgoing == nil {
		sh.IsOutgoing = utils.NewFalse()
	}
	if sh.Qty.IsNegative() {
		sh.IsOutgoing = utils.NewTrue()
	} else if sh.Qty.IsPositive() {
		sh.IsOutgoing = utils.NewFalse()
	}
	return nil
}

// GetStockBalance sums the ledger for one item. warehouseId == 0 sums
// company-wide. Reversal rows are ordinary signed rows, so no filtering is
// needed; the sum is the balance.
func GetStockBalance(tx *gorm.DB, businessId string, itemCode string, warehouseId int) (decimal.Decimal, error) {
	var balance decimal.Decimal
	q := tx.Model(&StockHistory{}).
		Select("COALESCE(SUM(qty), 0)").
		Where("business_id = ? AND item_code = ?", businessId, itemCode)
	if warehouseId > 0 {
		q = q.Where("warehouse_id = ?", warehouseId)
	}
	if err := q.Scan(&balance).Error; err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// ListStockHistories returns the active (non-reversed) rows of a reference
// document.
func ListStockHistories(tx *gorm.DB, businessId string, referenceType StockReferenceType, referenceId int) ([]*StockHistory, error) {
	var rows []*StockHistory
	err := tx.
		Where("business_id = ? AND reference_type = ? AND reference_id = ? AND is_reversal = 0 AND reversed_by_stock_history_id IS NULL",
			businessId, referenceType, referenceId).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ReverseStockHistories appends reversal rows for the provided originals
// and marks the originals reversed. Originals already reversed are skipped
// quietly so a retried cancellation stays idempotent.
func ReverseStockHistories(tx *gorm.DB, originals []*StockHistory, reason string) ([]*StockHistory, error) {
	if len(originals) == 0 {
		return []*StockHistory{}, nil
	}
	now := time.Now().UTC()
	reasonCopy := reason

	reversals := make([]*StockHistory, 0, len(originals))
	for _, o := range originals {
		if o == nil {
			continue
		}
		if o.ReversedByStockHistoryId != nil && *o.ReversedByStockHistoryId > 0 {
			continue
		}

		rev := &StockHistory{
			BusinessId:             o.BusinessId,
			WarehouseId:            o.WarehouseId,
			ItemCode:               o.ItemCode,
			StockDate:              o.StockDate,
			Qty:                    o.Qty.Neg(),
			Description:            "REV: " + o.Description,
			ReferenceType:          o.ReferenceType,
			ReferenceID:            o.ReferenceID,
			ReferenceDetailID:      o.ReferenceDetailID,
			IsReversal:             true,
			ReversesStockHistoryId: &o.ID,
			ReversalReason:         &reasonCopy,
		}
		if err := tx.Create(rev).Error; err != nil {
			return nil, err
		}

		if err := tx.Model(&StockHistory{}).
			Where("id = ?", o.ID).
			Updates(map[string]interface{}{
				"reversed_by_stock_history_id": rev.ID,
				"reversal_reason":              &reasonCopy,
				"reversed_at":                  &now,
			}).Error; err != nil {
			return nil, err
		}

		reversals = append(reversals, rev)
	}

	return reversals, nil
}
