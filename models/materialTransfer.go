package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MaterialTransfer is the supply document. Once submitted, each detail line
// becomes a supply event counting toward the material requirements; a
// cancelled transfer keeps its rows but its events no longer count anywhere.
type MaterialTransfer struct {
	ID                     int                      `gorm:"primary_key" json:"id"`
	BusinessId             string                   `gorm:"index;not null" json:"business_id"`
	TransferNumber         string                   `gorm:"size:255;not null" json:"transfer_number"`
	Purpose                TransferPurpose          `gorm:"type:enum('Transfer','Issue');default:'Transfer'" json:"purpose"`
	SourceWarehouseId      int                      `gorm:"index;not null" json:"source_warehouse_id"`
	DestinationWarehouseId int                      `gorm:"index;default:0" json:"destination_warehouse_id"`
	TransferDate           time.Time                `gorm:"not null" json:"transfer_date"`
	CurrentStatus          TransferStatus           `gorm:"type:enum('Draft','Submitted','Cancelled');default:'Draft'" json:"current_status"`
	TotalQty               decimal.Decimal          `gorm:"type:decimal(20,4);default:0" json:"total_qty"`
	Details                []MaterialTransferDetail `gorm:"foreignKey:TransferId" json:"details"`
	SubmittedAt            *time.Time               `json:"submitted_at"`
	CancelledAt            *time.Time               `json:"cancelled_at"`
	CancelReason           string                   `gorm:"size:255" json:"cancel_reason"`
	CreatedAt              time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

type MaterialTransferDetail struct {
	ID         int             `gorm:"primary_key" json:"id"`
	TransferId int             `gorm:"index;not null" json:"transfer_id"`
	ItemCode   string          `gorm:"index;size:100;not null" json:"item_code"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	Uom        string          `gorm:"size:50;default:'Unit'" json:"uom"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewMaterialTransfer struct {
	Purpose                TransferPurpose             `json:"purpose"`
	SourceWarehouseId      int                         `json:"source_warehouse_id" binding:"required"`
	DestinationWarehouseId int                         `json:"destination_warehouse_id"`
	TransferDate           time.Time                   `json:"transfer_date" binding:"required"`
	Details                []NewMaterialTransferDetail `json:"details" binding:"required"`
}

type NewMaterialTransferDetail struct {
	ItemCode string          `json:"item_code" binding:"required"`
	Qty      decimal.Decimal `json:"qty" binding:"required"`
	Uom      string          `json:"uom"`
}

func (input NewMaterialTransfer) validate(ctx context.Context, businessId string) error {
	purpose := input.Purpose
	if purpose == "" {
		purpose = TransferPurposeTransfer
	}
	if purpose != TransferPurposeTransfer && purpose != TransferPurposeIssue {
		return errors.New("invalid transfer purpose")
	}
	if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.SourceWarehouseId); err != nil {
		return errors.New("source warehouse not found")
	}
	if purpose == TransferPurposeTransfer {
		if input.DestinationWarehouseId == input.SourceWarehouseId {
			return errors.New("transfers cannot be made within the same warehouse. please choose a different one and proceed")
		}
		if err := utils.ValidateResourceId[Warehouse](ctx, businessId, input.DestinationWarehouseId); err != nil {
			return errors.New("destination warehouse not found")
		}
	}
	if len(input.Details) == 0 {
		return errors.New("transfer must have at least one line")
	}
	for _, detail := range input.Details {
		if !detail.Qty.IsPositive() {
			return errors.New("transfer quantity must be positive for item " + detail.ItemCode)
		}
		if _, err := GetItemByCode(ctx, businessId, detail.ItemCode); err != nil {
			return errors.New("item not found: " + detail.ItemCode)
		}
	}
	return nil
}

// CreateMaterialTransfer stores a Draft. Quantities are re-validated against
// remaining need at submit time, not here; another document may consume the
// need while this one sits in draft.
func CreateMaterialTransfer(ctx context.Context, input *NewMaterialTransfer) (*MaterialTransfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	purpose := input.Purpose
	if purpose == "" {
		purpose = TransferPurposeTransfer
	}

	// Stock dates are day-granular in the business's timezone.
	timezone := ""
	if business, err := GetBusinessById(ctx, businessId); err == nil {
		timezone = business.Timezone
	}
	transferDate, err := utils.ConvertToDate(input.TransferDate, timezone)
	if err != nil {
		return nil, errors.New("invalid transfer date")
	}

	var details []MaterialTransferDetail
	var totalQty decimal.Decimal
	for _, d := range input.Details {
		uom := d.Uom
		if uom == "" {
			uom = "Unit"
		}
		details = append(details, MaterialTransferDetail{
			ItemCode: d.ItemCode,
			Qty:      d.Qty,
			Uom:      uom,
		})
		totalQty = totalQty.Add(d.Qty)
	}

	db := config.GetDB()
	tx := db.Begin()

	transferNumber, err := NextDocumentNumber(tx, businessId, ModuleMaterialTransfer)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	transfer := MaterialTransfer{
		BusinessId:             businessId,
		TransferNumber:         transferNumber,
		Purpose:                purpose,
		SourceWarehouseId:      input.SourceWarehouseId,
		DestinationWarehouseId: input.DestinationWarehouseId,
		TransferDate:           transferDate,
		CurrentStatus:          TransferStatusDraft,
		TotalQty:               totalQty,
		Details:                details,
	}
	if err := tx.WithContext(ctx).Create(&transfer).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &transfer, nil
}

func GetMaterialTransfer(ctx context.Context, id int) (*MaterialTransfer, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[MaterialTransfer](ctx, businessId, id, "Details")
}

// SupplyItemTotals sums submitted supply events per item. This is the sum
// the reconciliation trusts: cancelled documents drop out of it by the
// status predicate, with no compensating arithmetic anywhere.
func SupplyItemTotals(tx *gorm.DB, businessId string, itemCodes ...string) (map[string]decimal.Decimal, error) {
	type row struct {
		ItemCode string
		Total    decimal.Decimal
	}
	var rows []row
	q := tx.Model(&MaterialTransferDetail{}).
		Select("material_transfer_details.item_code AS item_code, COALESCE(SUM(material_transfer_details.qty), 0) AS total").
		Joins("JOIN material_transfers ON material_transfers.id = material_transfer_details.transfer_id").
		Where("material_transfers.business_id = ? AND material_transfers.current_status = ?", businessId, TransferStatusSubmitted).
		Group("material_transfer_details.item_code")
	if len(itemCodes) > 0 {
		q = q.Where("material_transfer_details.item_code IN ?", itemCodes)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		totals[r.ItemCode] = r.Total
	}
	return totals, nil
}
