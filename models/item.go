package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
)

// Item is a catalog entry. DefaultBomId is the upstream "designated
// default" pointer; it is allowed to go stale (superseded or deactivated),
// which is why BOM resolution never trusts it blindly.
type Item struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BusinessId   string    `gorm:"index:idx_items_biz_code,priority:1;not null" json:"business_id"`
	ItemCode     string    `gorm:"index:idx_items_biz_code,priority:2;size:100;not null" json:"item_code"`
	Name         string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Uom          string    `gorm:"size:50;default:'Unit'" json:"uom"`
	DefaultBomId int       `gorm:"default:0" json:"default_bom_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	ItemCode     string `json:"item_code" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Uom          string `json:"uom"`
	DefaultBomId int    `json:"default_bom_id"`
}

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if input.ItemCode == "" {
		return nil, errors.New("item code is required")
	}

	count, err := utils.ResourceCountWhere[Item](ctx, businessId, "item_code = ?", input.ItemCode)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, errors.New("item code already exists")
	}

	uom := input.Uom
	if uom == "" {
		uom = "Unit"
	}
	item := Item{
		BusinessId:   businessId,
		ItemCode:     input.ItemCode,
		Name:         input.Name,
		Uom:          uom,
		DefaultBomId: input.DefaultBomId,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetItemByCode(ctx context.Context, businessId string, itemCode string) (*Item, error) {
	db := config.GetDB()
	var item Item
	err := db.WithContext(ctx).
		Where("business_id = ? AND item_code = ?", businessId, itemCode).
		First(&item).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}
