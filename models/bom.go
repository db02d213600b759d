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

// BOM maps one output item and a base output quantity to the component
// quantities required to produce it.
type BOM struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"index:idx_boms_biz_item,priority:1;not null" json:"business_id"`
	OutputItemCode string          `gorm:"index:idx_boms_biz_item,priority:2;size:100;not null" json:"output_item_code"`
	Name           string          `gorm:"size:255" json:"name"`
	BaseOutputQty  decimal.Decimal `gorm:"type:decimal(20,4);default:1" json:"base_output_qty"`
	Uom            string          `gorm:"size:50;default:'Unit'" json:"uom"`
	IsActive       *bool           `gorm:"default:true" json:"is_active"`
	IsDefault      *bool           `gorm:"default:false" json:"is_default"`
	CurrentStatus  BomStatus       `gorm:"type:enum('Draft','Submitted');default:'Draft'" json:"current_status"`
	Lines          []BOMLine       `gorm:"foreignKey:BomId" json:"lines"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type BOMLine struct {
	ID        int             `gorm:"primary_key" json:"id"`
	BomId     int             `gorm:"index;not null" json:"bom_id"`
	ItemCode  string          `gorm:"size:100;not null" json:"item_code"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	Uom       string          `gorm:"size:50;default:'Unit'" json:"uom"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewBOM struct {
	OutputItemCode string          `json:"output_item_code" binding:"required"`
	Name           string          `json:"name"`
	BaseOutputQty  decimal.Decimal `json:"base_output_qty"`
	Uom            string          `json:"uom"`
	IsActive       *bool           `json:"is_active"`
	IsDefault      *bool           `json:"is_default"`
	CurrentStatus  BomStatus       `json:"current_status"`
	Lines          []NewBOMLine    `json:"lines" binding:"required"`
}

type NewBOMLine struct {
	ItemCode string          `json:"item_code" binding:"required"`
	Qty      decimal.Decimal `json:"qty" binding:"required"`
	Uom      string          `json:"uom"`
}

// BomComponent is one exploded requirement row.
type BomComponent struct {
	ItemCode string          `json:"item_code"`
	Qty      decimal.Decimal `json:"qty"`
	Uom      string          `json:"uom"`
}

func (b *BOM) usable() bool {
	return b.IsActive != nil && *b.IsActive && b.CurrentStatus == BomStatusSubmitted
}

// FindLine returns the direct line for itemCode, or nil.
func (b *BOM) FindLine(itemCode string) *BOMLine {
	for i := range b.Lines {
		if b.Lines[i].ItemCode == itemCode {
			return &b.Lines[i]
		}
	}
	return nil
}

// SelectBOM applies the three-tier fallback over candidates for one output
// item, sorted most recently modified first:
//  1. the item's designated default BOM when it is still active and submitted
//  2. the most recently modified BOM that is active, flagged default, and submitted
//  3. the most recently modified BOM that is active and submitted
//
// The upstream default pointer is known to go stale, so a stale default is
// skipped rather than silently used. Returns nil when no tier matches.
func SelectBOM(defaultBomId int, candidates []*BOM) *BOM {
	if defaultBomId > 0 {
		for _, b := range candidates {
			if b.ID == defaultBomId && b.usable() {
				return b
			}
		}
	}
	for _, b := range candidates {
		if b.usable() && b.IsDefault != nil && *b.IsDefault {
			return b
		}
	}
	for _, b := range candidates {
		if b.usable() {
			return b
		}
	}
	return nil
}

// ResolveBOM selects the applicable BOM for itemCode.
// May return NoActiveBomError.
func ResolveBOM(tx *gorm.DB, businessId string, itemCode string) (*BOM, error) {
	defaultBomId := 0
	var item Item
	err := tx.Where("business_id = ? AND item_code = ?", businessId, itemCode).First(&item).Error
	if err == nil {
		defaultBomId = item.DefaultBomId
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var candidates []*BOM
	err = tx.Preload("Lines").
		Where("business_id = ? AND output_item_code = ?", businessId, itemCode).
		Order("updated_at DESC, id DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	selected := SelectBOM(defaultBomId, candidates)
	if selected == nil {
		return nil, &NoActiveBomError{ItemCode: itemCode}
	}
	return selected, nil
}

// ResolveBOMById loads a BOM a work order is pinned to. A pin that points
// at a missing or no-longer-usable BOM is a configuration error on the
// order's output item, never a silent fallback to the item's default.
func ResolveBOMById(tx *gorm.DB, businessId string, bomId int, itemCode string) (*BOM, error) {
	var bom BOM
	err := tx.Preload("Lines").
		Where("business_id = ? AND id = ?", businessId, bomId).
		First(&bom).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NoActiveBomError{ItemCode: itemCode}
		}
		return nil, err
	}
	if !bom.usable() {
		return nil, &NoActiveBomError{ItemCode: itemCode}
	}
	return &bom, nil
}

// BomResolver returns a memoizing resolve function scoped to one business.
// One reconciliation pass resolves the same item many times; the memo keeps
// that from hammering the catalog tables. The memo also caches resolution
// failures so one pass sees a consistent catalog.
func BomResolver(tx *gorm.DB, businessId string) func(itemCode string) (*BOM, error) {
	type entry struct {
		bom *BOM
		err error
	}
	memo := make(map[string]entry)
	return func(itemCode string) (*BOM, error) {
		if e, ok := memo[itemCode]; ok {
			return e.bom, e.err
		}
		bom, err := ResolveBOM(tx, businessId, itemCode)
		memo[itemCode] = entry{bom: bom, err: err}
		return bom, err
	}
}

// ExplodeWith expands outputQty of itemCode into component requirements
// through resolve. Non-recursive mode returns the direct lines scaled by
// outputQty / base_output_qty. Recursive mode replaces any component that
// itself resolves to a BOM with that component's own exploded requirement;
// duplicate components across sub-trees accumulate.
func ExplodeWith(resolve func(itemCode string) (*BOM, error), itemCode string, outputQty decimal.Decimal, recursive bool) ([]BomComponent, error) {
	bom, err := resolve(itemCode)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0)
	totals := make(map[string]decimal.Decimal)
	uoms := make(map[string]string)
	add := func(code string, qty decimal.Decimal, uom string) {
		if _, ok := totals[code]; !ok {
			order = append(order, code)
			uoms[code] = uom
		}
		totals[code] = totals[code].Add(qty)
	}

	path := map[string]bool{itemCode: true}
	var expand func(b *BOM, qty decimal.Decimal) error
	expand = func(b *BOM, qty decimal.Decimal) error {
		if !qty.IsPositive() {
			return nil
		}
		if b.BaseOutputQty.IsZero() {
			return &ZeroBaseQtyError{BomId: b.ID, ItemCode: b.OutputItemCode}
		}
		for _, line := range b.Lines {
			required := qty.Mul(line.Qty).Div(b.BaseOutputQty)
			if recursive {
				if path[line.ItemCode] {
					return &BomCycleError{ItemCode: line.ItemCode}
				}
				sub, err := resolve(line.ItemCode)
				if err == nil {
					path[line.ItemCode] = true
					if err := expand(sub, required); err != nil {
						return err
					}
					delete(path, line.ItemCode)
					continue
				}
				var noBom *NoActiveBomError
				if !errors.As(err, &noBom) {
					return err
				}
				// no BOM of its own: keep as a leaf component
			}
			add(line.ItemCode, required, line.Uom)
		}
		return nil
	}
	if err := expand(bom, outputQty); err != nil {
		return nil, err
	}

	components := make([]BomComponent, 0, len(order))
	for _, code := range order {
		components = append(components, BomComponent{ItemCode: code, Qty: totals[code], Uom: uoms[code]})
	}
	return components, nil
}

// ExplodeThrough expands outputQty through one specific BOM, direct lines
// only. Used when a work order pins its BOM instead of resolving by item.
func ExplodeThrough(bom *BOM, outputQty decimal.Decimal) ([]BomComponent, error) {
	return ExplodeWith(func(string) (*BOM, error) { return bom, nil }, bom.OutputItemCode, outputQty, false)
}

// ExplodeBOM is the catalog-backed explosion entry point.
func ExplodeBOM(ctx context.Context, itemCode string, outputQty decimal.Decimal, recursive bool) ([]BomComponent, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	db := config.GetDB()
	return ExplodeWith(BomResolver(db.WithContext(ctx), businessId), itemCode, outputQty, recursive)
}

func (input NewBOM) validate() error {
	if len(input.Lines) == 0 {
		return errors.New("bom must have at least one line")
	}
	for _, line := range input.Lines {
		if line.ItemCode == "" {
			return errors.New("bom line item code is required")
		}
		if line.Qty.IsNegative() {
			return errors.New("bom line qty cannot be negative")
		}
	}
	return nil
}

func CreateBOM(ctx context.Context, input *NewBOM) (*BOM, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	// A zero base output qty is a legal stored value; upstream catalogs
	// contain them. The explosion rejects it with a named error when used.
	baseQty := input.BaseOutputQty
	uom := input.Uom
	if uom == "" {
		uom = "Unit"
	}
	isActive := input.IsActive
	if isActive == nil {
		isActive = utils.NewTrue()
	}
	isDefault := input.IsDefault
	if isDefault == nil {
		isDefault = utils.NewFalse()
	}
	status := input.CurrentStatus
	if status == "" {
		status = BomStatusDraft
	}

	lines := make([]BOMLine, 0, len(input.Lines))
	for _, l := range input.Lines {
		lineUom := l.Uom
		if lineUom == "" {
			lineUom = "Unit"
		}
		lines = append(lines, BOMLine{
			ItemCode: l.ItemCode,
			Qty:      l.Qty,
			Uom:      lineUom,
		})
	}

	bom := BOM{
		BusinessId:     businessId,
		OutputItemCode: input.OutputItemCode,
		Name:           input.Name,
		BaseOutputQty:  baseQty,
		Uom:            uom,
		IsActive:       isActive,
		IsDefault:      isDefault,
		CurrentStatus:  status,
		Lines:          lines,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&bom).Error; err != nil {
		return nil, err
	}
	return &bom, nil
}

func GetBOM(ctx context.Context, id int) (*BOM, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[BOM](ctx, businessId, id, "Lines")
}
