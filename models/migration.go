package models

import "gorm.io/gorm"

// Migrate runs AutoMigrate for every model in dependency order.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Business{},
		&Warehouse{},
		&Item{},
		&BOM{},
		&BOMLine{},
		&WorkOrder{},
		&MaterialRequirement{},
		&ProductionPlan{},
		&PlannedRequirement{},
		&MaterialTransfer{},
		&MaterialTransferDetail{},
		&TransferAllocation{},
		&StockHistory{},
		&DocumentSeries{},
	)
}
