package models

import (
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentSeries numbers documents per business and module.
type DocumentSeries struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index:idx_doc_series_biz_module,priority:1;not null" json:"business_id"`
	ModuleName string    `gorm:"index:idx_doc_series_biz_module,priority:2;size:50;not null" json:"module_name"`
	Prefix     string    `gorm:"size:20;not null" json:"prefix"`
	NextNumber int       `gorm:"default:1" json:"next_number"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

var defaultPrefixes = map[string]string{
	ModuleMaterialTransfer: "MT",
	ModuleWorkOrder:        "WO",
	ModuleProductionPlan:   "PP",
}

// get documentPrefix for module, redis or db
func getDocumentPrefix(businessId string, moduleName string) (string, error) {
	prefixes := make(map[string]string) // moduleName => prefix
	redisKey := "docPrefixMap:" + businessId
	exists, err := config.GetRedisObject(redisKey, &prefixes)
	if err != nil {
		return "", err
	}
	if !exists {
		db := config.GetDB()
		var rows []*DocumentSeries
		if err := db.Where("business_id = ?", businessId).Find(&rows).Error; err != nil {
			return "", err
		}
		for _, row := range rows {
			prefixes[row.ModuleName] = row.Prefix
		}
		if err := config.SetRedisObject(redisKey, &prefixes, 0); err != nil {
			return "", err
		}
	}

	prefix, ok := prefixes[moduleName]
	if !ok || prefix == "" {
		prefix = defaultPrefixes[moduleName]
	}
	if prefix == "" {
		return "", errors.New("invalid module name")
	}
	return prefix, nil
}

// NextDocumentNumber reserves the next number of the series inside the
// caller's transaction; a concurrent caller blocks on the row lock until
// this transaction commits or rolls back.
func NextDocumentNumber(tx *gorm.DB, businessId string, moduleName string) (string, error) {
	prefix, err := getDocumentPrefix(businessId, moduleName)
	if err != nil {
		return "", err
	}

	var series DocumentSeries
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND module_name = ?", businessId, moduleName).
		First(&series).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		series = DocumentSeries{
			BusinessId: businessId,
			ModuleName: moduleName,
			Prefix:     prefix,
			NextNumber: 1,
		}
		if err := tx.Create(&series).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	number := series.NextNumber
	if err := tx.Model(&DocumentSeries{}).Where("id = ?", series.ID).
		Update("next_number", number+1).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", prefix, number), nil
}
