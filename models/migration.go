package models

import (
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
)

func MigrateTable() {
	db := config.GetDB()

	utils.ErrorPanic(db.AutoMigrate(
		&Company{},
		&ExportContract{}, &ContractFixation{},
		&AgriculturalMetadata{}, &MetadataAuditEntry{},
		&AnchorRequest{},
	))
}
