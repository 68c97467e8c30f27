package models

import (
	"context"
	"time"

	"github.com/triboka/agroledger_backend/config"
)

// MetadataAuditEntry is one line of the append-only provenance trail. Entries
// are only ever inserted; there is no update or delete path anywhere in the
// codebase, and history survives the metadata lock.
type MetadataAuditEntry struct {
	ID         int       `gorm:"primary_key" json:"id"`
	ContractId int       `gorm:"not null;index:idx_audit_contract,priority:1" json:"contract_id"`
	Field      string    `gorm:"size:50;not null" json:"field"`
	OldValue   string    `gorm:"size:1000" json:"old_value"`
	NewValue   string    `gorm:"size:1000" json:"new_value"`
	Reason     string    `gorm:"size:500" json:"reason"`
	Verified   bool      `gorm:"not null;default:false" json:"verified"`
	UserId     int       `gorm:"not null" json:"user_id"`
	UserRole   string    `gorm:"size:20;not null" json:"user_role"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index:idx_audit_contract,priority:2" json:"created_at"`
}

// GetMetadataHistory returns the full audit trail for a contract's metadata,
// oldest first, optionally narrowed to one field.
func GetMetadataHistory(ctx context.Context, contractId int, field *string) ([]*MetadataAuditEntry, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("contract_id = ?", contractId)
	if field != nil && *field != "" {
		dbCtx = dbCtx.Where("field = ?", *field)
	}
	var entries []*MetadataAuditEntry
	if err := dbCtx.Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
