package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireContractFixLock serializes fixation writes per contract across
// instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the fixation transaction.
func AcquireContractFixLock(tx *gorm.DB, contractId int) error {
	lockName := fmt.Sprintf("contractfix:%d", contractId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire fixation lock for contract_id=%d", contractId)
	}
	return nil
}

func ReleaseContractFixLock(tx *gorm.DB, contractId int) {
	lockName := fmt.Sprintf("contractfix:%d", contractId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
