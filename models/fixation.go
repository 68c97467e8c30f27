package models

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
	"github.com/triboka/agroledger_backend/chain"
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContractFixation allocates part of a contract's volume at a fixed price.
// Value is quantity x (spot price + contract differential), computed once at
// creation and stored.
type ContractFixation struct {
	ID            int             `gorm:"primary_key" json:"id"`
	ContractId    int             `gorm:"not null;index" json:"contract_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"quantity"`
	SpotPrice     decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"spot_price"`
	PricePerUnit  decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"price_per_unit"`
	Value         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"value"`
	FixationDate  time.Time       `gorm:"not null;index" json:"fixation_date"`
	Notes         string          `gorm:"size:500" json:"notes"`
	TxHash        string          `gorm:"size:80" json:"tx_hash"`
	ChainRecordId string          `gorm:"size:64" json:"chain_record_id"`
	CreatedBy     int             `gorm:"not null" json:"created_by"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewContractFixation struct {
	ContractId   int             `json:"contract_id" validate:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
	SpotPrice    decimal.Decimal `json:"spot_price"`
	FixationDate *time.Time      `json:"fixation_date"`
	Notes        string          `json:"notes" validate:"max=500"`
}

// FixationSummary aggregates a contract's fixations for pricing desks.
type FixationSummary struct {
	ContractId           int                 `json:"contract_id"`
	ContractCode         string              `json:"contract_code"`
	TotalVolume          decimal.Decimal     `json:"total_volume"`
	FixedVolume          decimal.Decimal     `json:"fixed_volume"`
	RemainingVolume      decimal.Decimal     `json:"remaining_volume"`
	TotalValue           decimal.Decimal     `json:"total_value"`
	WeightedAveragePrice decimal.Decimal     `json:"weighted_average_price"`
	Monthly              []MonthlyFixation   `json:"monthly"`
	Fixations            []*ContractFixation `json:"fixations"`
}

type MonthlyFixation struct {
	Month    string          `json:"month"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
}

// obtainFixationLock is the best-effort distributed front door. The MySQL
// advisory lock inside the transaction is authoritative; Redis only keeps
// concurrent app instances from piling up on the database lock.
func obtainFixationLock(ctx context.Context, contractId int) func() {
	locker := config.GetRedisLock()
	if locker == nil {
		return func() {}
	}
	lockKey := fmt.Sprintf("fixation:%d", contractId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
	})
	if err != nil {
		return func() {}
	}
	return func() { _ = lock.Release(ctx) }
}

// CreateFixation allocates volume on an active contract. The status check and
// the volume check both happen inside the per-contract critical section, so
// concurrent fixations can never oversell the contract.
func CreateFixation(ctx context.Context, input *NewContractFixation) (*ContractFixation, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !input.Quantity.IsPositive() {
		return nil, utils.NewValidationError("quantity", "must be positive")
	}
	if !input.SpotPrice.IsPositive() {
		return nil, utils.NewValidationError("spot_price", "must be positive")
	}

	release := obtainFixationLock(ctx, input.ContractId)
	defer release()

	db := config.GetDB()
	var fixation ContractFixation
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireContractFixLock(tx, input.ContractId); err != nil {
			return err
		}
		defer ReleaseContractFixLock(tx, input.ContractId)

		var contract ExportContract
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contract, input.ContractId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if ok, missing := CanAct(p, "fixation:create", contract.ExporterCompanyId, contract.BuyerCompanyId); !ok {
			return &utils.PermissionDeniedError{Missing: missing}
		}
		if contract.Status != ContractStatusActive {
			return utils.NewValidationError("status", "contract must be active to fix volume")
		}

		// Authoritative allocated volume, never the cached column.
		var fixed decimal.NullDecimal
		if err := tx.Model(&ContractFixation{}).
			Where("contract_id = ?", contract.ID).
			Select("COALESCE(SUM(quantity), 0)").
			Scan(&fixed).Error; err != nil {
			return err
		}
		available := contract.TotalVolume.Sub(fixed.Decimal)
		if input.Quantity.GreaterThan(available) {
			return &utils.InsufficientVolumeError{ContractCode: contract.ContractCode, Available: available}
		}

		pricePerUnit := input.SpotPrice.Add(contract.Differential)
		fixationDate := utils.DereferencePtr(input.FixationDate)
		if fixationDate.IsZero() {
			fixationDate = time.Now().UTC()
		}
		fixation = ContractFixation{
			ContractId:   contract.ID,
			Quantity:     input.Quantity,
			SpotPrice:    input.SpotPrice,
			PricePerUnit: pricePerUnit,
			Value:        input.Quantity.Mul(pricePerUnit),
			FixationDate: fixationDate,
			Notes:        input.Notes,
			CreatedBy:    p.UserId,
		}
		if err := tx.Create(&fixation).Error; err != nil {
			return err
		}

		if err := tx.Model(&contract).
			Update("FixedVolume", fixed.Decimal.Add(input.Quantity)).Error; err != nil {
			return err
		}

		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		return EnqueueAnchorRequest(tx, AnchorReferenceTypeFixation, fixation.ID,
			chain.OpAnchorFixation, fixation.anchorPayload(&contract), correlationId)
	})
	if err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey(fixationSummaryCacheKey(fixation.ContractId))
	return &fixation, nil
}

// DeleteFixation revokes an allocation and returns its volume to the
// contract. Fixations whose anchor is confirmed or still in flight are
// irrevocable; queued anchor requests are dead-lettered with the delete so
// the dispatcher never anchors a fixation that no longer exists.
func DeleteFixation(ctx context.Context, id int) (*ContractFixation, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var fixation ContractFixation
	if err := db.WithContext(ctx).First(&fixation, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if !p.Role.IsAdministrative() && fixation.CreatedBy != p.UserId {
		return nil, &utils.PermissionDeniedError{Missing: "fixation:delete"}
	}

	release := obtainFixationLock(ctx, fixation.ContractId)
	defer release()

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireContractFixLock(tx, fixation.ContractId); err != nil {
			return err
		}
		defer ReleaseContractFixLock(tx, fixation.ContractId)

		anchored, err := HasBlockingAnchor(tx, AnchorReferenceTypeFixation, fixation.ID)
		if err != nil {
			return err
		}
		if anchored {
			return utils.NewValidationError("fixation", "fixations with a confirmed or in-flight anchor cannot be revoked")
		}

		var contract ExportContract
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contract, fixation.ContractId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if err := DeadletterAnchorRequests(tx, AnchorReferenceTypeFixation, fixation.ID); err != nil {
			return err
		}
		if err := tx.Delete(&fixation).Error; err != nil {
			return err
		}

		var fixed decimal.NullDecimal
		if err := tx.Model(&ContractFixation{}).
			Where("contract_id = ?", contract.ID).
			Select("COALESCE(SUM(quantity), 0)").
			Scan(&fixed).Error; err != nil {
			return err
		}
		return tx.Model(&contract).Update("FixedVolume", fixed.Decimal).Error
	})
	if err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey(fixationSummaryCacheKey(fixation.ContractId))
	return &fixation, nil
}

func fixationSummaryCacheKey(contractId int) string {
	return fmt.Sprintf("fixation-summary:%d", contractId)
}

// GetContractFixationSummary reports fixed volume, remaining volume, the
// volume-weighted average price and a month-by-month breakdown. The summary
// is served from a short-lived Redis cache; fixation and contract mutations
// invalidate it.
func GetContractFixationSummary(ctx context.Context, contractId int) (*FixationSummary, error) {
	cacheKey := fixationSummaryCacheKey(contractId)
	var cached FixationSummary
	if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok {
		return &cached, nil
	}

	db := config.GetDB()
	var contract ExportContract
	if err := db.WithContext(ctx).First(&contract, contractId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	var fixations []*ContractFixation
	if err := db.WithContext(ctx).
		Where("contract_id = ?", contractId).
		Order("fixation_date ASC, id ASC").
		Find(&fixations).Error; err != nil {
		return nil, err
	}

	summary := FixationSummary{
		ContractId:   contract.ID,
		ContractCode: contract.ContractCode,
		TotalVolume:  contract.TotalVolume,
		Fixations:    fixations,
		Monthly:      []MonthlyFixation{},
	}

	monthlyIndex := map[string]int{}
	for _, f := range fixations {
		summary.FixedVolume = summary.FixedVolume.Add(f.Quantity)
		summary.TotalValue = summary.TotalValue.Add(f.Value)

		month := f.FixationDate.UTC().Format("2006-01")
		idx, ok := monthlyIndex[month]
		if !ok {
			idx = len(summary.Monthly)
			monthlyIndex[month] = idx
			summary.Monthly = append(summary.Monthly, MonthlyFixation{Month: month})
		}
		summary.Monthly[idx].Quantity = summary.Monthly[idx].Quantity.Add(f.Quantity)
		summary.Monthly[idx].Value = summary.Monthly[idx].Value.Add(f.Value)
	}

	summary.RemainingVolume = contract.TotalVolume.Sub(summary.FixedVolume)
	if summary.FixedVolume.IsPositive() {
		summary.WeightedAveragePrice = summary.TotalValue.DivRound(summary.FixedVolume, 4)
	}
	_ = config.SetRedisObject(cacheKey, &summary, time.Minute)
	return &summary, nil
}

func (f *ContractFixation) anchorPayload(contract *ExportContract) map[string]interface{} {
	return map[string]interface{}{
		"contract_code":  contract.ContractCode,
		"quantity":       f.Quantity.String(),
		"spot_price":     f.SpotPrice.String(),
		"price_per_unit": f.PricePerUnit.String(),
		"value":          f.Value.String(),
		"fixation_date":  f.FixationDate.UTC().Format("2006-01-02"),
	}
}
