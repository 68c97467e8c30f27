package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/triboka/agroledger_backend/chain"
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExportContract is a forward contract for an agricultural commodity lot.
// FixedVolume is a cached aggregate of its fixations; the authoritative value
// is always recomputed inside the fixation critical section.
type ExportContract struct {
	ID                int             `gorm:"primary_key" json:"id"`
	ContractCode      string          `gorm:"size:50;not null;uniqueIndex" json:"contract_code"`
	ProducerCompanyId int             `gorm:"index" json:"producer_company_id"`
	ExporterCompanyId int             `gorm:"not null;index" json:"exporter_company_id"`
	BuyerCompanyId    int             `gorm:"not null;index" json:"buyer_company_id"`
	Product           string          `gorm:"size:100;not null" json:"product"`
	QualityGrade      string          `gorm:"size:50" json:"quality_grade"`
	TotalVolume       decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"total_volume"`
	FixedVolume       decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"fixed_volume"`
	Differential      decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"differential"`
	Currency          string          `gorm:"size:3;not null;default:'USD'" json:"currency"`
	Incoterm          string          `gorm:"size:10" json:"incoterm"`
	DeliveryStartDate *time.Time      `json:"delivery_start_date"`
	DeliveryEndDate   *time.Time      `json:"delivery_end_date"`
	Status            ContractStatus  `gorm:"size:20;not null;default:'draft';index" json:"status"`
	TxHash            string          `gorm:"size:80" json:"tx_hash"`
	ChainRecordId     string          `gorm:"size:64" json:"chain_record_id"`
	CreatedBy         int             `gorm:"not null" json:"created_by"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewExportContract struct {
	ContractCode      string          `json:"contract_code" validate:"required,max=50"`
	ProducerCompanyId int             `json:"producer_company_id"`
	ExporterCompanyId int             `json:"exporter_company_id" validate:"required"`
	BuyerCompanyId    int             `json:"buyer_company_id" validate:"required"`
	Product           string          `json:"product" validate:"required,max=100"`
	QualityGrade      string          `json:"quality_grade" validate:"required,max=50"`
	TotalVolume       decimal.Decimal `json:"total_volume"`
	Differential      decimal.Decimal `json:"differential"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	Incoterm          string          `json:"incoterm"`
	DeliveryStartDate *time.Time      `json:"delivery_start_date"`
	DeliveryEndDate   *time.Time      `json:"delivery_end_date"`
}

// ContractView is the read model: the contract plus derived volume figures.
type ContractView struct {
	ExportContract
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
}

func (input *NewExportContract) validate() error {
	if !input.TotalVolume.IsPositive() {
		return utils.NewValidationError("total_volume", "must be positive")
	}
	if input.DeliveryStartDate == nil || input.DeliveryEndDate == nil {
		return utils.NewValidationError("delivery_dates", "delivery window is required")
	}
	if !input.DeliveryEndDate.After(*input.DeliveryStartDate) {
		return utils.NewValidationError("delivery_end_date", "must be after delivery_start_date")
	}
	return nil
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// CreateContract creates the contract in draft and enqueues its anchor request
// in the same transaction, so the on-chain mirror can never reference an
// uncommitted row.
func CreateContract(ctx context.Context, input *NewExportContract) (*ExportContract, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if ok, missing := CanAct(p, "contract:create", input.ExporterCompanyId); !ok {
		return nil, &utils.PermissionDeniedError{Missing: missing}
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}

	contract := ExportContract{
		ContractCode:      input.ContractCode,
		ProducerCompanyId: input.ProducerCompanyId,
		ExporterCompanyId: input.ExporterCompanyId,
		BuyerCompanyId:    input.BuyerCompanyId,
		Product:           input.Product,
		QualityGrade:      input.QualityGrade,
		TotalVolume:       input.TotalVolume,
		Differential:      input.Differential,
		Currency:          currency,
		Incoterm:          input.Incoterm,
		DeliveryStartDate: input.DeliveryStartDate,
		DeliveryEndDate:   input.DeliveryEndDate,
		Status:            ContractStatusDraft,
		CreatedBy:         p.UserId,
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&contract).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewValidationError("contract_code", "already exists")
			}
			return err
		}
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
		return EnqueueAnchorRequest(tx, AnchorReferenceTypeContract, contract.ID,
			chain.OpAnchorContract, contract.anchorPayload(), correlationId)
	})
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

// UpdateContract modifies commercial terms. Only draft contracts are mutable;
// everything after activation goes through the status workflow or fixations.
// The draft check happens against a row locked FOR UPDATE so a concurrent
// activation cannot slip a terms change onto a live contract.
func UpdateContract(ctx context.Context, id int, input *NewExportContract) (*ExportContract, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var contract ExportContract
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contract, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if ok, missing := CanAct(p, "contract:update", contract.ExporterCompanyId); !ok {
			return &utils.PermissionDeniedError{Missing: missing}
		}
		if contract.Status != ContractStatusDraft {
			return utils.NewValidationError("status", "only draft contracts can be modified")
		}

		if err := tx.Model(&contract).Updates(map[string]interface{}{
			"ContractCode":      input.ContractCode,
			"ProducerCompanyId": input.ProducerCompanyId,
			"ExporterCompanyId": input.ExporterCompanyId,
			"BuyerCompanyId":    input.BuyerCompanyId,
			"Product":           input.Product,
			"QualityGrade":      input.QualityGrade,
			"TotalVolume":       input.TotalVolume,
			"Differential":      input.Differential,
			"Incoterm":          input.Incoterm,
			"DeliveryStartDate": input.DeliveryStartDate,
			"DeliveryEndDate":   input.DeliveryEndDate,
		}).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.NewValidationError("contract_code", "already exists")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey(fixationSummaryCacheKey(contract.ID))
	return &contract, nil
}

// UpdateContractStatus moves the contract through the workflow table.
// Activation additionally requires a positive total volume and a complete
// delivery window; activation and completion re-anchor the contract. The
// transition is checked against a row locked FOR UPDATE, so two concurrent
// transitions serialize and the loser is rejected against the committed
// status instead of the stale one it read.
func UpdateContractStatus(ctx context.Context, id int, target ContractStatus) (*ExportContract, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var contract ExportContract
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contract, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if ok, missing := CanAct(p, "contract:status", contract.ExporterCompanyId); !ok {
			return &utils.PermissionDeniedError{Missing: missing}
		}
		if !contract.Status.CanTransitionTo(target) {
			return &utils.InvalidTransitionError{From: string(contract.Status), To: string(target)}
		}
		if target == ContractStatusActive {
			if !contract.TotalVolume.IsPositive() {
				return utils.NewValidationError("total_volume", "must be positive to activate")
			}
			if contract.DeliveryStartDate == nil || contract.DeliveryEndDate == nil {
				return utils.NewValidationError("delivery_dates", "delivery window is required to activate")
			}
		}

		if err := tx.Model(&contract).Update("Status", target).Error; err != nil {
			return err
		}
		contract.Status = target
		if target == ContractStatusActive || target == ContractStatusCompleted {
			correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
			return EnqueueAnchorRequest(tx, AnchorReferenceTypeContract, contract.ID,
				chain.OpAnchorContract, contract.anchorPayload(), correlationId)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

// DeleteContract removes a draft contract. Contracts with fixations are never
// deletable, not even for administrators. The fixation count runs after the
// contract row is locked FOR UPDATE: CreateFixation holds the same row lock,
// so the count cannot miss a fixation that commits concurrently. Queued
// anchor requests for the contract are dead-lettered in the same transaction.
func DeleteContract(ctx context.Context, id int) (*ExportContract, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var contract ExportContract
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&contract, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if ok, missing := CanAct(p, "contract:delete", contract.ExporterCompanyId); !ok {
			return &utils.PermissionDeniedError{Missing: missing}
		}
		if contract.Status != ContractStatusDraft {
			return utils.NewValidationError("status", "only draft contracts can be deleted")
		}

		var fixationCount int64
		if err := tx.Model(&ContractFixation{}).
			Where("contract_id = ?", id).Count(&fixationCount).Error; err != nil {
			return err
		}
		if fixationCount > 0 {
			return &utils.HasDependentsError{Dependent: "fixations"}
		}

		if err := DeadletterAnchorRequests(tx, AnchorReferenceTypeContract, contract.ID); err != nil {
			return err
		}
		return tx.Delete(&contract).Error
	})
	if err != nil {
		return nil, err
	}
	return &contract, nil
}

func GetContract(ctx context.Context, id int) (*ContractView, error) {
	db := config.GetDB()
	var contract ExportContract
	if err := db.WithContext(ctx).First(&contract, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	view := ContractView{
		ExportContract:  contract,
		RemainingVolume: contract.TotalVolume.Sub(contract.FixedVolume),
	}
	return &view, nil
}

func GetContracts(ctx context.Context, status *string, companyId *int) ([]*ContractView, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&ExportContract{})
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	if companyId != nil && *companyId != 0 {
		dbCtx = dbCtx.Where(
			"producer_company_id = ? OR exporter_company_id = ? OR buyer_company_id = ?",
			*companyId, *companyId, *companyId)
	}
	var contracts []*ExportContract
	if err := dbCtx.Order("id DESC").Find(&contracts).Error; err != nil {
		return nil, err
	}
	views := make([]*ContractView, 0, len(contracts))
	for _, c := range contracts {
		views = append(views, &ContractView{
			ExportContract:  *c,
			RemainingVolume: c.TotalVolume.Sub(c.FixedVolume),
		})
	}
	return views, nil
}

// anchorPayload is what gets hashed and mirrored on-chain for the contract.
func (c *ExportContract) anchorPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"contract_code":       c.ContractCode,
		"producer_company_id": c.ProducerCompanyId,
		"exporter_company_id": c.ExporterCompanyId,
		"buyer_company_id":    c.BuyerCompanyId,
		"product":             c.Product,
		"quality_grade":       c.QualityGrade,
		"total_volume":        c.TotalVolume.String(),
		"differential":        c.Differential.String(),
		"currency":            c.Currency,
		"status":              string(c.Status),
	}
	if c.DeliveryStartDate != nil {
		payload["delivery_start_date"] = c.DeliveryStartDate.UTC().Format("2006-01-02")
	}
	if c.DeliveryEndDate != nil {
		payload["delivery_end_date"] = c.DeliveryEndDate.UTC().Format("2006-01-02")
	}
	return payload
}
