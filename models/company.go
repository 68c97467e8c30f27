package models

import (
	"context"
	"time"

	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
)

type Company struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Name          string      `gorm:"size:255;not null" json:"name" binding:"required"`
	CompanyType   CompanyType `gorm:"size:20;not null" json:"company_type" binding:"required"`
	Country       string      `gorm:"size:100" json:"country"`
	ContactEmail  string      `gorm:"size:255" json:"contact_email"`
	ContactPhone  string      `gorm:"size:30" json:"contact_phone"`
	WalletAddress string      `gorm:"size:66" json:"wallet_address"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCompany struct {
	Name          string `json:"name" validate:"required"`
	CompanyType   string `json:"company_type" validate:"required,oneof=producer exporter buyer"`
	Country       string `json:"country"`
	ContactEmail  string `json:"contact_email" validate:"omitempty,email"`
	ContactPhone  string `json:"contact_phone"`
	WalletAddress string `json:"wallet_address"`
}

func CreateCompany(ctx context.Context, input *NewCompany) (*Company, error) {
	if input.ContactPhone != "" {
		if err := utils.ValidatePhoneNumber(input.ContactPhone, utils.CountryCode); err != nil {
			return nil, utils.NewValidationError("contact_phone", err.Error())
		}
	}
	if input.ContactEmail != "" && !utils.IsValidEmail(input.ContactEmail) {
		return nil, utils.NewValidationError("contact_email", "invalid email")
	}

	db := config.GetDB()
	company := Company{
		Name:          input.Name,
		CompanyType:   CompanyType(input.CompanyType),
		Country:       input.Country,
		ContactEmail:  input.ContactEmail,
		ContactPhone:  input.ContactPhone,
		WalletAddress: input.WalletAddress,
	}
	if err := db.WithContext(ctx).Create(&company).Error; err != nil {
		return nil, err
	}
	return &company, nil
}

func GetCompany(ctx context.Context, id int) (*Company, error) {
	db := config.GetDB()
	var company Company
	if err := db.WithContext(ctx).First(&company, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &company, nil
}

func GetCompanies(ctx context.Context, companyType *string) ([]*Company, error) {
	db := config.GetDB()
	var companies []*Company
	dbCtx := db.WithContext(ctx)
	if companyType != nil && *companyType != "" {
		dbCtx = dbCtx.Where("company_type = ?", *companyType)
	}
	if err := dbCtx.Order("name ASC").Find(&companies).Error; err != nil {
		return nil, err
	}
	return companies, nil
}
