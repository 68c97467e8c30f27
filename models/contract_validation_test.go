package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/triboka/agroledger_backend/utils"
)

func validContractInput() *NewExportContract {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	return &NewExportContract{
		ContractCode:      "TRB-2025-VAL",
		ExporterCompanyId: 1,
		BuyerCompanyId:    2,
		Product:           "cocoa",
		QualityGrade:      "ASE",
		TotalVolume:       decimal.RequireFromString("100"),
		DeliveryStartDate: &start,
		DeliveryEndDate:   &end,
	}
}

func TestNewExportContractValidate(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*NewExportContract)
		wantField string
	}{
		{"valid input", func(c *NewExportContract) {}, ""},
		{"zero volume", func(c *NewExportContract) {
			c.TotalVolume = decimal.Zero
		}, "total_volume"},
		{"negative volume", func(c *NewExportContract) {
			c.TotalVolume = decimal.RequireFromString("-10")
		}, "total_volume"},
		{"missing start date", func(c *NewExportContract) {
			c.DeliveryStartDate = nil
		}, "delivery_dates"},
		{"missing end date", func(c *NewExportContract) {
			c.DeliveryEndDate = nil
		}, "delivery_dates"},
		{"equal dates", func(c *NewExportContract) {
			c.DeliveryEndDate = c.DeliveryStartDate
		}, "delivery_end_date"},
		{"end before start", func(c *NewExportContract) {
			c.DeliveryStartDate, c.DeliveryEndDate = c.DeliveryEndDate, c.DeliveryStartDate
		}, "delivery_end_date"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validContractInput()
			tc.mutate(input)
			err := input.validate()
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("valid input rejected: %v", err)
				}
				return
			}
			var validationErr *utils.ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validationErr.Field != tc.wantField {
				t.Fatalf("expected field %q, got %q", tc.wantField, validationErr.Field)
			}
		})
	}
}
