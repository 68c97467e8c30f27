package models

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AgriculturalMetadata is the provenance record attached to a contract: how
// the lot was grown, processed and received. Writes are field-level, gated by
// counterparty, audited, and frozen forever once the record is locked.
type AgriculturalMetadata struct {
	ID         int `gorm:"primary_key" json:"id"`
	ContractId int `gorm:"not null;uniqueIndex" json:"contract_id"`

	// Producer-owned fields.
	HarvestDate              *time.Time       `json:"harvest_date"`
	CultivationMethod        string           `gorm:"size:100" json:"cultivation_method"`
	BeanVariety              string           `gorm:"size:100" json:"bean_variety"`
	FarmAltitudeMeters       *int             `json:"farm_altitude_meters"`
	FermentationType         string           `gorm:"size:100" json:"fermentation_type"`
	FermentationDurationHrs  *int             `json:"fermentation_duration_hrs"`
	DryingMethod             string           `gorm:"size:100" json:"drying_method"`
	DryingDurationDays       *int             `json:"drying_duration_days"`
	FinalMoisturePercentage  *decimal.Decimal `gorm:"type:decimal(5,2)" json:"final_moisture_percentage"`
	OrganicCertified         *bool            `json:"organic_certified"`
	ShadeGrown               *bool            `json:"shade_grown"`
	FairTradeCertified       *bool            `json:"fair_trade_certified"`

	// Exporter-owned fields.
	ReceptionDate     *time.Time       `json:"reception_date"`
	WarehouseLocation string           `gorm:"size:255" json:"warehouse_location"`
	ExportLotCode     string           `gorm:"size:50" json:"export_lot_code"`
	QualityScore      *decimal.Decimal `gorm:"type:decimal(5,2)" json:"quality_score"`

	// Buyer-owned fields.
	FinalReceptionDate     *time.Time `json:"final_reception_date"`
	FinalQualityAssessment string     `gorm:"size:500" json:"final_quality_assessment"`

	// Universal fields. CustomCertifications is a free-form JSON object for
	// certification schemes that have no dedicated column yet.
	Notes                string `gorm:"size:1000" json:"notes"`
	CustomCertifications string `gorm:"type:json" json:"custom_certifications"`

	Locked    bool       `gorm:"not null;default:false" json:"locked"`
	LockedAt  *time.Time `json:"locked_at"`
	LockedBy  int        `json:"locked_by"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// metadataField binds a writable field name to its owner group and its typed
// accessors. Setters parse API string values into the typed columns.
type metadataField struct {
	Group MetadataFieldGroup
	Get   func(*AgriculturalMetadata) string
	Set   func(*AgriculturalMetadata, string) error
}

func dateField(group MetadataFieldGroup, get func(*AgriculturalMetadata) **time.Time) metadataField {
	return metadataField{
		Group: group,
		Get: func(m *AgriculturalMetadata) string {
			if v := *get(m); v != nil {
				return v.UTC().Format("2006-01-02")
			}
			return ""
		},
		Set: func(m *AgriculturalMetadata, value string) error {
			if value == "" {
				*get(m) = nil
				return nil
			}
			t, err := time.Parse("2006-01-02", value)
			if err != nil {
				return utils.NewValidationError("value", "expected date in YYYY-MM-DD format")
			}
			*get(m) = &t
			return nil
		},
	}
}

func stringField(group MetadataFieldGroup, get func(*AgriculturalMetadata) *string) metadataField {
	return metadataField{
		Group: group,
		Get:   func(m *AgriculturalMetadata) string { return *get(m) },
		Set: func(m *AgriculturalMetadata, value string) error {
			*get(m) = value
			return nil
		},
	}
}

func intField(group MetadataFieldGroup, get func(*AgriculturalMetadata) **int) metadataField {
	return metadataField{
		Group: group,
		Get: func(m *AgriculturalMetadata) string {
			if v := *get(m); v != nil {
				return strconv.Itoa(*v)
			}
			return ""
		},
		Set: func(m *AgriculturalMetadata, value string) error {
			if value == "" {
				*get(m) = nil
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return utils.NewValidationError("value", "expected integer")
			}
			*get(m) = &n
			return nil
		},
	}
}

func decimalField(group MetadataFieldGroup, get func(*AgriculturalMetadata) **decimal.Decimal) metadataField {
	return metadataField{
		Group: group,
		Get: func(m *AgriculturalMetadata) string {
			if v := *get(m); v != nil {
				return v.String()
			}
			return ""
		},
		Set: func(m *AgriculturalMetadata, value string) error {
			if value == "" {
				*get(m) = nil
				return nil
			}
			d, err := decimal.NewFromString(value)
			if err != nil {
				return utils.NewValidationError("value", "expected decimal number")
			}
			*get(m) = &d
			return nil
		},
	}
}

func boolField(group MetadataFieldGroup, get func(*AgriculturalMetadata) **bool) metadataField {
	return metadataField{
		Group: group,
		Get: func(m *AgriculturalMetadata) string {
			if v := *get(m); v != nil {
				return strconv.FormatBool(*v)
			}
			return ""
		},
		Set: func(m *AgriculturalMetadata, value string) error {
			if value == "" {
				*get(m) = nil
				return nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return utils.NewValidationError("value", "expected true or false")
			}
			*get(m) = &b
			return nil
		},
	}
}

func jsonField(group MetadataFieldGroup, get func(*AgriculturalMetadata) *string) metadataField {
	return metadataField{
		Group: group,
		Get:   func(m *AgriculturalMetadata) string { return *get(m) },
		Set: func(m *AgriculturalMetadata, value string) error {
			if value != "" && !json.Valid([]byte(value)) {
				return utils.NewValidationError("value", "expected a JSON object")
			}
			*get(m) = value
			return nil
		},
	}
}

var metadataFields = map[string]metadataField{
	"harvest_date":              dateField(FieldGroupProducer, func(m *AgriculturalMetadata) **time.Time { return &m.HarvestDate }),
	"cultivation_method":        stringField(FieldGroupProducer, func(m *AgriculturalMetadata) *string { return &m.CultivationMethod }),
	"bean_variety":              stringField(FieldGroupProducer, func(m *AgriculturalMetadata) *string { return &m.BeanVariety }),
	"farm_altitude_meters":      intField(FieldGroupProducer, func(m *AgriculturalMetadata) **int { return &m.FarmAltitudeMeters }),
	"fermentation_type":         stringField(FieldGroupProducer, func(m *AgriculturalMetadata) *string { return &m.FermentationType }),
	"fermentation_duration_hrs": intField(FieldGroupProducer, func(m *AgriculturalMetadata) **int { return &m.FermentationDurationHrs }),
	"drying_method":             stringField(FieldGroupProducer, func(m *AgriculturalMetadata) *string { return &m.DryingMethod }),
	"drying_duration_days":      intField(FieldGroupProducer, func(m *AgriculturalMetadata) **int { return &m.DryingDurationDays }),
	"final_moisture_percentage": decimalField(FieldGroupProducer, func(m *AgriculturalMetadata) **decimal.Decimal { return &m.FinalMoisturePercentage }),
	"organic_certified":         boolField(FieldGroupProducer, func(m *AgriculturalMetadata) **bool { return &m.OrganicCertified }),
	"shade_grown":               boolField(FieldGroupProducer, func(m *AgriculturalMetadata) **bool { return &m.ShadeGrown }),
	"fair_trade_certified":      boolField(FieldGroupProducer, func(m *AgriculturalMetadata) **bool { return &m.FairTradeCertified }),

	"reception_date":     dateField(FieldGroupExporter, func(m *AgriculturalMetadata) **time.Time { return &m.ReceptionDate }),
	"warehouse_location": stringField(FieldGroupExporter, func(m *AgriculturalMetadata) *string { return &m.WarehouseLocation }),
	"export_lot_code":    stringField(FieldGroupExporter, func(m *AgriculturalMetadata) *string { return &m.ExportLotCode }),
	"quality_score":      decimalField(FieldGroupExporter, func(m *AgriculturalMetadata) **decimal.Decimal { return &m.QualityScore }),

	"final_reception_date":     dateField(FieldGroupBuyer, func(m *AgriculturalMetadata) **time.Time { return &m.FinalReceptionDate }),
	"final_quality_assessment": stringField(FieldGroupBuyer, func(m *AgriculturalMetadata) *string { return &m.FinalQualityAssessment }),

	"notes":                 stringField(FieldGroupUniversal, func(m *AgriculturalMetadata) *string { return &m.Notes }),
	"custom_certifications": jsonField(FieldGroupUniversal, func(m *AgriculturalMetadata) *string { return &m.CustomCertifications }),
}

// requiredForLock are the traceability fields a record must carry before the
// one-way lock is allowed.
var requiredForLock = []string{
	"harvest_date",
	"cultivation_method",
	"fermentation_type",
	"drying_method",
	"final_moisture_percentage",
}

func (m *AgriculturalMetadata) missingRequiredFields() []string {
	var missing []string
	for _, name := range requiredForLock {
		if metadataFields[name].Get(m) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// SustainabilityScore is a derived 0-100 figure from the certified practice
// flags; nil until at least one flag has been recorded.
func (m *AgriculturalMetadata) SustainabilityScore() *int {
	flags := []*bool{m.OrganicCertified, m.ShadeGrown, m.FairTradeCertified}
	recorded := 0
	positive := 0
	for _, f := range flags {
		if f == nil {
			continue
		}
		recorded++
		if *f {
			positive++
		}
	}
	if recorded == 0 {
		return nil
	}
	score := positive * 100 / len(flags)
	return &score
}

// MetadataFieldUpdate is one field write. Reason and Verified feed the audit
// trail untouched.
type MetadataFieldUpdate struct {
	Field    string `json:"field" validate:"required"`
	Value    string `json:"value"`
	Reason   string `json:"reason" validate:"max=500"`
	Verified bool   `json:"verified"`
}

func getOrCreateMetadata(tx *gorm.DB, contractId int) (*AgriculturalMetadata, error) {
	var meta AgriculturalMetadata
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("contract_id = ?", contractId).First(&meta).Error
	if err == nil {
		return &meta, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	meta = AgriculturalMetadata{ContractId: contractId}
	if err := tx.Create(&meta).Error; err != nil {
		return nil, err
	}
	return &meta, nil
}

// WriteMetadataFields applies field writes and their audit entries in one
// transaction. Writing an unchanged value is a no-op and leaves no audit
// entry. Any write after the lock fails, administrators included.
func WriteMetadataFields(ctx context.Context, contractId int, updates []MetadataFieldUpdate) (*AgriculturalMetadata, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var contract ExportContract
	if err := db.WithContext(ctx).First(&contract, contractId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	var meta *AgriculturalMetadata
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta, err = getOrCreateMetadata(tx, contractId)
		if err != nil {
			return err
		}
		if meta.Locked {
			lockedAt := meta.UpdatedAt
			if meta.LockedAt != nil {
				lockedAt = *meta.LockedAt
			}
			return &utils.AlreadyLockedError{LockedAt: lockedAt}
		}

		changed := false
		for _, update := range updates {
			field, ok := metadataFields[update.Field]
			if !ok {
				return utils.NewValidationError("field", "unknown metadata field "+update.Field)
			}
			if ok, missing := CanWriteMetadataField(p, field.Group,
				contract.ProducerCompanyId, contract.ExporterCompanyId, contract.BuyerCompanyId); !ok {
				return &utils.PermissionDeniedError{Missing: missing}
			}

			oldValue := field.Get(meta)
			if err := field.Set(meta, update.Value); err != nil {
				return err
			}
			newValue := field.Get(meta)
			if oldValue == newValue {
				continue
			}
			changed = true

			entry := MetadataAuditEntry{
				ContractId: contractId,
				Field:      update.Field,
				OldValue:   oldValue,
				NewValue:   newValue,
				Reason:     update.Reason,
				Verified:   update.Verified,
				UserId:     p.UserId,
				UserRole:   string(p.Role),
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		}

		if !changed {
			return nil
		}
		return tx.Save(meta).Error
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// LockMetadata freezes the record forever. It refuses while any required
// traceability field is missing, and there is deliberately no unlock path.
func LockMetadata(ctx context.Context, contractId int) (*AgriculturalMetadata, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var contract ExportContract
	if err := db.WithContext(ctx).First(&contract, contractId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if ok, missing := CanAct(p, "metadata:lock", contract.ExporterCompanyId); !ok {
		return nil, &utils.PermissionDeniedError{Missing: missing}
	}

	var meta *AgriculturalMetadata
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		meta, err = getOrCreateMetadata(tx, contractId)
		if err != nil {
			return err
		}
		if meta.Locked {
			lockedAt := meta.UpdatedAt
			if meta.LockedAt != nil {
				lockedAt = *meta.LockedAt
			}
			return &utils.AlreadyLockedError{LockedAt: lockedAt}
		}
		if missing := meta.missingRequiredFields(); len(missing) > 0 {
			return &utils.IncompleteMetadataError{Missing: missing}
		}

		now := time.Now().UTC()
		meta.Locked = true
		meta.LockedAt = &now
		meta.LockedBy = p.UserId
		return tx.Save(meta).Error
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func GetMetadata(ctx context.Context, contractId int) (*AgriculturalMetadata, error) {
	db := config.GetDB()
	var meta AgriculturalMetadata
	if err := db.WithContext(ctx).Where("contract_id = ?", contractId).First(&meta).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &meta, nil
}

// MetadataFieldNames lists the writable fields per group, for API discovery.
func MetadataFieldNames(group MetadataFieldGroup) []string {
	var names []string
	for name, field := range metadataFields {
		if field.Group == group {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
