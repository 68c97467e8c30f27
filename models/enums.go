package models

import (
	"encoding/json"
	"errors"
)

type ContractStatus string

const (
	ContractStatusDraft     ContractStatus = "draft"
	ContractStatusActive    ContractStatus = "active"
	ContractStatusSuspended ContractStatus = "suspended"
	ContractStatusCompleted ContractStatus = "completed"
	ContractStatusCancelled ContractStatus = "cancelled"
)

// contractTransitions is the closed workflow table. Completed and cancelled
// are terminal.
var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractStatusDraft:     {ContractStatusActive, ContractStatusCancelled},
	ContractStatusActive:    {ContractStatusSuspended, ContractStatusCompleted},
	ContractStatusSuspended: {ContractStatusActive, ContractStatusCancelled},
	ContractStatusCompleted: {},
	ContractStatusCancelled: {},
}

func (s ContractStatus) CanTransitionTo(target ContractStatus) bool {
	for _, allowed := range contractTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

func ParseContractStatus(s string) (ContractStatus, error) {
	switch ContractStatus(s) {
	case ContractStatusDraft, ContractStatusActive, ContractStatusSuspended,
		ContractStatusCompleted, ContractStatusCancelled:
		return ContractStatus(s), nil
	}
	return "", errors.New("invalid contract status")
}

func (s *ContractStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("contract status must be string")
	}
	parsed, err := ParseContractStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleBroker   UserRole = "broker"
	UserRoleOperator UserRole = "operator"
	UserRoleExporter UserRole = "exporter"
	UserRoleBuyer    UserRole = "buyer"
	UserRoleProducer UserRole = "producer"
)

// Administrative roles pass every permission check.
func (r UserRole) IsAdministrative() bool {
	return r == UserRoleAdmin || r == UserRoleBroker
}

type CompanyType string

const (
	CompanyTypeProducer CompanyType = "producer"
	CompanyTypeExporter CompanyType = "exporter"
	CompanyTypeBuyer    CompanyType = "buyer"
)

// AnchorReferenceType names the domain record an anchor request mirrors.
type AnchorReferenceType string

const (
	AnchorReferenceTypeContract AnchorReferenceType = "ExportContract"
	AnchorReferenceTypeFixation AnchorReferenceType = "ContractFixation"
)

// Anchor request lifecycle, following the transactional-outbox shape:
// rows are claimed, attempted, retried with backoff, and go terminal DEAD
// after max attempts.
const (
	AnchorStatusPending    = "PENDING"
	AnchorStatusProcessing = "PROCESSING"
	AnchorStatusSubmitted  = "SUBMITTED"
	AnchorStatusConfirmed  = "CONFIRMED"
	AnchorStatusFailed     = "FAILED"
	AnchorStatusDead       = "DEAD"
)

// MetadataFieldGroup gates which counterparty may write a metadata field.
type MetadataFieldGroup string

const (
	FieldGroupProducer  MetadataFieldGroup = "producer"
	FieldGroupExporter  MetadataFieldGroup = "exporter"
	FieldGroupBuyer     MetadataFieldGroup = "buyer"
	FieldGroupUniversal MetadataFieldGroup = "universal"
)
