package models

import (
	"encoding/json"
	"time"

	"github.com/triboka/agroledger_backend/chain"
	"github.com/triboka/agroledger_backend/config"
	"gorm.io/gorm"
)

// AnchorRequest is the transactional-outbox row for blockchain anchoring.
// Domain writes enqueue a request in the same transaction; the dispatcher
// claims due rows after commit and drives them through the pipeline. Chain
// failures only ever mutate this row, never the domain record it mirrors.
type AnchorRequest struct {
	ID            int                 `gorm:"primary_key;index:idx_anchor_dispatch,priority:3" json:"id"`
	ReferenceId   int                 `gorm:"not null;index:idx_anchor_reference,priority:2" json:"reference_id"`
	ReferenceType AnchorReferenceType `gorm:"size:32;not null;index:idx_anchor_reference,priority:1" json:"reference_type"`
	OperationKind string              `gorm:"size:32;not null" json:"operation_kind"`
	Payload       []byte              `gorm:"type:blob" json:"payload"`
	PayloadHash   string              `gorm:"size:64;not null" json:"payload_hash"`

	Status        string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_anchor_dispatch,priority:1" json:"status"`
	Mode          string     `gorm:"size:16" json:"mode"`
	TxHash        string     `gorm:"size:80;index" json:"tx_hash"`
	BlockNumber   int64      `json:"block_number"`
	ChainRecordId string     `gorm:"size:64" json:"chain_record_id"`
	ErrorDetail   *string    `gorm:"type:text" json:"error_detail"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt *time.Time `gorm:"index;index:idx_anchor_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt      *time.Time `gorm:"index" json:"locked_at"`
	LockedBy      *string    `gorm:"size:100" json:"locked_by"`
	ConfirmedAt   *time.Time `json:"confirmed_at"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueAnchorRequest writes an anchor request inside the caller's
// transaction so the request commits or rolls back together with the domain
// record it anchors.
func EnqueueAnchorRequest(tx *gorm.DB, refType AnchorReferenceType, refId int, kind chain.OperationKind, payload map[string]interface{}, correlationId string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	request := AnchorRequest{
		ReferenceId:   refId,
		ReferenceType: refType,
		OperationKind: string(kind),
		Payload:       raw,
		PayloadHash:   chain.PayloadHash(payload),
		Status:        AnchorStatusPending,
		NextAttemptAt: &now,
		CorrelationId: correlationId,
	}
	return tx.Create(&request).Error
}

// ApplyOutcome records the result of one anchoring attempt on the request row.
func (r *AnchorRequest) ApplyOutcome(outcome chain.TxOutcome) {
	r.Mode = string(outcome.Mode)
	if outcome.TxHash != "" {
		r.TxHash = outcome.TxHash
	}
	if outcome.BlockNumber != 0 {
		r.BlockNumber = outcome.BlockNumber
	}
	if outcome.ChainRecordId != "" {
		r.ChainRecordId = outcome.ChainRecordId
	}
	if outcome.ErrorDetail != "" {
		detail := outcome.ErrorDetail
		r.ErrorDetail = &detail
	}
	switch outcome.Status {
	case chain.OutcomeStatusConfirmed:
		r.Status = AnchorStatusConfirmed
		now := time.Now().UTC()
		r.ConfirmedAt = &now
		r.ErrorDetail = nil
	case chain.OutcomeStatusPending:
		r.Status = AnchorStatusSubmitted
	default:
		r.Status = AnchorStatusFailed
	}
}

// HasBlockingAnchor reports whether a domain record carries an anchor that is
// confirmed or still in flight. Both block revocation: a PROCESSING or
// SUBMITTED transaction may confirm on-chain at any moment, so only records
// whose anchors are absent, queued or failed remain revocable.
func HasBlockingAnchor(db *gorm.DB, refType AnchorReferenceType, refId int) (bool, error) {
	var count int64
	err := db.Model(&AnchorRequest{}).
		Where("reference_type = ? AND reference_id = ? AND status IN ?", refType, refId,
			[]string{AnchorStatusProcessing, AnchorStatusSubmitted, AnchorStatusConfirmed}).
		Count(&count).Error
	return count > 0, err
}

// DeadletterAnchorRequests parks a record's queued anchor requests as DEAD so
// the dispatcher never anchors a record that no longer exists. Must run inside
// the transaction that deletes the record.
func DeadletterAnchorRequests(tx *gorm.DB, refType AnchorReferenceType, refId int) error {
	return tx.Model(&AnchorRequest{}).
		Where("reference_type = ? AND reference_id = ? AND status IN ?", refType, refId,
			[]string{AnchorStatusPending, AnchorStatusFailed}).
		Update("status", AnchorStatusDead).Error
}

// GetAnchorRequests returns the most recent anchoring attempts for one domain
// record, newest first.
func GetAnchorRequests(refType AnchorReferenceType, refId int) ([]*AnchorRequest, error) {
	db := config.GetDB()
	var requests []*AnchorRequest
	if err := db.
		Where("reference_type = ? AND reference_id = ?", refType, refId).
		Order("id DESC").
		Limit(config.SearchLimit).
		Find(&requests).Error; err != nil {
		config.LogError(config.GetLogger(), "anchorOutbox.go", "GetAnchorRequests", "Find", refId, err)
		return nil, err
	}
	return requests, nil
}
