package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/triboka/agroledger_backend/chain"
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnchorDispatcher drains the anchor-request outbox: it claims due rows,
// drives them through the transaction pipeline, and writes the outcome back.
// Anchoring failures only ever touch the request row, so the relational
// records a request mirrors are never rolled back by chain trouble.
type AnchorDispatcher struct {
	DB           *gorm.DB
	Pipeline     *chain.TransactionPipeline
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewAnchorDispatcher(db *gorm.DB, pipeline *chain.TransactionPipeline, logger *logrus.Logger) *AnchorDispatcher {
	return &AnchorDispatcher{
		DB:             db,
		Pipeline:       pipeline,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *AnchorDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		d.reconcileOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *AnchorDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.AnchorRequest
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch), reclaim after LockTimeout
		q := tx.
			Where(`
				(
					status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.AnchorStatusPending, models.AnchorStatusFailed}, now, models.AnchorStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			// Enforce max attempts: poison requests go terminal (DLQ equivalent).
			if d.MaxAttempts > 0 && claimed[i].Attempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max anchoring attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].Status = models.AnchorStatusDead
				if err := tx.Model(&models.AnchorRequest{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"status":          models.AnchorStatusDead,
					"error_detail":    &msg,
					"next_attempt_at": nil,
					"locked_at":       nil,
					"locked_by":       nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			// Claim for submission.
			claimed[i].Status = models.AnchorStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].Attempts = claimed[i].Attempts + 1
			if err := tx.Model(&models.AnchorRequest{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"status":          claimed[i].Status,
				"locked_at":       claimed[i].LockedAt,
				"locked_by":       claimed[i].LockedBy,
				"attempts":        gorm.Expr("attempts + 1"),
				"error_detail":    nil,
				"next_attempt_at": nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for _, req := range claimed {
		// Skip terminal rows that were marked DEAD in the claim transaction.
		if req.Status == models.AnchorStatusDead {
			continue
		}
		d.submit(ctx, req)
	}
}

func (d *AnchorDispatcher) submit(ctx context.Context, req models.AnchorRequest) {
	var payload map[string]interface{}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		// Unparseable payload can never succeed; straight to DEAD.
		msg := "unparseable anchor payload: " + err.Error()
		_ = d.DB.WithContext(ctx).Model(&models.AnchorRequest{}).
			Where("id = ?", req.ID).
			Updates(map[string]interface{}{
				"status":       models.AnchorStatusDead,
				"error_detail": &msg,
				"locked_at":    nil,
				"locked_by":    nil,
			}).Error
		return
	}

	outcome := d.Pipeline.Submit(ctx, chain.Operation{
		Kind:        chain.OperationKind(req.OperationKind),
		ReferenceId: req.ReferenceId,
		Payload:     payload,
	})
	d.persistOutcome(ctx, req, outcome)
}

// persistOutcome writes the attempt result onto the request row and, when
// confirmed, mirrors the chain identifiers onto the domain record.
func (d *AnchorDispatcher) persistOutcome(ctx context.Context, req models.AnchorRequest, outcome chain.TxOutcome) {
	req.ApplyOutcome(outcome)

	updates := map[string]interface{}{
		"status":          req.Status,
		"mode":            req.Mode,
		"tx_hash":         req.TxHash,
		"block_number":    req.BlockNumber,
		"chain_record_id": req.ChainRecordId,
		"error_detail":    req.ErrorDetail,
		"confirmed_at":    req.ConfirmedAt,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": nil,
	}
	if req.Status == models.AnchorStatusFailed {
		next := time.Now().UTC().Add(d.backoff(req.Attempts))
		updates["next_attempt_at"] = &next
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":           "AnchorDispatcher",
				"request_id":      req.ID,
				"reference_type":  string(req.ReferenceType),
				"reference_id":    req.ReferenceId,
				"attempt":         req.Attempts,
				"next_attempt_at": next.Format(time.RFC3339Nano),
			}).Error("anchoring attempt failed: " + outcome.ErrorDetail)
		}
	}

	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AnchorRequest{}).
			Where("id = ?", req.ID).
			Updates(updates).Error; err != nil {
			return err
		}
		if req.Status != models.AnchorStatusConfirmed {
			return nil
		}
		return writeChainIdsBack(tx, req)
	})
	if err != nil {
		if d.Logger != nil {
			config.LogError(d.Logger, "anchorDispatcher.go", "persistOutcome", "Updates", req.ID, err)
		}
		return
	}

	d.publishEvent(ctx, req, outcome)
}

func writeChainIdsBack(tx *gorm.DB, req models.AnchorRequest) error {
	updates := map[string]interface{}{
		"tx_hash":         req.TxHash,
		"chain_record_id": req.ChainRecordId,
	}
	switch req.ReferenceType {
	case models.AnchorReferenceTypeContract:
		return tx.Model(&models.ExportContract{}).Where("id = ?", req.ReferenceId).Updates(updates).Error
	case models.AnchorReferenceTypeFixation:
		return tx.Model(&models.ContractFixation{}).Where("id = ?", req.ReferenceId).Updates(updates).Error
	}
	return nil
}

// reconcileOnce upgrades SUBMITTED requests whose receipt arrived after the
// submission attempt timed out.
func (d *AnchorDispatcher) reconcileOnce(ctx context.Context) {
	db := d.DB
	if db == nil {
		return
	}
	var submitted []models.AnchorRequest
	if err := db.WithContext(ctx).
		Where("status = ? AND tx_hash <> ''", models.AnchorStatusSubmitted).
		Order("id ASC").
		Limit(d.BatchSize).
		Find(&submitted).Error; err != nil {
		return
	}
	for _, req := range submitted {
		outcome := d.Pipeline.Verify(ctx, req.TxHash)
		if outcome.Status == chain.OutcomeStatusPending {
			continue
		}
		d.persistOutcome(ctx, req, outcome)
	}
}

// publishEvent is best-effort: downstream consumers can always rebuild state
// from the anchor_requests table.
func (d *AnchorDispatcher) publishEvent(ctx context.Context, req models.AnchorRequest, outcome chain.TxOutcome) {
	_, err := config.PublishAnchorEvent(ctx, config.AnchorEventMessage{
		RequestId:     req.ID,
		ReferenceId:   req.ReferenceId,
		ReferenceType: string(req.ReferenceType),
		Mode:          string(outcome.Mode),
		Status:        req.Status,
		TxHash:        req.TxHash,
		BlockNumber:   req.BlockNumber,
		OccurredAt:    time.Now().UTC(),
		CorrelationId: req.CorrelationId,
	})
	if err != nil && d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":      "AnchorDispatcher",
			"request_id": req.ID,
		}).Error("anchor event publish failed: " + err.Error())
	}
}

func (d *AnchorDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			backoff = time.Minute * 10
			break
		}
	}
	return backoff
}
