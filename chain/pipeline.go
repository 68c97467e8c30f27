package chain

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
)

type Mode string

const (
	ModeLive       Mode = "live"
	ModeSimulation Mode = "simulation"
)

type OutcomeStatus string

const (
	OutcomeStatusPending   OutcomeStatus = "pending"
	OutcomeStatusConfirmed OutcomeStatus = "confirmed"
	OutcomeStatusFailed    OutcomeStatus = "failed"
)

type OperationKind string

const (
	OpAnchorContract OperationKind = "AnchorContract"
	OpAnchorFixation OperationKind = "AnchorFixation"
)

// Operation is one anchoring request. Payload carries the domain fields to
// encode on-chain; map keys are sorted by encoding/json so the content hash
// is stable.
type Operation struct {
	Kind        OperationKind
	ReferenceId int
	Payload     map[string]interface{}
}

// TxOutcome is the result of a single anchoring attempt. A failed outcome is
// a valid domain state ("not yet anchored"), never an error of the operation
// that triggered it.
type TxOutcome struct {
	Mode          Mode
	Status        OutcomeStatus
	TxHash        string
	BlockNumber   int64
	ChainRecordId string
	ErrorDetail   string
}

// TransactionPipeline builds, signs, submits and confirms anchoring
// transactions. It is constructed once at startup and injected into the
// ledgers; mode is decided during construction and re-probed lazily.
type TransactionPipeline struct {
	client Client
	cfg    config.ChainConfig
	logger *logrus.Logger

	mu        sync.Mutex
	mode      Mode
	lastProbe time.Time

	nonce      atomic.Uint64
	simCounter atomic.Uint64
}

// NewTransactionPipeline probes the node once and falls back to simulation
// mode when it is unreachable, so the rest of the system stays functional
// without a live network.
func NewTransactionPipeline(client Client, cfg config.ChainConfig, logger *logrus.Logger) *TransactionPipeline {
	p := &TransactionPipeline{
		client: client,
		cfg:    cfg,
		logger: logger,
		mode:   ModeSimulation,
	}
	if client != nil && p.probe() {
		p.mode = ModeLive
	}
	p.lastProbe = time.Now()
	if p.mode == ModeSimulation && logger != nil {
		logger.Warn("chain node unreachable; transaction pipeline running in simulation mode")
	}
	return p
}

func (p *TransactionPipeline) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := p.client.BlockNumber(ctx)
	return err == nil
}

// Mode returns the current pipeline mode, re-probing an unreachable node at
// most once per probe interval.
func (p *TransactionPipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeSimulation && p.client != nil && time.Since(p.lastProbe) > p.cfg.ProbeInterval {
		p.lastProbe = time.Now()
		if p.probe() {
			p.mode = ModeLive
			if p.logger != nil {
				p.logger.Info("chain node reachable again; transaction pipeline switched to live mode")
			}
		}
	}
	return p.mode
}

// PayloadHash is the SHA-256 content hash of the operation payload. The same
// hash is what gets anchored on-chain for tamper evidence.
func PayloadHash(payload map[string]interface{}) string {
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Submit anchors one operation and returns the outcome. It never returns an
// error: every failure path is folded into a failed TxOutcome for later
// reconciliation via Verify.
func (p *TransactionPipeline) Submit(ctx context.Context, op Operation) TxOutcome {
	if p.Mode() == ModeSimulation {
		return p.simulate(op)
	}

	tx, err := p.buildSignedTx(op)
	if err != nil {
		return failedOutcome(ModeLive, "", err)
	}

	gas, err := p.client.EstimateGas(ctx, tx)
	if err != nil {
		return failedOutcome(ModeLive, "", err)
	}
	tx.GasLimit = gas

	txHash, err := p.client.SendSignedTransaction(ctx, tx)
	if err != nil {
		return failedOutcome(ModeLive, "", err)
	}

	receipt, err := p.waitForReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, utils.ErrorChainTimeout) {
			// Submitted but unconfirmed; reconciliation upgrades it later.
			return TxOutcome{Mode: ModeLive, Status: OutcomeStatusPending, TxHash: txHash, ErrorDetail: err.Error()}
		}
		return failedOutcome(ModeLive, txHash, err)
	}

	return outcomeFromReceipt(op.Kind, receipt)
}

// Verify re-queries chain state for a previously submitted transaction. Used
// by the reconciliation path to upgrade pending/failed outcomes out-of-band.
func (p *TransactionPipeline) Verify(ctx context.Context, txHash string) TxOutcome {
	if p.Mode() == ModeSimulation {
		return TxOutcome{Mode: ModeSimulation, Status: OutcomeStatusConfirmed, TxHash: txHash}
	}

	receipt, err := p.client.GetReceipt(ctx, txHash)
	if err != nil {
		return failedOutcome(ModeLive, txHash, err)
	}
	if receipt == nil {
		return TxOutcome{Mode: ModeLive, Status: OutcomeStatusPending, TxHash: txHash}
	}
	return outcomeFromReceipt("", receipt)
}

func (p *TransactionPipeline) waitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	deadline := time.Now().Add(p.cfg.ReceiptTimeout)
	for {
		receipt, err := p.client.GetReceipt(ctx, txHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
		if time.Now().After(deadline) {
			return nil, utils.ErrorChainTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (p *TransactionPipeline) buildSignedTx(op Operation) (*Tx, error) {
	if p.cfg.AnchorKey == "" {
		return nil, errors.New("anchoring key not configured")
	}

	data, err := json.Marshal(map[string]interface{}{
		"kind":    string(op.Kind),
		"ref":     op.ReferenceId,
		"payload": op.Payload,
		"hash":    PayloadHash(op.Payload),
	})
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		From:    anchorAddress(p.cfg.AnchorKey),
		To:      p.cfg.RegistryAddress,
		Nonce:   p.nonce.Add(1),
		ChainId: p.cfg.ChainId,
		Data:    hex.EncodeToString(data),
	}

	mac := hmac.New(sha256.New, []byte(p.cfg.AnchorKey))
	mac.Write([]byte(fmt.Sprintf("%s|%s|%d|%d|%s", tx.From, tx.To, tx.Nonce, tx.ChainId, tx.Data)))
	tx.Signature = hex.EncodeToString(mac.Sum(nil))
	return tx, nil
}

// simulate fabricates a deterministic outcome: payload hash plus a monotonic
// counter, confirmed immediately with zero network latency.
func (p *TransactionPipeline) simulate(op Operation) TxOutcome {
	seq := p.simCounter.Add(1)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", PayloadHash(op.Payload), seq)))
	return TxOutcome{
		Mode:          ModeSimulation,
		Status:        OutcomeStatusConfirmed,
		TxHash:        "0xsim" + hex.EncodeToString(sum[:14]),
		BlockNumber:   int64(seq),
		ChainRecordId: fmt.Sprintf("SIM-%d", seq),
	}
}

func anchorAddress(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "0x" + hex.EncodeToString(sum[:20])
}

func failedOutcome(mode Mode, txHash string, err error) TxOutcome {
	return TxOutcome{Mode: mode, Status: OutcomeStatusFailed, TxHash: txHash, ErrorDetail: err.Error()}
}

func outcomeFromReceipt(kind OperationKind, receipt *Receipt) TxOutcome {
	if receipt.Status != 1 {
		return TxOutcome{
			Mode:        ModeLive,
			Status:      OutcomeStatusFailed,
			TxHash:      receipt.TxHash,
			BlockNumber: receipt.BlockNumber,
			ErrorDetail: utils.ErrorChainReverted.Error(),
		}
	}

	outcome := TxOutcome{
		Mode:        ModeLive,
		Status:      OutcomeStatusConfirmed,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	}
	// The registry emits the chain-assigned record id on registration.
	for _, log := range receipt.Logs {
		if log.Name == "ContractRegistered" || log.Name == "FixationRegistered" {
			if id, ok := log.Attributes["recordId"]; ok {
				outcome.ChainRecordId = id
			}
		}
	}
	return outcome
}
