package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triboka/agroledger_backend/config"
	"github.com/triboka/agroledger_backend/utils"
)

func simConfig() config.ChainConfig {
	return config.ChainConfig{
		ChainId:        100,
		AnchorKey:      "test-key",
		ReceiptTimeout: 2 * time.Second,
		ProbeInterval:  time.Hour,
	}
}

func TestPipeline_NilClientRunsInSimulationMode(t *testing.T) {
	p := NewTransactionPipeline(nil, simConfig(), nil)
	if p.Mode() != ModeSimulation {
		t.Fatalf("expected simulation mode, got %s", p.Mode())
	}
}

func TestPipeline_SimulationOutcomesAreDeterministicAndDistinct(t *testing.T) {
	p := NewTransactionPipeline(nil, simConfig(), nil)
	op := Operation{Kind: OpAnchorContract, ReferenceId: 1, Payload: map[string]interface{}{"contract_code": "C-001"}}

	first := p.Submit(context.Background(), op)
	second := p.Submit(context.Background(), op)

	for _, outcome := range []TxOutcome{first, second} {
		if outcome.Mode != ModeSimulation {
			t.Fatalf("expected simulation mode, got %s", outcome.Mode)
		}
		if outcome.Status != OutcomeStatusConfirmed {
			t.Fatalf("simulated submissions must confirm immediately, got %s", outcome.Status)
		}
		if !strings.HasPrefix(outcome.TxHash, "0xsim") {
			t.Fatalf("simulated tx hash must be marked, got %q", outcome.TxHash)
		}
	}
	if first.TxHash == second.TxHash {
		t.Fatalf("identical payloads must still produce distinct tx hashes")
	}
	if second.BlockNumber <= first.BlockNumber {
		t.Fatalf("simulated block numbers must be monotonic: %d then %d", first.BlockNumber, second.BlockNumber)
	}
	if first.ChainRecordId == second.ChainRecordId {
		t.Fatalf("simulated record ids must be distinct")
	}
}

func TestPipeline_SimulationIdsDistinctUnderConcurrency(t *testing.T) {
	p := NewTransactionPipeline(nil, simConfig(), nil)
	op := Operation{Kind: OpAnchorFixation, ReferenceId: 7, Payload: map[string]interface{}{"quantity": "10"}}

	const n = 50
	outcomes := make([]TxOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.Submit(context.Background(), op)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, o := range outcomes {
		if o.Status != OutcomeStatusConfirmed {
			t.Fatalf("expected confirmed, got %s", o.Status)
		}
		if seen[o.TxHash] {
			t.Fatalf("duplicate simulated tx hash %s", o.TxHash)
		}
		seen[o.TxHash] = true
	}
}

func TestPayloadHash_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"contract_code": "C-001", "total_volume": "100", "product": "cocoa"}
	b := map[string]interface{}{"product": "cocoa", "contract_code": "C-001", "total_volume": "100"}
	if PayloadHash(a) != PayloadHash(b) {
		t.Fatalf("payload hash must not depend on map insertion order")
	}
	c := map[string]interface{}{"contract_code": "C-002", "total_volume": "100", "product": "cocoa"}
	if PayloadHash(a) == PayloadHash(c) {
		t.Fatalf("different payloads must hash differently")
	}
}

type fakeClient struct {
	mu          sync.Mutex
	receipts    map[string]*Receipt
	blockErr    error
	sendErr     error
	receiptErrs int
	sent        []*Tx
}

func (f *fakeClient) EstimateGas(ctx context.Context, tx *Tx) (int64, error) { return 21000, nil }

func (f *fakeClient) SendSignedTransaction(ctx context.Context, tx *Tx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, tx)
	return "0xabc123", nil
}

func (f *fakeClient) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErrs > 0 {
		f.receiptErrs--
		return nil, utils.ErrorChainUnavailable
	}
	return f.receipts[txHash], nil
}

func (f *fakeClient) Call(ctx context.Context, contract string, method string, args ...interface{}) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (int64, error) {
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	return 42, nil
}

func TestPipeline_LiveSubmitConfirmsAndReadsRecordId(t *testing.T) {
	client := &fakeClient{
		receipts: map[string]*Receipt{
			"0xabc123": {
				TxHash:      "0xabc123",
				Status:      1,
				BlockNumber: 1042,
				Logs: []EventLog{
					{Name: "ContractRegistered", Attributes: map[string]string{"recordId": "REG-55"}},
				},
			},
		},
	}
	p := NewTransactionPipeline(client, simConfig(), nil)
	if p.Mode() != ModeLive {
		t.Fatalf("reachable node must give live mode, got %s", p.Mode())
	}

	outcome := p.Submit(context.Background(), Operation{
		Kind:        OpAnchorContract,
		ReferenceId: 5,
		Payload:     map[string]interface{}{"contract_code": "C-005"},
	})
	if outcome.Status != OutcomeStatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", outcome.Status, outcome.ErrorDetail)
	}
	if outcome.Mode != ModeLive {
		t.Fatalf("expected live mode outcome, got %s", outcome.Mode)
	}
	if outcome.BlockNumber != 1042 {
		t.Fatalf("expected block 1042, got %d", outcome.BlockNumber)
	}
	if outcome.ChainRecordId != "REG-55" {
		t.Fatalf("expected chain record id from event log, got %q", outcome.ChainRecordId)
	}
	if len(client.sent) != 1 || client.sent[0].Signature == "" {
		t.Fatalf("submitted transaction must be signed")
	}
}

func TestPipeline_RevertedReceiptIsFailedOutcome(t *testing.T) {
	client := &fakeClient{
		receipts: map[string]*Receipt{
			"0xabc123": {TxHash: "0xabc123", Status: 0, BlockNumber: 900},
		},
	}
	p := NewTransactionPipeline(client, simConfig(), nil)

	outcome := p.Submit(context.Background(), Operation{
		Kind:        OpAnchorFixation,
		ReferenceId: 9,
		Payload:     map[string]interface{}{"quantity": "5"},
	})
	if outcome.Status != OutcomeStatusFailed {
		t.Fatalf("reverted tx must fail, got %s", outcome.Status)
	}
	if !strings.Contains(outcome.ErrorDetail, utils.ErrorChainReverted.Error()) {
		t.Fatalf("expected revert detail, got %q", outcome.ErrorDetail)
	}
}

func TestPipeline_SendFailureNeverReturnsError(t *testing.T) {
	client := &fakeClient{sendErr: errors.New("connection refused")}
	p := NewTransactionPipeline(client, simConfig(), nil)

	outcome := p.Submit(context.Background(), Operation{
		Kind:        OpAnchorContract,
		ReferenceId: 3,
		Payload:     map[string]interface{}{"contract_code": "C-003"},
	})
	if outcome.Status != OutcomeStatusFailed {
		t.Fatalf("expected failed outcome, got %s", outcome.Status)
	}
	if outcome.ErrorDetail == "" {
		t.Fatalf("failed outcome must carry the error detail")
	}
}

func TestPipeline_VerifyUpgradesSubmittedTx(t *testing.T) {
	client := &fakeClient{receipts: map[string]*Receipt{}}
	p := NewTransactionPipeline(client, simConfig(), nil)

	pending := p.Verify(context.Background(), "0xabc123")
	if pending.Status != OutcomeStatusPending {
		t.Fatalf("missing receipt must stay pending, got %s", pending.Status)
	}

	client.mu.Lock()
	client.receipts["0xabc123"] = &Receipt{TxHash: "0xabc123", Status: 1, BlockNumber: 1100}
	client.mu.Unlock()

	confirmed := p.Verify(context.Background(), "0xabc123")
	if confirmed.Status != OutcomeStatusConfirmed {
		t.Fatalf("receipt arrival must confirm, got %s", confirmed.Status)
	}
	if confirmed.BlockNumber != 1100 {
		t.Fatalf("expected block 1100, got %d", confirmed.BlockNumber)
	}
}
