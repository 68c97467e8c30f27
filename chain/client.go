package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/triboka/agroledger_backend/utils"
)

// Tx is an anchoring transaction against the registry contract. The network
// is a private PoA chain; payloads are content hashes, not value transfers.
type Tx struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Nonce     uint64 `json:"nonce"`
	GasLimit  int64  `json:"gas"`
	ChainId   int    `json:"chainId"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
}

type EventLog struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes"`
}

type Receipt struct {
	TxHash      string     `json:"transactionHash"`
	Status      int        `json:"status"`
	BlockNumber int64      `json:"blockNumber"`
	GasUsed     int64      `json:"gasUsed"`
	Logs        []EventLog `json:"logs"`
}

// Client is the RPC boundary to the anchoring network. Nothing outside the
// pipeline talks to it.
type Client interface {
	EstimateGas(ctx context.Context, tx *Tx) (int64, error)
	SendSignedTransaction(ctx context.Context, tx *Tx) (string, error)
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
	Call(ctx context.Context, contract string, method string, args ...interface{}) ([]byte, error)
	BlockNumber(ctx context.Context) (int64, error)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Id      uint64        `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// RPCClient implements Client over JSON-RPC 2.0.
type RPCClient struct {
	url    string
	http   *http.Client
	nextId atomic.Uint64
}

func NewRPCClient(url string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *RPCClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		Id:      c.nextId.Add(1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrorChainUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: rpc status %d", utils.ErrorChainUnavailable, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrorChainUnavailable, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

func (c *RPCClient) EstimateGas(ctx context.Context, tx *Tx) (int64, error) {
	var gas int64
	if err := c.call(ctx, "agro_estimateGas", &gas, tx); err != nil {
		return 0, err
	}
	return gas, nil
}

func (c *RPCClient) SendSignedTransaction(ctx context.Context, tx *Tx) (string, error) {
	var txHash string
	if err := c.call(ctx, "agro_sendTransaction", &txHash, tx); err != nil {
		return "", err
	}
	return txHash, nil
}

func (c *RPCClient) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var receipt *Receipt
	if err := c.call(ctx, "agro_getTransactionReceipt", &receipt, txHash); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *RPCClient) Call(ctx context.Context, contract string, method string, args ...interface{}) ([]byte, error) {
	var out []byte
	params := append([]interface{}{contract, method}, args...)
	if err := c.call(ctx, "agro_call", &out, params...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (int64, error) {
	var n int64
	if err := c.call(ctx, "agro_blockNumber", &n); err != nil {
		return 0, err
	}
	return n, nil
}
