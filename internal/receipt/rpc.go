package receipt

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Client is a minimal JSON-RPC client for the payment chain. It covers
// the three calls this service needs: receipt lookup, head block, and
// the contract's getNonce view.
type Client struct {
	Endpoint string
	Contract common.Address

	httpClient *http.Client
}

func NewClient(endpoint string, contract common.Address) *Client {
	return &Client{
		Endpoint:   endpoint,
		Contract:   contract,
		httpClient: http.DefaultClient,
	}
}

// TxReceipt is the subset of an Ethereum transaction receipt we inspect.
type TxReceipt struct {
	Status      string  `json:"status"`      // "0x1" for success, "0x0" for revert
	BlockNumber string  `json:"blockNumber"` // hex
	Logs        []TxLog `json:"logs"`
}

// TxLog is a single event log entry.
type TxLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TransactionReceipt fetches a transaction receipt. A nil receipt with
// nil error means the transaction is not mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	var receipt *TxReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &hexNum); err != nil {
		return 0, err
	}
	return ParseHexInt64(hexNum), nil
}

// CurrentNonce reads the contract's stored nonce for a user hash via
// eth_call on getNonce(bytes32).
func (c *Client) CurrentNonce(ctx context.Context, userHash [32]byte) (uint64, error) {
	selector := getNonceSelector()
	data := "0x" + hex.EncodeToString(append(selector, userHash[:]...))

	var result string
	err := c.call(ctx, "eth_call", []interface{}{
		map[string]interface{}{
			"to":   c.Contract.Hex(),
			"data": data,
		},
		"latest",
	}, &result)
	if err != nil {
		return 0, err
	}

	trimmed := strings.TrimPrefix(result, "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("empty getNonce response")
	}
	nonce, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad getNonce response %q: %w", result, err)
	}
	return nonce, nil
}

// RevertReason replays a reverted transaction with eth_call at its
// block to recover the contract's revert reason. Best effort: nodes
// differ in how much detail they return, so an empty string is a normal
// outcome.
func (c *Client) RevertReason(ctx context.Context, txHash, blockNumber string) string {
	var tx struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Input string `json:"input"`
		Value string `json:"value"`
	}
	if err := c.call(ctx, "eth_getTransactionByHash", []interface{}{txHash}, &tx); err != nil || tx.To == "" {
		return ""
	}

	var result string
	err := c.call(ctx, "eth_call", []interface{}{
		map[string]interface{}{
			"from":  tx.From,
			"to":    tx.To,
			"data":  tx.Input,
			"value": tx.Value,
		},
		blockNumber,
	}, &result)
	if err == nil {
		return decodeRevertData(result)
	}

	// Most nodes reject the replay with "execution reverted: <reason>".
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return strings.Trim(strings.TrimSpace(reason), `"}`)
	}
	return ""
}

// decodeRevertData unpacks the Error(string) ABI encoding some nodes
// return as the eth_call result for a reverted execution.
func decodeRevertData(data string) string {
	raw, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
	if err != nil || len(raw) < 68 {
		return ""
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	if !bytes.Equal(raw[:4], selector) {
		return ""
	}
	length := ParseHexInt64("0x" + hex.EncodeToString(raw[36:68]))
	if length <= 0 || int64(len(raw)) < 68+length {
		return ""
	}
	return string(raw[68 : 68+length])
}

func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	if c.Endpoint == "" {
		return fmt.Errorf("no RPC endpoint configured")
	}

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Endpoint, strings.NewReader(string(reqJSON)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp struct {
		Result interface{}      `json:"result"`
		Error  *json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return err
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error: %s", string(*rpcResp.Error))
	}

	// Marshal and unmarshal to get result in correct type
	resultJSON, err := json.Marshal(rpcResp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(resultJSON, result)
}

// ParseHexInt64 parses a 0x-prefixed hex quantity, returning 0 on junk.
func ParseHexInt64(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// getNonceSelector is the 4-byte selector of getNonce(bytes32).
func getNonceSelector() []byte {
	return crypto.Keccak256([]byte("getNonce(bytes32)"))[:4]
}
