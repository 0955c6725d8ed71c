// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcClient struct {
	ctx    context.Context
	client *http.Client
	url    string
	nextID atomic.Int64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *rpcClient) call(method string, out any, params ...any) error {
	if strings.TrimSpace(c.url) == "" {
		return &NetworkError{Op: method, Err: errors.New("no rpc endpoint configured")}
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &NetworkError{Op: method, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &NetworkError{Op: method, Err: fmt.Errorf("rpc endpoint returned %d", resp.StatusCode)}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *rpcClient) quantity(method string, params ...any) (*big.Int, error) {
	var hexValue string
	if err := c.call(method, &hexValue, params...); err != nil {
		return nil, err
	}
	return parseQuantity(hexValue)
}

func parseQuantity(s string) (*big.Int, error) {
	digits, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if !ok || digits == "" {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return v, nil
}

func formatQuantity(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

// Reader is read-only chain access.
type Reader struct {
	rpc     *rpcClient
	chainID uint64
}

// ChainID returns the configured id, asking the node when none is set.
func (r *Reader) ChainID() (uint64, error) {
	if r.chainID != 0 {
		return r.chainID, nil
	}
	v, err := r.rpc.quantity("eth_chainId")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (r *Reader) BlockNumber() (uint64, error) {
	v, err := r.rpc.quantity("eth_blockNumber")
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (r *Reader) Balance(address string) (*big.Int, error) {
	if !isHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	return r.rpc.quantity("eth_getBalance", address, "latest")
}

func (r *Reader) GasPrice() (*big.Int, error) {
	return r.rpc.quantity("eth_gasPrice")
}

// Call runs a read-only contract call and returns the hex return data.
func (r *Reader) Call(to, data string) (string, error) {
	if !isHexAddress(to) {
		return "", fmt.Errorf("invalid address %q", to)
	}
	var out string
	err := r.rpc.call("eth_call", &out, map[string]string{"to": to, "data": data}, "latest")
	return out, err
}

// Writer sends transactions from the node-managed wallet.
type Writer struct {
	rpc    *rpcClient
	from   string
	record func(hash string)
}

func (w *Writer) Address() string { return w.from }

// SendTransaction dry-runs the transaction with eth_estimateGas and only
// submits it when the estimate succeeds.
func (w *Writer) SendTransaction(to, data string, value *big.Int) (string, error) {
	if w.from == "" {
		return "", ErrNoWallet
	}
	if !isHexAddress(to) {
		return "", fmt.Errorf("invalid address %q", to)
	}

	tx := map[string]string{
		"from":  w.from,
		"to":    to,
		"value": formatQuantity(value),
	}
	if data != "" {
		tx["data"] = data
	}

	gas, err := w.rpc.quantity("eth_estimateGas", tx)
	if err != nil {
		return "", fmt.Errorf("simulate transaction: %w", err)
	}
	tx["gas"] = formatQuantity(gas)

	var hash string
	if err := w.rpc.call("eth_sendTransaction", &hash, tx); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	w.record(hash)
	return hash, nil
}

func isHexAddress(s string) bool {
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok || len(digits) != 40 {
		return false
	}
	for _, r := range digits {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
