package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// rpcClient is a minimal Solana JSON-RPC client covering the calls the desk
// adapter needs: account reads, blockhash fetch, transaction submission, and
// signature status polling.
type rpcClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Uint64
}

func newRPCClient(endpoint string, timeout time.Duration) *rpcClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &rpcClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *rpcClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var envelope rpcResponse
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

type accountInfo struct {
	Data  []string `json:"data"`
	Owner string   `json:"owner"`
}

// getAccountData fetches and decodes an account's raw bytes. A nil slice with
// nil error means the account does not exist.
func (c *rpcClient) getAccountData(ctx context.Context, address string) ([]byte, error) {
	var result struct {
		Value *accountInfo `json:"value"`
	}
	params := []interface{}{address, map[string]interface{}{"encoding": "base64", "commitment": "confirmed"}}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	if len(result.Value.Data) < 1 {
		return nil, fmt.Errorf("account %s: missing data", address)
	}
	raw, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("account %s: decode data: %w", address, err)
	}
	return raw, nil
}

// decodeAccountData converts the base64 payload returned for program accounts.
func decodeAccountData(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return raw, nil
}

type programAccount struct {
	Pubkey  string      `json:"pubkey"`
	Account accountInfo `json:"account"`
}

// getProgramAccounts lists program-owned accounts matching raw memcmp filters.
type memcmpFilter struct {
	Offset int
	Bytes  []byte
}

func (c *rpcClient) getProgramAccounts(ctx context.Context, programID string, filters []memcmpFilter) ([]programAccount, error) {
	filterParams := make([]interface{}, 0, len(filters))
	for _, f := range filters {
		filterParams = append(filterParams, map[string]interface{}{
			"memcmp": map[string]interface{}{
				"offset":   f.Offset,
				"bytes":    base64.StdEncoding.EncodeToString(f.Bytes),
				"encoding": "base64",
			},
		})
	}
	params := []interface{}{programID, map[string]interface{}{
		"encoding":   "base64",
		"commitment": "confirmed",
		"filters":    filterParams,
	}}

	var accounts []programAccount
	if err := c.call(ctx, "getProgramAccounts", params, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *rpcClient) latestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	params := []interface{}{map[string]interface{}{"commitment": "confirmed"}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return "", err
	}
	return result.Value.Blockhash, nil
}

// sendTransaction broadcasts a base64-encoded signed transaction and returns
// its signature. Preflight stays enabled so reverts are caught before the
// transaction reaches a leader.
func (c *rpcClient) sendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var signature string
	params := []interface{}{txBase64, map[string]interface{}{
		"encoding":            "base64",
		"preflightCommitment": "confirmed",
	}}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

func (c *rpcClient) signatureStatus(ctx context.Context, signature string) (*signatureStatus, error) {
	var result struct {
		Value []*signatureStatus `json:"value"`
	}
	params := []interface{}{[]string{signature}, map[string]interface{}{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}
	return result.Value[0], nil
}
