package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// ErrConfirmationTimeout is returned by SendAndConfirm when the transaction
// was sent but no confirmation was observed before the deadline.
var ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

// ErrSendOutcomeUnknown marks a send that failed without a reply from the
// node, for example a timeout or a dropped connection. The node may still
// have accepted the transaction.
var ErrSendOutcomeUnknown = errors.New("transaction send outcome unknown")

// Client is a JSON-RPC client for a ledger node. It is safe for concurrent
// use; all calls share one rate limiter so concurrent runs do not flood the
// endpoint.
type Client struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter
	commitment string
	nextID     atomic.Uint64
}

// Config configures the RPC client.
type Config struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Commitment        string
}

// NewClient creates an RPC client for cfg.URL.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8899"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		url:        cfg.URL,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		commitment: cfg.Commitment,
	}
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrapf(err, "%s: rate limiter", method)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return errors.Wrapf(err, "%s: encode request", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "%s: build request", method)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s", method)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "%s: read response", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("%s: http %s", method, resp.Status)
	}

	var rr rpcResponse
	if err := json.Unmarshal(payload, &rr); err != nil {
		return errors.Wrapf(err, "%s: decode response", method)
	}
	if rr.Error != nil {
		return errors.Wrapf(rr.Error, "%s", method)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return errors.Wrapf(err, "%s: decode result", method)
	}
	return nil
}

func (c *Client) commitmentConfig() map[string]any {
	return map[string]any{"commitment": c.commitment}
}

// RequestAirdrop asks a test network faucet to fund pub. It returns the
// airdrop transaction signature.
func (c *Client) RequestAirdrop(ctx context.Context, pub PublicKey, lamports uint64) (string, error) {
	var sig string
	err := c.call(ctx, "requestAirdrop", []any{pub.String(), lamports, c.commitmentConfig()}, &sig)
	return sig, err
}

// GetBalance returns the lamport balance of pub.
func (c *Client) GetBalance(ctx context.Context, pub PublicKey) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{pub.String(), c.commitmentConfig()}, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// GetLatestBlockhash returns the most recent blockhash a transaction can reference.
func (c *Client) GetLatestBlockhash(ctx context.Context) (Hash, error) {
	var res struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{c.commitmentConfig()}, &res); err != nil {
		return Hash{}, err
	}
	return ParseHash(res.Value.Blockhash)
}

// SendTransaction submits tx once and returns the signature the node reports.
func (c *Client) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	var sig string
	err := c.call(ctx, "sendTransaction", []any{
		tx.Base64(),
		map[string]any{"encoding": "base64", "preflightCommitment": c.commitment},
	}, &sig)
	return sig, err
}

// SignatureStatus is the node's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an execution error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// Confirmed reports whether the transaction reached at least confirmed commitment.
func (s *SignatureStatus) Confirmed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// GetSignatureStatus looks up one signature, searching history. A nil status
// means the node has not seen the transaction.
func (c *Client) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	var res struct {
		Value []*SignatureStatus `json:"value"`
	}
	err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{sig},
		map[string]any{"searchTransactionHistory": true},
	}, &res)
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// SendAndConfirm submits tx once, then polls its status every pollInterval
// until it is confirmed, fails, or ctx ends. It never resubmits. A send that
// got no answer from the node is marked ErrSendOutcomeUnknown and returns the
// transaction's signature so the caller can look it up.
func (c *Client) SendAndConfirm(ctx context.Context, tx *Transaction, pollInterval time.Duration) (string, error) {
	sig, err := c.SendTransaction(ctx, tx)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", err
		}
		return tx.ID(), errors.Mark(err, ErrSendOutcomeUnknown)
	}
	if sig != tx.ID() {
		return "", errors.Newf("node returned signature %s, expected %s", sig, tx.ID())
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := c.GetSignatureStatus(ctx, sig)
		if err == nil && status != nil {
			if status.Failed() {
				return sig, errors.Newf("transaction %s failed: %s", sig, string(status.Err))
			}
			if status.Confirmed() {
				return sig, nil
			}
		}
		select {
		case <-ctx.Done():
			return sig, errors.Mark(errors.Wrapf(ctx.Err(), "transaction %s", sig), ErrConfirmationTimeout)
		case <-ticker.C:
		}
	}
}
