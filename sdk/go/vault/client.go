package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentVault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	sessionToken string
}

// SessionRequest asks the daemon to bind a fresh session to a wallet.
type SessionRequest struct {
	WalletID   string `json:"wallet_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// Session mirrors the server side session record. The raw token is only
// returned once, at issuance.
type Session struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	ExpiresAt int64  `json:"expires_at"`
	RevokedAt int64  `json:"revoked_at,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// SessionGrant is the issuance response: the bearer token plus its record.
type SessionGrant struct {
	Token   string  `json:"token"`
	Session Session `json:"session"`
}

// TransactionSubmission represents the payload required to submit a new
// transaction. Amounts are decimal strings in the asset's smallest unit.
type TransactionSubmission struct {
	WalletID        string         `json:"wallet_id"`
	Chain           string         `json:"chain"`
	Type            string         `json:"type"`
	Amount          string         `json:"amount,omitempty"`
	ToAddress       string         `json:"to_address,omitempty"`
	TokenAddress    string         `json:"token_address,omitempty"`
	ContractAddress string         `json:"contract_address,omitempty"`
	MethodSignature string         `json:"method_signature,omitempty"`
	SpenderAddress  string         `json:"spender_address,omitempty"`
	ApprovedAmount  string         `json:"approved_amount,omitempty"`
	Data            string         `json:"data,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Transaction is the client side view of a transaction row.
type Transaction struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	Chain     string `json:"chain"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Tier      string `json:"tier,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	LastError string `json:"last_error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Approval is a pending owner approval awaiting resolution.
type Approval struct {
	ID          string `json:"id"`
	TxID        string `json:"tx_id"`
	WalletID    string `json:"wallet_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt int64  `json:"requested_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// HaltStatus reports the daemon's halt switch state.
type HaltStatus struct {
	State       string `json:"state"`
	ActivatedAt int64  `json:"activated_at"`
	ActivatedBy string `json:"activated_by"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("vault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentVault API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// IssueSession asks the daemon for a wallet scoped session token and stores it
// for subsequent calls.
func (c *Client) IssueSession(ctx context.Context, req SessionRequest) (SessionGrant, error) {
	var grant SessionGrant
	if err := c.post(ctx, "/api/v1/sessions", req, &grant, false); err != nil {
		return SessionGrant{}, err
	}
	c.mu.Lock()
	c.sessionToken = grant.Token
	c.mu.Unlock()
	return grant, nil
}

// SubmitTransaction submits a transaction using the stored session token.
func (c *Client) SubmitTransaction(ctx context.Context, submission TransactionSubmission) (Transaction, error) {
	var txn Transaction
	if err := c.post(ctx, "/api/v1/transactions", submission, &txn, true); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// GetTransaction fetches transaction details by identifier.
func (c *Client) GetTransaction(ctx context.Context, txID string) (Transaction, error) {
	var txn Transaction
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(txID), &txn, true); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// ListTransactions lists transactions, optionally filtered by wallet.
func (c *Client) ListTransactions(ctx context.Context, walletID string) ([]Transaction, error) {
	endpoint := "/api/v1/transactions"
	if walletID != "" {
		endpoint += "?wallet_id=" + url.QueryEscape(walletID)
	}
	var txns []Transaction
	if err := c.get(ctx, endpoint, &txns, true); err != nil {
		return nil, err
	}
	return txns, nil
}

// CancelTransaction cancels a queued delay transaction before it matures.
func (c *Client) CancelTransaction(ctx context.Context, txID, reason string) (Transaction, error) {
	payload := map[string]string{"reason": reason}
	var txn Transaction
	endpoint := "/api/v1/transactions/" + url.PathEscape(txID) + "/cancel"
	if err := c.post(ctx, endpoint, payload, &txn, true); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// PendingApprovals lists approvals awaiting an owner decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var approvals []Approval
	if err := c.get(ctx, "/api/v1/approvals", &approvals, true); err != nil {
		return nil, err
	}
	return approvals, nil
}

// Approve resolves a pending approval and schedules the transaction for
// execution.
func (c *Client) Approve(ctx context.Context, approvalID string) (Transaction, error) {
	var txn Transaction
	endpoint := "/api/v1/approvals/" + url.PathEscape(approvalID) + "/approve"
	if err := c.post(ctx, endpoint, struct{}{}, &txn, true); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// Reject declines a pending approval and cancels its transaction.
func (c *Client) Reject(ctx context.Context, approvalID, reason string) (Transaction, error) {
	payload := map[string]string{"reason": reason}
	var txn Transaction
	endpoint := "/api/v1/approvals/" + url.PathEscape(approvalID) + "/reject"
	if err := c.post(ctx, endpoint, payload, &txn, true); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// HaltState reports the current halt switch state.
func (c *Client) HaltState(ctx context.Context) (HaltStatus, error) {
	var status HaltStatus
	if err := c.get(ctx, "/api/v1/halt", &status, false); err != nil {
		return HaltStatus{}, err
	}
	return status, nil
}

// ActivateHalt suspends the daemon, cancelling open transactions and revoking
// sessions.
func (c *Client) ActivateHalt(ctx context.Context, actor string) error {
	payload := map[string]string{"actor": actor}
	return c.post(ctx, "/api/v1/halt/activate", payload, nil, false)
}

// SessionToken returns the currently stored token string.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// SetSessionToken overrides the stored session token.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.SessionToken()
		if token == "" {
			return nil, errors.New("vault: session token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
