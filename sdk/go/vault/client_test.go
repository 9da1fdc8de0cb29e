package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueSessionStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req SessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.WalletID != "wallet-1" {
			t.Fatalf("unexpected wallet: %s", req.WalletID)
		}
		_ = json.NewEncoder(w).Encode(SessionGrant{
			Token: "abc123",
			Session: Session{
				ID:        "sess-1",
				WalletID:  "wallet-1",
				ExpiresAt: time.Now().Add(time.Hour).Unix(),
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	grant, err := client.IssueSession(context.Background(), SessionRequest{WalletID: "wallet-1"})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if grant.Session.ID != "sess-1" {
		t.Fatalf("unexpected session id: %s", grant.Session.ID)
	}
	if got := client.SessionToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitTransactionRequiresToken(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			_ = json.NewEncoder(w).Encode(SessionGrant{Token: "token"})
		case "/api/v1/transactions":
			if r.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			submitted = true
			_ = json.NewEncoder(w).Encode(Transaction{ID: "tx-1", Status: "EXECUTING", Tier: "INSTANT"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	if _, err := client.SubmitTransaction(context.Background(), TransactionSubmission{}); err == nil {
		t.Fatal("expected error without a stored token")
	}

	if _, err := client.IssueSession(context.Background(), SessionRequest{WalletID: "wallet-1"}); err != nil {
		t.Fatalf("issue session: %v", err)
	}

	txn, err := client.SubmitTransaction(context.Background(), TransactionSubmission{
		WalletID: "wallet-1",
		Chain:    "sepolia",
		Type:     "TRANSFER",
		Amount:   "500",
	})
	if err != nil {
		t.Fatalf("submit transaction: %v", err)
	}
	if txn.ID != "tx-1" {
		t.Fatalf("unexpected transaction id: %s", txn.ID)
	}
	if !submitted {
		t.Fatal("transaction was not submitted")
	}
}

func TestGetTransactionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/transactions/tx-404" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "TX_NOT_FOUND", Message: "missing"})
			return
		}
		if r.URL.Path == "/api/v1/sessions" {
			_ = json.NewEncoder(w).Encode(SessionGrant{Token: "token"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if _, err := client.IssueSession(context.Background(), SessionRequest{WalletID: "wallet-1"}); err != nil {
		t.Fatalf("issue session: %v", err)
	}

	_, err := client.GetTransaction(context.Background(), "tx-404")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "TX_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			_ = json.NewEncoder(w).Encode(SessionGrant{Token: "token"})
		case "/api/v1/approvals":
			_ = json.NewEncoder(w).Encode([]Approval{{ID: "apr-1", TxID: "tx-1", Status: "PENDING"}})
		case "/api/v1/approvals/apr-1/approve":
			_ = json.NewEncoder(w).Encode(Transaction{ID: "tx-1", Status: "EXECUTING"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if _, err := client.IssueSession(context.Background(), SessionRequest{WalletID: "wallet-1"}); err != nil {
		t.Fatalf("issue session: %v", err)
	}

	approvals, err := client.PendingApprovals(context.Background())
	if err != nil {
		t.Fatalf("pending approvals: %v", err)
	}
	if len(approvals) != 1 || approvals[0].ID != "apr-1" {
		t.Fatalf("unexpected approvals: %+v", approvals)
	}

	txn, err := client.Approve(context.Background(), "apr-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if txn.Status != "EXECUTING" {
		t.Fatalf("unexpected status: %s", txn.Status)
	}
}

func TestListTransactionsFiltersWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/sessions":
			_ = json.NewEncoder(w).Encode(SessionGrant{Token: "token"})
		case "/api/v1/transactions":
			if got := r.URL.Query().Get("wallet_id"); got != "wallet-1" {
				t.Fatalf("unexpected wallet filter: %q", got)
			}
			_ = json.NewEncoder(w).Encode([]Transaction{{ID: "tx-1"}, {ID: "tx-2"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	if _, err := client.IssueSession(context.Background(), SessionRequest{WalletID: "wallet-1"}); err != nil {
		t.Fatalf("issue session: %v", err)
	}

	txns, err := client.ListTransactions(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
}
