package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentVault/sdk/go/vault"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(vault.SessionGrant{
			Token: "demo-token",
			Session: vault.Session{
				ID:        "sess-demo",
				WalletID:  "wallet-demo",
				ExpiresAt: time.Now().Add(time.Hour).Unix(),
			},
		})
	})
	mux.HandleFunc("/api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(vault.Transaction{
				ID:       "tx-demo",
				WalletID: "wallet-demo",
				Status:   "EXECUTING",
				Tier:     "INSTANT",
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/transactions/tx-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(vault.Transaction{
			ID:       "tx-demo",
			WalletID: "wallet-demo",
			Status:   "CONFIRMED",
			Tier:     "INSTANT",
			TxHash:   "0xabc",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := vault.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	grant, err := client.IssueSession(ctx, vault.SessionRequest{WalletID: "wallet-demo", TTLSeconds: 3600})
	if err != nil {
		panic(err)
	}
	fmt.Printf("issued session %s for wallet %s\n", grant.Session.ID, grant.Session.WalletID)

	txn, err := client.SubmitTransaction(ctx, vault.TransactionSubmission{
		WalletID:  "wallet-demo",
		Chain:     "sepolia",
		Type:      "TRANSFER",
		Amount:    "250000000000000000",
		ToAddress: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted transaction %s (status=%s tier=%s)\n", txn.ID, txn.Status, txn.Tier)

	final, err := client.GetTransaction(ctx, txn.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("transaction %s finished with status=%s hash=%s\n", final.ID, final.Status, final.TxHash)
}
