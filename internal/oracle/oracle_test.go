package oracle

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/tx"
)

func TestStaticOracle(t *testing.T) {
	ctx := context.Background()
	oracle := NewStaticOracle(map[string]float64{"eth": 2000})

	price, err := oracle.Price(ctx, "ETH")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 2000 {
		t.Fatalf("price = %f, want 2000", price)
	}
	if _, err := oracle.Price(ctx, "DOGE"); xerrors.CodeOf(err) != xerrors.CodeOracleFailure {
		t.Fatalf("unknown asset = %v, want ORACLE_UNAVAILABLE", err)
	}
}

func TestValuerNativeAndMetadataAsset(t *testing.T) {
	ctx := context.Background()
	oracle := NewStaticOracle(map[string]float64{"ETH": 2000, "USDC": 1})
	valuer := NewValuer(oracle, map[string]string{"ethereum": "ETH"}, 18)

	// 原生转账：1 ETH = 2000 USD。
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	usd, err := valuer.ValueUSD(ctx, &tx.Transaction{
		Chain:  "ethereum",
		Type:   tx.TypeTransfer,
		Amount: oneEth,
	})
	if err != nil {
		t.Fatalf("ValueUSD: %v", err)
	}
	if usd != 2000 {
		t.Fatalf("usd = %f, want 2000", usd)
	}

	// 元数据资产覆盖网络默认。
	usd, err = valuer.ValueUSD(ctx, &tx.Transaction{
		Chain:    "ethereum",
		Type:     tx.TypeTokenTransfer,
		Amount:   oneEth,
		Metadata: map[string]any{"asset": "usdc"},
	})
	if err != nil {
		t.Fatalf("ValueUSD: %v", err)
	}
	if usd != 1 {
		t.Fatalf("usd = %f, want 1", usd)
	}

	// 零金额交易估值为零且不触达价格源。
	usd, err = valuer.ValueUSD(ctx, &tx.Transaction{Chain: "ethereum", Type: tx.TypeContractCall})
	if err != nil || usd != 0 {
		t.Fatalf("zero amount = (%f, %v)", usd, err)
	}
}

func TestValuerUnknownNetwork(t *testing.T) {
	valuer := NewValuer(NewStaticOracle(nil), nil, 18)
	_, err := valuer.ValueUSD(context.Background(), &tx.Transaction{
		Chain:  "unknown",
		Amount: big.NewInt(1),
	})
	if xerrors.CodeOf(err) != xerrors.CodeOracleFailure {
		t.Fatalf("err = %v, want ORACLE_UNAVAILABLE", err)
	}
}

func TestHTTPOracle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "ETH" {
			_ = json.NewEncoder(w).Encode(priceResponse{Symbol: "ETH", PriceUSD: 1987.5})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	oracle, err := NewHTTPOracle(HTTPOracleConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPOracle: %v", err)
	}
	defer oracle.Close()

	price, err := oracle.Price(context.Background(), "eth")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price != 1987.5 {
		t.Fatalf("price = %f, want 1987.5", price)
	}

	_, err = oracle.Price(context.Background(), "DOGE")
	if xerrors.CodeOf(err) != xerrors.CodeOracleFailure {
		t.Fatalf("missing asset = %v, want ORACLE_UNAVAILABLE", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatal("upstream failure should be retryable")
	}
}
