package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type stubAdapter struct {
	name   string
	closed bool
}

func (s *stubAdapter) BuildTransaction(context.Context, BuildRequest) (*coretypes.Transaction, error) {
	return nil, nil
}
func (s *stubAdapter) SimulateTransaction(context.Context, common.Address, *coretypes.Transaction) error {
	return nil
}
func (s *stubAdapter) SignTransaction(context.Context, *coretypes.Transaction, []byte) (*coretypes.Transaction, error) {
	return nil, nil
}
func (s *stubAdapter) SubmitTransaction(context.Context, *coretypes.Transaction) (string, error) {
	return "", nil
}
func (s *stubAdapter) WaitForConfirmation(context.Context, string, time.Duration) (*Receipt, error) {
	return nil, nil
}
func (s *stubAdapter) GetBalance(context.Context, string) (*big.Int, error) { return nil, nil }
func (s *stubAdapter) Close()                                               { s.closed = true }

func TestParseDefinitions(t *testing.T) {
	content := []byte(`chains:
  ethereum:
    type: evm
    rpc_url: http://localhost:8545
    chain_id: 1
    native_symbol: ETH
  base:
    rpc_url: http://localhost:8546
    chain_id: 8453
`)
	defs, err := ParseDefinitions(content)
	if err != nil {
		t.Fatalf("ParseDefinitions: %v", err)
	}
	if len(defs.Chains) != 2 {
		t.Fatalf("chains = %d, want 2", len(defs.Chains))
	}
	eth := defs.Chains["ethereum"]
	if eth.ChainID != 1 || eth.NativeSymbol != "ETH" {
		t.Fatalf("ethereum def = %+v", eth)
	}
}

func TestParseDefinitionsMalformed(t *testing.T) {
	if _, err := ParseDefinitions([]byte("chains: [")); err == nil {
		t.Fatal("parsed malformed YAML")
	}
}

func TestRegistryFactoryDispatch(t *testing.T) {
	ctx := context.Background()
	defs := Definitions{Chains: map[string]Definition{
		"ethereum": {Type: "evm", RPCURL: "http://localhost:8545"},
		"base":     {RPCURL: "http://localhost:8546"},
	}}

	built := make(map[string]*stubAdapter)
	factories := map[string]Factory{
		"evm": func(_ context.Context, name string, _ Definition) (Adapter, error) {
			adapter := &stubAdapter{name: name}
			built[name] = adapter
			return adapter, nil
		},
	}

	registry, err := NewRegistry(ctx, defs, factories)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if len(built) != 2 {
		t.Fatalf("built = %d, want 2 (empty type defaults to evm)", len(built))
	}

	adapter, err := registry.Adapter("ethereum")
	if err != nil {
		t.Fatalf("Adapter: %v", err)
	}
	if adapter != built["ethereum"] {
		t.Fatal("registry returned wrong adapter")
	}
	if _, err := registry.Adapter("solana"); !errors.Is(err, ErrChainNotFound) {
		t.Fatalf("unknown chain = %v, want ErrChainNotFound", err)
	}

	chains := registry.Chains()
	if len(chains) != 2 || chains[0] != "base" || chains[1] != "ethereum" {
		t.Fatalf("chains = %v", chains)
	}

	registry.Close()
	if !built["ethereum"].closed || !built["base"].closed {
		t.Fatal("Close did not release adapters")
	}
}

func TestRegistryUnknownType(t *testing.T) {
	defs := Definitions{Chains: map[string]Definition{
		"tron": {Type: "tvm", RPCURL: "http://localhost:9000"},
	}}
	if _, err := NewRegistry(context.Background(), defs, map[string]Factory{}); err == nil {
		t.Fatal("accepted unsupported chain type")
	}
}

func TestRegistryEmpty(t *testing.T) {
	if _, err := NewRegistry(context.Background(), Definitions{Chains: map[string]Definition{}}, nil); err == nil {
		t.Fatal("accepted empty chain set")
	}
}
