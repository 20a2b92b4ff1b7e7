package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"SafeTx-Relay/internal/config"
)

// newChainIDServer answers eth_chainId with the given hex quantity.
func newChainIDServer(t *testing.T, chainID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_chainId" {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, chainID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func TestNewRegistryChecksChainID(t *testing.T) {
	srv := newChainIDServer(t, "0x64")
	path := writeChains(t, fmt.Sprintf(`
chains:
  gnosis:
    chain_id: 100
    rpc_url: %s
  local:
    rpc_url: %s
`, srv.URL, srv.URL))

	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "gnosis"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	if got := registry.Chains(); len(got) != 2 || got[0] != "gnosis" || got[1] != "local" {
		t.Fatalf("unexpected chains %v", got)
	}
	if registry.DefaultChain() != "gnosis" {
		t.Fatalf("unexpected default chain %q", registry.DefaultChain())
	}
	if _, err := registry.Resolve(""); err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if _, err := registry.Resolve("local"); err != nil {
		t.Fatalf("resolve local: %v", err)
	}
	if _, err := registry.Resolve("mainnet"); err == nil {
		t.Fatal("expected unknown chain error")
	}
}

func TestNewRegistryRejectsChainIDMismatch(t *testing.T) {
	srv := newChainIDServer(t, "0x1")
	path := writeChains(t, fmt.Sprintf("chains:\n  gnosis:\n    chain_id: 100\n    rpc_url: %s\n", srv.URL))

	_, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path})
	if err == nil || !strings.Contains(err.Error(), "chain_id") {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
}

func TestNewRegistryFallsBackToRPCURL(t *testing.T) {
	srv := newChainIDServer(t, "0x539")

	registry, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	client, err := registry.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if chainID.Int64() != 1337 {
		t.Fatalf("unexpected chain id %s", chainID)
	}
}

func TestNewRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatal("expected error without endpoints")
	}
}
