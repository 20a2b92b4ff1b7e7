package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "saferelay.yaml", `
server:
  address: ":9090"
web3:
  chain_config: chains.yaml
  default_chain: gnosis
  confirmations: 3
  poll_interval: 2s
safe:
  gas_strategy: ladder
  ladder: [10000, 20000, 40000]
  domain_chain_id: true
  signer_key_envs: [OWNER_A_KEY, OWNER_B_KEY]
  remote_signers:
    - url: http://127.0.0.1:8550
      address: "0x00000000000000000000000000000000000000aa"
queue:
  workers: 2
log:
  level: debug
  audit:
    enabled: true
    path: logs/audit.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("chain config not resolved against config dir: %q", cfg.Web3.ChainConfig)
	}
	if cfg.Web3.Confirmations != 3 || cfg.Web3.PollInterval != 2*time.Second {
		t.Fatalf("unexpected web3 config %+v", cfg.Web3)
	}
	if cfg.Web3.ReceiptTimeout != 2*time.Minute {
		t.Fatalf("expected default receipt timeout, got %s", cfg.Web3.ReceiptTimeout)
	}
	if cfg.Safe.GasStrategy != "ladder" || len(cfg.Safe.Ladder) != 3 || cfg.Safe.Ladder[2] != 40000 {
		t.Fatalf("unexpected safe config %+v", cfg.Safe)
	}
	if !cfg.Safe.DomainChainID || !cfg.Safe.VerifyOnChain {
		t.Fatalf("unexpected safe flags %+v", cfg.Safe)
	}
	if cfg.Safe.SafetyMargin != 10000 || cfg.Safe.MaxReestimates != 2 {
		t.Fatalf("unexpected safe defaults %+v", cfg.Safe)
	}
	if len(cfg.Safe.SignerKeyEnvs) != 2 || len(cfg.Safe.RemoteSigners) != 1 {
		t.Fatalf("unexpected signers %+v", cfg.Safe)
	}
	if cfg.Queue.Workers != 2 || cfg.Queue.Driver != "memory" || cfg.Queue.Lock.TTL != 5*time.Minute {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	if cfg.Log.Audit.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("audit path not resolved: %q", cfg.Log.Audit.Path)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SAFERELAY_SERVER_ADDRESS", ":7070")
	t.Setenv("SAFERELAY_QUEUE_WORKERS", "9")
	t.Setenv("SAFERELAY_STORAGE_JOB_STORE_DRIVER", "MySQL")
	t.Setenv("SAFERELAY_STORAGE_JOB_STORE_DSN", "relay:relay@tcp(127.0.0.1:3306)/relay")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env override ignored: %q", cfg.Server.Address)
	}
	if cfg.Queue.Workers != 9 {
		t.Fatalf("env override ignored for workers: %d", cfg.Queue.Workers)
	}
	if cfg.Storage.JobStore.Driver != "mysql" {
		t.Fatalf("driver not normalised: %q", cfg.Storage.JobStore.Driver)
	}
}

func TestLoadRejectsInvalidDrivers(t *testing.T) {
	path := writeConfig(t, "bad.json", `{
  "storage": {"job_store": {"driver": "mysql"}},
  "queue": {"driver": "kafka", "lock": {"driver": "redis"}},
  "safe": {"gas_strategy": "guess"}
}`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, fragment := range []string{"dsn", "kafka", "redis 锁", "guess"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected error to mention %q, got %v", fragment, err)
		}
	}
}

func TestLoadRejectsLockTTLBelowReceiptWait(t *testing.T) {
	path := writeConfig(t, "lock.yaml", `
storage:
  redis:
    address: "127.0.0.1:6379"
web3:
  receipt_timeout: 10m
queue:
  lock:
    driver: redis
    ttl: 5m
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "queue.lock.ttl") {
		t.Fatalf("expected lock ttl error, got %v", err)
	}

	path = writeConfig(t, "lock-ok.yaml", `
storage:
  redis:
    address: "127.0.0.1:6379"
web3:
  receipt_timeout: 10m
queue:
  lock:
    driver: redis
    ttl: 11m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Lock.TTL != 11*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.Queue.Lock.TTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
