package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
listen: " :6000 "
tls:
  allow_insecure: true
oracle:
  reporters:
    - " 0x00000000000000000000000000000000000000aa "
    - " "
markets:
  - id: usdc
    underlying: " usdc "
    collateral_factor: "0.8"
    reserve_factor: "0.1"
    interest:
      base_rate: "0.02"
      slope1: "0.1"
      slope2: "1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.DataDir != defaultDataDir || cfg.Oracle.MaxAgeSeconds != defaultMaxAgeSeconds {
		t.Fatalf("expected defaults, got data dir %q and max age %d", cfg.DataDir, cfg.Oracle.MaxAgeSeconds)
	}
	if len(cfg.Oracle.Reporters) != 1 || cfg.ReporterAddresses()[0] != common.HexToAddress("0xaa") {
		t.Fatalf("unexpected reporters: %v", cfg.Oracle.Reporters)
	}
	defs, err := cfg.Definitions()
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	if len(defs) != 1 || defs[0].Underlying != "USDC" {
		t.Fatalf("unexpected markets: %+v", defs)
	}
	if cfg.Auth.ScopeClaim != "scope" {
		t.Fatalf("expected default scope claim, got %q", cfg.Auth.ScopeClaim)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
Listen = ":7000"
DataDir = "/var/lib/lendingd"

[TLS]
AllowInsecure = true

[Auth]
Enabled = true
HMACSecret = "`+testSecret+`"

[[Markets]]
ID = "eth"
Underlying = "ETH"
CollateralFactor = "0.75"

[Markets.Interest]
Slope1 = "0.05"
Slope2 = "0.5"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7000" || cfg.DataDir != "/var/lib/lendingd" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Auth.Enabled || len(cfg.Markets) != 1 || cfg.Markets[0].Interest.Kink != "0.8" {
		t.Fatalf("unexpected auth or markets: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]string{
		"tls": `
listen: ":50053"
`,
		"short secret": `
tls: {allow_insecure: true}
auth: {enabled: true, hmac_secret: "short"}
`,
		"reporter": `
tls: {allow_insecure: true}
oracle: {reporters: ["not-an-address"]}
`,
		"collateral factor": `
tls: {allow_insecure: true}
markets:
  - {id: usdc, underlying: USDC, collateral_factor: "0.95"}
`,
		"duplicate market": `
tls: {allow_insecure: true}
markets:
  - {id: usdc, underlying: USDC}
  - {id: usdc, underlying: USDC}
`,
		"balance account": `
tls: {allow_insecure: true}
balances:
  - {account: "alice", asset: USDC, amount: "10"}
`,
		"zero balance": `
tls: {allow_insecure: true}
balances:
  - {account: "0x00000000000000000000000000000000000000a1", asset: USDC, amount: "0"}
`,
		"trusted proxy": `
tls: {allow_insecure: true}
rate_limit: {requests_per_minute: 60, trusted_proxies: ["10.0.0.0/33"]}
`,
		"unknown field": `
tls: {allow_insecure: true}
listen_address: ":1"
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "config.yaml", contents)); err == nil {
				t.Fatalf("expected %s config to be rejected", name)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LENDINGD_JWT_SECRET", testSecret)
	t.Setenv("LENDINGD_LISTEN", "127.0.0.1:9000")
	path := writeConfig(t, "config.yml", `
tls: {allow_insecure: true}
auth: {enabled: true}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.HMACSecret != testSecret || cfg.ListenAddress != "127.0.0.1:9000" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
}

func TestGenesisBalances(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
tls:
  allow_insecure: true
balances:
  - account: "0x00000000000000000000000000000000000000a1"
    asset: " usdc "
    amount: "1000000"
  - account: "0x00000000000000000000000000000000000000b0"
    asset: ETH
    amount: "5"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	balances, err := cfg.GenesisBalances()
	if err != nil {
		t.Fatalf("genesis balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("expected two balances, got %d", len(balances))
	}
	if balances[0].Asset != "USDC" || balances[0].Amount.Uint64() != 1_000_000 {
		t.Fatalf("unexpected first balance: %+v", balances[0])
	}
	if balances[1].Account != common.HexToAddress("0x00000000000000000000000000000000000000b0") {
		t.Fatalf("unexpected second account: %s", balances[1].Account.Hex())
	}
}
