package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFlagsVersion(t *testing.T) {
	_, _, exit, code := parseFlags([]string{"--version"})
	if !exit || code != 0 {
		t.Fatalf("exit=%v code=%d, want exit with 0", exit, code)
	}
}

func TestParseFlagsBadFlag(t *testing.T) {
	_, _, exit, code := parseFlags([]string{"--no-such-flag"})
	if !exit || code != 2 {
		t.Fatalf("exit=%v code=%d, want exit with 2", exit, code)
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, opts, exit, _ := parseFlags([]string{
		"--db.dsn", "postgres://localhost/x",
		"--chain.rpc", "http://127.0.0.1:8545",
		"--chain.contract", "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"--chain.id", "31337",
		"--verbosity", "debug",
		"--dry-run",
		"--force",
	})
	if exit {
		t.Fatal("should not exit")
	}
	if cfg.DB.DSN != "postgres://localhost/x" || cfg.Chain.ChainID != 31337 || cfg.LogLevel != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !opts.DryRun || !opts.Force {
		t.Errorf("opts = %+v, want dry-run and force", opts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFlagsConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	doc := `
db:
  dsn: postgres://localhost/fromfile
chain:
  rpcUrl: http://127.0.0.1:8545
  contractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, _, exit, _ := parseFlags([]string{
		"--config", path,
		"--db.dsn", "postgres://localhost/fromflag",
	})
	if exit {
		t.Fatal("should not exit")
	}
	if cfg.DB.DSN != "postgres://localhost/fromflag" {
		t.Errorf("dsn = %q, flag must override file", cfg.DB.DSN)
	}
	if cfg.Chain.RPCURL != "http://127.0.0.1:8545" {
		t.Errorf("rpc = %q, file value must survive", cfg.Chain.RPCURL)
	}
}

func TestParseFlagsMissingConfigFile(t *testing.T) {
	_, _, exit, code := parseFlags([]string{"--config", "/nonexistent/cfg.yaml"})
	if !exit || code != 1 {
		t.Fatalf("exit=%v code=%d, want exit with 1", exit, code)
	}
}
