package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/invanchor/invanchor/config"
	"github.com/invanchor/invanchor/pipeline"
)

// parseFlags resolves the configuration from defaults, an optional YAML
// file, and flag overrides, in that order. exit reports that the process
// should terminate immediately with code (--version, --help, flag errors).
func parseFlags(args []string) (cfg config.Config, opts pipeline.Options, exit bool, code int) {
	fs := flag.NewFlagSet("invanchor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configPath  = fs.String("config", "", "path to YAML configuration file")
		dsn         = fs.String("db.dsn", "", "PostgreSQL connection string")
		httpAddr    = fs.String("http.addr", "", "control API listen address")
		rpcURL      = fs.String("chain.rpc", "", "EVM JSON-RPC endpoint")
		contract    = fs.String("chain.contract", "", "anchoring contract address")
		privateKey  = fs.String("chain.key", "", "hex-encoded signing key")
		chainID     = fs.Int64("chain.id", 0, "chain id")
		ipfsJWT     = fs.String("ipfs.jwt", "", "pinning service bearer token")
		verbosity   = fs.String("verbosity", "", "log level: debug, info, warn, error")
		dryRun      = fs.Bool("dry-run", false, "run each job once, log intended writes, commit nothing")
		force       = fs.Bool("force", false, "skip quiescence and fill gates (with --dry-run)")
		showVersion = fs.Bool("version", false, "print version and exit")
	)

	if err := fs.Parse(args); err != nil {
		return cfg, opts, true, 2
	}
	if *showVersion {
		fmt.Printf("invanchor %s (%s)\n", version, commit)
		return cfg, opts, true, 0
	}

	cfg = config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invanchor: %v\n", err)
			return cfg, opts, true, 1
		}
		cfg = loaded
	}

	// Flags override the file.
	if *dsn != "" {
		cfg.DB.DSN = *dsn
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *rpcURL != "" {
		cfg.Chain.RPCURL = *rpcURL
	}
	if *contract != "" {
		cfg.Chain.ContractAddress = *contract
	}
	if *privateKey != "" {
		cfg.Chain.PrivateKey = *privateKey
	}
	if *chainID != 0 {
		cfg.Chain.ChainID = *chainID
	}
	if *ipfsJWT != "" {
		cfg.IPFS.JWT = *ipfsJWT
	}
	if *verbosity != "" {
		cfg.LogLevel = *verbosity
	}

	opts = pipeline.Options{Force: *force, DryRun: *dryRun}
	return cfg, opts, false, 0
}
