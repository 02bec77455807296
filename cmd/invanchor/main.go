// Command invanchor runs the invoice anchoring worker: it pins invoices to
// IPFS, groups them into Merkle batches, anchors batch roots on an EVM
// chain, and serves the verification and control API.
//
// Usage:
//
//	invanchor [flags]
//
// Flags:
//
//	--config       Path to YAML configuration file
//	--db.dsn       PostgreSQL connection string
//	--http.addr    Control API listen address (default: 127.0.0.1:8080)
//	--chain.rpc    EVM JSON-RPC endpoint
//	--chain.contract  Anchoring contract address
//	--verbosity    Log level: debug, info, warn, error (default: info)
//	--dry-run      Log intended writes without committing anything
//	--version      Print version and exit
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invanchor/invanchor/chain"
	"github.com/invanchor/invanchor/daemon"
	"github.com/invanchor/invanchor/ipfs"
	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/metrics"
	"github.com/invanchor/invanchor/pipeline"
	"github.com/invanchor/invanchor/server"
	"github.com/invanchor/invanchor/store"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. It accepts CLI
// arguments without the program name so it can be tested in isolation.
func run(args []string) int {
	cfg, opts, exit, code := parseFlags(args)
	if exit {
		return code
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	log.SetDefault(logger)
	logger.Info("invanchor starting",
		"version", version, "commit", commit,
		"http", cfg.HTTP.Addr, "chain", cfg.Chain.RPCURL, "dry", opts.DryRun)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("open database", "err", err)
		return 1
	}
	if cfg.DB.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		logger.Error("ping database", "err", err)
		db.Close()
		return 1
	}
	st := store.NewPostgres(db)
	defer st.Close()

	pins := ipfs.New(cfg.IPFSClientConfig(), logger)
	anchor, err := chain.Dial(ctx, cfg.ChainClientConfig(), logger)
	if err != nil {
		logger.Error("connect chain rpc", "err", err)
		return 1
	}

	meter := metrics.New()
	uploadCfg, batchCfg, submitCfg, pollerCfg, scheduleCfg := cfg.PipelineConfigs()

	var registrar pipeline.InvoiceRegistrar
	if cfg.Jobs.Poller.RegisterInvoices {
		registrar = anchor
	}
	poller := pipeline.NewConfirmationPoller(pollerCfg, st, anchor, registrar, meter, logger)
	upload := pipeline.NewUploadJob(uploadCfg, st, pins, meter, logger)
	batch := pipeline.NewBatchJob(batchCfg, st, pins, meter, logger)
	submit := pipeline.NewSubmitJob(submitCfg, st, anchor, poller, meter, logger)

	if opts.DryRun {
		return runOnce(ctx, logger, opts, upload, batch, submit)
	}

	scheduler := pipeline.NewScheduler(scheduleCfg, logger, upload, batch, submit)
	verifier := pipeline.NewVerifier(st, anchor, pins, logger)

	sup := daemon.NewSupervisor(daemon.DefaultConfig(), logger)
	if err := sup.Register(scheduler, 1); err != nil {
		logger.Error("register scheduler", "err", err)
		return 1
	}
	if cfg.HTTP.Addr != "" {
		srv := server.New(server.Config{
			Addr:           cfg.HTTP.Addr,
			RequestTimeout: 2 * time.Minute,
		}, scheduler, verifier, sup, meter.Registry, logger)
		if err := sup.Register(srv, 2); err != nil {
			logger.Error("register http server", "err", err)
			return 1
		}
	}

	if err := sup.StartAll(); err != nil {
		logger.Error("startup failed", "err", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	if errs := sup.StopAll(); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("shutdown error", "err", err)
		}
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// runOnce executes each job a single time and exits; used for dry runs and
// one-shot maintenance.
func runOnce(ctx context.Context, logger *log.Logger, opts pipeline.Options, jobs ...pipeline.Job) int {
	code := 0
	for _, job := range jobs {
		res, err := job.Execute(ctx, opts)
		if err != nil {
			logger.Error("job failed", "job", job.Name(), "err", err)
			code = 1
			continue
		}
		fmt.Printf("%s: success=%d failure=%d skipped=%d\n",
			job.Name(), res.Success, res.Failure, res.Skipped)
	}
	return code
}
