package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/logger"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/metrics"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/pipeline"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/prover"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/server"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/stats"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/store"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/submit"
	"github.com/JupiterXiaoxiaoYu/zkverifier-sheep-shearing/pkg/zkverify"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds everything the shutdown path needs, constructed once at startup
// and passed around explicitly instead of living in package globals.
type app struct {
	log      *slog.Logger
	client   *zkverify.Client
	pipeline *pipeline.Pipeline
	store    *store.Store
	stats    *stats.Aggregator
}

func run() error {
	continuousFlag := flag.Bool("continuous", false, "run cycles on a fixed interval until terminated; otherwise run exactly one cycle")
	intervalFlag := flag.Int("interval", 30, "seconds between cycles in continuous mode, measured from the end of each cycle's generation phase")
	listenFlag := flag.String("listen", ":8080", "health/metrics HTTP listen address")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "env file to load (missing file is ignored)")

	wsURLFlag := flag.String("ws-url", "wss://testnet-rpc.zkverify.io", "ledger websocket URL (or set ZKVERIFY_WS_URL env var)")
	accountsFlag := flag.Int("accounts", 8, "number of accounts to derive from the seed")
	domainIDFlag := flag.Uint32("domain-id", 0, "aggregation domain id (or set DOMAIN_ID env var)")
	vkeyHashFlag := flag.String("vkey-hash", "", "registered verification key hash (or set VKEY_HASH env var)")

	witnessBinFlag := flag.String("witness-bin", "./bin/witness", "witness generator binary")
	proverBinFlag := flag.String("prover-bin", "./bin/prover", "proof generator binary")
	circuitFlag := flag.String("circuit", "./circuit/shear.wasm", "compiled circuit path")
	workDirFlag := flag.String("work-dir", "", "working directory for per-slot generation files (default: system temp)")
	dataDirFlag := flag.String("data-dir", "./data", "directory for submission and receipt records")

	flag.Parse()

	// Missing env file is fine; explicit env vars still apply.
	_ = godotenv.Load(*envFileFlag)

	log := logger.New(*verboseFlag)

	if env := os.Getenv("ZKVERIFY_WS_URL"); env != "" {
		*wsURLFlag = env
	}
	if env := os.Getenv("VKEY_HASH"); env != "" {
		*vkeyHashFlag = env
	}
	if env := os.Getenv("DOMAIN_ID"); env != "" {
		var v uint32
		if _, err := fmt.Sscanf(env, "%d", &v); err != nil {
			return fmt.Errorf("invalid DOMAIN_ID %q: %w", env, err)
		}
		*domainIDFlag = v
	}

	seed := os.Getenv("SEED_PHRASE")
	if seed == "" {
		return fmt.Errorf("SEED_PHRASE environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appConfig{
		log:        log,
		seed:       seed,
		wsURL:      *wsURLFlag,
		accounts:   *accountsFlag,
		domainID:   *domainIDFlag,
		vkeyHash:   *vkeyHashFlag,
		witnessBin: *witnessBinFlag,
		proverBin:  *proverBinFlag,
		circuit:    *circuitFlag,
		workDir:    *workDirFlag,
		dataDir:    *dataDirFlag,
		interval:   time.Duration(*intervalFlag) * time.Second,
	})
	if err != nil {
		return err
	}
	defer a.client.Close()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	go a.forwardReceipts(ctx)

	if !*continuousFlag {
		return a.runOnce(ctx)
	}
	return a.runContinuous(ctx, *listenFlag)
}

type appConfig struct {
	log        *slog.Logger
	seed       string
	wsURL      string
	accounts   int
	domainID   uint32
	vkeyHash   string
	witnessBin string
	proverBin  string
	circuit    string
	workDir    string
	dataDir    string
	interval   time.Duration
}

// newApp performs all initialization. Any error here is fatal to startup;
// nothing past this point ever terminates the process on its own.
func newApp(ctx context.Context, cfg appConfig) (*app, error) {
	client, err := zkverify.Dial(ctx, zkverify.Config{
		Logger:              cfg.log,
		URL:                 cfg.wsURL,
		Seed:                cfg.seed,
		AccountCount:        cfg.accounts,
		DomainID:            cfg.domainID,
		VerificationKeyHash: cfg.vkeyHash,
	})
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	aggregator, err := stats.New(stats.Config{
		Logger:       cfg.log,
		AccountCount: cfg.accounts,
	})
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	st, err := store.New(store.Config{
		Logger: cfg.log,
		Dir:    cfg.dataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	producer, err := prover.NewBinaryProducer(prover.Config{
		Logger:     cfg.log,
		WitnessBin: cfg.witnessBin,
		ProverBin:  cfg.proverBin,
		Circuit:    cfg.circuit,
		WorkDir:    cfg.workDir,
	})
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	controller, err := submit.New(submit.Config{
		Logger: cfg.log,
		Ledger: client,
	})
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	pl, err := pipeline.New(pipeline.Config{
		Logger:    cfg.log,
		Ledger:    client,
		Producer:  producer,
		Submitter: controller,
		Stats:     aggregator,
		Store:     st,
		Interval:  cfg.interval,
	})
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}

	return &app{
		log:      cfg.log,
		client:   client,
		pipeline: pl,
		store:    st,
		stats:    aggregator,
	}, nil
}

// runOnce is single-shot mode: one cycle, then wait for the dispatched
// submission chains to settle. Task-level failures never affect the exit
// code; only a dispatch fault does.
func (a *app) runOnce(ctx context.Context) error {
	if err := a.pipeline.RunOnce(ctx); err != nil {
		return fmt.Errorf("cycle dispatch failed: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	if abandoned := a.pipeline.Registry().Drain(drainCtx); abandoned > 0 {
		a.log.Warn("abandoning in-flight submission chains", "count", abandoned)
	}

	a.log.Info("single cycle complete", "stats", a.stats.Snapshot().String())
	return nil
}

// runContinuous starts the cycle loop and blocks on the health server until
// the process is signalled.
func (a *app) runContinuous(ctx context.Context, listenAddr string) error {
	a.pipeline.Start(ctx)

	srv, err := server.New(server.Config{
		Logger:     a.log,
		ListenAddr: listenAddr,
		Stats:      a.stats,
		Ready:      a.pipeline.Ready,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	err = srv.Run(ctx)

	if abandoned := a.pipeline.Registry().InFlight(); abandoned > 0 {
		a.log.Warn("abandoning in-flight submission chains", "count", abandoned)
	}
	return err
}

// forwardReceipts moves aggregation receipts from the ledger subscription to
// the persistence sink.
func (a *app) forwardReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt := <-a.client.Receipts():
			a.store.WriteReceipt(store.ReceiptRecord{
				BlockHash:     receipt.BlockHash,
				DomainID:      receipt.DomainID,
				AggregationID: receipt.AggregationID,
				Timestamp:     time.Now().UTC(),
			})
		}
	}
}
