package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/provenet/provenet/internal/artifactstore"
	"github.com/provenet/provenet/internal/localprover"
	"github.com/provenet/provenet/internal/orchestrator"
	"github.com/provenet/provenet/internal/proof"
	"github.com/provenet/provenet/internal/provernet"
	"github.com/provenet/provenet/internal/secrets"
)

func main() {
	var (
		programPath = flag.String("program", "", "path to the compiled program artifact (required)")
		inputPath   = flag.String("input", "", "path to the execution input (required)")
		outPath     = flag.String("out", "", "path to write the proof (default: stdout as hex)")
		mode        = flag.String("mode", "network", "proving mode: local|network")
		deadline    = flag.Duration("deadline", 10*time.Minute, "request deadline")

		apiURL          = flag.String("api-url", "", "proving network API base URL (required for network mode)")
		authTokenSecret = flag.String("auth-token-secret", "", "secret reference for the proving network auth token")
		secretsDriver   = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: aws|env")

		proverBin      = flag.String("local-prover-bin", "", "local prover binary (required for local mode)")
		proverMaxBytes = flag.Int("local-prover-max-response-bytes", 64<<20, "max response bytes from the local prover binary")

		verbose = flag.Bool("verbose", false, "log lifecycle progress to stderr")
	)
	flag.Parse()

	if *programPath == "" || *inputPath == "" {
		fmt.Fprintln(os.Stderr, "error: --program and --input are required")
		os.Exit(2)
	}
	parsedMode, err := proof.ParseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if parsedMode == proof.ModeNetwork && strings.TrimSpace(*apiURL) == "" {
		fmt.Fprintln(os.Stderr, "error: --api-url is required for network mode")
		os.Exit(2)
	}
	if parsedMode == proof.ModeLocal && strings.TrimSpace(*proverBin) == "" {
		fmt.Fprintln(os.Stderr, "error: --local-prover-bin is required for local mode")
		os.Exit(2)
	}
	if *deadline <= 0 || *proverMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --deadline and --local-prover-max-response-bytes must be > 0")
		os.Exit(2)
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	program, err := os.ReadFile(*programPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read program: %v\n", err)
		os.Exit(2)
	}
	input, err := os.ReadFile(*inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: read input: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var remote provernet.Client
	if parsedMode == proof.ModeNetwork {
		secretProvider, err := secrets.New(ctx, *secretsDriver)
		if err != nil {
			log.Error("init secrets provider", "err", err)
			os.Exit(2)
		}
		authToken, err := secrets.AuthToken(ctx, secretProvider, *authTokenSecret)
		if err != nil {
			log.Error("load auth token", "err", err)
			os.Exit(2)
		}
		client, err := provernet.NewHTTPClient(*apiURL, authToken)
		if err != nil {
			log.Error("init proving network client", "err", err)
			os.Exit(2)
		}
		remote = client
	}

	var local localprover.Prover
	if parsedMode == proof.ModeLocal {
		execClient, err := localprover.NewExecClient(*proverBin, *proverMaxBytes)
		if err != nil {
			log.Error("init local prover", "err", err)
			os.Exit(2)
		}
		local = execClient
	}

	artifacts, err := artifactstore.New(artifactstore.Config{Driver: artifactstore.DriverMemory})
	if err != nil {
		log.Error("init artifact store", "err", err)
		os.Exit(2)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		DefaultDeadline: *deadline,
		Logger:          log,
	}, orchestrator.Deps{
		Artifacts: artifacts,
		Ledger:    proof.NewMemoryStore(time.Now),
		Remote:    remote,
		Local:     local,
	})
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	result, err := orch.RequestProof(ctx, orchestrator.Request{
		Program:  program,
		Input:    input,
		Mode:     parsedMode,
		Deadline: *deadline,
	})
	if err != nil {
		log.Error("proof request failed", "err", err)
		os.Exit(1)
	}

	log.Info("proof ready",
		"fingerprint", result.Fingerprint.Hex(),
		"mode", result.Mode.String(),
		"from_cache", result.FromCache,
		"elapsed", result.Elapsed.String(),
		"proof_bytes", len(result.Proof),
	)

	if strings.TrimSpace(*outPath) != "" {
		if err := os.WriteFile(*outPath, result.Proof, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "error: write proof: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(result.Fingerprint.Hex())
		return
	}
	fmt.Printf("%x\n", result.Proof)
}
