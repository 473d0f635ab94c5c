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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/provenet/provenet/internal/artifactstore"
	"github.com/provenet/provenet/internal/localprover"
	"github.com/provenet/provenet/internal/orchestrator"
	"github.com/provenet/provenet/internal/proof"
	"github.com/provenet/provenet/internal/proof/postgres"
	"github.com/provenet/provenet/internal/provernet"
	"github.com/provenet/provenet/internal/queue"
	"github.com/provenet/provenet/internal/retry"
	"github.com/provenet/provenet/internal/secrets"
)

// resolveAuthTokenRef picks the reference handed to the secrets provider.
// The env driver reads --auth-token-secret as the variable name; when it is
// unset, the default variable applies only if it is actually present, so
// anonymous access stays the default for local runs.
func resolveAuthTokenRef(driver, secretRef, envName string, lookupEnv func(string) (string, bool)) string {
	secretRef = strings.TrimSpace(secretRef)
	if !strings.EqualFold(strings.TrimSpace(driver), secrets.DriverEnv) {
		return secretRef
	}
	if secretRef != "" {
		return secretRef
	}
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return ""
	}
	if _, ok := lookupEnv(envName); ok {
		return envName
	}
	return ""
}

func main() {
	var (
		apiURL          = flag.String("api-url", "", "proving network API base URL (required for network mode)")
		authTokenSecret = flag.String("auth-token-secret", "", "auth token reference: secret id (aws driver) or env var name (env driver)")
		authTokenEnv    = flag.String("auth-token-env", "PROVENET_AUTH_TOKEN", "fallback env var for the auth token when --auth-token-secret is unset (env driver)")
		secretsDriver   = flag.String("secrets-driver", secrets.DriverEnv, "secrets driver: aws|env")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres store)")
		storeDriver = flag.String("store-driver", "memory", "job ledger driver: postgres|memory")

		artifactDriver   = flag.String("artifact-driver", artifactstore.DriverMemory, "artifact store driver: memory|s3")
		artifactBucket   = flag.String("artifact-bucket", "", "s3 bucket (required for s3 driver)")
		artifactPrefix   = flag.String("artifact-prefix", "provenet", "artifact key prefix")
		artifactMaxBytes = flag.Int64("artifact-max-bytes", 256<<20, "max artifact cache bytes (memory driver) or max object bytes (s3)")

		proverBin      = flag.String("local-prover-bin", "", "local prover binary (required for local mode requests)")
		proverPoolSize = flag.Int("local-prover-pool", 2, "max concurrent local proving jobs")
		proverMaxBytes = flag.Int("local-prover-max-response-bytes", 64<<20, "max response bytes from the local prover binary")

		requestTopic     = flag.String("request-topic", "proof.requests.v1", "proof request input topic")
		fulfillmentTopic = flag.String("fulfillment-topic", "proof.fulfillments.v1", "proof fulfillment output topic")
		failureTopic     = flag.String("failure-topic", "proof.failures.v1", "proof failure output topic")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "proving-worker", "queue consumer group")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "max stdin line bytes for stdio driver")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "max kafka message size to consume")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "queue message ack timeout")

		maxInflight     = flag.Int("max-inflight-requests", 32, "maximum concurrent in-flight proof requests")
		defaultDeadline = flag.Duration("default-deadline", 10*time.Minute, "per request deadline when the message carries none")
		retryAttempts   = flag.Int("retry-max-attempts", 5, "max attempts per remote call")
		retryMaxElapsed = flag.Duration("retry-max-elapsed", 2*time.Minute, "max elapsed retry time per remote call")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *maxInflight <= 0 || *maxLineBytes <= 0 || *queueMaxBytes <= 0 || *proverPoolSize <= 0 || *proverMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: size and concurrency flags must be > 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *defaultDeadline <= 0 || *retryMaxElapsed <= 0 || *retryAttempts <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeout/retry values must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secretProvider, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}
	secretRef := resolveAuthTokenRef(*secretsDriver, *authTokenSecret, *authTokenEnv, os.LookupEnv)
	authToken, err := secrets.AuthToken(ctx, secretProvider, secretRef)
	if err != nil {
		log.Error("load auth token", "err", err, "ref", secretRef)
		os.Exit(2)
	}

	var remote provernet.Client
	if strings.TrimSpace(*apiURL) != "" {
		client, err := provernet.NewHTTPClient(*apiURL, authToken)
		if err != nil {
			log.Error("init proving network client", "err", err)
			os.Exit(2)
		}
		remote = client
	}

	artifactCfg := artifactstore.Config{
		Driver:   *artifactDriver,
		Prefix:   *artifactPrefix,
		MaxBytes: *artifactMaxBytes,
		Bucket:   *artifactBucket,
	}
	if strings.EqualFold(strings.TrimSpace(*artifactDriver), artifactstore.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		artifactCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	artifacts, err := artifactstore.New(artifactCfg)
	if err != nil {
		log.Error("init artifact store", "err", err)
		os.Exit(2)
	}

	var ledger proof.Store
	switch strings.ToLower(strings.TrimSpace(*storeDriver)) {
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required when --store-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := postgres.New(pool)
		if err != nil {
			log.Error("init job ledger", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure job ledger schema", "err", err)
			os.Exit(2)
		}
		ledger = pgStore
	case "memory":
		ledger = proof.NewMemoryStore(time.Now)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --store-driver %q\n", *storeDriver)
		os.Exit(2)
	}

	var local localprover.Prover
	if strings.TrimSpace(*proverBin) != "" {
		execClient, err := localprover.NewExecClient(*proverBin, *proverMaxBytes)
		if err != nil {
			log.Error("init local prover", "err", err)
			os.Exit(2)
		}
		pool, err := localprover.NewPool(execClient, *proverPoolSize)
		if err != nil {
			log.Error("init local prover pool", "err", err)
			os.Exit(2)
		}
		local = pool
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        []string{*requestTopic},
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	orch, err := orchestrator.New(orchestrator.Config{
		DefaultDeadline: *defaultDeadline,
		RetryPolicy: retry.Policy{
			MaxAttempts: *retryAttempts,
			MaxElapsed:  *retryMaxElapsed,
		},
		Logger: log,
	}, orchestrator.Deps{
		Artifacts: artifacts,
		Ledger:    ledger,
		Remote:    remote,
		Local:     local,
	})
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}

	worker, err := orchestrator.NewWorker(orchestrator.WorkerConfig{
		RequestTopic:     *requestTopic,
		FulfillmentTopic: *fulfillmentTopic,
		FailureTopic:     *failureTopic,
		MaxInflight:      *maxInflight,
		AckTimeout:       *ackTimeout,
	}, orch, consumer, producer, log)
	if err != nil {
		log.Error("init proving worker", "err", err)
		os.Exit(2)
	}

	log.Info("proving-worker started",
		"api_url", *apiURL,
		"store_driver", *storeDriver,
		"artifact_driver", *artifactDriver,
		"queue_driver", *queueDriver,
		"request_topic", *requestTopic,
		"fulfillment_topic", *fulfillmentTopic,
		"failure_topic", *failureTopic,
		"max_inflight_requests", *maxInflight,
		"default_deadline", defaultDeadline.String(),
		"local_prover", *proverBin != "",
	)

	if err := worker.Run(ctx); err != nil {
		log.Error("proving-worker exited with error", "err", err)
		os.Exit(1)
	}
}
