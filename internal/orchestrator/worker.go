package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/provenet/provenet/internal/fingerprint"
	"github.com/provenet/provenet/internal/proof"
	"github.com/provenet/provenet/internal/queue"
)

type WorkerConfig struct {
	RequestTopic     string
	FulfillmentTopic string
	FailureTopic     string

	MaxInflight int
	AckTimeout  time.Duration
}

// Worker consumes proof requests from the queue, drives them through the
// orchestrator, and publishes fulfillment or failure messages keyed by the
// request fingerprint.
type Worker struct {
	cfg WorkerConfig

	orch     *Orchestrator
	consumer queue.Consumer
	producer queue.Producer
	log      *slog.Logger

	inflight     atomic.Int64
	successCount atomic.Uint64
	failureCount atomic.Uint64
	cacheHits    atomic.Uint64
}

func NewWorker(cfg WorkerConfig, orch *Orchestrator, consumer queue.Consumer, producer queue.Producer, log *slog.Logger) (*Worker, error) {
	if orch == nil || consumer == nil || producer == nil {
		return nil, fmt.Errorf("%w: nil dependency", proof.ErrInvalidConfig)
	}
	if cfg.RequestTopic == "" || cfg.FulfillmentTopic == "" || cfg.FailureTopic == "" {
		return nil, fmt.Errorf("%w: request/fulfillment/failure topics are required", proof.ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		orch:     orch,
		consumer: consumer,
		producer: producer,
		log:      log,
	}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("proving-worker queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				w.inflight.Add(1)
				defer w.inflight.Add(-1)
				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("proving-worker handle message", "err", err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	reqMsg, err := proof.DecodeRequestMessage(msg.Value)
	if err != nil {
		// The payload is opaque, but the partition key still identifies the
		// request when the producer keyed it by fingerprint.
		fp, _ := msg.Fingerprint()
		if perr := w.publishFailure(ctx, fp, "invalid_payload", err.Error(), false); perr != nil {
			return perr
		}
		w.failureCount.Add(1)
		w.emitMetrics(msg.Timestamp, false)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}
	if keyFP, ok := msg.Fingerprint(); ok {
		if computed := requestFingerprint(reqMsg); keyFP != computed {
			w.log.Warn("proving-worker message key does not match request fingerprint",
				"key_fingerprint", keyFP.Hex(), "fingerprint", computed.Hex())
		}
	}

	req := Request{
		Program: reqMsg.Program,
		Input:   reqMsg.Input,
		Mode:    reqMsg.Mode,
	}
	if !reqMsg.Deadline.IsZero() {
		req.Deadline = time.Until(reqMsg.Deadline)
		if req.Deadline <= 0 {
			fp := requestFingerprint(reqMsg)
			if perr := w.publishFailure(ctx, fp, "timeout", "deadline already elapsed", true); perr != nil {
				return perr
			}
			w.failureCount.Add(1)
			w.emitMetrics(msg.Timestamp, false)
			ackMessage(msg, w.cfg.AckTimeout, w.log)
			return nil
		}
	}

	result, err := w.orch.RequestProof(ctx, req)
	if err != nil {
		fp := requestFingerprint(reqMsg)
		var reqErr *proof.RequestError
		if errors.As(err, &reqErr) {
			fp = reqErr.Fingerprint
		}
		code, retryable := failureCode(err)
		w.log.Error("proving-worker request failed",
			"fingerprint", fp.Hex(), "error_code", code, "retryable", retryable, "err", err)
		if perr := w.publishFailure(ctx, fp, code, err.Error(), retryable); perr != nil {
			return perr
		}
		w.failureCount.Add(1)
		w.emitMetrics(msg.Timestamp, false)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}

	payload, err := proof.EncodeFulfillmentMessage(proof.FulfillmentMessage{
		Fingerprint: result.Fingerprint,
		Proof:       result.Proof,
		Mode:        result.Mode,
		FromCache:   result.FromCache,
		Elapsed:     result.Elapsed,
	})
	if err != nil {
		return err
	}
	if err := w.producer.Publish(ctx, w.cfg.FulfillmentTopic, result.Fingerprint.Bytes(), payload); err != nil {
		return err
	}
	if result.FromCache {
		w.cacheHits.Add(1)
	}
	w.successCount.Add(1)
	w.emitMetrics(msg.Timestamp, true)
	ackMessage(msg, w.cfg.AckTimeout, w.log)
	return nil
}

func (w *Worker) publishFailure(ctx context.Context, fp common.Hash, code, message string, retryable bool) error {
	payload, err := proof.EncodeFailureMessage(proof.FailureMessage{
		Fingerprint: fp,
		ErrorCode:   code,
		Retryable:   retryable,
		Message:     message,
	})
	if err != nil {
		return err
	}
	var key []byte
	if fp != (common.Hash{}) {
		key = fp.Bytes()
	}
	return w.producer.Publish(ctx, w.cfg.FailureTopic, key, payload)
}

func (w *Worker) emitMetrics(ts time.Time, success bool) {
	lagSeconds := float64(0)
	if !ts.IsZero() {
		lag := time.Since(ts)
		if lag > 0 {
			lagSeconds = lag.Seconds()
		}
	}
	w.log.Info("proving-worker metrics",
		"queue_lag_seconds", lagSeconds,
		"in_flight_requests", w.inflight.Load(),
		"success_count", w.successCount.Load(),
		"failure_count", w.failureCount.Load(),
		"cache_hit_count", w.cacheHits.Load(),
		"success", success,
	)
}

func requestFingerprint(msg proof.RequestMessage) common.Hash {
	return fingerprint.RequestV1(
		fingerprint.ProgramIDV1(msg.Program),
		fingerprint.InputIDV1(msg.Input),
	)
}

// failureCode maps a lifecycle error to the failure message taxonomy.
func failureCode(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, proof.ErrTimeout):
		return "timeout", true
	case errors.Is(err, proof.ErrTransport):
		return "transport", true
	case errors.Is(err, proof.ErrRemoteProving):
		return "remote_proving", false
	case errors.Is(err, proof.ErrProving):
		return "proving", false
	case errors.Is(err, proof.ErrIntegrity):
		return "integrity", false
	case errors.Is(err, proof.ErrSerialization):
		return "serialization", false
	case errors.Is(err, proof.ErrInvalidConfig):
		return "invalid_request", false
	default:
		return "internal_error", true
	}
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("proving-worker ack message", "err", err)
	}
}
