// Package orchestrator owns the proof request lifecycle: fingerprinting,
// in-process dedup, artifact upload, submit, poll, fetch, verification, and
// caching. Everything below it (transport, ledger, cache, local engine) is a
// capability it composes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/provenet/provenet/internal/artifactstore"
	"github.com/provenet/provenet/internal/fingerprint"
	"github.com/provenet/provenet/internal/localprover"
	"github.com/provenet/provenet/internal/proof"
	"github.com/provenet/provenet/internal/provernet"
	"github.com/provenet/provenet/internal/retry"
	"github.com/provenet/provenet/internal/verifier"
)

const defaultDeadline = 10 * time.Minute

var defaultPollBackoff = retry.Backoff{
	Initial:    2 * time.Second,
	Multiplier: 1.5,
	Max:        30 * time.Second,
}

// Request is one proof request. Identical Program+Input+Mode yields the same
// fingerprint and therefore the same proof.
type Request struct {
	Program []byte
	Input   []byte
	Mode    proof.Mode

	// Deadline bounds the whole request. Zero uses the configured default.
	Deadline time.Duration
}

func (r Request) validate() error {
	if len(r.Program) == 0 {
		return fmt.Errorf("%w: empty program", proof.ErrSerialization)
	}
	if len(r.Input) == 0 {
		return fmt.Errorf("%w: empty input", proof.ErrSerialization)
	}
	if _, err := proof.ParseMode(r.Mode.String()); err != nil {
		return err
	}
	if r.Deadline < 0 {
		return fmt.Errorf("%w: negative deadline", proof.ErrInvalidConfig)
	}
	return nil
}

type Config struct {
	// DefaultDeadline bounds requests that do not carry their own deadline.
	// Defaults to 10 minutes.
	DefaultDeadline time.Duration

	// PollBackoff spaces remote status polls. Defaults to 2s growing 1.5x
	// capped at 30s.
	PollBackoff retry.Backoff

	// RetryPolicy governs transient-failure retries of individual remote
	// calls (upload, submit, status, fetch). Zero value uses the policy
	// defaults.
	RetryPolicy retry.Policy

	Logger *slog.Logger
}

// Deps are the capabilities the orchestrator composes. Artifacts and Ledger
// are always required; Remote is required for network mode and Local for
// local mode, checked per request.
type Deps struct {
	Artifacts artifactstore.Store
	Ledger    proof.Store
	Remote    provernet.Client
	Local     localprover.Prover
}

type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	inflight *registry
	nowFn    func() time.Time
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Artifacts == nil {
		return nil, fmt.Errorf("%w: nil artifact store", proof.ErrInvalidConfig)
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", proof.ErrInvalidConfig)
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = defaultDeadline
	}
	if cfg.PollBackoff == (retry.Backoff{}) {
		cfg.PollBackoff = defaultPollBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		inflight: newRegistry(),
		nowFn:    time.Now,
	}, nil
}

// RequestProof runs one request end to end and returns the verified proof.
// Concurrent callers with the same fingerprint share a single execution;
// completed fingerprints are served from the proof cache without any remote
// traffic.
func (o *Orchestrator) RequestProof(ctx context.Context, req Request) (proof.Result, error) {
	if err := req.validate(); err != nil {
		return proof.Result{}, err
	}

	programID := fingerprint.ProgramIDV1(req.Program)
	inputID := fingerprint.InputIDV1(req.Input)
	fp := fingerprint.RequestV1(programID, inputID)
	job := proof.Job{Fingerprint: fp, ProgramID: programID, InputID: inputID, Mode: req.Mode}

	start := o.nowFn()

	// Fast path: an identical request already completed and its proof is
	// still cached.
	if cached, ok := o.cachedProof(ctx, fp); ok {
		return proof.Result{
			Proof:       cached,
			Fingerprint: fp,
			Mode:        req.Mode,
			FromCache:   true,
			Elapsed:     o.nowFn().Sub(start),
		}, nil
	}

	f, leader := o.inflight.join(fp)
	if !leader {
		deadline := req.Deadline
		if deadline <= 0 {
			deadline = o.cfg.DefaultDeadline
		}
		return o.waitForLeader(ctx, fp, deadline, f, start)
	}

	result, err := o.execute(ctx, job, req)
	o.inflight.complete(fp, f, result, err)
	return result, err
}

// waitForLeader blocks a follower until the leader finishes or the follower's
// own context expires. Follower deadlines are independent of the leader's.
func (o *Orchestrator) waitForLeader(ctx context.Context, fp common.Hash, deadline time.Duration, f *flight, start time.Time) (proof.Result, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-f.done:
		if f.err != nil {
			return proof.Result{}, f.err
		}
		res := f.result
		res.Proof = append([]byte(nil), f.result.Proof...)
		res.Elapsed = o.nowFn().Sub(start)
		return res, nil
	case <-timer.C:
		return proof.Result{}, &proof.RequestError{
			Fingerprint: fp,
			Err:         fmt.Errorf("%w: waited %s for in-flight request", proof.ErrTimeout, deadline),
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return proof.Result{}, &proof.RequestError{
				Fingerprint: fp,
				Err:         fmt.Errorf("%w: %v", proof.ErrTimeout, ctx.Err()),
			}
		}
		return proof.Result{}, ctx.Err()
	}
}

func (o *Orchestrator) execute(ctx context.Context, job proof.Job, req Request) (proof.Result, error) {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = o.cfg.DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := o.nowFn()

	// Re-check the cache now that we hold leadership: a previous leader may
	// have completed this fingerprint between our first check and the join.
	if cached, ok := o.cachedProof(ctx, job.Fingerprint); ok {
		return proof.Result{
			Proof:       cached,
			Fingerprint: job.Fingerprint,
			Mode:        job.Mode,
			FromCache:   true,
			Elapsed:     o.nowFn().Sub(start),
		}, nil
	}

	rec, err := o.ensureLedgerRecord(ctx, job)
	if err != nil {
		return proof.Result{}, &proof.RequestError{Fingerprint: job.Fingerprint, Err: err}
	}

	var proofBytes []byte
	switch job.Mode {
	case proof.ModeLocal:
		proofBytes, err = o.proveLocal(ctx, job, req)
	case proof.ModeNetwork:
		proofBytes, err = o.proveNetwork(ctx, job, req, rec)
	default:
		err = fmt.Errorf("%w: unsupported mode %q", proof.ErrInvalidConfig, job.Mode)
	}
	if err != nil {
		return proof.Result{}, o.terminalError(ctx, job.Fingerprint, err)
	}

	return proof.Result{
		Proof:       proofBytes,
		Fingerprint: job.Fingerprint,
		Mode:        job.Mode,
		Elapsed:     o.nowFn().Sub(start),
	}, nil
}

// ensureLedgerRecord upserts the job and resolves stale terminal records. A
// fresh request against a failed record is an explicit resubmission; against
// a completed record whose proof was evicted it starts over.
func (o *Orchestrator) ensureLedgerRecord(ctx context.Context, job proof.Job) (proof.Record, error) {
	for i := 0; i < 2; i++ {
		if _, err := o.deps.Ledger.UpsertJob(ctx, job); err != nil {
			return proof.Record{}, err
		}
		rec, err := o.deps.Ledger.GetJob(ctx, job.Fingerprint)
		if err != nil {
			return proof.Record{}, err
		}
		if !rec.State.Terminal() {
			return rec, nil
		}
		o.logger.Info("discarding terminal ledger record for resubmission",
			"fingerprint", job.Fingerprint.Hex(), "state", string(rec.State))
		if err := o.deps.Ledger.DeleteJob(ctx, job.Fingerprint); err != nil {
			return proof.Record{}, err
		}
	}
	return proof.Record{}, fmt.Errorf("%w: ledger record stuck terminal", proof.ErrInvalidTransition)
}

func (o *Orchestrator) proveLocal(ctx context.Context, job proof.Job, req Request) ([]byte, error) {
	if o.deps.Local == nil {
		return nil, fmt.Errorf("%w: local mode requires a local prover", proof.ErrInvalidConfig)
	}

	// Keep the artifacts resident while the engine runs.
	if err := o.cacheArtifacts(ctx, job, req); err != nil {
		return nil, err
	}
	defer o.unpinArtifacts(job)

	proofBytes, err := o.deps.Local.Prove(ctx, req.Program, req.Input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code, msg := localprover.ClassifyProveError(err)
		if _, mfErr := o.deps.Ledger.MarkFailed(ctx, job.Fingerprint, code, msg, false); mfErr != nil {
			o.logger.Error("mark failed", "fingerprint", job.Fingerprint.Hex(), "error", mfErr)
		}
		return nil, fmt.Errorf("%w: %v", proof.ErrProving, err)
	}
	if err := verifier.VerifyLocal(proofBytes); err != nil {
		return nil, err
	}
	return proofBytes, o.finishCompleted(ctx, job.Fingerprint, proofBytes)
}

func (o *Orchestrator) proveNetwork(ctx context.Context, job proof.Job, req Request, rec proof.Record) ([]byte, error) {
	if o.deps.Remote == nil {
		return nil, fmt.Errorf("%w: network mode requires a remote client", proof.ErrInvalidConfig)
	}

	if err := o.cacheArtifacts(ctx, job, req); err != nil {
		return nil, err
	}
	defer o.unpinArtifacts(job)

	remoteJobID := strings.TrimSpace(rec.RemoteJobID)
	if remoteJobID != "" {
		o.logger.Info("reattaching to remote job",
			"fingerprint", job.Fingerprint.Hex(), "remote_job_id", remoteJobID)
	} else {
		var err error
		if rec, err = o.uploadArtifacts(ctx, job, req, rec); err != nil {
			return nil, err
		}
		if remoteJobID, err = o.submitJob(ctx, job, rec); err != nil {
			return nil, err
		}
	}
	return o.awaitProof(ctx, job, remoteJobID)
}

func (o *Orchestrator) uploadArtifacts(ctx context.Context, job proof.Job, req Request, rec proof.Record) (proof.Record, error) {
	programRef := strings.TrimSpace(rec.ProgramRef)
	inputRef := strings.TrimSpace(rec.InputRef)
	if programRef != "" && inputRef != "" {
		return rec, nil
	}

	err := o.retryCall(ctx, "upload program", func(ctx context.Context) error {
		ref, err := o.deps.Remote.UploadArtifact(ctx, provernet.ArtifactProgram, job.ProgramID, req.Program)
		if err != nil {
			return err
		}
		programRef = ref
		return nil
	})
	if err != nil {
		return proof.Record{}, err
	}
	err = o.retryCall(ctx, "upload input", func(ctx context.Context) error {
		ref, err := o.deps.Remote.UploadArtifact(ctx, provernet.ArtifactInput, job.InputID, req.Input)
		if err != nil {
			return err
		}
		inputRef = ref
		return nil
	})
	if err != nil {
		return proof.Record{}, err
	}
	return o.deps.Ledger.MarkUploaded(ctx, job.Fingerprint, programRef, inputRef)
}

func (o *Orchestrator) submitJob(ctx context.Context, job proof.Job, rec proof.Record) (string, error) {
	var remoteJobID string
	err := o.retryCall(ctx, "submit job", func(ctx context.Context) error {
		id, err := o.deps.Remote.SubmitJob(ctx, job.Fingerprint, rec.ProgramRef, rec.InputRef)
		if err != nil {
			return err
		}
		remoteJobID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	if _, err := o.deps.Ledger.MarkSubmitted(ctx, job.Fingerprint, remoteJobID); err != nil {
		return "", err
	}
	o.logger.Info("submitted proof job",
		"fingerprint", job.Fingerprint.Hex(), "remote_job_id", remoteJobID)
	return remoteJobID, nil
}

// awaitProof polls the remote job to a terminal state, then fetches and
// verifies the proof. Transient poll errors are retried per policy; a
// deadline here leaves the ledger record reattachable.
func (o *Orchestrator) awaitProof(ctx context.Context, job proof.Job, remoteJobID string) ([]byte, error) {
	poll := 0
	errStreak := 0
	var errStart time.Time
	for {
		status, err := o.deps.Remote.GetJobStatus(ctx, remoteJobID)
		if err != nil {
			if errStreak == 0 {
				errStart = o.nowFn()
			}
			errStreak++
			delay, again := o.cfg.RetryPolicy.Decide(err, errStreak, o.nowFn().Sub(errStart))
			if !again {
				return nil, err
			}
			o.logger.Warn("status poll failed, retrying",
				"remote_job_id", remoteJobID, "attempt", errStreak, "delay", delay.String(), "error", err)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		errStreak = 0

		switch status.State {
		case provernet.JobCompleted:
			return o.fetchAndVerify(ctx, job, remoteJobID)
		case provernet.JobFailed:
			code := status.FailureCode
			if code == "" {
				code = "remote_failed"
			}
			if _, mfErr := o.deps.Ledger.MarkFailed(ctx, job.Fingerprint, code, status.FailureMessage, false); mfErr != nil {
				o.logger.Error("mark failed", "fingerprint", job.Fingerprint.Hex(), "error", mfErr)
			}
			if status.FailureMessage != "" {
				return nil, fmt.Errorf("%w: %s: %s", proof.ErrRemoteProving, code, status.FailureMessage)
			}
			return nil, fmt.Errorf("%w: %s", proof.ErrRemoteProving, code)
		default:
			if err := sleep(ctx, o.cfg.PollBackoff.Next(poll)); err != nil {
				return nil, err
			}
			poll++
		}
	}
}

func (o *Orchestrator) fetchAndVerify(ctx context.Context, job proof.Job, remoteJobID string) ([]byte, error) {
	var env provernet.ProofEnvelope
	err := o.retryCall(ctx, "fetch proof", func(ctx context.Context) error {
		e, err := o.deps.Remote.FetchProof(ctx, remoteJobID)
		if err != nil {
			return err
		}
		env = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := verifier.Verify(job.Fingerprint, env); err != nil {
		if _, mfErr := o.deps.Ledger.MarkFailed(ctx, job.Fingerprint, "integrity", err.Error(), false); mfErr != nil {
			o.logger.Error("mark failed", "fingerprint", job.Fingerprint.Hex(), "error", mfErr)
		}
		return nil, err
	}
	return env.Proof, o.finishCompleted(ctx, job.Fingerprint, env.Proof)
}

// finishCompleted caches the proof and records completion. Cache writes are
// best effort; the ledger write is not.
func (o *Orchestrator) finishCompleted(ctx context.Context, fp common.Hash, proofBytes []byte) error {
	if err := o.deps.Artifacts.Put(ctx, artifactstore.ProofKey(fp), proofBytes); err != nil {
		o.logger.Warn("cache proof", "fingerprint", fp.Hex(), "error", err)
	}
	if _, err := o.deps.Ledger.MarkCompleted(ctx, fp, fingerprint.ProofDigestV1(proofBytes)); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) cacheArtifacts(ctx context.Context, job proof.Job, req Request) error {
	programKey := artifactstore.ProgramKey(job.ProgramID)
	inputKey := artifactstore.InputKey(job.InputID)
	for _, item := range []struct {
		key  string
		data []byte
	}{
		{key: programKey, data: req.Program},
		{key: inputKey, data: req.Input},
	} {
		ok, err := o.deps.Artifacts.Exists(ctx, item.key)
		if err != nil {
			return err
		}
		if !ok {
			if err := o.deps.Artifacts.Put(ctx, item.key, item.data); err != nil {
				return err
			}
		}
		if err := o.deps.Artifacts.Pin(ctx, item.key); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) unpinArtifacts(job proof.Job) {
	// Unpin must run even when the request context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range []string{
		artifactstore.ProgramKey(job.ProgramID),
		artifactstore.InputKey(job.InputID),
	} {
		if err := o.deps.Artifacts.Unpin(ctx, key); err != nil {
			o.logger.Warn("unpin artifact", "key", key, "error", err)
		}
	}
}

// cachedProof returns a previously completed proof for fp, but only when the
// cached bytes still match the digest recorded at completion. A corrupted or
// overwritten cache entry is dropped and the request re-proves.
func (o *Orchestrator) cachedProof(ctx context.Context, fp common.Hash) ([]byte, bool) {
	data, err := o.deps.Artifacts.Get(ctx, artifactstore.ProofKey(fp))
	if err != nil {
		if !errors.Is(err, artifactstore.ErrNotFound) {
			o.logger.Warn("proof cache lookup", "fingerprint", fp.Hex(), "error", err)
		}
		return nil, false
	}
	rec, err := o.deps.Ledger.GetJob(ctx, fp)
	if err != nil {
		if !errors.Is(err, proof.ErrNotFound) {
			o.logger.Warn("proof cache ledger lookup", "fingerprint", fp.Hex(), "error", err)
		}
		return nil, false
	}
	if rec.State != proof.StateCompleted || rec.ProofDigest == (common.Hash{}) {
		return nil, false
	}
	if fingerprint.ProofDigestV1(data) != rec.ProofDigest {
		o.logger.Warn("cached proof digest mismatch, dropping entry", "fingerprint", fp.Hex())
		if err := o.deps.Artifacts.Delete(ctx, artifactstore.ProofKey(fp)); err != nil {
			o.logger.Warn("drop corrupt cached proof", "fingerprint", fp.Hex(), "error", err)
		}
		return nil, false
	}
	return data, true
}

// retryCall runs one remote call under the retry policy.
func (o *Orchestrator) retryCall(ctx context.Context, op string, fn func(context.Context) error) error {
	start := o.nowFn()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		delay, again := o.cfg.RetryPolicy.Decide(err, attempt, o.nowFn().Sub(start))
		if !again {
			return err
		}
		o.logger.Warn("remote call failed, retrying",
			"op", op, "attempt", attempt, "delay", delay.String(), "error", err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// terminalError maps an execution failure onto the error taxonomy and wraps
// it with request context.
func (o *Orchestrator) terminalError(ctx context.Context, fp common.Hash, err error) error {
	mapped := err
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mapped = fmt.Errorf("%w: %v", proof.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		// Caller cancellation is not a lifecycle failure.
	case errors.Is(err, artifactstore.ErrTooLarge):
		mapped = fmt.Errorf("%w: %v", proof.ErrSerialization, err)
	default:
		if _, ok := provernet.AsTransportError(err); ok {
			mapped = fmt.Errorf("%w: %v", proof.ErrTransport, err)
		}
	}

	reqErr := &proof.RequestError{Fingerprint: fp, Err: mapped}
	if rec, gerr := o.deps.Ledger.GetJob(ctx, fp); gerr == nil {
		reqErr.RemoteJobID = rec.RemoteJobID
		reqErr.Attempts = rec.AttemptCount
	} else if rec, gerr = o.deps.Ledger.GetJob(context.Background(), fp); gerr == nil {
		reqErr.RemoteJobID = rec.RemoteJobID
		reqErr.Attempts = rec.AttemptCount
	}
	return reqErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
