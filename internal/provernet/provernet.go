// Package provernet is the thin RPC binding to the remote proving network.
// It moves artifacts and mirrors job status; the orchestrator owns retries
// and lifecycle decisions.
package provernet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidConfig = errors.New("provernet: invalid config")

// ArtifactKind distinguishes upload payloads server-side.
type ArtifactKind string

const (
	ArtifactProgram ArtifactKind = "program"
	ArtifactInput   ArtifactKind = "input"
)

// JobState is the remote service's view of a proving job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobProving   JobState = "proving"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

func ParseJobState(v string) (JobState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(JobQueued):
		return JobQueued, nil
	case string(JobProving):
		return JobProving, nil
	case string(JobCompleted):
		return JobCompleted, nil
	case string(JobFailed):
		return JobFailed, nil
	default:
		return "", fmt.Errorf("provernet: unknown job state %q", v)
	}
}

// JobStatus mirrors one poll response. FailureCode/FailureMessage are only
// set when State is failed.
type JobStatus struct {
	State          JobState
	FailureCode    string
	FailureMessage string
}

// ProofEnvelope is a fetched proof plus the header the verifier checks.
type ProofEnvelope struct {
	Fingerprint common.Hash
	Digest      common.Hash
	Proof       []byte
}

// Client is the remote proving network capability consumed by the
// orchestrator.
type Client interface {
	UploadArtifact(ctx context.Context, kind ArtifactKind, id common.Hash, data []byte) (ref string, err error)
	SubmitJob(ctx context.Context, fingerprint common.Hash, programRef, inputRef string) (jobID string, err error)
	GetJobStatus(ctx context.Context, jobID string) (JobStatus, error)
	FetchProof(ctx context.Context, jobID string) (ProofEnvelope, error)
}

// TransportError is a classified transport-level failure. Retryable drives
// the retry policy: connection faults, timeouts, 5xx and rate limits retry;
// malformed requests, auth failures and not-found do not.
type TransportError struct {
	Op        string
	Status    int
	Code      string
	retryable bool
	Cause     error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("provernet: ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if strings.TrimSpace(e.Code) != "" {
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(e.Code))
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *TransportError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.retryable
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func AsTransportError(err error) (*TransportError, bool) {
	var target *TransportError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func newConnectionError(op string, cause error) error {
	return &TransportError{Op: op, retryable: true, Cause: cause}
}

func newStatusError(op string, status int, code string) error {
	return &TransportError{
		Op:        op,
		Status:    status,
		Code:      strings.TrimSpace(code),
		retryable: retryableStatus(status),
	}
}

func retryableStatus(status int) bool {
	switch {
	case status >= 500:
		return true
	case status == 408 || status == 429:
		return true
	default:
		return false
	}
}
