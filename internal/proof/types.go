package proof

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig     = errors.New("proof: invalid config")
	ErrNotFound          = errors.New("proof: not found")
	ErrRequestMismatch   = errors.New("proof: request mismatch")
	ErrInvalidTransition = errors.New("proof: invalid transition")

	// Terminal error taxonomy surfaced to callers.
	ErrSerialization = errors.New("proof: serialization failed")
	ErrTransport     = errors.New("proof: transport failed")
	ErrRemoteProving = errors.New("proof: remote proving failed")
	ErrProving       = errors.New("proof: local proving failed")
	ErrTimeout       = errors.New("proof: deadline elapsed")
	ErrIntegrity     = errors.New("proof: integrity check failed")
)

// Mode selects the execution path for a proof request.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeNetwork Mode = "network"
)

func (m Mode) String() string {
	return string(m)
}

func ParseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case ModeLocal.String():
		return ModeLocal, nil
	case ModeNetwork.String():
		return ModeNetwork, nil
	default:
		return "", fmt.Errorf("%w: unsupported mode %q (supported: %q, %q)", ErrInvalidConfig, v, ModeLocal, ModeNetwork)
	}
}

// LifecycleState tracks a job through the ledger. The remote service owns the
// authoritative status; ledger state is a possibly stale local mirror.
type LifecycleState string

const (
	StatePending    LifecycleState = "pending"
	StateSubmitting LifecycleState = "submitting"
	StateProving    LifecycleState = "proving"
	StateCompleted  LifecycleState = "completed"
	StateFailed     LifecycleState = "failed"
)

func (s LifecycleState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job identifies one proof request in the ledger. Immutable after creation.
type Job struct {
	Fingerprint common.Hash
	ProgramID   common.Hash
	InputID     common.Hash
	Mode        Mode
}

func (j Job) Validate() error {
	if (j.Fingerprint == common.Hash{}) {
		return fmt.Errorf("%w: missing fingerprint", ErrInvalidConfig)
	}
	if (j.ProgramID == common.Hash{}) {
		return fmt.Errorf("%w: missing program id", ErrInvalidConfig)
	}
	if (j.InputID == common.Hash{}) {
		return fmt.Errorf("%w: missing input id", ErrInvalidConfig)
	}
	if _, err := ParseMode(j.Mode.String()); err != nil {
		return err
	}
	return nil
}

// Record is the ledger row for one fingerprint.
type Record struct {
	Job Job

	State        LifecycleState
	RemoteJobID  string
	ProgramRef   string
	InputRef     string
	ProofDigest  common.Hash
	AttemptCount int

	Retryable    bool
	ErrorCode    string
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is returned to the caller on success.
type Result struct {
	Proof       []byte
	Fingerprint common.Hash
	Mode        Mode
	FromCache   bool
	Elapsed     time.Duration
}

// RequestError wraps a terminal failure with enough context for the caller to
// decide on manual resubmission. Unwrap yields one of the taxonomy sentinels.
type RequestError struct {
	Fingerprint common.Hash
	RemoteJobID string
	Attempts    int
	Err         error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString("proof: request failed")
	}
	fmt.Fprintf(&b, " (fingerprint %s", e.Fingerprint.Hex())
	if strings.TrimSpace(e.RemoteJobID) != "" {
		fmt.Fprintf(&b, ", remote job %s", e.RemoteJobID)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, ", attempts %d", e.Attempts)
	}
	b.WriteString(")")
	return b.String()
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
