package localprover

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidConfig = errors.New("localprover: invalid config")

// Prover is the local proving engine capability. Proving is deterministic and
// expensive; there is no retry at this layer.
type Prover interface {
	Prove(ctx context.Context, program []byte, input []byte) ([]byte, error)
}

// ProveError carries the engine's failure classification. Retryable is false
// for almost everything: a deterministic engine fails the same way twice.
type ProveError struct {
	Code      string
	Retryable bool
	Cause     error
}

func (e *ProveError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if strings.TrimSpace(e.Code) != "" {
		b.WriteString(strings.TrimSpace(e.Code))
	}
	if e.Cause != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Cause.Error())
	}
	if b.Len() == 0 {
		return "localprover: prove failed"
	}
	return b.String()
}

func (e *ProveError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ClassifyProveError(err error) (code string, message string) {
	if err == nil {
		return "", ""
	}
	var p *ProveError
	if errors.As(err, &p) {
		code = strings.TrimSpace(p.Code)
		if code == "" {
			code = "prover_error"
		}
		return code, p.Error()
	}
	return "prover_error", err.Error()
}
