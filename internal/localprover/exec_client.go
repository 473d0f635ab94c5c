package localprover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

type execCommandFn func(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error)

// ExecClient drives an out-of-process proving engine. The engine reads one
// prover.request.v1 JSON document on stdin and writes one prover.response.v1
// document on stdout.
type ExecClient struct {
	bin string

	maxResponseBytes int
	execCommand      execCommandFn
}

func NewExecClient(bin string, maxResponseBytes int) (*ExecClient, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing prover binary", ErrInvalidConfig)
	}
	if maxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
	}
	return &ExecClient{
		bin:              bin,
		maxResponseBytes: maxResponseBytes,
		execCommand:      runExecCommand,
	}, nil
}

func (c *ExecClient) Prove(ctx context.Context, program []byte, input []byte) ([]byte, error) {
	if c == nil || c.execCommand == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	if len(program) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrInvalidConfig)
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidConfig)
	}

	reqBody, err := json.Marshal(map[string]any{
		"version": "prover.request.v1",
		"program": "0x" + hex.EncodeToString(program),
		"input":   "0x" + hex.EncodeToString(input),
	})
	if err != nil {
		return nil, fmt.Errorf("localprover: marshal request: %w", err)
	}

	stdout, stderr, err := c.execCommand(ctx, c.bin, reqBody)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		cause := fmt.Errorf("execute prover: %w", err)
		if msg != "" {
			cause = fmt.Errorf("execute prover: %w: %s", err, msg)
		}
		return nil, &ProveError{Code: "prover_exec_failed", Cause: cause}
	}
	if len(stdout) > c.maxResponseBytes {
		return nil, &ProveError{Code: "prover_response_too_large"}
	}

	var resp struct {
		Version string `json:"version"`
		Proof   string `json:"proof"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return nil, &ProveError{Code: "prover_bad_response", Cause: err}
	}
	if resp.Version != "prover.response.v1" {
		return nil, &ProveError{Code: "prover_bad_response", Cause: fmt.Errorf("unexpected response version %q", resp.Version)}
	}
	if strings.TrimSpace(resp.Error) != "" {
		return nil, &ProveError{Code: "prover_failed", Cause: fmt.Errorf("%s", strings.TrimSpace(resp.Error))}
	}
	if strings.TrimSpace(resp.Proof) == "" {
		return nil, &ProveError{Code: "prover_empty_proof"}
	}
	b, err := decodeHexBytes(resp.Proof)
	if err != nil {
		return nil, &ProveError{Code: "prover_bad_response", Cause: fmt.Errorf("decode proof: %w", err)}
	}
	return b, nil
}

func runExecCommand(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func decodeHexBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return nil, fmt.Errorf("empty hex")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}
