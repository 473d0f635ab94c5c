package provernet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type ClientOption func(*HTTPClient) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *HTTPClient) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// HTTPClient is the JSON-over-HTTPS driver for the proving network API.
type HTTPClient struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewHTTPClient(baseURL string, authToken string, opts ...ClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	c := &HTTPClient{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 2 * time.Minute},
		maxRespBytes: 64 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *HTTPClient) UploadArtifact(ctx context.Context, kind ArtifactKind, id common.Hash, data []byte) (string, error) {
	if kind != ArtifactProgram && kind != ArtifactInput {
		return "", fmt.Errorf("%w: unsupported artifact kind %q", ErrInvalidConfig, kind)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty artifact payload", ErrInvalidConfig)
	}
	var resp struct {
		Ref string `json:"ref"`
	}
	err := c.do(ctx, "upload artifact", http.MethodPost, "/v1/artifacts", map[string]any{
		"kind": string(kind),
		"id":   id.Hex(),
		"data": "0x" + hex.EncodeToString(data),
	}, &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Ref) == "" {
		return "", newStatusError("upload artifact", 0, "empty_ref")
	}
	return strings.TrimSpace(resp.Ref), nil
}

func (c *HTTPClient) SubmitJob(ctx context.Context, fingerprint common.Hash, programRef, inputRef string) (string, error) {
	if strings.TrimSpace(programRef) == "" || strings.TrimSpace(inputRef) == "" {
		return "", fmt.Errorf("%w: missing artifact refs", ErrInvalidConfig)
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := c.do(ctx, "submit job", http.MethodPost, "/v1/jobs", map[string]any{
		"fingerprint": fingerprint.Hex(),
		"program_ref": strings.TrimSpace(programRef),
		"input_ref":   strings.TrimSpace(inputRef),
	}, &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return "", newStatusError("submit job", 0, "empty_job_id")
	}
	return strings.TrimSpace(resp.JobID), nil
}

func (c *HTTPClient) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, fmt.Errorf("%w: missing job id", ErrInvalidConfig)
	}
	var resp struct {
		State          string `json:"state"`
		FailureCode    string `json:"failure_code"`
		FailureMessage string `json:"failure_message"`
	}
	if err := c.do(ctx, "get job status", http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &resp); err != nil {
		return JobStatus{}, err
	}
	state, err := ParseJobState(resp.State)
	if err != nil {
		return JobStatus{}, newStatusError("get job status", 0, "unknown_state")
	}
	return JobStatus{
		State:          state,
		FailureCode:    strings.TrimSpace(resp.FailureCode),
		FailureMessage: strings.TrimSpace(resp.FailureMessage),
	}, nil
}

func (c *HTTPClient) FetchProof(ctx context.Context, jobID string) (ProofEnvelope, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ProofEnvelope{}, fmt.Errorf("%w: missing job id", ErrInvalidConfig)
	}
	var resp struct {
		Fingerprint string `json:"fingerprint"`
		Digest      string `json:"digest"`
		Proof       string `json:"proof"`
	}
	if err := c.do(ctx, "fetch proof", http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/proof", nil, &resp); err != nil {
		return ProofEnvelope{}, err
	}
	proofBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(resp.Proof), "0x"))
	if err != nil {
		return ProofEnvelope{}, newStatusError("fetch proof", 0, "invalid_proof_hex")
	}
	return ProofEnvelope{
		Fingerprint: common.HexToHash(strings.TrimSpace(resp.Fingerprint)),
		Digest:      common.HexToHash(strings.TrimSpace(resp.Digest)),
		Proof:       proofBytes,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, endpoint)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provernet: marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("provernet: build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return newConnectionError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return newConnectionError(op, err)
	}
	if int64(len(respBody)) > c.maxRespBytes {
		return newStatusError(op, resp.StatusCode, "response_too_large")
	}

	if resp.StatusCode != http.StatusOK {
		code := strings.TrimSpace(string(respBody))
		var er struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &er) == nil {
			if er.Code != "" {
				code = er.Code
			} else if er.Error != "" {
				code = er.Error
			}
		}
		if code == "" {
			code = resp.Status
		}
		return newStatusError(op, resp.StatusCode, code)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return newStatusError(op, resp.StatusCode, "invalid_response_json")
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}
