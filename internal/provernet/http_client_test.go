package provernet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestHTTPClient_UploadSubmitStatusFetch(t *testing.T) {
	t.Parallel()

	fingerprint := common.HexToHash("0xf1")
	proofBytes := []byte{0xde, 0xad, 0xbe, 0xef}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("auth header: got %q", got)
		}
		switch r.Method + " " + r.URL.Path {
		case "POST /v1/artifacts":
			var req struct {
				Kind string `json:"kind"`
				ID   string `json:"id"`
				Data string `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode upload: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"ref": "blob/" + req.Kind + "/" + req.ID})
		case "POST /v1/jobs":
			_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "job-42"})
		case "GET /v1/jobs/job-42":
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "completed"})
		case "GET /v1/jobs/job-42/proof":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"fingerprint": fingerprint.Hex(),
				"digest":      common.HexToHash("0xd1").Hex(),
				"proof":       "0x" + hex.EncodeToString(proofBytes),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(srv.URL, "token-1")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	ctx := context.Background()

	programID := common.HexToHash("0xaa")
	ref, err := client.UploadArtifact(ctx, ArtifactProgram, programID, []byte("elf"))
	if err != nil {
		t.Fatalf("UploadArtifact: %v", err)
	}
	if want := "blob/program/" + programID.Hex(); ref != want {
		t.Fatalf("ref: got %q want %q", ref, want)
	}

	jobID, err := client.SubmitJob(ctx, fingerprint, ref, "blob/input/x")
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if jobID != "job-42" {
		t.Fatalf("job id: got %q", jobID)
	}

	status, err := client.GetJobStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if status.State != JobCompleted {
		t.Fatalf("state: got %s", status.State)
	}

	env, err := client.FetchProof(ctx, jobID)
	if err != nil {
		t.Fatalf("FetchProof: %v", err)
	}
	if env.Fingerprint != fingerprint || len(env.Proof) != len(proofBytes) {
		t.Fatalf("envelope: %+v", env)
	}
}

func TestHTTPClient_StatusErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "server error", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantRetryable: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantRetryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantRetryable: false},
		{name: "not found", status: http.StatusNotFound, wantRetryable: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"boom"}`))
			}))
			defer srv.Close()

			client, err := NewHTTPClient(srv.URL, "")
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			_, err = client.GetJobStatus(context.Background(), "job-1")
			te, ok := AsTransportError(err)
			if !ok {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.Retryable() != tc.wantRetryable {
				t.Fatalf("retryable: got %v want %v (err %v)", te.Retryable(), tc.wantRetryable, err)
			}
			if te.Status != tc.status || te.Code != "boom" {
				t.Fatalf("classified error: %+v", te)
			}
		})
	}
}

func TestHTTPClient_ConnectionErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	client, err := NewHTTPClient(srv.URL, "")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	_, err = client.SubmitJob(context.Background(), common.HexToHash("0x01"), "p", "i")
	te, ok := AsTransportError(err)
	if !ok {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !te.Retryable() {
		t.Fatalf("connection error must be retryable: %v", err)
	}
}

func TestNewHTTPClient_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPClient("", ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewHTTPClient("ftp://host", ""); err == nil {
		t.Fatalf("expected error for bad scheme")
	}
	if _, err := NewHTTPClient("https://api.example.com", "", WithMaxResponseBytes(0)); err == nil {
		t.Fatalf("expected error for zero max response bytes")
	}
}
