package proof

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func testJob() Job {
	return Job{
		Fingerprint: common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
		ProgramID:   common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222"),
		InputID:     common.HexToHash("0x3333333333333333333333333333333333333333333333333333333333333333"),
		Mode:        ModeNetwork,
	}
}

func TestMemoryStore_UpsertIdempotentAndMismatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	job := testJob()

	created, err := store.UpsertJob(context.Background(), job)
	if err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	if !created {
		t.Fatalf("expected first upsert to create")
	}

	created, err = store.UpsertJob(context.Background(), job)
	if err != nil {
		t.Fatalf("UpsertJob repeat: %v", err)
	}
	if created {
		t.Fatalf("expected repeat upsert to no-op")
	}

	other := job
	other.InputID = common.HexToHash("0x4444444444444444444444444444444444444444444444444444444444444444")
	if _, err := store.UpsertJob(context.Background(), other); !errors.Is(err, ErrRequestMismatch) {
		t.Fatalf("mismatch upsert: got %v want ErrRequestMismatch", err)
	}
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	job := testJob()
	ctx := context.Background()

	if _, err := store.UpsertJob(ctx, job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	rec, err := store.MarkUploaded(ctx, job.Fingerprint, "ref/program", "ref/input")
	if err != nil {
		t.Fatalf("MarkUploaded: %v", err)
	}
	if rec.State != StateSubmitting || rec.ProgramRef != "ref/program" || rec.InputRef != "ref/input" {
		t.Fatalf("after upload: %+v", rec)
	}

	rec, err = store.MarkSubmitted(ctx, job.Fingerprint, "job-123")
	if err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	if rec.State != StateProving || rec.RemoteJobID != "job-123" || rec.AttemptCount != 1 {
		t.Fatalf("after submit: %+v", rec)
	}

	digest := common.HexToHash("0x5555555555555555555555555555555555555555555555555555555555555555")
	rec, err = store.MarkCompleted(ctx, job.Fingerprint, digest)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if rec.State != StateCompleted || rec.ProofDigest != digest {
		t.Fatalf("after complete: %+v", rec)
	}

	if _, err := store.MarkFailed(ctx, job.Fingerprint, "late", "late failure", false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail after complete: got %v want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_FailedIsTerminalUntilDeleted(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	job := testJob()
	ctx := context.Background()

	if _, err := store.UpsertJob(ctx, job); err != nil {
		t.Fatalf("UpsertJob: %v", err)
	}
	rec, err := store.MarkFailed(ctx, job.Fingerprint, "remote_failed", "constraint unsatisfied", false)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if rec.State != StateFailed || rec.ErrorCode != "remote_failed" || rec.Retryable {
		t.Fatalf("after fail: %+v", rec)
	}
	if _, err := store.MarkSubmitted(ctx, job.Fingerprint, "job-456"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("submit after fail: got %v want ErrInvalidTransition", err)
	}

	if err := store.DeleteJob(ctx, job.Fingerprint); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := store.GetJob(ctx, job.Fingerprint); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: got %v want ErrNotFound", err)
	}
	if created, err := store.UpsertJob(ctx, job); err != nil || !created {
		t.Fatalf("re-upsert after delete: created=%v err=%v", created, err)
	}
}

func TestMemoryStore_UnknownFingerprint(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	fp := common.HexToHash("0x9999999999999999999999999999999999999999999999999999999999999999")
	if _, err := store.MarkSubmitted(context.Background(), fp, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkSubmitted unknown: got %v want ErrNotFound", err)
	}
}
