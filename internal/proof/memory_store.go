package proof

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is the in-process ledger driver, used for tests and single-node
// runs. The postgres driver carries the same semantics durably.
type MemoryStore struct {
	mu sync.Mutex

	nowFn   func() time.Time
	records map[common.Hash]Record
}

func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn:   nowFn,
		records: make(map[common.Hash]Record),
	}
}

func (s *MemoryStore) UpsertJob(_ context.Context, job Job) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := job.Validate(); err != nil {
		return false, err
	}

	now := s.nowFn().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[job.Fingerprint]; ok {
		if existing.Job != job {
			return false, fmt.Errorf("%w: fingerprint %s", ErrRequestMismatch, job.Fingerprint.Hex())
		}
		return false, nil
	}

	s.records[job.Fingerprint] = Record{
		Job:       job,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *MemoryStore) MarkUploaded(_ context.Context, fingerprint common.Hash, programRef, inputRef string) (Record, error) {
	return s.update(fingerprint, func(rec *Record) error {
		if rec.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, fingerprint.Hex(), rec.State)
		}
		rec.State = StateSubmitting
		rec.ProgramRef = programRef
		rec.InputRef = inputRef
		return nil
	})
}

func (s *MemoryStore) MarkSubmitted(_ context.Context, fingerprint common.Hash, remoteJobID string) (Record, error) {
	return s.update(fingerprint, func(rec *Record) error {
		if rec.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, fingerprint.Hex(), rec.State)
		}
		rec.State = StateProving
		rec.RemoteJobID = remoteJobID
		rec.AttemptCount++
		return nil
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, fingerprint common.Hash, proofDigest common.Hash) (Record, error) {
	return s.update(fingerprint, func(rec *Record) error {
		if rec.State == StateFailed {
			return fmt.Errorf("%w: %s already failed", ErrInvalidTransition, fingerprint.Hex())
		}
		rec.State = StateCompleted
		rec.ProofDigest = proofDigest
		rec.Retryable = false
		rec.ErrorCode = ""
		rec.ErrorMessage = ""
		return nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, fingerprint common.Hash, code, message string, retryable bool) (Record, error) {
	return s.update(fingerprint, func(rec *Record) error {
		if rec.State == StateCompleted {
			return fmt.Errorf("%w: %s already completed", ErrInvalidTransition, fingerprint.Hex())
		}
		rec.State = StateFailed
		rec.Retryable = retryable
		rec.ErrorCode = code
		rec.ErrorMessage = message
		rec.ProofDigest = common.Hash{}
		return nil
	})
}

func (s *MemoryStore) GetJob(_ context.Context, fingerprint common.Hash) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fingerprint]
	if !ok {
		return Record{}, fmt.Errorf("%w: fingerprint %s", ErrNotFound, fingerprint.Hex())
	}
	return rec, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, fingerprint common.Hash) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	s.mu.Lock()
	delete(s.records, fingerprint)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) update(fingerprint common.Hash, mutate func(*Record) error) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	now := s.nowFn().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fingerprint]
	if !ok {
		return Record{}, fmt.Errorf("%w: fingerprint %s", ErrNotFound, fingerprint.Hex())
	}
	if err := mutate(&rec); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = now
	s.records[fingerprint] = rec
	return rec, nil
}
