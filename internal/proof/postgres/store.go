package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/provenet/provenet/internal/proof"
)

var ErrInvalidConfig = errors.New("proof/postgres: invalid config")

// Store is the pgx-backed job ledger driver.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("proof/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertJob(ctx context.Context, job proof.Job) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := job.Validate(); err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO proof_jobs (fingerprint, program_id, input_id, mode, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (fingerprint) DO NOTHING
	`, job.Fingerprint[:], job.ProgramID[:], job.InputID[:], job.Mode.String(), stateToDB(proof.StatePending))
	if err != nil {
		return false, fmt.Errorf("proof/postgres: insert job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		_ = s.appendEvent(ctx, job.Fingerprint, "job_created", map[string]any{"mode": job.Mode.String()})
		return true, nil
	}

	rec, err := s.GetJob(ctx, job.Fingerprint)
	if err != nil {
		return false, err
	}
	if rec.Job != job {
		return false, fmt.Errorf("%w: fingerprint %s", proof.ErrRequestMismatch, job.Fingerprint.Hex())
	}
	return false, nil
}

func (s *Store) MarkUploaded(ctx context.Context, fingerprint common.Hash, programRef, inputRef string) (proof.Record, error) {
	return s.updateNonTerminal(ctx, fingerprint, "job_uploaded", `
		UPDATE proof_jobs
		SET state = $2,
			program_ref = NULLIF($3, ''),
			input_ref = NULLIF($4, ''),
			updated_at = now()
		WHERE fingerprint = $1 AND state NOT IN ($5, $6)
	`, stateToDB(proof.StateSubmitting), strings.TrimSpace(programRef), strings.TrimSpace(inputRef),
		stateToDB(proof.StateCompleted), stateToDB(proof.StateFailed))
}

func (s *Store) MarkSubmitted(ctx context.Context, fingerprint common.Hash, remoteJobID string) (proof.Record, error) {
	return s.updateNonTerminal(ctx, fingerprint, "job_submitted", `
		UPDATE proof_jobs
		SET state = $2,
			remote_job_id = NULLIF($3, ''),
			attempt_count = attempt_count + 1,
			updated_at = now()
		WHERE fingerprint = $1 AND state NOT IN ($4, $5)
	`, stateToDB(proof.StateProving), strings.TrimSpace(remoteJobID),
		stateToDB(proof.StateCompleted), stateToDB(proof.StateFailed))
}

func (s *Store) MarkCompleted(ctx context.Context, fingerprint common.Hash, proofDigest common.Hash) (proof.Record, error) {
	return s.updateNonTerminal(ctx, fingerprint, "job_completed", `
		UPDATE proof_jobs
		SET state = $2,
			proof_digest = $3,
			retryable = FALSE,
			error_code = NULL,
			error_message = NULL,
			updated_at = now()
		WHERE fingerprint = $1 AND state <> $4
	`, stateToDB(proof.StateCompleted), proofDigest[:], stateToDB(proof.StateFailed))
}

func (s *Store) MarkFailed(ctx context.Context, fingerprint common.Hash, code, message string, retryable bool) (proof.Record, error) {
	return s.updateNonTerminal(ctx, fingerprint, "job_failed", `
		UPDATE proof_jobs
		SET state = $2,
			proof_digest = NULL,
			retryable = $3,
			error_code = NULLIF($4, ''),
			error_message = NULLIF($5, ''),
			updated_at = now()
		WHERE fingerprint = $1 AND state <> $6
	`, stateToDB(proof.StateFailed), retryable, strings.TrimSpace(code), strings.TrimSpace(message),
		stateToDB(proof.StateCompleted))
}

func (s *Store) GetJob(ctx context.Context, fingerprint common.Hash) (proof.Record, error) {
	if s == nil || s.pool == nil {
		return proof.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return scanJob(s.pool.QueryRow(ctx, selectJobSQL+` WHERE fingerprint = $1`, fingerprint[:]), fingerprint)
}

func (s *Store) DeleteJob(ctx context.Context, fingerprint common.Hash) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM proof_jobs WHERE fingerprint = $1`, fingerprint[:]); err != nil {
		return fmt.Errorf("proof/postgres: delete job: %w", err)
	}
	return nil
}

const selectJobSQL = `
	SELECT
		program_id,
		input_id,
		mode,
		state,
		remote_job_id,
		program_ref,
		input_ref,
		proof_digest,
		attempt_count,
		retryable,
		error_code,
		error_message,
		created_at,
		updated_at
	FROM proof_jobs`

func (s *Store) updateNonTerminal(ctx context.Context, fingerprint common.Hash, eventType, sql string, args ...any) (proof.Record, error) {
	if s == nil || s.pool == nil {
		return proof.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return proof.Record{}, fmt.Errorf("proof/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	allArgs := append([]any{fingerprint[:]}, args...)
	tag, err := tx.Exec(ctx, sql, allArgs...)
	if err != nil {
		return proof.Record{}, fmt.Errorf("proof/postgres: %s: %w", eventType, err)
	}

	rec, err := scanJob(tx.QueryRow(ctx, selectJobSQL+` WHERE fingerprint = $1 FOR UPDATE`, fingerprint[:]), fingerprint)
	if err != nil {
		return proof.Record{}, err
	}
	if tag.RowsAffected() == 0 {
		// Guarded update skipped the row: the record is already terminal.
		return proof.Record{}, fmt.Errorf("%w: %s is %s", proof.ErrInvalidTransition, fingerprint.Hex(), rec.State)
	}

	if err := appendEventTx(ctx, tx, fingerprint, eventType, map[string]any{
		"state":         string(rec.State),
		"remote_job_id": rec.RemoteJobID,
	}); err != nil {
		return proof.Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return proof.Record{}, fmt.Errorf("proof/postgres: commit tx: %w", err)
	}
	return rec, nil
}

func scanJob(row pgx.Row, fingerprint common.Hash) (proof.Record, error) {
	var (
		rec          proof.Record
		programRaw   []byte
		inputRaw     []byte
		modeRaw      string
		stateRaw     int16
		remoteJobRaw *string
		programRef   *string
		inputRef     *string
		digestRaw    []byte
		errCodeRaw   *string
		errMsgRaw    *string
	)
	err := row.Scan(
		&programRaw,
		&inputRaw,
		&modeRaw,
		&stateRaw,
		&remoteJobRaw,
		&programRef,
		&inputRef,
		&digestRaw,
		&rec.AttemptCount,
		&rec.Retryable,
		&errCodeRaw,
		&errMsgRaw,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return proof.Record{}, fmt.Errorf("%w: fingerprint %s", proof.ErrNotFound, fingerprint.Hex())
		}
		return proof.Record{}, fmt.Errorf("proof/postgres: scan job: %w", err)
	}

	rec.Job.Fingerprint = fingerprint
	rec.Job.ProgramID = common.BytesToHash(programRaw)
	rec.Job.InputID = common.BytesToHash(inputRaw)
	mode, err := proof.ParseMode(modeRaw)
	if err != nil {
		return proof.Record{}, err
	}
	rec.Job.Mode = mode
	state, err := stateFromDB(stateRaw)
	if err != nil {
		return proof.Record{}, err
	}
	rec.State = state
	rec.RemoteJobID = stringOrEmpty(remoteJobRaw)
	rec.ProgramRef = stringOrEmpty(programRef)
	rec.InputRef = stringOrEmpty(inputRef)
	if len(digestRaw) == common.HashLength {
		rec.ProofDigest = common.BytesToHash(digestRaw)
	}
	rec.ErrorCode = stringOrEmpty(errCodeRaw)
	rec.ErrorMessage = stringOrEmpty(errMsgRaw)
	return rec, nil
}

func (s *Store) appendEvent(ctx context.Context, fingerprint common.Hash, eventType string, payload map[string]any) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := appendEventTx(ctx, tx, fingerprint, eventType, payload); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendEventTx(ctx context.Context, tx pgx.Tx, fingerprint common.Hash, eventType string, payload map[string]any) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("proof/postgres: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO proof_job_events (fingerprint, event_type, payload, created_at)
		VALUES ($1, $2, $3::jsonb, now())
	`, fingerprint[:], eventType, b); err != nil {
		return fmt.Errorf("proof/postgres: insert event: %w", err)
	}
	return nil
}

func stateToDB(state proof.LifecycleState) int16 {
	switch state {
	case proof.StatePending:
		return 1
	case proof.StateSubmitting:
		return 2
	case proof.StateProving:
		return 3
	case proof.StateCompleted:
		return 4
	case proof.StateFailed:
		return 5
	default:
		return 0
	}
}

func stateFromDB(v int16) (proof.LifecycleState, error) {
	switch v {
	case 1:
		return proof.StatePending, nil
	case 2:
		return proof.StateSubmitting, nil
	case 3:
		return proof.StateProving, nil
	case 4:
		return proof.StateCompleted, nil
	case 5:
		return proof.StateFailed, nil
	default:
		return "", fmt.Errorf("proof/postgres: unknown state %d", v)
	}
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
