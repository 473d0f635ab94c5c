package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS proof_jobs (
	fingerprint BYTEA PRIMARY KEY,
	program_id BYTEA NOT NULL,
	input_id BYTEA NOT NULL,
	mode TEXT NOT NULL,

	state SMALLINT NOT NULL,
	remote_job_id TEXT,
	program_ref TEXT,
	input_ref TEXT,
	proof_digest BYTEA,
	attempt_count INTEGER NOT NULL DEFAULT 0,

	retryable BOOLEAN NOT NULL DEFAULT FALSE,
	error_code TEXT,
	error_message TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT proof_jobs_fingerprint_len CHECK (octet_length(fingerprint) = 32),
	CONSTRAINT proof_jobs_program_id_len CHECK (octet_length(program_id) = 32),
	CONSTRAINT proof_jobs_input_id_len CHECK (octet_length(input_id) = 32),
	CONSTRAINT proof_jobs_mode_known CHECK (mode IN ('local', 'network')),
	CONSTRAINT proof_jobs_state_range CHECK (state >= 1 AND state <= 5),
	CONSTRAINT proof_jobs_digest_len CHECK (proof_digest IS NULL OR octet_length(proof_digest) = 32),
	CONSTRAINT proof_jobs_attempt_nonneg CHECK (attempt_count >= 0),
	CONSTRAINT proof_jobs_remote_job_nonempty CHECK (remote_job_id IS NULL OR remote_job_id <> '')
);

CREATE INDEX IF NOT EXISTS proof_jobs_state_idx ON proof_jobs (state);
CREATE INDEX IF NOT EXISTS proof_jobs_updated_idx ON proof_jobs (updated_at);

CREATE TABLE IF NOT EXISTS proof_job_events (
	event_id BIGSERIAL PRIMARY KEY,
	fingerprint BYTEA NOT NULL REFERENCES proof_jobs(fingerprint) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT proof_job_events_fingerprint_len CHECK (octet_length(fingerprint) = 32),
	CONSTRAINT proof_job_events_type_nonempty CHECK (event_type <> '')
);

CREATE INDEX IF NOT EXISTS proof_job_events_fp_created_idx ON proof_job_events (fingerprint, created_at);
`
