package storage

// schema creates the job tables. It is valid on PostgreSQL and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id           TEXT PRIMARY KEY,
		job_type         TEXT NOT NULL,
		parameters       TEXT NOT NULL,
		inputs           TEXT NOT NULL,
		status           TEXT NOT NULL,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		attempt          INTEGER NOT NULL DEFAULT 1,
		parent_job_id    TEXT,
		worker_id        TEXT,
		lease_expires_at TIMESTAMP,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC, job_id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
	`CREATE TABLE IF NOT EXISTS job_stages (
		job_id      TEXT NOT NULL REFERENCES jobs (job_id),
		position    INTEGER NOT NULL,
		name        TEXT NOT NULL,
		depends_on  TEXT NOT NULL,
		status      TEXT NOT NULL,
		failure     TEXT,
		artifact    TEXT,
		started_at  TIMESTAMP,
		finished_at TIMESTAMP,
		PRIMARY KEY (job_id, name)
	)`,
}
