package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// jobRow mirrors the jobs table. JSON documents are stored as text so the same
// schema works on PostgreSQL and SQLite.
type jobRow struct {
	JobID           string         `db:"job_id"`
	JobType         string         `db:"job_type"`
	Parameters      string         `db:"parameters"`
	Inputs          string         `db:"inputs"`
	Status          string         `db:"status"`
	CancelRequested bool           `db:"cancel_requested"`
	Attempt         int            `db:"attempt"`
	ParentJobID     sql.NullString `db:"parent_job_id"`
	WorkerID        sql.NullString `db:"worker_id"`
	LeaseExpiresAt  sql.NullTime   `db:"lease_expires_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// stageRow mirrors the job_stages table.
type stageRow struct {
	JobID      string         `db:"job_id"`
	Position   int            `db:"position"`
	Name       string         `db:"name"`
	DependsOn  string         `db:"depends_on"`
	Status     string         `db:"status"`
	Failure    sql.NullString `db:"failure"`
	Artifact   sql.NullString `db:"artifact"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

func newJobRow(rec *domain.JobRecord) (jobRow, error) {
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return jobRow{}, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return jobRow{}, fmt.Errorf("failed to marshal inputs: %w", err)
	}
	row := jobRow{
		JobID:           rec.JobID,
		JobType:         string(rec.JobType),
		Parameters:      string(params),
		Inputs:          string(inputs),
		Status:          string(rec.Status()),
		CancelRequested: rec.CancelRequested,
		Attempt:         rec.Attempt,
		ParentJobID:     sql.NullString{String: rec.ParentJobID, Valid: rec.ParentJobID != ""},
		WorkerID:        sql.NullString{String: rec.WorkerID, Valid: rec.WorkerID != ""},
		CreatedAt:       rec.CreatedAt.UTC(),
		UpdatedAt:       rec.UpdatedAt.UTC(),
	}
	if rec.LeaseExpiresAt != nil {
		row.LeaseExpiresAt = sql.NullTime{Time: rec.LeaseExpiresAt.UTC(), Valid: true}
	}
	return row, nil
}

func newStageRow(jobID string, position int, st domain.StageRecord) (stageRow, error) {
	deps := st.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return stageRow{}, fmt.Errorf("failed to marshal depends_on: %w", err)
	}
	row := stageRow{
		JobID:     jobID,
		Position:  position,
		Name:      st.Name,
		DependsOn: string(depsJSON),
		Status:    string(st.Status),
	}
	if st.Failure != nil {
		if row.Failure, err = nullJSON(st.Failure); err != nil {
			return stageRow{}, err
		}
	}
	if st.Artifact != nil {
		if row.Artifact, err = nullJSON(st.Artifact); err != nil {
			return stageRow{}, err
		}
	}
	if st.StartedAt != nil {
		row.StartedAt = sql.NullTime{Time: st.StartedAt.UTC(), Valid: true}
	}
	if st.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: st.FinishedAt.UTC(), Valid: true}
	}
	return row, nil
}

func (r jobRow) record(stages []stageRow) (*domain.JobRecord, error) {
	rec := &domain.JobRecord{
		JobID:           r.JobID,
		CreatedAt:       r.CreatedAt.UTC(),
		JobType:         domain.JobType(r.JobType),
		CancelRequested: r.CancelRequested,
		Attempt:         r.Attempt,
		ParentJobID:     r.ParentJobID.String,
		WorkerID:        r.WorkerID.String,
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(r.Parameters), &rec.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(r.Inputs), &rec.Inputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	if r.LeaseExpiresAt.Valid {
		t := r.LeaseExpiresAt.Time.UTC()
		rec.LeaseExpiresAt = &t
	}

	rec.Stages = make([]domain.StageRecord, 0, len(stages))
	for _, sr := range stages {
		st := domain.StageRecord{Name: sr.Name, Status: domain.StageState(sr.Status)}
		if err := json.Unmarshal([]byte(sr.DependsOn), &st.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
		}
		if len(st.DependsOn) == 0 {
			st.DependsOn = nil
		}
		if sr.Failure.Valid {
			st.Failure = &domain.Failure{}
			if err := json.Unmarshal([]byte(sr.Failure.String), st.Failure); err != nil {
				return nil, fmt.Errorf("failed to unmarshal failure: %w", err)
			}
		}
		if sr.Artifact.Valid {
			st.Artifact = &domain.ArtifactReference{}
			if err := json.Unmarshal([]byte(sr.Artifact.String), st.Artifact); err != nil {
				return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
			}
		}
		if sr.StartedAt.Valid {
			t := sr.StartedAt.Time.UTC()
			st.StartedAt = &t
		}
		if sr.FinishedAt.Valid {
			t := sr.FinishedAt.Time.UTC()
			st.FinishedAt = &t
		}
		rec.Stages = append(rec.Stages, st)
	}
	return rec, nil
}

func nullJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
