package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates the request categories accepted by the control plane.
type JobType string

const (
	JobTypeTextToImage       JobType = "text-to-image"
	JobTypeImageToImage      JobType = "image-to-image"
	JobTypeUpscale           JobType = "upscale"
	JobTypeDepthExtraction   JobType = "depth-extraction"
	JobTypeVideoFromImage    JobType = "video-from-image"
	JobTypeCompositePipeline JobType = "composite-pipeline"
)

// defaultStages is used when a request names a job type but no stages.
var defaultStages = map[JobType][]string{
	JobTypeTextToImage:     {StageGenerate},
	JobTypeImageToImage:    {StageImg2Img},
	JobTypeUpscale:         {StageUpscale},
	JobTypeDepthExtraction: {StageDepth},
	JobTypeVideoFromImage:  {StageVideo},
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	if t == JobTypeCompositePipeline {
		return true
	}
	_, ok := defaultStages[t]
	return ok
}

// StageState is the lifecycle state of one stage of a job.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// Terminal reports whether the state can no longer change.
func (s StageState) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// JobStatus is the overall status derived from the stage states.
type JobStatus string

const (
	JobStatusPending               JobStatus = "pending"
	JobStatusRunning               JobStatus = "running"
	JobStatusCompleted             JobStatus = "completed"
	JobStatusCompletedWithFailures JobStatus = "completed_with_failures"
	JobStatusCancelled             JobStatus = "cancelled"
)

// FailureKind classifies why a stage did not succeed.
type FailureKind string

const (
	FailureCapability  FailureKind = "capability"
	FailureSafety      FailureKind = "safety"
	FailureEnvironment FailureKind = "environment"
	FailureTimeout     FailureKind = "timeout"
	FailureInternal    FailureKind = "internal"
	FailureInterrupted FailureKind = "interrupted"
	FailureDependency  FailureKind = "dependency_failed"
	FailureCancelled   FailureKind = "cancelled"
)

// Failure is recorded on failed and skipped stages.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
	Retryable bool        `json:"retryable"`
}

// ArtifactReference points at a write-once artifact produced by a stage.
// RelativePath is relative to the outputs root, or to the uploads root for job inputs.
type ArtifactReference struct {
	JobID        string      `json:"job_id"`
	StageName    string      `json:"stage_name"`
	RelativePath string      `json:"relative_path"`
	ContentKind  ContentKind `json:"content_kind"`
	SizeBytes    int64       `json:"size_bytes,omitempty"`
	SHA256       string      `json:"sha256,omitempty"`
}

// StageRecord holds the per-job state of one requested stage.
type StageRecord struct {
	Name       string             `json:"name"`
	DependsOn  []string           `json:"depends_on,omitempty"`
	Status     StageState         `json:"status"`
	Failure    *Failure           `json:"failure,omitempty"`
	Artifact   *ArtifactReference `json:"artifact,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// JobRecord is the authoritative state of one generation request.
type JobRecord struct {
	JobID           string                       `json:"job_id"`
	CreatedAt       time.Time                    `json:"created_at"`
	JobType         JobType                      `json:"job_type"`
	Parameters      Parameters                   `json:"parameters"`
	Inputs          map[string]ArtifactReference `json:"inputs,omitempty"`
	Stages          []StageRecord                `json:"stages"`
	CancelRequested bool                         `json:"cancel_requested"`
	Attempt         int                          `json:"attempt"`
	ParentJobID     string                       `json:"parent_job_id,omitempty"`
	WorkerID        string                       `json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time                   `json:"lease_expires_at,omitempty"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}

// Stage returns the record of the named stage, or nil.
func (j *JobRecord) Stage(name string) *StageRecord {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			return &j.Stages[i]
		}
	}
	return nil
}

// StageNames returns the requested stages in order.
func (j *JobRecord) StageNames() []string {
	names := make([]string, len(j.Stages))
	for i, s := range j.Stages {
		names[i] = s.Name
	}
	return names
}

// StageStatus returns the stage -> state map.
func (j *JobRecord) StageStatus() map[string]StageState {
	out := make(map[string]StageState, len(j.Stages))
	for _, s := range j.Stages {
		out[s.Name] = s.Status
	}
	return out
}

// Artifacts returns the stage -> artifact map for succeeded stages.
func (j *JobRecord) Artifacts() map[string]ArtifactReference {
	out := make(map[string]ArtifactReference)
	for _, s := range j.Stages {
		if s.Artifact != nil {
			out[s.Name] = *s.Artifact
		}
	}
	return out
}

// IsTerminal reports whether every stage reached a terminal state.
func (j *JobRecord) IsTerminal() bool {
	for _, s := range j.Stages {
		if !s.Status.Terminal() {
			return false
		}
	}
	return true
}

// StagesIn returns the names of stages currently in state.
func (j *JobRecord) StagesIn(state StageState) []string {
	var out []string
	for _, s := range j.Stages {
		if s.Status == state {
			out = append(out, s.Name)
		}
	}
	return out
}

// SafetyFlagged reports whether any stage was rejected by the content policy.
func (j *JobRecord) SafetyFlagged() bool {
	for _, s := range j.Stages {
		if s.Failure != nil && s.Failure.Kind == FailureSafety {
			return true
		}
	}
	return false
}

// Status derives the overall job status from the stage states.
func (j *JobRecord) Status() JobStatus {
	if !j.IsTerminal() {
		for _, s := range j.Stages {
			if s.Status != StagePending {
				return JobStatusRunning
			}
		}
		return JobStatusPending
	}
	cancelled := false
	clean := true
	for _, s := range j.Stages {
		if s.Status == StageSucceeded {
			continue
		}
		clean = false
		if s.Failure != nil && s.Failure.Kind == FailureCancelled {
			cancelled = true
		}
	}
	switch {
	case clean:
		return JobStatusCompleted
	case cancelled:
		return JobStatusCancelled
	default:
		return JobStatusCompletedWithFailures
	}
}

// Dependents returns every stage that transitively depends on stage, in request order.
func (j *JobRecord) Dependents(stage string) []string {
	affected := map[string]bool{stage: true}
	var out []string
	// Dependencies always point at earlier stages, so one forward pass is enough.
	for _, s := range j.Stages {
		for _, dep := range s.DependsOn {
			if affected[dep] {
				affected[s.Name] = true
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}

// Clone returns a deep copy that shares nothing with j.
func (j *JobRecord) Clone() *JobRecord {
	if j == nil {
		return nil
	}
	c := *j
	c.Parameters = j.Parameters.Clone()
	if j.Inputs != nil {
		c.Inputs = make(map[string]ArtifactReference, len(j.Inputs))
		for k, v := range j.Inputs {
			c.Inputs[k] = v
		}
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	c.Stages = make([]StageRecord, len(j.Stages))
	for i, s := range j.Stages {
		cs := s
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Failure != nil {
			f := *s.Failure
			cs.Failure = &f
		}
		if s.Artifact != nil {
			a := *s.Artifact
			cs.Artifact = &a
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			cs.StartedAt = &t
		}
		if s.FinishedAt != nil {
			t := *s.FinishedAt
			cs.FinishedAt = &t
		}
		c.Stages[i] = cs
	}
	return &c
}

// Meta is the JSON document written as meta.json next to a job's artifacts.
type Meta struct {
	JobID         string                       `json:"job_id"`
	CreatedAt     time.Time                    `json:"created_at"`
	JobType       JobType                      `json:"job_type"`
	Attempt       int                          `json:"attempt"`
	ParentJobID   string                       `json:"parent_job_id,omitempty"`
	Parameters    Parameters                   `json:"parameters"`
	Inputs        map[string]ArtifactReference `json:"inputs,omitempty"`
	Status        JobStatus                    `json:"status"`
	StageStatus   map[string]StageState        `json:"stage_status"`
	Failures      map[string]Failure           `json:"failures,omitempty"`
	Artifacts     map[string]ArtifactReference `json:"artifacts"`
	FailedStages  []string                     `json:"failed_stages,omitempty"`
	SkippedStages []string                     `json:"skipped_stages,omitempty"`
	SafetyFlagged bool                         `json:"safety_flagged"`
	UpdatedAt     time.Time                    `json:"updated_at"`
}

// Meta builds the meta.json document for the record.
func (j *JobRecord) Meta() Meta {
	failures := make(map[string]Failure)
	for _, s := range j.Stages {
		if s.Failure != nil {
			failures[s.Name] = *s.Failure
		}
	}
	return Meta{
		JobID:         j.JobID,
		CreatedAt:     j.CreatedAt,
		JobType:       j.JobType,
		Attempt:       j.Attempt,
		ParentJobID:   j.ParentJobID,
		Parameters:    j.Parameters,
		Inputs:        j.Inputs,
		Status:        j.Status(),
		StageStatus:   j.StageStatus(),
		Failures:      failures,
		Artifacts:     j.Artifacts(),
		FailedStages:  j.StagesIn(StageFailed),
		SkippedStages: j.StagesIn(StageSkipped),
		SafetyFlagged: j.SafetyFlagged(),
		UpdatedAt:     j.UpdatedAt,
	}
}

// MarshalMeta renders meta.json.
func (j *JobRecord) MarshalMeta() ([]byte, error) {
	return json.MarshalIndent(j.Meta(), "", "  ")
}
