package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRecord(stages ...StageRecord) *JobRecord {
	return &JobRecord{JobID: "job-1", JobType: JobTypeCompositePipeline, Stages: stages}
}

func TestJobRecord_Dependents(t *testing.T) {
	rec := newRecord(
		StageRecord{Name: StageGenerate, Status: StagePending},
		StageRecord{Name: StageDepth, DependsOn: []string{StageGenerate}, Status: StagePending},
		StageRecord{Name: StageUpscale, DependsOn: []string{StageGenerate}, Status: StagePending},
		StageRecord{Name: StageVideo, DependsOn: []string{StageUpscale, StageDepth}, Status: StagePending},
	)

	assert.Equal(t, []string{StageDepth, StageUpscale, StageVideo}, rec.Dependents(StageGenerate))
	assert.Equal(t, []string{StageVideo}, rec.Dependents(StageDepth))
	assert.Empty(t, rec.Dependents(StageVideo))
}

func TestJobRecord_Status(t *testing.T) {
	tests := []struct {
		name   string
		stages []StageRecord
		want   JobStatus
	}{
		{
			name:   "nothing started",
			stages: []StageRecord{{Name: StageGenerate, Status: StagePending}},
			want:   JobStatusPending,
		},
		{
			name: "in flight",
			stages: []StageRecord{
				{Name: StageGenerate, Status: StageSucceeded},
				{Name: StageUpscale, Status: StagePending},
			},
			want: JobStatusRunning,
		},
		{
			name: "all succeeded",
			stages: []StageRecord{
				{Name: StageGenerate, Status: StageSucceeded},
				{Name: StageUpscale, Status: StageSucceeded},
			},
			want: JobStatusCompleted,
		},
		{
			name: "failure and skip",
			stages: []StageRecord{
				{Name: StageGenerate, Status: StageFailed, Failure: &Failure{Kind: FailureCapability}},
				{Name: StageUpscale, Status: StageSkipped, Failure: &Failure{Kind: FailureDependency}},
			},
			want: JobStatusCompletedWithFailures,
		},
		{
			name: "cancelled",
			stages: []StageRecord{
				{Name: StageGenerate, Status: StageSucceeded},
				{Name: StageUpscale, Status: StageSkipped, Failure: &Failure{Kind: FailureCancelled}},
			},
			want: JobStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newRecord(tt.stages...).Status())
		})
	}
}

func TestJobRecord_CloneIsDeep(t *testing.T) {
	rec := newRecord(StageRecord{
		Name:      StageUpscale,
		DependsOn: []string{StageGenerate},
		Status:    StageSucceeded,
		Artifact:  &ArtifactReference{StageName: StageUpscale, RelativePath: "a.png"},
	})
	rec.Parameters = Parameters{ParamScale: 2}

	c := rec.Clone()
	c.Stages[0].Artifact.RelativePath = "b.png"
	c.Stages[0].DependsOn[0] = "other"
	c.Parameters[ParamScale] = 4

	assert.Equal(t, "a.png", rec.Stages[0].Artifact.RelativePath)
	assert.Equal(t, StageGenerate, rec.Stages[0].DependsOn[0])
	assert.Equal(t, 2, rec.Parameters[ParamScale])
}

func TestJobRecord_Meta(t *testing.T) {
	rec := newRecord(
		StageRecord{Name: StageGenerate, Status: StageFailed, Failure: &Failure{Kind: FailureSafety, Reason: "blocked"}},
		StageRecord{Name: StageUpscale, Status: StageSkipped, Failure: &Failure{Kind: FailureDependency}},
	)

	meta := rec.Meta()

	assert.Equal(t, JobStatusCompletedWithFailures, meta.Status)
	assert.Equal(t, []string{StageGenerate}, meta.FailedStages)
	assert.Equal(t, []string{StageUpscale}, meta.SkippedStages)
	assert.True(t, meta.SafetyFlagged)
	assert.Equal(t, StageFailed, meta.StageStatus[StageGenerate])
}

func TestStageExtension(t *testing.T) {
	assert.Equal(t, "png", StageExtension(StageGenerate))
	assert.Equal(t, "png", StageExtension(StageDepth))
	assert.Equal(t, "mp4", StageExtension(StageVideo))
	assert.Equal(t, "json", StageExtension(StageInspect))
	assert.Equal(t, "bin", StageExtension("unknown"))
}
