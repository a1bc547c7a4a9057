package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/renderexpo/studio-backend/internal/artifact"
	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/gate"
	"github.com/renderexpo/studio-backend/internal/jobs"
	"github.com/renderexpo/studio-backend/internal/provider"
	"github.com/renderexpo/studio-backend/internal/runner"
	"github.com/renderexpo/studio-backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider fails the capabilities listed in errs and runs before for
// every call, recording the order of calls.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  []string
	errs   map[domain.Capability]error
	before func(req provider.Request)
	block  bool
}

func (p *scriptedProvider) Available(domain.Capability) error { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, req provider.Request) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req.Stage)
	err := p.errs[req.Capability]
	before := p.before
	p.mu.Unlock()

	if before != nil {
		before(req)
	}
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return []byte(req.Stage + " output"), nil
}

func (p *scriptedProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fixture struct {
	svc   *jobs.Service
	store *artifact.Store
}

func newFixture(t *testing.T, p provider.Provider, stageTimeout time.Duration) (fixture, *Coordinator) {
	t.Helper()
	root := t.TempDir()
	store, err := artifact.NewStore(filepath.Join(root, "outputs"), filepath.Join(root, "uploads"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 64, 48))))
	require.NoError(t, os.WriteFile(filepath.Join(root, "uploads", "sketch.png"), buf.Bytes(), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := jobs.NewService(storage.NewMemoryStore(), domain.DefaultBounds(), store, store, logger)

	paths := make(map[domain.Capability]string)
	for _, d := range domain.Stages() {
		paths[d.Capability] = "/models/" + string(d.Capability)
	}
	registry := runner.NewRegistry(runner.Deps{
		Gate:      gate.NewExecutionGate(gate.ModeGPUWorker),
		Safety:    gate.NewSafetyGate(nil),
		Provider:  p,
		Models:    provider.Models{Paths: paths},
		Artifacts: store,
		Logger:    logger,
	})
	return fixture{svc: svc, store: store}, NewCoordinator(svc, registry, stageTimeout, logger)
}

func (f fixture) create(t *testing.T, stages []string, params domain.Parameters) *domain.JobRecord {
	t.Helper()
	if params == nil {
		params = domain.Parameters{}
	}
	params[domain.ParamInputImage] = "sketch.png"
	if _, ok := params[domain.ParamPrompt]; !ok {
		params[domain.ParamPrompt] = "timber library with a reading garden"
	}
	rec, err := f.svc.Create(context.Background(), domain.Request{
		JobType:    domain.JobTypeCompositePipeline,
		Stages:     stages,
		Parameters: params,
	})
	require.NoError(t, err)
	return rec
}

func TestCoordinator_CompositeSucceeds(t *testing.T) {
	f, c := newFixture(t, provider.NewPlaceholder(), time.Minute)
	rec := f.create(t, []string{domain.StageCondition, domain.StageGenerate, domain.StageUpscale}, domain.Parameters{
		domain.ParamControlType: "canny",
		domain.ParamScale:       4,
	})

	final, err := c.Run(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status())
	assert.Len(t, final.StagesIn(domain.StageSucceeded), 3)

	meta, err := f.store.ReadMeta(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, meta.Status)
	require.Len(t, meta.Artifacts, 3)
	for _, stage := range []string{domain.StageCondition, domain.StageGenerate, domain.StageUpscale} {
		want, err := artifact.RelativePath(rec.JobID, stage)
		require.NoError(t, err)
		assert.Equal(t, want, meta.Artifacts[stage].RelativePath)
		assert.Equal(t, domain.StageSucceeded, meta.StageStatus[stage])

		_, err = os.Stat(filepath.Join(f.store.OutputsRoot(), want))
		assert.NoError(t, err, "stage %s", stage)
	}

	// generate reads the conditioning map, upscale reads the generated image
	upscaled, err := f.store.Read(context.Background(), meta.Artifacts[domain.StageUpscale])
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(upscaled))
	require.NoError(t, err)
	assert.Greater(t, cfg.Width, 0)
}

func TestCoordinator_RunsStagesInOrderExactlyOnce(t *testing.T) {
	p := &scriptedProvider{}
	f, c := newFixture(t, p, time.Minute)
	rec := f.create(t, []string{domain.StageCondition, domain.StageGenerate, domain.StageDepth, domain.StageUpscale}, domain.Parameters{
		domain.ParamControlType: "depth",
	})
	ctx := context.Background()

	_, err := c.Run(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.StageCondition, domain.StageGenerate, domain.StageDepth, domain.StageUpscale}, p.Calls())

	// running a finished job does nothing
	final, err := c.Run(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Len(t, p.Calls(), 4)
	assert.Equal(t, domain.JobStatusCompleted, final.Status())
}

func TestCoordinator_FailureSkipsDependents(t *testing.T) {
	p := &scriptedProvider{errs: map[domain.Capability]error{
		domain.CapabilityTextToImage: &domain.CapabilityError{Capability: domain.CapabilityTextToImage, Err: errors.New("out of memory")},
	}}
	f, c := newFixture(t, p, time.Minute)
	rec := f.create(t, []string{domain.StageGenerate, domain.StageUpscale}, nil)

	final, err := c.Run(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompletedWithFailures, final.Status())
	assert.Equal(t, []string{domain.StageGenerate}, p.Calls())

	gen := final.Stage(domain.StageGenerate)
	require.NotNil(t, gen.Failure)
	assert.Equal(t, domain.FailureCapability, gen.Failure.Kind)
	assert.Nil(t, gen.Artifact)

	up := final.Stage(domain.StageUpscale)
	assert.Equal(t, domain.StageSkipped, up.Status)
	assert.Equal(t, domain.FailureDependency, up.Failure.Kind)

	meta, err := f.store.ReadMeta(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.StageGenerate}, meta.FailedStages)
	assert.Equal(t, []string{domain.StageUpscale}, meta.SkippedStages)
	assert.Empty(t, meta.Artifacts)
}

func TestCoordinator_IndependentStagesContinue(t *testing.T) {
	p := &scriptedProvider{errs: map[domain.Capability]error{
		domain.CapabilityDepthEstimate: errors.New("depth model crashed"),
	}}
	f, c := newFixture(t, p, time.Minute)
	rec := f.create(t, []string{domain.StageGenerate, domain.StageDepth, domain.StageUpscale}, nil)

	final, err := c.Run(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageSucceeded, final.Stage(domain.StageGenerate).Status)
	assert.Equal(t, domain.StageFailed, final.Stage(domain.StageDepth).Status)
	assert.Equal(t, domain.StageSucceeded, final.Stage(domain.StageUpscale).Status)
	assert.Equal(t, domain.JobStatusCompletedWithFailures, final.Status())
}

func TestCoordinator_SafetyRejection(t *testing.T) {
	p := &scriptedProvider{}
	f, c := newFixture(t, p, time.Minute)
	rec := f.create(t, []string{domain.StageGenerate, domain.StageUpscale}, domain.Parameters{
		domain.ParamPrompt: "terrorist training camp",
	})

	final, err := c.Run(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Empty(t, p.Calls())
	assert.True(t, final.SafetyFlagged())
	assert.Equal(t, domain.FailureSafety, final.Stage(domain.StageGenerate).Failure.Kind)
	assert.False(t, final.Stage(domain.StageGenerate).Failure.Retryable)
	assert.Equal(t, domain.StageSkipped, final.Stage(domain.StageUpscale).Status)

	meta, err := f.store.ReadMeta(rec.JobID)
	require.NoError(t, err)
	assert.True(t, meta.SafetyFlagged)
}

func TestCoordinator_Cancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		p := &scriptedProvider{}
		f, c := newFixture(t, p, time.Minute)
		rec := f.create(t, []string{domain.StageGenerate, domain.StageUpscale}, nil)
		_, err := f.svc.Cancel(context.Background(), rec.JobID)
		require.NoError(t, err)

		final, err := c.Run(context.Background(), rec.JobID)
		require.NoError(t, err)
		assert.Empty(t, p.Calls())
		assert.Equal(t, domain.JobStatusCancelled, final.Status())
		for _, st := range final.Stages {
			assert.Equal(t, domain.FailureCancelled, st.Failure.Kind)
		}
	})

	t.Run("between stages", func(t *testing.T) {
		p := &scriptedProvider{}
		f, c := newFixture(t, p, time.Minute)
		rec := f.create(t, []string{domain.StageGenerate, domain.StageDepth, domain.StageUpscale}, nil)
		p.before = func(req provider.Request) {
			if req.Stage == domain.StageGenerate {
				_, err := f.svc.Cancel(context.Background(), rec.JobID)
				assert.NoError(t, err)
			}
		}

		final, err := c.Run(context.Background(), rec.JobID)
		require.NoError(t, err)
		assert.Equal(t, []string{domain.StageGenerate}, p.Calls())
		assert.Equal(t, domain.StageSucceeded, final.Stage(domain.StageGenerate).Status)
		assert.Equal(t, []string{domain.StageDepth, domain.StageUpscale}, final.StagesIn(domain.StageSkipped))
		assert.Equal(t, domain.JobStatusCancelled, final.Status())
	})
}

func TestCoordinator_StageTimeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	f, c := newFixture(t, p, 20*time.Millisecond)
	rec := f.create(t, []string{domain.StageGenerate}, nil)

	final, err := c.Run(context.Background(), rec.JobID)
	require.NoError(t, err)
	gen := final.Stage(domain.StageGenerate)
	assert.Equal(t, domain.StageFailed, gen.Status)
	assert.Equal(t, domain.FailureTimeout, gen.Failure.Kind)
	assert.True(t, gen.Failure.Retryable)
}

func TestCoordinator_ShutdownMarksStageInterrupted(t *testing.T) {
	p := &scriptedProvider{block: true}
	f, c := newFixture(t, p, 0)
	rec := f.create(t, []string{domain.StageGenerate, domain.StageUpscale}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.before = func(provider.Request) { cancel() }

	_, err := c.Run(ctx, rec.JobID)
	assert.ErrorIs(t, err, context.Canceled)

	after, err := f.svc.Read(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.FailureInterrupted, after.Stage(domain.StageGenerate).Failure.Kind)
	assert.Equal(t, domain.StageSkipped, after.Stage(domain.StageUpscale).Status)
}

func TestCoordinator_UnknownJob(t *testing.T) {
	_, c := newFixture(t, &scriptedProvider{}, time.Minute)
	_, err := c.Run(context.Background(), "01890a5d-ac96-774b-bcce-b302099a8057")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
