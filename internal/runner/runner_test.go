package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/renderexpo/studio-backend/internal/artifact"
	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/gate"
	"github.com/renderexpo/studio-backend/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobID = "01890a5d-ac96-774b-bcce-b302099a8057"

type stubProvider struct {
	mu       sync.Mutex
	calls    int
	last     provider.Request
	err      error
	response []byte
}

func (p *stubProvider) Available(domain.Capability) error { return nil }

func (p *stubProvider) Generate(_ context.Context, req provider.Request) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = req
	if p.err != nil {
		return nil, p.err
	}
	return p.response, nil
}

func allModels() provider.Models {
	paths := make(map[domain.Capability]string)
	for _, d := range domain.Stages() {
		paths[d.Capability] = "/models/" + string(d.Capability)
	}
	return provider.Models{Paths: paths}
}

func newDeps(t *testing.T, mode gate.Mode, p provider.Provider) (Deps, *artifact.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := artifact.NewStore(filepath.Join(root, "outputs"), filepath.Join(root, "uploads"))
	require.NoError(t, err)
	return Deps{
		Gate:      gate.NewExecutionGate(mode),
		Safety:    gate.NewSafetyGate(nil),
		Provider:  p,
		Models:    allModels(),
		Artifacts: store,
	}, store
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func generateTask(prompt string) Task {
	return Task{
		JobID: jobID,
		Stage: domain.StageGenerate,
		Parameters: domain.Parameters{
			domain.ParamPrompt:   prompt,
			domain.ParamStyle:    "brutalist",
			domain.ParamLighting: "golden_hour",
		},
	}
}

func TestModelRunner_Success(t *testing.T) {
	stub := &stubProvider{response: []byte("image-bytes")}
	deps, store := newDeps(t, gate.ModeGPUWorker, stub)

	ref, err := NewTextToImage(deps).Run(context.Background(), generateTask("museum entrance"))
	require.NoError(t, err)

	want, err := artifact.RelativePath(jobID, domain.StageGenerate)
	require.NoError(t, err)
	assert.Equal(t, want, ref.RelativePath)
	assert.Equal(t, domain.KindImage, ref.ContentKind)
	assert.Equal(t, 1, stub.calls)

	prompt, _ := stub.last.Parameters.String(domain.ParamPrompt)
	assert.True(t, len(prompt) > len("museum entrance"))
	assert.Contains(t, prompt, "museum entrance, brutalist architecture")
	assert.Contains(t, prompt, "golden hour lighting")
	assert.Equal(t, "/models/text-to-image", stub.last.ModelPath)

	data, err := store.Read(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))
}

func TestModelRunner_PassesResolvedProfiles(t *testing.T) {
	bounds := domain.Bounds{
		LoraProfiles: map[string]domain.Profile{
			"aerials": {Description: "bird's-eye", Settings: map[string]any{"weight": 0.7}},
		},
		RefinerProfiles: map[string]domain.Profile{},
	}.WithDefaults()

	tests := []struct {
		name   string
		params domain.Parameters
		want   map[string]domain.Profile
	}{
		{
			name:   "no profile requested",
			params: domain.Parameters{domain.ParamPrompt: "plaza"},
			want:   nil,
		},
		{
			name:   "lora profile",
			params: domain.Parameters{domain.ParamPrompt: "plaza", domain.ParamLoraProfile: "aerials"},
			want: map[string]domain.Profile{
				domain.ParamLoraProfile: bounds.LoraProfiles["aerials"],
			},
		},
		{
			name:   "unconfigured refiner is dropped",
			params: domain.Parameters{domain.ParamPrompt: "plaza", domain.ParamRefinerProfile: "ultra_detail"},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubProvider{response: []byte("image-bytes")}
			deps, _ := newDeps(t, gate.ModeGPUWorker, stub)
			deps.Bounds = bounds

			_, err := NewTextToImage(deps).Run(context.Background(), Task{
				JobID:      jobID,
				Stage:      domain.StageGenerate,
				Parameters: tt.params,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, stub.last.Profiles)
			assert.Equal(t, tt.params[domain.ParamLoraProfile], stub.last.Parameters[domain.ParamLoraProfile])
		})
	}
}

func TestModelRunner_SafetyRejectionSkipsProvider(t *testing.T) {
	stub := &stubProvider{response: []byte("x")}
	deps, _ := newDeps(t, gate.ModeGPUWorker, stub)

	for _, r := range []StageRunner{NewTextToImage(deps), NewImageToImage(deps)} {
		task := generateTask("a terrorist attack on the lobby")
		task.Inputs = map[domain.ContentKind]domain.ArtifactReference{}
		_, err := r.Run(context.Background(), task)

		var rej *domain.SafetyRejection
		require.True(t, errors.As(err, &rej), "capability %s", r.Capability())
		assert.Equal(t, gate.CategoryTerrorism, rej.Category)
	}
	assert.Equal(t, 0, stub.calls)
}

func TestModelRunner_NonGPUProcessRefusesHeavyStages(t *testing.T) {
	stub := &stubProvider{response: []byte("x")}
	deps, store := newDeps(t, gate.ModeControl, stub)

	for stage, r := range NewRegistry(deps) {
		if !r.Capability().Heavy() {
			continue
		}
		_, err := r.Run(context.Background(), Task{JobID: jobID, Stage: stage, Parameters: domain.Parameters{}})
		var envErr *domain.EnvironmentError
		require.True(t, errors.As(err, &envErr), "stage %s", stage)

		rel, err := artifact.RelativePath(jobID, stage)
		require.NoError(t, err)
		_, statErr := os.Stat(filepath.Join(store.OutputsRoot(), rel))
		assert.True(t, os.IsNotExist(statErr), "stage %s left an artifact", stage)
	}
	assert.Equal(t, 0, stub.calls)
}

func TestModelRunner_CapabilityErrors(t *testing.T) {
	t.Run("missing model", func(t *testing.T) {
		stub := &stubProvider{response: []byte("x")}
		deps, _ := newDeps(t, gate.ModeGPUWorker, stub)
		deps.Models = provider.Models{}

		_, err := NewDepthEstimate(deps).Run(context.Background(), Task{JobID: jobID, Stage: domain.StageDepth})
		var capErr *domain.CapabilityError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, domain.CapabilityDepthEstimate, capErr.Capability)
		assert.Equal(t, 0, stub.calls)
	})

	t.Run("provider failure", func(t *testing.T) {
		stub := &stubProvider{err: errors.New("connection reset")}
		deps, _ := newDeps(t, gate.ModeGPUWorker, stub)

		_, err := NewTextToImage(deps).Run(context.Background(), generateTask("courtyard"))
		var capErr *domain.CapabilityError
		require.True(t, errors.As(err, &capErr))
		assert.Equal(t, domain.FailureCapability, domain.FailureFromError(err).Kind)
	})
}

func TestModelRunner_LoadsInputs(t *testing.T) {
	stub := &stubProvider{response: []byte("bigger")}
	deps, store := newDeps(t, gate.ModeGPUWorker, stub)
	ctx := context.Background()

	src, err := store.WriteArtifact(ctx, jobID, domain.StageGenerate, domain.KindImage, []byte("small"))
	require.NoError(t, err)

	_, err = NewUpscale(deps).Run(ctx, Task{
		JobID:      jobID,
		Stage:      domain.StageUpscale,
		Inputs:     map[domain.ContentKind]domain.ArtifactReference{domain.KindImage: src},
		Parameters: domain.Parameters{domain.ParamScale: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, "small", string(stub.last.Inputs[domain.KindImage]))

	// second write to the same stage path is refused
	_, err = NewUpscale(deps).Run(ctx, Task{
		JobID:  jobID,
		Stage:  domain.StageUpscale,
		Inputs: map[domain.ContentKind]domain.ArtifactReference{domain.KindImage: src},
	})
	assert.ErrorIs(t, err, domain.ErrArtifactExists)
}

func TestInspect_RunsInControlProcess(t *testing.T) {
	deps, store := newDeps(t, gate.ModeControl, &stubProvider{})
	ctx := context.Background()

	src, err := store.WriteArtifact(ctx, jobID, domain.StageGenerate, domain.KindImage, pngBytes(t, 40, 30))
	require.NoError(t, err)

	ref, err := NewInspect(deps).Run(ctx, Task{
		JobID:  jobID,
		Stage:  domain.StageInspect,
		Inputs: map[domain.ContentKind]domain.ArtifactReference{domain.KindImage: src},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KindMetadata, ref.ContentKind)

	data, err := store.Read(ctx, ref)
	require.NoError(t, err)
	var info ImageInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, "png", info.Format)
	assert.Equal(t, 40, info.Width)
	assert.Equal(t, 30, info.Height)
	assert.Equal(t, src.RelativePath, info.Source)
}

func TestInspect_RejectsNonImage(t *testing.T) {
	deps, store := newDeps(t, gate.ModeControl, &stubProvider{})
	ctx := context.Background()
	src, err := store.WriteArtifact(ctx, jobID, domain.StageGenerate, domain.KindImage, []byte("not an image"))
	require.NoError(t, err)

	_, err = NewInspect(deps).Run(ctx, Task{
		JobID:  jobID,
		Stage:  domain.StageInspect,
		Inputs: map[domain.ContentKind]domain.ArtifactReference{domain.KindImage: src},
	})
	assert.ErrorContains(t, err, "failed to decode image header")
}

func TestApplyPresets(t *testing.T) {
	out := applyPresets(domain.Parameters{
		domain.ParamPrompt:   "cafe",
		domain.ParamMaterial: "white_oak",
		domain.ParamStyle:    "unknown_style",
	})
	assert.Equal(t, "cafe, white oak material", out[domain.ParamPrompt])
	assert.NotContains(t, out, domain.ParamNegativePrompt)
}
