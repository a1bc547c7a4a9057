package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/gate"
	"github.com/renderexpo/studio-backend/internal/provider"
)

// Task is one stage execution of one job.
type Task struct {
	JobID      string
	Stage      string
	Inputs     map[domain.ContentKind]domain.ArtifactReference
	Parameters domain.Parameters
}

// StageRunner executes one capability and returns the artifact it wrote.
type StageRunner interface {
	Capability() domain.Capability
	Run(ctx context.Context, task Task) (domain.ArtifactReference, error)
}

// Artifacts is the part of the artifact store runners need.
type Artifacts interface {
	Read(ctx context.Context, ref domain.ArtifactReference) ([]byte, error)
	WriteArtifact(ctx context.Context, jobID, stage string, kind domain.ContentKind, data []byte) (domain.ArtifactReference, error)
}

// Deps are shared by every runner of a process.
type Deps struct {
	Gate      *gate.ExecutionGate
	Safety    *gate.SafetyGate
	Provider  provider.Provider
	Models    provider.Models
	Artifacts Artifacts
	Logger    *slog.Logger

	// Bounds resolves the LoRA and refiner profiles a job names.
	Bounds domain.Bounds
}

// modelRunner drives a heavy capability through the provider. The variants only
// differ in how they shape the provider parameters.
type modelRunner struct {
	deps       Deps
	descriptor domain.StageDescriptor
	prepare    func(domain.Parameters) domain.Parameters
}

func newModelRunner(deps Deps, stage string, prepare func(domain.Parameters) domain.Parameters) *modelRunner {
	d, ok := domain.LookupStage(stage)
	if !ok {
		panic(fmt.Sprintf("runner: undeclared stage %q", stage))
	}
	if prepare == nil {
		prepare = func(p domain.Parameters) domain.Parameters { return p.Clone() }
	}
	return &modelRunner{deps: deps, descriptor: d, prepare: prepare}
}

// NewTextToImage generates an image from a prompt, optionally guided by a conditioning map.
func NewTextToImage(deps Deps) StageRunner {
	return newModelRunner(deps, domain.StageGenerate, applyPresets)
}

// NewImageToImage transforms an input image under a prompt.
func NewImageToImage(deps Deps) StageRunner {
	return newModelRunner(deps, domain.StageImg2Img, applyPresets)
}

// NewCondition extracts a ControlNet conditioning map.
func NewCondition(deps Deps) StageRunner {
	return newModelRunner(deps, domain.StageCondition, nil)
}

// NewUpscale enlarges an image by the requested scale.
func NewUpscale(deps Deps) StageRunner {
	return newModelRunner(deps, domain.StageUpscale, nil)
}

// NewDepthEstimate produces a single-channel depth map.
func NewDepthEstimate(deps Deps) StageRunner {
	return newModelRunner(deps, domain.StageDepth, nil)
}

// NewVideoFromImage animates an image with a camera motion preset.
func NewVideoFromImage(deps Deps) StageRunner {
	return newModelRunner(deps, domain.StageVideo, nil)
}

func (r *modelRunner) Capability() domain.Capability {
	return r.descriptor.Capability
}

// Run checks the execution gate, then the content policy, then model
// availability. The provider is only called when all three pass.
func (r *modelRunner) Run(ctx context.Context, task Task) (domain.ArtifactReference, error) {
	capability := r.descriptor.Capability

	if err := r.deps.Gate.Admit(capability); err != nil {
		return domain.ArtifactReference{}, err
	}
	if r.descriptor.Generative {
		if r.deps.Safety == nil {
			return domain.ArtifactReference{}, errors.New("safety gate is not configured")
		}
		if err := r.deps.Safety.Check(task.Parameters); err != nil {
			return domain.ArtifactReference{}, err
		}
	}
	modelPath, err := r.deps.Models.Lookup(capability)
	if err != nil {
		return domain.ArtifactReference{}, err
	}
	if err := r.deps.Provider.Available(capability); err != nil {
		return domain.ArtifactReference{}, err
	}

	inputs, err := r.loadInputs(ctx, task)
	if err != nil {
		return domain.ArtifactReference{}, err
	}

	data, err := r.deps.Provider.Generate(ctx, provider.Request{
		JobID:      task.JobID,
		Stage:      task.Stage,
		Capability: capability,
		ModelPath:  modelPath,
		Parameters: r.prepare(task.Parameters),
		Profiles:   r.deps.Bounds.ResolveProfiles(task.Parameters),
		Inputs:     inputs,
		OutputKind: r.descriptor.ProducedOutput,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ArtifactReference{}, fmt.Errorf("%w: %v", domain.ErrDeadlineExceeded, err)
		}
		var capErr *domain.CapabilityError
		if errors.As(err, &capErr) || errors.Is(err, domain.ErrDeadlineExceeded) {
			return domain.ArtifactReference{}, err
		}
		return domain.ArtifactReference{}, &domain.CapabilityError{Capability: capability, Err: err}
	}

	return r.deps.Artifacts.WriteArtifact(ctx, task.JobID, task.Stage, r.descriptor.ProducedOutput, data)
}

func (r *modelRunner) loadInputs(ctx context.Context, task Task) (map[domain.ContentKind][]byte, error) {
	out := make(map[domain.ContentKind][]byte, len(task.Inputs))
	for kind, ref := range task.Inputs {
		data, err := r.deps.Artifacts.Read(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s input: %w", kind, err)
		}
		out[kind] = data
	}
	for _, kind := range r.descriptor.RequiredInputs {
		if _, ok := out[kind]; !ok {
			return nil, fmt.Errorf("missing required %s input", kind)
		}
	}
	return out, nil
}
