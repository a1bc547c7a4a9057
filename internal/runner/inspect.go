package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/renderexpo/studio-backend/internal/domain"
	"github.com/renderexpo/studio-backend/internal/gate"
	_ "golang.org/x/image/webp"
)

// ImageInfo is the metadata artifact written by the inspect stage.
type ImageInfo struct {
	Source    string `json:"source"`
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int    `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

type inspectRunner struct {
	gate      *gate.ExecutionGate
	artifacts Artifacts
}

// NewInspect checks that the input image exists and decodes its header. It is
// lightweight and runs in any process.
func NewInspect(deps Deps) StageRunner {
	return &inspectRunner{gate: deps.Gate, artifacts: deps.Artifacts}
}

func (r *inspectRunner) Capability() domain.Capability {
	return domain.CapabilityLightweight
}

func (r *inspectRunner) Run(ctx context.Context, task Task) (domain.ArtifactReference, error) {
	if err := r.gate.Admit(domain.CapabilityLightweight); err != nil {
		return domain.ArtifactReference{}, err
	}
	src, ok := task.Inputs[domain.KindImage]
	if !ok {
		return domain.ArtifactReference{}, fmt.Errorf("missing required %s input", domain.KindImage)
	}
	data, err := r.artifacts.Read(ctx, src)
	if err != nil {
		return domain.ArtifactReference{}, fmt.Errorf("failed to load image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.ArtifactReference{}, fmt.Errorf("failed to decode image header of %s: %w", src.RelativePath, err)
	}
	sum := sha256.Sum256(data)
	info, err := json.MarshalIndent(ImageInfo{
		Source:    src.RelativePath,
		Format:    format,
		Width:     cfg.Width,
		Height:    cfg.Height,
		SizeBytes: len(data),
		SHA256:    hex.EncodeToString(sum[:]),
	}, "", "  ")
	if err != nil {
		return domain.ArtifactReference{}, fmt.Errorf("failed to encode image info: %w", err)
	}

	return r.artifacts.WriteArtifact(ctx, task.JobID, task.Stage, domain.KindMetadata, info)
}
