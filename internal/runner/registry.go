package runner

import (
	"fmt"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// Registry maps stage names to their runners.
type Registry map[string]StageRunner

// NewRegistry builds one runner per declared stage.
func NewRegistry(deps Deps) Registry {
	return Registry{
		domain.StageGenerate:  NewTextToImage(deps),
		domain.StageImg2Img:   NewImageToImage(deps),
		domain.StageCondition: NewCondition(deps),
		domain.StageUpscale:   NewUpscale(deps),
		domain.StageDepth:     NewDepthEstimate(deps),
		domain.StageVideo:     NewVideoFromImage(deps),
		domain.StageInspect:   NewInspect(deps),
	}
}

// For returns the runner of stage.
func (r Registry) For(stage string) (StageRunner, error) {
	sr, ok := r[stage]
	if !ok {
		return nil, fmt.Errorf("no runner registered for stage %q", stage)
	}
	return sr, nil
}
