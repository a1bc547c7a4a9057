package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// Request is one model invocation.
type Request struct {
	JobID      string                        `json:"job_id"`
	Stage      string                        `json:"stage"`
	Capability domain.Capability             `json:"capability"`
	ModelPath  string                        `json:"model_path"`
	Parameters domain.Parameters             `json:"parameters"`
	Profiles   map[string]domain.Profile     `json:"profiles,omitempty"`
	Inputs     map[domain.ContentKind][]byte `json:"inputs,omitempty"`
	OutputKind domain.ContentKind            `json:"output_kind"`
}

// Provider is an opaque model runtime. Implementations return the raw bytes of
// the produced artifact.
type Provider interface {
	// Available reports, without blocking, whether the capability can be served.
	Available(capability domain.Capability) error
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// ErrNoModel is wrapped in a CapabilityError when no weights are configured.
var ErrNoModel = errors.New("no model configured")

// Models maps capabilities to model weights locations.
type Models struct {
	Paths map[domain.Capability]string
	// VerifyFiles makes Lookup require the weights path to exist locally.
	VerifyFiles bool
}

// Lookup returns the weights path of capability or a *domain.CapabilityError.
func (m Models) Lookup(capability domain.Capability) (string, error) {
	p := strings.TrimSpace(m.Paths[capability])
	if p == "" {
		return "", &domain.CapabilityError{Capability: capability, Err: ErrNoModel}
	}
	if m.VerifyFiles {
		if _, err := os.Stat(p); err != nil {
			return "", &domain.CapabilityError{Capability: capability, Err: fmt.Errorf("model weights %s: %w", p, err)}
		}
	}
	return p, nil
}
