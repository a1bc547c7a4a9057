package gate

import (
	"fmt"

	"github.com/renderexpo/studio-backend/internal/domain"
)

// Mode is the declared runtime mode of a process.
type Mode string

const (
	// ModeControl is the lightweight control plane: it creates and inspects jobs only.
	ModeControl Mode = "control"
	// ModeGPUWorker is the designated process allowed to invoke heavy model runtimes.
	ModeGPUWorker Mode = "gpu-worker"
)

// ParseMode validates a runtime mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeControl, ModeGPUWorker:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown runtime mode %q (want %q or %q)", s, ModeControl, ModeGPUWorker)
	}
}

// ExecutionGate refuses heavy stage execution outside a GPU-capable process.
// The mode is fixed at construction and never changes.
type ExecutionGate struct {
	mode Mode
}

// NewExecutionGate builds the gate for the process' declared runtime mode.
func NewExecutionGate(mode Mode) *ExecutionGate {
	return &ExecutionGate{mode: mode}
}

// Mode returns the declared runtime mode.
func (g *ExecutionGate) Mode() Mode {
	if g == nil {
		return ModeControl
	}
	return g.mode
}

// GPUCapable reports whether heavy stages may run in this process.
func (g *ExecutionGate) GPUCapable() bool {
	return g != nil && g.mode == ModeGPUWorker
}

// AssertGPUCapable fails with *domain.EnvironmentError unless the process is a GPU worker.
func (g *ExecutionGate) AssertGPUCapable(capability domain.Capability) error {
	if g.GPUCapable() {
		return nil
	}
	return &domain.EnvironmentError{Capability: capability, Mode: string(g.Mode())}
}

// Admit checks whether a stage with the given capability may start here.
// Lightweight capabilities are admitted in any process.
func (g *ExecutionGate) Admit(capability domain.Capability) error {
	if !capability.Heavy() {
		return nil
	}
	return g.AssertGPUCapable(capability)
}
