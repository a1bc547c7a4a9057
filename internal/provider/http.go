package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/renderexpo/studio-backend/internal/domain"
)

const maxErrorBody = 1000

// HTTPProvider calls a model runtime that serves POST {base_url}/v1/generate.
type HTTPProvider struct {
	baseURL string
	models  Models
	client  *http.Client
	logger  *slog.Logger
}

type generateResponse struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func NewHTTPProvider(baseURL string, timeout time.Duration, models Models, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *HTTPProvider) Available(capability domain.Capability) error {
	_, err := p.models.Lookup(capability)
	return err
}

// Generate sends the request and returns the decoded artifact. Every transport
// or runtime failure is a *domain.CapabilityError.
func (p *HTTPProvider) Generate(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeadlineExceeded, err)
		}
		return nil, &domain.CapabilityError{Capability: req.Capability, Err: fmt.Errorf("model runtime request failed: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.CapabilityError{Capability: req.Capability, Err: fmt.Errorf("failed to read model response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		msg := string(raw)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = strings.TrimSpace(e.Error + " " + e.Detail)
		}
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &domain.CapabilityError{
			Capability: req.Capability,
			Err:        fmt.Errorf("model runtime returned status %d: %s", resp.StatusCode, msg),
		}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &domain.CapabilityError{Capability: req.Capability, Err: fmt.Errorf("invalid model response: %w", err)}
	}
	if len(out.Content) == 0 {
		return nil, &domain.CapabilityError{Capability: req.Capability, Err: errors.New("model runtime returned no content")}
	}

	p.logger.Debug("Model invocation finished",
		slog.String("job_id", req.JobID),
		slog.String("stage", req.Stage),
		slog.String("capability", string(req.Capability)),
		slog.Duration("duration", time.Since(start)),
		slog.Int("bytes", len(out.Content)),
	)
	return out.Content, nil
}
