package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"github.com/renderexpo/studio-backend/internal/domain"
	_ "golang.org/x/image/webp"
)

const (
	placeholderMaxSide = 256
	placeholderDivisor = 8
)

// mp4Header is a bare ftyp box, enough for tools to recognise the container.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'm', 'p', '4', '1',
}

// Placeholder renders deterministic stand-in artifacts so the full pipeline can
// run without a model runtime (skeleton mode).
type Placeholder struct{}

func NewPlaceholder() *Placeholder { return &Placeholder{} }

func (p *Placeholder) Available(domain.Capability) error { return nil }

func (p *Placeholder) Generate(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.OutputKind == domain.KindVideo {
		return append([]byte(nil), mp4Header...), nil
	}

	w, h := placeholderSize(req)
	sum := sha256.Sum256([]byte(req.JobID + "/" + req.Stage))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}

	var img image.Image
	switch req.OutputKind {
	case domain.KindDepthMap, domain.KindConditioning:
		g := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g.SetGray(x, y, color.Gray{Y: uint8(255 * y / h)})
			}
		}
		img = g
	default:
		rgba := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				rgba.SetRGBA(x, y, fill)
			}
		}
		img = rgba
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}

// placeholderSize scales the requested size down, or an upscale input up.
func placeholderSize(req Request) (int, int) {
	w, h := 1024, 1024
	if v, ok := req.Parameters.Int(domain.ParamWidth); ok {
		w = v
	}
	if v, ok := req.Parameters.Int(domain.ParamHeight); ok {
		h = v
	}
	w, h = w/placeholderDivisor, h/placeholderDivisor

	if src, ok := req.Inputs[domain.KindImage]; ok {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(src)); err == nil {
			w, h = cfg.Width, cfg.Height
			if scale, ok := req.Parameters.Int(domain.ParamScale); ok && req.Capability == domain.CapabilityUpscale {
				w, h = w*scale, h*scale
			}
		}
	}
	return clamp(w), clamp(h)
}

func clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > placeholderMaxSide {
		return placeholderMaxSide
	}
	return n
}
