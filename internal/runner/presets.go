package runner

import (
	"strings"

	"github.com/renderexpo/studio-backend/internal/domain"
)

type preset struct {
	prompt   string
	negative string
}

var stylePresets = map[string]preset{
	"modern_minimal":    {"modern minimal architecture, clean lines, large floor-to-ceiling glazing, neutral palette", "cluttered, busy, ornate"},
	"scandinavian":      {"Scandinavian interior, light oak floors, white walls, soft textiles, warm and cozy atmosphere", "dark gothic, heavy ornament, clutter"},
	"brutalist":         {"brutalist architecture, exposed board-form concrete, massive volumes, dramatic shadows", "cute, soft, colorful, cartoonish"},
	"tropical_villa":    {"tropical resort villa, open plan, lush greenery, infinity pool, warm wood ceilings", "cold, sterile, snow, winter"},
	"parametric":        {"parametric architecture, fluid sculptural forms, futuristic facade, complex curved geometry", "traditional, rustic, simple box"},
	"heritage_classic":  {"heritage classical architecture, balanced proportions, elegant moldings, stone facade", "sci-fi, brutalist, hyper-modern"},
	"japandi":           {"Japandi interior, low furniture, natural materials, light oak and linen, muted earthy tones", "neon, cluttered, maximalist"},
	"luxury_hotel":      {"luxury hotel lobby, double-height space, premium stone flooring, feature lighting", "cheap, low-res, noisy"},
	"loft_industrial":   {"industrial loft interior, exposed brick, exposed concrete ceiling, large factory windows", "plaster ornament, overly polished"},
	"workspace_minimal": {"minimal contemporary workspace, clean desks, soft task lighting, neutral palette", "messy, cluttered, chaotic layout"},
	"retail_gallery":    {"gallery-like retail interior, white walls, accent lighting, clean display plinths", "overcrowded, chaotic signage"},
}

var lightingPresets = map[string]preset{
	"day_soft":       {"soft overcast daylight, gentle shadows, realistic global illumination", "harsh contrast, blown-out highlights"},
	"golden_hour":    {"golden hour lighting, warm low sun, long soft shadows, glowing sky", "flat lighting, midday harsh sun"},
	"evening_warm":   {"evening interior lighting, warm color temperature, soft indirect lights, accent lamps", "cold clinical white light"},
	"night_moody":    {"night scene, moody lighting, deep shadows, focused highlights, cinematic contrast", "flat, evenly lit, washed out"},
	"studio_product": {"studio lighting, softbox, clean background, subtle reflections", "harsh flash, noisy background"},
}

// applyPresets appends the style, lighting and material snippets to the prompts.
// The caller's own text always comes first.
func applyPresets(params domain.Parameters) domain.Parameters {
	out := params.Clone()
	prompt, _ := out.String(domain.ParamPrompt)
	negative, _ := out.String(domain.ParamNegativePrompt)

	positives := []string{prompt}
	negatives := []string{negative}
	if id, ok := out.String(domain.ParamStyle); ok {
		if p, found := stylePresets[id]; found {
			positives = append(positives, p.prompt)
			negatives = append(negatives, p.negative)
		}
	}
	if id, ok := out.String(domain.ParamLighting); ok {
		if p, found := lightingPresets[id]; found {
			positives = append(positives, p.prompt)
			negatives = append(negatives, p.negative)
		}
	}
	if id, ok := out.String(domain.ParamMaterial); ok {
		positives = append(positives, strings.ReplaceAll(id, "_", " ")+" material")
	}

	out[domain.ParamPrompt] = joinNonEmpty(positives)
	if n := joinNonEmpty(negatives); n != "" {
		out[domain.ParamNegativePrompt] = n
	}
	return out
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
