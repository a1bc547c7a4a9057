package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
)

// Parameter names
const (
	ParamPrompt          = "prompt"
	ParamNegativePrompt  = "negative_prompt"
	ParamSeed            = "seed"
	ParamWidth           = "width"
	ParamHeight          = "height"
	ParamGuidanceScale   = "guidance_scale"
	ParamInferenceSteps  = "num_inference_steps"
	ParamStrength        = "strength"
	ParamStyle           = "style"
	ParamLighting        = "lighting"
	ParamMaterial        = "material"
	ParamControlType     = "control_type"
	ParamControlStrength = "control_strength"
	ParamScale           = "scale"
	ParamMotionPreset    = "motion_preset"
	ParamDurationSeconds = "duration_seconds"
	ParamFPS             = "fps"
	ParamInputImage      = "input_image"
	ParamLoraProfile     = "lora_profile"
	ParamRefinerProfile  = "refiner_profile"
)

const maxPromptLength = 2000

// Parameters maps parameter names to values as decoded from JSON.
type Parameters map[string]any

// Clone returns a shallow copy; values are scalars.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string value of name.
func (p Parameters) String(name string) (string, bool) {
	v, ok := p[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the numeric value of name.
func (p Parameters) Float(name string) (float64, bool) {
	v, ok := p[name]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Int returns the integral value of name. Non-integral numbers are rejected.
func (p Parameters) Int(name string) (int, bool) {
	f, ok := p.Float(name)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Range is an inclusive numeric bound.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Bounds holds the configurable validation limits of the per-stage schemas.
type Bounds struct {
	ControlStrength Range    `yaml:"control_strength"`
	GuidanceScale   Range    `yaml:"guidance_scale"`
	Strength        Range    `yaml:"strength"`
	InferenceSteps  Range    `yaml:"inference_steps"`
	Dimension       Range    `yaml:"dimension"`
	DurationSeconds Range    `yaml:"duration_seconds"`
	FPS             Range    `yaml:"fps"`
	UpscaleScales   []int    `yaml:"upscale_scales"`
	ControlTypes    []string `yaml:"control_types"`
	MotionPresets   []string `yaml:"motion_presets"`
	Styles          []string `yaml:"styles"`
	Lightings       []string `yaml:"lightings"`
	Materials       []string `yaml:"materials"`

	// Named LoRA and refiner setups. A request may only name configured profiles.
	LoraProfiles    map[string]Profile `yaml:"lora_profiles"`
	RefinerProfiles map[string]Profile `yaml:"refiner_profiles"`
}

// Profile is a named LoRA or refiner setup. Settings are passed to the model
// runtime as configured.
type Profile struct {
	Description string         `yaml:"description" json:"description,omitempty"`
	Settings    map[string]any `yaml:"settings" json:"settings,omitempty"`
}

// DefaultBounds returns the limits used when configuration leaves them unset.
func DefaultBounds() Bounds {
	return Bounds{
		ControlStrength: Range{Min: 0, Max: 1.5},
		GuidanceScale:   Range{Min: 0, Max: 20},
		Strength:        Range{Min: 0, Max: 1},
		InferenceSteps:  Range{Min: 1, Max: 150},
		Dimension:       Range{Min: 256, Max: 2048},
		DurationSeconds: Range{Min: 0.5, Max: 10},
		FPS:             Range{Min: 1, Max: 60},
		UpscaleScales:   []int{2, 4},
		ControlTypes:    []string{"canny", "depth", "lineart", "none"},
		MotionPresets:   []string{"orbit", "push_in", "pan", "static"},
		Styles: []string{
			"modern_minimal", "scandinavian", "brutalist", "tropical_villa", "parametric",
			"heritage_classic", "japandi", "luxury_hotel", "loft_industrial",
			"workspace_minimal", "retail_gallery",
		},
		Lightings: []string{"day_soft", "golden_hour", "evening_warm", "night_moody", "studio_product"},
		Materials: nil,
		LoraProfiles: map[string]Profile{
			"interiors": {Description: "interior spaces and furniture detail"},
			"exteriors": {Description: "facades and landscaping"},
			"aerials":   {Description: "masterplans and bird's-eye views"},
		},
		RefinerProfiles: map[string]Profile{
			"ultra_detail": {Description: "second pass for fine material detail"},
			"lighting_fix": {Description: "second pass that evens out exposure"},
		},
	}
}

// WithDefaults fills every zero field of b from DefaultBounds.
func (b Bounds) WithDefaults() Bounds {
	d := DefaultBounds()
	fillRange := func(r *Range, def Range) {
		if r.Min == 0 && r.Max == 0 {
			*r = def
		}
	}
	fillRange(&b.ControlStrength, d.ControlStrength)
	fillRange(&b.GuidanceScale, d.GuidanceScale)
	fillRange(&b.Strength, d.Strength)
	fillRange(&b.InferenceSteps, d.InferenceSteps)
	fillRange(&b.Dimension, d.Dimension)
	fillRange(&b.DurationSeconds, d.DurationSeconds)
	fillRange(&b.FPS, d.FPS)
	if len(b.UpscaleScales) == 0 {
		b.UpscaleScales = d.UpscaleScales
	}
	if len(b.ControlTypes) == 0 {
		b.ControlTypes = d.ControlTypes
	}
	if len(b.MotionPresets) == 0 {
		b.MotionPresets = d.MotionPresets
	}
	if len(b.Styles) == 0 {
		b.Styles = d.Styles
	}
	if len(b.Lightings) == 0 {
		b.Lightings = d.Lightings
	}
	if b.LoraProfiles == nil {
		b.LoraProfiles = d.LoraProfiles
	}
	if b.RefinerProfiles == nil {
		b.RefinerProfiles = d.RefinerProfiles
	}
	return b
}

// ResolveProfiles returns the configured profiles named by params, keyed by
// parameter name. Unknown names are left out.
func (b Bounds) ResolveProfiles(params Parameters) map[string]Profile {
	out := make(map[string]Profile)
	if name, ok := params.String(ParamLoraProfile); ok {
		if p, found := b.LoraProfiles[name]; found {
			out[ParamLoraProfile] = p
		}
	}
	if name, ok := params.String(ParamRefinerProfile); ok {
		if p, found := b.RefinerProfiles[name]; found {
			out[ParamRefinerProfile] = p
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate reports bounds that no value could satisfy.
func (b Bounds) Validate() error {
	ranges := map[string]Range{
		"control_strength": b.ControlStrength,
		"guidance_scale":   b.GuidanceScale,
		"strength":         b.Strength,
		"inference_steps":  b.InferenceSteps,
		"dimension":        b.Dimension,
		"duration_seconds": b.DurationSeconds,
		"fps":              b.FPS,
	}
	for name, r := range ranges {
		if r.Min > r.Max {
			return fmt.Errorf("%s: min %v is greater than max %v", name, r.Min, r.Max)
		}
	}
	for _, s := range b.UpscaleScales {
		if s < 2 {
			return fmt.Errorf("upscale_scales: %d is not an enlargement", s)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(paramDefaults)) {
		if _, err := b.defaultParam(name); err != nil {
			return err
		}
	}
	return nil
}

// paramDefaults are written into a job's parameters when the request omits them,
// so meta.json records the values the providers actually receive. Bounds that
// exclude a default replace it with the nearest admissible value.
var paramDefaults = map[string]any{
	ParamWidth:           1024,
	ParamHeight:          1024,
	ParamGuidanceScale:   7.0,
	ParamInferenceSteps:  30,
	ParamStrength:        0.8,
	ParamControlStrength: 1.0,
	ParamScale:           2,
	ParamMotionPreset:    "orbit",
	ParamDurationSeconds: 3.0,
	ParamFPS:             24,
}

// requiredParams lists parameters a stage cannot run without.
var requiredParams = map[string][]string{
	StageGenerate:  {ParamPrompt},
	StageImg2Img:   {ParamPrompt},
	StageCondition: {ParamControlType},
}

// ValidateParameters checks params against the schemas of the given stages and
// returns a normalized copy with defaults applied.
func (b Bounds) ValidateParameters(stages []string, params Parameters) (Parameters, error) {
	verr := &ValidationError{}
	allowed := map[string]bool{ParamInputImage: true}
	out := make(Parameters, len(params))

	for _, name := range stages {
		d, ok := LookupStage(name)
		if !ok {
			continue
		}
		for _, p := range d.Params {
			allowed[p] = true
		}
		for _, p := range requiredParams[name] {
			if _, present := params[p]; !present {
				verr.add("parameters."+p, "is required by stage %s", name)
			}
		}
	}

	for name, value := range params {
		if !allowed[name] {
			verr.add("parameters."+name, "is not accepted by any requested stage")
			continue
		}
		norm, err := b.checkParam(name, value)
		if err != nil {
			verr.add("parameters."+name, "%s", err.Error())
			continue
		}
		out[name] = norm
	}

	for name := range paramDefaults {
		if _, present := out[name]; present || !allowed[name] {
			continue
		}
		def, err := b.defaultParam(name)
		if err != nil {
			verr.add("parameters."+name, "%s", err.Error())
			continue
		}
		out[name] = def
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// defaultParam fits the built-in default of name into b and checks the result
// like a requested value.
func (b Bounds) defaultParam(name string) (any, error) {
	def := paramDefaults[name]
	switch name {
	case ParamWidth, ParamHeight:
		def = fitDimension(def.(int), b.Dimension)
	case ParamInferenceSteps, ParamFPS:
		r := b.InferenceSteps
		if name == ParamFPS {
			r = b.FPS
		}
		def = clampInt(def.(int), r)
	case ParamGuidanceScale:
		def = clampFloat(def.(float64), b.GuidanceScale)
	case ParamStrength:
		def = clampFloat(def.(float64), b.Strength)
	case ParamControlStrength:
		def = clampFloat(def.(float64), b.ControlStrength)
	case ParamDurationSeconds:
		def = clampFloat(def.(float64), b.DurationSeconds)
	case ParamScale:
		if len(b.UpscaleScales) > 0 && !slices.Contains(b.UpscaleScales, def.(int)) {
			def = slices.Min(b.UpscaleScales)
		}
	case ParamMotionPreset:
		if len(b.MotionPresets) > 0 && !slices.Contains(b.MotionPresets, def.(string)) {
			def = b.MotionPresets[0]
		}
	}
	v, err := b.checkParam(name, def)
	if err != nil {
		return nil, fmt.Errorf("no default fits the configured bounds: %s", err.Error())
	}
	return v, nil
}

func clampFloat(v float64, r Range) float64 {
	return math.Min(math.Max(v, r.Min), r.Max)
}

func clampInt(v int, r Range) int {
	lo, hi := int(math.Ceil(r.Min)), int(math.Floor(r.Max))
	return min(max(v, lo), hi)
}

// fitDimension clamps v into r and keeps it a multiple of 8.
func fitDimension(v int, r Range) int {
	n := clampInt(v, r)
	n -= n % 8
	if float64(n) < r.Min {
		n += 8
	}
	return n
}

func (b Bounds) checkParam(name string, value any) (any, error) {
	switch name {
	case ParamPrompt, ParamNegativePrompt:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		s = strings.TrimSpace(s)
		if name == ParamPrompt && s == "" {
			return nil, fmt.Errorf("must not be empty")
		}
		if len(s) > maxPromptLength {
			return nil, fmt.Errorf("must be at most %d characters", maxPromptLength)
		}
		return s, nil
	case ParamInputImage:
		s, ok := value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("must be a non-empty string")
		}
		return strings.TrimSpace(s), nil
	case ParamSeed:
		n, err := intValue(value)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("must be >= 0")
		}
		return n, nil
	case ParamWidth, ParamHeight:
		n, err := intValue(value)
		if err != nil {
			return nil, err
		}
		if !b.Dimension.Contains(float64(n)) {
			return nil, rangeErr(b.Dimension)
		}
		if n%8 != 0 {
			return nil, fmt.Errorf("must be a multiple of 8")
		}
		return n, nil
	case ParamInferenceSteps:
		return b.intInRange(value, b.InferenceSteps)
	case ParamFPS:
		return b.intInRange(value, b.FPS)
	case ParamGuidanceScale:
		return b.floatInRange(value, b.GuidanceScale)
	case ParamStrength:
		return b.floatInRange(value, b.Strength)
	case ParamControlStrength:
		return b.floatInRange(value, b.ControlStrength)
	case ParamDurationSeconds:
		return b.floatInRange(value, b.DurationSeconds)
	case ParamScale:
		n, err := intValue(value)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(b.UpscaleScales, n) {
			return nil, fmt.Errorf("must be one of %v", b.UpscaleScales)
		}
		return n, nil
	case ParamControlType:
		return enumValue(value, b.ControlTypes)
	case ParamMotionPreset:
		return enumValue(value, b.MotionPresets)
	case ParamStyle:
		return enumValue(value, b.Styles)
	case ParamLighting:
		return enumValue(value, b.Lightings)
	case ParamMaterial:
		return enumValue(value, b.Materials)
	case ParamLoraProfile:
		return profileValue(value, b.LoraProfiles)
	case ParamRefinerProfile:
		return profileValue(value, b.RefinerProfiles)
	}
	return nil, fmt.Errorf("unknown parameter")
}

func (b Bounds) intInRange(value any, r Range) (any, error) {
	n, err := intValue(value)
	if err != nil {
		return nil, err
	}
	if !r.Contains(float64(n)) {
		return nil, rangeErr(r)
	}
	return n, nil
}

func (b Bounds) floatInRange(value any, r Range) (any, error) {
	f, ok := toFloat(value)
	if !ok || math.IsNaN(f) {
		return nil, fmt.Errorf("must be a number")
	}
	if !r.Contains(f) {
		return nil, rangeErr(r)
	}
	return f, nil
}

func intValue(value any) (int, error) {
	f, ok := toFloat(value)
	if !ok {
		return 0, fmt.Errorf("must be an integer")
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("must be an integer")
	}
	return int(f), nil
}

// enumValue accepts any non-empty id when the catalog is empty.
func enumValue(value any, allowed []string) (any, error) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("must be a non-empty string")
	}
	s = strings.TrimSpace(s)
	if len(allowed) > 0 && !slices.Contains(allowed, s) {
		return nil, fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
	}
	return s, nil
}

// profileValue only accepts names present in the catalog.
func profileValue(value any, catalog map[string]Profile) (any, error) {
	s, ok := value.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("must be a non-empty string")
	}
	s = strings.TrimSpace(s)
	if _, found := catalog[s]; !found {
		if len(catalog) == 0 {
			return nil, fmt.Errorf("unknown profile %q, none are configured", s)
		}
		return nil, fmt.Errorf("unknown profile %q, must be one of %s", s, strings.Join(slices.Sorted(maps.Keys(catalog)), ", "))
	}
	return s, nil
}

func rangeErr(r Range) error {
	return fmt.Errorf("must be between %g and %g", r.Min, r.Max)
}
