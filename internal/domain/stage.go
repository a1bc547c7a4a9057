package domain

import "sort"

// ContentKind identifies what an artifact holds.
type ContentKind string

const (
	KindImage        ContentKind = "image"
	KindConditioning ContentKind = "conditioning"
	KindDepthMap     ContentKind = "depth-map"
	KindVideo        ContentKind = "video"
	KindMetadata     ContentKind = "metadata"
)

// Extension returns the file extension used for artifacts of this kind.
func (k ContentKind) Extension() string {
	switch k {
	case KindVideo:
		return "mp4"
	case KindMetadata:
		return "json"
	default:
		return "png"
	}
}

// Capability names the StageRunner variant (and model family) that executes a stage.
type Capability string

const (
	CapabilityTextToImage    Capability = "text-to-image"
	CapabilityImageToImage   Capability = "image-to-image"
	CapabilityCondition      Capability = "condition"
	CapabilityUpscale        Capability = "upscale"
	CapabilityDepthEstimate  Capability = "depth-estimate"
	CapabilityVideoFromImage Capability = "video-from-image"
	CapabilityLightweight    Capability = "lightweight"
)

// Heavy reports whether the capability needs a GPU-capable process.
func (c Capability) Heavy() bool {
	return c != CapabilityLightweight
}

// Stage names
const (
	StageCondition = "condition"
	StageGenerate  = "generate"
	StageImg2Img   = "img2img"
	StageUpscale   = "upscale"
	StageDepth     = "depth"
	StageVideo     = "video"
	StageInspect   = "inspect"

	// InputStage is the pseudo stage name under which caller supplied inputs are referenced.
	InputStage = "input"
)

// StageDescriptor is the static definition of one stage in the legal stage graph.
type StageDescriptor struct {
	Name           string        `json:"name"`
	RequiredInputs []ContentKind `json:"required_inputs"`
	OptionalInputs []ContentKind `json:"optional_inputs,omitempty"`
	ProducedOutput ContentKind   `json:"produced_output"`
	Capability     Capability    `json:"capability"`
	// Generative stages consume a prompt and go through the safety gate.
	Generative bool     `json:"generative"`
	Params     []string `json:"params"`
}

var imageParams = []string{
	ParamPrompt, ParamNegativePrompt, ParamSeed, ParamWidth, ParamHeight,
	ParamGuidanceScale, ParamInferenceSteps, ParamStyle, ParamLighting, ParamMaterial,
	ParamLoraProfile, ParamRefinerProfile,
}

var descriptors = map[string]StageDescriptor{
	StageCondition: {
		Name:           StageCondition,
		RequiredInputs: []ContentKind{KindImage},
		ProducedOutput: KindConditioning,
		Capability:     CapabilityCondition,
		Params:         []string{ParamControlType, ParamControlStrength},
	},
	StageGenerate: {
		Name:           StageGenerate,
		OptionalInputs: []ContentKind{KindConditioning},
		ProducedOutput: KindImage,
		Capability:     CapabilityTextToImage,
		Generative:     true,
		Params:         imageParams,
	},
	StageImg2Img: {
		Name:           StageImg2Img,
		RequiredInputs: []ContentKind{KindImage},
		OptionalInputs: []ContentKind{KindConditioning},
		ProducedOutput: KindImage,
		Capability:     CapabilityImageToImage,
		Generative:     true,
		Params:         append([]string{ParamStrength}, imageParams...),
	},
	StageUpscale: {
		Name:           StageUpscale,
		RequiredInputs: []ContentKind{KindImage},
		ProducedOutput: KindImage,
		Capability:     CapabilityUpscale,
		Params:         []string{ParamScale},
	},
	StageDepth: {
		Name:           StageDepth,
		RequiredInputs: []ContentKind{KindImage},
		ProducedOutput: KindDepthMap,
		Capability:     CapabilityDepthEstimate,
	},
	StageVideo: {
		Name:           StageVideo,
		RequiredInputs: []ContentKind{KindImage},
		OptionalInputs: []ContentKind{KindDepthMap},
		ProducedOutput: KindVideo,
		Capability:     CapabilityVideoFromImage,
		Params:         []string{ParamMotionPreset, ParamDurationSeconds, ParamFPS},
	},
	StageInspect: {
		Name:           StageInspect,
		RequiredInputs: []ContentKind{KindImage},
		ProducedOutput: KindMetadata,
		Capability:     CapabilityLightweight,
	},
}

// LookupStage returns the descriptor registered under name.
func LookupStage(name string) (StageDescriptor, bool) {
	d, ok := descriptors[name]
	return d, ok
}

// Stages returns every registered descriptor sorted by name.
func Stages() []StageDescriptor {
	out := make([]StageDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StageExtension returns the artifact file extension for a stage name.
// Unknown stages fall back to "bin".
func StageExtension(stage string) string {
	d, ok := descriptors[stage]
	if !ok {
		return "bin"
	}
	return d.ProducedOutput.Extension()
}
