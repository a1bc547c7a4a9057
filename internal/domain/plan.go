package domain

import "fmt"

// Request is a job request as received by the control plane.
type Request struct {
	JobType    JobType
	Parameters Parameters
	Stages     []string
}

// Plan validates a request and resolves its stage graph. It returns the pending
// stage records and the normalized parameters, or a *ValidationError listing every
// problem found. Nothing is partially validated.
func (b Bounds) Plan(req Request) ([]StageRecord, Parameters, error) {
	verr := &ValidationError{}

	if !req.JobType.Valid() {
		verr.add("job_type", "unknown job type %q", req.JobType)
		return nil, nil, verr
	}

	names := req.Stages
	if len(names) == 0 {
		if req.JobType == JobTypeCompositePipeline {
			verr.add("stages", "composite-pipeline jobs must list their stages")
			return nil, nil, verr
		}
		names = defaultStages[req.JobType]
	}

	_, hasInput := req.Parameters[ParamInputImage]
	stages := resolveGraph(names, hasInput, verr)

	if req.JobType != JobTypeCompositePipeline {
		defining := defaultStages[req.JobType][0]
		found := false
		for _, n := range names {
			if n == defining {
				found = true
				break
			}
		}
		if !found {
			verr.add("stages", "job type %s requires stage %s", req.JobType, defining)
		}
	}

	params, err := b.ValidateParameters(names, req.Parameters)
	if err != nil {
		if pv, ok := err.(*ValidationError); ok {
			verr.Problems = append(verr.Problems, pv.Problems...)
		}
	}

	if err := verr.orNil(); err != nil {
		return nil, nil, err
	}
	return stages, params, nil
}

// resolveGraph binds each stage's inputs to the nearest earlier stage producing the
// required kind, or to the caller supplied input image.
func resolveGraph(names []string, hasInputImage bool, verr *ValidationError) []StageRecord {
	seen := make(map[string]bool, len(names))
	producers := make(map[ContentKind]string)
	stages := make([]StageRecord, 0, len(names))

	for i, name := range names {
		field := fmt.Sprintf("stages[%d]", i)
		d, ok := LookupStage(name)
		if !ok {
			verr.add(field, "undeclared stage %q", name)
			continue
		}
		if seen[name] {
			verr.add(field, "stage %q requested more than once", name)
			continue
		}
		seen[name] = true

		var deps []string
		for _, kind := range d.RequiredInputs {
			if p, ok := producers[kind]; ok {
				deps = append(deps, p)
				continue
			}
			if kind == KindImage && hasInputImage {
				continue
			}
			verr.add(field, "stage %s requires a %s input from an earlier stage or input_image", name, kind)
		}
		for _, kind := range d.OptionalInputs {
			if p, ok := producers[kind]; ok {
				deps = append(deps, p)
			}
		}

		producers[d.ProducedOutput] = name
		stages = append(stages, StageRecord{
			Name:      name,
			DependsOn: deps,
			Status:    StagePending,
		})
	}
	return stages
}

// ResolveInputs maps each input kind of stage to the artifact that satisfies it.
// Required kinds missing from the result mean the graph was built incorrectly.
func (j *JobRecord) ResolveInputs(stage string) (map[ContentKind]ArtifactReference, error) {
	d, ok := LookupStage(stage)
	if !ok {
		return nil, fmt.Errorf("undeclared stage %q", stage)
	}
	rec := j.Stage(stage)
	if rec == nil {
		return nil, fmt.Errorf("stage %q not requested by job %s", stage, j.JobID)
	}

	out := make(map[ContentKind]ArtifactReference)
	for _, dep := range rec.DependsOn {
		depRec := j.Stage(dep)
		if depRec == nil || depRec.Artifact == nil {
			return nil, fmt.Errorf("input stage %q has no artifact", dep)
		}
		out[depRec.Artifact.ContentKind] = *depRec.Artifact
	}
	for _, kind := range d.RequiredInputs {
		if _, ok := out[kind]; ok {
			continue
		}
		if ref, ok := j.Inputs[string(kind)]; ok {
			out[kind] = ref
			continue
		}
		return nil, fmt.Errorf("stage %q has no %s input", stage, kind)
	}
	return out, nil
}
