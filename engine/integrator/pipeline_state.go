package integrator

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
)

// PipelineKey is everything the compute programs are specialized on.
type PipelineKey struct {
	Variant               shader.Variant
	WorkGroupSize         common.Vec3u
	TimeSteps             uint32
	Channels              uint32
	ExplicitInterpolation bool
}

// Specialization returns the shader constants of the key.
func (k PipelineKey) Specialization() shader.Specialization {
	return shader.Specialization{
		WorkGroupSize:         k.WorkGroupSize,
		TimeSteps:             k.TimeSteps,
		Channels:              k.Channels,
		ExplicitInterpolation: k.ExplicitInterpolation,
	}
}

func (k PipelineKey) String() string {
	return fmt.Sprintf("%s[wg=%s,t=%d,c=%d,explicit=%t]", k.Variant, k.WorkGroupSize, k.TimeSteps, k.Channels, k.ExplicitInterpolation)
}

// PipelineStatus is the lifecycle of the integrator's compute pipelines.
type PipelineStatus int

const (
	// PipelineAbsent means no pipelines were built yet, or they were destroyed.
	PipelineAbsent PipelineStatus = iota
	// PipelineValid means the pipelines match PipelineState.Key.
	PipelineValid
	// PipelineStale means the pipelines exist but must be rebuilt before the next run.
	PipelineStale
)

func (s PipelineStatus) String() string {
	switch s {
	case PipelineAbsent:
		return "absent"
	case PipelineValid:
		return "valid"
	case PipelineStale:
		return "stale"
	default:
		return fmt.Sprintf("PipelineStatus(%d)", int(s))
	}
}

// PipelineState pairs the pipeline status with the key the pipelines were built for.
type PipelineState struct {
	Status PipelineStatus
	Key    PipelineKey
}

// Valid returns the state of pipelines freshly built for key.
func Valid(key PipelineKey) PipelineState {
	return PipelineState{Status: PipelineValid, Key: key}
}

// Invalidate marks existing pipelines stale. An absent state stays absent.
func (s PipelineState) Invalidate() PipelineState {
	if s.Status == PipelineValid {
		s.Status = PipelineStale
	}
	return s
}

// Requires reports whether the pipelines must be (re)built to run with requested.
func (s PipelineState) Requires(requested PipelineKey) bool {
	return s.Status != PipelineValid || NeedsRebuild(s.Key, requested)
}

// NeedsRebuild reports whether pipelines built for current cannot serve requested.
//
// Parameters:
//   - current: the key the existing pipelines were built for
//   - requested: the key of the next run
//
// Returns:
//   - bool: true if any specialization input differs
func NeedsRebuild(current, requested PipelineKey) bool {
	return current != requested
}

// pipelineKeyFor selects the program variant from the parameters and the dataset shape.
// Float32 datasets always use explicit interpolation since R32F images cannot be filtered.
func pipelineKeyFor(p Parameters, ds dataset.Dataset) (PipelineKey, error) {
	key := PipelineKey{WorkGroupSize: p.WorkGroupSize, ExplicitInterpolation: p.ExplicitInterpolation}
	if p.Analytic {
		key.Variant = shader.VariantIntegrateAnalytic
		key.ExplicitInterpolation = false
		return key, nil
	}
	if ds == nil {
		return key, ErrNoDataset
	}

	src := ds.DataSource()
	key.TimeSteps = src.Dimensions()[3]
	switch src.Format() {
	case datasource.FormatBC6H:
		key.Variant = shader.VariantIntegratePacked
		key.Channels = 1
	case datasource.FormatFloat16:
		key.Variant = shader.VariantIntegrateRaw
		key.Channels = 3
	case datasource.FormatFloat32:
		key.Variant = shader.VariantIntegrateRaw
		key.Channels = 3
		key.ExplicitInterpolation = true
	case datasource.FormatAnalytic:
		key.Variant = shader.VariantIntegrateAnalytic
		key.TimeSteps = 0
		key.ExplicitInterpolation = false
	default:
		return key, fmt.Errorf("%w: no integration program for %s data", ErrInvalidParameters, src.Format())
	}
	return key, nil
}
