package integrator

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/config"
)

// Parameters configures one integration run.
type Parameters struct {
	// WorkGroupSize is the compute workgroup size of the seed and integrate programs.
	WorkGroupSize common.Vec3u

	// SeedSpawn is the seed grid; one particle per cell.
	SeedSpawn common.Vec3u

	// DeltaTime is the step length in normalized time units (0..1 spans the whole dataset).
	DeltaTime float32

	// IntegrationSteps is the number of steps each particle is advanced.
	IntegrationSteps uint32

	// BatchSize is the maximum number of steps recorded into one submission.
	BatchSize uint32

	// ExplicitInterpolation samples the field with textureLoad and manual trilinear weights.
	ExplicitInterpolation bool

	// Analytic integrates the built-in ABC flow instead of the loaded dataset.
	Analytic bool

	// AnalyticDimensions is the sampling domain of the analytic field.
	AnalyticDimensions common.Vec4u
}

// Batch is one submission of integration steps.
type Batch struct {
	Index     uint32
	FirstStep uint32
	StepCount uint32
}

// DefaultParameters returns the parameters of config.DefaultConfig.
func DefaultParameters() Parameters {
	return ParametersFromConfig(config.DefaultConfig())
}

// ParametersFromConfig copies the integration section of cfg.
//
// Parameters:
//   - cfg: the application configuration
//
// Returns:
//   - Parameters: the integration parameters
func ParametersFromConfig(cfg *config.Config) Parameters {
	c := cfg.Integration
	return Parameters{
		WorkGroupSize:         c.WorkGroupSize,
		SeedSpawn:             c.SeedSpawn,
		DeltaTime:             c.DeltaTime,
		IntegrationSteps:      c.IntegrationSteps,
		BatchSize:             c.BatchSize,
		ExplicitInterpolation: c.ExplicitInterpolation,
		Analytic:              c.AnalyticDataset,
		AnalyticDimensions:    c.AnalyticDimensions,
	}
}

// Validate checks the documented ranges. Any positive value is accepted.
//
// Returns:
//   - error: an error wrapping ErrInvalidParameters, or nil
func (p Parameters) Validate() error {
	switch {
	case p.WorkGroupSize.Product() == 0:
		return fmt.Errorf("%w: work group size %s has a zero component", ErrInvalidParameters, p.WorkGroupSize)
	case p.SeedSpawn.Product() == 0:
		return fmt.Errorf("%w: seed spawn %s has a zero component", ErrInvalidParameters, p.SeedSpawn)
	case p.IntegrationSteps == 0:
		return fmt.Errorf("%w: integration steps must be >= 1", ErrInvalidParameters)
	case p.BatchSize == 0:
		return fmt.Errorf("%w: batch size must be >= 1", ErrInvalidParameters)
	case p.DeltaTime < 0:
		return fmt.Errorf("%w: delta time %g is negative", ErrInvalidParameters, p.DeltaTime)
	case p.Analytic && p.AnalyticDimensions.XYZ().Product() == 0:
		return fmt.Errorf("%w: analytic dimensions %s have a zero component", ErrInvalidParameters, p.AnalyticDimensions)
	}
	if uint64(p.SeedSpawn.Product()) != uint64(p.SeedSpawn[0])*uint64(p.SeedSpawn[1])*uint64(p.SeedSpawn[2]) {
		return fmt.Errorf("%w: seed spawn %s overflows", ErrInvalidParameters, p.SeedSpawn)
	}
	if p.LineBufferVertices() > 1<<32 {
		return fmt.Errorf("%w: %d line vertices exceed the 32-bit vertex index range", ErrInvalidParameters, p.LineBufferVertices())
	}
	return nil
}

// SeedCount returns the number of particles.
func (p Parameters) SeedCount() uint32 {
	return p.SeedSpawn.Product()
}

// BatchCount returns ceil(IntegrationSteps / BatchSize).
func (p Parameters) BatchCount() uint32 {
	if p.BatchSize == 0 {
		return 0
	}
	return common.CeilDiv(p.IntegrationSteps, p.BatchSize)
}

// Batches splits the steps into BatchCount batches of BatchSize steps; the last one carries the
// remainder.
func (p Parameters) Batches() []Batch {
	n := p.BatchCount()
	batches := make([]Batch, 0, n)
	for i := range n {
		first := i * p.BatchSize
		batches = append(batches, Batch{
			Index:     i,
			FirstStep: first,
			StepCount: min(p.BatchSize, p.IntegrationSteps-first),
		})
	}
	return batches
}

// LineBufferVertices is SeedCount * (IntegrationSteps + 1): every seed stores its start position and
// one vertex per step.
func (p Parameters) LineBufferVertices() uint64 {
	return uint64(p.SeedCount()) * (uint64(p.IntegrationSteps) + 1)
}

// WorkGroupCount is the dispatch size covering the seed grid.
func (p Parameters) WorkGroupCount() common.Vec3u {
	var g common.Vec3u
	for a := range g {
		g[a] = common.CeilDiv(p.SeedSpawn[a], p.WorkGroupSize[a])
	}
	return g
}
