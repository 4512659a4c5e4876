package integrator

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchesSplitSteps(t *testing.T) {
	p := DefaultParameters()
	p.SeedSpawn = common.Vec3u{4, 4, 4}
	p.IntegrationSteps = 10
	p.BatchSize = 4
	require.NoError(t, p.Validate())

	assert.Equal(t, uint32(64), p.SeedCount())
	assert.Equal(t, uint32(3), p.BatchCount())
	assert.Equal(t, []Batch{
		{Index: 0, FirstStep: 0, StepCount: 4},
		{Index: 1, FirstStep: 4, StepCount: 4},
		{Index: 2, FirstStep: 8, StepCount: 2},
	}, p.Batches())
	assert.Equal(t, uint64(64*11), p.LineBufferVertices())
}

func TestBatchAccounting(t *testing.T) {
	p := DefaultParameters()
	for steps := uint32(1); steps <= 40; steps++ {
		for size := uint32(1); size <= 12; size++ {
			p.IntegrationSteps, p.BatchSize = steps, size
			batches := p.Batches()
			require.Len(t, batches, int(common.CeilDiv(steps, size)))

			var sum uint32
			for n, b := range batches {
				assert.Equal(t, sum, b.FirstStep)
				if n < len(batches)-1 {
					assert.Equal(t, size, b.StepCount)
				}
				sum += b.StepCount
			}
			assert.Equal(t, steps, sum)

			want := steps % size
			if want == 0 {
				want = size
			}
			assert.Equal(t, want, batches[len(batches)-1].StepCount, "steps=%d batch=%d", steps, size)
		}
	}
}

func TestParametersValidate(t *testing.T) {
	valid := DefaultParameters()
	require.NoError(t, valid.Validate())

	cases := map[string]func(p *Parameters){
		"zero batch":        func(p *Parameters) { p.BatchSize = 0 },
		"zero steps":        func(p *Parameters) { p.IntegrationSteps = 0 },
		"zero seed axis":    func(p *Parameters) { p.SeedSpawn[1] = 0 },
		"zero work group":   func(p *Parameters) { p.WorkGroupSize[2] = 0 },
		"negative dt":       func(p *Parameters) { p.DeltaTime = -1 },
		"empty analytic":    func(p *Parameters) { p.Analytic, p.AnalyticDimensions = true, common.Vec4u{0, 4, 4, 4} },
		"too many vertices": func(p *Parameters) { p.SeedSpawn, p.IntegrationSteps = common.Vec3u{1024, 1024, 64}, 1 << 20 },
	}
	for name, mutate := range cases {
		p := valid
		mutate(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidParameters, name)
	}

	p := valid
	p.DeltaTime = 0
	assert.NoError(t, p.Validate())
}

func TestWorkGroupCountCoversSeeds(t *testing.T) {
	p := DefaultParameters()
	p.SeedSpawn = common.Vec3u{20, 3, 1}
	p.WorkGroupSize = common.Vec3u{8, 2, 1}
	assert.Equal(t, common.Vec3u{3, 2, 1}, p.WorkGroupCount())
}

func TestNeedsRebuild(t *testing.T) {
	key := PipelineKey{
		Variant:       shader.VariantIntegrateRaw,
		WorkGroupSize: common.Vec3u{8, 1, 1},
		TimeSteps:     4,
		Channels:      3,
	}
	assert.False(t, NeedsRebuild(key, key))

	for name, mutate := range map[string]func(k *PipelineKey){
		"variant":       func(k *PipelineKey) { k.Variant = shader.VariantIntegratePacked },
		"work group":    func(k *PipelineKey) { k.WorkGroupSize[0] = 16 },
		"time steps":    func(k *PipelineKey) { k.TimeSteps = 5 },
		"interpolation": func(k *PipelineKey) { k.ExplicitInterpolation = true },
	} {
		other := key
		mutate(&other)
		assert.True(t, NeedsRebuild(key, other), name)
	}

	var state PipelineState
	assert.True(t, state.Requires(key))
	assert.Equal(t, PipelineAbsent, state.Invalidate().Status)

	state = Valid(key)
	assert.False(t, state.Requires(key))
	stale := state.Invalidate()
	assert.Equal(t, PipelineStale, stale.Status)
	assert.True(t, stale.Requires(key))
}

func TestPipelineKeyForAnalyticParameters(t *testing.T) {
	p := DefaultParameters()
	p.Analytic = true
	p.ExplicitInterpolation = true

	key, err := pipelineKeyFor(p, nil)
	require.NoError(t, err)
	assert.Equal(t, shader.VariantIntegrateAnalytic, key.Variant)
	assert.False(t, key.ExplicitInterpolation)
	assert.Equal(t, uint32(0), key.Specialization().ImageCount())

	p.Analytic = false
	_, err = pipelineKeyFor(p, nil)
	assert.ErrorIs(t, err, ErrNoDataset)
}

// fieldSource reports a fixed format and shape; nothing is read from it.
type fieldSource struct {
	datasource.DataSource
	format datasource.Format
	dims   common.Vec4u
}

func (f fieldSource) Format() datasource.Format  { return f.format }
func (f fieldSource) Dimensions() common.Vec4u { return f.dims }

type fieldDataset struct {
	dataset.Dataset
	src datasource.DataSource
}

func (f fieldDataset) DataSource() datasource.DataSource { return f.src }

func TestPipelineKeyForFormats(t *testing.T) {
	dims := common.Vec4u{8, 8, 4, 5}
	tests := []struct {
		name     string
		src      datasource.DataSource
		explicit bool
		want     PipelineKey
	}{
		{
			name: "float16 sampled",
			src:  fieldSource{format: datasource.FormatFloat16, dims: dims},
			want: PipelineKey{Variant: shader.VariantIntegrateRaw, TimeSteps: 5, Channels: 3},
		},
		{
			name:     "float16 explicit",
			src:      fieldSource{format: datasource.FormatFloat16, dims: dims},
			explicit: true,
			want:     PipelineKey{Variant: shader.VariantIntegrateRaw, TimeSteps: 5, Channels: 3, ExplicitInterpolation: true},
		},
		{
			name: "float32 forces explicit",
			src:  fieldSource{format: datasource.FormatFloat32, dims: dims},
			want: PipelineKey{Variant: shader.VariantIntegrateRaw, TimeSteps: 5, Channels: 3, ExplicitInterpolation: true},
		},
		{
			name:     "bc6h",
			src:      fieldSource{format: datasource.FormatBC6H, dims: dims},
			explicit: true,
			want:     PipelineKey{Variant: shader.VariantIntegratePacked, TimeSteps: 5, Channels: 1, ExplicitInterpolation: true},
		},
		{
			name:     "analytic source",
			src:      datasource.NewAnalytic(dims),
			explicit: true,
			want:     PipelineKey{Variant: shader.VariantIntegrateAnalytic},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParameters()
			p.ExplicitInterpolation = tt.explicit
			tt.want.WorkGroupSize = p.WorkGroupSize

			key, err := pipelineKeyFor(p, fieldDataset{src: tt.src})
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
			assert.Equal(t, tt.want.Channels*tt.want.TimeSteps, key.Specialization().ImageCount())
		})
	}

	t.Run("unsupported format", func(t *testing.T) {
		_, err := pipelineKeyFor(DefaultParameters(), fieldDataset{src: fieldSource{format: datasource.Format(99), dims: dims}})
		assert.ErrorIs(t, err, ErrInvalidParameters)
	})
}
