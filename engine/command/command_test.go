package command

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParametersAndFlags(t *testing.T) {
	c, err := Parse([]string{
		"--work_group_size_x=16",
		"seed_dimension_y=4",
		"-integration_steps=500",
		"--delta_time=0.5",
		"--repetition_delay=0",
		"--explicit_interpolation",
		"analytic_dataset",
		"data/flow.ktx",
	})
	require.NoError(t, err)

	require.NotNil(t, c.WorkGroupSizeX)
	assert.Equal(t, uint32(16), *c.WorkGroupSizeX)
	assert.Equal(t, uint32(4), *c.SeedDimensionY)
	assert.Equal(t, uint32(500), *c.IntegrationSteps)
	assert.Equal(t, float32(0.5), *c.DeltaTime)
	assert.Equal(t, float32(0), *c.RepetitionDelay)
	assert.True(t, *c.ExplicitInterpolation)
	assert.True(t, *c.AnalyticDataset)
	assert.Nil(t, c.BatchSize)
	assert.Nil(t, c.WorkGroupSizeY)
	assert.Equal(t, []string{"data/flow.ktx"}, c.Positional)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]struct {
		args []string
		want error
	}{
		"unknown parameter": {[]string{"--colour=red"}, ErrUnknownParameter},
		"unknown flag":      {[]string{"--fast"}, ErrUnknownParameter},
		"zero count":        {[]string{"repetition_count=0"}, ErrInvalidValue},
		"negative batch":    {[]string{"batch_size=-3"}, ErrInvalidValue},
		"not a number":      {[]string{"integration_steps=many"}, ErrInvalidValue},
		"negative delay":    {[]string{"repetition_delay=-1"}, ErrInvalidValue},
		"negative dt":       {[]string{"delta_time=-0.1"}, ErrInvalidValue},
		"first error wins":  {[]string{"batch_size=0", "--bogus=1"}, ErrInvalidValue},
	}
	for name, tc := range cases {
		c, err := Parse(tc.args)
		assert.ErrorIs(t, err, tc.want, name)
		assert.Nil(t, c, name)
	}
}

func TestApplyOverridesConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	c, err := Parse([]string{"work_group_size_z=2", "seed_dimension_x=3", "batch_size=7", "repetition_count=4", "repetition_delay=250", "run.raw"})
	require.NoError(t, err)
	c.Apply(cfg)

	assert.Equal(t, common.Vec3u{8, 1, 2}, cfg.Integration.WorkGroupSize)
	assert.Equal(t, common.Vec3u{3, 20, 20}, cfg.Integration.SeedSpawn)
	assert.Equal(t, uint32(7), cfg.Integration.BatchSize)
	assert.Equal(t, uint32(10000), cfg.Integration.IntegrationSteps)
	assert.Equal(t, 4, cfg.Benchmark.RepetitionCount)
	assert.Equal(t, 250.0, cfg.Benchmark.RepetitionDelay)
	assert.Equal(t, "run.raw", cfg.Benchmark.Dataset)
	assert.False(t, cfg.Integration.ExplicitInterpolation)
}
