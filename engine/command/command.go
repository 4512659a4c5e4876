// Package command parses the run parameters given on the command line as key=value pairs and
// bare flags, and layers them over a configuration.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Carmen-Shannon/oxy-flow/engine/config"
)

var (
	// ErrUnknownParameter is returned for a key or flag the parser does not know.
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrInvalidValue is returned for a value that does not parse or is out of range.
	ErrInvalidValue = errors.New("invalid value")
)

// Commands holds the parameters present on the command line. Absent parameters are nil.
type Commands struct {
	RepetitionCount *uint32
	RepetitionDelay *float32 // milliseconds

	WorkGroupSizeX *uint32
	WorkGroupSizeY *uint32
	WorkGroupSizeZ *uint32

	SeedDimensionX *uint32
	SeedDimensionY *uint32
	SeedDimensionZ *uint32

	IntegrationSteps *uint32
	BatchSize        *uint32
	DeltaTime        *float32

	ExplicitInterpolation *bool
	AnalyticDataset       *bool

	// Positional holds the arguments that are neither parameters nor flags, in order.
	Positional []string
}

type setter func(c *Commands, value string) error

var parameters = map[string]setter{
	"repetition_count":  positive(func(c *Commands) **uint32 { return &c.RepetitionCount }),
	"repetition_delay":  nonNegative(func(c *Commands) **float32 { return &c.RepetitionDelay }),
	"work_group_size_x": positive(func(c *Commands) **uint32 { return &c.WorkGroupSizeX }),
	"work_group_size_y": positive(func(c *Commands) **uint32 { return &c.WorkGroupSizeY }),
	"work_group_size_z": positive(func(c *Commands) **uint32 { return &c.WorkGroupSizeZ }),
	"seed_dimension_x":  positive(func(c *Commands) **uint32 { return &c.SeedDimensionX }),
	"seed_dimension_y":  positive(func(c *Commands) **uint32 { return &c.SeedDimensionY }),
	"seed_dimension_z":  positive(func(c *Commands) **uint32 { return &c.SeedDimensionZ }),
	"integration_steps": positive(func(c *Commands) **uint32 { return &c.IntegrationSteps }),
	"batch_size":        positive(func(c *Commands) **uint32 { return &c.BatchSize }),
	"delta_time":        nonNegative(func(c *Commands) **float32 { return &c.DeltaTime }),
}

var flags = map[string]func(c *Commands) **bool{
	"explicit_interpolation": func(c *Commands) **bool { return &c.ExplicitInterpolation },
	"analytic_dataset":       func(c *Commands) **bool { return &c.AnalyticDataset },
}

// Parse reads args. Parameters are written key=value, flags as a bare name; either may carry
// leading dashes. Parsing stops at the first unknown parameter or invalid value.
//
// Parameters:
//   - args: the arguments without the program name
//
// Returns:
//   - *Commands: the parameters present
//   - error: an error wrapping ErrUnknownParameter or ErrInvalidValue
func Parse(args []string) (*Commands, error) {
	c := &Commands{}
	for _, arg := range args {
		name := strings.TrimLeft(arg, "-")
		key, value, isParameter := strings.Cut(name, "=")

		switch {
		case isParameter:
			set, ok := parameters[key]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, key)
			}
			if err := set(c, value); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", key, err)
			}
		case strings.HasPrefix(arg, "-"):
			field, ok := flags[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
			}
			on := true
			*field(c) = &on
		default:
			if field, ok := flags[name]; ok {
				on := true
				*field(c) = &on
				continue
			}
			c.Positional = append(c.Positional, arg)
		}
	}
	return c, nil
}

// Apply overrides the matching configuration values with the parameters present.
//
// Parameters:
//   - cfg: the configuration to modify
func (c *Commands) Apply(cfg *config.Config) {
	setIf(&cfg.Integration.WorkGroupSize[0], c.WorkGroupSizeX)
	setIf(&cfg.Integration.WorkGroupSize[1], c.WorkGroupSizeY)
	setIf(&cfg.Integration.WorkGroupSize[2], c.WorkGroupSizeZ)
	setIf(&cfg.Integration.SeedSpawn[0], c.SeedDimensionX)
	setIf(&cfg.Integration.SeedSpawn[1], c.SeedDimensionY)
	setIf(&cfg.Integration.SeedSpawn[2], c.SeedDimensionZ)
	setIf(&cfg.Integration.IntegrationSteps, c.IntegrationSteps)
	setIf(&cfg.Integration.BatchSize, c.BatchSize)
	setIf(&cfg.Integration.DeltaTime, c.DeltaTime)
	setIf(&cfg.Integration.ExplicitInterpolation, c.ExplicitInterpolation)
	setIf(&cfg.Integration.AnalyticDataset, c.AnalyticDataset)

	if c.RepetitionCount != nil {
		cfg.Benchmark.RepetitionCount = int(*c.RepetitionCount)
	}
	if c.RepetitionDelay != nil {
		cfg.Benchmark.RepetitionDelay = float64(*c.RepetitionDelay)
	}
	if len(c.Positional) > 0 {
		cfg.Benchmark.Dataset = c.Positional[0]
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func positive(field func(c *Commands) **uint32) setter {
	return func(c *Commands, value string) error {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, value)
		}
		if n <= 0 || n > 1<<32-1 {
			return fmt.Errorf("%w: %d must be greater than 0", ErrInvalidValue, n)
		}
		v := uint32(n)
		*field(c) = &v
		return nil
	}
}

func nonNegative(field func(c *Commands) **float32) setter {
	return func(c *Commands, value string) error {
		f, err := strconv.ParseFloat(value, 32)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, value)
		}
		if f < 0 {
			return fmt.Errorf("%w: %g must not be negative", ErrInvalidValue, f)
		}
		v := float32(f)
		*field(c) = &v
		return nil
	}
}
