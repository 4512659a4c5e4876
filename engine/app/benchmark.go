package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

// updateInterval is how often Benchmark drives Update while waiting.
const updateInterval = time.Millisecond

// Benchmark runs the configured number of integrations back to back without a window, pausing
// benchmark.repetition_delay between runs, and exports the last run if benchmark.export_base is
// set. A loaded dataset is waited for first.
//
// Parameters:
//   - ctx: cancels the benchmark between runs and while waiting
//   - a: the app to drive
//
// Returns:
//   - error: the first loading, integration or export error, or ctx.Err()
func Benchmark(ctx context.Context, a App) error {
	cfg := a.Config()
	log := logger.Logger()

	if ds := a.Dataset(); ds != nil {
		select {
		case <-ds.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := ds.Wait(); err != nil {
			return err
		}
		log.Info("dataset loaded", "path", ds.DataSource().Path(), "loading_time", ds.LoadingTime())
	}

	for rep := range cfg.Benchmark.RepetitionCount {
		if rep > 0 && cfg.RepetitionDelay() > 0 {
			select {
			case <-time.After(cfg.RepetitionDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		a.Integrate()
		if err := waitForStart(ctx, a); err != nil {
			return fmt.Errorf("repetition %d: %w", rep+1, err)
		}
		in := a.Integrator().Integration()
		select {
		case <-in.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := in.Err(); err != nil {
			return fmt.Errorf("repetition %d: %w", rep+1, err)
		}
		log.Info("benchmark repetition finished",
			"repetition", rep+1,
			"repetitions", cfg.Benchmark.RepetitionCount,
			"run", in.Run(),
			"gpu_time", in.GPUTime(),
			"cpu_time", in.CPUTime(),
			"max_velocity", in.MaxVelocity(),
		)
	}

	if base := cfg.Benchmark.ExportBase; base != "" {
		if err := a.Export(base); err != nil {
			return err
		}
	}
	return nil
}

// waitForStart drives Update until the requested run started.
func waitForStart(ctx context.Context, a App) error {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		started, err := a.Update()
		if err != nil {
			return err
		}
		if started {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
