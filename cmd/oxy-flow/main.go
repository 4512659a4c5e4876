// Command oxy-flow streams a 4D flow-field dataset to the GPU and integrates particle
// trajectories through it, either in a viewer window or as a headless benchmark.
//
// Usage:
//
//	oxy-flow [-config path] [-headless] [-backend wgpu|soft] [-v] [-profile] [-save-config] [dataset] [key=value ...] [flag ...]
//
// Run parameters such as integration_steps=5000 or analytic_dataset override the configuration
// file. They follow the program flags; write run flags without dashes or after "--".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Carmen-Shannon/oxy-flow/engine"
	"github.com/Carmen-Shannon/oxy-flow/engine/app"
	"github.com/Carmen-Shannon/oxy-flow/engine/command"
	"github.com/Carmen-Shannon/oxy-flow/engine/config"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/window"
)

func init() {
	// GLFW must run on the main thread
	runtime.LockOSThread()
}

func main() {
	if err := run(); err != nil {
		logger.Logger().Error("oxy-flow failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "oxy-flow.yaml", "YAML configuration file")
	headless := flag.Bool("headless", false, "run the benchmark without a window")
	backend := flag.String("backend", "", "device backend (wgpu or soft), overrides device.backend")
	verbose := flag.Bool("v", false, "debug logging")
	profile := flag.Bool("profile", false, "log frame statistics")
	saveConfig := flag.Bool("save-config", false, "write the effective configuration to -config and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	cmds, err := command.Parse(flag.Args())
	if err != nil {
		return err
	}
	cmds.Apply(cfg)
	if *backend != "" {
		cfg.Device.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *saveConfig {
		return config.SaveConfig(cfg, *configPath)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if *verbose {
		level = slog.LevelDebug
	}
	logger.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *headless {
		return runHeadless(cfg)
	}
	return runViewer(cfg, *profile)
}

func deviceOptions(cfg *config.Config) []device.DeviceBuilderOption {
	return []device.DeviceBuilderOption{
		device.WithForceFallbackAdapter(cfg.Device.ForceFallbackAdapter),
		device.WithSoftWorkers(cfg.Device.SoftWorkers),
	}
}

func runHeadless(cfg *config.Config) error {
	dev, err := device.NewDevice(device.Backend(cfg.Device.Backend), deviceOptions(cfg)...)
	if err != nil {
		return err
	}
	defer dev.Release()

	a := app.New(dev, cfg)
	if cfg.Benchmark.Dataset != "" {
		if err := a.LoadDataset(cfg.Benchmark.Dataset); err != nil {
			return errors.Join(err, a.Close())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	benchErr := app.Benchmark(ctx, a)
	return errors.Join(benchErr, a.Close())
}

func runViewer(cfg *config.Config, profile bool) error {
	win, err := window.NewWindow(window.WithTitle("oxy-flow"))
	if err != nil {
		return err
	}

	opts := append(deviceOptions(cfg),
		device.WithSurface(win.SurfaceDescriptor(), win.Width(), win.Height()),
		device.WithVSync(true),
	)
	dev, err := device.NewDevice(device.Backend(cfg.Device.Backend), opts...)
	if err != nil {
		return errors.Join(err, win.Close())
	}

	a := app.New(dev, cfg)
	if cfg.Benchmark.Dataset != "" {
		if err := a.LoadDataset(cfg.Benchmark.Dataset); err != nil {
			logger.Logger().Error("failed to load dataset", "path", cfg.Benchmark.Dataset, "error", err)
		}
	}

	eng := engine.NewEngine(
		engine.WithWindow(win),
		engine.WithApp(a),
		engine.WithProfiling(profile),
		engine.WithTickRate(1),
	)
	eng.SetTickCallback(func(float32) {
		logProgress(a)
	})
	eng.Run()

	closeErr := a.Close()
	dev.Release()
	return errors.Join(closeErr, win.Close())
}

// logProgress reports the loader and the running integration once per tick.
func logProgress(a app.App) {
	log := logger.Logger()
	if ds := a.Dataset(); ds != nil {
		if snap := ds.LoadingState().Snapshot(); !snap.Terminal() {
			log.Info("loading", "path", ds.DataSource().Path(), "state", snap.State, "progress", snap.Progress())
		}
	}
	if in := a.Integrator().Integration(); in != nil && !in.Complete() && in.Err() == nil {
		log.Info("integrating", "run", in.Run(), "batch", in.CurrentBatch(), "batches", in.BatchCount(), "progress", in.Progress())
	}
}
