// Package integrator traces massless particles through a loaded dataset on the device.
//
// A run seeds one particle per cell of a 3D seed grid, then advances every particle in batches of
// at most BatchSize steps, each batch one submission on the compute queue. Runs are started by
// RequestIntegration and picked up by CheckForIntegration, which the frame loop polls once per frame;
// the batches execute on a worker goroutine while the frame loop keeps drawing the partial lines.
package integrator

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/profiler"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
)

var (
	// ErrNoDataset is returned when a run needs a loaded, transitioned dataset and has none.
	ErrNoDataset = errors.New("no dataset")

	// ErrInvalidParameters wraps parameter validation failures.
	ErrInvalidParameters = errors.New("invalid integration parameters")

	// ErrIntegrationInProgress is returned by operations that need a finished run.
	ErrIntegrationInProgress = errors.New("integration in progress")

	// ErrNoIntegration is returned by operations that need a run when none was started.
	ErrNoIntegration = errors.New("no integration")

	// ErrExport wraps trajectory export failures.
	ErrExport = errors.New("trajectory export failed")

	// ErrCancelled is recorded on a run stopped by Close or SetDataset.
	ErrCancelled = errors.New("integration cancelled")
)

const (
	defaultFenceTimeout    = 10 * time.Millisecond
	defaultFenceRetryLimit = 60000

	timingLogName = "integration"
)

var integrationColumns = []string{
	"run", "compute_shader_duration", "dataset_path", "dataset_dimensions", "work_group_size", "seed_spawn",
	"timestep", "integration_steps", "batch_size", "explicit_interpolation", "analytic",
}

// Integrator owns the compute pipelines, the current Integration and the line pipeline drawing it.
type Integrator interface {
	// SetDataset switches the dataset integrated by later runs. The running worker is cancelled and
	// joined, the device is waited idle, and the current integration and pipelines are destroyed.
	// The run counter restarts and the timing log is closed.
	//
	// Parameters:
	//   - ds: the new dataset, or nil to unbind
	//
	// Returns:
	//   - error: error from waiting on the device
	SetDataset(ds dataset.Dataset) error

	// Dataset returns the bound dataset, or nil.
	//
	// Returns:
	//   - dataset.Dataset: the bound dataset
	Dataset() dataset.Dataset

	// SetParameters replaces the parameters of the next run. Pipelines built for other
	// specialization inputs are marked stale.
	//
	// Parameters:
	//   - p: the new parameters
	//
	// Returns:
	//   - error: an error wrapping ErrInvalidParameters
	SetParameters(p Parameters) error

	// Parameters returns the parameters of the next run.
	//
	// Returns:
	//   - Parameters: the current parameters
	Parameters() Parameters

	// PipelineState returns the status of the compute pipelines.
	//
	// Returns:
	//   - PipelineState: the pipeline status and key
	PipelineState() PipelineState

	// RequestIntegration enqueues a run. Requests made while one is already pending are merged, and a
	// request made during a run is served once that run finished.
	RequestIntegration()

	// CheckForIntegration starts a requested run if no run is in progress. It is the only place runs
	// start and must be called from the frame loop.
	//
	// Returns:
	//   - bool: true if a run was started
	//   - error: error if the run could not be prepared; the previous integration is kept
	CheckForIntegration() (bool, error)

	// IntegrationInProgress reports whether a worker is running.
	//
	// Returns:
	//   - bool: true while a run has not finished
	IntegrationInProgress() bool

	// Integration returns the current run, or nil.
	//
	// Returns:
	//   - *Integration: the current integration
	Integration() *Integration

	// Run returns the number of runs started for the current dataset.
	//
	// Returns:
	//   - int: the run counter
	Run() int

	// Wait blocks until the current run finished.
	//
	// Returns:
	//   - error: the run's error, ErrNoIntegration if none was started
	Wait() error

	// RenderState returns the line appearance, with VelocityMax following the current run.
	//
	// Returns:
	//   - RenderState: the render state
	RenderState() RenderState

	// SetRenderState replaces the line appearance. Scaling is derived from the dataset and ignored.
	//
	// Parameters:
	//   - rs: the new render state
	SetRenderState(rs RenderState)

	// Render draws every seed's polyline of the current integration, including a run still in progress.
	//
	// Parameters:
	//   - pass: the frame's render pass
	//   - viewProjection: the camera's column-major view-projection matrix
	//
	// Returns:
	//   - error: error from the draw
	Render(pass device.RenderPass, viewProjection [16]float32) error

	// DownloadTrajectories writes <base>_length.bin and <base>_trajectory.bin from the finished run.
	// Files written before a failure are left in place.
	//
	// Parameters:
	//   - base: path prefix of the two files
	//
	// Returns:
	//   - error: ErrNoIntegration, ErrIntegrationInProgress, or an error wrapping ErrExport
	DownloadTrajectories(base string) error

	// ReadTrajectories downloads the finished run and returns one polyline per seed.
	//
	// Returns:
	//   - []Trajectory: the trajectories in seed order
	//   - error: ErrNoIntegration, ErrIntegrationInProgress, or an error wrapping ErrExport
	ReadTrajectories() ([]Trajectory, error)

	// Close cancels and joins the worker, waits for the device and releases every resource.
	//
	// Returns:
	//   - error: error from waiting on the device
	Close() error
}

type integrator struct {
	device device.Device

	mu            sync.Mutex
	dataset       dataset.Dataset
	params        Parameters
	renderState   RenderState
	run           int
	integration   *Integration
	pipelineState PipelineState
	seedPipeline  device.Pipeline
	tracePipeline device.Pipeline
	linePipeline  device.Pipeline
	timing        *profiler.TimingLog
	closed        bool

	requests chan struct{}
	cancel   atomic.Bool

	fenceTimeout    time.Duration
	fenceRetryLimit int
	logDir          string
	timingWriter    io.Writer
}

var _ Integrator = &integrator{}

// New creates an Integrator with no dataset. Pipelines and buffers are created by the first run.
//
// Parameters:
//   - dev: the device to run on
//   - options: a variadic list of IntegratorBuilderOption functions
//
// Returns:
//   - Integrator: the integrator
func New(dev device.Device, options ...IntegratorBuilderOption) Integrator {
	i := &integrator{
		device:          dev,
		params:          DefaultParameters(),
		renderState:     DefaultRenderState(),
		requests:        make(chan struct{}, 1),
		fenceTimeout:    defaultFenceTimeout,
		fenceRetryLimit: defaultFenceRetryLimit,
	}
	for _, option := range options {
		option(i)
	}
	return i
}

func (i *integrator) SetDataset(ds dataset.Dataset) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.stopWorker()
	select {
	case <-i.requests:
	default:
	}

	err := i.device.WaitIdle()
	i.releaseIntegration()
	i.releasePipelines()
	i.closeTiming()
	i.run = 0
	i.dataset = ds
	i.renderState.Scaling = 1
	if ds != nil {
		i.renderState.Scaling = scalingFor(ds.DataSource().Dimensions())
		logger.Logger().Info("integrator dataset bound", "path", ds.DataSource().Path())
	}
	return err
}

func (i *integrator) Dataset() dataset.Dataset {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dataset
}

func (i *integrator) SetParameters(p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.params = p
	if i.pipelineState.Status == PipelineValid {
		if key, err := pipelineKeyFor(p, i.dataset); err != nil || NeedsRebuild(i.pipelineState.Key, key) {
			i.pipelineState = i.pipelineState.Invalidate()
		}
	}
	return nil
}

func (i *integrator) Parameters() Parameters {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.params
}

func (i *integrator) PipelineState() PipelineState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pipelineState
}

func (i *integrator) RequestIntegration() {
	select {
	case i.requests <- struct{}{}:
	default:
	}
}

func (i *integrator) CheckForIntegration() (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return false, nil
	}
	if i.integration != nil && !i.integration.finished() {
		return false, nil
	}
	select {
	case <-i.requests:
	default:
		return false, nil
	}

	j, err := i.prepare()
	if err != nil {
		logger.Logger().Error("failed to start integration", "error", err)
		return false, err
	}
	i.cancel.Store(false)
	go i.integrate(j)
	return true, nil
}

func (i *integrator) IntegrationInProgress() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.integration != nil && !i.integration.finished()
}

func (i *integrator) Integration() *Integration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.integration
}

func (i *integrator) Run() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.run
}

func (i *integrator) Wait() error {
	in := i.Integration()
	if in == nil {
		return ErrNoIntegration
	}
	<-in.Done()
	return in.Err()
}

func (i *integrator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true

	i.stopWorker()
	err := i.device.WaitIdle()
	i.releaseIntegration()
	i.releasePipelines()
	if i.linePipeline != nil {
		i.linePipeline.Release()
		i.linePipeline = nil
	}
	i.closeTiming()
	i.dataset = nil
	return err
}

// prepare validates the request, rebuilds stale pipelines and allocates the next integration.
// The previous integration is only destroyed once the new one exists. Called with i.mu held and no
// worker running.
func (i *integrator) prepare() (*job, error) {
	p := i.params
	if err := p.Validate(); err != nil {
		return nil, err
	}
	key, err := pipelineKeyFor(p, i.dataset)
	if err != nil {
		return nil, err
	}

	var (
		dims     common.Vec4u
		bindings []device.Binding
		path     = "analytic"
	)
	if key.Variant == shader.VariantIntegrateAnalytic {
		dims = p.AnalyticDimensions
		if !p.Analytic {
			dims = i.dataset.DataSource().Dimensions()
		}
	} else {
		ds := i.dataset
		if !ds.Loaded() || !ds.Transitioned() {
			return nil, fmt.Errorf("%w: %s is not loaded and transitioned", ErrNoDataset, ds.DataSource().Path())
		}
		dims = ds.DataSource().Dimensions()
		path = ds.DataSource().Path()
		bindings = append(bindings, device.Binding{Binding: shader.BindingSampler, Sampler: ds.Sampler()})
		for n, img := range ds.Images() {
			bindings = append(bindings, device.Binding{Binding: shader.FirstImageBinding + uint32(n), Image: img})
		}
	}

	if i.pipelineState.Requires(key) {
		if err := i.buildPipelines(key); err != nil {
			return nil, err
		}
	}
	if i.linePipeline == nil {
		s, err := shader.NewRenderShader(shader.VariantLines, shader.Specialization{})
		if err != nil {
			return nil, err
		}
		if i.linePipeline, err = i.device.CreateRenderPipeline(s); err != nil {
			return nil, err
		}
	}
	if i.timing == nil {
		if err := i.openTiming(); err != nil {
			return nil, err
		}
	}

	run := i.run + 1
	next, err := newIntegration(i.device, run, p, dims, key)
	if err != nil {
		return nil, err
	}
	// frames may still draw the old buffers
	if err := i.device.WaitIdle(); err != nil {
		next.release()
		return nil, err
	}
	i.releaseIntegration()
	i.integration = next
	i.run = run

	bindings = append(bindings,
		device.Binding{Binding: shader.BindingLineBuffer, Buffer: next.lineBuffer},
		device.Binding{Binding: shader.BindingMaxVelocity, Buffer: next.maxVelocityBuffer},
		device.Binding{Binding: shader.BindingIndirect, Buffer: next.indirectBuffer},
	)
	logger.Logger().Info("integration started",
		"run", run,
		"pipeline", key,
		"seeds", p.SeedCount(),
		"steps", p.IntegrationSteps,
		"batches", p.BatchCount(),
	)
	return &job{
		in:          next,
		seed:        i.seedPipeline,
		trace:       i.tracePipeline,
		bindings:    bindings,
		datasetPath: path,
		timing:      i.timing,
		constants: shader.IntegrationConstants{
			DatasetDimensions: dims,
			SeedDimensions:    common.Vec4u{p.SeedSpawn[0], p.SeedSpawn[1], p.SeedSpawn[2], 0},
			DeltaTime:         p.DeltaTime,
			TotalStepCount:    p.IntegrationSteps,
		},
	}, nil
}

func (i *integrator) buildPipelines(key PipelineKey) error {
	spec := key.Specialization()
	seedShader, err := shader.NewComputeShader(shader.VariantSeed, spec)
	if err != nil {
		return err
	}
	traceShader, err := shader.NewComputeShader(key.Variant, spec)
	if err != nil {
		return err
	}
	seed, err := i.device.CreateComputePipeline(seedShader)
	if err != nil {
		return err
	}
	trace, err := i.device.CreateComputePipeline(traceShader)
	if err != nil {
		seed.Release()
		return err
	}

	i.releasePipelines()
	i.seedPipeline, i.tracePipeline = seed, trace
	i.pipelineState = Valid(key)
	logger.Logger().Debug("integration pipelines built", "key", key)
	return nil
}

// stopWorker cancels the running worker at its next batch boundary and joins it.
func (i *integrator) stopWorker() {
	if i.integration == nil || i.integration.finished() {
		return
	}
	i.cancel.Store(true)
	<-i.integration.done
}

func (i *integrator) releaseIntegration() {
	if i.integration != nil {
		i.integration.release()
		i.integration = nil
	}
}

func (i *integrator) releasePipelines() {
	if i.seedPipeline != nil {
		i.seedPipeline.Release()
	}
	if i.tracePipeline != nil {
		i.tracePipeline.Release()
	}
	i.seedPipeline, i.tracePipeline = nil, nil
	i.pipelineState = PipelineState{}
}

func (i *integrator) openTiming() error {
	if i.timingWriter != nil {
		i.timing = profiler.NewTimingLog(timingLogName, i.timingWriter)
		return nil
	}
	t, err := profiler.CreateTimingLog(i.logDir, timingLogName)
	if err != nil {
		return err
	}
	i.timing = t
	return nil
}

func (i *integrator) closeTiming() {
	if i.timing == nil {
		return
	}
	if err := i.timing.Close(); err != nil {
		logger.Logger().Warn("failed to close integration timing log", "error", err)
	}
	i.timing = nil
}
