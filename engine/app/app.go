// Package app is the application shell tying the dataset, its debug view and the integrator
// to one device. It is driven once per frame by the engine loop, or directly in benchmark mode.
package app

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/camera"
	"github.com/Carmen-Shannon/oxy-flow/engine/config"
	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/integrator"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/view"
)

// ErrClosed is returned by operations on a closed App.
var ErrClosed = errors.New("app closed")

// App owns the loaded dataset, its view and the integrator.
type App interface {
	// Config returns the configuration the app was built with.
	//
	// Returns:
	//   - *config.Config: the configuration
	Config() *config.Config

	// Device returns the device every resource is created on.
	//
	// Returns:
	//   - device.Device: the device
	Device() device.Device

	// Camera returns the orbit camera used for the trajectory lines.
	//
	// Returns:
	//   - camera.Camera: the camera
	Camera() camera.Camera

	// Integrator returns the integrator.
	//
	// Returns:
	//   - integrator.Integrator: the integrator
	Integrator() integrator.Integrator

	// Dataset returns the loaded dataset, or nil.
	//
	// Returns:
	//   - dataset.Dataset: the dataset
	Dataset() dataset.Dataset

	// View returns the debug view of the loaded dataset, or nil.
	//
	// Returns:
	//   - view.View: the view
	View() view.View

	// LoadDataset opens path and starts streaming it. On failure the current dataset stays loaded.
	// A previously loaded dataset is replaced once the new one was opened.
	//
	// Parameters:
	//   - path: a raw or KTX dataset file
	//
	// Returns:
	//   - error: error if the file cannot be opened or the dataset cannot be created
	LoadDataset(path string) error

	// Unload schedules the loaded dataset to be released at the start of the next Update.
	Unload()

	// Integrate requests an integration run. It starts during a later Update.
	Integrate()

	// Update runs the per-frame work: a pending unload, the dataset layout transition and starting
	// a requested integration. A request made while the dataset is still streaming waits for it.
	//
	// Returns:
	//   - bool: true if an integration run was started
	//   - error: error from the transition or from preparing the run
	Update() (bool, error)

	// Render draws the dataset view and the trajectory lines.
	//
	// Parameters:
	//   - pass: the frame's render pass
	//
	// Returns:
	//   - error: error if a draw could not be recorded
	Render(pass device.RenderPass) error

	// Frame runs Update, then renders one frame if the device has a surface.
	//
	// Returns:
	//   - error: error from Update, frame acquisition or drawing
	Frame() error

	// Export writes the trajectories of the last completed run to <base>_length.bin and
	// <base>_trajectory.bin.
	//
	// Parameters:
	//   - base: path prefix of the two files
	//
	// Returns:
	//   - error: an error wrapping integrator.ErrExport, ErrNoIntegration or ErrIntegrationInProgress
	Export(base string) error

	// Close unbinds and releases everything. The device is not released.
	//
	// Returns:
	//   - error: joined errors from the integrator and the dataset
	Close() error
}

type app struct {
	mu sync.Mutex

	cfg        *config.Config
	device     device.Device
	camera     camera.Camera
	integrator integrator.Integrator

	dataset dataset.Dataset
	view    view.View

	datasetOptions    []dataset.DatasetBuilderOption
	integratorOptions []integrator.IntegratorBuilderOption

	// transition resources, created on first use
	transitionCB    device.CommandBuffer
	transitionFence device.Fence

	unload atomic.Bool
	closed bool
}

var _ App = &app{}

// New creates the app shell on dev. The integrator is configured from cfg; options may add to or
// override that configuration.
//
// Parameters:
//   - dev: the device
//   - cfg: the application configuration, nil for the defaults
//   - options: functional options to configure the app
//
// Returns:
//   - App: the app
func New(dev device.Device, cfg *config.Config, options ...AppBuilderOption) App {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	a := &app{
		cfg:    cfg,
		device: dev,
		datasetOptions: []dataset.DatasetBuilderOption{
			dataset.WithStagingBufferCount(cfg.Loader.StagingBuffers),
			dataset.WithFenceTimeout(cfg.LoaderFenceTimeout()),
			dataset.WithFenceRetryLimit(cfg.Loader.FenceRetryLimit),
			dataset.WithLogDir(cfg.Loader.LogDir),
		},
		integratorOptions: []integrator.IntegratorBuilderOption{
			integrator.WithParameters(integrator.ParametersFromConfig(cfg)),
			integrator.WithRenderState(integrator.RenderStateFromConfig(cfg)),
			integrator.WithFenceTimeout(cfg.IntegrationFenceTimeout()),
			integrator.WithLogDir(cfg.Integration.LogDir),
		},
	}
	for _, option := range options {
		option(a)
	}
	if a.camera == nil {
		// lines are drawn in the unit cube
		a.camera = camera.NewCamera(camera.WithTarget(common.Vec3{0.5, 0.5, 0.5}))
	}
	a.integrator = integrator.New(dev, a.integratorOptions...)
	return a
}

func (a *app) Config() *config.Config {
	return a.cfg
}

func (a *app) Device() device.Device {
	return a.device
}

func (a *app) Camera() camera.Camera {
	return a.camera
}

func (a *app) Integrator() integrator.Integrator {
	return a.integrator
}

func (a *app) Dataset() dataset.Dataset {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataset
}

func (a *app) View() view.View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

func (a *app) LoadDataset(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	src, err := datasource.Open(path)
	if err != nil {
		return err
	}
	ds, err := dataset.New(a.device, src, a.datasetOptions...)
	if err != nil {
		src.Close()
		return err
	}
	v, err := view.New(a.device, ds)
	if err != nil {
		ds.Close()
		return fmt.Errorf("dataset view: %w", err)
	}

	old, oldView := a.dataset, a.view
	// joins the running integration and waits the device idle before anything is freed
	if err := a.integrator.SetDataset(ds); err != nil {
		logger.Logger().Warn("device wait failed while switching datasets", "error", err)
	}
	a.dataset, a.view = ds, v
	a.unload.Store(false)

	if oldView != nil {
		oldView.Release()
	}
	if old != nil {
		if err := old.Close(); err != nil {
			logger.Logger().Warn("failed to close previous dataset", "path", old.DataSource().Path(), "error", err)
		}
	}
	logger.Logger().Info("dataset loading", "path", path)
	return nil
}

func (a *app) Unload() {
	a.unload.Store(true)
}

func (a *app) Integrate() {
	a.integrator.RequestIntegration()
}

func (a *app) Update() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}

	if a.unload.Swap(false) {
		if err := a.unloadDataset(); err != nil {
			return false, err
		}
	}
	if err := a.transition(); err != nil {
		return false, err
	}
	// a request made while the dataset streams stays queued until the transition
	if ds := a.dataset; ds != nil && !ds.Transitioned() && !ds.Failed() && !a.integrator.Parameters().Analytic {
		return false, nil
	}
	return a.integrator.CheckForIntegration()
}

func (a *app) Render(pass device.RenderPass) error {
	a.mu.Lock()
	v := a.view
	a.mu.Unlock()

	if v != nil {
		if err := v.Render(pass); err != nil {
			return err
		}
	}
	return a.integrator.Render(pass, a.camera.ViewProjectionMatrix())
}

func (a *app) Frame() error {
	if _, err := a.Update(); err != nil {
		return err
	}
	pass, err := a.device.BeginFrame()
	if errors.Is(err, device.ErrNoSurface) {
		return nil
	}
	if err != nil {
		return err
	}
	renderErr := a.Render(pass)
	return errors.Join(renderErr, a.device.EndFrame())
}

func (a *app) Export(base string) error {
	return a.integrator.DownloadTrajectories(base)
}

func (a *app) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	errs := []error{a.integrator.Close()}
	if a.view != nil {
		a.view.Release()
		a.view = nil
	}
	if a.dataset != nil {
		errs = append(errs, a.dataset.Close())
		a.dataset = nil
	}
	if a.transitionCB != nil {
		a.transitionCB.Release()
	}
	if a.transitionFence != nil {
		a.transitionFence.Release()
	}
	return errors.Join(errs...)
}

// unloadDataset releases the dataset after the device is idle. Caller must hold a.mu.
func (a *app) unloadDataset() error {
	if a.dataset == nil {
		return nil
	}
	if err := a.device.WaitIdle(); err != nil {
		return err
	}
	if err := a.integrator.SetDataset(nil); err != nil {
		return err
	}
	if a.view != nil {
		a.view.Release()
		a.view = nil
	}
	ds := a.dataset
	a.dataset = nil
	logger.Logger().Info("dataset unloaded", "path", ds.DataSource().Path())
	return ds.Close()
}

// transition records the one-time layout transition of a freshly loaded dataset on the graphics
// queue and waits for it. Caller must hold a.mu.
func (a *app) transition() error {
	ds := a.dataset
	if ds == nil || !ds.Loaded() || ds.Transitioned() {
		return nil
	}

	if a.transitionCB == nil {
		cb, err := a.device.CreateCommandBuffer(device.QueueGraphics)
		if err != nil {
			return err
		}
		fence, err := a.device.CreateFence(false)
		if err != nil {
			cb.Release()
			return err
		}
		a.transitionCB, a.transitionFence = cb, fence
	}
	if err := a.transitionFence.Reset(); err != nil {
		return err
	}
	if err := a.transitionCB.Begin(); err != nil {
		return err
	}
	recorded := ds.TransitionIfNecessary(a.transitionCB)
	if err := a.transitionCB.End(); err != nil {
		return err
	}
	if !recorded {
		return nil
	}
	if err := a.device.Queue(device.QueueGraphics).Submit(a.transitionCB, a.transitionFence); err != nil {
		return err
	}
	if err := a.transitionFence.Wait(a.cfg.LoaderFenceTimeout() * time.Duration(a.cfg.Loader.FenceRetryLimit)); err != nil {
		return fmt.Errorf("dataset transition: %w", err)
	}
	logger.Logger().Debug("dataset images transitioned", "path", ds.DataSource().Path())
	return nil
}
