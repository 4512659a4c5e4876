// Package engine runs the viewer: a render goroutine that drives the app once per frame, a slower
// tick goroutine for reporting, and the window's event loop on the calling thread.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/app"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/profiler"
	"github.com/Carmen-Shannon/oxy-flow/engine/window"
)

type engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	window window.Window
	app    app.App

	profiler  *profiler.Profiler
	profiling atomic.Bool

	// tickPeriod and framePeriod are nanoseconds; framePeriod 0 leaves the render loop uncapped
	tickPeriod  atomic.Int64
	framePeriod atomic.Int64
	retick      chan struct{}

	onTick  func(deltaTime float32)
	onFrame func(deltaTime float32)
}

// Engine drives an app from a render loop and a tick loop, next to the window's event loop.
type Engine interface {
	// Window returns the window whose events Run processes.
	//
	// Returns:
	//   - window.Window: the window, nil when running headless
	Window() window.Window

	// App returns the app driven by the render loop.
	//
	// Returns:
	//   - app.App: the app, or nil
	App() app.App

	// EnableProfiler logs frame statistics from the render loop.
	EnableProfiler()

	// DisableProfiler stops logging frame statistics.
	DisableProfiler()

	// SetTickRate sets how often the tick callback runs. It applies immediately while running.
	//
	// Parameters:
	//   - hz: ticks per second (defaults to 60 if <= 0)
	SetTickRate(hz float64)

	// SetTickCallback registers the function called each tick.
	// Use this for progress reporting and other work that does not touch the device.
	//
	// Parameters:
	//   - callback: function receiving the time since the previous tick in seconds
	SetTickCallback(callback func(deltaTime float32))

	// SetRenderCallback registers the function called each frame, after the app's frame.
	//
	// Parameters:
	//   - callback: function receiving the time since the previous frame in seconds
	SetRenderCallback(callback func(deltaTime float32))

	// SetRenderFrameLimit caps the render loop.
	//
	// Parameters:
	//   - fps: maximum frames per second (0 = uncapped)
	SetRenderFrameLimit(fps float64)

	// Run starts the loops. With a window it blocks until the window closes, without one until
	// Quit is called. Both loops have returned when Run does.
	Run()

	// Quit stops the loops and asks the window to close. Safe to call more than once and from
	// any goroutine, including the callbacks.
	Quit()
}

var _ Engine = &engine{}

// NewEngine creates an engine. When both a window and an app are given, the window's input is
// routed to the app: keys through app.HandleKey, drag and scroll to the camera, dropped files to
// LoadDataset and resizes to the device and the camera aspect.
//
// Parameters:
//   - options: functional options for engine configuration (window, app, profiling, rates)
//
// Returns:
//   - Engine: the engine
func NewEngine(options ...EngineBuilderOption) Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		ctx:      ctx,
		cancel:   cancel,
		profiler: profiler.NewProfiler(),
		retick:   make(chan struct{}, 1),
	}
	e.tickPeriod.Store(int64(periodOf(60)))

	for _, opt := range options {
		opt(e)
	}

	if e.window != nil && e.app != nil {
		e.bindInput()
	}
	return e
}

// periodOf converts a rate in Hz to a period; non-positive rates give 0.
func periodOf(hz float64) time.Duration {
	if hz <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

// bindInput routes window events to the app.
func (e *engine) bindInput() {
	a := e.app
	e.window.SetResizeCallback(func(width, height int) {
		a.Device().Resize(width, height)
		if height > 0 {
			a.Camera().SetAspect(float32(width) / float32(height))
		}
	})
	e.window.SetKeyDownCallback(func(keyCode uint32) {
		app.HandleKey(a, keyCode)
	})
	e.window.SetScrollCallback(a.Camera().Zoom)
	e.window.SetDragCallback(a.Camera().Orbit)
	e.window.SetDropCallback(func(paths []string) {
		if len(paths) == 0 {
			return
		}
		if err := a.LoadDataset(paths[0]); err != nil {
			logger.Logger().Error("failed to load dropped dataset", "path", paths[0], "error", err)
		}
	})
	if h := e.window.Height(); h > 0 {
		a.Camera().SetAspect(float32(e.window.Width()) / float32(h))
	}
}

func (e *engine) Window() window.Window {
	return e.window
}

func (e *engine) App() app.App {
	return e.app
}

func (e *engine) EnableProfiler() {
	e.profiling.Store(true)
}

func (e *engine) DisableProfiler() {
	e.profiling.Store(false)
}

func (e *engine) SetTickRate(hz float64) {
	if hz <= 0 {
		hz = 60
	}
	e.tickPeriod.Store(int64(periodOf(hz)))
	select {
	case e.retick <- struct{}{}:
	default:
	}
}

func (e *engine) SetTickCallback(callback func(deltaTime float32)) {
	e.onTick = callback
}

func (e *engine) SetRenderCallback(callback func(deltaTime float32)) {
	e.onFrame = callback
}

func (e *engine) SetRenderFrameLimit(fps float64) {
	e.framePeriod.Store(int64(periodOf(fps)))
}

func (e *engine) Run() {
	e.loops.Add(2)
	go e.tickLoop()
	go e.renderLoop()

	if e.window != nil {
		e.window.ProcessMessages()
		e.cancel()
	} else {
		<-e.ctx.Done()
	}
	e.loops.Wait()
}

func (e *engine) Quit() {
	e.cancel()
	if e.window != nil {
		e.window.RequestClose()
	}
}

// tickLoop calls the tick callback at the tick rate until the engine stops.
func (e *engine) tickLoop() {
	defer e.loops.Done()

	ticker := time.NewTicker(time.Duration(e.tickPeriod.Load()))
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.retick:
			ticker.Reset(time.Duration(e.tickPeriod.Load()))
		case now := <-ticker.C:
			dt := float32(now.Sub(last).Seconds())
			last = now
			if e.onTick != nil {
				e.onTick(dt)
			}
		}
	}
}

// renderLoop runs frames until the engine stops. A panic inside a frame stops the engine instead
// of the process.
func (e *engine) renderLoop() {
	defer e.loops.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Logger().Error("render loop recovered from panic", "panic", r)
			e.Quit()
		}
	}()

	last := time.Now()
	for e.ctx.Err() == nil {
		start := time.Now()
		e.frame(float32(start.Sub(last).Seconds()))
		last = start

		if limit := time.Duration(e.framePeriod.Load()); limit > 0 {
			if remaining := limit - time.Since(start); remaining > 0 {
				select {
				case <-time.After(remaining):
				case <-e.ctx.Done():
				}
			}
		}
	}
}

// frame runs the app's frame, then the render callback. Frame errors are logged; the loop goes on.
func (e *engine) frame(dt float32) {
	if e.app != nil {
		if err := e.app.Frame(); err != nil {
			logger.Logger().Warn("frame failed", "error", err)
		}
	}
	if e.onFrame != nil {
		e.onFrame(dt)
	}
	if e.profiling.Load() {
		e.profiler.Tick()
	}
}
