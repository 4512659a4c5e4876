// Package dataset materializes a datasource.DataSource on the device: one image per (channel, time)
// slice, streamed by a background loader through a bounded pool of staging buffers.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/profiler"
)

var (
	// ErrLoadFailed wraps any device failure that aborted a load.
	ErrLoadFailed = errors.New("dataset load failed")

	// ErrFenceRetriesExhausted is returned when a transfer fence stayed unsignaled for the whole retry budget.
	ErrFenceRetriesExhausted = errors.New("fence retries exhausted")

	// ErrCancelled is recorded when the dataset was closed before every slice was uploaded.
	ErrCancelled = errors.New("dataset load cancelled")
)

const (
	defaultStagingCount    = 2
	defaultFenceTimeout    = time.Millisecond
	defaultFenceRetryLimit = 600000

	timingLogName = "dataset_load"
)

// Dataset is the device-side copy of one DataSource.
type Dataset interface {
	// DataSource returns the source the dataset streams from.
	//
	// Returns:
	//   - datasource.DataSource: the owned data source
	DataSource() datasource.DataSource

	// LoadingState returns the observable load progress.
	//
	// Returns:
	//   - *LoadingState: the loading state, safe to snapshot from any goroutine
	LoadingState() *LoadingState

	// Images returns a copy of the images created so far, indexed channel*timeSteps + time.
	// The list only grows; once loading finished it holds channelCount*timeSteps images.
	//
	// Returns:
	//   - []device.Image: the images created so far
	Images() []device.Image

	// Image returns the image of slice (channel, step).
	//
	// Parameters:
	//   - channel: the channel index
	//   - step: the time step index
	//
	// Returns:
	//   - device.Image: the image
	//   - bool: false if the slice is out of range or not created yet
	Image(channel, step int) (device.Image, bool)

	// Sampler returns the clamp-to-edge linear sampler shared by every image.
	//
	// Returns:
	//   - device.Sampler: the sampler
	Sampler() device.Sampler

	// TransitionIfNecessary records the transition of every image to shader-read layout, once, after
	// loading finished. It must be recorded into a command buffer on the graphics or compute queue.
	//
	// Parameters:
	//   - cb: a recording command buffer
	//
	// Returns:
	//   - bool: true if the transitions were recorded by this call
	TransitionIfNecessary(cb device.CommandBuffer) bool

	// Transitioned reports whether the layout transition has been recorded.
	//
	// Returns:
	//   - bool: true after TransitionIfNecessary recorded
	Transitioned() bool

	// Loaded reports whether every slice has been uploaded.
	Loaded() bool

	// Failed reports whether the load ended in the error state.
	Failed() bool

	// LoadingTime returns the elapsed load time, frozen once the load ends.
	LoadingTime() time.Duration

	// Done is closed when the loader goroutine has exited.
	Done() <-chan struct{}

	// Wait blocks until the loader goroutine exits.
	//
	// Returns:
	//   - error: the load error, or nil if loading finished
	Wait() error

	// Close cancels an unfinished load, joins the loader, waits for the device to go idle and releases
	// every image, the sampler and the data source.
	//
	// Returns:
	//   - error: error from waiting on the device or closing the data source
	Close() error
}

type dataset struct {
	device device.Device
	source datasource.DataSource
	state  *LoadingState

	mu           sync.RWMutex
	images       []device.Image
	sampler      device.Sampler
	transitioned bool
	closed       bool

	cancelled atomic.Bool
	done      chan struct{}

	stagingCount    int
	fenceTimeout    time.Duration
	fenceRetryLimit int
	timingWriter    io.Writer
	logDir          string
	timing          *profiler.TimingLog
}

var _ Dataset = &dataset{}

// New creates the dataset's sampler and starts streaming src into device images on a background
// goroutine. The dataset takes ownership of src.
//
// Parameters:
//   - dev: the device to upload to
//   - src: the opened data source
//   - options: a variadic list of DatasetBuilderOption functions
//
// Returns:
//   - Dataset: the loading dataset
//   - error: error if the sampler or timing log cannot be created
func New(dev device.Device, src datasource.DataSource, options ...DatasetBuilderOption) (Dataset, error) {
	d := &dataset{
		device:          dev,
		source:          src,
		state:           newLoadingState(src.ChannelCount() * int(src.Dimensions()[3])),
		done:            make(chan struct{}),
		stagingCount:    defaultStagingCount,
		fenceTimeout:    defaultFenceTimeout,
		fenceRetryLimit: defaultFenceRetryLimit,
	}
	for _, option := range options {
		option(d)
	}

	switch {
	case d.timingWriter != nil:
		d.timing = profiler.NewTimingLog(timingLogName, d.timingWriter)
	default:
		t, err := profiler.CreateTimingLog(d.logDir, timingLogName)
		if err != nil {
			return nil, err
		}
		d.timing = t
	}

	sampler, err := dev.CreateSampler(device.SamplerDescriptor{Label: "Dataset Sampler", Filter: device.FilterLinear})
	if err != nil {
		d.timing.Close()
		return nil, fmt.Errorf("%w: sampler: %v", ErrLoadFailed, err)
	}
	d.sampler = sampler

	logger.Logger().Info("dataset opened",
		"path", src.Path(),
		"format", src.Format(),
		"dimensions", src.Dimensions(),
		"channels", src.ChannelCount(),
		"staging_buffers", d.stagingCount,
	)

	go d.load()
	return d, nil
}

func (d *dataset) DataSource() datasource.DataSource {
	return d.source
}

func (d *dataset) LoadingState() *LoadingState {
	return d.state
}

func (d *dataset) Images() []device.Image {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.images)
}

func (d *dataset) Image(channel, step int) (device.Image, bool) {
	steps := int(d.source.Dimensions()[3])
	if channel < 0 || channel >= d.source.ChannelCount() || step < 0 || step >= steps {
		return nil, false
	}
	i := channel*steps + step

	d.mu.RLock()
	defer d.mu.RUnlock()
	if i >= len(d.images) {
		return nil, false
	}
	return d.images[i], true
}

func (d *dataset) Sampler() device.Sampler {
	return d.sampler
}

func (d *dataset) TransitionIfNecessary(cb device.CommandBuffer) bool {
	if !d.Loaded() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transitioned || d.closed {
		return false
	}
	for _, img := range d.images {
		cb.TransitionImage(img, device.LayoutShaderReadOnly)
	}
	d.transitioned = true
	logger.Logger().Debug("dataset images transitioned", "path", d.source.Path(), "images", len(d.images))
	return true
}

func (d *dataset) Transitioned() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.transitioned
}

func (d *dataset) Loaded() bool {
	return d.state.Snapshot().State == StateFinished
}

func (d *dataset) Failed() bool {
	return d.state.Snapshot().State == StateError
}

func (d *dataset) LoadingTime() time.Duration {
	return d.state.Snapshot().LoadingTime
}

func (d *dataset) Done() <-chan struct{} {
	return d.done
}

func (d *dataset) Wait() error {
	<-d.done
	return d.state.Snapshot().Err
}

func (d *dataset) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancelled.Store(true)
	<-d.done

	// the render loop may still sample the images
	idleErr := d.device.WaitIdle()

	d.mu.Lock()
	for _, img := range d.images {
		img.Release()
	}
	d.images = nil
	if d.sampler != nil {
		d.sampler.Release()
		d.sampler = nil
	}
	d.mu.Unlock()

	closeErr := d.source.Close()
	logger.Logger().Info("dataset closed", "path", d.source.Path())
	return errors.Join(idleErr, closeErr)
}

func (d *dataset) appendImage(img device.Image) {
	d.mu.Lock()
	d.images = append(d.images, img)
	d.mu.Unlock()
}
