package view

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-flow/engine/dataset"
	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
)

// View draws one depth slice of one (channel, time) image of a dataset over the viewport.
// Positions are clamped to the dataset extent; the image is rebound whenever channel or time change.
type View interface {
	// Dataset returns the dataset shown.
	//
	// Returns:
	//   - dataset.Dataset: the dataset
	Dataset() dataset.Dataset

	// Visible reports whether Render draws anything.
	//
	// Returns:
	//   - bool: true if visible
	Visible() bool

	// SetVisible shows or hides the view.
	//
	// Parameters:
	//   - visible: true to draw
	SetVisible(visible bool)

	// Channel returns the selected velocity channel.
	//
	// Returns:
	//   - int: the channel index
	Channel() int

	// SetChannel selects a channel, clamped to [0, channelCount).
	//
	// Parameters:
	//   - channel: the channel index
	SetChannel(channel int)

	// Slice returns the selected depth slice.
	//
	// Returns:
	//   - int: the z index
	Slice() int

	// SetSlice selects a depth slice, clamped to [0, depth).
	//
	// Parameters:
	//   - z: the z index
	SetSlice(z int)

	// Time returns the selected time step.
	//
	// Returns:
	//   - int: the time index
	Time() int

	// SetTime selects a time step, clamped to [0, timeSteps).
	//
	// Parameters:
	//   - step: the time index
	SetTime(step int)

	// Range returns the values mapped to black and white.
	//
	// Returns:
	//   - float32: value shown as black
	//   - float32: value shown as white
	Range() (float32, float32)

	// SetRange sets the displayed value range. An empty or inverted range is ignored.
	//
	// Parameters:
	//   - lo: value shown as black
	//   - hi: value shown as white
	SetRange(lo, hi float32)

	// Image returns the image currently bound, or nil if it was not uploaded yet.
	//
	// Returns:
	//   - device.Image: the bound image
	Image() device.Image

	// Render draws the bound slice. It draws nothing while hidden, before the dataset images were
	// transitioned, or for analytic datasets.
	//
	// Parameters:
	//   - pass: the frame's render pass
	//
	// Returns:
	//   - error: error if the draw could not be recorded
	Render(pass device.RenderPass) error

	// Release destroys the slice pipeline. The dataset is not closed.
	Release()
}

type view struct {
	mu sync.Mutex

	device   device.Device
	dataset  dataset.Dataset
	pipeline device.Pipeline

	visible bool
	channel int
	slice   int
	step    int
	lo, hi  float32

	bound device.Image
}

var _ View = &view{}

// New creates a view of ds starting at channel 0, the middle depth slice and time step 0.
//
// Parameters:
//   - dev: the device drawing the view
//   - ds: the dataset to show
//   - options: functional options to configure the view
//
// Returns:
//   - View: the view
//   - error: error if the slice pipeline could not be built
func New(dev device.Device, ds dataset.Dataset, options ...ViewBuilderOption) (View, error) {
	if ds == nil {
		return nil, fmt.Errorf("view needs a dataset")
	}
	v := &view{
		device:  dev,
		dataset: ds,
		visible: true,
		slice:   int(ds.DataSource().Dimensions()[2]) / 2,
		lo:      -1,
		hi:      1,
	}
	for _, option := range options {
		option(v)
	}

	spec := shader.Specialization{ArrayImages: ds.DataSource().Format() == datasource.FormatBC6H}
	s, err := shader.NewRenderShader(shader.VariantSliceView, spec)
	if err != nil {
		return nil, err
	}
	if v.pipeline, err = dev.CreateRenderPipeline(s); err != nil {
		return nil, err
	}

	v.clamp()
	v.rebind()
	return v, nil
}

func (v *view) Dataset() dataset.Dataset {
	return v.dataset
}

func (v *view) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *view) SetVisible(visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visible = visible
}

func (v *view) Channel() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.channel
}

func (v *view) SetChannel(channel int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.channel = channel
	v.clamp()
	v.rebind()
}

func (v *view) Slice() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.slice
}

func (v *view) SetSlice(z int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.slice = z
	v.clamp()
}

func (v *view) Time() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.step
}

func (v *view) SetTime(step int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.step = step
	v.clamp()
	v.rebind()
}

func (v *view) Range() (float32, float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lo, v.hi
}

func (v *view) SetRange(lo, hi float32) {
	if !(hi > lo) {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lo, v.hi = lo, hi
}

func (v *view) Image() device.Image {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bound
}

func (v *view) Render(pass device.RenderPass) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.visible || v.pipeline == nil || !v.dataset.Transitioned() {
		return nil
	}
	if v.bound == nil {
		v.rebind()
		if v.bound == nil {
			return nil
		}
	}
	u := shader.SliceUniforms{Layer: uint32(v.slice), ValueMin: v.lo, ValueMax: v.hi}
	return pass.DrawSlice(v.pipeline, v.bound, u.Bytes())
}

func (v *view) Release() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pipeline != nil {
		v.pipeline.Release()
		v.pipeline = nil
	}
	v.bound = nil
}

// clamp keeps the position inside the dataset extent. Caller must hold the mutex.
func (v *view) clamp() {
	src := v.dataset.DataSource()
	dims := src.Dimensions()
	v.channel = clampIndex(v.channel, src.ChannelCount())
	v.slice = clampIndex(v.slice, int(dims[2]))
	v.step = clampIndex(v.step, int(dims[3]))
}

// rebind looks up the image of the current channel and time. Caller must hold the mutex.
func (v *view) rebind() {
	img, ok := v.dataset.Image(v.channel, v.step)
	if img != v.bound {
		logger.Logger().Debug("dataset view rebound", "channel", v.channel, "time", v.step, "available", ok)
	}
	v.bound = img
}

func clampIndex(i, n int) int {
	return max(0, min(i, n-1))
}
