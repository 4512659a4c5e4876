package integrator

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
)

// Phase is the progress of one integration run.
type Phase int32

const (
	PhaseSeeding Phase = iota
	PhaseIntegrating
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseSeeding:
		return "seeding"
	case PhaseIntegrating:
		return "integrating"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// Integration is one run of the particle tracer and the buffers it fills.
// Progress and timing are atomics written by the worker goroutine; they may be read from any
// goroutine and can lag by one batch.
type Integration struct {
	run        int
	params     Parameters
	dimensions common.Vec4u
	key        PipelineKey

	lineBuffer        device.Buffer
	indirectBuffer    device.Buffer
	maxVelocityBuffer device.Buffer

	phase        atomic.Int32
	currentBatch atomic.Uint32
	complete     atomic.Bool
	cpuTime      atomic.Int64
	gpuTime      atomic.Int64
	maxVelocity  atomic.Uint32

	errMu sync.Mutex
	err   error
	done  chan struct{}
}

func newIntegration(dev device.Device, run int, p Parameters, dims common.Vec4u, key PipelineKey) (*Integration, error) {
	in := &Integration{
		run:        run,
		params:     p,
		dimensions: dims,
		key:        key,
		done:       make(chan struct{}),
	}

	var err error
	in.lineBuffer, err = dev.CreateBuffer(device.BufferDescriptor{
		Label: fmt.Sprintf("Line Buffer #%d", run),
		Size:  p.LineBufferVertices() * common.Vec4Size,
		Usage: device.BufferUsageStorage | device.BufferUsageVertex | device.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("line buffer: %w", err)
	}
	in.indirectBuffer, err = dev.CreateBuffer(device.BufferDescriptor{
		Label: fmt.Sprintf("Indirect Buffer #%d", run),
		Size:  uint64(p.SeedCount()) * common.DrawIndirectArgsSize,
		Usage: device.BufferUsageStorage | device.BufferUsageIndirect | device.BufferUsageCopySrc,
	})
	if err != nil {
		in.release()
		return nil, fmt.Errorf("indirect buffer: %w", err)
	}
	in.maxVelocityBuffer, err = dev.CreateBuffer(device.BufferDescriptor{
		Label: fmt.Sprintf("Max Velocity #%d", run),
		Size:  4,
		Usage: device.BufferUsageStorage | device.BufferUsageCopySrc,
	})
	if err != nil {
		in.release()
		return nil, fmt.Errorf("max velocity buffer: %w", err)
	}
	return in, nil
}

// Run returns the 1-based run number within the current dataset.
func (in *Integration) Run() int { return in.run }

// Parameters returns the parameters the run was started with.
func (in *Integration) Parameters() Parameters { return in.params }

// Dimensions returns the sampling domain (w, h, d, t) of the run.
func (in *Integration) Dimensions() common.Vec4u { return in.dimensions }

// Key returns the pipeline key the run was traced with.
func (in *Integration) Key() PipelineKey { return in.key }

// SeedCount returns the number of particles.
func (in *Integration) SeedCount() uint32 { return in.params.SeedCount() }

// IntegrationSteps returns the requested number of steps per particle.
func (in *Integration) IntegrationSteps() uint32 { return in.params.IntegrationSteps }

// BatchCount returns the number of batches of the run.
func (in *Integration) BatchCount() uint32 { return in.params.BatchCount() }

// CurrentBatch returns the number of batches that finished.
func (in *Integration) CurrentBatch() uint32 { return in.currentBatch.Load() }

// Phase returns the run's current phase.
func (in *Integration) Phase() Phase { return Phase(in.phase.Load()) }

// Complete reports whether every batch finished.
func (in *Integration) Complete() bool { return in.complete.Load() }

// CPUTime returns wall time since submission of the seeding pass, sampled on every fence poll.
func (in *Integration) CPUTime() time.Duration { return time.Duration(in.cpuTime.Load()) }

// GPUTime returns the summed device time of the finished submissions.
func (in *Integration) GPUTime() time.Duration { return time.Duration(in.gpuTime.Load()) }

// MaxVelocity returns the largest particle speed read back so far.
func (in *Integration) MaxVelocity() float32 { return math.Float32frombits(in.maxVelocity.Load()) }

// Progress returns CurrentBatch / BatchCount.
func (in *Integration) Progress() float64 {
	n := in.BatchCount()
	if n == 0 {
		return 0
	}
	return float64(in.CurrentBatch()) / float64(n)
}

// Done is closed when the worker goroutine finished the run, successfully or not.
func (in *Integration) Done() <-chan struct{} { return in.done }

// Err returns the failure that stopped the run, or nil.
func (in *Integration) Err() error {
	in.errMu.Lock()
	defer in.errMu.Unlock()
	return in.err
}

// LineBuffer returns the per-seed vertex storage, SeedCount * (IntegrationSteps + 1) vec4 records.
func (in *Integration) LineBuffer() device.Buffer { return in.lineBuffer }

// IndirectBuffer returns the per-seed draw records.
func (in *Integration) IndirectBuffer() device.Buffer { return in.indirectBuffer }

func (in *Integration) finished() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (in *Integration) fail(err error) {
	in.errMu.Lock()
	if in.err == nil {
		in.err = err
	}
	in.errMu.Unlock()
	in.phase.Store(int32(PhaseFailed))
}

func (in *Integration) release() {
	for _, b := range []device.Buffer{in.lineBuffer, in.indirectBuffer, in.maxVelocityBuffer} {
		if b != nil {
			b.Release()
		}
	}
	in.lineBuffer, in.indirectBuffer, in.maxVelocityBuffer = nil, nil, nil
}
