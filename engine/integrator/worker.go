package integrator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
	"github.com/Carmen-Shannon/oxy-flow/engine/profiler"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
)

// job is everything a worker needs, captured by prepare so the worker never touches integrator state.
type job struct {
	in          *Integration
	seed        device.Pipeline
	trace       device.Pipeline
	bindings    []device.Binding
	constants   shader.IntegrationConstants
	datasetPath string
	timing      *profiler.TimingLog
}

// workerResources are the compute-queue objects owned by one worker.
type workerResources struct {
	cb       device.CommandBuffer
	fence    device.Fence
	queries  device.QueryPool
	readback device.StagingBuffer
}

func (i *integrator) newWorkerResources() (*workerResources, error) {
	r := &workerResources{}
	var err error
	if r.cb, err = i.device.CreateCommandBuffer(device.QueueCompute); err != nil {
		return nil, err
	}
	if r.fence, err = i.device.CreateFence(true); err != nil {
		r.release()
		return nil, err
	}
	if r.queries, err = i.device.CreateQueryPool(2); err != nil {
		r.release()
		return nil, err
	}
	if r.readback, err = i.device.CreateStagingBuffer(4, device.StagingReadback); err != nil {
		r.release()
		return nil, err
	}
	return r, nil
}

func (r *workerResources) release() {
	if r.readback != nil {
		r.readback.Release()
	}
	if r.queries != nil {
		r.queries.Release()
	}
	if r.fence != nil {
		r.fence.Release()
	}
	if r.cb != nil {
		r.cb.Release()
	}
}

func (i *integrator) integrate(j *job) {
	in := j.in
	defer close(in.done)

	log := logger.Logger().With("run", in.run)
	summary := profiler.NewTimingLog(fmt.Sprintf("integration run %d", in.run), nil)
	defer summary.Close()

	p := in.params
	if err := j.timing.Header(integrationColumns,
		in.run, "", j.datasetPath, in.dimensions, p.WorkGroupSize, p.SeedSpawn,
		p.DeltaTime, p.IntegrationSteps, p.BatchSize, in.key.ExplicitInterpolation, p.Analytic,
	); err != nil {
		log.Warn("failed to write integration timing header", "error", err)
	}

	res, err := i.newWorkerResources()
	if err != nil {
		in.fail(err)
		log.Error("integration failed", "error", err)
		return
	}
	defer func() {
		// a failed wait may leave the last submission pending
		if !in.Complete() {
			if err := i.device.WaitIdle(); err != nil {
				log.Error("failed to drain compute queue", "error", err)
			}
		}
		res.release()
	}()

	groups := p.WorkGroupCount()
	start := time.Now()

	seedTime, err := i.submit(res, in, start, func(cb device.CommandBuffer) {
		cb.FillBuffer(in.maxVelocityBuffer, 0, 4, 0)
		cb.Dispatch(j.seed, j.bindings, j.constants.Bytes(), groups)
		cb.BufferBarrier(in.lineBuffer)
		cb.BufferBarrier(in.indirectBuffer)
	})
	if err != nil {
		i.abort(log, in, fmt.Errorf("seeding: %w", err))
		return
	}
	in.gpuTime.Add(int64(seedTime))
	in.phase.Store(int32(PhaseIntegrating))
	log.Debug("seeding finished", "seeds", p.SeedCount(), "duration", seedTime)

	for _, b := range p.Batches() {
		if i.cancel.Load() {
			i.abort(log, in, ErrCancelled)
			return
		}
		c := j.constants
		c.FirstStep, c.StepCount = b.FirstStep, b.StepCount

		d, err := i.submit(res, in, start, func(cb device.CommandBuffer) {
			cb.Dispatch(j.trace, j.bindings, c.Bytes(), groups)
			cb.BufferBarrier(in.lineBuffer)
			cb.BufferBarrier(in.indirectBuffer)
			cb.BufferBarrier(in.maxVelocityBuffer)
			cb.CopyBufferToStaging(in.maxVelocityBuffer, res.readback, 4)
		})
		if err != nil {
			i.abort(log, in, fmt.Errorf("batch %d: %w", b.Index, err))
			return
		}

		in.gpuTime.Add(int64(d))
		in.maxVelocity.Store(binary.LittleEndian.Uint32(res.readback.Bytes()))
		in.currentBatch.Store(b.Index + 1)
		summary.Observe(d)
		if err := j.timing.Row(in.run, d); err != nil {
			log.Warn("failed to write integration timing row", "batch", b.Index, "error", err)
		}
		log.Debug("batch finished", "batch", b.Index, "first_step", b.FirstStep, "steps", b.StepCount, "duration", d)
	}

	in.complete.Store(true)
	in.phase.Store(int32(PhaseComplete))
	log.Info("integration finished",
		"batches", p.BatchCount(),
		"gpu_time", in.GPUTime(),
		"cpu_time", in.CPUTime(),
		"max_velocity", in.MaxVelocity(),
	)
}

func (i *integrator) abort(log *slog.Logger, in *Integration, err error) {
	in.fail(err)
	if errors.Is(err, ErrCancelled) {
		log.Info("integration cancelled", "batch", in.CurrentBatch())
		return
	}
	log.Error("integration failed", "batch", in.CurrentBatch(), "error", err)
}

// submit records one compute submission wrapped by a timestamp pair, waits for it and returns its
// device time. CPU time is refreshed on every fence poll.
func (i *integrator) submit(res *workerResources, in *Integration, start time.Time, record func(cb device.CommandBuffer)) (time.Duration, error) {
	if err := res.fence.Reset(); err != nil {
		return 0, err
	}
	cb := res.cb
	if err := cb.Begin(); err != nil {
		return 0, err
	}
	cb.ResetQueries(res.queries, 0, 2)
	cb.WriteTimestamp(res.queries, 0)
	record(cb)
	cb.WriteTimestamp(res.queries, 1)
	if err := cb.End(); err != nil {
		return 0, err
	}
	if err := i.device.Queue(device.QueueCompute).Submit(cb, res.fence); err != nil {
		return 0, err
	}

	for polls := 1; ; polls++ {
		err := res.fence.Wait(i.fenceTimeout)
		in.cpuTime.Store(int64(time.Since(start)))
		if err == nil {
			break
		}
		if !errors.Is(err, device.ErrTimeout) {
			return 0, err
		}
		if polls >= i.fenceRetryLimit {
			return 0, fmt.Errorf("compute fence unsignaled after %d polls: %w", polls, err)
		}
	}

	ts, err := res.queries.Results(0, 2)
	if err != nil {
		return 0, err
	}
	return device.TicksToDuration(i.device, ts[0], ts[1]), nil
}
