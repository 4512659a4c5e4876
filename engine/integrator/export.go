package integrator

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

// Trajectory is the polyline of one seed: its start position followed by one vertex per step taken.
// The w component of each vertex is the particle speed at that step, 0 for the start.
type Trajectory struct {
	Seed     uint32
	Vertices []common.Vec4
}

func (i *integrator) DownloadTrajectories(base string) error {
	line, args, err := i.download()
	if err != nil {
		return err
	}
	if err := WriteTrajectories(base, line, args); err != nil {
		return err
	}
	logger.Logger().Info("trajectories exported", "base", base, "seeds", len(args))
	return nil
}

func (i *integrator) ReadTrajectories() ([]Trajectory, error) {
	line, args, err := i.download()
	if err != nil {
		return nil, err
	}
	out := make([]Trajectory, len(args))
	for seed, a := range args {
		span, err := vertexSpan(line, a, seed)
		if err != nil {
			return nil, err
		}
		out[seed] = Trajectory{Seed: uint32(seed), Vertices: append([]common.Vec4(nil), span...)}
	}
	return out, nil
}

// download copies the line and indirect buffers of the finished run into host memory.
func (i *integrator) download() ([]common.Vec4, []common.DrawIndirectArgs, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	in := i.integration
	switch {
	case in == nil:
		return nil, nil, ErrNoIntegration
	case !in.finished():
		return nil, nil, ErrIntegrationInProgress
	case !in.Complete():
		return nil, nil, fmt.Errorf("%w: run %d did not complete: %v", ErrExport, in.run, in.Err())
	}

	// no writer may still be in flight
	if err := i.device.WaitIdle(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	lineStaging, err := i.device.CreateStagingBuffer(in.lineBuffer.Size(), device.StagingReadback)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer lineStaging.Release()
	indirectStaging, err := i.device.CreateStagingBuffer(in.indirectBuffer.Size(), device.StagingReadback)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer indirectStaging.Release()

	cb, err := i.device.CreateCommandBuffer(device.QueueCompute)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer cb.Release()
	fence, err := i.device.CreateFence(false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	defer fence.Release()

	if err := cb.Begin(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	cb.BufferBarrier(in.lineBuffer)
	cb.BufferBarrier(in.indirectBuffer)
	cb.CopyBufferToStaging(in.lineBuffer, lineStaging, in.lineBuffer.Size())
	cb.CopyBufferToStaging(in.indirectBuffer, indirectStaging, in.indirectBuffer.Size())
	if err := cb.End(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err := i.device.Queue(device.QueueCompute).Submit(cb, fence); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err := fence.Wait(time.Duration(i.fenceRetryLimit) * i.fenceTimeout); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	line := append([]common.Vec4(nil), common.BytesToSlice[common.Vec4](lineStaging.Bytes())...)
	args := append([]common.DrawIndirectArgs(nil), common.BytesToSlice[common.DrawIndirectArgs](indirectStaging.Bytes())...)
	return line, args, nil
}

// WriteTrajectories writes <base>_length.bin, the u32 vertex count of every seed, and
// <base>_trajectory.bin, each seed's vec4 span line[firstVertex : firstVertex+vertexCount], in seed
// order. Files already written are left in place when a later step fails.
//
// Parameters:
//   - base: path prefix of the two files
//   - line: the downloaded line buffer
//   - args: the downloaded indirect records, one per seed
//
// Returns:
//   - error: an error wrapping ErrExport
func WriteTrajectories(base string, line []common.Vec4, args []common.DrawIndirectArgs) error {
	lengths := make([]uint32, len(args))
	for seed, a := range args {
		lengths[seed] = a.VertexCount
	}
	if err := os.WriteFile(base+"_length.bin", common.SliceToBytes(lengths), 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}

	f, err := os.Create(base + "_trajectory.bin")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	w := bufio.NewWriter(f)
	for seed, a := range args {
		span, err := vertexSpan(line, a, seed)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(common.SliceToBytes(span)); err != nil {
			f.Close()
			return fmt.Errorf("%w: %w", ErrExport, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrExport, err)
	}
	return nil
}

func vertexSpan(line []common.Vec4, a common.DrawIndirectArgs, seed int) ([]common.Vec4, error) {
	end := uint64(a.FirstVertex) + uint64(a.VertexCount)
	if end > uint64(len(line)) {
		return nil, fmt.Errorf("%w: seed %d spans vertices %d..%d of %d", ErrExport, seed, a.FirstVertex, end, len(line))
	}
	return line[a.FirstVertex:end], nil
}
