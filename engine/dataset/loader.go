package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/datasource"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

var timingColumns = []string{
	"slice", "file_read", "texture_upload", "dataset_path", "dataset_dimensions", "format", "staging_buffers",
}

// stagingSlot is one in-flight upload: a staging buffer with its own command buffer, fence and
// timestamp pair. slice is -1 while the slot carries nothing.
type stagingSlot struct {
	buffer   device.StagingBuffer
	cb       device.CommandBuffer
	fence    device.Fence
	queries  device.QueryPool
	slice    int
	readTime time.Duration
}

func (d *dataset) load() {
	defer close(d.done)
	defer d.timing.Close()

	log := logger.Logger().With("path", d.source.Path())
	total := d.source.ChannelCount() * int(d.source.Dimensions()[3])
	if total == 0 {
		d.state.finish()
		log.Info("dataset loaded", "images", 0)
		return
	}

	staging := min(d.stagingCount, total)
	if err := d.timing.Header(timingColumns,
		"", "", "", d.source.Path(), d.source.Dimensions(), d.source.Format(), staging,
	); err != nil {
		log.Warn("failed to write timing log header", "error", err)
	}

	slots, err := d.createSlots(staging)
	if err != nil {
		d.abort(log, err)
		return
	}
	defer d.releaseSlots(log, slots)

	d.state.beginSlices()
	for next := range total {
		if d.cancelled.Load() {
			d.abort(log, ErrCancelled)
			return
		}
		slot := slots[next%len(slots)]
		if err := d.retire(log, slot); err != nil {
			d.abort(log, err)
			return
		}
		if err := d.upload(slot, next); err != nil {
			d.abort(log, err)
			return
		}
		d.state.advance(next + 1)
	}
	for _, slot := range slots {
		if err := d.retire(log, slot); err != nil {
			d.abort(log, err)
			return
		}
	}

	d.state.finish()
	log.Info("dataset loaded", "images", total, "loading_time", d.state.Snapshot().LoadingTime)
}

func (d *dataset) abort(log *slog.Logger, err error) {
	if errors.Is(err, ErrCancelled) {
		d.state.fail(err)
		log.Info("dataset load cancelled", "uploaded", d.state.Snapshot().CurrentSubstep)
		return
	}
	d.state.fail(fmt.Errorf("%w: %w", ErrLoadFailed, err))
	log.Error("dataset load failed", "error", err)
}

func (d *dataset) imageDescriptor(channel, step int) (device.ImageDescriptor, error) {
	dims := d.source.Dimensions()
	desc := device.ImageDescriptor{
		Label:     fmt.Sprintf("%s[c=%d,t=%d]", d.source.Path(), channel, step),
		Dimension: device.ImageDimension3D,
		Width:     dims[0],
		Height:    dims[1],
		Depth:     dims[2],
	}
	switch d.source.Format() {
	case datasource.FormatFloat16:
		desc.Format = device.ImageFormatR16Float
	case datasource.FormatFloat32:
		desc.Format = device.ImageFormatR32Float
	case datasource.FormatBC6H:
		desc.Format = device.ImageFormatBC6H
		desc.Dimension = device.ImageDimension2DArray
	default:
		return desc, fmt.Errorf("no image format for %s data", d.source.Format())
	}
	return desc, nil
}

func (d *dataset) createSlots(n int) ([]*stagingSlot, error) {
	desc, err := d.imageDescriptor(0, 0)
	if err != nil {
		return nil, err
	}
	size := d.source.TimeSliceSize()
	if uint64(size) != desc.ByteSize() {
		return nil, fmt.Errorf("time slice of %d bytes does not fill a %d byte %s image", size, desc.ByteSize(), desc.Format)
	}

	slots := make([]*stagingSlot, 0, n)
	release := func() {
		for _, s := range slots {
			s.release()
		}
	}
	for range n {
		s := &stagingSlot{slice: -1}
		slots = append(slots, s)
		if s.buffer, err = d.device.CreateStagingBuffer(uint64(size), device.StagingUpload); err != nil {
			release()
			return nil, err
		}
		if s.cb, err = d.device.CreateCommandBuffer(device.QueueTransfer); err != nil {
			release()
			return nil, err
		}
		if s.fence, err = d.device.CreateFence(true); err != nil {
			release()
			return nil, err
		}
		if s.queries, err = d.device.CreateQueryPool(2); err != nil {
			release()
			return nil, err
		}
	}
	return slots, nil
}

// retire waits for the slot's previous copy and logs its timing.
func (d *dataset) retire(log *slog.Logger, slot *stagingSlot) error {
	if slot.slice < 0 {
		return nil
	}
	if err := d.waitFence(log, slot.fence); err != nil {
		return err
	}
	slice := slot.slice
	slot.slice = -1

	var upload time.Duration
	if ts, err := slot.queries.Results(0, 2); err == nil {
		upload = device.TicksToDuration(d.device, ts[0], ts[1])
	} else {
		log.Warn("slice upload timestamps unavailable", "slice", slice, "error", err)
	}
	d.timing.Observe(upload)
	if err := d.timing.Row(slice, slot.readTime, upload); err != nil {
		log.Warn("failed to write timing row", "slice", slice, "error", err)
	}
	log.Debug("slice uploaded", "slice", slice, "file_read", slot.readTime, "texture_upload", upload)
	return nil
}

func (d *dataset) upload(slot *stagingSlot, index int) error {
	steps := int(d.source.Dimensions()[3])
	channel, step := index/steps, index%steps

	start := time.Now()
	if err := d.source.ReadTimeSlice(channel, step, slot.buffer.Bytes()); err != nil {
		return fmt.Errorf("read slice %d: %w", index, err)
	}
	slot.readTime = time.Since(start)

	desc, err := d.imageDescriptor(channel, step)
	if err != nil {
		return err
	}
	img, err := d.device.CreateImage(desc)
	if err != nil {
		return fmt.Errorf("create image for slice %d: %w", index, err)
	}
	d.appendImage(img)

	if err := slot.fence.Reset(); err != nil {
		return err
	}
	cb := slot.cb
	if err := cb.Begin(); err != nil {
		return err
	}
	cb.ResetQueries(slot.queries, 0, 2)
	cb.TransitionImage(img, device.LayoutTransferDst)
	cb.WriteTimestamp(slot.queries, 0)
	cb.CopyBufferToImage(slot.buffer, img)
	cb.WriteTimestamp(slot.queries, 1)
	if err := cb.End(); err != nil {
		return fmt.Errorf("record slice %d: %w", index, err)
	}
	if err := d.device.Queue(device.QueueTransfer).Submit(cb, slot.fence); err != nil {
		return fmt.Errorf("submit slice %d: %w", index, err)
	}
	slot.slice = index
	return nil
}

// waitFence polls f until it signals. Timeouts are retried up to the retry limit; any other error
// is returned at once.
func (d *dataset) waitFence(log *slog.Logger, f device.Fence) error {
	warnAt := d.fenceRetryLimit - d.fenceRetryLimit/10
	for polls := 1; ; polls++ {
		err := f.Wait(d.fenceTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, device.ErrTimeout) {
			return err
		}
		if polls >= d.fenceRetryLimit {
			return fmt.Errorf("%w: %d polls of %s", ErrFenceRetriesExhausted, polls, d.fenceTimeout)
		}
		if polls == warnAt {
			log.Warn("transfer fence nearing its retry limit", "polls", polls, "limit", d.fenceRetryLimit)
		}
	}
}

// releaseSlots frees the pool. Slots still carrying a copy are drained through a device idle wait first.
func (d *dataset) releaseSlots(log *slog.Logger, slots []*stagingSlot) {
	for _, s := range slots {
		if s.slice >= 0 {
			if err := d.device.WaitIdle(); err != nil {
				log.Error("failed to drain transfer queue", "error", err)
			}
			break
		}
	}
	for _, s := range slots {
		s.release()
	}
}

func (s *stagingSlot) release() {
	if s.queries != nil {
		s.queries.Release()
	}
	if s.fence != nil {
		s.fence.Release()
	}
	if s.cb != nil {
		s.cb.Release()
	}
	if s.buffer != nil {
		s.buffer.Release()
	}
}
