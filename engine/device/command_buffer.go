package device

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/oxy-flow/common"
)

// CommandBuffer records work for one queue. Recording methods do not fail; misuse is reported by End.
// A command buffer may be re-recorded with Begin once the fence of its previous submission signaled.
type CommandBuffer interface {
	// Queue returns the queue kind the buffer was created for.
	//
	// Returns:
	//   - QueueKind: the target queue
	Queue() QueueKind

	// Begin discards previous commands and starts recording.
	//
	// Returns:
	//   - error: ErrRecording if the buffer is already recording
	Begin() error

	// End finishes recording.
	//
	// Returns:
	//   - error: ErrRecording if the buffer was not recording, or the first recording error
	End() error

	// ResetQueries clears a range of timestamp queries.
	//
	// Parameters:
	//   - pool: the query pool
	//   - first: the first query index
	//   - count: the number of queries
	ResetQueries(pool QueryPool, first, count uint32)

	// WriteTimestamp writes a timestamp once all previously recorded work completed.
	//
	// Parameters:
	//   - pool: the query pool
	//   - query: the query index
	WriteTimestamp(pool QueryPool, query uint32)

	// TransitionImage moves an image to a new layout.
	//
	// Parameters:
	//   - image: the image
	//   - layout: the target layout
	TransitionImage(image Image, layout ImageLayout)

	// CopyBufferToImage copies the whole image from tightly packed staging memory.
	//
	// Parameters:
	//   - src: an upload staging buffer of at least the image's byte size
	//   - dst: the image, in LayoutTransferDst when the copy executes
	CopyBufferToImage(src StagingBuffer, dst Image)

	// CopyBufferToStaging copies size bytes from the start of a device buffer into readback memory.
	//
	// Parameters:
	//   - src: the device buffer
	//   - dst: a readback staging buffer
	//   - size: the number of bytes
	CopyBufferToStaging(src Buffer, dst StagingBuffer, size uint64)

	// FillBuffer fills a range of a buffer with a repeated 32-bit value.
	//
	// Parameters:
	//   - buf: the buffer
	//   - offset: the byte offset, a multiple of 4
	//   - size: the byte count, a multiple of 4
	//   - value: the value to repeat
	FillBuffer(buf Buffer, offset, size uint64, value uint32)

	// BufferBarrier makes prior writes to buf visible to subsequent transfer and host reads.
	//
	// Parameters:
	//   - buf: the buffer
	BufferBarrier(buf Buffer)

	// Dispatch runs a compute pipeline.
	//
	// Parameters:
	//   - pipeline: the compute pipeline
	//   - bindings: the resource group bindings
	//   - constants: the per-dispatch constants
	//   - groups: the workgroup counts
	Dispatch(pipeline Pipeline, bindings []Binding, constants []byte, groups common.Vec3u)

	// Release frees the command buffer.
	Release()
}

type opKind int

const (
	opResetQueries opKind = iota
	opWriteTimestamp
	opTransitionImage
	opCopyBufferToImage
	opCopyBufferToStaging
	opFillBuffer
	opBufferBarrier
	opDispatch
)

func (k opKind) String() string {
	switch k {
	case opResetQueries:
		return "reset_queries"
	case opWriteTimestamp:
		return "write_timestamp"
	case opTransitionImage:
		return "transition_image"
	case opCopyBufferToImage:
		return "copy_buffer_to_image"
	case opCopyBufferToStaging:
		return "copy_buffer_to_staging"
	case opFillBuffer:
		return "fill_buffer"
	case opBufferBarrier:
		return "buffer_barrier"
	case opDispatch:
		return "dispatch"
	default:
		return "unknown"
	}
}

// command is one recorded operation. Only the fields of its kind are set.
type command struct {
	kind opKind

	pool  QueryPool
	first uint32
	count uint32

	image  Image
	layout ImageLayout

	staging StagingBuffer
	buffer  Buffer
	offset  uint64
	size    uint64
	value   uint32

	pipeline  Pipeline
	bindings  []Binding
	constants []byte
	groups    common.Vec3u
}

// isWork reports whether the command occupies the queue, as opposed to bookkeeping.
func (c command) isWork() bool {
	switch c.kind {
	case opCopyBufferToImage, opCopyBufferToStaging, opFillBuffer, opDispatch:
		return true
	default:
		return false
	}
}

type commandBuffer struct {
	mu        sync.Mutex
	queue     QueueKind
	recording bool
	ended     bool
	released  bool
	err       error
	commands  []command
}

var _ CommandBuffer = &commandBuffer{}

func newCommandBuffer(kind QueueKind) *commandBuffer {
	return &commandBuffer{queue: kind}
}

func (cb *commandBuffer) Queue() QueueKind {
	return cb.queue
}

func (cb *commandBuffer) Begin() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.released {
		return ErrReleased
	}
	if cb.recording {
		return fmt.Errorf("%w: begin while recording", ErrRecording)
	}
	cb.recording = true
	cb.ended = false
	cb.err = nil
	cb.commands = cb.commands[:0]
	return nil
}

func (cb *commandBuffer) End() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.recording {
		return fmt.Errorf("%w: end without begin", ErrRecording)
	}
	cb.recording = false
	if cb.err != nil {
		return cb.err
	}
	cb.ended = true
	return nil
}

func (cb *commandBuffer) record(c command) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.recording {
		if cb.err == nil {
			cb.err = fmt.Errorf("%w: %s recorded outside begin/end", ErrRecording, c.kind)
		}
		return
	}
	if cb.err != nil {
		return
	}
	if err := validateCommand(c); err != nil {
		cb.err = err
		return
	}
	cb.commands = append(cb.commands, c)
}

func validateCommand(c command) error {
	switch c.kind {
	case opResetQueries, opWriteTimestamp:
		if c.pool == nil || c.first+c.count > c.pool.Count() {
			return fmt.Errorf("%w: %s query range out of bounds", ErrRecording, c.kind)
		}
	case opTransitionImage:
		if c.image == nil {
			return fmt.Errorf("%w: transition of nil image", ErrRecording)
		}
	case opCopyBufferToImage:
		if c.image == nil || c.staging == nil {
			return fmt.Errorf("%w: copy to image needs a source and destination", ErrRecording)
		}
		if c.staging.Usage() != StagingUpload {
			return fmt.Errorf("%w: copy to image from a readback buffer", ErrRecording)
		}
		if need := c.image.Descriptor().ByteSize(); c.staging.Size() < need {
			return fmt.Errorf("%w: staging buffer holds %d bytes, image needs %d", ErrRecording, c.staging.Size(), need)
		}
	case opCopyBufferToStaging:
		if c.buffer == nil || c.staging == nil {
			return fmt.Errorf("%w: readback needs a source and destination", ErrRecording)
		}
		if c.staging.Usage() != StagingReadback {
			return fmt.Errorf("%w: readback into an upload buffer", ErrRecording)
		}
		if c.size > c.buffer.Size() || c.size > c.staging.Size() {
			return fmt.Errorf("%w: readback of %d bytes exceeds a buffer", ErrRecording, c.size)
		}
	case opFillBuffer:
		if c.buffer == nil || c.offset%4 != 0 || c.size%4 != 0 || c.offset+c.size > c.buffer.Size() {
			return fmt.Errorf("%w: fill range out of bounds or unaligned", ErrRecording)
		}
	case opBufferBarrier:
		if c.buffer == nil {
			return fmt.Errorf("%w: barrier on nil buffer", ErrRecording)
		}
	case opDispatch:
		if c.pipeline == nil {
			return fmt.Errorf("%w: dispatch without pipeline", ErrRecording)
		}
		if c.groups.Product() == 0 {
			return fmt.Errorf("%w: dispatch of zero workgroups", ErrRecording)
		}
	}
	return nil
}

func (cb *commandBuffer) ResetQueries(pool QueryPool, first, count uint32) {
	cb.record(command{kind: opResetQueries, pool: pool, first: first, count: count})
}

func (cb *commandBuffer) WriteTimestamp(pool QueryPool, query uint32) {
	cb.record(command{kind: opWriteTimestamp, pool: pool, first: query, count: 1})
}

func (cb *commandBuffer) TransitionImage(image Image, layout ImageLayout) {
	cb.record(command{kind: opTransitionImage, image: image, layout: layout})
}

func (cb *commandBuffer) CopyBufferToImage(src StagingBuffer, dst Image) {
	cb.record(command{kind: opCopyBufferToImage, staging: src, image: dst})
}

func (cb *commandBuffer) CopyBufferToStaging(src Buffer, dst StagingBuffer, size uint64) {
	cb.record(command{kind: opCopyBufferToStaging, buffer: src, staging: dst, size: size})
}

func (cb *commandBuffer) FillBuffer(buf Buffer, offset, size uint64, value uint32) {
	cb.record(command{kind: opFillBuffer, buffer: buf, offset: offset, size: size, value: value})
}

func (cb *commandBuffer) BufferBarrier(buf Buffer) {
	cb.record(command{kind: opBufferBarrier, buffer: buf})
}

func (cb *commandBuffer) Dispatch(pipeline Pipeline, bindings []Binding, constants []byte, groups common.Vec3u) {
	cb.record(command{
		kind:      opDispatch,
		pipeline:  pipeline,
		bindings:  append([]Binding(nil), bindings...),
		constants: append([]byte(nil), constants...),
		groups:    groups,
	})
}

func (cb *commandBuffer) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.released = true
	cb.commands = nil
}

// snapshot returns the ended command list for submission.
func (cb *commandBuffer) snapshot() ([]command, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.released {
		return nil, ErrReleased
	}
	if !cb.ended {
		return nil, fmt.Errorf("%w: submit of a buffer that was not ended", ErrRecording)
	}
	return append([]command(nil), cb.commands...), nil
}

// submittedBuffer extracts the recorder behind a CommandBuffer created by this package.
func submittedBuffer(cb CommandBuffer) (*commandBuffer, error) {
	impl, ok := cb.(*commandBuffer)
	if !ok || impl == nil {
		return nil, fmt.Errorf("%w: foreign command buffer %T", ErrRecording, cb)
	}
	return impl, nil
}

// layoutState tracks an image layout shared between the recording and executing goroutines.
type layoutState struct {
	mu     sync.Mutex
	layout ImageLayout
}

func (s *layoutState) get() ImageLayout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

func (s *layoutState) set(l ImageLayout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = l
}
