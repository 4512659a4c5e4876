package device

import (
	"fmt"
	"sync"
)

// hostStagingBuffer is staging memory owned by the host. The wgpu backend hands upload buffers to
// Queue.WriteTexture at submission; the soft backend copies from them directly.
type hostStagingBuffer struct {
	usage StagingUsage
	data  []byte
}

func (b *hostStagingBuffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *hostStagingBuffer) Usage() StagingUsage {
	return b.usage
}

func (b *hostStagingBuffer) Bytes() []byte {
	return b.data
}

func (b *hostStagingBuffer) Release() {}

// hostQueryPool stores timestamps written by the host when the backend observes the recorded
// position in the command stream.
type hostQueryPool struct {
	mu      sync.Mutex
	values  []uint64
	written []bool
}

func (p *hostQueryPool) Count() uint32 {
	return uint32(len(p.values))
}

func (p *hostQueryPool) reset(first, count uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := first; i < first+count; i++ {
		p.written[i] = false
	}
}

func (p *hostQueryPool) write(query uint32, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[query] = value
	p.written[query] = true
}

func (p *hostQueryPool) Results(first, count uint32) ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint64(first)+uint64(count) > uint64(len(p.values)) {
		return nil, fmt.Errorf("queries %d..%d out of range of %d", first, first+count, len(p.values))
	}
	out := make([]uint64, count)
	for i := range out {
		if !p.written[first+uint32(i)] {
			return nil, fmt.Errorf("query %d was not written", first+uint32(i))
		}
		out[i] = p.values[first+uint32(i)]
	}
	return out, nil
}

func (p *hostQueryPool) Release() {}

