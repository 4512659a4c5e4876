package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
	"github.com/chewxy/math32"
)

// softKernel executes one compute program on the CPU.
type softKernel interface {
	dispatch(d *softDevice, bindings []Binding, constants []byte, groups common.Vec3u) error
}

func newSoftKernel(s shader.Shader) (softKernel, error) {
	switch s.Variant() {
	case shader.VariantSeed:
		return &seedKernel{workGroup: s.WorkgroupSize()}, nil
	case shader.VariantIntegrateAnalytic:
		return &integrateKernel{workGroup: s.WorkgroupSize(), analytic: true}, nil
	case shader.VariantIntegrateRaw:
		spec := s.Specialization()
		return &integrateKernel{workGroup: s.WorkgroupSize(), timeSteps: spec.TimeSteps, channels: spec.Channels}, nil
	default:
		return nil, fmt.Errorf("%w: soft device has no kernel for %s", ErrUnsupported, s.Variant())
	}
}

// traceResources are the buffers shared by the seed and integrate programs.
type traceResources struct {
	constants   shader.IntegrationConstants
	line        *softBuffer
	maxVelocity *softBuffer
	indirect    *softBuffer
	images      map[uint32]*softImage
}

func resolveTraceResources(bindings []Binding, raw []byte, needVelocity bool) (*traceResources, error) {
	c, err := shader.DecodeIntegrationConstants(raw)
	if err != nil {
		return nil, err
	}
	r := &traceResources{constants: c, images: make(map[uint32]*softImage)}
	for _, b := range bindings {
		switch {
		case b.Image != nil:
			img, ok := b.Image.(*softImage)
			if !ok {
				return nil, fmt.Errorf("binding %d: foreign image %T", b.Binding, b.Image)
			}
			r.images[b.Binding] = img
		case b.Buffer != nil:
			buf, ok := b.Buffer.(*softBuffer)
			if !ok {
				return nil, fmt.Errorf("binding %d: foreign buffer %T", b.Binding, b.Buffer)
			}
			switch b.Binding {
			case shader.BindingLineBuffer:
				r.line = buf
			case shader.BindingMaxVelocity:
				r.maxVelocity = buf
			case shader.BindingIndirect:
				r.indirect = buf
			}
		}
	}
	if r.line == nil || r.indirect == nil || (needVelocity && r.maxVelocity == nil) {
		return nil, fmt.Errorf("missing line, indirect or max velocity binding")
	}

	seeds := uint64(c.SeedDimensions.XYZ().Product())
	if need := seeds * uint64(c.TotalStepCount+1) * common.Vec4Size; need > r.line.Size() {
		return nil, fmt.Errorf("line buffer holds %d bytes, %d seeds need %d", r.line.Size(), seeds, need)
	}
	if need := seeds * common.DrawIndirectArgsSize; need > r.indirect.Size() {
		return nil, fmt.Errorf("indirect buffer holds %d bytes, %d seeds need %d", r.indirect.Size(), seeds, need)
	}
	return r, nil
}

// invocationExtent clips the dispatched grid to the seed grid, matching the programs' bounds check.
func invocationExtent(groups, workGroup, seeds common.Vec3u) common.Vec3u {
	var e common.Vec3u
	for i := range e {
		e[i] = min(groups[i]*workGroup[i], seeds[i])
	}
	return e
}

// fanOut runs fn over [0, n) in chunks on the device worker pool and waits for all chunks.
func fanOut(d *softDevice, n uint32, fn func(lo, hi uint32)) {
	if n == 0 {
		return
	}
	chunks := uint32(d.workers * 4)
	size := max(common.CeilDiv(n, chunks), 1)

	var wg sync.WaitGroup
	id := 0
	for lo := uint32(0); lo < n; lo += size {
		hi := min(lo+size, n)
		wg.Add(1)
		d.pool.SubmitTask(worker.Task{
			ID: id,
			Do: func() (any, error) {
				defer wg.Done()
				fn(lo, hi)
				return nil, nil
			},
		})
		id++
	}
	wg.Wait()
}

type seedKernel struct {
	workGroup common.Vec3u
}

func (k *seedKernel) dispatch(d *softDevice, bindings []Binding, constants []byte, groups common.Vec3u) error {
	r, err := resolveTraceResources(bindings, constants, false)
	if err != nil {
		return err
	}
	c := r.constants
	seeds := c.SeedDimensions.XYZ()
	extent := invocationExtent(groups, k.workGroup, seeds)
	domain := domainExtent(c.DatasetDimensions)

	r.line.mu.Lock()
	defer r.line.mu.Unlock()
	r.indirect.mu.Lock()
	defer r.indirect.mu.Unlock()

	fanOut(d, extent.Product(), func(lo, hi uint32) {
		for i := lo; i < hi; i++ {
			g := common.Vec3u{i % extent[0], (i / extent[0]) % extent[1], i / (extent[0] * extent[1])}
			id := g[0] + seeds[0]*(g[1]+seeds[1]*g[2])
			base := id * (c.TotalStepCount + 1)

			var p common.Vec3
			for a := range p {
				p[a] = (float32(g[a]) + 0.5) / float32(seeds[a]) * domain[a]
			}
			putVertex(r.line.data, base, p, 0)
			putIndirect(r.indirect.data, id, common.DrawIndirectArgs{VertexCount: 1, InstanceCount: 1, FirstVertex: base})
		}
	})
	return nil
}

// velocityField evaluates the flow at a position (texel units) and normalized time.
type velocityField func(p common.Vec3, tau float32) common.Vec3

type integrateKernel struct {
	workGroup common.Vec3u
	analytic  bool
	timeSteps uint32
	channels  uint32
}

func (k *integrateKernel) dispatch(d *softDevice, bindings []Binding, constants []byte, groups common.Vec3u) error {
	r, err := resolveTraceResources(bindings, constants, true)
	if err != nil {
		return err
	}
	c := r.constants
	seeds := c.SeedDimensions.XYZ()
	extent := invocationExtent(groups, k.workGroup, seeds)
	domain := domainExtent(c.DatasetDimensions)

	var field velocityField
	if k.analytic {
		field = abcField(domain)
	} else {
		if field, err = k.sampledField(r, c.DatasetDimensions); err != nil {
			return err
		}
	}

	r.line.mu.Lock()
	defer r.line.mu.Unlock()
	r.indirect.mu.Lock()
	defer r.indirect.mu.Unlock()

	var maxMu sync.Mutex
	maxBits := uint32(0)
	last := min(c.FirstStep+c.StepCount, c.TotalStepCount)
	dt := c.DeltaTime

	fanOut(d, extent.Product(), func(lo, hi uint32) {
		local := uint32(0)
		for i := lo; i < hi; i++ {
			g := common.Vec3u{i % extent[0], (i / extent[0]) % extent[1], i / (extent[0] * extent[1])}
			id := g[0] + seeds[0]*(g[1]+seeds[1]*g[2])
			base := id * (c.TotalStepCount + 1)
			args := getIndirect(r.indirect.data, id)

			for s := c.FirstStep; s < last; s++ {
				if args.VertexCount != s+1 {
					break
				}
				p := getVertex(r.line.data, base+s)
				v := rk4(field, p, float32(s)*dt, dt)
				next := p.Add(v.Scale(dt))
				if !inDomain(next, domain) {
					break
				}
				speed := v.Length()
				putVertex(r.line.data, base+s+1, next, speed)
				args.VertexCount = s + 2
				local = max(local, math.Float32bits(speed))
			}
			putIndirect(r.indirect.data, id, args)
		}
		maxMu.Lock()
		maxBits = max(maxBits, local)
		maxMu.Unlock()
	})

	r.maxVelocity.mu.Lock()
	defer r.maxVelocity.mu.Unlock()
	if maxBits > binary.LittleEndian.Uint32(r.maxVelocity.data) {
		binary.LittleEndian.PutUint32(r.maxVelocity.data, maxBits)
	}
	return nil
}

func (k *integrateKernel) sampledField(r *traceResources, dims common.Vec4u) (velocityField, error) {
	if dims[3] != k.timeSteps {
		return nil, fmt.Errorf("pipeline built for %d time steps, dataset has %d", k.timeSteps, dims[3])
	}
	volumes := make([]volume, k.channels*k.timeSteps)
	for i := range volumes {
		img, ok := r.images[shader.FirstImageBinding+uint32(i)]
		if !ok {
			return nil, fmt.Errorf("image binding %d missing", shader.FirstImageBinding+i)
		}
		texels, _ := img.contents()
		desc := img.Descriptor()
		if uint64(len(texels)) != uint64(desc.Width)*uint64(desc.Height)*uint64(desc.Depth) {
			return nil, fmt.Errorf("image %q holds no decoded texels", desc.Label)
		}
		volumes[i] = volume{size: common.Vec3u{desc.Width, desc.Height, desc.Depth}, texels: texels}
	}

	steps := k.timeSteps
	sample := func(t uint32, p common.Vec3) common.Vec3 {
		var out common.Vec3
		for ch := range k.channels {
			out[ch] = volumes[ch*steps+t].trilinear(p)
		}
		return out
	}
	return func(p common.Vec3, tau float32) common.Vec3 {
		ts := math32.Min(math32.Max(tau, 0), 1) * float32(steps-1)
		t0 := uint32(math32.Floor(ts))
		t1 := min(t0+1, steps-1)
		f := ts - float32(t0)
		a, b := sample(t0, p), sample(t1, p)
		return a.Add(b.Sub(a).Scale(f))
	}, nil
}

// volume is a decoded single-channel 3D image.
type volume struct {
	size   common.Vec3u
	texels []float32
}

func (v volume) at(x, y, z uint32) float32 {
	return v.texels[x+v.size[0]*(y+v.size[1]*z)]
}

// trilinear interpolates at a texel-space position with clamp-to-edge addressing.
func (v volume) trilinear(p common.Vec3) float32 {
	var i0, i1 [3]uint32
	var f [3]float32
	for a := range 3 {
		hi := float32(v.size[a] - 1)
		q := math32.Min(math32.Max(p[a], 0), hi)
		fl := math32.Floor(q)
		i0[a] = uint32(fl)
		i1[a] = min(i0[a]+1, v.size[a]-1)
		f[a] = q - fl
	}
	lerp := func(a, b, t float32) float32 { return a + (b-a)*t }

	c00 := lerp(v.at(i0[0], i0[1], i0[2]), v.at(i1[0], i0[1], i0[2]), f[0])
	c10 := lerp(v.at(i0[0], i1[1], i0[2]), v.at(i1[0], i1[1], i0[2]), f[0])
	c01 := lerp(v.at(i0[0], i0[1], i1[2]), v.at(i1[0], i0[1], i1[2]), f[0])
	c11 := lerp(v.at(i0[0], i1[1], i1[2]), v.at(i1[0], i1[1], i1[2]), f[0])
	return lerp(lerp(c00, c10, f[1]), lerp(c01, c11, f[1]), f[2])
}

const (
	abcA  = 1.7320508
	abcB  = 1.4142135
	abcC  = 1.0
	twoPi = 2 * math32.Pi
)

// abcField is the steady Arnold-Beltrami-Childress flow scaled onto the domain.
func abcField(domain common.Vec3) velocityField {
	var extent common.Vec3
	for a := range extent {
		extent[a] = math32.Max(domain[a], 1)
	}
	return func(p common.Vec3, _ float32) common.Vec3 {
		var x common.Vec3
		for a := range x {
			x[a] = p[a] / extent[a] * twoPi
		}
		u := common.Vec3{
			abcA*math32.Sin(x[2]) + abcC*math32.Cos(x[1]),
			abcB*math32.Sin(x[0]) + abcA*math32.Cos(x[2]),
			abcC*math32.Sin(x[1]) + abcB*math32.Cos(x[0]),
		}
		for a := range u {
			u[a] *= extent[a] / twoPi
		}
		return u
	}
}

func rk4(field velocityField, p common.Vec3, tau, dt float32) common.Vec3 {
	k1 := field(p, tau)
	k2 := field(p.Add(k1.Scale(0.5*dt)), tau+0.5*dt)
	k3 := field(p.Add(k2.Scale(0.5*dt)), tau+0.5*dt)
	k4 := field(p.Add(k3.Scale(dt)), tau+dt)
	return k1.Add(k2.Scale(2)).Add(k3.Scale(2)).Add(k4).Scale(1.0 / 6.0)
}

func domainExtent(dims common.Vec4u) common.Vec3 {
	return common.Vec3{float32(dims[0] - 1), float32(dims[1] - 1), float32(dims[2] - 1)}
}

func inDomain(p, domain common.Vec3) bool {
	for a := range p {
		if p[a] < 0 || p[a] > domain[a] {
			return false
		}
	}
	return true
}

func putVertex(data []byte, index uint32, p common.Vec3, w float32) {
	off := uint64(index) * common.Vec4Size
	for a := range p {
		binary.LittleEndian.PutUint32(data[off+uint64(a)*4:], math.Float32bits(p[a]))
	}
	binary.LittleEndian.PutUint32(data[off+12:], math.Float32bits(w))
}

func getVertex(data []byte, index uint32) common.Vec3 {
	off := uint64(index) * common.Vec4Size
	var p common.Vec3
	for a := range p {
		p[a] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+uint64(a)*4:]))
	}
	return p
}

func putIndirect(data []byte, id uint32, args common.DrawIndirectArgs) {
	off := uint64(id) * common.DrawIndirectArgsSize
	binary.LittleEndian.PutUint32(data[off:], args.VertexCount)
	binary.LittleEndian.PutUint32(data[off+4:], args.InstanceCount)
	binary.LittleEndian.PutUint32(data[off+8:], args.FirstVertex)
	binary.LittleEndian.PutUint32(data[off+12:], args.FirstInstance)
}

func getIndirect(data []byte, id uint32) common.DrawIndirectArgs {
	off := uint64(id) * common.DrawIndirectArgsSize
	return common.DrawIndirectArgs{
		VertexCount:   binary.LittleEndian.Uint32(data[off:]),
		InstanceCount: binary.LittleEndian.Uint32(data[off+4:]),
		FirstVertex:   binary.LittleEndian.Uint32(data[off+8:]),
		FirstInstance: binary.LittleEndian.Uint32(data[off+12:]),
	}
}
