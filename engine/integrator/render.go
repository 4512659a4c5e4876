package integrator

import (
	"strings"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/config"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/Carmen-Shannon/oxy-flow/engine/shader"
)

// RenderState is the appearance of the traced lines.
type RenderState struct {
	// LineWidth is kept for configuration round trips; WebGPU rasterizes lines one pixel wide.
	LineWidth float32

	// LineColor is used directly when no colormap is set, and for its alpha otherwise.
	LineColor common.Vec4

	// Colormap colors vertices by speed. "viridis" is the only map; empty or "none" disables it.
	Colormap string

	InvertColormap bool

	// VelocityMin and VelocityMax bound the colormap. VelocityMax follows the current run.
	VelocityMin float32
	VelocityMax float32

	// Scaling maps dataset cells into the unit cube, 1/max(w, h, d) of the current run's domain,
	// or of the bound dataset before the first run.
	Scaling float32
}

// DefaultRenderState returns the render section of config.DefaultConfig.
func DefaultRenderState() RenderState {
	return RenderStateFromConfig(config.DefaultConfig())
}

// RenderStateFromConfig copies the render section of cfg.
//
// Parameters:
//   - cfg: the application configuration
//
// Returns:
//   - RenderState: the line appearance
func RenderStateFromConfig(cfg *config.Config) RenderState {
	return RenderState{
		LineWidth:      cfg.Render.LineWidth,
		LineColor:      cfg.Render.LineColor,
		Colormap:       cfg.Render.Colormap,
		InvertColormap: cfg.Render.InvertColormap,
		Scaling:        1,
	}
}

func (rs RenderState) flags() uint32 {
	var f uint32
	switch strings.ToLower(rs.Colormap) {
	case "", "none":
	default:
		f |= shader.LineFlagColormap
	}
	if rs.InvertColormap {
		f |= shader.LineFlagInvert
	}
	return f
}

func scalingFor(dims common.Vec4u) float32 {
	return 1 / float32(max(dims[0], dims[1], dims[2], 1))
}

func (i *integrator) RenderState() RenderState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentRenderState()
}

func (i *integrator) currentRenderState() RenderState {
	rs := i.renderState
	if i.integration != nil {
		rs.VelocityMax = i.integration.MaxVelocity()
		rs.Scaling = scalingFor(i.integration.dimensions)
	}
	return rs
}

func (i *integrator) SetRenderState(rs RenderState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rs.Scaling = i.renderState.Scaling
	i.renderState = rs
}

func (i *integrator) Render(pass device.RenderPass, viewProjection [16]float32) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	in := i.integration
	if in == nil || i.linePipeline == nil || in.lineBuffer == nil {
		return nil
	}
	rs := i.currentRenderState()

	// center the domain on the origin, then scale it into the unit cube
	var extent common.Vec3
	for a := range extent {
		extent[a] = float32(max(in.dimensions[a], 1) - 1)
	}
	var model [16]float32
	common.ScaleTranslate(model[:], rs.Scaling, extent.Scale(-0.5))

	u := shader.LineUniforms{
		Color:       rs.LineColor,
		VelocityMin: rs.VelocityMin,
		VelocityMax: rs.VelocityMax,
		Flags:       rs.flags(),
	}
	common.Mul4(u.ModelViewProjection[:], viewProjection[:], model[:])

	return pass.DrawLinesIndirect(i.linePipeline, in.lineBuffer, in.indirectBuffer, in.SeedCount(), common.DrawIndirectArgsSize, u.Bytes())
}
