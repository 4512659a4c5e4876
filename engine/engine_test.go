package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/app"
	"github.com/Carmen-Shannon/oxy-flow/engine/config"
	"github.com/Carmen-Shannon/oxy-flow/engine/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithoutWindowStopsOnQuit(t *testing.T) {
	var frames, ticks atomic.Int32
	e := NewEngine(WithTickRate(1000), WithRenderFrameLimit(1000), WithProfiling(true))
	e.SetTickCallback(func(float32) { ticks.Add(1) })
	e.SetRenderCallback(func(float32) {
		if frames.Add(1) == 5 {
			e.Quit()
		}
	})

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.GreaterOrEqual(t, frames.Load(), int32(5))
	assert.Nil(t, e.Window())
	e.Quit()
}

func TestRenderLoopDrivesApp(t *testing.T) {
	dev := device.NewSoftDevice(device.WithSoftWorkers(2))
	defer dev.Release()

	cfg := config.DefaultConfig()
	cfg.Loader.LogDir = ""
	cfg.Integration.LogDir = ""
	cfg.Integration.AnalyticDataset = true
	cfg.Integration.AnalyticDimensions = common.Vec4u{8, 8, 8, 2}
	cfg.Integration.WorkGroupSize = common.Vec3u{2, 1, 1}
	cfg.Integration.SeedSpawn = common.Vec3u{2, 2, 2}
	cfg.Integration.IntegrationSteps = 4
	cfg.Integration.BatchSize = 2
	a := app.New(dev, cfg)
	defer a.Close()

	e := NewEngine(WithApp(a))
	e.SetRenderCallback(func(float32) {
		if in := a.Integrator().Integration(); in != nil && in.Complete() {
			e.Quit()
		}
	})
	a.Integrate()

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.Quit()
		t.Fatal("integration did not complete")
	}
	require.NotNil(t, a.Integrator().Integration())
	assert.Equal(t, 1, a.Integrator().Run())
	assert.Same(t, a, e.App())
}

func TestRates(t *testing.T) {
	e := NewEngine(WithRenderFrameLimit(50)).(*engine)
	assert.Equal(t, int64(20*time.Millisecond), e.framePeriod.Load())
	e.SetRenderFrameLimit(0)
	assert.Zero(t, e.framePeriod.Load())

	e.SetTickRate(0)
	assert.Equal(t, int64(periodOf(60)), e.tickPeriod.Load())
	e.SetTickRate(4)
	assert.Equal(t, int64(250*time.Millisecond), e.tickPeriod.Load())
	assert.Len(t, e.retick, 1)
}

func TestTickRateChangesWhileRunning(t *testing.T) {
	var ticks atomic.Int32
	e := NewEngine(WithTickRate(1))
	e.SetTickCallback(func(float32) {
		if ticks.Add(1) == 3 {
			e.Quit()
		}
	})
	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	e.SetTickRate(1000)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.Quit()
		t.Fatal("tick rate change was not applied")
	}
}
