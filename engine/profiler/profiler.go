package profiler

import (
	"runtime"
	"time"

	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

// Profiler tracks frame rate and memory statistics for performance monitoring.
// Outputs stats to the package logger at a configurable interval.
type Profiler struct {
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64
}

// NewProfiler creates a new Profiler with default settings.
// Update interval defaults to 1 second.
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler() *Profiler {
	return &Profiler{
		lastTime:       time.Now(),
		updateInterval: time.Second,
	}
}

// SetUpdateInterval changes how often Tick emits a log record.
//
// Parameters:
//   - d: the new interval, values <= 0 are ignored
func (p *Profiler) SetUpdateInterval(d time.Duration) {
	if d > 0 {
		p.updateInterval = d
	}
}

// Tick should be called once per frame to track frame timing.
// Logs FPS, heap usage, allocation rate and GC pauses when the update interval has elapsed.
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick() bool {
	p.frameCount++
	now := time.Now()
	elapsed := now.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}

	runtime.ReadMemStats(&p.memStats)
	fps := float64(p.frameCount) / elapsed.Seconds()
	allocRate := float64(p.memStats.TotalAlloc-p.lastTotalAlloc) / 1024 / 1024 / elapsed.Seconds()

	gcCount := p.memStats.NumGC
	var lastPause, maxPause time.Duration
	if gcCount > 0 {
		// PauseNs is a ring of the last 256 pauses
		lastPause = time.Duration(p.memStats.PauseNs[(gcCount-1)%256])
		start := p.lastGCCount
		if gcCount-start > 256 {
			start = gcCount - 256
		}
		for i := start; i < gcCount; i++ {
			maxPause = max(maxPause, time.Duration(p.memStats.PauseNs[i%256]))
		}
	}

	logger.Logger().Debug("frame stats",
		"fps", fps,
		"heap_mb", float64(p.memStats.Alloc)/1024/1024,
		"alloc_rate_mb_s", allocRate,
		"gc", gcCount,
		"gc_last_pause", lastPause,
		"gc_max_pause", maxPause,
		"sys_mb", float64(p.memStats.Sys)/1024/1024,
	)

	p.frameCount = 0
	p.lastTime = now
	p.lastGCCount = gcCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	return true
}
