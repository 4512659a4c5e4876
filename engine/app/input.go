package app

import (
	"github.com/Carmen-Shannon/oxy-flow/common"
	"github.com/Carmen-Shannon/oxy-flow/engine/logger"
)

// defaultExportBase is used by the export key when benchmark.export_base is empty.
const defaultExportBase = "trajectories"

// HandleKey maps a viewer key press to an app action. Unknown keys are ignored.
//
// Parameters:
//   - a: the app
//   - keyCode: the key code (see common.Key*)
func HandleKey(a App, keyCode uint32) {
	switch keyCode {
	case common.KeySpace:
		a.Integrate()
	case common.KeyU:
		a.Unload()
	case common.KeyE:
		base := a.Config().Benchmark.ExportBase
		if base == "" {
			base = defaultExportBase
		}
		if err := a.Export(base); err != nil {
			logger.Logger().Warn("export failed", "base", base, "error", err)
		}
	}

	v := a.View()
	if v == nil {
		return
	}
	switch keyCode {
	case common.KeyV:
		v.SetVisible(!v.Visible())
	case common.KeyRight:
		v.SetTime(v.Time() + 1)
	case common.KeyLeft:
		v.SetTime(v.Time() - 1)
	case common.KeyUp:
		v.SetChannel(v.Channel() + 1)
	case common.KeyDown:
		v.SetChannel(v.Channel() - 1)
	case common.KeyPageUp:
		v.SetSlice(v.Slice() + 1)
	case common.KeyPageDown:
		v.SetSlice(v.Slice() - 1)
	}
}
