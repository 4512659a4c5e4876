package window

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCursorDragDeltas(t *testing.T) {
	w := &engineWindow{}
	var got [][2]float32
	w.SetDragCallback(func(dx, dy float32) { got = append(got, [2]float32{dx, dy}) })

	w.cursorMoved(10, 10)
	assert.Empty(t, got, "no drag without the button held")

	w.dragging = true
	w.cursorMoved(13, 8)
	w.cursorMoved(13, 9)
	w.dragging = false
	w.cursorMoved(40, 40)

	assert.Equal(t, [][2]float32{{3, -2}, {0, 1}}, got)
}

func TestClosedWindow(t *testing.T) {
	w := &engineWindow{}
	assert.False(t, w.IsRunning())
	assert.Nil(t, w.SurfaceDescriptor())
	assert.ErrorIs(t, w.Close(), ErrClosed)
	w.RequestClose()
}
