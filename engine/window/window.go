package window

import (
	"runtime"

	"github.com/cogentcore/webgpu/wgpu"
)

// Window is the viewer window and its input events.
type Window interface {
	// SetUpdateCallback sets the function called once per event loop iteration.
	//
	// Parameters:
	//   - callback: function to call (or nil to disable)
	SetUpdateCallback(callback func())

	// SetResizeCallback sets the function called when the framebuffer is resized.
	//
	// Parameters:
	//   - callback: function receiving the new width and height in pixels
	SetResizeCallback(callback func(width, height int))

	// SetScrollCallback sets the callback for mouse wheel events.
	//
	// Parameters:
	//   - callback: function receiving the vertical scroll delta (positive = away from the user)
	SetScrollCallback(callback func(delta float32))

	// SetKeyDownCallback sets the callback for key presses and repeats.
	//
	// Parameters:
	//   - callback: function receiving the key code (see common.Key*)
	SetKeyDownCallback(callback func(keyCode uint32))

	// SetDragCallback sets the callback for mouse movement while the left button is held.
	//
	// Parameters:
	//   - callback: function receiving the cursor delta in pixels
	SetDragCallback(callback func(dx, dy float32))

	// SetDropCallback sets the callback for files dropped onto the window.
	//
	// Parameters:
	//   - callback: function receiving the dropped paths
	SetDropCallback(callback func(paths []string))

	// SurfaceDescriptor returns the platform surface descriptor for the device.
	//
	// Returns:
	//   - *wgpu.SurfaceDescriptor: the descriptor, or nil once the window is closed
	SurfaceDescriptor() *wgpu.SurfaceDescriptor

	// IsRunning reports whether the window is still open.
	//
	// Returns:
	//   - bool: false once closed or asked to close
	IsRunning() bool

	// RequestClose asks the event loop to stop after the current iteration.
	RequestClose()

	// Close destroys the window and terminates GLFW.
	//
	// Returns:
	//   - error: error if the window was already closed
	Close() error

	// ProcessMessages polls events until the window closes, calling the update callback each
	// iteration. It must run on the thread that created the window.
	ProcessMessages()

	// Width returns the framebuffer width in pixels.
	//
	// Returns:
	//   - int: width in pixels
	Width() int

	// Height returns the framebuffer height in pixels.
	//
	// Returns:
	//   - int: height in pixels
	Height() int
}

type engineWindow struct {
	title         string
	width, height int
	resizable     bool

	internalWindow *glfwWindow

	onUpdate func()
	onResize func(width, height int)
	onScroll func(delta float32)
	onKey    func(keyCode uint32)
	onDrag   func(dx, dy float32)
	onDrop   func(paths []string)

	// dragging is true while the left button is held; lastX/lastY track the previous cursor
	dragging     bool
	lastX, lastY float64
}

var _ Window = &engineWindow{}

// NewWindow creates and shows a window. GLFW pins the calling goroutine to its OS thread.
//
// Parameters:
//   - options: functional options to configure the window
//
// Returns:
//   - Window: the window
//   - error: error if GLFW or the window could not be initialized
func NewWindow(options ...WindowBuilderOption) (Window, error) {
	w := &engineWindow{
		title:     "oxy-flow",
		width:     1280,
		height:    720,
		resizable: true,
	}
	for _, opt := range options {
		opt(w)
	}
	if err := newPlatformWindow(w); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *engineWindow) SetUpdateCallback(callback func()) {
	w.onUpdate = callback
}

func (w *engineWindow) SetResizeCallback(callback func(width, height int)) {
	w.onResize = callback
}

func (w *engineWindow) SetScrollCallback(callback func(delta float32)) {
	w.onScroll = callback
}

func (w *engineWindow) SetKeyDownCallback(callback func(keyCode uint32)) {
	w.onKey = callback
}

func (w *engineWindow) SetDragCallback(callback func(dx, dy float32)) {
	w.onDrag = callback
}

func (w *engineWindow) SetDropCallback(callback func(paths []string)) {
	w.onDrop = callback
}

func (w *engineWindow) SurfaceDescriptor() *wgpu.SurfaceDescriptor {
	return platformSurfaceDescriptor(w)
}

func (w *engineWindow) IsRunning() bool {
	return platformIsRunning(w)
}

func (w *engineWindow) RequestClose() {
	platformRequestClose(w)
}

func (w *engineWindow) Close() error {
	return platformCloseWindow(w)
}

func (w *engineWindow) ProcessMessages() {
	for platformPollEvents(w) {
		if w.onUpdate != nil {
			w.onUpdate()
		}
		runtime.Gosched()
	}
}

func (w *engineWindow) Width() int {
	return w.width
}

func (w *engineWindow) Height() int {
	return w.height
}

// cursorMoved turns absolute cursor positions into drag deltas while the left button is held.
func (w *engineWindow) cursorMoved(x, y float64) {
	dx, dy := x-w.lastX, y-w.lastY
	w.lastX, w.lastY = x, y
	if w.dragging && w.onDrag != nil {
		w.onDrag(float32(dx), float32(dy))
	}
}
