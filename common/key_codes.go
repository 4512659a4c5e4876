package common

// Key codes for the viewer controls. Values match GLFW key codes, which use ASCII for printable keys.
// Reference: https://pkg.go.dev/github.com/go-gl/glfw/v3.3/glfw#Key
const (
	KeySpace = 32 // start an integration run
	KeyE     = 69 // export trajectories
	KeyU     = 85 // unload dataset
	KeyV     = 86 // toggle the dataset debug view

	KeyRight = 262 // next time slice
	KeyLeft  = 263 // previous time slice
	KeyDown  = 264 // previous channel
	KeyUp    = 265 // next channel

	KeyPageUp   = 266 // next depth slice
	KeyPageDown = 267 // previous depth slice
)
