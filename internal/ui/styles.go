package ui

import "fmt"

// ANSI256 color codes.
const (
	colorAccent  = 74  // blue
	colorCmd     = 250 // light gray
	colorMuted   = 245 // medium gray
	colorSuccess = 114 // green
	colorWarn    = 179 // amber
	colorFail    = 203 // red
)

var noColor bool

func paint(code int, s string) string {
	if noColor || s == "" {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// RenderCommand returns s styled as a command name.
func RenderCommand(s string) string { return paint(colorCmd, s) }

// RenderStatus colors a run status by outcome: green for succeeded, red for
// failed, amber for cancelled, blue while the run is still active.
func RenderStatus(status string) string {
	switch status {
	case "succeeded":
		return paint(colorSuccess, status)
	case "failed":
		return paint(colorFail, status)
	case "cancelled":
		return paint(colorWarn, status)
	case "queued", "running":
		return paint(colorAccent, status)
	}
	return status
}

// RenderEvent colors a run event name. Terminal events share the status colors.
func RenderEvent(name string) string {
	switch name {
	case "done":
		return paint(colorSuccess, name)
	case "error":
		return paint(colorFail, name)
	case "cancelled":
		return paint(colorWarn, name)
	}
	return paint(colorCmd, name)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
