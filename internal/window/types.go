package window

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no window matched within the search budget.
	ErrNotFound = errors.New("window not found")
	// ErrClosed reports that the display event stream has been closed.
	ErrClosed = errors.New("display event stream closed")
)

// ID identifies a window on the display server.
type ID uint32

// String renders the id the way X11 tools print window ids.
func (id ID) String() string {
	return fmt.Sprintf("0x%x", uint32(id))
}

// Size is a window's width and height in pixels.
type Size struct {
	Width  int
	Height int
}

// String renders the size as WIDTHxHEIGHT.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// IsZero reports whether no size has been recorded.
func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

// Handle is a located window plus its last known size.
//
// The locator fills Size from the window geometry when it can be read; the
// event loop owns the handle afterwards and is the only writer of Size.
type Handle struct {
	ID    ID
	Title string
	Size  Size
}

// EventType classifies a display event.
type EventType int

const (
	// EventOther is any display event other than a structural change.
	EventOther EventType = iota
	// EventConfigure is a structural change (size, position, stacking) of a window.
	EventConfigure
)

// Event is one notification from the display server.
type Event struct {
	Type   EventType
	Window ID
	Size   Size
}

// Tree is the window-hierarchy introspection surface of a display server.
//
// Queries return ok=false when the data is unavailable, for example because
// the window was destroyed between listing and inspection. Absence is a
// normal outcome and never an error.
type Tree interface {
	Children(id ID) ([]ID, bool)
	Title(id ID) (string, bool)
	ClassHints(id ID) ([]string, bool)
	Geometry(id ID) (Size, bool)
	EnableChangeNotifications(id ID) error
}
