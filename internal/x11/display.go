// Package x11 implements the window tree and event stream on top of the X11
// wire protocol.
package x11

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xproto"

	"github.com/guestfit/guestfit/internal/window"
)

// ErrDisplay reports that the X display could not be reached.
var ErrDisplay = errors.New("x display connection failed")

// Display is a connection to an X server rooted at its default screen.
type Display struct {
	conn      *xgb.Conn
	root      xproto.Window
	netWMName xproto.Atom
	closeOnce sync.Once
}

// Connect opens the named display, or $DISPLAY when name is empty.
func Connect(name string) (*Display, error) {
	conn, err := xgb.NewConnDisplay(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDisplay, err)
	}

	screen := xproto.Setup(conn).DefaultScreen(conn)
	if screen == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: no default screen", ErrDisplay)
	}

	d := &Display{
		conn: conn,
		root: screen.Root,
	}
	d.netWMName = d.atom("_NET_WM_NAME")
	return d, nil
}

// Root returns the root window of the default screen.
func (d *Display) Root() window.ID {
	return window.ID(d.root)
}

// Children lists the direct children of a window in stacking order.
func (d *Display) Children(id window.ID) ([]window.ID, bool) {
	reply, err := xproto.QueryTree(d.conn, xproto.Window(id)).Reply()
	if err != nil || reply == nil {
		return nil, false
	}
	children := make([]window.ID, 0, len(reply.Children))
	for _, child := range reply.Children {
		children = append(children, window.ID(child))
	}
	return children, true
}

// Title returns _NET_WM_NAME, falling back to WM_NAME.
func (d *Display) Title(id window.ID) (string, bool) {
	if d.netWMName != 0 {
		if value, ok := d.property(id, d.netWMName); ok && len(value) > 0 {
			return string(value), true
		}
	}
	value, ok := d.property(id, xproto.AtomWmName)
	if !ok {
		return "", false
	}
	return string(value), true
}

// ClassHints returns the instance and class strings of WM_CLASS.
func (d *Display) ClassHints(id window.ID) ([]string, bool) {
	value, ok := d.property(id, xproto.AtomWmClass)
	if !ok {
		return nil, false
	}
	return splitClass(value), true
}

// Geometry returns the window's current width and height.
func (d *Display) Geometry(id window.ID) (window.Size, bool) {
	reply, err := xproto.GetGeometry(d.conn, xproto.Drawable(id)).Reply()
	if err != nil || reply == nil {
		return window.Size{}, false
	}
	return window.Size{Width: int(reply.Width), Height: int(reply.Height)}, true
}

// EnableChangeNotifications selects StructureNotify events on the window.
func (d *Display) EnableChangeNotifications(id window.ID) error {
	err := xproto.ChangeWindowAttributesChecked(
		d.conn,
		xproto.Window(id),
		xproto.CwEventMask,
		[]uint32{xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		return fmt.Errorf("select structure notify on %s: %w", id, err)
	}
	return nil
}

// NextEvent blocks until the server delivers an event. It returns
// window.ErrClosed once the connection has been closed.
func (d *Display) NextEvent() (window.Event, error) {
	ev, xerr := d.conn.WaitForEvent()
	if ev == nil && xerr == nil {
		return window.Event{}, window.ErrClosed
	}
	if xerr != nil {
		return window.Event{}, fmt.Errorf("x protocol error: %s", xerr.Error())
	}

	switch e := ev.(type) {
	case xproto.ConfigureNotifyEvent:
		return window.Event{
			Type:   window.EventConfigure,
			Window: window.ID(e.Window),
			Size:   window.Size{Width: int(e.Width), Height: int(e.Height)},
		}, nil
	default:
		return window.Event{Type: window.EventOther}, nil
	}
}

// Close shuts the connection down and unblocks NextEvent.
func (d *Display) Close() error {
	d.closeOnce.Do(d.conn.Close)
	return nil
}

func (d *Display) atom(name string) xproto.Atom {
	reply, err := xproto.InternAtom(d.conn, true, uint16(len(name)), name).Reply()
	if err != nil || reply == nil {
		return 0
	}
	return reply.Atom
}

func (d *Display) property(id window.ID, atom xproto.Atom) ([]byte, bool) {
	reply, err := xproto.GetProperty(
		d.conn,
		false,
		xproto.Window(id),
		atom,
		xproto.GetPropertyTypeAny,
		0,
		math.MaxUint32/4,
	).Reply()
	if err != nil || reply == nil {
		return nil, false
	}
	// Format 0 means the property is not set on the window.
	if reply.Format == 0 {
		return nil, true
	}
	if reply.Format != 8 {
		return nil, false
	}
	return reply.Value, true
}

func splitClass(value []byte) []string {
	parts := strings.Split(string(value), "\x00")
	classes := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		classes = append(classes, part)
	}
	return classes
}

var _ window.Tree = (*Display)(nil)
