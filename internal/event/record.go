package event

import "time"

// Kind discriminates capture records. The value is written as the "type"
// field of each events.jsonl line.
type Kind string

const (
	KindScreenshot     Kind = "screenshot"
	KindKeyRelease     Kind = "key_release"
	KindMouseClick     Kind = "mouse_click"
	KindMouseRelease   Kind = "mouse_release"
	KindScreenLocked   Kind = "screen_locked"
	KindScreenUnlocked Kind = "screen_unlocked"
	KindProcessStarted Kind = "process_started"
	KindProcessStopped Kind = "process_stopped"
)

// Record is one line of the event stream.
type Record interface {
	Kind() Kind
	Time() time.Time
}

// Header is embedded by every record so that each line starts with its type
// and timestamp.
type Header struct {
	Type      Kind      `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
}

// Kind returns the record kind.
func (h Header) Kind() Kind { return h.Type }

// Time returns when the record was captured.
func (h Header) Time() time.Time { return h.Timestamp.Time() }

func header(kind Kind, at time.Time) Header {
	return Header{Type: kind, Timestamp: At(at)}
}

// Screenshot records one capture of every monitor.
type Screenshot struct {
	Header
	Data ScreenshotData `json:"data"`

	// ImageSession is the session the image files were written to.
	ImageSession string `json:"-"`
}

// ScreenshotData holds the per-monitor files written for a screenshot.
type ScreenshotData struct {
	Timestamp    Timestamp `json:"timestamp"`
	Monitors     []Monitor `json:"monitors"`
	ScreenLocked bool      `json:"screen_locked"`
}

// Monitor describes one saved monitor image. Cursor coordinates are nil when
// the cursor was on a different monitor.
type Monitor struct {
	MonitorIndex   int     `json:"monitor_index"`
	Filename       string  `json:"filename"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	OriginalWidth  int     `json:"original_width"`
	OriginalHeight int     `json:"original_height"`
	Scale          float64 `json:"scale"`
	Quality        int     `json:"quality"`
	Left           int     `json:"left"`
	Top            int     `json:"top"`
	CursorX        *int    `json:"cursor_x"`
	CursorY        *int    `json:"cursor_y"`
}

// NewScreenshot builds a screenshot record.
func NewScreenshot(at time.Time, monitors []Monitor, locked bool) *Screenshot {
	return &Screenshot{
		Header: header(KindScreenshot, at),
		Data: ScreenshotData{
			Timestamp:    At(at),
			Monitors:     monitors,
			ScreenLocked: locked,
		},
	}
}

// KeyRelease records a released key.
type KeyRelease struct {
	Header
	Key     string `json:"key"`
	KeyCode string `json:"key_code"`
}

// NewKeyRelease builds a key release record.
func NewKeyRelease(at time.Time, key, keyCode string) *KeyRelease {
	return &KeyRelease{Header: header(KindKeyRelease, at), Key: key, KeyCode: keyCode}
}

// MouseButton records a mouse button press or release.
type MouseButton struct {
	Header
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Button  string `json:"button"`
	Pressed bool   `json:"pressed"`
}

// NewMouseButton builds a mouse_click record when pressed, mouse_release
// otherwise.
func NewMouseButton(at time.Time, x, y int, button string, pressed bool) *MouseButton {
	kind := KindMouseRelease
	if pressed {
		kind = KindMouseClick
	}
	return &MouseButton{Header: header(kind, at), X: x, Y: y, Button: button, Pressed: pressed}
}

// ScreenLock records a lock-state transition.
type ScreenLock struct {
	Header
	DetectedBy string `json:"detected_by,omitempty"`
}

// NewScreenLock builds a screen_locked or screen_unlocked record.
func NewScreenLock(at time.Time, locked bool, detectedBy string) *ScreenLock {
	kind := KindScreenUnlocked
	if locked {
		kind = KindScreenLocked
	}
	return &ScreenLock{Header: header(kind, at), DetectedBy: detectedBy}
}

// ProcessStarted records a pid that appeared between two polls.
type ProcessStarted struct {
	Header
	PID      int32  `json:"pid"`
	Name     string `json:"name"`
	Exe      string `json:"exe"`
	Username string `json:"username"`
}

// ProcessStopped records a pid that disappeared between two polls.
type ProcessStopped struct {
	Header
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	Exe  string `json:"exe"`
}

// NewProcessStarted builds a process_started record.
func NewProcessStarted(at time.Time, pid int32, name, exe, username string) *ProcessStarted {
	return &ProcessStarted{Header: header(KindProcessStarted, at), PID: pid, Name: name, Exe: exe, Username: username}
}

// NewProcessStopped builds a process_stopped record.
func NewProcessStopped(at time.Time, pid int32, name, exe string) *ProcessStopped {
	return &ProcessStopped{Header: header(KindProcessStopped, at), PID: pid, Name: name, Exe: exe}
}
