package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// input_event from linux/input.h on 64-bit platforms.
const eventSize = 24

const (
	evKey = 0x01

	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
)

// EvdevSource reads key and button events from /dev/input devices. Reading
// requires membership of the input group. Pointer motion is relative on
// evdev, so mouse events carry zero coordinates.
type EvdevSource struct {
	events chan InputEvent
	files  []*os.File
	wg     sync.WaitGroup
	once   sync.Once
	logger zerolog.Logger
}

// NewEvdevSource opens every device matching patterns.
func NewEvdevSource(patterns []string, logger zerolog.Logger) (*EvdevSource, error) {
	s := &EvdevSource{
		events: make(chan InputEvent, 256),
		logger: logger.With().Str("component", "evdev").Logger(),
	}

	var errs []error
	for _, pattern := range patterns {
		paths, err := filepath.Glob(pattern)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range paths {
			f, err := os.Open(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.files = append(s.files, f)
		}
	}
	if len(s.files) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("no input devices match %v", patterns)
		}
		return nil, fmt.Errorf("no readable input devices: %w", errors.Join(errs...))
	}

	for _, f := range s.files {
		s.wg.Add(1)
		go s.read(f)
	}
	go func() {
		s.wg.Wait()
		close(s.events)
	}()

	s.logger.Info().Int("devices", len(s.files)).Msg("Reading input devices")
	return s, nil
}

// Events implements InputSource.
func (s *EvdevSource) Events() <-chan InputEvent { return s.events }

// Close implements InputSource.
func (s *EvdevSource) Close() error {
	var errs []error
	s.once.Do(func() {
		for _, f := range s.files {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (s *EvdevSource) read(f *os.File) {
	defer s.wg.Done()
	buf := make([]byte, eventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if !errors.Is(err, os.ErrClosed) {
				s.logger.Debug().Err(err).Str("path", f.Name()).Msg("Input device closed")
			}
			return
		}
		if ev, ok := decodeEvent(buf); ok {
			select {
			case s.events <- ev:
			default:
				s.logger.Warn().Msg("Input event buffer full, dropping event")
			}
		}
	}
}

// decodeEvent converts one raw input_event into an InputEvent. Key presses
// and auto-repeats are ignored; buttons report both edges.
func decodeEvent(buf []byte) (InputEvent, bool) {
	sec := int64(binary.LittleEndian.Uint64(buf[0:8]))
	usec := int64(binary.LittleEndian.Uint64(buf[8:16]))
	typ := binary.LittleEndian.Uint16(buf[16:18])
	code := binary.LittleEndian.Uint16(buf[18:20])
	value := int32(binary.LittleEndian.Uint32(buf[20:24]))

	if typ != evKey || value == 2 {
		return InputEvent{}, false
	}
	at := time.Unix(sec, usec*1000)

	switch code {
	case btnLeft, btnRight, btnMiddle:
		return InputEvent{Kind: InputMouse, Time: at, Button: buttonName(code), Pressed: value == 1}, true
	}
	if value != 0 || code >= btnLeft {
		return InputEvent{}, false
	}
	return InputEvent{Kind: InputKey, Time: at, Key: keyName(code), KeyCode: strconv.Itoa(int(code))}, true
}

func buttonName(code uint16) string {
	switch code {
	case btnLeft:
		return "Button.left"
	case btnRight:
		return "Button.right"
	default:
		return "Button.middle"
	}
}

var keyNames = map[uint16]string{
	1: "esc", 14: "backspace", 15: "tab", 28: "enter", 29: "ctrl_l", 42: "shift",
	54: "shift_r", 56: "alt_l", 57: "space", 58: "caps_lock", 97: "ctrl_r",
	100: "alt_r", 103: "up", 105: "left", 106: "right", 108: "down", 111: "delete",
	125: "cmd",
}

// rows of the US layout, indexed from their first key code
var keyRows = []struct {
	first uint16
	chars string
}{
	{2, "1234567890-="},
	{16, "qwertyuiop[]"},
	{30, "asdfghjkl;'`"},
	{43, `\zxcvbnm,./`},
}

func keyName(code uint16) string {
	if name, ok := keyNames[code]; ok {
		return name
	}
	for _, row := range keyRows {
		if code >= row.first && int(code-row.first) < len(row.chars) {
			return string(row.chars[code-row.first])
		}
	}
	if code >= 59 && code <= 68 {
		return "f" + strconv.Itoa(int(code-58))
	}
	return "key_" + strconv.Itoa(int(code))
}
