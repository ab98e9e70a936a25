package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"strings"
)

// CommandCapturer runs an external screenshot tool that writes a PNG or JPEG
// of the whole screen to stdout, for example "grim -" on Wayland or
// "import -window root png:-" on X11. The output is treated as one monitor.
type CommandCapturer struct {
	name string
	args []string
}

// NewCommandCapturer parses command into a program and its arguments.
func NewCommandCapturer(command string) (*CommandCapturer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("empty capture command")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("capture command not found: %w", err)
	}
	return &CommandCapturer{name: fields[0], args: fields[1:]}, nil
}

// Capture implements Capturer.
func (c *CommandCapturer) Capture(ctx context.Context) ([]Frame, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", c.name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", c.name, err)
	}

	img, _, err := image.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s output: %w", c.name, err)
	}
	return []Frame{{Index: 1, Image: img}}, nil
}

// Cursor implements Capturer. External tools do not report the pointer.
func (c *CommandCapturer) Cursor() (int, int, bool) {
	return 0, 0, false
}
