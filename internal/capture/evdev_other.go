//go:build !linux

package capture

import "github.com/rs/zerolog"

// EvdevSource is only available on Linux.
type EvdevSource struct{}

// NewEvdevSource returns ErrUnsupported outside Linux.
func NewEvdevSource(patterns []string, logger zerolog.Logger) (*EvdevSource, error) {
	return nil, ErrUnsupported
}

// Events implements InputSource.
func (s *EvdevSource) Events() <-chan InputEvent { return nil }

// Close implements InputSource.
func (s *EvdevSource) Close() error { return nil }
