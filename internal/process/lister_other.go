//go:build !linux

package process

// NewLister returns ErrUnsupported outside Linux.
func NewLister() (Lister, error) {
	return nil, ErrUnsupported
}
