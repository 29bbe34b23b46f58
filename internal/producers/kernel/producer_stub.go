//go:build !linux
// +build !linux

package kernel

import (
	"context"
	"errors"
)

// ErrUnsupported is returned on platforms without BPF ring buffers.
var ErrUnsupported = errors.New("kernel producer requires linux")

// Run fails immediately off Linux.
func (p *Producer) Run(_ context.Context) error {
	return ErrUnsupported
}
