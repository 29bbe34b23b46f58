//go:build linux
// +build linux

package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// Run attaches to the pinned ring buffer map and pumps records until
// ctx is done. The BPF programs that fill the map are deployed and
// pinned separately.
func (p *Producer) Run(ctx context.Context) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		p.logger.Warn("Failed to remove memlock limit", zap.Error(err))
	}

	m, err := ebpf.LoadPinnedMap(p.cfg.PinPath, nil)
	if err != nil {
		return fmt.Errorf("failed to open pinned map %s: %w", p.cfg.PinPath, err)
	}
	defer m.Close()

	reader, err := ringbuf.NewReader(m)
	if err != nil {
		return fmt.Errorf("failed to create ring buffer reader: %w", err)
	}
	defer reader.Close()

	p.logger.Info("Kernel producer attached",
		zap.String("pin_path", p.cfg.PinPath))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Kernel producer stopping")
			return nil
		default:
		}

		// Bounded read so the context check above runs periodically.
		reader.SetDeadline(time.Now().Add(p.cfg.ReadTimeout))
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				p.logger.Debug("Ring buffer closed, exiting")
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			p.readErrors.Add(1)
			p.logger.Debug("Ring buffer read error", zap.Error(err))
			continue
		}

		if err := p.handleRecord(record.RawSample); err != nil {
			p.logger.Warn("Failed to handle kernel record", zap.Error(err))
		}
	}
}
