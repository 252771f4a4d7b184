package kernel

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Retention knobs for the periodic sweep.
const (
	// DefaultSweepInterval is how often maintenance runs.
	DefaultSweepInterval = time.Minute
	// DefaultRotateBytes rotates the audit log past 64 MiB.
	DefaultRotateBytes = int64(64 << 20)
	// confirmRetention drops resolved confirmations after a day.
	confirmRetention = 24 * time.Hour
)

// RunSweeper runs periodic maintenance until ctx is done: expired tokens
// and stale revocation marks are dropped, resolved confirmations age
// out, and the audit log rotates once it crosses rotateBytes. A
// rotateBytes of zero disables rotation.
func (k *Kernel) RunSweeper(ctx context.Context, interval time.Duration, rotateBytes int64) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.SweepOnce(rotateBytes)
		}
	}
}

// SweepOnce performs one maintenance pass.
func (k *Kernel) SweepOnce(rotateBytes int64) {
	k.tokens.Sweep()
	k.tokens.CleanupRevocations()

	if k.confirms != nil {
		if _, err := k.confirms.Sweep(confirmRetention); err != nil {
			fmt.Fprintf(os.Stderr, "toolgate: confirmation sweep: %v\n", err)
		}
	}

	if rotateBytes > 0 {
		size, err := k.log.Size()
		if err != nil {
			fmt.Fprintf(os.Stderr, "toolgate: audit size: %v\n", err)
			return
		}
		if size >= rotateBytes {
			if _, err := k.log.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "toolgate: audit rotate: %v\n", err)
			}
		}
	}
}
