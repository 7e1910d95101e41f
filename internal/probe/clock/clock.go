// Package clock provides the microsecond time source and pacing sleep used
// by the probe loops.
package clock

import (
	"context"
	"time"
)

type Clock interface {
	// Now returns the current wall-clock time in microseconds since the epoch.
	Now() uint64

	// Sleep pauses for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the real clock.
type System struct{}

func (System) Now() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
