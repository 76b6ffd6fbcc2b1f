package netmon

import (
	"context"
	"time"
)

// Checker reports whether the network currently looks reachable.
// It should be cheap and bounded; the result is treated as a hint.
type Checker func(ctx context.Context) bool

// Probe is a Monitor that polls a Checker on a fixed interval.
type Probe struct {
	*Manual
	check    Checker
	interval time.Duration
}

// NewProbe creates a polling monitor. The initial state is a synchronous
// first check so Online is meaningful before Start is called.
func NewProbe(ctx context.Context, check Checker, interval time.Duration) *Probe {
	return &Probe{
		Manual:   NewManual(check(ctx)),
		check:    check,
		interval: interval,
	}
}

// Start polls until ctx is cancelled. Run it in its own goroutine.
func (p *Probe) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SetOnline(p.check(ctx))
		}
	}
}
