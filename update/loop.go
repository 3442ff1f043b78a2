package update

import (
	"context"
	"time"

	"github.com/distribution/bundleupdate/internal/dcontext"
	"github.com/distribution/bundleupdate/updateerr"
)

// DefaultCheckInterval is the background loop's default period, per §4.10.
const DefaultCheckInterval = 6 * time.Hour

// Loop schedules update cycles on a fixed interval (C10). It is a single
// cooperative task: Run blocks until ctx is cancelled, sleeping
// interruptibly between cycles. A cycle's terminal error is delivered to
// Sink as an Error event and never stops the loop, per §4.10/§7 "the
// background loop never dies".
type Loop struct {
	Engine        *Engine
	CheckInterval time.Duration
	Sink          Sink
}

// NewLoop constructs a Loop. A zero interval uses DefaultCheckInterval.
func NewLoop(engine *Engine, interval time.Duration, sink Sink) *Loop {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Loop{Engine: engine, CheckInterval: interval, Sink: sink}
}

// Run repeats "run cycle, then sleep CheckInterval" until ctx is
// cancelled. It checks cancellation both between cycles and during the
// sleep, per §4.10/§5.
func (l *Loop) Run(ctx context.Context) error {
	log := dcontext.GetLogger(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := l.Engine.RunCycleSink(ctx, l.Sink); err != nil {
			if _, ok := updateerr.As(err); ok {
				log.WithError(err).Debug("update cycle ended with error event")
			} else {
				log.WithError(err).Warn("update cycle failed")
			}
		}

		timer := time.NewTimer(l.CheckInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
