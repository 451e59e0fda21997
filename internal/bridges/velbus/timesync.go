package velbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FrameSender transmits frames; Dispatcher.SendFrames satisfies it.
type FrameSender func(ctx context.Context, frames ...Frame) error

// TimeSync periodically sets the date and clock of one module.
//
// The first emission happens as soon as Start is called, then every
// interval. Stop cancels the schedule and waits for an emission in flight to
// finish, so nothing is sent after Stop returns. Stop is idempotent.
type TimeSync struct {
	address  byte
	interval time.Duration
	send     FrameSender
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool

	logger    Logger
	emissions atomic.Uint64
	failures  atomic.Uint64
}

// NewTimeSync creates a time sync for the module at address.
func NewTimeSync(address byte, interval time.Duration, send FrameSender) *TimeSync {
	return &TimeSync{
		address:  address,
		interval: interval,
		send:     send,
		now:      time.Now,
	}
}

// SetLogger sets the logger for failed emissions.
func (t *TimeSync) SetLogger(logger Logger) {
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

// Start launches the schedule. Calling Start twice, or after Stop, does
// nothing. A non-positive interval disables the schedule.
func (t *TimeSync) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.done != nil || t.interval <= 0 {
		return
	}

	var runCtx context.Context
	runCtx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(runCtx, t.done)
}

// Stop cancels the schedule and waits for the goroutine to exit.
func (t *TimeSync) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Emissions returns how many date/time pairs were sent successfully.
func (t *TimeSync) Emissions() uint64 {
	return t.emissions.Load()
}

func (t *TimeSync) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	t.emit(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.emit(ctx)
		}
	}
}

func (t *TimeSync) emit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := t.now()
	err := t.send(ctx, SetDate(t.address, now), SetRealtimeClock(t.address, now))
	if err != nil {
		t.failures.Add(1)
		t.mu.Lock()
		logger := t.logger
		t.mu.Unlock()
		if logger != nil {
			logger.Debug("time sync not sent", "address", t.address, "error", err)
		}
		return
	}
	t.emissions.Add(1)
}
