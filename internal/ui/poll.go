package ui

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PollResult says how a poll ended.
type PollResult int

const (
	PollRunning PollResult = iota
	// PollStopped means the tick function asked to stop.
	PollStopped
	PollCancelled
	// PollExhausted means the attempt budget ran out.
	PollExhausted
	// PollFailed means a tick returned an error.
	PollFailed
)

func (r PollResult) String() string {
	switch r {
	case PollRunning:
		return "running"
	case PollStopped:
		return "stopped"
	case PollCancelled:
		return "cancelled"
	case PollExhausted:
		return "exhausted"
	case PollFailed:
		return "failed"
	}
	return "unknown"
}

// TickFunc runs one poll attempt. Returning stop ends the poll; an error
// ends it as failed.
type TickFunc func(ctx context.Context) (stop bool, err error)

// Poll is a cancellable repeating task. The first tick runs immediately.
type Poll struct {
	cancel    context.CancelFunc
	remaining atomic.Int64
	done      chan struct{}

	mu     sync.Mutex
	result PollResult
	err    error
}

// PollConfig shapes a poll. Attempts of zero means unbounded. Immediate
// runs the first tick without waiting for the interval.
type PollConfig struct {
	Interval  time.Duration
	Attempts  int
	Immediate bool
}

// StartPoll runs tick until it stops, fails, is cancelled or the attempt
// budget is spent. onEnd runs once with the final result.
func StartPoll(ctx context.Context, cfg PollConfig, tick TickFunc, onEnd func(PollResult, error)) *Poll {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poll{cancel: cancel, done: make(chan struct{})}
	p.remaining.Store(int64(cfg.Attempts))
	go p.run(ctx, cfg, tick, onEnd)
	return p
}

func (p *Poll) run(ctx context.Context, cfg PollConfig, tick TickFunc, onEnd func(PollResult, error)) {
	defer close(p.done)
	first := cfg.Interval
	if cfg.Immediate {
		first = 0
	}
	result, err := p.loop(ctx, first, cfg.Interval, cfg.Attempts > 0, tick)
	p.mu.Lock()
	p.result, p.err = result, err
	p.mu.Unlock()
	p.cancel()
	if onEnd != nil {
		onEnd(result, err)
	}
}

func (p *Poll) loop(ctx context.Context, first, interval time.Duration, bounded bool, tick TickFunc) (PollResult, error) {
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return PollCancelled, nil
		case <-timer.C:
		}
		if bounded {
			if p.remaining.Load() <= 0 {
				return PollExhausted, nil
			}
			p.remaining.Add(-1)
		}
		stop, err := tick(ctx)
		if ctx.Err() != nil {
			return PollCancelled, nil
		}
		if err != nil {
			return PollFailed, err
		}
		if stop {
			return PollStopped, nil
		}
		if bounded && p.remaining.Load() <= 0 {
			return PollExhausted, nil
		}
		timer.Reset(interval)
	}
}

// Cancel stops the poll. It is safe to call more than once.
func (p *Poll) Cancel() {
	if p != nil {
		p.cancel()
	}
}

// Remaining is the number of attempts left; zero for unbounded polls.
func (p *Poll) Remaining() int {
	return int(p.remaining.Load())
}

// Done is closed when the poll ended.
func (p *Poll) Done() <-chan struct{} {
	return p.done
}

// Active reports whether the poll is still running.
func (p *Poll) Active() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Result returns how the poll ended, PollRunning while it runs.
func (p *Poll) Result() (PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}
