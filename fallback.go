package insureops

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Polling fallback
// ============================================================================

// FallbackMode describes where a consumer's data currently comes from.
type FallbackMode string

const (
	ModeLive    FallbackMode = "live"    // feed connected, no polling
	ModePolling FallbackMode = "polling" // feed down, REST polls succeed
	ModeOffline FallbackMode = "offline" // feed down, last poll failed
)

// DefaultPollInterval is used when FallbackOptions.Interval is zero.
const DefaultPollInterval = 15 * time.Second

// PollFunc fetches a snapshot over REST.
type PollFunc func(ctx context.Context) (any, error)

// FallbackOptions configures a FallbackPoller.
type FallbackOptions struct {
	Interval time.Duration
	// OnResult receives every successful poll result.
	OnResult func(any)
	// OnModeChange is told about every mode transition.
	OnModeChange func(FallbackMode)
	Logger       *slog.Logger
}

// stateSource is the part of Feed the poller watches.
type stateSource interface {
	State() ConnState
	OnStateChange(fn func(ConnState)) Unsubscribe
}

// FallbackPoller polls a REST endpoint while a feed is not connected and
// goes quiet once the feed is back.
type FallbackPoller struct {
	feed     stateSource
	fetch    PollFunc
	interval time.Duration
	onResult func(any)
	onMode   func(FallbackMode)
	logger   *slog.Logger

	wake chan struct{}

	mu       sync.Mutex
	online   bool
	pollErr  error
	mode     FallbackMode
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	unwatch  Unsubscribe
	lastPoll time.Time
}

// NewFallbackPoller creates a poller for feed. Call Start to begin watching.
func NewFallbackPoller(feed stateSource, fetch PollFunc, opts *FallbackOptions) *FallbackPoller {
	p := &FallbackPoller{
		feed:     feed,
		fetch:    fetch,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if opts != nil {
		if opts.Interval > 0 {
			p.interval = opts.Interval
		}
		p.onResult = opts.OnResult
		p.onMode = opts.OnModeChange
		if opts.Logger != nil {
			p.logger = opts.Logger
		}
	}
	p.logger = p.logger.With("component", "fallback")
	return p
}

// Start begins watching the feed. Polling stops when ctx is cancelled or
// Close is called. Start may only be called once.
func (p *FallbackPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.unwatch = p.feed.OnStateChange(p.feedState)
	p.mu.Unlock()

	p.feedState(p.feed.State())
	go p.loop(ctx)
}

// Close stops polling and detaches from the feed. The context passed to an
// in-flight poll is cancelled and Close waits for it to return.
func (p *FallbackPoller) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}
	p.unwatch()
	p.cancel()
	<-p.done
}

// Mode reports the current data source.
func (p *FallbackPoller) Mode() FallbackMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modeLocked()
}

// LastPoll returns when the last successful poll completed.
func (p *FallbackPoller) LastPoll() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPoll
}

func (p *FallbackPoller) modeLocked() FallbackMode {
	switch {
	case p.online:
		return ModeLive
	case p.pollErr != nil:
		return ModeOffline
	default:
		return ModePolling
	}
}

func (p *FallbackPoller) feedState(s ConnState) {
	p.mu.Lock()
	wasOnline, first := p.online, p.mode == ""
	p.online = s == StateConnected
	if p.online {
		p.pollErr = nil
	}
	goingDown := !p.online && (wasOnline || first)
	p.mu.Unlock()

	// Poll right away instead of waiting a full interval.
	if goingDown {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	p.notifyMode()
}

// notifyMode reports the mode if it changed since the last report.
func (p *FallbackPoller) notifyMode() {
	p.mu.Lock()
	m := p.modeLocked()
	changed := m != p.mode
	p.mode = m
	p.mu.Unlock()

	if !changed || p.onMode == nil {
		return
	}
	p.logger.Info("data source changed", "mode", m)
	safeCall(p.logger, "fallback handler panicked", func() { p.onMode(m) })
}

func (p *FallbackPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		p.poll(ctx)
	}
}

func (p *FallbackPoller) poll(ctx context.Context) {
	p.mu.Lock()
	online := p.online
	p.mu.Unlock()
	if online {
		return
	}

	result, err := p.fetch(ctx)
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	p.pollErr = err
	if err == nil {
		p.lastPoll = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("fallback poll failed", "error", err)
	} else if p.onResult != nil {
		safeCall(p.logger, "fallback handler panicked", func() { p.onResult(result) })
	}
	p.notifyMode()
}
