package insureops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Feed.
type RealtimeConfig struct {
	// URL is the full feed endpoint. When empty it is derived from APIBase
	// and Channels with BuildFeedURL.
	URL      string
	APIBase  string
	Channels []string

	// Token is sent as a bearer credential during the handshake.
	Token      string
	HTTPClient *http.Client

	// Lazy defers the first connection until the first subscription.
	Lazy bool

	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMultiplier float64
	// ReconnectJitter is the randomization factor applied to each delay.
	// Zero keeps delays deterministic and non-decreasing.
	ReconnectJitter float64

	// ReadLimit caps the size of a single inbound frame in bytes.
	ReadLimit int64
}

// Defaults for RealtimeConfig.
const (
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 30 * time.Second
	DefaultReconnectMultiplier = 2.0
	DefaultReadLimit           = 1 << 20
)

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = DefaultReconnectMultiplier
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		c.ReconnectJitter = 0
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.Channels == nil {
		c.Channels = DefaultChannels
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState is the transport state reported to consumers.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Errors
var (
	ErrNoFeedURL  = errors.New("feed URL or API base is required")
	ErrFeedClosed = errors.New("feed was disconnected")
)

// ============================================================================
// Feed
// ============================================================================

// afterFunc schedules f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// FeedOption customises a Feed.
type FeedOption func(*Feed)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) FeedOption {
	return func(f *Feed) { f.dialer = d }
}

// WithFeedLogger sets the feed's logger.
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRegistry shares an existing registry with the feed.
func WithRegistry(r *Registry) FeedOption {
	return func(f *Feed) { f.registry = r }
}

func withAfterFunc(fn afterFunc) FeedOption {
	return func(f *Feed) { f.after = fn }
}

// FeedStats is a point-in-time view of a feed.
type FeedStats struct {
	State         ConnState
	URL           string
	Failures      int           // consecutive failed attempts since the last open
	NextRetry     time.Duration // delay of the pending reconnect, 0 if none
	Subscriptions int
	LastError     string
}

// Feed owns the single socket to the InsureOps event stream. It reconnects
// with exponential backoff after unexpected loss and stays down after
// Disconnect until Connect is called again.
type Feed struct {
	url      string
	cfg      RealtimeConfig
	logger   *slog.Logger
	dialer   Dialer
	after    afterFunc
	registry *Registry

	mu          sync.Mutex
	state       ConnState
	gen         uint64 // bumped by every Connect and Disconnect
	intentional bool
	transport   Transport
	cancel      context.CancelFunc
	stopTimer   func() bool
	recon       *backoffPolicy
	failures    int
	nextRetry   time.Duration
	lastErr     error
	seq         uint64

	obsMu     sync.Mutex
	obsNextID uint64
	observers []stateObserver

	emitMu     sync.Mutex
	queued     uint64
	pending    []ConnState
	delivering bool
}

type stateObserver struct {
	id uint64
	fn func(ConnState)
}

// NewFeed builds a feed. It does not connect; call Connect, or set
// RealtimeConfig.Lazy and subscribe.
func NewFeed(cfg RealtimeConfig, opts ...FeedOption) (*Feed, error) {
	cfg.defaults()

	u := cfg.URL
	if u == "" {
		if cfg.APIBase == "" {
			return nil, ErrNoFeedURL
		}
		var err error
		if u, err = BuildFeedURL(cfg.APIBase, cfg.Channels); err != nil {
			return nil, fmt.Errorf("build feed url: %w", err)
		}
	}

	f := &Feed{
		url:    u,
		cfg:    cfg,
		logger: slog.Default(),
		after:  realAfterFunc,
		state:  StateDisconnected,
		recon:  newBackoffPolicy(&cfg),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.dialer == nil {
		f.dialer = &WebSocketDialer{
			Token:      cfg.Token,
			HTTPClient: cfg.HTTPClient,
			ReadLimit:  cfg.ReadLimit,
		}
	}
	if f.registry == nil {
		f.registry = NewRegistry(f.logger)
	}
	f.logger = f.logger.With("component", "feed")
	return f, nil
}

// URL returns the endpoint the feed dials.
func (f *Feed) URL() string { return f.url }

// Registry returns the registry events are dispatched to.
func (f *Feed) Registry() *Registry { return f.registry }

// State returns the current connection state.
func (f *Feed) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsConnected reports whether the socket is open.
func (f *Feed) IsConnected() bool {
	return f.State() == StateConnected
}

// Stats returns current statistics.
func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	s := FeedStats{
		State:     f.state,
		URL:       f.url,
		Failures:  f.failures,
		NextRetry: f.nextRetry,
	}
	if f.lastErr != nil {
		s.LastError = f.lastErr.Error()
	}
	f.mu.Unlock()

	s.Subscriptions = f.registry.Len()
	return s
}

// Subscribe registers cb for events of the given type.
func (f *Feed) Subscribe(key EventKey, cb Callback) Unsubscribe {
	unsub := f.registry.Subscribe(key, cb)
	f.connectLazily()
	return unsub
}

// SubscribeAll registers cb for every event.
func (f *Feed) SubscribeAll(cb Callback) Unsubscribe {
	unsub := f.registry.SubscribeAll(cb)
	f.connectLazily()
	return unsub
}

// OnStateChange registers fn to be told about state transitions, in order.
// fn runs on the goroutine that caused the transition, or on the one already
// delivering an earlier transition, and must not block.
func (f *Feed) OnStateChange(fn func(ConnState)) Unsubscribe {
	if fn == nil {
		panic("insureops: OnStateChange called with nil func")
	}

	f.obsMu.Lock()
	f.obsNextID++
	id := f.obsNextID
	f.observers = append(f.observers, stateObserver{id: id, fn: fn})
	f.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.obsMu.Lock()
			defer f.obsMu.Unlock()
			for i, o := range f.observers {
				if o.id == id {
					next := make([]stateObserver, 0, len(f.observers)-1)
					next = append(next, f.observers[:i]...)
					f.observers = append(next, f.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// WaitConnected blocks until the socket is open. It returns ErrFeedClosed if
// Disconnect is called first and ctx.Err() if ctx ends.
func (f *Feed) WaitConnected(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	unsub := f.OnStateChange(func(ConnState) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	for {
		f.mu.Lock()
		state, closed := f.state, f.intentional
		f.mu.Unlock()

		switch {
		case state == StateConnected:
			return nil
		case closed:
			return ErrFeedClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Connect opens the socket if it is neither open nor opening. It returns
// immediately; progress is visible through State and OnStateChange.
func (f *Feed) Connect() {
	f.mu.Lock()
	f.intentional = false
	seq, changed := f.connectLocked()
	state := f.state
	f.mu.Unlock()

	if changed {
		f.emit(state, seq)
	}
}

// Disconnect closes the socket, cancels any pending reconnect and suppresses
// automatic recovery until the next Connect.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.intentional = true
	f.gen++
	if f.stopTimer != nil {
		f.stopTimer()
		f.stopTimer = nil
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	t := f.transport
	f.transport = nil
	f.recon.Reset()
	f.failures = 0
	f.nextRetry = 0
	seq, changed := f.setStateLocked(StateDisconnected)
	f.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			f.logger.Debug("close transport", "error", err)
		}
	}
	if changed {
		f.logger.Info("feed disconnected", "url", f.url)
		f.emit(StateDisconnected, seq)
	}
}

func (f *Feed) connectLazily() {
	if !f.cfg.Lazy {
		return
	}

	f.mu.Lock()
	if f.intentional || f.stopTimer != nil {
		f.mu.Unlock()
		return
	}
	seq, changed := f.connectLocked()
	state := f.state
	f.mu.Unlock()

	if changed {
		f.emit(state, seq)
	}
}

// connectLocked starts a dial for a new generation. Callers hold f.mu.
func (f *Feed) connectLocked() (uint64, bool) {
	if f.state != StateDisconnected {
		return 0, false
	}
	if f.stopTimer != nil {
		f.stopTimer()
		f.stopTimer = nil
	}
	f.nextRetry = 0

	f.gen++
	gen := f.gen
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	seq, changed := f.setStateLocked(StateConnecting)
	go f.run(ctx, gen)
	return seq, changed
}

func (f *Feed) setStateLocked(s ConnState) (uint64, bool) {
	if f.state == s {
		return 0, false
	}
	f.state = s
	f.seq++
	return f.seq, true
}

// run dials and then reads until the transport fails or the generation is
// superseded.
func (f *Feed) run(ctx context.Context, gen uint64) {
	f.logger.Debug("dialing feed", "url", f.url)

	t, err := f.dialer.Dial(ctx, f.url)
	if err != nil {
		f.lost(gen, err)
		return
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		_ = t.Close()
		return
	}
	f.transport = t
	f.recon.Reset()
	f.failures = 0
	f.lastErr = nil
	seq, changed := f.setStateLocked(StateConnected)
	f.mu.Unlock()

	f.logger.Info("feed connected", "url", f.url)
	if changed {
		f.emit(StateConnected, seq)
	}

	for {
		raw, err := t.Read(ctx)
		if err != nil {
			f.lost(gen, err)
			return
		}

		ev, err := DecodeFrame(raw)
		if err != nil {
			f.logger.Debug("dropping frame", "error", err, "bytes", len(raw))
			continue
		}
		ev.ReceivedAt = time.Now()
		f.registry.Dispatch(ev)
	}
}

// lost handles a failed dial or a dropped socket for generation gen. It
// schedules exactly one reconnect unless the generation is stale or the
// close was intentional.
func (f *Feed) lost(gen uint64, cause error) {
	f.mu.Lock()
	if gen != f.gen || f.intentional {
		f.mu.Unlock()
		return
	}

	t := f.transport
	f.transport = nil
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}

	delay := f.recon.Next()
	f.failures++
	f.nextRetry = delay
	f.lastErr = cause
	f.stopTimer = f.after(delay, func() { f.retry(gen) })
	seq, changed := f.setStateLocked(StateDisconnected)
	failures := f.failures
	f.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}

	f.logger.Warn("feed connection lost",
		"url", f.url,
		"error", cause,
		"retry_in", delay,
		"failures", failures,
	)
	if changed {
		f.emit(StateDisconnected, seq)
	}
}

// retry is the reconnect timer callback.
func (f *Feed) retry(gen uint64) {
	f.mu.Lock()
	if gen != f.gen || f.intentional {
		f.mu.Unlock()
		return
	}
	f.stopTimer = nil
	seq, changed := f.connectLocked()
	state := f.state
	f.mu.Unlock()

	if changed {
		f.emit(state, seq)
	}
}

// emit delivers a transition to observers. Transitions older than one
// already queued are dropped, and only one goroutine delivers at a time, so
// observers see states in transition order and never move backwards. An
// emit made while another goroutine is delivering, including one made from
// inside an observer, is queued and delivered by that goroutine.
func (f *Feed) emit(s ConnState, seq uint64) {
	f.emitMu.Lock()
	if seq <= f.queued {
		f.emitMu.Unlock()
		return
	}
	f.queued = seq
	f.pending = append(f.pending, s)
	if f.delivering {
		f.emitMu.Unlock()
		return
	}
	f.delivering = true

	for len(f.pending) > 0 {
		next := f.pending[0]
		f.pending = f.pending[1:]
		f.emitMu.Unlock()

		f.obsMu.Lock()
		observers := f.observers
		f.obsMu.Unlock()
		for _, o := range observers {
			safeCall(f.logger, "state observer panicked", func() { o.fn(next) }, "state", string(next))
		}

		f.emitMu.Lock()
	}
	f.delivering = false
	f.emitMu.Unlock()
}
