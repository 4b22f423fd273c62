// Package hermes owns the single upstream connection to the Hermes price
// service. The subscription it holds is always the union of the feeds
// registered by connected clients, rebuilt whenever that union changes.
package hermes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "hermesgw/config"
	"hermesgw/internal/metrics"
	"hermesgw/logger"
	"hermesgw/models"
)

var (
	ErrAlreadyRunning = errors.New("hermes connector already running")
	errNotUpgraded    = errors.New("upstream did not switch protocols")
)

// FeedSource is the view of the feed registry the connector needs.
type FeedSource interface {
	IsEmpty() bool
	Union() []models.FeedID
	Contains(id models.FeedID) bool
	ConsumeDirty() bool
}

// Publisher receives every decoded update for a requested feed. Publish must not block and
// returns the number of consumers the update reached.
type Publisher interface {
	Publish(update models.PriceUpdate) int
}

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connector is created once at startup and started exactly once.
type Connector struct {
	cfg       appconfig.UpstreamConfig
	feeds     FeedSource
	out       Publisher
	dialer    *websocket.Dialer
	decodeLog *rate.Limiter
	log       *logger.Log

	state   atomic.Int32
	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func NewConnector(cfg appconfig.UpstreamConfig, feeds FeedSource, out Publisher) *Connector {
	limit := rate.Inf
	burst := 1
	if cfg.DecodeLogPerSecond > 0 {
		limit = rate.Limit(cfg.DecodeLogPerSecond)
		burst = int(math.Ceil(cfg.DecodeLogPerSecond))
	}

	return &Connector{
		cfg:   cfg,
		feeds: feeds,
		out:   out,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		decodeLog: rate.NewLimiter(limit, burst),
		log:       logger.GetLogger(),
	}
}

// Start launches the connection loop. It runs until ctx is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	c.log.WithComponent("hermes_connector").WithFields(logger.Fields{
		"url":           c.cfg.URL,
		"poll_interval": c.cfg.PollInterval.String(),
	}).Info("starting hermes connector")

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop waits for the loop to exit. The context given to Start must be
// cancelled first.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.WithComponent("hermes_connector").Info("stopping hermes connector")
	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.WithComponent("hermes_connector").Info("hermes connector stopped")
}

func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connector) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setState(StateIdle)

	log := c.log.WithComponent("hermes_connector")

	for {
		c.setState(StateIdle)
		if !c.waitForFeeds(ctx) {
			return
		}

		// Cleared before dialing so changes made while connecting are seen
		// by the union read below or by the next dirty check.
		c.feeds.ConsumeDirty()

		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("url", c.cfg.URL).Warn("failed to connect to hermes")
			if waitForReconnect(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		c.setState(StateSubscribing)
		ids := c.feeds.Union()
		if err := subscribe(conn, ids); err != nil {
			log.WithError(err).WithField("feeds", len(ids)).Warn("failed to send hermes subscription")
			conn.Close()
			if waitForReconnect(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		c.setState(StateStreaming)
		metrics.UpstreamConnected(len(ids))
		log.WithField("feeds", len(ids)).Info("connected to hermes")

		resubscribe, err := c.stream(ctx, conn)
		conn.Close()
		metrics.UpstreamDisconnected(resubscribe)

		if ctx.Err() != nil {
			return
		}
		if resubscribe {
			log.Info("reconnecting to hermes with updated feeds")
			continue
		}

		log.WithError(err).Warn("hermes stream ended")
		if waitForReconnect(ctx, c.cfg.ReconnectDelay) {
			return
		}
	}
}

// waitForFeeds polls until at least one client is registered. It returns
// false when ctx is cancelled first.
func (c *Connector) waitForFeeds(ctx context.Context) bool {
	if !c.feeds.IsEmpty() {
		return true
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !c.feeds.IsEmpty() {
				return true
			}
		}
	}
}

func (c *Connector) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, errNotUpgraded
	}
	return conn, nil
}

type frame struct {
	data []byte
	err  error
}

// stream relays frames until the connection fails, ctx is cancelled or the
// feed set changes. resubscribe is true only in the last case.
func (c *Connector) stream(ctx context.Context, conn *websocket.Conn) (resubscribe bool, err error) {
	log := c.log.WithComponent("hermes_connector")

	extendDeadline := func() {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
	}
	extendDeadline()
	conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pingCancel := startPingLoop(streamCtx, conn, c.cfg.PingInterval, log)
	defer pingCancel()

	frames := make(chan frame)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			select {
			case frames <- frame{data: data, err: err}:
			case <-streamCtx.Done():
				return
			}
			if err != nil {
				return
			}
			extendDeadline()
		}
	}()
	defer func() {
		cancel()
		conn.Close()
		<-readerDone
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case f := <-frames:
			if f.err != nil {
				return false, f.err
			}
			c.handleFrame(f.data)
			if c.feeds.ConsumeDirty() {
				return true, nil
			}
		case <-ticker.C:
			if c.feeds.ConsumeDirty() {
				return true, nil
			}
		}
	}
}

// StateName is State().String(), for status reporting.
func (c *Connector) StateName() string {
	return c.State().String()
}
