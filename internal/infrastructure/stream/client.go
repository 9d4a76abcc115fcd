package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"orbit/internal/domain"
	"orbit/internal/normalize"
	"orbit/internal/ports"
	"orbit/internal/retry"
)

// ErrMaxReconnects reports that the reconnect attempt cap was reached; the
// returned statistics are still valid.
var ErrMaxReconnects = errors.New("stream: max reconnect attempts reached")

// State is the connection lifecycle phase of a Client.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateSubscribed     State = "subscribed"
	StateStreaming      State = "streaming"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

const (
	msgTypeNews         = "n"
	msgTypeSuccess      = "success"
	msgTypeSubscription = "subscription"
	msgTypeError        = "error"

	flushRetryAttempts = 3
	writeWait          = 10 * time.Second
)

// Options configures one streaming connection.
type Options struct {
	URL                  string
	Symbols              []string
	Key                  string
	Secret               string
	FlushSize            int
	FlushInterval        time.Duration
	PingInterval         time.Duration
	MaxReconnectAttempts int
	Backoff              retry.Policy
	RunID                string
	Now                  func() time.Time
	Dialer               *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.FlushSize == 0 {
		o.FlushSize = 100
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 5 * time.Minute
	}
	if o.PingInterval == 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Client streams push-feed news into date-partitioned storage. One Client
// owns one connection and one Buffer; independent sources run independent
// Clients.
type Client struct {
	opts    Options
	store   ports.NewsStore
	rejects ports.RejectsSink
	log     *slog.Logger

	buffer *Buffer
	state  State
	stats  domain.StreamStats
}

// New builds a streaming client.
func New(opts Options, store ports.NewsStore, rejects ports.RejectsSink, log *slog.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:    opts,
		store:   store,
		rejects: rejects,
		log:     log,
		buffer:  NewBuffer(opts.FlushSize, opts.FlushInterval, opts.Now()),
		state:   StateDisconnected,
		stats:   domain.StreamStats{RunID: opts.RunID},
	}
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	return c.state
}

// Stats returns the running counters.
func (c *Client) Stats() domain.StreamStats {
	return c.stats
}

// Run connects and streams until ctx is cancelled (graceful: one final
// flush, nil error) or the reconnect cap is reached (ErrMaxReconnects).
// Statistics are returned in both cases.
func (c *Client) Run(ctx context.Context) (domain.StreamStats, error) {
	attempt := 0
	for attempt < c.opts.MaxReconnectAttempts {
		if err := ctx.Err(); err != nil {
			return c.shutdown(ctx)
		}

		c.setState(StateConnecting)
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			c.log.Warn("dial failed", "url", c.opts.URL, "attempt", attempt+1, "error", err)
			attempt++
			c.stats.Reconnects++
			if c.waitBackoff(ctx, attempt-1) != nil {
				return c.shutdown(ctx)
			}
			continue
		}

		err = c.session(ctx, conn, &attempt)
		_ = conn.Close()

		if ctx.Err() != nil {
			return c.shutdown(ctx)
		}

		c.setState(StateReconnecting)
		c.log.Warn("connection lost", "attempt", attempt+1, "error", err)
		attempt++
		c.stats.Reconnects++
		if c.waitBackoff(ctx, attempt-1) != nil {
			return c.shutdown(ctx)
		}
	}

	c.setState(StateFailed)
	if err := c.flush(ctx); err != nil {
		c.log.Error("final flush failed", "error", err)
	}
	c.log.Error("giving up", "attempts", c.opts.MaxReconnectAttempts, "stats", c.stats)
	return c.stats, ErrMaxReconnects
}

// session drives one connection from authentication to disconnect. The
// attempt counter is reset through the pointer once the feed authenticates.
func (c *Client) session(ctx context.Context, conn *websocket.Conn, attempt *int) error {
	c.setState(StateAuthenticating)
	auth := map[string]any{"action": "auth", "key": c.opts.Key, "secret": c.opts.Secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	payloads := make(chan []byte, 32)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case payloads <- payload:
			case <-done:
				return
			}
		}
	}()

	flushTicker := time.NewTicker(time.Second)
	defer flushTicker.Stop()
	pingTicker := time.NewTicker(c.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(writeWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}

		case <-flushTicker.C:
			if c.buffer.ShouldFlush(c.opts.Now()) {
				if err := c.flush(ctx); err != nil {
					c.log.Error("interval flush failed, keeping buffer", "error", err)
				}
			}

		case payload := <-payloads:
			if err := c.handlePayload(ctx, conn, payload, attempt); err != nil {
				return err
			}
		}
	}
}

// handlePayload processes one wire frame, which may carry a single message
// or an array of them.
func (c *Client) handlePayload(ctx context.Context, conn *websocket.Conn, payload []byte, attempt *int) error {
	for _, raw := range splitFrames(payload) {
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("undecodable frame", "error", err)
			continue
		}

		msgType, _ := msg["T"].(string)
		switch msgType {
		case msgTypeSuccess:
			if status, _ := msg["msg"].(string); status == "authenticated" {
				*attempt = 0
				c.setState(StateSubscribed)
				subscribe := map[string]any{"action": "subscribe", "news": c.opts.Symbols}
				if err := conn.WriteJSON(subscribe); err != nil {
					return fmt.Errorf("send subscribe: %w", err)
				}
			}

		case msgTypeSubscription:
			c.setState(StateStreaming)
			c.log.Info("subscription confirmed", "symbols", c.opts.Symbols)

		case msgTypeError:
			return fmt.Errorf("feed error: %v", msg["msg"])

		case msgTypeNews:
			c.handleNews(ctx, msg)
		}
	}

	if c.buffer.ShouldFlush(c.opts.Now()) {
		if err := c.flush(ctx); err != nil {
			c.log.Error("flush failed, keeping buffer", "error", err)
		}
	}
	return nil
}

func (c *Client) handleNews(ctx context.Context, msg map[string]any) {
	c.stats.Received++

	now := c.opts.Now().UTC()
	item := normalize.News(msg, now, c.opts.RunID)

	if reasons := normalize.ValidateNews(item, now); len(reasons) > 0 {
		c.stats.Rejected++
		c.log.Warn("message rejected", "msg_id", item.MsgID, "reasons", reasons)
		reject := domain.Reject{
			Source: "news", Raw: item.Raw, Reasons: reasons,
			RejectedAt: now, RunID: c.opts.RunID,
		}
		if err := c.rejects.WriteRejects(ctx, "news", now.Format("2006-01-02"), []domain.Reject{reject}); err != nil {
			c.log.Error("write reject failed", "error", err)
		}
		return
	}

	if c.buffer.Add(item) {
		c.stats.Buffered++
	}
}

// flush persists the buffer partitioned by record date. The buffer is
// cleared only after every partition write succeeded; on failure the
// records stay buffered for the next attempt.
func (c *Client) flush(ctx context.Context) error {
	items := c.buffer.Items()
	if len(items) == 0 {
		return nil
	}

	byDate := make(map[string][]domain.NewsItem)
	for _, item := range items {
		date := item.PublishedAt.UTC().Format("2006-01-02")
		byDate[date] = append(byDate[date], item)
	}

	policy := retry.Policy{MaxAttempts: flushRetryAttempts}
	for date, partition := range byDate {
		var err error
		for attempt := 0; ; attempt++ {
			err = c.store.AppendRawNews(ctx, date, "news.parquet", partition)
			if err == nil {
				break
			}
			if policy.Exhausted(attempt + 1) {
				return fmt.Errorf("flush partition %s: %w", date, err)
			}
			c.log.Warn("partition write failed, retrying", "date", date, "error", err)
			if sleepErr := policy.Sleep(ctx, attempt); sleepErr != nil {
				return fmt.Errorf("flush partition %s: %w", date, err)
			}
		}
	}

	c.buffer.Clear(c.opts.Now())
	c.stats.Flushes++
	c.log.Info("flushed", "records", len(items), "partitions", len(byDate), "flushes", c.stats.Flushes)
	return nil
}

// shutdown performs the graceful exit path: one final flush, then report.
func (c *Client) shutdown(ctx context.Context) (domain.StreamStats, error) {
	// The run context is done; flush with a fresh short-lived context so
	// buffered records still reach disk.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.flush(flushCtx); err != nil {
		c.log.Error("final flush failed", "error", err)
	}
	c.setState(StateClosed)
	c.log.Info("stream closed",
		"received", c.stats.Received, "buffered", c.stats.Buffered,
		"rejected", c.stats.Rejected, "flushes", c.stats.Flushes)
	return c.stats, nil
}

func (c *Client) waitBackoff(ctx context.Context, attempt int) error {
	delay := c.opts.Backoff.Delay(attempt)
	c.log.Info("reconnecting", "delay", delay, "attempt", attempt+1)
	return c.opts.Backoff.Sleep(ctx, attempt)
}

func (c *Client) setState(state State) {
	if c.state == state {
		return
	}
	c.log.Debug("state change", "from", string(c.state), "to", string(state))
	c.state = state
}

// splitFrames returns the JSON objects carried by one frame; the feed may
// batch messages as a JSON array.
func splitFrames(payload []byte) []json.RawMessage {
	for _, b := range payload {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			var frames []json.RawMessage
			if err := json.Unmarshal(payload, &frames); err == nil {
				return frames
			}
			return nil
		default:
			return []json.RawMessage{payload}
		}
	}
	return nil
}
