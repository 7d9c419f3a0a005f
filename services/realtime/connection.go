// Package realtime is the subscriber side of the class event stream: a
// websocket connection scoped to one class that reconnects on its own.
package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"attendance_go/services/attendance"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// State is the connection state reported to the UI layer.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultReadTimeout = 90 * time.Second
	writeWait          = 10 * time.Second
	eventBuffer        = 64
	stateBuffer        = 16
)

// Event is one message of the class stream. Payload is left raw so callers
// can decode it into the type matching Type.
type Event struct {
	Type      attendance.EventType `json:"type"`
	ClassID   string               `json:"class_id"`
	Timestamp time.Time            `json:"timestamp"`
	Payload   json.RawMessage      `json:"payload"`
}

// Options configures Subscribe.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://host/ws.
	URL     string
	Token   string
	ClassID string

	// Backoff paces reconnects. Returning backoff.Stop ends the subscription.
	Backoff     backoff.BackOff
	Dialer      *websocket.Dialer
	ReadTimeout time.Duration
	Log         logrus.FieldLogger
}

// Connection is a live subscription to one class. Events arrive in publish
// order; events published while disconnected are lost, so callers refetch
// state when they see Connected again.
type Connection struct {
	opts    Options
	target  string
	backoff backoff.BackOff
	attempt int
	dialer  *websocket.Dialer
	log     logrus.FieldLogger

	state  atomic.Int32
	events chan Event
	states chan State

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts connecting in the background and returns immediately.
func Subscribe(ctx context.Context, opts Options) (*Connection, error) {
	if opts.ClassID == "" {
		return nil, errors.New("class id is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid websocket url")
	}
	q := u.Query()
	q.Set("class_id", opts.ClassID)
	if opts.Token != "" {
		q.Set("token", opts.Token)
	}
	u.RawQuery = q.Encode()

	c := &Connection{
		opts:    opts,
		target:  u.String(),
		backoff: opts.Backoff,
		dialer:  opts.Dialer,
		log:     opts.Log,
		events:  make(chan Event, eventBuffer),
		states:  make(chan State, stateBuffer),
		done:    make(chan struct{}),
	}
	if c.backoff == nil {
		c.backoff = DefaultBackoff()
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("class_id", opts.ClassID)
	if c.opts.ReadTimeout <= 0 {
		c.opts.ReadTimeout = defaultReadTimeout
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return c, nil
}

// Events delivers class events. It is closed after Close.
func (c *Connection) Events() <-chan Event { return c.events }

// StateChanges reports transitions. Slow readers miss intermediate states; State
// is always current.
func (c *Connection) StateChanges() <-chan State { return c.states }

// State returns the current connection state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Close stops reconnecting, closes the socket and waits for the loop to exit.
func (c *Connection) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	return nil
}

func (c *Connection) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	select {
	case c.states <- s:
	default:
	}
}

func (c *Connection) run(ctx context.Context) {
	defer func() {
		c.setState(Disconnected)
		close(c.events)
		close(c.states)
		close(c.done)
	}()

	for {
		c.setState(Connecting)
		conn, _, err := c.dialer.DialContext(ctx, c.target, nil)
		if err == nil {
			c.backoff.Reset()
			c.attempt = 0
			c.setState(Connected)
			c.log.Info("realtime connected")
			err = c.read(ctx, conn)
			c.setState(Disconnected)
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("realtime connection lost")
		} else if ctx.Err() != nil {
			return
		} else {
			c.setState(Disconnected)
		}

		wait := c.backoff.NextBackOff()
		if wait == backoff.Stop {
			c.log.WithField("attempts", c.attempt).Warn("realtime reconnect abandoned")
			return
		}
		c.attempt++
		c.log.WithFields(logrus.Fields{"attempt": c.attempt, "retry_in": wait}).Debug("realtime reconnect scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// read pumps messages until the socket fails or ctx ends.
func (c *Connection) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Warn("realtime message ignored")
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
