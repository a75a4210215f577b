// Package push is the WebSocket client for the upstream resource-changed
// feed. It speaks the same subscribe/unsubscribe message shape the
// gateway's own hub serves to browsers, and redials on read failure until
// closed, pacing attempts with a rate limiter.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/careops/worklist/pkg/fhirmodels"
)

// Handler receives one decoded resource for a subscribed type.
type Handler = func(resource fhirmodels.Resource)

// event is one inbound frame from the upstream feed.
type event struct {
	Type         string          `json:"type"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// clientMessage is the outbound subscription control frame.
type clientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn is one connection to the upstream push channel.
type Conn struct {
	url   string
	token string
	log   zerolog.Logger

	redial *rate.Limiter

	mu       sync.Mutex // guards ws pointer and handlers
	wmu      sync.Mutex // serializes writes to ws
	ws       *websocket.Conn
	handlers map[string]Handler

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the upstream feed and starts the read loop. A dial
// failure at startup is an initialization failure: fatal to the caller,
// reported with a reduced message.
func Dial(ctx context.Context, url, token string, log zerolog.Logger) (*Conn, error) {
	c := &Conn{
		url:      url,
		token:    token,
		log:      log,
		redial:   rate.NewLimiter(rate.Every(5*time.Second), 1),
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
	}

	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws

	go c.readLoop()
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.log.Error().Err(err).Str("url", c.url).Msg("push: dial failed")
		return nil, fmt.Errorf("push channel is unreachable")
	}
	return ws, nil
}

// Subscribe registers a handler for one resource type and announces the
// subscription upstream. The returned callback unsubscribes that type.
func (c *Conn) Subscribe(resourceType string, h Handler) (func(), error) {
	c.mu.Lock()
	c.handlers[resourceType] = h
	c.mu.Unlock()

	if err := c.send(clientMessage{Action: "subscribe", Topics: []string{resourceType}}); err != nil {
		c.mu.Lock()
		delete(c.handlers, resourceType)
		c.mu.Unlock()
		return nil, fmt.Errorf("push channel subscribe failed")
	}

	unsubscribe := func() {
		c.mu.Lock()
		delete(c.handlers, resourceType)
		c.mu.Unlock()
		// Best effort; the connection may already be gone at teardown.
		_ = c.send(clientMessage{Action: "unsubscribe", Topics: []string{resourceType}})
	}
	return unsubscribe, nil
}

// Close stops the read loop and closes the connection exactly once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			err = ws.Close()
		}
	})
	return err
}

func (c *Conn) send(msg clientMessage) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		var ev event
		if err := ws.ReadJSON(&ev); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.log.Warn().Err(err).Msg("push: connection lost, redialing")
			if !c.reconnect() {
				return
			}
			continue
		}

		c.dispatch(ev)
	}
}

// reconnect redials until it succeeds or the connection is closed,
// re-announcing every live subscription on the fresh socket. Returns false
// when closed.
func (c *Conn) reconnect() bool {
	for {
		if err := c.redial.Wait(context.Background()); err != nil {
			return false
		}
		select {
		case <-c.closed:
			return false
		default:
		}

		ws, err := c.dial(context.Background())
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.ws = ws
		topics := make([]string, 0, len(c.handlers))
		for rt := range c.handlers {
			topics = append(topics, rt)
		}
		c.mu.Unlock()

		if len(topics) > 0 {
			if err := c.send(clientMessage{Action: "subscribe", Topics: topics}); err != nil {
				c.log.Warn().Err(err).Msg("push: resubscribe failed, redialing")
				continue
			}
		}
		c.log.Info().Int("topics", len(topics)).Msg("push: reconnected")
		return true
	}
}

// dispatch hands an event to its type's handler. Handler panics are
// contained here; a bad frame must never kill the read loop.
func (c *Conn) dispatch(ev event) {
	if len(ev.Data) == 0 || ev.ResourceType == "" {
		return
	}

	c.mu.Lock()
	h, ok := c.handlers[ev.ResourceType]
	c.mu.Unlock()
	if !ok {
		return
	}

	var resource fhirmodels.Resource
	if err := json.Unmarshal(ev.Data, &resource); err != nil {
		c.log.Warn().Err(err).Str("resource_type", ev.ResourceType).Msg("push: undecodable payload")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Any("panic", r).Msg("push: handler panicked")
		}
	}()
	h(resource)
}
