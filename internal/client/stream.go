package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"bootmaker/internal/protocol"
)

const maxRecordSize = 1 << 20

// connection is one generation of the event stream.
type connection struct {
	gen    uint64
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	// idle is the silence that ends the stream. Owned by the reader goroutine.
	idle time.Duration

	once sync.Once
	err  error
}

func (conn *connection) markReady() {
	conn.once.Do(func() {
		close(conn.ready)
	})
}

func (conn *connection) isReady() bool {
	select {
	case <-conn.ready:
		return true
	default:
		return false
	}
}

// connect returns the current connection once it has delivered its hello, opening a new
// one if there is none.
func (c *Controller) connect(ctx context.Context) (*connection, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.generation++
		streamCtx, cancel := context.WithCancel(context.Background())
		conn = &connection{
			gen:    c.generation,
			cancel: cancel,
			ready:  make(chan struct{}),
			done:   make(chan struct{}),
		}
		c.conn = conn
		go c.readStream(streamCtx, conn)
	}
	c.mu.Unlock()

	select {
	case <-conn.ready:
		return conn, nil
	case <-conn.done:
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, conn.err)
	case <-ctx.Done():
		// A stream that never said hello is not worth keeping.
		if !conn.isReady() {
			c.lose(conn, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	}
}

// readStream owns conn until the stream ends, then reports the loss.
func (c *Controller) readStream(ctx context.Context, conn *connection) {
	err := c.consume(ctx, conn)
	conn.err = err
	c.lose(conn, err)
	close(conn.done)
}

func (c *Controller) consume(ctx context.Context, conn *connection) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: %s", resp.Status)
	}

	conn.idle = idleFactor * c.heartbeat
	idle := time.AfterFunc(conn.idle, conn.cancel)
	defer idle.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		idle.Reset(conn.idle)

		var env protocol.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping malformed event")
			continue
		}
		c.dispatch(conn, env)
		if env.Type == protocol.EventHello {
			idle.Reset(conn.idle)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return ErrConnectionLost
}

// dispatch routes one record. Records from a superseded generation are dropped.
func (c *Controller) dispatch(conn *connection, env protocol.Envelope) {
	switch env.Type {
	case protocol.EventHello:
		if env.Hello != nil {
			// The endpoint's own heartbeat period wins over the configured default.
			if interval := env.Hello.HeartbeatInterval(); interval > 0 {
				conn.idle = idleFactor * interval
			}
			c.logger.Debug().Uint64("generation", conn.gen).Str("subscriber", env.Hello.SubscriberID).
				Dur("idle_timeout", conn.idle).Msg("Event stream ready")
		}
		conn.markReady()
		return
	case protocol.EventHeartbeat:
		return
	}

	id := env.WorkflowID()
	if id == "" {
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	e, ok := c.entries[id]
	if !ok {
		c.bufferEarly(id, env)
	}
	c.mu.Unlock()

	if ok {
		e.deliver(env)
	}
}

// bufferEarly holds a record for a workflow whose start acknowledgment has not arrived.
// Callers hold c.mu.
func (c *Controller) bufferEarly(id string, env protocol.Envelope) {
	buf, seen := c.early[id]
	if !seen {
		if len(c.earlyOrder) >= maxEarlyWorkflows {
			oldest := c.earlyOrder[0]
			c.logger.Warn().Str("workflow_id", oldest).Msg("Discarding unclaimed events")
			c.dropEarly(oldest)
		}
		c.earlyOrder = append(c.earlyOrder, id)
	}
	if len(buf) >= c.earlyLimit {
		c.logger.Warn().Str("workflow_id", id).Msg("Early event buffer full")
		return
	}
	c.early[id] = append(buf, env)
}

// dropEarly forgets buffered records for id. Callers hold c.mu.
func (c *Controller) dropEarly(id string) {
	delete(c.early, id)
	for i, other := range c.earlyOrder {
		if other == id {
			c.earlyOrder = append(c.earlyOrder[:i], c.earlyOrder[i+1:]...)
			break
		}
	}
}

// lose retires conn. Every outstanding workflow gets a connection-lost result. Calling
// it for a connection that is already gone does nothing.
func (c *Controller) lose(conn *connection, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.early = make(map[string][]protocol.Envelope)
	c.earlyOrder = nil
	c.mu.Unlock()

	conn.cancel()
	if len(entries) > 0 {
		c.logger.Warn().Uint64("generation", conn.gen).Int("outstanding", len(entries)).AnErr("cause", cause).Msg("Event stream lost")
	}
	for _, e := range entries {
		e.finish(connectionLostResult(e.id))
	}
}

type workflowState int

const (
	workflowStarting workflowState = iota
	workflowRunning
	workflowFinishing
)

// entry is one outstanding workflow. Its lock serialises delivery so completion happens
// exactly once and nothing follows it.
type entry struct {
	id         string
	handlers   Handlers
	controller *Controller

	mu    sync.Mutex
	state workflowState
}

func (e *entry) deliver(env protocol.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliverLocked(env)
}

func (e *entry) deliverLocked(env protocol.Envelope) {
	if e.state == workflowFinishing {
		return
	}
	switch {
	case env.Progress != nil:
		if e.handlers.OnEvent != nil {
			e.handlers.OnEvent(*env.Progress)
		}
	case env.Result != nil:
		e.finishLocked(*env.Result)
	}
}

func (e *entry) finish(result protocol.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishLocked(result)
}

func (e *entry) finishLocked(result protocol.Result) {
	if e.state == workflowFinishing {
		return
	}
	e.state = workflowFinishing

	c := e.controller
	c.mu.Lock()
	if c.entries[e.id] == e {
		delete(c.entries, e.id)
	}
	c.mu.Unlock()

	if e.handlers.OnCompletion != nil {
		e.handlers.OnCompletion(result)
	}
}
