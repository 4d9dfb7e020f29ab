// Package client is the unprivileged side of the endpoint: it starts and cancels
// workflows, holds the event stream open and routes each record to the handlers of the
// workflow it belongs to.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bootmaker/internal/logging"
	"bootmaker/internal/protocol"
)

const (
	DefaultStartTimeout      = 10 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultEarlyEventLimit   = 512

	// idleFactor times the heartbeat interval without any record means the stream is dead.
	idleFactor = 3

	maxEarlyWorkflows = 4
)

// ConnState is the state of the event stream.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
)

// Handlers receive the life of one workflow. Every callback for a workflow runs on the
// stream's delivery goroutine or the starting goroutine, never concurrently, and nothing
// is delivered after OnCompletion.
type Handlers struct {
	OnStarted    func(workflowID string)
	OnEvent      func(protocol.ProgressEvent)
	OnCompletion func(protocol.Result)
	OnStartError func(error)
}

// Controller talks to one endpoint. It is safe for concurrent use.
type Controller struct {
	baseURL      string
	token        string
	http         *http.Client
	stream       *http.Client
	startTimeout time.Duration
	heartbeat    time.Duration
	earlyLimit   int
	logger       zerolog.Logger

	mu         sync.Mutex
	closed     bool
	generation uint64
	conn       *connection
	entries    map[string]*entry
	early      map[string][]protocol.Envelope
	earlyOrder []string
}

// Option configures a Controller.
type Option func(*Controller)

// WithToken sets the bearer token sent with every call.
func WithToken(token string) Option {
	return func(c *Controller) {
		c.token = token
	}
}

// WithStartTimeout bounds connection readiness plus the start call.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// WithHeartbeatInterval sets the heartbeat period assumed until the endpoint announces
// its own in the hello record. The stream is considered lost after three intervals of
// silence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithEarlyEventLimit bounds how many records are held per workflow before its start
// acknowledgment arrives.
func WithEarlyEventLimit(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.earlyLimit = n
		}
	}
}

// New creates a controller for endpoint, which is a Unix socket path, unix:///path,
// tcp://host:port or an http:// URL. No connection is made until it is needed.
func New(endpoint string, opts ...Option) *Controller {
	baseURL, transport := resolve(endpoint)
	c := &Controller{
		baseURL:      baseURL,
		http:         &http.Client{Transport: transport},
		stream:       &http.Client{Transport: transport},
		startTimeout: DefaultStartTimeout,
		heartbeat:    DefaultHeartbeatInterval,
		earlyLimit:   DefaultEarlyEventLimit,
		logger:       logging.Component("client"),
		entries:      make(map[string]*entry),
		early:        make(map[string][]protocol.Envelope),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func resolve(endpoint string) (string, http.RoundTripper) {
	switch {
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return strings.TrimRight(endpoint, "/"), http.DefaultTransport
	case strings.HasPrefix(endpoint, "tcp://"):
		return "http://" + strings.TrimPrefix(endpoint, "tcp://"), http.DefaultTransport
	}

	socket := strings.TrimPrefix(endpoint, "unix://")
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return "http://bootmakerd", transport
}

// State returns the connection state.
func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.conn == nil:
		return StateIdle
	case c.conn.isReady():
		return StateConnected
	default:
		return StateConnecting
	}
}

// Outstanding returns the ids of workflows that have not completed.
func (c *Controller) Outstanding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// StartWorkflow asks the endpoint to run request. It returns once the endpoint
// acknowledged the start (after OnStarted) or failed (after OnStartError). Progress and
// the result arrive on h afterwards.
func (c *Controller) StartWorkflow(ctx context.Context, request protocol.Request, h Handlers) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	fail := func(category protocol.ErrorCategory, err error) (string, error) {
		startErr := &StartError{Category: category, Err: err}
		if h.OnStartError != nil {
			h.OnStartError(startErr)
		}
		return "", startErr
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return fail(protocol.CategoryTransport, err)
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fail(protocol.CategoryRequest, err)
	}

	var started protocol.StartResponse
	status, err := c.call(ctx, http.MethodPost, "/v1/workflows", body, &started)
	switch {
	case err != nil && status == 0:
		return fail(protocol.CategoryTransport, fmt.Errorf("%w: %v", ErrUnreachable, err))
	case status == http.StatusConflict:
		return fail(protocol.CategoryBusy, err)
	case status == http.StatusBadRequest:
		return fail(protocol.CategoryRequest, err)
	case err != nil:
		return fail(protocol.CategoryTransport, err)
	case started.WorkflowID == "":
		return fail(protocol.CategoryTransport, errors.New("endpoint returned no workflow id"))
	}

	c.register(conn, started.WorkflowID, h)
	return started.WorkflowID, nil
}

// register creates the entry for id and replays anything that arrived before the
// acknowledgment. The entry lock is held throughout so the stream cannot deliver newer
// records ahead of the buffered ones.
func (c *Controller) register(conn *connection, id string, h Handlers) {
	e := &entry{id: id, handlers: h, controller: c, state: workflowStarting}
	e.mu.Lock()
	defer e.mu.Unlock()

	c.mu.Lock()
	lost := c.conn != conn
	if !lost {
		c.entries[id] = e
	}
	buffered := c.early[id]
	c.dropEarly(id)
	c.mu.Unlock()

	if h.OnStarted != nil {
		h.OnStarted(id)
	}
	e.state = workflowRunning

	for _, env := range buffered {
		e.deliverLocked(env)
	}
	if lost {
		e.finishLocked(connectionLostResult(id))
	}
}

// CancelWorkflow asks the endpoint to cancel id. completion is always called, on its
// own goroutine; an unknown id is reported as CancelNotFound with a nil error.
func (c *Controller) CancelWorkflow(ctx context.Context, id string, completion func(protocol.CancelStatus, error)) {
	go func() {
		var resp protocol.CancelResponse
		_, err := c.call(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(id)+"/cancel", nil, &resp)
		if completion != nil {
			completion(resp.Status, err)
		}
	}()
}

// QueryHealth probes the endpoint with timeout. completion is always called, on its own
// goroutine. A failed probe resets the connection.
func (c *Controller) QueryHealth(ctx context.Context, timeout time.Duration, completion func(bool, *protocol.Health, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var health protocol.Health
		_, err := c.call(ctx, http.MethodGet, "/v1/health", nil, &health)
		if err != nil {
			c.reset()
			if completion != nil {
				completion(false, nil, fmt.Errorf("%w: %v", ErrUnreachable, err))
			}
			return
		}
		if completion != nil {
			completion(health.OK, &health, nil)
		}
	}()
}

// Close tears down the connection. Outstanding workflows receive a connection-lost
// result. Later calls fail with ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.lose(conn, ErrClosed)
	}
}

// reset drops the current connection, as if the stream had ended.
func (c *Controller) reset() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.lose(conn, ErrUnreachable)
	}
}

// call performs one request/response exchange. A non-2xx reply returns the status and
// the endpoint's error message.
func (c *Controller) call(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) != nil || errResp.Error == "" {
			errResp.Error = resp.Status
		}
		return resp.StatusCode, errors.New(errResp.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s reply: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Controller) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
