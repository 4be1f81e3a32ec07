package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codexd/codexd/internal/common/logger"
)

// readBufferLimit caps a single line from the app-server; rollout-heavy
// notifications can run long.
const readBufferLimit = 4 * 1024 * 1024

// Client speaks the Codex app-server's JSON-RPC variant over a pipe pair.
// The variant omits the "jsonrpc":"2.0" field on every message.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	writeMu sync.Mutex

	requestID atomic.Int64
	pendingMu sync.Mutex
	pending   map[interface{}]chan *Response

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id interface{}, method string, params json.RawMessage)

	logger   *logger.Logger
	done     chan struct{}
	stopOnce sync.Once
}

// NewClient wires a client over the subprocess's stdin/stdout.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[interface{}]chan *Response),
		logger:  log.WithFields(zap.String("component", "codex-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler registers the notification callback. Must be
// called before Start.
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler registers the callback for server-initiated requests
// (approval prompts). Must be called before Start.
func (c *Client) SetRequestHandler(handler func(id interface{}, method string, params json.RawMessage)) {
	c.onRequest = handler
}

// Start launches the read loop.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop closes the client. Safe to call more than once; pending Calls fail.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Done is closed when the client stops, either via Stop or because the
// agent's stdout reached EOF.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ErrClosed is returned for calls made after the client stopped.
var ErrClosed = errors.New("codex client closed")

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := c.requestID.Add(1)
	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// CallResult sends a request and decodes the result into out. A JSON-RPC
// error response is returned as a Go error.
func (c *Client) CallResult(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params interface{}) error {
	paramsJSON, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers a server-initiated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = data
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

func (c *Client) send(msg interface{}) error {
	// After the agent drops, its stdin pipe may have no reader; writing
	// would block forever, so fail fast instead.
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("codex: sent message", zap.String("data", string(data)))
	return nil
}

// inbound is the union shape of everything the app-server emits: responses
// carry id+result/error, requests carry id+method, notifications method only.
type inbound struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	Params json.RawMessage `json:"params"`
}

func (c *Client) readLoop(ctx context.Context) {
	// EOF on stdout means the agent process is gone; everything waiting
	// on Done must learn about it.
	defer c.Stop()

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), readBufferLimit)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) dispatch(msg inbound) {
	switch {
	case msg.ID != nil && msg.Method == "":
		c.settle(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case msg.ID != nil:
		c.handleRequest(msg.ID, msg.Method, msg.Params)
	case msg.Method != "":
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		}
	}
}

// settle routes a response to the Call waiting on its id.
func (c *Client) settle(resp *Response) {
	id := normalizeID(resp.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	c.logger.Warn("received request but no handler registered", zap.String("method", method))
	if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
		c.logger.Warn("failed to send method not found response", zap.Error(err))
	}
}

// normalizeID makes request ids comparable across the JSON decode boundary:
// outbound ids are int64, inbound ones decode as float64.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}
