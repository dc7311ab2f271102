package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
)

// ErrNotConnected is returned when a call is made while the sidecar
// connection is down.
var ErrNotConnected = errors.New("tool sidecar not connected")

const (
	writeTimeout     = 10 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("tool sidecar error %d: %s", e.Code, e.Message)
}

// ToolDescriptor is one tool advertised by the sidecar.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Client speaks JSON-RPC 2.0 over a WebSocket to the tool-execution
// sidecar. It reconnects with backoff when the connection drops and
// correlates responses to in-flight calls by request ID.
type Client struct {
	url         string
	callTimeout time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rpcResponse
	nextID  uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(cfg config.ToolsConfig, logger *zap.Logger) *Client {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:         cfg.SidecarURL,
		callTimeout: timeout,
		logger:      logger,
		pending:     make(map[uint64]chan rpcResponse),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the connection manager. It returns immediately; calls
// made before the first connect fail with ErrNotConnected.
func (c *Client) Start() {
	go c.connectLoop()
}

func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

// IsConnected reports whether a sidecar connection is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ListTools asks the sidecar which tools it can execute.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool list: %w", err)
	}
	return result.Tools, nil
}

// ToolNames is ListTools reduced to the names, for the context engine's
// availability check.
func (c *Client) ToolNames(ctx context.Context) []string {
	descriptors, err := c.ListTools(ctx)
	if err != nil {
		c.logger.Warn("Tool listing failed", zap.Error(err))
		return nil
	}
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	return names
}

// CallTool executes a tool on the sidecar and returns its raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(req)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("tool sidecar write failed: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			// Connection dropped with the call in flight.
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.stopCh:
		c.dropPending(id)
		return nil, ErrNotConnected
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// connectLoop keeps one connection alive, doubling the retry delay up to
// a cap while the sidecar is unreachable.
func (c *Client) connectLoop() {
	delay := reconnectInitial

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("Tool sidecar connection failed",
				zap.String("url", c.url),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-c.stopCh:
				return
			}
			delay *= 2
			if delay > reconnectMax {
				delay = reconnectMax
			}
			continue
		}

		c.logger.Info("Tool sidecar connected", zap.String("url", c.url))
		delay = reconnectInitial

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}
}

// readLoop dispatches responses to their waiting callers until the
// connection breaks.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Warn("Tool sidecar connection lost", zap.Error(err))
			}
			conn.Close()
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
		}
	}
}
