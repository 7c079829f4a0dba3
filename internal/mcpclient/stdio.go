package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxLineBytes bounds one JSON-RPC line from a downstream server (10 MiB).
const maxLineBytes = 10 << 20

// stdioClient owns a child process and speaks line-delimited JSON-RPC over
// its stdin/stdout. The child's stderr is passed through to the gateway's
// stderr so downstream diagnostics stay visible.
type stdioClient struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu      sync.Mutex // guards pending and writes
	pending map[string]chan *rpcMessage

	done   chan struct{}
	closed bool
}

// rpcMessage is the superset of response and notification fields the reader
// demuxes on.
type rpcMessage struct {
	Jsonrpc string           `json:"jsonrpc"`
	Method  string           `json:"method,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *models.MCPError `json:"error,omitempty"`
	ID      json.RawMessage  `json:"id,omitempty"`
}

func dialStdio(ctx context.Context, cfg *models.SpellConfig) (*stdioClient, error) {
	path, err := exec.LookPath(cfg.Server.Command)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Server.Command, err)
	}

	cmd := exec.Command(path, cfg.Server.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Server.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Server.Command, err)
	}

	c := &stdioClient{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan *rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)

	log.Debug().Str("command", cfg.Server.Command).Int("pid", cmd.Process.Pid).Msg("Downstream stdio server started")
	return c, nil
}

// readLoop demuxes downstream output into per-request channels.
func (c *stdioClient) readLoop(stdout io.Reader) {
	defer close(c.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug().Err(err).Msg("Downstream emitted a non-JSON line, ignoring")
			continue
		}
		if len(msg.ID) == 0 {
			continue // downstream notification; the gateway does not relay these
		}
		c.mu.Lock()
		ch := c.pending[string(msg.ID)]
		delete(c.pending, string(msg.ID))
		c.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
	}
}

// call sends one request and waits for its response.
func (c *stdioClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := uuid.New().String()
	idRaw, _ := json.Marshal(id)

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      id,
	}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Err: err}
	}

	ch := make(chan *rpcMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[string(idRaw)] = ch
	_, err = c.stdin.Write(append(line, '\n'))
	c.mu.Unlock()
	if err != nil {
		c.dropPending(string(idRaw))
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, &ProtocolError{Err: fmt.Errorf("downstream error %d: %s", msg.Error.Code, msg.Error.Message)}
		}
		return msg.Result, nil
	case <-c.done:
		c.dropPending(string(idRaw))
		return nil, &ProtocolError{Err: fmt.Errorf("downstream closed the connection")}
	case <-ctx.Done():
		c.dropPending(string(idRaw))
		return nil, ctx.Err()
	}
}

func (c *stdioClient) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *stdioClient) Initialize(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", initializeParams())
	if err != nil {
		return err
	}
	var info struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(result, &info); err != nil || info.ProtocolVersion == "" {
		return &ProtocolError{Err: fmt.Errorf("malformed initialize result")}
	}
	// Per protocol, initialized is fire-and-forget.
	notif, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
	c.mu.Lock()
	_, err = c.stdin.Write(append(notif, '\n'))
	c.mu.Unlock()
	return err
}

func (c *stdioClient) ListTools(ctx context.Context) ([]models.Tool, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(result)
}

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
	result, err := c.call(ctx, "tools/call", models.MCPToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return parseToolResult(result)
}

func (c *stdioClient) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Close shuts the child down: stdin close first so well-behaved servers exit
// on EOF, then a kill after a short grace period.
func (c *stdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()

	exited := make(chan struct{})
	go func() {
		_ = c.cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-exited
	}
	return nil
}
