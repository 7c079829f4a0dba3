package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/grimoirelabs/grimoire/internal/gateway"
	"github.com/grimoirelabs/grimoire/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxLineBytes bounds one inbound JSON-RPC line (10 MiB).
const maxLineBytes = 10 << 20

// StdioTransport speaks line-delimited JSON-RPC with the client over
// stdin/stdout, with the gateway as server. Responses and asynchronous
// notifications share the output stream under one writer lock.
type StdioTransport struct {
	gw  *gateway.Gateway
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewStdioTransport wires the transport and registers its list-changed
// notifier on the gateway.
func NewStdioTransport(gw *gateway.Gateway, in io.Reader, out io.Writer) *StdioTransport {
	t := &StdioTransport{gw: gw, in: in, out: out}
	gw.OnListChanged(t.notifyListChanged)
	return t
}

// Run reads requests until EOF, or until a line arrives after ctx has been
// cancelled. Each request is handled to completion before the next line is
// consumed. Cancellation does not interrupt a read that is waiting for input.
func (t *StdioTransport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req models.MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			t.write(&models.MCPResponse{
				Jsonrpc: "2.0",
				Error:   &models.MCPError{Code: -32700, Message: "Parse error", Data: err.Error()},
			})
			continue
		}

		resp := t.gw.Handle(ctx, &req)
		if resp != nil {
			t.write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	log.Info().Msg("Client disconnected")
	return nil
}

func (t *StdioTransport) notifyListChanged() {
	t.writeRaw(models.MCPNotification{
		Jsonrpc: "2.0",
		Method:  "notifications/tools/list_changed",
	})
}

func (t *StdioTransport) write(resp *models.MCPResponse) {
	t.writeRaw(resp)
}

func (t *StdioTransport) writeRaw(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode outbound message")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("Failed to write to client")
	}
}
