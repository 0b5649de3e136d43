package toolclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// workerConn is the transport behind a pool entry. It is an interface so
// tests can substitute a fake without spawning processes.
type workerConn interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (Result, error)
	Close()
}

// stdioConn is a live worker process speaking JSON-RPC over stdin/stdout.
//
// Requests are multiplexed by id, so concurrent callers can share one
// connection. The stdio transport has no native cancellation: a caller that
// gives up on a request simply forgets its id and the eventual reply is
// dropped by the read loop.
type stdioConn struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *response
	closed  bool

	nextID int64
	done   chan struct{}
	waitCh chan error
}

const handshakeTimeout = 15 * time.Second

// dialWorker spawns the worker process and performs the MCP handshake.
func dialWorker(ctx context.Context, command string, args []string, envOverrides []string) (workerConn, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), envOverrides...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	cmd.Stderr = &logWriter{}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", command, err)
	}

	c := &stdioConn{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
		waitCh:  make(chan error, 1),
	}

	go c.readLoop(stdout)
	go func() { c.waitCh <- cmd.Wait() }()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := c.handshake(hsCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("worker handshake failed: %w", err)
	}

	log.Debug().
		Str("command", command).
		Int("pid", cmd.Process.Pid).
		Msg("Tool worker connection established")
	return c, nil
}

func (c *stdioConn) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return err
	}
	return c.notify("notifications/initialized", nil)
}

// CallTool invokes one tool and normalizes the reply.
func (c *stdioConn) CallTool(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	raw, err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		return Result{}, err
	}

	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return normalizeResult(res), nil
}

// call sends one request and waits for the matching response or context end.
func (c *stdioConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan *response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			// The worker replied; the connection itself is healthy. Surface
			// the payload as an error-shaped tool result.
			return json.Marshal(callToolResult{
				Content: []contentItem{{Type: "text", Text: resp.Error.Message}},
				IsError: true,
			})
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed while awaiting %s", method)
	}
}

func (c *stdioConn) notify(method string, params interface{}) error {
	return c.write(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *stdioConn) write(req request) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(buf); err != nil {
		return fmt.Errorf("failed to write to worker: %w", err)
	}
	return nil
}

func (c *stdioConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *stdioConn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	// Tool results can be large; allow lines up to 8 MiB.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Debug().Err(err).Msg("Skipping unparseable worker output line")
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification; nothing to correlate.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Reply to an abandoned (timed out) call.
			continue
		}

		r := resp
		ch <- &r
	}

	c.teardown()
}

// teardown marks the connection dead and unblocks every waiter.
func (c *stdioConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = make(map[int64]chan *response)
	close(c.done)
	c.mu.Unlock()
}

// Close ends the worker gracefully: stdin close first so the worker can
// exit on its own, then a kill if it lingers.
func (c *stdioConn) Close() {
	c.teardown()
	_ = c.stdin.Close()

	select {
	case <-c.waitCh:
	case <-time.After(3 * time.Second):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-c.waitCh
	}
}

// logWriter forwards worker stderr lines to the logger.
type logWriter struct{}

func (w *logWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		log.Debug().Str("source", "tool-worker").Msg(msg)
	}
	return len(p), nil
}
