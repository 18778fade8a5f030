// Package attach implements the Attach Client described in spec.md §4.9: a
// raw-mode terminal client that connects over WS to a running Store,
// proxies stdin, reconciles server bytes through the Replay Gate, and
// handles reconnect backoff, SIGWINCH, and the detach/refresh hotkeys.
//
// Grounded on cmd/wt/egg.go's raw-mode/SIGWINCH/stdin-proxy loop
// (term.MakeRaw, signal.Notify(syscall.SIGWINCH), a stdin-reading goroutine
// feeding a stream), with the gRPC stream replaced by the WS connection
// internal/ws/client.go demonstrates (dial, heartbeat ticker, exponential
// reconnect backoff) and reconciliation routed through internal/replay.Gate.
package attach

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/term"

	"github.com/coopdev/coop/internal/replay"
	"github.com/coopdev/coop/internal/wsapi"
)

const (
	detachKey        = 0x1d // Ctrl-]
	refreshKey       = 0x0c // Ctrl-L
	pingInterval     = 30 * time.Second
	maxReconnectWait = 10 * time.Second
)

// Outcome is what Run returns once the attach session ends.
type Outcome int

const (
	Exited Outcome = iota
	Detached
	Disconnected
)

// Config configures a single attach run.
type Config struct {
	URL           string // ws://host:port/ws
	Token         string
	MaxReconnects int // 0 disables retry; negative means unlimited
	Stdin         io.Reader
	Stdout        io.Writer
}

// Client drives one attach session end to end: raw mode, dial, proxy loop,
// reconnect-with-backoff.
type Client struct {
	cfg        Config
	gate       *replay.Gate
	nextOffset uint64

	stdinCh chan []byte
}

// Run enters raw mode (after a first successful connection) and proxies the
// terminal until detach, exit, or exhausted reconnects.
func Run(ctx context.Context, cfg Config) (Outcome, int, error) {
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	c := &Client{cfg: cfg, gate: replay.New(), stdinCh: make(chan []byte, 64)}

	fd := int(os.Stdin.Fd())
	isTTY := term.IsTerminal(fd)

	conn, err := c.dial(ctx)
	if err != nil {
		// Rule: a failed first connection must not disturb the tty.
		return Disconnected, 0, fmt.Errorf("connect: %w", err)
	}

	var restore func()
	if isTTY {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			restore = func() { term.Restore(fd, oldState) }
		}
	}
	if restore != nil {
		defer restore()
		installPanicRestore(restore)
	}

	if isTTY {
		fmt.Fprint(cfg.Stdout, "\x1b[?1049h\x1b[?2026h\x1b[2J\x1b[H")
		defer fmt.Fprint(cfg.Stdout, "\x1b[?2026l\x1b[?1049l")
	}

	go c.readStdin()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)

	attempt := 0
	for {
		if conn != nil {
			outcome, code, serveErr := c.serve(ctx, conn, winchCh)
			if outcome == Exited || outcome == Detached {
				return outcome, code, nil
			}
			err = serveErr
		}

		maxR := cfg.MaxReconnects
		if maxR == 0 {
			return Disconnected, 0, err
		}
		if maxR > 0 && attempt >= maxR {
			return Disconnected, 0, err
		}
		attempt++
		wait := 500 * time.Millisecond * time.Duration(1<<uint(attempt-1))
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
		select {
		case <-ctx.Done():
			return Disconnected, 0, ctx.Err()
		case <-time.After(wait):
		}

		c.gate.Reset()
		conn, err = c.dial(ctx)
		if err != nil {
			continue
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	return conn, nil
}

func (c *Client) readStdin() {
	buf := make([]byte, 4096)
	for {
		n, err := c.cfg.Stdin.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.stdinCh <- data
		}
		if err != nil {
			close(c.stdinCh)
			return
		}
	}
}

// serve runs one connection's handshake and select loop, returning once the
// connection drops, the user detaches, or the backend exits.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, winchCh chan os.Signal) (Outcome, int, error) {
	defer conn.CloseNow()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.Token != "" {
		if err := c.writeJSON(ctx, conn, wsapi.AuthRequest{Event: wsapi.TypeAuth, Token: c.cfg.Token}); err != nil {
			return Disconnected, 0, err
		}
	}

	cols, rows := 80, 24
	if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		cols, rows = w, h
	}
	if err := c.writeJSON(ctx, conn, wsapi.ResizeRequest{Event: wsapi.TypeResize, Cols: cols, Rows: rows}); err != nil {
		return Disconnected, 0, err
	}
	if err := c.requestReplay(ctx, conn); err != nil {
		return Disconnected, 0, err
	}

	incoming := make(chan []byte, 64)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			if err != nil {
				readErrCh <- err
				return
			}
			incoming <- data
		}
	}()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Disconnected, 0, ctx.Err()

		case err := <-readErrCh:
			return Disconnected, 0, err

		case data, ok := <-incoming:
			if !ok {
				return Disconnected, 0, fmt.Errorf("connection closed")
			}
			outcome, code, handled, err := c.handleMessage(data)
			if handled {
				return outcome, code, err
			}

		case raw, ok := <-c.stdinCh:
			if !ok {
				return Exited, 0, nil
			}
			if idx := indexByte(raw, detachKey); idx >= 0 {
				if idx > 0 {
					c.sendRaw(ctx, conn, raw[:idx])
				}
				return Detached, 0, nil
			}
			if idx := indexByte(raw, refreshKey); idx >= 0 {
				filtered := append(append([]byte{}, raw[:idx]...), raw[idx+1:]...)
				if len(filtered) > 0 {
					c.sendRaw(ctx, conn, filtered)
				}
				c.gate.Reset()
				fmt.Fprint(c.cfg.Stdout, "\x1b[?2026h")
				_ = c.requestReplay(ctx, conn)
				continue
			}
			c.sendRaw(ctx, conn, raw)

		case sig := <-winchCh:
			_ = sig
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				_ = c.writeJSON(ctx, conn, wsapi.ResizeRequest{Event: wsapi.TypeResize, Cols: w, Rows: h})
				c.gate.Reset()
				fmt.Fprint(c.cfg.Stdout, "\x1b[?2026h")
				_ = c.requestReplay(ctx, conn)
			}

		case <-pingTicker.C:
			_ = c.writeJSON(ctx, conn, wsapi.Envelope{Event: wsapi.TypePing})
		}
	}
}

func (c *Client) handleMessage(data []byte) (outcome Outcome, code int, handled bool, err error) {
	var env wsapi.Envelope
	if jsonErr := json.Unmarshal(data, &env); jsonErr != nil {
		return 0, 0, false, nil
	}
	switch env.Event {
	case wsapi.TypePty:
		var p wsapi.PtyPayload
		if json.Unmarshal(data, &p) == nil {
			raw, _ := base64.StdEncoding.DecodeString(p.Data)
			res := c.gate.OnPTY(raw, p.Offset)
			c.writeGateResult(res)
		}
	case wsapi.TypeReplay:
		var p wsapi.ReplayPayload
		if json.Unmarshal(data, &p) == nil {
			raw, _ := base64.StdEncoding.DecodeString(p.Data)
			res := c.gate.OnReplay(raw, p.Offset, p.NextOffset)
			c.nextOffset = p.NextOffset
			c.writeGateResult(res)
		}
	case wsapi.TypeExit:
		var p wsapi.ExitPayload
		json.Unmarshal(data, &p)
		code := 0
		if p.Code != nil {
			code = *p.Code
		}
		return Exited, code, true, nil
	case wsapi.TypeError:
		var p wsapi.ErrorPayload
		json.Unmarshal(data, &p)
		return Disconnected, 0, true, fmt.Errorf("server error: %s", p.Message)
	}
	return 0, 0, false, nil
}

func (c *Client) writeGateResult(res replay.Result) {
	if len(res.Bytes) == 0 {
		return
	}
	if res.IsFirst {
		fmt.Fprint(c.cfg.Stdout, "\x1b[?2026l")
	}
	c.cfg.Stdout.Write(res.Bytes)
}

func (c *Client) requestReplay(ctx context.Context, conn *websocket.Conn) error {
	return c.writeJSON(ctx, conn, wsapi.ReplayGetRequest{Event: wsapi.TypeReplayGet, Offset: c.nextOffset})
}

func (c *Client) sendRaw(ctx context.Context, conn *websocket.Conn, data []byte) {
	_ = c.writeJSON(ctx, conn, wsapi.InputSendRequest{
		Event: wsapi.TypeInputSendRaw,
		Data:  base64.StdEncoding.EncodeToString(data),
	})
}

func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func indexByte(b []byte, target byte) int {
	for i, v := range b {
		if v == target {
			return i
		}
	}
	return -1
}

// panicRestore protects the process-global raw-mode restore hook behind a
// sync.Once, so an unwinding panic restores termios exactly once before
// re-panicking.
var (
	panicRestoreOnce sync.Once
	panicRestoreFn   func()
)

func installPanicRestore(restore func()) {
	panicRestoreFn = restore
	panicRestoreOnce = sync.Once{}
}

// RecoverTerminal is deferred by the CLI entrypoint around the attach call
// so a panic mid-session still leaves the user's tty in cooked mode.
func RecoverTerminal() {
	if r := recover(); r != nil {
		if panicRestoreFn != nil {
			panicRestoreOnce.Do(panicRestoreFn)
		}
		panic(r)
	}
}
