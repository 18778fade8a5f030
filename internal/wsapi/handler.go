package wsapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/coopdev/coop/internal/agentstate"
	"github.com/coopdev/coop/internal/store"
)

// Handler serves the /ws endpoint over the Store.
type Handler struct {
	Store *store.Store
}

func NewHandler(st *store.Store) *Handler { return &Handler{Store: st} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("ws accept failed", "error", err)
		return
	}
	conn.SetReadLimit(512 * 1024)
	defer conn.CloseNow()

	flags := ParseSubscriptions(r.URL.Query().Get("subscribe"))
	authed := h.Store.AuthToken == ""
	if tok := r.URL.Query().Get("token"); tok != "" && tok == h.Store.AuthToken {
		authed = true
	}

	ctx := r.Context()
	h.Store.WSClientCount.Add(1)
	defer h.Store.WSClientCount.Add(-1)

	cs := &connState{conn: conn, store: h.Store, flags: flags, authed: authed}
	cs.serve(ctx)
}

// connState holds per-connection bookkeeping.
type connState struct {
	conn   *websocket.Conn
	store  *store.Store
	flags  SubscriptionFlags
	authed bool
}

func (c *connState) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubs := c.subscribeBroadcasts(ctx)
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.writeError("", "BAD_JSON", err.Error())
			continue
		}

		if !c.authed && env.Event != TypeAuth && env.Event != TypePing {
			c.writeError(env.Event, "UNAUTHORIZED", "auth required")
			continue
		}

		if err := c.handle(ctx, env.Event, raw); err != nil {
			c.writeError(env.Event, "BAD_REQUEST", err.Error())
		}
	}
}

func (c *connState) handle(ctx context.Context, event string, raw json.RawMessage) error {
	switch event {
	case TypePing:
		return c.writeJSON(ctx, Envelope{Event: TypePong})

	case TypeAuth:
		var req AuthRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		c.authed = req.Token == c.store.AuthToken
		if !c.authed {
			return c.writeError(event, "UNAUTHORIZED", "bad token")
		}
		return nil

	case TypeHealthGet:
		return c.replyHealth(ctx)

	case TypeScreenGet:
		return c.replyScreen(ctx)

	case TypeReplayGet:
		var req ReplayGetRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		return c.replyReplay(ctx, req)

	case TypeStatusGet:
		return c.replyStatus(ctx)

	case TypeInputSend:
		var req InputSendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		text := req.Text
		if req.Enter {
			text += "\r"
		}
		c.store.InputTx <- store.InputEvent{Write: []byte(text)}
		return nil

	case TypeInputSendRaw:
		var req InputSendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		data, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return err
		}
		c.store.InputTx <- store.InputEvent{Write: data}
		return nil

	case TypeKeysSend:
		var req KeysSendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		c.store.InputTx <- store.InputEvent{Write: []byte(EncodeKeys(req.Keys))}
		return nil

	case TypeSignalSend:
		var req SignalSendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		sig := req.Signal
		c.store.InputTx <- store.InputEvent{Signal: &sig}
		return nil

	case TypeResize:
		var req ResizeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		c.store.InputTx <- store.InputEvent{Resize: &store.ResizeEvent{Cols: req.Cols, Rows: req.Rows}}
		return nil

	case TypeAgentGet:
		return c.replyStatus(ctx)

	case TypeNudge:
		var req NudgeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		c.store.InputTx <- store.InputEvent{Write: []byte(req.Message + "\r")}
		return nil

	case TypeRespond:
		var req RespondRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		return c.handleRespond(req)

	case TypeShutdown:
		c.store.RequestShutdown()
		return nil

	case TypeSessionSwitch:
		var req SessionSwitchRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		select {
		case c.store.SwitchRequests <- store.SwitchRequest{Credentials: req.Credentials, Force: req.Force, Profile: req.Profile}:
		default:
		}
		return nil

	default:
		return c.writeError(event, "UNKNOWN_EVENT", "unrecognized event: "+event)
	}
}

func (c *connState) handleRespond(req RespondRequest) error {
	switch {
	case req.Option != "":
		c.store.InputTx <- store.InputEvent{Write: []byte(req.Option + "\r")}
	case req.Accept != nil:
		if *req.Accept {
			c.store.InputTx <- store.InputEvent{Write: []byte("y\r")}
		} else {
			c.store.InputTx <- store.InputEvent{Write: []byte("n\r")}
		}
	case req.Text != "":
		c.store.InputTx <- store.InputEvent{Write: []byte(req.Text + "\r")}
	case len(req.Answers) > 0:
		for _, v := range req.Answers {
			c.store.InputTx <- store.InputEvent{Write: []byte(v + "\r")}
		}
	}
	return nil
}

func (c *connState) replyHealth(ctx context.Context) error {
	snap := c.store.Screen.Snapshot()
	return c.writeJSON(ctx, HealthPayload{
		Event:      TypeHealth,
		Status:     "ok",
		PID:        int(c.store.ChildPID.Load()),
		UptimeSecs: int64(time.Since(c.store.StartedAt).Seconds()),
		Agent:      c.store.Agent,
		Cols:       snap.Cols,
		Rows:       snap.Rows,
		WSClients:  c.store.WSClientCount.Load(),
		Ready:      c.store.Ready.Load(),
	})
}

func (c *connState) replyScreen(ctx context.Context) error {
	snap := c.store.Screen.Snapshot()
	return c.writeJSON(ctx, ScreenPayload{
		Event: TypeScreen, Lines: snap.Lines, ANSI: snap.ANSILines,
		Cols: snap.Cols, Rows: snap.Rows, AltScreen: snap.AltScreen,
		CursorRow: snap.Cursor.Row, CursorCol: snap.Cursor.Col, Sequence: snap.Sequence,
	})
}

func (c *connState) replyReplay(ctx context.Context, req ReplayGetRequest) error {
	a, b, ok := c.store.Ring.ReadFrom(req.Offset)
	if !ok {
		a, b = []byte{}, nil
	}
	data := append(append([]byte{}, a...), b...)
	if req.Limit != nil && uint64(len(data)) > *req.Limit {
		data = data[:*req.Limit]
	}
	total := c.store.Ring.TotalWritten()
	next := req.Offset
	if req.Offset < c.store.Ring.OldestOffset() {
		next = c.store.Ring.OldestOffset()
	}
	next += uint64(len(data))
	return c.writeJSON(ctx, ReplayPayload{
		Event: TypeReplay, Data: base64.StdEncoding.EncodeToString(data),
		Offset: req.Offset, NextOffset: next, TotalWritten: total,
	})
}

func (c *connState) replyStatus(ctx context.Context) error {
	st := c.store.AgentState()
	var exitCode *int
	if st.Kind == agentstate.Exited {
		exitCode = st.Exit.Code
	}
	return c.writeJSON(ctx, StatusPayload{
		Event: TypeStatus, State: st.Kind.String(), PID: int(c.store.ChildPID.Load()),
		ExitCode: exitCode, ScreenSeq: c.store.Screen.Snapshot().Sequence,
		BytesWritten: c.store.BytesWritten.Load(), BytesRead: c.store.Ring.TotalWritten(),
		WSClients: c.store.WSClientCount.Load(),
	})
}

func (c *connState) writeError(event, code, msg string) error {
	return c.writeJSON(context.Background(), ErrorPayload{Event: "error", Code: code, Message: msg})
}

func (c *connState) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// subscribeBroadcasts wires the Store's broadcast channels to this
// connection according to its subscription flags, writing pushes as they
// arrive. Lag on any channel is tolerated (messages are simply skipped,
// since Broadcast already drops on a full per-subscriber buffer).
func (c *connState) subscribeBroadcasts(ctx context.Context) []func() {
	var unsubs []func()

	if c.flags.Output || c.flags.Screen {
		ch, unsub := c.store.Output.Subscribe(256)
		unsubs = append(unsubs, unsub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					c.pushOutput(ctx, ev)
				}
			}
		}()
	}
	if c.flags.State {
		ch, unsub := c.store.State.Subscribe(64)
		unsubs = append(unsubs, unsub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					_ = c.writeJSON(ctx, TransitionPayload{
						Event: TypeTransition, Prev: ev.Prev.Kind.String(), Next: ev.Next.Kind.String(),
						Seq: ev.Seq, Cause: ev.Cause, LastMessage: ev.LastMessage,
					})
				}
			}
		}()
	}
	if c.flags.Hooks {
		ch, unsub := c.store.Hook.Subscribe(64)
		unsubs = append(unsubs, unsub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case line, ok := <-ch:
					if !ok {
						return
					}
					_ = c.writeJSON(ctx, map[string]string{"event": TypeHook, "data": base64.StdEncoding.EncodeToString(line)})
				}
			}
		}()
	}
	if c.flags.Messages {
		ch, unsub := c.store.Message.Subscribe(64)
		unsubs = append(unsubs, unsub)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case line, ok := <-ch:
					if !ok {
						return
					}
					_ = c.writeJSON(ctx, map[string]string{"event": TypeMessage, "data": base64.StdEncoding.EncodeToString(line)})
				}
			}
		}()
	}

	return unsubs
}

func (c *connState) pushOutput(ctx context.Context, ev store.OutputEvent) {
	if ev.IsScreen {
		if !c.flags.Screen {
			return
		}
		snap := c.store.Screen.Snapshot()
		_ = c.writeJSON(ctx, ScreenPayload{
			Event: TypeScreenUpdate, Lines: snap.Lines, ANSI: snap.ANSILines,
			Cols: snap.Cols, Rows: snap.Rows, AltScreen: snap.AltScreen,
			CursorRow: snap.Cursor.Row, CursorCol: snap.Cursor.Col, Sequence: snap.Sequence,
		})
		return
	}
	if !c.flags.Output {
		return
	}
	_ = c.writeJSON(ctx, PtyPayload{Event: TypePty, Data: base64.StdEncoding.EncodeToString(ev.Raw), Offset: ev.Offset})
}

// EncodeKeys translates named keys (e.g. "Enter", "C-c") into raw bytes.
// Minimal mapping; extend as needed.
func EncodeKeys(keys []string) string {
	var out []byte
	for _, k := range keys {
		switch k {
		case "Enter":
			out = append(out, '\r')
		case "Tab":
			out = append(out, '\t')
		case "Escape":
			out = append(out, 0x1b)
		case "Backspace":
			out = append(out, 0x7f)
		case "Up":
			out = append(out, 0x1b, '[', 'A')
		case "Down":
			out = append(out, 0x1b, '[', 'B')
		case "Right":
			out = append(out, 0x1b, '[', 'C')
		case "Left":
			out = append(out, 0x1b, '[', 'D')
		default:
			if len(k) == 2 && k[0] == 'C' && k[1] == '-' {
				continue
			}
			if len(k) == 3 && k[0] == 'C' && k[1] == '-' {
				out = append(out, k[2]&0x1f)
				continue
			}
			out = append(out, []byte(k)...)
		}
	}
	return string(out)
}
