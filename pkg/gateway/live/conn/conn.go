// Package conn runs one live WebSocket connection: a read pump feeding
// an event loop, and a writer goroutine draining priority and normal
// outbound queues. The first frame must authenticate; every
// session-scoped event before that closes the connection.
package conn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingolive/gateway/pkg/core"
	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/live/protocol"
	"github.com/lingolive/gateway/pkg/gateway/metrics"
	"github.com/lingolive/gateway/pkg/pipeline"
	"github.com/lingolive/gateway/pkg/tutor"
)

// wsConn is the subset of *websocket.Conn the connection uses. Tests
// substitute a scripted fake.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Config struct {
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	OutboundQueue    int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	return c
}

// Dependencies wires one connection. Progress may be nil; the session
// summary is then sent without the updated aggregate.
type Dependencies struct {
	Conn          wsConn
	Logger        *slog.Logger
	Authenticator auth.Authenticator
	Registry      *tutor.Registry
	Messages      *pipeline.MessagePipeline
	Voice         *pipeline.VoicePipeline
	Progress      tutor.ProgressStore
	Metrics       *metrics.Metrics
	ConnID        string
	Config        Config

	// OnAuthenticated runs once the handshake has resolved the caller.
	// Returning an error rejects the connection; the error frame is sent
	// before closing. Live-session caps hook in here because the user is
	// unknown until the authenticate frame arrives.
	OnAuthenticated func(p auth.Principal) error
}

// Conn is one live connection's state.
type Conn struct {
	deps Dependencies
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	priority chan []byte
	normal   chan []byte

	principal *auth.Principal
}

func New(deps Dependencies) (*Conn, error) {
	if deps.Conn == nil {
		return nil, errors.New("conn: websocket connection is required")
	}
	if deps.Authenticator == nil {
		return nil, errors.New("conn: authenticator is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("conn: registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := deps.Config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		deps:     deps,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		priority: make(chan []byte, 8),
		normal:   make(chan []byte, cfg.OutboundQueue),
	}, nil
}

// Cancel force-closes the connection. Safe to call from any goroutine.
func (c *Conn) Cancel() { c.cancel() }

// SendWarning queues an out-of-band warning ahead of normal traffic.
func (c *Conn) SendWarning(code, message string) error {
	return c.enqueue(c.priority, protocol.ServerWarning{
		Type:    protocol.TypeWarning,
		Code:    code,
		Message: message,
	})
}

// Run drives the connection until the peer disconnects, a fatal
// protocol error occurs, or Cancel fires. It blocks.
func (c *Conn) Run() error {
	defer c.cancel()

	if err := c.handshake(); err != nil {
		// The error frame was already written; close directly, the
		// writer never started.
		_ = c.deps.Conn.Close()
		return err
	}

	writerDone := make(chan error, 1)
	go func() {
		w := &writer{
			ws:       c.deps.Conn,
			ctx:      c.ctx,
			cfg:      c.cfg,
			priority: c.priority,
			normal:   c.normal,
		}
		writerDone <- w.run()
	}()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			messageType, data, err := c.deps.Conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-c.ctx.Done():
				return
			}
		}
	}()

	var loopErr error
loop:
	for {
		select {
		case <-c.ctx.Done():
			break loop
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						loopErr = err
					}
				default:
				}
				break loop
			}
			if fatal := c.dispatch(frame); fatal {
				break loop
			}
		}
	}

	c.cancel()
	<-writerDone
	return loopErr
}

// handshake reads and answers the mandatory authenticate frame.
func (c *Conn) handshake() error {
	_ = c.deps.Conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer func() { _ = c.deps.Conn.SetReadDeadline(time.Time{}) }()

	messageType, raw, err := c.deps.Conn.ReadMessage()
	if err != nil {
		return errors.New("conn: no authenticate frame before deadline")
	}
	if messageType != websocket.TextMessage {
		c.writeDirect(authErrorFrame("first frame must be authenticate"))
		return errors.New("conn: non-text first frame")
	}
	decoded, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		c.writeDirect(authErrorFrame("invalid authenticate frame"))
		return err
	}
	msg, ok := decoded.(protocol.Authenticate)
	if !ok {
		c.writeDirect(authErrorFrame("first frame must be authenticate"))
		return errors.New("conn: first frame is not authenticate")
	}

	p, err := c.deps.Authenticator.Authenticate(c.ctx, msg.Token)
	if err != nil {
		c.deps.Metrics.RecordError(string(core.ErrAuth))
		c.writeDirect(authErrorFrame("invalid token"))
		return err
	}
	if c.deps.OnAuthenticated != nil {
		if err := c.deps.OnAuthenticated(p); err != nil {
			canonical := core.FromBackendError("", err)
			c.deps.Metrics.RecordError(string(canonical.Type))
			c.writeDirect(mustMarshal(protocol.ServerError{
				Type:      protocol.TypeError,
				Scope:     "connection",
				ErrorType: string(canonical.Type),
				Code:      canonical.Code,
				Message:   canonical.Message,
				Close:     true,
			}))
			return err
		}
	}
	c.principal = &p

	c.writeDirect(mustMarshal(protocol.ServerAuthenticated{
		Type:   protocol.TypeAuthenticated,
		UserID: p.UserID,
	}))
	c.deps.Logger.Info("live connection authenticated",
		"conn_id", c.deps.ConnID, "user_id", p.UserID)
	return nil
}

// dispatch handles one decoded frame. It returns true when the
// connection must close.
func (c *Conn) dispatch(raw []byte) (fatal bool) {
	decoded, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			c.sendError("connection", "", core.NewValidationErrorWithParam(decodeErr.Message, decodeErr.Param), false)
			return false
		}
		c.sendError("connection", "", core.NewValidationError("invalid frame"), false)
		return false
	}

	switch msg := decoded.(type) {
	case protocol.Authenticate:
		// Re-authentication is not part of the protocol.
		c.sendError("connection", "", core.NewStateError("connection is already authenticated", "already-authenticated"), false)
		return false
	case protocol.JoinSession:
		c.handleJoin(msg)
	case protocol.SendMessage:
		c.handleMessage(msg)
	case protocol.SendVoice:
		c.handleVoice(msg)
	case protocol.EndSession:
		c.handleEnd(msg)
	}
	return false
}

func (c *Conn) handleJoin(msg protocol.JoinSession) {
	res, err := c.deps.Registry.Join(c.ctx, msg.SessionID, msg.ScenarioID, c.principal.UserID)
	if err != nil {
		c.sendError("session", msg.SessionID, err, false)
		return
	}
	c.send(protocol.ServerSessionJoined{
		Type:         protocol.TypeSessionJoined,
		SessionID:    res.SessionID,
		ScenarioID:   msg.ScenarioID,
		Created:      res.Created,
		Participants: res.Participants,
	})
}

// handleMessage accepts the turn on the event loop and answers it from
// a goroutine, so the loop keeps reading while the backends run. The
// continuation uses a detached context: a disconnect stops delivery,
// not the in-flight work.
func (c *Conn) handleMessage(msg protocol.SendMessage) {
	pending, err := c.deps.Messages.Accept(msg.SessionID, c.principal.UserID, msg.Text)
	if err != nil {
		c.deps.Metrics.RecordMessage("text", "rejected")
		c.sendError("session", msg.SessionID, err, false)
		return
	}
	c.send(protocol.ServerMessageAccepted{
		Type:      protocol.TypeMessageAccepted,
		SessionID: msg.SessionID,
		Message:   pending.UserMessage,
	})

	ctx := context.WithoutCancel(c.ctx)
	go func() {
		res, err := c.deps.Messages.Complete(ctx, pending)
		if err != nil {
			c.deps.Metrics.RecordMessage("text", "rejected")
			c.sendErrorWait("session", msg.SessionID, err)
			return
		}
		outcome := "ok"
		if res.Fallback {
			outcome = "fallback"
		}
		c.deps.Metrics.RecordMessage("text", outcome)
		c.sendWait(protocol.ServerAssistantReply{
			Type:       protocol.TypeAssistantReply,
			SessionID:  msg.SessionID,
			Message:    res.Reply,
			Evaluation: res.Evaluation,
			SessionAvg: res.SessionAvg,
			Fallback:   res.Fallback,
		})
	}()
}

func (c *Conn) handleVoice(msg protocol.SendVoice) {
	audio, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		c.sendError("session", msg.SessionID, core.NewValidationErrorWithParam("audio is not valid base64", "audio"), false)
		return
	}

	c.send(protocol.ServerVoiceProcessing{
		Type:      protocol.TypeVoiceProcessing,
		SessionID: msg.SessionID,
	})

	// Same shape as handleMessage: the acknowledgment is already out,
	// the analysis runs off the loop on a detached context.
	ctx := context.WithoutCancel(c.ctx)
	go func() {
		res, err := c.deps.Voice.Analyze(ctx, pipeline.VoiceRequest{
			SessionID:    msg.SessionID,
			UserID:       c.principal.UserID,
			Audio:        audio,
			MIMEType:     msg.MIMEType,
			ExpectedText: msg.ExpectedText,
			Duration:     time.Duration(msg.DurationMS) * time.Millisecond,
		})
		if err != nil {
			c.deps.Metrics.RecordMessage("voice", "rejected")
			c.sendErrorWait("session", msg.SessionID, err)
			return
		}
		c.deps.Metrics.RecordMessage("voice", "ok")
		if c.deps.Metrics != nil {
			c.deps.Metrics.VoiceBytesTotal.Add(float64(len(audio)))
		}
		c.sendWait(protocol.ServerVoiceResult{
			Type:       protocol.TypeVoiceResult,
			SessionID:  msg.SessionID,
			Message:    res.Message,
			Analysis:   res.Analysis,
			Level:      res.Level,
			SessionAvg: res.SessionAvg,
		})
	}()
}

func (c *Conn) handleEnd(msg protocol.EndSession) {
	summary, err := c.deps.Registry.End(c.ctx, msg.SessionID, c.principal.UserID)
	if err != nil {
		c.sendError("session", msg.SessionID, err, false)
		return
	}
	out := protocol.ServerSessionSummary{
		Type:    protocol.TypeSessionSummary,
		Summary: summary,
	}
	if c.deps.Progress != nil {
		if p, err := c.deps.Progress.Progress(c.ctx, c.principal.UserID); err == nil {
			out.Progress = &p
		}
	}
	c.send(out)
}

// errorFrame maps err to the wire error event and records the metric.
func (c *Conn) errorFrame(scope, sessionID string, err error, close bool) (protocol.ServerError, bool) {
	canonical := core.FromBackendError("", err)
	if canonical == nil {
		return protocol.ServerError{}, false
	}
	c.deps.Metrics.RecordError(string(canonical.Type))
	return protocol.ServerError{
		Type:      protocol.TypeError,
		Scope:     scope,
		ErrorType: string(canonical.Type),
		Code:      canonical.Code,
		Message:   canonical.Message,
		Param:     canonical.Param,
		SessionID: sessionID,
		Close:     close,
	}, true
}

func (c *Conn) sendError(scope, sessionID string, err error, close bool) {
	if frame, ok := c.errorFrame(scope, sessionID, err, close); ok {
		c.send(frame)
	}
}

// sendErrorWait is the continuation-goroutine variant of sendError.
func (c *Conn) sendErrorWait(scope, sessionID string, err error) {
	if frame, ok := c.errorFrame(scope, sessionID, err, false); ok {
		c.sendWait(frame)
	}
}

// send queues a frame without blocking the event loop. When the normal
// queue is full the frame is replaced by an error event on the priority
// queue, so the event that produced it still resolves client-side.
func (c *Conn) send(v any) {
	err := c.enqueue(c.normal, v)
	if err == nil || c.ctx.Err() != nil {
		return
	}
	_ = c.enqueue(c.priority, protocol.ServerError{
		Type:      protocol.TypeError,
		Scope:     "connection",
		ErrorType: string(core.ErrInternal),
		Code:      "queue-overflow",
		Message:   "outbound queue full, frame dropped",
	})
}

// sendWait queues a frame, waiting for space instead of dropping it.
// Only continuation goroutines call this; the event loop never blocks
// on the queue.
func (c *Conn) sendWait(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.normal <- data:
	case <-c.ctx.Done():
	}
}

// enqueue marshals and queues an outbound frame. A full queue reports
// an error rather than blocking the caller on a slow reader.
func (c *Conn) enqueue(ch chan []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case ch <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.deps.Logger.Warn("outbound queue full, dropping frame", "conn_id", c.deps.ConnID)
		return errors.New("conn: outbound queue full")
	}
}

// writeDirect writes a frame before the writer goroutine starts.
func (c *Conn) writeDirect(data []byte) {
	_ = c.deps.Conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = c.deps.Conn.WriteMessage(websocket.TextMessage, data)
}

func authErrorFrame(message string) []byte {
	return mustMarshal(protocol.ServerError{
		Type:      protocol.TypeError,
		Scope:     "connection",
		ErrorType: string(core.ErrAuth),
		Message:   message,
		Close:     true,
	})
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
