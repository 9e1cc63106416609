// Package pipeline implements the text and voice turn pipelines: accept
// the learner's turn into the session first, then call the language
// backends, then fold the outcome back into the session. Backend
// failures degrade the reply or the score, never the accepted turn.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lingolive/gateway/pkg/backend"
	"github.com/lingolive/gateway/pkg/core"
	"github.com/lingolive/gateway/pkg/store"
	"github.com/lingolive/gateway/pkg/tutor"
)

const (
	// MaxUtteranceChars bounds one text turn.
	MaxUtteranceChars = 2000

	// NeutralScore substitutes for a failed evaluation so a backend
	// outage cannot bias session averages up or down.
	NeutralScore = 70

	// FallbackReply is returned verbatim when the completion backend is
	// unavailable. The learner's utterance is already part of the
	// session by then.
	FallbackReply = "Sorry, I had trouble coming up with a reply just now. Please go on, I'm still listening."
)

// MessageConfig tunes backend call budgets for the text pipeline.
type MessageConfig struct {
	// BackendTimeout caps the first attempt at each backend call.
	BackendTimeout time.Duration
	// RetryTimeout caps the single retry after a retryable failure.
	RetryTimeout time.Duration
	// ObserveBackendCall receives the duration and outcome of every
	// backend attempt. Nil disables observation.
	ObserveBackendCall func(backend, status string, duration time.Duration)
}

func (c MessageConfig) withDefaults() MessageConfig {
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 10 * time.Second
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 4 * time.Second
	}
	return c
}

// MessageResult is one completed text exchange.
type MessageResult struct {
	UserMessage tutor.Message    `json:"user_message"`
	Reply       tutor.Message    `json:"reply"`
	Evaluation  tutor.Evaluation `json:"evaluation"`
	SessionAvg  float64          `json:"session_avg"`
	// Fallback reports that the reply text is the canned fallback, not a
	// generated one.
	Fallback bool `json:"fallback,omitempty"`
}

// MessagePipeline turns a learner utterance into an evaluated exchange.
type MessagePipeline struct {
	cfg       MessageConfig
	registry  *tutor.Registry
	completer backend.Completer
	evaluator backend.Evaluator
	history   store.History
	logger    *slog.Logger
}

// NewMessagePipeline wires the text pipeline. history may be nil.
func NewMessagePipeline(cfg MessageConfig, registry *tutor.Registry, completer backend.Completer, evaluator backend.Evaluator, history store.History, logger *slog.Logger) *MessagePipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagePipeline{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		completer: completer,
		evaluator: evaluator,
		history:   history,
		logger:    logger,
	}
}

// PendingMessage is an accepted text turn whose reply is still owed.
// The utterance is already part of the session; Complete produces the
// assistant's side of the exchange.
type PendingMessage struct {
	SessionID   string
	UserMessage tutor.Message

	scenarioID string
	window     []tutor.Message
	text       string
}

// Accept validates a text turn and appends it to the session. It does
// no backend I/O; callers that acknowledge turns before answering them
// call Accept on their hot path and Complete from a worker.
func (p *MessagePipeline) Accept(sessionID, userID, text string) (PendingMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PendingMessage{}, core.NewValidationErrorWithParam("message text is empty", "text")
	}
	if len(text) > MaxUtteranceChars {
		return PendingMessage{}, core.NewValidationErrorWithParam("message text is too long", "text")
	}

	userMsg, window, err := p.registry.AppendUser(sessionID, userID, text)
	if err != nil {
		return PendingMessage{}, err
	}
	snap, err := p.registry.Snapshot(sessionID)
	if err != nil {
		return PendingMessage{}, err
	}
	return PendingMessage{
		SessionID:   sessionID,
		UserMessage: userMsg,
		scenarioID:  snap.ScenarioID,
		window:      window,
		text:        text,
	}, nil
}

// Respond processes one text turn synchronously: Accept, then Complete.
func (p *MessagePipeline) Respond(ctx context.Context, sessionID, userID, text string) (MessageResult, error) {
	pending, err := p.Accept(sessionID, userID, text)
	if err != nil {
		return MessageResult{}, err
	}
	return p.Complete(ctx, pending)
}

// Complete runs the backends for an accepted turn. The reply and the
// evaluation are fetched concurrently; either may degrade independently
// (fallback reply, neutral score) without losing the turn. An error
// means the session ended or vanished while the backends ran; the
// accepted utterance is retained either way.
func (p *MessagePipeline) Complete(ctx context.Context, pending PendingMessage) (MessageResult, error) {
	sessionID := pending.SessionID

	type completionOut struct {
		reply backend.Reply
		err   error
	}
	type evalOut struct {
		eval tutor.Evaluation
		err  error
	}
	completionCh := make(chan completionOut, 1)
	evalCh := make(chan evalOut, 1)

	go func() {
		var reply backend.Reply
		err := p.callBackend(ctx, "completion", func(ctx context.Context) error {
			var err error
			reply, err = p.completer.Complete(ctx, backend.CompletionRequest{
				ScenarioID: pending.scenarioID,
				Messages:   pending.window,
			})
			return err
		})
		completionCh <- completionOut{reply, err}
	}()
	go func() {
		var eval tutor.Evaluation
		err := p.callBackend(ctx, "evaluation", func(ctx context.Context) error {
			var err error
			eval, err = p.evaluator.Evaluate(ctx, pending.text, pending.scenarioID)
			return err
		})
		evalCh <- evalOut{eval, err}
	}()

	completion := <-completionCh
	evaluation := <-evalCh

	result := MessageResult{UserMessage: pending.UserMessage}
	replyText := completion.reply.Text
	if completion.err != nil {
		p.logger.Warn("completion failed, using fallback reply",
			"session_id", sessionID, "error", completion.err)
		replyText = FallbackReply
		result.Fallback = true
	}
	eval := evaluation.eval
	if evaluation.err != nil {
		p.logger.Warn("evaluation failed, using neutral score",
			"session_id", sessionID, "error", evaluation.err)
		eval = tutor.Evaluation{
			Score:    NeutralScore,
			Feedback: "Keep going! Scoring is briefly unavailable.",
			Fallback: true,
		}
	}

	replyMsg, avg, err := p.registry.AppendAssistant(sessionID, replyText, eval)
	if err != nil {
		// The session ended or was evicted while the backends ran. The
		// user turn was still accepted; report the state error.
		return MessageResult{}, err
	}
	result.Reply = replyMsg
	result.Evaluation = eval
	result.SessionAvg = avg

	p.persist(ctx, sessionID, pending.UserMessage, replyMsg)
	return result, nil
}

// callBackend runs fn under the attempt timeout, retrying once on a
// retryable failure with the shorter retry budget.
func (p *MessagePipeline) callBackend(ctx context.Context, name string, fn func(context.Context) error) error {
	attempt := func(budget time.Duration) error {
		callCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		start := time.Now()
		err := fn(callCtx)
		if p.cfg.ObserveBackendCall != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			p.cfg.ObserveBackendCall(name, status, time.Since(start))
		}
		return err
	}

	err := attempt(p.cfg.BackendTimeout)
	if err == nil {
		return nil
	}
	typed := core.FromBackendError(name, err)
	if !typed.IsRetryable() || ctx.Err() != nil {
		return typed
	}
	p.logger.Debug("retrying backend call", "backend", name, "error", err)
	if err := attempt(p.cfg.RetryTimeout); err != nil {
		return core.FromBackendError(name, err)
	}
	return nil
}

// persist writes both turns to history. Failures are logged only; the
// exchange already happened from the learner's point of view.
func (p *MessagePipeline) persist(ctx context.Context, sessionID string, msgs ...tutor.Message) {
	if p.history == nil {
		return
	}
	for _, msg := range msgs {
		if err := p.history.SaveMessage(ctx, sessionID, msg); err != nil {
			p.logger.Warn("history write failed",
				"session_id", sessionID, "message_id", msg.ID, "error", err)
		}
	}
}
