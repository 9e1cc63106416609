// Package gemini implements every backend interface on the Google Gemini
// API via google.golang.org/genai: chat completion, utterance evaluation,
// speech transcription, and pronunciation scoring.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/lingolive/gateway/pkg/backend"
	"github.com/lingolive/gateway/pkg/tutor"
)

const (
	defaultModel     = "gemini-2.5-flash"
	defaultMaxTokens = 1024
)

// Client implements backend.Completer, backend.Evaluator,
// backend.Transcriber, and backend.PronunciationScorer.
type Client struct {
	client *genai.Client
	model  string
}

var (
	_ backend.Completer           = (*Client)(nil)
	_ backend.Evaluator           = (*Client)(nil)
	_ backend.Transcriber         = (*Client)(nil)
	_ backend.PronunciationScorer = (*Client)(nil)
)

// Option configures a [Client].
type Option func(*Client)

// WithModel sets the model ID. Default is gemini-2.5-flash.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// New creates a Gemini client with the given API key and options.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c := &Client{client: gc, model: defaultModel}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Complete generates the assistant's next conversational turn.
func (c *Client) Complete(ctx context.Context, req backend.CompletionRequest) (backend.Reply, error) {
	contents := convertMessages(req.Messages)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: defaultMaxTokens,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: tutorSystemPrompt(req.ScenarioID)}},
		},
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return backend.Reply{}, fmt.Errorf("gemini completion: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return backend.Reply{}, fmt.Errorf("gemini completion: empty response")
	}
	return backend.Reply{Text: text}, nil
}

// Evaluate scores one user utterance in JSON mode.
func (c *Client) Evaluate(ctx context.Context, utterance, scenarioID string) (tutor.Evaluation, error) {
	prompt := evaluationPrompt(utterance, scenarioID)
	resp, err := c.generateJSON(ctx, prompt)
	if err != nil {
		return tutor.Evaluation{}, fmt.Errorf("gemini evaluation: %w", err)
	}
	eval, err := parseEvaluation(resp)
	if err != nil {
		return tutor.Evaluation{}, fmt.Errorf("gemini evaluation: %w", err)
	}
	return eval, nil
}

// Transcribe converts an audio clip to text using an inline audio part.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (backend.Transcription, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
			{Text: transcribePrompt},
		},
	}}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens:  defaultMaxTokens,
		ResponseMIMEType: "application/json",
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return backend.Transcription{}, fmt.Errorf("gemini transcription: %w", err)
	}
	trans, err := parseTranscription(resp.Text())
	if err != nil {
		return backend.Transcription{}, fmt.Errorf("gemini transcription: %w", err)
	}
	return trans, nil
}

// Score rates transcribed speech against the expected text.
func (c *Client) Score(ctx context.Context, req backend.ScoreRequest) (backend.PronunciationScore, error) {
	prompt := scorePrompt(req)
	resp, err := c.generateJSON(ctx, prompt)
	if err != nil {
		return backend.PronunciationScore{}, fmt.Errorf("gemini scoring: %w", err)
	}
	score, err := parseScore(resp)
	if err != nil {
		return backend.PronunciationScore{}, fmt.Errorf("gemini scoring: %w", err)
	}
	return score, nil
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: prompt}},
	}}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens:  defaultMaxTokens,
		ResponseMIMEType: "application/json",
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func convertMessages(msgs []tutor.Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		role := "user"
		if msg.Sender == tutor.SenderAssistant {
			role = "model"
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Text}},
		})
	}
	return result
}

func tutorSystemPrompt(scenarioID string) string {
	var b strings.Builder
	b.WriteString("You are a friendly language tutor holding a spoken-style practice conversation. ")
	b.WriteString("Keep replies short (one to three sentences), stay in the scenario, and gently model correct usage.")
	if scenarioID != "" {
		fmt.Fprintf(&b, " The practice scenario is %q.", scenarioID)
	}
	return b.String()
}

func evaluationPrompt(utterance, scenarioID string) string {
	var b strings.Builder
	b.WriteString("Rate the learner utterance below for grammar and natural usage on a 0-100 scale ")
	b.WriteString("and give one short feedback sentence. ")
	if scenarioID != "" {
		fmt.Fprintf(&b, "The conversation scenario is %q. ", scenarioID)
	}
	b.WriteString(`Respond with JSON: {"score": <number>, "feedback": "<sentence>"}.`)
	b.WriteString("\n\nUtterance: ")
	b.WriteString(utterance)
	return b.String()
}

const transcribePrompt = `Transcribe the audio verbatim. Respond with JSON: {"text": "<transcription>", "confidence": <0..1>}.`

func scorePrompt(req backend.ScoreRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A level-%d language learner (1=beginner, 5=advanced) read a phrase aloud.\n", req.Level)
	fmt.Fprintf(&b, "Expected text: %q\nTranscribed speech: %q\n", req.ExpectedText, req.TranscribedText)
	b.WriteString("Score pronunciation, accuracy, fluency, and completeness on 0-100 scales, ")
	b.WriteString("calibrated to the learner's level, with a per-word breakdown and one feedback sentence. ")
	b.WriteString(`Respond with JSON: {"pronunciation": <n>, "accuracy": <n>, "fluency": <n>, "completeness": <n>, ` +
		`"words": [{"word": "<w>", "score": <n>}], "feedback": "<sentence>"}.`)
	return b.String()
}

func parseEvaluation(raw string) (tutor.Evaluation, error) {
	var out struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return tutor.Evaluation{}, fmt.Errorf("decode response: %w", err)
	}
	return tutor.Evaluation{Score: clampScore(out.Score), Feedback: out.Feedback}, nil
}

func parseTranscription(raw string) (backend.Transcription, error) {
	var out struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return backend.Transcription{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return backend.Transcription{}, fmt.Errorf("empty transcription")
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return backend.Transcription{Text: out.Text, Confidence: out.Confidence}, nil
}

func parseScore(raw string) (backend.PronunciationScore, error) {
	var out struct {
		Pronunciation float64 `json:"pronunciation"`
		Accuracy      float64 `json:"accuracy"`
		Fluency       float64 `json:"fluency"`
		Completeness  float64 `json:"completeness"`
		Words         []struct {
			Word  string  `json:"word"`
			Score float64 `json:"score"`
		} `json:"words"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return backend.PronunciationScore{}, fmt.Errorf("decode response: %w", err)
	}
	score := backend.PronunciationScore{
		Pronunciation: clampScore(out.Pronunciation),
		Accuracy:      clampScore(out.Accuracy),
		Fluency:       clampScore(out.Fluency),
		Completeness:  clampScore(out.Completeness),
		Feedback:      out.Feedback,
	}
	for _, w := range out.Words {
		if strings.TrimSpace(w.Word) == "" {
			continue
		}
		score.Words = append(score.Words, tutor.WordScore{Word: w.Word, Score: clampScore(w.Score)})
	}
	return score, nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
