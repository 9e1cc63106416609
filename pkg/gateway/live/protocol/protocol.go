// Package protocol defines the live WebSocket wire events. Client
// frames are JSON envelopes dispatched on "type"; server frames mirror
// the HTTP payloads so both transports carry the same shapes.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lingolive/gateway/pkg/tutor"
)

// Client event types.
const (
	TypeAuthenticate = "authenticate"
	TypeJoinSession  = "join_session"
	TypeSendMessage  = "send_message"
	TypeSendVoice    = "send_voice"
	TypeEndSession   = "end_session"
)

// Server event types.
const (
	TypeAuthenticated   = "authenticated"
	TypeSessionJoined   = "session_joined"
	TypeMessageAccepted = "message_accepted"
	TypeAssistantReply  = "assistant_reply"
	TypeVoiceProcessing = "voice_processing"
	TypeVoiceResult     = "voice_result"
	TypeSessionSummary  = "session_summary"
	TypeError           = "error"
	TypeWarning         = "warning"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Authenticate must be the first frame on a connection.
type Authenticate struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type JoinSession struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	ScenarioID string `json:"scenario_id"`
}

type SendMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// SendVoice carries base64 audio in the JSON frame.
type SendVoice struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	Audio        string `json:"audio"`
	MIMEType     string `json:"mime_type"`
	ExpectedText string `json:"expected_text,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
}

type EndSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// DecodeClientMessage parses one client frame and validates its
// required fields.
func DecodeClientMessage(raw []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, badRequest("invalid JSON frame", "")
	}

	switch head.Type {
	case TypeAuthenticate:
		var msg Authenticate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, badRequest("invalid authenticate frame", "")
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, badRequest("token is required", "token")
		}
		return msg, nil
	case TypeJoinSession:
		var msg JoinSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, badRequest("invalid join_session frame", "")
		}
		if strings.TrimSpace(msg.ScenarioID) == "" {
			return nil, badRequest("scenario_id is required", "scenario_id")
		}
		return msg, nil
	case TypeSendMessage:
		var msg SendMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, badRequest("invalid send_message frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session_id is required", "session_id")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text is required", "text")
		}
		return msg, nil
	case TypeSendVoice:
		var msg SendVoice
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, badRequest("invalid send_voice frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session_id is required", "session_id")
		}
		if msg.Audio == "" {
			return nil, badRequest("audio is required", "audio")
		}
		if strings.TrimSpace(msg.MIMEType) == "" {
			return nil, badRequest("mime_type is required", "mime_type")
		}
		return msg, nil
	case TypeEndSession:
		var msg EndSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, badRequest("invalid end_session frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session_id is required", "session_id")
		}
		return msg, nil
	case "":
		return nil, badRequest("type is required", "type")
	default:
		return nil, badRequest(fmt.Sprintf("unknown event type %q", head.Type), "type")
	}
}

// Server events.

type ServerAuthenticated struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type ServerSessionJoined struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ScenarioID   string `json:"scenario_id"`
	Created      bool   `json:"created"`
	Participants int    `json:"participants"`
}

type ServerMessageAccepted struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Message   tutor.Message `json:"message"`
}

type ServerAssistantReply struct {
	Type       string           `json:"type"`
	SessionID  string           `json:"session_id"`
	Message    tutor.Message    `json:"message"`
	Evaluation tutor.Evaluation `json:"evaluation"`
	SessionAvg float64          `json:"session_avg"`
	Fallback   bool             `json:"fallback,omitempty"`
}

type ServerVoiceProcessing struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ServerVoiceResult struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"session_id"`
	Message    tutor.Message       `json:"message"`
	Analysis   tutor.VoiceAnalysis `json:"analysis"`
	Level      int                 `json:"level"`
	SessionAvg float64             `json:"session_avg"`
}

type ServerSessionSummary struct {
	Type     string                  `json:"type"`
	Summary  tutor.Summary           `json:"summary"`
	Progress *tutor.LearningProgress `json:"progress,omitempty"`
}

type ServerError struct {
	Type      string `json:"type"`
	Scope     string `json:"scope,omitempty"` // "connection" or "session"
	ErrorType string `json:"error_type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
