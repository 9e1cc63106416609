package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{
			"authenticate",
			`{"type":"authenticate","token":"tok1"}`,
			Authenticate{Type: TypeAuthenticate, Token: "tok1"},
		},
		{
			"join with generated id",
			`{"type":"join_session","scenario_id":"cafe-ordering"}`,
			JoinSession{Type: TypeJoinSession, ScenarioID: "cafe-ordering"},
		},
		{
			"send message",
			`{"type":"send_message","session_id":"s1","text":"hello"}`,
			SendMessage{Type: TypeSendMessage, SessionID: "s1", Text: "hello"},
		},
		{
			"end session",
			`{"type":"end_session","session_id":"s1"}`,
			EndSession{Type: TypeEndSession, SessionID: "s1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeClientMessage: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeClientMessage_SendVoice(t *testing.T) {
	raw := `{"type":"send_voice","session_id":"s1","audio":"QUJD","mime_type":"audio/wav","duration_ms":1500}`
	got, err := DecodeClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeClientMessage: %v", err)
	}
	msg, ok := got.(SendVoice)
	if !ok {
		t.Fatalf("got %T, want SendVoice", got)
	}
	if msg.Audio != "QUJD" || msg.MIMEType != "audio/wav" || msg.DurationMS != 1500 {
		t.Fatalf("unexpected fields: %#v", msg)
	}
}

func TestDecodeClientMessage_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		param string
	}{
		{"not json", `{{{`, ""},
		{"missing type", `{"token":"x"}`, "type"},
		{"unknown type", `{"type":"dance"}`, "type"},
		{"authenticate without token", `{"type":"authenticate"}`, "token"},
		{"join without scenario", `{"type":"join_session"}`, "scenario_id"},
		{"message without session", `{"type":"send_message","text":"hi"}`, "session_id"},
		{"message without text", `{"type":"send_message","session_id":"s1","text":"  "}`, "text"},
		{"voice without audio", `{"type":"send_voice","session_id":"s1","mime_type":"audio/wav"}`, "audio"},
		{"voice without mime", `{"type":"send_voice","session_id":"s1","audio":"QUJD"}`, "mime_type"},
		{"end without session", `{"type":"end_session"}`, "session_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.raw))
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("err=%v, want DecodeError", err)
			}
			if decodeErr.Param != tt.param {
				t.Fatalf("param=%q, want %q", decodeErr.Param, tt.param)
			}
		})
	}
}
