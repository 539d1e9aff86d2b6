package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/stretchr/testify/require"
)

var sentAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestInboundRoundTrip(t *testing.T) {
	raw, err := Encode(NewUserMessage("tok", "hi there", sentAt))
	require.NoError(t, err)

	env, err := DecodeInbound(raw)
	require.NoError(t, err)
	require.Equal(t, "tok", env.Token)
	require.Equal(t, "hi there", env.Text)
	require.True(t, env.SentAt.Equal(sentAt))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{{`,
		"unknown kind":  `{"kind":"shout","token":"t","text":"x","sent_at":"2026-03-01T12:00:00Z"}`,
		"missing token": `{"kind":"user_message","text":"x","sent_at":"2026-03-01T12:00:00Z"}`,
		"empty text":    `{"kind":"user_message","token":"t","text":"","sent_at":"2026-03-01T12:00:00Z"}`,
		"no timestamp":  `{"kind":"user_message","token":"t","text":"x"}`,
		"error no code": `{"kind":"error","token":"t","text":"x","sent_at":"2026-03-01T12:00:00Z"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			require.ErrorIs(t, err, ErrMalformedEntry)
		})
	}
}

func TestEncodeRejectsOversizedText(t *testing.T) {
	_, err := Encode(NewUserMessage("tok", strings.Repeat("a", MaxTextBytes+1), sentAt))
	require.ErrorIs(t, err, ErrMalformedEntry)
}

func TestDecodeInboundRejectsReplies(t *testing.T) {
	raw, err := Encode(NewReply("tok", "hello", "e1-assistant", sentAt))
	require.NoError(t, err)

	_, err = DecodeInbound(raw)
	require.ErrorIs(t, err, ErrMalformedEntry)
}

func TestDecodeOutboundChecksAddressee(t *testing.T) {
	raw, err := Encode(NewReply("tok", "hello", "e1-assistant", sentAt))
	require.NoError(t, err)

	env, err := DecodeOutbound(raw, "tok")
	require.NoError(t, err)
	require.Equal(t, "e1-assistant", env.TurnID)

	_, err = DecodeOutbound(raw, "other")
	require.ErrorIs(t, err, ErrMalformedEntry)
}

func TestParseClientFrame(t *testing.T) {
	require.Equal(t, ClientFrame{Type: FrameMessage, Text: "plain words"}, ParseClientFrame([]byte("plain words")))
	require.Equal(t, ClientFrame{Type: FrameMessage, Text: "hi"}, ParseClientFrame([]byte(`{"type":"message","text":"hi"}`)))
	require.Equal(t, ClientFrame{Type: FramePing}, ParseClientFrame([]byte(`{"type":"ping"}`)))
	// JSON without a type is still just text.
	require.Equal(t, FrameMessage, ParseClientFrame([]byte(`{"text":"hi"}`)).Type)
}

func TestFrameFromEnvelope(t *testing.T) {
	frame := FrameFromEnvelope(NewReply("tok", "hello", "e1-assistant", sentAt))
	require.Equal(t, FrameMessage, frame.Type)
	require.Equal(t, "e1-assistant", frame.ID)
	require.Equal(t, domain.OriginAssistant, frame.Origin)
	require.NotNil(t, frame.Timestamp)

	frame = FrameFromEnvelope(NewError("tok", CodeInference, "model down", true, sentAt))
	require.Equal(t, ServerFrame{Type: FrameError, Code: CodeInference, Message: "model down", Retryable: true}, frame)
}

func TestStreamNames(t *testing.T) {
	require.Equal(t, "chat:outbound:abc", OutboundStream("abc"))
	require.Equal(t, "gw-abc", GatewayConsumer("abc"))
}
