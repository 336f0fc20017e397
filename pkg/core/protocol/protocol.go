// Package protocol defines the wire envelopes exchanged over the two
// conversation channels: the primary backend channel (turn requests and
// streamed reply events) and the peripheral channel (expression commands and
// device reports).
//
// Server events for a single turn arrive in a fixed order: thinking (zero or
// one), response_start (optional), zero or more audio_chunk frames, then
// exactly one terminal frame (response_end or error). Decoding preserves
// arrival order; callers must not reorder or coalesce events.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
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

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// TurnContext carries the identity/context snapshot sent with each turn.
type TurnContext struct {
	SystemPrompt string             `json:"systemPrompt"`
	Memories     string             `json:"memories"`
	Traits       map[string]float64 `json:"traits"`
}

// LLMConfig selects the backend inference provider for a turn.
type LLMConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
}

// VoiceSample is a reference recording for voice cloning.
type VoiceSample struct {
	Text   string `json:"text"`
	Audio  string `json:"audio"` // base64-encoded
	Format string `json:"format"`
}

// TurnRequest is the client-to-server envelope that opens a turn.
type TurnRequest struct {
	Type         string        `json:"type"` // always "message"
	Text         string        `json:"text"`
	MockAudio    bool          `json:"mock_audio"`
	Context      TurnContext   `json:"context"`
	LLM          LLMConfig     `json:"llm"`
	VoiceSamples []VoiceSample `json:"voice_samples"`
}

// NewTurnRequest builds a turn envelope for the given user text.
func NewTurnRequest(text string) TurnRequest {
	return TurnRequest{Type: "message", Text: text}
}

// RedactedForLog returns a log-safe view of the request: no API key, no
// sample audio payloads.
func (r TurnRequest) RedactedForLog() map[string]any {
	return map[string]any{
		"type":          r.Type,
		"text_len":      len(r.Text),
		"mock_audio":    r.MockAudio,
		"provider":      r.LLM.Provider,
		"model":         r.LLM.Model,
		"has_api_key":   strings.TrimSpace(r.LLM.APIKey) != "",
		"trait_count":   len(r.Context.Traits),
		"voice_samples": len(r.VoiceSamples),
	}
}

// ServerEvent is one inbound frame from the primary channel.
type ServerEvent interface {
	serverEventType() string
}

// ServerThinking signals the backend has accepted the turn and is generating.
type ServerThinking struct{}

func (ServerThinking) serverEventType() string { return "thinking" }

// ServerResponseStart optionally precedes the first audio chunk.
type ServerResponseStart struct{}

func (ServerResponseStart) serverEventType() string { return "response_start" }

// ServerAudioChunk carries one base64-encoded PCM payload of spoken reply.
type ServerAudioChunk struct {
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
}

func (ServerAudioChunk) serverEventType() string { return "audio_chunk" }

// PCM decodes the chunk payload into raw audio bytes.
func (c ServerAudioChunk) PCM() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio chunk: %w", err)
	}
	return raw, nil
}

// ServerResponseEnd is the success terminal frame for a turn.
type ServerResponseEnd struct {
	Text      string `json:"text"`
	LatencyMS *int   `json:"latency_ms,omitempty"`
}

func (ServerResponseEnd) serverEventType() string { return "response_end" }

// ServerError is the failure terminal frame for a turn.
type ServerError struct {
	Message string `json:"message"`
}

func (ServerError) serverEventType() string { return "error" }

// DecodeServerEvent strictly decodes one primary-channel frame. Unknown or
// missing types are rejected as malformed; the inbound event set is closed.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("frame missing type", "type")
	}

	switch typ {
	case "thinking":
		return ServerThinking{}, nil
	case "response_start":
		return ServerResponseStart{}, nil
	case "audio_chunk":
		var chunk ServerAudioChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, badFrame("invalid audio_chunk frame", "")
		}
		if chunk.SampleRate <= 0 {
			return nil, badFrame("audio_chunk sample_rate must be positive", "sample_rate")
		}
		return chunk, nil
	case "response_end":
		var end ServerResponseEnd
		if err := json.Unmarshal(data, &end); err != nil {
			return nil, badFrame("invalid response_end frame", "")
		}
		return end, nil
	case "error":
		var serverErr ServerError
		if err := json.Unmarshal(data, &serverErr); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return serverErr, nil
	default:
		return nil, unsupported("unsupported server event type", typ)
	}
}

// GetInfo asks the peripheral to identify itself.
type GetInfo struct {
	Type string `json:"type"` // always "get_info"
}

// NewGetInfo builds a get_info command.
func NewGetInfo() GetInfo {
	return GetInfo{Type: "get_info"}
}

// PlayExpression asks the peripheral to perform a named expression.
type PlayExpression struct {
	Type       string `json:"type"` // always "play_expression"
	Expression string `json:"expression"`
}

// NewPlayExpression builds a play_expression command.
func NewPlayExpression(expression string) PlayExpression {
	return PlayExpression{Type: "play_expression", Expression: expression}
}

// PeripheralEvent is one inbound frame from the peripheral channel.
type PeripheralEvent interface {
	peripheralEventType() string
}

// DeviceInfo identifies the connected peripheral.
type DeviceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
}

// PeripheralInfo is the reply to get_info.
type PeripheralInfo struct {
	Info DeviceInfo `json:"info"`
}

func (PeripheralInfo) peripheralEventType() string { return "info" }

// PeripheralState is a periodic pose report from the device. All fields are
// optional; the device only reports the actuators it has.
type PeripheralState struct {
	Motors   map[string]float64 `json:"motors,omitempty"`
	Head     []float64          `json:"head,omitempty"`
	Antennas []float64          `json:"antennas,omitempty"`
	BodyYaw  *float64           `json:"body_yaw,omitempty"`
}

func (PeripheralState) peripheralEventType() string { return "state" }

// PeripheralError is a non-fatal error report from the device.
type PeripheralError struct {
	Message string `json:"message"`
}

func (PeripheralError) peripheralEventType() string { return "error" }

// DecodePeripheralEvent strictly decodes one peripheral-channel frame.
func DecodePeripheralEvent(data []byte) (PeripheralEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("frame missing type", "type")
	}

	switch typ {
	case "info":
		var info PeripheralInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, badFrame("invalid info frame", "")
		}
		return info, nil
	case "state":
		var state PeripheralState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, badFrame("invalid state frame", "")
		}
		return state, nil
	case "error":
		var perErr PeripheralError
		if err := json.Unmarshal(data, &perErr); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return perErr, nil
	default:
		return nil, unsupported("unsupported peripheral event type", typ)
	}
}
