package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeRegistered   MessageType = "registered"
	TypeError        MessageType = "error"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice_candidate"

	TypeStreamRequest MessageType = "stream_request"
	TypeSessionStart  MessageType = "session_start"
	TypeAudioChunk    MessageType = "audio_chunk"
	TypeSessionEnd    MessageType = "session_end"
)

// Error codes carried next to the human readable message.
const (
	CodeProtocolError = "PROTOCOL_ERROR"
	CodeInvalidRole   = "INVALID_ROLE"
	CodeReplaced      = "REPLACED"
	CodeInvalidStream = "INVALID_STREAM_REQUEST"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnexpectedType  = errors.New("unexpected message type")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Register must be the first message on every signaling channel.
type Register struct {
	Type      MessageType    `json:"type"`
	PeerType  string         `json:"peer_type"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Registered struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	PeerType  string      `json:"peer_type"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// StreamRequest asks the server to stream inline audio back as chunks.
type StreamRequest struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	AudioBase64    string      `json:"audio_base64"`
	SampleRate     int         `json:"sample_rate,omitempty"`
	Channels       int         `json:"channels,omitempty"`
	BytesPerSample int         `json:"bytes_per_sample,omitempty"`
	ChunkMS        int         `json:"chunk_ms,omitempty"`
	Framing        string      `json:"framing,omitempty"`
	Realtime       *bool       `json:"realtime,omitempty"`
}

type SessionStart struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioFormat string      `json:"audio_format"`
	SampleRate  int         `json:"sample_rate"`
	TotalChunks int         `json:"total_chunks"`
	ChunkMS     int         `json:"chunk_ms,omitempty"`
	Framing     string      `json:"framing,omitempty"`
}

// AudioChunk is the metadata half of a chunk. Timestamp is in milliseconds
// from stream start (chunk_id * chunk_duration_ms).
type AudioChunk struct {
	Type        MessageType `json:"type"`
	ChunkID     int         `json:"chunk_id"`
	TotalChunks int         `json:"total_chunks"`
	Timestamp   float64     `json:"timestamp"`
	SessionID   string      `json:"session_id"`
	IsFinal     bool        `json:"is_final,omitempty"`
	Bytes       int         `json:"bytes,omitempty"`
}

// SessionEnd closes a stream. Duration is in seconds.
type SessionEnd struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TotalChunks int         `json:"total_chunks"`
	Duration    float64     `json:"duration"`
}

// ParseEnvelope extracts the type of an arbitrary JSON object message.
func ParseEnvelope(raw []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return "", fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env.Type, nil
}

// ParseRegister decodes a registration message. Role validation is left to the router.
func ParseRegister(raw []byte) (Register, error) {
	t, err := ParseEnvelope(raw)
	if err != nil {
		return Register{}, err
	}
	if t != TypeRegister {
		return Register{}, fmt.Errorf("%w: first message must be %q, got %q", ErrUnexpectedType, TypeRegister, t)
	}
	var msg Register
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Register{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	msg.SessionID = strings.TrimSpace(msg.SessionID)
	msg.PeerType = strings.TrimSpace(msg.PeerType)
	if msg.SessionID == "" {
		return Register{}, fmt.Errorf("%w: register requires session_id", ErrInvalidEnvelope)
	}
	return msg, nil
}

// ParseStreamRequest decodes the opening message of an audio stream connection.
func ParseStreamRequest(raw []byte) (StreamRequest, error) {
	t, err := ParseEnvelope(raw)
	if err != nil {
		return StreamRequest{}, err
	}
	if t != TypeStreamRequest {
		return StreamRequest{}, fmt.Errorf("%w: expected %q, got %q", ErrUnexpectedType, TypeStreamRequest, t)
	}
	var msg StreamRequest
	if err := json.Unmarshal(raw, &msg); err != nil {
		return StreamRequest{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(msg.AudioBase64) == "" {
		return StreamRequest{}, fmt.Errorf("%w: stream_request requires audio_base64", ErrInvalidEnvelope)
	}
	if msg.SampleRate < 0 || msg.Channels < 0 || msg.BytesPerSample < 0 || msg.ChunkMS < 0 {
		return StreamRequest{}, fmt.Errorf("%w: negative audio format value", ErrInvalidEnvelope)
	}
	return msg, nil
}

// NewError builds the wire error envelope.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message, Code: code}
}
