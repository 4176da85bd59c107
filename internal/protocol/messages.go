// Package protocol defines the JSON messages exchanged with the peer over
// the duplex transport.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-pipeline/internal/audio"
)

// Inbound message types
const (
	TypeAudio         = "audio"
	TypeReady         = "ready"
	TypeResumeSession = "resume_session"
)

// Outbound message types
const (
	TypeSession           = "session"
	TypeInterimTranscript = "interim_transcript"
	TypeFinalTranscript   = "final_transcript"
	TypeSynthesizedAudio  = "synthesized_audio"
	TypeError             = "error"
)

// ErrorKind classifies errors reported to the peer
type ErrorKind string

const (
	ErrorCompletionFailed      ErrorKind = "completion_failed"
	ErrorSynthesisFailed       ErrorKind = "synthesis_failed"
	ErrorRecognizerUnavailable ErrorKind = "recognizer_unavailable"
	ErrorBadMessage            ErrorKind = "bad_message"
)

var (
	// ErrUnknownType is returned by Decode for an unrecognized "type"
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingSessionID is returned for resume_session without an id
	ErrMissingSessionID = errors.New("resume_session requires session_id")
	// ErrEmptyAudio is returned for an audio message without payload
	ErrEmptyAudio = errors.New("audio message without payload")
)

// Inbound is a message from the peer. Audio is base64 in JSON.
type Inbound struct {
	Type       string `json:"type"`
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// IsControl reports whether the message is a control message
func (m Inbound) IsControl() bool {
	return m.Type != TypeAudio
}

// Format returns the audio format announced with the frame; zero fields
// mean the frame did not say.
func (m Inbound) Format() audio.Format {
	return audio.Format{Encoding: m.Encoding, SampleRate: m.SampleRate, Channels: m.Channels}
}

// Decode parses and validates one inbound text frame
func Decode(data []byte) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, fmt.Errorf("invalid message: %w", err)
	}

	switch m.Type {
	case TypeAudio:
		if len(m.Audio) == 0 {
			return Inbound{}, ErrEmptyAudio
		}
		if m.Encoding != "" {
			enc, err := audio.NormalizeEncoding(m.Encoding)
			if err != nil {
				return Inbound{}, err
			}
			m.Encoding = enc
		}
		if m.SampleRate < 0 || m.Channels < 0 {
			return Inbound{}, fmt.Errorf("invalid audio format %d Hz, %d channels", m.SampleRate, m.Channels)
		}
	case TypeReady:
	case TypeResumeSession:
		if m.SessionID == "" {
			return Inbound{}, ErrMissingSessionID
		}
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return m, nil
}

// AudioFrame wraps a raw binary frame
func AudioFrame(data []byte) Inbound {
	return Inbound{Type: TypeAudio, Audio: data}
}

// ErrorBody describes a failure
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Outbound is a message to the peer
type Outbound struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Resumed   bool          `json:"resumed,omitempty"`
	Text      string        `json:"text,omitempty"`
	Audio     []byte        `json:"audio,omitempty"`
	Format    *audio.Format `json:"format,omitempty"`
	Sequence  uint64        `json:"sequence,omitempty"`
	Error     *ErrorBody    `json:"error,omitempty"`
}

// SessionMessage announces the bound session
func SessionMessage(sessionID, agentID string, resumed bool) Outbound {
	return Outbound{Type: TypeSession, SessionID: sessionID, AgentID: agentID, Resumed: resumed}
}

// InterimMessage carries a provisional transcript
func InterimMessage(text string) Outbound {
	return Outbound{Type: TypeInterimTranscript, Text: text}
}

// FinalMessage carries an accepted final transcript
func FinalMessage(text string) Outbound {
	return Outbound{Type: TypeFinalTranscript, Text: text}
}

// AudioMessage carries synthesized speech
func AudioMessage(seq uint64, data []byte, format audio.Format, text string) Outbound {
	return Outbound{Type: TypeSynthesizedAudio, Sequence: seq, Audio: data, Format: &format, Text: text}
}

// ErrorMessage reports a failure to the peer
func ErrorMessage(kind ErrorKind, message string) Outbound {
	return Outbound{Type: TypeError, Error: &ErrorBody{Kind: kind, Message: message}}
}
