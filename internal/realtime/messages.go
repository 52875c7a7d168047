package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Wire frame types exchanged with the speech service. The channel carries two
// message families: control (session config, lifecycle) and data (audio,
// transcript deltas).
const (
	typeSessionUpdate  = "session.update"
	typeResponseCreate = "response.create"
	typeAudioAppend    = "input_audio_buffer.append"

	typeSessionCreated  = "session.created"
	typeSessionUpdated  = "session.updated"
	typeResponseCreated = "response.created"
	typeSpeechStarted   = "input_audio_buffer.speech_started"
	typeSpeechStopped   = "input_audio_buffer.speech_stopped"
	typeAudioDelta      = "response.audio.delta"
	typeTranscriptDelta = "response.audio_transcript.delta"
	typeTranscriptDone  = "response.audio_transcript.done"
	typeUserTranscript  = "conversation.item.input_audio_transcription.completed"
	typeResponseDone    = "response.done"
	typeError           = "error"
)

// SessionConfig is the remote-side session configuration sent in a
// session.update frame: voice parameters, audio format, and server-VAD
// turn-detection thresholds.
type SessionConfig struct {
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// TurnDetection configures the remote voice-activity detector.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
}

type clientFrame struct {
	Type     string         `json:"type"`
	Session  *SessionConfig `json:"session,omitempty"`
	Audio    string         `json:"audio,omitempty"`
	Response *responseOpts  `json:"response,omitempty"`
}

type responseOpts struct {
	Instructions string `json:"instructions,omitempty"`
}

type serverFrame struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Event is one decoded server-to-client frame. The set of implementations is
// closed; handlers switch exhaustively on the concrete type.
type Event interface{ realtimeEvent() }

// SessionCreatedEvent signals the remote session is ready for configuration.
type SessionCreatedEvent struct{}

// SessionUpdatedEvent acknowledges a session.update.
type SessionUpdatedEvent struct{}

// ResponseCreatedEvent signals the AI has started composing a response.
type ResponseCreatedEvent struct{ ResponseID string }

// SpeechStartedEvent signals the remote VAD detected the user speaking.
type SpeechStartedEvent struct{}

// SpeechStoppedEvent signals the remote VAD detected the user went quiet.
type SpeechStoppedEvent struct{}

// AudioDeltaEvent carries one decoded PCM16 frame of AI speech.
type AudioDeltaEvent struct {
	ResponseID string
	PCM        []byte
}

// TranscriptDeltaEvent carries an incremental piece of the AI's spoken text.
type TranscriptDeltaEvent struct {
	ResponseID string
	Text       string
}

// TranscriptDoneEvent carries the full transcript of a finished response.
type TranscriptDoneEvent struct {
	ResponseID string
	Text       string
}

// UserTranscriptEvent carries the service-side transcription of what the user
// just said.
type UserTranscriptEvent struct{ Text string }

// ResponseDoneEvent signals the AI response completed; a new response may be
// requested after this.
type ResponseDoneEvent struct{ ResponseID string }

// ErrorEvent is a protocol error reported by the remote service. It does not
// necessarily terminate the channel.
type ErrorEvent struct {
	Code    string
	Message string
}

func (SessionCreatedEvent) realtimeEvent()  {}
func (SessionUpdatedEvent) realtimeEvent()  {}
func (ResponseCreatedEvent) realtimeEvent() {}
func (SpeechStartedEvent) realtimeEvent()   {}
func (SpeechStoppedEvent) realtimeEvent()   {}
func (AudioDeltaEvent) realtimeEvent()      {}
func (TranscriptDeltaEvent) realtimeEvent() {}
func (TranscriptDoneEvent) realtimeEvent()  {}
func (UserTranscriptEvent) realtimeEvent()  {}
func (ResponseDoneEvent) realtimeEvent()    {}
func (ErrorEvent) realtimeEvent()           {}

// decodeServerFrame parses one JSON text frame into a typed Event.
// Unknown frame types return (nil, nil); the read loop logs and skips them.
func decodeServerFrame(data []byte) (Event, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case typeSessionCreated:
		return SessionCreatedEvent{}, nil
	case typeSessionUpdated:
		return SessionUpdatedEvent{}, nil
	case typeResponseCreated:
		return ResponseCreatedEvent{ResponseID: f.ResponseID}, nil
	case typeSpeechStarted:
		return SpeechStartedEvent{}, nil
	case typeSpeechStopped:
		return SpeechStoppedEvent{}, nil
	case typeAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(f.Delta)
		if err != nil {
			return nil, fmt.Errorf("bad audio delta: %w", err)
		}
		return AudioDeltaEvent{ResponseID: f.ResponseID, PCM: pcm}, nil
	case typeTranscriptDelta:
		return TranscriptDeltaEvent{ResponseID: f.ResponseID, Text: f.Delta}, nil
	case typeTranscriptDone:
		return TranscriptDoneEvent{ResponseID: f.ResponseID, Text: f.Transcript}, nil
	case typeUserTranscript:
		return UserTranscriptEvent{Text: f.Transcript}, nil
	case typeResponseDone:
		return ResponseDoneEvent{ResponseID: f.ResponseID}, nil
	case typeError:
		ev := ErrorEvent{}
		if f.Error != nil {
			ev.Code = f.Error.Code
			ev.Message = f.Error.Message
		}
		return ev, nil
	default:
		return nil, nil
	}
}
