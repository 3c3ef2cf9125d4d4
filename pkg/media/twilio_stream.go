package media

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"callcoach-server/pkg/realtime"
)

// Media stream event names
const (
	StreamEventConnected = "connected"
	StreamEventStart     = "start"
	StreamEventMedia     = "media"
	StreamEventStop      = "stop"
	StreamEventMark      = "mark"
)

// Twilio track names. Inbound audio comes from the caller (the customer),
// outbound audio is what the agent side sends back into the call.
const (
	TwilioTrackInbound  = "inbound"
	TwilioTrackOutbound = "outbound"
)

// StreamMessage is one JSON frame on a Twilio media stream websocket
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
	Version        string       `json:"version,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
}

// StreamStart describes the stream when it begins
type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat describes the payload encoding
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64 encoded audio payload
type StreamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// StreamStop is sent when the stream ends
type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// StreamMark echoes a mark previously sent to the stream
type StreamMark struct {
	Name string `json:"name"`
}

// ParseStreamMessage decodes a media stream frame
func ParseStreamMessage(data []byte) (*StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid media stream message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("media stream message without event")
	}
	if msg.Event == StreamEventStart && msg.Start == nil {
		return nil, fmt.Errorf("start message without start block")
	}
	if msg.Event == StreamEventMedia && msg.Media == nil {
		return nil, fmt.Errorf("media message without media block")
	}
	return &msg, nil
}

// TrackFor maps a Twilio track name to the coaching track
func TrackFor(twilioTrack string) (realtime.Track, bool) {
	switch twilioTrack {
	case TwilioTrackInbound:
		return realtime.TrackCustomer, true
	case TwilioTrackOutbound:
		return realtime.TrackAgent, true
	}
	return "", false
}

// StreamDecoder turns media frames of one stream into audio chunks. Chunk
// arrival times are anchored at the stream start and advanced by the
// provider's media timestamp, so jitter on the socket does not distort the
// audio timeline.
type StreamDecoder struct {
	encoding string
	started  time.Time
}

// NewStreamDecoder creates a decoder for a stream that started at started
func NewStreamDecoder(format MediaFormat, started time.Time) (*StreamDecoder, error) {
	if !SupportedEncoding(format.Encoding) {
		return nil, fmt.Errorf("unsupported audio encoding: %s", format.Encoding)
	}
	return &StreamDecoder{encoding: format.Encoding, started: started}, nil
}

// Decode converts a media frame into an audio chunk. Frames for unknown
// tracks are reported with ok=false and no error.
func (d *StreamDecoder) Decode(m *StreamMedia, received time.Time) (chunk realtime.AudioChunk, ok bool, err error) {
	track, known := TrackFor(m.Track)
	if !known {
		return realtime.AudioChunk{}, false, nil
	}

	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return realtime.AudioChunk{}, false, fmt.Errorf("invalid media payload: %w", err)
	}
	samples, err := DecodeSamples(raw, d.encoding)
	if err != nil {
		return realtime.AudioChunk{}, false, err
	}

	arrival := received
	if ms, convErr := strconv.ParseInt(m.Timestamp, 10, 64); convErr == nil && ms >= 0 && !d.started.IsZero() {
		arrival = d.started.Add(time.Duration(ms) * time.Millisecond)
	}

	return realtime.AudioChunk{
		Track:       track,
		Samples:     samples,
		ArrivalTime: arrival,
	}, true, nil
}
