package wire

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json jsoniter.API = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound control message types, carried in the message_type field.
const (
	TypeFramerateUpdate = "framerate_update"
	TypeLogRecord       = "log_record"
	TypeOverlayUpdate   = "overlay_update"
	TypeOverlayBatch    = "overlay_batch"
)

// Outbound control message types, carried in the type field.
const (
	TypePing                = "ping"
	TypeFrameAcknowledgment = "frameAcknowledgment"
)

// Control is any decoded inbound control message.
type Control interface {
	MessageType() string
}

// FramerateUpdate reports the server's measured capture rate per camera.
type FramerateUpdate struct {
	CameraFPS map[string]float64 `json:"camera_fps"`
}

func (*FramerateUpdate) MessageType() string { return TypeFramerateUpdate }

// LogRecord is a log line emitted by the server process.
type LogRecord struct {
	Level     string  `json:"level"`
	Name      string  `json:"name,omitempty"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

func (*LogRecord) MessageType() string { return TypeLogRecord }

// Time converts the record's Unix-seconds timestamp. A zero timestamp
// yields the zero time.
func (l *LogRecord) Time() time.Time {
	if l.Timestamp == 0 {
		return time.Time{}
	}
	sec := int64(l.Timestamp)
	nsec := int64((l.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// OverlayUpdate carries the latest annotation for one camera. Data is
// left raw; its schema depends on OverlayType.
type OverlayUpdate struct {
	CameraID    string              `json:"camera_id"`
	FrameNumber uint64              `json:"frame_number"`
	OverlayType string              `json:"overlay_type"`
	Data        jsoniter.RawMessage `json:"data"`
}

func (*OverlayUpdate) MessageType() string { return TypeOverlayUpdate }

// OverlayBatch carries annotations for several cameras at once, keyed by
// camera id.
type OverlayBatch struct {
	Overlays map[string]*OverlayUpdate `json:"overlays"`
}

func (*OverlayBatch) MessageType() string { return TypeOverlayBatch }

type envelope struct {
	MessageType string `json:"message_type"`
}

// ParseControl decodes one text control message. Unknown message types
// return an error wrapping ErrUnknownMessage.
func ParseControl(data []byte) (Control, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Field: "message_type", Err: err}
	}

	var msg Control
	switch env.MessageType {
	case TypeFramerateUpdate:
		msg = &FramerateUpdate{}
	case TypeLogRecord:
		msg = &LogRecord{}
	case TypeOverlayUpdate:
		msg = &OverlayUpdate{}
	case TypeOverlayBatch:
		msg = &OverlayBatch{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.MessageType)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &ParseError{Field: env.MessageType, Err: err}
	}

	switch m := msg.(type) {
	case *OverlayUpdate:
		if m.CameraID == "" {
			return nil, ErrMissingCameraID
		}
	case *OverlayBatch:
		for id, u := range m.Overlays {
			if u == nil {
				delete(m.Overlays, id)
				continue
			}
			if u.CameraID == "" {
				u.CameraID = id
			}
		}
	}
	return msg, nil
}

// Ping is the outbound heartbeat.
type Ping struct {
	Type string `json:"type"`
}

// NewPing returns a heartbeat message.
func NewPing() Ping {
	return Ping{Type: TypePing}
}

// FrameAcknowledgment tells the server every frame of a batch up to
// FrameNumber has finished rendering.
type FrameAcknowledgment struct {
	Type        string `json:"type"`
	FrameNumber uint64 `json:"frameNumber"`
}

// NewFrameAcknowledgment returns an acknowledgment for frameNumber.
func NewFrameAcknowledgment(frameNumber uint64) FrameAcknowledgment {
	return FrameAcknowledgment{Type: TypeFrameAcknowledgment, FrameNumber: frameNumber}
}

// Marshal encodes an outbound control message.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON into v with the same configuration as Marshal.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
