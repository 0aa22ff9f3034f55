package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned when a wire message has an unrecognized type.
var ErrUnknownType = errors.New("unknown event type")

// wireEvent is the JSON form of an event on the feed.
type wireEvent struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	SpeakerID string    `json:"speaker_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
	Final     bool      `json:"final,omitempty"`
	At        time.Time `json:"at,omitempty"`
}

// Decode parses one JSON feed message.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch w.Type {
	case KindParticipantJoined.String():
		at := w.At
		if at.IsZero() {
			at = time.Now()
		}
		return ParticipantJoined{ID: w.ID, Name: w.Name, At: at}, nil
	case KindParticipantLeft.String():
		return ParticipantLeft{ID: w.ID, Name: w.Name, Reason: w.Reason}, nil
	case KindSpeechStarted.String():
		return SpeechStarted{SpeakerID: w.SpeakerID}, nil
	case KindSpeechStopped.String():
		return SpeechStopped{SpeakerID: w.SpeakerID}, nil
	case KindTranscriptFragment.String():
		return TranscriptFragment{SpeakerID: w.SpeakerID, Text: w.Text, Timestamp: w.Timestamp, Final: w.Final}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// Encode renders an event in its JSON feed form.
func Encode(ev Event) ([]byte, error) {
	w := wireEvent{Type: ev.Kind().String()}
	switch e := ev.(type) {
	case ParticipantJoined:
		w.ID, w.Name, w.At = e.ID, e.Name, e.At
	case ParticipantLeft:
		w.ID, w.Name, w.Reason = e.ID, e.Name, e.Reason
	case SpeechStarted:
		w.SpeakerID = e.SpeakerID
	case SpeechStopped:
		w.SpeakerID = e.SpeakerID
	case TranscriptFragment:
		w.SpeakerID, w.Text, w.Timestamp, w.Final = e.SpeakerID, e.Text, e.Timestamp, e.Final
	}
	return json.Marshal(w)
}
