package frames

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/harunnryd/streamrelay/pkg/errorsx"
)

// DecodeError reports a malformed envelope on either direction.
type DecodeError struct {
	Source string
	Stage  string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %s: %v", e.Source, e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const (
	SourceInbound    = "inbound"
	SourceTranscript = "transcript"
)

func decodeErr(source, stage string, err error) error {
	return errorsx.Wrap(&DecodeError{Source: source, Stage: stage, Err: err}, errorsx.ReasonDecode)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// inboundEnvelope defers the event bodies so fields that only matter for one
// event kind cannot fail the decode of another.
type inboundEnvelope struct {
	Event          string          `json:"event"`
	SequenceNumber json.RawMessage `json:"sequenceNumber"`
	StreamID       json.RawMessage `json:"streamSid"`
	Start          json.RawMessage `json:"start"`
	Media          json.RawMessage `json:"media"`
}

// DecodeInbound parses a Twilio media-stream envelope.
func DecodeInbound(raw []byte) (MediaEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return MediaEvent{}, decodeErr(SourceInbound, "json", err)
	}
	out := MediaEvent{
		Kind:      KindOther,
		Name:      env.Event,
		StreamSID: looseString(env.StreamID),
		Sequence:  looseString(env.SequenceNumber),
	}
	switch env.Event {
	case EventMedia:
		out.Kind = KindMedia
		var media *TwilioMedia
		if present(env.Media) {
			if err := json.Unmarshal(env.Media, &media); err != nil {
				return MediaEvent{}, decodeErr(SourceInbound, "media", err)
			}
		}
		if media == nil || media.Payload == "" {
			return out, nil
		}
		payload, err := base64.StdEncoding.DecodeString(media.Payload)
		if err != nil {
			return MediaEvent{}, decodeErr(SourceInbound, "base64", err)
		}
		out.Payload = payload
	case EventStart:
		var body *TwilioStart
		if present(env.Start) {
			if err := json.Unmarshal(env.Start, &body); err != nil {
				return MediaEvent{}, decodeErr(SourceInbound, "start", err)
			}
		}
		if body == nil {
			return out, nil
		}
		start := &StreamStart{
			StreamSID:  body.StreamID,
			CallSID:    body.CallSID,
			AccountSID: body.AccountSID,
			Tracks:     body.Tracks,
		}
		if start.StreamSID == "" {
			start.StreamSID = out.StreamSID
		}
		if f := body.MediaFormat; f != nil {
			start.Encoding = f.Encoding
			start.SampleRate = f.SampleRate
			start.Channels = f.Channels
		}
		out.Start = start
	}
	return out, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// looseString returns raw as a string, or "" when it is absent or not a string.
func looseString(raw json.RawMessage) string {
	var v string
	if !present(raw) || json.Unmarshal(raw, &v) != nil {
		return ""
	}
	return v
}

// EncodeOutboundAudio turns audio bytes into the outbound binary frame.
func EncodeOutboundAudio(audio []byte) []byte {
	return audio
}

// EncodeInboundMedia builds a Twilio media envelope around audio.
func EncodeInboundMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(TwilioEvent{
		Event:    EventMedia,
		StreamID: streamSID,
		Media:    &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

type transcriptEnvelope struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final"`
	SpeechFinal bool            `json:"speech_final"`
	Channel     json.RawMessage `json:"channel"`
}

type transcriptChannel struct {
	Alternatives []Alternative `json:"alternatives"`
}

// DecodeTranscript parses a backend message. Text and binary frames are
// both accepted; binary input is read as UTF-8 text.
func DecodeTranscript(raw []byte) (TranscriptEvent, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	var env transcriptEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TranscriptEvent{}, decodeErr(SourceTranscript, "json", err)
	}
	out := TranscriptEvent{
		Type:        env.Type,
		IsFinal:     env.IsFinal,
		SpeechFinal: env.SpeechFinal,
	}
	// UtteranceEnd carries "channel" as an index array; only objects hold alternatives.
	ch := bytes.TrimSpace(env.Channel)
	if len(ch) == 0 || ch[0] != '{' {
		return out, nil
	}
	var channel transcriptChannel
	if err := json.Unmarshal(ch, &channel); err != nil {
		return TranscriptEvent{}, decodeErr(SourceTranscript, "json", err)
	}
	out.Alternatives = channel.Alternatives
	return out, nil
}
