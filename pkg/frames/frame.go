package frames

// Kind tags a decoded inbound envelope.
type Kind string

const (
	KindMedia Kind = "media"
	KindOther Kind = "other"
)

// Twilio Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// StreamStart carries the identifiers announced by a start event.
type StreamStart struct {
	StreamSID  string
	CallSID    string
	AccountSID string
	Tracks     []string
	Encoding   string
	SampleRate int
	Channels   int
}

// MediaEvent is one decoded inbound message. Payload is nil unless the
// envelope was a media event with a non-empty payload field.
type MediaEvent struct {
	Kind      Kind
	Name      string
	StreamSID string
	Sequence  string
	Payload   []byte
	Start     *StreamStart
}

// HasPayload reports whether the event carries audio to forward.
func (e MediaEvent) HasPayload() bool {
	return e.Kind == KindMedia && e.Payload != nil
}

// Alternative is one candidate transcription.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// TranscriptEvent is one decoded backend message.
type TranscriptEvent struct {
	Type         string
	IsFinal      bool
	SpeechFinal  bool
	Alternatives []Alternative
}

// Text returns the first alternative's transcript, or "" when there is none.
func (e TranscriptEvent) Text() string {
	if len(e.Alternatives) == 0 {
		return ""
	}
	return e.Alternatives[0].Transcript
}

// TwilioMediaFormat describes the audio announced in a start event.
type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TwilioStart struct {
	AccountSID  string             `json:"accountSid,omitempty"`
	CallSID     string             `json:"callSid,omitempty"`
	StreamID    string             `json:"streamSid,omitempty"`
	Tracks      []string           `json:"tracks,omitempty"`
	MediaFormat *TwilioMediaFormat `json:"mediaFormat,omitempty"`
}

type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TwilioStop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type TwilioEvent struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamID       string       `json:"streamSid,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}
