package frames

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/harunnryd/streamrelay/pkg/errorsx"
)

func TestDecodeInboundMediaPayload(t *testing.T) {
	payloads := [][]byte{
		{0x01, 0x02, 0x03},
		{0xFF},
		bytes.Repeat([]byte{0x7F, 0xFF, 0x00}, 160),
	}
	for _, want := range payloads {
		raw := []byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"` + base64.StdEncoding.EncodeToString(want) + `"}}`)
		evt, err := DecodeInbound(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if evt.Kind != KindMedia || !evt.HasPayload() {
			t.Fatalf("expected media event with payload, got %+v", evt)
		}
		if !bytes.Equal(evt.Payload, want) {
			t.Fatalf("payload mismatch: got %v want %v", evt.Payload, want)
		}
		if evt.StreamSID != "MZ1" {
			t.Fatalf("expected stream sid MZ1, got %q", evt.StreamSID)
		}
	}
}

func TestDecodeInboundWithoutPayload(t *testing.T) {
	cases := []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		`{"event":"stop","streamSid":"MZ1"}`,
		`{"event":"mark","mark":{"name":"x"}}`,
		`{"event":"media"}`,
		`{"event":"media","media":{}}`,
		`{"event":"media","media":{"payload":""}}`,
		`{"event":"media","media":null}`,
		`{"event":"mark","media":"x"}`,
		`{"event":"stop","start":5,"media":[1]}`,
		`{"event":"connected","streamSid":7,"sequenceNumber":1}`,
		`{}`,
	}
	for _, raw := range cases {
		evt, err := DecodeInbound([]byte(raw))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", raw, err)
		}
		if evt.HasPayload() {
			t.Fatalf("%s: expected no payload, got %v", raw, evt.Payload)
		}
	}
}

func TestDecodeInboundNonMediaKind(t *testing.T) {
	evt, err := DecodeInbound([]byte(`{"event":"stop"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Kind != KindOther || evt.Name != EventStop {
		t.Fatalf("expected other/stop, got %s/%s", evt.Kind, evt.Name)
	}
}

func TestDecodeInboundStart(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","streamSid":"MZ9","start":{"accountSid":"AC1","callSid":"CA1","streamSid":"MZ9","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	evt, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Start == nil {
		t.Fatalf("expected start details")
	}
	if evt.Start.CallSID != "CA1" || evt.Start.StreamSID != "MZ9" {
		t.Fatalf("unexpected ids: %+v", evt.Start)
	}
	if evt.Start.Encoding != "audio/x-mulaw" || evt.Start.SampleRate != 8000 || evt.Start.Channels != 1 {
		t.Fatalf("unexpected media format: %+v", evt.Start)
	}
	if evt.HasPayload() {
		t.Fatalf("start must not carry payload")
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `hello`,
		"truncated":       `{"event":"media","media":{"payload":"AQID"`,
		"array":           `[1,2,3]`,
		"payload type":    `{"event":"media","media":{"payload":42}}`,
		"media shape":     `{"event":"media","media":"x"}`,
		"start shape":     `{"event":"start","start":[1]}`,
		"bad base64":      `{"event":"media","media":{"payload":"!!!not-base64!!!"}}`,
		"bad base64 tail": `{"event":"media","media":{"payload":"AQI"}}`,
		"empty":           ``,
	}
	for name, raw := range cases {
		_, err := DecodeInbound([]byte(raw))
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %T", name, err)
		}
		if de.Source != SourceInbound {
			t.Fatalf("%s: expected inbound source, got %q", name, de.Source)
		}
		if !errorsx.HasReason(err, errorsx.ReasonDecode) {
			t.Fatalf("%s: expected decode reason", name)
		}
	}
}

func TestEncodeOutboundAudioIsIdentity(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03}
	if out := EncodeOutboundAudio(in); !bytes.Equal(out, in) {
		t.Fatalf("expected identity, got %v", out)
	}
}

func TestEncodeInboundMediaDecodes(t *testing.T) {
	raw, err := EncodeInboundMedia("MZ2", []byte{0x0A, 0x0B})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	evt, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(evt.Payload, []byte{0x0A, 0x0B}) || evt.StreamSID != "MZ2" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestDecodeTranscript(t *testing.T) {
	evt, err := DecodeTranscript([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.98},{"transcript":"yellow world"}]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Text() != "hello world" {
		t.Fatalf("expected first alternative, got %q", evt.Text())
	}
	if !evt.IsFinal || evt.Type != "Results" {
		t.Fatalf("unexpected flags %+v", evt)
	}
}

func TestDecodeTranscriptEmptyIsValid(t *testing.T) {
	cases := []string{
		`{"channel":{"alternatives":[]}}`,
		`{"channel":{"alternatives":[{"transcript":""}]}}`,
		`{"channel":{}}`,
		`{"type":"Metadata","request_id":"abc","channels":1}`,
		`{"type":"UtteranceEnd","channel":[0,1],"last_word_end":2.1}`,
		`{"type":"SpeechStarted","channel":[0],"timestamp":0.5}`,
	}
	for _, raw := range cases {
		evt, err := DecodeTranscript([]byte(raw))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", raw, err)
		}
		if evt.Text() != "" {
			t.Fatalf("%s: expected empty text, got %q", raw, evt.Text())
		}
	}
}

func TestDecodeTranscriptBinaryText(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"channel":{"alternatives":[{"transcript":"hi"}]}}`)...)
	evt, err := DecodeTranscript(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Text() != "hi" {
		t.Fatalf("expected hi, got %q", evt.Text())
	}
}

func TestDecodeTranscriptMalformed(t *testing.T) {
	cases := []string{
		`{"channel":`,
		`not json`,
		`{"channel":{"alternatives":"nope"}}`,
		`{"channel":{"alternatives":[{"transcript":5}]}}`,
	}
	for _, raw := range cases {
		_, err := DecodeTranscript([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %v", raw, err)
		}
		if de.Source != SourceTranscript {
			t.Fatalf("%s: expected transcript source, got %q", raw, de.Source)
		}
	}
}
