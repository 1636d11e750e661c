package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrOversizedPayload is reported when a media frame's decoded audio exceeds
// the configured ceiling.
var ErrOversizedPayload = errors.New("bridge: media payload too large")

// Carrier event names.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventDTMF      = "dtmf"
)

// Custom parameter keys set on the carrier stream.
const (
	paramCallSID  = "call_sid"
	paramFrom     = "from"
	paramTo       = "to"
	paramOrgPhone = "org_phone"
	paramTenantID = "tenant_id"
)

// inboundFrame is the union of every carrier frame the bridge reads. Only the
// member matching Event is populated.
type inboundFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`

	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
	Mark  *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// outboundMedia is the only frame the bridge writes: agent audio for the
// caller.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("bridge: decode frame: %w", err)
	}
	if f.Event == "" {
		return f, errors.New("bridge: decode frame: missing event")
	}
	return f, nil
}

// streamSID returns the stream id from the start payload, falling back to
// the envelope.
func (f inboundFrame) streamSID() string {
	if f.Start != nil && f.Start.StreamSID != "" {
		return f.Start.StreamSID
	}
	return f.StreamSID
}

// startInfo is the call identity carried by a start frame.
type startInfo struct {
	StreamSID  string
	CallSID    string
	From       string
	To         string
	RoutingKey string
	TenantID   string
}

func parseStart(f inboundFrame) (startInfo, error) {
	if f.Start == nil {
		return startInfo{}, errors.New("bridge: start frame without start payload")
	}
	p := f.Start.CustomParameters
	info := startInfo{
		StreamSID:  f.streamSID(),
		CallSID:    p[paramCallSID],
		From:       p[paramFrom],
		To:         p[paramTo],
		RoutingKey: p[paramOrgPhone],
		TenantID:   p[paramTenantID],
	}
	if info.CallSID == "" {
		info.CallSID = f.Start.CallSID
	}
	if info.RoutingKey == "" {
		info.RoutingKey = info.To
	}
	switch {
	case info.StreamSID == "":
		return info, errors.New("bridge: start frame without stream id")
	case info.RoutingKey == "":
		return info, errors.New("bridge: start frame without routing key")
	}
	return info, nil
}

// decodeAudio decodes a base64 media payload, rejecting payloads whose
// decoded size would exceed limit before decoding them.
func decodeAudio(payload string, limit int) ([]byte, error) {
	if limit > 0 && base64.StdEncoding.DecodedLen(len(payload)) > limit+2 {
		return nil, ErrOversizedPayload
	}
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: decode audio: %w", err)
	}
	if limit > 0 && len(audio) > limit {
		return nil, ErrOversizedPayload
	}
	return audio, nil
}

func encodeMedia(streamSID string, audio []byte) ([]byte, error) {
	out := outboundMedia{Event: eventMedia, StreamSID: streamSID}
	out.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(out)
}
