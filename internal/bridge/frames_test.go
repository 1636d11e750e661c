package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		event   string
		wantErr bool
	}{
		{name: "media", in: `{"event":"media","streamSid":"MZ1","media":{"payload":"AAE="}}`, event: eventMedia},
		{name: "stop", in: `{"event":"stop","stop":{"callSid":"CA1"}}`, event: eventStop},
		{name: "unknown event kept", in: `{"event":"clear"}`, event: "clear"},
		{name: "missing event", in: `{"streamSid":"MZ1"}`, wantErr: true},
		{name: "not json", in: `{"event":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := decodeFrame([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f.Event != tt.event {
				t.Errorf("event = %q, want %q", f.Event, tt.event)
			}
		})
	}
}

func TestParseStart(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    startInfo
		wantErr string
	}{
		{
			name: "parameters win",
			in: `{"event":"start","streamSid":"MZ0","start":{"streamSid":"MZ1","callSid":"CA0",
				"customParameters":{"call_sid":"CA1","from":"+1555","to":"+1666","org_phone":"+1777","tenant_id":"t1"}}}`,
			want: startInfo{StreamSID: "MZ1", CallSID: "CA1", From: "+1555", To: "+1666", RoutingKey: "+1777", TenantID: "t1"},
		},
		{
			name: "fallbacks",
			in:   `{"event":"start","streamSid":"MZ0","start":{"callSid":"CA0","customParameters":{"to":"+1666"}}}`,
			want: startInfo{StreamSID: "MZ0", CallSID: "CA0", To: "+1666", RoutingKey: "+1666"},
		},
		{
			name:    "no payload",
			in:      `{"event":"start","streamSid":"MZ0"}`,
			wantErr: "without start payload",
		},
		{
			name:    "no stream id",
			in:      `{"event":"start","start":{"customParameters":{"to":"+1666"}}}`,
			wantErr: "without stream id",
		},
		{
			name:    "no routing key",
			in:      `{"event":"start","start":{"streamSid":"MZ1"}}`,
			wantErr: "without routing key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := decodeFrame([]byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			got, err := parseStart(f)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeAudio(t *testing.T) {
	t.Parallel()
	enc := func(n int) string { return base64.StdEncoding.EncodeToString(make([]byte, n)) }

	tests := []struct {
		name    string
		payload string
		limit   int
		wantLen int
		wantErr error
	}{
		{name: "within limit", payload: enc(160), limit: 160, wantLen: 160},
		{name: "no limit", payload: enc(4096), limit: 0, wantLen: 4096},
		{name: "one byte over", payload: enc(161), limit: 160, wantErr: ErrOversizedPayload},
		{name: "far over", payload: enc(10_000), limit: 160, wantErr: ErrOversizedPayload},
		{name: "empty", payload: "", limit: 160, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeAudio(tt.payload, tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}

	if _, err := decodeAudio("%%%", 160); err == nil || errors.Is(err, ErrOversizedPayload) {
		t.Errorf("invalid base64: err = %v", err)
	}
}

func TestEncodeMedia(t *testing.T) {
	t.Parallel()
	data, err := encodeMedia("MZ1", []byte{0xde, 0xad})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	media, _ := got["media"].(map[string]any)
	if got["event"] != "media" || got["streamSid"] != "MZ1" || media["payload"] != "3q0=" {
		t.Errorf("frame = %s", data)
	}
}

func TestRoleOf(t *testing.T) {
	t.Parallel()
	for reported, want := range map[string]string{
		"user":      "customer",
		"assistant": "agent",
		"tool":      "system",
		"":          "system",
	} {
		if got := roleOf(reported); string(got) != want {
			t.Errorf("roleOf(%q) = %q, want %q", reported, got, want)
		}
	}
}
