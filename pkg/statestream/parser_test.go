package statestream

import (
	"testing"
	"time"
)

func TestParseMessage_SessionState(t *testing.T) {
	msg := []byte(`{"type": "session_state", "data": {
		"session": "router01_192.0.2.1",
		"state": "down",
		"timestamp": 1715688000
	}}`)

	tr, err := ParseMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if tr == nil {
		t.Fatal("expected a transition")
	}
	if tr.SessionKey != "router01_192.0.2.1" {
		t.Errorf("session key = %q", tr.SessionKey)
	}
	if tr.State != "down" {
		t.Errorf("state = %q", tr.State)
	}
	want := time.Unix(1715688000, 0).UTC()
	if !tr.OccurredAt.Equal(want) {
		t.Errorf("occurred_at = %v, want %v", tr.OccurredAt, want)
	}
}

func TestParseMessage_KeyFromDeviceAndPeer(t *testing.T) {
	msg := []byte(`{"type": "session_state", "data": {
		"device": "router02",
		"peer_ip": "198.51.100.7",
		"state": "up",
		"timestamp": "2024-05-14T12:00:00Z"
	}}`)

	tr, err := ParseMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if tr.SessionKey != "router02_198.51.100.7" {
		t.Errorf("session key = %q", tr.SessionKey)
	}
	want := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	if !tr.OccurredAt.Equal(want) {
		t.Errorf("occurred_at = %v, want %v", tr.OccurredAt, want)
	}
}

func TestParseMessage_IgnoresOtherTypes(t *testing.T) {
	for _, msg := range []string{
		`{"type": "ack", "data": {}}`,
		`{"type": "heartbeat"}`,
		`{"type": "schema_update", "data": {"kind": "NetworkBGPSession"}}`,
	} {
		tr, err := ParseMessage([]byte(msg))
		if err != nil {
			t.Errorf("ParseMessage(%s) error: %v", msg, err)
		}
		if tr != nil {
			t.Errorf("ParseMessage(%s) = %+v, want nil", msg, tr)
		}
	}
}

func TestParseMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"invalid json", `{not json`},
		{"missing identity", `{"type": "session_state", "data": {"state": "down"}}`},
		{"bad timestamp", `{"type": "session_state", "data": {"session": "r1_10.0.0.1", "timestamp": "yesterday"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.msg)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"unix seconds", `1715688000`, time.Unix(1715688000, 0).UTC()},
		{"unix fractional", `1715688000.5`, time.Unix(1715688000, 500000000).UTC()},
		{"rfc3339", `"2024-05-14T12:00:00Z"`, time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)},
		{"rfc3339 nano", `"2024-05-14T12:00:00.25Z"`, time.Date(2024, 5, 14, 12, 0, 0, 250000000, time.UTC)},
		{"numeric string", `"1715688000"`, time.Unix(1715688000, 0).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseTimestamp_EmptyMeansNow(t *testing.T) {
	before := time.Now().UTC()
	got, err := parseTimestamp(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Before(before) || got.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("empty timestamp should be close to now, got %v", got)
	}
}
