package statestream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// streamMessage is the top-level envelope on the event stream.
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// transitionData is the payload of a session state change event.
type transitionData struct {
	Session   string          `json:"session"`
	Device    string          `json:"device"`
	PeerIP    string          `json:"peer_ip"`
	State     string          `json:"state"`
	Timestamp json.RawMessage `json:"timestamp"` // unix seconds (number) or RFC 3339 (string)
}

// Transition is one observed session state change.
type Transition struct {
	SessionKey string
	State      string
	OccurredAt time.Time
}

// ParseMessage parses a stream message into a Transition. Returns nil for
// messages that are not state transitions (acks, heartbeats, schema events).
func ParseMessage(data []byte) (*Transition, error) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}

	if msg.Type != "session_state" {
		return nil, nil
	}

	var payload transitionData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal transition: %w", err)
	}

	key := payload.Session
	if key == "" {
		if payload.Device == "" || payload.PeerIP == "" {
			return nil, fmt.Errorf("transition missing session identity")
		}
		key = payload.Device + "_" + payload.PeerIP
	}

	occurredAt, err := parseTimestamp(payload.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}

	return &Transition{
		SessionKey: key,
		State:      payload.State,
		OccurredAt: occurredAt,
	}, nil
}

// parseTimestamp accepts a unix-seconds float or an RFC 3339 string.
// A missing timestamp means "now"; some producers omit it.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Now().UTC(), nil
	}

	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err == nil {
		sec := int64(seconds)
		nsec := int64((seconds - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t.UTC(), nil
		}
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t.UTC(), nil
		}
		if seconds, err := strconv.ParseFloat(str, 64); err == nil {
			return time.Unix(int64(seconds), 0).UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %s", raw)
}
