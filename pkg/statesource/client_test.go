package statesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
)

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

// stubStore answers session, policy, and route-map queries from canned JSON.
func stubStore(t *testing.T, handler func(w http.ResponseWriter, req graphQLRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
}

func emptyDataFor(query string) string {
	if strings.Contains(query, "NetworkRoutingPolicy") {
		return `{"data": {"NetworkRoutingPolicy": {"edges": []}}}`
	}
	return `{"data": {"NetworkBGPSession": {"edges": []}}}`
}

func TestRecentChanges(t *testing.T) {
	srv := stubStore(t, func(w http.ResponseWriter, req graphQLRequest) {
		if strings.Contains(req.Query, "NetworkRoutingPolicy") {
			fmt.Fprint(w, `{"data": {"NetworkRoutingPolicy": {"edges": [
				{"node": {"name": "transit-policy", "scope": "network", "changed_at": "2024-05-14T11:58:00Z",
					"created_by": {"display_label": "bob"},
					"device": {"node": {"name": "router02"}}}}
			]}}}`)
			return
		}
		fmt.Fprint(w, `{"data": {"NetworkBGPSession": {"edges": [
			{"node": {"name": "router01_192.0.2.1", "peer_ip": "192.0.2.1", "state": "enabled",
				"changed_at": "2024-05-14T11:57:30Z",
				"created_by": {"display_label": "alice"},
				"device": {"node": {"name": "router01"}}}}
		]}}}`)
	})
	defer srv.Close()

	client := NewClient(srv.URL, "token-1", 5*time.Second, 0)
	since := time.Date(2024, 5, 14, 11, 55, 0, 0, time.UTC)
	events, err := client.RecentChanges(context.Background(), []string{"router01", "router02"}, since)
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	session := events[0]
	if session.TargetType != models.TargetSession || session.TargetKey != "router01_192.0.2.1" {
		t.Errorf("unexpected session event: %+v", session)
	}
	if session.Source != models.SourceGraphLog {
		t.Errorf("source = %q, want %q", session.Source, models.SourceGraphLog)
	}
	if session.Actor != "alice" {
		t.Errorf("actor = %q, want alice", session.Actor)
	}
	want := time.Date(2024, 5, 14, 11, 57, 30, 0, time.UTC)
	if !session.OccurredAt.Equal(want) {
		t.Errorf("occurred_at = %v, want %v", session.OccurredAt, want)
	}

	policy := events[1]
	if policy.TargetType != models.TargetPolicy || policy.TargetKey != "transit-policy" {
		t.Errorf("unexpected policy event: %+v", policy)
	}
	if policy.Scope != "network" {
		t.Errorf("scope = %q, want network", policy.Scope)
	}
}

func TestRecentChanges_EmptyIsNotAnError(t *testing.T) {
	srv := stubStore(t, func(w http.ResponseWriter, req graphQLRequest) {
		fmt.Fprint(w, emptyDataFor(req.Query))
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second, 0)
	events, err := client.RecentChanges(context.Background(), []string{"router01"}, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("empty result must not be an error, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestRecentChanges_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := stubStore(t, func(w http.ResponseWriter, req graphQLRequest) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, emptyDataFor(req.Query))
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second, 1)
	_, err := client.RecentChanges(context.Background(), []string{"router01"}, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("expected recovery after retry, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 requests (1 failed + 2 succeeded), got %d", n)
	}
}

func TestRecentChanges_AuthFailureDoesNotRetry(t *testing.T) {
	var calls int32
	srv := stubStore(t, func(w http.ResponseWriter, req graphQLRequest) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "forbidden", http.StatusUnauthorized)
	})
	defer srv.Close()

	client := NewClient(srv.URL, "bad-token", 5*time.Second, 3)
	_, err := client.RecentChanges(context.Background(), []string{"router01"}, time.Now().Add(-5*time.Minute))

	var unavailable *StateSourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StateSourceUnavailableError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("auth rejection must not be retried, got %d requests", n)
	}
}

func TestRecentChanges_GraphQLErrorsAreIndeterminate(t *testing.T) {
	srv := stubStore(t, func(w http.ResponseWriter, req graphQLRequest) {
		fmt.Fprint(w, `{"data": null, "errors": [{"message": "schema mismatch"}]}`)
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second, 0)
	_, err := client.RecentChanges(context.Background(), []string{"router01"}, time.Now().Add(-5*time.Minute))

	var unavailable *StateSourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StateSourceUnavailableError, got %v", err)
	}
	if !strings.Contains(unavailable.Error(), "schema mismatch") {
		t.Errorf("error should carry the GraphQL message: %v", unavailable)
	}
}

func TestRecentChanges_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "", 500*time.Millisecond, 0)
	_, err := client.RecentChanges(context.Background(), []string{"router01"}, time.Now().Add(-5*time.Minute))

	var unavailable *StateSourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StateSourceUnavailableError, got %v", err)
	}
}

func TestResolveRouteMap(t *testing.T) {
	srv := stubStore(t, func(w http.ResponseWriter, req graphQLRequest) {
		if req.Variables["name"] != "export-policy-5" {
			t.Errorf("unexpected route-map name %v", req.Variables["name"])
		}
		fmt.Fprint(w, `{"data": {"NetworkBGPSession": {"edges": [
			{"node": {"name": "router01_192.0.2.1", "peer_ip": "192.0.2.1", "device": {"node": {"name": "router01"}}}},
			{"node": {"peer_ip": "198.51.100.7", "device": {"node": {"name": "router02"}}}}
		]}}}`)
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", 5*time.Second, 0)
	ref, err := client.ResolveRouteMap(context.Background(), "export-policy-5")
	if err != nil {
		t.Fatal(err)
	}

	if ref.Name != "export-policy-5" {
		t.Errorf("name = %q", ref.Name)
	}
	// The second node has no name and must fall back to device_peerIP.
	wantKeys := []string{"router01_192.0.2.1", "router02_198.51.100.7"}
	if len(ref.AppliedSessionKeys) != 2 || ref.AppliedSessionKeys[0] != wantKeys[0] || ref.AppliedSessionKeys[1] != wantKeys[1] {
		t.Errorf("applied sessions = %v, want %v", ref.AppliedSessionKeys, wantKeys)
	}
}

func TestParseChangedAt(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-05-14T11:57:30Z", time.Date(2024, 5, 14, 11, 57, 30, 0, time.UTC)},
		{"2024-05-14T11:57:30.250Z", time.Date(2024, 5, 14, 11, 57, 30, 250000000, time.UTC)},
		{"2024-05-14T11:57:30", time.Date(2024, 5, 14, 11, 57, 30, 0, time.UTC)},
		{"garbage", time.Time{}},
	}
	for _, tt := range tests {
		if got := parseChangedAt(tt.in); !got.Equal(tt.want) {
			t.Errorf("parseChangedAt(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
