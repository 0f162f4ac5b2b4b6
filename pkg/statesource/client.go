// Package statesource queries the graph state store for recent BGP changes.
package statesource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/models"
)

const (
	initialRetryDelay = 500 * time.Millisecond
	retryBackoff      = 2.0
)

// StateSourceUnavailableError means the source of truth could not be reached
// or refused the query. Callers must treat the whole detection run as
// indeterminate; this is never equivalent to "no events found".
type StateSourceUnavailableError struct {
	Op  string
	Err error
}

func (e *StateSourceUnavailableError) Error() string {
	return fmt.Sprintf("state source unavailable during %s: %v", e.Op, e.Err)
}

func (e *StateSourceUnavailableError) Unwrap() error { return e.Err }

// Client queries the graph store's GraphQL endpoint. The auth token is opaque
// and passed through as a bearer header.
type Client struct {
	url     string
	token   string
	retries int
	http    *http.Client
}

// NewClient creates a state source client. timeout bounds each HTTP round
// trip; retries is the number of additional attempts after the first.
func NewClient(url, token string, timeout time.Duration, retries int) *Client {
	return &Client{
		url:     url,
		token:   token,
		retries: retries,
		http:    &http.Client{Timeout: timeout},
	}
}

const recentSessionChangesQuery = `
query GetRecentBGPChanges($devices: [String!], $since: DateTime!) {
  NetworkBGPSession(device__name__in: $devices, changed_at__gte: $since) {
    edges {
      node {
        name
        peer_ip
        peer_asn
        route_map_in
        route_map_out
        state
        changed_at
        created_by { display_label }
        device { node { name } }
      }
    }
  }
}`

const recentPolicyChangesQuery = `
query GetRecentPolicyChanges($since: DateTime!) {
  NetworkRoutingPolicy(changed_at__gte: $since) {
    edges {
      node {
        name
        scope
        changed_at
        created_by { display_label }
        device { node { name } }
      }
    }
  }
}`

const routeMapSessionsQuery = `
query GetRouteMapSessions($name: String!) {
  NetworkBGPSession(route_map__name__value: $name) {
    edges {
      node {
        name
        peer_ip
        device { node { name } }
      }
    }
  }
}`

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type edgeList struct {
	Edges []struct {
		Node sessionNode `json:"node"`
	} `json:"edges"`
}

// sessionNode is the flattened superset of fields the three queries return.
type sessionNode struct {
	Name      string `json:"name"`
	PeerIP    string `json:"peer_ip"`
	PeerASN   uint32 `json:"peer_asn"`
	Scope     string `json:"scope"`
	State     string `json:"state"`
	ChangedAt string `json:"changed_at"`
	CreatedBy struct {
		DisplayLabel string `json:"display_label"`
	} `json:"created_by"`
	Device struct {
		Node struct {
			Name string `json:"name"`
		} `json:"node"`
	} `json:"device"`
}

// RecentChanges lists session and policy changes committed to live state
// since the given time, limited to the candidate devices. An empty result is
// a normal outcome, not an error.
func (c *Client) RecentChanges(ctx context.Context, devices []string, since time.Time) ([]models.ChangeEvent, error) {
	var sessions struct {
		NetworkBGPSession edgeList `json:"NetworkBGPSession"`
	}
	err := c.execute(ctx, "recent session changes", recentSessionChangesQuery, map[string]interface{}{
		"devices": devices,
		"since":   since.UTC().Format(time.RFC3339),
	}, &sessions)
	if err != nil {
		return nil, err
	}

	var policies struct {
		NetworkRoutingPolicy edgeList `json:"NetworkRoutingPolicy"`
	}
	err = c.execute(ctx, "recent policy changes", recentPolicyChangesQuery, map[string]interface{}{
		"since": since.UTC().Format(time.RFC3339),
	}, &policies)
	if err != nil {
		return nil, err
	}

	var events []models.ChangeEvent
	for _, edge := range sessions.NetworkBGPSession.Edges {
		node := edge.Node
		device := node.Device.Node.Name
		key := node.Name
		if key == "" {
			key = models.SessionKey(device, node.PeerIP)
		}
		events = append(events, models.ChangeEvent{
			Source:     models.SourceGraphLog,
			TargetType: models.TargetSession,
			TargetKey:  key,
			NewValue:   node.State,
			Actor:      node.CreatedBy.DisplayLabel,
			Device:     device,
			OccurredAt: parseChangedAt(node.ChangedAt),
		})
	}
	for _, edge := range policies.NetworkRoutingPolicy.Edges {
		node := edge.Node
		device := node.Device.Node.Name
		scope := node.Scope
		if scope == "" {
			scope = device
		}
		events = append(events, models.ChangeEvent{
			Source:     models.SourceGraphLog,
			TargetType: models.TargetPolicy,
			TargetKey:  node.Name,
			Actor:      node.CreatedBy.DisplayLabel,
			Device:     device,
			Scope:      scope,
			OccurredAt: parseChangedAt(node.ChangedAt),
		})
	}
	return events, nil
}

// ResolveRouteMap lists the sessions currently referencing a route-map.
// Collisions on shared route-maps are invisible from the diff alone.
func (c *Client) ResolveRouteMap(ctx context.Context, name string) (models.RouteMapRef, error) {
	ref := models.RouteMapRef{Name: name}

	var result struct {
		NetworkBGPSession edgeList `json:"NetworkBGPSession"`
	}
	err := c.execute(ctx, "route-map resolution", routeMapSessionsQuery, map[string]interface{}{
		"name": name,
	}, &result)
	if err != nil {
		return ref, err
	}

	for _, edge := range result.NetworkBGPSession.Edges {
		node := edge.Node
		key := node.Name
		if key == "" {
			key = models.SessionKey(node.Device.Node.Name, node.PeerIP)
		}
		ref.AppliedSessionKeys = append(ref.AppliedSessionKeys, key)
	}
	return ref, nil
}

// execute posts a GraphQL document with bounded retries. Every failure mode,
// including exhausted retries and GraphQL-level errors, surfaces as a
// StateSourceUnavailableError so callers cannot mistake it for an empty result.
func (c *Client) execute(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": vars,
	})
	if err != nil {
		return &StateSourceUnavailableError{Op: op, Err: err}
	}

	delay := initialRetryDelay
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &StateSourceUnavailableError{Op: op, Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * retryBackoff)
		}

		data, retryable, err := c.post(ctx, body)
		if err != nil {
			lastErr = err
			if !retryable {
				return &StateSourceUnavailableError{Op: op, Err: err}
			}
			continue
		}

		var resp graphQLResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			lastErr = fmt.Errorf("decoding response: %w", err)
			continue
		}
		if len(resp.Errors) > 0 {
			// A partial GraphQL result cannot be trusted as a complete view.
			return &StateSourceUnavailableError{Op: op, Err: fmt.Errorf("graphql: %s", resp.Errors[0].Message)}
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return &StateSourceUnavailableError{Op: op, Err: fmt.Errorf("decoding data: %w", err)}
		}
		return nil
	}

	return &StateSourceUnavailableError{Op: op, Err: lastErr}
}

// post performs one HTTP round trip. The second return reports whether the
// failure is worth retrying (network errors and 5xx are, auth failures are not).
func (c *Client) post(ctx context.Context, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/graphql", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return data, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("auth rejected: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server error: status %d", resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// parseChangedAt accepts the timestamp formats the graph store emits.
func parseChangedAt(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
