// Package statestream subscribes to the graph store's live feed of BGP
// session state transitions and records them into the flap tracker.
package statestream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/flaptracker"
)

const (
	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	reconnectBackoff      = 2.0
	pingInterval          = 30 * time.Second
	connectionTimeout     = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

// Client is a websocket subscriber with automatic reconnection. Every parsed
// state transition lands in the flap tracker; the stream carrying a gap only
// degrades flap sensitivity, it never fails a detection run.
type Client struct {
	url     string
	token   string
	tracker *flaptracker.Tracker
	done    chan struct{}
	wg      sync.WaitGroup

	// Stats
	messagesReceived    uint64
	transitionsRecorded uint64
	errors              uint64
	reconnects          uint64

	// State
	running   atomic.Bool
	connected atomic.Bool
}

// NewClient creates a stream client. token may be empty.
func NewClient(url, token string, tracker *flaptracker.Tracker) *Client {
	return &Client{
		url:     url,
		token:   token,
		tracker: tracker,
		done:    make(chan struct{}),
	}
}

// Start begins the websocket connection in a goroutine.
func (c *Client) Start() {
	if c.running.Swap(true) {
		log.Printf("[statestream] Client already running")
		return
	}

	c.wg.Add(1)
	go c.runLoop()
	log.Printf("[statestream] Client started")
}

// Stop gracefully shuts down the client.
func (c *Client) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.done)
	c.wg.Wait()
	log.Printf("[statestream] Client stopped")
}

// Stats returns current statistics.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":            c.connected.Load(),
		"messages_received":    atomic.LoadUint64(&c.messagesReceived),
		"transitions_recorded": atomic.LoadUint64(&c.transitionsRecorded),
		"errors":               atomic.LoadUint64(&c.errors),
		"reconnects":           atomic.LoadUint64(&c.reconnects),
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	reconnectDelay := initialReconnectDelay

	for c.running.Load() {
		err := c.connectAndStream()
		if err != nil {
			atomic.AddUint64(&c.errors, 1)
			atomic.AddUint64(&c.reconnects, 1)
			log.Printf("[statestream] Connection error: %v, reconnecting in %v", err, reconnectDelay)
		}

		select {
		case <-c.done:
			return
		case <-time.After(reconnectDelay):
			// Exponential backoff
			reconnectDelay = time.Duration(float64(reconnectDelay) * reconnectBackoff)
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
		}
	}
}

func (c *Client) connectAndStream() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectionTimeout,
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	log.Printf("[statestream] Connecting to %s...", c.url)
	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// Subscribe to session state transitions only.
	subscribeMsg := map[string]interface{}{
		"type": "subscribe",
		"data": map[string]interface{}{
			"kind": "NetworkBGPSession",
			"fields": []string{"state"},
		},
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.connected.Store(true)
	log.Printf("[statestream] Connected and subscribed")

	conn.SetPongHandler(func(string) error {
		return nil
	})

	// Keepalive pings until the stream or the client stops.
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-c.done:
				// Close connection to unblock ReadMessage
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	ctx := context.Background()

	for c.running.Load() {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.connected.Store(false)
				return nil
			}
			c.connected.Store(false)
			return fmt.Errorf("read failed: %w", err)
		}

		if messageType != websocket.TextMessage {
			continue
		}

		atomic.AddUint64(&c.messagesReceived, 1)

		transition, err := ParseMessage(message)
		if err != nil {
			// Not all messages are transitions, this is fine
			if atomic.LoadUint64(&c.messagesReceived) <= 10 {
				log.Printf("[statestream] Parse error: %v", err)
			}
			continue
		}
		if transition != nil {
			atomic.AddUint64(&c.transitionsRecorded, 1)
			c.tracker.RecordTransition(ctx, transition.SessionKey, transition.OccurredAt)
		}
	}

	c.connected.Store(false)
	return nil
}
