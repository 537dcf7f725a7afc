package main

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one websocket connection bound to a participant in a session.
type Client struct {
	conn          *websocket.Conn
	sessionID     string
	participantID string
	writeMu       sync.Mutex // Serialize writes to WebSocket (required by gorilla/websocket)
}

// Hub tracks open connections per session and the single live connection per
// participant. A later connection for the same participant replaces the
// earlier mapping. Delivery is best-effort: dead connections are pruned, the
// triggering operation never fails because of them.
type Hub struct {
	clients       map[*websocket.Conn]*Client
	bySession     map[string]map[*websocket.Conn]*Client
	byParticipant map[string]*Client
	register      chan *Client
	unregister    chan *websocket.Conn
	mu            sync.RWMutex
	done          chan struct{}
	wg            sync.WaitGroup

	// onDisconnect fires when a participant's last connection closes; main
	// wires it to lobby removal.
	onDisconnect func(sessionID, participantID string)
}

func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*websocket.Conn]*Client),
		bySession:     make(map[string]map[*websocket.Conn]*Client),
		byParticipant: make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *websocket.Conn, 64),
		done:          make(chan struct{}),
	}
}

// Stop signals the hub goroutine to exit and waits for it to finish.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
}

func (h *Hub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			if h.bySession[client.sessionID] == nil {
				h.bySession[client.sessionID] = make(map[*websocket.Conn]*Client)
			}
			h.bySession[client.sessionID][client.conn] = client
			h.byParticipant[client.participantID] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (participant %s). Total: %d", client.participantID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			client, ok := h.clients[conn]
			var gone *Client
			if ok {
				h.dropLocked(conn, client)
				// Only fire the disconnect hook when no replacement
				// connection took over the participant mapping.
				if h.byParticipant[client.participantID] == nil {
					gone = client
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total: %d", total)
			if gone != nil && h.onDisconnect != nil {
				h.onDisconnect(gone.sessionID, gone.participantID)
			}
		}
	}
}

// dropLocked removes a connection from every map. Caller holds h.mu.
func (h *Hub) dropLocked(conn *websocket.Conn, client *Client) {
	delete(h.clients, conn)
	if set := h.bySession[client.sessionID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.bySession, client.sessionID)
		}
	}
	if h.byParticipant[client.participantID] == client {
		delete(h.byParticipant, client.participantID)
	}
	conn.Close()
}

// BroadcastToSession delivers a message to every connection registered to
// the session. Write failures prune the connection instead of propagating.
func (h *Hub) BroadcastToSession(sessionID string, msg ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.bySession[sessionID]))
	for _, client := range h.bySession[sessionID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.write(client, payload)
	}
}

// SendToParticipant delivers a message only to the connection presumed to
// represent the participant. Role reveals travel through here.
func (h *Hub) SendToParticipant(participantID string, msg ServerMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("send marshal: %v", err)
		return
	}

	h.mu.RLock()
	client := h.byParticipant[participantID]
	h.mu.RUnlock()
	if client == nil {
		return
	}
	h.write(client, payload)
}

func (h *Hub) write(client *Client, payload []byte) {
	client.writeMu.Lock()
	err := client.conn.WriteMessage(websocket.TextMessage, payload)
	client.writeMu.Unlock()
	if err != nil {
		log.Printf("WebSocket write error to participant %s: %v", client.participantID, err)
		select {
		case h.unregister <- client.conn:
		default:
		}
	}
}

// connectionCount reports registered connections for a session.
func (h *Hub) connectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySession[sessionID])
}
