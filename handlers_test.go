package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestAPI(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	store := newTestStore(t)
	h := NewHub()
	go h.Run()
	t.Cleanup(h.Stop)
	reg := NewRegistry(store, h, nil)
	srv := NewServer(reg, store, h)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, reg
}

// doJSON sends a JSON request and decodes the JSON response into out (when
// out is non-nil). It returns the status code.
func doJSON(t *testing.T, method, url string, in, out any) int {
	t.Helper()
	var body *bytes.Buffer = bytes.NewBuffer(nil)
	if in != nil {
		if err := json.NewEncoder(body).Encode(in); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// createAndJoin creates a session over the API and joins n players.
func createAndJoin(t *testing.T, baseURL string, n int) (code string, participantIDs []string) {
	t.Helper()
	var state SessionState
	status := doJSON(t, http.MethodPost, baseURL+"/api/sessions",
		map[string]any{"name": "Game", "capacity": 12}, &state)
	if status != http.StatusCreated {
		t.Fatalf("create session: status %d", status)
	}
	for i := 0; i < n; i++ {
		var p Participant
		status := doJSON(t, http.MethodPost, baseURL+"/api/sessions/"+state.Code+"/join",
			map[string]any{"name": fmt.Sprintf("Player%d", i+1)}, &p)
		if status != http.StatusCreated {
			t.Fatalf("join: status %d", status)
		}
		participantIDs = append(participantIDs, p.ID)
	}
	return state.Code, participantIDs
}

func TestCreateSessionEndpoint(t *testing.T) {
	ts, _ := newTestAPI(t)

	var state SessionState
	status := doJSON(t, http.MethodPost, ts.URL+"/api/sessions",
		map[string]any{"name": "Friday Game", "capacity": 8}, &state)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}
	if len(state.Code) != 6 || state.Phase != PhaseLobby || state.Capacity != 8 {
		t.Errorf("state = %+v", state)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	ts, _ := newTestAPI(t)

	var errBody map[string]string
	status := doJSON(t, http.MethodPost, ts.URL+"/api/sessions",
		map[string]any{"name": "Game", "capacity": 2}, &errBody)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", status)
	}
	if errBody["error"] == "" {
		t.Error("error body missing")
	}

	// Unknown fields are rejected, not silently dropped.
	status = doJSON(t, http.MethodPost, ts.URL+"/api/sessions",
		map[string]any{"name": "Game", "capacity": 8, "bogus": true}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("unknown field: status = %d, want 422", status)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	ts, _ := newTestAPI(t)

	status := doJSON(t, http.MethodGet, ts.URL+"/api/sessions/NOCODE/state", nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestJoinAndState(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 2)

	var state SessionState
	status := doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+code+"/state", nil, &state)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(state.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(state.Participants))
	}
	if state.HostID != ids[0] {
		t.Errorf("host = %s, want first joiner %s", state.HostID, ids[0])
	}
}

func TestStartOverAPI(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 4)

	for _, id := range ids {
		status := doJSON(t, http.MethodPatch,
			ts.URL+"/api/sessions/"+code+"/participants/"+id,
			map[string]any{"participant_id": id, "ready": true}, nil)
		if status != http.StatusOK {
			t.Fatalf("ready patch: status %d", status)
		}
	}

	var state SessionState
	status := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+code+"/start",
		map[string]any{"participant_id": ids[0]}, &state)
	if status != http.StatusOK {
		t.Fatalf("start: status %d", status)
	}
	if state.Phase != PhaseDay || state.Day != 1 {
		t.Errorf("state = phase %s day %d, want DAY day 1", state.Phase, state.Day)
	}
	for _, p := range state.Participants {
		if p.Role != "" {
			t.Errorf("public state leaks %s's role", p.Name)
		}
	}
}

func TestStartByNonHostOverAPI(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 4)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+code+"/start",
		map[string]any{"participant_id": ids[1]}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", status)
	}
}

func TestVoteOutsideVotingIs422(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 4)

	status := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+code+"/vote",
		map[string]any{"participant_id": ids[0], "target_id": ids[1]}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", status)
	}
}

func TestQRCodeEndpoint(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, _ := createAndJoin(t, ts.URL, 0)

	resp, err := http.Get(ts.URL + "/api/sessions/" + code + "/qr")
	if err != nil {
		t.Fatalf("GET qr: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
	magic := make([]byte, 8)
	if _, err := io.ReadFull(resp.Body, magic); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(magic, []byte("\x89PNG\r\n\x1a\n")) {
		t.Errorf("body does not start with the PNG signature: %x", magic)
	}
}

func TestChatEndpoints(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 2)

	var msg ChatMessage
	status := doJSON(t, http.MethodPost, ts.URL+"/api/sessions/"+code+"/chat",
		map[string]any{"participant_id": ids[0], "body": "hello town"}, &msg)
	if status != http.StatusCreated {
		t.Fatalf("post chat: status %d", status)
	}

	var history []ChatMessage
	status = doJSON(t, http.MethodGet, ts.URL+"/api/sessions/"+code+"/chat", nil, &history)
	if status != http.StatusOK {
		t.Fatalf("get chat: status %d", status)
	}
	if len(history) != 1 || history[0].Body != "hello town" {
		t.Errorf("history = %+v", history)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestAPI(t)

	status := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
}

func TestWebSocketRequestState(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 2)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?code=" + code + "&participant_id=" + ids[0]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ClientMessage{Type: MsgRequestState}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MsgSessionState || msg.State == nil || len(msg.State.Participants) != 2 {
		t.Errorf("msg = %+v", msg)
	}
}

func TestWebSocketRejectsUnknownParticipant(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, _ := createAndJoin(t, ts.URL, 1)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?code=" + code + "&participant_id=nobody"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("dial succeeded for an unknown participant")
	}
}

func TestWebSocketErrorFrame(t *testing.T) {
	ts, _ := newTestAPI(t)
	code, ids := createAndJoin(t, ts.URL, 2)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws?code=" + code + "&participant_id=" + ids[0]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Voting is closed in the lobby; the failure comes back as an error
	// frame on this connection, which stays open.
	if err := conn.WriteJSON(ClientMessage{Type: MsgCastVote, TargetID: ids[1]}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MsgError || msg.Error == "" {
		t.Errorf("msg = %+v", msg)
	}

	if err := conn.WriteJSON(ClientMessage{Type: MsgRequestState}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read after error: %v", err)
	}
	if msg.Type != MsgSessionState {
		t.Errorf("connection unusable after error frame: %+v", msg)
	}
}
