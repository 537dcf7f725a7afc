package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	qrcode "github.com/skip2/go-qrcode"
)

// Server bundles the collaborators handlers need. Constructed once in main
// and in tests; handlers never reach for globals.
type Server struct {
	registry *Registry
	store    *Store
	hub      *Hub
}

func NewServer(registry *Registry, store *Store, hub *Hub) *Server {
	return &Server{registry: registry, store: store, hub: hub}
}

func (srv *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealth)
	r.Get("/ws", srv.handleWebSocket)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", srv.handleCreateSession)
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", srv.handleGetSession)
			r.Patch("/", srv.handleUpdateSession)
			r.Get("/state", srv.handleGetState)
			r.Get("/qr", srv.handleQRCode)
			r.Post("/join", srv.handleJoin)
			r.Patch("/participants/{participantID}", srv.handleUpdateParticipant)
			r.Delete("/participants/{participantID}", srv.handleLeave)
			r.Post("/start", srv.handleStart)
			r.Post("/advance", srv.handleAdvance)
			r.Post("/vote", srv.handleVote)
			r.Post("/action", srv.handleAction)
			r.Post("/narrate", srv.handleNarrate)
			r.Post("/end", srv.handleEnd)
			r.Post("/chat", srv.handleChat)
			r.Get("/chat", srv.handleChatHistory)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logError("writeJSON", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return validationf("malformed request body: %v", err)
	}
	return nil
}

func (srv *Server) session(r *http.Request) (*Session, error) {
	return srv.registry.Get(chi.URLParam(r, "code"))
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := srv.store.db.Ping(); err != nil {
		writeError(w, storagef("ping", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (srv *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Capacity int    `json:"capacity"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, err := srv.registry.Create(body.Name, body.Capacity)
	if err != nil {
		writeError(w, err)
		return
	}
	DebugLog("created session %s (code %s)", sess.ID, sess.Code)
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (srv *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Record())
}

func (srv *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (srv *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ParticipantID string       `json:"participant_id"`
		Name          *string      `json:"name"`
		Capacity      *int         `json:"capacity"`
		Countdown     *int         `json:"countdown"`
		Distribution  map[Role]int `json:"distribution"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	rec, err := sess.UpdateSettings(body.ParticipantID, SessionUpdate{
		Name:         body.Name,
		Capacity:     body.Capacity,
		Countdown:    body.Countdown,
		Distribution: body.Distribution,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleQRCode serves a PNG QR code pointing at the join page for the
// session, for passing a lobby around a room full of phones.
func (srv *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	joinURL := fmt.Sprintf("%s://%s/join/%s", scheme, r.Host, sess.Code)
	png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
	if err != nil {
		writeError(w, fmt.Errorf("%w: encode qr: %v", ErrInternal, err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (srv *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := sess.Join(body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (srv *Server) handleUpdateParticipant(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ParticipantID string  `json:"participant_id"` // acting participant
		Name          *string `json:"name"`
		Ready         *bool   `json:"ready"`
		Host          *bool   `json:"host"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := sess.UpdateParticipant(body.ParticipantID, chi.URLParam(r, "participantID"), ParticipantUpdate{
		Name:  body.Name,
		Ready: body.Ready,
		Host:  body.Host,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (srv *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Leave(chi.URLParam(r, "participantID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actorBody is the request shape for operations that only need to know who
// is asking.
type actorBody struct {
	ParticipantID string `json:"participant_id"`
}

func (srv *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	srv.hostAction(w, r, func(sess *Session, actorID string) error {
		return sess.Start(actorID)
	})
}

func (srv *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	srv.hostAction(w, r, func(sess *Session, actorID string) error {
		return sess.Advance(actorID)
	})
}

func (srv *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	srv.hostAction(w, r, func(sess *Session, actorID string) error {
		return sess.End(actorID)
	})
}

func (srv *Server) hostAction(w http.ResponseWriter, r *http.Request, op func(*Session, string) error) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body actorBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := op(sess, body.ParticipantID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (srv *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ParticipantID string `json:"participant_id"`
		TargetID      string `json:"target_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.CastVote(body.ParticipantID, body.TargetID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (srv *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ParticipantID string `json:"participant_id"`
		Action        string `json:"action"`
		TargetID      string `json:"target_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.TakeAction(body.ParticipantID, ActionKind(body.Action), body.TargetID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (srv *Server) handleNarrate(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	text, err := sess.RequestNarrative(r.Context(), body.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"narrative": text})
}

func (srv *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		ParticipantID string `json:"participant_id"`
		Body          string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	m, err := sess.Chat(body.ParticipantID, body.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (srv *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := srv.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := srv.store.ListChatMessages(sess.ID)
	if err != nil {
		writeError(w, storagef("list chat messages", err))
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
