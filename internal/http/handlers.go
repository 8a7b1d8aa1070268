package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"carelink/internal/core"
	"carelink/internal/directory"
	"carelink/internal/ledger"
	"carelink/pkg"

	"github.com/go-chi/chi/v5"
)

type loginRequest struct {
	Role pkg.Role `json:"role"`
	ID   int64    `json:"id"`
}

type signUpRequest struct {
	Role     pkg.Role      `json:"role"`
	Patient  *pkg.Patient  `json:"patient,omitempty"`
	Provider *pkg.Provider `json:"provider,omitempty"`
}

type sessionResponse struct {
	Token string    `json:"token"`
	Actor pkg.Actor `json:"actor"`
	View  pkg.View  `json:"view"`
}

type callRequest struct {
	PatientID  int64        `json:"patient_id"`
	ProviderID int64        `json:"provider_id"`
	Type       pkg.CallType `json:"type"`
}

type messageRequest struct {
	Text   string          `json:"text"`
	Sender pkg.Sender      `json:"sender,omitempty"`
	Type   pkg.MessageType `json:"type,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type messageResponse struct {
	ReplyToken string   `json:"reply_token,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"`
	View       pkg.View `json:"view"`
}

type appointmentRequest struct {
	ProviderID int64  `json:"provider_id"`
	Date       string `json:"date"`
	Time       string `json:"time"`
}

type viewResponse struct {
	Degraded bool     `json:"degraded,omitempty"`
	View     pkg.View `json:"view"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "carelink",
		"clients": s.Hub.ClientCount(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLogin switches the foreground actor and issues its token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Role.Valid() || req.ID <= 0 {
		respondError(w, http.StatusBadRequest, "role and id are required")
		return
	}
	a := pkg.Actor{Role: req.Role, ID: req.ID}
	if err := s.Coord.Login(r.Context(), a); err != nil {
		if errors.Is(err, core.ErrUnknownActor) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondSession(w, r, a)
}

// handleSignUp registers a new patient or provider and logs them in.
func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		a   pkg.Actor
		err error
	)
	switch {
	case req.Role == pkg.RolePatient && req.Patient != nil:
		var p pkg.Patient
		p, err = s.Coord.SignUpPatient(r.Context(), *req.Patient)
		a = pkg.Actor{Role: pkg.RolePatient, ID: p.ID}
	case req.Role == pkg.RoleProvider && req.Provider != nil:
		var p pkg.Provider
		p, err = s.Coord.SignUpProvider(r.Context(), *req.Provider)
		a = pkg.Actor{Role: pkg.RoleProvider, ID: p.ID}
	default:
		respondError(w, http.StatusBadRequest, "role must match the supplied profile")
		return
	}
	switch {
	case errors.Is(err, directory.ErrDuplicate):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, directory.ErrInvalid):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondSession(w, r, a)
}

func (s *Server) respondSession(w http.ResponseWriter, r *http.Request, a pkg.Actor) {
	token, err := IssueToken(s.secret, a, time.Now())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	respond(w, http.StatusOK, sessionResponse{Token: token, Actor: a, View: s.Coord.ViewFor(r.Context(), a)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.foreground(w, r); !ok {
		return
	}
	s.Coord.Logout()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	s.respondView(w, r, a, nil)
}

// handleInitiateCall starts a call from the token's actor.  The caller's own
// side of the pair is taken from the token.
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = pkg.CallVideo
	}
	if !req.Type.Valid() {
		respondError(w, http.StatusBadRequest, "type must be video or audio")
		return
	}
	if a.Role == pkg.RolePatient {
		req.PatientID = a.ID
	} else {
		req.ProviderID = a.ID
	}
	s.Coord.InitiateCall(r.Context(), req.PatientID, req.ProviderID, req.Type, a.Role)
	s.respondView(w, r, a, nil)
}

// handleListCalls returns the live sessions the actor takes part in.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	a, _ := actorFrom(r.Context())
	sessions := []pkg.CallSession{}
	for _, cs := range s.Coord.Sessions() {
		if cs.Involves(a) {
			sessions = append(sessions, cs)
		}
	}
	respond(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleAcceptCall(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	s.Coord.AcceptCall(r.Context())
	s.respondView(w, r, a, nil)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	s.Coord.EndCall(r.Context())
	s.respondView(w, r, a, nil)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.Coord.RequestCallback(req.ProviderID)
	respond(w, http.StatusAccepted, viewResponse{View: s.Coord.ViewFor(r.Context(), a)})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	pid, ok := s.patientParam(w, r)
	if !ok {
		return
	}
	msgs, err := s.Coord.LoadLedger(r.Context(), pid)
	if err != nil && !errors.Is(err, ledger.ErrDegraded) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []pkg.ChatMessage{}
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"degraded": s.Coord.Degraded(pid),
	})
}

// handleSendMessage appends a message.  The sender defaults to the token's
// role and must match it; providers may also post as the bot.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	pid, ok := s.patientParam(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Sender == "" {
		req.Sender = pkg.SenderPatient
		if a.Role == pkg.RoleProvider {
			req.Sender = pkg.SenderProvider
		}
	}
	if !senderAllowed(a.Role, req.Sender) {
		respondError(w, http.StatusForbidden, "sender does not match the logged in role")
		return
	}

	tok, err := s.Coord.SendMessage(r.Context(), pid, core.Message{Text: req.Text, Sender: req.Sender, Type: req.Type, Data: req.Data})
	degraded := errors.Is(err, ledger.ErrDegraded)
	switch {
	case errors.Is(err, ledger.ErrInvalidMessage):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && !degraded:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusCreated
	if degraded {
		status = http.StatusAccepted
	}
	respond(w, status, messageResponse{ReplyToken: tok.ID, Degraded: degraded, View: s.Coord.ViewFor(r.Context(), a)})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	pid, ok := s.patientParam(w, r)
	if !ok {
		return
	}
	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderID <= 0 || req.Date == "" || req.Time == "" {
		respondError(w, http.StatusBadRequest, "provider_id, date and time are required")
		return
	}
	err := s.Coord.BookAppointment(r.Context(), pid, req.ProviderID, req.Date, req.Time)
	if errors.Is(err, core.ErrUnknownProvider) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondView(w, r, a, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	pid, ok := s.patientParam(w, r)
	if !ok {
		return
	}
	err := s.Coord.CancelAppointment(r.Context(), pid)
	s.respondView(w, r, a, err)
}

// handleCancelReply cancels a pending reply.  Patients may only cancel
// replies addressed to their own ledger.
func (s *Server) handleCancelReply(w http.ResponseWriter, r *http.Request) {
	a, ok := s.foreground(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "token")
	pid, ok := s.Coord.ReplyPatient(id)
	if !ok {
		respondError(w, http.StatusNotFound, "reply already sent or cancelled")
		return
	}
	if a.Role == pkg.RolePatient && a.ID != pid {
		respondError(w, http.StatusForbidden, "patients can only access their own record")
		return
	}
	if !s.Coord.CancelReply(id) {
		respondError(w, http.StatusNotFound, "reply already sent or cancelled")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondView writes the actor's view.  A degraded store error still
// succeeds since memory kept the change.
func (s *Server) respondView(w http.ResponseWriter, r *http.Request, a pkg.Actor, err error) {
	degraded := errors.Is(err, ledger.ErrDegraded)
	if err != nil && !degraded {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if degraded {
		status = http.StatusAccepted
	}
	respond(w, status, viewResponse{Degraded: degraded, View: s.Coord.ViewFor(r.Context(), a)})
}

// foreground rejects requests from an actor that is no longer the active
// user.
func (s *Server) foreground(w http.ResponseWriter, r *http.Request) (pkg.Actor, bool) {
	a, _ := actorFrom(r.Context())
	if cur, ok := s.Coord.CurrentActor(); !ok || cur != a {
		respondError(w, http.StatusConflict, "not the active user, log in again")
		return a, false
	}
	return a, true
}

// patientParam reads {id} and enforces that patients only touch their own
// record.
func (s *Server) patientParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	pid, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || pid <= 0 {
		respondError(w, http.StatusBadRequest, "invalid patient id")
		return 0, false
	}
	if a, _ := actorFrom(r.Context()); a.Role == pkg.RolePatient && a.ID != pid {
		respondError(w, http.StatusForbidden, "patients can only access their own record")
		return 0, false
	}
	return pid, true
}

func senderAllowed(role pkg.Role, sender pkg.Sender) bool {
	switch role {
	case pkg.RolePatient:
		return sender == pkg.SenderPatient
	case pkg.RoleProvider:
		return sender == pkg.SenderProvider || sender == pkg.SenderBot
	}
	return false
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
