package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mpetrov/chatcore/internal/auth"
	"github.com/mpetrov/chatcore/internal/calls"
	"github.com/mpetrov/chatcore/internal/chatmode"
	"github.com/mpetrov/chatcore/internal/data"
	"github.com/mpetrov/chatcore/internal/normalize"
	"github.com/mpetrov/chatcore/internal/relay"
)

// apiServer holds the REST surface's collaborators.
type apiServer struct {
	users    *data.UsersStore
	jwt      *auth.JWTManager
	relay    *relay.Service
	calls    *calls.Broker
	chatmode *chatmode.Service
	log      *zap.SugaredLogger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the shared error taxonomy onto HTTP status codes. Unmapped
// errors are storage failures: logged, reported as 500 without detail.
func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrInvalidMessage), errors.Is(err, data.ErrInvalidState):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, data.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.Is(err, data.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, data.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, data.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.log.Errorw("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func queryInt(r *http.Request, name string, fallback int64) int64 {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username, email and password are required"})
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}

	user, err := s.users.CreateUser(r.Context(), req.Username, normalize.Email(req.Email), hashed)
	if err != nil {
		s.writeError(w, err)
		return
	}

	token, expiresAt, err := s.jwt.GenerateToken(user.ID.Hex(), user.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     token,
		UserID:    user.ID.Hex(),
		ExpiresAt: expiresAt.Format(timeLayout),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	// Same error for unknown email and wrong password, so login failures do
	// not reveal which accounts exist.
	user, err := s.users.GetUserByEmail(r.Context(), normalize.Email(req.Email))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid credentials", data.ErrUnauthorized))
		return
	}
	if err := auth.CheckPassword(user.Password, req.Password); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid credentials", data.ErrUnauthorized))
		return
	}
	if user.AccountStatus == data.AccountBanned {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "account banned"})
		return
	}

	token, expiresAt, err := s.jwt.GenerateToken(user.ID.Hex(), user.Email)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		UserID:    user.ID.Hex(),
		ExpiresAt: expiresAt.Format(timeLayout),
	})
}

type sendMessageRequest struct {
	ReceiverID string               `json:"receiverId"`
	Text       string               `json:"text"`
	File       *data.FileAttachment `json:"file,omitempty"`
}

func (s *apiServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	msg, receiverOnline, err := s.relay.Send(r.Context(), claims.UserID, req.ReceiverID, req.Text, req.File)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Message        *relay.MessagePayload `json:"message"`
		ReceiverOnline bool                  `json:"receiverOnline"`
	}{msg, receiverOnline})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	page, err := s.relay.History(r.Context(), claims.UserID, r.URL.Query().Get("userId"),
		queryInt(r, "limit", 50), queryInt(r, "skip", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *apiServer) handleMyChats(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	chats, err := s.relay.MyChats(r.Context(), claims.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Chats []*relay.MessagePayload `json:"chats"`
	}{chats})
}

func (s *apiServer) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	if err := s.relay.Delete(r.Context(), claims.UserID, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Deleted bool `json:"deleted"`
	}{true})
}

type initiateCallRequest struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

func (s *apiServer) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	var req initiateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	call, reachable, err := s.calls.Initiate(r.Context(), claims.UserID, req.ReceiverID, req.CallType)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Call              *calls.CallPayload `json:"call"`
		ReceiverAvailable bool               `json:"receiverAvailable"`
	}{call, reachable})
}

type callActionRequest struct {
	CallID string `json:"callId"`
}

func (s *apiServer) handleCallTransition(w http.ResponseWriter, r *http.Request,
	action func(r *http.Request, callID, byID string) (*calls.CallPayload, error)) {
	claims := mustClaims(r)

	var req callActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.CallID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "callId is required"})
		return
	}

	call, err := action(r, req.CallID, claims.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Call *calls.CallPayload `json:"call"`
	}{call})
}

func (s *apiServer) handleAcceptCall(w http.ResponseWriter, r *http.Request) {
	s.handleCallTransition(w, r, func(r *http.Request, callID, byID string) (*calls.CallPayload, error) {
		return s.calls.Accept(r.Context(), callID, byID)
	})
}

func (s *apiServer) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	s.handleCallTransition(w, r, func(r *http.Request, callID, byID string) (*calls.CallPayload, error) {
		return s.calls.Reject(r.Context(), callID, byID)
	})
}

func (s *apiServer) handleEndCall(w http.ResponseWriter, r *http.Request) {
	s.handleCallTransition(w, r, func(r *http.Request, callID, byID string) (*calls.CallPayload, error) {
		return s.calls.End(r.Context(), callID, byID)
	})
}

func (s *apiServer) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	records, hasMore, err := s.calls.History(r.Context(), claims.UserID, r.URL.Query().Get("type"),
		queryInt(r, "limit", 50), queryInt(r, "skip", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Calls   []*calls.CallPayload `json:"calls"`
		HasMore bool                 `json:"hasMore"`
	}{records, hasMore})
}

func (s *apiServer) handleMissedCalls(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	records, hasMore, err := s.calls.Missed(r.Context(), claims.UserID,
		queryInt(r, "limit", 20), queryInt(r, "skip", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Calls   []*calls.CallPayload `json:"calls"`
		HasMore bool                 `json:"hasMore"`
	}{records, hasMore})
}

func (s *apiServer) handleDeleteCall(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	if err := s.calls.DeleteRecord(r.Context(), claims.UserID, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Deleted bool `json:"deleted"`
	}{true})
}

type chatSettingsRequest struct {
	PartnerID    string `json:"partnerId"`
	TimerSeconds *int64 `json:"timerSeconds"`
}

func (s *apiServer) handleUpsertChatSettings(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	var req chatSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var timer int64
	if req.TimerSeconds != nil {
		timer = *req.TimerSeconds
	}

	setting, err := s.chatmode.Upsert(r.Context(), claims.UserID, req.PartnerID, timer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Setting *chatmode.SettingPayload `json:"setting"`
	}{setting})
}

func (s *apiServer) handleGetChatSettings(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)

	setting, err := s.chatmode.Resolve(r.Context(), claims.UserID, r.URL.Query().Get("partnerId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Setting *chatmode.SettingPayload `json:"setting"`
	}{setting})
}
