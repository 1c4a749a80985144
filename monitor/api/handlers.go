package api

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/codes"
	"github.com/oamwatch/oamwatch/monitor/notify"
	"github.com/oamwatch/oamwatch/monitor/store"
)

type addCodeRequest struct {
	Code  string `json:"code" validate:"required,max=256"`
	Email string `json:"email" validate:"required,max=256"`
}

// handleAddCode starts the add-by-email workflow: validate, reject
// duplicates (masking a foreign owner), store a pending addition under a
// random token, and send the verification link on the immediate path.
func (s *Server) handleAddCode(w http.ResponseWriter, r *http.Request) {
	var req addCodeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}

	canonical, _, err := codes.Normalize(req.Code)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid code format")
		return
	}
	email, err := codes.ValidateEmail(req.Email)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid email address")
		return
	}

	// Duplicate detection spans the declared specs and both stores.
	for _, sp := range s.specs() {
		if sp.Code == canonical {
			s.writeError(w, r, http.StatusBadRequest, "code is already monitored")
			return
		}
	}
	if _, origin, ok := s.store.GetItem(canonical); ok {
		if origin == store.OriginUser {
			if owner, ok := s.store.OwnerOf(canonical); ok && owner != email {
				s.writeError(w, r, http.StatusBadRequest, "code is already monitored",
					fmt.Sprintf("registered by %s", codes.MaskEmail(owner)))
				return
			}
		}
		s.writeError(w, r, http.StatusBadRequest, "code is already monitored")
		return
	}

	token := uuid.NewString()
	s.store.AddPendingAddition(token, canonical, email, s.now().Add(pendingTTL))

	n := notify.Notification{
		Kind:      notify.KindVerificationLink,
		Code:      canonical,
		Target:    email,
		VerifyURL: fmt.Sprintf("%s/api/verify-add/%s", s.baseURL, token),
	}
	if err := s.notifier.SendImmediate(r.Context(), n); err != nil {
		s.log.Error("verification email failed", zap.String("code", canonical), zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "could not send verification email")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{
		"message": "verification email sent, the link expires in 10 minutes",
	})
}

// handleVerifyAdd consumes a pending addition and creates the user-owned
// item. Responses are HTML landing pages.
func (s *Server) handleVerifyAdd(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	pending, ok := s.store.PopPendingAddition(token)
	if !ok {
		s.writeHTML(w, http.StatusBadRequest, "Link invalid or expired",
			"The verification link is invalid or has expired. Please submit the code again.")
		return
	}

	now := s.now()
	next := now
	item := &store.CodeItem{
		Code:            pending.Code,
		Status:          store.StatusPending,
		NextCheck:       &next,
		FirstCheck:      true,
		Channel:         store.ChannelEmail,
		Target:          pending.Email,
		UsesDefaultFreq: true,
		AddedAt:         &now,
		AddedBy:         pending.Email,
	}
	if err := s.store.AddUserCode(item); err != nil {
		s.writeHTML(w, http.StatusBadRequest, "Already monitored",
			"This code is already being monitored.")
		return
	}
	s.control.ScheduleImmediate(pending.Code)
	s.hub.Notify()

	s.log.Info("user code added",
		zap.String("code", pending.Code),
		zap.String("owner", codes.MaskEmail(pending.Email)))
	s.writeHTML(w, http.StatusOK, "Monitoring confirmed",
		fmt.Sprintf("The application %s is now monitored. Status updates go to %s.", pending.Code, pending.Email))
}

type emailRequest struct {
	Email string `json:"email" validate:"required,max=256"`
}

// handleSendManageCode emails a 6-digit management code to an address owning
// at least one user code.
func (s *Server) handleSendManageCode(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	email, err := codes.ValidateEmail(req.Email)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(s.store.CodesOwnedBy(email)) == 0 {
		s.writeError(w, r, http.StatusNotFound, "no codes registered for this address")
		return
	}

	code := sixDigits()
	s.store.SetVerificationCode(email, code, s.now().Add(verifyTTL), "manage")

	n := notify.Notification{
		Kind:       notify.KindManagementCode,
		Target:     email,
		ManageCode: code,
	}
	if err := s.notifier.SendImmediate(r.Context(), n); err != nil {
		s.log.Error("management code email failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "could not send management code")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"message": "management code sent"})
}

type authRequest struct {
	Email            string `json:"email,omitempty" validate:"omitempty,max=256"`
	VerificationCode string `json:"verification_code,omitempty" validate:"omitempty,max=16"`
	SessionID        string `json:"session_id,omitempty" validate:"omitempty,max=64"`
}

// authenticate resolves dual-mode credentials: (email, verification_code) or
// session_id. Returns the authenticated email.
func (s *Server) authenticate(req authRequest) (string, int) {
	if req.SessionID != "" {
		if sess, ok := s.store.GetSession(req.SessionID); ok {
			return sess.Email, 0
		}
		return "", http.StatusUnauthorized
	}
	if req.Email != "" && req.VerificationCode != "" {
		email, err := codes.ValidateEmail(req.Email)
		if err != nil {
			return "", http.StatusBadRequest
		}
		if v, ok := s.store.PopVerificationCode(email); ok && v.Code == req.VerificationCode {
			return email, 0
		}
		return "", http.StatusUnauthorized
	}
	return "", http.StatusBadRequest
}

type ownedCode struct {
	Code        string       `json:"code"`
	Status      store.Status `json:"status"`
	LastChecked *time.Time   `json:"last_checked,omitempty"`
	LastChanged *time.Time   `json:"last_changed,omitempty"`
	NextCheck   *time.Time   `json:"next_check,omitempty"`
	AddedAt     *time.Time   `json:"added_at,omitempty"`
}

// handleVerifyManage returns the caller's owned codes under dual-mode auth.
func (s *Server) handleVerifyManage(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	email, failStatus := s.authenticate(req)
	if failStatus != 0 {
		s.writeError(w, r, failStatus, "authentication failed")
		return
	}

	owned := s.store.CodesOwnedBy(email)
	out := make([]ownedCode, 0, len(owned))
	for _, it := range owned {
		out = append(out, ownedCode{
			Code:        it.Code,
			Status:      it.Status,
			LastChecked: it.LastChecked,
			LastChanged: it.LastChanged,
			NextCheck:   it.NextCheck,
			AddedAt:     it.AddedAt,
		})
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"codes": out})
}

type deleteCodeRequest struct {
	Code string `json:"code" validate:"required,max=256"`
	authRequest
}

// handleDeleteCode removes a caller-owned code from the user store.
func (s *Server) handleDeleteCode(w http.ResponseWriter, r *http.Request) {
	var req deleteCodeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	email, failStatus := s.authenticate(req.authRequest)
	if failStatus != 0 {
		s.writeError(w, r, failStatus, "authentication failed")
		return
	}
	canonical, _, err := codes.Normalize(req.Code)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid code format")
		return
	}
	owner, ok := s.store.OwnerOf(canonical)
	if !ok || owner != email {
		s.writeError(w, r, http.StatusUnauthorized, "not the owner of this code")
		return
	}
	if err := s.store.RemoveUserCode(canonical); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "code not found")
		return
	}
	s.control.Forget(canonical)
	s.hub.Notify()
	s.log.Info("user code deleted", zap.String("code", canonical), zap.String("owner", codes.MaskEmail(email)))
	s.writeJSON(w, r, http.StatusOK, map[string]string{"message": "code deleted"})
}

type loginRequest struct {
	Email            string `json:"email" validate:"required,max=256"`
	VerificationCode string `json:"verification_code" validate:"required,max=16"`
}

// handleLogin exchanges a valid verification code for a 7-day session.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	email, failStatus := s.authenticate(authRequest{Email: req.Email, VerificationCode: req.VerificationCode})
	if failStatus != 0 {
		s.writeError(w, r, failStatus, "authentication failed")
		return
	}
	sid := uuid.NewString()
	expires := s.now().Add(sessionTTL)
	s.store.AddSession(sid, email, expires)
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"session_id": sid,
		"expires":    expires.UTC().Format(time.RFC3339),
	})
}

type sessionRequest struct {
	SessionID string `json:"session_id" validate:"required,max=64"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	s.store.RemoveSession(req.SessionID)
	s.writeJSON(w, r, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request")
		return
	}
	sess, ok := s.store.GetSession(req.SessionID)
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "session invalid or expired")
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"email":   sess.Email,
		"expires": sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleStatus serves the merged, sensitive-field-stripped item view.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"generated_at": s.now().UTC().Format(time.RFC3339),
		"items":        s.store.PublicItems(s.specs()),
	})
}

func (s *Server) writeHTML(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		title, title, body)
}

// sixDigits returns a crypto-random 6-digit management code.
func sixDigits() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// constant-free panic rather than a guessable code.
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}
