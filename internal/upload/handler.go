package upload

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avaz/service/internal/middleware"
	"github.com/avaz/service/internal/response"
)

// Handler holds HTTP handlers for upload coordination endpoints.
type Handler struct {
	svc      *Service
	verifier *Verifier
}

// NewHandler creates a new upload Handler.
func NewHandler(svc *Service, verifier *Verifier) *Handler {
	return &Handler{svc: svc, verifier: verifier}
}

// Routes mounts the upload endpoints on r. Callers wrap the group with the
// auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/quota", h.Quota)
	r.Get("/{id}/status", h.Status)
	r.Post("/{id}/confirm", h.Confirm)
	r.Post("/{id}/cancel", h.Cancel)
}

// Create godoc
//
//	@Summary		Request an upload credential
//	@Description	Reserves quota, creates an upload session, and returns a presigned PUT URL for a direct-to-storage upload.
//	@Tags			uploads
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		CreateRequest	true	"upload declaration"
//	@Success		201		{object}	response.Envelope{data=Credential}
//	@Failure		400		{object}	response.Envelope
//	@Failure		429		{object}	response.Envelope
//	@Router			/uploads [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	cred, err := h.svc.CreateUpload(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Created(w, cred)
}

// List godoc
//
//	@Summary	List recent upload sessions
//	@Tags		uploads
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	response.Envelope{data=[]Session}
//	@Router		/uploads [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	sessions, err := h.svc.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, sessions)
}

type confirmRequest struct {
	Checksum string `json:"checksum,omitempty"` // optional sha256 hex digest
}

type confirmResponse struct {
	Success     bool       `json:"success"`
	Status      Status     `json:"status"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Confirm godoc
//
//	@Summary		Confirm a finished upload
//	@Description	Verifies the stored object against the session (existence, exact size, key ownership) and queues finalization.
//	@Tags			uploads
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string			true	"upload session id"
//	@Param			request	body		confirmRequest	false	"optional checksum"
//	@Success		200		{object}	confirmResponse
//	@Failure		404		{object}	response.Envelope
//	@Failure		410		{object}	response.Envelope
//	@Failure		422		{object}	response.Envelope
//	@Router			/uploads/{id}/confirm [post]
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req confirmRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
	}

	sess, err := h.verifier.Confirm(r.Context(), userID, chi.URLParam(r, "id"), req.Checksum)
	if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		h.writeError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, confirmResponse{
		Success:     true,
		Status:      sess.Status,
		ConfirmedAt: sess.ConfirmedAt,
	})
}

type statusResponse struct {
	Status      Status  `json:"status"`
	CanConfirm  bool    `json:"canConfirm"`
	SongID      *string `json:"songId,omitempty"`
	DownloadURL string  `json:"downloadUrl,omitempty"`
	Message     string  `json:"message,omitempty"`
	CompletedAt *string `json:"completedAt,omitempty"`
}

// Status godoc
//
//	@Summary	Get upload session status
//	@Tags		uploads
//	@Produce	json
//	@Security	BearerAuth
//	@Param		id	path		string	true	"upload session id"
//	@Success	200	{object}	response.Envelope{data=statusResponse}
//	@Failure	404	{object}	response.Envelope
//	@Router		/uploads/{id}/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	sess, err := h.svc.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := statusResponse{
		Status:     sess.Status,
		CanConfirm: sess.CanConfirm(time.Now()),
		Message:    sess.StatusMessage,
	}
	if sess.Status == StatusReady {
		out.SongID = sess.SongID
		if sess.CompletedAt != nil {
			ts := sess.CompletedAt.Format(time.RFC3339)
			out.CompletedAt = &ts
		}
		// best-effort: the status itself is still served if signing fails
		if url, err := h.svc.DownloadURL(r.Context(), sess); err == nil {
			out.DownloadURL = url
		} else {
			slog.Error("presign download url", "session_id", sess.ID, "error", err)
		}
	}
	response.OK(w, out)
}

// Cancel godoc
//
//	@Summary		Cancel an upload session
//	@Description	Only pending or uploaded sessions can be cancelled; after confirmation a finalize job may already be running.
//	@Tags			uploads
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id	path		string	true	"upload session id"
//	@Success		200	{object}	response.Envelope{data=CancelResult}
//	@Failure		404	{object}	response.Envelope
//	@Failure		409	{object}	response.Envelope
//	@Router			/uploads/{id}/cancel [post]
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	res, err := h.svc.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, res)
}

// Quota godoc
//
//	@Summary	Get upload quota
//	@Tags		uploads
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	response.Envelope{data=QuotaInfo}
//	@Router		/uploads/quota [get]
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUser(r)
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	info, err := h.svc.Quota(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, info)
}

// writeError maps the upload error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		quotaErr      *QuotaExceededError
		transitionErr *InvalidTransitionError
		integrityErr  *IntegrityError
		validationErr *ValidationError
	)
	switch {
	case errors.As(err, &validationErr):
		response.BadRequest(w, validationErr.Error())
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(w, "upload session not found")
	case errors.Is(err, ErrSessionExpired):
		response.Error(w, http.StatusGone, "upload session expired")
	case errors.Is(err, ErrStorageUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "storage backend unavailable, retry shortly")
	case errors.As(err, &quotaErr):
		response.Error(w, http.StatusTooManyRequests, quotaErr.Error())
	case errors.As(err, &transitionErr):
		response.Conflict(w, transitionErr.Error())
	case errors.As(err, &integrityErr):
		response.Error(w, http.StatusUnprocessableEntity, integrityErr.Error())
	default:
		response.InternalError(w)
	}
}

func authedUser(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(middleware.UserIDKey).(string)
	return userID, ok && userID != ""
}
