// Package api exposes the inbound event channel and the offline
// notification inbox over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/btouchard/courier/internal/api/middleware"
	"github.com/btouchard/courier/internal/auth"
	"github.com/btouchard/courier/internal/dispatch"
	"github.com/btouchard/courier/internal/event"
	"github.com/btouchard/courier/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 1 << 20
)

// Dispatcher routes an event to its recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, e event.Event) (dispatch.Report, error)
}

// Inbox is the read side of the fallback notification store.
type Inbox interface {
	ListUnread(ctx context.Context, userID string, limit int) ([]store.NotificationRecord, error)
	MarkRead(ctx context.Context, userID, id string) error
	DeleteRead(ctx context.Context, userID string) (int64, error)
}

// PresenceView answers presence queries.
type PresenceView interface {
	IsOnline(id event.UserID) bool
	Connections(id event.UserID) []string
}

// Handler serves the /api routes.
type Handler struct {
	dispatcher Dispatcher
	inbox      Inbox
	presence   PresenceView
}

func NewHandler(d Dispatcher, inbox Inbox, presence PresenceView) *Handler {
	return &Handler{dispatcher: d, inbox: inbox, presence: presence}
}

// Routes returns a router with every API endpoint behind bearer auth.
// Publishing events additionally needs the publish scope. onAuthFailure may
// be nil.
func (h *Handler) Routes(authn middleware.Authenticator, onAuthFailure func()) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.BearerAuth(authn, onAuthFailure))

	r.With(middleware.RequireScope(auth.ScopePublish)).Post("/events", h.PostEvent)
	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/{id}/read", h.MarkRead)
	r.Delete("/notifications/read", h.DeleteRead)
	r.Get("/presence/{userID}", h.GetPresence)

	return r
}

var validate = newValidator()

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type eventRequest struct {
	Type       event.Kind      `json:"type" validate:"required,oneof=task:assign task:update task:delete comment:new"`
	TaskID     string          `json:"task_id" validate:"max=128"`
	Message    string          `json:"message" validate:"max=2000"`
	Payload    json.RawMessage `json:"payload"`
	Recipients []event.UserID  `json:"recipients" validate:"required,min=1,max=1000,dive,required,max=128"`
}

type dispatchResponse struct {
	Pushed    int `json:"pushed"`
	Persisted int `json:"persisted"`
	Skipped   int `json:"skipped"`
	Dropped   int `json:"dropped"`
	Failed    int `json:"failed"`
}

// PostEvent accepts a domain event from a producer and dispatches it. The
// caller is the actor and must hold the publish scope.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Type == event.KindPresenceChanged {
		respondError(w, r, http.StatusBadRequest, "presence events are generated by the server")
		return
	}

	if err := validate.Struct(req); err != nil {
		slog.Debug("event request failed validation", "error", err)
		respondError(w, r, http.StatusBadRequest, "invalid event: "+fieldErrors(err))
		return
	}

	e := event.Event{
		Kind:       req.Type,
		Actor:      user,
		TaskID:     req.TaskID,
		Message:    req.Message,
		Payload:    req.Payload,
		Recipients: req.Recipients,
	}

	// A producer hanging up must not abort fallback writes already under way.
	report, err := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), e)
	if errors.Is(err, event.ErrInvalidEvent) {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		respondInternal(w, r, "dispatch failed", err)
		return
	}

	respondJSON(w, http.StatusAccepted, dispatchResponse{
		Pushed:    len(report.Pushed),
		Persisted: len(report.Persisted),
		Skipped:   len(report.Skipped),
		Dropped:   len(report.Dropped),
		Failed:    len(report.Failed),
	})
}

// fieldErrors names the JSON fields that failed validation.
func fieldErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "malformed request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return strings.Join(fields, ", ")
}

type notificationResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type notificationList struct {
	Notifications []notificationResponse `json:"notifications"`
}

// ListNotifications returns the caller's unread, unexpired notifications,
// newest first.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := h.inbox.ListUnread(r.Context(), string(user), limit)
	if err != nil {
		respondInternal(w, r, "listing notifications", err)
		return
	}

	out := notificationList{Notifications: make([]notificationResponse, 0, len(records))}
	for _, rec := range records {
		out.Notifications = append(out.Notifications, notificationResponse{
			ID:        rec.ID,
			Type:      rec.Type,
			TaskID:    rec.TaskID,
			Message:   rec.Message,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}

	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	err := h.inbox.MarkRead(r.Context(), string(user), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		respondInternal(w, r, "marking notification read", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteRead(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	n, err := h.inbox.DeleteRead(r.Context(), string(user))
	if err != nil {
		respondInternal(w, r, "deleting read notifications", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type presenceResponse struct {
	UserID      event.UserID `json:"user_id"`
	Online      bool         `json:"online"`
	Connections int          `json:"connections"`
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	id := event.UserID(chi.URLParam(r, "userID"))
	respondJSON(w, http.StatusOK, presenceResponse{
		UserID:      id,
		Online:      h.presence.IsOnline(id),
		Connections: len(h.presence.Connections(id)),
	})
}
